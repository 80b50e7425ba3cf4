// Package janus talks to a Janus gateway over its REST transport and keeps
// one videoroom alive for the lifetime of the process.
package janus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

const videoroomPlugin = "janus.plugin.videoroom"

var (
	ErrSessionDead        = errors.New("janus session is dead")
	ErrUnexpectedResponse = errors.New("unexpected janus response")
)

type request struct {
	Janus       string `json:"janus"`
	Transaction string `json:"transaction"`
	Plugin      string `json:"plugin,omitempty"`
	Body        any    `json:"body,omitempty"`
}

type response struct {
	Janus string `json:"janus"`
	Data  struct {
		ID int64 `json:"id"`
	} `json:"data"`
	PluginData struct {
		Plugin string     `json:"plugin"`
		Data   pluginData `json:"data"`
	} `json:"plugindata"`
	Error *struct {
		Code   int    `json:"code"`
		Reason string `json:"reason"`
	} `json:"error,omitempty"`
}

type pluginData struct {
	VideoRoom string `json:"videoroom"`
	ErrorCode int    `json:"error_code,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (r response) String() string {
	switch {
	case r.Error != nil:
		return fmt.Sprintf("janus=%s error %d: %s", r.Janus, r.Error.Code, r.Error.Reason)
	case r.PluginData.Data.ErrorCode != 0:
		return fmt.Sprintf("janus=%s videoroom=%s error %d: %s", r.Janus, r.PluginData.Data.VideoRoom, r.PluginData.Data.ErrorCode, r.PluginData.Data.Error)
	case r.PluginData.Data.VideoRoom != "":
		return fmt.Sprintf("janus=%s videoroom=%s", r.Janus, r.PluginData.Data.VideoRoom)
	default:
		return "janus=" + r.Janus
	}
}

// Client wraps the Janus REST endpoints used by the room.
type Client struct {
	control   *resty.Client
	poll      *resty.Client
	maxEvents int
}

type ClientConfig struct {
	URL            string
	ControlTimeout time.Duration
	PollTimeout    time.Duration
	MaxEvents      int
}

func NewClient(cfg ClientConfig) *Client {
	newResty := func(timeout time.Duration) *resty.Client {
		return resty.New().
			SetBaseURL(cfg.URL).
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json").
			SetHeader("Accept", "application/json")
	}
	maxEvents := cfg.MaxEvents
	if maxEvents <= 0 {
		maxEvents = 10
	}
	return &Client{
		control:   newResty(cfg.ControlTimeout),
		poll:      newResty(cfg.PollTimeout),
		maxEvents: maxEvents,
	}
}

func (c *Client) post(ctx context.Context, path string, req request) (response, error) {
	req.Transaction = uuid.NewString()
	var out response
	resp, err := c.control.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post(path)
	if err != nil {
		return response{}, fmt.Errorf("janus %s %s: %w", req.Janus, path, err)
	}
	if resp.IsError() {
		return response{}, fmt.Errorf("janus %s %s: http %d: %w", req.Janus, path, resp.StatusCode(), ErrUnexpectedResponse)
	}
	return out, nil
}

func sessionPath(session int64) string { return "/" + strconv.FormatInt(session, 10) }

func handlePath(session, handle int64) string {
	return sessionPath(session) + "/" + strconv.FormatInt(handle, 10)
}

func (c *Client) CreateSession(ctx context.Context) (int64, error) {
	out, err := c.post(ctx, "/", request{Janus: "create"})
	if err != nil {
		return 0, err
	}
	if out.Janus != "success" {
		return 0, fmt.Errorf("create session: %s: %w", out, ErrUnexpectedResponse)
	}
	return out.Data.ID, nil
}

func (c *Client) DestroySession(ctx context.Context, session int64) error {
	out, err := c.post(ctx, sessionPath(session), request{Janus: "destroy"})
	if err != nil {
		return err
	}
	if out.Janus != "success" {
		return fmt.Errorf("destroy session: %s: %w", out, ErrUnexpectedResponse)
	}
	return nil
}

func (c *Client) Attach(ctx context.Context, session int64) (int64, error) {
	out, err := c.post(ctx, sessionPath(session), request{Janus: "attach", Plugin: videoroomPlugin})
	if err != nil {
		return 0, err
	}
	if out.Janus != "success" {
		return 0, fmt.Errorf("attach %s: %s: %w", videoroomPlugin, out, ErrUnexpectedResponse)
	}
	return out.Data.ID, nil
}

func (c *Client) Detach(ctx context.Context, session, handle int64) error {
	out, err := c.post(ctx, handlePath(session, handle), request{Janus: "detach"})
	if err != nil {
		return err
	}
	if out.Janus != "success" {
		return fmt.Errorf("detach: %s: %w", out, ErrUnexpectedResponse)
	}
	return nil
}

// Message sends a plugin request on a handle and returns the raw answer.
func (c *Client) Message(ctx context.Context, session, handle int64, body any) (response, error) {
	return c.post(ctx, handlePath(session, handle), request{Janus: "message", Body: body})
}

// Poll waits for session events. Janus answers within about 30s, with a
// keepalive when nothing happened. Anything but a JSON array is an error.
func (c *Client) Poll(ctx context.Context, session int64) ([]json.RawMessage, error) {
	resp, err := c.poll.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"rid":   strconv.FormatInt(time.Now().UnixMilli(), 10),
			"maxev": strconv.Itoa(c.maxEvents),
		}).
		Get(sessionPath(session))
	if err != nil {
		return nil, fmt.Errorf("long poll: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("long poll: http %d: %w", resp.StatusCode(), ErrUnexpectedResponse)
	}
	var events []json.RawMessage
	if err := json.Unmarshal(resp.Body(), &events); err != nil || events == nil {
		return nil, fmt.Errorf("long poll answer is not an event list: %w", ErrUnexpectedResponse)
	}
	return events, nil
}
