package janus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var ErrAlreadyStarted = errors.New("janus room already started")

// errNoSuchRoom is the videoroom error code for an unknown room.
const errNoSuchRoom = 426

type State int

const (
	StateUnstarted State = iota
	StateSessionCreated
	StatePluginAttached
	StateRoomReady
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateSessionCreated:
		return "session_created"
	case StatePluginAttached:
		return "plugin_attached"
	case StateRoomReady:
		return "room_ready"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

type RoomConfig struct {
	Room       int64
	Publishers int
	Bitrate    int
	Secret     string
	Pin        string
	// ControlTimeout bounds each startup and teardown call.
	ControlTimeout time.Duration
}

// Room owns one Janus session, one videoroom handle and the room itself.
type Room struct {
	client *Client
	cfg    RoomConfig

	mu        sync.RWMutex
	state     State
	alive     bool
	sessionID int64
	handleID  int64

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

func NewRoom(client *Client, cfg RoomConfig) *Room {
	if cfg.ControlTimeout <= 0 {
		cfg.ControlTimeout = 2500 * time.Millisecond
	}
	return &Room{client: client, cfg: cfg}
}

func (r *Room) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Alive reports whether the session still answers the long-poll.
func (r *Room) Alive() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.alive
}

func (r *Room) control(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.cfg.ControlTimeout)
}

// Start creates the session, starts the long-poll, attaches the videoroom
// plugin and recreates the configured room. Any failure is fatal to the
// caller; the poll is stopped again before returning it.
func (r *Room) Start(ctx context.Context) error {
	if err := r.start(ctx); err != nil {
		r.stopPoll(ctx)
		return err
	}
	return nil
}

func (r *Room) start(ctx context.Context) error {
	logger := log.With().Str("module", "janus.room").Int64("room", r.cfg.Room).Logger()

	if r.State() != StateUnstarted {
		return ErrAlreadyStarted
	}

	cctx, cancel := r.control(ctx)
	session, err := r.client.CreateSession(cctx)
	cancel()
	if err != nil {
		return fmt.Errorf("create janus session: %w", err)
	}
	r.mu.Lock()
	r.sessionID = session
	r.state = StateSessionCreated
	r.alive = true
	r.mu.Unlock()
	logger.Info().Int64("session", session).Msg("established janus session")

	r.startPoll(session)

	cctx, cancel = r.control(ctx)
	handle, err := r.client.Attach(cctx, session)
	cancel()
	if err != nil {
		return fmt.Errorf("attach videoroom plugin: %w", err)
	}
	r.mu.Lock()
	r.handleID = handle
	r.state = StatePluginAttached
	r.mu.Unlock()
	logger.Info().Int64("handle", handle).Msg("attached videoroom plugin")

	cctx, cancel = r.control(ctx)
	err = r.destroyRoom(cctx, true)
	cancel()
	if err != nil {
		return fmt.Errorf("destroy old room: %w", err)
	}
	logger.Info().Msg("old room destroyed or not existing")

	cctx, cancel = r.control(ctx)
	err = r.createRoom(cctx)
	cancel()
	if err != nil {
		return fmt.Errorf("create room: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.alive {
		return fmt.Errorf("session lost during startup: %w", ErrSessionDead)
	}
	r.state = StateRoomReady
	logger.Info().Int("publishers", r.cfg.Publishers).Int("bitrate", r.cfg.Bitrate).Msg("created room")
	return nil
}

func (r *Room) ids() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessionID, r.handleID
}

func (r *Room) destroyRoom(ctx context.Context, missingOK bool) error {
	session, handle := r.ids()
	out, err := r.client.Message(ctx, session, handle, map[string]any{
		"request": "destroy",
		"room":    r.cfg.Room,
		"secret":  r.cfg.Secret,
	})
	if err != nil {
		return err
	}
	data := out.PluginData.Data
	if out.Janus == "success" && data.VideoRoom == "destroyed" {
		return nil
	}
	if missingOK && out.Janus == "success" && data.VideoRoom == "event" && data.ErrorCode == errNoSuchRoom {
		return nil
	}
	return fmt.Errorf("%s: %w", out, ErrUnexpectedResponse)
}

func (r *Room) createRoom(ctx context.Context) error {
	session, handle := r.ids()
	body := map[string]any{
		"request":    "create",
		"room":       r.cfg.Room,
		"publishers": r.cfg.Publishers,
		"bitrate":    r.cfg.Bitrate,
		"secret":     r.cfg.Secret,
	}
	if pin := r.pin(); pin != "" {
		body["pin"] = pin
	}
	out, err := r.client.Message(ctx, session, handle, body)
	if err != nil {
		return err
	}
	if out.Janus != "success" || out.PluginData.Data.VideoRoom != "created" {
		return fmt.Errorf("%s: %w", out, ErrUnexpectedResponse)
	}
	return nil
}

func (r *Room) pin() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.Pin
}

func (r *Room) startPoll(session int64) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r.mu.Lock()
	r.pollCancel = cancel
	r.pollDone = done
	r.mu.Unlock()

	go func() {
		defer close(done)
		r.pollLoop(ctx, session)
	}()
}

func (r *Room) pollLoop(ctx context.Context, session int64) {
	logger := log.With().Str("module", "janus.poll").Int64("session", session).Logger()
	logger.Info().Msg("starting long poll to keep session alive")
	for {
		events, err := r.client.Poll(ctx, session)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info().Msg("long poll canceled")
				return
			}
			logger.Error().Err(err).Msg("long poll failed, session will time out")
			r.mu.Lock()
			r.alive = false
			r.mu.Unlock()
			return
		}
		logger.Debug().Int("events", len(events)).Msg("long poll answered")
	}
}

// stopPoll cancels the long-poll and waits for it to return or ctx to end.
func (r *Room) stopPoll(ctx context.Context) {
	r.mu.Lock()
	cancel, done := r.pollCancel, r.pollDone
	r.pollCancel = nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Str("module", "janus.room").Msg("long poll did not stop in time")
	}
}

// SetBitrate reconfigures a publisher's bitrate on the sender's own
// session and handle. Only a Janus ack counts as success.
func (r *Room) SetBitrate(ctx context.Context, sessionID, handleID int64, bitrate int) error {
	if !r.Alive() {
		return ErrSessionDead
	}
	out, err := r.client.Message(ctx, sessionID, handleID, map[string]any{
		"request": "configure",
		"bitrate": bitrate,
	})
	if err != nil {
		return fmt.Errorf("configure bitrate: %w", err)
	}
	if out.Janus != "ack" {
		return fmt.Errorf("configure bitrate: %s: %w", out, ErrUnexpectedResponse)
	}
	return nil
}

// EditPin changes the room pin using the room secret.
func (r *Room) EditPin(ctx context.Context, pin string) error {
	if !r.Alive() {
		return ErrSessionDead
	}
	session, handle := r.ids()
	out, err := r.client.Message(ctx, session, handle, map[string]any{
		"request": "edit",
		"room":    r.cfg.Room,
		"secret":  r.cfg.Secret,
		"new_pin": pin,
	})
	if err != nil {
		return fmt.Errorf("edit pin: %w", err)
	}
	if out.Janus != "success" || out.PluginData.Data.VideoRoom != "edited" {
		return fmt.Errorf("edit pin: %s: %w", out, ErrUnexpectedResponse)
	}
	r.mu.Lock()
	r.cfg.Pin = pin
	r.mu.Unlock()
	log.Info().Str("module", "janus.room").Int64("room", r.cfg.Room).Msg("room pin changed")
	return nil
}

// Close cancels the long-poll, then destroys the room, detaches the
// plugin and destroys the session. A dead session is not cleaned up.
func (r *Room) Close(ctx context.Context) error {
	logger := log.With().Str("module", "janus.room").Int64("room", r.cfg.Room).Logger()
	logger.Info().Msg("cleaning up room")

	r.stopPoll(ctx)

	r.mu.Lock()
	prev, alive := r.state, r.alive
	r.state = StateTerminated
	r.alive = false
	r.mu.Unlock()

	if prev == StateUnstarted || prev == StateTerminated {
		return nil
	}
	if !alive {
		logger.Warn().Msg("session timed out, skipping room cleanup")
		return nil
	}

	session, handle := r.ids()
	var errs []error
	if prev >= StatePluginAttached {
		cctx, cancel := r.control(ctx)
		if err := r.destroyRoom(cctx, false); err != nil {
			logger.Error().Err(err).Msg("could not destroy room")
		} else {
			logger.Info().Msg("destroyed room")
		}
		cancel()

		cctx, cancel = r.control(ctx)
		if err := r.client.Detach(cctx, session, handle); err != nil {
			errs = append(errs, fmt.Errorf("detach: %w", err))
		}
		cancel()
	}

	cctx, cancel := r.control(ctx)
	defer cancel()
	if err := r.client.DestroySession(cctx, session); err != nil {
		errs = append(errs, fmt.Errorf("destroy session: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	logger.Info().Msg("room cleanup done")
	return nil
}
