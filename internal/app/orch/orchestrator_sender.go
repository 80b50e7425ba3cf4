package orch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html"
	"strconv"
	"strings"

	"github.com/dkeye/camslot/internal/app"
	"github.com/dkeye/camslot/internal/core"
	"github.com/dkeye/camslot/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Response answers a sender request.
type Response struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func succeed(msg string) Response { return Response{Success: true, Message: msg} }

func fail(format string, args ...any) Response {
	return Response{Success: false, Message: fmt.Sprintf(format, args...)}
}

// Flex accepts a JSON string or number and keeps its text.
type Flex struct {
	Set   bool
	Value string
}

func (f *Flex) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = Flex{}
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = Flex{Set: true, Value: s}
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("want a string or number, got %s: %w", b, err)
	}
	*f = Flex{Set: true, Value: n.String()}
	return nil
}

func (f Flex) Int() (int, error) { return strconv.Atoi(strings.TrimSpace(f.Value)) }

type SenderInitRequest struct {
	Slot  Flex    `json:"slot"`
	Token *string `json:"token"`
}

type SetFeedIDRequest struct {
	FeedID       Flex    `json:"feedId"`
	SessionID    *int64  `json:"sessionId"`
	RoomHandleID *int64  `json:"roomHandleId"`
	CustomName   *string `json:"customName"`
}

type ChangeNameRequest struct {
	NewName *string `json:"newName"`
}

type SetBitrateLimitRequest struct {
	BitrateLimit *int `json:"bitrateLimit"`
}

// SenderInit authenticates a connection against a slot token. On success
// the connection is tagged with the slot, token and activation generation
// for the rest of its life.
func (o *Orchestrator) SenderInit(id domain.ConnID, req SenderInitRequest) Response {
	o.mu.Lock()
	defer o.mu.Unlock()

	logger := log.With().Str("module", "orch.sender").Str("conn", string(id)).Logger()

	if !req.Slot.Set {
		logger.Warn().Msg("sender_init without a slot")
		return fail("No slot provided")
	}
	n, err := req.Slot.Int()
	if err != nil {
		logger.Warn().Str("slot", req.Slot.Value).Msg("sender_init slot is not a number")
		return fail("Slot %s cannot be parsed to number", req.Slot.Value)
	}
	idx := domain.SlotIdx(n)
	sl, err := o.Slots.Get(idx)
	if err != nil {
		logger.Warn().Int("slot", n).Msg("sender_init slot out of range")
		return fail("Slot %d is not in the list of slots", n)
	}
	if !sl.Active {
		logger.Warn().Int("slot", n).Msg("sender_init for inactive slot")
		return fail("Slot %d is not active", n)
	}
	if req.Token == nil {
		logger.Warn().Int("slot", n).Msg("sender_init without token")
		return fail("No token provided")
	}
	if *req.Token != sl.Token {
		logger.Warn().Int("slot", n).Msg("sender_init with wrong token")
		return fail("Invalid token")
	}
	if bound, onSlot := o.publishingSlot(id); bound {
		logger.Warn().Int("slot", int(onSlot)).Msg("sender_init from a connection that already publishes")
		return fail("This connection already publishes on slot %d", onSlot)
	}

	if !o.Registry.Authenticate(id, app.SenderSession{Slot: idx, Token: sl.Token, Generation: sl.Generation}) {
		logger.Error().Msg("sender_init from unregistered connection")
		return fail("Connection is not registered")
	}
	logger.Info().Int("slot", n).Msg("sender authenticated")
	return succeed("Socket authenticated")
}

// SetFeedID binds the sender's published feed to its slot.
//
// The slot must still be in the activation it was authenticated against.
// A refreshed token does not invalidate the sender; a deactivation does.
func (o *Orchestrator) SetFeedID(id domain.ConnID, req SetFeedIDRequest) Response {
	o.mu.Lock()
	defer o.mu.Unlock()

	logger := log.With().Str("module", "orch.sender").Str("conn", string(id)).Logger()

	if o.closing {
		logger.Warn().Msg("set_feed_id during shutdown")
		return fail("The server is shutting down")
	}
	sender, authed := o.Registry.SenderOf(id)
	if !authed {
		logger.Warn().Msg("set_feed_id from unauthenticated connection")
		return fail("Connection is not authenticated - send sender_init first")
	}
	idx := sender.Slot
	logger = logger.With().Int("slot", int(idx)).Logger()

	sl, err := o.Slots.Get(idx)
	if err != nil || !sl.Active || sl.Generation != sender.Generation {
		logger.Warn().Msg("set_feed_id with a token from a previous activation")
		return fail("The provided token is not valid anymore - the feed is not transmitted")
	}
	if sl.FeedBound {
		logger.Warn().Msg("set_feed_id for slot which already has an active feed")
		return fail("Slot %d is already in use", idx)
	}
	if !req.FeedID.Set || strings.TrimSpace(req.FeedID.Value) == "" {
		logger.Warn().Msg("set_feed_id without a feed id")
		return fail("No feed id was provided")
	}
	if req.SessionID == nil || req.RoomHandleID == nil {
		logger.Warn().Msg("set_feed_id without session or handle id")
		return fail("No session id or room handle id was provided")
	}

	var name string
	if req.CustomName != nil {
		name = sanitizeName(logger, *req.CustomName)
	}

	binding := domain.FeedBinding{
		Conn:         id,
		FeedID:       domain.FeedID(strings.TrimSpace(req.FeedID.Value)),
		SessionID:    *req.SessionID,
		RoomHandleID: *req.RoomHandleID,
		CustomName:   name,
	}
	if err := o.Slots.BindFeed(idx, binding); err != nil {
		logger.Error().Err(err).Msg("bind feed")
		return fail("Could not use slot %d", idx)
	}
	logger.Info().Str("feed", string(binding.FeedID)).Msg("feed bound")

	o.emitNewFeed(idx)

	sl, _ = o.Slots.Get(idx)
	o.unicast(id, Event{Type: EventControllerBitrateLimit, Data: bitrateLimitPayload{BitrateLimit: sl.OperatorBitrateLimit}})
	if eff := core.EffectiveBitrate(sl.OperatorBitrateLimit, sl.UserBitrateLimit); eff != o.Slots.DefaultBitrate() {
		o.pushBitrate(idx, sl.SessionID, sl.RoomHandleID, eff)
	}

	return succeed("Successfully set feed id - you are now using this slot")
}

// ChangeName updates the display name of the caller's feed. There is no
// reply; failures are only logged.
func (o *Orchestrator) ChangeName(id domain.ConnID, req ChangeNameRequest) {
	o.mu.Lock()
	defer o.mu.Unlock()

	logger := log.With().Str("module", "orch.sender").Str("conn", string(id)).Logger()

	bound, idx := o.publishingSlot(id)
	if !bound {
		logger.Warn().Msg("change_name from a connection without a feed")
		return
	}
	if req.NewName == nil {
		logger.Warn().Msg("change_name without a name")
		return
	}
	name := sanitizeName(logger, *req.NewName)
	if err := o.Slots.SetCustomName(idx, name); err != nil {
		logger.Error().Err(err).Msg("set custom name")
		return
	}
	o.broadcast(Event{Type: EventChangeName, Data: changeNamePayload{Slot: idx, CustomName: name}})
}

// SetBitrateLimit applies the sender's own bitrate cap.
func (o *Orchestrator) SetBitrateLimit(id domain.ConnID, req SetBitrateLimitRequest) Response {
	o.mu.Lock()
	defer o.mu.Unlock()

	logger := log.With().Str("module", "orch.sender").Str("conn", string(id)).Logger()

	bound, idx := o.publishingSlot(id)
	if !bound {
		logger.Warn().Msg("set_bitrate_limit from a connection without a feed")
		return fail("You are not publishing a feed")
	}
	if req.BitrateLimit == nil {
		logger.Warn().Msg("set_bitrate_limit without a limit")
		return fail("No bitrate limit provided")
	}
	change, err := o.Slots.SetUserBitrateLimit(idx, *req.BitrateLimit)
	if err != nil {
		logger.Error().Err(err).Msg("set user bitrate limit")
		return fail("Could not set bitrate limit")
	}
	logger.Info().Int("slot", int(idx)).Int("limit", *req.BitrateLimit).Int("effective", change.Effective).Msg("user bitrate limit set")
	if change.Changed() {
		sl, _ := o.Slots.Get(idx)
		o.pushBitrate(idx, sl.SessionID, sl.RoomHandleID, change.Effective)
	}
	return succeed("Bitrate limit set")
}

// publishingSlot reports the slot whose feed this connection publishes.
func (o *Orchestrator) publishingSlot(id domain.ConnID) (bool, domain.SlotIdx) {
	sender, authed := o.Registry.SenderOf(id)
	if !authed {
		return false, domain.NoSlot
	}
	sl, err := o.Slots.Get(sender.Slot)
	if err != nil || !sl.FeedBound || sl.SenderConn != id {
		return false, domain.NoSlot
	}
	return true, sender.Slot
}

// sanitizeName trims and escapes a user supplied name. The escaped form is
// always the one relayed.
func sanitizeName(logger zerolog.Logger, raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	escaped := html.EscapeString(trimmed)
	if escaped != trimmed {
		logger.Warn().Str("raw", trimmed).Msg("custom name contained markup, possible injection attempt")
	}
	return escaped
}

type bitrateLimitPayload struct {
	BitrateLimit int `json:"bitrateLimit"`
}

type changeNamePayload struct {
	Slot       domain.SlotIdx `json:"slot"`
	CustomName string         `json:"customName"`
}
