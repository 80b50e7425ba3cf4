package orch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/dkeye/camslot/internal/app"
	"github.com/dkeye/camslot/internal/core"
	"github.com/dkeye/camslot/internal/domain"
	"github.com/rs/zerolog/log"
)

// Subscriber events.
const (
	EventNewFeed                = "new_feed"
	EventRemoveFeed             = "remove_feed"
	EventSetAnnotation          = "set_annotation"
	EventRemoveAnnotation       = "remove_annotation"
	EventCommand                = "command"
	EventChangeName             = "change_name"
	EventControllerBitrateLimit = "new_controller_bitrate_limit"
	EventRemoveAllFeeds         = "remove_all_feeds"
)

const defaultRoomCallTimeout = 2500 * time.Millisecond

// Event is a server-originated message.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type slotPayload struct {
	Slot domain.SlotIdx `json:"slot"`
}

// Orchestrator drives slot state from sender requests and operator lines.
// Every entry point runs under one lock, which gives all slot mutations a
// single order.
type Orchestrator struct {
	Slots    *core.SlotStore
	Registry *app.Registry
	Policy   app.Policy
	Room     core.MediaRoom
	Notifier core.Notifier

	// RoomCallTimeout bounds each outbound call to the media room.
	RoomCallTimeout time.Duration

	mu      sync.Mutex
	calls   sync.WaitGroup
	closing bool
}

// Connect registers a new transport connection.
func (o *Orchestrator) Connect(id domain.ConnID, conn core.SignalConnection, cancel context.CancelFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Registry.Bind(id, conn, cancel)
}

// Disconnect forgets the connection. A feed it published is unbound,
// whatever caused the disconnect.
func (o *Orchestrator) Disconnect(id domain.ConnID) {
	o.mu.Lock()
	defer o.mu.Unlock()

	sender, ok := o.Registry.Unbind(id)
	if !ok {
		return
	}
	sl, err := o.Slots.Get(sender.Slot)
	if err != nil || !sl.FeedBound || sl.SenderConn != id {
		return
	}
	log.Info().Str("module", "orch").Int("slot", int(sender.Slot)).Str("conn", string(id)).Msg("sender disconnected, clearing slot")
	if _, err := o.Slots.UnbindFeed(sender.Slot); err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("unbind feed")
		return
	}
	o.emitRemoveFeed(sender.Slot)
}

// SlotState returns a copy of one slot.
func (o *Orchestrator) SlotState(idx domain.SlotIdx) (domain.Slot, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.Slots.Get(idx)
}

// QueryState lists every slot that currently has a feed.
func (o *Orchestrator) QueryState() []domain.FeedView {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.Slots.BoundFeeds()
}

func (o *Orchestrator) emitNewFeed(idx domain.SlotIdx) {
	sl, err := o.Slots.Get(idx)
	if err != nil {
		return
	}
	o.broadcast(Event{Type: EventNewFeed, Data: sl.View(idx)})
	o.notify(core.FeedAdded, idx)
}

func (o *Orchestrator) emitRemoveFeed(idx domain.SlotIdx) {
	o.broadcast(Event{Type: EventRemoveFeed, Data: slotPayload{Slot: idx}})
	o.notify(core.FeedRemoved, idx)
}

func (o *Orchestrator) notify(ev core.FeedEvent, idx domain.SlotIdx) {
	if o.Notifier != nil {
		o.Notifier.Notify(ev, idx)
	}
}

func (o *Orchestrator) broadcast(ev Event) {
	frame, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("event", ev.Type).Msg("broadcast marshal")
		return
	}
	sent := 0
	for _, snap := range o.Registry.Connections() {
		if err := snap.Conn.TrySend(frame); err != nil {
			o.onSendFailure(snap.ID, snap.Conn, snap.IsSender, err)
			continue
		}
		sent++
	}
	log.Debug().Str("module", "orch").Str("event", ev.Type).Int("sent_to", sent).Msg("broadcast result")
}

func (o *Orchestrator) unicast(id domain.ConnID, ev Event) {
	conn, ok := o.Registry.Conn(id)
	if !ok {
		log.Warn().Str("module", "orch").Str("conn", string(id)).Str("event", ev.Type).Msg("unicast to unknown connection")
		return
	}
	frame, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("event", ev.Type).Msg("unicast marshal")
		return
	}
	if err := conn.TrySend(frame); err != nil {
		_, isSender := o.Registry.SenderOf(id)
		o.onSendFailure(id, conn, isSender, err)
	}
}

func (o *Orchestrator) onSendFailure(id domain.ConnID, conn core.SignalConnection, isSender bool, err error) {
	action := app.DropFrame
	if o.Policy != nil {
		action = o.Policy.OnBackPressure(isSender)
	}
	log.Warn().Err(err).Str("module", "orch").Str("conn", string(id)).Bool("sender", isSender).Int("action", int(action)).Msg("send failed")
	if action == app.KickConnection {
		conn.Close()
	}
}

// goRoom runs an outbound media room call without holding the lock. The
// caller holds o.mu, so no call is added once Shutdown set closing.
func (o *Orchestrator) goRoom(name string, fn func(ctx context.Context) error) {
	if o.Room == nil {
		log.Warn().Str("module", "orch").Str("call", name).Msg("no media room configured")
		return
	}
	if o.closing {
		log.Warn().Str("module", "orch").Str("call", name).Msg("shutting down, media room call skipped")
		return
	}
	timeout := o.RoomCallTimeout
	if timeout <= 0 {
		timeout = defaultRoomCallTimeout
	}
	o.calls.Add(1)
	go func() {
		defer o.calls.Done()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			log.Warn().Err(err).Str("module", "orch").Str("call", name).Msg("media room call failed")
			return
		}
		log.Info().Str("module", "orch").Str("call", name).Msg("media room call succeeded")
	}()
}

// WaitRoomCalls blocks until in-flight media room calls finish or ctx ends.
// Outside of tests it runs only after closing is set.
func (o *Orchestrator) WaitRoomCalls(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.calls.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("media room calls still in flight"), ctx.Err())
	}
}

func (o *Orchestrator) pushBitrate(idx domain.SlotIdx, sessionID, handleID int64, bitrate int) {
	log.Info().Str("module", "orch").Int("slot", int(idx)).Int("bitrate", bitrate).Msg("setting feed bitrate")
	o.goRoom("set_bitrate", func(ctx context.Context) error {
		return o.Room.SetBitrate(ctx, sessionID, handleID, bitrate)
	})
}
