package orch

import (
	"context"
	"errors"

	"github.com/dkeye/camslot/internal/core"
	"github.com/rs/zerolog/log"
)

// RoomCloser tears down the external media room.
type RoomCloser interface {
	Close(ctx context.Context) error
}

// NotificationWaiter waits for in-flight operator notifications.
type NotificationWaiter interface {
	Wait(ctx context.Context) error
}

// Shutdown runs the ordered teardown: refuse new media room calls and wait
// for the running ones, destroy the room, tell every subscriber to drop its
// feeds and release every bound slot, then wait for pending notification
// writes. Releasing the slots here means the socket disconnects that follow
// find nothing left to notify. A write still pending when ctx ends is
// returned as an error so the caller can abort instead of exiting cleanly.
func (o *Orchestrator) Shutdown(ctx context.Context, room RoomCloser, notes NotificationWaiter) error {
	log.Info().Str("module", "orch").Msg("shutting down")

	o.mu.Lock()
	o.closing = true
	o.mu.Unlock()

	if err := o.WaitRoomCalls(ctx); err != nil {
		log.Warn().Err(err).Str("module", "orch").Msg("abandoning media room calls")
	}

	if room != nil {
		if err := room.Close(ctx); err != nil {
			log.Error().Err(err).Str("module", "orch").Msg("media room cleanup failed")
		}
	}

	o.mu.Lock()
	o.broadcast(Event{Type: EventRemoveAllFeeds})
	o.releaseFeeds()
	o.mu.Unlock()

	if notes == nil {
		return nil
	}
	if err := notes.Wait(ctx); err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("notification write still pending")
		return errors.Join(errors.New("shutdown incomplete"), err)
	}
	log.Info().Str("module", "orch").Msg("shutdown complete")
	return nil
}

// releaseFeeds unbinds every feed and notifies the controller once per slot.
// Subscribers already got remove_all_feeds.
func (o *Orchestrator) releaseFeeds() {
	for _, feed := range o.Slots.BoundFeeds() {
		if _, err := o.Slots.UnbindFeed(feed.Slot); err != nil {
			log.Error().Err(err).Str("module", "orch").Int("slot", int(feed.Slot)).Msg("unbind feed")
			continue
		}
		log.Info().Str("module", "orch").Int("slot", int(feed.Slot)).Msg("feed released")
		o.notify(core.FeedRemoved, feed.Slot)
	}
}
