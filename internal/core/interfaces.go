package core

import (
	"context"

	"github.com/dkeye/camslot/internal/domain"
)

// Frame is a raw serialized message.
type Frame []byte

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// MediaRoom is the part of the external media room the slot logic drives
// at runtime.
type MediaRoom interface {
	// SetBitrate configures the publisher identified by the feed's own
	// session and handle ids.
	SetBitrate(ctx context.Context, sessionID, handleID int64, bitrate int) error
	EditPin(ctx context.Context, pin string) error
	Alive() bool
}

type FeedEvent string

const (
	FeedAdded   FeedEvent = "new_feed"
	FeedRemoved FeedEvent = "remove_feed"
)

// Notifier reports feed changes to the operator process. Best effort.
type Notifier interface {
	Notify(event FeedEvent, slot domain.SlotIdx)
}
