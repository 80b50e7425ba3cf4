package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dkeye/camslot/internal/core"
	"github.com/dkeye/camslot/internal/domain"
	"github.com/rs/zerolog/log"
)

var ErrNotificationPending = errors.New("notification write still pending")

const queueSize = 256

// Tracker writes notifications one at a time, in the order they were
// raised, and keeps count of the ones not yet written.
type Tracker struct {
	sink      Sink
	warnAfter time.Duration
	queue     chan string

	mu      sync.Mutex
	pending int
	drained chan struct{}
	closed  bool
}

// NewTracker starts the writer. A write still blocked after warnAfter is
// logged as a warning.
func NewTracker(sink Sink, warnAfter time.Duration) *Tracker {
	if warnAfter <= 0 {
		warnAfter = 5 * time.Second
	}
	t := &Tracker{
		sink:      sink,
		warnAfter: warnAfter,
		queue:     make(chan string, queueSize),
	}
	go t.run()
	return t
}

func (t *Tracker) Notify(ev core.FeedEvent, slot domain.SlotIdx) {
	msg := fmt.Sprintf("%s %d", ev, slot)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		log.Error().Str("module", "notify").Str("message", msg).Msg("notifier closed, dropping")
		return
	}
	select {
	case t.queue <- msg:
		if t.pending == 0 {
			t.drained = make(chan struct{})
		}
		t.pending++
	default:
		log.Error().Str("module", "notify").Str("message", msg).Msg("notification queue full, dropping")
	}
}

func (t *Tracker) run() {
	for msg := range t.queue {
		t.write(msg)
		t.done()
	}
}

func (t *Tracker) write(msg string) {
	logger := log.With().Str("module", "notify").Str("sink", t.sink.String()).Str("message", msg).Logger()
	logger.Info().Msg("notifying controller")

	timer := time.AfterFunc(t.warnAfter, func() {
		logger.Warn().Dur("waited", t.warnAfter).Msg("controller did not read the notification")
	})
	defer timer.Stop()

	if err := t.sink.Write(context.Background(), msg); err != nil {
		logger.Error().Err(err).Msg("could not notify controller")
	}
}

func (t *Tracker) done() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending--
	if t.pending == 0 {
		close(t.drained)
	}
}

// Pending returns the number of notifications not yet written.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending
}

// Wait blocks until every queued notification was written. It returns
// ErrNotificationPending if ctx ends first.
func (t *Tracker) Wait(ctx context.Context) error {
	t.mu.Lock()
	if t.pending == 0 {
		t.mu.Unlock()
		return nil
	}
	drained, n := t.drained, t.pending
	t.mu.Unlock()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%d notifications: %w", n, ErrNotificationPending)
	}
}

// Close stops accepting notifications. Queued ones are still written.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	close(t.queue)
}
