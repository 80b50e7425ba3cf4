package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/camslot/internal/core"
)

const pipePath = "/run/camslot/notify"

func TestFileSink_AppendsLines(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/run/camslot", 0o755))
	require.NoError(t, afero.WriteFile(fs, pipePath, nil, 0o644))

	sink := NewFileSink(fs, pipePath)
	require.NoError(t, sink.Write(context.Background(), "new_feed 0"))
	require.NoError(t, sink.Write(context.Background(), "remove_feed 0"))

	got, err := afero.ReadFile(fs, pipePath)
	require.NoError(t, err)
	assert.Equal(t, "new_feed 0\nremove_feed 0\n", string(got))
}

func TestFileSink_MissingPathIsNotCreated(t *testing.T) {
	fs := afero.NewMemMapFs()
	sink := NewFileSink(fs, pipePath)

	err := sink.Write(context.Background(), "new_feed 1")
	assert.ErrorIs(t, err, ErrMissingPath)

	exists, err := afero.Exists(fs, pipePath)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRedisSink_Publishes(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sub := client.Subscribe(ctx, "camslot")
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	sink := NewRedisSink(client, "camslot")
	require.NoError(t, sink.Write(ctx, "new_feed 3"))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "camslot", msg.Channel)
	assert.Equal(t, "new_feed 3", msg.Payload)
}

// gateSink records messages and blocks each write until released.
type gateSink struct {
	mu    sync.Mutex
	msgs  []string
	gate  chan struct{}
	block bool
}

func (s *gateSink) Write(_ context.Context, msg string) error {
	if s.block {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return nil
}

func (s *gateSink) String() string { return "gate" }

func (s *gateSink) written() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.msgs...)
}

func TestTracker_WritesInOrder(t *testing.T) {
	sink := &gateSink{}
	tr := NewTracker(sink, time.Second)
	t.Cleanup(tr.Close)

	tr.Notify(core.FeedAdded, 0)
	tr.Notify(core.FeedAdded, 2)
	tr.Notify(core.FeedRemoved, 0)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, tr.Wait(ctx))
	assert.Equal(t, []string{"new_feed 0", "new_feed 2", "remove_feed 0"}, sink.written())
	assert.Zero(t, tr.Pending())
}

func TestTracker_WaitReportsPendingWrite(t *testing.T) {
	sink := &gateSink{block: true, gate: make(chan struct{})}
	tr := NewTracker(sink, 20*time.Millisecond)
	t.Cleanup(tr.Close)

	tr.Notify(core.FeedRemoved, 1)
	assert.Equal(t, 1, tr.Pending())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, tr.Wait(ctx), ErrNotificationPending)

	close(sink.gate)
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	require.NoError(t, tr.Wait(ctx2))
	assert.Equal(t, []string{"remove_feed 1"}, sink.written())
}

func TestTracker_WaitWithNothingPending(t *testing.T) {
	tr := NewTracker(NopSink{}, 0)
	t.Cleanup(tr.Close)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, tr.Wait(ctx))
}

func TestTracker_DropsAfterClose(t *testing.T) {
	sink := &gateSink{}
	tr := NewTracker(sink, time.Second)
	tr.Close()
	tr.Close()

	tr.Notify(core.FeedAdded, 0)
	assert.Zero(t, tr.Pending())
}

func TestTracker_FileSinkWithMissingPathStillDrains(t *testing.T) {
	tr := NewTracker(NewFileSink(afero.NewMemMapFs(), pipePath), time.Second)
	t.Cleanup(tr.Close)

	tr.Notify(core.FeedAdded, 0)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, tr.Wait(ctx))
}
