package orch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/camslot/internal/app"
	"github.com/dkeye/camslot/internal/app/command"
	"github.com/dkeye/camslot/internal/core"
	"github.com/dkeye/camslot/internal/domain"
)

const testBitrate = 128000

type sentEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type fakeConn struct {
	mu     sync.Mutex
	frames []core.Frame
	closed bool
	full   bool
}

func (c *fakeConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return errors.New("backpressure")
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) events(t *testing.T) []sentEvent {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]sentEvent, 0, len(c.frames))
	for _, f := range c.frames {
		var ev sentEvent
		require.NoError(t, json.Unmarshal(f, &ev))
		out = append(out, ev)
	}
	return out
}

func (c *fakeConn) eventsOf(t *testing.T, typ string) []sentEvent {
	t.Helper()
	var out []sentEvent
	for _, ev := range c.events(t) {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

type bitrateCall struct {
	SessionID, HandleID int64
	Bitrate             int
}

type fakeRoom struct {
	mu       sync.Mutex
	bitrates []bitrateCall
	pins     []string
	err      error
	alive    bool
}

func (r *fakeRoom) SetBitrate(_ context.Context, sessionID, handleID int64, bitrate int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bitrates = append(r.bitrates, bitrateCall{sessionID, handleID, bitrate})
	return r.err
}

func (r *fakeRoom) EditPin(_ context.Context, pin string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pins = append(r.pins, pin)
	return r.err
}

func (r *fakeRoom) Alive() bool { return r.alive }

func (r *fakeRoom) bitrateCalls() []bitrateCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bitrateCall(nil), r.bitrates...)
}

type note struct {
	Event core.FeedEvent
	Slot  domain.SlotIdx
}

type fakeNotifier struct {
	mu    sync.Mutex
	notes []note
}

func (n *fakeNotifier) Notify(ev core.FeedEvent, slot domain.SlotIdx) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note{ev, slot})
}

func (n *fakeNotifier) all() []note {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]note(nil), n.notes...)
}

type fixture struct {
	o     *Orchestrator
	room  *fakeRoom
	notes *fakeNotifier
}

func newFixture(slots int) *fixture {
	room := &fakeRoom{alive: true}
	notes := &fakeNotifier{}
	return &fixture{
		o: &Orchestrator{
			Slots:    core.NewSlotStore(slots, testBitrate),
			Registry: app.NewRegistry(),
			Policy:   app.SimplePolicy{},
			Room:     room,
			Notifier: notes,
		},
		room:  room,
		notes: notes,
	}
}

func (f *fixture) connect(id string) *fakeConn {
	c := &fakeConn{}
	f.o.Connect(domain.ConnID(id), c, nil)
	return c
}

func (f *fixture) waitCalls(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.o.WaitRoomCalls(ctx))
}

func slotRef(s string) Flex { return Flex{Set: true, Value: s} }
func strPtr(s string) *string { return &s }
func i64(v int64) *int64      { return &v }
func intPtr(v int) *int       { return &v }

func feedReq(feed string) SetFeedIDRequest {
	return SetFeedIDRequest{FeedID: slotRef(feed), SessionID: i64(7), RoomHandleID: i64(9)}
}

func TestSenderScenario_ActivateAuthenticateBind(t *testing.T) {
	f := newFixture(4)
	viewer := f.connect("viewer")
	sender := f.connect("sender")

	require.NoError(t, f.o.HandleLine("activate 0 secret123"))
	sl, err := f.o.SlotState(0)
	require.NoError(t, err)
	assert.True(t, sl.Active)
	assert.Equal(t, "secret123", sl.Token)

	resp := f.o.SenderInit("sender", SenderInitRequest{Slot: slotRef("0"), Token: strPtr("secret123")})
	assert.True(t, resp.Success, resp.Message)

	resp = f.o.SetFeedID("sender", feedReq("42"))
	assert.True(t, resp.Success, resp.Message)

	sl, _ = f.o.SlotState(0)
	assert.True(t, sl.FeedBound)
	assert.Equal(t, domain.FeedID("42"), sl.FeedID)
	assert.Equal(t, domain.ConnID("sender"), sl.SenderConn)

	newFeeds := viewer.eventsOf(t, EventNewFeed)
	require.Len(t, newFeeds, 1)
	var view domain.FeedView
	require.NoError(t, json.Unmarshal(newFeeds[0].Data, &view))
	assert.Equal(t, domain.SlotIdx(0), view.Slot)
	assert.Equal(t, domain.FeedID("42"), view.FeedID)
	assert.Equal(t, domain.DefaultGeometry(), view.Geometry)

	limits := sender.eventsOf(t, EventControllerBitrateLimit)
	require.Len(t, limits, 1)
	assert.JSONEq(t, `{"bitrateLimit":128000}`, string(limits[0].Data))
	assert.Empty(t, viewer.eventsOf(t, EventControllerBitrateLimit), "bitrate limit is unicast")

	assert.Equal(t, []note{{core.FeedAdded, 0}}, f.notes.all())

	f.waitCalls(t)
	assert.Empty(t, f.room.bitrateCalls(), "default bitrate needs no push")
}

func TestSenderScenario_SecondSenderCannotBind(t *testing.T) {
	f := newFixture(4)
	f.connect("first")
	f.connect("second")
	require.NoError(t, f.o.HandleLine("activate 0 secret123"))

	require.True(t, f.o.SenderInit("first", SenderInitRequest{Slot: slotRef("0"), Token: strPtr("secret123")}).Success)
	require.True(t, f.o.SetFeedID("first", feedReq("42")).Success)

	resp := f.o.SenderInit("second", SenderInitRequest{Slot: slotRef("0"), Token: strPtr("secret123")})
	assert.True(t, resp.Success, "token matches, so authentication succeeds")

	resp = f.o.SetFeedID("second", feedReq("43"))
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Message, "already in use")

	sl, _ := f.o.SlotState(0)
	assert.Equal(t, domain.FeedID("42"), sl.FeedID)
	assert.Equal(t, domain.ConnID("first"), sl.SenderConn)
}

func TestSenderInit_Rejections(t *testing.T) {
	f := newFixture(2)
	f.connect("c1")
	require.NoError(t, f.o.HandleLine("activate 1 tok"))

	testCases := []struct {
		name    string
		req     SenderInitRequest
		message string
	}{
		{"no slot", SenderInitRequest{Token: strPtr("tok")}, "No slot provided"},
		{"slot not a number", SenderInitRequest{Slot: slotRef("abc"), Token: strPtr("tok")}, "Slot abc cannot be parsed to number"},
		{"slot out of range", SenderInitRequest{Slot: slotRef("2"), Token: strPtr("tok")}, "Slot 2 is not in the list of slots"},
		{"inactive slot", SenderInitRequest{Slot: slotRef("0"), Token: strPtr("tok")}, "Slot 0 is not active"},
		{"no token", SenderInitRequest{Slot: slotRef("1")}, "No token provided"},
		{"wrong token", SenderInitRequest{Slot: slotRef("1"), Token: strPtr("nope")}, "Invalid token"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			resp := f.o.SenderInit("c1", tc.req)
			assert.False(t, resp.Success)
			assert.Equal(t, tc.message, resp.Message)
		})
	}

	_, authed := f.o.Registry.SenderOf("c1")
	assert.False(t, authed)
}

func TestSetFeedID_AfterTokenRefreshSucceeds(t *testing.T) {
	f := newFixture(1)
	f.connect("sender")
	require.NoError(t, f.o.HandleLine("activate 0 T"))
	require.True(t, f.o.SenderInit("sender", SenderInitRequest{Slot: slotRef("0"), Token: strPtr("T")}).Success)

	require.NoError(t, f.o.HandleLine("refresh-token 0 T2"))

	resp := f.o.SetFeedID("sender", feedReq("42"))
	assert.True(t, resp.Success, resp.Message)
}

func TestSetFeedID_AfterReactivationFails(t *testing.T) {
	f := newFixture(1)
	f.connect("old")
	require.NoError(t, f.o.HandleLine("activate 0 T"))
	require.True(t, f.o.SenderInit("old", SenderInitRequest{Slot: slotRef("0"), Token: strPtr("T")}).Success)

	require.NoError(t, f.o.HandleLine("deactivate 0"))
	require.NoError(t, f.o.HandleLine("activate 0 fresh"))

	resp := f.o.SetFeedID("old", feedReq("42"))
	assert.False(t, resp.Success)

	sl, _ := f.o.SlotState(0)
	assert.False(t, sl.FeedBound)
	assert.Empty(t, sl.SenderConn)
}

func TestSetFeedID_Validation(t *testing.T) {
	f := newFixture(1)
	f.connect("sender")

	resp := f.o.SetFeedID("sender", feedReq("42"))
	assert.False(t, resp.Success, "unauthenticated")

	require.NoError(t, f.o.HandleLine("activate 0 T"))
	require.True(t, f.o.SenderInit("sender", SenderInitRequest{Slot: slotRef("0"), Token: strPtr("T")}).Success)

	resp = f.o.SetFeedID("sender", SetFeedIDRequest{SessionID: i64(1), RoomHandleID: i64(2)})
	assert.Equal(t, "No feed id was provided", resp.Message)

	resp = f.o.SetFeedID("sender", SetFeedIDRequest{FeedID: slotRef("42")})
	assert.False(t, resp.Success)

	sl, _ := f.o.SlotState(0)
	assert.False(t, sl.FeedBound)
}

func TestSetFeedID_EscapesCustomName(t *testing.T) {
	f := newFixture(1)
	viewer := f.connect("viewer")
	f.connect("sender")
	require.NoError(t, f.o.HandleLine("activate 0 T"))
	require.True(t, f.o.SenderInit("sender", SenderInitRequest{Slot: slotRef("0"), Token: strPtr("T")}).Success)

	req := feedReq("42")
	req.CustomName = strPtr("  <b>Alice</b> ")
	require.True(t, f.o.SetFeedID("sender", req).Success)

	sl, _ := f.o.SlotState(0)
	assert.Equal(t, "&lt;b&gt;Alice&lt;/b&gt;", sl.CustomName)

	f.o.ChangeName("sender", ChangeNameRequest{NewName: strPtr(" Bob ")})
	sl, _ = f.o.SlotState(0)
	assert.Equal(t, "Bob", sl.CustomName)

	names := viewer.eventsOf(t, EventChangeName)
	require.Len(t, names, 1)
	assert.JSONEq(t, `{"slot":0,"customName":"Bob"}`, string(names[0].Data))
}

func TestDisconnect_UnbindsFeed(t *testing.T) {
	f := newFixture(1)
	viewer := f.connect("viewer")
	f.connect("sender")
	require.NoError(t, f.o.HandleLine("activate 0 T"))
	require.True(t, f.o.SenderInit("sender", SenderInitRequest{Slot: slotRef("0"), Token: strPtr("T")}).Success)
	require.True(t, f.o.SetFeedID("sender", feedReq("42")).Success)

	f.o.Disconnect("sender")

	sl, _ := f.o.SlotState(0)
	assert.True(t, sl.Active)
	assert.False(t, sl.FeedBound)
	require.Len(t, viewer.eventsOf(t, EventRemoveFeed), 1)
	assert.Equal(t, []note{{core.FeedAdded, 0}, {core.FeedRemoved, 0}}, f.notes.all())

	f.o.Disconnect("viewer")
	assert.Equal(t, 0, f.o.Registry.Len())
}

func TestDisconnect_OfNonPublishingSenderKeepsFeed(t *testing.T) {
	f := newFixture(1)
	f.connect("first")
	f.connect("second")
	require.NoError(t, f.o.HandleLine("activate 0 T"))
	require.True(t, f.o.SenderInit("first", SenderInitRequest{Slot: slotRef("0"), Token: strPtr("T")}).Success)
	require.True(t, f.o.SetFeedID("first", feedReq("42")).Success)
	require.True(t, f.o.SenderInit("second", SenderInitRequest{Slot: slotRef("0"), Token: strPtr("T")}).Success)

	f.o.Disconnect("second")

	sl, _ := f.o.SlotState(0)
	assert.True(t, sl.FeedBound)
}

func TestDeactivate_DisconnectsBoundSender(t *testing.T) {
	f := newFixture(1)
	viewer := f.connect("viewer")
	sender := f.connect("sender")
	require.NoError(t, f.o.HandleLine("activate 0 T"))
	require.True(t, f.o.SenderInit("sender", SenderInitRequest{Slot: slotRef("0"), Token: strPtr("T")}).Success)
	require.True(t, f.o.SetFeedID("sender", feedReq("42")).Success)

	require.NoError(t, f.o.HandleLine("deactivate 0"))

	assert.True(t, sender.isClosed())
	require.Len(t, viewer.eventsOf(t, EventRemoveFeed), 1)

	sl, _ := f.o.SlotState(0)
	assert.False(t, sl.Active)
	assert.False(t, sl.FeedBound)

	// the transport reports the close afterwards; nothing left to undo
	f.o.Disconnect("sender")
	assert.Len(t, viewer.eventsOf(t, EventRemoveFeed), 1)
	assert.Equal(t, []note{{core.FeedAdded, 0}, {core.FeedRemoved, 0}}, f.notes.all())
}

func TestHandleLine_CommandRelayOnlyWhenBound(t *testing.T) {
	f := newFixture(2)
	viewer := f.connect("viewer")
	f.connect("sender")

	require.NoError(t, f.o.HandleLine("hide 0"))
	assert.Empty(t, viewer.events(t))
	sl, _ := f.o.SlotState(0)
	assert.Equal(t, domain.CommandHide, sl.Visibility.Command)

	require.NoError(t, f.o.HandleLine("activate 0 T"))
	require.True(t, f.o.SenderInit("sender", SenderInitRequest{Slot: slotRef("0"), Token: strPtr("T")}).Success)
	require.True(t, f.o.SetFeedID("sender", feedReq("42")).Success)

	require.NoError(t, f.o.HandleLine("relative-to-window 0 lt 1 2 3 4"))
	cmds := viewer.eventsOf(t, EventCommand)
	require.Len(t, cmds, 1)
	assert.JSONEq(t, `{"slot":0,"command":"relative-to-window","params":["lt","1","2","3","4"]}`, string(cmds[0].Data))

	require.NoError(t, f.o.HandleLine("show 1"))
	assert.Len(t, viewer.eventsOf(t, EventCommand), 1, "slot 1 has no feed")
}

func TestHandleLine_Annotations(t *testing.T) {
	f := newFixture(1)
	viewer := f.connect("viewer")
	f.connect("sender")

	require.NoError(t, f.o.HandleLine("activate 0 T Front door"))
	sl, _ := f.o.SlotState(0)
	assert.Equal(t, "Front door", sl.Annotation)
	assert.Empty(t, viewer.events(t))

	require.True(t, f.o.SenderInit("sender", SenderInitRequest{Slot: slotRef("0"), Token: strPtr("T")}).Success)
	require.True(t, f.o.SetFeedID("sender", feedReq("42")).Success)

	require.NoError(t, f.o.HandleLine("set-annotation 0 Back door"))
	sets := viewer.eventsOf(t, EventSetAnnotation)
	require.Len(t, sets, 1)
	assert.JSONEq(t, `{"slot":0,"annotation":"Back door"}`, string(sets[0].Data))

	require.NoError(t, f.o.HandleLine("remove-annotation 0"))
	require.Len(t, viewer.eventsOf(t, EventRemoveAnnotation), 1)

	assert.ErrorIs(t, f.o.HandleLine("set-annotation 0"), ErrMissingParam)
}

func TestHandleLine_Errors(t *testing.T) {
	f := newFixture(2)

	assert.ErrorIs(t, f.o.HandleLine("bogus 0"), command.ErrUnknownCommand)
	assert.ErrorIs(t, f.o.HandleLine("show 9"), command.ErrSlotOutOfRange)
	assert.ErrorIs(t, f.o.HandleLine("activate 0"), ErrMissingParam)
	assert.ErrorIs(t, f.o.HandleLine("deactivate 0"), core.ErrNotActive)

	require.NoError(t, f.o.HandleLine("activate 0 T"))
	assert.ErrorIs(t, f.o.HandleLine("activate 0 U"), core.ErrAlreadyActive)
	assert.ErrorIs(t, f.o.HandleLine("refresh-token 0"), ErrMissingParam)
	assert.ErrorIs(t, f.o.HandleLine("set-bitrate-limit 0 fast"), ErrBadParam)
	assert.ErrorIs(t, f.o.HandleLine("set-bitrate-limit 1 1000"), core.ErrNotActive)

	sl, _ := f.o.SlotState(0)
	assert.Equal(t, "T", sl.Token, "failed refresh keeps the old token")
}

func TestOperatorBitrateLimit_PushesWhenEffectiveChanges(t *testing.T) {
	f := newFixture(1)
	sender := f.connect("sender")
	require.NoError(t, f.o.HandleLine("activate 0 T"))
	require.True(t, f.o.SenderInit("sender", SenderInitRequest{Slot: slotRef("0"), Token: strPtr("T")}).Success)
	require.True(t, f.o.SetFeedID("sender", feedReq("42")).Success)

	require.NoError(t, f.o.HandleLine("set-bitrate-limit 0 64000"))
	f.waitCalls(t)
	assert.Equal(t, []bitrateCall{{7, 9, 64000}}, f.room.bitrateCalls())

	limits := sender.eventsOf(t, EventControllerBitrateLimit)
	require.Len(t, limits, 2)
	assert.JSONEq(t, `{"bitrateLimit":64000}`, string(limits[1].Data))

	// same effective value, no second push
	require.NoError(t, f.o.HandleLine("set-bitrate-limit 0 64000"))
	f.waitCalls(t)
	assert.Len(t, f.room.bitrateCalls(), 1)

	// muting lets the user limit govern
	require.True(t, f.o.SetBitrateLimit("sender", SetBitrateLimitRequest{BitrateLimit: intPtr(32000)}).Success)
	require.NoError(t, f.o.HandleLine("set-bitrate-limit 0 0"))
	f.waitCalls(t)
	assert.Equal(t, []bitrateCall{{7, 9, 64000}, {7, 9, 32000}}, f.room.bitrateCalls())
}

func TestOperatorBitrateLimit_BeforeBindIsPushedOnBind(t *testing.T) {
	f := newFixture(1)
	f.connect("sender")
	require.NoError(t, f.o.HandleLine("activate 0 T"))
	require.NoError(t, f.o.HandleLine("set-bitrate-limit 0 0"))
	f.waitCalls(t)
	assert.Empty(t, f.room.bitrateCalls(), "no feed yet")

	require.True(t, f.o.SenderInit("sender", SenderInitRequest{Slot: slotRef("0"), Token: strPtr("T")}).Success)
	require.True(t, f.o.SetFeedID("sender", feedReq("42")).Success)
	f.waitCalls(t)
	assert.Equal(t, []bitrateCall{{7, 9, 0}}, f.room.bitrateCalls())
}

func TestUserBitrateLimit(t *testing.T) {
	f := newFixture(1)
	f.connect("sender")

	resp := f.o.SetBitrateLimit("sender", SetBitrateLimitRequest{BitrateLimit: intPtr(1000)})
	assert.False(t, resp.Success, "not publishing")

	require.NoError(t, f.o.HandleLine("activate 0 T"))
	require.True(t, f.o.SenderInit("sender", SenderInitRequest{Slot: slotRef("0"), Token: strPtr("T")}).Success)
	require.True(t, f.o.SetFeedID("sender", feedReq("42")).Success)

	resp = f.o.SetBitrateLimit("sender", SetBitrateLimitRequest{})
	assert.False(t, resp.Success)

	resp = f.o.SetBitrateLimit("sender", SetBitrateLimitRequest{BitrateLimit: intPtr(256000)})
	assert.True(t, resp.Success)
	f.waitCalls(t)
	assert.Empty(t, f.room.bitrateCalls(), "user cannot loosen the operator cap")

	f.room.err = errors.New("janus down")
	resp = f.o.SetBitrateLimit("sender", SetBitrateLimitRequest{BitrateLimit: intPtr(50000)})
	assert.True(t, resp.Success, "push failures are not reported to the sender")
	f.waitCalls(t)
	assert.Equal(t, []bitrateCall{{7, 9, 50000}}, f.room.bitrateCalls())

	sl, _ := f.o.SlotState(0)
	assert.Equal(t, 50000, sl.UserBitrateLimit, "limit stands even if the push failed")
}

func TestEditPin(t *testing.T) {
	f := newFixture(1)
	require.NoError(t, f.o.HandleLine("edit-pin 4321"))
	assert.ErrorIs(t, f.o.HandleLine("edit-pin"), ErrMissingParam)
	f.waitCalls(t)

	f.room.mu.Lock()
	defer f.room.mu.Unlock()
	assert.Equal(t, []string{"4321"}, f.room.pins)
}

func TestBroadcast_KicksStalledSubscriber(t *testing.T) {
	f := newFixture(1)
	stalled := f.connect("viewer")
	stalled.full = true
	f.connect("sender")

	require.NoError(t, f.o.HandleLine("activate 0 T"))
	require.True(t, f.o.SenderInit("sender", SenderInitRequest{Slot: slotRef("0"), Token: strPtr("T")}).Success)
	require.True(t, f.o.SetFeedID("sender", feedReq("42")).Success)

	assert.True(t, stalled.isClosed())
}

func TestQueryState(t *testing.T) {
	f := newFixture(3)
	f.connect("sender")
	require.NoError(t, f.o.HandleLine("activate 2 T"))
	require.True(t, f.o.SenderInit("sender", SenderInitRequest{Slot: slotRef("2"), Token: strPtr("T")}).Success)
	require.True(t, f.o.SetFeedID("sender", feedReq("42")).Success)

	feeds := f.o.QueryState()
	require.Len(t, feeds, 1)
	assert.Equal(t, domain.SlotIdx(2), feeds[0].Slot)
}

func TestFlex_UnmarshalJSON(t *testing.T) {
	var req SenderInitRequest
	require.NoError(t, json.Unmarshal([]byte(`{"slot":3,"token":"x"}`), &req))
	n, err := req.Slot.Int()
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, json.Unmarshal([]byte(`{"slot":"1"}`), &req))
	n, err = req.Slot.Int()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	req = SenderInitRequest{}
	require.NoError(t, json.Unmarshal([]byte(`{"slot":null}`), &req))
	assert.False(t, req.Slot.Set)

	var feed SetFeedIDRequest
	require.NoError(t, json.Unmarshal([]byte(`{"feedId":1234567890123}`), &feed))
	assert.Equal(t, "1234567890123", feed.FeedID.Value)

	for _, raw := range []string{
		`{"feedId":{"a":1}}`,
		`{"feedId":[1]}`,
		`{"feedId":true}`,
	} {
		feed = SetFeedIDRequest{}
		assert.Error(t, json.Unmarshal([]byte(raw), &feed), raw)
	}
}

type fakeCloser struct {
	closed bool
	order  *[]string
}

func (c *fakeCloser) Close(context.Context) error {
	c.closed = true
	*c.order = append(*c.order, "room")
	return nil
}

type fakeWaiter struct {
	err   error
	order *[]string
}

func (w *fakeWaiter) Wait(context.Context) error {
	*w.order = append(*w.order, "notes")
	return w.err
}

func TestShutdown_Order(t *testing.T) {
	f := newFixture(1)
	viewer := f.connect("viewer")

	var order []string
	room := &fakeCloser{order: &order}
	notes := &fakeWaiter{order: &order}

	require.NoError(t, f.o.Shutdown(context.Background(), room, notes))
	assert.Equal(t, []string{"room", "notes"}, order)
	require.Len(t, viewer.eventsOf(t, EventRemoveAllFeeds), 1)
}

func TestShutdown_PendingNotificationFails(t *testing.T) {
	f := newFixture(1)
	var order []string
	pending := errors.New("1 notifications: notification write still pending")

	err := f.o.Shutdown(context.Background(), &fakeCloser{order: &order}, &fakeWaiter{err: pending, order: &order})
	require.Error(t, err)
	assert.ErrorIs(t, err, pending)
}

type snapshotWaiter struct {
	notes *fakeNotifier
	seen  []note
}

func (w *snapshotWaiter) Wait(context.Context) error {
	w.seen = w.notes.all()
	return nil
}

func TestShutdown_ReleasesFeedsBeforeWaiting(t *testing.T) {
	f := newFixture(2)
	viewer := f.connect("viewer")
	f.connect("sender")

	require.NoError(t, f.o.HandleLine("activate 1 tok"))
	require.True(t, f.o.SenderInit("sender", SenderInitRequest{Slot: slotRef("1"), Token: strPtr("tok")}).Success)
	require.True(t, f.o.SetFeedID("sender", feedReq("42")).Success)
	f.waitCalls(t)

	waiter := &snapshotWaiter{notes: f.notes}
	require.NoError(t, f.o.Shutdown(context.Background(), nil, waiter))

	removed := note{core.FeedRemoved, 1}
	assert.Equal(t, removed, waiter.seen[len(waiter.seen)-1], "the wait covers the remove_feed write")
	assert.Empty(t, f.o.QueryState())
	require.Len(t, viewer.eventsOf(t, EventRemoveAllFeeds), 1)

	// the socket closing afterwards has nothing left to report
	f.o.Disconnect("sender")
	assert.Equal(t, waiter.seen, f.notes.all())
}

func TestShutdown_RefusesNewWork(t *testing.T) {
	f := newFixture(1)
	f.connect("sender")
	require.NoError(t, f.o.HandleLine("activate 0 tok"))
	require.True(t, f.o.SenderInit("sender", SenderInitRequest{Slot: slotRef("0"), Token: strPtr("tok")}).Success)

	require.NoError(t, f.o.Shutdown(context.Background(), nil, nil))

	resp := f.o.SetFeedID("sender", feedReq("42"))
	assert.False(t, resp.Success)
	assert.Equal(t, "The server is shutting down", resp.Message)

	require.NoError(t, f.o.HandleLine("edit-pin 4321"))
	f.waitCalls(t)
	f.room.mu.Lock()
	defer f.room.mu.Unlock()
	assert.Empty(t, f.room.pins)
}
