package awareness

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/collab/internal/codec"
	"github.com/roach88/collab/internal/crdt"
	"github.com/roach88/collab/internal/metrics"
)

// outbox records messages passed to WithSend.
type outbox struct {
	mu   sync.Mutex
	msgs []codec.Message
}

func (o *outbox) send(m codec.Message) {
	o.mu.Lock()
	o.msgs = append(o.msgs, m)
	o.mu.Unlock()
}

func (o *outbox) all() []codec.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]codec.Message(nil), o.msgs...)
}

func newTest(t *testing.T, opts ...Option) (*Awareness, *clock.Mock, *outbox) {
	t.Helper()
	mock := clock.NewMock()
	out := &outbox{}
	opts = append([]Option{WithClock(mock), WithSend(out.send), WithTimeout(30 * time.Second)}, opts...)
	return New("A", opts...), mock, out
}

func TestSetLocal_BroadcastsAndBumpsCounter(t *testing.T) {
	a, _, out := newTest(t)

	rec, err := a.SetLocal(Presence{User: "ann", Cursor: &Cursor{Line: 1, Column: 4}})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Counter)

	rec, err = a.SetLocal(Presence{User: "ann", Cursor: &Cursor{Line: 2}})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rec.Counter)

	msgs := out.all()
	require.Len(t, msgs, 2)
	up, ok := msgs[1].(codec.AwarenessUpdate)
	require.True(t, ok)
	assert.Equal(t, crdt.ReplicaID("A"), up.Replica)
	assert.Equal(t, uint64(2), up.Counter)

	p, err := DecodePresence(up.State)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Cursor.Line)

	local, ok := a.Local()
	require.True(t, ok)
	assert.Equal(t, "ann", local.Presence.User)
}

func TestReceive_StaleCounterRejected(t *testing.T) {
	a, _, _ := newTest(t)

	assert.True(t, a.Receive("B", Presence{User: "bo"}, 5))
	assert.False(t, a.Receive("B", Presence{User: "old"}, 5))
	assert.False(t, a.Receive("B", Presence{User: "older"}, 3))
	assert.True(t, a.Receive("B", Presence{User: "new"}, 6))

	rec, ok := a.Get("B")
	require.True(t, ok)
	assert.Equal(t, "new", rec.Presence.User)
	assert.Equal(t, uint64(6), rec.Counter)
}

func TestReceive_OwnEchoIgnored(t *testing.T) {
	a, _, out := newTest(t)
	_, err := a.SetLocal(Presence{User: "ann"})
	require.NoError(t, err)

	assert.False(t, a.Receive("A", Presence{User: "ann"}, 1))
	assert.Len(t, out.all(), 1)
}

func TestReceive_OldIncarnationCounterOvertaken(t *testing.T) {
	a, _, out := newTest(t)
	_, err := a.SetLocal(Presence{User: "ann"})
	require.NoError(t, err)

	// A peer still holds counter 9 from before a restart.
	assert.False(t, a.Receive("A", Presence{User: "ghost"}, 9))

	msgs := out.all()
	require.Len(t, msgs, 2)
	up := msgs[1].(codec.AwarenessUpdate)
	assert.Equal(t, uint64(10), up.Counter)
	local, _ := a.Local()
	assert.Equal(t, "ann", local.Presence.User)

	rec, err := a.SetLocal(Presence{User: "ann"})
	require.NoError(t, err)
	assert.Equal(t, uint64(11), rec.Counter)
}

func TestReceiveLeave(t *testing.T) {
	a, _, _ := newTest(t)
	require.True(t, a.Receive("B", Presence{User: "bo"}, 4))

	assert.False(t, a.ReceiveLeave("B", 3), "leave older than the record")
	assert.True(t, a.ReceiveLeave("B", 4))
	_, ok := a.Get("B")
	assert.False(t, ok)

	// A reordered update from before the leave cannot resurrect the record.
	assert.False(t, a.Receive("B", Presence{User: "bo"}, 4))
	assert.True(t, a.Receive("B", Presence{User: "bo"}, 5))
}

func TestReceiveLeave_BeforeUpdate(t *testing.T) {
	a, _, _ := newTest(t)
	assert.False(t, a.ReceiveLeave("B", 7))
	assert.False(t, a.Receive("B", Presence{}, 6))
	assert.True(t, a.Receive("B", Presence{}, 8))
}

func TestReceiveMessage(t *testing.T) {
	a, _, _ := newTest(t)
	raw, err := Presence{User: "bo", Color: "#f00"}.Encode()
	require.NoError(t, err)

	ok, err := a.ReceiveMessage(codec.AwarenessUpdate{Replica: "B", Counter: 1, State: raw})
	require.NoError(t, err)
	assert.True(t, ok)
	rec, _ := a.Get("B")
	assert.Equal(t, "#f00", rec.Presence.Color)

	_, err = a.ReceiveMessage(codec.AwarenessUpdate{Replica: "B", Counter: 2, State: []byte("{")})
	assert.Error(t, err)

	_, err = a.ReceiveMessage(codec.SyncStep1{})
	assert.Error(t, err)

	ok, err = a.ReceiveMessage(codec.AwarenessLeave{Replica: "B", Counter: 1})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, a.Len())
}

func TestExpireStale(t *testing.T) {
	a, mock, _ := newTest(t)
	_, err := a.SetLocal(Presence{User: "ann"})
	require.NoError(t, err)
	require.True(t, a.Receive("C", Presence{}, 1))
	mock.Add(20 * time.Second)
	require.True(t, a.Receive("B", Presence{}, 1))

	mock.Add(10 * time.Second)
	assert.Empty(t, a.ExpireStale(mock.Now(), 30*time.Second), "an age equal to the timeout is not stale")

	mock.Add(time.Second)
	assert.Equal(t, []crdt.ReplicaID{"C"}, a.ExpireStale(mock.Now(), 30*time.Second))

	mock.Add(20 * time.Second)
	assert.Equal(t, []crdt.ReplicaID{"B"}, a.ExpireStale(mock.Now(), 30*time.Second))
	assert.Empty(t, a.ExpireStale(mock.Now(), 30*time.Second))

	_, ok := a.Local()
	assert.True(t, ok, "local record never expires")
}

func TestRenew_Heartbeat(t *testing.T) {
	a, mock, out := newTest(t)
	_, err := a.SetLocal(Presence{User: "ann"})
	require.NoError(t, err)

	mock.Add(10 * time.Second)
	assert.False(t, a.Renew(mock.Now()))

	mock.Add(5 * time.Second)
	assert.True(t, a.Renew(mock.Now()))
	msgs := out.all()
	require.Len(t, msgs, 2)
	assert.Equal(t, uint64(2), msgs[1].(codec.AwarenessUpdate).Counter)
}

func TestRun_ExpiresAndRenews(t *testing.T) {
	a, mock, out := newTest(t)
	_, err := a.SetLocal(Presence{User: "ann"})
	require.NoError(t, err)
	require.True(t, a.Receive("B", Presence{}, 1))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, time.Second) }()

	// Let Run create its ticker before moving time.
	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		_, ok := a.Get("B")
		return !ok
	}, 2*time.Second, time.Millisecond)

	require.Eventually(t, func() bool { return len(out.all()) >= 2 }, 2*time.Second, time.Millisecond, "heartbeat sent")
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestLeaveLocal(t *testing.T) {
	a, _, out := newTest(t)
	_, err := a.SetLocal(Presence{User: "ann"})
	require.NoError(t, err)

	a.LeaveLocal()
	_, ok := a.Local()
	assert.False(t, ok)
	msgs := out.all()
	require.Len(t, msgs, 2)
	assert.Equal(t, codec.AwarenessLeave{Replica: "A", Counter: 1}, msgs[1])

	rec, err := a.SetLocal(Presence{User: "ann"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rec.Counter, "rejoin continues the counter")
}

func TestLeave_ConnectionLost(t *testing.T) {
	a, _, _ := newTest(t)
	require.True(t, a.Receive("B", Presence{}, 3))
	assert.True(t, a.Leave("B"))
	assert.False(t, a.Leave("B"))
	assert.False(t, a.Leave("A"))

	// The replica comes back over another connection with the same record.
	assert.True(t, a.Receive("B", Presence{}, 3))
	assert.False(t, a.Receive("B", Presence{}, 3))
}

func TestExpired_RejectsSameCounter(t *testing.T) {
	a, mock, _ := newTest(t)
	require.True(t, a.Receive("B", Presence{}, 3))
	mock.Add(31 * time.Second)
	require.Equal(t, []crdt.ReplicaID{"B"}, a.ExpireStale(mock.Now(), 30*time.Second))

	assert.False(t, a.Receive("B", Presence{}, 3), "a delayed copy of the expired record")
	assert.True(t, a.Receive("B", Presence{}, 4))
}

func TestRefresh(t *testing.T) {
	a, _, out := newTest(t)
	assert.False(t, a.Refresh(), "no local record")

	_, err := a.SetLocal(Presence{User: "ann"})
	require.NoError(t, err)
	assert.True(t, a.Refresh())

	msgs := out.all()
	require.Len(t, msgs, 2)
	assert.Equal(t, uint64(2), msgs[1].(codec.AwarenessUpdate).Counter)
	local, _ := a.Local()
	assert.Equal(t, uint64(2), local.Counter)
}

func TestRemovedCacheBounded(t *testing.T) {
	a, _, _ := newTest(t, WithRemovedCache(1))
	require.True(t, a.Receive("B", Presence{}, 3))
	require.True(t, a.Receive("C", Presence{}, 3))
	require.True(t, a.ReceiveLeave("B", 3))
	require.True(t, a.ReceiveLeave("C", 3))

	// B's counter was evicted, so its stale update is accepted again.
	assert.True(t, a.Receive("B", Presence{}, 2))
	assert.False(t, a.Receive("C", Presence{}, 2))
}

func TestSubscribe(t *testing.T) {
	a, _, _ := newTest(t)
	sub := a.Subscribe(8)
	defer sub.Close()

	require.True(t, a.Receive("B", Presence{User: "bo"}, 1))
	require.True(t, a.Receive("B", Presence{User: "bo"}, 2))
	require.True(t, a.Receive("B", Presence{User: "bob"}, 3))
	a.Leave("B")

	var kinds []ChangeKind
	for len(kinds) < 3 {
		select {
		case c := <-sub.C:
			kinds = append(kinds, c.Kind)
		case <-time.After(time.Second):
			t.Fatal("missing change")
		}
	}
	// Counter-only refresh is not a change.
	assert.Equal(t, []ChangeKind{Added, Updated, Removed}, kinds)

	sub.Close()
	sub.Close()
	_, open := <-sub.C
	assert.False(t, open)
}

func TestSubscribe_Drops(t *testing.T) {
	a, _, _ := newTest(t)
	sub := a.Subscribe(1)
	defer sub.Close()
	a.Receive("B", Presence{}, 1)
	a.Receive("C", Presence{}, 1)
	assert.Equal(t, uint64(1), sub.Dropped())
}

func TestUpdates_Sorted(t *testing.T) {
	a, _, _ := newTest(t)
	_, err := a.SetLocal(Presence{User: "ann"})
	require.NoError(t, err)
	a.Receive("C", Presence{}, 4)
	a.Receive("B", Presence{}, 2)

	ups := a.Updates()
	require.Len(t, ups, 3)
	assert.Equal(t, []crdt.ReplicaID{"A", "B", "C"}, []crdt.ReplicaID{ups[0].Replica, ups[1].Replica, ups[2].Replica})
	assert.Equal(t, uint64(4), ups[2].Counter)
}

func TestMetrics_RecordGauge(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	a, _, _ := newTest(t, WithMetrics(m))
	a.Receive("B", Presence{}, 1)
	a.Receive("C", Presence{}, 1)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.AwarenessRecords))
	a.Leave("B")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AwarenessRecords))
}

func TestDecodePresence_Empty(t *testing.T) {
	p, err := DecodePresence(nil)
	require.NoError(t, err)
	assert.Equal(t, Presence{}, p)
	assert.Equal(t, "removed", Removed.String())
}
