package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/collab/internal/awareness"
	"github.com/roach88/collab/internal/codec"
	"github.com/roach88/collab/internal/crdt"
	"github.com/roach88/collab/internal/metrics"
	"github.com/roach88/collab/internal/tracelog"
	"github.com/roach88/collab/internal/transport"
)

const waitFor = 2 * time.Second

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memRecorder keeps trace entries in memory.
type memRecorder struct {
	mu      sync.Mutex
	entries []tracelog.Entry
}

func (r *memRecorder) Record(_ context.Context, e tracelog.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

func (r *memRecorder) count(dir tracelog.Direction, typ string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.Direction == dir && e.Type == typ {
			n++
		}
	}
	return n
}

func startEngineWith(t *testing.T, doc *crdt.Store, opts ...EngineOption) *Engine {
	t.Helper()
	mux := transport.NewMux(transport.WithMuxLogger(quietLogger()))
	opts = append([]EngineOption{WithRoom("test"), WithLogger(quietLogger())}, opts...)
	e := New(doc, mux, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = mux.Close()
	})
	return e
}

func startEngine(t *testing.T, replica crdt.ReplicaID, opts ...EngineOption) *Engine {
	t.Helper()
	return startEngineWith(t, crdt.New(replica), opts...)
}

// connect joins two engines with an in-memory pipe and returns a's end.
func connect(t *testing.T, a, b *Engine) transport.Channel {
	t.Helper()
	ca, cb := transport.Pipe(transport.KindMesh)
	_, err := a.Attach(ca)
	require.NoError(t, err)
	_, err = b.Attach(cb)
	require.NoError(t, err)
	return ca
}

func allSynced(e *Engine, n int) bool {
	sessions := e.Sessions()
	if len(sessions) != n {
		return false
	}
	for _, s := range sessions {
		if s.State != Synced {
			return false
		}
	}
	return true
}

func requireText(t *testing.T, e *Engine, want string) {
	t.Helper()
	require.Eventually(t, func() bool { return e.Doc().Snapshot() == want },
		waitFor, time.Millisecond, "want %q", want)
}

func recvMsg(t *testing.T, ch transport.Channel) codec.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	raw, err := ch.Receive(ctx)
	require.NoError(t, err)
	m, err := codec.Decode(raw)
	require.NoError(t, err)
	return m
}

func sendMsg(t *testing.T, ch transport.Channel, m codec.Message) {
	t.Helper()
	require.NoError(t, ch.Send(context.Background(), codec.Encode(m)))
}

func TestEngine_HandshakeConverges(t *testing.T) {
	a := startEngine(t, "A")
	b := startEngine(t, "B")

	// Edits made before the peers meet travel in SyncStep2.
	_, err := a.Apply(crdt.Insert{Pos: 0, Text: "hi"})
	require.NoError(t, err)
	_, err = b.Apply(crdt.Insert{Pos: 0, Text: "yo"})
	require.NoError(t, err)

	connect(t, a, b)

	requireText(t, a, "hiyo")
	requireText(t, b, "hiyo")
	require.Eventually(t, func() bool { return allSynced(a, 1) && allSynced(b, 1) }, waitFor, time.Millisecond)

	info := a.Sessions()[0]
	assert.Equal(t, "synced", info.StateName)
	assert.Equal(t, "mesh", info.Kind)
}

func TestEngine_EmptyPeersSync(t *testing.T) {
	a := startEngine(t, "A")
	b := startEngine(t, "B")
	connect(t, a, b)
	require.Eventually(t, func() bool { return allSynced(a, 1) && allSynced(b, 1) }, waitFor, time.Millisecond)
}

func TestEngine_LocalEditsBroadcast(t *testing.T) {
	a := startEngine(t, "A")
	b := startEngine(t, "B")
	connect(t, a, b)
	require.Eventually(t, func() bool { return allSynced(a, 1) && allSynced(b, 1) }, waitFor, time.Millisecond)

	_, err := a.Apply(crdt.Insert{Pos: 0, Text: "hello"})
	require.NoError(t, err)
	requireText(t, b, "hello")

	_, err = b.Apply(crdt.Delete{Pos: 0, Len: 1})
	require.NoError(t, err)
	_, err = b.Apply(crdt.Format{Pos: 0, Len: 2, Key: "bold", Value: "true"})
	require.NoError(t, err)
	requireText(t, a, "ello")

	require.Eventually(t, func() bool {
		c := a.Doc().Content()
		return len(c) == 2 && c[0].Text == "el" && c[0].Attrs["bold"] == "true"
	}, waitFor, time.Millisecond)
}

func TestEngine_RelayWithoutEcho(t *testing.T) {
	rec := &memRecorder{}
	a := startEngine(t, "A", WithRecorder(rec))
	hub := startEngine(t, "H")
	b := startEngine(t, "B")
	connect(t, a, hub)
	connect(t, hub, b)
	require.Eventually(t, func() bool { return allSynced(hub, 2) && allSynced(a, 1) && allSynced(b, 1) }, waitFor, time.Millisecond)

	_, err := a.Apply(crdt.Insert{Pos: 0, Text: "x"})
	require.NoError(t, err)
	requireText(t, b, "x")

	// B's edit reaches A after anything the hub sent A earlier.
	_, err = b.Apply(crdt.Insert{Pos: 1, Text: "y"})
	require.NoError(t, err)
	requireText(t, a, "xy")
	requireText(t, hub, "xy")

	assert.Equal(t, 1, rec.count(tracelog.In, "update"), "only B's edit comes back to A")
	assert.Equal(t, 1, rec.count(tracelog.Out, "update"))
	assert.Positive(t, rec.count(tracelog.In, "sync_step1"), "inbound entries carry their type")
}

func TestEngine_IncomingDuringHandshakeIsMerged(t *testing.T) {
	e := startEngine(t, "A")
	local, remote := transport.Pipe(transport.KindRelay)
	_, err := e.Attach(local)
	require.NoError(t, err)
	_, ok := recvMsg(t, remote).(codec.SyncStep1)
	require.True(t, ok)

	src := crdt.New("X")
	op, err := src.ApplyLocal(crdt.Insert{Pos: 0, Text: "q"})
	require.NoError(t, err)
	sendMsg(t, remote, codec.Update{Ops: []crdt.Operation{op}})
	requireText(t, e, "q")
}

func TestEngine_DecodeErrorResyncs(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	e := startEngine(t, "A", WithMetrics(m))
	local, remote := transport.Pipe(transport.KindRelay)
	_, err := e.Attach(local)
	require.NoError(t, err)

	_, ok := recvMsg(t, remote).(codec.SyncStep1)
	require.True(t, ok)
	sendMsg(t, remote, codec.SyncStep1{StateVector: crdt.StateVector{}})
	step2, ok := recvMsg(t, remote).(codec.SyncStep2)
	require.True(t, ok)
	assert.Empty(t, step2.Ops)
	require.Eventually(t, func() bool { return e.Sessions()[0].State == Syncing }, waitFor, time.Millisecond)

	// Unknown message type.
	require.NoError(t, remote.Send(context.Background(), []byte{codec.Version, 0x09}))

	_, ok = recvMsg(t, remote).(codec.SyncStep1)
	require.True(t, ok, "resync resends SyncStep1")
	require.Eventually(t, func() bool {
		s := e.Sessions()
		return len(s) == 1 && s[0].State == Handshaking
	}, waitFor, time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DecodeErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Resyncs))

	// The peer answers the resync and the session confirms again.
	sendMsg(t, remote, codec.SyncStep2{})
	sendMsg(t, remote, codec.SyncStep1{StateVector: crdt.StateVector{}})
	_, ok = recvMsg(t, remote).(codec.SyncStep2)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		s := e.Sessions()
		return len(s) == 1 && s[0].State == Synced
	}, waitFor, time.Millisecond)

	// Truncated payloads are recovered the same way and the connection
	// stays usable.
	require.NoError(t, remote.Send(context.Background(), []byte{codec.Version}))
	_, ok = recvMsg(t, remote).(codec.SyncStep1)
	require.True(t, ok)

	src := crdt.New("X")
	op, err := src.ApplyLocal(crdt.Insert{Pos: 0, Text: "ok"})
	require.NoError(t, err)
	sendMsg(t, remote, codec.Update{Ops: []crdt.Operation{op}})
	requireText(t, e, "ok")
}

func TestEngine_ResyncedPeersConfirmAgain(t *testing.T) {
	mb := metrics.New(prometheus.NewRegistry())
	a := startEngine(t, "A")
	b := startEngine(t, "B", WithMetrics(mb))
	aEnd := connect(t, a, b)
	require.Eventually(t, func() bool { return allSynced(a, 1) && allSynced(b, 1) }, waitFor, time.Millisecond)

	// A corrupt frame on the link makes B start over.
	require.NoError(t, aEnd.Send(context.Background(), []byte{codec.Version, 0x09}))
	require.Eventually(t, func() bool { return testutil.ToFloat64(mb.Resyncs) == 1 }, waitFor, time.Millisecond)
	require.Eventually(t, func() bool { return allSynced(a, 1) && allSynced(b, 1) }, waitFor, time.Millisecond)

	_, err := a.Apply(crdt.Insert{Pos: 0, Text: "still linked"})
	require.NoError(t, err)
	requireText(t, b, "still linked")
}

func TestEngine_SyncStep1NamesSender(t *testing.T) {
	e := startEngine(t, "A")
	local, remote := transport.Pipe(transport.KindRelay)
	_, err := e.Attach(local)
	require.NoError(t, err)

	step, ok := recvMsg(t, remote).(codec.SyncStep1)
	require.True(t, ok)
	assert.Equal(t, crdt.ReplicaID("A"), step.From)
	assert.Nil(t, step.Acks, "acknowledgements only travel when collecting tombstones")
}

func TestEngine_InvalidOpsResync(t *testing.T) {
	e := startEngine(t, "A")
	local, remote := transport.Pipe(transport.KindRelay)
	_, err := e.Attach(local)
	require.NoError(t, err)
	recvMsg(t, remote)

	bad := crdt.Operation{ID: crdt.ID{Replica: "X", Clock: 1}, Lamport: 1, Kind: crdt.OpInsert}
	sendMsg(t, remote, codec.Update{Ops: []crdt.Operation{bad}})
	_, ok := recvMsg(t, remote).(codec.SyncStep1)
	assert.True(t, ok)
}

func TestEngine_StallDiagnostics(t *testing.T) {
	mock := clock.NewMock()
	m := metrics.New(prometheus.NewRegistry())
	doc := crdt.New("A", crdt.WithClock(mock))
	e := startEngineWith(t, doc,
		WithClock(mock),
		WithMetrics(m),
		WithTickInterval(time.Second),
		WithStallWindow(5*time.Second),
	)
	local, remote := transport.Pipe(transport.KindRelay)
	_, err := e.Attach(local)
	require.NoError(t, err)
	_, ok := recvMsg(t, remote).(codec.SyncStep1)
	require.True(t, ok)

	src := crdt.New("X")
	_, err = src.ApplyLocal(crdt.Insert{Pos: 0, Text: "a"})
	require.NoError(t, err)
	op2, err := src.ApplyLocal(crdt.Insert{Pos: 1, Text: "b"})
	require.NoError(t, err)
	sendMsg(t, remote, codec.Update{Ops: []crdt.Operation{op2}})
	require.Eventually(t, func() bool { return len(doc.Pending()) == 1 }, waitFor, time.Millisecond)

	var stall *SyncStalledError
	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		select {
		case stall = <-e.Diagnostics():
			return true
		default:
			return false
		}
	}, waitFor, 5*time.Millisecond)

	assert.Equal(t, []crdt.ID{{Replica: "X", Clock: 1}}, stall.Missing)
	assert.Equal(t, 1, stall.Pending)
	assert.True(t, IsStalled(stall))
	assert.True(t, IsStalled(errors.Join(errors.New("ctx"), stall)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Stalls))

	// The stall re-requests state and the connection stays up.
	_, ok = recvMsg(t, remote).(codec.SyncStep1)
	require.True(t, ok)
	assert.Len(t, e.Sessions(), 1)
}

func TestEngine_AwarenessRelayAndLeaveOnClose(t *testing.T) {
	a := startEngine(t, "A")
	hub := startEngine(t, "H")
	b := startEngine(t, "B")
	aEnd := connect(t, a, hub)
	connect(t, hub, b)

	_, err := a.Awareness().SetLocal(awareness.Presence{User: "ann", Cursor: &awareness.Cursor{Line: 3}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, ok := b.Awareness().Get("A")
		return ok && rec.Presence.User == "ann"
	}, waitFor, time.Millisecond)
	_, ok := hub.Awareness().Get("A")
	require.True(t, ok)

	// The hub drops presence carried only by the closed connection and
	// tells the rest of the room.
	require.NoError(t, aEnd.Close())
	require.Eventually(t, func() bool {
		_, inHub := hub.Awareness().Get("A")
		_, inB := b.Awareness().Get("A")
		return !inHub && !inB
	}, waitFor, time.Millisecond)
	require.Eventually(t, func() bool { return len(hub.Sessions()) == 1 }, waitFor, time.Millisecond)
}

func TestEngine_AwarenessSnapshotOnAttach(t *testing.T) {
	a := startEngine(t, "A")
	_, err := a.Awareness().SetLocal(awareness.Presence{User: "ann"})
	require.NoError(t, err)

	b := startEngine(t, "B")
	connect(t, a, b)
	require.Eventually(t, func() bool {
		_, ok := b.Awareness().Get("A")
		return ok
	}, waitFor, time.Millisecond)
}

func TestEngine_ExplicitLeaveRelayed(t *testing.T) {
	a := startEngine(t, "A")
	hub := startEngine(t, "H")
	b := startEngine(t, "B")
	connect(t, a, hub)
	connect(t, hub, b)

	_, err := a.Awareness().SetLocal(awareness.Presence{User: "ann"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { _, ok := b.Awareness().Get("A"); return ok }, waitFor, time.Millisecond)

	a.Awareness().LeaveLocal()
	require.Eventually(t, func() bool { _, ok := b.Awareness().Get("A"); return !ok }, waitFor, time.Millisecond)
}

func TestEngine_CompactionOnTick(t *testing.T) {
	docA := crdt.New("A", crdt.WithHistoryPolicy(crdt.CompactTombstones))
	a := startEngineWith(t, docA, WithTickInterval(10*time.Millisecond))
	b := startEngine(t, "B")
	connect(t, a, b)
	require.Eventually(t, func() bool { return allSynced(a, 1) && allSynced(b, 1) }, waitFor, time.Millisecond)

	_, err := a.Apply(crdt.Insert{Pos: 0, Text: "abc"})
	require.NoError(t, err)
	_, err = a.Apply(crdt.Delete{Pos: 1, Len: 2})
	require.NoError(t, err)
	requireText(t, b, "a")
	assert.Equal(t, 2, docA.Tombstones(), "tombstones stay until the peer acknowledges them")

	// B reporting its vector acknowledges the delete.
	b.Resync()
	require.Eventually(t, func() bool { return docA.Tombstones() == 0 }, waitFor, time.Millisecond)
	assert.Equal(t, "a", docA.Snapshot())

	// Edits after compaction still converge.
	_, err = b.Apply(crdt.Insert{Pos: 1, Text: "z"})
	require.NoError(t, err)
	requireText(t, a, "az")
}

func TestEngine_CompactionWaitsForOfflineReplica(t *testing.T) {
	compacting := func(id crdt.ReplicaID) (*crdt.Store, *Engine) {
		doc := crdt.New(id, crdt.WithHistoryPolicy(crdt.CompactTombstones))
		return doc, startEngineWith(t, doc, WithTickInterval(5*time.Millisecond))
	}
	docA, a := compacting("A")
	docB, b := compacting("B")
	docC, c := compacting("C")

	connect(t, a, b)
	acEnd := connect(t, a, c)
	bcEnd := connect(t, b, c)
	_, err := a.Apply(crdt.Insert{Pos: 0, Text: "ab"})
	require.NoError(t, err)
	requireText(t, c, "ab")
	require.Eventually(t, func() bool { return allSynced(a, 2) && allSynced(b, 2) && allSynced(c, 2) }, waitFor, time.Millisecond)

	// C goes offline and types after 'b' while A deletes it.
	require.NoError(t, acEnd.Close())
	require.NoError(t, bcEnd.Close())
	require.Eventually(t, func() bool { return len(c.Sessions()) == 0 && len(a.Sessions()) == 1 && len(b.Sessions()) == 1 }, waitFor, time.Millisecond)
	_, err = c.Apply(crdt.Insert{Pos: 2, Text: "X"})
	require.NoError(t, err)
	_, err = a.Apply(crdt.Delete{Pos: 1, Len: 1})
	require.NoError(t, err)
	requireText(t, b, "a")
	b.Resync()
	a.Resync()

	assert.Never(t, func() bool { return docA.Tombstones() == 0 || docB.Tombstones() == 0 },
		100*time.Millisecond, 5*time.Millisecond, "C has not seen the delete")

	_, err = b.Apply(crdt.Insert{Pos: 1, Text: "Y"})
	require.NoError(t, err)
	requireText(t, a, "aY")

	connect(t, c, a)
	connect(t, c, b)
	require.Eventually(t, func() bool {
		ta := docA.Snapshot()
		return len(ta) == 3 && docB.Snapshot() == ta && docC.Snapshot() == ta
	}, waitFor, time.Millisecond)
}

func TestEngine_StopAndApply(t *testing.T) {
	mux := transport.NewMux()
	defer mux.Close()
	e := New(crdt.New("A"), mux, WithLogger(quietLogger()))

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()
	_, err := e.Apply(crdt.Insert{Pos: 0, Text: "a"})
	require.NoError(t, err)

	e.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Run did not return after Stop")
	}

	_, err = e.Apply(crdt.Insert{Pos: 0, Text: "b"})
	assert.ErrorIs(t, err, ErrStopped)

	local, _ := transport.Pipe(transport.KindMesh)
	_, err = e.Attach(local)
	assert.ErrorIs(t, err, ErrStopped)
}

func TestEngine_ConnectionMetrics(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	a := startEngine(t, "A", WithMetrics(m))
	b := startEngine(t, "B")
	aEnd := connect(t, a, b)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.Connections.WithLabelValues("mesh")) == 1
	}, waitFor, time.Millisecond)
	require.NoError(t, aEnd.Close())
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.Connections.WithLabelValues("mesh")) == 0
	}, waitFor, time.Millisecond)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "handshaking", Handshaking.String())
	assert.Equal(t, "closed", Closed.String())
	assert.Equal(t, "State(9)", State(9).String())
}
