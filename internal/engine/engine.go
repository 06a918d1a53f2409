package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/roach88/collab/internal/awareness"
	"github.com/roach88/collab/internal/codec"
	"github.com/roach88/collab/internal/crdt"
	"github.com/roach88/collab/internal/metrics"
	"github.com/roach88/collab/internal/tracelog"
	"github.com/roach88/collab/internal/transport"
)

const (
	// DefaultTickInterval is how often stall detection and compaction run.
	DefaultTickInterval = time.Second

	// DefaultStallWindow is how long an operation may wait for its
	// dependencies before the engine reports a stall.
	DefaultStallWindow = 10 * time.Second

	diagnosticsBuffer = 16
)

// Recorder receives every wire message the engine sends or receives.
// Implemented by *tracelog.Log.
type Recorder interface {
	Record(ctx context.Context, e tracelog.Entry) error
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithRoom names the document in logs and traces.
func WithRoom(room string) EngineOption {
	return func(e *Engine) { e.room = room }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics sets the collectors to update.
func WithMetrics(m *metrics.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithClock sets the clock driving the tick and stall detection. The
// Document Store should be built with the same clock so buffered
// operations are timed consistently.
func WithClock(c clock.Clock) EngineOption {
	return func(e *Engine) { e.clock = c }
}

// WithTickInterval sets how often stall detection and compaction run.
func WithTickInterval(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.tick = d
		}
	}
}

// WithStallWindow sets how long buffered operations may wait.
func WithStallWindow(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.stallWindow = d
		}
	}
}

// WithRecorder records every wire message.
func WithRecorder(r Recorder) EngineOption {
	return func(e *Engine) { e.recorder = r }
}

// WithTraceClock sets the clock numbering trace entries, for resuming an
// existing trace.
func WithTraceClock(c *Clock) EngineOption {
	return func(e *Engine) { e.seq = c }
}

// WithAwareness passes options to the engine's Awareness.
func WithAwareness(opts ...awareness.Option) EngineOption {
	return func(e *Engine) { e.awOpts = append(e.awOpts, opts...) }
}

// Engine is the sync protocol engine for one document.
//
// Thread-safety model:
//   - Apply, Attach, AttachConn, Resync, Sessions: safe from any goroutine
//   - Run: must be called from exactly one goroutine
type Engine struct {
	doc   *crdt.Store
	aw    *awareness.Awareness
	mux   *transport.Mux
	queue *eventQueue

	// mu guards sessions. Run holds it while processing an event.
	mu       sync.RWMutex
	sessions map[transport.ConnID]*session

	// carriers maps an awareness replica to the connections that
	// delivered it. Run loop only.
	carriers map[crdt.ReplicaID]map[transport.ConnID]struct{}

	// acks is what each known replica is known to hold, kept after its
	// connections close. Run loop only.
	acks *ackTable

	diag      chan *SyncStalledError
	lastStall time.Time

	room        string
	clock       clock.Clock
	seq         *Clock
	tick        time.Duration
	stallWindow time.Duration
	recorder    Recorder
	logger      *slog.Logger
	metrics     *metrics.Metrics
	awOpts      []awareness.Option

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an Engine over doc and mux. The engine builds its own
// Awareness for doc's replica; see WithAwareness.
func New(doc *crdt.Store, mux *transport.Mux, opts ...EngineOption) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		doc:         doc,
		mux:         mux,
		queue:       newEventQueue(),
		sessions:    make(map[transport.ConnID]*session),
		carriers:    make(map[crdt.ReplicaID]map[transport.ConnID]struct{}),
		acks:        newAckTable(doc.Replica()),
		diag:        make(chan *SyncStalledError, diagnosticsBuffer),
		clock:       clock.New(),
		seq:         NewClock(),
		tick:        DefaultTickInterval,
		stallWindow: DefaultStallWindow,
		logger:      slog.Default(),
		metrics:     metrics.Nop(),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(e)
	}

	awOpts := []awareness.Option{
		awareness.WithClock(e.clock),
		awareness.WithLogger(e.logger),
		awareness.WithMetrics(e.metrics),
	}
	awOpts = append(awOpts, e.awOpts...)
	awOpts = append(awOpts, awareness.WithSend(e.sendAwareness))
	e.aw = awareness.New(doc.Replica(), awOpts...)
	return e
}

// Doc returns the Document Store.
func (e *Engine) Doc() *crdt.Store { return e.doc }

// Awareness returns the presence set.
func (e *Engine) Awareness() *awareness.Awareness { return e.aw }

// Mux returns the connection multiplexer.
func (e *Engine) Mux() *transport.Mux { return e.mux }

// Room returns the room name.
func (e *Engine) Room() string { return e.room }

// Diagnostics returns the stall report stream. Reports that find the
// buffer full are dropped; they are also logged and counted.
func (e *Engine) Diagnostics() <-chan *SyncStalledError {
	return e.diag
}

// Apply applies a local edit and queues its broadcast as an Update.
func (e *Engine) Apply(in crdt.Intent) (crdt.Operation, error) {
	if e.queue.Closed() {
		return crdt.Operation{}, ErrStopped
	}
	op, err := e.doc.ApplyLocal(in)
	if err != nil {
		return crdt.Operation{}, err
	}
	e.metrics.OpsApplied.WithLabelValues(crdt.OriginLocal.String()).Inc()
	e.queue.Enqueue(event{typ: eventLocal, ops: []crdt.Operation{op}})
	return op, nil
}

// Attach adds ch to the Mux and starts a session on it.
func (e *Engine) Attach(ch transport.Channel) (*transport.Conn, error) {
	conn, err := e.mux.Add(ch)
	if err != nil {
		return nil, fmt.Errorf("attach: %w", err)
	}
	if err := e.AttachConn(conn); err != nil {
		return nil, err
	}
	return conn, nil
}

// AttachConn starts a session on a connection already in the Mux, such as
// one handed over by transport.Redial.
func (e *Engine) AttachConn(conn *transport.Conn) error {
	if !e.queue.Enqueue(event{typ: eventAttach, conn: conn}) {
		_ = conn.Close()
		return ErrStopped
	}
	e.wg.Add(1)
	go e.read(conn)
	return nil
}

// Resync asks every peer for its state vector again.
func (e *Engine) Resync() {
	e.queue.Enqueue(event{typ: eventResync})
}

// Sessions returns a snapshot of every open session in connection order.
func (e *Engine) Sessions() []SessionInfo {
	e.mu.RLock()
	out := make([]SessionInfo, 0, len(e.sessions))
	for id, s := range e.sessions {
		info := SessionInfo{
			Conn:      id,
			Kind:      s.conn.Kind().String(),
			State:     s.state,
			StateName: s.state.String(),
		}
		if s.peer != nil {
			info.Peer = s.peer.Clone()
		}
		out = append(out, info)
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Conn < out[j].Conn })
	return out
}

// read forwards inbound messages of one connection to the queue. It never
// touches session state.
func (e *Engine) read(conn *transport.Conn) {
	defer e.wg.Done()
	for {
		msg, err := conn.Receive(e.ctx)
		if err != nil {
			if e.ctx.Err() == nil {
				e.queue.Enqueue(event{typ: eventDetach, conn: conn})
			}
			return
		}
		if !e.queue.Enqueue(event{typ: eventMessage, conn: conn, payload: msg}) {
			return
		}
	}
}

// Run starts the single-writer event loop and the awareness ticker.
// Blocks until ctx is cancelled or Stop is called.
//
// ERROR HANDLING: a failed event is logged with its context and
// processing continues. Peers recover through resync, so one bad message
// never stops the document.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine starting", "room", e.room, "replica", string(e.doc.Replica()))

	ticker := e.clock.Ticker(e.tick)
	defer ticker.Stop()

	awCtx, awCancel := context.WithCancel(ctx)
	awDone := make(chan struct{})
	go func() {
		defer close(awDone)
		_ = e.aw.Run(awCtx, 0)
	}()
	defer func() {
		awCancel()
		<-awDone
	}()

	for {
		if ev, ok := e.queue.TryDequeue(); ok {
			if err := e.process(ev); err != nil {
				e.logEventError(ev, err)
			}
			continue
		}

		select {
		case <-ctx.Done():
			e.logger.Info("engine stopping: context cancelled", "room", e.room)
			e.shutdown()
			return ctx.Err()

		case <-ticker.C:
			e.mu.Lock()
			e.onTick(e.clock.Now())
			e.mu.Unlock()

		case <-e.queue.Wait():
			// The signal channel closes with the queue.
			if e.queue.Closed() && e.queue.Len() == 0 {
				e.logger.Info("engine stopping: queue closed", "room", e.room)
				e.shutdown()
				return nil
			}
		}
	}
}

// Stop makes Run return once the queued events are processed.
func (e *Engine) Stop() {
	e.queue.Close()
}

// shutdown announces the local replica leaving and stops the readers.
// Connections stay open; the Mux owner closes them.
func (e *Engine) shutdown() {
	if _, ok := e.aw.Local(); ok {
		e.aw.LeaveLocal()
	}
	e.queue.Close()
	e.cancel()
	e.wg.Wait()
}

// process routes an event to its handler. Called only from Run.
func (e *Engine) process(ev event) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch ev.typ {
	case eventAttach:
		e.attach(ev.conn)
		return nil
	case eventMessage:
		return e.handle(ev.conn, ev.payload)
	case eventLocal:
		e.broadcastLocal(ev.ops)
		return nil
	case eventDetach:
		e.detach(ev.conn)
		return nil
	case eventResync:
		e.requestState()
		return nil
	default:
		return fmt.Errorf("unknown event type: %d", ev.typ)
	}
}

func (e *Engine) logEventError(ev event, err error) {
	attrs := []any{"room", e.room, "event", ev.typ.String(), "error", err}
	if ev.conn != nil {
		attrs = append(attrs, "conn", uint64(ev.conn.ID()))
	}
	e.logger.Error("event processing failed", attrs...)
}

func (e *Engine) attach(conn *transport.Conn) {
	s := newSession(conn)
	e.sessions[conn.ID()] = s
	e.metrics.Connections.WithLabelValues(conn.Kind().String()).Inc()
	e.logger.Debug("session started", "room", e.room, "conn", uint64(conn.ID()), "kind", conn.Kind().String())

	e.requestStep(s)
	// Peers that dropped our presence with an earlier connection remember
	// its counter, so the local record goes out with a fresh one.
	e.aw.Refresh()
	self := e.doc.Replica()
	for _, up := range e.aw.Updates() {
		if up.Replica != self {
			e.send(s, up)
		}
	}
}

func (e *Engine) detach(conn *transport.Conn) {
	s, ok := e.sessions[conn.ID()]
	if !ok {
		return
	}
	prev := s.state
	s.state = Closed
	delete(e.sessions, conn.ID())
	e.metrics.Connections.WithLabelValues(conn.Kind().String()).Dec()

	attrs := []any{"room", e.room, "conn", uint64(conn.ID()), "state", prev.String()}
	if err := conn.Err(); err != nil {
		attrs = append(attrs, "error", err)
	}
	e.logger.Info("session closed", attrs...)

	// Presence that only this connection carried goes with it.
	for r := range s.carried {
		set := e.carriers[r]
		delete(set, conn.ID())
		if len(set) > 0 {
			continue
		}
		delete(e.carriers, r)
		rec, ok := e.aw.Get(r)
		if ok && e.aw.Leave(r) {
			e.broadcast(nil, codec.AwarenessLeave{Replica: r, Counter: rec.Counter}, nil)
		}
	}
}

func (e *Engine) handle(conn *transport.Conn, payload []byte) error {
	s, ok := e.sessions[conn.ID()]
	if !ok {
		return fmt.Errorf("message for unknown connection %d", conn.ID())
	}
	e.record(tracelog.In, conn.ID(), payload, "")

	m, err := codec.Decode(payload)
	if err != nil {
		e.metrics.DecodeErrors.Inc()
		e.metrics.MessageIn("invalid")
		e.resync(s, err)
		return nil
	}
	e.metrics.MessageIn(m.Type().String())

	switch m := m.(type) {
	case codec.SyncStep1:
		e.onSyncStep1(s, m)
	case codec.SyncStep2:
		e.onSyncStep2(s, m)
	case codec.Update:
		e.onUpdate(s, m)
	case codec.AwarenessUpdate, codec.AwarenessLeave:
		return e.onAwareness(s, m, payload)
	}
	return nil
}

func (e *Engine) onSyncStep1(s *session, m codec.SyncStep1) {
	s.peer = m.StateVector.Clone()
	if m.From != "" {
		s.replica = m.From
	}
	learned := e.acks.learn(m)

	ops := e.doc.Diff(m.StateVector)
	e.send(s, codec.SyncStep2{Ops: ops})
	s.sentEmpty = len(ops) == 0
	// A SyncStep1 on a synced session means the peer started over after
	// a resync or a stall. Ask back so both sides confirm again.
	if s.state == Synced {
		e.requestStep(s)
	}
	e.advance(s)

	// Tell the other peers about replicas they may not have met, so none
	// of them collects a tombstone one of those replicas still needs.
	if learned && e.doc.Policy() == crdt.CompactTombstones {
		for _, t := range e.sortedSessions() {
			if t != s {
				e.requestStep(t)
			}
		}
	}
}

func (e *Engine) onSyncStep2(s *session, m codec.SyncStep2) {
	applied, ok := e.integrate(s, m.Ops)
	if !ok {
		return
	}
	// Only progress counts: a step whose operations were all known or are
	// still buffered does not trigger another round.
	s.recvEmpty = len(applied) == 0
	if len(applied) > 0 {
		e.requestStep(s)
	}
	e.advance(s)
}

func (e *Engine) onUpdate(s *session, m codec.Update) {
	e.integrate(s, m.Ops)
}

// integrate merges ops from s and relays the newly applied ones. A batch
// the store rejects forces a resync of s.
func (e *Engine) integrate(s *session, ops []crdt.Operation) ([]crdt.Operation, bool) {
	applied, err := e.doc.Integrate(ops)
	if err != nil {
		e.metrics.DecodeErrors.Inc()
		e.resync(s, err)
		return nil, false
	}
	s.observe(ops)
	if s.replica != "" && s.peer != nil {
		e.acks.ack(s.replica, s.peer)
	}
	if len(applied) > 0 {
		e.metrics.OpsApplied.WithLabelValues(crdt.OriginRemote.String()).Add(float64(len(applied)))
		e.broadcastOps(s, applied)
	}
	return applied, true
}

func (e *Engine) onAwareness(s *session, m codec.Message, payload []byte) error {
	accepted, err := e.aw.ReceiveMessage(m)
	if err != nil {
		return fmt.Errorf("awareness from conn %d: %w", s.conn.ID(), err)
	}
	if !accepted {
		return nil
	}
	switch m := m.(type) {
	case codec.AwarenessUpdate:
		set, ok := e.carriers[m.Replica]
		if !ok {
			set = make(map[transport.ConnID]struct{})
			e.carriers[m.Replica] = set
		}
		set[s.conn.ID()] = struct{}{}
		s.carried[m.Replica] = struct{}{}
	case codec.AwarenessLeave:
		for id := range e.carriers[m.Replica] {
			if t, ok := e.sessions[id]; ok {
				delete(t.carried, m.Replica)
			}
		}
		delete(e.carriers, m.Replica)
	}
	if n := e.mux.Broadcast(payload, s.conn.ID()); n > 0 {
		e.record(tracelog.Out, 0, payload, m.Type().String())
		e.metrics.MessageOut(m.Type().String())
		e.logger.Debug("awareness relayed", "room", e.room, "conn", uint64(s.conn.ID()), "type", m.Type().String(), "conns", n)
	}
	return nil
}

func (e *Engine) advance(s *session) {
	prev := s.state
	s.progress()
	if s.state != prev {
		e.logger.Debug("session state changed", "room", e.room, "conn", uint64(s.conn.ID()), "from", prev.String(), "state", s.state.String())
	}
}

// resync drops s back to Handshaking and resends our state vector.
func (e *Engine) resync(s *session, cause error) {
	e.logger.Warn("message rejected, resyncing", "room", e.room, "conn", uint64(s.conn.ID()), "error", cause)
	s.reset()
	e.metrics.Resyncs.Inc()
	e.requestStep(s)
}

// requestState sends our state vector to every session so peers answer
// with whatever we still lack.
func (e *Engine) requestState() {
	for _, s := range e.sortedSessions() {
		e.requestStep(s)
	}
	e.metrics.Resyncs.Inc()
}

// requestStep sends a SyncStep1 on s. A synced session goes back to
// Syncing until the peer's answer arrives.
func (e *Engine) requestStep(s *session) {
	m := codec.SyncStep1{StateVector: e.doc.StateVector(), From: e.doc.Replica()}
	if e.doc.Policy() == crdt.CompactTombstones {
		m.Acks = e.acks.table(m.StateVector)
	}
	e.send(s, m)
	if s.state == Synced {
		s.state = Syncing
		s.recvEmpty = false
	}
}

func (e *Engine) onTick(now time.Time) {
	e.metrics.OpsBuffered.Set(float64(len(e.doc.Pending())))
	e.checkStalled(now)
	e.compact()
}

func (e *Engine) checkStalled(now time.Time) {
	if !e.lastStall.IsZero() && now.Sub(e.lastStall) < e.stallWindow {
		return
	}
	ops, missing := e.doc.Stalled(now, e.stallWindow)
	if len(ops) == 0 {
		return
	}
	e.lastStall = now
	err := &SyncStalledError{Missing: missing, Pending: len(ops), Window: e.stallWindow}
	e.logger.Warn("sync stalled", "room", e.room, "pending", len(ops), "missing", fmt.Sprint(missing))
	e.metrics.Stalls.Inc()
	select {
	case e.diag <- err:
	default:
	}
	e.requestState()
}

// compact collects tombstones every known replica is known to hold,
// whether or not it is connected right now.
func (e *Engine) compact() {
	if e.doc.Policy() != crdt.CompactTombstones {
		return
	}
	known := e.doc.StateVector().Replicas()
	for r := range e.aw.States() {
		known = append(known, r)
	}
	floor, ok := e.acks.floor(e.doc.StateVector(), known)
	if !ok {
		return
	}
	if n := e.doc.Compact(floor); n > 0 {
		e.metrics.Compacted.Add(float64(n))
		e.logger.Debug("tombstones compacted", "room", e.room, "collected", n)
	}
}

func (e *Engine) sortedSessions() []*session {
	out := make([]*session, 0, len(e.sessions))
	for _, s := range e.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].conn.ID() < out[j].conn.ID() })
	return out
}

// broadcastLocal sends local ops to every live session. The Update is
// recorded even when no session is live, so a trace holds every local edit.
func (e *Engine) broadcastLocal(ops []crdt.Operation) {
	m := codec.Update{Ops: ops}
	raw := codec.Encode(m)
	n := e.mux.BroadcastFunc(raw, func(c *transport.Conn) bool {
		s, ok := e.sessions[c.ID()]
		return ok && s.live()
	})
	e.record(tracelog.Out, 0, raw, m.Type().String())
	e.metrics.MessageOut(m.Type().String())
	e.logger.Debug("local update sent", "room", e.room, "ops", len(ops), "conns", n)
}

// broadcastOps relays ops as an Update to every live session except origin.
func (e *Engine) broadcastOps(origin *session, ops []crdt.Operation) {
	e.broadcast(origin, codec.Update{Ops: ops}, func(s *session) bool { return s.live() })
}

// broadcast encodes m once and queues it on every session except origin
// that include accepts. A nil include accepts all. Nothing is recorded when
// no session took the message. Caller holds mu.
func (e *Engine) broadcast(origin *session, m codec.Message, include func(*session) bool) {
	raw := codec.Encode(m)
	n := e.mux.BroadcastFunc(raw, func(c *transport.Conn) bool {
		s, ok := e.sessions[c.ID()]
		if !ok || s == origin {
			return false
		}
		return include == nil || include(s)
	})
	if n == 0 {
		return
	}
	e.record(tracelog.Out, 0, raw, m.Type().String())
	e.metrics.MessageOut(m.Type().String())
	e.logger.Debug("broadcast", "room", e.room, "type", m.Type().String(), "conns", n)
}

func (e *Engine) send(s *session, m codec.Message) {
	raw := codec.Encode(m)
	e.record(tracelog.Out, s.conn.ID(), raw, m.Type().String())
	e.metrics.MessageOut(m.Type().String())
	if err := s.conn.Send(raw); err != nil && !errors.Is(err, transport.ErrClosed) {
		e.logger.Warn("send failed", "room", e.room, "conn", uint64(s.conn.ID()), "type", m.Type().String(), "error", err)
	}
}

// sendAwareness is the Awareness outbound hook. It runs on whichever
// goroutine changed the local presence and does not touch sessions.
func (e *Engine) sendAwareness(m codec.Message) {
	raw := codec.Encode(m)
	e.mux.Broadcast(raw, 0)
	e.record(tracelog.Out, 0, raw, m.Type().String())
	e.metrics.MessageOut(m.Type().String())
}

// record hands one wire message to the recorder. An empty typ is read
// from the frame header.
func (e *Engine) record(dir tracelog.Direction, conn transport.ConnID, raw []byte, typ string) {
	if e.recorder == nil {
		return
	}
	if typ == "" {
		typ = "invalid"
		if t, err := codec.Peek(raw); err == nil {
			typ = t.String()
		}
	}
	entry := tracelog.Entry{
		Room:      e.room,
		Replica:   e.doc.Replica(),
		Seq:       e.seq.Next(),
		Direction: dir,
		Conn:      uint64(conn),
		Type:      typ,
		Payload:   raw,
		At:        e.clock.Now(),
	}
	if err := e.recorder.Record(context.Background(), entry); err != nil {
		e.logger.Warn("trace record failed", "room", e.room, "error", err)
	}
}
