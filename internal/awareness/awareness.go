package awareness

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/roach88/collab/internal/codec"
	"github.com/roach88/collab/internal/crdt"
	"github.com/roach88/collab/internal/metrics"
)

const (
	// DefaultTimeout is how long a record survives without an update.
	DefaultTimeout = 30 * time.Second

	// DefaultRemovedCache bounds the remembered removal counters.
	DefaultRemovedCache = 1024
)

// Option configures an Awareness.
type Option func(*Awareness)

// WithClock sets the clock used for timestamps and the Run ticker.
func WithClock(c clock.Clock) Option {
	return func(a *Awareness) { a.clock = c }
}

// WithTimeout sets the staleness timeout.
func WithTimeout(d time.Duration) Option {
	return func(a *Awareness) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithRemovedCache sets how many removed replicas are remembered.
func WithRemovedCache(n int) Option {
	return func(a *Awareness) {
		if n > 0 {
			a.removedSize = n
		}
	}
}

// WithSend sets where outbound awareness messages go. The sync engine
// broadcasts them to every connection.
func WithSend(send func(codec.Message)) Option {
	return func(a *Awareness) { a.send = send }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Awareness) { a.logger = l }
}

// WithMetrics sets the collectors to update.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Awareness) { a.metrics = m }
}

type entry struct {
	rec Record
	raw []byte
}

// Awareness holds the presence records of one replica's view of a room.
// Safe for concurrent use.
type Awareness struct {
	mu      sync.Mutex
	self    crdt.ReplicaID
	records map[crdt.ReplicaID]*entry
	removed *lru.Cache[crdt.ReplicaID, uint64]

	// counter is the local counter; it survives LeaveLocal so a rejoin
	// continues above every counter peers have seen.
	counter uint64

	subs map[*Subscription]struct{}

	clock       clock.Clock
	timeout     time.Duration
	removedSize int
	send        func(codec.Message)
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// New creates an Awareness for the local replica self.
func New(self crdt.ReplicaID, opts ...Option) *Awareness {
	a := &Awareness{
		self:        self,
		records:     make(map[crdt.ReplicaID]*entry),
		subs:        make(map[*Subscription]struct{}),
		clock:       clock.New(),
		timeout:     DefaultTimeout,
		removedSize: DefaultRemovedCache,
		send:        func(codec.Message) {},
		logger:      slog.Default(),
		metrics:     metrics.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	removed, err := lru.New[crdt.ReplicaID, uint64](a.removedSize)
	if err != nil {
		panic(fmt.Sprintf("awareness: lru: %v", err))
	}
	a.removed = removed
	return a
}

// Self returns the local replica ID.
func (a *Awareness) Self() crdt.ReplicaID {
	return a.self
}

// Timeout returns the staleness timeout.
func (a *Awareness) Timeout() time.Duration {
	return a.timeout
}

// SetLocal replaces the local presence, bumps the counter and broadcasts an
// AwarenessUpdate at once.
func (a *Awareness) SetLocal(p Presence) (Record, error) {
	raw, err := p.Encode()
	if err != nil {
		return Record{}, err
	}

	a.mu.Lock()
	a.counter++
	rec := Record{Replica: a.self, Presence: p, Counter: a.counter, Updated: a.clock.Now()}
	kind := a.store(rec, raw)
	a.mu.Unlock()

	if kind != 0 {
		a.emit(Change{Kind: kind, Record: rec, Local: true})
	}
	a.send(codec.AwarenessUpdate{Replica: a.self, Counter: rec.Counter, State: raw})
	return rec, nil
}

// Local returns the local record, if set.
func (a *Awareness) Local() (Record, bool) {
	return a.Get(a.self)
}

// Get returns the record of replica.
func (a *Awareness) Get(replica crdt.ReplicaID) (Record, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.records[replica]
	if !ok {
		return Record{}, false
	}
	return e.rec, true
}

// Receive applies a remote presence update and reports whether it was
// accepted. A new record needs a counter above the replica's last leave
// or expiry, if one is remembered; an existing record needs a strictly
// greater counter.
func (a *Awareness) Receive(replica crdt.ReplicaID, p Presence, counter uint64) bool {
	raw, err := p.Encode()
	if err != nil {
		return false
	}
	return a.receive(replica, p, raw, counter)
}

// ReceiveMessage applies a decoded AwarenessUpdate or AwarenessLeave.
func (a *Awareness) ReceiveMessage(m codec.Message) (bool, error) {
	switch m := m.(type) {
	case codec.AwarenessUpdate:
		p, err := DecodePresence(m.State)
		if err != nil {
			return false, err
		}
		return a.receive(m.Replica, p, append([]byte(nil), m.State...), m.Counter), nil
	case codec.AwarenessLeave:
		return a.ReceiveLeave(m.Replica, m.Counter), nil
	default:
		return false, fmt.Errorf("not an awareness message: %s", m.Type())
	}
}

func (a *Awareness) receive(replica crdt.ReplicaID, p Presence, raw []byte, counter uint64) bool {
	if replica == a.self {
		a.defendLocal(counter)
		return false
	}

	a.mu.Lock()
	if cur, ok := a.records[replica]; ok {
		if counter <= cur.rec.Counter {
			a.mu.Unlock()
			return false
		}
	} else if last, ok := a.removed.Get(replica); ok && counter <= last {
		a.mu.Unlock()
		return false
	}
	rec := Record{Replica: replica, Presence: p, Counter: counter, Updated: a.clock.Now()}
	kind := a.store(rec, raw)
	a.mu.Unlock()

	if kind != 0 {
		a.emit(Change{Kind: kind, Record: rec})
	}
	return true
}

// defendLocal handles a remote message that claims the local replica ID.
// An equal counter is our own update relayed back and is ignored. A greater
// counter is state left over from an earlier run of this replica: the local
// counter jumps past it and the record is re-sent so peers keep the live
// state.
func (a *Awareness) defendLocal(counter uint64) {
	a.mu.Lock()
	e, ok := a.records[a.self]
	if !ok || counter <= a.counter {
		if counter > a.counter {
			a.counter = counter
		}
		a.mu.Unlock()
		return
	}
	a.counter = counter + 1
	e.rec.Counter = a.counter
	e.rec.Updated = a.clock.Now()
	msg := codec.AwarenessUpdate{Replica: a.self, Counter: a.counter, State: e.raw}
	a.mu.Unlock()

	a.send(msg)
}

// ReceiveLeave applies a remote leave. A leave older than the current
// record is ignored.
func (a *Awareness) ReceiveLeave(replica crdt.ReplicaID, counter uint64) bool {
	if replica == a.self {
		return false
	}
	a.mu.Lock()
	e, ok := a.records[replica]
	if !ok || counter < e.rec.Counter {
		if !ok {
			a.rememberRemoved(replica, counter)
		}
		a.mu.Unlock()
		return false
	}
	rec := a.drop(replica, e)
	a.mu.Unlock()

	a.emit(Change{Kind: Removed, Record: rec})
	return true
}

// Leave removes a remote replica's record immediately, for example when the
// connection that carried it closed. The replica did not retract its
// state, so no removal is remembered and the same record is accepted again
// when it comes back over another connection.
func (a *Awareness) Leave(replica crdt.ReplicaID) bool {
	if replica == a.self {
		return false
	}
	a.mu.Lock()
	e, ok := a.records[replica]
	if !ok {
		a.mu.Unlock()
		return false
	}
	rec := a.forget(replica, e)
	a.mu.Unlock()

	a.emit(Change{Kind: Removed, Record: rec})
	return true
}

// LeaveLocal removes the local record and broadcasts AwarenessLeave.
func (a *Awareness) LeaveLocal() {
	a.mu.Lock()
	e, ok := a.records[a.self]
	var rec Record
	if ok {
		rec = a.drop(a.self, e)
	}
	counter := a.counter
	a.mu.Unlock()

	if ok {
		a.emit(Change{Kind: Removed, Record: rec, Local: true})
	}
	a.send(codec.AwarenessLeave{Replica: a.self, Counter: counter})
}

// ExpireStale removes remote records not updated within timeout of now and
// returns their replica IDs in ascending order. The local record is never
// expired; Run renews it instead.
func (a *Awareness) ExpireStale(now time.Time, timeout time.Duration) []crdt.ReplicaID {
	a.mu.Lock()
	var expired []Record
	for r, e := range a.records {
		if r == a.self || now.Sub(e.rec.Updated) <= timeout {
			continue
		}
		expired = append(expired, a.drop(r, e))
	}
	a.mu.Unlock()

	sort.Slice(expired, func(i, j int) bool { return expired[i].Replica < expired[j].Replica })
	ids := make([]crdt.ReplicaID, len(expired))
	for i, rec := range expired {
		ids[i] = rec.Replica
		a.emit(Change{Kind: Removed, Record: rec})
	}
	if len(ids) > 0 {
		a.logger.Debug("awareness records expired", "replicas", len(ids))
	}
	return ids
}

// Renew re-sends the local record with a bumped counter when it is older
// than half the timeout. It reports whether a heartbeat went out.
func (a *Awareness) Renew(now time.Time) bool {
	return a.renew(now, false)
}

// Refresh re-sends the local record with a bumped counter regardless of
// its age, so peers that dropped it with a lost connection take it back.
// It reports whether a local record was set.
func (a *Awareness) Refresh() bool {
	return a.renew(a.clock.Now(), true)
}

func (a *Awareness) renew(now time.Time, force bool) bool {
	a.mu.Lock()
	e, ok := a.records[a.self]
	if !ok || (!force && now.Sub(e.rec.Updated) < a.timeout/2) {
		a.mu.Unlock()
		return false
	}
	a.counter++
	e.rec.Counter = a.counter
	e.rec.Updated = now
	msg := codec.AwarenessUpdate{Replica: a.self, Counter: a.counter, State: e.raw}
	a.mu.Unlock()

	a.send(msg)
	return true
}

// Run expires stale records and renews the local one on every tick until
// ctx ends.
func (a *Awareness) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = a.timeout / 10
	}
	ticker := a.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := a.clock.Now()
			a.ExpireStale(now, a.timeout)
			a.Renew(now)
		}
	}
}

// States returns a copy of every record.
func (a *Awareness) States() map[crdt.ReplicaID]Record {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[crdt.ReplicaID]Record, len(a.records))
	for r, e := range a.records {
		out[r] = e.rec
	}
	return out
}

// Len returns the number of records, including the local one.
func (a *Awareness) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.records)
}

// Updates returns an AwarenessUpdate for every record in ascending replica
// order, for bringing a new connection up to date.
func (a *Awareness) Updates() []codec.AwarenessUpdate {
	a.mu.Lock()
	out := make([]codec.AwarenessUpdate, 0, len(a.records))
	for r, e := range a.records {
		out = append(out, codec.AwarenessUpdate{Replica: r, Counter: e.rec.Counter, State: e.raw})
	}
	a.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Replica < out[j].Replica })
	return out
}

// store puts rec in place and returns the change kind to emit, or 0 when
// only the counter moved. Caller holds mu.
func (a *Awareness) store(rec Record, raw []byte) ChangeKind {
	cur, ok := a.records[rec.Replica]
	a.records[rec.Replica] = &entry{rec: rec, raw: raw}
	a.removed.Remove(rec.Replica)
	a.metrics.AwarenessRecords.Set(float64(len(a.records)))
	switch {
	case !ok:
		return Added
	case !bytes.Equal(cur.raw, raw):
		return Updated
	default:
		return 0
	}
}

// drop removes a record and remembers its counter. Caller holds mu.
func (a *Awareness) drop(replica crdt.ReplicaID, e *entry) Record {
	a.rememberRemoved(replica, e.rec.Counter)
	return a.forget(replica, e)
}

// forget removes a record. Caller holds mu.
func (a *Awareness) forget(replica crdt.ReplicaID, e *entry) Record {
	delete(a.records, replica)
	a.metrics.AwarenessRecords.Set(float64(len(a.records)))
	return e.rec
}

func (a *Awareness) rememberRemoved(replica crdt.ReplicaID, counter uint64) {
	if last, ok := a.removed.Peek(replica); ok && last >= counter {
		return
	}
	a.removed.Add(replica, counter)
}

// Subscription is a change stream. Sends never block; when C is full the
// change is dropped and Dropped grows.
type Subscription struct {
	C <-chan Change

	ch      chan Change
	dropped atomic.Uint64
	a       *Awareness
}

// Subscribe returns a change stream with the given buffer size.
func (a *Awareness) Subscribe(buffer int) *Subscription {
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan Change, buffer)
	sub := &Subscription{C: ch, ch: ch, a: a}
	a.mu.Lock()
	a.subs[sub] = struct{}{}
	a.mu.Unlock()
	return sub
}

// Dropped returns the number of changes that did not fit in the buffer.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close detaches the subscription and closes C. Safe to call twice.
func (s *Subscription) Close() {
	s.a.mu.Lock()
	defer s.a.mu.Unlock()
	if _, ok := s.a.subs[s]; !ok {
		return
	}
	delete(s.a.subs, s)
	close(s.ch)
}

func (a *Awareness) emit(c Change) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for sub := range a.subs {
		select {
		case sub.ch <- c:
		default:
			sub.dropped.Add(1)
		}
	}
}
