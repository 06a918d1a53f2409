package crdt

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/benbjohnson/clock"
)

// HistoryPolicy controls whether tombstones are ever reclaimed.
type HistoryPolicy uint8

const (
	// RetainAll keeps every tombstone and every history payload forever.
	RetainAll HistoryPolicy = iota
	// CompactTombstones lets Compact drop tombstones every peer has seen.
	CompactTombstones
)

func (p HistoryPolicy) String() string {
	switch p {
	case RetainAll:
		return "retain"
	case CompactTombstones:
		return "compact"
	default:
		return fmt.Sprintf("HistoryPolicy(%d)", uint8(p))
	}
}

// ParseHistoryPolicy accepts "retain" or "compact".
func ParseHistoryPolicy(s string) (HistoryPolicy, error) {
	switch s {
	case "", "retain":
		return RetainAll, nil
	case "compact":
		return CompactTombstones, nil
	default:
		return RetainAll, fmt.Errorf("unknown history policy %q", s)
	}
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used to timestamp buffered operations.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithHistoryPolicy sets the tombstone policy. Default RetainAll.
func WithHistoryPolicy(p HistoryPolicy) Option {
	return func(s *Store) { s.policy = p }
}

// WithLogger sets the logger. Default slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store is one replica of a collaborative document.
//
// All methods are safe for concurrent use. Mutations are serialized by a
// single mutex held for the full call.
type Store struct {
	mu sync.Mutex

	replica ReplicaID
	lamport uint64
	vector  StateVector
	seq     *sequence
	history *history
	pending *pendingSet
	subs    map[*Subscription]struct{}

	policy HistoryPolicy
	clock  clock.Clock
	logger *slog.Logger
}

// New creates an empty document owned by replica.
func New(replica ReplicaID, opts ...Option) *Store {
	s := &Store{
		replica: replica,
		vector:  StateVector{},
		seq:     newSequence(),
		history: newHistory(),
		pending: newPendingSet(),
		subs:    make(map[*Subscription]struct{}),
		policy:  RetainAll,
		clock:   clock.New(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Replica returns the local replica ID.
func (s *Store) Replica() ReplicaID {
	return s.replica
}

// Policy returns the configured history policy.
func (s *Store) Policy() HistoryPolicy {
	return s.policy
}

// ApplyLocal turns a visible-index intent into an operation, applies it and
// returns it for broadcast. On error the store is unchanged.
func (s *Store) ApplyLocal(in Intent) (Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	op, err := s.prepare(in)
	if err != nil {
		return Operation{}, err
	}
	delta := s.apply(op)
	s.notify(Change{Origin: OriginLocal, Ops: []Operation{op}, Delta: delta})
	s.logger.Debug("local op applied", "replica", s.replica, "op", op.String())
	return op, nil
}

func (s *Store) prepare(in Intent) (Operation, error) {
	next := ID{Replica: s.replica, Clock: s.vector.Get(s.replica) + 1}
	op := Operation{ID: next, Lamport: s.lamport + 1}

	switch in := in.(type) {
	case Insert:
		if in.Text == "" {
			return Operation{}, fmt.Errorf("insert at %d: %w", in.Pos, ErrEmptyEdit)
		}
		if !utf8.ValidString(in.Text) {
			return Operation{}, fmt.Errorf("insert at %d: %w: text is not valid UTF-8", in.Pos, ErrInvalidOperation)
		}
		if in.Pos < 0 || in.Pos > s.seq.visible {
			return Operation{}, &RangeError{Pos: in.Pos, Visible: s.seq.visible}
		}
		parent := s.seq.head
		if in.Pos > 0 {
			parent = s.seq.at(in.Pos - 1)
		}
		op.Kind = OpInsert
		op.Parent = parent.id
		op.Text = in.Text

	case Delete:
		spans, err := s.targetSpans(in.Pos, in.Len)
		if err != nil {
			return Operation{}, err
		}
		op.Kind = OpDelete
		op.Targets = spans

	case Format:
		if in.Key == "" {
			return Operation{}, fmt.Errorf("format without key: %w", ErrEmptyEdit)
		}
		spans, err := s.targetSpans(in.Pos, in.Len)
		if err != nil {
			return Operation{}, err
		}
		op.Kind = OpFormat
		op.Targets = spans
		op.Key = in.Key
		op.Value = in.Value

	default:
		return Operation{}, fmt.Errorf("unsupported intent %T", in)
	}

	op.Deps = foreignDeps(s.replica, op.references())
	return op, nil
}

// targetSpans collects the IDs of n visible elements from pos, coalesced
// into spans.
func (s *Store) targetSpans(pos, n int) ([]Span, error) {
	if n == 0 {
		return nil, fmt.Errorf("range at %d: %w", pos, ErrEmptyEdit)
	}
	if pos < 0 || n < 0 || pos+n > s.seq.visible {
		return nil, &RangeError{Pos: pos, Len: n, Visible: s.seq.visible}
	}
	var spans []Span
	e := s.seq.at(pos)
	for taken := 0; taken < n; e = e.next {
		if e.deleted {
			continue
		}
		if k := len(spans) - 1; k >= 0 && spans[k].Replica == e.id.Replica && spans[k].Last()+1 == e.id.Clock {
			spans[k].Len++
		} else {
			spans = append(spans, Span{Replica: e.id.Replica, Clock: e.id.Clock, Len: 1})
		}
		taken++
	}
	return spans, nil
}

// foreignDeps keeps the highest referenced clock per foreign replica.
func foreignDeps(self ReplicaID, refs []ID) []ID {
	top := make(map[ReplicaID]uint64)
	for _, ref := range refs {
		if ref.IsHead() || ref.Replica == self {
			continue
		}
		if ref.Clock > top[ref.Replica] {
			top[ref.Replica] = ref.Clock
		}
	}
	if len(top) == 0 {
		return nil
	}
	deps := make([]ID, 0, len(top))
	for r, c := range top {
		deps = append(deps, ID{Replica: r, Clock: c})
	}
	sort.Slice(deps, func(i, j int) bool { return deps[i].Replica < deps[j].Replica })
	return deps
}

// Merge integrates remote operations and returns how many were applied,
// including previously buffered operations they released.
func (s *Store) Merge(ops []Operation) (int, error) {
	applied, err := s.Integrate(ops)
	return len(applied), err
}

// Integrate is Merge returning the operations actually applied, in apply
// order. Trimmed runs appear as their applied suffix. A structurally invalid
// operation rejects the whole batch.
func (s *Store) Integrate(ops []Operation) ([]Operation, error) {
	for _, op := range ops {
		if err := op.Validate(); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	for _, op := range ops {
		if op.LastClock() <= s.vector.Get(op.ID.Replica) {
			continue
		}
		s.pending.add(op, now)
	}

	applied, delta := s.drain()
	if len(applied) > 0 {
		s.notify(Change{Origin: OriginRemote, Ops: applied, Delta: delta})
	}
	if n := s.pending.len(); n > 0 {
		s.logger.Debug("ops buffered", "replica", s.replica, "pending", n)
	}
	return applied, nil
}

// drain applies every buffered operation that is ready, repeating until a
// pass makes no progress.
func (s *Store) drain() ([]Operation, []Delta) {
	var applied []Operation
	var delta []Delta
	for {
		progressed := false
		for _, p := range s.pending.sorted() {
			op := p.op
			have := s.vector.Get(op.ID.Replica)
			if op.LastClock() <= have {
				s.pending.remove(op.ID)
				continue
			}
			if !s.ready(op) {
				continue
			}
			s.pending.remove(op.ID)
			if op.ID.Clock <= have {
				op = op.sliceFrom(have + 1)
			}
			delta = append(delta, s.apply(op)...)
			applied = append(applied, op)
			progressed = true
		}
		if !progressed {
			return applied, delta
		}
	}
}

func (s *Store) ready(op Operation) bool {
	if op.ID.Clock > s.vector.Get(op.ID.Replica)+1 {
		return false
	}
	for _, ref := range op.references() {
		if !s.vector.Covers(ref) {
			return false
		}
	}
	return true
}

// apply integrates a ready operation and returns its visible delta.
func (s *Store) apply(op Operation) []Delta {
	var delta []Delta
	switch op.Kind {
	case OpInsert:
		delta = s.applyInsert(op)
	case OpDelete:
		delta = s.applyDelete(op)
	case OpFormat:
		delta = s.applyFormat(op)
	}
	s.vector[op.ID.Replica] = op.LastClock()
	if last := op.Lamport + op.Len() - 1; last > s.lamport {
		s.lamport = last
	}
	s.history.append(op)
	return delta
}

func (s *Store) applyInsert(op Operation) []Delta {
	parent, ok := s.seq.lookup(op.Parent)
	if !ok {
		// Covered by the vector but neither live nor redirected: the parent
		// was never an element. Anchor at the head so replicas still agree.
		s.logger.Warn("insert parent not found", "replica", s.replica, "op", op.String())
		parent = s.seq.head
	}
	index := -1
	prev := parent
	for i, r := range []rune(op.Text) {
		e := &element{
			id:      ID{Replica: op.ID.Replica, Clock: op.ID.Clock + uint64(i)},
			lamport: op.Lamport + uint64(i),
			value:   r,
			parent:  prev.id,
		}
		s.seq.integrate(prev, e)
		if i == 0 {
			index = s.seq.indexOf(e)
		}
		prev = e
	}
	return []Delta{{Kind: DeltaInsert, Index: index, Text: op.Text}}
}

func targetSet(spans []Span) map[ID]struct{} {
	set := make(map[ID]struct{})
	for _, sp := range spans {
		for c := sp.Clock; c <= sp.Last(); c++ {
			set[ID{Replica: sp.Replica, Clock: c}] = struct{}{}
		}
	}
	return set
}

func (s *Store) applyDelete(op Operation) []Delta {
	targets := targetSet(op.Targets)
	var delta []Delta
	pos := 0
	for e := s.seq.head.next; e != nil && len(targets) > 0; e = e.next {
		_, hit := targets[e.id]
		if hit {
			delete(targets, e.id)
		}
		if e.deleted {
			continue
		}
		if hit {
			e.deleted = true
			e.deletedBy = op.ID
			s.seq.visible--
			delta = appendDelete(delta, pos)
			continue
		}
		pos++
	}
	return delta
}

func (s *Store) applyFormat(op Operation) []Delta {
	targets := targetSet(op.Targets)
	st := stamp{value: op.Value, lamport: op.Lamport, replica: op.ID.Replica}
	var delta []Delta
	pos := 0
	for e := s.seq.head.next; e != nil && len(targets) > 0; e = e.next {
		if _, hit := targets[e.id]; hit {
			delete(targets, e.id)
			if e.setAttr(op.Key, st) && !e.deleted {
				delta = appendFormat(delta, pos, op.Key, op.Value)
			}
		}
		if !e.deleted {
			pos++
		}
	}
	return delta
}

func (s *Store) notify(c Change) {
	for sub := range s.subs {
		sub.deliver(c)
	}
}

// Subscribe returns a change stream with the given buffer size.
func (s *Store) Subscribe(buffer int) *Subscription {
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan Change, buffer)
	sub := &Subscription{C: ch, ch: ch, store: s}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	return sub
}

// Snapshot returns the visible text.
func (s *Store) Snapshot() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq.text()
}

// Len returns the number of visible runes.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq.visible
}

// Segment is a run of visible text sharing the same attributes.
type Segment struct {
	Text  string            `json:"text"`
	Attrs map[string]string `json:"attrs,omitempty"`
}

// Content returns the visible text split into attribute runs.
func (s *Store) Content() []Segment {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Segment
	var runes []rune
	var attrs map[string]string
	flush := func() {
		if len(runes) > 0 {
			out = append(out, Segment{Text: string(runes), Attrs: attrs})
		}
		runes = nil
	}
	for e := s.seq.head.next; e != nil; e = e.next {
		if e.deleted {
			continue
		}
		a := e.attributes()
		if len(runes) > 0 && !sameAttrs(a, attrs) {
			flush()
		}
		if len(runes) == 0 {
			attrs = a
		}
		runes = append(runes, e.value)
	}
	flush()
	return out
}

func sameAttrs(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if bv, ok := b[k]; !ok || bv != v {
			return false
		}
	}
	return true
}

// StateVector returns a copy of the local state vector.
func (s *Store) StateVector() StateVector {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vector.Clone()
}

// Diff returns the operations remote is missing, ordered so they apply
// without buffering.
func (s *Store) Diff(remote StateVector) []Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.diff(remote)
}

// History returns every applied operation in canonical order.
func (s *Store) History() []Operation {
	return s.Diff(nil)
}

// Pending returns the buffered operations in canonical order.
func (s *Store) Pending() []Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.pending.sorted()
	out := make([]Operation, len(entries))
	for i, e := range entries {
		out[i] = e.op
	}
	return out
}

// Stalled returns the buffered operations that have waited longer than
// window, and the IDs they are still waiting for.
func (s *Store) Stalled(now time.Time, window time.Duration) ([]Operation, []ID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stalled []Operation
	missing := make(map[ID]struct{})
	for _, e := range s.pending.sorted() {
		if now.Sub(e.since) < window {
			continue
		}
		stalled = append(stalled, e.op)
		if have := s.vector.Get(e.op.ID.Replica); e.op.ID.Clock > have+1 {
			missing[ID{Replica: e.op.ID.Replica, Clock: have + 1}] = struct{}{}
		}
		for _, ref := range e.op.references() {
			if !s.vector.Covers(ref) {
				missing[ref] = struct{}{}
			}
		}
	}
	ids := make([]ID, 0, len(missing))
	for id := range missing {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].Replica != ids[j].Replica {
			return ids[i].Replica < ids[j].Replica
		}
		return ids[i].Clock < ids[j].Clock
	})
	return stalled, ids
}

// Lamport returns the highest Lamport timestamp seen.
func (s *Store) Lamport() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lamport
}
