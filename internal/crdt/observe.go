package crdt

import "sync/atomic"

// Origin says where a Change came from.
type Origin uint8

const (
	OriginLocal Origin = iota + 1
	OriginRemote
)

func (o Origin) String() string {
	switch o {
	case OriginLocal:
		return "local"
	case OriginRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// DeltaKind distinguishes Delta entries.
type DeltaKind uint8

const (
	DeltaInsert DeltaKind = iota + 1
	DeltaDelete
	DeltaFormat
)

func (k DeltaKind) String() string {
	switch k {
	case DeltaInsert:
		return "insert"
	case DeltaDelete:
		return "delete"
	case DeltaFormat:
		return "format"
	default:
		return "unknown"
	}
}

// Delta is one visible-index edit. Deltas in a Change apply in order, each
// against the text produced by the ones before it.
type Delta struct {
	Kind  DeltaKind
	Index int
	Len   int    // delete, format
	Text  string // insert
	Key   string // format
	Value string // format
}

// Change is delivered to subscribers after every ApplyLocal or Merge that
// applied at least one operation.
type Change struct {
	Origin Origin
	Ops    []Operation
	Delta  []Delta
}

// Subscription is a change stream. Sends never block the store: when C is
// full the change is dropped and Dropped grows. A subscriber that falls
// behind resyncs from Snapshot.
type Subscription struct {
	C <-chan Change

	ch      chan Change
	dropped atomic.Uint64
	store   *Store
}

// Dropped returns the number of changes that did not fit in the buffer.
func (sub *Subscription) Dropped() uint64 {
	return sub.dropped.Load()
}

// Close detaches the subscription and closes C. Safe to call twice.
func (sub *Subscription) Close() {
	s := sub.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[sub]; !ok {
		return
	}
	delete(s.subs, sub)
	close(sub.ch)
}

func (sub *Subscription) deliver(c Change) {
	select {
	case sub.ch <- c:
	default:
		sub.dropped.Add(1)
	}
}

func appendDelete(out []Delta, pos int) []Delta {
	if n := len(out); n > 0 && out[n-1].Kind == DeltaDelete && out[n-1].Index == pos {
		out[n-1].Len++
		return out
	}
	return append(out, Delta{Kind: DeltaDelete, Index: pos, Len: 1})
}

func appendFormat(out []Delta, pos int, key, value string) []Delta {
	if n := len(out); n > 0 {
		last := &out[n-1]
		if last.Kind == DeltaFormat && last.Key == key && last.Value == value && last.Index+last.Len == pos {
			last.Len++
			return out
		}
	}
	return append(out, Delta{Kind: DeltaFormat, Index: pos, Len: 1, Key: key, Value: value})
}
