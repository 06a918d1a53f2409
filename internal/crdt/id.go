package crdt

import (
	"fmt"
	"sort"
	"strings"
)

// ReplicaID identifies one replica for the lifetime of a session.
type ReplicaID string

// ID identifies a single element or operation: the replica that created it
// and the replica-local clock value it was assigned.
type ID struct {
	Replica ReplicaID
	Clock   uint64
}

// HeadID is the virtual element before the first rune of every document.
var HeadID = ID{}

// IsHead reports whether id refers to the document head.
func (id ID) IsHead() bool {
	return id.Replica == "" && id.Clock == 0
}

func (id ID) String() string {
	if id.IsHead() {
		return "HEAD"
	}
	return fmt.Sprintf("%s:%d", id.Replica, id.Clock)
}

// Span is a range of consecutive clocks created by one replica.
type Span struct {
	Replica ReplicaID
	Clock   uint64
	Len     uint64
}

// Last returns the final clock covered by the span.
func (s Span) Last() uint64 {
	return s.Clock + s.Len - 1
}

// Contains reports whether id falls inside the span.
func (s Span) Contains(id ID) bool {
	return id.Replica == s.Replica && id.Clock >= s.Clock && id.Clock <= s.Last()
}

func (s Span) String() string {
	return fmt.Sprintf("%s:%d+%d", s.Replica, s.Clock, s.Len)
}

// StateVector maps each replica to the highest clock known locally.
//
// Clocks are delivered contiguously per replica, so an ID is known exactly
// when its clock is at or below the vector entry for its replica.
type StateVector map[ReplicaID]uint64

// Get returns the clock for r, zero when r is unknown.
func (v StateVector) Get(r ReplicaID) uint64 {
	return v[r]
}

// Covers reports whether the vector includes id.
func (v StateVector) Covers(id ID) bool {
	if id.IsHead() {
		return true
	}
	return id.Clock <= v[id.Replica]
}

// Clone returns an independent copy.
func (v StateVector) Clone() StateVector {
	out := make(StateVector, len(v))
	for r, c := range v {
		out[r] = c
	}
	return out
}

// Replicas returns the replica IDs in ascending order.
func (v StateVector) Replicas() []ReplicaID {
	out := make([]ReplicaID, 0, len(v))
	for r := range v {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Merge raises every entry of v to at least the matching entry of other.
// Entries never decrease.
func (v StateVector) Merge(other StateVector) {
	for r, c := range other {
		if c > v[r] {
			v[r] = c
		}
	}
}

// Equal reports whether both vectors hold the same non-zero entries.
func (v StateVector) Equal(other StateVector) bool {
	for r, c := range v {
		if c != 0 && other[r] != c {
			return false
		}
	}
	for r, c := range other {
		if c != 0 && v[r] != c {
			return false
		}
	}
	return true
}

// Dominates reports whether v includes everything other includes.
func (v StateVector) Dominates(other StateVector) bool {
	for r, c := range other {
		if v[r] < c {
			return false
		}
	}
	return true
}

func (v StateVector) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, r := range v.Replicas() {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s:%d", r, v[r])
	}
	b.WriteByte('}')
	return b.String()
}

// MinVector returns the element-wise minimum of vs. A replica missing from
// any vector counts as zero and is omitted from the result.
func MinVector(vs ...StateVector) StateVector {
	out := StateVector{}
	if len(vs) == 0 {
		return out
	}
	for r, c := range vs[0] {
		low := c
		for _, v := range vs[1:] {
			if v[r] < low {
				low = v[r]
			}
		}
		if low > 0 {
			out[r] = low
		}
	}
	return out
}
