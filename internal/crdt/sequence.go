package crdt

import "strings"

// stamp is a last-writer-wins attribute value.
type stamp struct {
	value   string
	lamport uint64
	replica ReplicaID
}

// beats reports whether s wins over o. Higher Lamport wins; ties go to the
// higher replica ID.
func (s stamp) beats(o stamp) bool {
	if s.lamport != o.lamport {
		return s.lamport > o.lamport
	}
	return s.replica > o.replica
}

// element is one rune of the document, visible or tombstoned.
type element struct {
	id        ID
	lamport   uint64
	value     rune
	parent    ID
	deleted   bool
	deletedBy ID
	children  int
	attrs     map[string]stamp

	prev, next *element
}

// before reports whether a sorts before b among elements that share a
// parent: descending Lamport, ties broken by ascending replica ID.
func (a *element) before(b *element) bool {
	if a.lamport != b.lamport {
		return a.lamport > b.lamport
	}
	return a.id.Replica < b.id.Replica
}

// setAttr applies st to key if it wins and reports whether the effective
// value changed.
func (a *element) setAttr(key string, st stamp) bool {
	cur, ok := a.attrs[key]
	if ok && !st.beats(cur) {
		return false
	}
	if a.attrs == nil {
		a.attrs = make(map[string]stamp)
	}
	a.attrs[key] = st
	return cur.value != st.value
}

// attributes returns the non-empty attribute values.
func (a *element) attributes() map[string]string {
	var out map[string]string
	for k, st := range a.attrs {
		if st.value == "" {
			continue
		}
		if out == nil {
			out = make(map[string]string)
		}
		out[k] = st.value
	}
	return out
}

// sequence is the linked RGA list in document order, starting at a head
// sentinel.
type sequence struct {
	head    *element
	byID    map[ID]*element
	visible int

	// redirects maps collected tombstones to the element that preceded
	// them when they were unlinked.
	redirects map[ID]ID
}

func newSequence() *sequence {
	return &sequence{
		head:      &element{id: HeadID},
		byID:      make(map[ID]*element),
		redirects: make(map[ID]ID),
	}
}

// lookup resolves id to a live element, following redirects left by
// compaction.
func (s *sequence) lookup(id ID) (*element, bool) {
	for {
		if id.IsHead() {
			return s.head, true
		}
		if e, ok := s.byID[id]; ok {
			return e, true
		}
		next, ok := s.redirects[id]
		if !ok {
			return nil, false
		}
		id = next
	}
}

// integrate links e into the list after parent. Starting right of parent it
// skips every element that sorts before e; those are higher-priority
// siblings of e and their descendants.
func (s *sequence) integrate(parent, e *element) {
	left := parent
	for left.next != nil && left.next.before(e) {
		left = left.next
	}
	e.prev = left
	e.next = left.next
	if left.next != nil {
		left.next.prev = e
	}
	left.next = e
	parent.children++
	s.byID[e.id] = e
	s.visible++
}

// unlink removes a tombstone from the list.
func (s *sequence) unlink(e *element) {
	if parent, ok := s.lookup(e.parent); ok && parent.children > 0 {
		parent.children--
	}
	e.prev.next = e.next
	if e.next != nil {
		e.next.prev = e.prev
	}
	delete(s.byID, e.id)
	s.redirects[e.id] = e.prev.id
	e.prev, e.next = nil, nil
}

// at returns the visible element at index pos, or nil.
func (s *sequence) at(pos int) *element {
	if pos < 0 {
		return nil
	}
	i := 0
	for e := s.head.next; e != nil; e = e.next {
		if e.deleted {
			continue
		}
		if i == pos {
			return e
		}
		i++
	}
	return nil
}

// indexOf returns the number of visible elements before target.
func (s *sequence) indexOf(target *element) int {
	i := 0
	for e := s.head.next; e != nil && e != target; e = e.next {
		if !e.deleted {
			i++
		}
	}
	return i
}

func (s *sequence) text() string {
	var b strings.Builder
	b.Grow(s.visible)
	for e := s.head.next; e != nil; e = e.next {
		if !e.deleted {
			b.WriteRune(e.value)
		}
	}
	return b.String()
}

// elements returns every element, tombstones included, in document order.
func (s *sequence) elements() []*element {
	out := make([]*element, 0, len(s.byID))
	for e := s.head.next; e != nil; e = e.next {
		out = append(out, e)
	}
	return out
}
