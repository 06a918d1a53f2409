package crdt

// Compact reclaims tombstones that every peer in acked has seen, both the
// element and its deletion. Only childless tombstones are unlinked, walking
// right to left so a run of tombstones collapses in one pass. References to
// a collected element resolve to the element that preceded it.
//
// Compact is a no-op under RetainAll and returns the number of elements
// collected.
func (s *Store) Compact(acked StateVector) int {
	if s.policy != CompactTombstones || len(acked) == 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	elems := s.seq.elements()
	collected := 0
	for i := len(elems) - 1; i >= 0; i-- {
		e := elems[i]
		if !e.deleted || e.children > 0 {
			continue
		}
		if !acked.Covers(e.id) || !acked.Covers(e.deletedBy) {
			continue
		}
		s.seq.unlink(e)
		s.history.scrub(e.id)
		collected++
	}
	if collected > 0 {
		s.logger.Debug("tombstones compacted", "replica", s.replica, "collected", collected)
	}
	return collected
}

// Tombstones returns the number of deleted elements still held.
func (s *Store) Tombstones() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seq.byID) - s.seq.visible
}
