package engine

import (
	"github.com/roach88/collab/internal/codec"
	"github.com/roach88/collab/internal/crdt"
)

// ackTable records, per replica, the highest state vector that replica is
// known to hold. Rows only grow and outlive connections, so a replica that
// goes offline keeps holding back compaction until it reports again.
type ackTable struct {
	self crdt.ReplicaID
	rows map[crdt.ReplicaID]crdt.StateVector
}

func newAckTable(self crdt.ReplicaID) *ackTable {
	return &ackTable{self: self, rows: make(map[crdt.ReplicaID]crdt.StateVector)}
}

// ack raises replica's row to sv.
func (t *ackTable) ack(replica crdt.ReplicaID, sv crdt.StateVector) {
	if replica == t.self || replica == "" {
		return
	}
	row, ok := t.rows[replica]
	if !ok {
		row = crdt.StateVector{}
		t.rows[replica] = row
	}
	row.Merge(sv)
}

// learn merges the sender's vector and its table. It reports whether a
// replica was heard of for the first time.
func (t *ackTable) learn(m codec.SyncStep1) bool {
	before := len(t.rows)
	t.ack(m.From, m.StateVector)
	for r, sv := range m.Acks {
		t.ack(r, sv)
	}
	return len(t.rows) > before
}

// table returns a copy of every row plus own as this replica's row.
func (t *ackTable) table(own crdt.StateVector) map[crdt.ReplicaID]crdt.StateVector {
	out := make(map[crdt.ReplicaID]crdt.StateVector, len(t.rows)+1)
	for r, row := range t.rows {
		out[r] = row.Clone()
	}
	out[t.self] = own.Clone()
	return out
}

// floor returns what every known replica holds: the element-wise minimum
// of own and every row. Known replicas are those with a row, those named
// in any row and those in extra. It reports false when no other replica
// is known or one of them has never reported.
func (t *ackTable) floor(own crdt.StateVector, extra []crdt.ReplicaID) (crdt.StateVector, bool) {
	known := make(map[crdt.ReplicaID]struct{})
	for _, r := range extra {
		known[r] = struct{}{}
	}
	for r, row := range t.rows {
		known[r] = struct{}{}
		for named := range row {
			known[named] = struct{}{}
		}
	}
	delete(known, t.self)
	if len(known) == 0 {
		return nil, false
	}

	vs := []crdt.StateVector{own}
	for r := range known {
		row, ok := t.rows[r]
		if !ok {
			return nil, false
		}
		vs = append(vs, row)
	}
	return crdt.MinVector(vs...), true
}
