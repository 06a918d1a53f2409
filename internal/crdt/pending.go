package crdt

import (
	"sort"
	"time"
)

type pendingOp struct {
	op    Operation
	since time.Time
}

// pendingSet buffers operations that arrived before their dependencies.
type pendingSet struct {
	ops map[ID]pendingOp
}

func newPendingSet() *pendingSet {
	return &pendingSet{ops: make(map[ID]pendingOp)}
}

// add buffers op. A duplicate keeps the longer run and the earliest arrival.
func (p *pendingSet) add(op Operation, now time.Time) {
	if cur, ok := p.ops[op.ID]; ok {
		if op.Len() > cur.op.Len() {
			cur.op = op
			p.ops[op.ID] = cur
		}
		return
	}
	p.ops[op.ID] = pendingOp{op: op, since: now}
}

func (p *pendingSet) remove(id ID) {
	delete(p.ops, id)
}

func (p *pendingSet) len() int {
	return len(p.ops)
}

// sorted returns the buffered entries in (Lamport, Replica, Clock) order.
func (p *pendingSet) sorted() []pendingOp {
	out := make([]pendingOp, 0, len(p.ops))
	for _, e := range p.ops {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return opLess(out[i].op, out[j].op) })
	return out
}
