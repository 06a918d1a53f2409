package crdt

import "sort"

// Placeholder replaces the text of compacted runes in history. The rune
// count, and therefore every ID range, is preserved.
const Placeholder = '�'

// history indexes applied operations per replica in clock order.
type history struct {
	byReplica map[ReplicaID][]Operation
	count     int
}

func newHistory() *history {
	return &history{byReplica: make(map[ReplicaID][]Operation)}
}

// append records op. Clocks arrive contiguously, so the slice stays sorted.
func (h *history) append(op Operation) {
	h.byReplica[op.ID.Replica] = append(h.byReplica[op.ID.Replica], op)
	h.count++
}

// find returns the index of the operation that occupies clock c, or -1.
func (h *history) find(r ReplicaID, c uint64) int {
	ops := h.byReplica[r]
	i := sort.Search(len(ops), func(i int) bool { return ops[i].LastClock() >= c })
	if i == len(ops) || ops[i].ID.Clock > c {
		return -1
	}
	return i
}

// diff returns every operation not covered by remote, with a partially
// covered insert sliced to its unknown suffix.
func (h *history) diff(remote StateVector) []Operation {
	var out []Operation
	for r, ops := range h.byReplica {
		have := remote.Get(r)
		if len(ops) == 0 || ops[len(ops)-1].LastClock() <= have {
			continue
		}
		i := 0
		if have > 0 {
			i = h.find(r, have+1)
			if i < 0 {
				continue
			}
		}
		first := ops[i]
		if first.ID.Clock <= have {
			first = first.sliceFrom(have + 1)
		}
		out = append(out, first)
		out = append(out, ops[i+1:]...)
	}
	SortOps(out)
	return out
}

// scrub replaces the payload of the rune at id with Placeholder.
func (h *history) scrub(id ID) {
	i := h.find(id.Replica, id.Clock)
	if i < 0 {
		return
	}
	op := &h.byReplica[id.Replica][i]
	if op.Kind != OpInsert {
		return
	}
	runes := []rune(op.Text)
	runes[id.Clock-op.ID.Clock] = Placeholder
	op.Text = string(runes)
}

// SortOps orders operations by (Lamport, Replica, Clock). Any causal
// predecessor has a strictly lower Lamport timestamp, so the result can be
// merged without buffering.
func SortOps(ops []Operation) {
	sort.SliceStable(ops, func(i, j int) bool { return opLess(ops[i], ops[j]) })
}

func opLess(a, b Operation) bool {
	if a.Lamport != b.Lamport {
		return a.Lamport < b.Lamport
	}
	if a.ID.Replica != b.ID.Replica {
		return a.ID.Replica < b.ID.Replica
	}
	return a.ID.Clock < b.ID.Clock
}
