package codec

import (
	"sort"

	"github.com/roach88/collab/internal/crdt"
)

// EncodeStateVector encodes a state vector body: entry count, then
// (replica, clock) pairs in ascending replica order. Zero entries are
// skipped.
func EncodeStateVector(sv crdt.StateVector) []byte {
	w := &writer{}
	writeStateVector(w, sv)
	return w.buf
}

// DecodeStateVector decodes a body written by EncodeStateVector.
func DecodeStateVector(b []byte) (crdt.StateVector, error) {
	r := &reader{buf: b}
	sv := readStateVector(r)
	r.done()
	if r.err != nil {
		return nil, r.err
	}
	return sv, nil
}

func writeStateVector(w *writer, sv crdt.StateVector) {
	replicas := make([]crdt.ReplicaID, 0, len(sv))
	for _, rep := range sv.Replicas() {
		if sv[rep] > 0 {
			replicas = append(replicas, rep)
		}
	}
	w.uvarint(uint64(len(replicas)))
	for _, rep := range replicas {
		w.string(string(rep))
		w.uvarint(sv[rep])
	}
}

func readStateVector(r *reader) crdt.StateVector {
	n := r.count(2)
	sv := make(crdt.StateVector, n)
	for i := 0; i < n && r.err == nil; i++ {
		rep := crdt.ReplicaID(r.string())
		clock := r.uvarint()
		if r.err != nil {
			break
		}
		if rep == "" {
			r.fail(ErrMalformed, "empty replica in state vector")
			break
		}
		if _, dup := sv[rep]; dup {
			r.fail(ErrMalformed, "duplicate replica %s", rep)
			break
		}
		sv[rep] = clock
	}
	return sv
}

// writeAcks writes a per-replica table of state vectors in replica order.
func writeAcks(w *writer, acks map[crdt.ReplicaID]crdt.StateVector) {
	replicas := make([]crdt.ReplicaID, 0, len(acks))
	for rep := range acks {
		replicas = append(replicas, rep)
	}
	sort.Slice(replicas, func(i, j int) bool { return replicas[i] < replicas[j] })
	w.uvarint(uint64(len(replicas)))
	for _, rep := range replicas {
		w.string(string(rep))
		writeStateVector(w, acks[rep])
	}
}

func readAcks(r *reader) map[crdt.ReplicaID]crdt.StateVector {
	n := r.count(2)
	if r.err != nil || n == 0 {
		return nil
	}
	acks := make(map[crdt.ReplicaID]crdt.StateVector, n)
	for i := 0; i < n && r.err == nil; i++ {
		rep := crdt.ReplicaID(r.string())
		sv := readStateVector(r)
		if r.err != nil {
			break
		}
		if rep == "" {
			r.fail(ErrMalformed, "empty replica in acknowledgements")
			break
		}
		if _, dup := acks[rep]; dup {
			r.fail(ErrMalformed, "duplicate acknowledgement for %s", rep)
			break
		}
		acks[rep] = sv
	}
	return acks
}

// EncodeOps encodes an operation batch body.
//
// Layout: replica table (count, strings), operation count, then per
// operation: replica index, clock, lamport, kind and the kind's fields.
// Replica index 0 stands for the empty replica (the document head).
func EncodeOps(ops []crdt.Operation) []byte {
	w := &writer{}
	writeOps(w, ops)
	return w.buf
}

// DecodeOps decodes a body written by EncodeOps. Operations are not
// validated beyond their wire shape; the store does that on Merge.
func DecodeOps(b []byte) ([]crdt.Operation, error) {
	r := &reader{buf: b}
	ops := readOps(r)
	r.done()
	if r.err != nil {
		return nil, r.err
	}
	return ops, nil
}

type replicaTable struct {
	names []crdt.ReplicaID
	index map[crdt.ReplicaID]uint64
}

func newReplicaTable(ops []crdt.Operation) *replicaTable {
	seen := make(map[crdt.ReplicaID]struct{})
	add := func(r crdt.ReplicaID) {
		if r != "" {
			seen[r] = struct{}{}
		}
	}
	for _, op := range ops {
		add(op.ID.Replica)
		add(op.Parent.Replica)
		for _, sp := range op.Targets {
			add(sp.Replica)
		}
		for _, d := range op.Deps {
			add(d.Replica)
		}
	}
	t := &replicaTable{index: make(map[crdt.ReplicaID]uint64, len(seen))}
	for r := range seen {
		t.names = append(t.names, r)
	}
	sort.Slice(t.names, func(i, j int) bool { return t.names[i] < t.names[j] })
	for i, r := range t.names {
		t.index[r] = uint64(i + 1)
	}
	return t
}

func (t *replicaTable) ref(r crdt.ReplicaID) uint64 {
	return t.index[r]
}

func writeOps(w *writer, ops []crdt.Operation) {
	table := newReplicaTable(ops)
	w.uvarint(uint64(len(table.names)))
	for _, r := range table.names {
		w.string(string(r))
	}

	w.uvarint(uint64(len(ops)))
	for _, op := range ops {
		w.uvarint(table.ref(op.ID.Replica))
		w.uvarint(op.ID.Clock)
		w.uvarint(op.Lamport)
		w.byte(byte(op.Kind))
		switch op.Kind {
		case crdt.OpInsert:
			w.uvarint(table.ref(op.Parent.Replica))
			w.uvarint(op.Parent.Clock)
			w.string(op.Text)
		case crdt.OpDelete, crdt.OpFormat:
			w.uvarint(uint64(len(op.Targets)))
			for _, sp := range op.Targets {
				w.uvarint(table.ref(sp.Replica))
				w.uvarint(sp.Clock)
				w.uvarint(sp.Len)
			}
			if op.Kind == crdt.OpFormat {
				w.string(op.Key)
				w.string(op.Value)
			}
		}
		w.uvarint(uint64(len(op.Deps)))
		for _, d := range op.Deps {
			w.uvarint(table.ref(d.Replica))
			w.uvarint(d.Clock)
		}
	}
}

func readOps(r *reader) []crdt.Operation {
	n := r.count(1)
	names := make([]crdt.ReplicaID, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		name := r.string()
		if r.err == nil && name == "" {
			r.fail(ErrMalformed, "empty replica in table")
		}
		names = append(names, crdt.ReplicaID(name))
	}
	replica := func() crdt.ReplicaID {
		i := r.uvarint()
		if r.err != nil || i == 0 {
			return ""
		}
		if i > uint64(len(names)) {
			r.fail(ErrMalformed, "replica index %d out of table", i)
			return ""
		}
		return names[i-1]
	}

	count := r.count(5)
	ops := make([]crdt.Operation, 0, count)
	for i := 0; i < count && r.err == nil; i++ {
		var op crdt.Operation
		op.ID.Replica = replica()
		op.ID.Clock = r.uvarint()
		op.Lamport = r.uvarint()
		op.Kind = crdt.OpKind(r.byte())
		switch op.Kind {
		case crdt.OpInsert:
			op.Parent.Replica = replica()
			op.Parent.Clock = r.uvarint()
			op.Text = r.string()
		case crdt.OpDelete, crdt.OpFormat:
			spans := r.count(3)
			for j := 0; j < spans && r.err == nil; j++ {
				op.Targets = append(op.Targets, crdt.Span{
					Replica: replica(),
					Clock:   r.uvarint(),
					Len:     r.uvarint(),
				})
			}
			if op.Kind == crdt.OpFormat {
				op.Key = r.string()
				op.Value = r.string()
			}
		default:
			r.fail(ErrMalformed, "unknown operation kind %d", op.Kind)
		}
		deps := r.count(2)
		for j := 0; j < deps && r.err == nil; j++ {
			op.Deps = append(op.Deps, crdt.ID{Replica: replica(), Clock: r.uvarint()})
		}
		ops = append(ops, op)
	}
	return ops
}

// Missing returns, per replica, the clock range local holds and remote
// lacks, in ascending replica order.
func Missing(local, remote crdt.StateVector) []crdt.Span {
	var out []crdt.Span
	for _, rep := range local.Replicas() {
		have, want := remote.Get(rep), local[rep]
		if want > have {
			out = append(out, crdt.Span{Replica: rep, Clock: have + 1, Len: want - have})
		}
	}
	return out
}
