package crdt

import (
	"fmt"
	"unicode/utf8"
)

// OpKind distinguishes operation kinds.
type OpKind uint8

const (
	// OpInsert inserts a run of runes after Parent.
	OpInsert OpKind = iota + 1
	// OpDelete tombstones every element in Targets.
	OpDelete
	// OpFormat sets attribute Key to Value on every element in Targets.
	// An empty Value clears the attribute.
	OpFormat
)

func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "insert"
	case OpDelete:
		return "delete"
	case OpFormat:
		return "format"
	default:
		return fmt.Sprintf("OpKind(%d)", uint8(k))
	}
}

// Operation is an atomic, immutable edit.
//
// ID is the origin of the operation. For inserts ID names the first rune;
// rune i of Text has clock ID.Clock+i and Lamport timestamp Lamport+i.
//
// Deps lists causal predecessors on other replicas: for every foreign
// replica the operation references, the highest referenced ID. Same-replica
// predecessors are implied by clock contiguity.
type Operation struct {
	ID      ID
	Lamport uint64
	Kind    OpKind

	// Insert
	Parent ID
	Text   string

	// Delete and Format
	Targets []Span

	// Format
	Key   string
	Value string

	Deps []ID
}

// Len returns the number of clocks the operation occupies.
func (op Operation) Len() uint64 {
	if op.Kind == OpInsert {
		return uint64(utf8.RuneCountInString(op.Text))
	}
	return 1
}

// LastClock returns the final clock the operation occupies.
func (op Operation) LastClock() uint64 {
	return op.ID.Clock + op.Len() - 1
}

// Validate checks structural invariants. It does not check causality.
func (op Operation) Validate() error {
	if op.ID.Replica == "" || op.ID.Clock == 0 {
		return fmt.Errorf("%w: missing origin %s", ErrInvalidOperation, op.ID)
	}
	if op.Lamport == 0 {
		return fmt.Errorf("%w: %s has zero lamport", ErrInvalidOperation, op.ID)
	}
	switch op.Kind {
	case OpInsert:
		if op.Text == "" {
			return fmt.Errorf("%w: %s inserts nothing", ErrInvalidOperation, op.ID)
		}
		if !utf8.ValidString(op.Text) {
			return fmt.Errorf("%w: %s text is not valid UTF-8", ErrInvalidOperation, op.ID)
		}
		if op.Parent.Replica == "" && op.Parent.Clock != 0 {
			return fmt.Errorf("%w: %s has parent without replica", ErrInvalidOperation, op.ID)
		}
		if op.Parent.Replica == op.ID.Replica && op.Parent.Clock >= op.ID.Clock {
			return fmt.Errorf("%w: %s parent %s is not a predecessor", ErrInvalidOperation, op.ID, op.Parent)
		}
	case OpDelete, OpFormat:
		if len(op.Targets) == 0 {
			return fmt.Errorf("%w: %s has no targets", ErrInvalidOperation, op.ID)
		}
		for _, sp := range op.Targets {
			if sp.Replica == "" || sp.Clock == 0 || sp.Len == 0 {
				return fmt.Errorf("%w: %s has empty target %s", ErrInvalidOperation, op.ID, sp)
			}
		}
		if op.Kind == OpFormat && op.Key == "" {
			return fmt.Errorf("%w: %s formats without a key", ErrInvalidOperation, op.ID)
		}
	default:
		return fmt.Errorf("%w: %s has unknown kind %d", ErrInvalidOperation, op.ID, op.Kind)
	}
	return nil
}

// sliceFrom returns the suffix of an insert run starting at clock from.
// The suffix's parent is the rune just before it, so it needs no Deps.
func (op Operation) sliceFrom(from uint64) Operation {
	if op.Kind != OpInsert || from <= op.ID.Clock {
		return op
	}
	offset := from - op.ID.Clock
	runes := []rune(op.Text)
	return Operation{
		ID:      ID{Replica: op.ID.Replica, Clock: from},
		Lamport: op.Lamport + offset,
		Kind:    OpInsert,
		Parent:  ID{Replica: op.ID.Replica, Clock: from - 1},
		Text:    string(runes[offset:]),
	}
}

// references returns every ID an operation needs before it can apply.
func (op Operation) references() []ID {
	var refs []ID
	switch op.Kind {
	case OpInsert:
		if !op.Parent.IsHead() {
			refs = append(refs, op.Parent)
		}
	case OpDelete, OpFormat:
		for _, sp := range op.Targets {
			refs = append(refs, ID{Replica: sp.Replica, Clock: sp.Last()})
		}
	}
	return append(refs, op.Deps...)
}

func (op Operation) String() string {
	switch op.Kind {
	case OpInsert:
		return fmt.Sprintf("insert(%s after %s %q)", op.ID, op.Parent, op.Text)
	case OpDelete:
		return fmt.Sprintf("delete(%s %v)", op.ID, op.Targets)
	case OpFormat:
		return fmt.Sprintf("format(%s %v %s=%q)", op.ID, op.Targets, op.Key, op.Value)
	default:
		return fmt.Sprintf("op(%s)", op.ID)
	}
}

// Intent describes a local edit in visible-index coordinates.
// Implemented by Insert, Delete and Format.
type Intent interface {
	intent()
}

// Insert inserts Text so that its first rune lands at visible index Pos.
type Insert struct {
	Pos  int
	Text string
}

// Delete removes Len visible runes starting at Pos.
type Delete struct {
	Pos int
	Len int
}

// Format sets Key to Value on Len visible runes starting at Pos.
type Format struct {
	Pos   int
	Len   int
	Key   string
	Value string
}

func (Insert) intent() {}
func (Delete) intent() {}
func (Format) intent() {}
