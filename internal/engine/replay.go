package engine

import (
	"fmt"

	"github.com/roach88/collab/internal/crdt"
)

// ReplayResult reports a determinism check over recorded operations.
type ReplayResult struct {
	Ops      int              `json:"ops"`
	Applied  int              `json:"applied"`
	Pending  int              `json:"pending"`
	Text     string           `json:"text"`
	Vector   crdt.StateVector `json:"vector"`
	Matching bool             `json:"matching"`
	// Reverse is the text rebuilt from the reversed operation order. Equal
	// to Text when Matching is true.
	Reverse string `json:"reverse,omitempty"`
}

// Replay rebuilds a document from ops in the order given.
func Replay(replica crdt.ReplicaID, ops []crdt.Operation) (*crdt.Store, int, error) {
	doc := crdt.New(replica)
	applied := 0
	for i, op := range ops {
		n, err := doc.Merge([]crdt.Operation{op})
		if err != nil {
			return nil, applied, fmt.Errorf("replay op %d (%s): %w", i, op.ID, err)
		}
		applied += n
	}
	return doc, applied, nil
}

// VerifyReplay rebuilds the document twice, once in recorded order and
// once in reverse, and reports whether both runs converge. Causal
// buffering makes the reverse run valid even though every operation
// arrives before its predecessors.
func VerifyReplay(ops []crdt.Operation) (ReplayResult, error) {
	forward, applied, err := Replay("replay", ops)
	if err != nil {
		return ReplayResult{}, err
	}

	reversed := make([]crdt.Operation, len(ops))
	for i, op := range ops {
		reversed[len(ops)-1-i] = op
	}
	backward, _, err := Replay("replay", reversed)
	if err != nil {
		return ReplayResult{}, err
	}

	res := ReplayResult{
		Ops:     len(ops),
		Applied: applied,
		Pending: len(forward.Pending()),
		Text:    forward.Snapshot(),
		Vector:  forward.StateVector(),
	}
	res.Matching = res.Text == backward.Snapshot() &&
		res.Vector.Equal(backward.StateVector()) &&
		sameContent(forward.Content(), backward.Content())
	if !res.Matching {
		res.Reverse = backward.Snapshot()
	}
	return res, nil
}

func sameContent(a, b []crdt.Segment) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Text != b[i].Text || len(a[i].Attrs) != len(b[i].Attrs) {
			return false
		}
		for k, v := range a[i].Attrs {
			if b[i].Attrs[k] != v {
				return false
			}
		}
	}
	return true
}
