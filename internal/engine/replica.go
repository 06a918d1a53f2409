package engine

import (
	"sync"

	"github.com/google/uuid"

	"github.com/roach88/collab/internal/crdt"
)

// ReplicaIDGenerator creates replica IDs for processes that are not
// configured with one.
type ReplicaIDGenerator interface {
	Generate() crdt.ReplicaID
}

// UUIDv7Generator generates time-sortable UUIDv7 replica IDs, so replicas
// started later sort after earlier ones when concurrent inserts tie.
type UUIDv7Generator struct{}

// Generate returns a new hyphenated UUIDv7.
func (UUIDv7Generator) Generate() crdt.ReplicaID {
	return crdt.ReplicaID(uuid.Must(uuid.NewV7()).String())
}

// FixedGenerator returns predetermined replica IDs for tests. It panics
// once the list is exhausted.
type FixedGenerator struct {
	mu  sync.Mutex
	ids []crdt.ReplicaID
	idx int
}

// NewFixedGenerator creates a generator that returns ids in order.
func NewFixedGenerator(ids ...crdt.ReplicaID) *FixedGenerator {
	return &FixedGenerator{ids: ids}
}

func (g *FixedGenerator) Generate() crdt.ReplicaID {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.idx >= len(g.ids) {
		panic("FixedGenerator: all replica IDs exhausted")
	}
	id := g.ids[g.idx]
	g.idx++
	return id
}
