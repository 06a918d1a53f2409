package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/collab/internal/crdt"
)

func localEvent(replica crdt.ReplicaID, clock uint64) event {
	return event{typ: eventLocal, ops: []crdt.Operation{{ID: crdt.ID{Replica: replica, Clock: clock}}}}
}

func TestEventQueue_FIFO(t *testing.T) {
	q := newEventQueue()
	for i := uint64(1); i <= 3; i++ {
		require.True(t, q.Enqueue(localEvent("A", i)))
	}

	for i := uint64(1); i <= 3; i++ {
		e, ok := q.TryDequeue()
		require.True(t, ok)
		assert.Equal(t, i, e.ops[0].ID.Clock)
	}
	_, ok := q.TryDequeue()
	assert.False(t, ok, "dequeue from empty queue should return false")
}

func TestEventQueue_WaitSignals(t *testing.T) {
	q := newEventQueue()
	q.Enqueue(localEvent("A", 1))
	q.Enqueue(localEvent("A", 2))

	select {
	case <-q.Wait():
	case <-time.After(100 * time.Millisecond):
		t.Fatal("no signal after enqueue")
	}
	// Signals coalesce.
	select {
	case <-q.Wait():
		t.Fatal("second signal")
	default:
	}
	assert.Equal(t, 2, q.Len())
}

func TestEventQueue_Close(t *testing.T) {
	q := newEventQueue()
	q.Close()
	q.Close()

	assert.True(t, q.Closed())
	assert.False(t, q.Enqueue(localEvent("A", 1)), "enqueue after close should return false")
	select {
	case <-q.Wait():
	case <-time.After(100 * time.Millisecond):
		t.Fatal("close did not wake waiters")
	}
}

func TestEventQueue_ThreadSafe(t *testing.T) {
	q := newEventQueue()
	const producers = 10
	const perProducer = 100

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Enqueue(localEvent(crdt.ReplicaID(rune('A'+p)), uint64(i+1)))
			}
		}(p)
	}
	wg.Wait()

	last := make(map[crdt.ReplicaID]uint64)
	n := 0
	for {
		e, ok := q.TryDequeue()
		if !ok {
			break
		}
		id := e.ops[0].ID
		assert.Greater(t, id.Clock, last[id.Replica], "per-producer order kept")
		last[id.Replica] = id.Clock
		n++
	}
	assert.Equal(t, producers*perProducer, n)
}

func TestEventType_String(t *testing.T) {
	assert.Equal(t, "message", eventMessage.String())
	assert.Equal(t, "unknown", eventType(99).String())
}
