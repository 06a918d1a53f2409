package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedial_RetriesAndReattaches(t *testing.T) {
	m := NewMux()
	defer m.Close()

	var attempts atomic.Int32
	var mu sync.Mutex
	var remotes []Channel
	dial := func(ctx context.Context) (Channel, error) {
		if attempts.Add(1) <= 2 {
			return nil, errors.New("refused")
		}
		local, remote := Pipe(KindRelay)
		mu.Lock()
		remotes = append(remotes, remote)
		mu.Unlock()
		return local, nil
	}

	connected := make(chan *Conn, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Redial(ctx, m, dial, RedialConfig{
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
			OnConnect:       func(c *Conn) { connected <- c },
		})
	}()

	first := <-connected
	assert.Equal(t, int32(3), attempts.Load())
	assert.Len(t, m.Conns(), 1)

	// Losing the connection dials a fresh one.
	require.NoError(t, first.Close())
	second := <-connected
	assert.NotEqual(t, first.ID(), second.ID())
	assert.Equal(t, int32(4), attempts.Load())

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("redial did not stop")
	}
	assert.True(t, second.Closed())
}

func TestRedial_StopsWhileBackingOff(t *testing.T) {
	m := NewMux()
	defer m.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := Redial(ctx, m, func(context.Context) (Channel, error) {
		return nil, errors.New("down")
	}, RedialConfig{InitialInterval: time.Millisecond})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, m.Conns())
}

func TestRedial_DeadlineShorterThanInterval(t *testing.T) {
	m := NewMux()
	defer m.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := Redial(ctx, m, func(context.Context) (Channel, error) {
		return nil, errors.New("down")
	}, RedialConfig{InitialInterval: time.Second, MaxInterval: time.Second})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond, "returns when the deadline passes, not when backoff gives up")
}
