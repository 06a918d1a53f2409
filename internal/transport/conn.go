package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ConnID identifies a Conn within one Mux. IDs are never reused.
type ConnID uint64

// Conn is a Channel attached to a Mux.
type Conn struct {
	id    ConnID
	ch    Channel
	mux   *Mux
	queue chan []byte
	done  chan struct{}

	writeTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
	dropped   atomic.Uint64

	mu    sync.Mutex
	cause error
}

func newConn(id ConnID, ch Channel, m *Mux) *Conn {
	return &Conn{
		id:           id,
		ch:           ch,
		mux:          m,
		queue:        make(chan []byte, m.queueSize),
		done:         make(chan struct{}),
		writeTimeout: m.writeTimeout,
	}
}

// ID returns the connection ID.
func (c *Conn) ID() ConnID {
	return c.id
}

// Kind returns the channel kind.
func (c *Conn) Kind() Kind {
	return c.ch.Kind()
}

// Done is closed when the connection closes.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that closed the connection, if any.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

// Dropped returns the number of messages rejected by a full queue.
func (c *Conn) Dropped() uint64 {
	return c.dropped.Load()
}

// Closed reports whether the connection has closed.
func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Send queues msg without blocking.
func (c *Conn) Send(msg []byte) error {
	if c.Closed() {
		return ErrClosed
	}
	select {
	case c.queue <- msg:
		return nil
	default:
		c.dropped.Add(1)
		return ErrQueueFull
	}
}

// Receive blocks for the next inbound message. A channel failure closes
// the connection.
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	msg, err := c.ch.Receive(ctx)
	if err != nil {
		if ctx.Err() == nil {
			c.fail(err)
		}
		return nil, err
	}
	return msg, nil
}

// Close closes the channel and abandons queued sends.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.closeErr = c.ch.Close()
		c.mux.forget(c)
	})
	return c.closeErr
}

func (c *Conn) fail(err error) {
	if err != nil && !errors.Is(err, ErrClosed) {
		c.mu.Lock()
		if c.cause == nil {
			c.cause = err
		}
		c.mu.Unlock()
	}
	_ = c.Close()
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.queue:
			ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
			err := c.ch.Send(ctx, msg)
			cancel()
			if err != nil {
				c.mux.logger.Debug("send failed, closing connection", "conn", c.id, "kind", c.Kind().String(), "error", err)
				c.fail(err)
				return
			}
		}
	}
}
