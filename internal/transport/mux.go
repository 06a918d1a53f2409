package transport

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
)

const (
	// DefaultQueueSize is the per-connection send queue length.
	DefaultQueueSize = 256

	// DefaultWriteTimeout bounds a single Channel.Send.
	DefaultWriteTimeout = 10 * time.Second
)

// MuxOption configures a Mux.
type MuxOption func(*Mux)

// WithQueueSize sets the per-connection send queue length.
func WithQueueSize(n int) MuxOption {
	return func(m *Mux) {
		if n > 0 {
			m.queueSize = n
		}
	}
}

// WithWriteTimeout bounds each Channel.Send.
func WithWriteTimeout(d time.Duration) MuxOption {
	return func(m *Mux) {
		if d > 0 {
			m.writeTimeout = d
		}
	}
}

// WithFanout sets the broadcast policy.
func WithFanout(p FanoutPolicy) MuxOption {
	return func(m *Mux) { m.policy = p }
}

// WithMuxLogger sets the logger.
func WithMuxLogger(l *slog.Logger) MuxOption {
	return func(m *Mux) { m.logger = l }
}

// Mux is the set of open connections of one replica.
type Mux struct {
	mu     sync.RWMutex
	conns  map[ConnID]*Conn
	nextID ConnID
	closed bool

	queueSize    int
	writeTimeout time.Duration
	policy       FanoutPolicy
	logger       *slog.Logger
}

// NewMux creates an empty Mux.
func NewMux(opts ...MuxOption) *Mux {
	m := &Mux{
		conns:        make(map[ConnID]*Conn),
		queueSize:    DefaultQueueSize,
		writeTimeout: DefaultWriteTimeout,
		policy:       FanoutAll,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Policy returns the broadcast policy.
func (m *Mux) Policy() FanoutPolicy {
	return m.policy
}

// Add attaches ch as a new Conn and starts its writer. On a closed Mux the
// channel is closed and ErrClosed returned.
func (m *Mux) Add(ch Channel) (*Conn, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = ch.Close()
		return nil, ErrClosed
	}
	m.nextID++
	c := newConn(m.nextID, ch, m)
	m.conns[c.id] = c
	m.mu.Unlock()

	go c.writeLoop()
	m.logger.Debug("connection added", "conn", c.id, "kind", ch.Kind().String())
	return c, nil
}

// Remove closes and detaches a connection.
func (m *Mux) Remove(id ConnID) error {
	m.mu.RLock()
	c, ok := m.conns[id]
	m.mu.RUnlock()
	if !ok {
		return ErrClosed
	}
	return c.Close()
}

func (m *Mux) forget(c *Conn) {
	m.mu.Lock()
	delete(m.conns, c.id)
	m.mu.Unlock()
	m.logger.Debug("connection removed", "conn", c.id, "kind", c.Kind().String())
}

// Conn returns an open connection by ID.
func (m *Mux) Conn(id ConnID) (*Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[id]
	return c, ok
}

// Conns returns the open connections in ID order.
func (m *Mux) Conns() []*Conn {
	m.mu.RLock()
	out := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Count returns the number of open connections of kind.
func (m *Mux) Count(kind Kind) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, c := range m.conns {
		if c.Kind() == kind && !c.Closed() {
			n++
		}
	}
	return n
}

// Healthy reports whether at least one connection of kind is open.
func (m *Mux) Healthy(kind Kind) bool {
	return m.Count(kind) > 0
}

// Send queues msg on one connection.
func (m *Mux) Send(id ConnID, msg []byte) error {
	c, ok := m.Conn(id)
	if !ok {
		return ErrClosed
	}
	return c.Send(msg)
}

// Broadcast queues msg on every connection except exclude, subject to the
// fan-out policy, and returns how many connections accepted it. Pass 0 to
// exclude nothing.
func (m *Mux) Broadcast(msg []byte, exclude ConnID) int {
	return m.BroadcastFunc(msg, func(c *Conn) bool { return c.id != exclude })
}

// BroadcastFunc is Broadcast restricted to the connections include accepts.
func (m *Mux) BroadcastFunc(msg []byte, include func(*Conn) bool) int {
	conns := m.Conns()
	skipRelay := m.policy == PreferMesh && m.Healthy(KindMesh)

	sent := 0
	for _, c := range conns {
		if (skipRelay && c.Kind() == KindRelay) || !include(c) {
			continue
		}
		if err := c.Send(msg); err != nil {
			m.logger.Debug("broadcast skipped connection", "conn", c.id, "error", err)
			continue
		}
		sent++
	}
	return sent
}

// Close closes every connection. Queued sends are abandoned.
func (m *Mux) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	var err error
	for _, c := range m.Conns() {
		err = multierr.Append(err, c.Close())
	}
	return err
}
