package testutil

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/roach88/collab/internal/codec"
	"github.com/roach88/collab/internal/crdt"
	"github.com/roach88/collab/internal/engine"
	"github.com/roach88/collab/internal/transport"
)

// settlePoll is how often Settle re-checks the replicas.
const settlePoll = 5 * time.Millisecond

// Node is one replica of a Network.
type Node struct {
	ID     crdt.ReplicaID
	Engine *engine.Engine
	Mux    *transport.Mux

	done chan error
}

// link is an unordered replica pair, lower ID first.
type link struct {
	a, b crdt.ReplicaID
}

func newLink(a, b crdt.ReplicaID) link {
	if b < a {
		a, b = b, a
	}
	return link{a: a, b: b}
}

// pipe holds the two Conns of one link, keyed by the replica owning each.
type pipe map[crdt.ReplicaID]*transport.Conn

// NetworkOption configures a Network.
type NetworkOption func(*Network)

// WithNetworkLogger sets the logger handed to every engine. Defaults to a
// discarding logger.
func WithNetworkLogger(l *slog.Logger) NetworkOption {
	return func(n *Network) { n.logger = l }
}

// WithNetworkClock sets the clock shared by every replica. Defaults to
// NewMockClock.
func WithNetworkClock(c clock.Clock) NetworkOption {
	return func(n *Network) { n.clock = c }
}

// WithStoreOptions adds Document Store options for every replica.
func WithStoreOptions(opts ...crdt.Option) NetworkOption {
	return func(n *Network) { n.storeOpts = append(n.storeOpts, opts...) }
}

// WithEngineOptions adds engine options for every replica.
func WithEngineOptions(opts ...engine.EngineOption) NetworkOption {
	return func(n *Network) { n.engineOpts = append(n.engineOpts, opts...) }
}

// Network runs a set of replicas in one process, joined by in-memory mesh
// pipes that tests connect and cut at will.
//
// Replicas start disconnected. Edits made before Connect are concurrent,
// which is how tests build deterministic interleavings: edit while
// partitioned, then connect and Settle.
//
// Thread-safety: all methods are safe for concurrent use.
type Network struct {
	mu    sync.Mutex
	nodes map[crdt.ReplicaID]*Node
	order []crdt.ReplicaID
	links map[link]pipe

	clock      clock.Clock
	logger     *slog.Logger
	storeOpts  []crdt.Option
	engineOpts []engine.EngineOption

	cancel context.CancelFunc
	closed bool
}

// NewNetwork starts one engine per replica ID.
func NewNetwork(ids []crdt.ReplicaID, opts ...NetworkOption) (*Network, error) {
	n := &Network{
		nodes:  make(map[crdt.ReplicaID]*Node, len(ids)),
		links:  make(map[link]pipe),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.clock == nil {
		n.clock = NewMockClock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel

	for _, id := range ids {
		if _, dup := n.nodes[id]; dup {
			cancel()
			return nil, fmt.Errorf("duplicate replica %q", id)
		}
		logger := n.logger.With("replica", string(id))

		storeOpts := append([]crdt.Option{crdt.WithClock(n.clock), crdt.WithLogger(logger)}, n.storeOpts...)
		engineOpts := append([]engine.EngineOption{
			engine.WithRoom("network"),
			engine.WithClock(n.clock),
			engine.WithLogger(logger),
		}, n.engineOpts...)

		m := transport.NewMux(transport.WithMuxLogger(logger))
		node := &Node{
			ID:     id,
			Engine: engine.New(crdt.New(id, storeOpts...), m, engineOpts...),
			Mux:    m,
			done:   make(chan error, 1),
		}
		go func() { node.done <- node.Engine.Run(ctx) }()

		n.nodes[id] = node
		n.order = append(n.order, id)
	}
	return n, nil
}

// Node returns the replica with id, or nil.
func (n *Network) Node(id crdt.ReplicaID) *Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nodes[id]
}

// Nodes returns every replica in creation order.
func (n *Network) Nodes() []*Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*Node, len(n.order))
	for i, id := range n.order {
		out[i] = n.nodes[id]
	}
	return out
}

// Connect joins a and b with a mesh pipe. Connecting a linked pair is a
// no-op.
func (n *Network) Connect(a, b crdt.ReplicaID) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if a == b {
		return fmt.Errorf("connect %s to itself", a)
	}
	na, nb := n.nodes[a], n.nodes[b]
	if na == nil || nb == nil {
		return fmt.Errorf("connect %s-%s: unknown replica", a, b)
	}
	l := newLink(a, b)
	if _, ok := n.links[l]; ok {
		return nil
	}

	ea, eb := transport.Pipe(transport.KindMesh)
	ca, err := na.Engine.Attach(ea)
	if err != nil {
		return fmt.Errorf("connect %s-%s: %w", a, b, err)
	}
	cb, err := nb.Engine.Attach(eb)
	if err != nil {
		_ = ca.Close()
		return fmt.Errorf("connect %s-%s: %w", a, b, err)
	}
	n.links[l] = pipe{a: ca, b: cb}
	return nil
}

// Disconnect cuts the pipe between a and b. Both engines see their
// connection close and end the session.
func (n *Network) Disconnect(a, b crdt.ReplicaID) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	l := newLink(a, b)
	p, ok := n.links[l]
	if !ok {
		return fmt.Errorf("disconnect %s-%s: not connected", a, b)
	}
	delete(n.links, l)

	var err error
	for _, conn := range p {
		err = multierr.Append(err, conn.Close())
	}
	return err
}

// Connected reports whether a and b share a pipe.
func (n *Network) Connected(a, b crdt.ReplicaID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.links[newLink(a, b)]
	return ok
}

// Components returns the replicas grouped by reachability, each group and
// the group list sorted by replica ID.
func (n *Network) Components() [][]crdt.ReplicaID {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.components()
}

func (n *Network) components() [][]crdt.ReplicaID {
	adj := make(map[crdt.ReplicaID][]crdt.ReplicaID)
	for l := range n.links {
		adj[l.a] = append(adj[l.a], l.b)
		adj[l.b] = append(adj[l.b], l.a)
	}

	ids := append([]crdt.ReplicaID(nil), n.order...)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	seen := make(map[crdt.ReplicaID]bool)
	var out [][]crdt.ReplicaID
	for _, start := range ids {
		if seen[start] {
			continue
		}
		var group []crdt.ReplicaID
		stack := []crdt.ReplicaID{start}
		seen[start] = true
		for len(stack) > 0 {
			id := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			group = append(group, id)
			for _, next := range adj[id] {
				if !seen[next] {
					seen[next] = true
					stack = append(stack, next)
				}
			}
		}
		sort.Slice(group, func(i, j int) bool { return group[i] < group[j] })
		out = append(out, group)
	}
	return out
}

// Settle waits until the network is quiet: every session is synced, no
// replica holds buffered operations, and replicas that reach each other
// agree on the document and on presence. Returns a description of the
// first disagreement if ctx ends first.
func (n *Network) Settle(ctx context.Context) error {
	ticker := time.NewTicker(settlePoll)
	defer ticker.Stop()

	for {
		reason := n.unsettled()
		if reason == "" {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("network did not settle: %s: %w", reason, ctx.Err())
		case <-ticker.C:
		}
	}
}

// unsettled returns why the network is not yet quiet, or "".
func (n *Network) unsettled() string {
	n.mu.Lock()
	defer n.mu.Unlock()

	degree := make(map[crdt.ReplicaID]int)
	for l := range n.links {
		degree[l.a]++
		degree[l.b]++
	}

	for _, id := range n.order {
		node := n.nodes[id]
		sessions := node.Engine.Sessions()
		if len(sessions) != degree[id] {
			return fmt.Sprintf("%s has %d sessions, want %d", id, len(sessions), degree[id])
		}
		for _, s := range sessions {
			if s.State != engine.Synced {
				return fmt.Sprintf("%s conn %d is %s", id, s.Conn, s.State)
			}
		}
		if p := len(node.Engine.Doc().Pending()); p > 0 {
			return fmt.Sprintf("%s buffers %d operations", id, p)
		}
	}

	for _, group := range n.components() {
		first := n.nodes[group[0]].Engine
		sv := first.Doc().StateVector()
		presence := presenceKey(first.Awareness().Updates())
		for _, id := range group[1:] {
			e := n.nodes[id].Engine
			if got := e.Doc().StateVector(); !got.Equal(sv) {
				return fmt.Sprintf("%s has vector %s, %s has %s", group[0], sv, id, got)
			}
			if got := presenceKey(e.Awareness().Updates()); got != presence {
				return fmt.Sprintf("%s sees presence [%s], %s sees [%s]", group[0], presence, id, got)
			}
		}
	}
	return ""
}

func presenceKey(updates []codec.AwarenessUpdate) string {
	parts := make([]string, len(updates))
	for i, u := range updates {
		parts[i] = fmt.Sprintf("%s:%d", u.Replica, u.Counter)
	}
	return strings.Join(parts, ",")
}

// Close stops every engine and closes its connections.
func (n *Network) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	nodes := make([]*Node, 0, len(n.order))
	for _, id := range n.order {
		nodes = append(nodes, n.nodes[id])
	}
	n.mu.Unlock()

	n.cancel()
	var err error
	for _, node := range nodes {
		<-node.done
		err = multierr.Append(err, node.Mux.Close())
	}
	return err
}
