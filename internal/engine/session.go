package engine

import (
	"fmt"

	"github.com/roach88/collab/internal/crdt"
	"github.com/roach88/collab/internal/transport"
)

// State is a session's position in the sync handshake.
type State int

const (
	// Handshaking: SyncStep1 sent, nothing received yet.
	Handshaking State = iota + 1
	// Syncing: at least one sync step received.
	Syncing
	// Synced: the last step sent and the last step received were empty.
	Synced
	// Closed: the connection is gone. Terminal.
	Closed
)

func (s State) String() string {
	switch s {
	case Handshaking:
		return "handshaking"
	case Syncing:
		return "syncing"
	case Synced:
		return "synced"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// session is the per-connection negotiation state. Owned by the Run loop.
type session struct {
	conn  *transport.Conn
	state State

	// peer is what the remote side is known to hold: its last SyncStep1
	// vector raised by every operation it sent us. Nil until the first
	// SyncStep1 arrives.
	peer crdt.StateVector

	// replica is the peer's replica ID once its SyncStep1 named it.
	replica crdt.ReplicaID

	sentEmpty bool
	recvEmpty bool

	// carried holds the awareness replicas this connection delivered.
	carried map[crdt.ReplicaID]struct{}
}

func newSession(conn *transport.Conn) *session {
	return &session{
		conn:    conn,
		state:   Handshaking,
		carried: make(map[crdt.ReplicaID]struct{}),
	}
}

// live reports whether the session should receive Update broadcasts.
func (s *session) live() bool {
	return s.state == Syncing || s.state == Synced
}

// reset drops the session back to Handshaking.
func (s *session) reset() {
	s.state = Handshaking
	s.sentEmpty = false
	s.recvEmpty = false
}

// progress moves a handshaking session to Syncing and promotes it to
// Synced once both directions have gone quiet.
func (s *session) progress() {
	if s.state == Handshaking {
		s.state = Syncing
	}
	if s.state == Syncing && s.sentEmpty && s.recvEmpty {
		s.state = Synced
	}
}

// observe raises the peer vector by operations the peer sent.
func (s *session) observe(ops []crdt.Operation) {
	if s.peer == nil {
		return
	}
	for _, op := range ops {
		if last := op.LastClock(); last > s.peer[op.ID.Replica] {
			s.peer[op.ID.Replica] = last
		}
	}
}

// SessionInfo is a snapshot of one session.
type SessionInfo struct {
	Conn  transport.ConnID `json:"conn"`
	Kind  string           `json:"kind"`
	State State            `json:"-"`
	// StateName is State rendered for JSON output.
	StateName string           `json:"state"`
	Peer      crdt.StateVector `json:"peer,omitempty"`
}
