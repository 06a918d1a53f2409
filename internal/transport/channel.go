package transport

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by operations on a closed Conn, Channel or Mux.
	ErrClosed = errors.New("transport closed")

	// ErrQueueFull is returned when a Conn's send queue has no room.
	ErrQueueFull = errors.New("send queue full")
)

// Kind classifies a channel for fan-out decisions.
type Kind uint8

const (
	// KindMesh is a direct peer-to-peer channel.
	KindMesh Kind = iota + 1
	// KindRelay is a channel through a server that forwards to other peers.
	KindRelay
)

func (k Kind) String() string {
	switch k {
	case KindMesh:
		return "mesh"
	case KindRelay:
		return "relay"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Channel is one message pipe. Send and Receive are each called from a
// single goroutine; Close may be called from any goroutine and unblocks
// both.
type Channel interface {
	Kind() Kind
	Send(ctx context.Context, msg []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// FanoutPolicy decides which connections a broadcast reaches.
type FanoutPolicy uint8

const (
	// FanoutAll sends to every open connection.
	FanoutAll FanoutPolicy = iota
	// PreferMesh skips relay connections while a mesh connection is open.
	PreferMesh
)

func (p FanoutPolicy) String() string {
	switch p {
	case FanoutAll:
		return "all"
	case PreferMesh:
		return "prefer_mesh"
	default:
		return fmt.Sprintf("FanoutPolicy(%d)", uint8(p))
	}
}

// ParseFanoutPolicy accepts "all" or "prefer_mesh".
func ParseFanoutPolicy(s string) (FanoutPolicy, error) {
	switch s {
	case "", "all":
		return FanoutAll, nil
	case "prefer_mesh":
		return PreferMesh, nil
	default:
		return FanoutAll, fmt.Errorf("unknown fanout policy %q", s)
	}
}
