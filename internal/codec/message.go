package codec

import (
	"fmt"

	"github.com/roach88/collab/internal/crdt"
)

// Version is the format tag every message starts with.
const Version byte = 0x01

// MessageType identifies a message body.
type MessageType byte

const (
	TypeSyncStep1 MessageType = iota
	TypeSyncStep2
	TypeUpdate
	TypeAwarenessUpdate
	TypeAwarenessLeave
)

func (t MessageType) String() string {
	switch t {
	case TypeSyncStep1:
		return "sync_step1"
	case TypeSyncStep2:
		return "sync_step2"
	case TypeUpdate:
		return "update"
	case TypeAwarenessUpdate:
		return "awareness_update"
	case TypeAwarenessLeave:
		return "awareness_leave"
	default:
		return fmt.Sprintf("type(%d)", byte(t))
	}
}

// Message is one decoded wire message.
type Message interface {
	Type() MessageType
}

// SyncStep1 announces the sender's state vector and asks for what it lacks.
//
// From and Acks are optional. From names the sending replica. Acks is the
// last state vector the sender knows each replica to hold, itself
// included; peers collecting tombstones merge it into their own table.
type SyncStep1 struct {
	StateVector crdt.StateVector
	From        crdt.ReplicaID
	Acks        map[crdt.ReplicaID]crdt.StateVector
}

// SyncStep2 answers a SyncStep1 with the operations the asker is missing.
type SyncStep2 struct {
	Ops []crdt.Operation
}

// Update carries operations applied after the handshake.
type Update struct {
	Ops []crdt.Operation
}

// AwarenessUpdate carries one replica's presence. State is the JSON-encoded
// presence payload.
type AwarenessUpdate struct {
	Replica crdt.ReplicaID
	Counter uint64
	State   []byte
}

// AwarenessLeave announces that a replica left. Counter is the last
// counter the replica used.
type AwarenessLeave struct {
	Replica crdt.ReplicaID
	Counter uint64
}

func (SyncStep1) Type() MessageType       { return TypeSyncStep1 }
func (SyncStep2) Type() MessageType       { return TypeSyncStep2 }
func (Update) Type() MessageType          { return TypeUpdate }
func (AwarenessUpdate) Type() MessageType { return TypeAwarenessUpdate }
func (AwarenessLeave) Type() MessageType  { return TypeAwarenessLeave }

// Encode frames m for the wire.
func Encode(m Message) []byte {
	w := &writer{buf: make([]byte, 0, 64)}
	w.byte(Version)
	w.byte(byte(m.Type()))
	switch m := m.(type) {
	case SyncStep1:
		writeStateVector(w, m.StateVector)
		if m.From != "" || len(m.Acks) > 0 {
			w.string(string(m.From))
			writeAcks(w, m.Acks)
		}
	case SyncStep2:
		writeOps(w, m.Ops)
	case Update:
		writeOps(w, m.Ops)
	case AwarenessUpdate:
		w.string(string(m.Replica))
		w.uvarint(m.Counter)
		w.bytes(m.State)
	case AwarenessLeave:
		w.string(string(m.Replica))
		w.uvarint(m.Counter)
	}
	return w.buf
}

// Decode parses one framed message.
func Decode(b []byte) (Message, error) {
	r := &reader{buf: b}
	tag := r.byte()
	if r.err != nil {
		return nil, r.err
	}
	if tag != Version {
		return nil, &DecodeError{Offset: 0, Err: ErrVersionMismatch, Detail: fmt.Sprintf("format tag 0x%02x", tag)}
	}
	typ := MessageType(r.byte())
	if r.err != nil {
		return nil, r.err
	}

	var m Message
	switch typ {
	case TypeSyncStep1:
		msg := SyncStep1{StateVector: readStateVector(r)}
		if r.err == nil && r.remaining() > 0 {
			msg.From = crdt.ReplicaID(r.string())
			if r.err == nil && msg.From == "" {
				r.fail(ErrMalformed, "sync step 1 without sender")
			}
			msg.Acks = readAcks(r)
		}
		m = msg
	case TypeSyncStep2:
		m = SyncStep2{Ops: readOps(r)}
	case TypeUpdate:
		m = Update{Ops: readOps(r)}
	case TypeAwarenessUpdate:
		msg := AwarenessUpdate{Replica: crdt.ReplicaID(r.string())}
		msg.Counter = r.uvarint()
		msg.State = r.bytes()
		if r.err == nil && msg.Replica == "" {
			r.fail(ErrMalformed, "awareness update without replica")
		}
		m = msg
	case TypeAwarenessLeave:
		msg := AwarenessLeave{Replica: crdt.ReplicaID(r.string())}
		msg.Counter = r.uvarint()
		if r.err == nil && msg.Replica == "" {
			r.fail(ErrMalformed, "awareness leave without replica")
		}
		m = msg
	default:
		return nil, &DecodeError{Offset: 1, Err: ErrUnknownMessage, Detail: typ.String()}
	}

	r.done()
	if r.err != nil {
		return nil, r.err
	}
	return m, nil
}

// Peek returns the message type without decoding the body.
func Peek(b []byte) (MessageType, error) {
	if len(b) < 2 {
		return 0, &DecodeError{Offset: len(b), Err: ErrTruncated, Detail: "header"}
	}
	if b[0] != Version {
		return 0, &DecodeError{Offset: 0, Err: ErrVersionMismatch, Detail: fmt.Sprintf("format tag 0x%02x", b[0])}
	}
	return MessageType(b[1]), nil
}
