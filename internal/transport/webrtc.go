package transport

import (
	"context"
	"io"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/multierr"
)

// DataChannelLabel is the label mesh peers negotiate for sync traffic.
const DataChannelLabel = "collab"

// DataChannel is a mesh Channel over a WebRTC data channel. Peer sets one
// up; NewDataChannel wraps a channel negotiated by other means.
type DataChannel struct {
	dc    *webrtc.DataChannel
	kind  Kind
	peer  io.Closer
	inbox chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

// NewDataChannel wraps dc. When Receive falls behind by more than the inbox
// size, the pion read loop blocks until it catches up.
func NewDataChannel(dc *webrtc.DataChannel) *DataChannel {
	d := &DataChannel{
		dc:    dc,
		kind:  KindMesh,
		inbox: make(chan []byte, DefaultQueueSize),
		done:  make(chan struct{}),
	}
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if msg.IsString {
			return
		}
		select {
		case d.inbox <- msg.Data:
		case <-d.done:
		}
	})
	dc.OnClose(func() {
		d.shutdown()
	})
	return d
}

// Label returns the negotiated channel label.
func (d *DataChannel) Label() string {
	return d.dc.Label()
}

func (d *DataChannel) Kind() Kind {
	return d.kind
}

func (d *DataChannel) Send(ctx context.Context, msg []byte) error {
	select {
	case <-d.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if d.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrClosed
	}
	return d.dc.Send(msg)
}

func (d *DataChannel) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-d.inbox:
		return msg, nil
	case <-d.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close closes the data channel and, when the channel came from a Peer,
// the peer connection.
func (d *DataChannel) Close() error {
	d.shutdown()
	err := d.dc.Close()
	if d.peer != nil {
		err = multierr.Append(err, d.peer.Close())
	}
	return err
}

func (d *DataChannel) shutdown() {
	d.closeOnce.Do(func() { close(d.done) })
}
