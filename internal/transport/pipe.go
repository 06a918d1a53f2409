package transport

import (
	"context"
	"sync"
)

// pipeBuffer is the number of in-flight messages per direction.
const pipeBuffer = 64

// Pipe returns two connected in-memory channels of the given kind. Closing
// either end closes both.
func Pipe(kind Kind) (Channel, Channel) {
	ab := make(chan []byte, pipeBuffer)
	ba := make(chan []byte, pipeBuffer)
	shared := &pipeState{done: make(chan struct{})}
	return &pipeEnd{kind: kind, in: ba, out: ab, state: shared},
		&pipeEnd{kind: kind, in: ab, out: ba, state: shared}
}

type pipeState struct {
	once sync.Once
	done chan struct{}
}

type pipeEnd struct {
	kind  Kind
	in    <-chan []byte
	out   chan<- []byte
	state *pipeState
}

func (p *pipeEnd) Kind() Kind {
	return p.kind
}

func (p *pipeEnd) Send(ctx context.Context, msg []byte) error {
	select {
	case <-p.state.done:
		return ErrClosed
	default:
	}
	buf := make([]byte, len(msg))
	copy(buf, msg)
	select {
	case <-p.state.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case p.out <- buf:
		return nil
	}
}

func (p *pipeEnd) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-p.state.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-p.in:
		return msg, nil
	}
}

func (p *pipeEnd) Close() error {
	p.state.once.Do(func() { close(p.state.done) })
	return nil
}
