package codec

import (
	"errors"
	"fmt"

	"github.com/multiformats/go-varint"
)

// writer appends wire primitives to a buffer.
type writer struct {
	buf []byte
}

func (w *writer) byte(b byte) {
	w.buf = append(w.buf, b)
}

func (w *writer) uvarint(x uint64) {
	w.buf = append(w.buf, varint.ToUvarint(x)...)
}

func (w *writer) bytes(b []byte) {
	w.uvarint(uint64(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *writer) string(s string) {
	w.uvarint(uint64(len(s)))
	w.buf = append(w.buf, s...)
}

// reader consumes wire primitives. The first failure sticks; later reads
// return zero values so decoders can check err once per field group.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) fail(cause error, format string, args ...any) {
	if r.err != nil {
		return
	}
	r.err = &DecodeError{Offset: r.off, Err: cause, Detail: fmt.Sprintf(format, args...)}
}

func (r *reader) remaining() int {
	return len(r.buf) - r.off
}

func (r *reader) byte() byte {
	if r.err != nil {
		return 0
	}
	if r.remaining() < 1 {
		r.fail(ErrTruncated, "want 1 byte")
		return 0
	}
	b := r.buf[r.off]
	r.off++
	return b
}

func (r *reader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	x, n, err := varint.FromUvarint(r.buf[r.off:])
	if err != nil {
		if errors.Is(err, varint.ErrUnderflow) {
			r.fail(ErrTruncated, "varint")
		} else {
			r.fail(ErrMalformed, "varint: %v", err)
		}
		return 0
	}
	r.off += n
	return x
}

// count reads a collection length and rejects lengths that cannot fit in
// the remaining payload, at least min bytes per item.
func (r *reader) count(min int) int {
	n := r.uvarint()
	if r.err != nil {
		return 0
	}
	if n > uint64(r.remaining()/min) {
		r.fail(ErrTruncated, "count %d exceeds payload", n)
		return 0
	}
	return int(n)
}

func (r *reader) bytes() []byte {
	n := r.uvarint()
	if r.err != nil {
		return nil
	}
	if n > uint64(r.remaining()) {
		r.fail(ErrTruncated, "want %d bytes", n)
		return nil
	}
	out := make([]byte, n)
	copy(out, r.buf[r.off:])
	r.off += int(n)
	return out
}

func (r *reader) string() string {
	return string(r.bytes())
}

// done fails if bytes remain after a complete message.
func (r *reader) done() {
	if r.err == nil && r.remaining() > 0 {
		r.fail(ErrMalformed, "%d trailing bytes", r.remaining())
	}
}
