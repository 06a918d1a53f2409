package codec

import (
	"errors"
	"fmt"
)

var (
	// ErrVersionMismatch is returned for an unknown format tag.
	ErrVersionMismatch = errors.New("version mismatch")

	// ErrTruncated is returned when the payload ends early.
	ErrTruncated = errors.New("truncated payload")

	// ErrUnknownMessage is returned for an unknown message type byte.
	ErrUnknownMessage = errors.New("unknown message type")

	// ErrMalformed is returned for payloads that are complete but do not
	// describe a valid message.
	ErrMalformed = errors.New("malformed payload")
)

// DecodeError reports where decoding failed.
type DecodeError struct {
	Offset int
	Err    error
	Detail string
}

func (e *DecodeError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("decode at offset %d: %v: %s", e.Offset, e.Err, e.Detail)
	}
	return fmt.Sprintf("decode at offset %d: %v", e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// IsRecoverable returns true for every codec error. The session that
// received the message resyncs; the connection stays open.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrVersionMismatch) ||
		errors.Is(err, ErrTruncated) ||
		errors.Is(err, ErrUnknownMessage) ||
		errors.Is(err, ErrMalformed)
}
