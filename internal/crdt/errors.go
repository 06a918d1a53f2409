package crdt

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRange is returned when a local intent references a position
	// outside the current visible content. The store is left unchanged.
	ErrInvalidRange = errors.New("invalid range")

	// ErrEmptyEdit is returned for intents that would change nothing.
	ErrEmptyEdit = errors.New("empty edit")

	// ErrInvalidOperation is returned by Merge for structurally broken
	// operations. None of the batch is applied.
	ErrInvalidOperation = errors.New("invalid operation")
)

// RangeError reports the offending intent coordinates.
type RangeError struct {
	Pos     int
	Len     int
	Visible int
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("invalid range: pos=%d len=%d visible=%d", e.Pos, e.Len, e.Visible)
}

// Unwrap lets errors.Is match ErrInvalidRange.
func (e *RangeError) Unwrap() error {
	return ErrInvalidRange
}

// IsInvalidRange returns true if err is or wraps ErrInvalidRange.
func IsInvalidRange(err error) bool {
	return errors.Is(err, ErrInvalidRange)
}
