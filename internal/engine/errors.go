package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/roach88/collab/internal/crdt"
)

// ErrStopped is returned by Apply and Attach after the engine stopped.
var ErrStopped = errors.New("engine stopped")

// SyncStalledError reports operations that have waited for their causal
// predecessors for longer than the stall window. It is a diagnostic: the
// engine keeps running and re-requests state from its peers.
type SyncStalledError struct {
	// Missing lists the operation IDs the buffered operations wait for.
	Missing []crdt.ID

	// Pending is the number of buffered operations that stalled.
	Pending int

	// Window is the stall window the operations exceeded.
	Window time.Duration
}

func (e *SyncStalledError) Error() string {
	return fmt.Sprintf("sync stalled: %d operations waiting over %s for %v",
		e.Pending, e.Window, e.Missing)
}

// IsStalled reports whether err is a SyncStalledError.
func IsStalled(err error) bool {
	var se *SyncStalledError
	return errors.As(err, &se)
}
