package testutil

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Epoch is the start time of every mock clock handed out by this package.
// Presence records and buffered operations stamped by it are identical
// across runs, which golden snapshots rely on.
var Epoch = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

// NewMockClock returns a mock clock set to Epoch.
//
// Time only moves when the test calls Add or Set, so tickers driven by it
// stay silent unless a test advances them.
func NewMockClock() *clock.Mock {
	c := clock.NewMock()
	c.Set(Epoch)
	return c
}
