package engine

import "sync/atomic"

// Clock is the monotonic logical clock that numbers trace entries.
//
// Every recorded message is stamped with a strictly increasing seq, so a
// trace orders the same way however close together messages were sent.
// Wall-clock time is recorded too, but only for display.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock that continues after start. Used when a
// replica resumes an existing trace.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last sequence number handed out.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
