// Package ratelimit throttles repetitive log lines while still counting
// every occurrence.
package ratelimit

import (
	"sync/atomic"
	"time"
)

// Counter counts events and allows at most one log per interval. It is safe
// for concurrent use.
type Counter struct {
	interval   time.Duration
	now        func() time.Time
	lastLog    atomic.Int64
	total      atomic.Uint64
	suppressed atomic.Uint64
}

// NewCounter returns a Counter. A non-positive interval never throttles.
func NewCounter(interval time.Duration) *Counter {
	return &Counter{interval: interval, now: time.Now}
}

// Hit records one event. ok reports whether the caller may log it;
// suppressed is the number of events swallowed since the previous allowed
// log and is reset when ok is true.
func (c *Counter) Hit() (total, suppressed uint64, ok bool) {
	if c == nil {
		return 0, 0, false
	}
	total = c.total.Add(1)
	if c.interval <= 0 {
		return total, 0, true
	}
	now := c.now().UnixNano()
	last := c.lastLog.Load()
	if last != 0 && now-last < c.interval.Nanoseconds() {
		c.suppressed.Add(1)
		return total, 0, false
	}
	if !c.lastLog.CompareAndSwap(last, now) {
		c.suppressed.Add(1)
		return total, 0, false
	}
	return total, c.suppressed.Swap(0), true
}

// Total returns every event recorded so far.
func (c *Counter) Total() uint64 {
	if c == nil {
		return 0
	}
	return c.total.Load()
}
