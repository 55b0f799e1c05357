package ratelimit

import (
	"sync"
	"testing"
	"time"
)

func TestCounterThrottlesWithinInterval(t *testing.T) {
	now := time.Date(2026, time.January, 22, 12, 0, 0, 0, time.UTC)
	c := NewCounter(time.Minute)
	c.now = func() time.Time { return now }

	if _, _, ok := c.Hit(); !ok {
		t.Fatalf("expected first hit to log")
	}
	for i := 0; i < 3; i++ {
		if _, _, ok := c.Hit(); ok {
			t.Fatalf("expected hit %d inside interval to be suppressed", i)
		}
	}
	now = now.Add(time.Minute)
	total, suppressed, ok := c.Hit()
	if !ok {
		t.Fatalf("expected hit after interval to log")
	}
	if total != 5 || suppressed != 3 {
		t.Fatalf("expected total=5 suppressed=3, got %d %d", total, suppressed)
	}
	if c.Total() != 5 {
		t.Fatalf("expected Total 5, got %d", c.Total())
	}
}

func TestCounterZeroIntervalAlwaysLogs(t *testing.T) {
	c := NewCounter(0)
	for i := 0; i < 5; i++ {
		if _, _, ok := c.Hit(); !ok {
			t.Fatalf("expected every hit to log")
		}
	}
}

func TestCounterNil(t *testing.T) {
	var c *Counter
	if _, _, ok := c.Hit(); ok {
		t.Fatalf("nil counter should not log")
	}
	if c.Total() != 0 {
		t.Fatalf("nil counter total should be zero")
	}
}

func TestCounterConcurrentHits(t *testing.T) {
	c := NewCounter(time.Hour)
	var wg sync.WaitGroup
	var allowed sync.Map
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, _, ok := c.Hit(); ok {
				allowed.Store(i, true)
			}
		}(i)
	}
	wg.Wait()
	n := 0
	allowed.Range(func(_, _ any) bool { n++; return true })
	if n != 1 {
		t.Fatalf("expected exactly one allowed log, got %d", n)
	}
	if c.Total() != 50 {
		t.Fatalf("expected 50 hits, got %d", c.Total())
	}
}
