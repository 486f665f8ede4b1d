package time

import (
	"sync"
	"time"
)

// clock is the only source of "now" in the core
// lock expiry is compared against it lazily, on every read and write
// workers do not share memory, so this is wall time, not time since start
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// wall clock
func NewClock() Clock {
	return systemClock{}
}

// clock that only moves when told to, for tests
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// moves the clock forward, never backwards
func (c *ManualClock) Advance(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
