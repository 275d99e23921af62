package testutil

import (
	"sync"
	"time"
)

// Epoch is the default start of DeterministicClock: 2024-03-01 08:00 UTC.
var Epoch = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

// DeterministicClock is a wall clock for tests that moves only when told to.
//
// Every call to Now returns the current instant and then advances it by the
// step, so successive captures are distinct and ordered. A zero step freezes
// the clock.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type DeterministicClock struct {
	mu    sync.Mutex
	start time.Time
	now   time.Time
	step  time.Duration
}

// NewDeterministicClock creates a clock at start advancing by step per read.
func NewDeterministicClock(start time.Time, step time.Duration) *DeterministicClock {
	start = start.UTC()
	return &DeterministicClock{start: start, now: start, step: step}
}

// Now returns the current instant and advances the clock by its step.
func (c *DeterministicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

// Current returns the instant the next Now will return, without advancing.
func (c *DeterministicClock) Current() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *DeterministicClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to t.
func (c *DeterministicClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC()
}

// Reset moves the clock back to its start.
func (c *DeterministicClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.start
}
