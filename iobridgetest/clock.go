package iobridgetest

import (
	"sync"
	"time"
)

// Clock is a manual clock, its Now method can be assigned to the Now field of
// an iobridge.Bridge.
type Clock struct {
	mutex sync.Mutex
	now   time.Time
}

// NewClock returns a Clock set to now.
func NewClock(now time.Time) *Clock {
	return &Clock{now: now}
}

func (c *Clock) Now() time.Time {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mutex.Lock()
	c.now = c.now.Add(d)
	c.mutex.Unlock()
}
