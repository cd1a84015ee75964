package clock

import (
	"sync"
	"time"
)

// FakeClock is a manually advanced clock. With AutoAdvance enabled every
// After call moves time forward to its own deadline and fires at once, which
// lets a polling loop run to completion without a driver goroutine.
type FakeClock struct {
	mu          sync.Mutex
	current     time.Time
	waiters     []*waiter
	changed     *sync.Cond
	autoAdvance bool
}

type waiter struct {
	deadline time.Time
	ch       chan time.Time
}

// Fake returns a FakeClock starting at initial.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{current: initial}
	c.changed = sync.NewCond(&c.mu)
	return c
}

// SetAutoAdvance toggles auto-advance mode.
func (c *FakeClock) SetAutoAdvance(on bool) *FakeClock {
	c.mu.Lock()
	c.autoAdvance = on
	c.mu.Unlock()
	return c
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.current
		return ch
	}
	if c.autoAdvance {
		c.current = c.current.Add(d)
		ch <- c.current
		c.fireLocked()
		return ch
	}
	c.waiters = append(c.waiters, &waiter{deadline: c.current.Add(d), ch: ch})
	c.changed.Broadcast()
	return ch
}

// Advance moves time forward and fires every waiter whose deadline passed.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(d)
	c.fireLocked()
}

// Pending returns the number of unfired waiters.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// WaitForWaiters blocks until at least n waiters are registered.
func (c *FakeClock) WaitForWaiters(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.waiters) < n {
		c.changed.Wait()
	}
}

func (c *FakeClock) fireLocked() {
	kept := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.deadline.After(c.current) {
			w.ch <- c.current
			continue
		}
		kept = append(kept, w)
	}
	c.waiters = kept
}
