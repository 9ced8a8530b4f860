package timectrl

import (
	"sort"
	"sync"
	"time"
)

// Clock abstracts time for the selector loop, the relocation planner and
// the task scheduler so tests can drive time explicitly.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// After returns a channel that receives the current time once d has
	// elapsed on this clock.
	After(d time.Duration) <-chan time.Time
}

// Since returns the time elapsed on c since t.
func Since(c Clock, t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// WallClock is the process clock.
type WallClock struct{}

func (WallClock) Now() time.Time { return time.Now() }

func (WallClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

type waiter struct {
	at time.Time
	ch chan time.Time
}

// ManualClock only moves when told to. Timers created with After fire
// synchronously inside Advance or Set once their deadline is reached.
type ManualClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []waiter

	listeners []func(time.Time)
}

// NewManualClock returns a clock frozen at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the current manual time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After returns a channel that fires when the clock reaches now+d. A
// non-positive d fires immediately.
func (c *ManualClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	w := waiter{at: c.now.Add(d), ch: ch}
	idx := sort.Search(len(c.waiters), func(i int) bool {
		return c.waiters[i].at.After(w.at)
	})
	c.waiters = append(c.waiters, waiter{})
	copy(c.waiters[idx+1:], c.waiters[idx:])
	c.waiters[idx] = w
	return ch
}

// Waiters reports how many After timers are still pending.
func (c *ManualClock) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// AddListener registers a callback invoked after every time change.
func (c *ManualClock) AddListener(fn func(time.Time)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()
	c.Set(target)
}

// Set moves the clock to t. Moving backwards is ignored.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	if t.Before(c.now) {
		c.mu.Unlock()
		return
	}
	c.now = t
	n := 0
	for n < len(c.waiters) && !c.waiters[n].at.After(t) {
		n++
	}
	fired := append([]waiter(nil), c.waiters[:n]...)
	c.waiters = c.waiters[n:]
	listeners := append([]func(time.Time){}, c.listeners...)
	c.mu.Unlock()

	for _, w := range fired {
		w.ch <- t
	}
	for _, fn := range listeners {
		fn(t)
	}
}
