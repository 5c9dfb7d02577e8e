// Copyright 2026 The Holdfast Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock frozen at the given time. Timers and
// tickers fire only when Advance moves the clock past their deadline.
// Safe for concurrent use.
func Fake(initial time.Time) *FakeClock {
	fake := &FakeClock{now: initial}
	fake.registered = sync.NewCond(&fake.mu)
	return fake
}

// FakeClock is a deterministic Clock for tests. AfterFunc callbacks
// run synchronously inside Advance, in deadline order; do not call
// Advance from within a callback.
type FakeClock struct {
	mu         sync.Mutex
	now        time.Time
	pending    []*pendingWaiter
	registered *sync.Cond
}

// pendingWaiter is one scheduled After, AfterFunc, or ticker entry.
type pendingWaiter struct {
	deadline time.Time
	ch       chan time.Time // After and ticker entries
	fn       func()         // AfterFunc entries
	interval time.Duration  // non-zero for tickers; reschedules after firing
	stopped  bool
	fired    bool
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After returns a channel receiving once the clock advances past d.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.pending = append(c.pending, &pendingWaiter{deadline: c.now.Add(d), ch: ch})
	c.registered.Broadcast()
	return ch
}

// AfterFunc schedules f to run when the clock advances past d. If
// d <= 0, f runs synchronously before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	if d <= 0 {
		f()
		return &Timer{stop: func() bool { return false }}
	}

	c.mu.Lock()
	waiter := &pendingWaiter{deadline: c.now.Add(d), fn: f}
	c.pending = append(c.pending, waiter)
	c.registered.Broadcast()
	c.mu.Unlock()

	return &Timer{stop: func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if waiter.stopped || waiter.fired {
			return false
		}
		waiter.stopped = true
		return true
	}}
}

// NewTicker returns a ticker firing once per interval during Advance.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker interval")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	waiter := &pendingWaiter{deadline: c.now.Add(d), ch: ch, interval: d}
	c.pending = append(c.pending, waiter)
	c.registered.Broadcast()

	return &Ticker{
		C: ch,
		stop: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			waiter.stopped = true
		},
	}
}

// Advance moves the clock forward by d, firing every waiter whose
// deadline falls within the new time, in deadline order. Channel
// sends are non-blocking (full buffers drop the tick, matching
// time.Ticker). Tickers spanning multiple intervals fire once per
// interval.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	target := c.now
	c.mu.Unlock()

	for {
		due := c.takeDue(target)
		if len(due) == 0 {
			return
		}
		sort.Slice(due, func(i, j int) bool {
			return due[i].deadline.Before(due[j].deadline)
		})
		for _, waiter := range due {
			if waiter.fn != nil {
				waiter.fn()
				continue
			}
			select {
			case waiter.ch <- target:
			default:
			}
		}
	}
}

// takeDue removes due waiters from the pending list, rescheduling
// tickers for their next interval.
func (c *FakeClock) takeDue(target time.Time) []*pendingWaiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	var due, keep []*pendingWaiter
	for _, waiter := range c.pending {
		switch {
		case waiter.stopped:
		case !waiter.deadline.After(target):
			due = append(due, waiter)
		default:
			keep = append(keep, waiter)
		}
	}
	for _, waiter := range due {
		if waiter.interval > 0 {
			waiter.deadline = waiter.deadline.Add(waiter.interval)
			keep = append(keep, waiter)
		} else {
			waiter.fired = true
		}
	}
	c.pending = keep
	return due
}

// WaitForTimers blocks until at least n waiters are pending. Use this
// to synchronize with a goroutine that registers a timer before
// calling Advance, instead of sleeping.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.activeLocked() < n {
		c.registered.Wait()
	}
}

// PendingCount returns the number of active pending waiters.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeLocked()
}

func (c *FakeClock) activeLocked() int {
	count := 0
	for _, waiter := range c.pending {
		if !waiter.stopped {
			count++
		}
	}
	return count
}
