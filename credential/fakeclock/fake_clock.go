package fakeclock

import (
	"sort"
	"sync"
	"time"

	"github.com/jrsteele09/go-auth-client/credential"
)

var _ credential.Clock = (*FakeClock)(nil)

// FakeClock is a manually advanced clock. Timers fire synchronously inside
// Advance, in deadline order.
type FakeClock struct {
	now    time.Time
	timers []*fakeTimer
	delays []time.Duration
	lock   sync.Mutex
}

type fakeTimer struct {
	clock    *FakeClock
	deadline time.Time
	fn       func()
	stopped  bool
	fired    bool
}

func New(now time.Time) *FakeClock {
	return &FakeClock{now: now}
}

func (c *FakeClock) Now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.now
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) credential.Timer {
	c.lock.Lock()
	defer c.lock.Unlock()

	t := &fakeTimer{clock: c, deadline: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	c.delays = append(c.delays, d)
	return t
}

// Advance moves the clock forward and fires every timer that became due.
func (c *FakeClock) Advance(d time.Duration) {
	c.lock.Lock()
	c.now = c.now.Add(d)
	due := make([]*fakeTimer, 0)
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.deadline.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.lock.Unlock()

	sort.Slice(due, func(i, j int) bool {
		return due[i].deadline.Before(due[j].deadline)
	})
	for _, t := range due {
		t.fn()
	}
}

// Pending returns the number of timers that are neither stopped nor fired.
func (c *FakeClock) Pending() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// Delays returns the durations passed to AfterFunc, oldest first.
func (c *FakeClock) Delays() []time.Duration {
	c.lock.Lock()
	defer c.lock.Unlock()
	out := make([]time.Duration, len(c.delays))
	copy(out, c.delays)
	return out
}

func (t *fakeTimer) Stop() bool {
	t.clock.lock.Lock()
	defer t.clock.lock.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}
