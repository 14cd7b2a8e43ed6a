package credential

import (
	"sync"
	"time"
)

// Scheduler owns the single renewal timer of a Holder.
//
// Every Arm cancels the previous timer first. A timer that has already fired
// but whose callback has not yet run is invalidated by the generation counter,
// so fire is never invoked after Cancel returns.
type Scheduler struct {
	mu       sync.Mutex
	clock    Clock
	fire     func()
	timer    Timer
	gen      uint64
	deadline time.Time
}

// NewScheduler creates a scheduler that calls fire when an armed timer expires.
func NewScheduler(clock Clock, fire func()) *Scheduler {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Scheduler{
		clock: clock,
		fire:  fire,
	}
}

// Arm cancels any pending timer and, when d is positive, arms a new one.
// It reports whether a timer is now armed.
func (s *Scheduler) Arm(d time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelLocked()
	if d <= 0 {
		return false
	}

	gen := s.gen
	s.deadline = s.clock.Now().Add(d)
	s.timer = s.clock.AfterFunc(d, func() { s.onFire(gen) })
	return true
}

// Cancel stops the pending timer, if any.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
}

// Armed reports whether a timer is pending.
func (s *Scheduler) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

// Deadline returns when the pending timer fires, or the zero time.
func (s *Scheduler) Deadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deadline
}

func (s *Scheduler) cancelLocked() {
	if s.timer == nil {
		return
	}
	s.timer.Stop()
	s.timer = nil
	s.deadline = time.Time{}
	s.gen++
}

func (s *Scheduler) onFire(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.timer == nil {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.deadline = time.Time{}
	s.gen++
	s.mu.Unlock()

	if s.fire != nil {
		s.fire()
	}
}
