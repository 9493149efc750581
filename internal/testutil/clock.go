package testutil

import (
	"sort"
	"sync"
	"time"

	"github.com/fallen-shinigami/VRCX-sub000/internal/engine"
)

// FakeClock is a settable wall clock for tests.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock creates a clock frozen at start.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now implements engine.TimeSource.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to t. Moving backwards is allowed; replayed
// streams are not always monotonic.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// ManualScheduler holds timers until the test advances time.
//
// Timers fire in deadline order; ties fire in arming order. Firing sets
// the clock to the timer's deadline first, so the callback observes the
// time it was scheduled for.
type ManualScheduler struct {
	mu     sync.Mutex
	clock  *FakeClock
	timers []*ManualTimer
	nextID int
}

// ManualTimer is one armed callback.
type ManualTimer struct {
	s       *ManualScheduler
	id      int
	at      time.Time
	fn      func()
	stopped bool
}

// NewManualScheduler creates a scheduler driven by clock.
func NewManualScheduler(clock *FakeClock) *ManualScheduler {
	return &ManualScheduler{clock: clock}
}

// AfterFunc implements engine.Scheduler.
func (s *ManualScheduler) AfterFunc(d time.Duration, fn func()) engine.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	t := &ManualTimer{s: s, id: s.nextID, at: s.clock.Now().Add(d), fn: fn}
	s.timers = append(s.timers, t)
	return t
}

// Stop implements engine.Timer. It reports whether the timer was pending.
func (t *ManualTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	t.s.remove(t)
	return true
}

func (s *ManualScheduler) remove(t *ManualTimer) {
	for i, x := range s.timers {
		if x == t {
			s.timers = append(s.timers[:i], s.timers[i+1:]...)
			return
		}
	}
}

// Pending returns the number of armed timers.
func (s *ManualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// next pops the earliest timer due at or before deadline.
func (s *ManualScheduler) next(deadline time.Time) *ManualTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.timers) == 0 {
		return nil
	}
	sort.SliceStable(s.timers, func(i, j int) bool {
		if !s.timers[i].at.Equal(s.timers[j].at) {
			return s.timers[i].at.Before(s.timers[j].at)
		}
		return s.timers[i].id < s.timers[j].id
	})
	t := s.timers[0]
	if t.at.After(deadline) {
		return nil
	}
	s.timers = s.timers[1:]
	t.stopped = true
	return t
}

// AdvanceTo fires every timer due up to target, in order, calling settle
// after each one (typically engine.Drain) so re-armed timers are seen.
// The clock ends at target.
func (s *ManualScheduler) AdvanceTo(target time.Time, settle func()) {
	for {
		t := s.next(target)
		if t == nil {
			break
		}
		s.clock.Set(t.at)
		t.fn()
		if settle != nil {
			settle()
		}
	}
	s.clock.Set(target)
}

// Advance is AdvanceTo relative to the current time.
func (s *ManualScheduler) Advance(d time.Duration, settle func()) {
	s.AdvanceTo(s.clock.Now().Add(d), settle)
}
