// Package reactor schedules deferred single-shot actions.
//
// Actions run on a Clock so that tests can drive time by hand. A Slot holds at
// most one pending action; re-arming or cancelling it invalidates whatever was
// scheduled before, even if that timer has already begun to fire.
package reactor

import (
	"sort"
	"sync"
	"time"
)

// Timer is a scheduled callback that can be stopped.
type Timer interface {
	// Stop prevents the callback from running. It reports false if the
	// callback already ran or the timer was already stopped.
	Stop() bool
}

// Clock is a source of time and one-shot timers.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Wall is the real-time clock.
type Wall struct{}

// Now returns the current wall time.
func (Wall) Now() time.Time { return time.Now() }

// AfterFunc runs f in its own goroutine after d.
func (Wall) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Manual is a Clock that only moves when Advance is called. Due callbacks run
// synchronously on the goroutine calling Advance, in wake order.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	nextID uint64
	timers []*manualTimer
}

type manualTimer struct {
	clock *Manual
	id    uint64
	when  time.Time
	f     func()
	done  bool
}

// NewManual creates a manual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now returns the clock's current time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// AfterFunc schedules f to run once the clock has advanced by d.
func (m *Manual) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	t := &manualTimer{clock: m, id: m.nextID, when: m.now.Add(d), f: f}
	m.timers = append(m.timers, t)
	return t
}

// Pending returns the number of timers that have not fired or been stopped.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// Advance moves the clock forward by d, firing every timer that falls due.
// Timers scheduled by fired callbacks also run if they fall inside the window.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.mu.Lock()
		sort.SliceStable(m.timers, func(i, j int) bool {
			if m.timers[i].when.Equal(m.timers[j].when) {
				return m.timers[i].id < m.timers[j].id
			}
			return m.timers[i].when.Before(m.timers[j].when)
		})
		if len(m.timers) == 0 || m.timers[0].when.After(target) {
			m.now = target
			m.mu.Unlock()
			return
		}
		t := m.timers[0]
		m.timers = m.timers[1:]
		t.done = true
		if t.when.After(m.now) {
			m.now = t.when
		}
		m.mu.Unlock()

		t.f()
	}
}

// Fire runs t's callback directly, whether or not t was stopped. Tests use it
// to reproduce a timer that was already firing when it was cancelled.
func (m *Manual) Fire(t Timer) {
	mt, ok := t.(*manualTimer)
	if !ok {
		return
	}
	mt.f()
}

func (t *manualTimer) Stop() bool {
	m := t.clock
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	for i, other := range m.timers {
		if other.id == t.id {
			m.timers = append(m.timers[:i], m.timers[i+1:]...)
			break
		}
	}
	return true
}

// Slot holds at most one pending deferred action.
type Slot struct {
	name  string
	clock Clock

	mu      sync.Mutex
	gen     uint64
	timer   Timer
	pending bool
	onStale func(name string)
}

// NewSlot creates an empty slot. A nil clock means Wall.
func NewSlot(name string, clock Clock) *Slot {
	if clock == nil {
		clock = Wall{}
	}
	return &Slot{name: name, clock: clock}
}

// Name returns the slot's name.
func (s *Slot) Name() string { return s.name }

// OnStale registers f to be told when a superseded timer fires and is
// discarded.
func (s *Slot) OnStale(f func(name string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStale = f
}

// Arm schedules action after d, replacing any pending action.
func (s *Slot) Arm(d time.Duration, action func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.pending = true
	s.timer = s.clock.AfterFunc(d, func() { s.fire(gen, action) })
}

// Timer returns the timer backing the pending action, or nil.
func (s *Slot) Timer() Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer
}

func (s *Slot) fire(gen uint64, action func()) {
	s.mu.Lock()
	if gen != s.gen || !s.pending {
		stale := s.onStale
		s.mu.Unlock()
		if stale != nil {
			stale(s.name)
		}
		return
	}
	s.pending = false
	s.timer = nil
	s.mu.Unlock()

	action()
}

// Cancel drops the pending action. It reports whether one was pending.
func (s *Slot) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.pending {
		return false
	}
	s.gen++
	s.pending = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	return true
}

// Pending reports whether an action is scheduled.
func (s *Slot) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}
