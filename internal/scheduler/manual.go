package scheduler

import (
	"sort"
	"time"
)

// Manual is a deterministic Scheduler driven by the caller. Time only moves
// when Advance is called, which makes seek polling and sink completion
// reproducible in tests and offline replays.
type Manual struct {
	now     time.Duration
	pending []func()
	timers  []*manualTimer
	nextID  int
}

type manualTimer struct {
	id      int
	at      time.Duration
	fn      func()
	stopped bool
}

// NewManual returns a Manual scheduler at virtual time zero.
func NewManual() *Manual {
	return &Manual{}
}

// Post implements Scheduler.
func (m *Manual) Post(fn func()) {
	m.pending = append(m.pending, fn)
}

// AfterFunc implements Scheduler.
func (m *Manual) AfterFunc(d time.Duration, fn func()) func() bool {
	m.nextID++
	t := &manualTimer{id: m.nextID, at: m.now + d, fn: fn}
	m.timers = append(m.timers, t)
	return func() bool {
		if t.stopped {
			return false
		}
		t.stopped = true
		return true
	}
}

// Now returns the virtual time elapsed since creation.
func (m *Manual) Now() time.Duration {
	return m.now
}

// Len returns the number of queued callbacks, timers excluded.
func (m *Manual) Len() int {
	return len(m.pending)
}

// Step runs the oldest queued callback, if any, and reports whether one ran.
func (m *Manual) Step() bool {
	if len(m.pending) == 0 {
		return false
	}
	fn := m.pending[0]
	m.pending = m.pending[1:]
	fn()
	return true
}

// RunPending runs queued callbacks, including those they queue, until the
// queue is empty. It returns the number of callbacks run.
func (m *Manual) RunPending() int {
	n := 0
	for m.Step() {
		n++
	}
	return n
}

// Advance moves virtual time forward by d, firing due timers in order and
// draining the queue after each one.
func (m *Manual) Advance(d time.Duration) {
	target := m.now + d
	for {
		m.RunPending()
		t := m.nextDue(target)
		if t == nil {
			break
		}
		m.now = t.at
		t.stopped = true
		t.fn()
	}
	m.now = target
	m.RunPending()
}

func (m *Manual) nextDue(limit time.Duration) *manualTimer {
	live := m.timers[:0]
	for _, t := range m.timers {
		if !t.stopped {
			live = append(live, t)
		}
	}
	m.timers = live
	sort.SliceStable(m.timers, func(i, j int) bool {
		if m.timers[i].at == m.timers[j].at {
			return m.timers[i].id < m.timers[j].id
		}
		return m.timers[i].at < m.timers[j].at
	})
	if len(m.timers) == 0 || m.timers[0].at > limit {
		return nil
	}
	return m.timers[0]
}
