package clock

import (
	"sync"
	"time"
)

// Manual is a hand-cranked clock for deterministic tests. Timers fire
// when Advance or AdvanceTo moves the clock past their due time.
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	clk   *Manual
	at    time.Time
	armed bool
	ch    chan time.Time
}

// NewManual returns a Manual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

// Now returns the current manual time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// After schedules a one-shot timer d from the current manual time.
// Non-positive durations fire immediately.
func (m *Manual) After(d time.Duration) <-chan time.Time {
	return m.NewTimer(d).C()
}

// NewTimer returns a resettable timer d from the current manual time.
// Non-positive durations fire immediately.
func (m *Manual) NewTimer(d time.Duration) Timer {
	t := &manualTimer{clk: m, ch: make(chan time.Time, 1)}
	m.mu.Lock()
	t.rearm(m.now, d)
	m.timers = append(m.timers, t)
	m.mu.Unlock()
	return t
}

// rearm is called with the clock lock held.
func (t *manualTimer) rearm(now time.Time, d time.Duration) {
	if d <= 0 {
		t.armed = false
		select {
		case t.ch <- now:
		default:
		}
		return
	}
	t.at = now.Add(d)
	t.armed = true
}

func (t *manualTimer) C() <-chan time.Time { return t.ch }

func (t *manualTimer) Stop() bool {
	t.clk.mu.Lock()
	defer t.clk.mu.Unlock()
	was := t.armed
	t.armed = false
	return was
}

func (t *manualTimer) Reset(d time.Duration) bool {
	t.clk.mu.Lock()
	defer t.clk.mu.Unlock()
	was := t.armed
	t.rearm(t.clk.now, d)
	return was
}

// Sleep blocks until the clock advances by at least d.
func (m *Manual) Sleep(d time.Duration) {
	<-m.After(d)
}

// Advance moves the clock forward by d and fires due timers.
func (m *Manual) Advance(d time.Duration) time.Time {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()
	return m.AdvanceTo(target)
}

// AdvanceTo moves the clock to t (never backwards) and fires due timers.
func (m *Manual) AdvanceTo(t time.Time) time.Time {
	m.mu.Lock()
	if t.After(m.now) {
		m.now = t
	}
	now := m.now
	for _, timer := range m.timers {
		if !timer.armed || timer.at.After(now) {
			continue
		}
		timer.armed = false
		select {
		case timer.ch <- now:
		default:
		}
	}
	m.mu.Unlock()
	return now
}

// Pending returns the number of armed timers.
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, timer := range m.timers {
		if timer.armed {
			n++
		}
	}
	return n
}
