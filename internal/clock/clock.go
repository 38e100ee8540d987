// Package clock abstracts time so agent timers can be driven
// deterministically in tests.
package clock

import "time"

// Clock is the time source injected into every component that arms
// timers or stamps deadlines.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	NewTimer(d time.Duration) Timer
	Sleep(d time.Duration)
}

// Timer is a resettable timer owned by long-lived loops, mirroring
// time.Timer. Stop and Reset follow the stdlib contract: drain C after
// a Stop that returns false before reusing the timer.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
	Reset(d time.Duration) bool
}

// Real implements Clock with the standard library.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// After mirrors time.After.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// NewTimer mirrors time.NewTimer.
func (Real) NewTimer(d time.Duration) Timer {
	return realTimer{time.NewTimer(d)}
}

// Sleep blocks for at least d.
func (Real) Sleep(d time.Duration) {
	time.Sleep(d)
}

type realTimer struct{ t *time.Timer }

func (rt realTimer) C() <-chan time.Time { return rt.t.C }

func (rt realTimer) Stop() bool { return rt.t.Stop() }

func (rt realTimer) Reset(d time.Duration) bool { return rt.t.Reset(d) }
