package clock_test

import (
	"testing"
	"time"

	"pkt.systems/ticketd/internal/clock"
)

func TestRealNowUsesUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if loc := now.Location(); loc != time.UTC {
		t.Fatalf("expected UTC location, got %v", loc)
	}
}

func TestManualAfterFiresOnAdvance(t *testing.T) {
	t.Parallel()

	m := clock.NewManual(time.Unix(0, 0))
	ch := m.After(50 * time.Millisecond)
	select {
	case <-ch:
		t.Fatal("timer fired before the clock advanced")
	default:
	}

	m.Advance(49 * time.Millisecond)
	select {
	case <-ch:
		t.Fatal("timer fired ahead of its due time")
	default:
	}

	m.Advance(time.Millisecond)
	select {
	case <-ch:
	default:
		t.Fatal("timer did not fire at its due time")
	}
	if got := m.Pending(); got != 0 {
		t.Fatalf("expected no pending timers, got %d", got)
	}
}

func TestManualAfterImmediateForNonPositive(t *testing.T) {
	t.Parallel()

	m := clock.NewManual(time.Unix(100, 0))
	select {
	case <-m.After(0):
	default:
		t.Fatal("zero-duration timer should fire immediately")
	}
}

func TestManualTimerStopAndReset(t *testing.T) {
	t.Parallel()

	m := clock.NewManual(time.Unix(0, 0))
	timer := m.NewTimer(time.Second)
	if !timer.Stop() {
		t.Fatal("stopping an armed timer should report it was active")
	}
	m.Advance(2 * time.Second)
	select {
	case <-timer.C():
		t.Fatal("stopped timer fired")
	default:
	}

	if timer.Reset(time.Second) {
		t.Fatal("resetting a stopped timer should report it was inactive")
	}
	m.Advance(time.Second)
	select {
	case <-timer.C():
	default:
		t.Fatal("reset timer did not fire at its due time")
	}
	if got := m.Pending(); got != 0 {
		t.Fatalf("expected no pending timers, got %d", got)
	}
}

func TestManualAdvanceToNeverRewinds(t *testing.T) {
	t.Parallel()

	m := clock.NewManual(time.Unix(100, 0))
	before := m.Now()
	m.AdvanceTo(time.Unix(50, 0))
	if got := m.Now(); !got.Equal(before) {
		t.Fatalf("clock moved backwards: %v -> %v", before, got)
	}
}
