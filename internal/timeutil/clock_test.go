package timeutil

import (
	"testing"
	"time"
)

func TestRealClock_Now(t *testing.T) {
	clock := RealClock{}
	before := time.Now()
	now := clock.Now()
	after := time.Now()

	if now.Before(before) || now.After(after) {
		t.Errorf("Now() = %v, expected between %v and %v", now, before, after)
	}
}

func TestRealClock_NewTicker(t *testing.T) {
	clock := RealClock{}
	ticker := clock.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	select {
	case <-ticker.C():
	case <-time.After(500 * time.Millisecond):
		t.Error("ticker did not fire")
	}
}

func TestMockClock_Set(t *testing.T) {
	clock := NewMockClock(time.Time{})
	newTime := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	clock.Set(newTime)

	if !clock.Now().Equal(newTime) {
		t.Errorf("got %v, want %v", clock.Now(), newTime)
	}
}

func TestMockClock_AdvanceFiresTicker(t *testing.T) {
	start := time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC)
	clock := NewMockClock(start)
	ticker := clock.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	clock.Advance(10 * time.Millisecond)
	select {
	case <-ticker.C():
		t.Fatal("ticker fired before its interval")
	default:
	}

	clock.Advance(10 * time.Millisecond)
	select {
	case got := <-ticker.C():
		if want := start.Add(20 * time.Millisecond); !got.Equal(want) {
			t.Errorf("tick time = %v, want %v", got, want)
		}
	default:
		t.Fatal("ticker did not fire at its interval")
	}
}

func TestMockClock_StoppedTickerIsSilent(t *testing.T) {
	clock := NewMockClock(time.Unix(0, 0))
	ticker := clock.NewTicker(time.Millisecond)
	ticker.Stop()
	clock.Advance(time.Second)
	select {
	case <-ticker.C():
		t.Fatal("stopped ticker fired")
	default:
	}
}

func TestEpoch(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	clock := NewMockClock(start)
	e := NewEpoch(clock)

	if got := e.Seconds(); got != 0 {
		t.Fatalf("Seconds() at start = %v, want 0", got)
	}
	clock.Advance(1500 * time.Millisecond)
	if got := e.Seconds(); got != 1.5 {
		t.Errorf("Seconds() = %v, want 1.5", got)
	}
	if got := e.At(start.Add(250 * time.Millisecond)); got != 0.25 {
		t.Errorf("At() = %v, want 0.25", got)
	}
	if got := e.Time(2); !got.Equal(start.Add(2 * time.Second)) {
		t.Errorf("Time(2) = %v, want %v", got, start.Add(2*time.Second))
	}
}

func TestNewEpochDefaultsToRealClock(t *testing.T) {
	e := NewEpoch(nil)
	if e.Seconds() < 0 {
		t.Error("expected non-negative elapsed seconds")
	}
}
