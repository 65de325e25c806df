// Package timeutil abstracts wall time so loops and sample timestamps can
// be driven by hand in tests.
package timeutil

import (
	"sync"
	"time"
)

// Clock is the subset of package time used by the control loops.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker mirrors *time.Ticker behind an interface.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// RealClock is the process wall clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) NewTicker(d time.Duration) Ticker { return wallTicker{time.NewTicker(d)} }

type wallTicker struct{ t *time.Ticker }

func (w wallTicker) C() <-chan time.Time { return w.t.C }
func (w wallTicker) Stop()               { w.t.Stop() }

// Epoch measures elapsed seconds from a fixed start on a Clock. Sample
// timestamps across the odometry pipeline are Epoch seconds so that they
// are monotonic and comparable with vision timestamps taken from the same
// Epoch.
type Epoch struct {
	clock Clock
	start time.Time
}

// NewEpoch starts an epoch at c.Now(). A nil clock means RealClock.
func NewEpoch(c Clock) Epoch {
	if c == nil {
		c = RealClock{}
	}
	return Epoch{clock: c, start: c.Now()}
}

func (e Epoch) Seconds() float64 { return e.At(e.clock.Now()) }

// At converts an absolute time into epoch seconds.
func (e Epoch) At(t time.Time) float64 { return t.Sub(e.start).Seconds() }

// Time converts epoch seconds back into an absolute time.
func (e Epoch) Time(seconds float64) time.Time {
	return e.start.Add(time.Duration(seconds * float64(time.Second)))
}

// MockClock only moves when Set or Advance is called. Tickers created from
// it fire during Advance, at most once per call, and drop the tick if the
// previous one has not been received.
type MockClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*mockTicker
}

func NewMockClock(start time.Time) *MockClock {
	return &MockClock{now: start}
}

func (c *MockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set jumps to t without firing tickers.
func (c *MockClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *MockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	live := c.tickers[:0]
	for _, t := range c.tickers {
		if t.stopped {
			continue
		}
		live = append(live, t)
		if c.now.Before(t.next) {
			continue
		}
		select {
		case t.ch <- c.now:
		default:
		}
		t.next = c.now.Add(t.every)
	}
	c.tickers = live
}

func (c *MockClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &mockTicker{clock: c, ch: make(chan time.Time, 1), every: d, next: c.now.Add(d)}
	c.tickers = append(c.tickers, t)
	return t
}

// mockTicker state is guarded by its clock's mutex.
type mockTicker struct {
	clock   *MockClock
	ch      chan time.Time
	every   time.Duration
	next    time.Time
	stopped bool
}

func (t *mockTicker) C() <-chan time.Time { return t.ch }

func (t *mockTicker) Stop() {
	t.clock.mu.Lock()
	t.stopped = true
	t.clock.mu.Unlock()
}
