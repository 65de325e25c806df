// Package loop runs the fixed-period control loop.
package loop

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/banshee-data/fieldpose/internal/monitoring"
	"github.com/banshee-data/fieldpose/internal/timeutil"
)

// DefaultPeriod is the control loop period.
const DefaultPeriod = 20 * time.Millisecond

var ErrAlreadyRunning = errors.New("loop: scheduler already running")

// Periodic is called once per tick, in registration order.
type Periodic interface {
	Periodic()
}

// Simulated is advanced by one period before the Periodic callbacks of the
// same tick run.
type Simulated interface {
	SimulationPeriodic(dt time.Duration)
}

// TelemetrySource publishes a snapshot for status endpoints. It is called
// from request goroutines, not the loop.
type TelemetrySource interface {
	Telemetry() any
}

// Config configures a Scheduler.
type Config struct {
	// Period defaults to DefaultPeriod.
	Period time.Duration
	// Clock defaults to timeutil.RealClock.
	Clock timeutil.Clock
}

// Stats describes the loop's timing.
type Stats struct {
	Running      bool          `json:"running"`
	Period       time.Duration `json:"period_ns"`
	Ticks        uint64        `json:"ticks"`
	Overruns     uint64        `json:"overruns"`
	LastDuration time.Duration `json:"last_duration_ns"`
	MaxDuration  time.Duration `json:"max_duration_ns"`
}

// Scheduler invokes registered callbacks on a fixed period.
type Scheduler struct {
	period time.Duration
	clock  timeutil.Clock

	mu        sync.Mutex
	periodic  []Periodic
	simulated []Simulated
	telemetry map[string]TelemetrySource
	running   bool
	stopCh    chan struct{}
	doneCh    chan struct{}
	stats     Stats
}

// New returns an idle Scheduler.
func New(cfg Config) *Scheduler {
	if cfg.Period <= 0 {
		cfg.Period = DefaultPeriod
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &Scheduler{
		period:    cfg.Period,
		clock:     cfg.Clock,
		telemetry: make(map[string]TelemetrySource),
		stats:     Stats{Period: cfg.Period},
	}
}

// Period returns the tick period.
func (s *Scheduler) Period() time.Duration { return s.period }

// AddPeriodic registers p for every tick.
func (s *Scheduler) AddPeriodic(p Periodic) {
	s.mu.Lock()
	s.periodic = append(s.periodic, p)
	s.mu.Unlock()
}

// AddSimulated registers a simulation step for every tick.
func (s *Scheduler) AddSimulated(sim Simulated) {
	s.mu.Lock()
	s.simulated = append(s.simulated, sim)
	s.mu.Unlock()
}

// AddTelemetry publishes src under name.
func (s *Scheduler) AddTelemetry(name string, src TelemetrySource) {
	s.mu.Lock()
	s.telemetry[name] = src
	s.mu.Unlock()
}

// Telemetry collects a snapshot from every TelemetrySource.
func (s *Scheduler) Telemetry() map[string]any {
	s.mu.Lock()
	srcs := make(map[string]TelemetrySource, len(s.telemetry))
	for k, v := range s.telemetry {
		srcs[k] = v
	}
	s.mu.Unlock()

	out := make(map[string]any, len(srcs))
	for name, src := range srcs {
		out[name] = src.Telemetry()
	}
	return out
}

// Tick runs one iteration: simulation steps then periodic callbacks.
func (s *Scheduler) Tick() {
	s.mu.Lock()
	sims := append([]Simulated(nil), s.simulated...)
	periodic := append([]Periodic(nil), s.periodic...)
	s.mu.Unlock()

	start := s.clock.Now()
	for _, sim := range sims {
		sim.SimulationPeriodic(s.period)
	}
	for _, p := range periodic {
		p.Periodic()
	}
	elapsed := s.clock.Now().Sub(start)

	s.mu.Lock()
	s.stats.Ticks++
	s.stats.LastDuration = elapsed
	if elapsed > s.stats.MaxDuration {
		s.stats.MaxDuration = elapsed
	}
	overrun := elapsed > s.period
	if overrun {
		s.stats.Overruns++
	}
	s.mu.Unlock()

	if overrun {
		monitoring.Logf("loop: tick took %v, period %v", elapsed, s.period)
	}
}

// Run ticks until ctx is cancelled or Stop is called. It blocks.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.stats.Running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	stopCh, doneCh := s.stopCh, s.doneCh
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.stats.Running = false
		s.mu.Unlock()
		close(doneCh)
	}()

	ticker := s.clock.NewTicker(s.period)
	defer ticker.Stop()

	monitoring.Logf("loop: started, period %v", s.period)
	for {
		select {
		case <-ctx.Done():
			monitoring.Logf("loop: stopping due to context cancellation")
			return nil
		case <-stopCh:
			monitoring.Logf("loop: stopping due to Stop() call")
			return nil
		case <-ticker.C():
			s.Tick()
		}
	}
}

// Stop requests the loop to stop and waits for it. It is safe to call
// multiple times.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	doneCh := s.doneCh
	s.mu.Unlock()

	<-doneCh
}

// IsRunning reports whether Run is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stats returns a snapshot of loop timing.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
