// Package sampler reads raw hardware signals on a background goroutine,
// faster than the control loop, and buffers them in bounded per-signal
// queues.
//
// One Sampler exists per hardware transport. Every sampling instant reads
// all registered signals and one shared timestamp under a single lock; if
// any required signal is invalid the whole instant is discarded so that a
// consumer never sees a mix of fresh and stale module data.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/fieldpose/internal/monitoring"
	"github.com/banshee-data/fieldpose/internal/timeutil"
)

// DefaultQueueCapacity matches several control ticks of oversampling at
// the default rates (250 Hz sampling, 50 Hz control loop).
const DefaultQueueCapacity = 20

// DefaultPeriod is the sampling period used when Config.Period is zero.
const DefaultPeriod = 4 * time.Millisecond

var (
	// ErrAlreadyStarted is returned by Start on a running or stopped sampler.
	ErrAlreadyStarted = errors.New("sampler: already started")
	// ErrForeignQueue is returned by Drain for a queue owned by another sampler.
	ErrForeignQueue = errors.New("sampler: queue belongs to a different sampler")
)

// Supplier reads one raw signal. The bool reports whether the value is valid
// for this instant (false on a driver error or stale frame). NaN and
// infinite values are treated as invalid whatever the bool says.
type Supplier func() (float64, bool)

// State is the sampler lifecycle state.
type State int32

const (
	StateConstructed State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateConstructed:
		return "constructed"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Config configures a Sampler.
type Config struct {
	Name          string
	Period        time.Duration
	QueueCapacity int
	Clock         timeutil.Clock
	// Epoch timestamps every sample. Share one Epoch between samplers and
	// the pose estimator so vision timestamps are comparable.
	Epoch *timeutil.Epoch
}

type signal struct {
	read     Supplier
	required bool
	queue    *Queue
}

// Stats is a point-in-time snapshot of sampler counters.
type Stats struct {
	Name       string `json:"name"`
	State      string `json:"state"`
	Samples    uint64 `json:"samples"`
	Discarded  uint64 `json:"discarded"`
	Dropped    uint64 `json:"dropped"`
	Signals    int    `json:"signals"`
	Timestamps int    `json:"timestamps"`
}

// Sampler owns a set of signal queues and the goroutine that fills them.
type Sampler struct {
	name     string
	period   time.Duration
	capacity int
	clock    timeutil.Clock
	epoch    timeutil.Epoch

	mu         sync.Mutex
	signals    []signal
	timestamps []*Queue
	scratch    []Sample
	lastStamp  float64
	samples    uint64
	discarded  uint64
	state      State

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// New creates a sampler in the constructed state.
func New(cfg Config) *Sampler {
	if cfg.Period <= 0 {
		cfg.Period = DefaultPeriod
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultQueueCapacity
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Name == "" {
		cfg.Name = "sampler"
	}
	epoch := timeutil.NewEpoch(cfg.Clock)
	if cfg.Epoch != nil {
		epoch = *cfg.Epoch
	}
	return &Sampler{
		name:     cfg.Name,
		period:   cfg.Period,
		capacity: cfg.QueueCapacity,
		clock:    cfg.Clock,
		epoch:    epoch,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Name returns the sampler name.
func (s *Sampler) Name() string { return s.name }

// Epoch returns the epoch used to timestamp samples.
func (s *Sampler) Epoch() timeutil.Epoch { return s.epoch }

// RegisterSignal registers a required signal. An invalid reading discards
// the whole sampling instant.
func (s *Sampler) RegisterSignal(name string, read Supplier) *Queue {
	return s.register(name, read, true)
}

// RegisterOptionalSignal registers a signal whose invalid readings are
// queued with Valid=false instead of discarding the instant. Gyro yaw uses
// this so a disconnected gyro degrades heading instead of halting odometry.
func (s *Sampler) RegisterOptionalSignal(name string, read Supplier) *Queue {
	return s.register(name, read, false)
}

func (s *Sampler) register(name string, read Supplier, required bool) *Queue {
	q := newQueue(name, s, s.capacity)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals = append(s.signals, signal{read: read, required: required, queue: q})
	s.scratch = append(s.scratch, Sample{})
	return q
}

// RegisterTimestampQueue returns a queue that receives the shared timestamp
// (epoch seconds) of every accepted sampling instant.
func (s *Sampler) RegisterTimestampQueue() *Queue {
	q := newQueue("timestamp", s, s.capacity)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timestamps = append(s.timestamps, q)
	return q
}

// SampleOnce performs one sampling instant and reports whether it was
// accepted. The background loop calls it every period; tests call it
// directly.
func (s *Sampler) SampleOnce() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	stamp := s.epoch.Seconds()
	if stamp < s.lastStamp {
		stamp = s.lastStamp
	}

	for i, sig := range s.signals {
		v, ok := sig.read()
		ok = ok && !math.IsNaN(v) && !math.IsInf(v, 0)
		if !ok && sig.required {
			s.discarded++
			return false
		}
		s.scratch[i] = Sample{Value: v, Valid: ok}
	}

	for i, sig := range s.signals {
		sig.queue.offer(s.scratch[i])
	}
	for _, q := range s.timestamps {
		q.offer(Sample{Value: stamp, Valid: true})
	}
	s.lastStamp = stamp
	s.samples++
	return true
}

// Drain empties the given queues under one lock acquisition so that the
// consumer sees the same sampling instants in every queue. Results are in
// the order of the arguments.
func (s *Sampler) Drain(queues ...*Queue) ([][]Sample, error) {
	out := make([][]Sample, len(queues))
	for i, q := range queues {
		if q.owner != s {
			return nil, fmt.Errorf("%w: %q", ErrForeignQueue, q.name)
		}
		out[i] = make([]Sample, 0, q.Cap())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, q := range queues {
		out[i] = q.drainInto(out[i])
	}
	return out, nil
}

// Start launches the sampling goroutine. A sampler can be started once; it
// runs until ctx is cancelled or Stop is called.
func (s *Sampler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateConstructed {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrAlreadyStarted, s.name, s.state)
	}
	s.state = StateRunning
	s.mu.Unlock()

	go s.run(ctx)
	monitoring.Logf("sampler %s started: period=%v queue_capacity=%d", s.name, s.period, s.capacity)
	return nil
}

func (s *Sampler) run(ctx context.Context) {
	defer close(s.done)
	defer func() {
		s.mu.Lock()
		s.state = StateStopped
		s.mu.Unlock()
	}()

	ticker := s.clock.NewTicker(s.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C():
			s.SampleOnce()
		}
	}
}

// Stop signals the sampling goroutine to exit and waits for it. Stop on a
// sampler that was never started marks it stopped and returns immediately.
func (s *Sampler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })

	s.mu.Lock()
	started := s.state != StateConstructed
	if !started {
		s.state = StateStopped
	}
	s.mu.Unlock()

	if started {
		<-s.done
	}
}

// State returns the lifecycle state.
func (s *Sampler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats returns the sampler counters.
func (s *Sampler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	var dropped uint64
	for _, sig := range s.signals {
		dropped += sig.queue.dropped
	}
	for _, q := range s.timestamps {
		dropped += q.dropped
	}
	return Stats{
		Name:       s.name,
		State:      s.state.String(),
		Samples:    s.samples,
		Discarded:  s.discarded,
		Dropped:    dropped,
		Signals:    len(s.signals),
		Timestamps: len(s.timestamps),
	}
}
