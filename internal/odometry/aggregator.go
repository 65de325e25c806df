// Package odometry turns queued raw module and gyro samples into ordered
// odometry frames once per control tick.
package odometry

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/banshee-data/fieldpose/internal/geom"
	"github.com/banshee-data/fieldpose/internal/kinematics"
	"github.com/banshee-data/fieldpose/internal/monitoring"
	"github.com/banshee-data/fieldpose/internal/sampler"
)

// ErrMisconfigured is returned by New for a module or queue set that cannot
// produce consistent frames.
var ErrMisconfigured = errors.New("odometry: misconfigured")

// GyroFallbackText is the operator alert raised while heading is integrated
// from kinematics instead of the gyro.
const GyroFallbackText = "Disconnected gyro, using kinematics as fallback."

// ModuleSource names the queues carrying one module's signals.
type ModuleSource struct {
	Name     string
	Position *sampler.Queue
	Angle    *sampler.Queue
	// Velocity is optional.
	Velocity *sampler.Queue
	// PositionWrap is the distance after which the position signal rolls
	// over. Zero for a continuous position.
	PositionWrap float64
}

// GyroSource names the gyro queues. Yaw must be registered as an optional
// signal so that its validity reaches the aggregator as GyroSample.Connected.
type GyroSource struct {
	Yaw *sampler.Queue
	// Rate is optional.
	Rate *sampler.Queue
}

// FrameSink receives every frame in timestamp order.
type FrameSink interface {
	Integrate(Frame)
}

// Config configures an Aggregator.
type Config struct {
	Kinematics *kinematics.Swerve
	Modules    []ModuleSource
	// Gyro is nil when no gyro is fitted; heading is then always integrated
	// from kinematics.
	Gyro       *GyroSource
	Timestamps *sampler.Queue
	// Sink is optional.
	Sink FrameSink
}

// Status is a snapshot of aggregator counters for diagnostics.
type Status struct {
	Ticks          uint64        `json:"ticks"`
	Frames         uint64        `json:"frames"`
	LastTickFrames int           `json:"last_tick_frames"`
	LastTimestamp  float64       `json:"last_timestamp"`
	Heading        float64       `json:"heading"`
	GyroConnected  bool          `json:"gyro_connected"`
	FallbackActive bool          `json:"fallback_active"`
	FallbackRaised int           `json:"fallback_raised"`
	Sampler        sampler.Stats `json:"sampler"`
}

type moduleIndex struct {
	pos, angle, vel int
}

// Aggregator drains one Sampler's queues and integrates them into frames.
// DrainAndIntegrate must be called from a single goroutine; Status and
// Latest may be called from any goroutine.
type Aggregator struct {
	kin     *kinematics.Swerve
	modules []ModuleSource
	src     *sampler.Sampler
	sink    FrameSink
	alert   *monitoring.Alert
	queues  []*sampler.Queue
	tsIdx   int
	modIdx  []moduleIndex
	yawIdx  int
	rateIdx int

	seeded        bool
	lastPos       []float64
	heading       float64
	gyroOffset    float64
	gyroConnected bool

	mu     sync.Mutex
	status Status
	latest Frame
}

// New validates the module and queue set. Every queue must come from the
// same Sampler so that one drain observes the same sampling instants
// across all of them.
func New(cfg Config) (*Aggregator, error) {
	if cfg.Kinematics == nil {
		return nil, fmt.Errorf("%w: nil kinematics", ErrMisconfigured)
	}
	if len(cfg.Modules) != cfg.Kinematics.NumModules() {
		return nil, fmt.Errorf("%w: %d module sources for %d kinematics modules",
			ErrMisconfigured, len(cfg.Modules), cfg.Kinematics.NumModules())
	}
	if cfg.Timestamps == nil {
		return nil, fmt.Errorf("%w: nil timestamp queue", ErrMisconfigured)
	}

	a := &Aggregator{
		kin:     cfg.Kinematics,
		modules: cfg.Modules,
		src:     cfg.Timestamps.Sampler(),
		sink:    cfg.Sink,
		alert:   monitoring.NewAlert(GyroFallbackText, monitoring.SeverityError),
		modIdx:  make([]moduleIndex, len(cfg.Modules)),
		lastPos: make([]float64, len(cfg.Modules)),
		yawIdx:  -1,
		rateIdx: -1,
	}

	add := func(q *sampler.Queue, what string) (int, error) {
		if q.Sampler() != a.src {
			return 0, fmt.Errorf("%w: %s queue %q is fed by sampler %q, want %q",
				ErrMisconfigured, what, q.Name(), q.Sampler().Name(), a.src.Name())
		}
		a.queues = append(a.queues, q)
		return len(a.queues) - 1, nil
	}

	var err error
	if a.tsIdx, err = add(cfg.Timestamps, "timestamp"); err != nil {
		return nil, err
	}
	for i, m := range cfg.Modules {
		if m.Position == nil || m.Angle == nil {
			return nil, fmt.Errorf("%w: module %d (%s) needs position and angle queues", ErrMisconfigured, i, m.Name)
		}
		if m.PositionWrap < 0 {
			return nil, fmt.Errorf("%w: module %d (%s) has negative position wrap", ErrMisconfigured, i, m.Name)
		}
		idx := moduleIndex{vel: -1}
		if idx.pos, err = add(m.Position, m.Name+" position"); err != nil {
			return nil, err
		}
		if idx.angle, err = add(m.Angle, m.Name+" angle"); err != nil {
			return nil, err
		}
		if m.Velocity != nil {
			if idx.vel, err = add(m.Velocity, m.Name+" velocity"); err != nil {
				return nil, err
			}
		}
		a.modIdx[i] = idx
	}
	if cfg.Gyro != nil {
		if cfg.Gyro.Yaw == nil {
			return nil, fmt.Errorf("%w: gyro source without yaw queue", ErrMisconfigured)
		}
		if a.yawIdx, err = add(cfg.Gyro.Yaw, "gyro yaw"); err != nil {
			return nil, err
		}
		if cfg.Gyro.Rate != nil {
			if a.rateIdx, err = add(cfg.Gyro.Rate, "gyro rate"); err != nil {
				return nil, err
			}
		}
	}
	return a, nil
}

// DrainAndIntegrate drains every queue and returns one frame per queued
// sampling instant in timestamp order. An empty drain returns no frames.
// Frames are also forwarded to the configured sink.
func (a *Aggregator) DrainAndIntegrate() []Frame {
	drained, err := a.src.Drain(a.queues...)
	if err != nil {
		monitoring.Logf("odometry: drain failed: %v", err)
		return nil
	}

	// Queues are drained together so lengths match; if they ever differ the
	// newest n instants are the ones present in every queue.
	n := math.MaxInt
	for _, d := range drained {
		n = min(n, len(d))
	}

	frames := make([]Frame, 0, n)
	for i := 0; i < n; i++ {
		at := func(q int) sampler.Sample {
			d := drained[q]
			return d[len(d)-n+i]
		}
		frames = append(frames, a.integrate(at))
	}

	a.mu.Lock()
	a.status.Ticks++
	a.status.Frames += uint64(len(frames))
	a.status.LastTickFrames = len(frames)
	if len(frames) > 0 {
		last := frames[len(frames)-1]
		a.latest = last
		a.status.LastTimestamp = last.Timestamp
		a.status.Heading = last.Heading
		a.status.GyroConnected = last.Gyro.Connected
	}
	a.mu.Unlock()

	if a.sink != nil {
		for _, f := range frames {
			a.sink.Integrate(f)
		}
	}
	return frames
}

func (a *Aggregator) integrate(at func(int) sampler.Sample) Frame {
	ts := at(a.tsIdx).Value
	f := Frame{
		Timestamp: ts,
		Modules:   make([]ModuleSample, len(a.modIdx)),
		Deltas:    make([]kinematics.ModulePosition, len(a.modIdx)),
	}

	for j, idx := range a.modIdx {
		m := ModuleSample{
			Position:  at(idx.pos).Value,
			Angle:     at(idx.angle).Value,
			Timestamp: ts,
		}
		if idx.vel >= 0 {
			v := at(idx.vel)
			m.Velocity, m.VelocityValid = v.Value, v.Valid
		}
		var d float64
		if a.seeded {
			d = geom.WrapDelta(m.Position, a.lastPos[j], a.modules[j].PositionWrap)
		}
		a.lastPos[j] = m.Position
		f.Modules[j] = m
		f.Deltas[j] = kinematics.ModulePosition{Distance: d, Angle: m.Angle}
	}

	// Count was validated in New.
	twist, _ := a.kin.ToTwist(f.Deltas)

	f.Gyro = GyroSample{Timestamp: ts}
	if a.yawIdx >= 0 {
		yaw := at(a.yawIdx)
		f.Gyro.Heading = yaw.Value
		f.Gyro.Connected = yaw.Valid
		if a.rateIdx >= 0 {
			f.Gyro.AngularVelocity = at(a.rateIdx).Value
		}
	}

	prev := a.heading
	if f.Gyro.Connected {
		// On (re)connect the gyro is re-zeroed against the current heading
		// so heading stays continuous across an outage.
		if !a.gyroConnected {
			a.gyroOffset = a.heading - f.Gyro.Heading
		}
		a.heading = geom.WrapAngle(f.Gyro.Heading + a.gyroOffset)
		twist.DTheta = geom.WrapAngle(a.heading - prev)
	} else {
		a.heading = geom.WrapAngle(prev + twist.DTheta)
	}
	a.gyroConnected = f.Gyro.Connected
	a.setFallback(!f.Gyro.Connected)

	if !a.seeded {
		twist = geom.Twist{}
		a.seeded = true
	}
	f.Twist = twist
	f.Heading = a.heading
	return f
}

func (a *Aggregator) setFallback(active bool) {
	if !a.alert.Set(active) {
		return
	}
	a.mu.Lock()
	a.status.FallbackActive = active
	a.status.FallbackRaised = a.alert.Raised()
	a.mu.Unlock()
}

// Alert returns the gyro fallback alert.
func (a *Aggregator) Alert() *monitoring.Alert { return a.alert }

// Sampler returns the sampler feeding this aggregator.
func (a *Aggregator) Sampler() *sampler.Sampler { return a.src }

// Status returns a snapshot of the aggregator counters.
func (a *Aggregator) Status() Status {
	a.mu.Lock()
	st := a.status
	a.mu.Unlock()
	st.Sampler = a.src.Stats()
	return st
}

// Latest returns the most recent frame, or the zero Frame before the first.
func (a *Aggregator) Latest() Frame {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.latest
}
