// Package drive composes the swerve hardware, the signal sampler, the
// odometry aggregator and the pose estimator into one drivetrain driven by
// the control loop.
package drive

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/fieldpose/internal/estimator"
	"github.com/banshee-data/fieldpose/internal/geom"
	"github.com/banshee-data/fieldpose/internal/hardware"
	"github.com/banshee-data/fieldpose/internal/kinematics"
	"github.com/banshee-data/fieldpose/internal/loop"
	"github.com/banshee-data/fieldpose/internal/odometry"
	"github.com/banshee-data/fieldpose/internal/sampler"
)

// Config configures a Drivetrain.
type Config struct {
	Kinematics *kinematics.Swerve
	Hardware   *hardware.Set
	Estimator  *estimator.Estimator
	// PositionWraps is indexed like Hardware.Modules. Nil means every
	// position is continuous.
	PositionWraps []float64
	// MaxSpeed caps every module's wheel speed in m/s.
	MaxSpeed float64
	// Period is the control loop period used to discretize commands.
	// Defaults to loop.DefaultPeriod.
	Period  time.Duration
	Sampler sampler.Config
}

// Telemetry is the drivetrain snapshot published to status endpoints.
type Telemetry struct {
	Pose      estimator.Estimate       `json:"pose"`
	Command   kinematics.ChassisSpeeds `json:"command"`
	Measured  kinematics.ChassisSpeeds `json:"measured"`
	Setpoints []kinematics.ModuleState `json:"setpoints"`
	Odometry  odometry.Status          `json:"odometry"`
	Estimator estimator.Stats          `json:"estimator"`
}

var (
	_ loop.Periodic        = (*Drivetrain)(nil)
	_ loop.TelemetrySource = (*Drivetrain)(nil)
)

// Drivetrain is a swerve drive with odometry. Periodic must be called from
// the control loop; the command and query methods may be called from any
// goroutine.
type Drivetrain struct {
	kin      *kinematics.Swerve
	modules  []hardware.ModuleIO
	sampler  *sampler.Sampler
	agg      *odometry.Aggregator
	est      *estimator.Estimator
	maxSpeed float64
	period   time.Duration

	mu        sync.Mutex
	command   kinematics.ChassisSpeeds
	setpoints []kinematics.ModuleState
	measured  kinematics.ChassisSpeeds
}

// New wires every module and the gyro into one sampler and builds the
// aggregator feeding cfg.Estimator.
func New(cfg Config) (*Drivetrain, error) {
	if cfg.Kinematics == nil || cfg.Hardware == nil || cfg.Estimator == nil {
		return nil, fmt.Errorf("%w: drivetrain needs kinematics, hardware and an estimator", odometry.ErrMisconfigured)
	}
	mods := cfg.Hardware.Modules
	if len(mods) != cfg.Kinematics.NumModules() {
		return nil, fmt.Errorf("%w: %d hardware modules for %d kinematics modules",
			odometry.ErrMisconfigured, len(mods), cfg.Kinematics.NumModules())
	}
	if cfg.PositionWraps != nil && len(cfg.PositionWraps) != len(mods) {
		return nil, fmt.Errorf("%w: %d position wraps for %d modules",
			odometry.ErrMisconfigured, len(cfg.PositionWraps), len(mods))
	}
	if cfg.Period <= 0 {
		cfg.Period = loop.DefaultPeriod
	}
	if cfg.Sampler.Name == "" {
		cfg.Sampler.Name = "drivetrain"
	}

	s := sampler.New(cfg.Sampler)
	sources := make([]odometry.ModuleSource, len(mods))
	for i, m := range mods {
		src := odometry.ModuleSource{
			Name:     m.Name(),
			Position: s.RegisterSignal(m.Name()+"/position", m.DrivePosition),
			Angle:    s.RegisterSignal(m.Name()+"/azimuth", m.Azimuth),
			Velocity: s.RegisterOptionalSignal(m.Name()+"/velocity", m.DriveVelocity),
		}
		if cfg.PositionWraps != nil {
			src.PositionWrap = cfg.PositionWraps[i]
		}
		sources[i] = src
	}
	var gyro *odometry.GyroSource
	if g := cfg.Hardware.Gyro; g != nil {
		gyro = &odometry.GyroSource{
			Yaw:  s.RegisterOptionalSignal("gyro/yaw", g.Yaw),
			Rate: s.RegisterOptionalSignal("gyro/rate", g.YawRate),
		}
	}

	agg, err := odometry.New(odometry.Config{
		Kinematics: cfg.Kinematics,
		Modules:    sources,
		Gyro:       gyro,
		Timestamps: s.RegisterTimestampQueue(),
		Sink:       cfg.Estimator,
	})
	if err != nil {
		return nil, err
	}

	return &Drivetrain{
		kin:       cfg.Kinematics,
		modules:   mods,
		sampler:   s,
		agg:       agg,
		est:       cfg.Estimator,
		maxSpeed:  cfg.MaxSpeed,
		period:    cfg.Period,
		setpoints: make([]kinematics.ModuleState, len(mods)),
	}, nil
}

// Start starts the sampler goroutine.
func (d *Drivetrain) Start(ctx context.Context) error {
	return d.sampler.Start(ctx)
}

// Close stops the modules and joins the sampler goroutine.
func (d *Drivetrain) Close() {
	d.Stop()
	d.sampler.Stop()
}

// Periodic drains every queued sample into the estimator. It must run once
// per control tick before anything reads the pose for that tick. Measured
// speeds are only updated from an instant where every module velocity was
// valid.
func (d *Drivetrain) Periodic() {
	frames := d.agg.DrainAndIntegrate()
	if len(frames) == 0 {
		return
	}
	last := frames[len(frames)-1]
	states := make([]kinematics.ModuleState, len(last.Modules))
	for i, m := range last.Modules {
		if !m.VelocityValid {
			return
		}
		states[i] = kinematics.ModuleState{Speed: m.Velocity, Angle: m.Angle}
	}
	measured, err := d.kin.Inverse(states)
	if err != nil {
		return
	}
	d.mu.Lock()
	d.measured = measured
	d.mu.Unlock()
}

// RunVelocity commands a chassis velocity. When fieldRelative is set VX and
// VY are in field axes and are rotated into the robot frame using the
// current pose estimate.
func (d *Drivetrain) RunVelocity(speeds kinematics.ChassisSpeeds, fieldRelative bool) {
	if fieldRelative {
		v := geom.Translation{X: speeds.VX, Y: speeds.VY}.Rotate(-d.est.Pose().Pose.Heading)
		speeds.VX, speeds.VY = v.X, v.Y
	}
	discrete := kinematics.Discretize(speeds, d.period.Seconds())
	states := kinematics.Desaturate(d.kin.Forward(discrete), d.maxSpeed)

	d.mu.Lock()
	for i := range states {
		// hold azimuth instead of snapping to zero when stopped
		if states[i].Speed == 0 {
			states[i].Angle = d.setpoints[i].Angle
		}
	}
	d.command = speeds
	copy(d.setpoints, states)
	d.mu.Unlock()

	d.apply(states)
}

// Stop zeroes every wheel speed and holds the current azimuths.
func (d *Drivetrain) Stop() {
	d.RunVelocity(kinematics.ChassisSpeeds{}, false)
}

// StopWithX zeroes every wheel speed and points each module at the chassis
// centre so the robot resists being pushed.
func (d *Drivetrain) StopWithX() {
	offsets := d.kin.Offsets()
	states := make([]kinematics.ModuleState, len(offsets))
	for i, o := range offsets {
		states[i] = kinematics.ModuleState{Angle: o.Angle()}
	}
	d.mu.Lock()
	d.command = kinematics.ChassisSpeeds{}
	copy(d.setpoints, states)
	d.mu.Unlock()

	d.apply(states)
}

func (d *Drivetrain) apply(states []kinematics.ModuleState) {
	for i, m := range d.modules {
		m.SetDesiredState(states[i])
	}
}

// Pose returns the current pose estimate.
func (d *Drivetrain) Pose() estimator.Estimate { return d.est.Pose() }

// ResetPose discards history and sets the pose.
func (d *Drivetrain) ResetPose(p geom.Pose) { d.est.ResetPose(p) }

// MeasuredSpeeds returns the chassis speeds solved from the last sampled
// set of valid module velocities.
func (d *Drivetrain) MeasuredSpeeds() kinematics.ChassisSpeeds {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.measured
}

// Setpoints returns the last commanded module states.
func (d *Drivetrain) Setpoints() []kinematics.ModuleState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]kinematics.ModuleState(nil), d.setpoints...)
}

// MaxAngularSpeed is the fastest the chassis can spin with every module at
// MaxSpeed.
func (d *Drivetrain) MaxAngularSpeed() float64 {
	r := 0.0
	for _, o := range d.kin.Offsets() {
		r = math.Max(r, o.Norm())
	}
	if r == 0 {
		return 0
	}
	return d.maxSpeed / r
}

// Aggregator returns the odometry aggregator.
func (d *Drivetrain) Aggregator() *odometry.Aggregator { return d.agg }

// OdometryStatus returns the aggregator's counters.
func (d *Drivetrain) OdometryStatus() odometry.Status { return d.agg.Status() }

// Sampler returns the drivetrain sampler.
func (d *Drivetrain) Sampler() *sampler.Sampler { return d.sampler }

// Estimator returns the pose estimator.
func (d *Drivetrain) Estimator() *estimator.Estimator { return d.est }

// Telemetry implements loop.TelemetrySource.
func (d *Drivetrain) Telemetry() any {
	d.mu.Lock()
	t := Telemetry{
		Command:   d.command,
		Measured:  d.measured,
		Setpoints: append([]kinematics.ModuleState(nil), d.setpoints...),
	}
	d.mu.Unlock()
	t.Pose = d.est.Pose()
	t.Odometry = d.agg.Status()
	t.Estimator = d.est.Stats()
	return t
}
