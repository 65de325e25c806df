package hardware

import (
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/fieldpose/internal/geom"
	"github.com/banshee-data/fieldpose/internal/kinematics"
)

// Sim is an ideal drivetrain: every module reaches its setpoint instantly
// and the gyro integrates the resulting chassis rotation.
type Sim struct {
	mu      sync.Mutex
	kin     *kinematics.Swerve
	names   []string
	desired []kinematics.ModuleState
	state   []kinematics.ModuleState
	dist    []float64

	yaw       float64
	yawRate   float64
	connected bool
}

// NewSim returns a stationary simulated drivetrain with a connected gyro.
func NewSim(kin *kinematics.Swerve, names []string) (*Sim, error) {
	if kin == nil {
		return nil, fmt.Errorf("%w: simulator needs kinematics", ErrMisconfigured)
	}
	if kin.NumModules() != len(names) {
		return nil, fmt.Errorf("%w: %d module names for %d kinematics modules", ErrMisconfigured, len(names), kin.NumModules())
	}
	n := len(names)
	return &Sim{
		kin:       kin,
		names:     append([]string(nil), names...),
		desired:   make([]kinematics.ModuleState, n),
		state:     make([]kinematics.ModuleState, n),
		dist:      make([]float64, n),
		connected: true,
	}, nil
}

// SimulationPeriodic advances the simulation by dt.
func (s *Sim) SimulationPeriodic(dt time.Duration) {
	sec := dt.Seconds()
	if sec <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copy(s.state, s.desired)
	for i, st := range s.state {
		s.dist[i] += st.Speed * sec
	}
	speeds, err := s.kin.Inverse(s.state)
	if err != nil {
		return
	}
	s.yawRate = speeds.Omega
	s.yaw = geom.WrapAngle(s.yaw + speeds.Omega*sec)
}

// SetGyroConnected simulates the gyro dropping off or coming back.
func (s *Sim) SetGyroConnected(connected bool) {
	s.mu.Lock()
	s.connected = connected
	s.mu.Unlock()
}

// Modules returns one ModuleIO per simulated module.
func (s *Sim) Modules() []ModuleIO {
	out := make([]ModuleIO, len(s.names))
	for i := range s.names {
		out[i] = &simModule{sim: s, idx: i}
	}
	return out
}

// Gyro returns the simulated gyro.
func (s *Sim) Gyro() GyroIO { return simGyro{s} }

type simModule struct {
	sim *Sim
	idx int
}

func (m *simModule) Name() string { return m.sim.names[m.idx] }

func (m *simModule) DrivePosition() (float64, bool) {
	m.sim.mu.Lock()
	defer m.sim.mu.Unlock()
	return m.sim.dist[m.idx], true
}

func (m *simModule) DriveVelocity() (float64, bool) {
	m.sim.mu.Lock()
	defer m.sim.mu.Unlock()
	return m.sim.state[m.idx].Speed, true
}

func (m *simModule) Azimuth() (float64, bool) {
	m.sim.mu.Lock()
	defer m.sim.mu.Unlock()
	return m.sim.state[m.idx].Angle, true
}

func (m *simModule) SetDesiredState(st kinematics.ModuleState) {
	m.sim.mu.Lock()
	m.sim.desired[m.idx] = st
	m.sim.mu.Unlock()
}

type simGyro struct{ sim *Sim }

func (g simGyro) Yaw() (float64, bool) {
	g.sim.mu.Lock()
	defer g.sim.mu.Unlock()
	return g.sim.yaw, g.sim.connected
}

func (g simGyro) YawRate() (float64, bool) {
	g.sim.mu.Lock()
	defer g.sim.mu.Unlock()
	return g.sim.yawRate, g.sim.connected
}
