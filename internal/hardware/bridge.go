package hardware

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/banshee-data/fieldpose/internal/kinematics"
	"github.com/banshee-data/fieldpose/internal/monitoring"
	"github.com/banshee-data/fieldpose/internal/serialmux"
	"github.com/banshee-data/fieldpose/internal/timeutil"
)

// DefaultStaleAfter is how long a bridge reading stays valid without a
// fresh line. Five missed 250 Hz reports.
const DefaultStaleAfter = 20 * time.Millisecond

type bridgeModule struct {
	position, velocity, azimuth float64
	ok                          bool
	at                          time.Time
}

type bridgeGyro struct {
	yaw, rate float64
	ok        bool
	at        time.Time
}

// Bridge holds the latest telemetry streamed by a motor controller bridge
// and writes module setpoints back to it.
type Bridge struct {
	mux        serialmux.SerialMuxInterface
	clock      timeutil.Clock
	staleAfter time.Duration
	names      []string

	mu          sync.Mutex
	modules     []bridgeModule
	gyro        bridgeGyro
	config      map[string]any
	parseErrors int
	sendErrors  int
}

// NewBridge returns a Bridge for the named modules. Module i in names is
// index i on the wire.
func NewBridge(mux serialmux.SerialMuxInterface, names []string, clock timeutil.Clock, staleAfter time.Duration) *Bridge {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Bridge{
		mux:        mux,
		clock:      clock,
		staleAfter: staleAfter,
		names:      append([]string(nil), names...),
		modules:    make([]bridgeModule, len(names)),
	}
}

// HandleModuleLine implements serialmux.LineHandler.
func (b *Bridge) HandleModuleLine(l serialmux.ModuleLine) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if l.Index >= len(b.modules) {
		b.parseErrors++
		return
	}
	b.modules[l.Index] = bridgeModule{
		position: l.Position,
		velocity: l.Velocity,
		azimuth:  l.Azimuth,
		ok:       l.OK,
		at:       b.clock.Now(),
	}
}

// HandleGyroLine implements serialmux.LineHandler.
func (b *Bridge) HandleGyroLine(l serialmux.GyroLine) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gyro = bridgeGyro{yaw: l.Yaw, rate: l.Rate, ok: l.OK, at: b.clock.Now()}
}

// HandleConfig implements serialmux.LineHandler. Keys accumulate across
// replies.
func (b *Bridge) HandleConfig(values map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.config == nil {
		b.config = make(map[string]any, len(values))
	}
	maps.Copy(b.config, values)
}

// DeviceConfig returns a copy of the config the bridge has reported.
func (b *Bridge) DeviceConfig() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return maps.Clone(b.config)
}

// Run feeds lines from the mux into the bridge until ctx is cancelled or
// the mux closes the subscription.
func (b *Bridge) Run(ctx context.Context) error {
	id, lines := b.mux.Subscribe()
	defer b.mux.Unsubscribe(id)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := serialmux.HandleEvent(b, line); err != nil {
				b.mu.Lock()
				b.parseErrors++
				b.mu.Unlock()
				monitoring.Logf("bridge: %v", err)
			}
		}
	}
}

// Errors returns the count of rejected telemetry lines and failed setpoint
// writes.
func (b *Bridge) Errors() (parse, send int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.parseErrors, b.sendErrors
}

func (b *Bridge) fresh(at time.Time) bool {
	return !at.IsZero() && b.clock.Now().Sub(at) <= b.staleAfter
}

func (b *Bridge) readModule(idx int, pick func(bridgeModule) float64) (float64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.modules[idx]
	return pick(m), m.ok && b.fresh(m.at)
}

// Modules returns one ModuleIO per wire index.
func (b *Bridge) Modules() []ModuleIO {
	out := make([]ModuleIO, len(b.names))
	for i := range b.names {
		out[i] = &bridgeModuleIO{b: b, idx: i}
	}
	return out
}

// Gyro returns the bridge gyro.
func (b *Bridge) Gyro() GyroIO { return bridgeGyroIO{b} }

type bridgeModuleIO struct {
	b   *Bridge
	idx int
}

func (m *bridgeModuleIO) Name() string { return m.b.names[m.idx] }

func (m *bridgeModuleIO) DrivePosition() (float64, bool) {
	return m.b.readModule(m.idx, func(s bridgeModule) float64 { return s.position })
}

func (m *bridgeModuleIO) DriveVelocity() (float64, bool) {
	return m.b.readModule(m.idx, func(s bridgeModule) float64 { return s.velocity })
}

func (m *bridgeModuleIO) Azimuth() (float64, bool) {
	return m.b.readModule(m.idx, func(s bridgeModule) float64 { return s.azimuth })
}

func (m *bridgeModuleIO) SetDesiredState(st kinematics.ModuleState) {
	if err := m.b.mux.SendCommand(serialmux.FormatSetpoint(m.idx, st.Speed, st.Angle)); err != nil {
		m.b.mu.Lock()
		m.b.sendErrors++
		m.b.mu.Unlock()
		monitoring.Logf("bridge: setpoint for %s: %v", m.Name(), err)
	}
}

type bridgeGyroIO struct{ b *Bridge }

func (g bridgeGyroIO) Yaw() (float64, bool) {
	g.b.mu.Lock()
	defer g.b.mu.Unlock()
	return g.b.gyro.yaw, g.b.gyro.ok && g.b.fresh(g.b.gyro.at)
}

func (g bridgeGyroIO) YawRate() (float64, bool) {
	g.b.mu.Lock()
	defer g.b.mu.Unlock()
	return g.b.gyro.rate, g.b.gyro.ok && g.b.fresh(g.b.gyro.at)
}
