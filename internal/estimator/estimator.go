// Package estimator maintains the authoritative field pose by integrating
// odometry frames and folding in delayed vision measurements.
//
// Every integrated frame is retained in a bounded history. A vision
// measurement is anchored at the newest history entry at or before its
// timestamp; the entry's pose is blended towards the measurement and all
// later entries are replayed on top of the corrected anchor, so a late
// correction moves the whole trajectory segment after it while preserving
// that segment's shape.
package estimator

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/banshee-data/fieldpose/internal/geom"
	"github.com/banshee-data/fieldpose/internal/monitoring"
	"github.com/banshee-data/fieldpose/internal/odometry"
)

// DefaultHistoryCapacity retains 1.6 s of frames at a 250 Hz sample rate.
const DefaultHistoryCapacity = 400

// DefaultTurnDriftStdDev is the heading uncertainty growth (rad) per radian
// turned since the last correction.
const DefaultTurnDriftStdDev = 0.05

var (
	// DefaultStateStdDevs is the odometry uncertainty floor (m, m, rad).
	DefaultStateStdDevs = [3]float64{0.1, 0.1, 0.1}
	// DefaultDriftStdDevs is the odometry uncertainty growth per metre
	// travelled since the last correction.
	DefaultDriftStdDevs = [3]float64{0.05, 0.05, 0.05}
	// DefaultVisionStdDevs is the measurement uncertainty assumed for a
	// vision fix that reports none.
	DefaultVisionStdDevs = [3]float64{0.9, 0.9, 0.9}
)

// Estimate is the published pose and the timestamp of the frame or reset
// that produced it.
type Estimate struct {
	Pose      geom.Pose `json:"pose"`
	Timestamp float64   `json:"timestamp"`
}

// VisionMeasurement is an externally computed field pose with per-axis
// standard deviations (m, m, rad). Timestamp is in the same epoch seconds
// as odometry frames.
type VisionMeasurement struct {
	Pose      geom.Pose  `json:"pose"`
	Timestamp float64    `json:"timestamp"`
	StdDev    [3]float64 `json:"std_dev"`
	Source    string     `json:"source,omitempty"`
}

func (m VisionMeasurement) validate() error {
	for _, v := range []float64{m.Pose.X, m.Pose.Y, m.Pose.Heading, m.Timestamp} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("non-finite pose or timestamp")
		}
	}
	for i, s := range m.StdDev {
		if math.IsNaN(s) || s < 0 {
			return fmt.Errorf("std dev %d is %v", i, s)
		}
	}
	return nil
}

// Outcome describes what happened to a vision measurement.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeStale     Outcome = "stale"
	OutcomeNoHistory Outcome = "no_history"
	OutcomeInvalid   Outcome = "invalid"
)

// Config configures an Estimator.
type Config struct {
	HistoryCapacity int
	InitialPose     geom.Pose
	// StateStdDevs and DriftStdDevs default to DefaultStateStdDevs and
	// DefaultDriftStdDevs when all zero.
	StateStdDevs [3]float64
	DriftStdDevs [3]float64
	// TurnDriftStdDev adds heading variance per radian turned, so spinning
	// in place still loosens heading. Zero means DefaultTurnDriftStdDev.
	TurnDriftStdDev float64
	// OnVision, if set, is called after every AddVisionMeasurement outside
	// the estimator lock. It must not block.
	OnVision func(VisionMeasurement, Outcome)
}

// Stats counts estimator inputs.
type Stats struct {
	Frames       uint64  `json:"frames"`
	OutOfOrder   uint64  `json:"out_of_order"`
	NonFinite    uint64  `json:"non_finite"`
	Applied      uint64  `json:"applied"`
	Stale        uint64  `json:"stale"`
	Invalid      uint64  `json:"invalid"`
	History      int     `json:"history"`
	HistoryStart float64 `json:"history_start"`
	HistoryEnd   float64 `json:"history_end"`
}

// Estimator owns the published pose and its history. All methods are safe
// for concurrent use.
type Estimator struct {
	stateVar [3]float64
	driftVar [3]float64
	turnVar  float64
	onVision func(VisionMeasurement, Outcome)

	mu      sync.RWMutex
	hist    *history
	current Estimate
	// anchor is the pose history replays from when it is empty.
	anchor Estimate
	stats  Stats

	providers providerSet
}

// New creates an estimator at cfg.InitialPose.
func New(cfg Config) (*Estimator, error) {
	if cfg.HistoryCapacity == 0 {
		cfg.HistoryCapacity = DefaultHistoryCapacity
	}
	if cfg.HistoryCapacity < 1 {
		return nil, fmt.Errorf("estimator: history capacity %d must be positive", cfg.HistoryCapacity)
	}
	if cfg.StateStdDevs == ([3]float64{}) {
		cfg.StateStdDevs = DefaultStateStdDevs
	}
	if cfg.DriftStdDevs == ([3]float64{}) {
		cfg.DriftStdDevs = DefaultDriftStdDevs
	}
	if cfg.TurnDriftStdDev == 0 {
		cfg.TurnDriftStdDev = DefaultTurnDriftStdDev
	}
	if cfg.TurnDriftStdDev < 0 {
		return nil, fmt.Errorf("estimator: negative turn drift std dev %v", cfg.TurnDriftStdDev)
	}
	e := &Estimator{
		hist:     newHistory(cfg.HistoryCapacity),
		onVision: cfg.OnVision,
		turnVar:  cfg.TurnDriftStdDev * cfg.TurnDriftStdDev,
	}
	for i := 0; i < 3; i++ {
		if cfg.StateStdDevs[i] < 0 || cfg.DriftStdDevs[i] < 0 {
			return nil, fmt.Errorf("estimator: negative std dev on axis %d", i)
		}
		e.stateVar[i] = cfg.StateStdDevs[i] * cfg.StateStdDevs[i]
		e.driftVar[i] = cfg.DriftStdDevs[i] * cfg.DriftStdDevs[i]
	}
	p := geom.NewPose(cfg.InitialPose.X, cfg.InitialPose.Y, cfg.InitialPose.Heading)
	e.current = Estimate{Pose: p}
	e.anchor = e.current
	return e, nil
}

// Integrate applies one odometry frame to the current pose through the
// exponential map and records it in history. Frames older than the newest
// retained frame are dropped, as are frames with a non-finite timestamp or
// twist.
func (e *Estimator) Integrate(f odometry.Frame) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !finite(f.Timestamp, f.Twist.DX, f.Twist.DY, f.Twist.DTheta) {
		e.stats.NonFinite++
		monitoring.Logf("estimator: dropped frame with non-finite values at t=%v twist=%+v", f.Timestamp, f.Twist)
		return
	}

	base, path, turn := e.anchor.Pose, 0.0, 0.0
	if e.hist.len() > 0 {
		last := e.hist.newest()
		if f.Timestamp < last.timestamp() {
			e.stats.OutOfOrder++
			return
		}
		base, path, turn = last.pose, last.path, last.turn
	}

	odom := base.Exp(f.Twist)
	path += f.PathLength()
	turn += math.Abs(f.Twist.DTheta)
	e.hist.push(entry{
		frame:    f,
		odom:     odom,
		odomPath: path,
		odomTurn: turn,
		pose:     odom,
		path:     path,
		turn:     turn,
	})
	e.stats.Frames++
	e.current = Estimate{Pose: odom, Timestamp: f.Timestamp}
}

// AddVisionMeasurement folds m into the history and reports whether it was
// applied. Measurements older than the oldest retained frame are discarded.
func (e *Estimator) AddVisionMeasurement(m VisionMeasurement) bool {
	outcome := e.addVision(m)
	if e.onVision != nil {
		e.onVision(m, outcome)
	}
	return outcome == OutcomeApplied
}

func (e *Estimator) addVision(m VisionMeasurement) Outcome {
	if err := m.validate(); err != nil {
		e.mu.Lock()
		e.stats.Invalid++
		e.mu.Unlock()
		monitoring.Logf("estimator: rejected vision measurement from %q: %v", m.Source, err)
		return OutcomeInvalid
	}
	m.Pose = geom.NewPose(m.Pose.X, m.Pose.Y, m.Pose.Heading)

	e.mu.Lock()
	if e.hist.len() == 0 {
		e.stats.Stale++
		e.mu.Unlock()
		monitoring.Logf("estimator: discarded vision measurement at t=%.4f from %q: no odometry history", m.Timestamp, m.Source)
		return OutcomeNoHistory
	}
	idx := e.hist.floor(m.Timestamp)
	if idx < 0 {
		oldest := e.hist.oldest().timestamp()
		e.stats.Stale++
		e.mu.Unlock()
		monitoring.Logf("estimator: discarded stale vision measurement at t=%.4f from %q: oldest retained frame t=%.4f",
			m.Timestamp, m.Source, oldest)
		return OutcomeStale
	}

	en := e.hist.at(idx)
	pos := sort.Search(len(en.corrections), func(i int) bool {
		return en.corrections[i].Timestamp > m.Timestamp
	})
	en.corrections = append(en.corrections, VisionMeasurement{})
	copy(en.corrections[pos+1:], en.corrections[pos:])
	en.corrections[pos] = m

	e.replay(idx)
	e.stats.Applied++
	e.mu.Unlock()
	return OutcomeApplied
}

// replay recomputes entries from index from onwards. Caller holds e.mu.
func (e *Estimator) replay(from int) {
	for j := from; j < e.hist.len(); j++ {
		en := e.hist.at(j)
		if j > 0 {
			prev := e.hist.at(j - 1)
			en.odom = prev.pose.Exp(en.frame.Twist)
			en.odomPath = prev.path + en.frame.PathLength()
			en.odomTurn = prev.turn + math.Abs(en.frame.Twist.DTheta)
		}
		path, turn := en.odomPath, en.odomTurn
		en.pose = en.odom
		for _, c := range en.corrections {
			en.pose = e.blend(en.pose, c, path, turn)
			path, turn = 0, 0
		}
		en.path, en.turn = path, turn
	}
	last := e.hist.newest()
	e.current = Estimate{Pose: last.pose, Timestamp: last.timestamp()}
}

// blend moves p towards the measurement on each field axis by the gain
// q/(q+r), where q is the odometry variance grown by the path travelled
// (and, for heading, the angle turned) since the last correction and r is
// the measurement variance.
func (e *Estimator) blend(p geom.Pose, m VisionMeasurement, path, turn float64) geom.Pose {
	var k [3]float64
	for i := range 3 {
		q := e.stateVar[i] + e.driftVar[i]*path
		if i == 2 {
			q += e.turnVar * turn
		}
		r := m.StdDev[i] * m.StdDev[i]
		if q+r == 0 {
			k[i] = 1
		} else {
			k[i] = q / (q + r)
		}
	}
	return geom.NewPose(
		p.X+k[0]*(m.Pose.X-p.X),
		p.Y+k[1]*(m.Pose.Y-p.Y),
		p.Heading+k[2]*geom.WrapAngle(m.Pose.Heading-p.Heading),
	)
}

// Pose returns the latest published estimate.
func (e *Estimator) Pose() Estimate {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.current
}

// ResetPose discards history and every retained correction and publishes p.
func (e *Estimator) ResetPose(p geom.Pose) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ts := e.current.Timestamp
	e.hist.clear()
	e.current = Estimate{Pose: geom.NewPose(p.X, p.Y, p.Heading), Timestamp: ts}
	e.anchor = e.current
}

// History returns the retained estimates, oldest first.
func (e *Estimator) History() []Estimate {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Estimate, e.hist.len())
	for i := range out {
		en := e.hist.at(i)
		out[i] = Estimate{Pose: en.pose, Timestamp: en.timestamp()}
	}
	return out
}

// Stats returns estimator counters.
func (e *Estimator) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st := e.stats
	st.History = e.hist.len()
	if st.History > 0 {
		st.HistoryStart = e.hist.oldest().timestamp()
		st.HistoryEnd = e.hist.newest().timestamp()
	}
	return st
}

func finite(vs ...float64) bool {
	for _, v := range vs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
