package estimator

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/fieldpose/internal/geom"
	"github.com/banshee-data/fieldpose/internal/monitoring"
	"github.com/banshee-data/fieldpose/internal/odometry"
)

var approx = cmpopts.EquateApprox(0, 1e-9)

func quiet(t *testing.T) {
	t.Helper()
	prev := monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.SetLogger(prev) })
}

func newEstimator(t *testing.T, cfg Config) *Estimator {
	t.Helper()
	quiet(t)
	e, err := New(cfg)
	require.NoError(t, err)
	return e
}

func frame(ts, dx, dy, dtheta float64) odometry.Frame {
	return odometry.Frame{Timestamp: ts, Twist: geom.Twist{DX: dx, DY: dy, DTheta: dtheta}}
}

// arc is a curving trajectory sampled every 20 ms.
func arc(n int) []odometry.Frame {
	frames := make([]odometry.Frame, n)
	for i := range frames {
		frames[i] = frame(float64(i)*0.02, 0.05, 0.01*math.Sin(float64(i)), 0.03)
	}
	return frames
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{HistoryCapacity: -1})
	assert.Error(t, err)
	_, err = New(Config{StateStdDevs: [3]float64{0.1, -0.1, 0.1}})
	assert.Error(t, err)
	_, err = New(Config{TurnDriftStdDev: -1})
	assert.Error(t, err)
}

func TestIntegrateComposesTwists(t *testing.T) {
	e := newEstimator(t, Config{InitialPose: geom.NewPose(1, 2, 0.5)})

	want := geom.NewPose(1, 2, 0.5)
	for _, f := range arc(50) {
		e.Integrate(f)
		want = want.Exp(f.Twist)
	}

	got := e.Pose()
	if diff := cmp.Diff(want, got.Pose, approx); diff != "" {
		t.Errorf("pose mismatch (-want +got):\n%s", diff)
	}
	assert.InDelta(t, 0.98, got.Timestamp, 1e-12)
}

func TestHistoryBoundedAndOrdered(t *testing.T) {
	e := newEstimator(t, Config{HistoryCapacity: 3})
	for _, f := range arc(5) {
		e.Integrate(f)
	}

	h := e.History()
	require.Len(t, h, 3)
	assert.InDeltaSlice(t, []float64{0.04, 0.06, 0.08}, []float64{h[0].Timestamp, h[1].Timestamp, h[2].Timestamp}, 1e-12)
	assert.Equal(t, e.Pose(), h[2])

	st := e.Stats()
	assert.Equal(t, uint64(5), st.Frames)
	assert.Equal(t, 3, st.History)
	assert.InDelta(t, 0.04, st.HistoryStart, 1e-12)
	assert.InDelta(t, 0.08, st.HistoryEnd, 1e-12)
}

func TestIntegrateDropsOutOfOrderFrame(t *testing.T) {
	e := newEstimator(t, Config{})
	e.Integrate(frame(1, 0.1, 0, 0))
	before := e.Pose()

	e.Integrate(frame(0.5, 0.1, 0, 0))

	assert.Equal(t, before, e.Pose())
	assert.Equal(t, uint64(1), e.Stats().OutOfOrder)
	assert.Len(t, e.History(), 1)
}

func TestResetPoseIdempotent(t *testing.T) {
	e := newEstimator(t, Config{})
	for _, f := range arc(10) {
		e.Integrate(f)
	}
	require.True(t, e.AddVisionMeasurement(VisionMeasurement{Pose: geom.NewPose(3, 3, 0), Timestamp: 0.1, StdDev: [3]float64{0.5, 0.5, 0.5}}))

	p := geom.NewPose(4, -1, math.Pi/3)
	e.ResetPose(p)

	assert.Equal(t, p, e.Pose().Pose)
	assert.Empty(t, e.History())

	// No history remains to anchor a measurement against.
	assert.False(t, e.AddVisionMeasurement(VisionMeasurement{Pose: geom.NewPose(0, 0, 0), Timestamp: 0.1}))
	assert.Equal(t, p, e.Pose().Pose)

	// Odometry resumes from the reset pose.
	e.Integrate(frame(1, 0.1, 0, 0))
	want := p.Exp(geom.Twist{DX: 0.1})
	if diff := cmp.Diff(want, e.Pose().Pose, approx); diff != "" {
		t.Errorf("pose mismatch (-want +got):\n%s", diff)
	}
}

func TestVisionReanchorsTrajectory(t *testing.T) {
	e := newEstimator(t, Config{})
	frames := arc(20)
	for _, f := range frames {
		e.Integrate(f)
	}
	before := e.History()

	const k = 8
	applied := e.AddVisionMeasurement(VisionMeasurement{
		Pose:      geom.NewPose(before[k].Pose.X+0.4, before[k].Pose.Y-0.3, before[k].Pose.Heading+0.2),
		Timestamp: frames[k].Timestamp,
		StdDev:    [3]float64{0.1, 0.1, 0.1},
	})
	require.True(t, applied)
	after := e.History()
	require.Len(t, after, len(before))

	for j := 0; j < k; j++ {
		assert.Equal(t, before[j], after[j], "entry %d before the correction must not move", j)
	}
	for j := k; j < len(after); j++ {
		assert.NotEqual(t, before[j].Pose, after[j].Pose, "entry %d should be re-anchored", j)
	}
	for j := k; j < len(after)-1; j++ {
		wantRel := before[j+1].Pose.RelativeTo(before[j].Pose)
		gotRel := after[j+1].Pose.RelativeTo(after[j].Pose)
		if diff := cmp.Diff(wantRel, gotRel, approx); diff != "" {
			t.Errorf("relative motion %d->%d changed (-want +got):\n%s", j, j+1, diff)
		}
	}
	assert.Equal(t, after[len(after)-1], e.Pose())
}

func TestMeasurementBetweenFramesAnchorsAtEarlierFrame(t *testing.T) {
	e := newEstimator(t, Config{})
	frames := arc(10)
	for _, f := range frames {
		e.Integrate(f)
	}
	before := e.History()

	require.True(t, e.AddVisionMeasurement(VisionMeasurement{
		Pose:      geom.NewPose(1, 1, 0),
		Timestamp: frames[4].Timestamp + 0.01,
		StdDev:    [3]float64{0.2, 0.2, 0.2},
	}))
	after := e.History()
	assert.Equal(t, before[3], after[3])
	assert.NotEqual(t, before[4].Pose, after[4].Pose)
}

func TestStaleMeasurementRejected(t *testing.T) {
	var outcomes []Outcome
	e := newEstimator(t, Config{
		HistoryCapacity: 5,
		OnVision:        func(_ VisionMeasurement, o Outcome) { outcomes = append(outcomes, o) },
	})
	for _, f := range arc(10) {
		e.Integrate(f)
	}
	before := e.Pose()
	beforeHist := e.History()

	ok := e.AddVisionMeasurement(VisionMeasurement{
		Pose:      geom.NewPose(10, 10, 1),
		Timestamp: 0.02,
		StdDev:    [3]float64{1e-6, 1e-6, 1e-6},
	})

	assert.False(t, ok)
	assert.Equal(t, before, e.Pose())
	assert.Equal(t, beforeHist, e.History())
	assert.Equal(t, uint64(1), e.Stats().Stale)
	assert.Equal(t, []Outcome{OutcomeStale}, outcomes)
}

func TestMeasurementWithoutHistory(t *testing.T) {
	e := newEstimator(t, Config{InitialPose: geom.NewPose(1, 1, 0)})
	assert.False(t, e.AddVisionMeasurement(VisionMeasurement{Pose: geom.NewPose(5, 5, 0), Timestamp: 1}))
	assert.Equal(t, geom.NewPose(1, 1, 0), e.Pose().Pose)
}

func TestPreciseMeasurementOverridesFrame(t *testing.T) {
	e := newEstimator(t, Config{})
	frames := arc(12)
	for _, f := range frames {
		e.Integrate(f)
	}

	m := geom.NewPose(2.5, -1.25, 1.0)
	require.True(t, e.AddVisionMeasurement(VisionMeasurement{
		Pose:      m,
		Timestamp: frames[6].Timestamp,
		StdDev:    [3]float64{1e-9, 1e-9, 1e-9},
	}))

	got := e.History()[6].Pose
	if diff := cmp.Diff(m, got, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Errorf("anchored pose mismatch (-want +got):\n%s", diff)
	}
}

func TestBlendWeighting(t *testing.T) {
	tests := []struct {
		name  string
		start geom.Pose
		meas  geom.Pose
		std   float64
		want  geom.Pose
	}{
		{
			name:  "equal variance meets halfway",
			start: geom.NewPose(0, 0, 0),
			meas:  geom.NewPose(2, -2, 1),
			std:   1,
			want:  geom.NewPose(1, -1, 0.5),
		},
		{
			name:  "heading blends across the wrap",
			start: geom.NewPose(0, 0, 3.0),
			meas:  geom.NewPose(0, 0, -3.1),
			std:   1,
			want:  geom.NewPose(0, 0, 3.0+geom.WrapAngle(-6.1)/2),
		},
		{
			name:  "noisy measurement barely moves",
			start: geom.NewPose(0, 0, 0),
			meas:  geom.NewPose(1, 0, 0),
			std:   99.995,
			want:  geom.NewPose(0.0001, 0, 0),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEstimator(t, Config{
				InitialPose:  tt.start,
				StateStdDevs: [3]float64{1, 1, 1},
			})
			// A stationary frame keeps the odometry variance at its floor.
			e.Integrate(frame(0, 0, 0, 0))
			require.True(t, e.AddVisionMeasurement(VisionMeasurement{
				Pose:   tt.meas,
				StdDev: [3]float64{tt.std, tt.std, tt.std},
			}))
			if diff := cmp.Diff(tt.want, e.Pose().Pose, cmpopts.EquateApprox(0, 1e-6)); diff != "" {
				t.Errorf("blend mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDriftGrowsWithPathLength(t *testing.T) {
	cfg := Config{StateStdDevs: [3]float64{0.1, 0.1, 0.1}, DriftStdDevs: [3]float64{0.5, 0.5, 0.5}}
	meas := VisionMeasurement{Pose: geom.NewPose(0, 5, 0), StdDev: [3]float64{0.5, 0.5, 0.5}}

	short := newEstimator(t, cfg)
	short.Integrate(frame(0, 0.1, 0, 0))
	meas.Timestamp = 0
	require.True(t, short.AddVisionMeasurement(meas))

	long := newEstimator(t, cfg)
	long.Integrate(frame(0, 2.0, 0, 0))
	require.True(t, long.AddVisionMeasurement(meas))

	// After a longer drive odometry is trusted less, so the measurement
	// pulls harder.
	assert.Greater(t, long.Pose().Pose.Y, short.Pose().Pose.Y)
}

func TestHeadingDriftGrowsWhileTurning(t *testing.T) {
	cfg := Config{StateStdDevs: [3]float64{0.1, 0.1, 0.1}, TurnDriftStdDev: 0.5}
	meas := VisionMeasurement{StdDev: [3]float64{0.5, 0.5, 0.5}}

	// Both end at heading 0 on the odometry side; one got there by
	// spinning a full turn in place.
	still := newEstimator(t, cfg)
	still.Integrate(frame(0, 0, 0, 0))
	still.Integrate(frame(0.02, 0, 0, 0))

	spun := newEstimator(t, cfg)
	spun.Integrate(frame(0, 0, 0, 0))
	for i := 1; i <= 4; i++ {
		spun.Integrate(frame(float64(i)*0.02, 0, 0, math.Pi/2))
	}

	meas.Pose = geom.NewPose(0, 0, 0.4)
	meas.Timestamp = 0.02
	require.True(t, still.AddVisionMeasurement(meas))
	odom := spun.Pose().Pose.Heading
	meas.Timestamp = 0.08
	meas.Pose = geom.NewPose(0, 0, odom+0.4)
	require.True(t, spun.AddVisionMeasurement(meas))

	stillPull := still.Pose().Pose.Heading
	spunPull := geom.WrapAngle(spun.Pose().Pose.Heading - odom)
	assert.Greater(t, spunPull, stillPull, "turning in place loosens heading")
	assert.InDelta(t, 0.4*0.01/(0.01+0.25), stillPull, 1e-9)
}

func TestNonFiniteFrameDropped(t *testing.T) {
	e := newEstimator(t, Config{})
	e.Integrate(frame(0, 0.1, 0, 0))
	e.Integrate(frame(0.02, 0.1, 0, 0))
	before := e.Pose()

	e.Integrate(frame(0.04, math.NaN(), 0, 0))
	e.Integrate(frame(0.06, 0, math.Inf(1), 0))
	e.Integrate(frame(0.08, 0, 0, math.NaN()))
	e.Integrate(frame(math.NaN(), 0, 0, 0))
	assert.Equal(t, before, e.Pose())
	assert.Equal(t, uint64(4), e.Stats().NonFinite)
	assert.Len(t, e.History(), 2)

	e.Integrate(frame(0.1, 0.1, 0, 0))
	e.Integrate(frame(0.12, 0.1, 0, 0))
	got := e.Pose()
	require.False(t, math.IsNaN(got.Pose.X))
	assert.InDelta(t, 0.4, got.Pose.X, 1e-12)

	// An exact correction still lands exactly.
	m := geom.NewPose(1, 2, 0.3)
	require.True(t, e.AddVisionMeasurement(VisionMeasurement{Pose: m, Timestamp: got.Timestamp}))
	if diff := cmp.Diff(m, e.Pose().Pose, approx); diff != "" {
		t.Errorf("pose mismatch (-want +got):\n%s", diff)
	}
}

func TestMeasurementsAppliedInTimestampOrder(t *testing.T) {
	frames := arc(30)
	a := VisionMeasurement{Pose: geom.NewPose(0.5, 0.2, 0.1), Timestamp: frames[5].Timestamp, StdDev: [3]float64{0.2, 0.2, 0.2}}
	b := VisionMeasurement{Pose: geom.NewPose(1.2, 0.6, 0.5), Timestamp: frames[15].Timestamp, StdDev: [3]float64{0.3, 0.3, 0.3}}
	c := VisionMeasurement{Pose: geom.NewPose(1.0, 0.5, 0.4), Timestamp: frames[15].Timestamp + 0.005, StdDev: [3]float64{0.1, 0.1, 0.1}}

	run := func(order ...VisionMeasurement) Estimate {
		e := newEstimator(t, Config{})
		for _, f := range frames {
			e.Integrate(f)
		}
		for _, m := range order {
			require.True(t, e.AddVisionMeasurement(m))
		}
		return e.Pose()
	}

	want := run(a, b, c)
	for _, got := range []Estimate{run(c, b, a), run(b, a, c), run(c, a, b)} {
		if diff := cmp.Diff(want, got, approx); diff != "" {
			t.Errorf("order changed the result (-want +got):\n%s", diff)
		}
	}
}

func TestInvalidMeasurementRejected(t *testing.T) {
	e := newEstimator(t, Config{})
	e.Integrate(frame(0, 0.1, 0, 0))
	before := e.Pose()

	for _, m := range []VisionMeasurement{
		{Pose: geom.Pose{X: math.NaN()}},
		{Pose: geom.NewPose(1, 1, 0), StdDev: [3]float64{-1, 0.1, 0.1}},
		{Pose: geom.NewPose(1, 1, 0), Timestamp: math.Inf(1)},
	} {
		assert.False(t, e.AddVisionMeasurement(m))
	}
	assert.Equal(t, before, e.Pose())
	assert.Equal(t, uint64(3), e.Stats().Invalid)
}

func TestConcurrentAccess(t *testing.T) {
	e := newEstimator(t, Config{HistoryCapacity: 50})
	frames := arc(200)
	e.Integrate(frames[0])

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for _, f := range frames[1:] {
			e.Integrate(f)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			e.AddVisionMeasurement(VisionMeasurement{
				Pose:      geom.NewPose(float64(i)*0.01, 0, 0),
				Timestamp: float64(i) * 0.02,
				StdDev:    [3]float64{0.5, 0.5, 0.5},
			})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_ = e.Pose()
			_ = e.History()
		}
	}()
	wg.Wait()

	assert.Len(t, e.History(), 50)
	assert.Equal(t, frames[199].Timestamp, e.Pose().Timestamp)
}

type sliceProvider struct {
	name string
	ms   []VisionMeasurement
	err  error
}

func (p *sliceProvider) Name() string { return p.name }

func (p *sliceProvider) Run(ctx context.Context, sink MeasurementSink) error {
	for _, m := range p.ms {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		sink.AddVisionMeasurement(m)
	}
	return p.err
}

func TestRegisterPoseProvider(t *testing.T) {
	var mu sync.Mutex
	var seen []Outcome
	e := newEstimator(t, Config{OnVision: func(_ VisionMeasurement, o Outcome) {
		mu.Lock()
		seen = append(seen, o)
		mu.Unlock()
	}})
	for _, f := range arc(10) {
		e.Integrate(f)
	}

	ok := &sliceProvider{name: "front", ms: []VisionMeasurement{
		{Pose: geom.NewPose(0.1, 0, 0), Timestamp: 0.02, StdDev: [3]float64{0.5, 0.5, 0.5}},
		{Pose: geom.NewPose(0.2, 0, 0), Timestamp: 0.04, StdDev: [3]float64{0.5, 0.5, 0.5}},
	}}
	failing := &sliceProvider{name: "rear", err: errors.New("socket closed")}

	id1 := e.RegisterPoseProvider(context.Background(), ok)
	id2 := e.RegisterPoseProvider(context.Background(), failing)
	assert.NotEqual(t, id1, id2)
	e.WaitProviders()

	ps := e.Providers()
	require.Len(t, ps, 2)
	assert.Equal(t, "front", ps[0].Name)
	assert.False(t, ps[0].Running)
	assert.Empty(t, ps[0].Err)
	assert.Equal(t, "socket closed", ps[1].Err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Outcome{OutcomeApplied, OutcomeApplied}, seen)
	assert.Equal(t, uint64(2), e.Stats().Applied)
}
