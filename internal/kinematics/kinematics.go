// Package kinematics converts between chassis motion and per-module swerve
// states. A Swerve value is immutable after construction and safe for
// concurrent use.
package kinematics

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/fieldpose/internal/geom"
)

// ErrMisconfigured is wrapped by every construction-time geometry error.
var ErrMisconfigured = errors.New("kinematics: misconfigured module set")

// minModuleSpeed is the wheel speed (m/s) below which a module azimuth is
// considered undefined.
const minModuleSpeed = 1e-6

// ChassisSpeeds is a robot-relative velocity.
type ChassisSpeeds struct {
	VX    float64 `json:"vx"`    // m/s forward
	VY    float64 `json:"vy"`    // m/s left
	Omega float64 `json:"omega"` // rad/s counter-clockwise
}

// ModuleState is a wheel speed and azimuth for one module.
type ModuleState struct {
	Speed float64 `json:"speed"` // m/s
	Angle float64 `json:"angle"` // radians
}

// ModulePosition is an accumulated wheel distance and azimuth for one module.
type ModulePosition struct {
	Distance float64 `json:"distance"` // metres
	Angle    float64 `json:"angle"`    // radians
}

// Swerve holds the module geometry and the precomputed least-squares
// pseudo-inverse used for the inverse solve.
type Swerve struct {
	offsets []geom.Translation
	pinv    *mat.Dense // 3 x 2N
}

// New builds swerve kinematics for modules mounted at the given offsets from
// the chassis centre. At least two distinct module locations are required
// for the inverse problem to be well posed.
func New(offsets []geom.Translation) (*Swerve, error) {
	n := len(offsets)
	if n < 2 {
		return nil, fmt.Errorf("%w: need at least 2 modules, got %d", ErrMisconfigured, n)
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if offsets[i] == offsets[j] {
				return nil, fmt.Errorf("%w: modules %d and %d share location (%.3f, %.3f)",
					ErrMisconfigured, i, j, offsets[i].X, offsets[i].Y)
			}
		}
	}

	m := mat.NewDense(2*n, 3, nil)
	for i, o := range offsets {
		m.SetRow(2*i, []float64{1, 0, -o.Y})
		m.SetRow(2*i+1, []float64{0, 1, o.X})
	}

	ones := make([]float64, 2*n)
	for i := range ones {
		ones[i] = 1
	}
	var qr mat.QR
	qr.Factorize(m)
	pinv := new(mat.Dense)
	if err := qr.SolveTo(pinv, false, mat.NewDiagDense(2*n, ones)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMisconfigured, err)
	}

	cp := make([]geom.Translation, n)
	copy(cp, offsets)
	return &Swerve{offsets: cp, pinv: pinv}, nil
}

// NumModules returns the number of modules in the geometry.
func (k *Swerve) NumModules() int { return len(k.offsets) }

// Offsets returns a copy of the module offsets.
func (k *Swerve) Offsets() []geom.Translation {
	out := make([]geom.Translation, len(k.offsets))
	copy(out, k.offsets)
	return out
}

// Forward computes the module states required to achieve the chassis speeds.
// Modules with a speed below minModuleSpeed report Angle 0; callers that
// want to hold the previous azimuth should check Speed == 0.
func (k *Swerve) Forward(s ChassisSpeeds) []ModuleState {
	states := make([]ModuleState, len(k.offsets))
	for i, o := range k.offsets {
		vx := s.VX - s.Omega*o.Y
		vy := s.VY + s.Omega*o.X
		speed := math.Hypot(vx, vy)
		if speed < minModuleSpeed {
			states[i] = ModuleState{}
			continue
		}
		states[i] = ModuleState{Speed: speed, Angle: math.Atan2(vy, vx)}
	}
	return states
}

// Desaturate scales every module speed down uniformly when any module would
// exceed maxSpeed, preserving the ratios between modules. The slice is
// modified in place and returned.
func Desaturate(states []ModuleState, maxSpeed float64) []ModuleState {
	if len(states) == 0 || maxSpeed <= 0 {
		return states
	}
	speeds := make([]float64, len(states))
	for i, s := range states {
		speeds[i] = math.Abs(s.Speed)
	}
	top := floats.Max(speeds)
	if top <= maxSpeed {
		return states
	}
	scale := maxSpeed / top
	for i := range states {
		states[i].Speed *= scale
	}
	return states
}

// Inverse recovers the chassis speeds that best explain the observed module
// states in the least-squares sense.
func (k *Swerve) Inverse(states []ModuleState) (ChassisSpeeds, error) {
	if len(states) != len(k.offsets) {
		return ChassisSpeeds{}, fmt.Errorf("kinematics: got %d module states, want %d", len(states), len(k.offsets))
	}
	b := make([]float64, 2*len(states))
	for i, s := range states {
		b[2*i] = s.Speed * math.Cos(s.Angle)
		b[2*i+1] = s.Speed * math.Sin(s.Angle)
	}
	x := k.solve(b)
	return ChassisSpeeds{VX: x[0], VY: x[1], Omega: x[2]}, nil
}

// ToTwist recovers the chassis displacement from per-module distance deltas.
func (k *Swerve) ToTwist(deltas []ModulePosition) (geom.Twist, error) {
	if len(deltas) != len(k.offsets) {
		return geom.Twist{}, fmt.Errorf("kinematics: got %d module deltas, want %d", len(deltas), len(k.offsets))
	}
	b := make([]float64, 2*len(deltas))
	for i, d := range deltas {
		b[2*i] = d.Distance * math.Cos(d.Angle)
		b[2*i+1] = d.Distance * math.Sin(d.Angle)
	}
	x := k.solve(b)
	return geom.Twist{DX: x[0], DY: x[1], DTheta: x[2]}, nil
}

func (k *Swerve) solve(b []float64) [3]float64 {
	var x mat.VecDense
	x.MulVec(k.pinv, mat.NewVecDense(len(b), b))
	return [3]float64{x.AtVec(0), x.AtVec(1), x.AtVec(2)}
}

// Discretize converts a continuous chassis velocity into the constant
// velocity that, held for dt, lands on the pose the continuous command would
// reach. This removes the skew a rotating and translating chassis otherwise
// accumulates over one control period.
func Discretize(s ChassisSpeeds, dt float64) ChassisSpeeds {
	if dt <= 0 {
		return s
	}
	target := geom.NewPose(s.VX*dt, s.VY*dt, s.Omega*dt)
	tw := geom.Pose{}.Log(target)
	return ChassisSpeeds{VX: tw.DX / dt, VY: tw.DY / dt, Omega: tw.DTheta / dt}
}

// RectangularOffsets returns the FL, FR, BL, BR module offsets for a
// rectangular chassis. trackWidth is the left-right spacing, wheelBase the
// front-back spacing.
func RectangularOffsets(trackWidth, wheelBase float64) []geom.Translation {
	x, y := wheelBase/2, trackWidth/2
	return []geom.Translation{
		{X: x, Y: y},
		{X: x, Y: -y},
		{X: -x, Y: y},
		{X: -x, Y: -y},
	}
}
