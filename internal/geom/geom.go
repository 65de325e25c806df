// Package geom provides planar rigid-body types used by the odometry
// pipeline: translations, rotations, poses and twists, plus the exponential
// map used to integrate a twist over one step.
package geom

import "math"

// smallAngle is the |dtheta| below which Exp and Log switch to Taylor
// expansions to avoid dividing by ~0.
const smallAngle = 1e-9

// Translation is a 2D vector in metres.
type Translation struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Norm returns the Euclidean length of the translation.
func (t Translation) Norm() float64 { return math.Hypot(t.X, t.Y) }

// Angle returns the direction of the translation from the +X axis.
func (t Translation) Angle() float64 { return math.Atan2(t.Y, t.X) }

// Plus adds two translations.
func (t Translation) Plus(o Translation) Translation {
	return Translation{X: t.X + o.X, Y: t.Y + o.Y}
}

// Minus subtracts o from t.
func (t Translation) Minus(o Translation) Translation {
	return Translation{X: t.X - o.X, Y: t.Y - o.Y}
}

// Rotate rotates the translation counter-clockwise by theta radians.
func (t Translation) Rotate(theta float64) Translation {
	c, s := math.Cos(theta), math.Sin(theta)
	return Translation{X: t.X*c - t.Y*s, Y: t.X*s + t.Y*c}
}

// WrapAngle normalises an angle to (-pi, pi].
func WrapAngle(a float64) float64 {
	if a > -math.Pi && a <= math.Pi {
		return a
	}
	a = math.Mod(a+math.Pi, 2*math.Pi)
	if a <= 0 {
		a += 2 * math.Pi
	}
	return a - math.Pi
}

// WrapDelta returns the shortest signed difference end-start for a quantity
// that wraps every period. A period <= 0 disables wrapping.
func WrapDelta(end, start, period float64) float64 {
	d := end - start
	if period <= 0 {
		return d
	}
	half := period / 2
	d = math.Mod(d+half, period)
	if d <= 0 {
		d += period
	}
	return d - half
}

// Twist is a planar displacement (dx, dy, dtheta) expressed in the frame of
// the pose it is applied to.
type Twist struct {
	DX     float64 `json:"dx"`
	DY     float64 `json:"dy"`
	DTheta float64 `json:"dtheta"`
}

// Scale multiplies every component of the twist by k.
func (t Twist) Scale(k float64) Twist {
	return Twist{DX: t.DX * k, DY: t.DY * k, DTheta: t.DTheta * k}
}

// Pose is a field-relative position and heading.
type Pose struct {
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Heading float64 `json:"heading"` // radians, (-pi, pi]
}

// NewPose builds a pose with a normalised heading.
func NewPose(x, y, heading float64) Pose {
	return Pose{X: x, Y: y, Heading: WrapAngle(heading)}
}

// Translation returns the position part of the pose.
func (p Pose) Translation() Translation { return Translation{X: p.X, Y: p.Y} }

// Exp applies a twist to the pose along a constant-curvature arc.
func (p Pose) Exp(t Twist) Pose {
	sinT, cosT := math.Sin(t.DTheta), math.Cos(t.DTheta)
	var s, c float64
	if math.Abs(t.DTheta) < smallAngle {
		s = 1 - t.DTheta*t.DTheta/6
		c = t.DTheta / 2
	} else {
		s = sinT / t.DTheta
		c = (1 - cosT) / t.DTheta
	}
	local := Translation{X: t.DX*s - t.DY*c, Y: t.DX*c + t.DY*s}
	d := local.Rotate(p.Heading)
	return NewPose(p.X+d.X, p.Y+d.Y, p.Heading+t.DTheta)
}

// Log returns the twist that takes p to end, so that p.Exp(p.Log(end)) == end.
func (p Pose) Log(end Pose) Twist {
	rel := end.RelativeTo(p)
	dtheta := rel.Heading
	halfTheta := dtheta / 2
	cosMinusOne := math.Cos(dtheta) - 1
	var halfThetaByTanHalf float64
	if math.Abs(cosMinusOne) < smallAngle {
		halfThetaByTanHalf = 1 - dtheta*dtheta/12
	} else {
		halfThetaByTanHalf = -(halfTheta * math.Sin(dtheta)) / cosMinusOne
	}
	tr := Translation{X: rel.X, Y: rel.Y}.Rotate(-halfTheta)
	scale := math.Hypot(halfThetaByTanHalf, halfTheta)
	return Twist{DX: tr.X * scale, DY: tr.Y * scale, DTheta: dtheta}
}

// RelativeTo expresses p in the frame of origin.
func (p Pose) RelativeTo(origin Pose) Pose {
	d := p.Translation().Minus(origin.Translation()).Rotate(-origin.Heading)
	return NewPose(d.X, d.Y, p.Heading-origin.Heading)
}

// TransformBy composes p with a pose expressed in p's frame.
func (p Pose) TransformBy(rel Pose) Pose {
	d := rel.Translation().Rotate(p.Heading)
	return NewPose(p.X+d.X, p.Y+d.Y, p.Heading+rel.Heading)
}
