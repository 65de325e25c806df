package geom

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

var approx = cmpopts.EquateApprox(0, 1e-9)

func TestWrapAngle(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{0, 0},
		{math.Pi, math.Pi},
		{-math.Pi, math.Pi},
		{3 * math.Pi / 2, -math.Pi / 2},
		{-3 * math.Pi / 2, math.Pi / 2},
		{4*math.Pi + 0.1, 0.1},
	}
	for _, tc := range tests {
		if got := WrapAngle(tc.in); math.Abs(got-tc.want) > 1e-12 {
			t.Errorf("WrapAngle(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestWrapDelta(t *testing.T) {
	tests := []struct {
		name            string
		end, start, per float64
		want            float64
	}{
		{"no wrap", 5, 2, 0, 3},
		{"forward across boundary", 0.1, 9.9, 10, 0.2},
		{"backward across boundary", 9.9, 0.1, 10, -0.2},
		{"inside period", 4, 3, 10, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := WrapDelta(tc.end, tc.start, tc.per); math.Abs(got-tc.want) > 1e-9 {
				t.Errorf("WrapDelta = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestExpStraightLine(t *testing.T) {
	p := NewPose(1, 2, math.Pi/2)
	got := p.Exp(Twist{DX: 1})
	want := NewPose(1, 3, math.Pi/2)
	if diff := cmp.Diff(want, got, approx); diff != "" {
		t.Errorf("Exp mismatch (-want +got):\n%s", diff)
	}
}

func TestExpQuarterCircle(t *testing.T) {
	// Arc of radius 1 through a quarter turn.
	got := Pose{}.Exp(Twist{DX: math.Pi / 2, DTheta: math.Pi / 2})
	want := NewPose(1, 1, math.Pi/2)
	if diff := cmp.Diff(want, got, approx); diff != "" {
		t.Errorf("Exp mismatch (-want +got):\n%s", diff)
	}
}

func TestLogInvertsExp(t *testing.T) {
	twists := []Twist{
		{DX: 0.3, DY: -0.1, DTheta: 0.2},
		{DX: 1, DY: 0, DTheta: 0},
		{DX: 0, DY: 0, DTheta: -1.1},
		{DX: -0.5, DY: 0.4, DTheta: 1e-12},
	}
	start := NewPose(2, -1, 0.7)
	for _, tw := range twists {
		end := start.Exp(tw)
		back := start.Log(end)
		if diff := cmp.Diff(tw, back, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
			t.Errorf("Log(Exp(%+v)) mismatch (-want +got):\n%s", tw, diff)
		}
	}
}

func TestRelativeToAndTransformBy(t *testing.T) {
	origin := NewPose(1, 1, math.Pi/4)
	p := NewPose(3, -2, -0.5)
	rel := p.RelativeTo(origin)
	if diff := cmp.Diff(p, origin.TransformBy(rel), approx); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}
