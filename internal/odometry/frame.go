package odometry

import (
	"github.com/banshee-data/fieldpose/internal/geom"
	"github.com/banshee-data/fieldpose/internal/kinematics"
)

// ModuleSample is one wheel module's raw reading at a sampling instant.
type ModuleSample struct {
	Position float64 `json:"position"`
	Velocity float64 `json:"velocity"`
	// VelocityValid is false when the module has no velocity signal or
	// the velocity reading was invalid at this instant.
	VelocityValid bool    `json:"velocity_valid"`
	Angle         float64 `json:"angle"`
	Timestamp     float64 `json:"timestamp"`
}

// GyroSample is the gyro reading at a sampling instant. Connected is false
// when the gyro reported an error for that instant or no gyro is fitted.
type GyroSample struct {
	Heading         float64 `json:"heading"`
	AngularVelocity float64 `json:"angular_velocity"`
	Timestamp       float64 `json:"timestamp"`
	Connected       bool    `json:"connected"`
}

// Frame is the odometry produced from one sampling instant. A Frame exists
// only when every module produced a valid reading for that instant.
type Frame struct {
	Timestamp float64 `json:"timestamp"`
	// Modules holds the raw per-module readings in kinematics order.
	Modules []ModuleSample `json:"modules"`
	// Deltas holds each module's travelled distance since the previous
	// frame, paired with the module azimuth at this instant.
	Deltas []kinematics.ModulePosition `json:"deltas"`
	Gyro   GyroSample                  `json:"gyro"`
	// Heading is the odometry heading after this frame.
	Heading float64 `json:"heading"`
	// Twist is the robot-relative displacement since the previous frame.
	// DTheta is the heading change actually used, which comes from the gyro
	// when it is connected.
	Twist geom.Twist `json:"twist"`
}

// PathLength returns the straight-line distance covered by the frame's twist.
func (f Frame) PathLength() float64 {
	return geom.Translation{X: f.Twist.DX, Y: f.Twist.DY}.Norm()
}
