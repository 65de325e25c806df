// Package vision receives field pose measurements from external vision
// systems and feeds them to the pose estimator.
package vision

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/banshee-data/fieldpose/internal/estimator"
	"github.com/banshee-data/fieldpose/internal/geom"
	"github.com/banshee-data/fieldpose/internal/timeutil"
	"github.com/banshee-data/fieldpose/internal/units"
)

var ErrMalformed = errors.New("vision: malformed measurement")

// Datagram is the JSON wire form of one measurement. Distances and angles
// accept plain SI numbers or unit strings ("12in", "90deg").
//
// Timestamp is in the robot's epoch seconds. A sender that cannot share the
// epoch sets Latency instead and the receiver stamps the measurement at
// arrival minus Latency.
type Datagram struct {
	X         *units.Distance `json:"x"`
	Y         *units.Distance `json:"y"`
	Heading   *units.Angle    `json:"heading"`
	Timestamp *float64        `json:"timestamp,omitempty"`
	Latency   float64         `json:"latency,omitempty"`
	StdDev    []float64       `json:"std_dev,omitempty"`
	Source    string          `json:"source,omitempty"`
}

// Decoder turns datagrams into measurements.
type Decoder struct {
	// Epoch stamps latency-only datagrams.
	Epoch timeutil.Epoch
	// DefaultStdDev is used when a datagram carries no std_dev.
	DefaultStdDev [3]float64
	// IgnoreTimestamp stamps every datagram at arrival minus latency. Used
	// when replaying captures recorded under another epoch.
	IgnoreTimestamp bool
	// Source labels measurements whose datagram has none.
	Source string
}

// Decode parses one datagram.
func (d *Decoder) Decode(data []byte) (estimator.VisionMeasurement, error) {
	var dg Datagram
	if err := json.Unmarshal(data, &dg); err != nil {
		return estimator.VisionMeasurement{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if dg.X == nil || dg.Y == nil || dg.Heading == nil {
		return estimator.VisionMeasurement{}, fmt.Errorf("%w: x, y and heading are required", ErrMalformed)
	}
	if dg.Latency < 0 {
		return estimator.VisionMeasurement{}, fmt.Errorf("%w: negative latency %v", ErrMalformed, dg.Latency)
	}

	m := estimator.VisionMeasurement{
		Pose:   geom.NewPose(float64(*dg.X), float64(*dg.Y), float64(*dg.Heading)),
		StdDev: d.DefaultStdDev,
		Source: dg.Source,
	}
	if m.Source == "" {
		m.Source = d.Source
	}
	switch len(dg.StdDev) {
	case 0:
	case 3:
		copy(m.StdDev[:], dg.StdDev)
	default:
		return estimator.VisionMeasurement{}, fmt.Errorf("%w: std_dev needs 3 values, got %d", ErrMalformed, len(dg.StdDev))
	}

	switch {
	case dg.Timestamp != nil && !d.IgnoreTimestamp:
		m.Timestamp = *dg.Timestamp
	case d.Epoch == (timeutil.Epoch{}):
		return estimator.VisionMeasurement{}, fmt.Errorf("%w: timestamp required", ErrMalformed)
	default:
		m.Timestamp = d.Epoch.Seconds() - dg.Latency
	}
	return m, nil
}
