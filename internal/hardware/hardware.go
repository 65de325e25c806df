// Package hardware abstracts swerve module and gyro I/O behind a closed set
// of vendor implementations.
package hardware

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/banshee-data/fieldpose/internal/kinematics"
	"github.com/banshee-data/fieldpose/internal/serialmux"
	"github.com/banshee-data/fieldpose/internal/timeutil"
)

var (
	ErrUnknownVendor = errors.New("hardware: unknown vendor")
	ErrMisconfigured = errors.New("hardware: misconfigured")
)

// Vendor selects a module and gyro implementation.
type Vendor int

const (
	// VendorSim is an ideal simulated drivetrain.
	VendorSim Vendor = iota
	// VendorSerialBridge talks to a motor controller bridge over a serial
	// line protocol.
	VendorSerialBridge
)

var vendorNames = map[Vendor]string{
	VendorSim:          "sim",
	VendorSerialBridge: "serial-bridge",
}

func (v Vendor) String() string {
	if name, ok := vendorNames[v]; ok {
		return name
	}
	return fmt.Sprintf("vendor(%d)", int(v))
}

// ParseVendor maps a config string to a Vendor.
func ParseVendor(s string) (Vendor, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for v, name := range vendorNames {
		if s == name {
			return v, nil
		}
	}
	return 0, fmt.Errorf("%w %q", ErrUnknownVendor, s)
}

// ModuleIO is one swerve module. The readers match sampler.Supplier and
// report false when the value is not currently trustworthy.
type ModuleIO interface {
	Name() string
	DrivePosition() (float64, bool) // metres
	DriveVelocity() (float64, bool) // m/s
	Azimuth() (float64, bool)       // radians
	SetDesiredState(kinematics.ModuleState)
}

// GyroIO is a yaw gyro. Yaw is counter-clockwise positive, radians.
type GyroIO interface {
	Yaw() (float64, bool)
	YawRate() (float64, bool)
}

// Options configures NewModules.
type Options struct {
	// Names lists the modules in kinematics order.
	Names []string
	// Kinematics is required by the simulator.
	Kinematics *kinematics.Swerve
	// Mux is required by the serial bridge.
	Mux serialmux.SerialMuxInterface
	// Clock defaults to timeutil.RealClock.
	Clock timeutil.Clock
	// StaleAfter is how long bridge telemetry stays valid. Defaults to
	// DefaultStaleAfter.
	StaleAfter time.Duration
}

// Set is the hardware built for one drivetrain. Exactly one of Sim and
// Bridge is non-nil.
type Set struct {
	Vendor  Vendor
	Modules []ModuleIO
	Gyro    GyroIO
	Sim     *Sim
	Bridge  *Bridge
}

// NewModules builds the modules and gyro for vendor v.
func NewModules(v Vendor, opts Options) (*Set, error) {
	if len(opts.Names) == 0 {
		return nil, fmt.Errorf("%w: no modules named", ErrMisconfigured)
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}

	set := &Set{Vendor: v}
	switch v {
	case VendorSim:
		sim, err := NewSim(opts.Kinematics, opts.Names)
		if err != nil {
			return nil, err
		}
		set.Sim = sim
		set.Modules = sim.Modules()
		set.Gyro = sim.Gyro()
	case VendorSerialBridge:
		if opts.Mux == nil {
			return nil, fmt.Errorf("%w: serial bridge needs a serial mux", ErrMisconfigured)
		}
		b := NewBridge(opts.Mux, opts.Names, opts.Clock, opts.StaleAfter)
		set.Bridge = b
		set.Modules = b.Modules()
		set.Gyro = b.Gyro()
	default:
		return nil, fmt.Errorf("%w %d", ErrUnknownVendor, int(v))
	}
	return set, nil
}
