package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/fieldpose/internal/units"
)

// DefaultConfigPath is the path to the canonical drive defaults file.
const DefaultConfigPath = "config/drive.defaults.json"

// ModuleConfig places one swerve module relative to the chassis centre
// (+x forward, +y left).
type ModuleConfig struct {
	Name string          `json:"name"`
	X    *units.Distance `json:"x"`
	Y    *units.Distance `json:"y"`
	// PositionWrap is the distance after which the module's position signal
	// rolls over; omit for a continuous position.
	PositionWrap *units.Distance `json:"position_wrap,omitempty"`
}

// Module is a resolved module placement in SI units.
type Module struct {
	Name         string
	X, Y         float64
	PositionWrap float64
}

// SerialConfig selects the serial port used by the serial-bridge vendor.
type SerialConfig struct {
	Port     string `json:"port"`
	BaudRate int    `json:"baud_rate,omitempty"`
	DataBits int    `json:"data_bits,omitempty"`
	StopBits int    `json:"stop_bits,omitempty"`
	Parity   string `json:"parity,omitempty"`
}

// PoseConfig is a field pose given in config units.
type PoseConfig struct {
	X       units.Distance `json:"x"`
	Y       units.Distance `json:"y"`
	Heading units.Angle    `json:"heading"`
}

// DriveConfig is the root configuration for the drivetrain, its odometry
// pipeline and the service surfaces around it. Omitted fields fall back to
// the defaults returned by the Get* methods.
type DriveConfig struct {
	// Geometry: either explicit modules or a rectangular layout.
	Modules    []ModuleConfig  `json:"modules,omitempty"`
	TrackWidth *units.Distance `json:"track_width,omitempty"`
	WheelBase  *units.Distance `json:"wheel_base,omitempty"`

	MaxDriveSpeed *units.Speed `json:"max_drive_speed,omitempty"`

	// Sampling and control loop
	SampleRateHz  *float64 `json:"sample_rate_hz,omitempty"`
	QueueCapacity *int     `json:"queue_capacity,omitempty"`
	TickPeriod    *string  `json:"tick_period,omitempty"` // duration string like "20ms"

	// Estimator
	HistoryCapacity      *int        `json:"history_capacity,omitempty"`
	StateStdDevs         *[3]float64 `json:"state_std_devs,omitempty"`
	DriftStdDevsPerMeter *[3]float64 `json:"drift_std_devs_per_meter,omitempty"`
	TurnDriftStdDev      *float64    `json:"turn_drift_std_dev_per_radian,omitempty"`
	InitialPose          *PoseConfig `json:"initial_pose,omitempty"`

	// Hardware
	Vendor *string       `json:"vendor,omitempty"`
	Serial *SerialConfig `json:"serial,omitempty"`

	// Vision transports; empty disables.
	VisionUDPAddr *string `json:"vision_udp_addr,omitempty"`
	VisionPCAP    *string `json:"vision_pcap,omitempty"`

	// Measurement std devs (m, m, rad) for fixes that carry none.
	VisionDefaultStdDevs *[3]float64 `json:"vision_default_std_devs,omitempty"`

	// Pose log and service listeners
	DatabasePath    *string `json:"database_path,omitempty"`
	PoseLogInterval *string `json:"pose_log_interval,omitempty"`
	HTTPListen      *string `json:"http_listen,omitempty"`
	GRPCListen      *string `json:"grpc_listen,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyDriveConfig returns a DriveConfig with all fields unset.
func EmptyDriveConfig() *DriveConfig {
	return &DriveConfig{}
}

// DefaultDriveConfig returns a config with every scalar default spelled
// out, for running without a config file.
func DefaultDriveConfig() *DriveConfig {
	empty := EmptyDriveConfig()
	track := units.Distance(empty.GetTrackWidth())
	base := units.Distance(empty.GetWheelBase())
	speed := units.Speed(empty.GetMaxDriveSpeed())
	state := empty.GetStateStdDevs()
	drift := empty.GetDriftStdDevsPerMeter()
	vision := empty.GetVisionDefaultStdDevs()
	return &DriveConfig{
		TrackWidth:           &track,
		WheelBase:            &base,
		MaxDriveSpeed:        &speed,
		SampleRateHz:         ptrFloat64(empty.GetSampleRateHz()),
		QueueCapacity:        ptrInt(empty.GetQueueCapacity()),
		TickPeriod:           ptrString(empty.GetTickPeriod().String()),
		HistoryCapacity:      ptrInt(empty.GetHistoryCapacity()),
		StateStdDevs:         &state,
		DriftStdDevsPerMeter: &drift,
		TurnDriftStdDev:      ptrFloat64(empty.GetTurnDriftStdDev()),
		VisionDefaultStdDevs: &vision,
		Vendor:               ptrString(empty.GetVendor()),
		DatabasePath:         ptrString(empty.GetDatabasePath()),
		PoseLogInterval:      ptrString(empty.GetPoseLogInterval().String()),
		HTTPListen:           ptrString(empty.GetHTTPListen()),
		GRPCListen:           ptrString(empty.GetGRPCListen()),
	}
}

// LoadDriveConfig loads a DriveConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the max file size.
func LoadDriveConfig(path string) (*DriveConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyDriveConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical drive defaults from DefaultConfigPath.
// It searches for the file in the current directory and common parent directories.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *DriveConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/ or cmd/fieldpose/
		"../../../" + DefaultConfigPath, // from cmd/tools/trajectory-plot/
	}
	for _, path := range candidates {
		if cfg, err := LoadDriveConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks that the configuration values are valid.
func (c *DriveConfig) Validate() error {
	if len(c.Modules) > 0 {
		if len(c.Modules) < 2 {
			return fmt.Errorf("modules: need at least 2, got %d", len(c.Modules))
		}
		seen := make(map[string]bool, len(c.Modules))
		for i, m := range c.Modules {
			if m.Name == "" {
				return fmt.Errorf("modules[%d]: name is required", i)
			}
			if seen[m.Name] {
				return fmt.Errorf("modules[%d]: duplicate name %q", i, m.Name)
			}
			seen[m.Name] = true
			if m.X == nil || m.Y == nil {
				return fmt.Errorf("modules[%d] (%s): x and y are required", i, m.Name)
			}
			if m.PositionWrap != nil && *m.PositionWrap < 0 {
				return fmt.Errorf("modules[%d] (%s): position_wrap must be non-negative", i, m.Name)
			}
		}
	} else {
		if c.TrackWidth != nil && *c.TrackWidth <= 0 {
			return fmt.Errorf("track_width must be positive, got %v", float64(*c.TrackWidth))
		}
		if c.WheelBase != nil && *c.WheelBase <= 0 {
			return fmt.Errorf("wheel_base must be positive, got %v", float64(*c.WheelBase))
		}
	}

	if c.MaxDriveSpeed != nil && *c.MaxDriveSpeed <= 0 {
		return fmt.Errorf("max_drive_speed must be positive, got %v", float64(*c.MaxDriveSpeed))
	}
	if c.SampleRateHz != nil && *c.SampleRateHz <= 0 {
		return fmt.Errorf("sample_rate_hz must be positive, got %f", *c.SampleRateHz)
	}
	if c.QueueCapacity != nil && *c.QueueCapacity < 1 {
		return fmt.Errorf("queue_capacity must be at least 1, got %d", *c.QueueCapacity)
	}
	if c.HistoryCapacity != nil && *c.HistoryCapacity < 1 {
		return fmt.Errorf("history_capacity must be at least 1, got %d", *c.HistoryCapacity)
	}

	for name, v := range map[string]*string{
		"tick_period":       c.TickPeriod,
		"pose_log_interval": c.PoseLogInterval,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, *v)
		}
	}

	for name, v := range map[string]*[3]float64{
		"state_std_devs":           c.StateStdDevs,
		"drift_std_devs_per_meter": c.DriftStdDevsPerMeter,
		"vision_default_std_devs":  c.VisionDefaultStdDevs,
	} {
		if v == nil {
			continue
		}
		for i, s := range v {
			if s < 0 {
				return fmt.Errorf("%s[%d] must be non-negative, got %f", name, i, s)
			}
		}
	}

	if c.TurnDriftStdDev != nil && *c.TurnDriftStdDev < 0 {
		return fmt.Errorf("turn_drift_std_dev_per_radian must be non-negative, got %f", *c.TurnDriftStdDev)
	}

	if c.Serial != nil && c.Serial.Port == "" {
		return fmt.Errorf("serial.port is required when serial is set")
	}
	return nil
}

// GetModules returns the module placements, deriving a rectangular FL, FR,
// BL, BR layout from track_width and wheel_base when no modules are listed.
func (c *DriveConfig) GetModules() []Module {
	if len(c.Modules) > 0 {
		out := make([]Module, len(c.Modules))
		for i, m := range c.Modules {
			out[i] = Module{Name: m.Name, X: float64(*m.X), Y: float64(*m.Y)}
			if m.PositionWrap != nil {
				out[i].PositionWrap = float64(*m.PositionWrap)
			}
		}
		return out
	}
	x, y := c.GetWheelBase()/2, c.GetTrackWidth()/2
	return []Module{
		{Name: "front_left", X: x, Y: y},
		{Name: "front_right", X: x, Y: -y},
		{Name: "back_left", X: -x, Y: y},
		{Name: "back_right", X: -x, Y: -y},
	}
}

// GetTrackWidth returns the left-right module spacing in metres.
func (c *DriveConfig) GetTrackWidth() float64 {
	if c.TrackWidth == nil {
		return 0.5715 // 22.5in
	}
	return float64(*c.TrackWidth)
}

// GetWheelBase returns the front-back module spacing in metres.
func (c *DriveConfig) GetWheelBase() float64 {
	if c.WheelBase == nil {
		return 0.5715
	}
	return float64(*c.WheelBase)
}

// GetMaxDriveSpeed returns the module speed limit in m/s.
func (c *DriveConfig) GetMaxDriveSpeed() float64 {
	if c.MaxDriveSpeed == nil {
		return 4.5
	}
	return float64(*c.MaxDriveSpeed)
}

// GetSampleRateHz returns the background sampling rate.
func (c *DriveConfig) GetSampleRateHz() float64 {
	if c.SampleRateHz == nil {
		return 250
	}
	return *c.SampleRateHz
}

// GetSamplePeriod returns the sampling period derived from sample_rate_hz.
func (c *DriveConfig) GetSamplePeriod() time.Duration {
	return time.Duration(float64(time.Second) / c.GetSampleRateHz())
}

// GetQueueCapacity returns the per-signal queue capacity.
func (c *DriveConfig) GetQueueCapacity() int {
	if c.QueueCapacity == nil {
		return 20
	}
	return *c.QueueCapacity
}

// GetTickPeriod parses and returns the control loop period.
func (c *DriveConfig) GetTickPeriod() time.Duration {
	return parseDurationOr(c.TickPeriod, 20*time.Millisecond)
}

// GetHistoryCapacity returns the pose history length in frames.
func (c *DriveConfig) GetHistoryCapacity() int {
	if c.HistoryCapacity == nil {
		return 400
	}
	return *c.HistoryCapacity
}

// GetStateStdDevs returns the odometry uncertainty floor (m, m, rad).
func (c *DriveConfig) GetStateStdDevs() [3]float64 {
	if c.StateStdDevs == nil {
		return [3]float64{0.1, 0.1, 0.1}
	}
	return *c.StateStdDevs
}

// GetDriftStdDevsPerMeter returns the odometry uncertainty growth per metre.
func (c *DriveConfig) GetDriftStdDevsPerMeter() [3]float64 {
	if c.DriftStdDevsPerMeter == nil {
		return [3]float64{0.05, 0.05, 0.05}
	}
	return *c.DriftStdDevsPerMeter
}

// GetTurnDriftStdDev returns the heading uncertainty growth per radian
// turned. Zero leaves the estimator's own default in place.
func (c *DriveConfig) GetTurnDriftStdDev() float64 {
	if c.TurnDriftStdDev == nil {
		return 0.05
	}
	return *c.TurnDriftStdDev
}

// GetVisionDefaultStdDevs returns the measurement std devs applied to
// vision fixes that arrive without their own.
func (c *DriveConfig) GetVisionDefaultStdDevs() [3]float64 {
	if c.VisionDefaultStdDevs == nil {
		return [3]float64{0.9, 0.9, 0.9}
	}
	return *c.VisionDefaultStdDevs
}

// GetInitialPose returns the starting pose as x, y (m) and heading (rad).
func (c *DriveConfig) GetInitialPose() (x, y, heading float64) {
	if c.InitialPose == nil {
		return 0, 0, 0
	}
	return float64(c.InitialPose.X), float64(c.InitialPose.Y), float64(c.InitialPose.Heading)
}

// GetVendor returns the hardware vendor name.
func (c *DriveConfig) GetVendor() string {
	if c.Vendor == nil || *c.Vendor == "" {
		return "sim"
	}
	return *c.Vendor
}

// GetVisionUDPAddr returns the vision datagram listen address, or "".
func (c *DriveConfig) GetVisionUDPAddr() string {
	if c.VisionUDPAddr == nil {
		return ""
	}
	return *c.VisionUDPAddr
}

// GetVisionPCAP returns the vision capture to replay, or "".
func (c *DriveConfig) GetVisionPCAP() string {
	if c.VisionPCAP == nil {
		return ""
	}
	return *c.VisionPCAP
}

// GetDatabasePath returns the pose log path.
func (c *DriveConfig) GetDatabasePath() string {
	if c.DatabasePath == nil || *c.DatabasePath == "" {
		return "fieldpose.db"
	}
	return *c.DatabasePath
}

// GetPoseLogInterval returns the minimum spacing between logged poses.
func (c *DriveConfig) GetPoseLogInterval() time.Duration {
	return parseDurationOr(c.PoseLogInterval, 100*time.Millisecond)
}

// GetHTTPListen returns the HTTP listen address.
func (c *DriveConfig) GetHTTPListen() string {
	if c.HTTPListen == nil || *c.HTTPListen == "" {
		return ":8080"
	}
	return *c.HTTPListen
}

// GetGRPCListen returns the gRPC listen address; "" disables the service.
func (c *DriveConfig) GetGRPCListen() string {
	if c.GRPCListen == nil {
		return ":50051"
	}
	return *c.GRPCListen
}

func parseDurationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}
