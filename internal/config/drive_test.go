package config

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	return path
}

func TestEmptyDriveConfigDefaults(t *testing.T) {
	cfg := EmptyDriveConfig()

	if got := cfg.GetMaxDriveSpeed(); got != 4.5 {
		t.Errorf("GetMaxDriveSpeed() = %v, want 4.5", got)
	}
	if got := cfg.GetSamplePeriod(); got != 4*time.Millisecond {
		t.Errorf("GetSamplePeriod() = %v, want 4ms", got)
	}
	if got := cfg.GetTickPeriod(); got != 20*time.Millisecond {
		t.Errorf("GetTickPeriod() = %v, want 20ms", got)
	}
	if got := cfg.GetQueueCapacity(); got != 20 {
		t.Errorf("GetQueueCapacity() = %d, want 20", got)
	}
	if got := cfg.GetVendor(); got != "sim" {
		t.Errorf("GetVendor() = %q, want sim", got)
	}
	if got := cfg.GetVisionUDPAddr(); got != "" {
		t.Errorf("GetVisionUDPAddr() = %q, want empty", got)
	}
	if got := cfg.GetVisionDefaultStdDevs(); got != [3]float64{0.9, 0.9, 0.9} {
		t.Errorf("GetVisionDefaultStdDevs() = %v, want 0.9 on every axis", got)
	}
	if got := cfg.GetVisionDefaultStdDevs(); got == cfg.GetStateStdDevs() {
		t.Errorf("vision default %v should not alias the state std devs", got)
	}

	mods := cfg.GetModules()
	if len(mods) != 4 {
		t.Fatalf("GetModules() returned %d modules, want 4", len(mods))
	}
	if mods[0].Name != "front_left" || mods[0].X <= 0 || mods[0].Y <= 0 {
		t.Errorf("front_left = %+v", mods[0])
	}
	if mods[3].Name != "back_right" || mods[3].X >= 0 || mods[3].Y >= 0 {
		t.Errorf("back_right = %+v", mods[3])
	}
}

func TestDefaultDriveConfigRoundTrip(t *testing.T) {
	cfg := DefaultDriveConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("DefaultDriveConfig invalid: %v", err)
	}
	empty := EmptyDriveConfig()
	if cfg.GetTickPeriod() != empty.GetTickPeriod() {
		t.Errorf("tick period %v != %v", cfg.GetTickPeriod(), empty.GetTickPeriod())
	}
	if cfg.GetPoseLogInterval() != empty.GetPoseLogInterval() {
		t.Errorf("pose log interval %v != %v", cfg.GetPoseLogInterval(), empty.GetPoseLogInterval())
	}
	if cfg.GetTrackWidth() != empty.GetTrackWidth() {
		t.Errorf("track width %v != %v", cfg.GetTrackWidth(), empty.GetTrackWidth())
	}
}

func TestLoadDriveConfig(t *testing.T) {
	path := writeConfig(t, "drive.json", `{
  "modules": [
    {"name": "left", "x": 0, "y": "10in"},
    {"name": "right", "x": 0, "y": "-10in", "position_wrap": "1 m"}
  ],
  "max_drive_speed": "10 ft/s",
  "sample_rate_hz": 100,
  "tick_period": "10ms",
  "state_std_devs": [0.2, 0.2, 0.05],
  "vision_default_std_devs": [0.7, 0.7, 1.5],
  "initial_pose": {"x": "1 ft", "y": 2, "heading": "90deg"},
  "vendor": "serial-bridge",
  "serial": {"port": "/dev/ttyUSB0", "baud_rate": 115200}
}`)

	cfg, err := LoadDriveConfig(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	mods := cfg.GetModules()
	if len(mods) != 2 {
		t.Fatalf("got %d modules, want 2", len(mods))
	}
	if math.Abs(mods[0].Y-0.254) > 1e-9 || mods[1].PositionWrap != 1 {
		t.Errorf("modules = %+v", mods)
	}
	if math.Abs(cfg.GetMaxDriveSpeed()-3.048) > 1e-9 {
		t.Errorf("GetMaxDriveSpeed() = %v, want 3.048", cfg.GetMaxDriveSpeed())
	}
	if cfg.GetSamplePeriod() != 10*time.Millisecond {
		t.Errorf("GetSamplePeriod() = %v, want 10ms", cfg.GetSamplePeriod())
	}
	if cfg.GetTickPeriod() != 10*time.Millisecond {
		t.Errorf("GetTickPeriod() = %v", cfg.GetTickPeriod())
	}
	if cfg.GetStateStdDevs() != [3]float64{0.2, 0.2, 0.05} {
		t.Errorf("GetStateStdDevs() = %v", cfg.GetStateStdDevs())
	}
	// Vision fallback is independent of the odometry floor.
	if cfg.GetVisionDefaultStdDevs() != [3]float64{0.7, 0.7, 1.5} {
		t.Errorf("GetVisionDefaultStdDevs() = %v", cfg.GetVisionDefaultStdDevs())
	}
	// Unset fields keep their defaults.
	if cfg.GetTurnDriftStdDev() != 0.05 {
		t.Errorf("GetTurnDriftStdDev() = %v", cfg.GetTurnDriftStdDev())
	}
	if cfg.GetDriftStdDevsPerMeter() != [3]float64{0.05, 0.05, 0.05} {
		t.Errorf("GetDriftStdDevsPerMeter() = %v", cfg.GetDriftStdDevsPerMeter())
	}
	x, y, h := cfg.GetInitialPose()
	if math.Abs(x-0.3048) > 1e-9 || y != 2 || math.Abs(h-math.Pi/2) > 1e-9 {
		t.Errorf("GetInitialPose() = %v, %v, %v", x, y, h)
	}
	if cfg.GetVendor() != "serial-bridge" || cfg.Serial.Port != "/dev/ttyUSB0" || cfg.Serial.BaudRate != 115200 {
		t.Errorf("hardware = %q %+v", cfg.GetVendor(), cfg.Serial)
	}
}

func TestLoadDriveConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		body    string
		wantErr string
	}{
		{"wrong extension", "drive.yaml", `{}`, ".json extension"},
		{"bad json", "drive.json", `{`, "failed to parse"},
		{"bad unit", "drive.json", `{"track_width": "3 parsecs"}`, "failed to parse"},
		{"one module", "drive.json", `{"modules": [{"name": "a", "x": 0, "y": 0}]}`, "at least 2"},
		{"duplicate module", "drive.json", `{"modules": [{"name": "a", "x": 0, "y": 0}, {"name": "a", "x": 1, "y": 0}]}`, "duplicate"},
		{"missing offset", "drive.json", `{"modules": [{"name": "a", "x": 0}, {"name": "b", "x": 1, "y": 0}]}`, "x and y"},
		{"negative track", "drive.json", `{"track_width": -1}`, "track_width"},
		{"zero speed", "drive.json", `{"max_drive_speed": 0}`, "max_drive_speed"},
		{"zero rate", "drive.json", `{"sample_rate_hz": 0}`, "sample_rate_hz"},
		{"bad tick", "drive.json", `{"tick_period": "soon"}`, "tick_period"},
		{"negative tick", "drive.json", `{"tick_period": "-1s"}`, "tick_period"},
		{"zero history", "drive.json", `{"history_capacity": 0}`, "history_capacity"},
		{"negative std dev", "drive.json", `{"state_std_devs": [0.1, -0.1, 0.1]}`, "state_std_devs[1]"},
		{"negative vision std dev", "drive.json", `{"vision_default_std_devs": [0.5, 0.5, -1]}`, "vision_default_std_devs[2]"},
		{"negative turn drift", "drive.json", `{"turn_drift_std_dev_per_radian": -0.1}`, "turn_drift_std_dev_per_radian"},
		{"serial without port", "drive.json", `{"serial": {"baud_rate": 9600}}`, "serial.port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadDriveConfig(writeConfig(t, tt.file, tt.body))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadDriveConfigTooLarge(t *testing.T) {
	path := writeConfig(t, "big.json", `{"vendor": "`+strings.Repeat("x", 1024*1024)+`"}`)
	if _, err := LoadDriveConfig(path); err == nil || !strings.Contains(err.Error(), "too large") {
		t.Errorf("expected size error, got %v", err)
	}
}

func TestLoadDriveConfigMissing(t *testing.T) {
	if _, err := LoadDriveConfig(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestMustLoadDefaultConfig(t *testing.T) {
	cfg := MustLoadDefaultConfig()
	mods := cfg.GetModules()
	if len(mods) != 4 {
		t.Fatalf("defaults define %d modules, want 4", len(mods))
	}
	if math.Abs(mods[0].X-0.28575) > 1e-9 {
		t.Errorf("front_left x = %v, want 0.28575", mods[0].X)
	}
	if cfg.GetHistoryCapacity() != 400 {
		t.Errorf("GetHistoryCapacity() = %d", cfg.GetHistoryCapacity())
	}
	if cfg.GetVisionDefaultStdDevs() != EmptyDriveConfig().GetVisionDefaultStdDevs() {
		t.Errorf("GetVisionDefaultStdDevs() = %v", cfg.GetVisionDefaultStdDevs())
	}
}
