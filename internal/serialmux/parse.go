package serialmux

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	EventTypeModule  = "module"
	EventTypeGyro    = "gyro"
	EventTypeConfig  = "config"
	EventTypeUnknown = "unknown"
)

// ClassifyPayload inspects a line from the bridge and returns its event type
// token.
func ClassifyPayload(payload string) string {
	switch {
	case strings.HasPrefix(payload, "M,"):
		return EventTypeModule
	case strings.HasPrefix(payload, "G,"):
		return EventTypeGyro
	case strings.HasPrefix(payload, "{"):
		return EventTypeConfig
	}
	return EventTypeUnknown
}

// ModuleLine is one module telemetry report:
//
//	M,<index>,<drive position m>,<drive velocity m/s>,<azimuth rad>,<ok 0|1>
type ModuleLine struct {
	Index    int
	Position float64
	Velocity float64
	Azimuth  float64
	OK       bool
}

// GyroLine is one gyro telemetry report:
//
//	G,<yaw rad>,<yaw rate rad/s>,<ok 0|1>
type GyroLine struct {
	Yaw  float64
	Rate float64
	OK   bool
}

func splitFields(payload, prefix string, n int) ([]string, error) {
	fields := strings.Split(strings.TrimSpace(payload), ",")
	if len(fields) != n || fields[0] != prefix {
		return nil, fmt.Errorf("malformed %s line %q: want %d fields", prefix, payload, n)
	}
	return fields[1:], nil
}

func parseFloats(fields []string) ([]float64, error) {
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, fmt.Errorf("field %d: %w", i+1, err)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("field %d: non-finite value %q", i+1, f)
		}
		out[i] = v
	}
	return out, nil
}

func parseOK(field string) (bool, error) {
	switch strings.TrimSpace(field) {
	case "1":
		return true, nil
	case "0":
		return false, nil
	}
	return false, fmt.Errorf("invalid status flag %q", field)
}

// ParseModuleLine decodes an M line.
func ParseModuleLine(payload string) (ModuleLine, error) {
	fields, err := splitFields(payload, "M", 6)
	if err != nil {
		return ModuleLine{}, err
	}
	idx, err := strconv.Atoi(strings.TrimSpace(fields[0]))
	if err != nil || idx < 0 {
		return ModuleLine{}, fmt.Errorf("malformed M line %q: bad module index", payload)
	}
	vals, err := parseFloats(fields[1:4])
	if err != nil {
		return ModuleLine{}, fmt.Errorf("malformed M line %q: %w", payload, err)
	}
	ok, err := parseOK(fields[4])
	if err != nil {
		return ModuleLine{}, fmt.Errorf("malformed M line %q: %w", payload, err)
	}
	return ModuleLine{Index: idx, Position: vals[0], Velocity: vals[1], Azimuth: vals[2], OK: ok}, nil
}

// ParseGyroLine decodes a G line.
func ParseGyroLine(payload string) (GyroLine, error) {
	fields, err := splitFields(payload, "G", 4)
	if err != nil {
		return GyroLine{}, err
	}
	vals, err := parseFloats(fields[:2])
	if err != nil {
		return GyroLine{}, fmt.Errorf("malformed G line %q: %w", payload, err)
	}
	ok, err := parseOK(fields[2])
	if err != nil {
		return GyroLine{}, fmt.Errorf("malformed G line %q: %w", payload, err)
	}
	return GyroLine{Yaw: vals[0], Rate: vals[1], OK: ok}, nil
}

// FormatSetpoint encodes a module setpoint command:
//
//	S,<index>,<speed m/s>,<angle rad>
func FormatSetpoint(index int, speed, angle float64) string {
	return fmt.Sprintf("S,%d,%.4f,%.4f", index, speed, angle)
}
