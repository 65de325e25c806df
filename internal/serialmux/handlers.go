package serialmux

import (
	"encoding/json"
	"fmt"

	"github.com/banshee-data/fieldpose/internal/monitoring"
)

// LineHandler receives decoded telemetry lines.
type LineHandler interface {
	HandleModuleLine(ModuleLine)
	HandleGyroLine(GyroLine)
	// HandleConfig receives the JSON object a bridge prints in reply to a
	// config query or on boot.
	HandleConfig(map[string]any)
}

// HandleEvent classifies payload and dispatches it to h. Unrecognised
// lines are logged and dropped.
func HandleEvent(h LineHandler, payload string) error {
	switch ClassifyPayload(payload) {
	case EventTypeModule:
		line, err := ParseModuleLine(payload)
		if err != nil {
			return fmt.Errorf("module line: %w", err)
		}
		h.HandleModuleLine(line)
	case EventTypeGyro:
		line, err := ParseGyroLine(payload)
		if err != nil {
			return fmt.Errorf("gyro line: %w", err)
		}
		h.HandleGyroLine(line)
	case EventTypeConfig:
		var values map[string]any
		if err := json.Unmarshal([]byte(payload), &values); err != nil {
			return fmt.Errorf("config line: %w", err)
		}
		h.HandleConfig(values)
	default:
		monitoring.Logf("serialmux: ignoring line %q", payload)
	}
	return nil
}
