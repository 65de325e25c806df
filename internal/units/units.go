// Package units parses unit-suffixed quantities from configuration and
// converts speeds for display. Internally everything is SI: metres,
// metres per second, radians and radians per second.
package units

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
)

// Display speed units accepted by the HTTP API.
const (
	MPS  = "mps"
	FPS  = "fps"
	MPH  = "mph"
	KMPH = "kmph"
	KPH  = "kph"
)

var ValidUnits = []string{MPS, FPS, MPH, KMPH, KPH}

// displayScale converts metres per second to each display unit.
var displayScale = map[string]float64{
	MPS:  1,
	FPS:  1 / 0.3048,
	MPH:  2.2369362920544,
	KMPH: 3.6,
	KPH:  3.6,
}

func IsValid(unit string) bool { return slices.Contains(ValidUnits, unit) }

// GetValidUnitsString lists ValidUnits for error messages.
func GetValidUnitsString() string { return strings.Join(ValidUnits, ", ") }

// ConvertSpeed converts metres per second to targetUnits. Unknown units
// leave the value in metres per second.
func ConvertSpeed(speedMPS float64, targetUnits string) float64 {
	if k, ok := displayScale[targetUnits]; ok {
		return speedMPS * k
	}
	return speedMPS
}

// Scale factors to SI, keyed by lower-case suffix.
var (
	distanceUnits = map[string]float64{
		"":       1,
		"m":      1,
		"meters": 1,
		"cm":     0.01,
		"mm":     0.001,
		"in":     0.0254,
		"inches": 0.0254,
		"ft":     0.3048,
		"feet":   0.3048,
		"yd":     0.9144,
	}
	speedUnits = map[string]float64{
		"":     1,
		"m/s":  1,
		"mps":  1,
		"cm/s": 0.01,
		"in/s": 0.0254,
		"ft/s": 0.3048,
		"fps":  0.3048,
		"mph":  1 / 2.2369362920544,
		"km/h": 1 / 3.6,
		"kph":  1 / 3.6,
		"kmph": 1 / 3.6,
	}
	angleUnits = map[string]float64{
		"":          1,
		"rad":       1,
		"radians":   1,
		"deg":       math.Pi / 180,
		"degrees":   math.Pi / 180,
		"rot":       2 * math.Pi,
		"rotations": 2 * math.Pi,
	}
	angularSpeedUnits = map[string]float64{
		"":      1,
		"rad/s": 1,
		"deg/s": math.Pi / 180,
		"rps":   2 * math.Pi,
		"rpm":   2 * math.Pi / 60,
	}
)

// parse splits "12.5in" or "12.5 in" into magnitude and unit and scales
// the magnitude by table[unit].
func parse(kind, s string, table map[string]float64) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("units: empty %s", kind)
	}
	i := 0
	for i < len(s) && strings.ContainsRune("+-.0123456789eE", rune(s[i])) {
		i++
	}
	// An exponent marker with no digits after it belongs to the unit.
	for i > 0 && (s[i-1] == 'e' || s[i-1] == 'E') {
		i--
	}
	v, err := strconv.ParseFloat(s[:i], 64)
	if err != nil {
		return 0, fmt.Errorf("units: invalid %s %q: %w", kind, s, err)
	}
	unit := strings.ToLower(strings.TrimSpace(s[i:]))
	scale, ok := table[unit]
	if !ok {
		return 0, fmt.Errorf("units: unknown %s unit %q in %q", kind, unit, s)
	}
	return v * scale, nil
}

// ParseDistance parses a distance such as "22.5in" into metres. A bare
// number is metres.
func ParseDistance(s string) (float64, error) { return parse("distance", s, distanceUnits) }

// ParseSpeed parses a linear speed such as "4.5 m/s" into metres per second.
func ParseSpeed(s string) (float64, error) { return parse("speed", s, speedUnits) }

// ParseAngle parses an angle such as "90deg" into radians.
func ParseAngle(s string) (float64, error) { return parse("angle", s, angleUnits) }

// ParseAngularSpeed parses an angular speed such as "540 deg/s" into
// radians per second.
func ParseAngularSpeed(s string) (float64, error) {
	return parse("angular speed", s, angularSpeedUnits)
}

func unmarshalQuantity(data []byte, parseFn func(string) (float64, error)) (float64, error) {
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return 0, fmt.Errorf("units: want number or string, got %s", data)
	}
	return parseFn(s)
}

// Distance is a length in metres.
type Distance float64

// UnmarshalJSON accepts 0.5 or "19.7in".
func (d *Distance) UnmarshalJSON(data []byte) error {
	v, err := unmarshalQuantity(data, ParseDistance)
	if err != nil {
		return err
	}
	*d = Distance(v)
	return nil
}

// Speed is a linear speed in metres per second.
type Speed float64

// UnmarshalJSON accepts 4.5 or "14.7 ft/s".
func (s *Speed) UnmarshalJSON(data []byte) error {
	v, err := unmarshalQuantity(data, ParseSpeed)
	if err != nil {
		return err
	}
	*s = Speed(v)
	return nil
}

// Angle is an angle in radians.
type Angle float64

// UnmarshalJSON accepts 1.57 or "90deg".
func (a *Angle) UnmarshalJSON(data []byte) error {
	v, err := unmarshalQuantity(data, ParseAngle)
	if err != nil {
		return err
	}
	*a = Angle(v)
	return nil
}

// AngularSpeed is an angular speed in radians per second.
type AngularSpeed float64

// UnmarshalJSON accepts 9.4 or "540 deg/s".
func (w *AngularSpeed) UnmarshalJSON(data []byte) error {
	v, err := unmarshalQuantity(data, ParseAngularSpeed)
	if err != nil {
		return err
	}
	*w = AngularSpeed(v)
	return nil
}
