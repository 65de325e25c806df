package units

import (
	"encoding/json"
	"math"
	"testing"
)

func TestConvertSpeed(t *testing.T) {
	tests := []struct {
		units string
		in    float64
		want  float64
	}{
		{MPS, 4.2, 4.2},
		{FPS, 3.048, 10},
		{MPH, 1, 2.23694},
		{MPH, 4.4704, 10},
		{KMPH, 5, 18},
		{KPH, 1, 3.6},
		{"furlongs", 4.2, 4.2},
		{MPH, 0, 0},
	}
	for _, tt := range tests {
		if got := ConvertSpeed(tt.in, tt.units); math.Abs(got-tt.want) > 1e-4 {
			t.Errorf("ConvertSpeed(%v, %q) = %v, want %v", tt.in, tt.units, got, tt.want)
		}
	}
}

func TestIsValid(t *testing.T) {
	for _, u := range ValidUnits {
		if !IsValid(u) {
			t.Errorf("IsValid(%q) = false", u)
		}
	}
	for _, u := range []string{"", "MPH", "m/s", "knots"} {
		if IsValid(u) {
			t.Errorf("IsValid(%q) = true", u)
		}
	}
	if got := GetValidUnitsString(); got != "mps, fps, mph, kmph, kph" {
		t.Errorf("GetValidUnitsString() = %q", got)
	}
}

func TestParseQuantities(t *testing.T) {
	tests := []struct {
		name    string
		parse   func(string) (float64, error)
		in      string
		want    float64
		wantErr bool
	}{
		{"bare distance is metres", ParseDistance, "0.5", 0.5, false},
		{"inches", ParseDistance, "22.5in", 0.5715, false},
		{"spaced feet", ParseDistance, " 2 ft ", 0.6096, false},
		{"upper case unit", ParseDistance, "10CM", 0.1, false},
		{"exponent", ParseDistance, "1e3mm", 1, false},
		{"unknown distance unit", ParseDistance, "3 parsecs", 0, true},
		{"no magnitude", ParseDistance, "in", 0, true},
		{"empty", ParseDistance, "", 0, true},
		{"metres per second", ParseSpeed, "4.5 m/s", 4.5, false},
		{"feet per second", ParseSpeed, "10ft/s", 3.048, false},
		{"kph", ParseSpeed, "36kph", 10, false},
		{"degrees", ParseAngle, "180deg", math.Pi, false},
		{"rotations", ParseAngle, "0.25 rot", math.Pi / 2, false},
		{"rpm", ParseAngularSpeed, "60rpm", 2 * math.Pi, false},
		{"deg/s", ParseAngularSpeed, "90 deg/s", math.Pi / 2, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.parse(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parse(%q) = %v, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parse(%q) error: %v", tt.in, err)
			}
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("parse(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestQuantityUnmarshalJSON(t *testing.T) {
	var cfg struct {
		Track Distance     `json:"track"`
		Wheel Distance     `json:"wheel"`
		Max   Speed        `json:"max"`
		Yaw   Angle        `json:"yaw"`
		Rate  AngularSpeed `json:"rate"`
	}
	data := `{"track": "20in", "wheel": 0.5, "max": "4.5 m/s", "yaw": "90deg", "rate": 3}`
	if err := json.Unmarshal([]byte(data), &cfg); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if math.Abs(float64(cfg.Track)-0.508) > 1e-9 {
		t.Errorf("Track = %v", cfg.Track)
	}
	if cfg.Wheel != 0.5 || cfg.Max != 4.5 || cfg.Rate != 3 {
		t.Errorf("unexpected values %+v", cfg)
	}
	if math.Abs(float64(cfg.Yaw)-math.Pi/2) > 1e-9 {
		t.Errorf("Yaw = %v", cfg.Yaw)
	}

	var d Distance
	if err := json.Unmarshal([]byte(`true`), &d); err == nil {
		t.Error("expected error for boolean distance")
	}
	if err := json.Unmarshal([]byte(`"4 furlongs"`), &d); err == nil {
		t.Error("expected error for unknown unit")
	}
}
