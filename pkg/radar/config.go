// Package radar provides the signal-level models of the simulator: radar
// configuration, propagation, beamforming, noise and CFAR detection.
package radar

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidConfig is wrapped by every ConfigurationError
var ErrInvalidConfig = errors.New("invalid radar configuration")

// Config holds the immutable per-run radar parameters
type Config struct {
	Wavelength     float64 `json:"wavelength" yaml:"wavelength"`           // Carrier wavelength in meters
	ArrayElements  int     `json:"array_elements" yaml:"array_elements"`   // Number of ULA elements
	ElementSpacing float64 `json:"element_spacing" yaml:"element_spacing"` // Element spacing in meters
	NoisePower     float64 `json:"noise_power" yaml:"noise_power"`         // Thermal noise standard deviation
	CFARThreshold  float64 `json:"cfar_threshold" yaml:"cfar_threshold"`   // Linear SNR threshold
}

// DefaultConfig returns an X-band, 8 element configuration
func DefaultConfig() Config {
	return Config{
		Wavelength:     0.03,
		ArrayElements:  8,
		ElementSpacing: 0.015,
		NoisePower:     1e-23,
		CFARThreshold:  5.0,
	}
}

// ConfigurationError reports a configuration field that cannot be simulated.
// It is the only error class that aborts a run.
type ConfigurationError struct {
	Field  string
	Value  interface{}
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: %s=%v %s", ErrInvalidConfig, e.Field, e.Value, e.Reason)
}

// Unwrap lets errors.Is match ErrInvalidConfig
func (e *ConfigurationError) Unwrap() error {
	return ErrInvalidConfig
}

// Validate checks the configuration invariants
func (c Config) Validate() error {
	switch {
	case !(c.Wavelength > 0) || math.IsInf(c.Wavelength, 0):
		return &ConfigurationError{Field: "wavelength", Value: c.Wavelength, Reason: "must be positive and finite"}
	case c.ArrayElements < 1:
		return &ConfigurationError{Field: "array_elements", Value: c.ArrayElements, Reason: "must be at least 1"}
	case !(c.ElementSpacing >= 0) || math.IsInf(c.ElementSpacing, 0):
		return &ConfigurationError{Field: "element_spacing", Value: c.ElementSpacing, Reason: "must be non-negative and finite"}
	case !(c.NoisePower >= 0) || math.IsInf(c.NoisePower, 0):
		return &ConfigurationError{Field: "noise_power", Value: c.NoisePower, Reason: "must be non-negative and finite"}
	case !(c.CFARThreshold >= 0) || math.IsInf(c.CFARThreshold, 0):
		return &ConfigurationError{Field: "cfar_threshold", Value: c.CFARThreshold, Reason: "must be non-negative and finite"}
	}
	return nil
}

// Target is the kinematic ground truth of a simulated reflector
type Target struct {
	X   float64 `json:"x" yaml:"x"`     // meters
	Y   float64 `json:"y" yaml:"y"`     // meters
	VX  float64 `json:"vx" yaml:"vx"`   // meters per step
	VY  float64 `json:"vy" yaml:"vy"`   // meters per step
	RCS float64 `json:"rcs" yaml:"rcs"` // radar cross-section, m²
}

// Advance moves the target by one unit time step
func (t *Target) Advance() {
	t.X += t.VX
	t.Y += t.VY
}

// Angle returns the bearing of the target from the origin in radians
func (t Target) Angle() float64 {
	return math.Atan2(t.Y, t.X)
}

// ValidateTargets checks every target for finite kinematics and positive RCS
func ValidateTargets(targets []Target) error {
	for i, t := range targets {
		fields := []struct {
			name string
			v    float64
		}{{"x", t.X}, {"y", t.Y}, {"vx", t.VX}, {"vy", t.VY}}
		for _, f := range fields {
			if math.IsNaN(f.v) || math.IsInf(f.v, 0) {
				return &ConfigurationError{Field: fmt.Sprintf("targets[%d].%s", i, f.name), Value: f.v, Reason: "must be finite"}
			}
		}
		if !(t.RCS > 0) || math.IsInf(t.RCS, 0) {
			return &ConfigurationError{Field: fmt.Sprintf("targets[%d].rcs", i), Value: t.RCS, Reason: "must be positive and finite"}
		}
	}
	return nil
}
