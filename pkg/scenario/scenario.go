// Package scenario loads simulation runs from YAML or JSON documents
package scenario

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/agile-defense/radarsot/pkg/radar"
	"github.com/agile-defense/radarsot/pkg/sim"
	"github.com/agile-defense/radarsot/pkg/tracker"
)

// DefaultTimeSteps is used when a scenario does not set time_steps
const DefaultTimeSteps = 10

// MaxTimeSteps bounds a single scenario
const MaxTimeSteps = 1_000_000

// TargetSpec describes one target either in Cartesian form (x, y, vx, vy) or
// in polar form (range, angle, speed). Polar speed is radial, along the
// bearing. Angles are in radians.
type TargetSpec struct {
	X  float64 `json:"x,omitempty" yaml:"x,omitempty"`
	Y  float64 `json:"y,omitempty" yaml:"y,omitempty"`
	VX float64 `json:"vx,omitempty" yaml:"vx,omitempty"`
	VY float64 `json:"vy,omitempty" yaml:"vy,omitempty"`

	Range *float64 `json:"range,omitempty" yaml:"range,omitempty"`
	Angle float64  `json:"angle,omitempty" yaml:"angle,omitempty"`
	Speed float64  `json:"speed,omitempty" yaml:"speed,omitempty"`

	RCS float64 `json:"rcs" yaml:"rcs"`
}

// Polar reports whether the target is given in polar form
func (t TargetSpec) Polar() bool {
	return t.Range != nil
}

// Target converts the description to Cartesian ground truth
func (t TargetSpec) Target() radar.Target {
	if !t.Polar() {
		return radar.Target{X: t.X, Y: t.Y, VX: t.VX, VY: t.VY, RCS: t.RCS}
	}
	cos, sin := math.Cos(t.Angle), math.Sin(t.Angle)
	r := *t.Range
	return radar.Target{
		X:   r * cos,
		Y:   r * sin,
		VX:  t.Speed * cos,
		VY:  t.Speed * sin,
		RCS: t.RCS,
	}
}

// Polar builds a polar TargetSpec
func Polar(rng, speed, angle, rcs float64) TargetSpec {
	return TargetSpec{Range: &rng, Speed: speed, Angle: angle, RCS: rcs}
}

// Scenario is a complete run description
type Scenario struct {
	Name              string          `json:"name,omitempty" yaml:"name,omitempty"`
	Radar             radar.Config    `json:"radar" yaml:"radar"`
	TimeSteps         int             `json:"time_steps" yaml:"time_steps"`
	Seed              uint64          `json:"seed" yaml:"seed"`
	Steering          string          `json:"steering,omitempty" yaml:"steering,omitempty"`
	LookAngle         float64         `json:"look_angle,omitempty" yaml:"look_angle,omitempty"`
	MeasurementStdDev float64         `json:"measurement_stddev,omitempty" yaml:"measurement_stddev,omitempty"`
	Parallel          bool            `json:"parallel,omitempty" yaml:"parallel,omitempty"`
	Tracker           *tracker.Config `json:"tracker,omitempty" yaml:"tracker,omitempty"`
	Targets           []TargetSpec    `json:"targets" yaml:"targets"`
}

// New returns a scenario with the default radar, default step count and no
// targets. Decoding a document on top of it keeps defaults for omitted fields.
func New() Scenario {
	return Scenario{
		Radar:     radar.DefaultConfig(),
		TimeSteps: DefaultTimeSteps,
	}
}

// Default is the built-in three target X-band scenario
func Default() Scenario {
	s := New()
	s.Name = "default"
	s.Targets = []TargetSpec{
		Polar(15000, 250, 0.5, 10.0),
		Polar(8000, -120, 1.2, 3.5),
		Polar(25000, 0, 2.1, 0.8),
	}
	return s
}

// Parse decodes a YAML scenario. JSON documents are valid YAML and parse too.
func Parse(data []byte) (Scenario, error) {
	return Decode(New(), data)
}

// Decode parses a document on top of base, so fields the document omits keep
// the values of base, and validates the result
func Decode(base Scenario, data []byte) (Scenario, error) {
	s := base
	s.Targets = nil
	if base.Tracker != nil {
		tc := *base.Tracker
		s.Tracker = &tc
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Scenario{}, fmt.Errorf("failed to parse scenario: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Scenario{}, err
	}
	return s, nil
}

// Load reads and parses a scenario file
func Load(path string) (Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Scenario{}, fmt.Errorf("failed to read scenario %s: %w", path, err)
	}
	s, err := Parse(data)
	if err != nil {
		return Scenario{}, fmt.Errorf("%s: %w", path, err)
	}
	if s.Name == "" {
		s.Name = path
	}
	return s, nil
}

// Validate checks the run parameters, the radar block and every target.
// Failures are *radar.ConfigurationError.
func (s Scenario) Validate() error {
	if s.TimeSteps < 0 || s.TimeSteps > MaxTimeSteps {
		return &radar.ConfigurationError{Field: "time_steps", Value: s.TimeSteps, Reason: fmt.Sprintf("must be in [0, %d]", MaxTimeSteps)}
	}
	if _, err := radar.ParseSteering(s.Steering); err != nil {
		return &radar.ConfigurationError{Field: "steering", Value: s.Steering, Reason: err.Error()}
	}
	if math.IsNaN(s.LookAngle) || math.IsInf(s.LookAngle, 0) {
		return &radar.ConfigurationError{Field: "look_angle", Value: s.LookAngle, Reason: "must be finite"}
	}
	if !(s.MeasurementStdDev >= 0) || math.IsInf(s.MeasurementStdDev, 0) {
		return &radar.ConfigurationError{Field: "measurement_stddev", Value: s.MeasurementStdDev, Reason: "must be non-negative and finite"}
	}
	if err := s.Radar.Validate(); err != nil {
		return err
	}
	for i, t := range s.Targets {
		if !t.Polar() {
			continue
		}
		if t.X != 0 || t.Y != 0 || t.VX != 0 || t.VY != 0 {
			return &radar.ConfigurationError{Field: fmt.Sprintf("targets[%d]", i), Value: "polar+cartesian", Reason: "must use either range/angle/speed or x/y/vx/vy"}
		}
		if r := *t.Range; !(r >= 0) || math.IsInf(r, 0) {
			return &radar.ConfigurationError{Field: fmt.Sprintf("targets[%d].range", i), Value: r, Reason: "must be non-negative and finite"}
		}
	}
	return radar.ValidateTargets(s.RadarTargets())
}

// RadarTargets converts every target spec to Cartesian ground truth
func (s Scenario) RadarTargets() []radar.Target {
	out := make([]radar.Target, len(s.Targets))
	for i, t := range s.Targets {
		out[i] = t.Target()
	}
	return out
}

// Options translates the run parameters to simulator options. Callers append
// their own run id, sinks, metrics and logger.
func (s Scenario) Options() ([]sim.Option, error) {
	steering, err := radar.ParseSteering(s.Steering)
	if err != nil {
		return nil, &radar.ConfigurationError{Field: "steering", Value: s.Steering, Reason: err.Error()}
	}
	opts := []sim.Option{
		sim.WithSeed(s.Seed),
		sim.WithSteering(steering, s.LookAngle),
		sim.WithMeasurementStdDev(s.MeasurementStdDev),
		sim.WithParallel(s.Parallel),
	}
	if s.Tracker != nil {
		opts = append(opts, sim.WithTracker(*s.Tracker))
	}
	return opts, nil
}

// Simulator validates the scenario and builds a simulator for it
func (s Scenario) Simulator(extra ...sim.Option) (*sim.Simulator, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	opts, err := s.Options()
	if err != nil {
		return nil, err
	}
	return sim.New(s.Radar, s.RadarTargets(), append(opts, extra...)...)
}
