package radar

import "math"

// MinRange is the range floor applied before the R⁻⁴ term
const MinRange = 1.0

// fourPiCubed is (4π)³
var fourPiCubed = math.Pow(4*math.Pi, 3)

// TargetRange returns the distance from the origin to the target, clamped to
// MinRange. clamped reports whether the floor was applied.
func TargetRange(t Target) (r float64, clamped bool) {
	r = math.Hypot(t.X, t.Y)
	if !(r >= MinRange) {
		return MinRange, true
	}
	return r, false
}

// ReceivedPower evaluates the simplified monostatic radar equation
// λ²σ / ((4π)³ R⁴) for the target's current position.
func ReceivedPower(cfg Config, t Target) float64 {
	r, _ := TargetRange(t)
	return PowerAtRange(cfg.Wavelength, t.RCS, r)
}

// PowerAtRange is ReceivedPower for an explicit range
func PowerAtRange(wavelength, rcs, r float64) float64 {
	if !(r >= MinRange) {
		r = MinRange
	}
	r2 := r * r
	p := (wavelength * wavelength * rcs) / (fourPiCubed * r2 * r2)
	if p < 0 || math.IsNaN(p) {
		return 0
	}
	return p
}
