package radar

import (
	"fmt"
	"math"
)

// Steering selects how the beam look angle is chosen each step
type Steering int

const (
	// SteeringIdeal points the beam exactly at the true target angle
	SteeringIdeal Steering = iota
	// SteeringFixed keeps the beam on a fixed boresight angle
	SteeringFixed
)

func (s Steering) String() string {
	switch s {
	case SteeringIdeal:
		return "ideal"
	case SteeringFixed:
		return "fixed"
	default:
		return fmt.Sprintf("steering(%d)", int(s))
	}
}

// ParseSteering maps a textual mode to a Steering value
func ParseSteering(s string) (Steering, error) {
	switch s {
	case "", "ideal":
		return SteeringIdeal, nil
	case "fixed":
		return SteeringFixed, nil
	}
	return SteeringIdeal, fmt.Errorf("unknown steering mode %q (valid: ideal, fixed)", s)
}

// LookAngle returns the look angle for a target angle under the given mode
func (s Steering) LookAngle(targetAngle, boresight float64) float64 {
	if s == SteeringFixed {
		return boresight
	}
	return targetAngle
}

// phaseEpsilon bounds |sin(ψ/2)| below which the array sums coherently
const phaseEpsilon = 1e-12

// ArrayFactor returns the magnitude of the uniform linear array factor
// |Σ exp(j·k·ψ)| for k = 0..n-1 with ψ = 2π·d/λ·(sin θt − sin θl).
// The result lies in [0, n] and equals n when the beam is on target.
func ArrayFactor(numElements int, spacing, wavelength, lookAngle, targetAngle float64) float64 {
	if numElements < 1 {
		return 0
	}
	n := float64(numElements)
	if !(spacing > 0) || !(wavelength > 0) {
		return n
	}

	psi := 2 * math.Pi * spacing / wavelength * (math.Sin(targetAngle) - math.Sin(lookAngle))
	den := math.Sin(psi / 2)
	if math.Abs(den) < phaseEpsilon || math.IsNaN(den) {
		return n
	}

	af := math.Abs(math.Sin(n*psi/2) / den)
	if af > n {
		return n
	}
	return af
}
