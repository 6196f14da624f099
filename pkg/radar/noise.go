package radar

import (
	"math"
	"math/rand/v2"
)

// ClutterScale is the Rayleigh scale of the clutter floor relative to noise power
const ClutterScale = 0.5

// NoiseSource draws the stochastic terms of the simulation
type NoiseSource interface {
	// Thermal returns a zero-mean Gaussian sample with the given standard deviation
	Thermal(stddev float64) float64
	// Clutter returns a non-negative clutter floor sample, independent per call
	Clutter(noisePower float64) float64
}

// RandNoise is a NoiseSource backed by a PCG stream. Not safe for concurrent use.
type RandNoise struct {
	rng *rand.Rand
}

// NewRandNoise creates a noise source for one (seed, stream) pair. Distinct
// streams with the same seed are independent.
func NewRandNoise(seed, stream uint64) *RandNoise {
	return &RandNoise{rng: rand.New(rand.NewPCG(seed, stream))}
}

// Thermal implements NoiseSource
func (n *RandNoise) Thermal(stddev float64) float64 {
	if !(stddev > 0) {
		return 0
	}
	return n.rng.NormFloat64() * stddev
}

// Clutter implements NoiseSource with a Rayleigh-distributed amplitude
func (n *RandNoise) Clutter(noisePower float64) float64 {
	sigma := noisePower * ClutterScale
	if !(sigma > 0) {
		return 0
	}
	x := n.rng.NormFloat64()
	y := n.rng.NormFloat64()
	return sigma * math.Sqrt(x*x+y*y)
}

// ZeroNoise is a deterministic NoiseSource that never perturbs anything
type ZeroNoise struct{}

// Thermal implements NoiseSource
func (ZeroNoise) Thermal(float64) float64 { return 0 }

// Clutter implements NoiseSource
func (ZeroNoise) Clutter(float64) float64 { return 0 }

// NoiseFloor combines one rectified thermal sample with one clutter sample.
// The thermal term is taken in absolute value before the sum.
func NoiseFloor(src NoiseSource, noisePower float64) float64 {
	return math.Abs(src.Thermal(noisePower)) + src.Clutter(noisePower)
}
