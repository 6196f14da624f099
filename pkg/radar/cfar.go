package radar

import "math"

// Detection is the per target, per step CFAR outcome
type Detection struct {
	Detected   bool
	Signal     float64
	NoiseFloor float64
	SNR        float64 // linear; +Inf when the floor is zero and the signal positive
}

// Detect reports whether signal/floor strictly exceeds threshold. A floor that is
// not positive detects any positive signal and nothing else.
func Detect(signal, floor, threshold float64) bool {
	if !(floor > 0) {
		return signal > 0
	}
	return signal/floor > threshold
}

// Evaluate runs Detect and returns the full outcome
func Evaluate(signal, floor, threshold float64) Detection {
	d := Detection{
		Detected:   Detect(signal, floor, threshold),
		Signal:     signal,
		NoiseFloor: floor,
	}
	switch {
	case floor > 0:
		d.SNR = signal / floor
	case signal > 0:
		d.SNR = math.Inf(1)
	}
	return d
}

// ToDB converts a linear power ratio to decibels
func ToDB(ratio float64) float64 {
	return 10 * math.Log10(ratio)
}
