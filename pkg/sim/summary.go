package sim

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat"
)

// TargetSummary aggregates the records of one target over a run
type TargetSummary struct {
	TargetIndex int     `json:"target_index"`
	Detections  int     `json:"detections"`
	Misses      int     `json:"misses"`
	MeanError   float64 `json:"mean_error"`   // mean |estimate - truth| over detections, meters
	StdDevError float64 `json:"stddev_error"` // sample standard deviation of the same
	FinalTrace  float64 `json:"final_trace"`  // covariance trace of the committed track
}

// Summary aggregates a whole run
type Summary struct {
	RunID       string          `json:"run_id"`
	TimeSteps   int             `json:"time_steps"`
	Records     int             `json:"records"`
	Detections  int             `json:"detections"`
	Misses      int             `json:"misses"`
	Repairs     int64           `json:"numeric_repairs"`
	RangeClamps int64           `json:"range_clamps"`
	Duration    time.Duration   `json:"duration_ns"`
	Targets     []TargetSummary `json:"targets"`
}

// DetectionRate returns detections over records, 0 for an empty run
func (s Summary) DetectionRate() float64 {
	if s.Records == 0 {
		return 0
	}
	return float64(s.Detections) / float64(s.Records)
}

// Summarize computes the per-target statistics of records. pairs supplies
// the committed tracks and fixes the number of targets.
func Summarize(runID string, timeSteps int, records []Record, pairs []Pair) Summary {
	sum := Summary{
		RunID:     runID,
		TimeSteps: timeSteps,
		Records:   len(records),
		Targets:   make([]TargetSummary, len(pairs)),
	}

	errs := make([][]float64, len(pairs))
	for _, r := range records {
		if r.TargetIndex < 0 || r.TargetIndex >= len(pairs) {
			continue
		}
		ts := &sum.Targets[r.TargetIndex]
		if !r.Detected || r.EstimatedX == nil || r.EstimatedY == nil {
			ts.Misses++
			sum.Misses++
			continue
		}
		ts.Detections++
		sum.Detections++
		errs[r.TargetIndex] = append(errs[r.TargetIndex], math.Hypot(*r.EstimatedX-r.TruthX, *r.EstimatedY-r.TruthY))
	}

	for i := range sum.Targets {
		ts := &sum.Targets[i]
		ts.TargetIndex = i
		ts.FinalTrace = pairs[i].Track.Trace()
		switch len(errs[i]) {
		case 0:
		case 1:
			ts.MeanError = errs[i][0]
		default:
			ts.MeanError, ts.StdDevError = stat.MeanStdDev(errs[i], nil)
		}
	}
	return sum
}
