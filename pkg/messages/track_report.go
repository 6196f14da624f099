package messages

import (
	"strings"

	"github.com/agile-defense/radarsot/pkg/radar"
	"github.com/agile-defense/radarsot/pkg/sim"
)

// SourceTypeRadar identifies simulator output in envelopes
const SourceTypeRadar = "radar"

// Message types used by WebSocket clients
const (
	TypeTrackReport  = "track.report"
	TypeRunCompleted = "run.completed"
)

// SubjectPrefix is the root of every radar subject
const SubjectPrefix = "radar"

// TrackReport is one target outcome at one time step
type TrackReport struct {
	Envelope Envelope `json:"envelope"`

	RunID       string   `json:"run_id"`
	TimeStep    int      `json:"time_step"`
	TargetIndex int      `json:"target_index"`
	Detected    bool     `json:"detected"`
	SNR         *float64 `json:"snr"` // linear, null when not finite
	SNRdB       *float64 `json:"snr_db,omitempty"`
	EstimatedX  *float64 `json:"estimated_x,omitempty"`
	EstimatedY  *float64 `json:"estimated_y,omitempty"`
	TruthX      float64  `json:"truth_x"`
	TruthY      float64  `json:"truth_y"`
}

// NewTrackReport converts a simulator record
func NewTrackReport(source string, r sim.Record) *TrackReport {
	rep := &TrackReport{
		Envelope:    NewEnvelope(source, SourceTypeRadar).WithCorrelation(r.RunID, ""),
		RunID:       r.RunID,
		TimeStep:    r.TimeStep,
		TargetIndex: r.TargetIndex,
		Detected:    r.Detected,
		SNR:         r.FiniteSNR(),
		EstimatedX:  r.EstimatedX,
		EstimatedY:  r.EstimatedY,
		TruthX:      r.TruthX,
		TruthY:      r.TruthY,
	}
	if rep.SNR != nil && *rep.SNR > 0 {
		db := radar.ToDB(*rep.SNR)
		rep.SNRdB = &db
	}
	return rep
}

func (t *TrackReport) GetEnvelope() Envelope {
	return t.Envelope
}

func (t *TrackReport) SetEnvelope(e Envelope) {
	t.Envelope = e
}

// Subject returns radar.<run>.track.detected or radar.<run>.track.missed
func (t *TrackReport) Subject() string {
	outcome := "missed"
	if t.Detected {
		outcome = "detected"
	}
	return SubjectPrefix + "." + SubjectToken(t.RunID) + ".track." + outcome
}

// RunReport closes a run with its summary
type RunReport struct {
	Envelope Envelope `json:"envelope"`

	RunID         string              `json:"run_id"`
	TimeSteps     int                 `json:"time_steps"`
	Records       int                 `json:"records"`
	Detections    int                 `json:"detections"`
	Misses        int                 `json:"misses"`
	DetectionRate float64             `json:"detection_rate"`
	Repairs       int64               `json:"numeric_repairs"`
	RangeClamps   int64               `json:"range_clamps"`
	DurationMs    float64             `json:"duration_ms"`
	Targets       []sim.TargetSummary `json:"targets"`
}

// NewRunReport converts a run summary
func NewRunReport(source string, s sim.Summary) *RunReport {
	return &RunReport{
		Envelope:      NewEnvelope(source, SourceTypeRadar).WithCorrelation(s.RunID, ""),
		RunID:         s.RunID,
		TimeSteps:     s.TimeSteps,
		Records:       s.Records,
		Detections:    s.Detections,
		Misses:        s.Misses,
		DetectionRate: s.DetectionRate(),
		Repairs:       s.Repairs,
		RangeClamps:   s.RangeClamps,
		DurationMs:    float64(s.Duration.Microseconds()) / 1000,
		Targets:       s.Targets,
	}
}

func (r *RunReport) GetEnvelope() Envelope {
	return r.Envelope
}

func (r *RunReport) SetEnvelope(e Envelope) {
	r.Envelope = e
}

// Subject returns radar.<run>.run.completed
func (r *RunReport) Subject() string {
	return SubjectPrefix + "." + SubjectToken(r.RunID) + ".run.completed"
}

// SubjectToken makes s usable as a single NATS subject token or MQTT topic
// level by replacing separators and wildcards
func SubjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', '/', '+', '#', ' ', '\t':
			return '_'
		}
		return r
	}, s)
}
