package sim

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Record outcome labels
const (
	OutcomeDetected = "detected"
	OutcomeMissed   = "missed"
)

// Metrics holds the Prometheus collectors updated by a Simulator
type Metrics struct {
	recordsTotal *prometheus.CounterVec
	stepDuration prometheus.Histogram
	repairsTotal *prometheus.CounterVec
	clampsTotal  prometheus.Counter
	sinkErrors   *prometheus.CounterVec
	snrDB        prometheus.Histogram
}

// NewMetrics creates the simulator collectors and registers them on reg.
// A nil reg leaves them unregistered, which is useful in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		recordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "radar_sim_records_total",
				Help: "Total per-target records produced, by detection outcome",
			},
			[]string{"outcome"},
		),
		stepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "radar_sim_step_duration_seconds",
				Help:    "Wall time of one simulation step across all targets",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
		),
		repairsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "radar_sim_numeric_repairs_total",
				Help: "Covariance repairs applied by the tracker",
			},
			[]string{"stage"},
		),
		clampsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "radar_sim_range_clamps_total",
				Help: "Targets whose range was raised to the minimum range",
			},
		),
		sinkErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "radar_sim_sink_errors_total",
				Help: "Errors returned by record sinks",
			},
			[]string{"sink"},
		),
		snrDB: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "radar_sim_snr_db",
				Help:    "Finite per-target SNR in dB",
				Buckets: prometheus.LinearBuckets(-30, 10, 10),
			},
		),
	}

	if reg != nil {
		reg.MustRegister(m.recordsTotal, m.stepDuration, m.repairsTotal, m.clampsTotal, m.sinkErrors, m.snrDB)
	}
	return m
}

func (m *Metrics) observeRecord(detected bool, snrDB float64, finiteSNR bool) {
	if m == nil {
		return
	}
	outcome := OutcomeMissed
	if detected {
		outcome = OutcomeDetected
	}
	m.recordsTotal.WithLabelValues(outcome).Inc()
	if finiteSNR {
		m.snrDB.Observe(snrDB)
	}
}

func (m *Metrics) observeStep(d time.Duration) {
	if m == nil {
		return
	}
	m.stepDuration.Observe(d.Seconds())
}

func (m *Metrics) repair(stage string) {
	if m == nil {
		return
	}
	m.repairsTotal.WithLabelValues(stage).Inc()
}

func (m *Metrics) clamp() {
	if m == nil {
		return
	}
	m.clampsTotal.Inc()
}

func (m *Metrics) sinkError(sink string) {
	if m == nil {
		return
	}
	m.sinkErrors.WithLabelValues(sink).Inc()
}
