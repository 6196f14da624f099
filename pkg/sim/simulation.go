// Package sim runs the detection and tracking loop: each time step advances
// every target, forms the beam, evaluates the radar equation against a noise
// floor and feeds detections to the target's Kalman track.
package sim

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/agile-defense/radarsot/pkg/radar"
	"github.com/agile-defense/radarsot/pkg/tracker"
)

const tracerName = "github.com/agile-defense/radarsot/pkg/sim"

// Pair binds a target to its track by index. There is no association step:
// target i is only ever measured into track i.
type Pair struct {
	Target radar.Target  `json:"target"`
	Track  tracker.State `json:"track"`
}

// Record is the outcome for one target at one time step
type Record struct {
	RunID       string   `json:"run_id"`
	TimeStep    int      `json:"time_step"`
	TargetIndex int      `json:"target_index"`
	Detected    bool     `json:"detected"`
	SNR         float64  `json:"snr"` // linear, may be +Inf
	EstimatedX  *float64 `json:"estimated_x,omitempty"`
	EstimatedY  *float64 `json:"estimated_y,omitempty"`
	TruthX      float64  `json:"truth_x"`
	TruthY      float64  `json:"truth_y"`
}

// FiniteSNR returns the SNR, or nil when it is not a finite number
func (r Record) FiniteSNR() *float64 {
	if math.IsInf(r.SNR, 0) || math.IsNaN(r.SNR) {
		return nil
	}
	v := r.SNR
	return &v
}

// MarshalJSON encodes a non-finite SNR as null
func (r Record) MarshalJSON() ([]byte, error) {
	type record Record
	return json.Marshal(struct {
		record
		SNR *float64 `json:"snr"`
	}{record: record(r), SNR: r.FiniteSNR()})
}

// RunInfo describes a run to sinks before the first step
type RunInfo struct {
	RunID     string         `json:"run_id"`
	StartedAt time.Time      `json:"started_at"`
	TimeSteps int            `json:"time_steps"`
	Seed      uint64         `json:"seed"`
	Steering  string         `json:"steering"`
	Parallel  bool           `json:"parallel"`
	Config    radar.Config   `json:"config"`
	Targets   []radar.Target `json:"targets"`
}

// Result is everything a run produced
type Result struct {
	RunID   string   `json:"run_id"`
	Records []Record `json:"records"`
	Summary Summary  `json:"summary"`
	Tracks  []Pair   `json:"tracks"`
}

type options struct {
	runID      string
	seed       uint64
	noise      func(i int) radar.NoiseSource
	steering   radar.Steering
	lookAngle  float64
	measStdDev float64
	trackerCfg *tracker.Config
	parallel   bool
	sinks      []Sink
	metrics    *Metrics
	logger     zerolog.Logger
	tracer     trace.Tracer
}

// Option configures a Simulator
type Option func(*options)

// WithRunID sets the run identifier. A random UUID is used otherwise.
func WithRunID(id string) Option {
	return func(o *options) { o.runID = id }
}

// WithSeed sets the seed shared by the per-target noise streams
func WithSeed(seed uint64) Option {
	return func(o *options) { o.seed = seed }
}

// WithNoise replaces the per-target noise sources. fn is called once per
// target index when the Simulator is created and must return a distinct
// source for each index: a stateful source shared between targets is
// rejected by New when WithParallel is set.
func WithNoise(fn func(i int) radar.NoiseSource) Option {
	return func(o *options) { o.noise = fn }
}

// WithSteering selects the beam steering mode. lookAngle is the boresight
// used by radar.SteeringFixed.
func WithSteering(mode radar.Steering, lookAngle float64) Option {
	return func(o *options) {
		o.steering = mode
		o.lookAngle = lookAngle
	}
}

// WithMeasurementStdDev sets the standard deviation of the position noise
// added to detected measurements. Zero keeps the radar NoisePower. Unless a
// tracker config is given too, the filter's R follows as σ².
func WithMeasurementStdDev(sigma float64) Option {
	return func(o *options) { o.measStdDev = sigma }
}

// WithTracker sets the Kalman filter parameters
func WithTracker(cfg tracker.Config) Option {
	return func(o *options) { o.trackerCfg = &cfg }
}

// WithParallel fans the per-target work of each step out over goroutines
func WithParallel(parallel bool) Option {
	return func(o *options) { o.parallel = parallel }
}

// WithSinks adds output sinks
func WithSinks(sinks ...Sink) Option {
	return func(o *options) { o.sinks = append(o.sinks, sinks...) }
}

// WithMetrics attaches Prometheus collectors
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithLogger sets the logger
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithTracer sets the OpenTelemetry tracer. The global provider is used otherwise.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// Simulator owns the targets, their tracks and their noise streams. It is not
// safe for concurrent use.
type Simulator struct {
	cfg    radar.Config
	opts   options
	logger zerolog.Logger

	pairs  []Pair
	noise  []radar.NoiseSource
	filter *tracker.Filter
	step   int

	repairs atomic.Int64
	clamps  atomic.Int64
}

// New validates the configuration, seeds one track per target from its true
// state and allocates one noise stream per target. Invalid input yields a
// *radar.ConfigurationError.
func New(cfg radar.Config, targets []radar.Target, opts ...Option) (*Simulator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := radar.ValidateTargets(targets); err != nil {
		return nil, err
	}

	o := options{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	if !(o.measStdDev >= 0) || math.IsInf(o.measStdDev, 0) {
		return nil, &radar.ConfigurationError{Field: "measurement_stddev", Value: o.measStdDev, Reason: "must be non-negative and finite"}
	}
	if o.runID == "" {
		o.runID = uuid.New().String()
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(tracerName)
	}

	s := &Simulator{
		cfg:    cfg,
		opts:   o,
		logger: o.logger.With().Str("component", "sim").Str("run_id", o.runID).Logger(),
		pairs:  make([]Pair, len(targets)),
		noise:  make([]radar.NoiseSource, len(targets)),
	}

	trackerCfg := tracker.DefaultConfig()
	if o.trackerCfg != nil {
		trackerCfg = *o.trackerCfg
	} else if o.measStdDev > 0 {
		trackerCfg.MeasurementNoise = o.measStdDev * o.measStdDev
	}
	s.filter = tracker.NewFilter(trackerCfg, o.logger, tracker.WithRepairHook(func(stage string) {
		s.repairs.Add(1)
		s.opts.metrics.repair(stage)
	}))

	for i, t := range targets {
		s.pairs[i] = Pair{Target: t, Track: s.filter.Seed(t.X, t.Y, t.VX, t.VY)}
		if o.noise != nil {
			s.noise[i] = o.noise(i)
		}
		if s.noise[i] == nil {
			s.noise[i] = radar.NewRandNoise(o.seed, uint64(i))
		}
	}
	if o.parallel {
		if err := distinctSources(s.noise); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// distinctSources rejects pointer noise sources reused across targets, which
// parallel workers would draw from concurrently. Value sources carry no
// shared state and may repeat.
func distinctSources(sources []radar.NoiseSource) error {
	seen := make(map[radar.NoiseSource]int, len(sources))
	for i, src := range sources {
		if reflect.ValueOf(src).Kind() != reflect.Pointer {
			continue
		}
		if j, ok := seen[src]; ok {
			return &radar.ConfigurationError{
				Field:  "noise",
				Value:  fmt.Sprintf("targets %d and %d", j, i),
				Reason: "parallel runs need one noise source per target",
			}
		}
		seen[src] = i
	}
	return nil
}

// RunID returns the run identifier
func (s *Simulator) RunID() string {
	return s.opts.runID
}

// Config returns the radar configuration
func (s *Simulator) Config() radar.Config {
	return s.cfg
}

// Pairs returns a copy of the current targets and committed tracks
func (s *Simulator) Pairs() []Pair {
	out := make([]Pair, len(s.pairs))
	copy(out, s.pairs)
	return out
}

// Targets returns a copy of the current ground truth
func (s *Simulator) Targets() []radar.Target {
	out := make([]radar.Target, len(s.pairs))
	for i, p := range s.pairs {
		out[i] = p.Target
	}
	return out
}

// Tracks returns a copy of the committed track states
func (s *Simulator) Tracks() []tracker.State {
	out := make([]tracker.State, len(s.pairs))
	for i, p := range s.pairs {
		out[i] = p.Track
	}
	return out
}

// TimeStep returns the index of the next step
func (s *Simulator) TimeStep() int {
	return s.step
}

// Repairs returns the number of covariance repairs so far
func (s *Simulator) Repairs() int64 {
	return s.repairs.Load()
}

// RangeClamps returns the number of range clamps so far
func (s *Simulator) RangeClamps() int64 {
	return s.clamps.Load()
}

// measurementStdDev is the standard deviation of detected position noise
func (s *Simulator) measurementStdDev() float64 {
	if s.opts.measStdDev > 0 {
		return s.opts.measStdDev
	}
	return s.cfg.NoisePower
}

// Step advances the simulation by one unit time step and returns one record
// per target in index order
func (s *Simulator) Step(ctx context.Context) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	step := s.step
	ctx, span := s.opts.tracer.Start(ctx, "sim.Step", trace.WithAttributes(
		attribute.String("sim.run_id", s.opts.runID),
		attribute.Int("sim.time_step", step),
		attribute.Int("sim.targets", len(s.pairs)),
	))
	defer span.End()

	start := time.Now()
	records := make([]Record, len(s.pairs))

	if s.opts.parallel && len(s.pairs) > 1 {
		var g errgroup.Group
		g.SetLimit(runtime.GOMAXPROCS(0))
		for i := range s.pairs {
			i := i
			g.Go(func() error {
				records[i] = s.advance(step, i)
				return nil
			})
		}
		// advance never fails
		_ = g.Wait()
	} else {
		for i := range s.pairs {
			records[i] = s.advance(step, i)
		}
	}

	s.step++
	s.opts.metrics.observeStep(time.Since(start))

	detected := 0
	for _, r := range records {
		if r.Detected {
			detected++
		}
	}
	span.SetAttributes(attribute.Int("sim.detections", detected))

	return records, nil
}

// advance runs one target through one step. It touches only pairs[i] and
// noise[i], so distinct indices may run concurrently.
func (s *Simulator) advance(step, i int) Record {
	p := &s.pairs[i]
	src := s.noise[i]

	p.Target.Advance()

	r, clamped := radar.TargetRange(p.Target)
	if clamped {
		s.clamps.Add(1)
		s.opts.metrics.clamp()
		s.logger.Debug().
			Int("target", i).
			Int("time_step", step).
			Float64("range", r).
			Msg("Target inside minimum range, clamped")
	}

	angle := p.Target.Angle()
	look := s.opts.steering.LookAngle(angle, s.opts.lookAngle)
	gain := radar.ArrayFactor(s.cfg.ArrayElements, s.cfg.ElementSpacing, s.cfg.Wavelength, look, angle)

	signal := radar.ReceivedPower(s.cfg, p.Target) * gain
	floor := radar.NoiseFloor(src, s.cfg.NoisePower)
	det := radar.Evaluate(signal, floor, s.cfg.CFARThreshold)

	rec := Record{
		RunID:       s.opts.runID,
		TimeStep:    step,
		TargetIndex: i,
		Detected:    det.Detected,
		SNR:         det.SNR,
		TruthX:      p.Target.X,
		TruthY:      p.Target.Y,
	}

	snrDB := radar.ToDB(det.SNR)
	finite := !math.IsInf(snrDB, 0) && !math.IsNaN(snrDB)
	s.opts.metrics.observeRecord(det.Detected, snrDB, finite)

	if !det.Detected {
		s.logger.Debug().
			Int("target", i).
			Int("time_step", step).
			Float64("snr", det.SNR).
			Msg("Target not detected")
		return rec
	}

	sigma := s.measurementStdDev()
	zx := p.Target.X + src.Thermal(sigma)
	zy := p.Target.Y + src.Thermal(sigma)

	pred := s.filter.Predict(p.Track, 1.0)
	p.Track = s.filter.Update(pred, zx, zy)

	x, y := p.Track.X, p.Track.Y
	rec.EstimatedX = &x
	rec.EstimatedY = &y

	ev := s.logger.Debug().
		Int("target", i).
		Int("time_step", step).
		Float64("x", x).
		Float64("y", y)
	if finite {
		ev = ev.Float64("snr_db", snrDB)
	}
	ev.Msg("Target detected")

	return rec
}

// maxRecordsHint caps the records preallocated by Run. Larger runs grow by append.
const maxRecordsHint = 1 << 16

// recordsHint returns an overflow-safe capacity for steps x targets records
func recordsHint(steps, targets int) int {
	if steps <= 0 || targets <= 0 {
		return 0
	}
	return min(steps, maxRecordsHint/targets) * targets
}

// Run executes timeSteps steps, streams every step to the sinks and returns
// the collected records with a summary. Cancellation of ctx is honoured
// between steps and returns the partial result together with ctx.Err().
func (s *Simulator) Run(ctx context.Context, timeSteps int) (*Result, error) {
	if timeSteps < 0 {
		return nil, &radar.ConfigurationError{Field: "time_steps", Value: timeSteps, Reason: "must be non-negative"}
	}

	ctx, span := s.opts.tracer.Start(ctx, "sim.Run", trace.WithAttributes(
		attribute.String("sim.run_id", s.opts.runID),
		attribute.Int("sim.time_steps", timeSteps),
		attribute.Int("sim.targets", len(s.pairs)),
		attribute.Bool("sim.parallel", s.opts.parallel),
	))
	defer span.End()

	start := time.Now()
	info := RunInfo{
		RunID:     s.opts.runID,
		StartedAt: start.UTC(),
		TimeSteps: timeSteps,
		Seed:      s.opts.seed,
		Steering:  s.opts.steering.String(),
		Parallel:  s.opts.parallel,
		Config:    s.cfg,
		Targets:   s.Targets(),
	}

	s.logger.Info().
		Int("time_steps", timeSteps).
		Int("targets", len(s.pairs)).
		Str("steering", info.Steering).
		Bool("parallel", s.opts.parallel).
		Msg("Starting simulation run")

	for _, sink := range s.opts.sinks {
		s.sinkErr(sink, "begin", sink.Begin(ctx, info))
	}

	result := &Result{
		RunID:   s.opts.runID,
		Records: make([]Record, 0, recordsHint(timeSteps, len(s.pairs))),
	}

	var runErr error
	for t := 0; t < timeSteps; t++ {
		step := s.step
		records, err := s.Step(ctx)
		if err != nil {
			runErr = err
			break
		}
		result.Records = append(result.Records, records...)
		for _, sink := range s.opts.sinks {
			s.sinkErr(sink, "emit", sink.Emit(ctx, step, records))
		}
	}

	result.Tracks = s.Pairs()
	result.Summary = Summarize(s.opts.runID, timeSteps, result.Records, result.Tracks)
	result.Summary.Repairs = s.repairs.Load()
	result.Summary.RangeClamps = s.clamps.Load()
	result.Summary.Duration = time.Since(start)

	// End runs even when cancelled so sinks can flush what they have
	endCtx := ctx
	if runErr != nil {
		endCtx = context.WithoutCancel(ctx)
	}
	for _, sink := range s.opts.sinks {
		s.sinkErr(sink, "end", sink.End(endCtx, result.Summary))
	}

	span.SetAttributes(
		attribute.Int("sim.detections", result.Summary.Detections),
		attribute.Int("sim.misses", result.Summary.Misses),
	)

	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		s.logger.Warn().Err(runErr).Int("records", len(result.Records)).Msg("Simulation run interrupted")
		return result, fmt.Errorf("simulation run interrupted: %w", runErr)
	}

	s.logger.Info().
		Int("detections", result.Summary.Detections).
		Int("misses", result.Summary.Misses).
		Int64("numeric_repairs", result.Summary.Repairs).
		Dur("duration", result.Summary.Duration).
		Msg("Simulation run completed")

	return result, nil
}

func (s *Simulator) sinkErr(sink Sink, phase string, err error) {
	if err == nil {
		return
	}
	name := sinkName(sink)
	s.opts.metrics.sinkError(name)
	s.logger.Error().Err(err).Str("sink", name).Str("phase", phase).Msg("Sink failed")
}
