package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agile-defense/radarsot/pkg/opa"
	natsutil "github.com/agile-defense/radarsot/pkg/nats"
	"github.com/agile-defense/radarsot/pkg/postgres"
	"github.com/agile-defense/radarsot/pkg/scenario"
	"github.com/agile-defense/radarsot/pkg/sim"
)

// ErrDenied is wrapped by every admission refusal
var ErrDenied = errors.New("run denied by policy")

// DeniedError carries the policy decision that refused a run
type DeniedError struct {
	Decision *opa.Decision
}

func (e *DeniedError) Error() string {
	if len(e.Decision.Reasons) == 0 {
		return ErrDenied.Error()
	}
	return ErrDenied.Error() + ": " + strings.Join(e.Decision.Reasons, "; ")
}

func (e *DeniedError) Unwrap() error { return ErrDenied }

// RunRequest asks the agent to execute a scenario
type RunRequest struct {
	Scenario      scenario.Scenario
	RunID         string // generated when empty
	Requester     string
	CorrelationID string // request id recorded as the envelope causation
}

// RunOutcome is the admission decision and, when admitted, the run result
type RunOutcome struct {
	Decision *opa.Decision `json:"decision"`
	Result   *sim.Result   `json:"result,omitempty"`
}

// Option configures a RadarAgent
type Option func(*RadarAgent)

// WithStore persists every run through store
func WithStore(store postgres.RunStore) Option {
	return func(a *RadarAgent) { a.store = store }
}

// WithMQTT adds an MQTT sink to every run
func WithMQTT(sink sim.Sink) Option {
	return func(a *RadarAgent) { a.mqtt = sink }
}

// WithSinks adds sinks to every run
func WithSinks(sinks ...sim.Sink) Option {
	return func(a *RadarAgent) { a.sinks = append(a.sinks, sinks...) }
}

// RadarAgent admits and executes simulation runs
type RadarAgent struct {
	*BaseAgent

	admitter   opa.Admitter
	store      postgres.RunStore
	mqtt       sim.Sink
	sinks      []sim.Sink
	simMetrics *sim.Metrics
}

// NewRadarAgent creates a radar agent. Simulator metrics share the agent
// registry.
func NewRadarAgent(base *BaseAgent, admitter opa.Admitter, opts ...Option) (*RadarAgent, error) {
	if admitter == nil {
		return nil, fmt.Errorf("admission policy is required")
	}
	a := &RadarAgent{
		BaseAgent:  base,
		admitter:   admitter,
		simMetrics: sim.NewMetrics(base.Metrics()),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Execute validates, admits and runs a scenario. A denied run returns the
// decision together with a *DeniedError. An interrupted run returns its
// partial result and the interruption error.
func (a *RadarAgent) Execute(ctx context.Context, req RunRequest) (*RunOutcome, error) {
	start := time.Now()
	defer func() {
		a.RecordLatency("run", time.Since(start))
	}()

	sc := req.Scenario
	if err := sc.Validate(); err != nil {
		a.RecordError("invalid_scenario")
		return nil, err
	}

	runID := req.RunID
	if runID == "" {
		runID = uuid.New().String()
	}

	decision, err := a.admitter.Admit(ctx, opa.RunRequest{
		RunID:     runID,
		Requester: req.Requester,
		TimeSteps: sc.TimeSteps,
		Parallel:  sc.Parallel,
		Radar:     sc.Radar,
		Targets:   sc.RadarTargets(),
	})
	if err != nil {
		a.RecordError("policy_unavailable")
		return nil, fmt.Errorf("failed to evaluate admission policy: %w", err)
	}

	logger := a.logger.With().Str("run_id", runID).Logger()
	outcome := &RunOutcome{Decision: decision}

	if !decision.Allowed {
		logger.Warn().Strs("reasons", decision.Reasons).Msg("Run denied")
		a.RecordMessage("denied", "run")
		return outcome, &DeniedError{Decision: decision}
	}
	for _, w := range decision.Warnings {
		logger.Warn().Str("warning", w).Msg("Run admitted with warning")
	}

	simulator, err := sc.Simulator(
		sim.WithRunID(runID),
		sim.WithSinks(a.runSinks(req, decision)...),
		sim.WithMetrics(a.simMetrics),
		sim.WithLogger(logger),
	)
	if err != nil {
		a.RecordError("invalid_scenario")
		return nil, err
	}

	logger.Info().
		Str("scenario", sc.Name).
		Int("time_steps", sc.TimeSteps).
		Int("targets", len(sc.Targets)).
		Str("requester", req.Requester).
		Msg("Run admitted")

	res, err := simulator.Run(ctx, sc.TimeSteps)
	outcome.Result = res
	if err != nil {
		a.RecordMessage("interrupted", "run")
		return outcome, err
	}

	a.RecordMessage("success", "run")
	return outcome, nil
}

// runSinks assembles the sinks for one run in persistence-first order
func (a *RadarAgent) runSinks(req RunRequest, decision *opa.Decision) []sim.Sink {
	var sinks []sim.Sink
	if a.store != nil {
		sinks = append(sinks, postgres.NewRecordSink(a.store))
	}
	if js := a.JetStream(); js != nil {
		pub := natsutil.NewPublisher(js, a.ID(), a.config.Secret, a.logger).
			WithCausation(req.CorrelationID).
			WithPolicy(decision.PolicyVersion)
		sinks = append(sinks, pub)
	}
	if a.mqtt != nil {
		sinks = append(sinks, a.mqtt)
	}
	return append(sinks, a.sinks...)
}
