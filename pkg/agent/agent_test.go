package agent

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agile-defense/radarsot/pkg/opa"
	"github.com/agile-defense/radarsot/pkg/radar"
	"github.com/agile-defense/radarsot/pkg/scenario"
	"github.com/agile-defense/radarsot/pkg/sim"
)

type memoryStore struct {
	mu      sync.Mutex
	runs    []sim.RunInfo
	records []sim.Record
	done    []sim.Summary
}

func (m *memoryStore) InsertRun(_ context.Context, info sim.RunInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, info)
	return nil
}

func (m *memoryStore) InsertTrackRecords(_ context.Context, records []sim.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, records...)
	return nil
}

func (m *memoryStore) CompleteRun(_ context.Context, summary sim.Summary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.done = append(m.done, summary)
	return nil
}

type stubAdmitter struct {
	decision *opa.Decision
	err      error
	got      opa.RunRequest
}

func (s *stubAdmitter) Admit(_ context.Context, req opa.RunRequest) (*opa.Decision, error) {
	s.got = req
	return s.decision, s.err
}

func newBase(t *testing.T) *BaseAgent {
	t.Helper()
	base, err := NewBaseAgent(Config{ID: "radar-agent-test", Secret: []byte("s")}, zerolog.Nop())
	require.NoError(t, err)
	return base
}

func quietScenario() scenario.Scenario {
	s := scenario.New()
	s.TimeSteps = 3
	s.Radar.NoisePower = 0
	s.Radar.CFARThreshold = 0
	s.Targets = []scenario.TargetSpec{
		{X: 15000, VX: 250, RCS: 10},
		{X: 9000, Y: 100, RCS: 1},
	}
	return s
}

func TestBaseAgentLifecycle(t *testing.T) {
	base := newBase(t)
	assert.Equal(t, "radar-agent-test", base.ID())
	assert.False(t, base.Health().Healthy)
	assert.Equal(t, "stopped", base.Health().Status)

	require.NoError(t, base.Start(context.Background()))
	h := base.Health()
	assert.True(t, h.Healthy)
	assert.Equal(t, "standalone", h.Details)
	assert.Nil(t, base.JetStream())

	assert.Error(t, base.Start(context.Background()))

	require.NoError(t, base.Stop(context.Background()))
	assert.False(t, base.Health().Healthy)
	require.NoError(t, base.Stop(context.Background()))
}

func TestBaseAgentRequiresID(t *testing.T) {
	_, err := NewBaseAgent(Config{}, zerolog.Nop())
	assert.Error(t, err)
}

func TestBaseAgentNATSUnreachable(t *testing.T) {
	base, err := NewBaseAgent(Config{ID: "a", NATSUrl: "nats://127.0.0.1:1"}, zerolog.Nop())
	require.NoError(t, err)

	err = base.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to NATS")
	assert.Equal(t, "stopped", base.Health().Status)
}

func TestExecuteAdmittedRun(t *testing.T) {
	policy, err := opa.NewLocalPolicy(context.Background())
	require.NoError(t, err)

	store := &memoryStore{}
	var emitted int
	counter := sim.SinkFunc(func(_ context.Context, _ int, records []sim.Record) error {
		emitted += len(records)
		return nil
	})

	a, err := NewRadarAgent(newBase(t), policy, WithStore(store), WithSinks(counter))
	require.NoError(t, err)

	out, err := a.Execute(context.Background(), RunRequest{
		Scenario:  quietScenario(),
		RunID:     "run-7",
		Requester: "test",
	})
	require.NoError(t, err)
	require.NotNil(t, out.Result)
	assert.True(t, out.Decision.Allowed)
	assert.Equal(t, "run-7", out.Result.RunID)
	assert.Len(t, out.Result.Records, 6)
	assert.Equal(t, 6, emitted)

	require.Len(t, store.runs, 1)
	assert.Equal(t, "run-7", store.runs[0].RunID)
	assert.Len(t, store.records, 6)
	require.Len(t, store.done, 1)
	assert.Equal(t, 6, store.done[0].Detections)

	assert.Equal(t, 1.0, testutil.ToFloat64(a.messagesTotal.WithLabelValues("success", "run")))
}

func TestExecuteDenied(t *testing.T) {
	policy, err := opa.NewLocalPolicy(context.Background())
	require.NoError(t, err)

	store := &memoryStore{}
	a, err := NewRadarAgent(newBase(t), policy, WithStore(store))
	require.NoError(t, err)

	sc := quietScenario()
	sc.TimeSteps = 200000
	out, err := a.Execute(context.Background(), RunRequest{Scenario: sc})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDenied))

	var denied *DeniedError
	require.True(t, errors.As(err, &denied))
	assert.Contains(t, denied.Decision.Reasons, "time_steps 200000 exceeds limit 100000")
	assert.Nil(t, out.Result)
	assert.Empty(t, store.runs)
	assert.Equal(t, 1.0, testutil.ToFloat64(a.messagesTotal.WithLabelValues("denied", "run")))
}

func TestExecuteInvalidScenario(t *testing.T) {
	stub := &stubAdmitter{decision: &opa.Decision{Allowed: true}}
	a, err := NewRadarAgent(newBase(t), stub)
	require.NoError(t, err)

	sc := quietScenario()
	sc.Radar.Wavelength = 0
	_, err = a.Execute(context.Background(), RunRequest{Scenario: sc})
	require.Error(t, err)
	assert.True(t, errors.Is(err, radar.ErrInvalidConfig))
	assert.Empty(t, stub.got.RunID, "invalid scenarios never reach the policy")
}

func TestExecutePolicyUnavailable(t *testing.T) {
	a, err := NewRadarAgent(newBase(t), &stubAdmitter{err: errors.New("connection refused")})
	require.NoError(t, err)

	_, err = a.Execute(context.Background(), RunRequest{Scenario: quietScenario()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to evaluate admission policy")
}

func TestExecutePassesPolicyInput(t *testing.T) {
	stub := &stubAdmitter{decision: &opa.Decision{Allowed: true}}
	a, err := NewRadarAgent(newBase(t), stub)
	require.NoError(t, err)

	sc := quietScenario()
	sc.Targets = append(sc.Targets, scenario.Polar(8000, -120, 1.2, 3.5))
	_, err = a.Execute(context.Background(), RunRequest{Scenario: sc, Requester: "ops"})
	require.NoError(t, err)

	assert.NotEmpty(t, stub.got.RunID)
	assert.Equal(t, "ops", stub.got.Requester)
	assert.Equal(t, 3, stub.got.TimeSteps)
	assert.Len(t, stub.got.Targets, 3)
	assert.InDelta(t, 1.2, stub.got.Targets[2].Angle(), 1e-12)
}

func TestExecuteInterrupted(t *testing.T) {
	a, err := NewRadarAgent(newBase(t), &stubAdmitter{decision: &opa.Decision{Allowed: true}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := a.Execute(ctx, RunRequest{Scenario: quietScenario()})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	require.NotNil(t, out.Result)
	assert.Empty(t, out.Result.Records)
}

func TestNewRadarAgentRequiresPolicy(t *testing.T) {
	_, err := NewRadarAgent(newBase(t), nil)
	assert.Error(t, err)
}
