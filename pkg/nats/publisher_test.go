package natsutil

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agile-defense/radarsot/pkg/messages"
	"github.com/agile-defense/radarsot/pkg/radar"
	"github.com/agile-defense/radarsot/pkg/sim"
)

type published struct {
	subject string
	data    []byte
}

type fakeStream struct {
	msgs []published
	fail bool
}

func (f *fakeStream) Publish(_ context.Context, subject string, payload []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	if f.fail {
		return nil, errors.New("no responders")
	}
	f.msgs = append(f.msgs, published{subject: subject, data: payload})
	return &jetstream.PubAck{Stream: RadarStream, Sequence: uint64(len(f.msgs))}, nil
}

var secret = []byte("test-secret")

func TestPublisherAsSink(t *testing.T) {
	fs := &fakeStream{}
	pub := NewPublisher(fs, "radar-agent-1", secret, zerolog.Nop()).WithCausation("req-1").WithPolicy("radar.admission/1")

	cfg := radar.DefaultConfig()
	cfg.NoisePower = 0
	cfg.CFARThreshold = 0
	s, err := sim.New(cfg, []radar.Target{
		{X: 15000, VX: 250, RCS: 10},
		{X: 9000, Y: 100, RCS: 1},
	}, sim.WithRunID("run-42"), sim.WithSinks(pub))
	require.NoError(t, err)

	_, err = s.Run(context.Background(), 2)
	require.NoError(t, err)

	require.Len(t, fs.msgs, 5)
	assert.Equal(t, "radar.run-42.track.detected", fs.msgs[0].subject)
	assert.Equal(t, "radar.run-42.run.completed", fs.msgs[4].subject)

	var rep messages.TrackReport
	require.NoError(t, json.Unmarshal(fs.msgs[2].data, &rep))
	assert.Equal(t, 1, rep.TimeStep)
	assert.Equal(t, 0, rep.TargetIndex)
	assert.Equal(t, "run-42", rep.Envelope.CorrelationID)
	assert.Equal(t, "req-1", rep.Envelope.CausationID)
	assert.Equal(t, "radar-agent-1", rep.Envelope.Source)
	assert.Equal(t, "radar.admission/1", rep.Envelope.PolicyVersion)
	require.NotNil(t, rep.EstimatedX)
	assert.InDelta(t, 15500, *rep.EstimatedX, 1e-9)

	ok, err := messages.Verify(&rep, secret)
	require.NoError(t, err)
	assert.True(t, ok)

	auditor := NewAuditor(secret, zerolog.Nop(), nil)
	run, valid, err := auditor.Check(fs.msgs[4].data)
	require.NoError(t, err)
	assert.True(t, valid)
	assert.Equal(t, 4, run.Detections)
	assert.Equal(t, 2, run.TimeSteps)
}

func TestPublisherErrors(t *testing.T) {
	pub := NewPublisher(&fakeStream{fail: true}, "a", secret, zerolog.Nop())

	err := pub.Emit(context.Background(), 0, []sim.Record{{RunID: "r"}, {RunID: "r", TargetIndex: 1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "radar.r.track.missed")

	assert.Error(t, pub.End(context.Background(), sim.Summary{RunID: "r"}))
}

func TestAuditorRejectsTampering(t *testing.T) {
	rep := messages.NewRunReport("a", sim.Summary{RunID: "r", Detections: 3})
	data, err := messages.MarshalWithSignature(rep, secret)
	require.NoError(t, err)

	auditor := NewAuditor([]byte("other-secret"), zerolog.Nop(), nil)
	_, valid, err := auditor.Check(data)
	require.NoError(t, err)
	assert.False(t, valid)

	_, _, err = auditor.Check([]byte("{"))
	assert.Error(t, err)
}

func TestStreamConfig(t *testing.T) {
	cfg, ok := StreamConfigs[RadarStream]
	require.True(t, ok)
	assert.Equal(t, []string{"radar.>"}, cfg.Subjects)
	assert.Equal(t, "radar.*.run.completed", ConsumerConfigs["run-auditor"].FilterSubject)
}
