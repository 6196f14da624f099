package messages

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agile-defense/radarsot/pkg/sim"
)

func TestTrackReportSubject(t *testing.T) {
	x, y := 15250.0, 0.0
	detected := NewTrackReport("radar-1", sim.Record{RunID: "run-1", Detected: true, SNR: 100, EstimatedX: &x, EstimatedY: &y})
	missed := NewTrackReport("radar-1", sim.Record{RunID: "run.1", SNR: 0.5})

	assert.Equal(t, "radar.run-1.track.detected", detected.Subject())
	assert.Equal(t, "radar.run_1.track.missed", missed.Subject())
	assert.Equal(t, "run-1", detected.Envelope.CorrelationID)
	assert.Equal(t, SourceTypeRadar, detected.Envelope.SourceType)

	require.NotNil(t, detected.SNRdB)
	assert.InDelta(t, 20.0, *detected.SNRdB, 1e-12)
	assert.Equal(t, &x, detected.EstimatedX)
}

func TestTrackReportInfiniteSNR(t *testing.T) {
	rep := NewTrackReport("radar-1", sim.Record{RunID: "r", Detected: true, SNR: math.Inf(1)})
	assert.Nil(t, rep.SNR)
	assert.Nil(t, rep.SNRdB)

	data, err := json.Marshal(rep)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"snr":null`)
}

func TestRunReport(t *testing.T) {
	rep := NewRunReport("radar-1", sim.Summary{
		RunID:      "abc",
		Records:    4,
		Detections: 3,
		Misses:     1,
		Duration:   1500 * time.Microsecond,
	})

	assert.Equal(t, "radar.abc.run.completed", rep.Subject())
	assert.Equal(t, 0.75, rep.DetectionRate)
	assert.Equal(t, 1.5, rep.DurationMs)
}

func TestSignAndVerify(t *testing.T) {
	secret := []byte("test-secret")
	rep := NewTrackReport("radar-1", sim.Record{RunID: "r", TimeStep: 2, TargetIndex: 1, SNR: 7})

	data, err := MarshalWithSignature(rep, secret)
	require.NoError(t, err)
	assert.NotEmpty(t, rep.Envelope.Signature)

	var decoded TrackReport
	require.NoError(t, json.Unmarshal(data, &decoded))

	ok, err := Verify(&decoded, secret)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, rep.Envelope.Signature, decoded.Envelope.Signature)

	ok, err = Verify(&decoded, []byte("other"))
	require.NoError(t, err)
	assert.False(t, ok)

	decoded.TimeStep = 3
	ok, err = Verify(&decoded, secret)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEnvelopeHelpers(t *testing.T) {
	env := NewEnvelope("a", "radar").
		WithCorrelation("run", "req").
		WithTracing("trace", "span").
		WithPolicy("v1")

	assert.NotEmpty(t, env.MessageID)
	assert.Equal(t, "run", env.CorrelationID)
	assert.Equal(t, "req", env.CausationID)
	assert.Equal(t, "trace", env.TraceID)
	assert.Equal(t, "v1", env.PolicyVersion)

	env.Sign([]byte("payload"), []byte("k"))
	assert.True(t, env.VerifySignature([]byte("payload"), []byte("k")))
	assert.False(t, env.VerifySignature([]byte("payload!"), []byte("k")))
}

func TestSubjectToken(t *testing.T) {
	assert.Equal(t, "_", SubjectToken(""))
	assert.Equal(t, "a_b_c_d", SubjectToken("a.b*c>d"))
	assert.Equal(t, "x_y_z", SubjectToken("x/y#z"))
}
