package opa

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agile-defense/radarsot/pkg/radar"
)

func request(steps, targets int) RunRequest {
	req := RunRequest{
		RunID:     "run-1",
		TimeSteps: steps,
		Radar:     radar.DefaultConfig(),
	}
	for i := 0; i < targets; i++ {
		req.Targets = append(req.Targets, radar.Target{X: 1000, Y: float64(i), RCS: 1})
	}
	return req
}

func TestLocalPolicyAllows(t *testing.T) {
	policy, err := NewLocalPolicy(context.Background())
	require.NoError(t, err)

	d, err := policy.Admit(context.Background(), request(10, 3))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Empty(t, d.Reasons)
	assert.Empty(t, d.Warnings)
	assert.Equal(t, "radar.admission/1", d.PolicyVersion)
}

func TestLocalPolicyDenies(t *testing.T) {
	policy, err := NewLocalPolicy(context.Background())
	require.NoError(t, err)

	tests := []struct {
		name   string
		req    RunRequest
		reason string
	}{
		{"too many steps", request(200000, 1), "time_steps 200000 exceeds limit 100000"},
		{"too many targets", request(1, 600), "600 targets exceeds limit 512"},
		{"too much work", request(20000, 500), "500 targets over 20000 time steps exceeds limit of 5000000 target steps"},
		{"too many elements", func() RunRequest {
			r := request(1, 1)
			r.Radar.ArrayElements = 5000
			return r
		}(), "array_elements 5000 exceeds limit 4096"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := policy.Admit(context.Background(), tt.req)
			require.NoError(t, err)
			assert.False(t, d.Allowed)
			assert.Contains(t, d.Reasons, tt.reason)
		})
	}
}

func TestLocalPolicyWarnings(t *testing.T) {
	policy, err := NewLocalPolicy(context.Background())
	require.NoError(t, err)

	req := request(5, 0)
	req.Radar.CFARThreshold = 0
	d, err := policy.Admit(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, []string{
		"cfar_threshold is 0, every positive SNR is a detection",
		"run has no targets and produces no records",
	}, d.Warnings)
}

func TestLocalPolicyUndefinedDenies(t *testing.T) {
	policy, err := NewLocalPolicyFromSource(context.Background(), "package radar.admission\n")
	require.NoError(t, err)

	d, err := policy.Admit(context.Background(), request(1, 1))
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestLocalPolicyCompileError(t *testing.T) {
	_, err := NewLocalPolicyFromSource(context.Background(), "package radar.admission\nallow if {")
	assert.Error(t, err)
}

func TestClientAdmit(t *testing.T) {
	var got QueryInput
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/data/radar/admission", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result": {
			"allow": false,
			"deny": ["time_steps 9 exceeds limit 1"],
			"warnings": ["run has no targets and produces no records"],
			"version": "remote/2"
		}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	d, err := c.Admit(context.Background(), request(9, 0))
	require.NoError(t, err)

	assert.False(t, d.Allowed)
	assert.Equal(t, []string{"time_steps 9 exceeds limit 1"}, d.Reasons)
	assert.Equal(t, []string{"run has no targets and produces no records"}, d.Warnings)
	assert.Equal(t, "remote/2", d.PolicyVersion)

	input, ok := got.Input.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(9), input["time_steps"])
	assert.Equal(t, "run-1", input["run_id"])
}

func TestClientUndefinedResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	d, err := NewClient(srv.URL).Admit(context.Background(), request(1, 1))
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, []string{"policy undefined"}, d.Reasons)
}

func TestClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.Admit(context.Background(), request(1, 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")

	assert.Error(t, c.Health(context.Background()))
}

func TestClientHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	assert.NoError(t, NewClient(srv.URL).Health(context.Background()))
}
