// Package agent provides the radar agent: a long-running service that admits
// simulation runs, executes them and fans their output out to the configured
// stores and transports
package agent

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// HealthStatus represents agent health
type HealthStatus struct {
	Healthy bool   `json:"healthy"`
	Status  string `json:"status"`
	Details string `json:"details,omitempty"`
}

// Agent is the lifecycle every service binary drives
type Agent interface {
	// Identity
	ID() string

	// Lifecycle
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Health() HealthStatus

	// Metrics
	Metrics() *prometheus.Registry
}

// Config holds configuration for an agent
type Config struct {
	ID           string
	NATSUrl      string // empty runs without NATS
	NATSUser     string
	NATSPassword string
	OPAUrl       string // empty evaluates the embedded policy
	DBUrl        string
	OTELUrl      string
	MQTTBroker   string
	Secret       []byte
}
