package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	natsutil "github.com/agile-defense/radarsot/pkg/nats"
)

// BaseAgent provides identity, logging, metrics and the NATS connection
type BaseAgent struct {
	id     string
	config Config

	// NATS
	nc *nats.Conn
	js jetstream.JetStream

	// Logging
	logger zerolog.Logger

	// Metrics
	registry      *prometheus.Registry
	messagesTotal *prometheus.CounterVec
	latencyHist   *prometheus.HistogramVec
	errorsTotal   *prometheus.CounterVec

	// State
	running bool
	mu      sync.RWMutex
}

// NewBaseAgent creates a new base agent. logger is tagged with the agent id.
func NewBaseAgent(cfg Config, logger zerolog.Logger) (*BaseAgent, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("agent id is required")
	}

	logger = logger.With().
		Str("agent_id", cfg.ID).
		Logger()

	// Create metrics registry
	registry := prometheus.NewRegistry()

	messagesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_messages_total",
			Help: "Total messages processed by agent",
		},
		[]string{"status", "message_type"},
	)

	latencyHist := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agent_processing_latency_seconds",
			Help:    "Message processing latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"message_type"},
	)

	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_errors_total",
			Help: "Total errors encountered by agent",
		},
		[]string{"error_type"},
	)

	registry.MustRegister(messagesTotal, latencyHist, errorsTotal)

	return &BaseAgent{
		id:            cfg.ID,
		config:        cfg,
		logger:        logger,
		registry:      registry,
		messagesTotal: messagesTotal,
		latencyHist:   latencyHist,
		errorsTotal:   errorsTotal,
	}, nil
}

// ID returns the agent ID
func (a *BaseAgent) ID() string {
	return a.id
}

// Config returns the agent configuration
func (a *BaseAgent) Config() Config {
	return a.config
}

// Logger returns the agent logger
func (a *BaseAgent) Logger() *zerolog.Logger {
	return &a.logger
}

// NATS returns the NATS connection, nil when running without NATS
func (a *BaseAgent) NATS() *nats.Conn {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.nc
}

// JetStream returns the JetStream context, nil when running without NATS
func (a *BaseAgent) JetStream() jetstream.JetStream {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.js
}

// Metrics returns the Prometheus registry
func (a *BaseAgent) Metrics() *prometheus.Registry {
	return a.registry
}

// RecordMessage records a processed message metric
func (a *BaseAgent) RecordMessage(status, msgType string) {
	a.messagesTotal.WithLabelValues(status, msgType).Inc()
}

// RecordLatency records processing latency
func (a *BaseAgent) RecordLatency(msgType string, duration time.Duration) {
	a.latencyHist.WithLabelValues(msgType).Observe(duration.Seconds())
}

// RecordError records an error metric
func (a *BaseAgent) RecordError(errorType string) {
	a.errorsTotal.WithLabelValues(errorType).Inc()
}

// connect establishes the NATS connection and JetStream context
func (a *BaseAgent) connect() error {
	a.logger.Info().Str("url", a.config.NATSUrl).Msg("Connecting to NATS")

	opts := []nats.Option{
		nats.Name(a.id),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			a.logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			a.logger.Info().Msg("NATS reconnected")
		}),
	}
	if a.config.NATSUser != "" {
		opts = append(opts, nats.UserInfo(a.config.NATSUser, a.config.NATSPassword))
	}

	nc, err := nats.Connect(a.config.NATSUrl, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	// Create JetStream context
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	a.nc = nc
	a.js = js
	a.logger.Info().Msg("Connected to NATS with JetStream")

	return nil
}

// Health returns the health status
func (a *BaseAgent) Health() HealthStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if !a.running {
		return HealthStatus{Healthy: false, Status: "stopped"}
	}

	if a.config.NATSUrl == "" {
		return HealthStatus{Healthy: true, Status: "running", Details: "standalone"}
	}

	if a.nc == nil || !a.nc.IsConnected() {
		return HealthStatus{Healthy: false, Status: "disconnected", Details: "NATS connection lost"}
	}

	return HealthStatus{Healthy: true, Status: "running"}
}

// Start connects to NATS, when configured, and creates the radar stream
func (a *BaseAgent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return fmt.Errorf("agent already running")
	}

	if a.config.NATSUrl != "" {
		if err := a.connect(); err != nil {
			return err
		}
		if err := natsutil.SetupStreams(ctx, a.js); err != nil {
			a.nc.Close()
			a.nc, a.js = nil, nil
			return fmt.Errorf("failed to setup streams: %w", err)
		}
	}

	a.running = true

	a.logger.Info().Bool("nats", a.js != nil).Msg("Agent started")
	return nil
}

// Stop drains the NATS connection and marks the agent stopped
func (a *BaseAgent) Stop(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.running {
		return nil
	}

	a.logger.Info().Msg("Stopping agent")

	if a.nc != nil {
		if err := a.nc.Drain(); err != nil {
			a.nc.Close()
		}
		a.nc, a.js = nil, nil
	}

	a.running = false
	a.logger.Info().Msg("Agent stopped")
	return nil
}
