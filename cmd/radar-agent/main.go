// Radar Agent
// Admits, runs and publishes radar tracking simulations over HTTP
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/agile-defense/radarsot/pkg/agent"
	"github.com/agile-defense/radarsot/pkg/handler"
	"github.com/agile-defense/radarsot/pkg/messages"
	mqttpub "github.com/agile-defense/radarsot/pkg/mqtt"
	natsutil "github.com/agile-defense/radarsot/pkg/nats"
	"github.com/agile-defense/radarsot/pkg/opa"
	"github.com/agile-defense/radarsot/pkg/postgres"
	"github.com/agile-defense/radarsot/pkg/telemetry"
)

// Config holds the radar agent configuration
type Config struct {
	Agent agent.Config

	HTTPAddr    string
	CORSOrigins []string

	// Postgres is used when POSTGRES_URL is unset and POSTGRES_HOST is set
	Postgres *postgres.Config

	MQTTTopicPrefix string
	MQTTUsername    string
	MQTTPassword    string

	// Logging
	LogLevel string
	LogJSON  bool
}

// LoadConfig reads the configuration from the environment. Empty service
// URLs disable the matching integration.
func LoadConfig() Config {
	return Config{
		Agent: agent.Config{
			ID:           getEnv("AGENT_ID", "radar-agent-001"),
			NATSUrl:      getEnv("NATS_URL", ""),
			NATSUser:     getEnv("NATS_USER", ""),
			NATSPassword: getEnv("NATS_PASSWORD", ""),
			OPAUrl:       getEnv("OPA_URL", ""),
			DBUrl:        getEnv("POSTGRES_URL", ""),
			OTELUrl:      getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			MQTTBroker:   getEnv("MQTT_BROKER", ""),
			Secret:       []byte(getEnv("SIGNING_SECRET", "dev-secret")),
		},
		HTTPAddr:        getEnv("HTTP_ADDR", ":9090"),
		CORSOrigins:     strings.Split(getEnv("CORS_ORIGINS", "http://localhost:3000,http://127.0.0.1:3000"), ","),
		MQTTTopicPrefix: getEnv("MQTT_TOPIC_PREFIX", mqttpub.DefaultConfig().TopicPrefix),
		MQTTUsername:    getEnv("MQTT_USERNAME", ""),
		MQTTPassword:    getEnv("MQTT_PASSWORD", ""),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		LogJSON:         getEnv("LOG_JSON", "false") == "true",
		Postgres:        postgresFromEnv(),
	}
}

func postgresFromEnv() *postgres.Config {
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		return nil
	}
	pc := postgres.DefaultConfig()
	pc.Host = host
	if port, err := strconv.Atoi(getEnv("POSTGRES_PORT", "")); err == nil {
		pc.Port = port
	}
	pc.Database = getEnv("POSTGRES_DB", pc.Database)
	pc.User = getEnv("POSTGRES_USER", pc.User)
	pc.Password = getEnv("POSTGRES_PASSWORD", pc.Password)
	pc.SSLMode = getEnv("POSTGRES_SSLMODE", pc.SSLMode)
	return &pc
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	cfg := LoadConfig()
	setupLogging(cfg)

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("Radar agent failed")
	}
	log.Info().Msg("Radar agent shutdown complete")
}

func run(cfg Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.Agent.OTELUrl, cfg.Agent.ID)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warn().Err(err).Msg("Failed to flush traces")
		}
	}()

	base, err := agent.NewBaseAgent(cfg.Agent, log.Logger)
	if err != nil {
		return err
	}
	if err := base.Start(ctx); err != nil {
		return fmt.Errorf("failed to start agent: %w", err)
	}
	defer base.Stop(context.Background())

	admitter, err := setupPolicy(ctx, cfg)
	if err != nil {
		return err
	}

	hub := handler.NewWebSocketHub(base.NATS(), log.Logger)

	var opts []agent.Option
	db := setupDatabase(ctx, cfg)
	if db != nil {
		defer db.Close()
		opts = append(opts, agent.WithStore(db))
	}
	if pub := setupMQTT(cfg); pub != nil {
		defer pub.Disconnect()
		opts = append(opts, agent.WithMQTT(pub))
	}
	if base.JetStream() == nil {
		// Without NATS the hub is fed directly
		opts = append(opts, agent.WithSinks(handler.NewHubSink(hub, cfg.Agent.ID)))
	}

	radarAgent, err := agent.NewRadarAgent(base, admitter, opts...)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      setupRouter(cfg, radarAgent, db, admitter, hub),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gCtx)
		return nil
	})

	if js := base.JetStream(); js != nil {
		auditor := natsutil.NewAuditor(cfg.Agent.Secret, log.Logger, func(_ *messages.RunReport, valid bool) {
			status := "verified"
			if !valid {
				status = "invalid_signature"
				radarAgent.RecordError("invalid_signature")
			}
			radarAgent.RecordMessage(status, messages.TypeRunCompleted)
		})
		g.Go(func() error {
			return auditor.Start(gCtx, js)
		})
	}

	g.Go(func() error {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gCtx.Done()
		log.Info().Msg("Shutting down HTTP server")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func setupLogging(cfg Config) {
	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// Configure output format
	if cfg.LogJSON {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger()
	}
}

// setupPolicy uses the remote OPA when configured and the embedded policy
// otherwise
func setupPolicy(ctx context.Context, cfg Config) (opa.Admitter, error) {
	if cfg.Agent.OPAUrl != "" {
		log.Info().Str("url", cfg.Agent.OPAUrl).Msg("Using remote OPA for run admission")
		return opa.NewClient(cfg.Agent.OPAUrl), nil
	}
	log.Info().Msg("Using embedded run admission policy")
	return opa.NewLocalPolicy(ctx)
}

// setupDatabase connects to PostgreSQL. The agent continues without the run
// archive when the database is unset or unreachable.
func setupDatabase(ctx context.Context, cfg Config) *postgres.Pool {
	dbCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var (
		db  *postgres.Pool
		err error
	)
	switch {
	case cfg.Agent.DBUrl != "":
		db, err = postgres.NewPoolFromURL(dbCtx, cfg.Agent.DBUrl)
	case cfg.Postgres != nil:
		db, err = postgres.NewPool(dbCtx, *cfg.Postgres)
	default:
		log.Info().Msg("POSTGRES_URL and POSTGRES_HOST not set, run archive disabled")
		return nil
	}
	if err != nil {
		log.Warn().Err(err).Msg("Failed to connect to PostgreSQL, run archive disabled")
		return nil
	}
	if err := db.EnsureSchema(dbCtx); err != nil {
		log.Warn().Err(err).Msg("Failed to create schema, run archive disabled")
		db.Close()
		return nil
	}

	log.Info().Msg("Connected to PostgreSQL")
	return db
}

// setupMQTT connects the MQTT publisher when a broker is configured
func setupMQTT(cfg Config) *mqttpub.Publisher {
	if cfg.Agent.MQTTBroker == "" {
		return nil
	}

	mcfg := mqttpub.DefaultConfig()
	mcfg.Broker = cfg.Agent.MQTTBroker
	mcfg.TopicPrefix = cfg.MQTTTopicPrefix
	mcfg.Username = cfg.MQTTUsername
	mcfg.Password = cfg.MQTTPassword

	pub, err := mqttpub.Connect(mcfg, cfg.Agent.ID, cfg.Agent.Secret, log.Logger)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to connect to MQTT broker, MQTT output disabled")
		return nil
	}
	return pub
}

func setupRouter(cfg Config, a *agent.RadarAgent, db *postgres.Pool, admitter opa.Admitter, hub *handler.WebSocketHub) chi.Router {
	r := chi.NewRouter()

	httpMetrics := handler.NewHTTPMetrics(a.Metrics())

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(handler.CorrelationID)
	r.Use(middleware.RealIP)
	r.Use(handler.RequestLogger(log.Logger))
	r.Use(middleware.Recoverer)
	r.Use(httpMetrics.Middleware)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Correlation-ID", "X-Request-ID", "X-User-ID"},
		ExposedHeaders:   []string{"X-Correlation-ID", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler(a, db, admitter))
	r.Handle("/metrics", promhttp.HandlerFor(a.Metrics(), promhttp.HandlerOpts{}))
	r.Handle("/ws", handler.NewWebSocketHandler(hub, log.Logger, originHosts(cfg.CORSOrigins)...))

	// A nil pool must stay a nil interface
	var archive handler.RunQuerier
	if db != nil {
		archive = db
	}

	defaults := handler.NewConfigStore()
	r.Route("/api/v1", func(r chi.Router) {
		r.Mount("/config", handler.NewConfigHandler(defaults, log.Logger).Routes())
		r.Mount("/runs", handler.NewRunHandler(a, archive, defaults, log.Logger).Routes())
	})

	return r
}

// originHosts strips the scheme from CORS origins for WebSocket origin checks
func originHosts(origins []string) []string {
	hosts := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimPrefix(strings.TrimPrefix(o, "https://"), "http://")
		if o != "" {
			hosts = append(hosts, o)
		}
	}
	return hosts
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status        string             `json:"status"`
	Agent         agent.HealthStatus `json:"agent"`
	Uptime        string             `json:"uptime"`
	Components    map[string]string  `json:"components"`
	CorrelationID string             `json:"correlation_id"`
}

var startTime = time.Now()

// healther is implemented by the components with a health probe
type healther interface {
	Health(ctx context.Context) error
}

func healthHandler(a *agent.RadarAgent, db *postgres.Pool, admitter opa.Admitter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		response := HealthResponse{
			Status:        "healthy",
			Agent:         a.Health(),
			Uptime:        time.Since(startTime).Round(time.Second).String(),
			Components:    make(map[string]string),
			CorrelationID: handler.GetCorrelationID(ctx),
		}
		if !response.Agent.Healthy {
			response.Status = "unhealthy"
		}

		if db == nil {
			response.Components["postgres"] = "disabled"
		} else if err := db.Health(ctx); err != nil {
			response.Components["postgres"] = "unhealthy: " + err.Error()
			response.Status = "degraded"
		} else {
			response.Components["postgres"] = "healthy"
		}

		if remote, ok := admitter.(healther); ok {
			if err := remote.Health(ctx); err != nil {
				response.Components["opa"] = "unhealthy: " + err.Error()
				response.Status = "degraded"
			} else {
				response.Components["opa"] = "healthy"
			}
		} else {
			response.Components["opa"] = "embedded"
		}

		status := http.StatusOK
		if response.Status == "unhealthy" {
			status = http.StatusServiceUnavailable
		}

		handler.WriteJSON(w, status, response)
	}
}
