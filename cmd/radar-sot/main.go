// radar-sot runs a single-object tracking scenario and prints the track
// estimates. Without -scenario it runs the built-in three target scenario.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/agile-defense/radarsot/pkg/radar"
	"github.com/agile-defense/radarsot/pkg/scenario"
	"github.com/agile-defense/radarsot/pkg/sim"
	"github.com/agile-defense/radarsot/pkg/telemetry"
)

type options struct {
	scenarioPath string
	steps        int
	seed         int64
	steering     string
	parallel     bool
	format       string
	logLevel     string
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var o options
	fs := flag.NewFlagSet("radar-sot", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.scenarioPath, "scenario", "", "YAML or JSON scenario file (default: built-in scenario)")
	fs.IntVar(&o.steps, "steps", -1, "override the number of time steps")
	fs.Int64Var(&o.seed, "seed", -1, "override the noise seed")
	fs.StringVar(&o.steering, "steering", "", "override beam steering: ideal or fixed")
	fs.BoolVar(&o.parallel, "parallel", false, "process targets concurrently within each step")
	fs.StringVar(&o.format, "format", "text", "output format: text or json")
	fs.StringVar(&o.logLevel, "log-level", "warn", "log level written to stderr")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if o.format != "text" && o.format != "json" {
		return o, fmt.Errorf("unknown format %q (valid: text, json)", o.format)
	}
	return o, nil
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	o, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(stderr, err)
		return 2
	}

	level, err := zerolog.ParseLevel(o.logLevel)
	if err != nil {
		level = zerolog.WarnLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: stderr, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.SetupTracing(ctx, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), "radar-sot")
	if err != nil {
		logger.Warn().Err(err).Msg("Tracing disabled")
	} else {
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(flushCtx)
		}()
	}

	sc, err := loadScenario(o)
	if err != nil {
		logger.Error().Err(err).Msg("Invalid scenario")
		return exitCode(err)
	}

	simOpts := []sim.Option{sim.WithLogger(logger)}
	if o.format == "text" {
		simOpts = append(simOpts, sim.WithSinks(sim.NewTextSink(stdout)))
	}

	simulator, err := sc.Simulator(simOpts...)
	if err != nil {
		logger.Error().Err(err).Msg("Invalid scenario")
		return exitCode(err)
	}

	res, err := simulator.Run(ctx, sc.TimeSteps)
	if err != nil {
		logger.Error().Err(err).Msg("Run failed")
		return 1
	}

	if o.format == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			logger.Error().Err(err).Msg("Failed to write result")
			return 1
		}
	}

	logger.Info().
		Str("run_id", res.RunID).
		Int("detections", res.Summary.Detections).
		Int("misses", res.Summary.Misses).
		Msg("Run complete")
	return 0
}

// loadScenario reads the scenario and applies flag overrides
func loadScenario(o options) (scenario.Scenario, error) {
	sc := scenario.Default()
	if o.scenarioPath != "" {
		var err error
		if sc, err = scenario.Load(o.scenarioPath); err != nil {
			return sc, err
		}
	}
	if o.steps >= 0 {
		sc.TimeSteps = o.steps
	}
	if o.seed >= 0 {
		sc.Seed = uint64(o.seed)
	}
	if o.steering != "" {
		sc.Steering = o.steering
	}
	if o.parallel {
		sc.Parallel = true
	}
	return sc, sc.Validate()
}

func exitCode(err error) int {
	if errors.Is(err, radar.ErrInvalidConfig) {
		return 2
	}
	return 1
}
