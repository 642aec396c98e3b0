package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"chaos-orchestrator/internal/analysis"
	"chaos-orchestrator/internal/config"
	"chaos-orchestrator/internal/coordinator"
	"chaos-orchestrator/internal/events"
	"chaos-orchestrator/internal/lifecycle"
	"chaos-orchestrator/internal/logging"
	"chaos-orchestrator/internal/monitoring"
	"chaos-orchestrator/internal/scenario"
	"chaos-orchestrator/internal/tracing"
)

func main() {
	var (
		configPath   string
		scenarioPath string
		runID        string
		mode         string
		baselineID   string
		environment  string
		dryRun       bool
		preflight    bool
	)
	flag.StringVar(&configPath, "config", "", "Path to configuration file (defaults plus CO_* environment when empty)")
	flag.StringVar(&scenarioPath, "scenario", "", "Path to scenario file (required)")
	flag.StringVar(&runID, "run-id", "", "Run identifier (derived from the current time when empty)")
	flag.StringVar(&mode, "mode", config.ModeHTTP, "Backend mode: http or redis")
	flag.StringVar(&baselineID, "baseline-id", "", "Compare the finished run against this baseline run")
	flag.StringVar(&environment, "env", "", "Logging preset: development, production or test")
	flag.BoolVar(&dryRun, "dry-run", false, "Generate load but do not stop or start any node")
	flag.BoolVar(&preflight, "preflight", true, "Health-check every node before load starts and warn about unhealthy ones")
	flag.Usage = printUsage
	flag.Parse()

	if scenarioPath == "" {
		fmt.Fprintln(os.Stderr, "error: -scenario is required")
		printUsage()
		os.Exit(2)
	}

	os.Exit(run(configPath, scenarioPath, runID, mode, baselineID, environment, dryRun, preflight))
}

func run(configPath, scenarioPath, runID, mode, baselineID, environment string, dryRun, preflight bool) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return 1
	}
	if environment != "" {
		logging.SetupEnvironmentLogging(cfg, environment)
	}
	logger := logging.NewLogger(&cfg.Logging)

	s, err := scenario.Load(scenarioPath)
	if err != nil {
		logger.Error("Invalid scenario", "path", scenarioPath, "error", err)
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	logger.Info("Loaded scenario", "name", s.Name, "description", s.Description, "phases", len(s.Phases))

	tracer, err := tracing.NewTracingService(cfg.Tracing)
	if err != nil {
		logger.Error("Failed to initialize tracing", "error", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracer.Close(ctx); err != nil {
			logger.Warn("Failed to flush traces", "error", err)
		}
	}()

	bus := events.NewBus()
	sinks := []events.Sink{events.NewLogSink(logger)}
	if cfg.Events.Enabled {
		mqttSink, err := events.NewMQTTSink(cfg.Events.MQTT, logger)
		if err != nil {
			logger.Warn("MQTT events disabled", "error", err)
		} else {
			sinks = append(sinks, mqttSink)
		}
	}
	var drained []<-chan struct{}
	for _, sink := range sinks {
		drained = append(drained, events.Attach(bus, sink))
	}
	defer func() {
		bus.Close()
		for i, done := range drained {
			<-done
			sinks[i].Close()
		}
		if n := bus.Dropped(); n > 0 {
			logger.Warn("Run events dropped by slow sinks", "dropped", n)
		}
	}()

	var controller lifecycle.Controller
	if dryRun {
		controller = &lifecycle.NoopController{}
	} else {
		controller, err = lifecycle.New(cfg.Control)
		if err != nil {
			logger.Error("Failed to create lifecycle controller", "error", err)
			return 1
		}
	}
	defer controller.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []coordinator.Option{
		coordinator.WithEventBus(bus),
		coordinator.WithTracing(tracer),
	}
	if preflight {
		health := monitoring.ForMode(cfg, mode)
		defer health.Close()
		opts = append(opts, coordinator.WithHealthCheck(health))
	}
	coord := coordinator.New(cfg, controller, logger, opts...)

	artifacts, err := coord.Run(ctx, s, runID, mode)
	if err != nil {
		var se *scenario.ScenarioError
		var be *coordinator.BackendUnavailableError
		var re *coordinator.RunExistsError
		var pe *coordinator.PartialRunError
		switch {
		case errors.As(err, &se), errors.As(err, &be), errors.As(err, &re):
			fmt.Fprintf(os.Stderr, "Run not started: %v\n", err)
		case errors.As(err, &pe):
			fmt.Fprintf(os.Stderr, "Run incomplete: %v\nMetrics collected so far: %s\n", err, artifacts.MetricsPath)
		default:
			fmt.Fprintf(os.Stderr, "Run failed: %v\n", err)
		}
		return 1
	}

	for _, w := range artifacts.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}
	fmt.Printf("Run %s complete: %d requests, %d failed\n", artifacts.RunID, artifacts.Stats.Total, artifacts.Stats.Failed)
	fmt.Printf("Metrics:  %s\nManifest: %s\n", artifacts.MetricsPath, artifacts.ManifestPath)

	if baselineID == "" {
		return 0
	}

	result, err := analysis.CompareRuns(cfg.RunsDir, baselineID, artifacts.RunID, analysis.DefaultMetricsFile, cfg.Analysis)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Analysis failed: %v\n", err)
		return 1
	}
	out := filepath.Join(artifacts.Dir, analysis.ComparisonFile)
	if err := result.WriteFile(out); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write comparison: %v\n", err)
		return 1
	}
	fmt.Printf("%s\nComparison: %s\n", result.Explanation(), out)
	return 0
}

func printUsage() {
	fmt.Printf(`Chaos Orchestrator

Runs a scenario of timed load, fail and restart phases against an http or
redis backend and records every request to runs/<run-id>/metrics.csv.

Usage:
  %s -scenario <file> [options]

Options:
  -scenario string
        Path to scenario file (.yaml, .yml or .json)
  -run-id string
        Run identifier (default derived from the current time)
  -mode string
        Backend mode: http or redis (default "http")
  -config string
        Path to configuration file
  -baseline-id string
        Compare the finished run against this baseline run
  -env string
        Logging preset: development, production or test
  -dry-run
        Generate load but do not stop or start any node
  -preflight
        Health-check every node before load starts (default true)

Environment Variables:
  Configuration can be overridden using environment variables with CO_ prefix,
  e.g. CO_LOAD_RATE_RPS, CO_HTTP_NODES, CO_CONTROL_CONTROLLER.

Examples:
  # Record a baseline
  %s -scenario scenarios/baseline.yaml -run-id baseline

  # Kill a node and compare against the baseline
  %s -scenario scenarios/node_failure.yaml -run-id failure-1 -baseline-id baseline

  # Drive the redis pair through a remote lifecycle daemon
  CO_CONTROL_CONTROLLER=grpc CO_CONTROL_ADDRESS=host:7070 %s -scenario scenarios/redis_failover.yaml -mode redis
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}
