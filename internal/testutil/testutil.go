// Package testutil holds helpers shared by package tests.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"chaos-orchestrator/internal/config"
	"chaos-orchestrator/internal/logging"
	"chaos-orchestrator/internal/metrics"
)

// TestConfig returns the default configuration with runs written under a
// per-test temp dir and short timeouts.
func TestConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.RunsDir = t.TempDir()
	cfg.Load.RequestTimeout = 200 * time.Millisecond
	cfg.Control.Timeout = time.Second
	cfg.Logging = logging.TestLoggingConfig()
	return cfg
}

// TestLogger creates a test logger with minimal configuration
func TestLogger() *logging.Logger {
	testLogConfig := logging.TestLoggingConfig()
	return logging.NewLogger(&testLogConfig)
}

// WriteFile writes content to name inside dir and returns the path.
func WriteFile(t *testing.T, dir, name, content string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("Failed to create %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
	return path
}

// WriteMetricsLog records outcomes to path through a real metrics log.
func WriteMetricsLog(t *testing.T, path string, outcomes []metrics.Outcome) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("Failed to create run dir: %v", err)
	}
	l, err := metrics.Create(path, TestLogger())
	if err != nil {
		t.Fatalf("Failed to create metrics log: %v", err)
	}
	for _, o := range outcomes {
		if err := l.Record(o); err != nil {
			t.Fatalf("Failed to record outcome: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Failed to close metrics log: %v", err)
	}
}

// SteadyOutcomes generates rps successful requests per second for the given
// seconds, all with the same latency.
func SteadyOutcomes(seconds, rps int, latencyMS float64) []metrics.Outcome {
	var out []metrics.Outcome
	for s := 0; s < seconds; s++ {
		for i := 0; i < rps; i++ {
			out = append(out, metrics.Outcome{
				Timestamp: float64(s) + float64(i)/float64(rps),
				Node:      "node-1",
				LatencyMS: latencyMS,
				Success:   true,
			})
		}
	}
	return out
}

// WaitForCondition polls condition until it holds or timeout expires.
func WaitForCondition(t *testing.T, condition func() bool, timeout time.Duration, checkInterval time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(checkInterval)
	}
	t.Fatalf("Condition not met within %v", timeout)
}
