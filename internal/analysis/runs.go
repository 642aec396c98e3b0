package analysis

import (
	"fmt"
	"path/filepath"

	"chaos-orchestrator/internal/config"
	"chaos-orchestrator/internal/metrics"
)

const (
	DefaultMetricsFile = "metrics.csv"
	ComparisonFile     = "comparison.json"
)

// CompareRuns loads runsDir/<id>/<filename> for both runs and compares them.
func CompareRuns(runsDir, baselineID, runID, filename string, cfg config.AnalysisConfig) (*ComparisonResult, error) {
	if filename == "" {
		filename = DefaultMetricsFile
	}

	baseline, err := metrics.ReadFile(filepath.Join(runsDir, baselineID, filename))
	if err != nil {
		return nil, fmt.Errorf("failed to load baseline metrics: %w", err)
	}
	run, err := metrics.ReadFile(filepath.Join(runsDir, runID, filename))
	if err != nil {
		return nil, fmt.Errorf("failed to load run metrics: %w", err)
	}

	return Compare(baselineID, baseline, runID, run, cfg)
}
