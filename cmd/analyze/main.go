package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"chaos-orchestrator/internal/analysis"
	"chaos-orchestrator/internal/config"
)

func main() {
	var (
		configPath string
		baselineID string
		runID      string
		filename   string
		outPath    string
		noWrite    bool
	)
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.StringVar(&baselineID, "baseline-id", "", "Baseline run id (required)")
	flag.StringVar(&runID, "run-id", "", "Run id to compare (required)")
	flag.StringVar(&filename, "filename", analysis.DefaultMetricsFile, "Metrics file name inside each run directory")
	flag.StringVar(&outPath, "out", "", "Where to write the comparison (default runs/<run-id>/comparison.json)")
	flag.BoolVar(&noWrite, "no-write", false, "Print the comparison without writing it")
	flag.Parse()

	if baselineID == "" || runID == "" {
		fmt.Fprintln(os.Stderr, "usage: analyze -baseline-id <id> -run-id <id> [-filename metrics.csv] [-config file]")
		os.Exit(2)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	result, err := analysis.CompareRuns(cfg.RunsDir, baselineID, runID, filename, cfg.Analysis)
	if err != nil {
		var ide *analysis.InsufficientDataError
		if errors.As(err, &ide) {
			fmt.Fprintf(os.Stderr, "Cannot compare: %v\n", err)
			os.Exit(3)
		}
		fmt.Fprintf(os.Stderr, "Analysis failed: %v\n", err)
		os.Exit(1)
	}

	data, err := result.JSON()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to encode comparison: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(data))
	fmt.Println(result.Explanation())

	if noWrite {
		return
	}
	if outPath == "" {
		outPath = filepath.Join(cfg.RunsDir, runID, analysis.ComparisonFile)
	}
	if err := result.WriteFile(outPath); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write comparison: %v\n", err)
		os.Exit(1)
	}
}
