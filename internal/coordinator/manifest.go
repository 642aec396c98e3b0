package coordinator

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"chaos-orchestrator/internal/metrics"
)

const (
	MetricsFile  = "metrics.csv"
	ManifestFile = "run.json"
)

// PhaseRecord is what actually happened in one phase.
type PhaseRecord struct {
	Index       int     `json:"index"`
	Kind        string  `json:"kind"`
	Name        string  `json:"name,omitempty"`
	Target      string  `json:"target,omitempty"`
	RateRPS     float64 `json:"rate_rps"`
	PlannedSec  float64 `json:"planned_sec"`
	ActualSec   float64 `json:"actual_sec"`
	StartSec    float64 `json:"start_sec"`
	ActionError string  `json:"action_error,omitempty"`
}

// Manifest is written to runs/<id>/run.json when a run ends, aborted or not.
type Manifest struct {
	RunID     string        `json:"run_id"`
	Mode      string        `json:"mode"`
	Scenario  string        `json:"scenario"`
	RateRPS   float64       `json:"rate_rps"`
	Agents    int           `json:"agents"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at"`
	Phases    []PhaseRecord `json:"phases"`
	Requests  metrics.Stats `json:"requests"`
	Warnings  []string      `json:"warnings,omitempty"`
	Partial   bool          `json:"partial"`
	Error     string        `json:"error,omitempty"`
}

func (m *Manifest) write(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode run manifest: %w", err)
	}
	return os.WriteFile(path, append(data, '\n'), 0644)
}

// ReadManifest loads a run manifest.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid run manifest %s: %w", path, err)
	}
	return &m, nil
}
