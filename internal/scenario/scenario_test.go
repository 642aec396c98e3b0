package scenario

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

const nodeFailureYAML = `
name: node_failure
description: stop one node mid-run and bring it back
rate_rps: 20
phases:
  - kind: warmup
    duration_sec: 10
  - kind: sustain
    duration_sec: 20
  - kind: fail
    duration_sec: 20
    target: node-2
  - kind: restart
    duration_sec: 20
    target: node-2
  - kind: cooldown
    duration_sec: 10
`

func TestParseYAML(t *testing.T) {
	s, err := Parse([]byte(nodeFailureYAML), ".yaml")
	if err != nil {
		t.Fatalf("Failed to parse scenario: %v", err)
	}

	if s.Name != "node_failure" {
		t.Errorf("Expected name node_failure, got %s", s.Name)
	}
	if s.RateRPS != 20 {
		t.Errorf("Expected rate override 20, got %v", s.RateRPS)
	}
	if len(s.Phases) != 5 {
		t.Fatalf("Expected 5 phases, got %d", len(s.Phases))
	}

	want := []PhaseKind{PhaseWarmup, PhaseSustain, PhaseFail, PhaseRestart, PhaseCooldown}
	for i, kind := range want {
		if s.Phases[i].Kind != kind {
			t.Errorf("Phase %d: expected %s, got %s", i+1, kind, s.Phases[i].Kind)
		}
	}
	if s.Phases[2].Target != "node-2" {
		t.Errorf("Expected fail target node-2, got %q", s.Phases[2].Target)
	}
	if s.TotalDuration() != 80*time.Second {
		t.Errorf("Expected total duration 80s, got %v", s.TotalDuration())
	}
	if len(s.Warnings()) != 0 {
		t.Errorf("Expected no warnings, got %v", s.Warnings())
	}
}

func TestPhaseRateAndName(t *testing.T) {
	content := `
phases:
  - kind: warmup
    duration_sec: 5
    rate_rps: 5
  - kind: sustain
    name: peak
    duration_sec: 10
    rate_rps: 50
  - kind: cooldown
    duration_sec: 5
`
	s, err := Parse([]byte(content), "yaml")
	if err != nil {
		t.Fatalf("Failed to parse scenario: %v", err)
	}

	wantRates := []float64{5, 50, 0}
	for i, want := range wantRates {
		if s.Phases[i].RateRPS != want {
			t.Errorf("Phase %d: expected rate %v, got %v", i+1, want, s.Phases[i].RateRPS)
		}
	}
	if s.Phases[1].Label() != "peak" {
		t.Errorf("Expected named phase label peak, got %s", s.Phases[1].Label())
	}
	if s.Phases[2].Label() != "cooldown" {
		t.Errorf("Expected unnamed phase to be labelled by kind, got %s", s.Phases[2].Label())
	}
}

func TestLoadJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.json")
	content := `{"phases":[{"kind":"warmup","duration_sec":0.5},{"kind":"fail","duration_sec":1,"target":"redis-1"}]}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write scenario: %v", err)
	}

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load scenario: %v", err)
	}
	if s.Name != "short" {
		t.Errorf("Expected name to default to file stem, got %s", s.Name)
	}
	if s.Phases[0].Duration != 500*time.Millisecond {
		t.Errorf("Expected fractional duration 500ms, got %v", s.Phases[0].Duration)
	}
	if got := s.LeftDown(); len(got) != 1 || got[0] != "redis-1" {
		t.Errorf("Expected redis-1 left down, got %v", got)
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		format    string
		wantPhase int
	}{
		{"empty phases", "phases: []", ".yaml", 0},
		{"unknown kind", "phases:\n  - kind: explode\n    duration_sec: 1", ".yaml", 1},
		{"zero duration", "phases:\n  - kind: warmup\n    duration_sec: 0", ".yaml", 1},
		{"negative duration", "phases:\n  - kind: warmup\n    duration_sec: 1\n  - kind: sustain\n    duration_sec: -3", ".yaml", 2},
		{"fail without target", "phases:\n  - kind: fail\n    duration_sec: 5", ".yaml", 1},
		{"malformed yaml", "phases: [", ".yaml", 0},
		{"malformed json", "{", ".json", 0},
		{"unsupported format", "", ".toml", 0},
		{"negative rate", "rate_rps: -1\nphases:\n  - kind: warmup\n    duration_sec: 1", ".yaml", 0},
		{"negative phase rate", "phases:\n  - kind: warmup\n    duration_sec: 1\n  - kind: sustain\n    duration_sec: 1\n    rate_rps: -5", ".yaml", 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.content), tt.format)
			var se *ScenarioError
			if !errors.As(err, &se) {
				t.Fatalf("Expected *ScenarioError, got %v", err)
			}
			if se.Phase != tt.wantPhase {
				t.Errorf("Expected error on phase %d, got %d (%v)", tt.wantPhase, se.Phase, err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	var se *ScenarioError
	if !errors.As(err, &se) {
		t.Fatalf("Expected *ScenarioError for missing file, got %v", err)
	}
}

func TestCheckTargets(t *testing.T) {
	s, err := Parse([]byte(nodeFailureYAML), ".yaml")
	if err != nil {
		t.Fatalf("Failed to parse scenario: %v", err)
	}

	known := map[string]bool{"node-1": true, "node-2": true}
	if err := s.CheckTargets(func(target string) bool { return known[target] }); err != nil {
		t.Errorf("Expected targets to resolve, got %v", err)
	}

	err = s.CheckTargets(func(string) bool { return false })
	var se *ScenarioError
	if !errors.As(err, &se) {
		t.Fatalf("Expected *ScenarioError, got %v", err)
	}
	if se.Phase != 3 || se.Target != "node-2" {
		t.Errorf("Expected failure on phase 3 target node-2, got %+v", se)
	}
}

func TestWarnings(t *testing.T) {
	s := &Scenario{Phases: []Phase{
		{Kind: PhaseRestart, Duration: time.Second, Target: "node-1"},
		{Kind: PhaseFail, Duration: time.Second, Target: "node-2"},
		{Kind: PhaseFail, Duration: time.Second, Target: "node-2"},
	}}
	if err := s.Validate(); err != nil {
		t.Fatalf("Expected contradictory scenario to stay valid, got %v", err)
	}

	warnings := s.Warnings()
	if len(warnings) != 3 {
		t.Errorf("Expected 3 warnings, got %d: %v", len(warnings), warnings)
	}
}

func TestParsePhaseKind(t *testing.T) {
	for kind, name := range phaseKindNames {
		got, err := ParsePhaseKind(" " + name + " ")
		if err != nil || got != kind {
			t.Errorf("ParsePhaseKind(%q) = %v, %v", name, got, err)
		}
	}
	if _, err := ParsePhaseKind("partition"); err == nil {
		t.Error("Expected error for unknown kind")
	}
}

func TestTotalDurationProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("total duration is the sum of phase durations", prop.ForAll(
		func(secs []int) bool {
			s := &Scenario{}
			var want time.Duration
			for _, sec := range secs {
				d := time.Duration(sec) * time.Second
				s.Phases = append(s.Phases, Phase{Kind: PhaseSustain, Duration: d})
				want += d
			}
			return s.TotalDuration() == want && (len(secs) == 0 || s.Validate() == nil)
		},
		gen.SliceOf(gen.IntRange(1, 600)),
	))

	properties.TestingRun(t)
}
