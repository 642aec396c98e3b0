// Package scenario defines the timed phase sequence a run executes and
// loads it from YAML or JSON files.
package scenario

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PhaseKind is the closed set of phase variants.
type PhaseKind int

const (
	PhaseWarmup PhaseKind = iota + 1
	PhaseSustain
	PhaseFail
	PhaseRestart
	PhaseCooldown
)

var phaseKindNames = map[PhaseKind]string{
	PhaseWarmup:   "warmup",
	PhaseSustain:  "sustain",
	PhaseFail:     "fail",
	PhaseRestart:  "restart",
	PhaseCooldown: "cooldown",
}

func (k PhaseKind) String() string {
	if name, ok := phaseKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("PhaseKind(%d)", int(k))
}

// ParsePhaseKind maps a scenario file kind string to its PhaseKind.
func ParsePhaseKind(s string) (PhaseKind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for kind, name := range phaseKindNames {
		if name == s {
			return kind, nil
		}
	}
	return 0, fmt.Errorf("unknown phase kind %q", s)
}

// IsControl reports whether the phase injects or reverts a failure.
func (k PhaseKind) IsControl() bool {
	return k == PhaseFail || k == PhaseRestart
}

func (k PhaseKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Phase is one timed segment of a scenario.
type Phase struct {
	Kind     PhaseKind
	Duration time.Duration
	Target   string
	// Name is an optional label used in logs and the run manifest.
	Name string
	// RateRPS, when positive, changes the load rate as the phase starts.
	// The new rate holds until a later phase changes it again.
	RateRPS float64
}

// Label is the phase name, or its kind when unnamed.
func (p Phase) Label() string {
	if p.Name != "" {
		return p.Name
	}
	return p.Kind.String()
}

func (p Phase) String() string {
	if p.Target != "" {
		return fmt.Sprintf("%s(%s, %v)", p.Kind, p.Target, p.Duration)
	}
	return fmt.Sprintf("%s(%v)", p.Kind, p.Duration)
}

// Scenario is an ordered, immutable phase sequence.
type Scenario struct {
	Name        string
	Description string
	// RateRPS overrides the configured load rate when positive.
	RateRPS float64
	Phases  []Phase
}

// ScenarioError reports a malformed or contradictory scenario. Phase is the
// 1-based index of the offending phase, or 0 when the whole file is at fault.
type ScenarioError struct {
	Phase  int
	Kind   string
	Target string
	Reason string
}

func (e *ScenarioError) Error() string {
	if e.Phase == 0 {
		return fmt.Sprintf("scenario error: %s", e.Reason)
	}
	where := fmt.Sprintf("phase %d", e.Phase)
	if e.Kind != "" {
		where += " (" + e.Kind
		if e.Target != "" {
			where += ", target=" + e.Target
		}
		where += ")"
	}
	return fmt.Sprintf("scenario error: %s: %s", where, e.Reason)
}

type fileScenario struct {
	Name        string      `yaml:"name" json:"name"`
	Description string      `yaml:"description" json:"description"`
	RateRPS     float64     `yaml:"rate_rps" json:"rate_rps"`
	Phases      []filePhase `yaml:"phases" json:"phases"`
}

type filePhase struct {
	Kind        string  `yaml:"kind" json:"kind"`
	DurationSec float64 `yaml:"duration_sec" json:"duration_sec"`
	Target      string  `yaml:"target" json:"target"`
	Name        string  `yaml:"name" json:"name"`
	RateRPS     float64 `yaml:"rate_rps" json:"rate_rps"`
}

// Load reads a scenario file. Every failure, including an unreadable file,
// is reported as a *ScenarioError.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ScenarioError{Reason: fmt.Sprintf("cannot read %s: %v", path, err)}
	}

	ext := strings.ToLower(filepath.Ext(path))
	s, err := Parse(data, ext)
	if err != nil {
		return nil, err
	}
	if s.Name == "" {
		s.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return s, nil
}

// Parse decodes scenario bytes; format is a file extension (".yaml", ".yml", ".json").
func Parse(data []byte, format string) (*Scenario, error) {
	var raw fileScenario

	switch strings.ToLower(format) {
	case ".yaml", ".yml", "yaml", "yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, &ScenarioError{Reason: fmt.Sprintf("invalid YAML: %v", err)}
		}
	case ".json", "json":
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, &ScenarioError{Reason: fmt.Sprintf("invalid JSON: %v", err)}
		}
	default:
		return nil, &ScenarioError{Reason: fmt.Sprintf("unsupported scenario format: %s", format)}
	}

	s := &Scenario{
		Name:        raw.Name,
		Description: raw.Description,
		RateRPS:     raw.RateRPS,
	}

	for i, p := range raw.Phases {
		kind, err := ParsePhaseKind(p.Kind)
		if err != nil {
			return nil, &ScenarioError{Phase: i + 1, Kind: p.Kind, Target: p.Target, Reason: err.Error()}
		}
		if math.IsNaN(p.DurationSec) || math.IsInf(p.DurationSec, 0) {
			return nil, &ScenarioError{Phase: i + 1, Kind: p.Kind, Reason: "duration_sec is not a finite number"}
		}
		s.Phases = append(s.Phases, Phase{
			Kind:     kind,
			Duration: time.Duration(p.DurationSec * float64(time.Second)),
			Target:   strings.TrimSpace(p.Target),
			Name:     strings.TrimSpace(p.Name),
			RateRPS:  p.RateRPS,
		})
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks the structural invariants: at least one phase, strictly
// positive durations, a target on every fail/restart phase and
// non-negative rate overrides.
func (s *Scenario) Validate() error {
	if len(s.Phases) == 0 {
		return &ScenarioError{Reason: "scenario has no phases"}
	}
	if s.RateRPS < 0 {
		return &ScenarioError{Reason: fmt.Sprintf("rate_rps cannot be negative: %v", s.RateRPS)}
	}
	for i, p := range s.Phases {
		if _, ok := phaseKindNames[p.Kind]; !ok {
			return &ScenarioError{Phase: i + 1, Reason: fmt.Sprintf("unknown phase kind %d", int(p.Kind))}
		}
		if p.Duration <= 0 {
			return &ScenarioError{Phase: i + 1, Kind: p.Kind.String(), Target: p.Target, Reason: "duration must be strictly positive"}
		}
		if p.Kind.IsControl() && p.Target == "" {
			return &ScenarioError{Phase: i + 1, Kind: p.Kind.String(), Reason: "target is required"}
		}
		if p.RateRPS < 0 || math.IsNaN(p.RateRPS) || math.IsInf(p.RateRPS, 0) {
			return &ScenarioError{Phase: i + 1, Kind: p.Kind.String(), Target: p.Target, Reason: fmt.Sprintf("rate_rps must be a non-negative number, got %v", p.RateRPS)}
		}
	}
	return nil
}

// CheckTargets verifies every fail/restart target resolves to a configured
// node. defined reports whether a target name is known.
func (s *Scenario) CheckTargets(defined func(target string) bool) error {
	for i, p := range s.Phases {
		if !p.Kind.IsControl() {
			continue
		}
		if !defined(p.Target) {
			return &ScenarioError{Phase: i + 1, Kind: p.Kind.String(), Target: p.Target, Reason: "target node is not defined"}
		}
	}
	return nil
}

// Warnings lists contradictions that do not stop a run: nodes left down at
// the end of the scenario and restarts of nodes that were never failed.
func (s *Scenario) Warnings() []string {
	var warnings []string
	down := make(map[string]int)

	for i, p := range s.Phases {
		switch p.Kind {
		case PhaseFail:
			if _, already := down[p.Target]; already {
				warnings = append(warnings, fmt.Sprintf("phase %d fails node %s which is already down", i+1, p.Target))
			}
			down[p.Target] = i + 1
		case PhaseRestart:
			if _, ok := down[p.Target]; !ok {
				warnings = append(warnings, fmt.Sprintf("phase %d restarts node %s which was never failed", i+1, p.Target))
			}
			delete(down, p.Target)
		}
	}

	for _, target := range s.LeftDown() {
		warnings = append(warnings, fmt.Sprintf("node %s is failed in phase %d and never restarted", target, down[target]))
	}
	return warnings
}

// LeftDown returns the targets still failed after the last phase, in the
// order they were failed.
func (s *Scenario) LeftDown() []string {
	down := make(map[string]bool)
	var order []string
	for _, p := range s.Phases {
		switch p.Kind {
		case PhaseFail:
			if !down[p.Target] {
				order = append(order, p.Target)
			}
			down[p.Target] = true
		case PhaseRestart:
			down[p.Target] = false
		}
	}

	var left []string
	for _, target := range order {
		if down[target] {
			left = append(left, target)
		}
	}
	return left
}

// TotalDuration is the sum of all phase durations.
func (s *Scenario) TotalDuration() time.Duration {
	var total time.Duration
	for _, p := range s.Phases {
		total += p.Duration
	}
	return total
}
