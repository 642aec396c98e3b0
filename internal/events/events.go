// Package events publishes run lifecycle notifications to pluggable sinks.
package events

import "time"

// EventType represents the type of event
type EventType string

const (
	EventRunStarted     EventType = "run_started"
	EventPhaseStarted   EventType = "phase_started"
	EventPhaseCompleted EventType = "phase_completed"
	EventControlAction  EventType = "control_action"
	EventRunCompleted   EventType = "run_completed"
)

// Event is one notification about a run.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	RunID     string    `json:"run_id"`
	Data      EventData `json:"data,omitempty"`
}

// EventData contains event-specific data
type EventData struct {
	Mode       string  `json:"mode,omitempty"`
	Scenario   string  `json:"scenario,omitempty"`
	PhaseIndex int     `json:"phase_index,omitempty"`
	PhaseKind  string  `json:"phase_kind,omitempty"`
	Target     string  `json:"target,omitempty"`
	Action     string  `json:"action,omitempty"`
	DurationMS float64 `json:"duration_ms,omitempty"`
	Requests   int64   `json:"requests,omitempty"`
	Failed     int64   `json:"failed,omitempty"`
	Partial    bool    `json:"partial,omitempty"`
	Error      string  `json:"error,omitempty"`
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func NewRunStartedEvent(runID, mode, scenario string) Event {
	return Event{
		Type:      EventRunStarted,
		Timestamp: time.Now(),
		RunID:     runID,
		Data:      EventData{Mode: mode, Scenario: scenario},
	}
}

func NewPhaseStartedEvent(runID string, index int, kind, target string) Event {
	return Event{
		Type:      EventPhaseStarted,
		Timestamp: time.Now(),
		RunID:     runID,
		Data:      EventData{PhaseIndex: index, PhaseKind: kind, Target: target},
	}
}

func NewPhaseCompletedEvent(runID string, index int, kind, target string, elapsed time.Duration) Event {
	return Event{
		Type:      EventPhaseCompleted,
		Timestamp: time.Now(),
		RunID:     runID,
		Data: EventData{
			PhaseIndex: index,
			PhaseKind:  kind,
			Target:     target,
			DurationMS: float64(elapsed) / float64(time.Millisecond),
		},
	}
}

// NewControlActionEvent reports a stop or start; err is nil on success.
func NewControlActionEvent(runID, action, nodeID string, elapsed time.Duration, err error) Event {
	return Event{
		Type:      EventControlAction,
		Timestamp: time.Now(),
		RunID:     runID,
		Data: EventData{
			Action:     action,
			Target:     nodeID,
			DurationMS: float64(elapsed) / float64(time.Millisecond),
			Error:      errString(err),
		},
	}
}

func NewRunCompletedEvent(runID string, requests, failed int64, err error) Event {
	return Event{
		Type:      EventRunCompleted,
		Timestamp: time.Now(),
		RunID:     runID,
		Data: EventData{
			Requests: requests,
			Failed:   failed,
			Partial:  err != nil,
			Error:    errString(err),
		},
	}
}
