// Package control executes failure-injection actions against named nodes
// through a lifecycle controller.
package control

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"chaos-orchestrator/internal/config"
	"chaos-orchestrator/internal/lifecycle"
	"chaos-orchestrator/internal/logging"
)

const (
	ActionStop  = "stop"
	ActionStart = "start"
)

// ActionError reports a stop or start that failed or timed out. It is
// non-fatal: the run continues without the intended fault.
type ActionError struct {
	Action  string
	Node    string
	Service string
	Err     error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("control action %s on node %s (service %s) failed: %v", e.Action, e.Node, e.Service, e.Err)
}

func (e *ActionError) Unwrap() error {
	return e.Err
}

// Result describes one completed control action.
type Result struct {
	Action   string
	Node     string
	Service  string
	Duration time.Duration
}

// Agent maps node ids to lifecycle services and tracks which nodes may be
// down. A stop counts as soon as it is attempted, since a stop that fails or
// is interrupted can still take effect. Only a successful start clears it.
type Agent struct {
	controller lifecycle.Controller
	cfg        *config.Config
	mode       string
	timeout    time.Duration
	logger     *logging.Logger

	mu   sync.Mutex
	down map[string]bool
}

func NewAgent(controller lifecycle.Controller, cfg *config.Config, mode string, logger *logging.Logger) *Agent {
	timeout := cfg.Control.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Agent{
		controller: controller,
		cfg:        cfg,
		mode:       mode,
		timeout:    timeout,
		logger:     logger.WithField("component", "control"),
		down:       make(map[string]bool),
	}
}

// StopNode stops the node and blocks until the controller finishes or the
// control timeout elapses.
func (a *Agent) StopNode(ctx context.Context, nodeID string) (Result, error) {
	return a.do(ctx, ActionStop, nodeID, a.controller.Stop)
}

// StartNode starts a previously stopped node.
func (a *Agent) StartNode(ctx context.Context, nodeID string) (Result, error) {
	return a.do(ctx, ActionStart, nodeID, a.controller.Start)
}

func (a *Agent) do(ctx context.Context, action, nodeID string, fn func(context.Context, string) error) (Result, error) {
	node, ok := a.cfg.FindNode(a.mode, nodeID)
	if !ok {
		err := &ActionError{Action: action, Node: nodeID, Err: fmt.Errorf("node not configured for mode %s", a.mode)}
		a.logger.ControlAction(ctx, action, nodeID, 0, err)
		return Result{Action: action, Node: nodeID}, err
	}

	actionCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	if action == ActionStop {
		a.setDown(node.ID, true)
	}

	start := time.Now()
	err := fn(actionCtx, node.Service)
	res := Result{Action: action, Node: node.ID, Service: node.Service, Duration: time.Since(start)}

	if err != nil {
		err = &ActionError{Action: action, Node: node.ID, Service: node.Service, Err: err}
	} else if action == ActionStart {
		a.setDown(node.ID, false)
	}

	a.logger.ControlAction(ctx, action, node.ID, res.Duration, err)
	return res, err
}

func (a *Agent) setDown(id string, down bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if down {
		a.down[id] = true
	} else {
		delete(a.down, id)
	}
}

// Down returns the nodes this agent tried to stop and has not successfully
// started again.
func (a *Agent) Down() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	var ids []string
	for id := range a.down {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RestoreAll makes a best-effort attempt to start every node still down.
// It returns the failures, which callers report as warnings.
func (a *Agent) RestoreAll(ctx context.Context) []error {
	var errs []error
	for _, id := range a.Down() {
		a.logger.Warn("Restarting node left down", "node_id", id)
		if _, err := a.StartNode(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
