// Package lifecycle stops and starts the containers behind the nodes under
// test, either locally through docker compose or remotely over gRPC.
package lifecycle

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"chaos-orchestrator/internal/config"
)

// Controller stops and starts a named service.
type Controller interface {
	Stop(ctx context.Context, service string) error
	Start(ctx context.Context, service string) error
	Close() error
}

// New builds the controller selected by cfg.Controller.
func New(cfg config.ControlConfig) (Controller, error) {
	switch cfg.Controller {
	case "", "compose":
		return NewComposeController(cfg.ComposeFile, cfg.Project), nil
	case "grpc":
		return DialGRPC(cfg.Address)
	case "noop":
		return &NoopController{}, nil
	default:
		return nil, fmt.Errorf("unknown controller: %s", cfg.Controller)
	}
}

// CommandRunner executes a command and returns its combined output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// ComposeController shells out to `docker compose stop|start <service>`.
type ComposeController struct {
	file    string
	project string
	run     CommandRunner
}

func NewComposeController(file, project string) *ComposeController {
	return &ComposeController{file: file, project: project, run: execRunner}
}

// WithRunner replaces the command runner.
func (c *ComposeController) WithRunner(run CommandRunner) *ComposeController {
	c.run = run
	return c
}

func (c *ComposeController) Stop(ctx context.Context, service string) error {
	return c.compose(ctx, "stop", service)
}

func (c *ComposeController) Start(ctx context.Context, service string) error {
	return c.compose(ctx, "start", service)
}

func (c *ComposeController) Close() error { return nil }

func (c *ComposeController) args(verb, service string) []string {
	args := []string{"compose"}
	if c.file != "" {
		args = append(args, "-f", c.file)
	}
	if c.project != "" {
		args = append(args, "-p", c.project)
	}
	return append(args, verb, service)
}

func (c *ComposeController) compose(ctx context.Context, verb, service string) error {
	if service == "" {
		return fmt.Errorf("docker compose %s: empty service name", verb)
	}
	out, err := c.run(ctx, "docker", c.args(verb, service)...)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("docker compose %s %s: %w", verb, service, ctx.Err())
		}
		msg := strings.TrimSpace(string(out))
		if msg != "" {
			return fmt.Errorf("docker compose %s %s: %w: %s", verb, service, err, msg)
		}
		return fmt.Errorf("docker compose %s %s: %w", verb, service, err)
	}
	return nil
}

// NoopController records calls without touching anything. Dry runs use it.
type NoopController struct {
	mu    sync.Mutex
	calls []string
}

func (n *NoopController) Stop(ctx context.Context, service string) error {
	n.record("stop " + service)
	return ctx.Err()
}

func (n *NoopController) Start(ctx context.Context, service string) error {
	n.record("start " + service)
	return ctx.Err()
}

func (n *NoopController) Close() error { return nil }

func (n *NoopController) record(call string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, call)
}

// Calls returns the actions seen so far, e.g. "stop service-node-2".
func (n *NoopController) Calls() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.calls...)
}
