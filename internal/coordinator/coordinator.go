// Package coordinator executes a scenario: it owns the run directory and
// metrics log, keeps load running across every phase and schedules the
// failure-injection actions.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"chaos-orchestrator/internal/config"
	"chaos-orchestrator/internal/control"
	"chaos-orchestrator/internal/events"
	"chaos-orchestrator/internal/lifecycle"
	"chaos-orchestrator/internal/loadgen"
	"chaos-orchestrator/internal/logging"
	"chaos-orchestrator/internal/metrics"
	"chaos-orchestrator/internal/monitoring"
	"chaos-orchestrator/internal/scenario"
	"chaos-orchestrator/internal/tracing"
)

// restoreTimeout bounds the best-effort restart of nodes after an abort.
const restoreTimeout = 30 * time.Second

// DriverFactory builds the load driver for a backend mode.
type DriverFactory func(mode string, cfg *config.Config) (loadgen.Driver, error)

// RunArtifacts locates what a run left on disk.
type RunArtifacts struct {
	RunID        string
	Dir          string
	MetricsPath  string
	ManifestPath string
	Stats        metrics.Stats
	Warnings     []string
}

// Coordinator runs scenarios one at a time.
type Coordinator struct {
	cfg        *config.Config
	controller lifecycle.Controller
	logger     *logging.Logger
	newDriver  DriverFactory
	bus        *events.Bus
	tracer     *tracing.TracingService
	health     *monitoring.HealthManager
	now        func() time.Time
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithDriverFactory replaces the mode-based driver construction.
func WithDriverFactory(f DriverFactory) Option {
	return func(c *Coordinator) { c.newDriver = f }
}

// WithEventBus publishes run lifecycle events to bus.
func WithEventBus(bus *events.Bus) Option {
	return func(c *Coordinator) { c.bus = bus }
}

// WithTracing wraps runs, phases and control actions in spans.
func WithTracing(ts *tracing.TracingService) Option {
	return func(c *Coordinator) { c.tracer = ts }
}

// WithHealthCheck checks the backend nodes before load starts. Unhealthy
// nodes become run warnings.
func WithHealthCheck(hm *monitoring.HealthManager) Option {
	return func(c *Coordinator) { c.health = hm }
}

func New(cfg *config.Config, controller lifecycle.Controller, logger *logging.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:        cfg,
		controller: controller,
		logger:     logger.WithField("component", "coordinator"),
		newDriver:  loadgen.NewDriver,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.tracer == nil {
		c.tracer, _ = tracing.NewTracingService(config.TracingConfig{Enabled: false})
	}
	return c
}

// NewRunID derives a run id from a wall-clock time.
func NewRunID(t time.Time) string {
	return "run-" + t.Format("20060102-150405")
}

// run is the state of one in-progress execution.
type run struct {
	id       string
	mode     string
	scenario *scenario.Scenario
	control  *control.Agent
	pool     *loadgen.Pool
	log      *metrics.Log
	manifest *Manifest
	// rate is the total load rate currently applied.
	rate float64
}

func (r *run) warn(msg string) {
	r.manifest.Warnings = append(r.manifest.Warnings, msg)
}

type phaseHandler func(c *Coordinator, ctx context.Context, r *run, rec *PhaseRecord, p scenario.Phase)

// One handler per phase kind. Load keeps running across all phases, so the
// load phases only let time pass.
var phaseHandlers = map[scenario.PhaseKind]phaseHandler{
	scenario.PhaseWarmup:   (*Coordinator).holdLoad,
	scenario.PhaseSustain:  (*Coordinator).holdLoad,
	scenario.PhaseCooldown: (*Coordinator).holdLoad,
	scenario.PhaseFail:     (*Coordinator).failNode,
	scenario.PhaseRestart:  (*Coordinator).restartNode,
}

// Run executes s against the nodes of mode and writes runs/<runID>/. An
// empty runID is derived from the current time. Malformed scenarios and
// missing backends fail before any load starts. Cancelling ctx aborts the
// run with a *PartialRunError; the returned artifacts stay valid.
func (c *Coordinator) Run(ctx context.Context, s *scenario.Scenario, runID, mode string) (artifacts *RunArtifacts, err error) {
	if runID == "" {
		runID = NewRunID(c.now())
	}

	nodes := c.cfg.NodesFor(mode)
	if len(nodes) == 0 {
		return nil, &BackendUnavailableError{Mode: mode}
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if err := s.CheckTargets(func(target string) bool {
		_, ok := c.cfg.FindNode(mode, target)
		return ok
	}); err != nil {
		return nil, err
	}

	dir := filepath.Join(c.cfg.RunsDir, runID)
	if err := createRunDir(runID, dir); err != nil {
		return nil, err
	}

	ctx = logging.WithRun(ctx, runID)
	logger := c.logger.WithContext(ctx)

	rate := c.cfg.Load.RateRPS
	if s.RateRPS > 0 {
		rate = s.RateRPS
	}

	r := &run{
		id:       runID,
		mode:     mode,
		scenario: s,
		control:  control.NewAgent(c.controller, c.cfg, mode, c.logger),
		manifest: &Manifest{
			RunID:    runID,
			Mode:     mode,
			Scenario: s.Name,
			RateRPS:  rate,
			Agents:   max(c.cfg.Load.Agents, 1),
		},
	}
	for _, w := range s.Warnings() {
		logger.Warn("Scenario warning", "warning", w)
		r.warn(w)
	}
	if c.health != nil {
		report := c.health.CheckHealth(ctx)
		for _, check := range report.Unhealthy() {
			w := fmt.Sprintf("node %s unhealthy before run: %s", check.Name, check.Message)
			logger.Warn("Preflight check failed", "node", check.Name, "message", check.Message)
			r.warn(w)
		}
	}

	driver, err := c.newDriver(mode, c.cfg)
	if err != nil {
		os.Remove(dir)
		return nil, &BackendUnavailableError{Mode: mode, Err: err}
	}

	artifacts = &RunArtifacts{
		RunID:        runID,
		Dir:          dir,
		MetricsPath:  filepath.Join(dir, MetricsFile),
		ManifestPath: filepath.Join(dir, ManifestFile),
	}

	r.log, err = metrics.Create(artifacts.MetricsPath, c.logger)
	if err != nil {
		driver.Close()
		return nil, err
	}

	start := c.now()
	r.rate = rate
	r.manifest.StartedAt = start.UTC()
	r.pool, err = loadgen.NewPool(driver, nodes, r.log, start, rate, c.cfg.Load, c.logger.WithContext(ctx))
	if err != nil {
		driver.Close()
		r.log.Close()
		return nil, fmt.Errorf("failed to create load agents: %w", err)
	}

	ctx, span := c.tracer.StartRun(ctx, runID, mode, s.Name)
	c.emit(events.NewRunStartedEvent(runID, mode, s.Name))
	logger.Info("Run started",
		"mode", mode,
		"scenario", s.Name,
		"phases", len(s.Phases),
		"rate_rps", rate,
		"agents", r.pool.Size(),
		"planned", s.TotalDuration().String(),
	)

	// Load agents get their own context so an abort can cancel in-flight
	// requests while cleanup still runs.
	loadCtx, cancelLoad := context.WithCancel(ctx)
	r.pool.Start(loadCtx)

	// Everything acquired above is released here, on every exit path.
	defer func() {
		p := recover()
		if p != nil {
			err = &PartialRunError{RunID: runID, Phase: len(r.manifest.Phases) + 1, Err: fmt.Errorf("panic: %v", p)}
		}
		err = c.finish(ctx, r, artifacts, start, cancelLoad, err)
		c.tracer.Finish(span, err)
		if p != nil {
			panic(p)
		}
	}()

	return artifacts, c.executePhases(ctx, r, start)
}

// createRunDir makes runs/<id>, refusing one that already exists.
func createRunDir(runID, dir string) error {
	if err := os.MkdirAll(filepath.Dir(dir), 0755); err != nil {
		return fmt.Errorf("failed to create runs directory: %w", err)
	}
	if err := os.Mkdir(dir, 0755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return &RunExistsError{RunID: runID, Dir: dir}
		}
		return fmt.Errorf("failed to create run directory: %w", err)
	}
	return nil
}

// finish stops load, restores nodes after an abort, flushes the metrics log
// and writes the manifest. It returns the run's final error.
func (c *Coordinator) finish(ctx context.Context, r *run, artifacts *RunArtifacts, start time.Time, cancelLoad context.CancelFunc, runErr error) error {
	logger := c.logger.WithContext(ctx)

	if runErr != nil {
		cancelLoad()
	}
	if err := r.pool.Close(); err != nil {
		logger.Warn("Failed to close load driver", "error", err)
	}
	cancelLoad()

	if runErr != nil {
		restoreCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), restoreTimeout)
		for _, err := range r.control.RestoreAll(restoreCtx) {
			logger.Warn("Best-effort restart failed", "error", err)
			r.warn(err.Error())
		}
		cancel()
	}

	if err := r.log.Close(); err != nil {
		logger.Error("Failed to flush metrics log", "error", err)
		if runErr == nil {
			runErr = err
		}
	}

	artifacts.Stats = r.log.Stats()
	artifacts.Warnings = r.manifest.Warnings

	r.manifest.EndedAt = c.now().UTC()
	r.manifest.Requests = artifacts.Stats
	r.manifest.Partial = runErr != nil
	if runErr != nil {
		r.manifest.Error = runErr.Error()
	}
	if err := r.manifest.write(artifacts.ManifestPath); err != nil {
		logger.Warn("Failed to write run manifest", "error", err)
	}

	c.emit(events.NewRunCompletedEvent(r.id, artifacts.Stats.Total, artifacts.Stats.Failed, runErr))

	if runErr != nil {
		logger.Error("Run aborted", "error", runErr, "requests", artifacts.Stats.Total)
		return runErr
	}

	logger.Info("Run complete",
		"requests", artifacts.Stats.Total,
		"failed", artifacts.Stats.Failed,
		"error_rate", artifacts.Stats.ErrorRate(),
		"elapsed", c.now().Sub(start).Round(time.Millisecond).String(),
		"warnings", len(artifacts.Warnings),
	)
	return nil
}

func (c *Coordinator) executePhases(ctx context.Context, r *run, runStart time.Time) error {
	for i, p := range r.scenario.Phases {
		index := i + 1
		handler, ok := phaseHandlers[p.Kind]
		if !ok {
			return &PartialRunError{RunID: r.id, Phase: index, Err: fmt.Errorf("no handler for phase kind %s", p.Kind)}
		}

		phaseCtx := logging.WithPhase(ctx, fmt.Sprintf("%s#%d", p.Label(), index))
		phaseCtx, span := c.tracer.StartPhase(phaseCtx, index, p.Kind.String(), p.Target, p.Duration)

		phaseStart := c.now()
		rec := PhaseRecord{
			Index:      index,
			Kind:       p.Kind.String(),
			Name:       p.Name,
			Target:     p.Target,
			PlannedSec: p.Duration.Seconds(),
			StartSec:   phaseStart.Sub(runStart).Seconds(),
		}
		c.applyRate(phaseCtx, r, p)
		rec.RateRPS = r.rate
		c.logger.PhaseEvent(phaseCtx, "started", index, p.Kind.String(), p.Duration, p.Target)
		c.emit(events.NewPhaseStartedEvent(r.id, index, p.Kind.String(), p.Target))

		handler(c, phaseCtx, r, &rec, p)

		// Sleep for whatever the action left of the phase.
		err := sleepContext(ctx, p.Duration-c.now().Sub(phaseStart))

		rec.ActualSec = c.now().Sub(phaseStart).Seconds()
		r.manifest.Phases = append(r.manifest.Phases, rec)

		if err != nil {
			c.tracer.Finish(span, err)
			return &PartialRunError{RunID: r.id, Phase: index, Err: err}
		}

		elapsed := c.now().Sub(phaseStart)
		c.logger.PhaseEvent(phaseCtx, "completed", index, p.Kind.String(), elapsed, p.Target)
		c.emit(events.NewPhaseCompletedEvent(r.id, index, p.Kind.String(), p.Target, elapsed))
		c.tracer.Finish(span, nil)
	}
	return nil
}

// applyRate switches the running load to the phase's rate, if it sets one.
// Agents keep running; only their pacing changes.
func (c *Coordinator) applyRate(ctx context.Context, r *run, p scenario.Phase) {
	if p.RateRPS <= 0 || p.RateRPS == r.rate {
		return
	}
	if err := r.pool.SetRate(p.RateRPS); err != nil {
		r.warn(fmt.Sprintf("phase %s: %v", p.Label(), err))
		return
	}
	c.logger.WithContext(ctx).Info("Load rate changed", "from_rps", r.rate, "to_rps", p.RateRPS)
	r.rate = p.RateRPS
}

func (c *Coordinator) holdLoad(ctx context.Context, r *run, rec *PhaseRecord, p scenario.Phase) {}

func (c *Coordinator) failNode(ctx context.Context, r *run, rec *PhaseRecord, p scenario.Phase) {
	c.controlAction(ctx, r, rec, control.ActionStop, p.Target, r.control.StopNode)
}

func (c *Coordinator) restartNode(ctx context.Context, r *run, rec *PhaseRecord, p scenario.Phase) {
	c.controlAction(ctx, r, rec, control.ActionStart, p.Target, r.control.StartNode)
}

// controlAction runs a stop or start synchronously. Failures are recorded
// as warnings and the run continues.
func (c *Coordinator) controlAction(ctx context.Context, r *run, rec *PhaseRecord, action, target string, fn func(context.Context, string) (control.Result, error)) {
	ctx, span := c.tracer.StartControlAction(ctx, action, target)
	res, err := fn(ctx, target)
	c.tracer.Finish(span, err)

	c.emit(events.NewControlActionEvent(r.id, action, target, res.Duration, err))

	if err != nil {
		var ae *control.ActionError
		if !errors.As(err, &ae) {
			err = &control.ActionError{Action: action, Node: target, Err: err}
		}
		rec.ActionError = err.Error()
		r.warn(fmt.Sprintf("phase %d: %v", rec.Index, err))
	}
}

func (c *Coordinator) emit(ev events.Event) {
	if c.bus != nil {
		c.bus.Publish(ev)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
