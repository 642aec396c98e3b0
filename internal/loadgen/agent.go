package loadgen

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"chaos-orchestrator/internal/config"
	"chaos-orchestrator/internal/logging"
	"chaos-orchestrator/internal/metrics"
)

// Recorder accepts completed request outcomes.
type Recorder interface {
	Record(metrics.Outcome) error
}

// Options controls an agent's pacing.
type Options struct {
	RateRPS        float64
	RequestTimeout time.Duration
	// Jitter spreads each tick by up to ±Jitter of the interval.
	Jitter float64
	// Offset is the first node index used by round-robin.
	Offset int
}

// Agent issues sequential requests at a fixed rate, cycling through nodes.
// Every request, successful or not, is reported to the recorder with a
// timestamp in seconds since the shared run start.
type Agent struct {
	id       int
	driver   Driver
	nodes    []config.Node
	recorder Recorder
	start    time.Time
	opts     Options
	logger   *logging.Logger

	// interval is the nanoseconds between ticks; rateCh wakes the loop
	// when SetRate changes it.
	interval atomic.Int64
	rateCh   chan struct{}

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

func NewAgent(id int, driver Driver, nodes []config.Node, recorder Recorder, start time.Time, opts Options, logger *logging.Logger) (*Agent, error) {
	if len(nodes) == 0 {
		return nil, errors.New("load agent needs at least one node")
	}
	if opts.RateRPS <= 0 {
		return nil, fmt.Errorf("rate must be positive, got %v", opts.RateRPS)
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 2 * time.Second
	}

	a := &Agent{
		id:       id,
		driver:   driver,
		nodes:    nodes,
		recorder: recorder,
		start:    start,
		opts:     opts,
		logger:   logger.WithField("agent", id),
		rateCh:   make(chan struct{}, 1),
	}
	a.interval.Store(int64(rateInterval(opts.RateRPS)))
	return a, nil
}

func rateInterval(rps float64) time.Duration {
	return time.Duration(float64(time.Second) / rps)
}

// SetRate changes the request rate of a running or idle agent. The next
// request is rescheduled one new interval after the previous one.
func (a *Agent) SetRate(rps float64) error {
	if rps <= 0 {
		return fmt.Errorf("rate must be positive, got %v", rps)
	}
	a.interval.Store(int64(rateInterval(rps)))
	select {
	case a.rateCh <- struct{}{}:
	default:
	}
	return nil
}

// Rate returns the current request rate.
func (a *Agent) Rate() float64 {
	return float64(time.Second) / float64(a.interval.Load())
}

// Start launches the request loop. Cancelling ctx aborts the in-flight
// request, which is still recorded as a failure.
func (a *Agent) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return
	}
	a.running = true
	a.stopCh = make(chan struct{})
	a.done = make(chan struct{})

	go a.loop(ctx, a.stopCh, a.done)
}

// Stop ends the loop after the in-flight request completes and waits for it.
func (a *Agent) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	close(a.stopCh)
	done := a.done
	a.mu.Unlock()

	<-done
}

func (a *Agent) loop(ctx context.Context, stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	next := a.opts.Offset
	var lastAt time.Time
	nextAt := time.Now()
	timer := time.NewTimer(0)
	defer timer.Stop()

	a.logger.Debug("Load agent started", "interval", a.currentInterval().String(), "nodes", len(a.nodes))

	for {
		select {
		case <-stopCh:
			a.logger.Debug("Load agent stopped")
			return
		case <-ctx.Done():
			a.logger.Debug("Load agent cancelled")
			return
		case <-a.rateCh:
			if !lastAt.IsZero() {
				nextAt = lastAt.Add(a.tick(a.currentInterval()))
				timer.Reset(a.delay(&nextAt))
			}
			continue
		case <-timer.C:
		}

		node := a.nodes[next%len(a.nodes)]
		next++
		lastAt = nextAt
		a.issue(ctx, node)

		nextAt = nextAt.Add(a.tick(a.currentInterval()))
		timer.Reset(a.delay(&nextAt))
	}
}

func (a *Agent) currentInterval() time.Duration {
	return time.Duration(a.interval.Load())
}

// delay returns how long to wait for *nextAt. Running late by less than one
// interval keeps the schedule, so short ticks and slow requests even out.
// Falling further behind moves the schedule to now instead of bursting.
func (a *Agent) delay(nextAt *time.Time) time.Duration {
	d := time.Until(*nextAt)
	if d >= 0 {
		return d
	}
	if -d > a.currentInterval() {
		*nextAt = time.Now()
	}
	return 0
}

func (a *Agent) tick(interval time.Duration) time.Duration {
	if a.opts.Jitter <= 0 {
		return interval
	}
	spread := (rand.Float64()*2 - 1) * a.opts.Jitter
	return time.Duration(float64(interval) * (1 + spread))
}

func (a *Agent) issue(ctx context.Context, node config.Node) {
	reqCtx, cancel := context.WithTimeout(ctx, a.opts.RequestTimeout)
	defer cancel()

	begin := time.Now()
	err := a.driver.Do(reqCtx, node)
	latency := time.Since(begin)

	outcome := metrics.Outcome{
		Timestamp: begin.Sub(a.start).Seconds(),
		Node:      node.ID,
		LatencyMS: float64(latency) / float64(time.Millisecond),
		Success:   err == nil,
	}
	if err != nil {
		outcome.Error = err.Error()
		a.logger.Debug("Request failed", "node", node.ID, "error", err)
	}

	if rerr := a.recorder.Record(outcome); rerr != nil {
		a.logger.Warn("Failed to record outcome", "error", rerr)
	}
}
