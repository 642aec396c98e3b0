package loadgen

import (
	"context"
	"fmt"
	"time"

	"chaos-orchestrator/internal/config"
	"chaos-orchestrator/internal/logging"
)

// Pool runs several agents that share the configured rate. Agent i starts
// its round-robin at node i so the first requests spread across nodes.
type Pool struct {
	agents []*Agent
	driver Driver
}

// NewPool splits rateRPS evenly across load.Agents agents.
func NewPool(driver Driver, nodes []config.Node, recorder Recorder, start time.Time, rateRPS float64, load config.LoadConfig, logger *logging.Logger) (*Pool, error) {
	count := load.Agents
	if count < 1 {
		count = 1
	}

	p := &Pool{driver: driver}
	for i := 0; i < count; i++ {
		agent, err := NewAgent(i, driver, nodes, recorder, start, Options{
			RateRPS:        rateRPS / float64(count),
			RequestTimeout: load.RequestTimeout,
			Jitter:         load.Jitter,
			Offset:         i,
		}, logger)
		if err != nil {
			return nil, err
		}
		p.agents = append(p.agents, agent)
	}
	return p, nil
}

func (p *Pool) Start(ctx context.Context) {
	for _, a := range p.agents {
		a.Start(ctx)
	}
}

// Stop stops every agent concurrently and waits for their in-flight
// requests to be recorded.
func (p *Pool) Stop() {
	done := make(chan struct{}, len(p.agents))
	for _, a := range p.agents {
		go func(a *Agent) {
			a.Stop()
			done <- struct{}{}
		}(a)
	}
	for range p.agents {
		<-done
	}
}

// SetRate splits a new total rate evenly across the running agents.
func (p *Pool) SetRate(rateRPS float64) error {
	if rateRPS <= 0 {
		return fmt.Errorf("rate must be positive, got %v", rateRPS)
	}
	for _, a := range p.agents {
		if err := a.SetRate(rateRPS / float64(len(p.agents))); err != nil {
			return err
		}
	}
	return nil
}

// Rate is the summed rate of every agent.
func (p *Pool) Rate() float64 {
	var total float64
	for _, a := range p.agents {
		total += a.Rate()
	}
	return total
}

// Size is the number of agents in the pool.
func (p *Pool) Size() int {
	return len(p.agents)
}

// Close stops the pool and releases the driver's connections.
func (p *Pool) Close() error {
	p.Stop()
	return p.driver.Close()
}
