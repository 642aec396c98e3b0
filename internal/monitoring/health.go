// Package monitoring health-checks backend nodes before a run starts.
package monitoring

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"chaos-orchestrator/internal/config"

	"github.com/go-redis/redis/v8"
)

// HealthStatus represents the health of a single node or of the whole backend
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthCheck is the result of probing one node
type HealthCheck struct {
	Name      string        `json:"name"`
	Status    HealthStatus  `json:"status"`
	Message   string        `json:"message,omitempty"`
	Duration  time.Duration `json:"duration_ms"`
	Timestamp time.Time     `json:"timestamp"`
}

// HealthSummary counts checks by status
type HealthSummary struct {
	Total     int `json:"total"`
	Healthy   int `json:"healthy"`
	Unhealthy int `json:"unhealthy"`
}

// HealthReport is the outcome of one CheckHealth pass
type HealthReport struct {
	Status    HealthStatus           `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]HealthCheck `json:"checks"`
	Summary   HealthSummary          `json:"summary"`
}

// Unhealthy returns the failed checks ordered by name.
func (r HealthReport) Unhealthy() []HealthCheck {
	var failed []HealthCheck
	for _, c := range r.Checks {
		if c.Status != HealthStatusHealthy {
			failed = append(failed, c)
		}
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].Name < failed[j].Name })
	return failed
}

// HealthChecker checks one node
type HealthChecker interface {
	Name() string
	Check(ctx context.Context) HealthCheck
	Close() error
}

// HealthManager runs a set of checkers
type HealthManager struct {
	checkers []HealthChecker
	timeout  time.Duration
}

// NewHealthManager bounds every check by timeout.
func NewHealthManager(timeout time.Duration) *HealthManager {
	return &HealthManager{timeout: timeout}
}

// RegisterChecker adds a health checker
func (hm *HealthManager) RegisterChecker(checker HealthChecker) {
	hm.checkers = append(hm.checkers, checker)
}

// CheckHealth checks every registered node. The backend is healthy when all
// nodes are, degraded when some are and unhealthy when none are.
func (hm *HealthManager) CheckHealth(ctx context.Context) HealthReport {
	report := HealthReport{
		Status:    HealthStatusHealthy,
		Timestamp: time.Now(),
		Checks:    make(map[string]HealthCheck, len(hm.checkers)),
	}

	for _, checker := range hm.checkers {
		checkCtx, cancel := context.WithTimeout(ctx, hm.timeout)
		start := time.Now()
		check := checker.Check(checkCtx)
		cancel()

		check.Name = checker.Name()
		check.Duration = time.Since(start)
		check.Timestamp = time.Now()
		report.Checks[check.Name] = check

		report.Summary.Total++
		if check.Status == HealthStatusHealthy {
			report.Summary.Healthy++
		} else {
			report.Summary.Unhealthy++
		}
	}

	switch {
	case report.Summary.Unhealthy == 0:
		report.Status = HealthStatusHealthy
	case report.Summary.Healthy == 0:
		report.Status = HealthStatusUnhealthy
	default:
		report.Status = HealthStatusDegraded
	}
	return report
}

// Close releases every checker's connections.
func (hm *HealthManager) Close() error {
	var errs []string
	for _, c := range hm.checkers {
		if err := c.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to close health checkers: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ForMode registers one checker per configured node of mode.
func ForMode(cfg *config.Config, mode string) *HealthManager {
	hm := NewHealthManager(cfg.Load.RequestTimeout)
	for _, node := range cfg.NodesFor(mode) {
		switch mode {
		case config.ModeRedis:
			hm.RegisterChecker(NewRedisNodeChecker(node, cfg.Redis))
		default:
			hm.RegisterChecker(NewHTTPNodeChecker(node))
		}
	}
	return hm
}

// HTTPNodeChecker issues GET <url>/health against a service node
type HTTPNodeChecker struct {
	node   config.Node
	client *http.Client
}

func NewHTTPNodeChecker(node config.Node) *HTTPNodeChecker {
	return &HTTPNodeChecker{node: node, client: &http.Client{}}
}

func (h *HTTPNodeChecker) Name() string {
	return h.node.ID
}

func (h *HTTPNodeChecker) Check(ctx context.Context) HealthCheck {
	url := strings.TrimRight(h.node.URL, "/") + "/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return HealthCheck{Status: HealthStatusUnhealthy, Message: fmt.Sprintf("Failed to create request: %v", err)}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return HealthCheck{Status: HealthStatusUnhealthy, Message: fmt.Sprintf("HTTP request failed: %v", err)}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return HealthCheck{Status: HealthStatusUnhealthy, Message: fmt.Sprintf("HTTP %d", resp.StatusCode)}
	}
	return HealthCheck{Status: HealthStatusHealthy, Message: "OK"}
}

func (h *HTTPNodeChecker) Close() error {
	h.client.CloseIdleConnections()
	return nil
}

// RedisNodeChecker sends PING to a redis node
type RedisNodeChecker struct {
	node   config.Node
	client *redis.Client
}

func NewRedisNodeChecker(node config.Node, cfg config.RedisConfig) *RedisNodeChecker {
	return &RedisNodeChecker{
		node: node,
		client: redis.NewClient(&redis.Options{
			Addr:       node.Addr,
			Password:   cfg.Password,
			DB:         cfg.DB,
			MaxRetries: -1,
		}),
	}
}

func (r *RedisNodeChecker) Name() string {
	return r.node.ID
}

func (r *RedisNodeChecker) Check(ctx context.Context) HealthCheck {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return HealthCheck{Status: HealthStatusUnhealthy, Message: fmt.Sprintf("PING failed: %v", err)}
	}
	return HealthCheck{Status: HealthStatusHealthy, Message: "PONG"}
}

func (r *RedisNodeChecker) Close() error {
	return r.client.Close()
}
