// Package loadgen drives steady request load against the nodes under test
// and reports every completed request as a metrics outcome.
package loadgen

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/go-redis/redis/v8"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"chaos-orchestrator/internal/config"
	"chaos-orchestrator/internal/logging"
)

// Driver issues one workload request against a node.
type Driver interface {
	Do(ctx context.Context, node config.Node) error
	Close() error
}

// NewDriver returns the driver for a backend mode.
func NewDriver(mode string, cfg *config.Config) (Driver, error) {
	switch mode {
	case config.ModeHTTP:
		return NewHTTPDriver(cfg.HTTP, cfg.Load), nil
	case config.ModeRedis:
		return NewRedisDriver(cfg.Redis), nil
	default:
		return nil, fmt.Errorf("unsupported backend mode: %s", mode)
	}
}

var workPayload = []byte(`{"payload":"test"}`)

// HTTPDriver sends one request per call to node.URL + path. Any non-2xx
// response counts as a failure.
type HTTPDriver struct {
	client *http.Client
	method string
	path   string
}

func NewHTTPDriver(cfg config.HTTPConfig, load config.LoadConfig) *HTTPDriver {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConnsPerHost = max(load.Agents, 2)

	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodGet
	}
	path := cfg.Path
	if path == "" {
		path = "/health"
	}

	return &HTTPDriver{
		client: &http.Client{Transport: transport},
		method: method,
		path:   path,
	}
}

func (d *HTTPDriver) Do(ctx context.Context, node config.Node) error {
	var body io.Reader
	if d.method == http.MethodPost || d.method == http.MethodPut {
		body = bytes.NewReader(workPayload)
	}

	req, err := http.NewRequestWithContext(ctx, d.method, strings.TrimRight(node.URL, "/")+d.path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	logging.PropagateCorrelationID(ctx, req)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}

func (d *HTTPDriver) Close() error {
	d.client.CloseIdleConnections()
	return nil
}

// RedisDriver increments a counter key and reads it back, one client per node.
type RedisDriver struct {
	cfg config.RedisConfig

	mu      sync.Mutex
	clients map[string]*redis.Client
}

func NewRedisDriver(cfg config.RedisConfig) *RedisDriver {
	if cfg.Key == "" {
		cfg.Key = "orchestrator_counter"
	}
	return &RedisDriver{
		cfg:     cfg,
		clients: make(map[string]*redis.Client),
	}
}

func (d *RedisDriver) client(node config.Node) *redis.Client {
	d.mu.Lock()
	defer d.mu.Unlock()

	if c, ok := d.clients[node.ID]; ok {
		return c
	}
	c := redis.NewClient(&redis.Options{
		Addr:       node.Addr,
		Password:   d.cfg.Password,
		DB:         d.cfg.DB,
		MaxRetries: -1,
	})
	d.clients[node.ID] = c
	return c
}

func (d *RedisDriver) Do(ctx context.Context, node config.Node) error {
	c := d.client(node)
	if err := c.Incr(ctx, d.cfg.Key).Err(); err != nil {
		return err
	}
	return c.Get(ctx, d.cfg.Key).Err()
}

func (d *RedisDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var firstErr error
	for id, c := range d.clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(d.clients, id)
	}
	return firstErr
}
