package loadgen

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"chaos-orchestrator/internal/config"
	"chaos-orchestrator/internal/logging"
	"chaos-orchestrator/internal/metrics"
)

func testLogger() *logging.Logger {
	cfg := logging.TestLoggingConfig()
	return logging.NewLogger(&cfg)
}

type memRecorder struct {
	mu       sync.Mutex
	outcomes []metrics.Outcome
}

func (r *memRecorder) Record(o metrics.Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
	return nil
}

func (r *memRecorder) snapshot() []metrics.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]metrics.Outcome(nil), r.outcomes...)
}

type fakeDriver struct {
	mu    sync.Mutex
	calls []string
	do    func(ctx context.Context, node config.Node) error
}

func (d *fakeDriver) Do(ctx context.Context, node config.Node) error {
	d.mu.Lock()
	d.calls = append(d.calls, node.ID)
	d.mu.Unlock()
	if d.do != nil {
		return d.do(ctx, node)
	}
	return nil
}

func (d *fakeDriver) Close() error { return nil }

var threeNodes = []config.Node{{ID: "a"}, {ID: "b"}, {ID: "c"}}

func TestAgentRoundRobin(t *testing.T) {
	driver := &fakeDriver{}
	rec := &memRecorder{}

	agent, err := NewAgent(0, driver, threeNodes, rec, time.Now(), Options{RateRPS: 200, Offset: 1}, testLogger())
	if err != nil {
		t.Fatalf("NewAgent failed: %v", err)
	}
	agent.Start(context.Background())
	time.Sleep(100 * time.Millisecond)
	agent.Stop()

	driver.mu.Lock()
	calls := append([]string(nil), driver.calls...)
	driver.mu.Unlock()

	if len(calls) < 3 {
		t.Fatalf("Expected at least 3 requests, got %d", len(calls))
	}
	want := []string{"b", "c", "a"}
	for i, id := range want {
		if calls[i] != id {
			t.Errorf("Request %d: expected node %s, got %s", i, id, calls[i])
		}
	}
	if got := len(rec.snapshot()); got != len(calls) {
		t.Errorf("Expected one outcome per request, got %d outcomes for %d requests", got, len(calls))
	}
}

func TestAgentTimestampsAscend(t *testing.T) {
	rec := &memRecorder{}
	agent, err := NewAgent(0, &fakeDriver{}, threeNodes, rec, time.Now(), Options{RateRPS: 50, Jitter: 0.3}, testLogger())
	if err != nil {
		t.Fatalf("NewAgent failed: %v", err)
	}
	agent.Start(context.Background())
	time.Sleep(300 * time.Millisecond)
	agent.Stop()

	outcomes := rec.snapshot()
	if len(outcomes) == 0 {
		t.Fatal("Expected requests to be recorded")
	}
	for i := 1; i < len(outcomes); i++ {
		if outcomes[i].Timestamp < outcomes[i-1].Timestamp {
			t.Fatalf("Timestamps went backwards at %d: %v < %v", i, outcomes[i].Timestamp, outcomes[i-1].Timestamp)
		}
	}
}

// countWindow counts outcomes whose timestamp falls in [from, from+width).
func countWindow(outcomes []metrics.Outcome, from, width float64) int {
	n := 0
	for _, o := range outcomes {
		if o.Timestamp >= from && o.Timestamp < from+width {
			n++
		}
	}
	return n
}

func sleepyDriver(d time.Duration) *fakeDriver {
	return &fakeDriver{do: func(ctx context.Context, node config.Node) error {
		time.Sleep(d)
		return nil
	}}
}

// Rates must hold within 5% over a 10 second window. The window starts
// one second in so start-up does not count.
func TestAgentRateWithinTolerance(t *testing.T) {
	if testing.Short() {
		t.Skip("long-running rate test")
	}

	tests := []struct {
		name   string
		rate   float64
		jitter float64
		driver *fakeDriver
	}{
		{"fixed ticks", 20, 0, &fakeDriver{}},
		{"jittered ticks", 20, 0.5, &fakeDriver{}},
		{"slow backend fixed", 20, 0, sleepyDriver(30 * time.Millisecond)},
		{"slow backend jittered", 20, 0.5, sleepyDriver(30 * time.Millisecond)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec := &memRecorder{}
			start := time.Now()
			agent, err := NewAgent(0, tt.driver, threeNodes, rec, start, Options{
				RateRPS:        tt.rate,
				RequestTimeout: time.Second,
				Jitter:         tt.jitter,
			}, testLogger())
			if err != nil {
				t.Fatalf("NewAgent failed: %v", err)
			}
			agent.Start(context.Background())
			time.Sleep(11500 * time.Millisecond)
			agent.Stop()

			want := tt.rate * 10
			got := float64(countWindow(rec.snapshot(), 1, 10))
			if got < want*0.95 || got > want*1.05 {
				t.Errorf("Expected %v requests within 5%%, got %v", want, got)
			}
		})
	}
}

func TestPoolRateWithinTolerance(t *testing.T) {
	if testing.Short() {
		t.Skip("long-running rate test")
	}
	t.Parallel()

	rec := &memRecorder{}
	pool, err := NewPool(sleepyDriver(40*time.Millisecond), threeNodes, rec, time.Now(), 40,
		config.LoadConfig{Agents: 4, RequestTimeout: time.Second, Jitter: 0.3}, testLogger())
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	if pool.Rate() < 39.99 || pool.Rate() > 40.01 {
		t.Fatalf("Expected agents to sum to 40 rps, got %v", pool.Rate())
	}

	pool.Start(context.Background())
	time.Sleep(11500 * time.Millisecond)
	pool.Close()

	got := float64(countWindow(rec.snapshot(), 1, 10))
	if got < 380 || got > 420 {
		t.Errorf("Expected 400 requests within 5%%, got %v", got)
	}
}

func TestPoolSetRate(t *testing.T) {
	rec := &memRecorder{}
	pool, err := NewPool(&fakeDriver{}, threeNodes, rec, time.Now(), 2,
		config.LoadConfig{Agents: 2, RequestTimeout: time.Second}, testLogger())
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}

	pool.Start(context.Background())
	time.Sleep(100 * time.Millisecond)

	// At 1 rps per agent only the first request of each has fired.
	if got := len(rec.snapshot()); got != 2 {
		t.Fatalf("Expected 2 initial requests, got %d", got)
	}

	if err := pool.SetRate(200); err != nil {
		t.Fatalf("SetRate failed: %v", err)
	}
	if pool.Rate() < 199.9 || pool.Rate() > 200.1 {
		t.Errorf("Expected pool rate 200, got %v", pool.Rate())
	}
	time.Sleep(500 * time.Millisecond)
	pool.Close()

	// The new rate takes effect without waiting out the old 1s interval.
	if got := len(rec.snapshot()); got < 60 {
		t.Errorf("Expected the raised rate to apply while running, got %d requests", got)
	}

	if err := pool.SetRate(0); err == nil {
		t.Error("Expected error for zero rate")
	}
}

func TestAgentGracefulStop(t *testing.T) {
	started := make(chan struct{}, 1)
	driver := &fakeDriver{do: func(ctx context.Context, node config.Node) error {
		select {
		case started <- struct{}{}:
		default:
		}
		time.Sleep(80 * time.Millisecond)
		return nil
	}}
	rec := &memRecorder{}

	agent, err := NewAgent(0, driver, threeNodes, rec, time.Now(), Options{RateRPS: 1, RequestTimeout: time.Second}, testLogger())
	if err != nil {
		t.Fatalf("NewAgent failed: %v", err)
	}
	agent.Start(context.Background())
	<-started
	agent.Stop()

	outcomes := rec.snapshot()
	if len(outcomes) != 1 {
		t.Fatalf("Expected the in-flight request to be recorded, got %d outcomes", len(outcomes))
	}
	if !outcomes[0].Success {
		t.Errorf("Expected graceful stop to let the request succeed, got %+v", outcomes[0])
	}
}

func TestAgentCancelRecordsFailure(t *testing.T) {
	started := make(chan struct{}, 1)
	driver := &fakeDriver{do: func(ctx context.Context, node config.Node) error {
		started <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	}}
	rec := &memRecorder{}

	ctx, cancel := context.WithCancel(context.Background())
	agent, err := NewAgent(0, driver, threeNodes, rec, time.Now(), Options{RateRPS: 1, RequestTimeout: 10 * time.Second}, testLogger())
	if err != nil {
		t.Fatalf("NewAgent failed: %v", err)
	}
	agent.Start(ctx)
	<-started
	cancel()
	agent.Stop()

	outcomes := rec.snapshot()
	if len(outcomes) != 1 || outcomes[0].Success {
		t.Fatalf("Expected one failed outcome, got %+v", outcomes)
	}
	if outcomes[0].Error != context.Canceled.Error() {
		t.Errorf("Expected cancellation error, got %q", outcomes[0].Error)
	}
}

func TestAgentRequestTimeout(t *testing.T) {
	driver := &fakeDriver{do: func(ctx context.Context, node config.Node) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	rec := &memRecorder{}

	agent, err := NewAgent(0, driver, threeNodes, rec, time.Now(), Options{RateRPS: 100, RequestTimeout: 20 * time.Millisecond}, testLogger())
	if err != nil {
		t.Fatalf("NewAgent failed: %v", err)
	}
	agent.Start(context.Background())
	time.Sleep(100 * time.Millisecond)
	agent.Stop()

	outcomes := rec.snapshot()
	if len(outcomes) == 0 {
		t.Fatal("Expected timed out requests to be recorded")
	}
	for _, o := range outcomes {
		if o.Success || o.LatencyMS < 15 {
			t.Errorf("Expected timeout failure near 20ms, got %+v", o)
		}
	}
}

func TestNewAgentValidation(t *testing.T) {
	if _, err := NewAgent(0, &fakeDriver{}, nil, &memRecorder{}, time.Now(), Options{RateRPS: 1}, testLogger()); err == nil {
		t.Error("Expected error without nodes")
	}
	if _, err := NewAgent(0, &fakeDriver{}, threeNodes, &memRecorder{}, time.Now(), Options{}, testLogger()); err == nil {
		t.Error("Expected error for zero rate")
	}
}

func TestPoolSplitsRate(t *testing.T) {
	rec := &memRecorder{}
	pool, err := NewPool(&fakeDriver{}, threeNodes, rec, time.Now(), 60, config.LoadConfig{Agents: 3, RequestTimeout: time.Second}, testLogger())
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	if pool.Size() != 3 {
		t.Fatalf("Expected 3 agents, got %d", pool.Size())
	}
	for i, a := range pool.agents {
		if a.opts.RateRPS != 20 {
			t.Errorf("Agent %d: expected 20 rps, got %v", i, a.opts.RateRPS)
		}
		if a.opts.Offset != i {
			t.Errorf("Agent %d: expected offset %d, got %d", i, i, a.opts.Offset)
		}
	}

	pool.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	if err := pool.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if len(rec.snapshot()) < 3 {
		t.Errorf("Expected every agent to issue its first request, got %d", len(rec.snapshot()))
	}
}

func TestHTTPDriver(t *testing.T) {
	var gotBody, gotCorrelation string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/work":
			b, _ := io.ReadAll(r.Body)
			gotBody = string(b)
			gotCorrelation = r.Header.Get(logging.CorrelationIDHeader)
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer server.Close()

	node := config.Node{ID: "n1", URL: server.URL + "/"}
	ctx := logging.WithRun(context.Background(), "run-1")

	post := NewHTTPDriver(config.HTTPConfig{Method: "post", Path: "/work"}, config.LoadConfig{Agents: 1})
	defer post.Close()
	if err := post.Do(ctx, node); err != nil {
		t.Fatalf("Expected POST /work to succeed, got %v", err)
	}
	if gotBody != `{"payload":"test"}` {
		t.Errorf("Unexpected request body %q", gotBody)
	}
	if gotCorrelation != "run-1" {
		t.Errorf("Expected correlation header run-1, got %q", gotCorrelation)
	}

	get := NewHTTPDriver(config.HTTPConfig{}, config.LoadConfig{Agents: 1})
	defer get.Close()
	err := get.Do(ctx, node)
	if err == nil || err.Error() != "HTTP 503" {
		t.Errorf("Expected HTTP 503 failure for default /health, got %v", err)
	}
}

func TestHTTPDriverConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	d := NewHTTPDriver(config.HTTPConfig{}, config.LoadConfig{})
	if err := d.Do(context.Background(), config.Node{ID: "gone", URL: url}); err == nil {
		t.Error("Expected error against closed server")
	}
}

func TestRedisDriverUnreachable(t *testing.T) {
	d := NewRedisDriver(config.RedisConfig{})
	defer d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	err := d.Do(ctx, config.Node{ID: "r1", Addr: "127.0.0.1:1"})
	if err == nil {
		t.Fatal("Expected error against unreachable redis")
	}
	if d.cfg.Key != "orchestrator_counter" {
		t.Errorf("Expected default key orchestrator_counter, got %s", d.cfg.Key)
	}
}

func TestNewDriver(t *testing.T) {
	cfg := config.DefaultConfig()
	for _, mode := range []string{config.ModeHTTP, config.ModeRedis} {
		d, err := NewDriver(mode, cfg)
		if err != nil || d == nil {
			t.Errorf("NewDriver(%s) failed: %v", mode, err)
			continue
		}
		d.Close()
	}
	if _, err := NewDriver("grpc", cfg); err == nil {
		t.Error("Expected error for unknown mode")
	}
}
