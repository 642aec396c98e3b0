package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"chaos-orchestrator/internal/config"
	"chaos-orchestrator/internal/logging"
)

func setupTestNode(t *testing.T) (*Node, *[]time.Duration) {
	t.Helper()
	logCfg := logging.TestLoggingConfig()
	node := NewNode(config.NodeConfig{
		ID:         "service-node-1",
		MinLatency: 10 * time.Millisecond,
		MaxLatency: 150 * time.Millisecond,
	}, logging.NewLogger(&logCfg))

	var slept []time.Duration
	node.sleep = func(ctx context.Context, d time.Duration) { slept = append(slept, d) }
	return node, &slept
}

func TestHealth(t *testing.T) {
	node, _ := setupTestNode(t)
	w := httptest.NewRecorder()
	node.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var resp HealthResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.Status != "ok" || resp.Node != "service-node-1" {
		t.Errorf("Unexpected health response %+v", resp)
	}
}

func TestWork(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"valid payload", `{"payload":"test"}`, http.StatusOK},
		{"empty payload string", `{"payload":""}`, http.StatusOK},
		{"missing payload", `{}`, http.StatusUnprocessableEntity},
		{"malformed json", `{`, http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node, slept := setupTestNode(t)
			w := httptest.NewRecorder()
			node.Router().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/work", strings.NewReader(tt.body)))

			if w.Code != tt.wantStatus {
				t.Fatalf("Expected %d, got %d: %s", tt.wantStatus, w.Code, w.Body.String())
			}
			if tt.wantStatus != http.StatusOK {
				if len(*slept) != 0 {
					t.Error("Expected rejected request not to simulate work")
				}
				return
			}

			var resp WorkResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			if resp.Status != "processed" {
				t.Errorf("Expected processed, got %s", resp.Status)
			}
			if len(*slept) != 1 {
				t.Fatalf("Expected one simulated delay, got %d", len(*slept))
			}
			if d := (*slept)[0]; d < 10*time.Millisecond || d > 150*time.Millisecond {
				t.Errorf("Simulated latency %v outside configured range", d)
			}
		})
	}
}

func TestWorkRejectsGet(t *testing.T) {
	node, _ := setupTestNode(t)
	w := httptest.NewRecorder()
	node.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/work", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", w.Code)
	}
}

func TestStateCountsWork(t *testing.T) {
	node, _ := setupTestNode(t)
	router := node.Router()

	for i := 0; i < 3; i++ {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/work", strings.NewReader(`{"payload":"x"}`)))
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/state", nil))

	var resp StateResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.WorkProcessed != 3 {
		t.Errorf("Expected 3 processed, got %d", resp.WorkProcessed)
	}
	if resp.Timestamp <= 0 || resp.Node != "service-node-1" {
		t.Errorf("Unexpected state %+v", resp)
	}
}

func TestFixedLatency(t *testing.T) {
	logCfg := logging.TestLoggingConfig()
	node := NewNode(config.NodeConfig{ID: "n", MinLatency: 5 * time.Millisecond, MaxLatency: time.Millisecond}, logging.NewLogger(&logCfg))
	if got := node.latency(); got != 5*time.Millisecond {
		t.Errorf("Expected max to be raised to min, got %v", got)
	}
}

func TestServerStop(t *testing.T) {
	logCfg := logging.TestLoggingConfig()
	logger := logging.NewLogger(&logCfg)
	srv := NewServer(NewNode(config.NodeConfig{ID: "n", Listen: "127.0.0.1:0"}, logger), logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Expected clean shutdown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected Start to return after Stop")
	}
}
