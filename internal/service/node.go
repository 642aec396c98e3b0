// Package service is the demo HTTP node that load is driven against in
// http mode.
package service

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"

	"chaos-orchestrator/internal/config"
	"chaos-orchestrator/internal/logging"
)

type HealthResponse struct {
	Status string `json:"status"`
	Node   string `json:"node"`
}

type WorkRequest struct {
	Payload *string `json:"payload"`
}

type WorkResponse struct {
	Node     string `json:"node"`
	Received string `json:"received"`
	Status   string `json:"status"`
}

type StateResponse struct {
	Node          string  `json:"node"`
	Timestamp     float64 `json:"timestamp"`
	UptimeSec     float64 `json:"uptime_sec"`
	WorkProcessed int64   `json:"work_processed"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// Node serves /health, /work and /state. /work sleeps a random latency
// between MinLatency and MaxLatency to fake processing.
type Node struct {
	cfg     config.NodeConfig
	logger  *logging.Logger
	started time.Time
	work    atomic.Int64

	sleep func(ctx context.Context, d time.Duration)
}

func NewNode(cfg config.NodeConfig, logger *logging.Logger) *Node {
	if cfg.MaxLatency < cfg.MinLatency {
		cfg.MaxLatency = cfg.MinLatency
	}
	return &Node{
		cfg:     cfg,
		logger:  logger.WithField("node", cfg.ID),
		started: time.Now(),
		sleep:   sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// Router builds the mux router with correlation and request logging.
func (n *Node) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(logging.CorrelationIDMiddleware(n.logger, n.cfg.ID))
	router.Use(logging.LoggingMiddleware(n.logger))

	router.HandleFunc("/health", n.Health).Methods(http.MethodGet)
	router.HandleFunc("/work", n.Work).Methods(http.MethodPost)
	router.HandleFunc("/state", n.State).Methods(http.MethodGet)
	return router
}

func (n *Node) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Node: n.cfg.ID})
}

func (n *Node) Work(w http.ResponseWriter, r *http.Request) {
	var req WorkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Payload == nil {
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: "body must be a JSON object with a string payload"})
		return
	}

	n.sleep(r.Context(), n.latency())
	n.work.Add(1)

	writeJSON(w, http.StatusOK, WorkResponse{
		Node:     n.cfg.ID,
		Received: *req.Payload,
		Status:   "processed",
	})
}

func (n *Node) State(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	writeJSON(w, http.StatusOK, StateResponse{
		Node:          n.cfg.ID,
		Timestamp:     float64(now.UnixNano()) / 1e9,
		UptimeSec:     now.Sub(n.started).Seconds(),
		WorkProcessed: n.work.Load(),
	})
}

func (n *Node) latency() time.Duration {
	spread := n.cfg.MaxLatency - n.cfg.MinLatency
	if spread <= 0 {
		return n.cfg.MinLatency
	}
	return n.cfg.MinLatency + time.Duration(rand.Int64N(int64(spread)+1))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Server runs a Node over HTTP.
type Server struct {
	node   *Node
	logger *logging.Logger
	server *http.Server
}

func NewServer(node *Node, logger *logging.Logger) *Server {
	return &Server{
		node:   node,
		logger: logger,
		server: &http.Server{
			Addr:              node.cfg.Listen,
			Handler:           node.Router(),
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
	}
}

// Start blocks serving on cfg.Listen until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("Starting node HTTP server",
		"address", s.node.cfg.Listen,
		"node", s.node.cfg.ID,
	)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop stops the HTTP server gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping node HTTP server")
	return s.server.Shutdown(ctx)
}
