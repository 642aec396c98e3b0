package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chaos-orchestrator/internal/config"
	"chaos-orchestrator/internal/logging"
	"chaos-orchestrator/internal/service"
)

func main() {
	var configPath, id, listen string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.StringVar(&id, "id", "", "Node name reported by /health (overrides NODE_NAME)")
	flag.StringVar(&listen, "listen", "", "Listen address (overrides node.listen)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if id != "" {
		cfg.Node.ID = id
	}
	if listen != "" {
		cfg.Node.Listen = listen
	}

	logger := logging.NewLogger(&cfg.Logging)
	srv := service.NewServer(service.NewNode(cfg.Node, logger), logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatalf("Node server failed: %v", err)
		}
	case <-sigCh:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Stop(ctx); err != nil {
			logger.Error("Shutdown failed", "error", err)
		}
	}
}
