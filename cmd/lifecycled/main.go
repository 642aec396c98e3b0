package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"chaos-orchestrator/internal/config"
	"chaos-orchestrator/internal/lifecycle"
	"chaos-orchestrator/internal/logging"
)

// lifecycled runs next to the docker compose project and lets a remote
// orchestrator stop and start its services over gRPC.
func main() {
	var configPath, listen, composeFile, project string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.StringVar(&listen, "listen", "", "gRPC listen address (overrides lifecycled.listen)")
	flag.StringVar(&composeFile, "compose-file", "", "docker compose file (overrides control.compose_file)")
	flag.StringVar(&project, "project", "", "docker compose project name (overrides control.project)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if listen != "" {
		cfg.Lifecycled.Listen = listen
	}
	if composeFile != "" {
		cfg.Control.ComposeFile = composeFile
	}
	if project != "" {
		cfg.Control.Project = project
	}

	logger := logging.NewLogger(&cfg.Logging)
	controller := lifecycle.NewComposeController(cfg.Control.ComposeFile, cfg.Control.Project)

	srv := lifecycle.NewGRPCServer(controller, logger)
	if err := srv.Listen(cfg.Lifecycled.Listen); err != nil {
		log.Fatalf("Failed to start lifecycle daemon: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	srv.Shutdown()
}
