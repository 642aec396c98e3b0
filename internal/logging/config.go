package logging

import (
	"chaos-orchestrator/internal/config"
)

// DevelopmentLoggingConfig returns logging configuration for interactive runs
func DevelopmentLoggingConfig() config.LoggingConfig {
	return config.LoggingConfig{
		Level:  "debug",
		Format: "console",
		Output: "stdout",
	}
}

// ProductionLoggingConfig returns logging configuration for unattended runs
func ProductionLoggingConfig() config.LoggingConfig {
	return config.LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}
}

// TestLoggingConfig returns logging configuration optimized for testing
func TestLoggingConfig() config.LoggingConfig {
	return config.LoggingConfig{
		Level:  "error",
		Format: "json",
		Output: "stderr",
	}
}

// SetupEnvironmentLogging configures logging based on environment
func SetupEnvironmentLogging(cfg *config.Config, environment string) {
	switch environment {
	case "development", "dev":
		cfg.Logging = DevelopmentLoggingConfig()
	case "production", "prod":
		cfg.Logging = ProductionLoggingConfig()
	case "test", "testing":
		cfg.Logging = TestLoggingConfig()
	}
}
