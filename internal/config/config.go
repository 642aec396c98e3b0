package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend modes a run can drive.
const (
	ModeHTTP  = "http"
	ModeRedis = "redis"
)

type Config struct {
	RunsDir    string           `yaml:"runs_dir" json:"runs_dir"`
	HTTP       HTTPConfig       `yaml:"http" json:"http"`
	Redis      RedisConfig      `yaml:"redis" json:"redis"`
	Load       LoadConfig       `yaml:"load" json:"load"`
	Control    ControlConfig    `yaml:"control" json:"control"`
	Analysis   AnalysisConfig   `yaml:"analysis" json:"analysis"`
	Logging    LoggingConfig    `yaml:"logging" json:"logging"`
	Tracing    TracingConfig    `yaml:"tracing" json:"tracing"`
	Events     EventsConfig     `yaml:"events" json:"events"`
	Node       NodeConfig       `yaml:"node" json:"node"`
	Lifecycled LifecycledConfig `yaml:"lifecycled" json:"lifecycled"`
}

// Node is one backend target. Service is the name the lifecycle controller
// knows it by (a docker compose service, for instance).
type Node struct {
	ID      string `yaml:"id" json:"id"`
	URL     string `yaml:"url,omitempty" json:"url,omitempty"`
	Addr    string `yaml:"addr,omitempty" json:"addr,omitempty"`
	Service string `yaml:"service" json:"service"`
}

type HTTPConfig struct {
	Nodes  []Node `yaml:"nodes" json:"nodes"`
	Method string `yaml:"method" json:"method"`
	Path   string `yaml:"path" json:"path"`
}

type RedisConfig struct {
	Nodes    []Node `yaml:"nodes" json:"nodes"`
	Key      string `yaml:"key" json:"key"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
}

type LoadConfig struct {
	RateRPS        float64       `yaml:"rate_rps" json:"rate_rps"`
	Agents         int           `yaml:"agents" json:"agents"`
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
	Jitter         float64       `yaml:"jitter" json:"jitter"` // fraction of the tick interval, 0 = fixed ticks
}

type ControlConfig struct {
	Controller  string        `yaml:"controller" json:"controller"` // compose, grpc or noop
	Address     string        `yaml:"address" json:"address"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout"`
	ComposeFile string        `yaml:"compose_file" json:"compose_file"`
	Project     string        `yaml:"project" json:"project"`
}

type AnalysisConfig struct {
	ThroughputDropThreshold float64 `yaml:"throughput_drop_threshold" json:"throughput_drop_threshold"`
	ErrorRateThreshold      float64 `yaml:"error_rate_threshold" json:"error_rate_threshold"`
	WarmupIgnoreSec         float64 `yaml:"warmup_ignore_sec" json:"warmup_ignore_sec"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

type TracingConfig struct {
	Enabled        bool              `yaml:"enabled" json:"enabled"`
	ServiceName    string            `yaml:"service_name" json:"service_name"`
	ServiceVersion string            `yaml:"service_version" json:"service_version"`
	Environment    string            `yaml:"environment" json:"environment"`
	ExporterType   string            `yaml:"exporter_type" json:"exporter_type"`
	JaegerEndpoint string            `yaml:"jaeger_endpoint" json:"jaeger_endpoint"`
	OTLPEndpoint   string            `yaml:"otlp_endpoint" json:"otlp_endpoint"`
	OTLPHeaders    map[string]string `yaml:"otlp_headers" json:"otlp_headers"`
	SamplingRatio  float64           `yaml:"sampling_ratio" json:"sampling_ratio"`
}

type EventsConfig struct {
	Enabled bool       `yaml:"enabled" json:"enabled"`
	MQTT    MQTTConfig `yaml:"mqtt" json:"mqtt"`
}

type MQTTConfig struct {
	Broker         string        `yaml:"broker" json:"broker"`
	ClientID       string        `yaml:"client_id" json:"client_id"`
	TopicPrefix    string        `yaml:"topic_prefix" json:"topic_prefix"`
	QoS            byte          `yaml:"qos" json:"qos"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
}

// NodeConfig configures the demo backend node served by cmd/node.
type NodeConfig struct {
	ID         string        `yaml:"id" json:"id"`
	Listen     string        `yaml:"listen" json:"listen"`
	MinLatency time.Duration `yaml:"min_latency" json:"min_latency"`
	MaxLatency time.Duration `yaml:"max_latency" json:"max_latency"`
}

type LifecycledConfig struct {
	Listen string `yaml:"listen" json:"listen"`
}

func Load(configPath string) (*Config, error) {
	config := DefaultConfig()

	if configPath != "" {
		if err := loadFromFile(config, configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	loadFromEnvironment(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

func DefaultConfig() *Config {
	return &Config{
		RunsDir: "runs",
		HTTP: HTTPConfig{
			Nodes: []Node{
				{ID: "node-1", URL: "http://localhost:8001", Service: "service-node-1"},
				{ID: "node-2", URL: "http://localhost:8002", Service: "service-node-2"},
				{ID: "node-3", URL: "http://localhost:8003", Service: "service-node-3"},
			},
			Method: "GET",
			Path:   "/health",
		},
		Redis: RedisConfig{
			Nodes: []Node{
				{ID: "redis-1", Addr: "localhost:6379", Service: "redis-node-1"},
				{ID: "redis-2", Addr: "localhost:6380", Service: "redis-node-2"},
			},
			Key: "orchestrator_counter",
		},
		Load: LoadConfig{
			RateRPS:        10,
			Agents:         1,
			RequestTimeout: 2 * time.Second,
			Jitter:         0,
		},
		Control: ControlConfig{
			Controller: "compose",
			Address:    "localhost:7070",
			Timeout:    30 * time.Second,
		},
		Analysis: AnalysisConfig{
			ThroughputDropThreshold: 0.5,
			ErrorRateThreshold:      0.1,
			WarmupIgnoreSec:         2,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Tracing: TracingConfig{
			Enabled:        false,
			ServiceName:    "chaos-orchestrator",
			ServiceVersion: "1.0.0",
			Environment:    "development",
			ExporterType:   "console",
			JaegerEndpoint: "http://localhost:14268/api/traces",
			OTLPEndpoint:   "localhost:4318",
			OTLPHeaders:    make(map[string]string),
			SamplingRatio:  1.0,
		},
		Events: EventsConfig{
			Enabled: false,
			MQTT: MQTTConfig{
				Broker:         "tcp://localhost:1883",
				ClientID:       "chaos-orchestrator",
				TopicPrefix:    "chaos/runs",
				QoS:            1,
				ConnectTimeout: 5 * time.Second,
			},
		},
		Node: NodeConfig{
			ID:         "unknown-node",
			Listen:     ":8001",
			MinLatency: 10 * time.Millisecond,
			MaxLatency: 150 * time.Millisecond,
		},
		Lifecycled: LifecycledConfig{
			Listen: ":7070",
		},
	}
}

func loadFromFile(config *Config, configPath string) error {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(configPath))

	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to unmarshal YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to unmarshal JSON config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", ext)
	}

	return nil
}

func loadFromEnvironment(config *Config) {
	if dir := os.Getenv("CO_RUNS_DIR"); dir != "" {
		config.RunsDir = dir
	}

	// Load generation
	if rate := os.Getenv("CO_LOAD_RATE_RPS"); rate != "" {
		if r, err := strconv.ParseFloat(rate, 64); err == nil {
			config.Load.RateRPS = r
		}
	}
	if agents := os.Getenv("CO_LOAD_AGENTS"); agents != "" {
		if n, err := strconv.Atoi(agents); err == nil {
			config.Load.Agents = n
		}
	}
	if timeout := os.Getenv("CO_LOAD_REQUEST_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			config.Load.RequestTimeout = d
		}
	}

	// Node lists: comma separated id=endpoint[@service]
	if nodes := os.Getenv("CO_HTTP_NODES"); nodes != "" {
		config.HTTP.Nodes = parseNodeList(nodes, ModeHTTP)
	}
	if nodes := os.Getenv("CO_REDIS_NODES"); nodes != "" {
		config.Redis.Nodes = parseNodeList(nodes, ModeRedis)
	}

	// Control
	if controller := os.Getenv("CO_CONTROL_CONTROLLER"); controller != "" {
		config.Control.Controller = controller
	}
	if address := os.Getenv("CO_CONTROL_ADDRESS"); address != "" {
		config.Control.Address = address
	}

	// Logging
	if level := os.Getenv("CO_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("CO_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}

	// Demo node; NODE_NAME matches the compose files
	if name := os.Getenv("NODE_NAME"); name != "" {
		config.Node.ID = name
	}
	if listen := os.Getenv("CO_NODE_LISTEN"); listen != "" {
		config.Node.Listen = listen
	}

	// Events
	if broker := os.Getenv("CO_EVENTS_MQTT_BROKER"); broker != "" {
		config.Events.MQTT.Broker = broker
		config.Events.Enabled = true
	}
}

// parseNodeList parses "id=endpoint@service,..." entries. The service part is
// optional and defaults to the id.
func parseNodeList(raw, mode string) []Node {
	var nodes []Node
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		id, endpoint, ok := strings.Cut(entry, "=")
		if !ok {
			endpoint = id
		}
		service := id
		if at := strings.LastIndex(endpoint, "@"); at >= 0 {
			service = endpoint[at+1:]
			endpoint = endpoint[:at]
		}
		node := Node{ID: id, Service: service}
		if mode == ModeHTTP {
			node.URL = endpoint
		} else {
			node.Addr = endpoint
		}
		nodes = append(nodes, node)
	}
	return nodes
}

// NodesFor returns the configured nodes of the given backend mode.
func (c *Config) NodesFor(mode string) []Node {
	switch mode {
	case ModeHTTP:
		return c.HTTP.Nodes
	case ModeRedis:
		return c.Redis.Nodes
	default:
		return nil
	}
}

// FindNode resolves a scenario target against a mode's nodes by id or by service name.
func (c *Config) FindNode(mode, target string) (Node, bool) {
	for _, n := range c.NodesFor(mode) {
		if n.ID == target || n.Service == target {
			return n, true
		}
	}
	return Node{}, false
}

func (c *Config) Validate() error {
	if c.RunsDir == "" {
		return fmt.Errorf("runs_dir cannot be empty")
	}

	for mode, nodes := range map[string][]Node{ModeHTTP: c.HTTP.Nodes, ModeRedis: c.Redis.Nodes} {
		seen := make(map[string]bool)
		for _, n := range nodes {
			if n.ID == "" {
				return fmt.Errorf("%s node with empty id", mode)
			}
			if seen[n.ID] {
				return fmt.Errorf("duplicate %s node id: %s", mode, n.ID)
			}
			seen[n.ID] = true
			if mode == ModeHTTP && n.URL == "" {
				return fmt.Errorf("http node %s has no url", n.ID)
			}
			if mode == ModeRedis && n.Addr == "" {
				return fmt.Errorf("redis node %s has no addr", n.ID)
			}
		}
	}

	// Load validation
	if c.Load.RateRPS <= 0 {
		return fmt.Errorf("load rate must be positive: %v", c.Load.RateRPS)
	}
	if c.Load.Agents <= 0 {
		return fmt.Errorf("load agents must be positive: %d", c.Load.Agents)
	}
	if c.Load.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive")
	}
	if c.Load.Jitter < 0 || c.Load.Jitter >= 1 {
		return fmt.Errorf("load jitter must be in [0, 1): %v", c.Load.Jitter)
	}

	// Control validation
	switch c.Control.Controller {
	case "compose", "noop":
	case "grpc":
		if c.Control.Address == "" {
			return fmt.Errorf("control address cannot be empty for the grpc controller")
		}
	default:
		return fmt.Errorf("invalid control controller: %s", c.Control.Controller)
	}
	if c.Control.Timeout <= 0 {
		return fmt.Errorf("control timeout must be positive")
	}

	// Analysis validation
	if c.Analysis.ThroughputDropThreshold < 0 || c.Analysis.ThroughputDropThreshold > 1 {
		return fmt.Errorf("throughput drop threshold must be in [0, 1]: %v", c.Analysis.ThroughputDropThreshold)
	}
	if c.Analysis.ErrorRateThreshold < 0 || c.Analysis.ErrorRateThreshold > 1 {
		return fmt.Errorf("error rate threshold must be in [0, 1]: %v", c.Analysis.ErrorRateThreshold)
	}
	if c.Analysis.WarmupIgnoreSec < 0 {
		return fmt.Errorf("warmup ignore seconds cannot be negative")
	}

	// Logging validation
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	validFormats := map[string]bool{
		"json": true, "text": true, "console": true,
	}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if c.Events.Enabled && c.Events.MQTT.Broker == "" {
		return fmt.Errorf("mqtt broker cannot be empty when events are enabled")
	}

	return nil
}

func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}
