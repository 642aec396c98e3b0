package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"chaos-orchestrator/internal/config"
	"chaos-orchestrator/internal/logging"
)

// Sink consumes events delivered by a Bus.
type Sink interface {
	Handle(Event)
	Close() error
}

// Attach subscribes sink to bus and delivers events on its own goroutine.
// The returned channel is closed once the subscription ends and every
// received event has been handled.
func Attach(bus *Bus, sink Sink) <-chan struct{} {
	ch := bus.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			sink.Handle(ev)
		}
	}()
	return done
}

// LogSink writes events to the structured logger.
type LogSink struct {
	logger *logging.Logger
}

func NewLogSink(logger *logging.Logger) *LogSink {
	return &LogSink{logger: logger.WithField("component", "events")}
}

func (s *LogSink) Handle(ev Event) {
	args := []interface{}{"type", string(ev.Type), "run_id", ev.RunID}
	if ev.Data.PhaseKind != "" {
		args = append(args, "phase_index", ev.Data.PhaseIndex, "phase_kind", ev.Data.PhaseKind)
	}
	if ev.Data.Action != "" {
		args = append(args, "action", ev.Data.Action)
	}
	if ev.Data.Target != "" {
		args = append(args, "target", ev.Data.Target)
	}
	if ev.Data.Error != "" {
		args = append(args, "error", ev.Data.Error)
		s.logger.Warn("Run event", args...)
		return
	}
	s.logger.Debug("Run event", args...)
}

func (s *LogSink) Close() error { return nil }

type publishFunc func(topic string, qos byte, payload []byte) error

// MQTTSink publishes each event as JSON to <prefix>/<run_id>/<type>.
type MQTTSink struct {
	client  mqtt.Client
	publish publishFunc
	prefix  string
	qos     byte
	logger  *logging.Logger
}

// NewMQTTSink connects to the configured broker.
func NewMQTTSink(cfg config.MQTTConfig, logger *logging.Logger) (*MQTTSink, error) {
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("chaos-orchestrator-%d", time.Now().UnixNano())
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(clientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetConnectTimeout(timeout)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return nil, fmt.Errorf("timed out connecting to MQTT broker %s", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", cfg.Broker, err)
	}

	sink := newMQTTSink(cfg, logger, func(topic string, qos byte, payload []byte) error {
		t := client.Publish(topic, qos, false, payload)
		if !t.WaitTimeout(timeout) {
			return fmt.Errorf("publish to %s timed out", topic)
		}
		return t.Error()
	})
	sink.client = client
	return sink, nil
}

func newMQTTSink(cfg config.MQTTConfig, logger *logging.Logger, publish publishFunc) *MQTTSink {
	return &MQTTSink{
		publish: publish,
		prefix:  strings.TrimRight(cfg.TopicPrefix, "/"),
		qos:     cfg.QoS,
		logger:  logger.WithField("component", "mqtt"),
	}
}

// Topic returns the topic an event is published to.
func (s *MQTTSink) Topic(ev Event) string {
	return fmt.Sprintf("%s/%s/%s", s.prefix, ev.RunID, ev.Type)
}

func (s *MQTTSink) Handle(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("Failed to encode event", "error", err)
		return
	}
	if err := s.publish(s.Topic(ev), s.qos, payload); err != nil {
		s.logger.Warn("Failed to publish event", "type", string(ev.Type), "error", err)
	}
}

func (s *MQTTSink) Close() error {
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(250)
	}
	return nil
}
