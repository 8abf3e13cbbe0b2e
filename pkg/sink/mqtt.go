package sink

import (
	"context"
	"errors"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/ridelink/sensor-hub/internal/log"
	"github.com/ridelink/sensor-hub/internal/metrics"
	"github.com/ridelink/sensor-hub/pkg/orchestrator"
)

const (
	mqttSinkName          = "mqtt"
	defaultTopicPrefix    = "sensorhub"
	defaultPublishTimeout = 5 * time.Second
)

// MQTTConfig controls where and how events are published.
type MQTTConfig struct {
	// TopicPrefix is prepended to "<event type>/<device id>".
	TopicPrefix string
	QoS         byte
	// Retain is applied to scan-result and device-status events only; retained readings would
	// replay stale samples to new subscribers.
	Retain         bool
	Format         Format
	PublishTimeout time.Duration
}

// MQTT publishes each event to its own topic, for example
// "sensorhub/sensor-data/ble:C0:FF:EE:00:11:22".
type MQTT struct {
	client  mqtt.Client
	cfg     MQTTConfig
	metrics *metrics.Metrics
	logger  log.Logger
}

// NewMQTT creates a sink publishing through an already connected client.
func NewMQTT(client mqtt.Client, cfg MQTTConfig, m *metrics.Metrics) (*MQTT, error) {
	if client == nil {
		return nil, errors.New("mqtt sink requires a client")
	}
	if cfg.QoS > 2 {
		return nil, errors.New("mqtt QoS must be 0, 1 or 2")
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = defaultTopicPrefix
	}
	cfg.TopicPrefix = strings.TrimSuffix(cfg.TopicPrefix, "/")
	if cfg.Format == "" {
		cfg.Format = FormatJSON
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}
	return &MQTT{client: client, cfg: cfg, metrics: m, logger: log.For("sink.mqtt")}, nil
}

// Topic returns the topic ev is published to.
func (s *MQTT) Topic(ev orchestrator.Event) string {
	return s.cfg.TopicPrefix + "/" + string(ev.Type) + "/" + topicLevel(ev.DeviceID)
}

// Publish hands the event to the client and returns without waiting for the broker. Delivery
// failures are logged and counted.
func (s *MQTT) Publish(_ context.Context, ev orchestrator.Event) error {
	payload, err := Encode(s.cfg.Format, ev)
	if err != nil {
		s.metrics.SinkPublish(mqttSinkName, false)
		return err
	}
	topic := s.Topic(ev)
	retain := s.cfg.Retain && ev.Type != orchestrator.EventSensorData
	token := s.client.Publish(topic, s.cfg.QoS, retain, payload)
	go s.await(topic, token)
	return nil
}

func (s *MQTT) await(topic string, token mqtt.Token) {
	if !token.WaitTimeout(s.cfg.PublishTimeout) {
		s.metrics.SinkPublish(mqttSinkName, false)
		s.logger.Warning("Timed out publishing to %s", topic)
		return
	}
	if err := token.Error(); err != nil {
		s.metrics.SinkPublish(mqttSinkName, false)
		s.logger.Warning("Failed to publish to %s: %s", topic, err)
		return
	}
	s.metrics.SinkPublish(mqttSinkName, true)
}

// topicLevel makes a device id safe to use as a single topic level.
func topicLevel(id string) string {
	if id == "" {
		return "_"
	}
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(id)
}
