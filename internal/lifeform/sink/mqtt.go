package sink

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTT defaults.
const (
	DefaultMQTTPrefix     = "resofly"
	defaultConnectTimeout = 5 * time.Second
)

// MQTTConfig configures an MQTTSink.
type MQTTConfig struct {
	Broker      string // host:port or a full URL such as tcp://host:1883
	ClientID    string
	TopicPrefix string
	QoS         byte
}

// Topic returns the alert topic for the configured prefix.
func (c MQTTConfig) Topic() string {
	prefix := strings.TrimSuffix(c.TopicPrefix, "/")
	if prefix == "" {
		prefix = DefaultMQTTPrefix
	}
	return prefix + "/alerts"
}

// MQTTSink publishes envelopes to <prefix>/alerts.
type MQTTSink struct {
	client mqtt.Client
	topic  string
	qos    byte
}

// ConnectMQTT connects to the broker with automatic reconnection.
func ConnectMQTT(cfg MQTTConfig) (*MQTTSink, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt: no broker configured")
	}
	broker := cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		opsf("mqtt connected to %s", broker)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		opsf("mqtt connection lost, reconnecting: %v", err)
	}

	client := mqtt.NewClient(opts)
	if err := connect(client, defaultConnectTimeout); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", broker, err)
	}
	return NewMQTTSink(client, cfg), nil
}

// connect waits for the first connection. On failure the client is
// disconnected so its retry loop stops.
func connect(client mqtt.Client, timeout time.Duration) error {
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		client.Disconnect(0)
		return errors.New("timeout")
	}
	if err := token.Error(); err != nil {
		client.Disconnect(0)
		return err
	}
	return nil
}

// NewMQTTSink publishes through an existing client. QoS 0 is raised to 1.
func NewMQTTSink(client mqtt.Client, cfg MQTTConfig) *MQTTSink {
	qos := cfg.QoS
	if qos == 0 {
		qos = 1
	}
	return &MQTTSink{client: client, topic: cfg.Topic(), qos: min(qos, 2)}
}

// Name implements Sink.
func (m *MQTTSink) Name() string { return "mqtt" }

// Publish implements Sink. It waits for the broker acknowledgement until ctx
// expires.
func (m *MQTTSink) Publish(ctx context.Context, env Envelope) error {
	if !m.client.IsConnected() {
		return errors.New("mqtt: not connected")
	}
	payload, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("mqtt encode: %w", err)
	}
	token := m.client.Publish(m.topic, m.qos, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("mqtt publish to %s: %w", m.topic, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish to %s: %w", m.topic, err)
	}
	return nil
}

// Close disconnects with a short grace period.
func (m *MQTTSink) Close() error {
	if m.client.IsConnected() {
		m.client.Disconnect(250)
	}
	return nil
}
