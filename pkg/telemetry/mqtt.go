package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const publishTimeout = 5 * time.Second

// Topic is where a device's retained status lives.
func Topic(hostID string) string {
	return fmt.Sprintf("capycoder/%s/status", hostID)
}

type MQTT struct {
	client mqtt.Client
	topic  string
	logger *slog.Logger

	mu        sync.RWMutex
	connected bool
}

func NewMQTT(broker, hostID string, logger *slog.Logger) *MQTT {
	m := &MQTT{
		topic:  Topic(hostID),
		logger: logger.With("component", "mqtt"),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID("capycoder-" + hostID)
	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)

	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		m.setConnected(true)
		m.logger.Info("mqtt connected", "broker", broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		m.setConnected(false)
		m.logger.Warn("mqtt connection lost", "err", err)
	})

	m.client = mqtt.NewClient(opts)
	return m
}

// Run connects (paho retries internally) and disconnects when ctx is done.
func (m *MQTT) Run(ctx context.Context) error {
	token := m.client.Connect()

	const poll = 200 * time.Millisecond
	for !token.WaitTimeout(poll) {
		if ctx.Err() != nil {
			m.client.Disconnect(250)
			return ctx.Err()
		}
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	<-ctx.Done()
	m.client.Disconnect(250)
	m.setConnected(false)
	m.logger.Info("mqtt disconnected")
	return ctx.Err()
}

// Publish sends r retained at QoS 1, so a dashboard subscribing later sees
// the last known status.
func (m *MQTT) Publish(ctx context.Context, r Report) error {
	if !m.IsConnected() {
		return ErrNotConnected
	}

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	token := m.client.Publish(m.topic, 1, true, data)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish timeout for topic %s", m.topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish report: %w", err)
	}

	m.logger.Debug("published report", "topic", m.topic)
	return nil
}

func (m *MQTT) IsConnected() bool {
	m.mu.RLock()
	connected := m.connected
	m.mu.RUnlock()
	return connected && m.client.IsConnected()
}

func (m *MQTT) setConnected(v bool) {
	m.mu.Lock()
	m.connected = v
	m.mu.Unlock()
}
