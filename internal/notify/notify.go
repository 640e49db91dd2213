// Package notify publishes recording lifecycle events for operators and
// downstream services. Notification is best effort and never blocks the
// caller.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/yl2chen/sonicsense/internal/config"
)

// EventType names a lifecycle step.
type EventType string

const (
	EventTriggered EventType = "triggered"
	EventClipReady EventType = "clip_ready"
	EventDelivered EventType = "delivered"
	EventFailed    EventType = "failed"
	EventSkipped   EventType = "skipped"
)

// Event is one lifecycle notification.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Time      time.Time `json:"time"`
	Peak      float64   `json:"peak,omitempty"`
	File      string    `json:"file,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Notifier accepts events without blocking.
type Notifier interface {
	Notify(ev Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Notify(Event) {}

// publisher is the part of the paho client MQTT needs.
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

const (
	queueSize      = 32
	publishTimeout = 5 * time.Second
)

// MQTT publishes events as JSON to <topic_prefix>/events with QoS 1.
type MQTT struct {
	client publisher
	conn   mqtt.Client
	topic  string
	events chan Event
	logger *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewMQTT connects to the configured broker and starts the publisher.
func NewMQTT(cfg config.MQTTConfig, logger *slog.Logger) (*MQTT, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "notify")

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("mqtt connected", "broker", cfg.Broker)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", "error", err)
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("notify: connect %s: %w", cfg.Broker, token.Error())
	}

	m := newMQTT(client, cfg.TopicPrefix+"/events", logger)
	m.conn = client
	return m, nil
}

func newMQTT(client publisher, topic string, logger *slog.Logger) *MQTT {
	ctx, cancel := context.WithCancel(context.Background())
	m := &MQTT{
		client: client,
		topic:  topic,
		events: make(chan Event, queueSize),
		logger: logger,
		cancel: cancel,
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(ctx)
	}()
	return m
}

// Notify queues ev, dropping it when the queue is full.
func (m *MQTT) Notify(ev Event) {
	select {
	case m.events <- ev:
	default:
		m.logger.Warn("notification dropped, queue full", "type", ev.Type, "session", ev.SessionID)
	}
}

// Close publishes what is queued, then disconnects.
func (m *MQTT) Close() {
	m.once.Do(func() {
		m.cancel()
		m.wg.Wait()
		if m.conn != nil {
			m.conn.Disconnect(250)
		}
	})
}

func (m *MQTT) run(ctx context.Context) {
	for {
		select {
		case ev := <-m.events:
			m.publish(ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-m.events:
					m.publish(ev)
				default:
					return
				}
			}
		}
	}
}

func (m *MQTT) publish(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		m.logger.Error("encode notification", "error", err)
		return
	}
	token := m.client.Publish(m.topic, 1, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		m.logger.Warn("notification publish timed out", "type", ev.Type, "session", ev.SessionID)
		return
	}
	if err := token.Error(); err != nil {
		m.logger.Warn("notification publish failed", "type", ev.Type, "error", err)
	}
}
