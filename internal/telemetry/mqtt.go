// Package telemetry publishes shard lifecycle events and periodic load
// statistics to an MQTT broker.
package telemetry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/energizer-project/shard/internal/config"
	"github.com/energizer-project/shard/internal/events"
	"github.com/energizer-project/shard/internal/util"
)

// Topic suffixes, joined to the configured prefix.
const (
	TopicSessions = "sessions"
	TopicLogins   = "logins"
	TopicErrors   = "errors"
	TopicStatus   = "status"
	TopicStats    = "stats"
)

var ErrDisabled = errors.New("mqtt telemetry is disabled")

// StatsFunc returns the value published on the stats topic.
type StatsFunc func() any

// MQTTHandler forwards events from the bus to MQTT topics.
type MQTTHandler struct {
	cfg      config.MQTTConfig
	eventBus *events.EventBus
	client   mqtt.Client
	stats    StatsFunc
	logger   zerolog.Logger

	// included in every message
	metadata map[string]any

	mu     sync.Mutex
	routes []route
}

type route struct {
	eventType events.EventType
	topic     string
}

// NewMQTTHandler creates a handler for cfg. stats may be nil.
func NewMQTTHandler(cfg config.MQTTConfig, eventBus *events.EventBus, stats StatsFunc) (*MQTTHandler, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	sysInfo := util.GetSystemInfo()
	h := newHandler(cfg, eventBus, stats, nil)
	h.metadata["hostname"] = sysInfo.Hostname
	h.metadata["os"] = sysInfo.OS
	h.metadata["cpu_cores"] = sysInfo.CPUCores

	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(cfg))
	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	} else {
		opts.SetClientID("shard-" + sysInfo.Hostname)
	}
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	if cfg.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts.SetOnConnectHandler(func(mqtt.Client) {
		h.logger.Info().Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		h.logger.Warn().Err(err).Msg("MQTT connection lost")
	})

	h.client = mqtt.NewClient(opts)
	return h, nil
}

func newHandler(cfg config.MQTTConfig, eventBus *events.EventBus, stats StatsFunc, client mqtt.Client) *MQTTHandler {
	return &MQTTHandler{
		cfg:      cfg,
		eventBus: eventBus,
		client:   client,
		stats:    stats,
		logger:   util.ComponentLogger("telemetry"),
		metadata: map[string]any{"app": "shard"},
	}
}

func brokerURL(cfg config.MQTTConfig) string {
	if strings.Contains(cfg.BrokerURL, "://") {
		return cfg.BrokerURL
	}
	scheme := "tcp"
	if cfg.UseTLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, cfg.BrokerURL, cfg.Port)
}

// Topic returns the full topic name for a suffix.
func (h *MQTTHandler) Topic(suffix string) string {
	prefix := strings.TrimSuffix(h.cfg.TopicPrefix, "/")
	if prefix == "" {
		return suffix
	}
	return prefix + "/" + suffix
}

// Start connects to the broker and publishes until ctx is cancelled.
func (h *MQTTHandler) Start(ctx context.Context) error {
	h.logger.Info().Str("broker", brokerURL(h.cfg)).Msg("connecting to MQTT broker")

	token := h.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	h.subscribeEvents()
	defer h.unsubscribeEvents()

	interval := config.Seconds(h.cfg.StatsInterval)
	if interval <= 0 || h.stats == nil {
		<-ctx.Done()
	} else {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
	loop:
		for {
			select {
			case <-ctx.Done():
				break loop
			case <-ticker.C:
				h.PublishStats()
			}
		}
	}

	h.PublishShutdown()
	h.client.Disconnect(5000)
	h.logger.Info().Msg("MQTT disconnected")
	return nil
}

func (h *MQTTHandler) subscribeEvents() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.routes = []route{
		{events.EventListenerStarted, TopicStatus},
		{events.EventListenerStopped, TopicStatus},
		{events.EventShutdown, TopicStatus},
		{events.EventSessionConnected, TopicSessions},
		{events.EventSessionDisconnected, TopicSessions},
		{events.EventPhaseChanged, TopicSessions},
		{events.EventLoginFailed, TopicLogins},
		{events.EventConnectionError, TopicErrors},
		{events.EventFrameRejected, TopicErrors},
	}
	for _, r := range h.routes {
		topic := h.Topic(r.topic)
		h.eventBus.Subscribe(r.eventType, "mqtt."+string(r.eventType), func(_ context.Context, e events.Event) error {
			h.publish(topic, map[string]any{"event": e.Type, "payload": e.Payload})
			return nil
		})
	}
}

func (h *MQTTHandler) unsubscribeEvents() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, r := range h.routes {
		h.eventBus.Unsubscribe(r.eventType, "mqtt."+string(r.eventType))
	}
	h.routes = nil
}

// publish sends payload merged with the metadata as JSON at QoS 1.
func (h *MQTTHandler) publish(topic string, payload map[string]any) {
	if !h.client.IsConnected() {
		return
	}

	msg := make(map[string]any, len(h.metadata)+len(payload)+1)
	for k, v := range h.metadata {
		msg[k] = v
	}
	for k, v := range payload {
		msg[k] = v
	}
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)

	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	token := h.client.Publish(topic, 1, false, data)
	go func() {
		if token.Wait() && token.Error() != nil {
			h.logger.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

// PublishStats publishes one stats sample.
func (h *MQTTHandler) PublishStats() {
	if h.stats == nil {
		return
	}
	h.publish(h.Topic(TopicStats), map[string]any{"event": "stats", "payload": h.stats()})
}

// PublishShutdown announces that the shard is going offline.
func (h *MQTTHandler) PublishShutdown() {
	h.publish(h.Topic(TopicStatus), map[string]any{"event": "offline"})
}
