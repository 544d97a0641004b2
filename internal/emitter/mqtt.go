package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/gelson12/bjj-video-analysis/internal/config"
	"github.com/gelson12/bjj-video-analysis/internal/progress"
)

const (
	connectTimeout = 5 * time.Second
	publishTimeout = 2 * time.Second

	// QoS per topic family: landmark frames are replaceable, lifecycle events are not
	qosLandmarks byte = 0
	qosRuns      byte = 1

	subscriberID = "mqtt-emitter"
)

// MQTTEmitter publishes run progress to an MQTT broker
type MQTTEmitter struct {
	cfg    config.MQTTConfig
	Client mqtt.Client // shared with the control plane
	logger *slog.Logger

	mu        sync.RWMutex
	published map[string]uint64 // count per topic
	errors    uint64
	connected bool
}

// NewMQTTEmitter creates an unconnected emitter
func NewMQTTEmitter(cfg config.MQTTConfig, logger *slog.Logger) *MQTTEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTEmitter{
		cfg:       cfg,
		logger:    logger,
		published: make(map[string]uint64),
	}
}

// Connect establishes connection to the broker with automatic reconnects
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	broker := e.cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		e.setConnected(true)
		e.logger.Info("mqtt connection established",
			"broker", broker,
			"client_id", e.cfg.ClientID,
		)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		e.setConnected(false)
		e.logger.Warn("mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", broker,
		)
	}

	e.Client = mqtt.NewClient(opts)

	e.logger.Info("connecting to mqtt broker", "broker", broker)

	token := e.Client.Connect()
	select {
	case <-token.Done():
	case <-time.After(connectTimeout):
		return fmt.Errorf("emitter: mqtt connection timeout after %v", connectTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("emitter: mqtt connection failed: %w", err)
	}

	e.setConnected(true)
	return nil
}

// Run forwards bus events to the broker until ctx is done or the bus closes.
// The subscription drops new events when the broker falls behind.
func (e *MQTTEmitter) Run(ctx context.Context, bus progress.Bus) error {
	ch := make(chan progress.Event, 256)
	if err := bus.Subscribe(subscriberID, ch); err != nil {
		return fmt.Errorf("emitter: subscribe: %w", err)
	}
	defer bus.Unsubscribe(subscriberID)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if err := e.Publish(ev); err != nil {
				e.logger.Debug("event not published", "run_id", ev.RunID, "kind", ev.Kind, "error", err)
			}
		}
	}
}

// Route returns the topic and QoS for an event, or ok=false when the event is not forwarded
func Route(prefix string, ev progress.Event) (topic string, qos byte, ok bool) {
	switch ev.Kind {
	case progress.KindLandmarks:
		return fmt.Sprintf("%s/landmarks/%s", prefix, ev.RunID), qosLandmarks, true
	case progress.KindQueued, progress.KindStarted, progress.KindDeadlineMiss,
		progress.KindCompleted, progress.KindFailed:
		return fmt.Sprintf("%s/runs/%s", prefix, ev.RunID), qosRuns, true
	default:
		// frame and flush events stay local
		return "", 0, false
	}
}

// Publish sends one event to its topic
func (e *MQTTEmitter) Publish(ev progress.Event) error {
	topic, qos, ok := Route(e.cfg.TopicPrefix, ev)
	if !ok {
		return nil
	}
	if !e.isConnected() {
		e.countError()
		return fmt.Errorf("emitter: mqtt not connected")
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		e.countError()
		return fmt.Errorf("emitter: marshal event: %w", err)
	}

	token := e.Client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		e.countError()
		return fmt.Errorf("emitter: publish timeout")
	}
	if err := token.Error(); err != nil {
		e.countError()
		return fmt.Errorf("emitter: publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	e.logger.Debug("event published",
		"topic", topic,
		"qos", qos,
		"kind", ev.Kind,
		"size", len(payload),
	)
	return nil
}

// Disconnect closes the MQTT connection
func (e *MQTTEmitter) Disconnect() {
	if e.Client != nil && e.Client.IsConnected() {
		e.Client.Disconnect(250) // 250ms grace period
		e.logger.Info("mqtt disconnected")
	}
	e.setConnected(false)
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

// Stats returns emitter statistics
func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}

	return Stats{
		Connected: e.connected,
		Published: published,
		Errors:    e.errors,
	}
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTTEmitter) countError() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}
