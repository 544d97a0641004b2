// Package control accepts commands over MQTT and answers on a response topic.
//
//	<prefix>/control/commands   ← {"command": "get_status"}
//	                              {"command": "process_video", "params": {...}}
//	<prefix>/control/responses  → {"command_ack", "status", "data", "error", "timestamp"}
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	CommandGetStatus    = "get_status"
	CommandProcessVideo = "process_video"

	controlQoS byte = 1
)

// Command represents a control plane command
type Command struct {
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response represents a command response
type Response struct {
	CommandAck string         `json:"command_ack"`
	Status     string         `json:"status"`
	Data       map[string]any `json:"data,omitempty"`
	Error      string         `json:"error,omitempty"`
	Timestamp  string         `json:"timestamp"`
}

// CommandCallbacks connect commands to the service
type CommandCallbacks struct {
	OnGetStatus func() map[string]any
	// OnProcessVideo receives the raw params object and returns once the job is queued
	OnProcessVideo func(params json.RawMessage) (map[string]any, error)
}

// Handler handles control plane commands
type Handler struct {
	client    mqtt.Client
	prefix    string
	logger    *slog.Logger
	commands  chan Command
	callbacks CommandCallbacks
	now       func() time.Time
}

// NewHandler creates a new control plane handler
func NewHandler(client mqtt.Client, topicPrefix string, callbacks CommandCallbacks, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		client:    client,
		prefix:    topicPrefix,
		logger:    logger,
		commands:  make(chan Command, 10),
		callbacks: callbacks,
		now:       time.Now,
	}
}

func (h *Handler) commandTopic() string  { return h.prefix + "/control/commands" }
func (h *Handler) responseTopic() string { return h.prefix + "/control/responses" }

// Start subscribes to the command topic and processes commands until ctx is done
func (h *Handler) Start(ctx context.Context) error {
	topic := h.commandTopic()
	h.logger.Info("subscribing to control plane", "topic", topic, "qos", controlQoS)

	token := h.client.Subscribe(topic, controlQoS, h.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control: subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control: subscription failed: %w", err)
	}

	go h.processCommands(ctx)

	h.logger.Info("control plane handler started")
	return nil
}

// Stop unsubscribes from the command topic
func (h *Handler) Stop() {
	if h.client != nil && h.client.IsConnected() {
		h.client.Unsubscribe(h.commandTopic()).WaitTimeout(2 * time.Second)
	}
	h.logger.Info("control plane handler stopped")
}

// messageHandler is called by paho for each command message
func (h *Handler) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	cmd, err := ParseCommand(msg.Payload())
	if err != nil {
		h.logger.Error("failed to parse control command", "error", err)
		h.sendResponse(Response{CommandAck: "unknown", Status: "error", Error: err.Error()})
		return
	}

	h.logger.Info("control command received", "command", cmd.Command)

	select {
	case h.commands <- cmd:
	default:
		h.logger.Warn("command queue full, dropping command", "command", cmd.Command)
	}
}

// ParseCommand decodes a command payload
func ParseCommand(payload []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return Command{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if cmd.Command == "" {
		return Command{}, fmt.Errorf("missing command")
	}
	return cmd, nil
}

func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-h.commands:
			h.sendResponse(h.handleCommand(cmd))
		}
	}
}

// handleCommand executes a command and builds its response
func (h *Handler) handleCommand(cmd Command) Response {
	resp := Response{CommandAck: cmd.Command}

	switch cmd.Command {
	case CommandGetStatus:
		if h.callbacks.OnGetStatus == nil {
			resp.Status = "error"
			resp.Error = "get_status not implemented"
			break
		}
		resp.Status = "success"
		resp.Data = h.callbacks.OnGetStatus()

	case CommandProcessVideo:
		if h.callbacks.OnProcessVideo == nil {
			resp.Status = "error"
			resp.Error = "process_video not implemented"
			break
		}
		if len(cmd.Params) == 0 {
			resp.Status = "error"
			resp.Error = "process_video requires params"
			break
		}
		data, err := h.callbacks.OnProcessVideo(cmd.Params)
		if err != nil {
			resp.Status = "error"
			resp.Error = err.Error()
			break
		}
		resp.Status = "accepted"
		resp.Data = data

	default:
		resp.Status = "error"
		resp.Error = fmt.Sprintf("unknown command: %s", cmd.Command)
	}

	return resp
}

func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = h.now().UTC().Format(time.RFC3339Nano)

	payload, err := json.Marshal(resp)
	if err != nil {
		h.logger.Error("failed to marshal response", "error", err)
		return
	}

	token := h.client.Publish(h.responseTopic(), controlQoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		h.logger.Error("response publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		h.logger.Error("failed to publish response", "error", err)
		return
	}

	h.logger.Debug("response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}
