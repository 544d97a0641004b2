package core

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gelson12/bjj-video-analysis/internal/control"
	"github.com/gelson12/bjj-video-analysis/internal/emitter"
)

// StartMQTT connects to the broker, forwards bus events and serves control
// commands until ctx is done. processVideo handles the process_video command.
func (s *Service) StartMQTT(ctx context.Context, processVideo func(params json.RawMessage) (map[string]any, error)) error {
	if !s.cfg.MQTT.Enabled {
		s.logger.Info("mqtt disabled")
		return nil
	}

	e := emitter.NewMQTTEmitter(s.cfg.MQTT, s.logger.With("component", "emitter"))
	if err := e.Connect(ctx); err != nil {
		return fmt.Errorf("core: %w", err)
	}

	h := control.NewHandler(e.Client, s.cfg.MQTT.TopicPrefix, control.CommandCallbacks{
		OnGetStatus:    s.Status,
		OnProcessVideo: processVideo,
	}, s.logger.With("component", "control"))
	if err := h.Start(ctx); err != nil {
		e.Disconnect()
		return fmt.Errorf("core: %w", err)
	}

	s.mu.Lock()
	s.emitter = e
	s.control = h
	s.mu.Unlock()

	go func() {
		if err := e.Run(ctx, s.bus); err != nil {
			s.logger.Error("emitter stopped", "error", err)
		}
	}()

	return nil
}

// StopMQTT unsubscribes the control plane and disconnects from the broker
func (s *Service) StopMQTT() {
	s.mu.Lock()
	e, h := s.emitter, s.control
	s.emitter, s.control = nil, nil
	s.mu.Unlock()

	if h != nil {
		h.Stop()
	}
	if e != nil {
		e.Disconnect()
	}
}
