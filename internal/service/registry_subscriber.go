package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/halcyon-sec/aegiscore/internal/domain"
	"github.com/halcyon-sec/aegiscore/internal/domain/agent"
	"github.com/halcyon-sec/aegiscore/internal/domain/work"
	"github.com/halcyon-sec/aegiscore/internal/port/messagequeue"
)

// StartSubscribers wires the registry to the queue-native agent surface:
// registrations and heartbeats arriving as messages instead of HTTP
// calls. It also enables status fan-out on the agent status subject.
func (s *RegistryService) StartSubscribers(ctx context.Context, mq messagequeue.Queue) error {
	s.changeMu.Lock()
	s.mq = mq
	s.changeMu.Unlock()

	if _, err := mq.Subscribe(ctx, messagequeue.SubjectAgentRegister, s.handleRegisterMessage); err != nil {
		return fmt.Errorf("subscribe registrations: %w", err)
	}
	if _, err := mq.Subscribe(ctx, messagequeue.SubjectAgentHeartbeat, s.handleHeartbeatMessage); err != nil {
		return fmt.Errorf("subscribe heartbeats: %w", err)
	}
	s.logger.Info("registry subscribed",
		"subjects", []string{messagequeue.SubjectAgentRegister, messagequeue.SubjectAgentHeartbeat})
	return nil
}

func (s *RegistryService) handleRegisterMessage(ctx context.Context, subject string, data []byte) error {
	var payload messagequeue.RegisterPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		s.logger.Error("unmarshal registration", "subject", subject, "error", err)
		return nil
	}
	caps := make([]work.Category, 0, len(payload.Capabilities))
	for _, c := range payload.Capabilities {
		caps = append(caps, work.Category(c))
	}
	_, err := s.Register(ctx, agent.RegisterRequest{
		ID:              payload.AgentID,
		Capabilities:    caps,
		Capacity:        payload.Capacity,
		ProtocolVersion: payload.ProtocolVersion,
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrDuplicateAgent):
		// Redelivered registration of a live agent, nothing to do.
		return nil
	case errors.Is(err, domain.ErrValidation):
		s.logger.Warn("invalid registration dropped", "agent_id", payload.AgentID, "error", err)
		return nil
	default:
		return err // transient store failure, nak for redelivery
	}
}

func (s *RegistryService) handleHeartbeatMessage(ctx context.Context, subject string, data []byte) error {
	var payload messagequeue.HeartbeatPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		s.logger.Error("unmarshal heartbeat", "subject", subject, "error", err)
		return nil
	}
	err := s.Heartbeat(ctx, payload.AgentID, payload.Load)
	if errors.Is(err, domain.ErrUnknownAgent) {
		// The agent was removed while this heartbeat was in flight. It
		// must re-register; redelivery cannot fix that.
		s.logger.Warn("heartbeat from unknown agent dropped", "agent_id", payload.AgentID)
		return nil
	}
	return err
}

// publishStatus fans a status transition out on the agent status subject
// for queue-side observers. Best effort.
func (s *RegistryService) publishStatus(ctx context.Context, id string, status agent.Status) {
	s.changeMu.Lock()
	mq := s.mq
	s.changeMu.Unlock()
	if mq == nil {
		return
	}
	data, err := json.Marshal(messagequeue.AgentStatusPayload{
		AgentID: id,
		Status:  string(status),
	})
	if err != nil {
		return
	}
	if err := mq.Publish(ctx, messagequeue.SubjectAgentStatus, data); err != nil {
		s.logger.Warn("publish agent status", "agent_id", id, "error", err)
	}
}
