package ws

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Event type constants for WebSocket messages.
const (
	EventAgentStatus = "agent.status"
	EventWorkStatus  = "work.status"
	EventRouting     = "work.routed"
	EventDecision    = "decision.resolved"
	EventEscalation  = "decision.escalated"
)

// AgentStatusEvent is broadcast when an agent's status changes.
type AgentStatusEvent struct {
	AgentID string `json:"agent_id"`
	Status  string `json:"status"`
	Load    int    `json:"load"`
}

// WorkStatusEvent is broadcast on work item state transitions.
type WorkStatusEvent struct {
	WorkID   string `json:"work_id"`
	Status   string `json:"status"`
	AgentID  string `json:"agent_id,omitempty"`
	Attempts int    `json:"attempts"`
}

// RoutingEvent is broadcast when the router assigns a work item.
type RoutingEvent struct {
	WorkID    string `json:"work_id"`
	AgentID   string `json:"agent_id"`
	Rationale string `json:"rationale"`
}

// DecisionEvent is broadcast when the resolver produces a decision.
type DecisionEvent struct {
	DecisionID string  `json:"decision_id"`
	WorkID     string  `json:"work_id"`
	Method     string  `json:"method"`
	Status     string  `json:"status"`
	Confidence float64 `json:"confidence"`
}

// BroadcastEvent is a convenience method that marshals a typed event and broadcasts it.
func (h *Hub) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	h.Broadcast(ctx, Message{
		Type:    eventType,
		Payload: json.RawMessage(data),
	})
}
