package messagequeue

import "encoding/json"

// DispatchPayload is the schema for work.dispatch.{agentID} messages.
type DispatchPayload struct {
	WorkID   string            `json:"work_id"`
	AgentID  string            `json:"agent_id"`
	Category string            `json:"category"`
	Priority string            `json:"priority"`
	Payload  json.RawMessage   `json:"payload"`
	Context  map[string]string `json:"context,omitempty"`
	Attempt  int               `json:"attempt"`
	Deadline string            `json:"deadline,omitempty"` // RFC 3339, empty when none
}

// ResultPayload is the schema for work.result messages.
type ResultPayload struct {
	WorkID     string          `json:"work_id"`
	AgentID    string          `json:"agent_id"`
	Output     json.RawMessage `json:"output"`
	Confidence float64         `json:"confidence"`
	Timestamp  string          `json:"timestamp"` // RFC 3339
}

// CancelPayload is the schema for work.cancel.{agentID} messages.
// Cancellation is advisory: the agent is not required to stop immediately.
type CancelPayload struct {
	WorkID string `json:"work_id"`
}

// FailedPayload is the schema for work.failed messages, published when a
// work item exhausts its retry budget or expires. Attempt history is
// included so nothing is lost to the consumer.
type FailedPayload struct {
	WorkID   string          `json:"work_id"`
	Category string          `json:"category"`
	Status   string          `json:"status"` // failed | expired
	Attempts int             `json:"attempts"`
	Reason   string          `json:"reason"`
	History  []AttemptRecord `json:"history,omitempty"`
}

// AttemptRecord is one entry of a failed item's attempt history.
type AttemptRecord struct {
	AgentID   string `json:"agent_id"`
	Rationale string `json:"rationale"`
	DecidedAt string `json:"decided_at"` // RFC 3339
}

// RegisterPayload is the schema for agents.register messages.
type RegisterPayload struct {
	AgentID         string   `json:"agent_id"`
	Capabilities    []string `json:"capabilities"`
	Capacity        int      `json:"capacity"`
	ProtocolVersion string   `json:"protocol_version,omitempty"`
}

// HeartbeatPayload is the schema for agents.heartbeat messages.
type HeartbeatPayload struct {
	AgentID   string `json:"agent_id"`
	Load      int    `json:"load"`
	Timestamp string `json:"timestamp"` // RFC 3339
}

// AgentStatusPayload is the schema for agents.status messages.
type AgentStatusPayload struct {
	AgentID string `json:"agent_id"`
	Status  string `json:"status"`
}

// EscalationPayload is the schema for decisions.escalation messages, sent
// to the human-collaboration collaborator.
type EscalationPayload struct {
	DecisionID string          `json:"decision_id"`
	WorkID     string          `json:"work_id"`
	Results    json.RawMessage `json:"contributing_results"`
	Reason     string          `json:"reason"`
}

// ResolutionPayload is the schema for decisions.resolution messages, the
// eventual human callback for an escalated decision.
type ResolutionPayload struct {
	DecisionID string          `json:"decision_id"`
	Reviewer   string          `json:"reviewer"`
	Resolution json.RawMessage `json:"resolution"`
}
