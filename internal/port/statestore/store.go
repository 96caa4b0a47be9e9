// Package statestore defines the orchestration state store port (interface).
package statestore

import (
	"context"
	"time"

	"github.com/halcyon-sec/aegiscore/internal/domain/agent"
	"github.com/halcyon-sec/aegiscore/internal/domain/decision"
	"github.com/halcyon-sec/aegiscore/internal/domain/work"
)

// AuditEvent is one append-only entry in the operational audit trail.
// Every error path that is handled internally still lands here.
type AuditEvent struct {
	WorkID  string    `json:"work_id,omitempty"`
	AgentID string    `json:"agent_id,omitempty"`
	Kind    string    `json:"kind"`
	Detail  string    `json:"detail,omitempty"`
	At      time.Time `json:"at"`
}

// Audit event kinds.
const (
	AuditNoCapableAgent  = "no-capable-agent"
	AuditDeliveryFailed  = "delivery-failed"
	AuditRequeued        = "requeued"
	AuditExpired         = "expired"
	AuditMaxAttempts     = "max-attempts"
	AuditResultDiscarded = "result-discarded"
	AuditCancelled       = "cancelled"
	AuditStatusChange    = "agent-status-change"
)

// Store is the port interface for durable orchestration state.
// Agent and work item rows carry mutable status fields; routing
// decisions, results, decisions, and audit events are append-only.
type Store interface {
	// Agents
	UpsertAgent(ctx context.Context, ag *agent.Agent) error
	UpdateAgentStatus(ctx context.Context, id string, status agent.Status) error
	UpdateAgentHealth(ctx context.Context, id string, load int, lastHeartbeat time.Time) error
	DeleteAgent(ctx context.Context, id string) error
	ListAgents(ctx context.Context) ([]agent.Agent, error)

	// Work items
	CreateWorkItem(ctx context.Context, item *work.Item) error
	UpdateWorkItem(ctx context.Context, item *work.Item) error
	GetWorkItem(ctx context.Context, id string) (*work.Item, error)
	// ListOpenWorkItems returns all items in a non-terminal status,
	// ordered by creation time, for restart recovery.
	ListOpenWorkItems(ctx context.Context) ([]work.Item, error)

	// Routing audit trail
	AppendRoutingDecision(ctx context.Context, rd *decision.RoutingDecision) error
	RoutingDecisionsByWork(ctx context.Context, workID string) ([]decision.RoutingDecision, error)
	RoutingDecisionsByRange(ctx context.Context, from, to time.Time) ([]decision.RoutingDecision, error)

	// Agent results
	AppendResult(ctx context.Context, res *decision.AgentResult) error
	ResultsByWork(ctx context.Context, workID string) ([]decision.AgentResult, error)

	// Decisions
	AppendDecision(ctx context.Context, d *decision.Decision) error
	GetDecision(ctx context.Context, id string) (*decision.Decision, error)
	DecisionsByWork(ctx context.Context, workID string) ([]decision.Decision, error)
	DecisionsByRange(ctx context.Context, from, to time.Time) ([]decision.Decision, error)

	// Operational audit
	AppendAuditEvent(ctx context.Context, ev *AuditEvent) error
	AuditEventsByWork(ctx context.Context, workID string) ([]AuditEvent, error)
}
