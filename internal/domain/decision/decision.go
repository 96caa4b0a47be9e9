// Package decision defines routing and conflict-resolution records.
// RoutingDecision and Decision are append-only: once recorded they are
// never mutated, only superseded by new rows in the audit trail.
package decision

import (
	"encoding/json"
	"time"
)

// Rationale tags why the router picked an agent.
type Rationale string

const (
	RationaleLeastLoaded     Rationale = "least-loaded"
	RationaleCapabilityMatch Rationale = "capability-match"
	RationaleFailover        Rationale = "failover"
)

// RoutingDecision records one dispatch choice for the audit trail.
type RoutingDecision struct {
	WorkID    string    `json:"work_id"`
	AgentID   string    `json:"agent_id"`
	Attempt   int       `json:"attempt"`
	Rationale Rationale `json:"rationale"`
	DecidedAt time.Time `json:"decided_at"`
}

// AgentResult is one agent's output for a work item. Several results
// may exist per item when multiple agents analyze the same event.
type AgentResult struct {
	WorkID     string          `json:"work_id"`
	AgentID    string          `json:"agent_id"`
	Output     json.RawMessage `json:"output"`
	Confidence float64         `json:"confidence"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Method identifies the resolution policy that produced a Decision.
type Method string

const (
	MethodConsensus         Method = "consensus"
	MethodHighestConfidence Method = "highest-confidence"
	MethodEscalation        Method = "escalation"
)

// Status of a Decision. Escalated decisions stay pending until a human
// resolution arrives.
type Status string

const (
	StatusResolved Status = "resolved"
	StatusPending  Status = "pending"
)

// Decision is the reconciled outcome for a work item.
type Decision struct {
	ID         string          `json:"id"`
	WorkID     string          `json:"work_id"`
	Results    []AgentResult   `json:"results"`
	Output     json.RawMessage `json:"output,omitempty"`
	Confidence float64         `json:"confidence"`
	Method     Method          `json:"method"`
	Status     Status          `json:"status"`
	// Reviewer is the human-reviewer placeholder set when an escalated
	// decision is resolved through the escalation callback.
	Reviewer   string    `json:"reviewer,omitempty"`
	ResolvedAt time.Time `json:"resolved_at"`
}
