// Package messagequeue defines the message queue port (interface).
package messagequeue

import "context"

// Handler processes a message received from the queue.
// The context carries request-scoped values such as the request ID.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue is the port interface for publishing and subscribing to messages.
// Delivery is durable, ordered per subject, and at-least-once: handlers
// must tolerate redelivery.
type Queue interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Drain gracefully drains all subscriptions before closing.
	// Pending messages are processed; no new messages are accepted.
	Drain() error

	// Close shuts down the queue connection immediately.
	Close() error

	// IsConnected reports whether the queue is currently connected.
	IsConnected() bool
}

// Subject constants for NATS subjects used by AegisCore.
const (
	SubjectWorkDispatch = "work.dispatch" // work.dispatch.{agentID}, point-to-point delivery
	SubjectWorkResult   = "work.result"   // agent analysis outputs
	SubjectWorkCancel   = "work.cancel"   // work.cancel.{agentID}, advisory cancellation
	SubjectWorkFailed   = "work.failed"   // terminal failures, consumed by external collaborators

	SubjectAgentRegister  = "agents.register"
	SubjectAgentHeartbeat = "agents.heartbeat"
	SubjectAgentStatus    = "agents.status" // status transitions, fan-out to observers

	SubjectEscalation           = "decisions.escalation" // to the human-collaboration collaborator
	SubjectEscalationResolution = "decisions.resolution" // human callback
)

// DispatchSubject returns the point-to-point dispatch subject for an agent.
func DispatchSubject(agentID string) string {
	return SubjectWorkDispatch + "." + agentID
}

// CancelSubject returns the advisory cancel subject for an agent.
func CancelSubject(agentID string) string {
	return SubjectWorkCancel + "." + agentID
}
