// Package agent defines the Agent domain entity.
package agent

import (
	"fmt"
	"time"

	"github.com/halcyon-sec/aegiscore/internal/domain"
	"github.com/halcyon-sec/aegiscore/internal/domain/work"
)

// Status represents the current state of an agent.
type Status string

const (
	StatusActive      Status = "active"
	StatusDegraded    Status = "degraded"
	StatusUnreachable Status = "unreachable"
	StatusDraining    Status = "draining"
)

// Agent represents a registered analysis agent.
type Agent struct {
	ID              string          `json:"id"`
	Capabilities    []work.Category `json:"capabilities"`
	Status          Status          `json:"status"`
	Load            int             `json:"load"`
	Capacity        int             `json:"capacity"`
	ProtocolVersion string          `json:"protocol_version,omitempty"`
	LastHeartbeat   time.Time       `json:"last_heartbeat"`
	RegisteredAt    time.Time       `json:"registered_at"`
}

// Capable reports whether the agent's capability set includes cat.
func (a *Agent) Capable(cat work.Category) bool {
	for _, c := range a.Capabilities {
		if c == cat {
			return true
		}
	}
	return false
}

// LoadRatio returns load/capacity for least-loaded ordering.
func (a *Agent) LoadRatio() float64 {
	if a.Capacity <= 0 {
		return 1
	}
	return float64(a.Load) / float64(a.Capacity)
}

// RegisterRequest holds the fields needed to register an agent.
type RegisterRequest struct {
	ID              string          `json:"id"`
	Capabilities    []work.Category `json:"capabilities"`
	Capacity        int             `json:"capacity"`
	ProtocolVersion string          `json:"protocol_version,omitempty"`
}

// Validate checks the registration contract: unique non-empty id,
// non-empty capability set, positive capacity.
func (r *RegisterRequest) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: agent id is required", domain.ErrValidation)
	}
	if len(r.Capabilities) == 0 {
		return fmt.Errorf("%w: capability set must be non-empty", domain.ErrValidation)
	}
	if r.Capacity <= 0 {
		return fmt.Errorf("%w: capacity must be > 0", domain.ErrValidation)
	}
	return nil
}
