// Package work defines the WorkItem domain entity.
package work

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/halcyon-sec/aegiscore/internal/domain"
)

// Category identifies the analysis capability a work item requires.
type Category string

// Built-in analysis categories. The registry accepts additional
// categories via configuration.
const (
	CategoryLogNormalization   Category = "log-normalization"
	CategoryAnomalyDetection   Category = "anomaly-detection"
	CategoryThreatIntel        Category = "threat-intel"
	CategoryPrioritization     Category = "prioritization"
	CategoryResponseAutomation Category = "response-automation"
)

// BuiltinCategories returns the categories known without configuration.
func BuiltinCategories() []Category {
	return []Category{
		CategoryLogNormalization,
		CategoryAnomalyDetection,
		CategoryThreatIntel,
		CategoryPrioritization,
		CategoryResponseAutomation,
	}
}

// Priority orders work items. Higher values drain first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

var priorityNames = map[Priority]string{
	PriorityLow:      "low",
	PriorityMedium:   "medium",
	PriorityHigh:     "high",
	PriorityCritical: "critical",
}

var prioritiesByName = map[string]Priority{
	"low":      PriorityLow,
	"medium":   PriorityMedium,
	"high":     PriorityHigh,
	"critical": PriorityCritical,
}

// String returns the lowercase name of the priority.
func (p Priority) String() string {
	if s, ok := priorityNames[p]; ok {
		return s
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// Valid reports whether p is a known priority level.
func (p Priority) Valid() bool {
	_, ok := priorityNames[p]
	return ok
}

// Promote returns the next priority level up, capped at critical.
func (p Priority) Promote() Priority {
	if p >= PriorityCritical {
		return PriorityCritical
	}
	return p + 1
}

// ParsePriority converts a priority name to its Priority value.
func ParsePriority(s string) (Priority, error) {
	p, ok := prioritiesByName[s]
	if !ok {
		return 0, fmt.Errorf("%w: unknown priority %q", domain.ErrValidation, s)
	}
	return p, nil
}

// MarshalJSON encodes a Priority as its name.
func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON decodes a Priority from its name.
func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Status represents the current state of a work item.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusDispatched Status = "dispatched"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// Item represents a unit of work requiring processing by an agent.
type Item struct {
	ID       string   `json:"id"`
	Category Category `json:"category"`
	Priority Priority `json:"priority"`
	// EffectivePriority reflects aging promotions. Dispatch ordering uses
	// this field; Priority preserves the originally requested level.
	EffectivePriority Priority          `json:"effective_priority"`
	Payload           json.RawMessage   `json:"payload"`
	Context           map[string]string `json:"context,omitempty"`
	Status            Status            `json:"status"`
	AssignedAgent     string            `json:"assigned_agent,omitempty"`
	Attempts          int               `json:"attempts"`
	CreatedAt         time.Time         `json:"created_at"`
	Deadline          *time.Time        `json:"deadline,omitempty"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// Expired reports whether the item's deadline has elapsed at now.
func (it *Item) Expired(now time.Time) bool {
	return it.Deadline != nil && now.After(*it.Deadline)
}

// SubmitRequest holds the fields needed to submit a new work item.
// ID is optional; one is generated when absent.
type SubmitRequest struct {
	ID       string            `json:"id,omitempty"`
	Category Category          `json:"category"`
	Priority Priority          `json:"priority"`
	Payload  json.RawMessage   `json:"payload"`
	Context  map[string]string `json:"context,omitempty"`
	Deadline *time.Time        `json:"deadline,omitempty"`
}

// Validate checks structural validity of the request. Category
// existence is checked by the router against the registry.
func (r *SubmitRequest) Validate() error {
	if r.Category == "" {
		return fmt.Errorf("%w: category is required", domain.ErrValidation)
	}
	if !r.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %d", domain.ErrValidation, int(r.Priority))
	}
	if len(r.Payload) == 0 {
		return fmt.Errorf("%w: payload is required", domain.ErrValidation)
	}
	return nil
}
