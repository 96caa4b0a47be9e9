package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/halcyon-sec/aegiscore/internal/config"
	"github.com/halcyon-sec/aegiscore/internal/domain/decision"
	"github.com/halcyon-sec/aegiscore/internal/port/cache"
	"github.com/halcyon-sec/aegiscore/internal/port/statestore"
)

// WorkTrail is the full audit history of one work item: every routing
// choice, every agent result, every decision row, and every handled
// error along the way.
type WorkTrail struct {
	WorkID           string                     `json:"work_id"`
	RoutingDecisions []decision.RoutingDecision `json:"routing_decisions"`
	Results          []decision.AgentResult     `json:"results"`
	Decisions        []decision.Decision        `json:"decisions"`
	Events           []statestore.AuditEvent    `json:"events"`
}

// AuditService serves the read-side audit queries with a short-TTL L1
// cache in front of the store. Trails for live items may lag by up to
// the TTL; the store remains the source of truth.
type AuditService struct {
	store  statestore.Store
	cache  cache.Cache
	ttl    time.Duration
	logger *slog.Logger
}

// NewAuditService creates the audit query service.
func NewAuditService(store statestore.Store, c cache.Cache, cfg config.Cache, logger *slog.Logger) *AuditService {
	return &AuditService{
		store:  store,
		cache:  c,
		ttl:    cfg.TTL,
		logger: logger.With("component", "audit"),
	}
}

// WorkTrail returns the complete audit trail for a work item.
func (s *AuditService) WorkTrail(ctx context.Context, workID string) (*WorkTrail, error) {
	key := "audit:work:" + workID
	var cached WorkTrail
	if s.fromCache(ctx, key, &cached) {
		return &cached, nil
	}

	routing, err := s.store.RoutingDecisionsByWork(ctx, workID)
	if err != nil {
		return nil, fmt.Errorf("routing decisions for %s: %w", workID, err)
	}
	results, err := s.store.ResultsByWork(ctx, workID)
	if err != nil {
		return nil, fmt.Errorf("results for %s: %w", workID, err)
	}
	decisions, err := s.store.DecisionsByWork(ctx, workID)
	if err != nil {
		return nil, fmt.Errorf("decisions for %s: %w", workID, err)
	}
	events, err := s.store.AuditEventsByWork(ctx, workID)
	if err != nil {
		return nil, fmt.Errorf("audit events for %s: %w", workID, err)
	}

	trail := &WorkTrail{
		WorkID:           workID,
		RoutingDecisions: routing,
		Results:          results,
		Decisions:        decisions,
		Events:           events,
	}
	s.toCache(ctx, key, trail)
	return trail, nil
}

// RoutingInRange returns all routing decisions made in [from, to].
func (s *AuditService) RoutingInRange(ctx context.Context, from, to time.Time) ([]decision.RoutingDecision, error) {
	key := fmt.Sprintf("audit:routing:%d:%d", from.UnixNano(), to.UnixNano())
	var cached []decision.RoutingDecision
	if s.fromCache(ctx, key, &cached) {
		return cached, nil
	}

	out, err := s.store.RoutingDecisionsByRange(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("routing decisions in range: %w", err)
	}
	s.toCache(ctx, key, out)
	return out, nil
}

// DecisionsInRange returns all decisions produced in [from, to].
func (s *AuditService) DecisionsInRange(ctx context.Context, from, to time.Time) ([]decision.Decision, error) {
	key := fmt.Sprintf("audit:decisions:%d:%d", from.UnixNano(), to.UnixNano())
	var cached []decision.Decision
	if s.fromCache(ctx, key, &cached) {
		return cached, nil
	}

	out, err := s.store.DecisionsByRange(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("decisions in range: %w", err)
	}
	s.toCache(ctx, key, out)
	return out, nil
}

// Decision returns the current row for a decision id (newest wins).
func (s *AuditService) Decision(ctx context.Context, id string) (*decision.Decision, error) {
	// Deliberately uncached: escalation resolution must be visible
	// immediately to its caller.
	return s.store.GetDecision(ctx, id)
}

func (s *AuditService) fromCache(ctx context.Context, key string, out any) bool {
	if s.cache == nil {
		return false
	}
	data, ok, err := s.cache.Get(ctx, key)
	if err != nil || !ok {
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		s.logger.Warn("decode cached audit entry", "key", key, "error", err)
		return false
	}
	return true
}

func (s *AuditService) toCache(ctx context.Context, key string, v any) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, key, data, s.ttl); err != nil {
		s.logger.Warn("cache audit entry", "key", key, "error", err)
	}
}
