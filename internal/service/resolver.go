package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/halcyon-sec/aegiscore/internal/adapter/otel"
	"github.com/halcyon-sec/aegiscore/internal/adapter/ws"
	"github.com/halcyon-sec/aegiscore/internal/config"
	"github.com/halcyon-sec/aegiscore/internal/domain"
	"github.com/halcyon-sec/aegiscore/internal/domain/decision"
	"github.com/halcyon-sec/aegiscore/internal/domain/work"
	"github.com/halcyon-sec/aegiscore/internal/port/broadcast"
	"github.com/halcyon-sec/aegiscore/internal/port/messagequeue"
	"github.com/halcyon-sec/aegiscore/internal/port/statestore"
)

// correlation collects the results for one work item until its window
// closes and the resolution strategies run.
type correlation struct {
	results []decision.AgentResult
	timer   *time.Timer
}

// ResolverService ingests agent results, correlates them per work item,
// and produces one Decision through a fixed strategy order: consensus,
// then highest-confidence, then escalation to human review. Resolution
// is deterministic: results are ordered by agent id before any strategy
// sees them, so the same input set always yields the same decision.
type ResolverService struct {
	mu      sync.Mutex
	windows map[string]*correlation

	router  *RouterService
	queueMQ messagequeue.Queue
	store   statestore.Store
	hub     broadcast.Broadcaster
	metrics *otel.Metrics
	cfg     config.Resolver
	logger  *slog.Logger
	now     func() time.Time
}

// NewResolverService creates the resolver. Call Start to subscribe to
// the result and resolution subjects.
func NewResolverService(router *RouterService, mq messagequeue.Queue, store statestore.Store, hub broadcast.Broadcaster, metrics *otel.Metrics, cfg config.Resolver, logger *slog.Logger) *ResolverService {
	return &ResolverService{
		windows: make(map[string]*correlation),
		router:  router,
		queueMQ: mq,
		store:   store,
		hub:     hub,
		metrics: metrics,
		cfg:     cfg,
		logger:  logger.With("component", "resolver"),
		now:     time.Now,
	}
}

// Start subscribes to agent results and human escalation callbacks.
// The returned cancel funcs are managed by the transport's drain.
func (s *ResolverService) Start(ctx context.Context) error {
	if _, err := s.queueMQ.Subscribe(ctx, messagequeue.SubjectWorkResult, s.handleResultMessage); err != nil {
		return fmt.Errorf("subscribe results: %w", err)
	}
	if _, err := s.queueMQ.Subscribe(ctx, messagequeue.SubjectEscalationResolution, s.handleResolutionMessage); err != nil {
		return fmt.Errorf("subscribe resolutions: %w", err)
	}
	s.logger.Info("resolver subscribed",
		"subjects", []string{messagequeue.SubjectWorkResult, messagequeue.SubjectEscalationResolution})
	return nil
}

func (s *ResolverService) handleResultMessage(ctx context.Context, subject string, data []byte) error {
	var payload messagequeue.ResultPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		// Malformed payloads are acked and dropped: redelivery cannot fix them.
		s.logger.Error("unmarshal result", "subject", subject, "error", err)
		return nil
	}
	res := decision.AgentResult{
		WorkID:     payload.WorkID,
		AgentID:    payload.AgentID,
		Output:     payload.Output,
		Confidence: payload.Confidence,
		ReceivedAt: s.now(),
	}
	if ts, err := time.Parse(time.RFC3339, payload.Timestamp); err == nil {
		res.ReceivedAt = ts
	}
	return s.HandleResult(ctx, res)
}

// HandleResult ingests one agent result. Results for unknown, cancelled,
// or otherwise terminal items are discarded with an audit record.
// Duplicate deliveries of the same result are absorbed.
func (s *ResolverService) HandleResult(ctx context.Context, res decision.AgentResult) error {
	item, inflight := s.router.Inflight(res.WorkID)
	if !inflight {
		stored, err := s.store.GetWorkItem(ctx, res.WorkID)
		if err != nil {
			s.discard(ctx, res, "unknown work item")
			return nil
		}
		s.discard(ctx, res, "work item is "+string(stored.Status))
		return nil
	}

	if err := s.store.AppendResult(ctx, &res); err != nil {
		// Returning the error naks the message for redelivery.
		return fmt.Errorf("persist result for %s: %w", res.WorkID, err)
	}
	s.logger.Info("result received",
		"work_id", res.WorkID, "agent_id", res.AgentID, "confidence", res.Confidence)

	s.mu.Lock()
	win, ok := s.windows[res.WorkID]
	if !ok {
		win = &correlation{}
		s.windows[res.WorkID] = win
		win.timer = time.AfterFunc(s.windowFor(item), func() {
			s.ResolveWindow(context.WithoutCancel(ctx), res.WorkID)
		})
	}
	for _, existing := range win.results {
		if existing.AgentID == res.AgentID && bytes.Equal(existing.Output, res.Output) {
			s.mu.Unlock()
			return nil // redelivery of a result we already hold
		}
	}
	win.results = append(win.results, res)
	s.mu.Unlock()
	return nil
}

// windowFor bounds the correlation window by the item's deadline when it
// has one. An elapsed deadline closes the window immediately rather than
// granting the full configured duration.
func (s *ResolverService) windowFor(item *work.Item) time.Duration {
	window := s.cfg.Window
	if item.Deadline != nil {
		until := item.Deadline.Sub(s.now())
		if until < 0 {
			until = 0
		}
		if until < window {
			window = until
		}
	}
	return window
}

// ResolveWindow closes the correlation window for a work item and runs
// the resolution strategies over the collected results. Exported so
// tests can close windows without waiting on timers.
func (s *ResolverService) ResolveWindow(ctx context.Context, workID string) {
	s.mu.Lock()
	win, ok := s.windows[workID]
	if ok {
		delete(s.windows, workID)
		win.timer.Stop()
	}
	s.mu.Unlock()
	if !ok || len(win.results) == 0 {
		return
	}
	results := win.results

	// The item may have been cancelled or expired while the window was
	// open. Collected results for a dead item are discarded, never
	// resolved into a decision.
	if _, inflight := s.router.Inflight(workID); !inflight {
		reason := "unknown work item"
		if stored, err := s.store.GetWorkItem(ctx, workID); err == nil {
			reason = "work item is " + string(stored.Status)
		}
		for _, res := range results {
			s.discard(ctx, res, reason)
		}
		return
	}

	// Deterministic input order regardless of arrival order. Output is
	// the tie-break because one agent may contribute more than once.
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].AgentID != results[j].AgentID {
			return results[i].AgentID < results[j].AgentID
		}
		return bytes.Compare(results[i].Output, results[j].Output) < 0
	})

	d := s.resolve(workID, results)
	if err := s.store.AppendDecision(ctx, d); err != nil {
		s.logger.Error("persist decision", "work_id", workID, "error", err)
		return
	}

	if d.Status == decision.StatusPending {
		s.escalate(ctx, d)
		return
	}

	s.logger.Info("decision resolved",
		"work_id", workID, "decision_id", d.ID,
		"method", string(d.Method), "confidence", d.Confidence)
	s.router.Complete(ctx, workID)
	s.broadcastDecision(ctx, ws.EventDecision, d)
}

// resolve runs the strategy chain. Strategies are tried in a fixed
// order; the first one that produces an outcome wins.
func (s *ResolverService) resolve(workID string, results []decision.AgentResult) *decision.Decision {
	d := &decision.Decision{
		ID:         uuid.NewString(),
		WorkID:     workID,
		Results:    results,
		ResolvedAt: s.now(),
	}

	type strategy func([]decision.AgentResult) (json.RawMessage, float64, bool)
	chain := []struct {
		method decision.Method
		fn     strategy
	}{
		{decision.MethodConsensus, s.consensus},
		{decision.MethodHighestConfidence, s.highestConfidence},
	}

	for _, st := range chain {
		if output, confidence, ok := st.fn(results); ok {
			d.Output = output
			d.Confidence = confidence
			d.Method = st.method
			d.Status = decision.StatusResolved
			return d
		}
	}

	d.Method = decision.MethodEscalation
	d.Status = decision.StatusPending
	return d
}

// consensus succeeds when all results agree: byte-identical canonical
// output, or numeric outputs within epsilon of each other. The winning
// output is the most confident contributor's, with its confidence as the
// merged confidence (max of contributors).
func (s *ResolverService) consensus(results []decision.AgentResult) (json.RawMessage, float64, bool) {
	if len(results) == 1 {
		return results[0].Output, results[0].Confidence, true
	}

	for i := 1; i < len(results); i++ {
		if !s.outputsAgree(results[0].Output, results[i].Output) {
			return nil, 0, false
		}
	}

	best := results[0]
	for _, r := range results[1:] {
		if r.Confidence > best.Confidence {
			best = r
		}
	}
	return best.Output, best.Confidence, true
}

// highestConfidence succeeds when exactly one result clears the
// high-confidence threshold while the rest fall below it.
func (s *ResolverService) highestConfidence(results []decision.AgentResult) (json.RawMessage, float64, bool) {
	var winner *decision.AgentResult
	for i := range results {
		if results[i].Confidence >= s.cfg.HighConfidence {
			if winner != nil {
				return nil, 0, false // two confident, conflicting answers
			}
			winner = &results[i]
		}
	}
	if winner == nil {
		return nil, 0, false
	}
	return winner.Output, winner.Confidence, true
}

// outputsAgree compares two outputs: JSON numbers within epsilon agree,
// anything else must match after canonicalization.
func (s *ResolverService) outputsAgree(a, b json.RawMessage) bool {
	fa, errA := strconv.ParseFloat(string(bytes.TrimSpace(a)), 64)
	fb, errB := strconv.ParseFloat(string(bytes.TrimSpace(b)), 64)
	if errA == nil && errB == nil {
		diff := fa - fb
		if diff < 0 {
			diff = -diff
		}
		return diff <= s.cfg.Epsilon
	}

	var va, vb any
	if err := json.Unmarshal(a, &va); err != nil {
		return bytes.Equal(a, b)
	}
	if err := json.Unmarshal(b, &vb); err != nil {
		return bytes.Equal(a, b)
	}
	ca, errA := json.Marshal(va)
	cb, errB := json.Marshal(vb)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ca, cb)
}

// escalate publishes the pending decision for human review. The work
// item stays dispatched-complete in limbo until the resolution callback.
func (s *ResolverService) escalate(ctx context.Context, d *decision.Decision) {
	resultsJSON, err := json.Marshal(d.Results)
	if err != nil {
		resultsJSON = nil
	}
	payload := messagequeue.EscalationPayload{
		DecisionID: d.ID,
		WorkID:     d.WorkID,
		Results:    resultsJSON,
		Reason:     "agents disagree with no confident majority",
	}
	data, err := json.Marshal(payload)
	if err == nil {
		if err := s.queueMQ.Publish(ctx, messagequeue.SubjectEscalation, data); err != nil {
			s.logger.Error("publish escalation", "decision_id", d.ID, "error", err)
		}
	}

	if s.metrics != nil {
		s.metrics.Escalations.Add(ctx, 1)
	}
	s.logger.Warn("decision escalated",
		"work_id", d.WorkID, "decision_id", d.ID, "results", len(d.Results))
	s.broadcastDecision(ctx, ws.EventEscalation, d)
}

func (s *ResolverService) handleResolutionMessage(ctx context.Context, subject string, data []byte) error {
	var payload messagequeue.ResolutionPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		s.logger.Error("unmarshal resolution", "subject", subject, "error", err)
		return nil
	}
	err := s.ResolveEscalation(ctx, payload.DecisionID, payload.Reviewer, payload.Resolution)
	if err != nil && !errors.Is(err, domain.ErrValidation) && !errors.Is(err, domain.ErrNotFound) {
		// Transient store failure: nak for redelivery. Validation and
		// not-found are terminal, redelivery cannot fix them.
		return err
	}
	return nil
}

// ResolveEscalation applies a human resolution to a pending decision.
// The decision trail is append-only: resolution lands as a new row for
// the same decision id, and reads return the newest row. Replaying the
// callback after resolution is a no-op error, not a state change.
func (s *ResolverService) ResolveEscalation(ctx context.Context, decisionID, reviewer string, resolution json.RawMessage) error {
	d, err := s.store.GetDecision(ctx, decisionID)
	if err != nil {
		return fmt.Errorf("decision %s: %w", decisionID, err)
	}
	if d.Status != decision.StatusPending {
		return fmt.Errorf("%w: decision %s already resolved", domain.ErrValidation, decisionID)
	}
	if reviewer == "" {
		return fmt.Errorf("%w: reviewer is required", domain.ErrValidation)
	}
	if len(resolution) == 0 {
		return fmt.Errorf("%w: resolution output is required", domain.ErrValidation)
	}

	resolved := *d
	resolved.Output = resolution
	resolved.Confidence = 1
	resolved.Method = decision.MethodEscalation
	resolved.Status = decision.StatusResolved
	resolved.Reviewer = reviewer
	resolved.ResolvedAt = s.now()
	if err := s.store.AppendDecision(ctx, &resolved); err != nil {
		return fmt.Errorf("persist resolution for %s: %w", decisionID, err)
	}

	s.logger.Info("escalation resolved",
		"decision_id", decisionID, "work_id", d.WorkID, "reviewer", reviewer)
	s.router.Complete(ctx, d.WorkID)
	s.broadcastDecision(ctx, ws.EventDecision, &resolved)
	return nil
}

// discard audits a result that arrived for a non-active item. The slot
// the agent held was already released when the item left the in-flight
// set, so nothing else to unwind.
func (s *ResolverService) discard(ctx context.Context, res decision.AgentResult, reason string) {
	ev := statestore.AuditEvent{
		WorkID:  res.WorkID,
		AgentID: res.AgentID,
		Kind:    statestore.AuditResultDiscarded,
		Detail:  reason,
		At:      s.now(),
	}
	if err := s.store.AppendAuditEvent(ctx, &ev); err != nil {
		s.logger.Warn("append audit event", "work_id", res.WorkID, "error", err)
	}
	s.logger.Info("result discarded",
		"work_id", res.WorkID, "agent_id", res.AgentID, "reason", reason)
}

func (s *ResolverService) broadcastDecision(ctx context.Context, event string, d *decision.Decision) {
	if s.hub == nil {
		return
	}
	s.hub.BroadcastEvent(ctx, event, ws.DecisionEvent{
		DecisionID: d.ID,
		WorkID:     d.WorkID,
		Method:     string(d.Method),
		Status:     string(d.Status),
		Confidence: d.Confidence,
	})
}
