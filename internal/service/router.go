package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/halcyon-sec/aegiscore/internal/adapter/otel"
	"github.com/halcyon-sec/aegiscore/internal/adapter/ws"
	"github.com/halcyon-sec/aegiscore/internal/config"
	"github.com/halcyon-sec/aegiscore/internal/domain"
	"github.com/halcyon-sec/aegiscore/internal/domain/decision"
	"github.com/halcyon-sec/aegiscore/internal/domain/work"
	"github.com/halcyon-sec/aegiscore/internal/port/broadcast"
	"github.com/halcyon-sec/aegiscore/internal/port/messagequeue"
	"github.com/halcyon-sec/aegiscore/internal/port/statestore"
	"github.com/halcyon-sec/aegiscore/internal/resilience"
)

// RouterService owns the work queue and the dispatch loop. Items drain in
// effective-priority order, FIFO within a tier, to the least-loaded
// capable agent. Deliveries go through a circuit breaker and are bounded
// by a semaphore so a slow transport cannot pile up goroutines.
type RouterService struct {
	mu        sync.Mutex
	queue     *workQueue
	inflight  map[string]*work.Item // dispatched, awaiting result
	parked    map[string]bool       // queued items already audited as unroutable
	lastAgent map[string]string     // previous assignee of a requeued item
	reserved  int                   // submissions admitted but not yet pushed

	registry *RegistryService
	queueMQ  messagequeue.Queue
	store    statestore.Store
	hub      broadcast.Broadcaster
	metrics  *otel.Metrics
	breaker  *resilience.Breaker
	sem      *semaphore.Weighted
	cfg      config.Router
	logger   *slog.Logger
	now      func() time.Time

	wake chan struct{}
}

// NewRouterService creates the router. Call Start to run the dispatch and
// aging loops.
func NewRouterService(registry *RegistryService, mq messagequeue.Queue, store statestore.Store, hub broadcast.Broadcaster, metrics *otel.Metrics, breaker *resilience.Breaker, cfg config.Router, logger *slog.Logger) *RouterService {
	r := &RouterService{
		queue:     newWorkQueue(),
		inflight:  make(map[string]*work.Item),
		parked:    make(map[string]bool),
		lastAgent: make(map[string]string),
		registry:  registry,
		queueMQ:   mq,
		store:     store,
		hub:       hub,
		metrics:   metrics,
		breaker:   breaker,
		sem:       semaphore.NewWeighted(cfg.MaxConcurrentDeliveries),
		cfg:       cfg,
		logger:    logger.With("component", "router"),
		now:       time.Now,
		wake:      make(chan struct{}, 1),
	}
	registry.OnChange(r.Wake)
	return r
}

// Submit validates and enqueues a work item. Returns ErrQueueSaturated
// without enqueuing when the queue is at its high-water mark, and
// ErrValidation for unknown categories, so callers can distinguish
// client error from backpressure.
func (r *RouterService) Submit(ctx context.Context, req work.SubmitRequest) (*work.Item, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if !r.registry.KnownCategory(req.Category) {
		return nil, fmt.Errorf("%w: unknown category %q", domain.ErrValidation, req.Category)
	}

	now := r.now()
	item := &work.Item{
		ID:                req.ID,
		Category:          req.Category,
		Priority:          req.Priority,
		EffectivePriority: req.Priority,
		Payload:           req.Payload,
		Context:           req.Context,
		Status:            work.StatusQueued,
		CreatedAt:         now,
		Deadline:          req.Deadline,
		UpdatedAt:         now,
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}

	// Admission counts reserved-but-unpushed submissions too, so
	// concurrent submits racing past the depth check cannot overshoot
	// the mark while one of them is persisting.
	r.mu.Lock()
	if r.queue.Len()+r.reserved >= r.cfg.HighWaterMark {
		r.mu.Unlock()
		r.logger.Warn("queue saturated, shedding", "work_id", item.ID, "depth", r.cfg.HighWaterMark)
		return nil, fmt.Errorf("%w: depth %d", domain.ErrQueueSaturated, r.cfg.HighWaterMark)
	}
	r.reserved++
	r.mu.Unlock()

	if err := r.store.CreateWorkItem(ctx, item); err != nil {
		r.mu.Lock()
		r.reserved--
		r.mu.Unlock()
		return nil, fmt.Errorf("persist work item %s: %w", item.ID, err)
	}

	r.mu.Lock()
	r.reserved--
	r.queue.push(item, now)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.WorkSubmitted.Add(ctx, 1)
		r.metrics.QueueDepth.Add(ctx, 1)
	}
	r.logger.Info("work submitted", "work_id", item.ID, "category", item.Category, "priority", item.Priority.String())
	r.broadcastWorkStatus(ctx, item)
	r.Wake()
	return item, nil
}

// Wake nudges the dispatch loop without waiting for the next tick.
func (r *RouterService) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Start runs the dispatch and aging loops until ctx is cancelled.
func (r *RouterService) Start(ctx context.Context) {
	dispatch := time.NewTicker(r.cfg.DispatchInterval)
	aging := time.NewTicker(r.cfg.AgingInterval)
	defer dispatch.Stop()
	defer aging.Stop()

	r.logger.Info("dispatch loop started",
		"dispatch_interval", r.cfg.DispatchInterval,
		"aging_interval", r.cfg.AgingInterval)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("dispatch loop stopped")
			return
		case <-r.wake:
			r.DispatchPass(ctx)
		case <-dispatch.C:
			r.DispatchPass(ctx)
		case <-aging.C:
			r.AgeQueue(ctx)
		}
	}
}

// DispatchPass drains as much of the queue as the fleet can absorb.
// Items with no capable or free agent are parked back at their position;
// expired items are terminated.
func (r *RouterService) DispatchPass(ctx context.Context) {
	now := r.now()
	var stash []*work.Item

	for {
		r.mu.Lock()
		item := r.queue.pop()
		r.mu.Unlock()
		if item == nil {
			break
		}

		if item.Expired(now) {
			r.expire(ctx, item, "deadline elapsed before dispatch")
			continue
		}

		assigned := r.tryDispatch(ctx, item, now)
		if !assigned {
			stash = append(stash, item)
		}
	}

	if len(stash) == 0 {
		return
	}
	r.mu.Lock()
	for _, item := range stash {
		// Re-park preserving arrival order inside the tier: pushed in
		// pop order, so relative seq ordering is rebuilt FIFO.
		r.queue.push(item, item.CreatedAt)
	}
	r.mu.Unlock()
}

// tryDispatch routes one item. Returns false when no capable agent has a
// free slot, leaving the item for the caller to re-park.
func (r *RouterService) tryDispatch(ctx context.Context, item *work.Item, now time.Time) bool {
	candidates := r.registry.ListCapable(item.Category)
	if len(candidates) == 0 {
		r.parkAudit(ctx, item, "no active agent covers category "+string(item.Category))
		return false
	}

	r.mu.Lock()
	prev := r.lastAgent[item.ID]
	r.mu.Unlock()

	// Two passes: avoid the previous assignee of a retried item first,
	// fall back to it when it is the only option left.
	for _, skipPrev := range []bool{true, false} {
		for _, cand := range candidates {
			if skipPrev && cand.ID == prev {
				continue
			}
			if err := r.registry.ReserveSlot(ctx, cand.ID); err != nil {
				continue // saturated or no longer active, try next
			}

			rationale := decision.RationaleLeastLoaded
			if item.Attempts > 0 {
				rationale = decision.RationaleFailover
			} else if len(candidates) == 1 {
				rationale = decision.RationaleCapabilityMatch
			}

			r.assign(ctx, item, cand.ID, rationale, now)
			return true
		}
		if prev == "" {
			break
		}
	}

	r.parkAudit(ctx, item, "all capable agents at capacity")
	return false
}

// assign records the routing decision, marks the item dispatched, and
// hands delivery to a bounded goroutine.
func (r *RouterService) assign(ctx context.Context, item *work.Item, agentID string, rationale decision.Rationale, now time.Time) {
	item.Status = work.StatusDispatched
	item.AssignedAgent = agentID
	item.Attempts++
	item.UpdatedAt = now

	r.mu.Lock()
	r.inflight[item.ID] = item
	delete(r.parked, item.ID)
	delete(r.lastAgent, item.ID)
	r.mu.Unlock()

	rd := decision.RoutingDecision{
		WorkID:    item.ID,
		AgentID:   agentID,
		Attempt:   item.Attempts,
		Rationale: rationale,
		DecidedAt: now,
	}
	if err := r.store.AppendRoutingDecision(ctx, &rd); err != nil {
		r.logger.Warn("append routing decision", "work_id", item.ID, "error", err)
	}
	if err := r.store.UpdateWorkItem(ctx, item); err != nil {
		r.logger.Warn("persist dispatch", "work_id", item.ID, "error", err)
	}

	r.logger.Info("work routed",
		"work_id", item.ID, "agent_id", agentID,
		"attempt", item.Attempts, "rationale", string(rationale))
	if r.hub != nil {
		r.hub.BroadcastEvent(ctx, ws.EventRouting, ws.RoutingEvent{
			WorkID:    item.ID,
			AgentID:   agentID,
			Rationale: string(rationale),
		})
	}
	r.broadcastWorkStatus(ctx, item)

	if err := r.sem.Acquire(ctx, 1); err != nil {
		// Shutdown mid-pass. The item stays dispatched in the store and
		// restart recovery requeues it.
		return
	}
	go func() {
		defer r.sem.Release(1)
		r.deliver(context.WithoutCancel(ctx), item, agentID)
	}()
}

// deliver publishes the dispatch through the circuit breaker. A failed
// delivery releases the agent slot and requeues the item.
func (r *RouterService) deliver(ctx context.Context, item *work.Item, agentID string) {
	payload := messagequeue.DispatchPayload{
		WorkID:   item.ID,
		AgentID:  agentID,
		Category: string(item.Category),
		Priority: item.EffectivePriority.String(),
		Payload:  item.Payload,
		Context:  item.Context,
		Attempt:  item.Attempts,
	}
	if item.Deadline != nil {
		payload.Deadline = item.Deadline.Format(time.RFC3339)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		r.logger.Error("marshal dispatch", "work_id", item.ID, "error", err)
		return
	}

	err = r.breaker.Execute(func() error {
		return r.queueMQ.Publish(ctx, messagequeue.DispatchSubject(agentID), data)
	})
	if err != nil {
		r.logger.Warn("dispatch delivery failed",
			"work_id", item.ID, "agent_id", agentID, "error", err)
		r.audit(ctx, item.ID, agentID, statestore.AuditDeliveryFailed, err.Error())
		r.registry.ReleaseSlot(ctx, agentID)
		r.Requeue(ctx, item.ID, fmt.Sprintf("delivery to %s failed: %v", agentID, err))
		return
	}

	if r.metrics != nil {
		r.metrics.WorkDispatched.Add(ctx, 1)
		r.metrics.QueueDepth.Add(ctx, -1)
		r.metrics.DispatchDelay.Record(ctx, r.now().Sub(item.CreatedAt).Seconds())
	}
}

// Requeue moves a dispatched item back to the queue at its effective
// priority, or fails it terminally when the retry budget is exhausted.
// Safe to call for items that already left the in-flight set.
func (r *RouterService) Requeue(ctx context.Context, workID, reason string) {
	r.mu.Lock()
	item, ok := r.inflight[workID]
	if ok {
		delete(r.inflight, workID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	now := r.now()
	if item.Attempts >= r.cfg.MaxAttempts {
		r.fail(ctx, item, fmt.Sprintf("%s (attempt %d of %d)", reason, item.Attempts, r.cfg.MaxAttempts))
		return
	}
	if item.Expired(now) {
		r.expire(ctx, item, reason)
		return
	}

	prev := item.AssignedAgent
	item.Status = work.StatusQueued
	item.AssignedAgent = ""
	item.UpdatedAt = now
	if err := r.store.UpdateWorkItem(ctx, item); err != nil {
		r.logger.Warn("persist requeue", "work_id", workID, "error", err)
	}
	r.audit(ctx, workID, "", statestore.AuditRequeued, reason)

	r.mu.Lock()
	if prev != "" {
		r.lastAgent[workID] = prev
	}
	r.queue.push(item, now)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.WorkRequeued.Add(ctx, 1)
		r.metrics.QueueDepth.Add(ctx, 1)
	}
	r.logger.Info("work requeued", "work_id", workID, "attempt", item.Attempts, "reason", reason)
	r.broadcastWorkStatus(ctx, item)
	r.Wake()
}

// RequeueAgentWork requeues every in-flight item assigned to the agent.
// Called by the failure sweeper when an agent becomes unreachable.
func (r *RouterService) RequeueAgentWork(ctx context.Context, agentID, reason string) int {
	r.mu.Lock()
	var ids []string
	for id, item := range r.inflight {
		if item.AssignedAgent == agentID {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.registry.ReleaseSlot(ctx, agentID)
		r.Requeue(ctx, id, reason)
	}
	return len(ids)
}

// Cancel stops a work item. Queued items never dispatch; in-flight items
// get an advisory cancel message and their late result is discarded.
func (r *RouterService) Cancel(ctx context.Context, workID string) error {
	now := r.now()

	r.mu.Lock()
	if item := r.queue.remove(workID); item != nil {
		delete(r.parked, workID)
		delete(r.lastAgent, workID)
		r.mu.Unlock()
		item.Status = work.StatusCancelled
		item.UpdatedAt = now
		if err := r.store.UpdateWorkItem(ctx, item); err != nil {
			return fmt.Errorf("persist cancellation of %s: %w", workID, err)
		}
		r.audit(ctx, workID, "", statestore.AuditCancelled, "cancelled while queued")
		if r.metrics != nil {
			r.metrics.QueueDepth.Add(ctx, -1)
		}
		r.logger.Info("work cancelled", "work_id", workID, "state", "queued")
		r.broadcastWorkStatus(ctx, item)
		return nil
	}

	item, ok := r.inflight[workID]
	if ok {
		delete(r.inflight, workID)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: work item %s is not active", domain.ErrNotFound, workID)
	}

	agentID := item.AssignedAgent
	item.Status = work.StatusCancelled
	item.UpdatedAt = now
	if err := r.store.UpdateWorkItem(ctx, item); err != nil {
		return fmt.Errorf("persist cancellation of %s: %w", workID, err)
	}
	r.audit(ctx, workID, agentID, statestore.AuditCancelled, "cancelled while dispatched")
	r.registry.ReleaseSlot(ctx, agentID)

	data, err := json.Marshal(messagequeue.CancelPayload{WorkID: workID})
	if err == nil {
		if err := r.queueMQ.Publish(ctx, messagequeue.CancelSubject(agentID), data); err != nil {
			// Advisory only. The discard path catches the late result.
			r.logger.Warn("publish cancel", "work_id", workID, "agent_id", agentID, "error", err)
		}
	}
	r.logger.Info("work cancelled", "work_id", workID, "state", "dispatched", "agent_id", agentID)
	r.broadcastWorkStatus(ctx, item)
	return nil
}

// Complete finalizes a resolved item: removes it from the in-flight set,
// releases the agent slot, and persists the terminal status.
func (r *RouterService) Complete(ctx context.Context, workID string) {
	r.mu.Lock()
	item, ok := r.inflight[workID]
	if ok {
		delete(r.inflight, workID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	agentID := item.AssignedAgent
	item.Status = work.StatusCompleted
	item.UpdatedAt = r.now()
	if err := r.store.UpdateWorkItem(ctx, item); err != nil {
		r.logger.Warn("persist completion", "work_id", workID, "error", err)
	}
	r.registry.ReleaseSlot(ctx, agentID)
	if r.metrics != nil {
		r.metrics.WorkCompleted.Add(ctx, 1)
	}
	r.logger.Info("work completed", "work_id", workID, "agent_id", agentID)
	r.broadcastWorkStatus(ctx, item)
}

// Inflight returns the in-flight item, if any.
func (r *RouterService) Inflight(workID string) (*work.Item, bool) {
	r.mu.Lock()
	item, ok := r.inflight[workID]
	r.mu.Unlock()
	return item, ok
}

// SweepDeadlines expires in-flight items whose deadline elapsed. Their
// agent slot is released; the late result, if any, is discarded.
func (r *RouterService) SweepDeadlines(ctx context.Context, now time.Time) int {
	r.mu.Lock()
	var expired []*work.Item
	for _, item := range r.inflight {
		if item.Expired(now) {
			expired = append(expired, item)
		}
	}
	for _, item := range expired {
		delete(r.inflight, item.ID)
	}
	r.mu.Unlock()

	for _, item := range expired {
		r.registry.ReleaseSlot(ctx, item.AssignedAgent)
		r.expire(ctx, item, "deadline elapsed while dispatched")
	}
	return len(expired)
}

// AgeQueue promotes items that have waited past the aging threshold one
// priority level, so low-priority work cannot starve.
func (r *RouterService) AgeQueue(ctx context.Context) {
	now := r.now()
	r.mu.Lock()
	promoted := r.queue.promoteAged(now, r.cfg.AgingThreshold)
	r.mu.Unlock()

	for _, item := range promoted {
		item.UpdatedAt = now
		if err := r.store.UpdateWorkItem(ctx, item); err != nil {
			r.logger.Warn("persist aging promotion", "work_id", item.ID, "error", err)
		}
		r.logger.Info("priority aged",
			"work_id", item.ID,
			"effective_priority", item.EffectivePriority.String())
	}
	if len(promoted) > 0 {
		r.Wake()
	}
}

// QueueDepth returns the number of queued (not in-flight) items.
func (r *RouterService) QueueDepth() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queue.Len()
}

// Restore reloads non-terminal work items from the store after a restart.
// Queued items rejoin the queue; dispatched items are requeued because
// the agent connection they were sent over is gone.
func (r *RouterService) Restore(ctx context.Context) error {
	items, err := r.store.ListOpenWorkItems(ctx)
	if err != nil {
		return fmt.Errorf("restore work items: %w", err)
	}

	now := r.now()
	requeued := 0
	for i := range items {
		item := items[i]
		if item.Status == work.StatusDispatched {
			item.Status = work.StatusQueued
			item.AssignedAgent = ""
			item.UpdatedAt = now
			if err := r.store.UpdateWorkItem(ctx, &item); err != nil {
				r.logger.Warn("persist restored item", "work_id", item.ID, "error", err)
			}
			r.audit(ctx, item.ID, "", statestore.AuditRequeued, "restart recovery")
			requeued++
		}
		r.mu.Lock()
		r.queue.push(&item, item.CreatedAt)
		r.mu.Unlock()
		if r.metrics != nil {
			r.metrics.QueueDepth.Add(ctx, 1)
		}
	}
	r.logger.Info("work queue restored", "items", len(items), "requeued", requeued)
	r.Wake()
	return nil
}

// fail terminates an item that exhausted its retry budget and reports it
// on the failed subject with its attempt history.
func (r *RouterService) fail(ctx context.Context, item *work.Item, reason string) {
	r.mu.Lock()
	delete(r.lastAgent, item.ID)
	r.mu.Unlock()
	item.Status = work.StatusFailed
	item.AssignedAgent = ""
	item.UpdatedAt = r.now()
	if err := r.store.UpdateWorkItem(ctx, item); err != nil {
		r.logger.Warn("persist failure", "work_id", item.ID, "error", err)
	}
	r.audit(ctx, item.ID, "", statestore.AuditMaxAttempts, reason)
	if r.metrics != nil {
		r.metrics.WorkFailed.Add(ctx, 1)
	}
	r.logger.Error("work failed terminally", "work_id", item.ID, "attempts", item.Attempts, "reason", reason)
	r.reportFailure(ctx, item, string(work.StatusFailed), reason)
	r.broadcastWorkStatus(ctx, item)
}

// expire terminates an item whose deadline elapsed.
func (r *RouterService) expire(ctx context.Context, item *work.Item, reason string) {
	r.mu.Lock()
	delete(r.lastAgent, item.ID)
	r.mu.Unlock()
	item.Status = work.StatusExpired
	item.AssignedAgent = ""
	item.UpdatedAt = r.now()
	if err := r.store.UpdateWorkItem(ctx, item); err != nil {
		r.logger.Warn("persist expiry", "work_id", item.ID, "error", err)
	}
	r.audit(ctx, item.ID, "", statestore.AuditExpired, reason)
	if r.metrics != nil {
		r.metrics.WorkFailed.Add(ctx, 1)
	}
	r.logger.Warn("work expired", "work_id", item.ID, "reason", reason)
	r.reportFailure(ctx, item, string(work.StatusExpired), reason)
	r.broadcastWorkStatus(ctx, item)
}

// reportFailure publishes a terminal failure with the item's routing
// history so downstream consumers lose nothing.
func (r *RouterService) reportFailure(ctx context.Context, item *work.Item, status, reason string) {
	payload := messagequeue.FailedPayload{
		WorkID:   item.ID,
		Category: string(item.Category),
		Status:   status,
		Attempts: item.Attempts,
		Reason:   reason,
	}
	if history, err := r.store.RoutingDecisionsByWork(ctx, item.ID); err == nil {
		for _, rd := range history {
			payload.History = append(payload.History, messagequeue.AttemptRecord{
				AgentID:   rd.AgentID,
				Rationale: string(rd.Rationale),
				DecidedAt: rd.DecidedAt.Format(time.RFC3339),
			})
		}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := r.queueMQ.Publish(ctx, messagequeue.SubjectWorkFailed, data); err != nil {
		r.logger.Warn("publish failure report", "work_id", item.ID, "error", err)
	}
}

// parkAudit records the unroutable condition once per parked stretch, so
// repeated dispatch passes do not flood the audit trail.
func (r *RouterService) parkAudit(ctx context.Context, item *work.Item, detail string) {
	r.mu.Lock()
	already := r.parked[item.ID]
	r.parked[item.ID] = true
	r.mu.Unlock()
	if already {
		return
	}
	r.audit(ctx, item.ID, "", statestore.AuditNoCapableAgent, detail)
	r.logger.Warn("work unroutable, parked", "work_id", item.ID, "category", item.Category, "detail", detail)
}

func (r *RouterService) audit(ctx context.Context, workID, agentID, kind, detail string) {
	ev := statestore.AuditEvent{
		WorkID:  workID,
		AgentID: agentID,
		Kind:    kind,
		Detail:  detail,
		At:      r.now(),
	}
	if err := r.store.AppendAuditEvent(ctx, &ev); err != nil {
		r.logger.Warn("append audit event", "work_id", workID, "error", err)
	}
}

func (r *RouterService) broadcastWorkStatus(ctx context.Context, item *work.Item) {
	if r.hub == nil {
		return
	}
	r.hub.BroadcastEvent(ctx, ws.EventWorkStatus, ws.WorkStatusEvent{
		WorkID:   item.ID,
		Status:   string(item.Status),
		AgentID:  item.AssignedAgent,
		Attempts: item.Attempts,
	})
}
