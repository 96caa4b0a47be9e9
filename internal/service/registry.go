package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/halcyon-sec/aegiscore/internal/adapter/otel"
	"github.com/halcyon-sec/aegiscore/internal/adapter/ws"
	"github.com/halcyon-sec/aegiscore/internal/config"
	"github.com/halcyon-sec/aegiscore/internal/domain"
	"github.com/halcyon-sec/aegiscore/internal/domain/agent"
	"github.com/halcyon-sec/aegiscore/internal/domain/work"
	"github.com/halcyon-sec/aegiscore/internal/port/broadcast"
	"github.com/halcyon-sec/aegiscore/internal/port/messagequeue"
	"github.com/halcyon-sec/aegiscore/internal/port/statestore"
)

// agentEntry pairs an agent with its own mutex so health updates for one
// agent never block operations on another. The registry map mutex is held
// only for lookups and inserts, never across an entry operation.
type agentEntry struct {
	mu     sync.Mutex
	agent  agent.Agent
	missed int // consecutive sweeps without a fresh heartbeat
}

// HealthTransition records one agent status change observed by a health
// sweep, so the failure detector can act on it.
type HealthTransition struct {
	AgentID string
	From    agent.Status
	To      agent.Status
}

// RegistryService tracks the fleet of analysis agents: registration,
// liveness, capability lookup, and capacity accounting. Every state
// transition is mirrored to the durable store so the registry can be
// rebuilt after a restart.
type RegistryService struct {
	mu      sync.RWMutex
	agents  map[string]*agentEntry
	known   map[work.Category]struct{}
	store   statestore.Store
	hub     broadcast.Broadcaster
	metrics *otel.Metrics
	cfg     config.Registry
	logger  *slog.Logger
	now     func() time.Time

	changeMu sync.Mutex
	onChange []func()
	mq       messagequeue.Queue // set by StartSubscribers, nil until then
}

// NewRegistryService creates the registry. The known-category set starts
// as the built-in categories plus any configured extras and grows with
// the capabilities agents declare.
func NewRegistryService(store statestore.Store, hub broadcast.Broadcaster, metrics *otel.Metrics, cfg config.Registry, logger *slog.Logger) *RegistryService {
	known := make(map[work.Category]struct{})
	for _, c := range work.BuiltinCategories() {
		known[c] = struct{}{}
	}
	for _, c := range cfg.ExtraCategories {
		known[work.Category(c)] = struct{}{}
	}
	return &RegistryService{
		agents:  make(map[string]*agentEntry),
		known:   known,
		store:   store,
		hub:     hub,
		metrics: metrics,
		cfg:     cfg,
		logger:  logger.With("component", "registry"),
		now:     time.Now,
	}
}

// OnChange registers a callback invoked after any change that could make
// previously unroutable work routable (registration, revival). The router
// hooks its dispatch wake-up here.
func (s *RegistryService) OnChange(fn func()) {
	s.changeMu.Lock()
	s.onChange = append(s.onChange, fn)
	s.changeMu.Unlock()
}

func (s *RegistryService) notifyChange() {
	s.changeMu.Lock()
	fns := s.onChange
	s.changeMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Register adds a new agent to the fleet. The id must not collide with a
// live agent; an unreachable agent's id may be reclaimed, which replaces
// the stale entry. The agent's capabilities extend the known-category set.
func (s *RegistryService) Register(ctx context.Context, req agent.RegisterRequest) (*agent.Agent, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := s.now()
	ag := agent.Agent{
		ID:              req.ID,
		Capabilities:    req.Capabilities,
		Status:          agent.StatusActive,
		Load:            0,
		Capacity:        req.Capacity,
		ProtocolVersion: req.ProtocolVersion,
		LastHeartbeat:   now,
		RegisteredAt:    now,
	}

	s.mu.Lock()
	if existing, ok := s.agents[req.ID]; ok {
		existing.mu.Lock()
		status := existing.agent.Status
		existing.mu.Unlock()
		if status != agent.StatusUnreachable {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", domain.ErrDuplicateAgent, req.ID)
		}
	}
	s.agents[req.ID] = &agentEntry{agent: ag}
	for _, c := range req.Capabilities {
		s.known[c] = struct{}{}
	}
	s.mu.Unlock()

	if err := s.store.UpsertAgent(ctx, &ag); err != nil {
		s.mu.Lock()
		delete(s.agents, req.ID)
		s.mu.Unlock()
		return nil, fmt.Errorf("persist agent %s: %w", req.ID, err)
	}

	s.logger.Info("agent registered", "agent_id", ag.ID, "capabilities", ag.Capabilities, "capacity", ag.Capacity)
	s.recordTransition(ctx, ag.ID, agent.StatusActive)
	s.broadcastStatus(ctx, &ag)
	s.notifyChange()
	return &ag, nil
}

// Heartbeat records a liveness report. The reported load is an
// authoritative snapshot, so replaying the same heartbeat is idempotent.
// A heartbeat from a degraded or unreachable agent revives it.
func (s *RegistryService) Heartbeat(ctx context.Context, id string, load int) error {
	entry, err := s.entry(id)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	if load > entry.agent.Capacity {
		load = entry.agent.Capacity
	}
	if load < 0 {
		load = 0
	}
	entry.agent.Load = load
	entry.agent.LastHeartbeat = s.now()
	entry.missed = 0
	revived := false
	if entry.agent.Status == agent.StatusDegraded || entry.agent.Status == agent.StatusUnreachable {
		entry.agent.Status = agent.StatusActive
		revived = true
	}
	snapshot := entry.agent
	entry.mu.Unlock()

	if err := s.store.UpdateAgentHealth(ctx, id, snapshot.Load, snapshot.LastHeartbeat); err != nil {
		return fmt.Errorf("persist heartbeat for %s: %w", id, err)
	}
	if revived {
		if err := s.store.UpdateAgentStatus(ctx, id, agent.StatusActive); err != nil {
			return fmt.Errorf("persist revival for %s: %w", id, err)
		}
		s.logger.Info("agent revived by heartbeat", "agent_id", id)
		s.recordTransition(ctx, id, agent.StatusActive)
		s.broadcastStatus(ctx, &snapshot)
		s.notifyChange()
	}
	return nil
}

// Deregister starts a graceful drain: the agent stops receiving new work
// and is removed once its in-flight load reaches zero. An idle agent is
// removed immediately.
func (s *RegistryService) Deregister(ctx context.Context, id string) error {
	entry, err := s.entry(id)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	entry.agent.Status = agent.StatusDraining
	idle := entry.agent.Load == 0
	snapshot := entry.agent
	entry.mu.Unlock()

	if idle {
		return s.Remove(ctx, id)
	}

	if err := s.store.UpdateAgentStatus(ctx, id, agent.StatusDraining); err != nil {
		return fmt.Errorf("persist drain for %s: %w", id, err)
	}
	s.logger.Info("agent draining", "agent_id", id, "load", snapshot.Load)
	s.recordTransition(ctx, id, agent.StatusDraining)
	s.broadcastStatus(ctx, &snapshot)
	return nil
}

// Remove deletes the agent from the registry and the store. Callers are
// responsible for redirecting any work still assigned to it.
func (s *RegistryService) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	entry, ok := s.agents[id]
	if ok {
		delete(s.agents, id)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownAgent, id)
	}

	if err := s.store.DeleteAgent(ctx, id); err != nil {
		return fmt.Errorf("delete agent %s: %w", id, err)
	}

	entry.mu.Lock()
	snapshot := entry.agent
	entry.mu.Unlock()
	s.logger.Info("agent removed", "agent_id", id, "last_status", snapshot.Status)
	if s.hub != nil {
		s.hub.BroadcastEvent(ctx, ws.EventAgentStatus, ws.AgentStatusEvent{
			AgentID: id,
			Status:  "removed",
		})
	}
	return nil
}

// Get returns a snapshot of the agent.
func (s *RegistryService) Get(id string) (*agent.Agent, error) {
	entry, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	snapshot := entry.agent
	entry.mu.Unlock()
	return &snapshot, nil
}

// List returns snapshots of all agents ordered by id.
func (s *RegistryService) List() []agent.Agent {
	s.mu.RLock()
	entries := make([]*agentEntry, 0, len(s.agents))
	for _, e := range s.agents {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]agent.Agent, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.agent)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListCapable returns active agents covering the category, ordered by
// ascending load ratio with registration time then id as tie-breaks, so
// candidate selection is deterministic.
func (s *RegistryService) ListCapable(cat work.Category) []agent.Agent {
	s.mu.RLock()
	entries := make([]*agentEntry, 0, len(s.agents))
	for _, e := range s.agents {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var out []agent.Agent
	for _, e := range entries {
		e.mu.Lock()
		if e.agent.Status == agent.StatusActive && e.agent.Capable(cat) {
			out = append(out, e.agent)
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := out[i].LoadRatio(), out[j].LoadRatio()
		if ri != rj {
			return ri < rj
		}
		if !out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].RegisteredAt.Before(out[j].RegisteredAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// KnownCategory reports whether the category is routable: built-in,
// configured, or declared by a registered agent.
func (s *RegistryService) KnownCategory(cat work.Category) bool {
	s.mu.RLock()
	_, ok := s.known[cat]
	s.mu.RUnlock()
	return ok
}

// ReserveSlot claims one capacity slot on the agent for a dispatch.
// Only active agents accept new work.
func (s *RegistryService) ReserveSlot(ctx context.Context, id string) error {
	entry, err := s.entry(id)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	if entry.agent.Status != agent.StatusActive {
		entry.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", domain.ErrAgentSaturated, id, entry.agent.Status)
	}
	if entry.agent.Load >= entry.agent.Capacity {
		entry.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrAgentSaturated, id)
	}
	entry.agent.Load++
	load, hb := entry.agent.Load, entry.agent.LastHeartbeat
	entry.mu.Unlock()

	if err := s.store.UpdateAgentHealth(ctx, id, load, hb); err != nil {
		s.logger.Warn("persist slot reservation", "agent_id", id, "error", err)
	}
	return nil
}

// ReleaseSlot returns one capacity slot after a result, requeue, or
// cancellation. A draining agent whose load reaches zero is removed.
func (s *RegistryService) ReleaseSlot(ctx context.Context, id string) {
	entry, err := s.entry(id)
	if err != nil {
		return // agent already removed; nothing to release
	}

	entry.mu.Lock()
	if entry.agent.Load > 0 {
		entry.agent.Load--
	}
	load, hb := entry.agent.Load, entry.agent.LastHeartbeat
	drained := entry.agent.Status == agent.StatusDraining && load == 0
	entry.mu.Unlock()

	if err := s.store.UpdateAgentHealth(ctx, id, load, hb); err != nil {
		s.logger.Warn("persist slot release", "agent_id", id, "error", err)
	}
	if drained {
		if err := s.Remove(ctx, id); err != nil {
			s.logger.Warn("remove drained agent", "agent_id", id, "error", err)
		}
	}
}

// SweepHealth advances the health state machine for every agent whose
// last heartbeat is older than the timeout: one miss degrades, the
// configured threshold of consecutive misses marks unreachable. Returns
// the transitions so the failure sweeper can redirect work.
func (s *RegistryService) SweepHealth(ctx context.Context, now time.Time) []HealthTransition {
	s.mu.RLock()
	entries := make(map[string]*agentEntry, len(s.agents))
	for id, e := range s.agents {
		entries[id] = e
	}
	s.mu.RUnlock()

	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var transitions []HealthTransition
	for _, id := range ids {
		e := entries[id]
		e.mu.Lock()
		if e.agent.Status == agent.StatusDraining {
			e.mu.Unlock()
			continue
		}
		if now.Sub(e.agent.LastHeartbeat) <= s.cfg.HeartbeatTimeout {
			e.mu.Unlock()
			continue
		}
		e.missed++
		from := e.agent.Status
		to := from
		switch {
		case e.missed >= s.cfg.MissThreshold:
			to = agent.StatusUnreachable
		case from == agent.StatusActive:
			to = agent.StatusDegraded
		}
		if to != from {
			e.agent.Status = to
		}
		missed := e.missed
		snapshot := e.agent
		e.mu.Unlock()

		if to == from {
			continue
		}
		if err := s.store.UpdateAgentStatus(ctx, id, to); err != nil {
			s.logger.Warn("persist health transition", "agent_id", id, "error", err)
		}
		s.logger.Warn("agent missed heartbeat", "agent_id", id, "missed", missed, "status", to)
		s.recordTransition(ctx, id, to)
		s.broadcastStatus(ctx, &snapshot)
		transitions = append(transitions, HealthTransition{AgentID: id, From: from, To: to})
	}
	return transitions
}

// DrainedAgents returns the ids of agents in draining status with zero
// load. Used by the sweeper to finish drains whose last slot was released
// outside ReleaseSlot (restart recovery).
func (s *RegistryService) DrainedAgents() []string {
	s.mu.RLock()
	entries := make([]*agentEntry, 0, len(s.agents))
	for _, e := range s.agents {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var out []string
	for _, e := range entries {
		e.mu.Lock()
		if e.agent.Status == agent.StatusDraining && e.agent.Load == 0 {
			out = append(out, e.agent.ID)
		}
		e.mu.Unlock()
	}
	sort.Strings(out)
	return out
}

// Restore rebuilds the in-memory registry from the store after a restart.
// Restored agents come back degraded, not active: their liveness is
// unknown until a fresh heartbeat arrives.
func (s *RegistryService) Restore(ctx context.Context) error {
	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("restore agents: %w", err)
	}

	s.mu.Lock()
	for i := range agents {
		ag := agents[i]
		if ag.Status != agent.StatusDraining {
			ag.Status = agent.StatusDegraded
		}
		s.agents[ag.ID] = &agentEntry{agent: ag}
		for _, c := range ag.Capabilities {
			s.known[c] = struct{}{}
		}
	}
	s.mu.Unlock()

	for i := range agents {
		if agents[i].Status != agent.StatusDraining {
			if err := s.store.UpdateAgentStatus(ctx, agents[i].ID, agent.StatusDegraded); err != nil {
				s.logger.Warn("persist restored status", "agent_id", agents[i].ID, "error", err)
			}
		}
	}
	s.logger.Info("registry restored", "agents", len(agents))
	return nil
}

func (s *RegistryService) entry(id string) (*agentEntry, error) {
	s.mu.RLock()
	entry, ok := s.agents[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownAgent, id)
	}
	return entry, nil
}

func (s *RegistryService) recordTransition(ctx context.Context, id string, to agent.Status) {
	if s.metrics != nil {
		s.metrics.AgentStatus.Add(ctx, 1, metric.WithAttributes(
			attribute.String("status", string(to)),
		))
	}
	ev := statestore.AuditEvent{
		AgentID: id,
		Kind:    statestore.AuditStatusChange,
		Detail:  string(to),
		At:      s.now(),
	}
	if err := s.store.AppendAuditEvent(ctx, &ev); err != nil {
		s.logger.Warn("append audit event", "agent_id", id, "error", err)
	}
}

func (s *RegistryService) broadcastStatus(ctx context.Context, ag *agent.Agent) {
	s.publishStatus(ctx, ag.ID, ag.Status)
	if s.hub == nil {
		return
	}
	s.hub.BroadcastEvent(ctx, ws.EventAgentStatus, ws.AgentStatusEvent{
		AgentID: ag.ID,
		Status:  string(ag.Status),
		Load:    ag.Load,
	})
}
