package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/halcyon-sec/aegiscore/internal/config"
	"github.com/halcyon-sec/aegiscore/internal/domain/agent"
)

// SweeperService is the failure detector. On each sweep it advances agent
// health from missed heartbeats, redirects work away from unreachable
// agents, expires overdue in-flight items, and finishes drains. All
// sweeps run on one goroutine so recovery actions never race each other.
type SweeperService struct {
	registry *RegistryService
	router   *RouterService
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewSweeperService creates the sweeper. The interval comes from config,
// defaulting to half the heartbeat timeout so a dead agent is caught
// within one timeout window.
func NewSweeperService(registry *RegistryService, router *RouterService, cfg *config.Config, logger *slog.Logger) *SweeperService {
	return &SweeperService{
		registry: registry,
		router:   router,
		interval: cfg.SweepInterval(),
		logger:   logger.With("component", "sweeper"),
		now:      time.Now,
	}
}

// Start runs the sweep loop until ctx is cancelled.
func (s *SweeperService) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("failure sweeper started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("failure sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one detection pass. Exported so tests can drive it directly.
func (s *SweeperService) Sweep(ctx context.Context) {
	now := s.now()

	for _, tr := range s.registry.SweepHealth(ctx, now) {
		if tr.To != agent.StatusUnreachable {
			continue
		}
		requeued := s.router.RequeueAgentWork(ctx, tr.AgentID,
			"agent "+tr.AgentID+" unreachable")
		if requeued > 0 {
			s.logger.Warn("redirected work from unreachable agent",
				"agent_id", tr.AgentID, "items", requeued)
		}
		// All work redirected; drop the stale entry so the id can be
		// reclaimed by a fresh registration.
		if err := s.registry.Remove(ctx, tr.AgentID); err != nil {
			s.logger.Warn("remove unreachable agent", "agent_id", tr.AgentID, "error", err)
		}
	}

	if expired := s.router.SweepDeadlines(ctx, now); expired > 0 {
		s.logger.Warn("expired overdue work", "items", expired)
	}

	for _, id := range s.registry.DrainedAgents() {
		if err := s.registry.Remove(ctx, id); err != nil {
			s.logger.Warn("remove drained agent", "agent_id", id, "error", err)
		}
	}
}
