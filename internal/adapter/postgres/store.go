package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/halcyon-sec/aegiscore/internal/domain/agent"
	"github.com/halcyon-sec/aegiscore/internal/domain/decision"
	"github.com/halcyon-sec/aegiscore/internal/domain/work"
	"github.com/halcyon-sec/aegiscore/internal/port/statestore"
)

// Store implements statestore.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

var _ statestore.Store = (*Store)(nil)

// --- Agents ---

func (s *Store) UpsertAgent(ctx context.Context, ag *agent.Agent) error {
	caps := make([]string, len(ag.Capabilities))
	for i, c := range ag.Capabilities {
		caps[i] = string(c)
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO agents (id, capabilities, status, load, capacity, protocol_version, last_heartbeat, registered_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
		   capabilities = EXCLUDED.capabilities,
		   status = EXCLUDED.status,
		   load = EXCLUDED.load,
		   capacity = EXCLUDED.capacity,
		   protocol_version = EXCLUDED.protocol_version,
		   last_heartbeat = EXCLUDED.last_heartbeat`,
		ag.ID, pgTextArray(caps), string(ag.Status), ag.Load, ag.Capacity,
		ag.ProtocolVersion, ag.LastHeartbeat, ag.RegisteredAt)
	if err != nil {
		return fmt.Errorf("upsert agent %s: %w", ag.ID, err)
	}
	return nil
}

func (s *Store) UpdateAgentStatus(ctx context.Context, id string, status agent.Status) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agents SET status = $2 WHERE id = $1`, id, string(status))
	return execExpectOne(tag, err, "update agent status %s", id)
}

func (s *Store) UpdateAgentHealth(ctx context.Context, id string, load int, lastHeartbeat time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agents SET load = $2, last_heartbeat = $3 WHERE id = $1`, id, load, lastHeartbeat)
	return execExpectOne(tag, err, "update agent health %s", id)
}

func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM agents WHERE id = $1`, id)
	return execExpectOne(tag, err, "delete agent %s", id)
}

func (s *Store) ListAgents(ctx context.Context) ([]agent.Agent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, capabilities, status, load, capacity, protocol_version, last_heartbeat, registered_at
		 FROM agents ORDER BY registered_at`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []agent.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// --- Work items ---

func (s *Store) CreateWorkItem(ctx context.Context, item *work.Item) error {
	ctxJSON, err := marshalContext(item.Context)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO work_items (id, category, priority, effective_priority, payload, context, status, assigned_agent, attempts, created_at, deadline, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		item.ID, string(item.Category), item.Priority.String(), item.EffectivePriority.String(),
		[]byte(item.Payload), ctxJSON, string(item.Status), nullIfEmpty(item.AssignedAgent),
		item.Attempts, item.CreatedAt, item.Deadline, item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create work item %s: %w", item.ID, err)
	}
	return nil
}

func (s *Store) UpdateWorkItem(ctx context.Context, item *work.Item) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE work_items SET effective_priority = $2, status = $3, assigned_agent = $4, attempts = $5, updated_at = $6
		 WHERE id = $1`,
		item.ID, item.EffectivePriority.String(), string(item.Status),
		nullIfEmpty(item.AssignedAgent), item.Attempts, item.UpdatedAt)
	return execExpectOne(tag, err, "update work item %s", item.ID)
}

func (s *Store) GetWorkItem(ctx context.Context, id string) (*work.Item, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, category, priority, effective_priority, payload, context, status, assigned_agent, attempts, created_at, deadline, updated_at
		 FROM work_items WHERE id = $1`, id)

	it, err := scanWorkItem(row)
	if err != nil {
		return nil, notFoundWrap(err, "get work item %s", id)
	}
	return &it, nil
}

func (s *Store) ListOpenWorkItems(ctx context.Context) ([]work.Item, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, category, priority, effective_priority, payload, context, status, assigned_agent, attempts, created_at, deadline, updated_at
		 FROM work_items WHERE status IN ('queued', 'dispatched') ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list open work items: %w", err)
	}
	defer rows.Close()

	var items []work.Item
	for rows.Next() {
		it, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// --- Routing decisions ---

func (s *Store) AppendRoutingDecision(ctx context.Context, rd *decision.RoutingDecision) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO routing_decisions (work_id, agent_id, attempt, rationale, decided_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		rd.WorkID, rd.AgentID, rd.Attempt, string(rd.Rationale), rd.DecidedAt)
	if err != nil {
		return fmt.Errorf("append routing decision %s: %w", rd.WorkID, err)
	}
	return nil
}

func (s *Store) RoutingDecisionsByWork(ctx context.Context, workID string) ([]decision.RoutingDecision, error) {
	return s.queryRoutingDecisions(ctx,
		`SELECT work_id, agent_id, attempt, rationale, decided_at
		 FROM routing_decisions WHERE work_id = $1 ORDER BY seq`, workID)
}

func (s *Store) RoutingDecisionsByRange(ctx context.Context, from, to time.Time) ([]decision.RoutingDecision, error) {
	return s.queryRoutingDecisions(ctx,
		`SELECT work_id, agent_id, attempt, rationale, decided_at
		 FROM routing_decisions WHERE decided_at >= $1 AND decided_at < $2 ORDER BY seq`, from, to)
}

func (s *Store) queryRoutingDecisions(ctx context.Context, query string, args ...any) ([]decision.RoutingDecision, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query routing decisions: %w", err)
	}
	defer rows.Close()

	var decisions []decision.RoutingDecision
	for rows.Next() {
		var rd decision.RoutingDecision
		var rationale string
		if err := rows.Scan(&rd.WorkID, &rd.AgentID, &rd.Attempt, &rationale, &rd.DecidedAt); err != nil {
			return nil, fmt.Errorf("scan routing decision: %w", err)
		}
		rd.Rationale = decision.Rationale(rationale)
		decisions = append(decisions, rd)
	}
	return decisions, rows.Err()
}

// --- Agent results ---

func (s *Store) AppendResult(ctx context.Context, res *decision.AgentResult) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agent_results (work_id, agent_id, output, confidence, received_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		res.WorkID, res.AgentID, []byte(res.Output), res.Confidence, res.ReceivedAt)
	if err != nil {
		return fmt.Errorf("append result %s/%s: %w", res.WorkID, res.AgentID, err)
	}
	return nil
}

func (s *Store) ResultsByWork(ctx context.Context, workID string) ([]decision.AgentResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT work_id, agent_id, output, confidence, received_at
		 FROM agent_results WHERE work_id = $1 ORDER BY seq`, workID)
	if err != nil {
		return nil, fmt.Errorf("results by work %s: %w", workID, err)
	}
	defer rows.Close()

	var results []decision.AgentResult
	for rows.Next() {
		var r decision.AgentResult
		var output []byte
		if err := rows.Scan(&r.WorkID, &r.AgentID, &output, &r.Confidence, &r.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		r.Output = json.RawMessage(output)
		results = append(results, r)
	}
	return results, rows.Err()
}

// --- Decisions ---

func (s *Store) AppendDecision(ctx context.Context, d *decision.Decision) error {
	resultsJSON, err := json.Marshal(d.Results)
	if err != nil {
		return fmt.Errorf("marshal decision results: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO decisions (id, work_id, results, output, confidence, method, status, reviewer, resolved_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		d.ID, d.WorkID, resultsJSON, []byte(d.Output), d.Confidence,
		string(d.Method), string(d.Status), d.Reviewer, d.ResolvedAt)
	if err != nil {
		return fmt.Errorf("append decision %s: %w", d.ID, err)
	}
	return nil
}

// GetDecision returns the latest appended row for the decision id.
// Escalation resolutions append a resolved row rather than updating the
// pending one, so the newest row is the current state.
func (s *Store) GetDecision(ctx context.Context, id string) (*decision.Decision, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, work_id, results, output, confidence, method, status, reviewer, resolved_at
		 FROM decisions WHERE id = $1 ORDER BY seq DESC LIMIT 1`, id)

	d, err := scanDecision(row)
	if err != nil {
		return nil, notFoundWrap(err, "get decision %s", id)
	}
	return &d, nil
}

func (s *Store) DecisionsByWork(ctx context.Context, workID string) ([]decision.Decision, error) {
	return s.queryDecisions(ctx,
		`SELECT id, work_id, results, output, confidence, method, status, reviewer, resolved_at
		 FROM decisions WHERE work_id = $1 ORDER BY seq`, workID)
}

func (s *Store) DecisionsByRange(ctx context.Context, from, to time.Time) ([]decision.Decision, error) {
	return s.queryDecisions(ctx,
		`SELECT id, work_id, results, output, confidence, method, status, reviewer, resolved_at
		 FROM decisions WHERE resolved_at >= $1 AND resolved_at < $2 ORDER BY seq`, from, to)
}

func (s *Store) queryDecisions(ctx context.Context, query string, args ...any) ([]decision.Decision, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var decisions []decision.Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

// --- Audit events ---

func (s *Store) AppendAuditEvent(ctx context.Context, ev *statestore.AuditEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_events (work_id, agent_id, kind, detail, at)
		 VALUES ($1, $2, $3, $4, $5)`,
		nullIfEmpty(ev.WorkID), nullIfEmpty(ev.AgentID), ev.Kind, ev.Detail, ev.At)
	if err != nil {
		return fmt.Errorf("append audit event %s: %w", ev.Kind, err)
	}
	return nil
}

func (s *Store) AuditEventsByWork(ctx context.Context, workID string) ([]statestore.AuditEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT COALESCE(work_id, ''), COALESCE(agent_id, ''), kind, detail, at
		 FROM audit_events WHERE work_id = $1 ORDER BY seq`, workID)
	if err != nil {
		return nil, fmt.Errorf("audit events by work %s: %w", workID, err)
	}
	defer rows.Close()

	var events []statestore.AuditEvent
	for rows.Next() {
		var ev statestore.AuditEvent
		if err := rows.Scan(&ev.WorkID, &ev.AgentID, &ev.Kind, &ev.Detail, &ev.At); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// --- Scanners ---

func scanAgent(row scannable) (agent.Agent, error) {
	var a agent.Agent
	var caps []string
	var status string
	err := row.Scan(&a.ID, &caps, &status, &a.Load, &a.Capacity, &a.ProtocolVersion, &a.LastHeartbeat, &a.RegisteredAt)
	if err != nil {
		return a, err
	}
	a.Status = agent.Status(status)
	a.Capabilities = make([]work.Category, len(caps))
	for i, c := range caps {
		a.Capabilities[i] = work.Category(c)
	}
	return a, nil
}

func scanWorkItem(row scannable) (work.Item, error) {
	var it work.Item
	var category, priority, effective, status string
	var payload, ctxJSON []byte
	var assigned *string
	err := row.Scan(&it.ID, &category, &priority, &effective, &payload, &ctxJSON,
		&status, &assigned, &it.Attempts, &it.CreatedAt, &it.Deadline, &it.UpdatedAt)
	if err != nil {
		return it, err
	}
	it.Category = work.Category(category)
	it.Status = work.Status(status)
	it.Payload = json.RawMessage(payload)
	if assigned != nil {
		it.AssignedAgent = *assigned
	}
	if it.Priority, err = work.ParsePriority(priority); err != nil {
		return it, fmt.Errorf("scan work item priority: %w", err)
	}
	if it.EffectivePriority, err = work.ParsePriority(effective); err != nil {
		return it, fmt.Errorf("scan work item effective priority: %w", err)
	}
	if ctxJSON != nil {
		if err := json.Unmarshal(ctxJSON, &it.Context); err != nil {
			return it, fmt.Errorf("unmarshal work item context: %w", err)
		}
	}
	return it, nil
}

func scanDecision(row scannable) (decision.Decision, error) {
	var d decision.Decision
	var resultsJSON, output []byte
	var method, status string
	err := row.Scan(&d.ID, &d.WorkID, &resultsJSON, &output, &d.Confidence, &method, &status, &d.Reviewer, &d.ResolvedAt)
	if err != nil {
		return d, err
	}
	d.Method = decision.Method(method)
	d.Status = decision.Status(status)
	if output != nil {
		d.Output = json.RawMessage(output)
	}
	if err := json.Unmarshal(resultsJSON, &d.Results); err != nil {
		return d, fmt.Errorf("unmarshal decision results: %w", err)
	}
	return d, nil
}

func marshalContext(m map[string]string) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal context: %w", err)
	}
	return data, nil
}

// nullIfEmpty returns nil for empty strings (for nullable columns).
func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
