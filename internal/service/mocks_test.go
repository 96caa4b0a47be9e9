package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/halcyon-sec/aegiscore/internal/domain"
	"github.com/halcyon-sec/aegiscore/internal/domain/agent"
	"github.com/halcyon-sec/aegiscore/internal/domain/decision"
	"github.com/halcyon-sec/aegiscore/internal/domain/work"
	"github.com/halcyon-sec/aegiscore/internal/port/broadcast"
	"github.com/halcyon-sec/aegiscore/internal/port/messagequeue"
	"github.com/halcyon-sec/aegiscore/internal/port/statestore"
)

// mockStore is an in-memory statestore.Store for service tests.
type mockStore struct {
	mu       sync.Mutex
	agents   map[string]agent.Agent
	items    map[string]work.Item
	routing  []decision.RoutingDecision
	results  []decision.AgentResult
	decs     []decision.Decision
	events   []statestore.AuditEvent
	failWith error // when set, every call fails
}

var _ statestore.Store = (*mockStore)(nil)

func newMockStore() *mockStore {
	return &mockStore{
		agents: make(map[string]agent.Agent),
		items:  make(map[string]work.Item),
	}
}

func (m *mockStore) UpsertAgent(ctx context.Context, ag *agent.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	m.agents[ag.ID] = *ag
	return nil
}

func (m *mockStore) UpdateAgentStatus(ctx context.Context, id string, status agent.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	ag, ok := m.agents[id]
	if !ok {
		return domain.ErrNotFound
	}
	ag.Status = status
	m.agents[id] = ag
	return nil
}

func (m *mockStore) UpdateAgentHealth(ctx context.Context, id string, load int, lastHeartbeat time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	ag, ok := m.agents[id]
	if !ok {
		return domain.ErrNotFound
	}
	ag.Load = load
	ag.LastHeartbeat = lastHeartbeat
	m.agents[id] = ag
	return nil
}

func (m *mockStore) DeleteAgent(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	delete(m.agents, id)
	return nil
}

func (m *mockStore) ListAgents(ctx context.Context) ([]agent.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	out := make([]agent.Agent, 0, len(m.agents))
	for _, ag := range m.agents {
		out = append(out, ag)
	}
	return out, nil
}

func (m *mockStore) CreateWorkItem(ctx context.Context, item *work.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	if _, ok := m.items[item.ID]; ok {
		return fmt.Errorf("duplicate work item %s", item.ID)
	}
	m.items[item.ID] = *item
	return nil
}

func (m *mockStore) UpdateWorkItem(ctx context.Context, item *work.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	if _, ok := m.items[item.ID]; !ok {
		return domain.ErrNotFound
	}
	m.items[item.ID] = *item
	return nil
}

func (m *mockStore) GetWorkItem(ctx context.Context, id string) (*work.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	item, ok := m.items[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &item, nil
}

func (m *mockStore) ListOpenWorkItems(ctx context.Context) ([]work.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	var out []work.Item
	for _, item := range m.items {
		if !item.Status.Terminal() {
			out = append(out, item)
		}
	}
	return out, nil
}

func (m *mockStore) AppendRoutingDecision(ctx context.Context, rd *decision.RoutingDecision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	m.routing = append(m.routing, *rd)
	return nil
}

func (m *mockStore) RoutingDecisionsByWork(ctx context.Context, workID string) ([]decision.RoutingDecision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	var out []decision.RoutingDecision
	for _, rd := range m.routing {
		if rd.WorkID == workID {
			out = append(out, rd)
		}
	}
	return out, nil
}

func (m *mockStore) RoutingDecisionsByRange(ctx context.Context, from, to time.Time) ([]decision.RoutingDecision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	var out []decision.RoutingDecision
	for _, rd := range m.routing {
		if !rd.DecidedAt.Before(from) && !rd.DecidedAt.After(to) {
			out = append(out, rd)
		}
	}
	return out, nil
}

func (m *mockStore) AppendResult(ctx context.Context, res *decision.AgentResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	m.results = append(m.results, *res)
	return nil
}

func (m *mockStore) ResultsByWork(ctx context.Context, workID string) ([]decision.AgentResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	var out []decision.AgentResult
	for _, r := range m.results {
		if r.WorkID == workID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *mockStore) AppendDecision(ctx context.Context, d *decision.Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	m.decs = append(m.decs, *d)
	return nil
}

func (m *mockStore) GetDecision(ctx context.Context, id string) (*decision.Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	// Newest row wins, matching the append-only store semantics.
	for i := len(m.decs) - 1; i >= 0; i-- {
		if m.decs[i].ID == id {
			d := m.decs[i]
			return &d, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *mockStore) DecisionsByWork(ctx context.Context, workID string) ([]decision.Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	var out []decision.Decision
	for _, d := range m.decs {
		if d.WorkID == workID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *mockStore) DecisionsByRange(ctx context.Context, from, to time.Time) ([]decision.Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	var out []decision.Decision
	for _, d := range m.decs {
		if !d.ResolvedAt.Before(from) && !d.ResolvedAt.After(to) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *mockStore) AppendAuditEvent(ctx context.Context, ev *statestore.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	m.events = append(m.events, *ev)
	return nil
}

func (m *mockStore) AuditEventsByWork(ctx context.Context, workID string) ([]statestore.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return nil, m.failWith
	}
	var out []statestore.AuditEvent
	for _, ev := range m.events {
		if ev.WorkID == workID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *mockStore) eventsOfKind(kind string) []statestore.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []statestore.AuditEvent
	for _, ev := range m.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (m *mockStore) item(id string) (work.Item, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[id]
	return item, ok
}

func (m *mockStore) storedAgent(id string) (agent.Agent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ag, ok := m.agents[id]
	return ag, ok
}

// published is one message recorded by mockQueue.
type published struct {
	subject string
	data    []byte
}

// mockQueue records publishes and lets tests fail selected subjects to
// exercise the delivery retry path.
type mockQueue struct {
	mu           sync.Mutex
	publishes    []published
	failSubjects map[string]error
	handlers     map[string]messagequeue.Handler
}

var _ messagequeue.Queue = (*mockQueue)(nil)

func newMockQueue() *mockQueue {
	return &mockQueue{
		failSubjects: make(map[string]error),
		handlers:     make(map[string]messagequeue.Handler),
	}
}

func (m *mockQueue) Publish(ctx context.Context, subject string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.failSubjects[subject]; ok {
		return err
	}
	m.publishes = append(m.publishes, published{subject: subject, data: data})
	return nil
}

func (m *mockQueue) Subscribe(ctx context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[subject] = handler
	return func() {}, nil
}

func (m *mockQueue) Drain() error      { return nil }
func (m *mockQueue) Close() error      { return nil }
func (m *mockQueue) IsConnected() bool { return true }

func (m *mockQueue) failSubject(subject string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failSubjects[subject] = err
}

func (m *mockQueue) publishedTo(subject string) []published {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []published
	for _, p := range m.publishes {
		if p.subject == subject {
			out = append(out, p)
		}
	}
	return out
}

// deliver invokes the subscribed handler for a subject, simulating an
// inbound message.
func (m *mockQueue) deliver(ctx context.Context, subject string, data []byte) error {
	m.mu.Lock()
	handler, ok := m.handlers[subject]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no handler for subject %s", subject)
	}
	return handler(ctx, subject, data)
}

// mockBroadcaster records broadcast events.
type mockBroadcaster struct {
	mu     sync.Mutex
	events []broadcastRecord
}

var _ broadcast.Broadcaster = (*mockBroadcaster)(nil)

type broadcastRecord struct {
	eventType string
	payload   any
}

func (m *mockBroadcaster) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, broadcastRecord{eventType: eventType, payload: payload})
}

func (m *mockBroadcaster) eventsOfType(eventType string) []broadcastRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []broadcastRecord
	for _, ev := range m.events {
		if ev.eventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}
