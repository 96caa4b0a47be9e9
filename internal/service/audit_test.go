package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/halcyon-sec/aegiscore/internal/config"
	"github.com/halcyon-sec/aegiscore/internal/domain/decision"
	"github.com/halcyon-sec/aegiscore/internal/port/cache"
	"github.com/halcyon-sec/aegiscore/internal/port/statestore"
)

// memCache is a TTL-less map cache for audit tests.
type memCache struct {
	mu      sync.Mutex
	entries map[string][]byte
}

var _ cache.Cache = (*memCache)(nil)

func newMemCache() *memCache {
	return &memCache{entries: make(map[string][]byte)}
}

func (c *memCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.entries[key]
	return data, ok, nil
}

func (c *memCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = value
	return nil
}

func (c *memCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func newAuditFixture(t *testing.T) (*mockStore, *AuditService) {
	t.Helper()
	store := newMockStore()
	svc := NewAuditService(store, newMemCache(), config.Cache{TTL: time.Minute}, testLogger())
	return store, svc
}

func seedTrail(t *testing.T, store *mockStore, workID string, at time.Time) {
	t.Helper()
	ctx := context.Background()
	if err := store.AppendRoutingDecision(ctx, &decision.RoutingDecision{
		WorkID: workID, AgentID: "agent-a", Attempt: 1,
		Rationale: decision.RationaleLeastLoaded, DecidedAt: at,
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.AppendResult(ctx, &decision.AgentResult{
		WorkID: workID, AgentID: "agent-a",
		Output: json.RawMessage(`{"verdict":"benign"}`), Confidence: 0.8, ReceivedAt: at,
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.AppendDecision(ctx, &decision.Decision{
		ID: workID + "-d", WorkID: workID,
		Method: decision.MethodConsensus, Status: decision.StatusResolved, ResolvedAt: at,
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.AppendAuditEvent(ctx, &statestore.AuditEvent{
		WorkID: workID, Kind: statestore.AuditRequeued, Detail: "agent timed out", At: at,
	}); err != nil {
		t.Fatal(err)
	}
}

func TestWorkTrailAggregates(t *testing.T) {
	store, svc := newAuditFixture(t)
	seedTrail(t, store, "w1", time.Now())

	trail, err := svc.WorkTrail(context.Background(), "w1")
	if err != nil {
		t.Fatalf("WorkTrail: %v", err)
	}
	if len(trail.RoutingDecisions) != 1 || len(trail.Results) != 1 ||
		len(trail.Decisions) != 1 || len(trail.Events) != 1 {
		t.Errorf("trail = %d/%d/%d/%d entries, want 1 of each",
			len(trail.RoutingDecisions), len(trail.Results), len(trail.Decisions), len(trail.Events))
	}
}

func TestWorkTrailServedFromCache(t *testing.T) {
	store, svc := newAuditFixture(t)
	ctx := context.Background()
	seedTrail(t, store, "w1", time.Now())

	if _, err := svc.WorkTrail(ctx, "w1"); err != nil {
		t.Fatalf("first WorkTrail: %v", err)
	}

	// New store rows do not appear until the cache entry expires.
	store.AppendAuditEvent(ctx, &statestore.AuditEvent{
		WorkID: "w1", Kind: statestore.AuditCancelled, At: time.Now(),
	})
	trail, err := svc.WorkTrail(ctx, "w1")
	if err != nil {
		t.Fatalf("second WorkTrail: %v", err)
	}
	if len(trail.Events) != 1 {
		t.Errorf("events = %d, want 1 from cached trail", len(trail.Events))
	}
}

func TestRoutingInRange(t *testing.T) {
	store, svc := newAuditFixture(t)
	base := time.Now()
	seedTrail(t, store, "w1", base)
	seedTrail(t, store, "w2", base.Add(time.Hour))

	got, err := svc.RoutingInRange(context.Background(), base.Add(-time.Minute), base.Add(time.Minute))
	if err != nil {
		t.Fatalf("RoutingInRange: %v", err)
	}
	if len(got) != 1 || got[0].WorkID != "w1" {
		t.Errorf("in range = %v, want only w1", got)
	}
}

func TestDecisionsInRange(t *testing.T) {
	store, svc := newAuditFixture(t)
	base := time.Now()
	seedTrail(t, store, "w1", base)
	seedTrail(t, store, "w2", base.Add(time.Hour))

	got, err := svc.DecisionsInRange(context.Background(), base.Add(30*time.Minute), base.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("DecisionsInRange: %v", err)
	}
	if len(got) != 1 || got[0].WorkID != "w2" {
		t.Errorf("in range = %v, want only w2", got)
	}
}

func TestDecisionReadIsUncached(t *testing.T) {
	store, svc := newAuditFixture(t)
	ctx := context.Background()
	seedTrail(t, store, "w1", time.Now())

	first, err := svc.Decision(ctx, "w1-d")
	if err != nil {
		t.Fatalf("Decision: %v", err)
	}
	if first.Status != decision.StatusResolved {
		t.Fatalf("status = %s, want resolved", first.Status)
	}

	// A superseding row is visible immediately.
	store.AppendDecision(ctx, &decision.Decision{
		ID: "w1-d", WorkID: "w1",
		Method: decision.MethodEscalation, Status: decision.StatusPending, ResolvedAt: time.Now(),
	})
	second, err := svc.Decision(ctx, "w1-d")
	if err != nil {
		t.Fatalf("Decision: %v", err)
	}
	if second.Status != decision.StatusPending {
		t.Errorf("status = %s, want the newest row", second.Status)
	}
}
