package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/halcyon-sec/aegiscore/internal/config"
	"github.com/halcyon-sec/aegiscore/internal/domain"
	"github.com/halcyon-sec/aegiscore/internal/domain/agent"
	"github.com/halcyon-sec/aegiscore/internal/domain/work"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRegistryConfig() config.Registry {
	return config.Registry{
		HeartbeatInterval: 5 * time.Second,
		HeartbeatTimeout:  15 * time.Second,
		MissThreshold:     3,
		ExtraCategories:   []string{"malware-triage"},
	}
}

func newTestRegistry(store *mockStore) *RegistryService {
	return NewRegistryService(store, &mockBroadcaster{}, nil, testRegistryConfig(), testLogger())
}

func registerAgent(t *testing.T, reg *RegistryService, id string, caps []work.Category, capacity int) *agent.Agent {
	t.Helper()
	ag, err := reg.Register(context.Background(), agent.RegisterRequest{
		ID:           id,
		Capabilities: caps,
		Capacity:     capacity,
	})
	if err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
	return ag
}

func TestRegisterAndGet(t *testing.T) {
	store := newMockStore()
	reg := newTestRegistry(store)

	ag := registerAgent(t, reg, "agent-a", []work.Category{work.CategoryAnomalyDetection}, 4)
	if ag.Status != agent.StatusActive {
		t.Errorf("status = %s, want active", ag.Status)
	}
	if ag.Load != 0 {
		t.Errorf("load = %d, want 0", ag.Load)
	}

	got, err := reg.Get("agent-a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Capacity != 4 {
		t.Errorf("capacity = %d, want 4", got.Capacity)
	}

	if _, ok := store.storedAgent("agent-a"); !ok {
		t.Error("agent not persisted to store")
	}
}

func TestRegisterValidation(t *testing.T) {
	reg := newTestRegistry(newMockStore())

	tests := []struct {
		name string
		req  agent.RegisterRequest
	}{
		{"empty id", agent.RegisterRequest{Capabilities: []work.Category{work.CategoryThreatIntel}, Capacity: 1}},
		{"no capabilities", agent.RegisterRequest{ID: "a", Capacity: 1}},
		{"zero capacity", agent.RegisterRequest{ID: "a", Capabilities: []work.Category{work.CategoryThreatIntel}}},
		{"negative capacity", agent.RegisterRequest{ID: "a", Capabilities: []work.Category{work.CategoryThreatIntel}, Capacity: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.Register(context.Background(), tt.req)
			if !errors.Is(err, domain.ErrValidation) {
				t.Errorf("err = %v, want ErrValidation", err)
			}
		})
	}
}

func TestRegisterDuplicate(t *testing.T) {
	reg := newTestRegistry(newMockStore())
	registerAgent(t, reg, "agent-a", []work.Category{work.CategoryThreatIntel}, 2)

	_, err := reg.Register(context.Background(), agent.RegisterRequest{
		ID:           "agent-a",
		Capabilities: []work.Category{work.CategoryThreatIntel},
		Capacity:     2,
	})
	if !errors.Is(err, domain.ErrDuplicateAgent) {
		t.Fatalf("err = %v, want ErrDuplicateAgent", err)
	}
}

func TestRegisterReclaimsUnreachableID(t *testing.T) {
	store := newMockStore()
	reg := newTestRegistry(store)
	registerAgent(t, reg, "agent-a", []work.Category{work.CategoryThreatIntel}, 2)

	// Push the agent to unreachable through missed heartbeats.
	base := time.Now()
	for i := 1; i <= 3; i++ {
		reg.SweepHealth(context.Background(), base.Add(time.Duration(i)*20*time.Second))
	}
	got, err := reg.Get("agent-a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != agent.StatusUnreachable {
		t.Fatalf("status = %s, want unreachable", got.Status)
	}

	if _, err := reg.Register(context.Background(), agent.RegisterRequest{
		ID:           "agent-a",
		Capabilities: []work.Category{work.CategoryThreatIntel},
		Capacity:     8,
	}); err != nil {
		t.Fatalf("re-register over unreachable id: %v", err)
	}
	got, _ = reg.Get("agent-a")
	if got.Status != agent.StatusActive || got.Capacity != 8 {
		t.Errorf("reclaimed agent = %s/%d, want active/8", got.Status, got.Capacity)
	}
}

func TestHeartbeatIdempotent(t *testing.T) {
	reg := newTestRegistry(newMockStore())
	registerAgent(t, reg, "agent-a", []work.Category{work.CategoryThreatIntel}, 4)

	for i := 0; i < 2; i++ {
		if err := reg.Heartbeat(context.Background(), "agent-a", 2); err != nil {
			t.Fatalf("heartbeat %d: %v", i, err)
		}
	}
	got, _ := reg.Get("agent-a")
	if got.Load != 2 {
		t.Errorf("load after duplicate heartbeats = %d, want 2", got.Load)
	}
}

func TestHeartbeatUnknownAgent(t *testing.T) {
	reg := newTestRegistry(newMockStore())
	err := reg.Heartbeat(context.Background(), "ghost", 1)
	if !errors.Is(err, domain.ErrUnknownAgent) {
		t.Errorf("err = %v, want ErrUnknownAgent", err)
	}
}

func TestHeartbeatClampsLoadToCapacity(t *testing.T) {
	reg := newTestRegistry(newMockStore())
	registerAgent(t, reg, "agent-a", []work.Category{work.CategoryThreatIntel}, 3)

	if err := reg.Heartbeat(context.Background(), "agent-a", 99); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	got, _ := reg.Get("agent-a")
	if got.Load != 3 {
		t.Errorf("load = %d, want clamped to capacity 3", got.Load)
	}
}

func TestHeartbeatRevivesDegradedAgent(t *testing.T) {
	store := newMockStore()
	reg := newTestRegistry(store)
	registerAgent(t, reg, "agent-a", []work.Category{work.CategoryThreatIntel}, 2)

	base := time.Now()
	reg.SweepHealth(context.Background(), base.Add(20*time.Second))
	got, _ := reg.Get("agent-a")
	if got.Status != agent.StatusDegraded {
		t.Fatalf("status after one miss = %s, want degraded", got.Status)
	}

	if err := reg.Heartbeat(context.Background(), "agent-a", 0); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	got, _ = reg.Get("agent-a")
	if got.Status != agent.StatusActive {
		t.Errorf("status after heartbeat = %s, want active", got.Status)
	}
	stored, _ := store.storedAgent("agent-a")
	if stored.Status != agent.StatusActive {
		t.Errorf("stored status = %s, want active", stored.Status)
	}
}

func TestReserveSlotRespectsCapacity(t *testing.T) {
	reg := newTestRegistry(newMockStore())
	registerAgent(t, reg, "agent-a", []work.Category{work.CategoryThreatIntel}, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := reg.ReserveSlot(ctx, "agent-a"); err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
	}
	if err := reg.ReserveSlot(ctx, "agent-a"); !errors.Is(err, domain.ErrAgentSaturated) {
		t.Fatalf("reserve beyond capacity: err = %v, want ErrAgentSaturated", err)
	}

	got, _ := reg.Get("agent-a")
	if got.Load != got.Capacity {
		t.Errorf("load = %d, want %d", got.Load, got.Capacity)
	}

	reg.ReleaseSlot(ctx, "agent-a")
	if err := reg.ReserveSlot(ctx, "agent-a"); err != nil {
		t.Errorf("reserve after release: %v", err)
	}
}

func TestListCapableOrdering(t *testing.T) {
	reg := newTestRegistry(newMockStore())
	ctx := context.Background()
	cat := work.CategoryAnomalyDetection

	registerAgent(t, reg, "agent-a", []work.Category{cat}, 4)
	registerAgent(t, reg, "agent-b", []work.Category{cat}, 4)
	registerAgent(t, reg, "agent-c", []work.Category{work.CategoryThreatIntel}, 4)

	// agent-a at 50% load, agent-b idle.
	reg.ReserveSlot(ctx, "agent-a")
	reg.ReserveSlot(ctx, "agent-a")

	got := reg.ListCapable(cat)
	if len(got) != 2 {
		t.Fatalf("capable agents = %d, want 2", len(got))
	}
	if got[0].ID != "agent-b" || got[1].ID != "agent-a" {
		t.Errorf("order = [%s %s], want [agent-b agent-a]", got[0].ID, got[1].ID)
	}
}

func TestListCapableExcludesNonActive(t *testing.T) {
	reg := newTestRegistry(newMockStore())
	cat := work.CategoryThreatIntel
	registerAgent(t, reg, "agent-a", []work.Category{cat}, 2)
	registerAgent(t, reg, "agent-b", []work.Category{cat}, 2)

	if err := reg.Deregister(context.Background(), "agent-b"); err != nil {
		t.Fatalf("deregister: %v", err)
	}
	got := reg.ListCapable(cat)
	if len(got) != 1 || got[0].ID != "agent-a" {
		t.Errorf("capable = %v, want only agent-a", got)
	}
}

func TestSweepHealthStateMachine(t *testing.T) {
	reg := newTestRegistry(newMockStore())
	registerAgent(t, reg, "agent-a", []work.Category{work.CategoryThreatIntel}, 2)
	ctx := context.Background()
	base := time.Now()

	// First miss: degraded.
	trs := reg.SweepHealth(ctx, base.Add(20*time.Second))
	if len(trs) != 1 || trs[0].To != agent.StatusDegraded {
		t.Fatalf("first sweep transitions = %+v, want degraded", trs)
	}

	// Second miss: still degraded, below the threshold, no transition.
	trs = reg.SweepHealth(ctx, base.Add(40*time.Second))
	if len(trs) != 0 {
		t.Fatalf("second sweep transitions = %+v, want none", trs)
	}

	// Third consecutive miss: unreachable.
	trs = reg.SweepHealth(ctx, base.Add(60*time.Second))
	if len(trs) != 1 || trs[0].To != agent.StatusUnreachable {
		t.Fatalf("third sweep transitions = %+v, want unreachable", trs)
	}
}

func TestSweepHealthSkipsFreshAgents(t *testing.T) {
	reg := newTestRegistry(newMockStore())
	registerAgent(t, reg, "agent-a", []work.Category{work.CategoryThreatIntel}, 2)

	trs := reg.SweepHealth(context.Background(), time.Now().Add(5*time.Second))
	if len(trs) != 0 {
		t.Errorf("transitions = %+v, want none within heartbeat timeout", trs)
	}
}

func TestDeregisterDrainsLoadedAgent(t *testing.T) {
	store := newMockStore()
	reg := newTestRegistry(store)
	registerAgent(t, reg, "agent-a", []work.Category{work.CategoryThreatIntel}, 2)
	ctx := context.Background()

	reg.ReserveSlot(ctx, "agent-a")
	if err := reg.Deregister(ctx, "agent-a"); err != nil {
		t.Fatalf("deregister: %v", err)
	}
	got, err := reg.Get("agent-a")
	if err != nil {
		t.Fatalf("draining agent should remain visible: %v", err)
	}
	if got.Status != agent.StatusDraining {
		t.Fatalf("status = %s, want draining", got.Status)
	}

	// Last slot released: drain completes, agent removed.
	reg.ReleaseSlot(ctx, "agent-a")
	if _, err := reg.Get("agent-a"); !errors.Is(err, domain.ErrUnknownAgent) {
		t.Errorf("Get after drain = %v, want ErrUnknownAgent", err)
	}
	if _, ok := store.storedAgent("agent-a"); ok {
		t.Error("drained agent still in store")
	}
}

func TestDeregisterIdleAgentRemovesImmediately(t *testing.T) {
	reg := newTestRegistry(newMockStore())
	registerAgent(t, reg, "agent-a", []work.Category{work.CategoryThreatIntel}, 2)

	if err := reg.Deregister(context.Background(), "agent-a"); err != nil {
		t.Fatalf("deregister: %v", err)
	}
	if _, err := reg.Get("agent-a"); !errors.Is(err, domain.ErrUnknownAgent) {
		t.Errorf("idle agent should be removed immediately, got %v", err)
	}
}

func TestRestoreMarksAgentsDegraded(t *testing.T) {
	store := newMockStore()
	seed := newTestRegistry(store)
	registerAgent(t, seed, "agent-a", []work.Category{work.CategoryThreatIntel}, 2)
	seed.Heartbeat(context.Background(), "agent-a", 1)

	// Fresh registry sharing the store, as after a restart.
	reg := newTestRegistry(store)
	if err := reg.Restore(context.Background()); err != nil {
		t.Fatalf("restore: %v", err)
	}

	got, err := reg.Get("agent-a")
	if err != nil {
		t.Fatalf("Get after restore: %v", err)
	}
	if got.Status != agent.StatusDegraded {
		t.Errorf("restored status = %s, want degraded until fresh heartbeat", got.Status)
	}

	// A fresh heartbeat revives restored agents.
	if err := reg.Heartbeat(context.Background(), "agent-a", 0); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	got, _ = reg.Get("agent-a")
	if got.Status != agent.StatusActive {
		t.Errorf("status after heartbeat = %s, want active", got.Status)
	}
}

func TestKnownCategory(t *testing.T) {
	reg := newTestRegistry(newMockStore())

	if !reg.KnownCategory(work.CategoryLogNormalization) {
		t.Error("built-in category unknown")
	}
	if !reg.KnownCategory("malware-triage") {
		t.Error("configured extra category unknown")
	}
	if reg.KnownCategory("sandwich-assembly") {
		t.Error("arbitrary category should be unknown")
	}

	registerAgent(t, reg, "agent-a", []work.Category{"sandwich-assembly"}, 1)
	if !reg.KnownCategory("sandwich-assembly") {
		t.Error("agent-declared capability should become known")
	}
}
