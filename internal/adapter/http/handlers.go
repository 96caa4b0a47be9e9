package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/halcyon-sec/aegiscore/internal/adapter/ws"
	"github.com/halcyon-sec/aegiscore/internal/domain"
	"github.com/halcyon-sec/aegiscore/internal/domain/agent"
	"github.com/halcyon-sec/aegiscore/internal/domain/decision"
	"github.com/halcyon-sec/aegiscore/internal/domain/work"
	"github.com/halcyon-sec/aegiscore/internal/port/messagequeue"
	"github.com/halcyon-sec/aegiscore/internal/port/statestore"
	"github.com/halcyon-sec/aegiscore/internal/service"
)

// Handlers bundles the HTTP handler dependencies.
type Handlers struct {
	registry *service.RegistryService
	router   *service.RouterService
	resolver *service.ResolverService
	audit    *service.AuditService
	store    statestore.Store
	hub      *ws.Hub
	mq       messagequeue.Queue
}

// NewHandlers creates the handler set.
func NewHandlers(registry *service.RegistryService, router *service.RouterService, resolver *service.ResolverService, audit *service.AuditService, store statestore.Store, hub *ws.Hub, mq messagequeue.Queue) *Handlers {
	return &Handlers{
		registry: registry,
		router:   router,
		resolver: resolver,
		audit:    audit,
		store:    store,
		hub:      hub,
		mq:       mq,
	}
}

// RegisterAgent handles POST /api/agents.
func (h *Handlers) RegisterAgent(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[agent.RegisterRequest](w, r)
	if !ok {
		return
	}
	ag, err := h.registry.Register(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "agent not found")
		return
	}
	writeJSON(w, http.StatusCreated, ag)
}

type heartbeatRequest struct {
	Load int `json:"load"`
}

// HeartbeatAgent handles POST /api/agents/{id}/heartbeat.
func (h *Handlers) HeartbeatAgent(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[heartbeatRequest](w, r)
	if !ok {
		return
	}
	if err := h.registry.Heartbeat(r.Context(), urlParam(r, "id"), req.Load); err != nil {
		writeDomainError(w, err, "agent not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeregisterAgent handles DELETE /api/agents/{id}: graceful drain.
func (h *Handlers) DeregisterAgent(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Deregister(r.Context(), urlParam(r, "id")); err != nil {
		writeDomainError(w, err, "agent not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListAgents handles GET /api/agents.
func (h *Handlers) ListAgents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.List())
}

// GetAgent handles GET /api/agents/{id}.
func (h *Handlers) GetAgent(w http.ResponseWriter, r *http.Request) {
	ag, err := h.registry.Get(urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, ag)
}

// SubmitWork handles POST /api/work. Accepted work is queued, not yet
// dispatched, hence 202. A saturated queue yields 503 with Retry-After.
func (h *Handlers) SubmitWork(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[work.SubmitRequest](w, r)
	if !ok {
		return
	}
	item, err := h.router.Submit(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "work item not found")
		return
	}
	writeJSON(w, http.StatusAccepted, item)
}

// GetWork handles GET /api/work/{id}.
func (h *Handlers) GetWork(w http.ResponseWriter, r *http.Request) {
	item, err := h.store.GetWorkItem(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "work item not found")
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// CancelWork handles DELETE /api/work/{id}.
func (h *Handlers) CancelWork(w http.ResponseWriter, r *http.Request) {
	if err := h.router.Cancel(r.Context(), urlParam(r, "id")); err != nil {
		writeDomainError(w, err, "work item is not active")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type resultRequest struct {
	WorkID     string          `json:"work_id"`
	AgentID    string          `json:"agent_id"`
	Output     json.RawMessage `json:"output"`
	Confidence float64         `json:"confidence"`
}

// IngestResult handles POST /api/results, the HTTP alternative to the
// result subject for agents without a queue connection.
func (h *Handlers) IngestResult(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[resultRequest](w, r)
	if !ok {
		return
	}
	if req.WorkID == "" || req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "work_id and agent_id are required")
		return
	}
	if req.Confidence < 0 || req.Confidence > 1 {
		writeError(w, http.StatusBadRequest, "confidence must be within [0, 1]")
		return
	}
	res := decision.AgentResult{
		WorkID:     req.WorkID,
		AgentID:    req.AgentID,
		Output:     req.Output,
		Confidence: req.Confidence,
		ReceivedAt: time.Now(),
	}
	if err := h.resolver.HandleResult(r.Context(), res); err != nil {
		writeInternalError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// GetDecision handles GET /api/decisions/{id}. Reading a decision whose
// escalation is still pending yields 409: the outcome does not exist yet.
func (h *Handlers) GetDecision(w http.ResponseWriter, r *http.Request) {
	d, err := h.audit.Decision(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "decision not found")
		return
	}
	if d.Status == decision.StatusPending {
		writeDomainError(w, fmt.Errorf("%w: decision %s", domain.ErrEscalationPending, d.ID), "")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type resolutionRequest struct {
	Reviewer   string          `json:"reviewer"`
	Resolution json.RawMessage `json:"resolution"`
}

// ResolveDecision handles POST /api/decisions/{id}/resolution, the human
// callback for an escalated decision.
func (h *Handlers) ResolveDecision(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[resolutionRequest](w, r)
	if !ok {
		return
	}
	id := urlParam(r, "id")
	if err := h.resolver.ResolveEscalation(r.Context(), id, req.Reviewer, req.Resolution); err != nil {
		writeDomainError(w, err, "decision not found")
		return
	}
	d, err := h.audit.Decision(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "decision not found")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// AuditWorkTrail handles GET /api/audit/work/{id}.
func (h *Handlers) AuditWorkTrail(w http.ResponseWriter, r *http.Request) {
	trail, err := h.audit.WorkTrail(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "work item not found")
		return
	}
	writeJSON(w, http.StatusOK, trail)
}

// AuditDecisions handles GET /api/audit/decisions?from=&to= (RFC 3339).
func (h *Handlers) AuditDecisions(w http.ResponseWriter, r *http.Request) {
	from, to, ok := parseRange(w, r)
	if !ok {
		return
	}
	decs, err := h.audit.DecisionsInRange(r.Context(), from, to)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decs)
}

// AuditRouting handles GET /api/audit/routing?from=&to= (RFC 3339).
func (h *Handlers) AuditRouting(w http.ResponseWriter, r *http.Request) {
	from, to, ok := parseRange(w, r)
	if !ok {
		return
	}
	rds, err := h.audit.RoutingInRange(r.Context(), from, to)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rds)
}

func parseRange(w http.ResponseWriter, r *http.Request) (from, to time.Time, ok bool) {
	var err error
	if from, err = time.Parse(time.RFC3339, r.URL.Query().Get("from")); err != nil {
		writeError(w, http.StatusBadRequest, "from must be an RFC 3339 timestamp")
		return from, to, false
	}
	if to, err = time.Parse(time.RFC3339, r.URL.Query().Get("to")); err != nil {
		writeError(w, http.StatusBadRequest, "to must be an RFC 3339 timestamp")
		return from, to, false
	}
	if to.Before(from) {
		writeError(w, http.StatusBadRequest, "to must not precede from")
		return from, to, false
	}
	return from, to, true
}

// Health handles GET /health.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	status := http.StatusOK
	overall := "ok"
	natsStatus := "connected"
	if h.mq != nil && !h.mq.IsConnected() {
		status = http.StatusServiceUnavailable
		overall = "degraded"
		natsStatus = "disconnected"
	}
	writeJSON(w, status, map[string]any{
		"status":      overall,
		"nats":        natsStatus,
		"agents":      len(h.registry.List()),
		"queue_depth": h.router.QueueDepth(),
		"ws_clients":  h.hub.ConnectionCount(),
	})
}

// HandleWS handles GET /ws, upgrading to the live event stream.
func (h *Handlers) HandleWS(w http.ResponseWriter, r *http.Request) {
	h.hub.HandleWS(w, r)
}
