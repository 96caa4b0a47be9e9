package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Get("/health", h.Health)
	r.Get("/ws", h.HandleWS)

	r.Route("/api", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Agent fleet
		r.Post("/agents", h.RegisterAgent)
		r.Get("/agents", h.ListAgents)
		r.Get("/agents/{id}", h.GetAgent)
		r.Post("/agents/{id}/heartbeat", h.HeartbeatAgent)
		r.Delete("/agents/{id}", h.DeregisterAgent)

		// Work items
		r.Post("/work", h.SubmitWork)
		r.Get("/work/{id}", h.GetWork)
		r.Delete("/work/{id}", h.CancelWork)

		// Result ingestion for agents without a queue connection
		r.Post("/results", h.IngestResult)

		// Decisions and escalation callback
		r.Get("/decisions/{id}", h.GetDecision)
		r.Post("/decisions/{id}/resolution", h.ResolveDecision)

		// Audit queries
		r.Get("/audit/work/{id}", h.AuditWorkTrail)
		r.Get("/audit/decisions", h.AuditDecisions)
		r.Get("/audit/routing", h.AuditRouting)
	})
}
