package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/starford/gitadr/internal/adrservice"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(svc *adrservice.Service, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(svc)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	// ADR CRUD.
	r.Get("/adrs", h.ListADRs)
	r.Post("/adrs", h.CreateADR)
	r.Get("/adrs/{id}", h.GetADR)
	r.Put("/adrs/{id}", h.UpdateADR)
	r.Delete("/adrs/{id}", h.DeleteADR)
	r.Post("/adrs/{id}/supersede", h.Supersede)
	r.Post("/adrs/{id}/commits", h.LinkCommit)

	// Artifacts.
	r.Get("/adrs/{id}/artifacts", h.ListArtifacts)
	r.Post("/adrs/{id}/artifacts", h.UploadArtifact)
	r.Delete("/adrs/{id}/artifacts/{sha}", h.DetachArtifact)
	r.Get("/artifacts/{sha}", h.ServeArtifact)

	// Search and reports.
	r.Get("/search", h.Search)
	r.Get("/stats", h.Stats)
	r.Get("/problems", h.Problems)

	// Sync.
	r.Post("/sync/pull", h.Pull)
	r.Post("/sync/push", h.Push)

	// SSE endpoint (protected by same auth middleware).
	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
