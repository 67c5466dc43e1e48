package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/davidahmann/orca/internal/auth"
)

// NewRouter wires the decision API. /healthz stays outside authentication.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.limitRequestBody)

	r.Get("/healthz", h.Health)

	r.Group(func(r chi.Router) {
		if h.Auth != nil {
			r.Use(auth.Middleware(h.Auth))
		}
		r.Post("/v1/decisions", h.Decide)
		r.Post("/v1/decisions:batch", h.DecideBatch)
		r.Get("/v1/decisions/{decisionID}", h.GetDecision)
		r.Get("/v1/traces/{traceID}/decisions", h.ListTraceDecisions)
		// Schema types contain ':' themselves, so the ":validate" suffix is
		// split off in the handler.
		r.Post("/v1/contracts/*", h.ValidateContract)
	})

	return r
}
