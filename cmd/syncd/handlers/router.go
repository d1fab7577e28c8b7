package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter builds the daemon API. ws serves live events on /ws and may be nil.
func NewRouter(syncHandler *SyncHandler, ws http.Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(api chi.Router) {
		api.Get("/health", Health)
		api.Route("/sync", syncHandler.Routes)
	})
	if ws != nil {
		r.Handle("/ws", ws)
	}
	return r
}

// Health handles GET /api/health
func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"service": "syncd",
	})
}
