package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes attaches all API routes to the router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Route("/api/projects", func(r chi.Router) {
		r.Get("/", h.listProjects)
		r.Post("/", h.createProject)
		r.Route("/{name}", func(r chi.Router) {
			r.Get("/", h.getProject)
			r.Post("/start", h.startProject)
			r.Post("/stop", h.stopProject)
			r.Post("/reset", h.resetProject)
			r.Delete("/", h.deleteProject)
			r.Get("/conversation", h.getConversation)
			r.Get("/usage", h.getUsage)
			r.Put("/providers", h.updateProviders)
			r.Put("/compression", h.updateCompression)
		})
	})
	r.Get("/api/events", h.handleEvents)
}

// CORS returns middleware allowing the configured origin.
func CORS(origin string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
