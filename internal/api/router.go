package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	apimiddleware "github.com/phrazzld/tasktree/internal/api/middleware"
)

// NewRouter wires the ops endpoints.
func NewRouter(h *OpsHandler, log *slog.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(apimiddleware.Trace(log))
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", h.Health)
	r.Get("/stats", h.Stats)
	r.Get("/trees", h.ListTrees)
	r.Get("/trees/{id}", h.GetTree)
	r.Get("/archive", h.ListArchive)
	r.Get("/locks/*", h.GetLock)

	return r
}
