package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cloo-solutions/regaudit/internal/api"
	"github.com/cloo-solutions/regaudit/internal/api/handlers"
	"github.com/cloo-solutions/regaudit/internal/api/middleware"
)

// DefaultMaxBodyBytes bounds request bodies, webhook payloads included
const DefaultMaxBodyBytes int64 = 5 * 1024 * 1024

type RouterConfig struct {
	CaseHandler   *handlers.CaseHandler
	EventHandler  *handlers.EventHandler
	SourceHandler *handlers.SourceHandler
	MaxBodyBytes  int64
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	maxBody := cfg.MaxBodyBytes
	if maxBody == 0 {
		maxBody = DefaultMaxBodyBytes
	}

	r.Use(middleware.RequestID)
	r.Use(middleware.SentryMiddleware)
	r.Use(middleware.AccessLog)
	r.Use(middleware.MaxBodyBytes(maxBody))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		api.Success(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/webhooks/github", cfg.EventHandler.GitHubWebhook)
	r.Post("/events", cfg.EventHandler.Manual)

	r.Route("/cases", func(r chi.Router) {
		r.Post("/", cfg.CaseHandler.Start)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", cfg.CaseHandler.Get)
			r.Post("/resume", cfg.CaseHandler.Resume)
			r.Post("/cancel", cfg.CaseHandler.Cancel)
			r.Post("/approval", cfg.CaseHandler.SubmitApproval)
			r.Post("/tickets/retry", cfg.CaseHandler.RetryTickets)
			r.Get("/events", cfg.CaseHandler.ListEvents)
			r.Get("/verdicts", cfg.CaseHandler.ListVerdicts)
			r.Get("/report", cfg.CaseHandler.Report)
		})
	})

	r.Patch("/verdicts/{id}", cfg.CaseHandler.ReviewVerdict)

	r.Post("/sources", cfg.SourceHandler.IngestSource)

	r.Route("/regulations", func(r chi.Router) {
		r.Get("/", cfg.SourceHandler.ListRegulations)
		r.Post("/{id}/ensure", cfg.SourceHandler.EnsureRegulation)
	})

	r.Route("/repositories", func(r chi.Router) {
		r.Post("/", cfg.SourceHandler.CreateRepository)
		r.Get("/", cfg.SourceHandler.ListRepositories)
	})

	return r
}
