package server

import (
	"log/slog"
	"net/http"

	"github.com/cloo-solutions/crewbot/internal/api"
	"github.com/cloo-solutions/crewbot/internal/api/handlers"
	"github.com/cloo-solutions/crewbot/internal/api/middleware"
	"github.com/go-chi/chi/v5"
)

const maxWebhookBodyBytes int64 = 64 * 1024

// StatusReporter describes retrieval readiness for /health.
type StatusReporter interface {
	Status() string
}

type RouterConfig struct {
	MessageHandler *handlers.MessageHandler
	Retrieval      StatusReporter
	Logger         *slog.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.SentryMiddleware)
	r.Use(middleware.AccessLog(cfg.Logger))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		status := map[string]string{"status": "ok"}
		if cfg.Retrieval != nil {
			status["retrieval"] = cfg.Retrieval.Status()
		}
		api.Success(w, http.StatusOK, status)
	})

	// Backstop is outermost so even probe or body-limit failures get a reply.
	r.With(
		middleware.Backstop,
		middleware.ProbeGuard,
		middleware.MaxBodyBytes(maxWebhookBodyBytes),
	).HandleFunc("/webhook/messages", cfg.MessageHandler.Receive)

	return r
}
