package httptransport

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	httpSwagger "github.com/swaggo/http-swagger"

	"leadmark-worker/internal/metrics"
)

func Routes(h *Handler, log *slog.Logger) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(log))

	r.Get("/health", h.Health)
	r.Handle("/metrics", metrics.Handler())

	r.With(WebhookAuth(h.opts.WebhookToken)).Post("/webhooks/postmark/inbound", h.InboundWebhook)

	r.Route("/queues/{queue}", func(r chi.Router) {
		r.Use(WebhookAuth(h.opts.WebhookToken))
		r.Get("/failed", h.FailedJobs)
		r.Get("/counts", h.QueueCounts)
	})

	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	return r
}
