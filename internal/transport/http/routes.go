package httptransport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"
	"go.uber.org/zap"

	_ "evaluation-service/docs"
	"evaluation-service/internal/auth"
)

type RoutesOptions struct {
	Auth     auth.Provider
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

func Routes(h *Handler, opts RoutesOptions) http.Handler {
	if opts.Auth == nil {
		opts.Auth = auth.Anonymous{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(opts.Logger))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		// webhook deliveries authenticate with the shared secret instead
		r.Post("/webhooks/evaluations", h.ReceiveWebhook)

		r.Group(func(r chi.Router) {
			r.Use(Authenticate(opts.Auth))
			r.Post("/evaluations", h.Submit)
			r.Get("/evaluations/stream", h.Stream)
			r.Get("/evaluations/{submissionId}", h.GetStatus)
		})
	})

	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	return r
}
