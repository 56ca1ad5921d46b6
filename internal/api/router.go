package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/notifyhub/dispatchd/internal/api/handler"
	apimw "github.com/notifyhub/dispatchd/internal/api/middleware"
	"github.com/notifyhub/dispatchd/internal/breaker"
	"github.com/notifyhub/dispatchd/internal/deadletter"
	"github.com/notifyhub/dispatchd/internal/queue"
	"github.com/notifyhub/dispatchd/internal/repository"
	"github.com/notifyhub/dispatchd/internal/service"
)

// Deps bundles everything the HTTP surface needs. All fields are required
// except DB, which may be nil when the readiness probe should not check a
// database.
type Deps struct {
	Service  *service.DispatchService
	Adapter  queue.Adapter
	Breakers *breaker.Registry
	DeadLets deadletter.Sink
	Repo     repository.NotificationRepository
	Registry prometheus.Gatherer
	DB       handler.Pinger
	Logger   *zap.Logger
}

// NewRouter builds the chi router with all middleware and routes attached.
// It is the single source of truth for the HTTP surface area.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(chimw.RequestSize(1 << 20))
	r.Use(apimw.RequestID)
	r.Use(apimw.RequestLogger(d.Logger))

	nh := handler.NewNotificationHandler(d.Service, d.Logger)
	bh := handler.NewBatchHandler(d.Service, d.Logger)
	oh := handler.NewOpsHandler(d.Adapter, d.Breakers, d.DeadLets, d.Repo)
	hh := handler.NewHealthHandler(d.DB)

	r.Get("/health", hh.Health)
	r.Get("/ready", hh.Ready)

	// Raw Prometheus scrape endpoint.
	r.Handle("/metrics", promhttp.HandlerFor(d.Registry, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		// /notifications/batch must be registered before /{id} so chi does
		// not treat the literal string "batch" as an ID.
		r.Post("/notifications/batch", bh.SubmitBatch)
		r.Post("/notifications", nh.Submit)
		r.Get("/notifications", nh.List)
		r.Get("/notifications/{id}", nh.GetStatus)
		r.Post("/notifications/{id}/retry", nh.Retry)
		r.Delete("/notifications/{id}", nh.Cancel)

		r.Get("/batches/{id}", bh.GetBatch)

		r.Route("/ops", func(r chi.Router) {
			r.Get("/queue", oh.QueueStats)
			r.Get("/breakers", oh.Breakers)
			r.Get("/dead-letters", oh.DeadLetters)
			r.Get("/workers", oh.Workers)
		})
	})

	return r
}
