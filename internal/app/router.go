package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	audithttp "github.com/rotafood/rotafood/internal/audit/http"
	"github.com/rotafood/rotafood/internal/auth"
	"github.com/rotafood/rotafood/internal/delivery"
	"github.com/rotafood/rotafood/internal/feed"
	"github.com/rotafood/rotafood/internal/notify"
	"github.com/rotafood/rotafood/internal/observability"
	"github.com/rotafood/rotafood/internal/platform/httpx"
	"github.com/rotafood/rotafood/internal/settlement"
	"github.com/rotafood/rotafood/internal/shared"
	"github.com/rotafood/rotafood/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	SessionManager *shared.SessionManager
	CSRFManager    *shared.CSRFManager
	Metrics        *observability.Metrics

	AuthHandler       *auth.Handler
	DeliveryHandler   *delivery.Handler
	SettlementHandler *settlement.Handler
	NotifyHandler     *notify.Handler
	AuditHandler      *audithttp.Handler
	FeedHandler       *feed.Handler
	JobHandler        *jobs.Handler

	// ReadinessChecks back GET /readyz, keyed by dependency name.
	ReadinessChecks map[string]func(context.Context) error
}

// NewRouter constructs the chi.Router with rotafood defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	// Probes bypass sessions so they keep answering while Redis is down.
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", readiness(params.ReadinessChecks))
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		for _, mw := range MiddlewareStack(MiddlewareConfig{
			Logger:         params.Logger,
			Config:         params.Config,
			SessionManager: params.SessionManager,
			CSRFManager:    params.CSRFManager,
			Metrics:        params.Metrics,
		}) {
			r.Use(mw)
		}
		r.Use(chimw.Logger)

		r.Route("/api", func(r chi.Router) {
			// Change streams stay open for as long as the client listens.
			if params.FeedHandler != nil {
				params.FeedHandler.MountStreams(r)
			}

			r.Group(func(r chi.Router) {
				r.Use(chimw.Timeout(requestTimeout(params.Config)))

				if params.AuthHandler != nil {
					params.AuthHandler.MountRoutes(r)
				}
				if params.DeliveryHandler != nil {
					params.DeliveryHandler.MountRoutes(r)
				}
				if params.SettlementHandler != nil {
					params.SettlementHandler.MountRoutes(r)
				}
				if params.NotifyHandler != nil {
					params.NotifyHandler.MountRoutes(r)
				}
				if params.AuditHandler != nil {
					params.AuditHandler.MountRoutes(r)
				}
				if params.FeedHandler != nil {
					params.FeedHandler.MountDashboard(r)
				}
				if params.JobHandler != nil {
					r.With(auth.RequireUser).Route("/jobs", params.JobHandler.MountRoutes)
				}
			})
		})
	})

	return r
}

func readiness(checks map[string]func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		status := make(map[string]string, len(checks))
		code := http.StatusOK
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status[name] = err.Error()
				code = http.StatusServiceUnavailable
				continue
			}
			status[name] = "ok"
		}
		httpx.JSON(w, code, status)
	}
}

func requestTimeout(cfg *Config) time.Duration {
	if cfg == nil || cfg.AppRequestTimeout <= 0 {
		return 30 * time.Second
	}
	return cfg.AppRequestTimeout
}
