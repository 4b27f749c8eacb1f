package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/fleetyard/crewflow/internal/config"
	"github.com/fleetyard/crewflow/internal/instance"
	"github.com/fleetyard/crewflow/internal/observability"
	"github.com/fleetyard/crewflow/internal/progress"
	"github.com/fleetyard/crewflow/internal/review"
	"github.com/fleetyard/crewflow/internal/template"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Metrics      *observability.Metrics
	Authenticate func(http.Handler) http.Handler
	Readiness    observability.ReadinessChecks

	Instances *instance.Manager
	Tracker   *progress.Tracker
	Reviews   *review.Service
	Templates *template.Service
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	// Public routes bypass authentication.
	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(deps.Readiness))
	r.Method(http.MethodGet, "/metrics", observability.Handler())

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Group(func(r chi.Router) {
		r.Use(observability.TracingMiddleware)
		r.Use(auth)
		r.Use(BuildRequestContext(deps.Config.Identity.ClaimPaths))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))
		if deps.Metrics != nil {
			r.Use(deps.Metrics.MetricsMiddleware)
		}

		r.Post("/api/workflows/{slug}/start", handleWorkflowStart(deps.Instances))
		r.Get("/api/instances", handleInstanceList(deps.Instances))
		r.Get("/api/instances/{instanceId}", handleInstanceGet(deps.Instances))
		r.Post("/api/instances/{instanceId}/cancel", handleInstanceCancel(deps.Instances))
		r.Get("/api/instances/{instanceId}/progress", handleProgressList(deps.Tracker))
		r.Post("/api/instances/{instanceId}/progress", handleProgressUpdate(deps.Tracker))
		r.Get("/api/instances/{instanceId}/reviews", handleReviewList(deps.Reviews))
		r.Post("/api/reviews/{progressId}/decide", handleReviewDecide(deps.Reviews))

		r.Post("/api/templates", handleTemplateCreate(deps.Templates))
		r.Get("/api/templates/{slug}", handleTemplateGet(deps.Templates))
		r.Post("/api/templates/{templateId}/activate", handleTemplateActivate(deps.Templates))
		r.Post("/api/templates/{templateId}/archive", handleTemplateArchive(deps.Templates))
	})

	return r
}
