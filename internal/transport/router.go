package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/stageflow/internal/capability"
	"github.com/pitabwire/stageflow/internal/config"
	"github.com/pitabwire/stageflow/internal/definition"
	"github.com/pitabwire/stageflow/internal/dependency"
	"github.com/pitabwire/stageflow/internal/idempotency"
	"github.com/pitabwire/stageflow/internal/observability"
	"github.com/pitabwire/stageflow/internal/progress"
	"github.com/pitabwire/stageflow/internal/store"
	"github.com/pitabwire/stageflow/internal/template"
	"github.com/pitabwire/stageflow/internal/workflow"
	"github.com/pitabwire/stageflow/model"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Authenticate func(http.Handler) http.Handler
	Metrics      *observability.Metrics
	Gatherer     prometheus.Gatherer
	Readiness    observability.ReadinessChecks

	Engine       *workflow.Engine
	Listeners    *workflow.Listeners
	Resolver     *dependency.Resolver
	Instantiator *template.Instantiator
	Progress     *progress.Calculator
	Definitions  *definition.Registry
	Tasks        store.TaskStore
	Projects     store.ProjectStore
	Idempotency  idempotency.Store

	// Capabilities gates routes by role. Nil allows every authenticated
	// caller.
	Capabilities *capability.Resolver
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	deps.Logger = logger

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	// Public routes bypass authentication.
	r.Get("/ui/health", observability.HandleHealth())
	r.Get("/ui/ready", observability.HandleReady(deps.Readiness))
	if deps.Gatherer != nil {
		metricsPath := deps.Config.Observability.MetricsPath
		if metricsPath == "" {
			metricsPath = "/metrics"
		}
		r.Method(http.MethodGet, metricsPath, observability.Handler(deps.Gatherer))
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Group(func(r chi.Router) {
		r.Use(observability.TracingMiddleware)
		r.Use(deps.Metrics.MetricsMiddleware)
		r.Use(auth)
		r.Use(BuildScope(deps.Config.Identity.ClaimPaths))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		need := func(caps ...string) func(http.Handler) http.Handler {
			return RequireCapability(deps.Capabilities, logger, caps...)
		}

		r.Route("/api/projects", func(r chi.Router) {
			r.With(need(model.CapProjectsWrite)).Post("/", handleProjectCreate(deps))
			r.Route("/{projectId}", func(r chi.Router) {
				r.With(need(model.CapProjectsRead)).Get("/", handleProjectGet(deps))
				r.With(need(model.CapTransition)).Post("/transitions", handleTransition(deps))
				r.With(need(model.CapRollback)).Post("/rollback", handleRollback(deps))
				r.With(need(model.CapProjectsRead)).Get("/progress", handleProgressGet(deps))
				r.With(need(model.CapProjectsWrite)).Post("/progress/refresh", handleProgressRefresh(deps))
				r.With(need(model.CapProjectsRead)).Get("/stages/{stage}/completion", handleStageCompletion(deps))
				r.With(need(model.CapTasksWrite)).Post("/stages/{stage}/tasks", handleStageTasksCreate(deps))
				r.With(need(model.CapMaintain)).Post("/integrity-check", handleIntegrityCheck(deps))
				r.With(need(model.CapMaintain)).Post("/deadlines/{stage}", handleDeadlines(deps))
				r.With(need(model.CapMaintain)).Post("/listener", handleListenerStart(deps))
				r.With(need(model.CapMaintain)).Delete("/listener", handleListenerStop(deps))
				r.With(need(model.CapTasksWrite)).Post("/tasks", handleTaskCreate(deps))
				r.With(need(model.CapProjectsRead)).Get("/tasks", handleTaskList(deps))
			})
		})
		r.With(need(model.CapTasksWrite)).Patch("/api/tasks/{taskId}", handleTaskUpdate(deps))
		r.With(need(model.CapDefinitionsRead)).Get("/api/definitions/transitions/{from}/{to}", handleDefinitionGet(deps))
	})

	return r
}
