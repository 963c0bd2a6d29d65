package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/approvals/internal/access"
	"github.com/pitabwire/approvals/internal/config"
	"github.com/pitabwire/approvals/internal/idempotency"
	"github.com/pitabwire/approvals/internal/observability"
	"github.com/pitabwire/approvals/internal/workflow"
	"github.com/pitabwire/approvals/model"
)

// TypeSource resolves and lists normalized application types.
// definition.Registry implements it.
type TypeSource interface {
	Lookup(typeID int64) (model.ApplicationType, bool)
	All() []model.ApplicationType
}

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Service      *workflow.Service
	Types        TypeSource
	Policy       *access.Policy
	Logger       *zap.Logger
	Metrics      *observability.Metrics
	Gatherer     prometheus.Gatherer
	Readiness    observability.ReadinessChecks
	Authenticate func(http.Handler) http.Handler
	Idempotency  idempotency.Store
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	policy := deps.Policy
	if policy == nil {
		policy = access.NewPolicy(deps.Config.Access.AdminRoleIDs...)
	}
	h := &handlers{
		svc:    deps.Service,
		types:  deps.Types,
		policy: policy,
		logger: logger,
	}
	if ic := deps.Config.Idempotency; ic.Enabled && deps.Idempotency != nil {
		h.idem = deps.Idempotency
		h.idemTTL = ic.TTL
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(observability.TracingMiddleware)
	r.Use(deps.Metrics.MetricsMiddleware)
	r.Use(RequestLogging(logger))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, model.NewNotFoundError("no route for "+r.Method+" "+r.URL.Path))
	})

	// Public routes.
	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if mc := deps.Config.Observability.Metrics; mc.Enabled && deps.Gatherer != nil {
		r.Method(http.MethodGet, mc.Path, observability.Handler(deps.Gatherer))
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContextMiddleware(deps.Config.Identity.ClaimPaths))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(BodyLimit(deps.Config.Server.MaxBodyBytes))

		r.Get("/types", h.listTypes)
		r.Get("/types/{typeId}", h.getType)

		r.Post("/applications", h.createApplication)
		r.Get("/applications", h.listApplications)
		r.Route("/applications/{id}", func(r chi.Router) {
			r.Get("/", h.getApplication)
			r.Post("/submit", h.submitApplication)
			r.Post("/approve", h.approveApplication)
			r.Post("/reject", h.rejectApplication)
			r.Post("/resend", h.resendApplication)
			r.Post("/close", h.closeApplication)
			r.Put("/values", h.updateValues)
			r.Post("/attachments", h.addAttachment)
			r.Put("/delegates/{roleId}", h.assignDelegate)
			r.Delete("/delegates/{roleId}", h.clearDelegate)
		})

		r.Post("/automation/sweep", h.runSweep)
	})

	return r
}
