package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/passportd/passportd/pkg/engine"
	"github.com/passportd/passportd/pkg/policy"
	"github.com/passportd/passportd/pkg/telemetry"
)

// Default authentication headers.
const (
	DefaultUserHeader     = "X-Passport-User"
	DefaultRulesHeader    = "X-Passport-Rules"
	DefaultEmployeeHeader = "X-Passport-Employee"
)

// Authorizer decides whether a user may perform an action.
type Authorizer interface {
	Authorize(ctx context.Context, user *engine.User, action string) error
}

// EmployeeCache resolves employee records by content hash.
type EmployeeCache interface {
	Get(ctx context.Context, hash string) (*engine.Employee, error)
	Put(ctx context.Context, employees []engine.Employee) (int, error)
}

// HealthCheck checks one dependency.
type HealthCheck func(ctx context.Context) error

// Options configures request handling.
type Options struct {
	UserHeader     string
	RulesHeader    string
	EmployeeHeader string

	// RequestTimeout bounds each request's context. Zero disables it.
	RequestTimeout time.Duration
}

// Deps holds the collaborators behind the API.
type Deps struct {
	Units      *engine.UnitService
	Protocols  *engine.ProtocolService
	Employees  EmployeeCache
	Authorizer Authorizer

	// Checks are run by the health endpoint, keyed by dependency name.
	Checks map[string]HealthCheck

	// Metrics and Tracer may be nil.
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer

	Logger zerolog.Logger
}

type server struct {
	deps     Deps
	opts     Options
	validate *validator.Validate
	logger   zerolog.Logger
}

// NewRouter builds the HTTP handler for the API.
func NewRouter(deps Deps, opts Options) http.Handler {
	if opts.UserHeader == "" {
		opts.UserHeader = DefaultUserHeader
	}
	if opts.RulesHeader == "" {
		opts.RulesHeader = DefaultRulesHeader
	}
	if opts.EmployeeHeader == "" {
		opts.EmployeeHeader = DefaultEmployeeHeader
	}

	s := &server{
		deps:     deps,
		opts:     opts,
		validate: validator.New(),
		logger:   deps.Logger.With().Str("component", "api").Logger(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.instrument)
	r.Use(middleware.Recoverer)
	if opts.RequestTimeout > 0 {
		r.Use(middleware.Timeout(opts.RequestTimeout))
	}

	r.Get("/healthz", s.health)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, deps.Metrics.Path(), deps.Metrics.Handler())
	}

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(s.authenticate)

		api.Route("/passports", func(pr chi.Router) {
			pr.With(s.authorize(policy.ActionPassportCreate)).Post("/", s.createPassport)
			pr.With(s.authorize(policy.ActionPassportCancel)).Post("/revision/cancel", s.cancelRevision)
			pr.With(s.authorize(policy.ActionPassportRead)).Get("/{unitID}", s.getPassport)
			pr.With(s.authorize(policy.ActionPassportDelete)).Delete("/{unitID}", s.deletePassport)
			pr.With(s.authorize(policy.ActionPassportStages)).Post("/{unitID}/stages", s.recordStages)
			pr.With(s.authorize(policy.ActionPassportSerial)).Post("/{unitID}/serial", s.setSerialNumber)
			pr.With(s.authorize(policy.ActionPassportRevision)).Post("/{unitID}/revision", s.sendForRevision)
			pr.With(s.authorize(policy.ActionPassportBuilt)).Post("/{unitID}/built", s.markBuilt)
			pr.With(s.authorize(policy.ActionPassportApprove)).Post("/{unitID}/approve", s.approvePassport)
			pr.With(s.authorize(policy.ActionPassportFinalize)).Post("/{unitID}/finalize", s.finalizePassport)
		})

		api.Route("/protocols", func(pr chi.Router) {
			pr.With(s.authorize(policy.ActionProtocolRead)).Get("/", s.listProtocols)
			pr.With(s.authorize(policy.ActionProtocolRead)).Get("/pending", s.listPendingProtocols)
			pr.With(s.authorize(policy.ActionProtocolRead)).Get("/statuses", s.listProtocolStatuses)
			pr.With(s.authorize(policy.ActionProtocolRead)).Get("/{unitID}", s.getProtocol)
			pr.With(s.authorize(policy.ActionProtocolUpdate)).Post("/{unitID}", s.updateProtocol)
			pr.With(s.authorize(policy.ActionProtocolAdvance)).Post("/{unitID}/advance", s.advanceProtocol)
			pr.With(s.authorize(policy.ActionProtocolApprove)).Post("/{unitID}/approve", s.approveProtocol)
			pr.With(s.authorize(policy.ActionProtocolRemove)).Delete("/{unitID}", s.removeProtocol)
		})

		api.Route("/employees", func(er chi.Router) {
			er.With(s.authorize(policy.ActionEmployeeCache)).Post("/", s.cacheEmployees)
			er.With(s.authorize(policy.ActionEmployeeDecode)).Get("/{hash}", s.decodeEmployee)
		})
	})

	return r
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	checks := make(map[string]string, len(s.deps.Checks))
	for name, check := range s.deps.Checks {
		if err := check(r.Context()); err != nil {
			s.logger.Warn().Err(err).Str("check", name).Msg("Health check failed")
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	writeJSON(w, status, map[string]interface{}{
		"status": overall,
		"checks": checks,
	})
}
