package api

import (
	"context"
	"net/http"

	"github.com/PaulHalonen/truevault-vpn-sub004/internal/domain"
	"github.com/PaulHalonen/truevault-vpn-sub004/internal/provision"
	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
)

// Provisioner is the subset of provision.Service the HTTP API drives
type Provisioner interface {
	Issue(ctx context.Context, req provision.IssueRequest) (provision.IssueResult, error)
	Status(ctx context.Context, userID int64) ([]domain.PeerAssignment, error)
	Config(ctx context.Context, userID int64, gatewayID string) (provision.IssueResult, error)
	Revoke(ctx context.Context, userID int64, gatewayID string) (provision.RevokeResult, error)
	RevokeAll(ctx context.Context, userID int64) (provision.RevokeSummary, error)
	Switch(ctx context.Context, req provision.SwitchRequest) (provision.SwitchResult, error)
	ListGateways(ctx context.Context) ([]provision.GatewayInfo, error)
	SetGatewayStatus(ctx context.Context, gatewayID string, status domain.GatewayStatus) error
	Reconcile(ctx context.Context, limit int) (provision.ReconcileSummary, error)
	Sweep(ctx context.Context) (int, error)
}

// API holds the provisioning service behind the HTTP handlers
type API struct {
	svc   Provisioner
	log   logrus.FieldLogger
	token string
	ready func(context.Context) error
}

// Option configures an API
type Option func(*API)

// WithToken requires "Authorization: Bearer <token>" on every /api/v0 route.
// An empty token leaves the API open.
func WithToken(token string) Option {
	return func(a *API) { a.token = token }
}

// WithReadiness registers the check served on /readyz
func WithReadiness(check func(context.Context) error) Option {
	return func(a *API) { a.ready = check }
}

// NewAPI creates a new API instance around svc
func NewAPI(svc Provisioner, log logrus.FieldLogger, opts ...Option) *API {
	if log == nil {
		log = logrus.StandardLogger()
	}
	a := &API{svc: svc, log: log}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// RegisterRoutes registers all API endpoints to the given chi router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", a.livenessHandler)
	r.Get("/readyz", a.readinessHandler)

	r.Route("/api/v0", func(r chi.Router) {
		r.Use(RequireToken(a.token))

		// Gateway administration
		r.Route("/gateways", func(r chi.Router) {
			r.Get("/", a.listGatewaysHandler)
			r.Put("/{gatewayID}/status", a.setGatewayStatusHandler)
		})

		// Per-user peer lifecycle
		r.Route("/users/{userID}", func(r chi.Router) {
			r.Post("/peers", a.issueHandler)
			r.Get("/peers", a.statusHandler)
			r.Delete("/peers", a.revokeAllHandler)
			r.Delete("/peers/{gatewayID}", a.revokeHandler)
			r.Get("/peers/{gatewayID}/config", a.configHandler)
			r.Get("/peers/{gatewayID}/config.png", a.configQRHandler)
			r.Post("/switch", a.switchHandler)
		})

		r.Post("/maintenance/reconcile", a.reconcileHandler)
		r.Post("/maintenance/sweep", a.sweepHandler)
	})
}

func (a *API) livenessHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok\n")); err != nil {
		a.log.WithError(err).Debug("failed to write liveness response")
	}
}

func (a *API) readinessHandler(w http.ResponseWriter, r *http.Request) {
	if a.ready != nil {
		if err := a.ready(r.Context()); err != nil {
			a.log.WithError(err).Warn("readiness check failed")
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	a.livenessHandler(w, r)
}
