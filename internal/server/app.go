package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/PaulHalonen/truevault-vpn-sub004/internal/api"
	"github.com/PaulHalonen/truevault-vpn-sub004/internal/config"
	"github.com/PaulHalonen/truevault-vpn-sub004/internal/middleware"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 15 * time.Second

// App is the peerd HTTP service
type App struct {
	cfg        *config.Config
	log        logrus.FieldLogger
	rt         *Runtime
	Router     *chi.Mux
	httpServer *http.Server
}

// Initialize opens the runtime and builds the router
func (a *App) Initialize(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) error {
	a.cfg = cfg
	a.log = log

	rt, err := Open(ctx, cfg, log)
	if err != nil {
		return err
	}
	a.rt = rt

	a.Router = chi.NewRouter()
	a.Router.Use(
		middleware.RequestID,
		chimw.RealIP,
		middleware.Recoverer(log),
		middleware.Logger(log),
	)

	api.NewAPI(rt.Service, log,
		api.WithToken(cfg.Server.APIToken),
		api.WithReadiness(rt.Ready),
	).RegisterRoutes(a.Router)

	_ = chi.Walk(a.Router, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		log.Debugf("route: %-6s %s", method, route)
		return nil
	})
	return nil
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully
func (a *App) Run(ctx context.Context) error {
	if a.Router == nil || a.cfg == nil {
		return fmt.Errorf("server not initialized")
	}

	bind := a.cfg.ListenAddr()
	a.httpServer = &http.Server{
		Addr:              bind,
		Handler:           a.Router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Issue waits on the gateway for up to its timeout
		WriteTimeout: a.cfg.GatewayAPI.Timeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 1)
	go func() {
		a.log.Infof("HTTP listening on %s", bind)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.maintain(ctx)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errc:
	}
	cancel()
	<-done

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		a.log.WithError(err).Error("http shutdown")
	}
	if serveErr != nil {
		return fmt.Errorf("http server error: %w", serveErr)
	}
	return nil
}

// maintain periodically drops expired reservations and retries gateway
// removals of revoked peers.
func (a *App) maintain(ctx context.Context) {
	interval := a.cfg.Maintenance.Interval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.maintenanceTick(ctx)
		}
	}
}

func (a *App) maintenanceTick(ctx context.Context) {
	if n, err := a.rt.Service.Sweep(ctx); err != nil {
		a.log.WithError(err).Warn("reservation sweep failed")
	} else if n > 0 {
		a.log.WithField("count", n).Debug("expired reservations swept")
	}
	if _, err := a.rt.Service.Reconcile(ctx, a.cfg.Maintenance.ReconcileLimit); err != nil {
		a.log.WithError(err).Warn("reconcile failed")
	}
}

// Close releases the runtime
func (a *App) Close() error {
	if a.rt == nil {
		return nil
	}
	return a.rt.Close()
}
