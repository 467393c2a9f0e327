package app

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"quantumleap/internal/config"
	"quantumleap/internal/logger"
	"quantumleap/internal/scheduler"
)

// HTTPServer is implemented by the transport layer. App does not import it
// directly so the transport can depend on the service facade.
type HTTPServer interface {
	Start(ctx context.Context) error
	Addr() string
}

// App owns application-level orchestration: build the dependency graph,
// then run the HTTP transport and the background schedulers until the
// context is cancelled.
type App struct {
	cfg   *config.Config
	comps *components
}

// New builds the application object without starting it.
func New(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	comps, err := buildComponents(cfg)
	if err != nil {
		return nil, err
	}
	return &App{cfg: cfg, comps: comps}, nil
}

// Service exposes the facade for the transport layer.
func (a *App) Service() *Service {
	if a == nil || a.comps == nil {
		return nil
	}
	return a.comps.service
}

// Run starts the HTTP server, the token refresh sweep, and the connection
// monitor. It returns when the context is cancelled or a component fails.
func (a *App) Run(ctx context.Context, srv HTTPServer) error {
	if a == nil || a.comps == nil {
		return fmt.Errorf("app not initialized")
	}
	group, ctx := errgroup.WithContext(ctx)

	if srv != nil {
		group.Go(func() error {
			logger.Infof("http server listening on %s", srv.Addr())
			if err := srv.Start(ctx); err != nil {
				return fmt.Errorf("http server error: %w", err)
			}
			return nil
		})
	}

	sweep := scheduler.IntervalScheduler{
		Name:     "token-sweep",
		Interval: a.cfg.Tokens.SweepInterval(),
	}
	group.Go(func() error {
		return sweep.Run(ctx, a.comps.manager.Sweep)
	})

	mon := scheduler.IntervalScheduler{
		Name:           "connection-monitor",
		Interval:       a.cfg.Monitor.Interval(),
		RunImmediately: true,
	}
	group.Go(func() error {
		return mon.Run(ctx, a.comps.monitor.CheckAll)
	})

	return group.Wait()
}
