// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initConfig   — load the config file, publish the first snapshot
//  2. initServices — outbound client pool, model resolver, provider pool,
//     metrics, request log (plus the optional ClickHouse sink)
//  3. initGateway  — proxy engine, admin routes, HTTP server, reload hooks
package app

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/logs"
	"github.com/modelrelay/modelrelay/internal/metrics"
	"github.com/modelrelay/modelrelay/internal/models"
	"github.com/modelrelay/modelrelay/internal/pool"
	"github.com/modelrelay/modelrelay/internal/proxy"
	"github.com/modelrelay/modelrelay/internal/upstream"
)

// Options are the process-level settings that do not live in the config
// file: where the file is, where to listen, and the optional analytics
// sink.
type Options struct {
	ConfigPath    string
	Host          string
	Port          int
	ClickHouseDSN string
}

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	opts    Options
	baseCtx context.Context
	log     *slog.Logger

	store    *config.Store
	clients  *upstream.Pool
	resolver *models.Resolver
	pool     *pool.Pool
	reqlog   *logs.Logger
	prom     *metrics.Registry

	server *proxy.Server
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, opts Options, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{opts: opts, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"config", a.initConfig},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and the config watcher and blocks until ctx
// is cancelled or the server fails. It closes the app when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", a.opts.Host, a.opts.Port)

	snap := a.store.Snapshot()
	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("config", a.opts.ConfigPath),
		slog.Int("providers", len(snap.Doc.Providers)),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.server.ListenAndServe(addr)
	})

	g.Go(func() error {
		a.store.Watch(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		if err := a.server.Shutdown(); err != nil {
			a.log.Error("server shutdown error", slog.String("error", err.Error()))
		}
		a.Close()
		return nil
	})

	return g.Wait()
}

// Handler exposes the fully assembled HTTP handler for embedding and
// tests that serve on their own listener.
func (a *App) Handler() *proxy.Server { return a.server }

// Close releases all resources in reverse-init order. Safe to call
// multiple times.
func (a *App) Close() {
	if a.reqlog != nil {
		if err := a.reqlog.Close(); err != nil {
			a.log.Error("request log close error", slog.String("error", err.Error()))
		}
		a.reqlog = nil
	}
	if a.clients != nil {
		a.clients.Close()
		a.clients = nil
	}
}
