package cmd

import (
	"context"
	"fmt"

	"github.com/compozy/taskengine/engine/infra/cache"
	"github.com/compozy/taskengine/engine/infra/monitoring"
	natsinfra "github.com/compozy/taskengine/engine/infra/nats"
	"github.com/compozy/taskengine/engine/infra/postgres"
	"github.com/compozy/taskengine/engine/recovery"
	"github.com/compozy/taskengine/engine/runner"
	"github.com/compozy/taskengine/engine/variables"
	"github.com/compozy/taskengine/engine/workflow"
	"github.com/compozy/taskengine/pkg/config"
	"github.com/compozy/taskengine/pkg/logger"
	"github.com/spf13/afero"
)

// AppOptions selects the optional parts of the application.
type AppOptions struct {
	Migrate  bool
	Recovery bool
	Metrics  bool
}

// App wires the engine to its infrastructure.
type App struct {
	Engine   *runner.Engine
	Rules    *workflow.Rules
	Metrics  *monitoring.Service
	Postgres *postgres.Store

	closers []func(ctx context.Context)
}

// BuildApp connects every backend named in cfg and builds the engine. On
// error everything opened so far is closed.
func BuildApp(ctx context.Context, cfg *config.Config, opts AppOptions) (_ *App, err error) {
	app := &App{}
	defer func() {
		if err != nil {
			app.Close(ctx)
		}
	}()
	pgCfg := postgres.FromAppConfig(&cfg.Database)
	if opts.Migrate {
		if err := postgres.ApplyMigrationsWithLock(ctx, pgCfg.DSN()); err != nil {
			return nil, err
		}
	}
	store, err := postgres.NewStore(ctx, pgCfg)
	if err != nil {
		return nil, err
	}
	app.Postgres = store
	app.onClose(store.Close)
	tasks := postgres.NewTaskRepo(store.Pool())
	users := postgres.NewUserRepo(store.Pool())
	var directory variables.Directory = postgres.NewDirectory(store.Pool())
	if cfg.Directory.CacheEntries > 0 {
		cached, err := cache.NewDirectory(directory, &cfg.Directory)
		if err != nil {
			return nil, err
		}
		app.onClose(func(context.Context) { cached.Close() })
		directory = cached
	}
	redisCfg := cache.FromAppConfig(&cfg.Redis)
	rdb, err := cache.NewRedis(ctx, redisCfg)
	if err != nil {
		return nil, err
	}
	app.onClose(func(context.Context) { _ = rdb.Close() })
	history := cache.NewHistory(rdb.Client(), redisCfg)

	natsURL := cfg.NATS.URL
	if cfg.NATS.Embedded {
		srv, err := natsinfra.NewServer(ctx, natsinfra.DefaultServerOptions())
		if err != nil {
			return nil, err
		}
		app.onClose(func(context.Context) { srv.Shutdown() })
		natsURL = srv.ClientURL()
	}
	conn, err := natsinfra.Connect(ctx, natsURL)
	if err != nil {
		return nil, err
	}
	app.onClose(func(ctx context.Context) {
		if err := conn.Drain(); err != nil {
			logger.FromContext(ctx).Warn("NATS drain failed", "error", err)
		}
		conn.Close()
	})
	invoker := natsinfra.NewInvoker(conn, cfg.NATS.ActionSubject, cfg.NATS.RequestTimeout)
	messenger := natsinfra.NewMessenger(conn, cfg.NATS.MessageSubject, cfg.NATS.SendRetries)

	rules, err := workflow.LoadRules(afero.NewOsFs(), cfg.Workflow.File)
	if err != nil {
		return nil, err
	}
	app.Rules = rules
	notifier := workflow.NewNotifier(users, tasks, messenger, rules)

	deps := runner.Deps{
		Store:     tasks,
		Directory: directory,
		Invoker:   invoker,
		History:   history,
		Notifier:  notifier,
	}
	if opts.Recovery {
		deps.Recovery = recovery.NewStore(afero.NewOsFs(), cfg.Recovery.File)
	}
	var engineOpts []runner.Option
	var engineMetrics *monitoring.EngineMetrics
	if opts.Metrics {
		app.Metrics = monitoring.NewMonitoringServiceWithFallback(ctx, monitoring.FromAppConfig(&cfg.Metrics))
		app.onClose(func(ctx context.Context) { _ = app.Metrics.Shutdown(ctx) })
		engineMetrics, err = monitoring.NewEngineMetrics(app.Metrics.Meter())
		if err != nil {
			return nil, fmt.Errorf("failed to create engine metrics: %w", err)
		}
		notifier.WithObserver(engineMetrics)
		engineOpts = append(engineOpts, runner.WithObserver(engineMetrics))
	}
	engine, err := runner.New(ctx, cfg, deps, engineOpts...)
	if err != nil {
		return nil, err
	}
	app.Engine = engine
	if engineMetrics != nil {
		if err := engineMetrics.TrackRegistry(app.Metrics.Meter(), engine.Registry().Len); err != nil {
			return nil, fmt.Errorf("failed to track registry size: %w", err)
		}
		app.onClose(engineMetrics.Close)
	}
	return app, nil
}

func (a *App) onClose(fn func(ctx context.Context)) {
	a.closers = append(a.closers, fn)
}

// Close releases the backends in reverse order of creation.
func (a *App) Close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i](ctx)
	}
	a.closers = nil
}

// ReloadRules re-reads the workflow file into the live rule table. A file
// that fails to parse leaves the previous rules active.
func (a *App) ReloadRules(ctx context.Context, path string) {
	log := logger.FromContext(ctx)
	f, err := workflow.ParseFile(afero.NewOsFs(), path)
	if err != nil {
		log.Error("Workflow rules not reloaded", "file", path, "error", err)
		return
	}
	for _, issue := range f.Validate() {
		log.Warn("Workflow rule issue", "file", path, "issue", issue.String())
	}
	a.Rules.Set(f.Roles)
	log.Info("Workflow rules reloaded", "file", path, "roles", len(f.Roles))
}
