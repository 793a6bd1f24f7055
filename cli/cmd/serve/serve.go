package serve

import (
	"context"
	"fmt"
	"time"

	"github.com/compozy/taskengine/cli/cmd"
	"github.com/compozy/taskengine/pkg/config"
	"github.com/compozy/taskengine/pkg/logger"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

// NewServeCommand creates the long running engine command.
func NewServeCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "serve",
		Short: "Watch conditions and run task actions",
		Long: "Start the engine: restore approved tasks and the recovery file, " +
			"poll the history service and run action chains until interrupted.",
		RunE: runServe,
	}
	flags := c.Flags()
	flags.Duration("check-interval", 0, "Interval between condition checks")
	flags.Duration("stabilization-window", 0, "Minimum age of a value before it counts")
	flags.Int("max-parallel-actions", 0, "Concurrent members of a parallel batch")
	flags.Duration("action-request-timeout", 0, "Timeout of one action invocation")
	flags.Duration("recovery-debounce-wait", 0, "Quiet period before the recovery file is written")
	flags.Duration("recovery-debounce-max", 0, "Longest delay of a recovery file write")
	flags.Duration("directory-cache-ttl", 0, "Lifetime of cached object lookups")
	flags.String("metrics-addr", "", "Listen address of the metrics endpoint")
	flags.Bool("skip-migrations", false, "Do not apply database migrations on start")
	return c
}

func runServe(c *cobra.Command, _ []string) error {
	ctx := c.Context()
	log := logger.FromContext(ctx)
	manager := config.ManagerFromContext(ctx)
	cfg := manager.Get()
	skipMigrations, err := c.Flags().GetBool("skip-migrations")
	if err != nil {
		return fmt.Errorf("failed to get skip-migrations flag: %w", err)
	}
	app, err := cmd.BuildApp(ctx, cfg, cmd.AppOptions{
		Migrate:  !skipMigrations,
		Recovery: true,
		Metrics:  cfg.Metrics.Enabled,
	})
	if err != nil {
		return err
	}
	defer app.Close(context.WithoutCancel(ctx))

	workflowFile := cfg.Workflow.File
	manager.OnChange(func(next *config.Config) {
		app.ReloadRules(ctx, next.Workflow.File)
	})
	if workflowFile != "" {
		watcher, err := config.NewWatcher()
		if err != nil {
			return err
		}
		defer watcher.Close()
		watcher.OnChange(func() { app.ReloadRules(ctx, workflowFile) })
		if err := watcher.Watch(ctx, workflowFile); err != nil {
			log.Warn("Workflow file is not watched", "file", workflowFile, "error", err)
		}
	}

	if err := app.Engine.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}
	log.Info("Task engine started",
		"check_interval", cfg.Engine.ConditionCheckInterval,
		"recovery_file", cfg.Recovery.File,
		"nats_embedded", cfg.NATS.Embedded,
	)
	g, gctx := errgroup.WithContext(ctx)
	if app.Metrics != nil {
		g.Go(func() error { return app.Metrics.Serve(gctx) })
	}
	<-gctx.Done()
	log.Info("Shutting down task engine")
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := app.Engine.Stop(stopCtx); err != nil {
		log.Error("Engine did not stop cleanly", "error", err)
	}
	return g.Wait()
}
