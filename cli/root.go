package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/compozy/taskengine/cli/cmd/recovery"
	"github.com/compozy/taskengine/cli/cmd/run"
	"github.com/compozy/taskengine/cli/cmd/serve"
	"github.com/compozy/taskengine/cli/cmd/version"
	"github.com/compozy/taskengine/cli/cmd/workflow"
	"github.com/compozy/taskengine/cli/helpers"
	"github.com/compozy/taskengine/pkg/config"
	"github.com/compozy/taskengine/pkg/logger"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const defaultEnvFile = ".env"

func RootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "taskengine",
		Short:         "Run task actions when monitored conditions occur",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return SetupGlobalConfig(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return config.ManagerFromContext(cmd.Context()).Close(cmd.Context())
		},
	}
	flags := root.PersistentFlags()
	flags.String("config", "", "Path to the YAML configuration file")
	flags.String("env-file", defaultEnvFile, "Environment file loaded before the configuration")
	flags.String("log-level", "", "Log level (debug, info, warn, error, disabled)")
	flags.Bool("log-json", false, "Emit logs as JSON")
	flags.Bool("log-source", false, "Include the source location in logs")
	flags.String("db-conn-string", "", "PostgreSQL connection string")
	flags.String("redis-addr", "", "History Redis address")
	flags.String("nats-url", "", "NATS server URL")
	flags.Bool("nats-embedded", false, "Start an in-process NATS server")
	flags.String("recovery-file", "", "Path of the recovery file")
	flags.String("workflow-file", "", "Path of the workflow rules file")
	root.AddCommand(
		serve.NewServeCommand(),
		run.NewRunCommand(),
		recovery.NewRecoveryCommand(),
		workflow.NewWorkflowCommand(),
		version.NewVersionCommand(),
	)
	return root
}

// SetupGlobalConfig loads the env file and the configuration, then attaches
// the config manager and the logger to the command context.
func SetupGlobalConfig(cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := loadEnvFile(cmd); err != nil {
		return err
	}
	configFile, err := cmd.Flags().GetString("config")
	if err != nil {
		return fmt.Errorf("failed to get config flag: %w", err)
	}
	sources := []config.Source{config.NewDefaultProvider(), config.NewEnvProvider()}
	if configFile != "" {
		sources = append(sources, config.NewYAMLProvider(configFile))
	}
	sources = append(sources, config.NewCLIProvider(helpers.ExtractCLIFlags(cmd)))
	manager := config.NewManager(config.NewService())
	cfg, err := manager.Load(ctx, sources...)
	if err != nil {
		return err
	}
	log := logger.SetupLogger(cfg.Runtime.LogLevel, cfg.Runtime.LogJSON, cfg.Runtime.LogSource)
	ctx = logger.ContextWithLogger(ctx, log)
	ctx = config.ContextWithManager(ctx, manager)
	cmd.SetContext(ctx)
	log.Debug("Configuration loaded", "config_file", configFile, "environment", cfg.Runtime.Environment)
	return nil
}

// loadEnvFile loads the env file without overriding the environment. The
// default file may be absent; an explicit one may not.
func loadEnvFile(cmd *cobra.Command) error {
	envFile, err := cmd.Flags().GetString("env-file")
	if err != nil {
		return fmt.Errorf("failed to get env-file flag: %w", err)
	}
	if envFile == "" {
		return nil
	}
	if _, err := os.Stat(envFile); err != nil {
		if errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("env-file") {
			return nil
		}
		return fmt.Errorf("env file %s: %w", envFile, err)
	}
	if err := godotenv.Load(envFile); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", envFile, err)
	}
	return nil
}
