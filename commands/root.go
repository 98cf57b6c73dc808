// Package commands wires the helphub CLI.
package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"helphub/config"
	"helphub/observability"
)

var (
	dataDir  string
	logLevel string

	env *appEnv
)

// appEnv is what every subcommand shares after PersistentPreRunE.
type appEnv struct {
	cfg     *config.DeviceConfig
	cfgPath string
	dataDir string
	logger  *zap.Logger
}

// Execute runs the root command.
func Execute() error {
	root := &cobra.Command{
		Use:           "helphub",
		Short:         "Offline peer-to-peer help requests over nearby devices",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if dataDir != "" {
				if err := os.Setenv(config.DataDirEnv, dataDir); err != nil {
					return err
				}
			}
			cfg, cfgPath, dir, err := config.LoadOrCreate()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if logLevel != "" {
				cfg.Log.Level = logLevel
			}
			logger, err := observability.SetupLogger(cfg.Log)
			if err != nil {
				return fmt.Errorf("set up logger: %w", err)
			}
			env = &appEnv{cfg: cfg, cfgPath: cfgPath, dataDir: dir, logger: logger}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if env != nil {
				_ = env.logger.Sync()
			}
		},
	}

	root.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (default OS config dir, or $"+config.DataDirEnv+")")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")

	root.AddCommand(runCmd(), simCmd(), historyCmd(), infoCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return err
	}
	return nil
}
