package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/michaelbrown/warden/internal/app"
	"github.com/michaelbrown/warden/internal/config"
	"github.com/michaelbrown/warden/internal/logging"
)

var (
	configFlag   string
	logLevelFlag string
	envFileFlag  string

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "warden",
	Short: "Warden - sandboxed code execution for agents",
	Long: `Warden runs untrusted code on behalf of AI agents.

Every snippet is risk-assessed, risky code is held for human confirmation,
and execution is routed to a process, container or remote sandbox according
to the configured security mode.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := loadEnvFile(envFileFlag); err != nil {
			return err
		}
		var err error
		cfg, err = config.Load(configFlag)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if logLevelFlag != "" {
			cfg.Log.Level = logLevelFlag
		}
		logger, err = logging.New(cfg.Log.Level, cfg.Log.Format)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default: ./warden.yaml or ~/.warden/warden.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Log level (overrides config)")
	rootCmd.PersistentFlags().StringVar(&envFileFlag, "env-file", ".env", "Dotenv file loaded before the config")
}

// loadEnvFile loads KEY=VALUE pairs without overriding the real environment.
// A missing file is fine.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

func newApp(opts app.Options) (*app.App, error) {
	return app.New(cfg, logger, opts)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
