package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/fulcrum-sync/internal/config"
)

var cfg *config.Config

// Persistent overrides applied on top of config.yaml and FULCRUMSYNC_* env.
var (
	registryPath string
	logLevel     string
)

var rootCmd = &cobra.Command{
	Use:          "fulcrum-sync",
	Short:        "Mirror Fulcrum forms into local spatial tables",
	Long:         "Receives Fulcrum record webhooks, fetches the authoritative records from each form's data share, and keeps a Postgres/PostGIS or SQLite table per form in step.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		applyOverrides(c, registryPath, logLevel)
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return eris.Wrap(err, "init logger")
		}
		zap.L().Debug("config loaded",
			zap.String("command", cmd.Name()),
			zap.String("store", cfg.Store.Driver),
			zap.String("registry", cfg.Registry.Path),
		)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&registryPath, "registry", "", "collection registry file (default from config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override: debug, info, warn, error")
}

// applyOverrides lets non-empty command-line values win over loaded config.
func applyOverrides(c *config.Config, registry, level string) {
	if registry != "" {
		c.Registry.Path = registry
	}
	if level != "" {
		c.Log.Level = level
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
