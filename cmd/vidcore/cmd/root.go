// Package cmd implements the CLI commands for vidcore.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kjanssen/vidcore/internal/config"
	"github.com/kjanssen/vidcore/internal/observability"
	"github.com/kjanssen/vidcore/internal/version"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string

	// cfg is the fully resolved configuration, loaded in
	// initConfigAndLogging before any subcommand's RunE runs.
	cfg *config.Config
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "vidcore",
	Short:   "Real-time video analytics pipeline daemon",
	Version: version.Short(),
	Long: `vidcore ingests multiple live or file-backed video sources into a
single shared processing graph (demux -> inference -> tracking ->
overlay -> sink), applying per-source fault isolation: circuit
breakers, backoff-scheduled recovery, and health monitoring keep one
misbehaving source from affecting the others.

Sources are added, removed, and inspected at runtime through the
embedded HTTP control plane. The configuration sets limits and
recovery policy; it does not list sources.`,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		return initConfigAndLogging()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ., ./configs, /etc/vidcore, $HOME/.vidcore)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format override (json, text)")
}

// initConfigAndLogging loads configuration via internal/config.Load,
// applies any CLI overrides, and installs the resulting logger as the
// slog default before a subcommand's RunE runs.
func initConfigAndLogging() error {
	loaded, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if logLevel != "" {
		loaded.Logging.Level = logLevel
	}
	if logFormat != "" {
		loaded.Logging.Format = logFormat
	}

	logger := observability.NewLogger(loaded.Logging)
	observability.SetDefault(logger)

	cfg = loaded
	return nil
}
