// Package cmd provides the relay command-line interface.
package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ptoc-relay/internal/config"
	"ptoc-relay/internal/observability/logging"
)

// Global flags shared by subcommands.
type globalFlags struct {
	configFile string
	logLevel   string
	logFormat  string
}

// NewRootCmd creates the relay command with all subcommands.
func NewRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:           "ptoc-relay",
		Short:         "Definite-time overcurrent protection relay",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configFile, "config", "", "Config file path (YAML or JSON); defaults to $RELAY_CONFIG")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Override log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flags.logFormat, "log-format", "", "Override log format (json, console)")

	root.AddCommand(newServeCmd(flags))
	root.AddCommand(newSimulateCmd(flags))
	root.AddCommand(newConfigCmd(flags))
	root.AddCommand(newReportCmd(flags))
	root.AddCommand(newTokenCmd(flags))
	return root
}

// load reads configuration and builds the logger it asks for.
func (f *globalFlags) load() (config.SystemConfig, *zap.SugaredLogger, error) {
	cfg, err := config.Load(f.configFile)
	if err != nil {
		return cfg, nil, err
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Log.Format = f.logFormat
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return cfg, nil, err
	}
	return cfg, logger, nil
}
