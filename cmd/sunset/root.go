package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yairfalse/sunset/internal/config"
	"github.com/yairfalse/sunset/telemetry"
)

var (
	version = "0.1.0"

	configPath    string
	regionFlag    string
	providerFlag  string
	fixtureFlag   string
	logLevelFlag  string
	logFormatFlag string

	rootCmd = &cobra.Command{
		Use:   "sunset",
		Short: "Cloud resource lifecycle governor",
		Long: `Sunset retires idle and expired cloud resources.

Every pass lists the account's inventory, classifies each resource against
the configured rules, warns owners ahead of deletion, and deletes what has
outlived its grace period. Lifecycle state survives restarts, and every
action is written to an audit journal.`,
		Version:           version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: setupLogging,
	}
)

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		var exit exitError
		if errors.As(err, &exit) {
			if exit.err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", exit.err)
			}
			os.Exit(exit.code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate(`sunset {{.Version}}
`)

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "Config file (.yaml or .toml)")
	flags.StringVar(&regionFlag, "region", "", "Override provider region")
	flags.StringVar(&providerFlag, "provider", "", "Override provider (aws, static)")
	flags.StringVar(&fixtureFlag, "fixture", "", "Resource fixture for the static provider")
	flags.StringVar(&logLevelFlag, "log-level", "", "Override log level (trace, debug, info, warn, error)")
	flags.StringVar(&logFormatFlag, "log-format", "", "Override log format (console, json)")
}

// loadConfig reads the config file when given and applies flag overrides
func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = config.Default()
	}

	if regionFlag != "" {
		cfg.Provider.Region = regionFlag
	}
	if providerFlag != "" {
		cfg.Provider.Name = providerFlag
	}
	if fixtureFlag != "" {
		cfg.Provider.FixturePath = fixtureFlag
		if providerFlag == "" {
			cfg.Provider.Name = "static"
		}
	}
	if logLevelFlag != "" {
		cfg.Log.Level = logLevelFlag
	}
	if logFormatFlag != "" {
		cfg.Log.Format = logFormatFlag
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// setupLogging configures the global zerolog logger from flags. The config
// file's log section is applied again once it is loaded.
func setupLogging(cmd *cobra.Command, _ []string) error {
	level := logLevelFlag
	if level == "" {
		level = "info"
	}
	format := logFormatFlag
	if format == "" {
		format = "console"
	}
	return configureLogger(cmd.ErrOrStderr(), level, format)
}

func configureLogger(w io.Writer, level, format string) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if format == "json" {
		telemetry.Output = w
		log.Logger = zerolog.New(w).With().Timestamp().Logger()
		return nil
	}
	console := zerolog.ConsoleWriter{Out: w}
	telemetry.Output = console
	log.Logger = log.Output(console)
	return nil
}
