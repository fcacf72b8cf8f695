package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/sunset/internal/daemon"
	"github.com/yairfalse/sunset/telemetry"
)

var (
	daemonInterval time.Duration
	daemonListen   string
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run governor passes continuously",
	Long: `Run sunset as a long-lived process.

A pass runs at startup and then on every interval. Passes never overlap.
Metrics are served on /metrics, liveness on /healthz, and readiness on
/readyz once the first pass has completed. SIGINT or SIGTERM lets an
in-flight pass finish within the shutdown timeout.`,
	Example: `  sunset daemon --config sunset.yaml          # Interval and listen address from config
  sunset daemon --interval 30m                # Pass every 30 minutes
  sunset daemon --listen 127.0.0.1:9100       # Custom metrics address`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)

	daemonCmd.Flags().DurationVar(&daemonInterval, "interval", 0, "Pass interval (overrides config)")
	daemonCmd.Flags().StringVar(&daemonListen, "listen", "", "Metrics and health address (overrides config)")
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := configureLogger(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format); err != nil {
		return err
	}

	interval := cfg.Daemon.Interval.Std()
	if daemonInterval > 0 {
		interval = daemonInterval
	}
	listen := cfg.Daemon.ListenAddr
	if daemonListen != "" {
		listen = daemonListen
	}

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close(context.WithoutCancel(ctx)) }()

	d, err := daemon.NewDaemon(daemon.Config{
		Interval:        interval,
		ListenAddr:      listen,
		ShutdownTimeout: cfg.Daemon.ShutdownTimeout.Std(),
		Gatherer:        a.otel.Registry,
		Meter:           a.otel.Meter,
	}, a.gov, telemetry.NewLogger("daemon"))
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	a.logger.Info().
		Dur("interval", interval).
		Str("listen", listen).
		Msg("daemon starting")

	if err := d.Start(ctx); err != nil {
		return fmt.Errorf("daemon error: %w", err)
	}
	a.logger.Info().Msg("daemon stopped")
	return nil
}
