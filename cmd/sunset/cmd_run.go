package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	runDryRun bool
	runForce  bool
	runKinds  []string
	runIDs    []string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one governor pass",
	Long: `Run a single pass: list inventory, classify every resource, warn
owners, and delete resources whose grace period has elapsed.

The pass summary is written to stdout as JSON. The exit code is 2 when any
resource needs operator attention, 1 when the pass itself failed.`,
	Example: `  sunset run --config sunset.yaml             # One pass with a config file
  sunset run --dry-run                        # Preview without side effects
  sunset run --kind disk --kind vm            # Only disks and VMs
  sunset run --fixture resources.yaml         # Rehearse against a fixture`,
	RunE: runOnce,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Report intended actions without notifying or deleting")
	runCmd.Flags().BoolVar(&runForce, "force", false, "Delete eligible resources without waiting for the grace period")
	runCmd.Flags().StringSliceVar(&runKinds, "kind", nil, "Restrict the pass to resource kinds (vm, disk, database, other)")
	runCmd.Flags().StringSliceVar(&runIDs, "id", nil, "Restrict the pass to resource IDs")
}

func runOnce(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runDryRun {
		cfg.Rules.DryRun = true
	}
	if runForce {
		cfg.Rules.ForceDelete = true
	}
	cfg.Governor.Kinds = append(cfg.Governor.Kinds, runKinds...)
	cfg.Governor.IDs = append(cfg.Governor.IDs, runIDs...)
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := configureLogger(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close(context.WithoutCancel(ctx)) }()

	summary, passErr := a.gov.RunPass(ctx)
	if summary != nil {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(summary); err != nil {
			return fmt.Errorf("failed to write summary: %w", err)
		}
	}

	switch {
	case passErr != nil:
		return exitError{code: 1, err: passErr}
	case summary.HasTerminalFailures():
		return exitError{code: 2, err: fmt.Errorf("%d resources need operator attention", len(summary.TerminalFailures))}
	}
	return nil
}

// exitError carries a process exit code out of a command
type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e exitError) Unwrap() error {
	return e.err
}
