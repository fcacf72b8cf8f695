package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/sunset/wal"
)

var pruneRetention time.Duration

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Drop old deleted records and expired journal files",
	Long: `Remove lifecycle records of resources deleted longer ago than the
retention period, and journal files older than the journal retention.
Passes prune records on their own; this command is for maintenance windows.`,
	RunE: runPrune,
}

func init() {
	rootCmd.AddCommand(pruneCmd)

	pruneCmd.Flags().DurationVar(&pruneRetention, "retention", 0, "Record retention (overrides config)")
}

func runPrune(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	retention := cfg.GovernorOptions().Retention
	if pruneRetention > 0 {
		retention = pruneRetention
	}

	ctx := cmd.Context()
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	now := time.Now()
	pruned, err := store.Prune(ctx, now.Add(-retention))
	if err != nil {
		return fmt.Errorf("failed to prune records: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "pruned %d deleted records older than %s\n", pruned, retention)

	if cfg.WAL.Disabled {
		return nil
	}
	stats, err := wal.Cleanup(cfg.JournalConfig(), now, "")
	if err != nil {
		return fmt.Errorf("failed to clean journal: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed %d journal files (%d bytes)\n", stats.FilesRemoved, stats.BytesFreed)
	return nil
}
