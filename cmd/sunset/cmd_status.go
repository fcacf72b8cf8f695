package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/yairfalse/sunset/types"
)

var (
	statusPhase string
	statusJSON  bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show tracked resources by lifecycle phase",
	Example: `  sunset status                               # Counts and records in every phase
  sunset status --phase deletion_failed       # Only failed deletions
  sunset status --json                        # Machine-readable output`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().StringVar(&statusPhase, "phase", "", "Only show records in this phase")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Write records as JSON")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	var records []types.LifecycleRecord
	if statusPhase != "" {
		phase, err := types.ParsePhase(statusPhase)
		if err != nil {
			return err
		}
		records, err = store.ListByPhase(ctx, phase)
		if err != nil {
			return fmt.Errorf("failed to list records: %w", err)
		}
	} else {
		records, err = store.List(ctx)
		if err != nil {
			return fmt.Errorf("failed to list records: %w", err)
		}
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].Phase != records[j].Phase {
			return phaseOrder(records[i].Phase) < phaseOrder(records[j].Phase)
		}
		return records[i].ResourceID < records[j].ResourceID
	})

	if statusJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}
	return printStatus(cmd.OutOrStdout(), records)
}

func printStatus(w io.Writer, records []types.LifecycleRecord) error {
	counts := make(map[types.Phase]int)
	for _, rec := range records {
		counts[rec.Phase]++
	}
	for _, phase := range types.Phases {
		fmt.Fprintf(w, "%-18s %d\n", phase, counts[phase])
	}
	if len(records) == 0 {
		return nil
	}

	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RESOURCE\tKIND\tPHASE\tRECIPIENT\tATTEMPTS\tUPDATED\tLAST ERROR")
	for _, rec := range records {
		phase := string(rec.Phase)
		if rec.Terminal {
			phase += " (terminal)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			rec.ResourceID,
			rec.Kind,
			phase,
			dash(rec.Recipient),
			rec.Attempts,
			rec.UpdatedAt.UTC().Format(time.RFC3339),
			dash(rec.LastError),
		)
	}
	return tw.Flush()
}

func phaseOrder(p types.Phase) int {
	for i, phase := range types.Phases {
		if phase == p {
			return i
		}
	}
	return len(types.Phases)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
