package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/prospect-engine/internal/refiner"
)

var refineCmd = &cobra.Command{
	Use:   "refine",
	Short: "Run one scoring refinement cycle",
	Long:  "Aggregates outcome events, proposes bounded weight changes and applies them as a new signal version. With --dry-run nothing is written.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initEngine(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		dryRun, _ := cmd.Flags().GetBool("dry-run")
		res, err := env.Refiner.Run(ctx, dryRun)
		if err != nil {
			return eris.Wrap(err, "refine")
		}
		formatRefineResult(os.Stdout, res)
		return nil
	},
}

func init() {
	refineCmd.Flags().Bool("dry-run", false, "compute proposals without writing anything")
	rootCmd.AddCommand(refineCmd)
}

func formatRefineResult(out io.Writer, res refiner.Result) {
	_, _ = fmt.Fprintf(out, "Cycle %s against v%d: %d events, baseline %.1f%%\n",
		truncateID(res.Plan.CycleID), res.Plan.BaseVersion, res.Plan.SampleSize, res.Plan.Baseline*100)

	switch {
	case len(res.Plan.Proposals) == 0:
		_, _ = fmt.Fprintln(out, "No weight changes proposed.")
	case res.DryRun:
		_, _ = fmt.Fprintf(out, "Dry run: %d changes proposed, nothing written.\n", len(res.Plan.Proposals))
	case res.Applied:
		_, _ = fmt.Fprintf(out, "Applied %d changes as v%d.\n", len(res.Plan.Proposals), res.NewVersion)
	case res.Pending:
		_, _ = fmt.Fprintf(out, "Saved %d pending proposals for review.\n", len(res.Plan.Proposals))
	}
	if len(res.Plan.Proposals) > 0 {
		formatProposals(out, res.Plan.Proposals)
	}
	for _, s := range res.Plan.Skipped {
		_, _ = fmt.Fprintf(out, "  skipped %s (n=%d): %s\n", s.SignalID, s.SampleSize, s.Reason)
	}
}
