package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/prospect-engine/internal/model"
	"github.com/sells-group/prospect-engine/internal/store"
)

var proposalsCmd = &cobra.Command{
	Use:   "proposals",
	Short: "Inspect refinement proposals",
}

var proposalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List refinement proposals, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initEngine(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		pending, _ := cmd.Flags().GetBool("pending")
		cycle, _ := cmd.Flags().GetString("cycle")
		limit, _ := cmd.Flags().GetInt("limit")

		list, err := env.Store.ListProposals(ctx, store.ProposalFilter{
			PendingOnly: pending,
			CycleID:     cycle,
			Limit:       limit,
		})
		if err != nil {
			return eris.Wrap(err, "proposals list")
		}
		if len(list) == 0 {
			fmt.Fprintln(os.Stderr, "No proposals found.")
			return nil
		}
		formatProposals(os.Stdout, list)
		return nil
	},
}

func init() {
	proposalsListCmd.Flags().Bool("pending", false, "only the latest unapplied batch")
	proposalsListCmd.Flags().String("cycle", "", "filter by refinement cycle id")
	proposalsListCmd.Flags().Int("limit", 50, "max number of proposals to display")

	proposalsCmd.AddCommand(proposalsListCmd)
	rootCmd.AddCommand(proposalsCmd)
}

func formatProposals(out io.Writer, list []model.RefinementProposal) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CYCLE\tSIGNAL\tOLD\tNEW\tDELTA\tSAMPLE\tLIFT\tSTATUS")
	_, _ = fmt.Fprintln(w, "-----\t------\t---\t---\t-----\t------\t----\t------")
	for _, p := range list {
		status := "pending"
		switch {
		case p.Applied:
			status = fmt.Sprintf("applied v%d", p.AppliedVersion)
		case p.Superseded:
			status = "superseded"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%.2f\t%.2f\t%+.2f\t%d\t%.2f\t%s\n",
			truncateID(p.CycleID),
			p.SignalID,
			p.OldWeight,
			p.ProposedWeight,
			p.Delta(),
			p.SampleSize,
			p.Lift,
			status,
		)
	}
	_ = w.Flush()
}
