package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/prospect-engine/internal/model"
	"github.com/sells-group/prospect-engine/internal/outcome"
)

var outcomesCmd = &cobra.Command{
	Use:   "outcomes",
	Short: "Inspect outreach outcomes",
}

var outcomesReportCmd = &cobra.Command{
	Use:   "report",
	Short: "Aggregate outcome rates globally, per signal and per tier",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initEngine(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		rep, err := env.Tracker.Report(ctx, env.Tracker.Since())
		if err != nil {
			return eris.Wrap(err, "outcomes report")
		}
		formatOutcomeReport(os.Stdout, rep)
		return nil
	},
}

func init() {
	outcomesCmd.AddCommand(outcomesReportCmd)
	rootCmd.AddCommand(outcomesCmd)
}

func formatOutcomeReport(out io.Writer, rep outcome.Report) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "GROUP\tTOTAL\tPOSITIVE\tREPLY\tOPT_OUT")
	_, _ = fmt.Fprintln(w, "-----\t-----\t--------\t-----\t-------")
	row := func(name string, r outcome.Rates) {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%.1f%%\t%.1f%%\t%.1f%%\n",
			name, r.Total, r.PositiveRate*100, r.ReplyRate*100, r.OptOutRate*100)
	}
	row("all", rep.Global)
	for _, tier := range model.Tiers {
		if r, ok := rep.Tiers[tier]; ok {
			row("tier:"+string(tier), r)
		}
	}
	for _, id := range rep.SignalIDs() {
		row(id, rep.Signals[id])
	}
	_ = w.Flush()
}
