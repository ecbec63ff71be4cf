package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/prospect-engine/internal/model"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Inspect stage-to-stage pipeline conversion",
}

var healthShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the latest health snapshot",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initEngine(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		snap, err := env.Monitor.Latest(ctx)
		if err != nil {
			return eris.Wrap(err, "health show")
		}
		if snap == nil {
			fmt.Fprintln(os.Stderr, "No health snapshot yet; run `health check`.")
			return nil
		}
		formatSnapshot(os.Stdout, snap)
		return nil
	},
}

var healthCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Recompute pipeline health now and send alerts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initEngine(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		snap, err := env.Monitor.Check(ctx)
		if err != nil {
			return eris.Wrap(err, "health check")
		}
		formatSnapshot(os.Stdout, snap)
		return nil
	},
}

func init() {
	healthCmd.AddCommand(healthShowCmd)
	healthCmd.AddCommand(healthCheckCmd)
	rootCmd.AddCommand(healthCmd)
}

func formatSnapshot(out io.Writer, snap *model.PipelineSnapshot) {
	_, _ = fmt.Fprintf(out, "Snapshot %s computed %s\n", truncateID(snap.ID), snap.ComputedAt.Format("2006-01-02 15:04"))
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "FROM\tTO\tSOURCE\tTARGET\tRATE\tSTATE")
	_, _ = fmt.Fprintln(w, "----\t--\t------\t------\t----\t-----")
	for _, m := range snap.Metrics {
		state := alertColor(m.Alert).Sprint(m.Alert)
		if m.Informational {
			state += " (info)"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%.1f%%\t%s\n",
			m.From, m.To, m.SourceCount, m.TargetCount, m.ConversionRate*100, state)
	}
	_ = w.Flush()

	if len(snap.StageCounts) > 0 {
		backlogged := make(map[model.Stage]model.StageBacklog, len(snap.Backlogs))
		for _, b := range snap.Backlogs {
			backlogged[b.Stage] = b
		}
		_, _ = fmt.Fprintln(out, "\nLeads by stage:")
		w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		for _, st := range model.Stages {
			line := fmt.Sprintf("  %s\t%d", st, snap.StageCounts[st])
			if b, ok := backlogged[st]; ok {
				line += "\t" + alertColor(model.AlertDegraded).Sprintf("backlog (limit %d)", b.Limit)
			}
			_, _ = fmt.Fprintln(w, line)
		}
		_ = w.Flush()
	}

	if len(snap.Activity) > 0 {
		_, _ = fmt.Fprintln(out, "\nTask runs (recent):")
		w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		for _, a := range snap.Activity {
			_, _ = fmt.Fprintf(w, "  %s\t%s\t%d\n", a.Task, a.Status, a.Count)
		}
		_ = w.Flush()
	}
}

func alertColor(state model.AlertState) *color.Color {
	switch state {
	case model.AlertBottlenecked:
		return color.New(color.FgRed, color.Bold)
	case model.AlertDegraded:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgGreen)
	}
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
