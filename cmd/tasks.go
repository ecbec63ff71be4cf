package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/prospect-engine/internal/model"
	"github.com/sells-group/prospect-engine/internal/scheduler"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect and run scheduled tasks",
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered tasks with their cadence and last run",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initEngine(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		tasks := env.Scheduler.Tasks()
		last := make(map[string]model.TaskRun, len(tasks))
		for _, t := range tasks {
			runs, err := env.Store.ListTaskRuns(ctx, t.Name, 1)
			if err != nil {
				return eris.Wrap(err, "tasks list")
			}
			if len(runs) > 0 {
				last[t.Name] = runs[0]
			}
		}
		formatTasks(os.Stdout, tasks, last)
		return nil
	},
}

var tasksRunCmd = &cobra.Command{
	Use:   "run <name>",
	Short: "Run one task now and record the run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEngine(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		run, err := env.Scheduler.RunNow(ctx, args[0])
		if run.ID != "" {
			fmt.Printf("%s %s in %s\n", run.Task, run.Status, run.Duration().Round(time.Millisecond))
		}
		return err
	},
}

func init() {
	tasksCmd.AddCommand(tasksListCmd)
	tasksCmd.AddCommand(tasksRunCmd)
	rootCmd.AddCommand(tasksCmd)
}

func formatTasks(out io.Writer, tasks []scheduler.Task, last map[string]model.TaskRun) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TASK\tINTERVAL\tLAST_STATUS\tLAST_RUN")
	_, _ = fmt.Fprintln(w, "----\t--------\t-----------\t--------")
	for _, t := range tasks {
		interval := "on-demand"
		if t.Interval > 0 {
			interval = t.Interval.String()
		}
		status, at := "-", "-"
		if run, ok := last[t.Name]; ok {
			status = string(run.Status)
			at = run.StartedAt.Format("2006-01-02 15:04")
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.Name, interval, status, at)
	}
	_ = w.Flush()
}
