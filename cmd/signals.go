package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/prospect-engine/internal/model"
	"github.com/sells-group/prospect-engine/internal/signals"
)

var signalsCmd = &cobra.Command{
	Use:   "signals",
	Short: "Inspect and manage versioned signal weights",
}

// -- signals show --

var signalsShowCmd = &cobra.Command{
	Use:   "show [version]",
	Short: "Show the current or a specific signal set",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEngine(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		var set model.SignalSet
		if len(args) == 1 {
			v, perr := parseVersion(args[0])
			if perr != nil {
				return perr
			}
			set, err = env.Signals.At(ctx, v)
		} else {
			set, err = env.Signals.Current(ctx)
		}
		if err != nil {
			return eris.Wrap(err, "signals show")
		}

		formatSignalSet(os.Stdout, set)
		return nil
	},
}

// -- signals history --

var signalsHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List signal set versions, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initEngine(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		versions, err := env.Signals.History(ctx, limit)
		if err != nil {
			return eris.Wrap(err, "signals history")
		}

		formatSignalHistory(os.Stdout, versions)
		return nil
	},
}

// -- signals seed --

var signalsSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Create version 1 from a seed file when no version exists",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		path, _ := cmd.Flags().GetString("file")
		if path == "" {
			path = cfg.Signals.SeedFile
		}
		defs, err := signals.LoadSeedFile(path)
		if err != nil {
			return err
		}

		st, err := initStore(ctx, cfg.Store)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		created, err := signals.New(st, cfg.Signals).Seed(ctx, defs)
		if err != nil {
			return eris.Wrap(err, "signals seed")
		}
		if !created {
			fmt.Fprintln(os.Stderr, "Signal store already seeded; nothing written.")
			return nil
		}
		fmt.Printf("Seeded version 1 with %d signals.\n", len(defs))
		return nil
	},
}

// -- signals rollback --

var signalsRollbackCmd = &cobra.Command{
	Use:   "rollback <version>",
	Short: "Append a new version restoring the weights of an older one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		target, err := parseVersion(args[0])
		if err != nil {
			return err
		}

		env, err := initEngine(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		base, _ := cmd.Flags().GetInt64("base")
		if base == 0 {
			cur, err := env.Signals.Current(ctx)
			if err != nil {
				return eris.Wrap(err, "signals rollback")
			}
			base = cur.Version
		}

		v, err := env.Signals.Rollback(ctx, base, target)
		if err != nil {
			return eris.Wrap(err, "signals rollback")
		}
		fmt.Printf("Rolled back to v%d as v%d.\n", target, v)
		return nil
	},
}

func init() {
	signalsHistoryCmd.Flags().Int("limit", 20, "max number of versions to display")
	signalsSeedCmd.Flags().String("file", "", "seed YAML file (default from config, else embedded defaults)")
	signalsRollbackCmd.Flags().Int64("base", 0, "expected current version (default: latest)")

	signalsCmd.AddCommand(signalsShowCmd)
	signalsCmd.AddCommand(signalsHistoryCmd)
	signalsCmd.AddCommand(signalsSeedCmd)
	signalsCmd.AddCommand(signalsRollbackCmd)
	rootCmd.AddCommand(signalsCmd)
}

func parseVersion(raw string) (int64, error) {
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v <= 0 {
		return 0, model.NewValidationError("version", fmt.Sprintf("invalid version %q", raw))
	}
	return v, nil
}

// formatSignalSet writes a set's weights in id order.
func formatSignalSet(out io.Writer, set model.SignalSet) {
	_, _ = fmt.Fprintf(out, "Version %d (parent %d) %s\n", set.Version, set.ParentVersion, set.Reason)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tCATEGORY\tWEIGHT\tDESCRIPTION")
	_, _ = fmt.Fprintln(w, "--\t--------\t------\t-----------")
	for _, id := range set.IDs() {
		def := set.Signals[id]
		_, _ = fmt.Fprintf(w, "%s\t%s\t%.2f\t%s\n", id, def.Category, def.Weight, def.Description)
	}
	_ = w.Flush()
}

func formatSignalHistory(out io.Writer, versions []model.SignalVersionInfo) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "VERSION\tPARENT\tSIGNALS\tCREATED\tREASON")
	_, _ = fmt.Fprintln(w, "-------\t------\t-------\t-------\t------")
	for _, v := range versions {
		_, _ = fmt.Fprintf(w, "%d\t%d\t%d\t%s\t%s\n",
			v.Version,
			v.ParentVersion,
			v.SignalCount,
			v.CreatedAt.Format("2006-01-02 15:04"),
			v.Reason,
		)
	}
	_ = w.Flush()
}
