package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/prospect-engine/internal/discovery"
	"github.com/sells-group/prospect-engine/internal/model"
)

var expandCmd = &cobra.Command{
	Use:   "expand",
	Short: "Mine positive outcomes for new discovery queries",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initEngine(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Expander.Run(ctx)
		if err != nil {
			return eris.Wrap(err, "expand")
		}
		formatExpandResult(os.Stdout, res)
		return nil
	},
}

var suggestionsCmd = &cobra.Command{
	Use:   "suggestions",
	Short: "List discovery query suggestions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initEngine(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		all, _ := cmd.Flags().GetBool("all")
		limit, _ := cmd.Flags().GetInt("limit")
		list, err := env.Store.ListSuggestions(ctx, !all, limit)
		if err != nil {
			return eris.Wrap(err, "suggestions")
		}
		if len(list) == 0 {
			fmt.Fprintln(os.Stderr, "No suggestions found.")
			return nil
		}
		formatSuggestions(os.Stdout, list)
		return nil
	},
}

func init() {
	suggestionsCmd.Flags().Bool("all", false, "include consumed suggestions")
	suggestionsCmd.Flags().Int("limit", 50, "max number of suggestions to display")

	rootCmd.AddCommand(expandCmd)
	rootCmd.AddCommand(suggestionsCmd)
}

func formatExpandResult(out io.Writer, res discovery.Result) {
	_, _ = fmt.Fprintf(out, "Cycle %s: %d positives against %d leads, %d tokens ranked, %d new queries\n",
		truncateID(res.CycleID), res.Positives, res.Population, len(res.Ranked), len(res.Suggestions))
	if len(res.Suggestions) > 0 {
		formatSuggestions(out, res.Suggestions)
	}
}

func formatSuggestions(out io.Writer, list []model.QuerySuggestion) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TOKEN\tSCORE\tCONSUMED\tQUERY")
	_, _ = fmt.Fprintln(w, "-----\t-----\t--------\t-----")
	for _, s := range list {
		_, _ = fmt.Fprintf(w, "%s\t%.2f\t%t\t%s\n", s.Token, s.Score, s.Consumed, s.Query)
	}
	_ = w.Flush()
}
