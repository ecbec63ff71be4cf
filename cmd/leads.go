package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/prospect-engine/internal/model"
	"github.com/sells-group/prospect-engine/internal/store"
)

var leadsCmd = &cobra.Command{
	Use:   "leads",
	Short: "Inspect the lead ledger",
}

var leadsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List leads",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		stageFlag, _ := cmd.Flags().GetString("stage")
		limit, _ := cmd.Flags().GetInt("limit")
		filter := store.LeadFilter{Limit: limit}
		if stageFlag != "" {
			stage, err := model.ParseStage(stageFlag)
			if err != nil {
				return err
			}
			filter.Stage = stage
		}

		env, err := initEngine(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		leads, err := env.Ledger.List(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "leads list")
		}
		if len(leads) == 0 {
			fmt.Fprintln(os.Stderr, "No leads found.")
			return nil
		}
		formatLeads(os.Stdout, leads)
		return nil
	},
}

var leadsShowCmd = &cobra.Command{
	Use:   "show <lead-id|domain>",
	Short: "Show a lead and its history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEngine(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		lead, err := env.Ledger.Get(ctx, args[0])
		if errors.Is(err, model.ErrNotFound) {
			lead, err = env.Ledger.GetByDomain(ctx, args[0])
		}
		if err != nil {
			return eris.Wrap(err, "leads show")
		}
		history, err := env.Ledger.History(ctx, lead.ID)
		if err != nil {
			return eris.Wrap(err, "leads show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Lead    *model.Lead              `json:"lead"`
			History []model.LeadHistoryEntry `json:"history"`
		}{lead, history})
	},
}

func init() {
	leadsListCmd.Flags().String("stage", "", "filter by stage (discovered, scraped, scored, ...)")
	leadsListCmd.Flags().Int("limit", 50, "max number of leads to display")

	leadsCmd.AddCommand(leadsListCmd)
	leadsCmd.AddCommand(leadsShowCmd)
	rootCmd.AddCommand(leadsCmd)
}

func formatLeads(out io.Writer, leads []model.Lead) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tDOMAIN\tSTAGE\tSCORE\tTIER\tVERSION")
	_, _ = fmt.Fprintln(w, "--\t------\t-----\t-----\t----\t-------")
	for _, l := range leads {
		domain := l.Domain
		if len(domain) > 30 {
			domain = domain[:27] + "..."
		}
		score, version := "-", "-"
		if l.Stage.HasScore() {
			score = fmt.Sprintf("%.1f", l.Score)
			version = fmt.Sprintf("v%d", l.ScoredWithVersion)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(l.ID), domain, l.Stage, score, l.Tier, version)
	}
	_ = w.Flush()
}
