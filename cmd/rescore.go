package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/prospect-engine/internal/rescore"
)

var rescoreCmd = &cobra.Command{
	Use:   "rescore",
	Short: "Re-score leads whose scores are older than the current signal version",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initEngine(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Rescorer.Run(ctx)
		if err != nil {
			return eris.Wrap(err, "rescore")
		}
		formatRescoreResult(os.Stdout, res)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(rescoreCmd)
}

func formatRescoreResult(out io.Writer, res rescore.Result) {
	_, _ = fmt.Fprintf(out, "Re-scored against v%d: %d candidates, %d changed, %d stamped, %d unchanged, %d reopened, %d failed\n",
		res.Version, res.Candidates, res.Changed, res.Stamped, res.Unchanged, res.Reopened, res.Failed)
}
