package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/prospect-engine/internal/config"
	"github.com/sells-group/prospect-engine/internal/model"
)

// Process exit codes.
const (
	exitOK       = 0
	exitFailure  = 1
	exitConflict = 2
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:           "prospect-engine",
	Short:         "Self-tuning lead scoring and outreach engine",
	Long:          "Scores leads against versioned signal weights, learns from outreach outcomes, re-scores the backlog, and mines new discovery queries.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		mode := "engine"
		if cmd.Name() == "serve" {
			mode = "serve"
		}
		if err := c.Validate(mode); err != nil {
			return err
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

// exitCode maps a command error to the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, model.ErrVersionConflict):
		return exitConflict
	default:
		return exitFailure
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}
