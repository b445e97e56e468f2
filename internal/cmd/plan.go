package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/avolkhov/wgfence/internal/config"
	"github.com/avolkhov/wgfence/internal/logging"
	"github.com/avolkhov/wgfence/internal/metrics"
)

// PlanCmd represents the wgfence plan subcommand: a dry run printing the
// final rule set without touching any OS state.
var PlanCmd = &cobra.Command{
	Use:   "plan",
	Short: "Compute the final rule set and print it without applying",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := logging.GetLogger()
		if logger == nil {
			logger = slog.Default()
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		timeout, err := cfg.RunTimeout()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		rules, err := buildRuleSet(ctx, cfg, metrics.New(), logger)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, p := range rules.Final.Prefixes() {
			fmt.Fprintln(out, p.String())
		}
		return nil
	},
}
