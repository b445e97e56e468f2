package cmd

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/avolkhov/wgfence/internal/config"
	"github.com/avolkhov/wgfence/internal/ipset"
	"github.com/avolkhov/wgfence/internal/logging"
	"github.com/avolkhov/wgfence/internal/metrics"
	"github.com/avolkhov/wgfence/internal/sysexec"
)

// IPSetCmd represents the wgfence ipset subcommand (ipset/iptables applier).
var IPSetCmd = &cobra.Command{
	Use:   "ipset",
	Short: "Load the rule set into a kernel ipset and ensure iptables rules",
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

		required := []string{"ipset", "iptables"}
		if cfg.IPv6 {
			required = append(required, "ip6tables")
		}
		if err := sysexec.LookRequired(required...); err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		m := metrics.New()

		rules, err := buildRuleSet(ctx, cfg, m, logger)
		if err != nil {
			finishRun(cfg, m, false, logger)
			return err
		}

		applyCfg := ipset.Config{
			SetName:       cfg.IPSetName,
			WGInterface:   cfg.Interface,
			LANInterface:  cfg.LANInterface,
			IPv6:          cfg.IPv6,
			Persist:       cfg.Persist,
			RulesV4Path:   cfg.IptablesSavePath,
			IPSetSavePath: cfg.IPSetSavePath,
		}

		runner := sysexec.NewRunner()
		if err := ipset.Apply(ctx, runner, applyCfg, rules.Final, logger); err != nil {
			m.IncrementError("apply")
			logger.Error("ipset apply failed", slog.String("error", err.Error()))
			finishRun(cfg, m, false, logger)
			return err
		}

		logger.Info("ipset applied",
			slog.String("set", cfg.IPSetName),
			slog.String("interface", cfg.Interface),
			slog.Int("prefixes", len(rules.Final.Prefixes())),
		)

		finishRun(cfg, m, true, logger)
		return nil
	},
}
