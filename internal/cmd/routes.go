package cmd

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/avolkhov/wgfence/internal/config"
	"github.com/avolkhov/wgfence/internal/logging"
	"github.com/avolkhov/wgfence/internal/metrics"
	"github.com/avolkhov/wgfence/internal/wireguard"
)

// RoutesCmd represents the wgfence routes subcommand (route-based applier).
var RoutesCmd = &cobra.Command{
	Use:   "routes",
	Short: "Rewrite the peer's AllowedIPs and sync the live device",
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

		m := metrics.New()

		rules, err := buildRuleSet(ctx, cfg, m, logger)
		if err != nil {
			finishRun(cfg, m, false, logger)
			return err
		}

		prefixes := rules.Final.Prefixes()

		// Live device first: if the kernel rejects the replacement, the
		// previous configuration stays active and the file is not touched.
		if err := wireguard.SyncAllowedIPs(cfg.Interface, cfg.PeerPublicKey, prefixes, logger); err != nil {
			m.IncrementError("apply")
			logger.Error("device sync failed", slog.String("error", err.Error()))
			finishRun(cfg, m, false, logger)
			return err
		}

		if err := wireguard.RewriteAllowedIPs(cfg.WGConfig, cfg.PeerPublicKey, prefixes); err != nil {
			m.IncrementError("apply")
			logger.Error("config rewrite failed", slog.String("error", err.Error()))
			finishRun(cfg, m, false, logger)
			return err
		}

		logger.Info("routes applied",
			slog.String("interface", cfg.Interface),
			slog.String("config", cfg.WGConfig),
			slog.Int("prefixes", len(prefixes)),
		)

		finishRun(cfg, m, true, logger)
		return nil
	},
}
