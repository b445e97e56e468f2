// Package ipset maintains the kernel ipset holding the allowed destination
// networks, plus the iptables rules that reference it. Membership updates go
// through a staging set swapped in atomically, so there is never a window
// where the kernel sees a partially-loaded set.
package ipset

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/avolkhov/wgfence/internal/netset"
	"github.com/avolkhov/wgfence/internal/sysexec"
)

const (
	ipsetBinary    = "ipset"
	ipv4Binary     = "iptables"
	ipv6Binary     = "ip6tables"
	ipv4SaveBinary = "iptables-save"
	ipv6SaveBinary = "ip6tables-save"

	iptablesWaitSeconds = "5"

	// stagingSuffix names the scratch set used for the atomic swap.
	stagingSuffix = "-next"
)

// Config carries the applier settings.
type Config struct {
	SetName       string
	WGInterface   string
	LANInterface  string
	IPv6          bool
	Persist       bool
	RulesV4Path   string
	IPSetSavePath string
}

// Apply replaces the ipset membership with the final rule set and ensures the
// iptables rules referencing it exist exactly once. Safe to re-run.
func Apply(ctx context.Context, runner sysexec.Runner, cfg Config, final *netset.Set, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SetName == "" {
		return fmt.Errorf("ipset name cannot be empty")
	}

	var v4, v6 []netip.Prefix
	for _, p := range final.Prefixes() {
		if p.Addr().Is4() {
			v4 = append(v4, p)
		} else {
			v6 = append(v6, p)
		}
	}

	if err := applyFamily(ctx, runner, cfg, cfg.SetName, "inet", ipv4Binary, v4, logger); err != nil {
		return err
	}

	if cfg.IPv6 && len(v6) > 0 {
		if err := applyFamily(ctx, runner, cfg, cfg.SetName+"6", "inet6", ipv6Binary, v6, logger); err != nil {
			return err
		}
	} else if len(v6) > 0 {
		logger.Warn("skipping ipv6 prefixes without ipv6 support", slog.Int("prefixes", len(v6)))
	}

	if cfg.Persist {
		if err := persist(ctx, runner, cfg, logger); err != nil {
			return fmt.Errorf("persist firewall state: %w", err)
		}
	}

	return nil
}

func applyFamily(ctx context.Context, runner sysexec.Runner, cfg Config, name string, family string, iptables string, prefixes []netip.Prefix, logger *slog.Logger) error {
	if err := swapMembers(ctx, runner, name, family, prefixes, logger); err != nil {
		return fmt.Errorf("update ipset %s: %w", name, err)
	}
	if err := ensureRules(ctx, runner, iptables, name, cfg, logger); err != nil {
		return fmt.Errorf("ensure iptables rules for %s: %w", name, err)
	}
	return nil
}

// swapMembers loads prefixes into a staging set and swaps it with the live
// one. The live set keeps its previous membership until the swap succeeds.
func swapMembers(ctx context.Context, runner sysexec.Runner, name string, family string, prefixes []netip.Prefix, logger *slog.Logger) error {
	staging := name + stagingSuffix

	if _, err := runner.Run(ctx, ipsetBinary, "create", "-exist", name, "hash:net", "family", family); err != nil {
		return fmt.Errorf("create set: %w", err)
	}
	if _, err := runner.Run(ctx, ipsetBinary, "create", "-exist", staging, "hash:net", "family", family); err != nil {
		return fmt.Errorf("create staging set: %w", err)
	}
	if _, err := runner.Run(ctx, ipsetBinary, "flush", staging); err != nil {
		return fmt.Errorf("flush staging set: %w", err)
	}

	for _, p := range prefixes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := runner.Run(ctx, ipsetBinary, "add", "-exist", staging, p.String()); err != nil {
			return fmt.Errorf("add %s: %w", p, err)
		}
	}

	if _, err := runner.Run(ctx, ipsetBinary, "swap", staging, name); err != nil {
		return fmt.Errorf("swap staging set: %w", err)
	}

	// The swap already landed; a leftover staging set is harmless.
	if _, err := runner.Run(ctx, ipsetBinary, "destroy", staging); err != nil {
		logger.Warn("failed to destroy staging set", slog.String("set", staging), slog.String("error", err.Error()))
	}

	logger.Info("ipset membership replaced",
		slog.String("set", name),
		slog.String("family", family),
		slog.Int("prefixes", len(prefixes)),
	)
	return nil
}

// ensureRules installs the iptables rules referencing the set, probing with
// -C first so repeated runs never duplicate a rule.
func ensureRules(ctx context.Context, runner sysexec.Runner, iptables string, name string, cfg Config, logger *slog.Logger) error {
	rules := [][]string{
		{"-A", "OUTPUT", "-m", "set", "--match-set", name, "dst", "-o", cfg.WGInterface, "-j", "ACCEPT"},
		{"-A", "OUTPUT", "-m", "set", "--match-set", name, "dst", "-j", "RETURN"},
		{"-A", "FORWARD", "-i", cfg.LANInterface, "-o", cfg.WGInterface, "-m", "set", "--match-set", name, "dst", "-j", "ACCEPT"},
		{"-A", "FORWARD", "-i", cfg.WGInterface, "-o", cfg.LANInterface, "-j", "ACCEPT"},
	}

	for _, rule := range rules {
		if err := ctx.Err(); err != nil {
			return err
		}

		probe := append([]string{"-w", iptablesWaitSeconds, "-C"}, rule[1:]...)
		exists, err := runner.Check(ctx, iptables, probe...)
		if err != nil {
			return fmt.Errorf("probe rule: %w", err)
		}
		if exists {
			logger.Debug("iptables rule already present", slog.String("chain", rule[1]))
			continue
		}

		add := append([]string{"-w", iptablesWaitSeconds}, rule...)
		logger.Info("adding iptables rule", slog.String("chain", rule[1]), slog.String("set", name))
		if _, err := runner.Run(ctx, iptables, add...); err != nil {
			return fmt.Errorf("add rule: %w", err)
		}
	}

	return nil
}

// persist captures the current iptables and ipset state to the configured
// files so boot-time restore tooling can replay them.
func persist(ctx context.Context, runner sysexec.Runner, cfg Config, logger *slog.Logger) error {
	if cfg.RulesV4Path != "" {
		output, err := runner.Run(ctx, ipv4SaveBinary)
		if err != nil {
			return fmt.Errorf("iptables-save: %w", err)
		}
		if err := writeFileAtomic(cfg.RulesV4Path, []byte(output)); err != nil {
			return err
		}
		logger.Info("iptables rules saved", slog.String("path", cfg.RulesV4Path))
	}

	if cfg.IPSetSavePath != "" {
		output, err := runner.Run(ctx, ipsetBinary, "save", cfg.SetName)
		if err != nil {
			return fmt.Errorf("ipset save: %w", err)
		}
		if err := writeFileAtomic(cfg.IPSetSavePath, []byte(output)); err != nil {
			return err
		}
		logger.Info("ipset state saved", slog.String("path", cfg.IPSetSavePath))
	}

	return nil
}
