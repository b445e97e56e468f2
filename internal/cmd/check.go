package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/gaissmai/cidrtree"
	"github.com/spf13/cobra"

	"github.com/avolkhov/wgfence/internal/config"
	"github.com/avolkhov/wgfence/internal/logging"
	"github.com/avolkhov/wgfence/internal/metrics"
)

// CheckCmd represents the wgfence check subcommand. It answers the diagnostic
// question "would traffic to this address go through the tunnel?" by running
// a longest-prefix lookup against the computed rule set.
var CheckCmd = &cobra.Command{
	Use:   "check <addr> [<addr>...]",
	Short: "Report whether addresses are covered by the final rule set",
	Args:  cobra.MinimumNArgs(1),
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

		addrs := make([]netip.Addr, 0, len(args))
		for _, arg := range args {
			addr, err := netip.ParseAddr(arg)
			if err != nil {
				return fmt.Errorf("invalid address %q: %w", arg, err)
			}
			addrs = append(addrs, addr)
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		rules, err := buildRuleSet(ctx, cfg, metrics.New(), logger)
		if err != nil {
			return err
		}

		tree := lookupTable(rules.Final.Prefixes())
		out := cmd.OutOrStdout()

		uncovered := 0
		for _, addr := range addrs {
			match, _, ok := tree.Lookup(addr)
			if ok {
				fmt.Fprintf(out, "%s\tcovered\t%s\n", addr, match)
				continue
			}
			fmt.Fprintf(out, "%s\tnot covered\n", addr)
			uncovered++
		}

		if uncovered > 0 {
			return fmt.Errorf("%d of %d addresses not covered by the rule set", uncovered, len(addrs))
		}
		return nil
	},
}

// lookupTable indexes the final prefixes for longest-prefix matching.
func lookupTable(prefixes []netip.Prefix) *cidrtree.Table[struct{}] {
	tree := new(cidrtree.Table[struct{}])
	for _, p := range prefixes {
		tree.Insert(p, struct{}{})
	}
	return tree
}
