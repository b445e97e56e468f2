package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/avolkhov/wgfence/internal/logging"
	"github.com/avolkhov/wgfence/internal/resolve"
)

var (
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "wgfence",
	Short: "Regenerate WireGuard tunnel rules from country IP-range data",
	Long: `wgfence rebuilds the set of destination networks routed through a WireGuard
tunnel. It fetches per-country allocation data (RIPEstat) or a static range list,
applies the operator's include/exclude override lists, and pushes the result either
into the peer's AllowedIPs (routes variant) or into a kernel ipset referenced from
iptables rules (ipset variant). Each run is single-shot and idempotent; schedule it
with cron and serialize concurrent runs externally (flock or a cron singleton).`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		viper.SetEnvPrefix("WGF")
		viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
		viper.AutomaticEnv()

		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
			if err := viper.ReadInConfig(); err != nil {
				return fmt.Errorf("failed to read config file: %w", err)
			}
		}

		logging.InitLogger(viper.GetString("log_level"), "wgfence")
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("timeout", "2m", "Whole-run deadline, including external commands")
	rootCmd.PersistentFlags().String("include-file", "include.txt", "Path to the include override list")
	rootCmd.PersistentFlags().String("exclude-file", "exclude.txt", "Path to the exclude override list")

	bindings := map[string]string{
		"log_level":    "log-level",
		"timeout":      "timeout",
		"include_file": "include-file",
		"exclude_file": "exclude-file",
	}
	for key, flag := range bindings {
		if err := viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
			fmt.Fprintf(os.Stderr, "failed to bind %s flag: %v\n", flag, err)
			os.Exit(1)
		}
	}

	viper.SetDefault("interface", "wg1")
	viper.SetDefault("wg_config", "/etc/wireguard/wg1.conf")
	viper.SetDefault("peer_public_key", "")
	viper.SetDefault("source_file", "")
	viper.SetDefault("metrics_file", "")
	viper.SetDefault("ipv6", false)
	viper.SetDefault("persist", false)
	viper.SetDefault("lan_interface", "ens3")
	viper.SetDefault("source", resolve.SourceRIPE)
	viper.SetDefault("country", "RU")
	viper.SetDefault("ripe_url", resolve.DefaultRIPEURL)
	viper.SetDefault("cutoff_prefix", 10)
	viper.SetDefault("invert", true)
	viper.SetDefault("ipset_name", "wg_allowed_ips")
	viper.SetDefault("iptables_save_path", "/etc/iptables/rules.v4")
	viper.SetDefault("ipset_save_path", "/etc/ipset.conf")

	rootCmd.AddCommand(RoutesCmd)
	rootCmd.AddCommand(IPSetCmd)
	rootCmd.AddCommand(PlanCmd)
	rootCmd.AddCommand(CheckCmd)
}
