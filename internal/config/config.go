package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config captures the runtime settings for a wgfence run. Lists and range
// data are re-read fresh on every invocation; nothing is cached between runs.
type Config struct {
	Interface     string `mapstructure:"interface"`
	WGConfig      string `mapstructure:"wg_config"`
	PeerPublicKey string `mapstructure:"peer_public_key"`
	LANInterface  string `mapstructure:"lan_interface"`

	Source       string `mapstructure:"source"`
	SourceFile   string `mapstructure:"source_file"`
	Country      string `mapstructure:"country"`
	RIPEURL      string `mapstructure:"ripe_url"`
	CutoffPrefix int    `mapstructure:"cutoff_prefix"`
	Invert       bool   `mapstructure:"invert"`

	IncludeFile string `mapstructure:"include_file"`
	ExcludeFile string `mapstructure:"exclude_file"`

	IPSetName        string `mapstructure:"ipset_name"`
	IPv6             bool   `mapstructure:"ipv6"`
	Persist          bool   `mapstructure:"persist"`
	IptablesSavePath string `mapstructure:"iptables_save_path"`
	IPSetSavePath    string `mapstructure:"ipset_save_path"`

	MetricsFile string `mapstructure:"metrics_file"`
	LogLevel    string `mapstructure:"log_level"`
	Timeout     string `mapstructure:"timeout"`
}

// Load reads configuration values from viper into a Config instance.
func Load() (Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unable to load configuration: %w", err)
	}
	return cfg, nil
}

// RunTimeout parses the configured whole-run deadline. A hung external
// command would otherwise block the run indefinitely.
func (c Config) RunTimeout() (time.Duration, error) {
	if c.Timeout == "" {
		return 2 * time.Minute, nil
	}
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 0, fmt.Errorf("parse timeout %q: %w", c.Timeout, err)
	}
	return d, nil
}
