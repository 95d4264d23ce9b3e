package extension

import (
	"time"

	"github.com/xraph/metering"
)

// Config holds the metering extension configuration.
// Fields can be set programmatically via Option functions or loaded from
// YAML configuration files (under "extensions.metering" or "metering" keys).
type Config struct {
	// DisableMigrate prevents auto-migration on start.
	DisableMigrate bool `json:"disable_migrate" mapstructure:"disable_migrate" yaml:"disable_migrate"`

	// DisableAutoRegister rejects readings from devices that were not
	// registered beforehand.
	DisableAutoRegister bool `json:"disable_auto_register" mapstructure:"disable_auto_register" yaml:"disable_auto_register"`

	// StalenessWindow is how long a device may stay silent before it is
	// considered offline (default: 5m).
	StalenessWindow time.Duration `json:"staleness_window" mapstructure:"staleness_window" yaml:"staleness_window"`

	// SweepInterval is how often the background sweep runs (default: 1m).
	SweepInterval time.Duration `json:"sweep_interval" mapstructure:"sweep_interval" yaml:"sweep_interval"`

	// OverdraftPolicy is "floor" (default) or "reject".
	OverdraftPolicy string `json:"overdraft_policy" mapstructure:"overdraft_policy" yaml:"overdraft_policy"`

	// Thresholds replaces the default 70/90/100 alert percentages.
	Thresholds []float64 `json:"thresholds" mapstructure:"thresholds" yaml:"thresholds"`

	// Retry bounds retries of transient store failures.
	Retry metering.RetryPolicy `json:"retry" mapstructure:"retry" yaml:"retry"`

	// PluginTimeout bounds a single plugin hook call (default: 5s).
	PluginTimeout time.Duration `json:"plugin_timeout" mapstructure:"plugin_timeout" yaml:"plugin_timeout"`

	// RequireConfig requires config to be present in YAML files.
	// If true and no config is found, Register returns an error.
	RequireConfig bool `json:"-" yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		StalenessWindow: metering.DefaultStalenessWindow,
		SweepInterval:   metering.DefaultSweepInterval,
		OverdraftPolicy: "floor",
		Retry:           metering.DefaultRetryPolicy(),
		PluginTimeout:   5 * time.Second,
	}
}
