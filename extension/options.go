package extension

import (
	"time"

	"github.com/xraph/metering"
	"github.com/xraph/metering/plugin"
	"github.com/xraph/metering/store"
)

// Option configures the metering Forge extension.
type Option func(*Extension)

// WithStore sets the store for the metering engine.
func WithStore(s store.Store) Option {
	return func(e *Extension) {
		e.store = s
	}
}

// WithEngineOption passes a metering.Option through to the underlying engine.
func WithEngineOption(opt metering.Option) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, opt)
	}
}

// WithPlugin registers a metering plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Extension) {
		e.engineOpts = append(e.engineOpts, metering.WithPlugin(p))
	}
}

// WithConfig sets the Forge extension configuration.
func WithConfig(cfg Config) Option {
	return func(e *Extension) { e.config = cfg }
}

// WithDisableMigrate prevents auto-migration on start.
func WithDisableMigrate() Option {
	return func(e *Extension) { e.config.DisableMigrate = true }
}

// WithRequireConfig requires config to be present in YAML files.
// If true and no config is found, Register returns an error.
func WithRequireConfig(require bool) Option {
	return func(e *Extension) { e.config.RequireConfig = require }
}

// WithStalenessWindow sets the device liveness window.
func WithStalenessWindow(d time.Duration) Option {
	return func(e *Extension) { e.config.StalenessWindow = d }
}

// WithSweepInterval sets how often stale devices are swept.
func WithSweepInterval(d time.Duration) Option {
	return func(e *Extension) { e.config.SweepInterval = d }
}

// WithOverdraftPolicy sets "floor" or "reject".
func WithOverdraftPolicy(policy string) Option {
	return func(e *Extension) { e.config.OverdraftPolicy = policy }
}

// WithThresholds replaces the alert percentages.
func WithThresholds(pcts ...float64) Option {
	return func(e *Extension) { e.config.Thresholds = pcts }
}
