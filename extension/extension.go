// Package extension provides the Forge extension adapter for the metering
// engine.
//
// It implements the forge.Extension interface to integrate metering
// into a Forge application with DI registration and lifecycle management.
//
// Configuration can be provided programmatically via Option functions
// or via YAML configuration files under "extensions.metering" or
// "metering" keys.
package extension

import (
	"context"
	"errors"
	"fmt"

	"github.com/xraph/forge"
	"github.com/xraph/vessel"

	"github.com/xraph/metering"
	"github.com/xraph/metering/store"
	"github.com/xraph/metering/store/memory"
	"github.com/xraph/metering/subscription"
)

// ExtensionName is the name registered with Forge.
const ExtensionName = "metering"

// ExtensionDescription is the human-readable description.
const ExtensionDescription = "Prepaid energy metering with quota alerts and device liveness"

// ExtensionVersion is the semantic version.
const ExtensionVersion = "0.1.0"

// Ensure Extension implements forge.Extension at compile time.
var _ forge.Extension = (*Extension)(nil)

// Extension adapts the metering engine as a Forge extension.
type Extension struct {
	*forge.BaseExtension

	config     Config
	engine     *metering.Engine
	store      store.Store
	engineOpts []metering.Option
}

// New creates a new metering Forge extension with the given options.
func New(opts ...Option) *Extension {
	e := &Extension{
		BaseExtension: forge.NewBaseExtension(ExtensionName, ExtensionVersion, ExtensionDescription),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Engine returns the underlying metering engine.
// This is nil until Register is called.
func (e *Extension) Engine() *metering.Engine { return e.engine }

// Register implements [forge.Extension]. It loads configuration,
// initializes the engine, and registers it in the DI container.
func (e *Extension) Register(fapp forge.App) error {
	if err := e.BaseExtension.Register(fapp); err != nil {
		return err
	}

	if err := e.loadConfiguration(); err != nil {
		return err
	}

	// Use memory store if no store was provided programmatically.
	if e.store == nil {
		e.store = memory.New()
	}

	opts, err := buildEngineOpts(e.config, e.engineOpts)
	if err != nil {
		return err
	}
	e.engine = metering.New(e.store, opts...)

	return vessel.Provide(fapp.Container(), func() (*metering.Engine, error) {
		return e.engine, nil
	})
}

// Start implements [forge.Extension].
func (e *Extension) Start(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("metering: extension not initialized")
	}

	if err := e.engine.Start(ctx); err != nil {
		return err
	}

	e.MarkStarted()
	return nil
}

// Stop implements [forge.Extension].
func (e *Extension) Stop(_ context.Context) error {
	if e.engine != nil {
		if err := e.engine.Stop(); err != nil && !errors.Is(err, metering.ErrNotStarted) {
			e.MarkStopped()
			return err
		}
	}
	e.MarkStopped()
	return nil
}

// Health implements [forge.Extension].
func (e *Extension) Health(ctx context.Context) error {
	if e.engine == nil {
		return errors.New("metering: engine not initialized")
	}
	return e.engine.Health(ctx)
}

// buildEngineOpts constructs metering.Option values from the resolved
// config. Pass-through options are applied last and win.
// EngineOptions translates cfg into engine options, followed by extra.
// It is used by binaries that build the engine without forge.
func EngineOptions(cfg Config, extra ...metering.Option) ([]metering.Option, error) {
	return buildEngineOpts(mergeWithDefaults(cfg), extra)
}

func buildEngineOpts(cfg Config, extra []metering.Option) ([]metering.Option, error) {
	policy := subscription.OverdraftPolicy(cfg.OverdraftPolicy)
	if cfg.OverdraftPolicy != "" && !policy.Valid() {
		return nil, fmt.Errorf("metering: unknown overdraft policy %q", cfg.OverdraftPolicy)
	}

	opts := make([]metering.Option, 0, len(extra)+8)
	opts = append(opts,
		metering.WithStalenessWindow(cfg.StalenessWindow),
		metering.WithSweepInterval(cfg.SweepInterval),
		metering.WithOverdraftPolicy(policy),
		metering.WithRetry(cfg.Retry),
		metering.WithAutoRegisterDevices(!cfg.DisableAutoRegister),
	)
	if cfg.PluginTimeout > 0 {
		opts = append(opts, metering.WithPluginTimeout(cfg.PluginTimeout))
	}
	if cfg.DisableMigrate {
		opts = append(opts, metering.WithDisableMigrate())
	}
	if len(cfg.Thresholds) > 0 {
		ts := make([]metering.Threshold, 0, len(cfg.Thresholds))
		for _, p := range cfg.Thresholds {
			ts = append(ts, metering.ThresholdAt(p))
		}
		opts = append(opts, metering.WithThresholds(ts...))
	}

	return append(opts, extra...), nil
}

// --- Config Loading ---

// loadConfiguration loads config from YAML files or programmatic sources.
func (e *Extension) loadConfiguration() error {
	programmaticConfig := e.config

	fileConfig, configLoaded := e.tryLoadFromConfigFile()

	if !configLoaded {
		if programmaticConfig.RequireConfig {
			return errors.New("metering: configuration is required but not found in config files; " +
				"ensure 'extensions.metering' or 'metering' key exists in your config")
		}
		e.config = mergeWithDefaults(programmaticConfig)
	} else {
		e.config = mergeConfigurations(fileConfig, programmaticConfig)
	}

	e.Logger().Debug("metering: configuration loaded",
		forge.F("disable_migrate", e.config.DisableMigrate),
		forge.F("disable_auto_register", e.config.DisableAutoRegister),
		forge.F("staleness_window", e.config.StalenessWindow),
		forge.F("sweep_interval", e.config.SweepInterval),
		forge.F("overdraft_policy", e.config.OverdraftPolicy),
		forge.F("thresholds", e.config.Thresholds),
	)

	return nil
}

// tryLoadFromConfigFile attempts to load config from YAML files.
func (e *Extension) tryLoadFromConfigFile() (Config, bool) {
	cm := e.App().Config()

	for _, key := range []string{"extensions.metering", "metering"} {
		if !cm.IsSet(key) {
			continue
		}
		var cfg Config
		if err := cm.Bind(key, &cfg); err != nil {
			e.Logger().Warn("metering: failed to bind config",
				forge.F("key", key),
				forge.F("error", err.Error()),
			)
			continue
		}
		e.Logger().Debug("metering: loaded config from file", forge.F("key", key))
		return cfg, true
	}

	return Config{}, false
}

// mergeWithDefaults fills zero-valued fields with defaults.
func mergeWithDefaults(cfg Config) Config {
	defaults := DefaultConfig()
	if cfg.StalenessWindow == 0 {
		cfg.StalenessWindow = defaults.StalenessWindow
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = defaults.SweepInterval
	}
	if cfg.OverdraftPolicy == "" {
		cfg.OverdraftPolicy = defaults.OverdraftPolicy
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = defaults.Retry
	}
	if cfg.PluginTimeout == 0 {
		cfg.PluginTimeout = defaults.PluginTimeout
	}
	return cfg
}

// mergeConfigurations merges YAML config with programmatic options.
// YAML config takes precedence; programmatic values fill gaps and bool
// flags override when true.
func mergeConfigurations(yamlConfig, programmaticConfig Config) Config {
	if programmaticConfig.DisableMigrate {
		yamlConfig.DisableMigrate = true
	}
	if programmaticConfig.DisableAutoRegister {
		yamlConfig.DisableAutoRegister = true
	}

	if yamlConfig.OverdraftPolicy == "" {
		yamlConfig.OverdraftPolicy = programmaticConfig.OverdraftPolicy
	}
	if yamlConfig.StalenessWindow == 0 {
		yamlConfig.StalenessWindow = programmaticConfig.StalenessWindow
	}
	if yamlConfig.SweepInterval == 0 {
		yamlConfig.SweepInterval = programmaticConfig.SweepInterval
	}
	if len(yamlConfig.Thresholds) == 0 {
		yamlConfig.Thresholds = programmaticConfig.Thresholds
	}
	if yamlConfig.Retry.MaxAttempts == 0 {
		yamlConfig.Retry = programmaticConfig.Retry
	}
	if yamlConfig.PluginTimeout == 0 {
		yamlConfig.PluginTimeout = programmaticConfig.PluginTimeout
	}

	return mergeWithDefaults(yamlConfig)
}
