// Package config loads meterd settings from a YAML file, a .env file and
// METERD_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/xraph/metering/extension"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverMongo    = "mongo"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// EnvPrefix prefixes every environment override, e.g. METERD_HTTP_ADDR.
const EnvPrefix = "METERD"

type Config struct {
	App struct {
		Env string
	} `mapstructure:"app"`

	HTTP struct {
		Addr string
	} `mapstructure:"http"`

	Metrics struct {
		Enabled bool
	} `mapstructure:"metrics"`

	Store struct {
		Driver      string
		SeedCatalog bool `mapstructure:"seed_catalog"`
	} `mapstructure:"store"`

	Mongo struct {
		URL      string
		Database string
	} `mapstructure:"mongo"`

	Postgres struct {
		DSN string
	} `mapstructure:"postgres"`

	SQLite struct {
		DSN string
	} `mapstructure:"sqlite"`

	Metering extension.Config `mapstructure:"metering"`
}

// Load reads path (optional) and envFile (optional) and applies
// environment overrides on top of the defaults.
func Load(path, envFile string) (Config, error) {
	var c Config

	if envFile != "" {
		if err := gotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return c, fmt.Errorf("config: load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return c, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	if err := v.Unmarshal(&c); err != nil {
		return c, fmt.Errorf("config: decode: %w", err)
	}
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// AutomaticEnv only resolves keys viper already knows, so every key
// needs a default.
func setDefaults(v *viper.Viper) {
	m := extension.DefaultConfig()

	v.SetDefault("app.env", "prod")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("store.driver", DriverMemory)
	v.SetDefault("store.seed_catalog", true)
	v.SetDefault("mongo.url", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "sems_db")
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("sqlite.dsn", "file:metering.db?_pragma=busy_timeout(5000)")

	v.SetDefault("metering.disable_migrate", false)
	v.SetDefault("metering.disable_auto_register", false)
	v.SetDefault("metering.staleness_window", m.StalenessWindow)
	v.SetDefault("metering.sweep_interval", m.SweepInterval)
	v.SetDefault("metering.overdraft_policy", m.OverdraftPolicy)
	v.SetDefault("metering.thresholds", []float64{})
	v.SetDefault("metering.plugin_timeout", m.PluginTimeout)
	v.SetDefault("metering.retry.max_attempts", m.Retry.MaxAttempts)
	v.SetDefault("metering.retry.initial_interval", m.Retry.InitialInterval)
	v.SetDefault("metering.retry.max_interval", m.Retry.MaxInterval)
	v.SetDefault("metering.retry.max_elapsed", m.Retry.MaxElapsed)
}

// Validate checks the settings Load cannot default.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory, DriverMongo, DriverSQLite:
	case DriverPostgres:
		if c.Postgres.DSN == "" {
			return errors.New("config: postgres.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if c.HTTP.Addr == "" {
		return errors.New("config: http.addr must not be empty")
	}
	return nil
}

// Dev reports whether the app runs in the development environment.
func (c Config) Dev() bool { return c.App.Env == "dev" }
