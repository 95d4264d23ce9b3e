package metering

import (
	"log/slog"
	"time"

	"github.com/xraph/metering/plugin"
	"github.com/xraph/metering/subscription"
)

// Option configures an Engine instance.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger == nil {
			return
		}
		e.logger = logger
		e.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Engine) {
		_ = e.plugins.Register(p) //nolint:errcheck // best-effort plugin registration during init
	}
}

// WithPluginTimeout bounds each plugin hook call.
func WithPluginTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.plugins.WithTimeout(d)
	}
}

// WithClock replaces the wall clock. Intended for tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithStalenessWindow sets how long a device may stay silent before the
// sweep marks it offline.
func WithStalenessWindow(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.stalenessWindow = d
		}
	}
}

// WithSweepInterval sets how often the background sweep runs.
func WithSweepInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.sweepInterval = d
		}
	}
}

// WithThresholds replaces the alert thresholds.
func WithThresholds(ts ...Threshold) Option {
	return func(e *Engine) {
		e.thresholds = ts
	}
}

// WithExtraThresholds adds thresholds on top of the defaults.
func WithExtraThresholds(pcts ...float64) Option {
	return func(e *Engine) {
		if len(e.thresholds) == 0 {
			e.thresholds = DefaultThresholds()
		}
		for _, p := range pcts {
			e.thresholds = append(e.thresholds, ThresholdAt(p))
		}
	}
}

// WithMessageFunc replaces the alert text renderer.
func WithMessageFunc(fn MessageFunc) Option {
	return func(e *Engine) {
		e.message = fn
	}
}

// WithOverdraftPolicy chooses between clamping at zero (default) and
// rejecting deductions larger than the remaining quota.
func WithOverdraftPolicy(p subscription.OverdraftPolicy) Option {
	return func(e *Engine) {
		if p.Valid() {
			e.policy = p
		}
	}
}

// WithRetry sets the retry policy for transient store failures.
func WithRetry(p RetryPolicy) Option {
	return func(e *Engine) {
		e.retry = p
	}
}

// WithAutoRegisterDevices controls whether a reading from an unknown
// device registers it (default) or is rejected as invalid input.
func WithAutoRegisterDevices(enabled bool) Option {
	return func(e *Engine) {
		e.autoRegister = enabled
	}
}

// WithDisableMigrate skips store migration in Start. Use it when the
// schema is managed out of band.
func WithDisableMigrate() Option {
	return func(e *Engine) {
		e.skipMigrate = true
	}
}
