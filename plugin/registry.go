package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/metering/alert"
	"github.com/xraph/metering/meter"
	"github.com/xraph/metering/plan"
	"github.com/xraph/metering/subscription"
)

// DefaultTimeout bounds a single plugin call.
const DefaultTimeout = 5 * time.Second

// Registry manages all registered plugins and provides efficient dispatch.
// Hook implementations are discovered once at registration time.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger
	timeout time.Duration

	onInit                    []OnInit
	onShutdown                []OnShutdown
	onPlanCreated             []OnPlanCreated
	onSubscriptionActivated   []OnSubscriptionActivated
	onSubscriptionDeactivated []OnSubscriptionDeactivated
	onReadingRecorded         []OnReadingRecorded
	onQuotaDeducted           []OnQuotaDeducted
	onAlertCreated            []OnAlertCreated
	onPartialFailure          []OnPartialFailure
	onDeviceOnline            []OnDeviceOnline
	onDevicesSwept            []OnDevicesSwept
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		logger:  slog.Default(),
		timeout: DefaultTimeout,
	}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// WithTimeout sets the per-call plugin timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// Register adds a plugin to the registry and caches its hooks.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}

	r.plugins = append(r.plugins, p)

	var hooks []string
	if v, ok := p.(OnInit); ok {
		r.onInit = append(r.onInit, v)
		hooks = append(hooks, "OnInit")
	}
	if v, ok := p.(OnShutdown); ok {
		r.onShutdown = append(r.onShutdown, v)
		hooks = append(hooks, "OnShutdown")
	}
	if v, ok := p.(OnPlanCreated); ok {
		r.onPlanCreated = append(r.onPlanCreated, v)
		hooks = append(hooks, "OnPlanCreated")
	}
	if v, ok := p.(OnSubscriptionActivated); ok {
		r.onSubscriptionActivated = append(r.onSubscriptionActivated, v)
		hooks = append(hooks, "OnSubscriptionActivated")
	}
	if v, ok := p.(OnSubscriptionDeactivated); ok {
		r.onSubscriptionDeactivated = append(r.onSubscriptionDeactivated, v)
		hooks = append(hooks, "OnSubscriptionDeactivated")
	}
	if v, ok := p.(OnReadingRecorded); ok {
		r.onReadingRecorded = append(r.onReadingRecorded, v)
		hooks = append(hooks, "OnReadingRecorded")
	}
	if v, ok := p.(OnQuotaDeducted); ok {
		r.onQuotaDeducted = append(r.onQuotaDeducted, v)
		hooks = append(hooks, "OnQuotaDeducted")
	}
	if v, ok := p.(OnAlertCreated); ok {
		r.onAlertCreated = append(r.onAlertCreated, v)
		hooks = append(hooks, "OnAlertCreated")
	}
	if v, ok := p.(OnPartialFailure); ok {
		r.onPartialFailure = append(r.onPartialFailure, v)
		hooks = append(hooks, "OnPartialFailure")
	}
	if v, ok := p.(OnDeviceOnline); ok {
		r.onDeviceOnline = append(r.onDeviceOnline, v)
		hooks = append(hooks, "OnDeviceOnline")
	}
	if v, ok := p.(OnDevicesSwept); ok {
		r.onDevicesSwept = append(r.onDevicesSwept, v)
		hooks = append(hooks, "OnDevicesSwept")
	}

	r.logger.Info("plugin registered",
		"name", p.Name(),
		"hooks", hooks,
	)

	return nil
}

// Get returns a plugin by name.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all registered plugins.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, len(r.plugins))
	copy(result, r.plugins)
	return result
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// ──────────────────────────────────────────────────
// Event emission methods
// ──────────────────────────────────────────────────

// EmitInit calls OnInit for all plugins that implement it.
func (r *Registry) EmitInit(ctx context.Context, engine any) {
	r.mu.RLock()
	plugins := r.onInit
	r.mu.RUnlock()

	dispatch(ctx, r, "OnInit", plugins, func(p OnInit) error {
		return p.OnInit(ctx, engine)
	})
}

// EmitShutdown calls OnShutdown for all plugins that implement it.
func (r *Registry) EmitShutdown(ctx context.Context) {
	r.mu.RLock()
	plugins := r.onShutdown
	r.mu.RUnlock()

	dispatch(ctx, r, "OnShutdown", plugins, func(p OnShutdown) error {
		return p.OnShutdown(ctx)
	})
}

// EmitPlanCreated emits a plan created event.
func (r *Registry) EmitPlanCreated(ctx context.Context, pl *plan.Plan) {
	r.mu.RLock()
	plugins := r.onPlanCreated
	r.mu.RUnlock()

	dispatch(ctx, r, "OnPlanCreated", plugins, func(p OnPlanCreated) error {
		return p.OnPlanCreated(ctx, pl)
	})
}

// EmitSubscriptionActivated emits a subscription activated event.
func (r *Registry) EmitSubscriptionActivated(ctx context.Context, sub *subscription.Subscription, superseded int64) {
	r.mu.RLock()
	plugins := r.onSubscriptionActivated
	r.mu.RUnlock()

	dispatch(ctx, r, "OnSubscriptionActivated", plugins, func(p OnSubscriptionActivated) error {
		return p.OnSubscriptionActivated(ctx, sub, superseded)
	})
}

// EmitSubscriptionDeactivated emits a subscription deactivated event.
func (r *Registry) EmitSubscriptionDeactivated(ctx context.Context, sub *subscription.Subscription) {
	r.mu.RLock()
	plugins := r.onSubscriptionDeactivated
	r.mu.RUnlock()

	dispatch(ctx, r, "OnSubscriptionDeactivated", plugins, func(p OnSubscriptionDeactivated) error {
		return p.OnSubscriptionDeactivated(ctx, sub)
	})
}

// EmitReadingRecorded emits a reading recorded event.
func (r *Registry) EmitReadingRecorded(ctx context.Context, rd *meter.Reading) {
	r.mu.RLock()
	plugins := r.onReadingRecorded
	r.mu.RUnlock()

	dispatch(ctx, r, "OnReadingRecorded", plugins, func(p OnReadingRecorded) error {
		return p.OnReadingRecorded(ctx, rd)
	})
}

// EmitQuotaDeducted emits a quota deducted event.
func (r *Registry) EmitQuotaDeducted(ctx context.Context, sub *subscription.Subscription, amount float64) {
	r.mu.RLock()
	plugins := r.onQuotaDeducted
	r.mu.RUnlock()

	dispatch(ctx, r, "OnQuotaDeducted", plugins, func(p OnQuotaDeducted) error {
		return p.OnQuotaDeducted(ctx, sub, amount)
	})
}

// EmitAlertCreated emits an alert created event.
func (r *Registry) EmitAlertCreated(ctx context.Context, a *alert.Alert) {
	r.mu.RLock()
	plugins := r.onAlertCreated
	r.mu.RUnlock()

	dispatch(ctx, r, "OnAlertCreated", plugins, func(p OnAlertCreated) error {
		return p.OnAlertCreated(ctx, a)
	})
}

// EmitPartialFailure emits a partial failure event.
func (r *Registry) EmitPartialFailure(ctx context.Context, rd *meter.Reading, warnings []error) {
	r.mu.RLock()
	plugins := r.onPartialFailure
	r.mu.RUnlock()

	dispatch(ctx, r, "OnPartialFailure", plugins, func(p OnPartialFailure) error {
		return p.OnPartialFailure(ctx, rd, warnings)
	})
}

// EmitDeviceOnline emits a device online event.
func (r *Registry) EmitDeviceOnline(ctx context.Context, userID, deviceID string, created bool) {
	r.mu.RLock()
	plugins := r.onDeviceOnline
	r.mu.RUnlock()

	dispatch(ctx, r, "OnDeviceOnline", plugins, func(p OnDeviceOnline) error {
		return p.OnDeviceOnline(ctx, userID, deviceID, created)
	})
}

// EmitDevicesSwept emits a devices swept event.
func (r *Registry) EmitDevicesSwept(ctx context.Context, count int64, cutoff time.Time) {
	r.mu.RLock()
	plugins := r.onDevicesSwept
	r.mu.RUnlock()

	dispatch(ctx, r, "OnDevicesSwept", plugins, func(p OnDevicesSwept) error {
		return p.OnDevicesSwept(ctx, count, cutoff)
	})
}

func dispatch[T Plugin](ctx context.Context, r *Registry, hook string, plugins []T, call func(T) error) {
	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return call(p)
		}); err != nil {
			r.logger.Warn("plugin "+hook+" failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// callWithTimeout calls a plugin function with a timeout.
// Plugins must never block the recording pipeline.
func (r *Registry) callWithTimeout(ctx context.Context, pluginName string, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		done <- fn()
	}()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("plugin timeout: %s", pluginName)
	case <-ctx.Done():
		return ctx.Err()
	}
}
