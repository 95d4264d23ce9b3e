// Package plugin provides an extensible hook system for the metering engine.
// Plugins implement any subset of the hook interfaces below and are
// dispatched after the corresponding state change has been persisted.
package plugin

import (
	"context"
	"time"

	"github.com/xraph/metering/alert"
	"github.com/xraph/metering/meter"
	"github.com/xraph/metering/plan"
	"github.com/xraph/metering/subscription"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the engine starts. engine is the *metering.Engine.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, engine any) error
}

// OnShutdown is called when the engine stops.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Plan and subscription hooks
// ──────────────────────────────────────────────────

// OnPlanCreated is called when a new plan is created.
type OnPlanCreated interface {
	Plugin
	OnPlanCreated(ctx context.Context, p *plan.Plan) error
}

// OnSubscriptionActivated is called after a subscription becomes the
// user's active one. superseded counts the subscriptions it replaced.
type OnSubscriptionActivated interface {
	Plugin
	OnSubscriptionActivated(ctx context.Context, sub *subscription.Subscription, superseded int64) error
}

// OnSubscriptionDeactivated is called when a subscription is ended
// administratively.
type OnSubscriptionDeactivated interface {
	Plugin
	OnSubscriptionDeactivated(ctx context.Context, sub *subscription.Subscription) error
}

// ──────────────────────────────────────────────────
// Metering hooks
// ──────────────────────────────────────────────────

// OnReadingRecorded is called once a reading has been appended.
type OnReadingRecorded interface {
	Plugin
	OnReadingRecorded(ctx context.Context, r *meter.Reading) error
}

// OnQuotaDeducted is called after a successful deduction. sub is the
// subscription as written.
type OnQuotaDeducted interface {
	Plugin
	OnQuotaDeducted(ctx context.Context, sub *subscription.Subscription, amount float64) error
}

// OnAlertCreated is called when a threshold alert is raised.
type OnAlertCreated interface {
	Plugin
	OnAlertCreated(ctx context.Context, a *alert.Alert) error
}

// OnPartialFailure is called when a reading was stored but a later step
// of the recording pipeline failed.
type OnPartialFailure interface {
	Plugin
	OnPartialFailure(ctx context.Context, r *meter.Reading, warnings []error) error
}

// ──────────────────────────────────────────────────
// Liveness hooks
// ──────────────────────────────────────────────────

// OnDeviceOnline is called when a reading brings a device online, either
// by creating it or by reviving an offline one.
type OnDeviceOnline interface {
	Plugin
	OnDeviceOnline(ctx context.Context, userID, deviceID string, created bool) error
}

// OnDevicesSwept is called after a sweep marked at least one device offline.
type OnDevicesSwept interface {
	Plugin
	OnDevicesSwept(ctx context.Context, count int64, cutoff time.Time) error
}
