// Package store defines the unified persistence contract for the metering
// engine. Backends live in sub-packages (memory, mongo, postgres).
package store

import (
	"context"
	"time"

	"github.com/xraph/metering/alert"
	"github.com/xraph/metering/device"
	"github.com/xraph/metering/id"
	"github.com/xraph/metering/meter"
	"github.com/xraph/metering/plan"
	"github.com/xraph/metering/subscription"
)

// Store is the unified storage interface for all metering entities.
// Methods are declared explicitly rather than by embedding the per-entity
// interfaces, whose names (Get, List, Create) would collide.
//
// Implementations must provide:
//   - an atomic, single-statement quota deduction (DeductQuota)
//   - write-time evaluation of the staleness filter (MarkDevicesStale)
//   - uniqueness of (user_id, device_id) for devices and of
//     (user_id, alert_type, cycle_start) for alerts
type Store interface {
	// Plan methods
	CreatePlan(ctx context.Context, p *plan.Plan) error
	GetPlan(ctx context.Context, planID id.PlanID) (*plan.Plan, error)
	GetPlanByName(ctx context.Context, name string) (*plan.Plan, error)
	ListPlans(ctx context.Context) ([]*plan.Plan, error)

	// Subscription methods
	ActivateSubscription(ctx context.Context, s *subscription.Subscription) (int64, error)
	GetSubscription(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error)
	GetActiveSubscription(ctx context.Context, userID string) (*subscription.Subscription, error)
	ListSubscriptions(ctx context.Context, userID string, opts subscription.ListOpts) ([]*subscription.Subscription, error)
	DeactivateSubscription(ctx context.Context, subID id.SubscriptionID, at time.Time) error
	DeductQuota(ctx context.Context, userID string, amount float64, policy subscription.OverdraftPolicy, at time.Time) (*subscription.Subscription, error)

	// Reading methods
	AppendReading(ctx context.Context, r *meter.Reading) error
	QueryReadings(ctx context.Context, userID string, opts meter.QueryOpts) ([]*meter.Reading, error)

	// Alert methods
	FindAlertSince(ctx context.Context, userID, alertType string, since time.Time) (*alert.Alert, error)
	InsertAlert(ctx context.Context, a *alert.Alert) error
	ListAlerts(ctx context.Context, userID string, opts alert.ListOpts) ([]*alert.Alert, error)

	// Device methods
	CreateDevice(ctx context.Context, d *device.Device) error
	GetDevice(ctx context.Context, userID, deviceID string) (*device.Device, error)
	ListDevices(ctx context.Context, userID string) ([]*device.Device, error)
	DeleteDevice(ctx context.Context, userID, deviceID string) error
	TouchDevice(ctx context.Context, s device.Sighting) (*device.Device, error)
	MarkDevicesStale(ctx context.Context, cutoff, at time.Time) (int64, error)
	MarkDeviceStale(ctx context.Context, userID, deviceID string, cutoff, at time.Time) (bool, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
