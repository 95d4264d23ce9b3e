package metering

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/xraph/metering/alert"
	"github.com/xraph/metering/device"
	"github.com/xraph/metering/id"
	"github.com/xraph/metering/meter"
	"github.com/xraph/metering/plan"
	"github.com/xraph/metering/plugin"
	"github.com/xraph/metering/store"
	"github.com/xraph/metering/subscription"
	"github.com/xraph/metering/types"
)

// Listing limits.
const (
	DefaultReadingLimit = 100
	MaxReadingLimit     = 1000
	DefaultAlertLimit   = 50
	MaxAlertLimit       = 200
)

// Engine is the metering orchestrator. It records readings, deducts quota,
// raises threshold alerts and keeps device liveness current.
type Engine struct {
	store   store.Store
	plugins *plugin.Registry
	logger  *slog.Logger
	clock   func() time.Time

	quota   *QuotaLedger
	alerter *Alerter
	tracker *Tracker
	sweeper *Sweeper

	// Configuration
	stalenessWindow time.Duration
	sweepInterval   time.Duration
	thresholds      []Threshold
	message         MessageFunc
	policy          subscription.OverdraftPolicy
	retry           RetryPolicy
	autoRegister    bool
	skipMigrate     bool

	mu      sync.Mutex
	started bool
}

// New creates a new Engine over s.
func New(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:           s,
		plugins:         plugin.NewRegistry(),
		logger:          slog.Default(),
		clock:           time.Now,
		stalenessWindow: DefaultStalenessWindow,
		sweepInterval:   DefaultSweepInterval,
		policy:          subscription.PolicyFloor,
		retry:           DefaultRetryPolicy(),
		autoRegister:    true,
	}

	for _, opt := range opts {
		opt(e)
	}

	e.quota = NewQuotaLedger(s, e.policy, e.now)
	e.alerter = NewAlerter(s, AlerterConfig{
		Thresholds: e.thresholds,
		Message:    e.message,
		Clock:      e.now,
		Logger:     e.logger,
	})
	e.tracker = NewTracker(s, e.stalenessWindow, e.now, e.logger)
	e.sweeper = NewSweeper(e.sweepInterval, e.sweepOnce, e.logger)

	return e
}

// Start migrates the store, initializes plugins and launches the
// liveness sweeper.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return ErrAlreadyStarted
	}

	if !e.skipMigrate {
		if err := e.store.Migrate(ctx); err != nil {
			return fmt.Errorf("%w: %w", ErrMigrationFailed, err)
		}
	}

	e.plugins.EmitInit(ctx, e)
	e.sweeper.Start(ctx)
	e.started = true

	e.logger.Info("metering engine started",
		"staleness_window", e.stalenessWindow,
		"sweep_interval", e.sweepInterval,
		"overdraft_policy", string(e.policy),
		"thresholds", len(e.alerter.Thresholds()),
	)

	return nil
}

// Stop joins the sweeper, shuts plugins down and closes the store.
// In-flight RecordReading calls are not cancelled.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		return ErrNotStarted
	}
	e.started = false

	e.sweeper.Stop()
	e.plugins.EmitShutdown(context.Background())

	e.logger.Info("metering engine stopped")
	return e.store.Close()
}

// Store returns the underlying store.
func (e *Engine) Store() store.Store { return e.store }

// Plugins returns the plugin registry.
func (e *Engine) Plugins() *plugin.Registry { return e.plugins }

// Quota returns the quota ledger.
func (e *Engine) Quota() *QuotaLedger { return e.quota }

// Alerter returns the threshold alerter.
func (e *Engine) Alerter() *Alerter { return e.alerter }

// Tracker returns the liveness tracker.
func (e *Engine) Tracker() *Tracker { return e.tracker }

// Health pings the store.
func (e *Engine) Health(ctx context.Context) error {
	return e.store.Ping(ctx)
}

// now is the engine clock truncated to the millisecond precision every
// backend can round-trip.
func (e *Engine) now() time.Time {
	return e.clock().UTC().Truncate(time.Millisecond)
}

// ──────────────────────────────────────────────────
// Recording
// ──────────────────────────────────────────────────

// Step names a stage of the recording pipeline.
type Step string

const (
	StepLiveness   Step = "liveness"
	StepAppend     Step = "append_reading"
	StepDeduct     Step = "deduct_quota"
	StepThresholds Step = "check_thresholds"
)

// StepError is a pipeline failure attributed to a step.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("metering: %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// RecordResult is the outcome of RecordReading.
type RecordResult struct {
	Reading   *meter.Reading `json:"reading"`
	Written   bool           `json:"written"`
	Device    TouchResult    `json:"device"`
	Deduction *Deduction     `json:"deduction,omitempty"`
	Outcomes  []Outcome      `json:"outcomes,omitempty"`
	Alerts    []*alert.Alert `json:"alerts,omitempty"`
	// Warnings holds *StepError values for the quota and alert steps.
	Warnings []error `json:"-"`
}

// PartialFailure reports whether the reading was stored but a later step
// failed.
func (r *RecordResult) PartialFailure() bool {
	return r.Written && len(r.Warnings) > 0
}

// RecordReading ingests one reading. It runs, in order: the device
// liveness upsert, the append of the reading, the quota deduction and the
// threshold check. Failures of the first two abort the call; failures of
// the last two are returned as warnings on an otherwise successful result.
// A zero ts is replaced by the current time.
func (e *Engine) RecordReading(ctx context.Context, userID, deviceID string, value float64, ts time.Time) (*RecordResult, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ValidationError{Field: "user_id", Message: "must not be empty"}
	}
	if strings.TrimSpace(deviceID) == "" {
		return nil, ValidationError{Field: "device_id", Message: "must not be empty"}
	}
	if err := validateAmount("value", value); err != nil {
		return nil, err
	}

	now := e.now()
	if ts.IsZero() {
		ts = now
	}
	reading := &meter.Reading{
		ID:        id.NewReadingID(),
		UserID:    userID,
		DeviceID:  deviceID,
		Value:     value,
		Timestamp: ts.UTC().Truncate(time.Millisecond),
		CreatedAt: now,
	}
	res := &RecordResult{Reading: reading}

	// 1. Liveness
	sighting := device.Sighting{
		UserID:   userID,
		DeviceID: deviceID,
		Value:    value,
		At:       now,
		Upsert:   e.autoRegister,
	}
	touched, err := retryStep(ctx, e.retry, e.logger, StepLiveness, func(attempt uint) (TouchResult, error) {
		return e.tracker.touch(ctx, sighting, attempt > 1)
	})
	if err != nil {
		if errors.Is(err, ErrDeviceNotFound) {
			err = fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
		return nil, &StepError{Step: StepLiveness, Err: err}
	}
	res.Device = touched
	if touched.CameOnline {
		e.plugins.EmitDeviceOnline(ctx, userID, deviceID, touched.Created)
	}

	// 2. Append
	_, err = retryStep(ctx, e.retry, e.logger, StepAppend, func(attempt uint) (struct{}, error) {
		err := e.store.AppendReading(ctx, reading)
		// An earlier attempt may have landed before its error surfaced.
		if attempt > 1 && errors.Is(err, ErrAlreadyExists) {
			return struct{}{}, nil
		}
		return struct{}{}, err
	})
	if err != nil {
		return nil, &StepError{Step: StepAppend, Err: err}
	}
	res.Written = true
	e.plugins.EmitReadingRecorded(ctx, reading)

	// 3. Deduct
	ded, err := retryStep(ctx, e.retry, e.logger, StepDeduct, func(uint) (*Deduction, error) {
		return e.quota.Deduct(ctx, userID, value)
	})
	switch {
	case errors.Is(err, ErrNoActiveSubscription):
		e.logger.Debug("no active subscription, quota not deducted",
			"user_id", userID,
			"device_id", deviceID,
		)
	case err != nil:
		res.Warnings = append(res.Warnings, &StepError{Step: StepDeduct, Err: err})
	default:
		res.Deduction = ded
		e.plugins.EmitQuotaDeducted(ctx, ded.Subscription, value)
	}

	// 4. Thresholds
	if res.Deduction != nil {
		// A retry sees alerts from earlier attempts as already raised, so
		// created outcomes are kept across attempts.
		var (
			last    []Outcome
			created = make(map[string]Outcome)
		)
		_, err := retryStep(ctx, e.retry, e.logger, StepThresholds, func(uint) ([]Outcome, error) {
			outs, err := e.alerter.CheckThresholds(ctx, userID, res.Deduction.Subscription)
			for _, o := range outs {
				if o.Kind == OutcomeCreated {
					created[o.Threshold.Tag] = o
				}
			}
			last = outs
			return outs, err
		})
		if err != nil {
			res.Warnings = append(res.Warnings, &StepError{Step: StepThresholds, Err: err})
		}
		res.Outcomes = mergeOutcomes(last, created)
		for _, o := range res.Outcomes {
			if o.Kind == OutcomeCreated {
				res.Alerts = append(res.Alerts, o.Alert)
				e.plugins.EmitAlertCreated(ctx, o.Alert)
			}
		}
	}

	if res.PartialFailure() {
		e.logger.Warn("reading recorded with partial failure",
			"user_id", userID,
			"device_id", deviceID,
			"reading_id", reading.ID.String(),
			"warnings", len(res.Warnings),
		)
		e.plugins.EmitPartialFailure(ctx, reading, res.Warnings)
	}

	return res, nil
}

// ──────────────────────────────────────────────────
// Queries
// ──────────────────────────────────────────────────

// GetDeviceStatus re-evaluates the device's liveness and returns it.
func (e *Engine) GetDeviceStatus(ctx context.Context, userID, deviceID string) (*device.Device, error) {
	if _, err := e.tracker.Nudge(ctx, userID, deviceID); err != nil {
		return nil, err
	}
	return e.store.GetDevice(ctx, userID, deviceID)
}

// ListActiveAlerts returns the alerts raised during the user's current
// subscription cycle, newest first. Without an active subscription the
// list is empty.
func (e *Engine) ListActiveAlerts(ctx context.Context, userID string) ([]*alert.Alert, error) {
	sub, err := e.store.GetActiveSubscription(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNoActiveSubscription) {
			return []*alert.Alert{}, nil
		}
		return nil, err
	}
	return e.store.ListAlerts(ctx, userID, alert.ListOpts{Since: sub.StartDate, Limit: MaxAlertLimit})
}

// ListAlerts returns the user's alert history, newest first.
func (e *Engine) ListAlerts(ctx context.Context, userID string, limit int) ([]*alert.Alert, error) {
	return e.store.ListAlerts(ctx, userID, alert.ListOpts{Limit: clampLimit(limit, DefaultAlertLimit, MaxAlertLimit)})
}

// GetSubscriptionUsage returns the quota usage of the active subscription.
func (e *Engine) GetSubscriptionUsage(ctx context.Context, userID string) (*subscription.Usage, error) {
	sub, err := e.store.GetActiveSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}
	return sub.UsageAt(e.now()), nil
}

// GetActiveSubscription returns the user's active subscription.
func (e *Engine) GetActiveSubscription(ctx context.Context, userID string) (*subscription.Subscription, error) {
	return e.store.GetActiveSubscription(ctx, userID)
}

// ListReadings returns the user's reading history, newest first.
func (e *Engine) ListReadings(ctx context.Context, userID string, opts meter.QueryOpts) ([]*meter.Reading, error) {
	opts.Limit = clampLimit(opts.Limit, DefaultReadingLimit, MaxReadingLimit)
	return e.store.QueryReadings(ctx, userID, opts)
}

// ──────────────────────────────────────────────────
// Plan Management
// ──────────────────────────────────────────────────

// CreatePlan validates and stores a new plan.
func (e *Engine) CreatePlan(ctx context.Context, p *plan.Plan) error {
	if strings.TrimSpace(p.Name) == "" {
		return ValidationError{Field: "name", Message: "must not be empty"}
	}
	if p.TotalQuota <= 0 {
		return ValidationError{Field: "total_quota", Message: "must be positive"}
	}
	if p.DurationDays <= 0 {
		return ValidationError{Field: "duration_days", Message: "must be positive"}
	}

	if p.ID.IsNil() {
		p.ID = id.NewPlanID()
	}
	p.Entity = types.NewEntityAt(e.now())

	if err := e.store.CreatePlan(ctx, p); err != nil {
		return err
	}

	e.plugins.EmitPlanCreated(ctx, p)
	return nil
}

// GetPlan retrieves a plan by ID.
func (e *Engine) GetPlan(ctx context.Context, planID id.PlanID) (*plan.Plan, error) {
	return e.store.GetPlan(ctx, planID)
}

// ListPlans returns every plan.
func (e *Engine) ListPlans(ctx context.Context) ([]*plan.Plan, error) {
	return e.store.ListPlans(ctx)
}

// SeedPlans creates each plan whose name is not taken yet and returns how
// many were created.
func (e *Engine) SeedPlans(ctx context.Context, plans []*plan.Plan) (int, error) {
	created := 0
	for _, p := range plans {
		_, err := e.store.GetPlanByName(ctx, p.Name)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrPlanNotFound) {
			return created, err
		}
		if err := e.CreatePlan(ctx, p); err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}

// ──────────────────────────────────────────────────
// Subscription Management
// ──────────────────────────────────────────────────

// Subscribe starts a new cycle of planID for userID. Any active
// subscription of the user is deactivated first.
func (e *Engine) Subscribe(ctx context.Context, userID string, planID id.PlanID) (*subscription.Subscription, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ValidationError{Field: "user_id", Message: "must not be empty"}
	}

	p, err := e.store.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}

	start := e.now()
	sub := &subscription.Subscription{
		Entity:         types.NewEntityAt(start),
		ID:             id.NewSubscriptionID(),
		UserID:         userID,
		PlanID:         p.ID,
		PlanName:       p.Name,
		StartDate:      start,
		EndDate:        start.Add(p.Duration()),
		TotalQuota:     p.TotalQuota,
		RemainingQuota: p.TotalQuota,
		IsActive:       true,
	}

	superseded, err := e.store.ActivateSubscription(ctx, sub)
	if err != nil {
		return nil, err
	}

	e.logger.Info("subscription activated",
		"user_id", userID,
		"subscription_id", sub.ID.String(),
		"plan", p.Name,
		"superseded", superseded,
	)
	e.plugins.EmitSubscriptionActivated(ctx, sub, superseded)
	return sub, nil
}

// EndSubscription deactivates a subscription.
func (e *Engine) EndSubscription(ctx context.Context, subID id.SubscriptionID) error {
	sub, err := e.store.GetSubscription(ctx, subID)
	if err != nil {
		return err
	}
	if err := e.store.DeactivateSubscription(ctx, subID, e.now()); err != nil {
		return err
	}
	sub.IsActive = false

	e.plugins.EmitSubscriptionDeactivated(ctx, sub)
	return nil
}

// ListSubscriptions returns the user's subscriptions, newest first.
func (e *Engine) ListSubscriptions(ctx context.Context, userID string, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	return e.store.ListSubscriptions(ctx, userID, opts)
}

// ──────────────────────────────────────────────────
// Devices
// ──────────────────────────────────────────────────

// RegisterDevice creates an offline device that has not reported yet.
func (e *Engine) RegisterDevice(ctx context.Context, userID, deviceID, name string) (*device.Device, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ValidationError{Field: "user_id", Message: "must not be empty"}
	}
	if strings.TrimSpace(deviceID) == "" {
		return nil, ValidationError{Field: "device_id", Message: "must not be empty"}
	}
	if name == "" {
		name = deviceID
	}

	d := &device.Device{
		Entity:   types.NewEntityAt(e.now()),
		ID:       id.NewDeviceID(),
		UserID:   userID,
		DeviceID: deviceID,
		Name:     name,
	}
	if err := e.store.CreateDevice(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// ListDevices returns the user's devices.
func (e *Engine) ListDevices(ctx context.Context, userID string) ([]*device.Device, error) {
	return e.store.ListDevices(ctx, userID)
}

// DeleteDevice removes a device. Its readings are kept.
func (e *Engine) DeleteDevice(ctx context.Context, userID, deviceID string) error {
	return e.store.DeleteDevice(ctx, userID, deviceID)
}

// Sweep runs one liveness sweep immediately and returns how many devices
// went offline.
func (e *Engine) Sweep(ctx context.Context) (int64, error) {
	n, cutoff, err := e.tracker.Sweep(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.logger.Info("devices marked offline", "count", n, "cutoff", cutoff)
		e.plugins.EmitDevicesSwept(ctx, n, cutoff)
	}
	return n, nil
}

func (e *Engine) sweepOnce(ctx context.Context) {
	if _, err := e.Sweep(ctx); err != nil {
		e.logger.Error("liveness sweep failed", "error", err)
	}
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func clampLimit(limit, def, maxLimit int) int {
	switch {
	case limit <= 0:
		return def
	case limit > maxLimit:
		return maxLimit
	}
	return limit
}
