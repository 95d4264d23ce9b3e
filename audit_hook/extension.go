// Package audithook bridges metering lifecycle events to an audit trail backend.
//
// It defines a local Recorder interface so the package does not depend on
// any particular audit store. Callers inject a RecorderFunc adapter at
// wiring time.
package audithook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xraph/metering/alert"
	"github.com/xraph/metering/meter"
	"github.com/xraph/metering/plan"
	"github.com/xraph/metering/plugin"
	"github.com/xraph/metering/subscription"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin                    = (*Extension)(nil)
	_ plugin.OnPlanCreated             = (*Extension)(nil)
	_ plugin.OnSubscriptionActivated   = (*Extension)(nil)
	_ plugin.OnSubscriptionDeactivated = (*Extension)(nil)
	_ plugin.OnReadingRecorded         = (*Extension)(nil)
	_ plugin.OnQuotaDeducted           = (*Extension)(nil)
	_ plugin.OnAlertCreated            = (*Extension)(nil)
	_ plugin.OnPartialFailure          = (*Extension)(nil)
	_ plugin.OnDeviceOnline            = (*Extension)(nil)
	_ plugin.OnDevicesSwept            = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is a local representation of an audit event.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// Extension bridges metering lifecycle events to an audit trail backend.
type Extension struct {
	recorder Recorder
	only     map[string]struct{} // nil = all actions
	skip     map[string]struct{}
	minRank  int
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Plan and subscription hooks
// ──────────────────────────────────────────────────

// OnPlanCreated implements plugin.OnPlanCreated.
func (e *Extension) OnPlanCreated(ctx context.Context, p *plan.Plan) error {
	return e.record(ctx, ActionPlanCreated, SeverityInfo, OutcomeSuccess,
		ResourcePlan, p.ID.String(), CategoryBilling, nil,
		"name", p.Name,
		"total_quota", p.TotalQuota,
		"duration_days", p.DurationDays,
	)
}

// OnSubscriptionActivated implements plugin.OnSubscriptionActivated.
func (e *Extension) OnSubscriptionActivated(ctx context.Context, sub *subscription.Subscription, superseded int64) error {
	if err := e.record(ctx, ActionSubscriptionActivated, SeverityInfo, OutcomeSuccess,
		ResourceSubscription, sub.ID.String(), CategorySubscription, nil,
		"user_id", sub.UserID,
		"plan", sub.PlanName,
		"start_date", sub.StartDate,
		"end_date", sub.EndDate,
	); err != nil {
		return err
	}
	if superseded == 0 {
		return nil
	}
	return e.record(ctx, ActionSubscriptionSuperseded, SeverityInfo, OutcomeSuccess,
		ResourceSubscription, sub.ID.String(), CategorySubscription, nil,
		"user_id", sub.UserID,
		"superseded", superseded,
	)
}

// OnSubscriptionDeactivated implements plugin.OnSubscriptionDeactivated.
func (e *Extension) OnSubscriptionDeactivated(ctx context.Context, sub *subscription.Subscription) error {
	return e.record(ctx, ActionSubscriptionDeactivated, SeverityInfo, OutcomeSuccess,
		ResourceSubscription, sub.ID.String(), CategorySubscription, nil,
		"user_id", sub.UserID,
		"remaining_quota", sub.RemainingQuota,
	)
}

// ──────────────────────────────────────────────────
// Metering hooks
// ──────────────────────────────────────────────────

// OnReadingRecorded implements plugin.OnReadingRecorded.
func (e *Extension) OnReadingRecorded(ctx context.Context, r *meter.Reading) error {
	return e.record(ctx, ActionReadingRecorded, SeverityInfo, OutcomeSuccess,
		ResourceReading, r.ID.String(), CategoryUsage, nil,
		"user_id", r.UserID,
		"device_id", r.DeviceID,
		"value", r.Value,
		"timestamp", r.Timestamp,
	)
}

// OnQuotaDeducted implements plugin.OnQuotaDeducted. A deduction that
// leaves nothing is additionally recorded as quota.exhausted.
func (e *Extension) OnQuotaDeducted(ctx context.Context, sub *subscription.Subscription, amount float64) error {
	if err := e.record(ctx, ActionQuotaDeducted, SeverityInfo, OutcomeSuccess,
		ResourceSubscription, sub.ID.String(), CategoryUsage, nil,
		"user_id", sub.UserID,
		"amount", amount,
		"remaining_quota", sub.RemainingQuota,
	); err != nil {
		return err
	}
	if !sub.Exhausted() {
		return nil
	}
	return e.record(ctx, ActionQuotaExhausted, SeverityWarning, OutcomeSuccess,
		ResourceSubscription, sub.ID.String(), CategoryUsage, nil,
		"user_id", sub.UserID,
		"total_quota", sub.TotalQuota,
	)
}

// OnAlertCreated implements plugin.OnAlertCreated.
func (e *Extension) OnAlertCreated(ctx context.Context, a *alert.Alert) error {
	severity := SeverityWarning
	if a.Threshold >= 100 {
		severity = SeverityCritical
	}
	return e.record(ctx, ActionAlertRaised, severity, OutcomeSuccess,
		ResourceAlert, a.ID.String(), CategoryUsage, nil,
		"user_id", a.UserID,
		"alert_type", a.Type,
		"usage_percentage", a.UsagePercentage,
	)
}

// OnPartialFailure implements plugin.OnPartialFailure.
func (e *Extension) OnPartialFailure(ctx context.Context, r *meter.Reading, warnings []error) error {
	return e.record(ctx, ActionPartialFailure, SeverityError, OutcomePartial,
		ResourceReading, r.ID.String(), CategoryUsage, errors.Join(warnings...),
		"user_id", r.UserID,
		"device_id", r.DeviceID,
		"warnings", len(warnings),
	)
}

// ──────────────────────────────────────────────────
// Device hooks
// ──────────────────────────────────────────────────

// OnDeviceOnline implements plugin.OnDeviceOnline.
func (e *Extension) OnDeviceOnline(ctx context.Context, userID, deviceID string, created bool) error {
	action := ActionDeviceOnline
	if created {
		action = ActionDeviceRegistered
	}
	return e.record(ctx, action, SeverityInfo, OutcomeSuccess,
		ResourceDevice, deviceID, CategoryDevice, nil,
		"user_id", userID,
	)
}

// OnDevicesSwept implements plugin.OnDevicesSwept.
func (e *Extension) OnDevicesSwept(ctx context.Context, count int64, cutoff time.Time) error {
	return e.record(ctx, ActionDevicesSwept, SeverityInfo, OutcomeSuccess,
		ResourceDevice, "", CategoryDevice, nil,
		"count", count,
		"cutoff", cutoff,
	)
}

// ──────────────────────────────────────────────────
// Internal helpers
// ──────────────────────────────────────────────────

// record builds and sends an audit event if it passes the filters.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if !e.allowed(action, severity) {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audit_hook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}
