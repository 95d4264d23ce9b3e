// Package observability provides a metrics plugin for the metering engine
// that records lifecycle event counts through a MetricFactory.
package observability

import (
	"context"
	"time"

	"github.com/xraph/metering/alert"
	"github.com/xraph/metering/meter"
	"github.com/xraph/metering/plan"
	"github.com/xraph/metering/plugin"
	"github.com/xraph/metering/subscription"
)

// Ensure MetricsExtension implements required interfaces.
var (
	_ plugin.Plugin                    = (*MetricsExtension)(nil)
	_ plugin.OnInit                    = (*MetricsExtension)(nil)
	_ plugin.OnPlanCreated             = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionActivated   = (*MetricsExtension)(nil)
	_ plugin.OnSubscriptionDeactivated = (*MetricsExtension)(nil)
	_ plugin.OnReadingRecorded         = (*MetricsExtension)(nil)
	_ plugin.OnQuotaDeducted           = (*MetricsExtension)(nil)
	_ plugin.OnAlertCreated            = (*MetricsExtension)(nil)
	_ plugin.OnPartialFailure          = (*MetricsExtension)(nil)
	_ plugin.OnDeviceOnline            = (*MetricsExtension)(nil)
	_ plugin.OnDevicesSwept            = (*MetricsExtension)(nil)
)

// Counter interface for metric counters.
type Counter interface {
	Inc()
	Add(float64)
}

// Histogram interface for metric histograms.
type Histogram interface {
	Observe(float64)
}

// MetricFactory creates metrics. Names are dot-separated
// ("metering.readings.recorded"); factories may rewrite them to fit
// their backend.
type MetricFactory interface {
	Counter(name string) Counter
	Histogram(name string) Histogram
}

// MetricsExtension records system-wide lifecycle metrics.
// Register it as an engine plugin to track metering activity.
type MetricsExtension struct {
	factory MetricFactory

	// Plan metrics
	PlanCreated Counter

	// Subscription metrics
	SubscriptionActivated   Counter
	SubscriptionSuperseded  Counter
	SubscriptionDeactivated Counter

	// Reading metrics
	ReadingsRecorded Counter
	EnergyRecorded   Counter
	ReadingValue     Histogram

	// Quota metrics
	QuotaDeductions Counter
	QuotaExhausted  Counter
	QuotaUsage      Histogram

	// Alert metrics
	AlertsCreated Counter

	// Device metrics
	DevicesRegistered Counter
	DevicesOnline     Counter
	DevicesSwept      Counter

	// Pipeline metrics
	PartialFailures Counter
	StepWarnings    Counter
	StartupTime     Histogram
}

// NewMetricsExtension creates a MetricsExtension with the provided MetricFactory.
func NewMetricsExtension(factory MetricFactory) *MetricsExtension {
	return &MetricsExtension{
		factory: factory,

		PlanCreated: factory.Counter("metering.plan.created"),

		SubscriptionActivated:   factory.Counter("metering.subscription.activated"),
		SubscriptionSuperseded:  factory.Counter("metering.subscription.superseded"),
		SubscriptionDeactivated: factory.Counter("metering.subscription.deactivated"),

		ReadingsRecorded: factory.Counter("metering.readings.recorded"),
		EnergyRecorded:   factory.Counter("metering.readings.kwh"),
		ReadingValue:     factory.Histogram("metering.readings.value_kwh"),

		QuotaDeductions: factory.Counter("metering.quota.deductions"),
		QuotaExhausted:  factory.Counter("metering.quota.exhausted_deductions"),
		QuotaUsage:      factory.Histogram("metering.quota.usage_percent"),

		AlertsCreated: factory.Counter("metering.alerts.created"),

		DevicesRegistered: factory.Counter("metering.devices.registered"),
		DevicesOnline:     factory.Counter("metering.devices.online"),
		DevicesSwept:      factory.Counter("metering.devices.swept"),

		PartialFailures: factory.Counter("metering.pipeline.partial_failures"),
		StepWarnings:    factory.Counter("metering.pipeline.warnings"),
		StartupTime:     factory.Histogram("metering.engine.init_unix_seconds"),
	}
}

// Name implements plugin.Plugin.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnInit implements plugin.OnInit.
func (m *MetricsExtension) OnInit(_ context.Context, _ any) error {
	m.StartupTime.Observe(float64(time.Now().Unix()))
	return nil
}

// OnPlanCreated implements plugin.OnPlanCreated.
func (m *MetricsExtension) OnPlanCreated(_ context.Context, _ *plan.Plan) error {
	m.PlanCreated.Inc()
	return nil
}

// OnSubscriptionActivated implements plugin.OnSubscriptionActivated.
func (m *MetricsExtension) OnSubscriptionActivated(_ context.Context, _ *subscription.Subscription, superseded int64) error {
	m.SubscriptionActivated.Inc()
	if superseded > 0 {
		m.SubscriptionSuperseded.Add(float64(superseded))
	}
	return nil
}

// OnSubscriptionDeactivated implements plugin.OnSubscriptionDeactivated.
func (m *MetricsExtension) OnSubscriptionDeactivated(_ context.Context, _ *subscription.Subscription) error {
	m.SubscriptionDeactivated.Inc()
	return nil
}

// OnReadingRecorded implements plugin.OnReadingRecorded.
func (m *MetricsExtension) OnReadingRecorded(_ context.Context, r *meter.Reading) error {
	m.ReadingsRecorded.Inc()
	m.EnergyRecorded.Add(r.Value)
	m.ReadingValue.Observe(r.Value)
	return nil
}

// OnQuotaDeducted implements plugin.OnQuotaDeducted.
func (m *MetricsExtension) OnQuotaDeducted(_ context.Context, sub *subscription.Subscription, _ float64) error {
	m.QuotaDeductions.Inc()
	m.QuotaUsage.Observe(sub.UsagePercentage())
	if sub.Exhausted() {
		m.QuotaExhausted.Inc()
	}
	return nil
}

// OnAlertCreated implements plugin.OnAlertCreated.
func (m *MetricsExtension) OnAlertCreated(_ context.Context, _ *alert.Alert) error {
	m.AlertsCreated.Inc()
	return nil
}

// OnPartialFailure implements plugin.OnPartialFailure.
func (m *MetricsExtension) OnPartialFailure(_ context.Context, _ *meter.Reading, warnings []error) error {
	m.PartialFailures.Inc()
	m.StepWarnings.Add(float64(len(warnings)))
	return nil
}

// OnDeviceOnline implements plugin.OnDeviceOnline.
func (m *MetricsExtension) OnDeviceOnline(_ context.Context, _, _ string, created bool) error {
	m.DevicesOnline.Inc()
	if created {
		m.DevicesRegistered.Inc()
	}
	return nil
}

// OnDevicesSwept implements plugin.OnDevicesSwept.
func (m *MetricsExtension) OnDevicesSwept(_ context.Context, count int64, _ time.Time) error {
	m.DevicesSwept.Add(float64(count))
	return nil
}
