package audithook_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	audithook "github.com/xraph/metering/audit_hook"
	"github.com/xraph/metering/alert"
	"github.com/xraph/metering/id"
	"github.com/xraph/metering/meter"
	"github.com/xraph/metering/subscription"
)

type captured struct {
	events []*audithook.AuditEvent
}

func (c *captured) Record(_ context.Context, e *audithook.AuditEvent) error {
	c.events = append(c.events, e)
	return nil
}

func (c *captured) actions() []string {
	out := make([]string, len(c.events))
	for i, e := range c.events {
		out[i] = e.Action
	}
	return out
}

func TestQuotaDeductedRecordsExhaustion(t *testing.T) {
	tests := []struct {
		name      string
		remaining float64
		want      []string
	}{
		{"partial", 20, []string{audithook.ActionQuotaDeducted}},
		{"exhausted", 0, []string{audithook.ActionQuotaDeducted, audithook.ActionQuotaExhausted}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &captured{}
			ext := audithook.New(rec)
			sub := &subscription.Subscription{
				ID:             id.NewSubscriptionID(),
				UserID:         "u1",
				TotalQuota:     50,
				RemainingQuota: tt.remaining,
			}
			if err := ext.OnQuotaDeducted(context.Background(), sub, 30); err != nil {
				t.Fatal(err)
			}
			got := rec.actions()
			if len(got) != len(tt.want) {
				t.Fatalf("actions = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("actions[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestAlertSeverity(t *testing.T) {
	rec := &captured{}
	ext := audithook.New(rec)
	ctx := context.Background()

	_ = ext.OnAlertCreated(ctx, &alert.Alert{ID: id.NewAlertID(), Type: "90%", Threshold: 90})
	_ = ext.OnAlertCreated(ctx, &alert.Alert{ID: id.NewAlertID(), Type: "100%", Threshold: 100})

	if len(rec.events) != 2 {
		t.Fatalf("events = %d, want 2", len(rec.events))
	}
	if rec.events[0].Severity != audithook.SeverityWarning {
		t.Errorf("90%% severity = %q", rec.events[0].Severity)
	}
	if rec.events[1].Severity != audithook.SeverityCritical {
		t.Errorf("100%% severity = %q", rec.events[1].Severity)
	}
	if rec.events[1].Metadata["alert_type"] != "100%" {
		t.Errorf("metadata = %v", rec.events[1].Metadata)
	}
}

func TestPartialFailureCarriesReason(t *testing.T) {
	rec := &captured{}
	ext := audithook.New(rec)
	r := &meter.Reading{ID: id.NewReadingID(), UserID: "u1", DeviceID: "meter-01"}

	_ = ext.OnPartialFailure(context.Background(), r, []error{errors.New("deduct_quota: store unavailable")})

	e := rec.events[0]
	if e.Outcome != audithook.OutcomePartial || e.Reason == "" {
		t.Errorf("event = %+v", e)
	}
	if e.ResourceID != r.ID.String() {
		t.Errorf("resource id = %q, want %q", e.ResourceID, r.ID.String())
	}
}

func TestActionFiltering(t *testing.T) {
	ctx := context.Background()

	rec := &captured{}
	ext := audithook.New(rec, audithook.WithEnabledActions(audithook.ActionDeviceRegistered))
	_ = ext.OnDeviceOnline(ctx, "u1", "meter-01", true)
	_ = ext.OnDeviceOnline(ctx, "u1", "meter-01", false)
	if got := rec.actions(); len(got) != 1 || got[0] != audithook.ActionDeviceRegistered {
		t.Errorf("enabled filter actions = %v", got)
	}

	rec = &captured{}
	ext = audithook.New(rec, audithook.WithDisabledActions(audithook.ActionReadingRecorded))
	_ = ext.OnReadingRecorded(ctx, &meter.Reading{ID: id.NewReadingID()})
	_ = ext.OnDevicesSwept(ctx, 3, time.Time{})
	if got := rec.actions(); len(got) != 1 || got[0] != audithook.ActionDevicesSwept {
		t.Errorf("disabled filter actions = %v", got)
	}
}

func TestMinSeverity(t *testing.T) {
	ctx := context.Background()
	rec := &captured{}
	ext := audithook.New(rec, audithook.WithMinSeverity(audithook.SeverityWarning))

	sub := &subscription.Subscription{ID: id.NewSubscriptionID(), UserID: "u1", TotalQuota: 50}
	_ = ext.OnReadingRecorded(ctx, &meter.Reading{ID: id.NewReadingID()})
	_ = ext.OnQuotaDeducted(ctx, sub, 50)
	_ = ext.OnPartialFailure(ctx, &meter.Reading{ID: id.NewReadingID()}, []error{errors.New("deduct: timeout")})

	got := rec.actions()
	want := []string{audithook.ActionQuotaExhausted, audithook.ActionPartialFailure}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("actions = %v, want %v", got, want)
	}
}

func TestRecorderFailureIsSwallowed(t *testing.T) {
	failing := audithook.RecorderFunc(func(context.Context, *audithook.AuditEvent) error {
		return errors.New("backend down")
	})
	ext := audithook.New(failing, audithook.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err := ext.OnReadingRecorded(context.Background(), &meter.Reading{ID: id.NewReadingID()}); err != nil {
		t.Errorf("err = %v, want nil", err)
	}
}
