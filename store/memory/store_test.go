package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/xraph/metering"
	"github.com/xraph/metering/alert"
	"github.com/xraph/metering/device"
	"github.com/xraph/metering/id"
	"github.com/xraph/metering/meter"
	"github.com/xraph/metering/plan"
	"github.com/xraph/metering/store/memory"
	"github.com/xraph/metering/subscription"
	"github.com/xraph/metering/types"
)

var t0 = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

func newSub(userID string, total float64, start time.Time) *subscription.Subscription {
	return &subscription.Subscription{
		Entity:         types.NewEntityAt(start),
		ID:             id.NewSubscriptionID(),
		UserID:         userID,
		StartDate:      start,
		EndDate:        start.Add(30 * 24 * time.Hour),
		TotalQuota:     total,
		RemainingQuota: total,
		IsActive:       true,
	}
}

func TestPlanUniqueness(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	p := &plan.Plan{Entity: types.NewEntityAt(t0), ID: id.NewPlanID(), Name: "Basic", TotalQuota: 100, DurationDays: 30}
	if err := s.CreatePlan(ctx, p); err != nil {
		t.Fatal(err)
	}
	dup := &plan.Plan{ID: id.NewPlanID(), Name: "Basic", TotalQuota: 50, DurationDays: 7}
	if err := s.CreatePlan(ctx, dup); !errors.Is(err, metering.ErrAlreadyExists) {
		t.Errorf("duplicate name err = %v", err)
	}

	got, err := s.GetPlanByName(ctx, "Basic")
	if err != nil || got.ID.String() != p.ID.String() {
		t.Errorf("GetPlanByName = %v, %v", got, err)
	}
	if _, err := s.GetPlan(ctx, id.NewPlanID()); !errors.Is(err, metering.ErrPlanNotFound) {
		t.Errorf("missing plan err = %v", err)
	}
}

func TestActivateSupersedes(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	first := newSub("u1", 100, t0)
	if n, err := s.ActivateSubscription(ctx, first); err != nil || n != 0 {
		t.Fatalf("first activate = %d, %v", n, err)
	}
	second := newSub("u1", 50, t0.Add(time.Hour))
	if n, err := s.ActivateSubscription(ctx, second); err != nil || n != 1 {
		t.Fatalf("second activate = %d, %v", n, err)
	}

	active, err := s.GetActiveSubscription(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if active.ID.String() != second.ID.String() {
		t.Errorf("active = %s, want %s", active.ID, second.ID)
	}

	old, _ := s.GetSubscription(ctx, first.ID)
	if old.IsActive {
		t.Error("superseded subscription still active")
	}

	all, _ := s.ListSubscriptions(ctx, "u1", subscription.ListOpts{})
	if len(all) != 2 || all[0].ID.String() != second.ID.String() {
		t.Errorf("history = %d entries, newest first expected", len(all))
	}
	onlyActive, _ := s.ListSubscriptions(ctx, "u1", subscription.ListOpts{ActiveOnly: true})
	if len(onlyActive) != 1 {
		t.Errorf("active only = %d", len(onlyActive))
	}
}

func TestDeductQuotaPolicies(t *testing.T) {
	tests := []struct {
		name    string
		policy  subscription.OverdraftPolicy
		amount  float64
		want    float64
		wantErr error
	}{
		{"floor within", subscription.PolicyFloor, 30, 20, nil},
		{"floor overdraw", subscription.PolicyFloor, 80, 0, nil},
		{"reject within", subscription.PolicyReject, 50, 0, nil},
		{"reject overdraw", subscription.PolicyReject, 80, 50, metering.ErrInsufficientQuota},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			s := memory.New()
			if _, err := s.ActivateSubscription(ctx, newSub("u1", 50, t0)); err != nil {
				t.Fatal(err)
			}

			_, err := s.DeductQuota(ctx, "u1", tt.amount, tt.policy, t0)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			sub, _ := s.GetActiveSubscription(ctx, "u1")
			if sub.RemainingQuota != tt.want {
				t.Errorf("remaining = %v, want %v", sub.RemainingQuota, tt.want)
			}
		})
	}
}

func TestReadingsQuery(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	for i, dev := range []string{"a", "b", "a", "a"} {
		r := &meter.Reading{
			ID:        id.NewReadingID(),
			UserID:    "u1",
			DeviceID:  dev,
			Value:     float64(i + 1),
			Timestamp: t0.Add(time.Duration(i) * time.Minute),
		}
		if err := s.AppendReading(ctx, r); err != nil {
			t.Fatal(err)
		}
		if i == 0 {
			if err := s.AppendReading(ctx, r); !errors.Is(err, metering.ErrAlreadyExists) {
				t.Errorf("replayed append err = %v", err)
			}
		}
	}

	got, _ := s.QueryReadings(ctx, "u1", meter.QueryOpts{DeviceID: "a", Limit: 2})
	if len(got) != 2 || got[0].Value != 4 || got[1].Value != 3 {
		t.Errorf("device a newest two = %+v", got)
	}

	ranged, _ := s.QueryReadings(ctx, "u1", meter.QueryOpts{Start: t0.Add(time.Minute), End: t0.Add(3 * time.Minute)})
	if len(ranged) != 3 {
		t.Errorf("range [1m,3m] = %d readings, want 3 (both bounds inclusive)", len(ranged))
	}
}

func TestAlertOncePerCycle(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	mk := func(cycle time.Time) *alert.Alert {
		return &alert.Alert{ID: id.NewAlertID(), UserID: "u1", Type: "70%", CycleStart: cycle, CreatedAt: cycle.Add(time.Hour)}
	}
	if err := s.InsertAlert(ctx, mk(t0)); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertAlert(ctx, mk(t0)); !errors.Is(err, metering.ErrDuplicateAlert) {
		t.Errorf("same cycle err = %v", err)
	}
	next := t0.Add(30 * 24 * time.Hour)
	if err := s.InsertAlert(ctx, mk(next)); err != nil {
		t.Errorf("next cycle err = %v", err)
	}

	if _, err := s.FindAlertSince(ctx, "u1", "70%", next); err != nil {
		t.Errorf("FindAlertSince(next) = %v", err)
	}
	if _, err := s.FindAlertSince(ctx, "u1", "90%", t0); !errors.Is(err, metering.ErrAlertNotFound) {
		t.Errorf("missing type err = %v", err)
	}

	since, _ := s.ListAlerts(ctx, "u1", alert.ListOpts{Since: next})
	if len(since) != 1 {
		t.Errorf("alerts since next cycle = %d, want 1", len(since))
	}
}

func TestDeviceLifecycle(t *testing.T) {
	ctx := context.Background()
	s := memory.New()

	prev, err := s.TouchDevice(ctx, device.Sighting{UserID: "u1", DeviceID: "m1", Value: 2, At: t0, Upsert: true})
	if err != nil || prev != nil {
		t.Fatalf("create touch = %v, %v", prev, err)
	}
	d := &device.Device{Entity: types.NewEntityAt(t0), ID: id.NewDeviceID(), UserID: "u1", DeviceID: "m1"}
	if err := s.CreateDevice(ctx, d); !errors.Is(err, metering.ErrDeviceExists) {
		t.Errorf("duplicate create err = %v", err)
	}

	// A registered device that never reported is never swept.
	idle := &device.Device{Entity: types.NewEntityAt(t0), ID: id.NewDeviceID(), UserID: "u1", DeviceID: "m2"}
	if err := s.CreateDevice(ctx, idle); err != nil {
		t.Fatal(err)
	}

	n, err := s.MarkDevicesStale(ctx, t0.Add(time.Minute), t0.Add(6*time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("MarkDevicesStale = %d, %v; want 1", n, err)
	}
	if n, _ := s.MarkDevicesStale(ctx, t0.Add(time.Minute), t0.Add(6*time.Minute)); n != 0 {
		t.Errorf("second sweep = %d, want 0", n)
	}

	prev, err = s.TouchDevice(ctx, device.Sighting{UserID: "u1", DeviceID: "m1", Value: 3, At: t0.Add(7 * time.Minute)})
	if err != nil {
		t.Fatal(err)
	}
	if prev == nil || prev.IsActive {
		t.Errorf("prev = %+v, want offline device", prev)
	}

	if _, err := s.MarkDeviceStale(ctx, "u1", "nope", t0, t0); !errors.Is(err, metering.ErrDeviceNotFound) {
		t.Errorf("MarkDeviceStale missing err = %v", err)
	}
	if err := s.DeleteDevice(ctx, "u1", "m2"); err != nil {
		t.Fatal(err)
	}
	list, _ := s.ListDevices(ctx, "u1")
	if len(list) != 1 {
		t.Errorf("devices = %d, want 1", len(list))
	}
}

func TestReturnedValuesAreCopies(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	if _, err := s.TouchDevice(ctx, device.Sighting{UserID: "u1", DeviceID: "m1", At: t0, Upsert: true}); err != nil {
		t.Fatal(err)
	}

	d, _ := s.GetDevice(ctx, "u1", "m1")
	*d.LastSeen = t0.Add(time.Hour)
	d.IsActive = false

	again, _ := s.GetDevice(ctx, "u1", "m1")
	if !again.IsActive || !again.LastSeen.Equal(t0) {
		t.Errorf("stored device was mutated through a returned copy: %+v", again)
	}
}

func TestStaleCutoffIsExclusive(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	if _, err := s.TouchDevice(ctx, device.Sighting{UserID: "u1", DeviceID: "m1", At: t0, Upsert: true}); err != nil {
		t.Fatal(err)
	}

	// last_seen equal to the cutoff is still fresh.
	if n, err := s.MarkDevicesStale(ctx, t0, t0.Add(5*time.Minute)); err != nil || n != 0 {
		t.Errorf("sweep with cutoff = last_seen: %d, %v; want 0", n, err)
	}
	if flipped, err := s.MarkDeviceStale(ctx, "u1", "m1", t0, t0.Add(5*time.Minute)); err != nil || flipped {
		t.Errorf("nudge with cutoff = last_seen: %v, %v; want false", flipped, err)
	}
	if n, err := s.MarkDevicesStale(ctx, t0.Add(time.Second), t0.Add(5*time.Minute+time.Second)); err != nil || n != 1 {
		t.Errorf("sweep one second later: %d, %v; want 1", n, err)
	}
}
