package id_test

import (
	"strings"
	"testing"

	"github.com/xraph/metering/id"
)

func TestConstructors(t *testing.T) {
	tests := []struct {
		name   string
		newFn  func() id.ID
		prefix string
	}{
		{"PlanID", id.NewPlanID, "plan_"},
		{"SubscriptionID", id.NewSubscriptionID, "sub_"},
		{"ReadingID", id.NewReadingID, "rdg_"},
		{"AlertID", id.NewAlertID, "alrt_"},
		{"DeviceID", id.NewDeviceID, "dev_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.newFn().String()
			if !strings.HasPrefix(got, tt.prefix) {
				t.Errorf("expected prefix %q, got %q", tt.prefix, got)
			}
		})
	}
}

func TestParseRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		newFn   func() id.ID
		parseFn func(string) (id.ID, error)
	}{
		{"PlanID", id.NewPlanID, id.ParsePlanID},
		{"SubscriptionID", id.NewSubscriptionID, id.ParseSubscriptionID},
		{"ReadingID", id.NewReadingID, id.ParseReadingID},
		{"AlertID", id.NewAlertID, id.ParseAlertID},
		{"DeviceID", id.NewDeviceID, id.ParseDeviceID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			original := tt.newFn()
			parsed, err := tt.parseFn(original.String())
			if err != nil {
				t.Fatalf("parse failed: %v", err)
			}
			if parsed.String() != original.String() {
				t.Errorf("round-trip mismatch: %q != %q", parsed.String(), original.String())
			}
		})
	}
}

func TestCrossTypeRejection(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		parseFn func(string) (id.ID, error)
	}{
		{"ParsePlanID rejects sub_", id.NewSubscriptionID().String(), id.ParsePlanID},
		{"ParseSubscriptionID rejects rdg_", id.NewReadingID().String(), id.ParseSubscriptionID},
		{"ParseReadingID rejects alrt_", id.NewAlertID().String(), id.ParseReadingID},
		{"ParseAlertID rejects dev_", id.NewDeviceID().String(), id.ParseAlertID},
		{"ParseDeviceID rejects plan_", id.NewPlanID().String(), id.ParseDeviceID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.parseFn(tt.input); err == nil {
				t.Errorf("expected error for cross-type parse of %q, got nil", tt.input)
			}
		})
	}
}

func TestParseEmpty(t *testing.T) {
	if _, err := id.Parse(""); err == nil {
		t.Error("expected error for empty string")
	}
}

func TestNilID(t *testing.T) {
	var i id.ID
	if !i.IsNil() {
		t.Error("zero-value ID should be nil")
	}
	if i.String() != "" {
		t.Errorf("expected empty string, got %q", i.String())
	}

	val, err := i.Value()
	if err != nil {
		t.Fatalf("Value(nil) failed: %v", err)
	}
	if val != nil {
		t.Errorf("expected nil value for nil ID, got %v", val)
	}
}

func TestScan(t *testing.T) {
	original := id.NewReadingID()

	var fromString id.ID
	if err := fromString.Scan(original.String()); err != nil {
		t.Fatalf("Scan(string) failed: %v", err)
	}
	if fromString.String() != original.String() {
		t.Errorf("mismatch: %q != %q", fromString.String(), original.String())
	}

	var fromEmpty id.ID
	if err := fromEmpty.Scan([]byte{}); err != nil {
		t.Fatalf("Scan(empty) failed: %v", err)
	}
	if !fromEmpty.IsNil() {
		t.Error("expected nil after scan of empty bytes")
	}

	var bad id.ID
	if err := bad.Scan(42); err == nil {
		t.Error("expected error scanning int")
	}
}

func TestUniqueness(t *testing.T) {
	a := id.NewReadingID()
	b := id.NewReadingID()
	if a.String() == b.String() {
		t.Errorf("two consecutive NewReadingID() calls returned the same ID: %q", a.String())
	}
}
