package mongo

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/xraph/metering"
	"github.com/xraph/metering/device"
	"github.com/xraph/metering/id"
	"github.com/xraph/metering/meter"
	"github.com/xraph/metering/types"
)

func TestMigrationIndexesEnforceUniqueness(t *testing.T) {
	idx := migrationIndexes()

	tests := []struct {
		col  string
		keys []string
	}{
		{colAlerts, []string{"user_id", "alert_type", "cycle_start"}},
		{colDevices, []string{"user_id", "device_id"}},
		{colSubscriptions, []string{"user_id"}},
		{colPlans, []string{"name"}},
	}
	for _, tt := range tests {
		t.Run(tt.col, func(t *testing.T) {
			for _, m := range idx[tt.col] {
				keys, ok := m.Keys.(bson.D)
				if !ok || len(keys) != len(tt.keys) || m.Options == nil {
					continue
				}
				match := true
				for i, k := range keys {
					if k.Key != tt.keys[i] {
						match = false
					}
				}
				if match {
					return
				}
			}
			t.Errorf("no unique index on %v", tt.keys)
		})
	}
}

func TestStaleFilter(t *testing.T) {
	cutoff := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	f := staleFilter(deviceFilter("u1", "meter-01"), cutoff)

	if f["is_active"] != true || f["user_id"] != "u1" || f["device_id"] != "meter-01" {
		t.Errorf("filter = %v", f)
	}
	lt, ok := f["last_seen"].(bson.M)
	if !ok || lt["$lt"] != cutoff {
		t.Errorf("last_seen clause = %v", f["last_seen"])
	}
}

func TestReadingsFilterBounds(t *testing.T) {
	start := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	tests := []struct {
		name string
		opts meter.QueryOpts
		want bson.M
	}{
		{"open range", meter.QueryOpts{}, nil},
		{"both bounds inclusive", meter.QueryOpts{Start: start, End: end}, bson.M{"$gte": start, "$lte": end}},
		{"end only", meter.QueryOpts{End: end}, bson.M{"$lte": end}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := readingsFilter("u1", tt.opts)
			got, _ := f["timestamp"].(bson.M)
			if len(got) != len(tt.want) {
				t.Fatalf("timestamp clause = %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("%s = %v, want %v", k, got[k], v)
				}
			}
		})
	}
}

func TestWrapErr(t *testing.T) {
	timeout := fmt.Errorf("op: %w", context.DeadlineExceeded)

	tests := []struct {
		name       string
		err        error
		idempotent bool
		want       error
		retryable  bool
	}{
		{"disconnected", mongo.ErrClientDisconnected, true, metering.ErrStoreClosed, false},
		{"timeout idempotent", timeout, true, metering.ErrStoreUnavailable, true},
		{"timeout non-idempotent", timeout, false, context.DeadlineExceeded, false},
		{"other", errors.New("boom"), true, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := wrapErr("op", tt.err, tt.idempotent)
			if tt.want != nil && !errors.Is(got, tt.want) {
				t.Errorf("wrapErr = %v, want %v", got, tt.want)
			}
			if metering.IsRetryable(got) != tt.retryable {
				t.Errorf("retryable = %v, want %v", metering.IsRetryable(got), tt.retryable)
			}
		})
	}
}

func TestDeviceModelKeepsNilLastSeen(t *testing.T) {
	at := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	d := &device.Device{
		Entity:   types.NewEntityAt(at),
		ID:       id.NewDeviceID(),
		UserID:   "u1",
		DeviceID: "meter-01",
		Name:     "Kitchen",
	}

	got, err := fromDeviceModel(toDeviceModel(d))
	if err != nil {
		t.Fatal(err)
	}
	if got.LastSeen != nil {
		t.Errorf("LastSeen = %v, want nil", got.LastSeen)
	}
	if got.ID.String() != d.ID.String() || !got.CreatedAt.Equal(at) {
		t.Errorf("got %+v", got)
	}
}
