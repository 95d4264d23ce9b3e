package device

import (
	"context"
	"time"
)

type Store interface {
	Create(ctx context.Context, d *Device) error
	Get(ctx context.Context, userID, deviceID string) (*Device, error)
	List(ctx context.Context, userID string) ([]*Device, error)
	Delete(ctx context.Context, userID, deviceID string) error

	// Touch marks the device online as of s.At. It returns the device as it
	// was before the update, or nil when s.Upsert created it.
	Touch(ctx context.Context, s Sighting) (*Device, error)
	// MarkStale flips every active device whose last_seen is before cutoff
	// to inactive and returns how many changed.
	MarkStale(ctx context.Context, cutoff, at time.Time) (int64, error)
	// MarkStaleOne applies the MarkStale filter to a single device.
	MarkStaleOne(ctx context.Context, userID, deviceID string, cutoff, at time.Time) (bool, error)
}
