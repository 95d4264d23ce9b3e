package alert

import (
	"context"
	"time"
)

type Store interface {
	// FindSince returns the newest alert of the given type created at or
	// after since.
	FindSince(ctx context.Context, userID, alertType string, since time.Time) (*Alert, error)
	// Insert stores a. It fails with an already-exists error when an alert
	// with the same user, type and cycle start is present.
	Insert(ctx context.Context, a *Alert) error
	List(ctx context.Context, userID string, opts ListOpts) ([]*Alert, error)
}

// ListOpts filters alert listings. Results are ordered newest first.
type ListOpts struct {
	Since time.Time
	Limit int
}
