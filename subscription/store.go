package subscription

import (
	"context"
	"time"

	"github.com/xraph/metering/id"
)

type Store interface {
	// Activate deactivates every active subscription of s.UserID and
	// inserts s as the new active one. It returns how many were superseded.
	Activate(ctx context.Context, s *Subscription) (int64, error)
	Get(ctx context.Context, subID id.SubscriptionID) (*Subscription, error)
	GetActive(ctx context.Context, userID string) (*Subscription, error)
	List(ctx context.Context, userID string, opts ListOpts) ([]*Subscription, error)
	Deactivate(ctx context.Context, subID id.SubscriptionID, at time.Time) error

	// Deduct atomically subtracts amount from the active subscription of
	// userID according to policy and returns the subscription as written.
	Deduct(ctx context.Context, userID string, amount float64, policy OverdraftPolicy, at time.Time) (*Subscription, error)
}

type ListOpts struct {
	ActiveOnly bool
	Limit      int
	Offset     int
}
