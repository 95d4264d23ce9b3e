package metering

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/xraph/metering/subscription"
)

// QuotaStore is the persistence the quota ledger needs.
type QuotaStore interface {
	DeductQuota(ctx context.Context, userID string, amount float64, policy subscription.OverdraftPolicy, at time.Time) (*subscription.Subscription, error)
}

// Deduction is the outcome of a successful quota deduction.
type Deduction struct {
	// Subscription is the active subscription as written by the store.
	Subscription *subscription.Subscription `json:"subscription"`
	Amount       float64                    `json:"amount"`
}

// Remaining returns the quota left after the deduction.
func (d *Deduction) Remaining() float64 {
	return d.Subscription.RemainingQuota
}

// QuotaLedger deducts consumption from a user's active subscription.
// Atomicity is delegated to the store, so any number of ledgers and
// processes may deduct concurrently against the same subscription.
type QuotaLedger struct {
	store  QuotaStore
	policy subscription.OverdraftPolicy
	now    func() time.Time
}

// NewQuotaLedger creates a ledger. An unknown policy falls back to
// subscription.PolicyFloor and a nil clock to time.Now.
func NewQuotaLedger(s QuotaStore, policy subscription.OverdraftPolicy, clock func() time.Time) *QuotaLedger {
	if !policy.Valid() {
		policy = subscription.PolicyFloor
	}
	if clock == nil {
		clock = time.Now
	}
	return &QuotaLedger{store: s, policy: policy, now: clock}
}

// Policy returns the overdraft policy in effect.
func (q *QuotaLedger) Policy() subscription.OverdraftPolicy { return q.policy }

// Deduct subtracts amount from the active subscription of userID.
//
// Under PolicyFloor the remaining quota becomes max(0, remaining-amount).
// Under PolicyReject a deduction larger than the remaining quota fails
// with ErrInsufficientQuota. Without an active subscription it fails with
// ErrNoActiveSubscription and nothing is written.
func (q *QuotaLedger) Deduct(ctx context.Context, userID string, amount float64) (*Deduction, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ValidationError{Field: "user_id", Message: "must not be empty"}
	}
	if err := validateAmount("amount", amount); err != nil {
		return nil, err
	}

	sub, err := q.store.DeductQuota(ctx, userID, amount, q.policy, q.now())
	if err != nil {
		return nil, err
	}
	return &Deduction{Subscription: sub, Amount: amount}, nil
}

func validateAmount(field string, v float64) error {
	switch {
	case math.IsNaN(v) || math.IsInf(v, 0):
		return ValidationError{Field: field, Message: "must be a finite number"}
	case v < 0:
		return ValidationError{Field: field, Message: "must not be negative"}
	}
	return nil
}
