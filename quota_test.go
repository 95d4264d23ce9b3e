package metering_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/xraph/metering"
	"github.com/xraph/metering/id"
	"github.com/xraph/metering/store/memory"
	"github.com/xraph/metering/subscription"
	"github.com/xraph/metering/types"
)

func activate(t *testing.T, s *memory.Store, userID string, total float64) *subscription.Subscription {
	t.Helper()
	sub := &subscription.Subscription{
		Entity:         types.NewEntityAt(epoch),
		ID:             id.NewSubscriptionID(),
		UserID:         userID,
		StartDate:      epoch,
		EndDate:        epoch.Add(30 * 24 * time.Hour),
		TotalQuota:     total,
		RemainingQuota: total,
		IsActive:       true,
	}
	if _, err := s.ActivateSubscription(context.Background(), sub); err != nil {
		t.Fatal(err)
	}
	return sub
}

func TestDeductSequence(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	activate(t, s, "u1", 100)
	q := metering.NewQuotaLedger(s, subscription.PolicyFloor, nil)

	for _, want := range []float64{70, 40, 10, 0, 0} {
		d, err := q.Deduct(ctx, "u1", 30)
		if err != nil {
			t.Fatal(err)
		}
		if d.Remaining() != want {
			t.Errorf("remaining = %v, want %v", d.Remaining(), want)
		}
	}
}

func TestDeductNoActiveSubscription(t *testing.T) {
	q := metering.NewQuotaLedger(memory.New(), subscription.PolicyFloor, nil)
	if _, err := q.Deduct(context.Background(), "nobody", 1); !errors.Is(err, metering.ErrNoActiveSubscription) {
		t.Errorf("err = %v, want ErrNoActiveSubscription", err)
	}
}

func TestDeductRejectPolicy(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	activate(t, s, "u1", 50)
	q := metering.NewQuotaLedger(s, subscription.PolicyReject, nil)

	if _, err := q.Deduct(ctx, "u1", 80); !errors.Is(err, metering.ErrInsufficientQuota) {
		t.Fatalf("err = %v, want ErrInsufficientQuota", err)
	}
	d, err := q.Deduct(ctx, "u1", 50)
	if err != nil {
		t.Fatal(err)
	}
	if d.Remaining() != 0 {
		t.Errorf("remaining = %v, want 0", d.Remaining())
	}
}

func TestDeductRejectsInvalidAmount(t *testing.T) {
	s := memory.New()
	activate(t, s, "u1", 50)
	q := metering.NewQuotaLedger(s, subscription.PolicyFloor, nil)

	for _, v := range []float64{-0.5, math.Inf(1), math.NaN()} {
		if _, err := q.Deduct(context.Background(), "u1", v); !errors.Is(err, metering.ErrInvalidInput) {
			t.Errorf("Deduct(%v) err = %v, want ErrInvalidInput", v, err)
		}
	}

	sub, _ := s.GetActiveSubscription(context.Background(), "u1")
	if sub.RemainingQuota != 50 {
		t.Errorf("remaining = %v, want 50", sub.RemainingQuota)
	}
}

func TestDeductConcurrentNeverNegative(t *testing.T) {
	tests := []struct {
		name    string
		total   float64
		workers int
		amount  float64
		want    float64
	}{
		{"within quota", 1000, 200, 2.5, 500},
		{"overdrawn", 100, 64, 7, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			s := memory.New()
			activate(t, s, "u1", tt.total)
			q := metering.NewQuotaLedger(s, subscription.PolicyFloor, nil)

			var wg sync.WaitGroup
			for range tt.workers {
				wg.Add(1)
				go func() {
					defer wg.Done()
					d, err := q.Deduct(ctx, "u1", tt.amount)
					if err != nil {
						t.Error(err)
						return
					}
					if d.Remaining() < 0 {
						t.Errorf("observed negative remaining %v", d.Remaining())
					}
				}()
			}
			wg.Wait()

			sub, err := s.GetActiveSubscription(ctx, "u1")
			if err != nil {
				t.Fatal(err)
			}
			if sub.RemainingQuota != tt.want {
				t.Errorf("remaining = %v, want %v", sub.RemainingQuota, tt.want)
			}
		})
	}
}

func TestUsagePercentage(t *testing.T) {
	tests := []struct {
		total, remaining, want float64
	}{
		{100, 100, 0},
		{100, 10, 90},
		{50, 0, 100},
		{0, 0, 0},
	}
	for _, tt := range tests {
		sub := subscription.Subscription{TotalQuota: tt.total, RemainingQuota: tt.remaining}
		if got := sub.UsagePercentage(); got != tt.want {
			t.Errorf("UsagePercentage(%v/%v) = %v, want %v", tt.remaining, tt.total, got, tt.want)
		}
	}
}
