package metering_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/xraph/metering"
	"github.com/xraph/metering/alert"
	"github.com/xraph/metering/id"
	"github.com/xraph/metering/store/memory"
	"github.com/xraph/metering/subscription"
)

func snapshot(total, remaining float64) *subscription.Subscription {
	return &subscription.Subscription{
		ID:             id.NewSubscriptionID(),
		UserID:         "u1",
		StartDate:      epoch,
		EndDate:        epoch.Add(30 * 24 * time.Hour),
		TotalQuota:     total,
		RemainingQuota: remaining,
		IsActive:       true,
	}
}

// subtractTenths subtracts 0.1 n times at run time, accumulating float error.
func subtractTenths(from float64, n int) float64 {
	for range n {
		from -= 0.1
	}
	return from
}

func TestCheckThresholdsIsIdempotent(t *testing.T) {
	ctx := context.Background()
	a := metering.NewAlerter(memory.New(), metering.AlerterConfig{Clock: newFakeClock().Now, Logger: quietLogger()})
	sub := snapshot(100, 5)

	first, err := a.CheckThresholds(ctx, "u1", sub)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 2 {
		t.Fatalf("outcomes = %d, want 2", len(first))
	}
	for _, o := range first {
		if o.Kind != metering.OutcomeCreated {
			t.Errorf("%s: kind = %s, want created", o.Threshold.Tag, o.Kind)
		}
	}

	second, err := a.CheckThresholds(ctx, "u1", sub)
	if err != nil {
		t.Fatal(err)
	}
	for _, o := range second {
		if o.Kind != metering.OutcomeSkipped || o.Reason != metering.SkipAlreadyRaised {
			t.Errorf("%s: outcome = %+v, want skipped/already_raised", o.Threshold.Tag, o)
		}
	}
}

func TestCheckThresholdsBoundaries(t *testing.T) {
	tests := []struct {
		name      string
		total     float64
		remaining float64
		want      []string
	}{
		{"below all", 100, 31, nil},
		{"exactly 70", 100, 30, []string{"70%"}},
		{"between", 100, 20, []string{"70%"}},
		{"exactly 90", 100, 10, []string{"70%", "90%"}},
		{"exhausted", 100, 0, []string{"70%", "90%", "100%"}},
		{"zero total", 0, 0, nil},
		{"float drift", 1, subtractTenths(1, 7), []string{"70%"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := metering.NewAlerter(memory.New(), metering.AlerterConfig{Logger: quietLogger()})
			outcomes, err := a.CheckThresholds(context.Background(), "u1", snapshot(tt.total, tt.remaining))
			if err != nil {
				t.Fatal(err)
			}
			if len(outcomes) != len(tt.want) {
				t.Fatalf("outcomes = %d, want %d", len(outcomes), len(tt.want))
			}
			for i, tag := range tt.want {
				if outcomes[i].Threshold.Tag != tag {
					t.Errorf("outcome %d = %s, want %s", i, outcomes[i].Threshold.Tag, tag)
				}
			}
		})
	}
}

func TestCheckThresholdsConcurrent(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	a := metering.NewAlerter(s, metering.AlerterConfig{Logger: quietLogger()})
	sub := snapshot(100, 0)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes, err := a.CheckThresholds(ctx, "u1", sub)
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, o := range outcomes {
				if o.Kind == metering.OutcomeCreated {
					created++
				}
			}
		}()
	}
	wg.Wait()

	if created != 3 {
		t.Errorf("created = %d, want 3", created)
	}
	alerts, err := s.ListAlerts(ctx, "u1", alert.ListOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 3 {
		t.Errorf("stored alerts = %d, want 3", len(alerts))
	}
}

func TestCheckThresholdsCustomConfig(t *testing.T) {
	a := metering.NewAlerter(memory.New(), metering.AlerterConfig{
		Thresholds: []metering.Threshold{
			metering.ThresholdAt(100),
			metering.ThresholdAt(50),
			metering.ThresholdAt(50),
			{Percentage: -1},
		},
		Message: func(th metering.Threshold, _ float64) string {
			return "Verbrauch bei " + th.Tag
		},
		Logger: quietLogger(),
	})

	got := a.Thresholds()
	if len(got) != 2 || got[0].Tag != "50%" || got[1].Tag != "100%" {
		t.Fatalf("thresholds = %+v, want [50%% 100%%]", got)
	}

	outcomes, err := a.CheckThresholds(context.Background(), "u1", snapshot(10, 4))
	if err != nil {
		t.Fatal(err)
	}
	if len(outcomes) != 1 || outcomes[0].Alert.Message != "Verbrauch bei 50%" {
		t.Errorf("outcomes = %+v", outcomes)
	}
	if outcomes[0].Alert.UsagePercentage != 60 {
		t.Errorf("usage = %v, want 60", outcomes[0].Alert.UsagePercentage)
	}
}

func TestDefaultMessage(t *testing.T) {
	tests := []struct {
		pct  float64
		want string
	}{
		{70, "Energy usage has reached 70% of your plan quota"},
		{90, "Energy usage has reached 90% of your plan quota"},
		{100, "Energy usage has reached 100% of your plan quota. Plan exhausted!"},
	}
	for _, tt := range tests {
		if got := metering.DefaultMessage(metering.ThresholdAt(tt.pct), tt.pct); got != tt.want {
			t.Errorf("DefaultMessage(%v) = %q, want %q", tt.pct, got, tt.want)
		}
	}
}
