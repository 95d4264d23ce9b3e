package observability_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/xraph/metering/meter"
	"github.com/xraph/metering/observability"
	"github.com/xraph/metering/subscription"
)

type fakeCounter struct {
	mu sync.Mutex
	v  float64
}

func (c *fakeCounter) Inc()          { c.Add(1) }
func (c *fakeCounter) Add(d float64) { c.mu.Lock(); c.v += d; c.mu.Unlock() }
func (c *fakeCounter) value() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.v
}

type fakeHistogram struct{ obs []float64 }

func (h *fakeHistogram) Observe(v float64) { h.obs = append(h.obs, v) }

type fakeFactory struct {
	counters   map[string]*fakeCounter
	histograms map[string]*fakeHistogram
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		counters:   map[string]*fakeCounter{},
		histograms: map[string]*fakeHistogram{},
	}
}

func (f *fakeFactory) Counter(name string) observability.Counter {
	c := &fakeCounter{}
	f.counters[name] = c
	return c
}

func (f *fakeFactory) Histogram(name string) observability.Histogram {
	h := &fakeHistogram{}
	f.histograms[name] = h
	return h
}

func TestMetricsExtensionCounts(t *testing.T) {
	ctx := context.Background()
	f := newFakeFactory()
	m := observability.NewMetricsExtension(f)

	_ = m.OnReadingRecorded(ctx, &meter.Reading{Value: 30})
	_ = m.OnReadingRecorded(ctx, &meter.Reading{Value: 12.5})
	_ = m.OnQuotaDeducted(ctx, &subscription.Subscription{TotalQuota: 50, RemainingQuota: 0}, 80)
	_ = m.OnSubscriptionActivated(ctx, &subscription.Subscription{}, 2)
	_ = m.OnDeviceOnline(ctx, "u1", "meter-01", true)
	_ = m.OnDeviceOnline(ctx, "u1", "meter-01", false)
	_ = m.OnDevicesSwept(ctx, 4, time.Now())
	_ = m.OnPartialFailure(ctx, &meter.Reading{}, []error{errors.New("a"), errors.New("b")})

	tests := []struct {
		name string
		want float64
	}{
		{"metering.readings.recorded", 2},
		{"metering.readings.kwh", 42.5},
		{"metering.quota.deductions", 1},
		{"metering.quota.exhausted_deductions", 1},
		{"metering.subscription.activated", 1},
		{"metering.subscription.superseded", 2},
		{"metering.devices.online", 2},
		{"metering.devices.registered", 1},
		{"metering.devices.swept", 4},
		{"metering.pipeline.partial_failures", 1},
		{"metering.pipeline.warnings", 2},
	}
	for _, tt := range tests {
		c, ok := f.counters[tt.name]
		if !ok {
			t.Errorf("counter %q not created", tt.name)
			continue
		}
		if got := c.value(); got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, got, tt.want)
		}
	}

	if obs := f.histograms["metering.quota.usage_percent"].obs; len(obs) != 1 || obs[0] != 100 {
		t.Errorf("usage observations = %v, want [100]", obs)
	}
}

func TestPrometheusFactory(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := observability.NewPrometheusFactory(reg)

	c := f.Counter("metering.readings.recorded")
	c.Inc()
	c.Add(2)

	// Asking again for the same name returns the registered collector.
	again := f.Counter("metering.readings.recorded")
	again.Inc()

	count, err := testutil.GatherAndCount(reg, "metering_readings_recorded")
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("series = %d, want 1", count)
	}
	if got := testutil.ToFloat64(c.(prometheus.Counter)); got != 4 {
		t.Errorf("counter = %v, want 4", got)
	}

	f.Histogram("metering.readings.value_kwh").Observe(3)
	if n, _ := testutil.GatherAndCount(reg, "metering_readings_value_kwh"); n != 1 {
		t.Errorf("histogram series = %d, want 1", n)
	}
}
