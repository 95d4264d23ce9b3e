package metering_test

import (
	"context"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/xraph/metering"
	"github.com/xraph/metering/alert"
	"github.com/xraph/metering/device"
	"github.com/xraph/metering/meter"
	"github.com/xraph/metering/plan"
	"github.com/xraph/metering/store"
	"github.com/xraph/metering/store/memory"
	"github.com/xraph/metering/subscription"
)

var epoch = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: epoch} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func nanValue() float64 { return math.NaN() }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastRetry() metering.RetryPolicy {
	return metering.RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		MaxElapsed:      time.Second,
	}
}

// newEngine builds an engine over s with a controllable clock.
func newEngine(t *testing.T, s store.Store, opts ...metering.Option) (*metering.Engine, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	base := []metering.Option{
		metering.WithLogger(quietLogger()),
		metering.WithClock(clock.Now),
		metering.WithRetry(fastRetry()),
	}
	return metering.New(s, append(base, opts...)...), clock
}

// subscribe creates a plan with the given quota and subscribes userID to it.
func subscribe(t *testing.T, eng *metering.Engine, userID string, quota float64) *subscription.Subscription {
	t.Helper()
	ctx := context.Background()
	p := &plan.Plan{Name: userID + "-plan", TotalQuota: quota, DurationDays: 30}
	if err := eng.CreatePlan(ctx, p); err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	sub, err := eng.Subscribe(ctx, userID, p.ID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	return sub
}

func alertTypes(alerts []*alert.Alert) map[string]int {
	out := make(map[string]int)
	for _, a := range alerts {
		out[a.Type]++
	}
	return out
}

// faultyStore wraps a memory store and injects failures per operation.
// The fail functions receive the 1-based call count.
type faultyStore struct {
	*memory.Store

	mu          sync.Mutex
	deductCalls int
	appendCalls int
	alertCalls  int
	touchCalls  int

	failDeduct func(call int) error
	failAppend func(call int) error
	failInsert func(call int) error
	// failTouch runs after the device write went through, so a non-nil
	// error models a write whose acknowledgement was lost.
	failTouch func(call int) error
}

func newFaultyStore() *faultyStore {
	return &faultyStore{Store: memory.New()}
}

func (f *faultyStore) DeductQuota(ctx context.Context, userID string, amount float64, policy subscription.OverdraftPolicy, at time.Time) (*subscription.Subscription, error) {
	f.mu.Lock()
	f.deductCalls++
	call := f.deductCalls
	f.mu.Unlock()

	if f.failDeduct != nil {
		if err := f.failDeduct(call); err != nil {
			return nil, err
		}
	}
	return f.Store.DeductQuota(ctx, userID, amount, policy, at)
}

func (f *faultyStore) AppendReading(ctx context.Context, r *meter.Reading) error {
	f.mu.Lock()
	f.appendCalls++
	call := f.appendCalls
	f.mu.Unlock()

	if f.failAppend != nil {
		if err := f.failAppend(call); err != nil {
			return err
		}
	}
	return f.Store.AppendReading(ctx, r)
}

func (f *faultyStore) InsertAlert(ctx context.Context, a *alert.Alert) error {
	f.mu.Lock()
	f.alertCalls++
	call := f.alertCalls
	f.mu.Unlock()

	if f.failInsert != nil {
		if err := f.failInsert(call); err != nil {
			return err
		}
	}
	return f.Store.InsertAlert(ctx, a)
}

func (f *faultyStore) TouchDevice(ctx context.Context, sg device.Sighting) (*device.Device, error) {
	f.mu.Lock()
	f.touchCalls++
	call := f.touchCalls
	f.mu.Unlock()

	prev, err := f.Store.TouchDevice(ctx, sg)
	if err != nil {
		return nil, err
	}
	if f.failTouch != nil {
		if err := f.failTouch(call); err != nil {
			return nil, err
		}
	}
	return prev, nil
}

// events records the engine hooks a test cares about.
type events struct {
	mu     sync.Mutex
	alerts []string
	online []bool
}

func (e *events) Name() string { return "test-events" }

func (e *events) OnAlertCreated(_ context.Context, a *alert.Alert) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.alerts = append(e.alerts, a.Type)
	return nil
}

func (e *events) OnDeviceOnline(_ context.Context, _, _ string, created bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.online = append(e.online, created)
	return nil
}

func (f *faultyStore) calls() (deduct, appendN, alerts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deductCalls, f.appendCalls, f.alertCalls
}
