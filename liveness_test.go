package metering_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/metering"
	"github.com/xraph/metering/store/memory"
)

func TestTrackerTouchTransitions(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	tr := metering.NewTracker(memory.New(), time.Minute, clock.Now, quietLogger())

	res, err := tr.Touch(ctx, "u1", "meter-01", 1, true)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Created || !res.CameOnline {
		t.Errorf("first touch = %+v, want created and online", res)
	}

	res, err = tr.Touch(ctx, "u1", "meter-01", 2, true)
	if err != nil {
		t.Fatal(err)
	}
	if res.Created || res.CameOnline {
		t.Errorf("second touch = %+v, want no transition", res)
	}

	clock.Advance(2 * time.Minute)
	if went, err := tr.Nudge(ctx, "u1", "meter-01"); err != nil || !went {
		t.Fatalf("Nudge = %v, %v; want offline", went, err)
	}
	if went, _ := tr.Nudge(ctx, "u1", "meter-01"); went {
		t.Error("second nudge must not report another transition")
	}

	res, err = tr.Touch(ctx, "u1", "meter-01", 3, true)
	if err != nil {
		t.Fatal(err)
	}
	if res.Created || !res.CameOnline {
		t.Errorf("revival touch = %+v, want came online", res)
	}
}

func TestTrackerTouchWithoutUpsert(t *testing.T) {
	tr := metering.NewTracker(memory.New(), time.Minute, nil, quietLogger())
	_, err := tr.Touch(context.Background(), "u1", "meter-01", 1, false)
	if !errors.Is(err, metering.ErrDeviceNotFound) {
		t.Errorf("err = %v, want ErrDeviceNotFound", err)
	}
}

func TestTrackerSweepLeavesFreshDevices(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := memory.New()
	tr := metering.NewTracker(s, 5*time.Minute, clock.Now, quietLogger())

	if _, err := tr.Touch(ctx, "u1", "old", 1, true); err != nil {
		t.Fatal(err)
	}
	clock.Advance(4 * time.Minute)
	if _, err := tr.Touch(ctx, "u1", "fresh", 1, true); err != nil {
		t.Fatal(err)
	}
	clock.Advance(2 * time.Minute)

	n, cutoff, err := tr.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("swept = %d, want 1", n)
	}
	if want := epoch.Add(time.Minute); !cutoff.Equal(want) {
		t.Errorf("cutoff = %s, want %s", cutoff, want)
	}

	fresh, _ := s.GetDevice(ctx, "u1", "fresh")
	old, _ := s.GetDevice(ctx, "u1", "old")
	if !fresh.IsActive || old.IsActive {
		t.Errorf("fresh active=%v old active=%v", fresh.IsActive, old.IsActive)
	}
}

func TestSweeperRunsUntilStopped(t *testing.T) {
	var runs atomic.Int32
	inFlight := make(chan struct{})
	release := make(chan struct{})

	sw := metering.NewSweeper(5*time.Millisecond, func(context.Context) {
		if runs.Add(1) == 2 {
			close(inFlight)
			<-release
		}
	}, quietLogger())

	sw.Start(context.Background())
	sw.Start(context.Background()) // no-op

	<-inFlight
	stopped := make(chan struct{})
	go func() {
		sw.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a sweep was in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}

	after := runs.Load()
	time.Sleep(20 * time.Millisecond)
	if runs.Load() != after {
		t.Error("sweeper kept running after Stop")
	}

	sw.Stop() // idempotent
}

func TestSweeperStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var runs atomic.Int32
	sw := metering.NewSweeper(time.Millisecond, func(context.Context) { runs.Add(1) }, quietLogger())

	sw.Start(ctx)
	time.Sleep(10 * time.Millisecond)
	cancel()
	sw.Stop()

	if runs.Load() == 0 {
		t.Error("expected at least one sweep")
	}
}
