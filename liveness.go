package metering

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/xraph/metering/device"
)

// Liveness defaults.
const (
	DefaultStalenessWindow = 5 * time.Minute
	DefaultSweepInterval   = time.Minute
)

// LivenessStore is the persistence the liveness tracker needs.
type LivenessStore interface {
	TouchDevice(ctx context.Context, s device.Sighting) (*device.Device, error)
	MarkDevicesStale(ctx context.Context, cutoff, at time.Time) (int64, error)
	MarkDeviceStale(ctx context.Context, userID, deviceID string, cutoff, at time.Time) (bool, error)
}

// TouchResult describes the transition a reading caused.
type TouchResult struct {
	// Created is set when the reading registered the device.
	Created bool `json:"created"`
	// CameOnline is set when the device was offline (or new) before.
	CameOnline bool `json:"came_online"`
}

// Tracker maintains the online/offline flag of devices. Readings move a
// device online unconditionally; sweeps and nudges only move it offline,
// and only when last_seen is older than the staleness window at write time.
type Tracker struct {
	store  LivenessStore
	window time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewTracker creates a tracker. A non-positive window falls back to
// DefaultStalenessWindow.
func NewTracker(s LivenessStore, window time.Duration, clock func() time.Time, logger *slog.Logger) *Tracker {
	if window <= 0 {
		window = DefaultStalenessWindow
	}
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{store: s, window: window, now: clock, logger: logger}
}

// StalenessWindow returns how long a device may stay silent and remain online.
func (t *Tracker) StalenessWindow() time.Duration { return t.window }

// Touch records that deviceID reported value now. With upsert set an
// unknown device is created; otherwise ErrDeviceNotFound is returned.
func (t *Tracker) Touch(ctx context.Context, userID, deviceID string, value float64, upsert bool) (TouchResult, error) {
	return t.touch(ctx, device.Sighting{
		UserID:   userID,
		DeviceID: deviceID,
		Value:    value,
		At:       t.now(),
		Upsert:   upsert,
	}, false)
}

// touch applies sg. retried is set when an earlier attempt with the same
// sg failed and may still have been applied.
func (t *Tracker) touch(ctx context.Context, sg device.Sighting, retried bool) (TouchResult, error) {
	if strings.TrimSpace(sg.UserID) == "" {
		return TouchResult{}, ValidationError{Field: "user_id", Message: "must not be empty"}
	}
	if strings.TrimSpace(sg.DeviceID) == "" {
		return TouchResult{}, ValidationError{Field: "device_id", Message: "must not be empty"}
	}

	prev, err := t.store.TouchDevice(ctx, sg)
	if err != nil {
		return TouchResult{}, err
	}
	if prev == nil {
		return TouchResult{Created: true, CameOnline: true}, nil
	}
	if retried && prev.LastSeen != nil && prev.LastSeen.Equal(sg.At) {
		// An earlier attempt landed and its prior state is gone. Report
		// the transition rather than lose it.
		return TouchResult{Created: prev.CreatedAt.Equal(sg.At), CameOnline: true}, nil
	}
	return TouchResult{CameOnline: !prev.IsActive}, nil
}

// Sweep marks every device silent for longer than the window offline and
// returns how many changed. The cutoff is fixed when the sweep starts.
func (t *Tracker) Sweep(ctx context.Context) (int64, time.Time, error) {
	now := t.now()
	cutoff := now.Add(-t.window)

	n, err := t.store.MarkDevicesStale(ctx, cutoff, now)
	if err != nil {
		return 0, cutoff, err
	}
	return n, cutoff, nil
}

// Nudge re-evaluates a single device and reports whether it went offline.
func (t *Tracker) Nudge(ctx context.Context, userID, deviceID string) (bool, error) {
	now := t.now()
	return t.store.MarkDeviceStale(ctx, userID, deviceID, now.Add(-t.window), now)
}

// ──────────────────────────────────────────────────
// Sweeper
// ──────────────────────────────────────────────────

// Sweeper runs a sweep function on a fixed interval until stopped. A sweep
// in progress always completes before Stop returns.
type Sweeper struct {
	interval time.Duration
	sweep    func(context.Context)
	logger   *slog.Logger

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewSweeper creates a sweeper. A non-positive interval falls back to
// DefaultSweepInterval.
func NewSweeper(interval time.Duration, sweep func(context.Context), logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{interval: interval, sweep: sweep, logger: logger}
}

// Start launches the background loop. The first sweep runs immediately.
// Calling Start on a running sweeper is a no-op.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true
	s.stopChan = make(chan struct{})

	s.wg.Add(1)
	go s.run(ctx, s.stopChan)

	s.logger.Info("liveness sweeper started", "interval", s.interval)
}

// Stop signals the loop and waits for it to exit.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("liveness sweeper stopped")
}

func (s *Sweeper) run(ctx context.Context, stop <-chan struct{}) {
	defer s.wg.Done()

	// Detached so that Stop, not the caller's context, ends an in-flight sweep.
	sweepCtx := context.WithoutCancel(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweep(sweepCtx)

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(sweepCtx)
		}
	}
}
