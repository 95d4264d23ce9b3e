// Package memory implements store.Store in process memory. Every method
// runs under a single mutex, which makes quota deductions and device
// state transitions atomic for all callers sharing the Store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xraph/metering"
	"github.com/xraph/metering/alert"
	"github.com/xraph/metering/device"
	"github.com/xraph/metering/id"
	"github.com/xraph/metering/meter"
	"github.com/xraph/metering/plan"
	"github.com/xraph/metering/store"
	"github.com/xraph/metering/subscription"
)

// compile-time interface check
var _ store.Store = (*Store)(nil)

type Store struct {
	mu sync.RWMutex

	plans         map[string]*plan.Plan
	subscriptions map[string]*subscription.Subscription
	readings      []meter.Reading
	alerts        []alert.Alert
	alertKeys     map[alertKey]struct{}

	// devices is keyed by user id, then device id.
	devices map[string]map[string]*device.Device
}

type alertKey struct {
	userID     string
	alertType  string
	cycleStart int64
}

func New() *Store {
	return &Store{
		plans:         make(map[string]*plan.Plan),
		subscriptions: make(map[string]*subscription.Subscription),
		readings:      make([]meter.Reading, 0),
		alerts:        make([]alert.Alert, 0),
		alertKeys:     make(map[alertKey]struct{}),
		devices:       make(map[string]map[string]*device.Device),
	}
}

// ==================== Plan Store ====================

func (s *Store) CreatePlan(_ context.Context, p *plan.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.plans[p.ID.String()]; exists {
		return metering.ErrAlreadyExists
	}
	for _, existing := range s.plans {
		if existing.Name == p.Name {
			return metering.ErrAlreadyExists
		}
	}
	cp := *p
	s.plans[p.ID.String()] = &cp
	return nil
}

func (s *Store) GetPlan(_ context.Context, planID id.PlanID) (*plan.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, ok := s.plans[planID.String()]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, metering.ErrPlanNotFound
}

func (s *Store) GetPlanByName(_ context.Context, name string) (*plan.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.plans {
		if p.Name == name {
			cp := *p
			return &cp, nil
		}
	}
	return nil, metering.ErrPlanNotFound
}

func (s *Store) ListPlans(_ context.Context) ([]*plan.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*plan.Plan, 0, len(s.plans))
	for _, p := range s.plans {
		cp := *p
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// ==================== Subscription Store ====================

func (s *Store) ActivateSubscription(_ context.Context, sub *subscription.Subscription) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.subscriptions[sub.ID.String()]; exists {
		return 0, metering.ErrAlreadyExists
	}

	var superseded int64
	for _, existing := range s.subscriptions {
		if existing.UserID == sub.UserID && existing.IsActive {
			existing.IsActive = false
			existing.Touch(sub.CreatedAt)
			superseded++
		}
	}

	cp := *sub
	cp.IsActive = true
	s.subscriptions[sub.ID.String()] = &cp
	return superseded, nil
}

func (s *Store) GetSubscription(_ context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if sub, ok := s.subscriptions[subID.String()]; ok {
		cp := *sub
		return &cp, nil
	}
	return nil, metering.ErrSubscriptionNotFound
}

func (s *Store) GetActiveSubscription(_ context.Context, userID string) (*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if sub := s.activeLocked(userID); sub != nil {
		cp := *sub
		return &cp, nil
	}
	return nil, metering.ErrNoActiveSubscription
}

func (s *Store) ListSubscriptions(_ context.Context, userID string, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*subscription.Subscription, 0)
	for _, sub := range s.subscriptions {
		if sub.UserID != userID || (opts.ActiveOnly && !sub.IsActive) {
			continue
		}
		cp := *sub
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartDate.After(result[j].StartDate)
	})
	return page(result, opts.Offset, opts.Limit), nil
}

func (s *Store) DeactivateSubscription(_ context.Context, subID id.SubscriptionID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, ok := s.subscriptions[subID.String()]
	if !ok {
		return metering.ErrSubscriptionNotFound
	}
	sub.IsActive = false
	sub.Touch(at)
	return nil
}

func (s *Store) DeductQuota(_ context.Context, userID string, amount float64, policy subscription.OverdraftPolicy, at time.Time) (*subscription.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub := s.activeLocked(userID)
	if sub == nil {
		return nil, metering.ErrNoActiveSubscription
	}

	if policy == subscription.PolicyReject && sub.RemainingQuota < amount {
		return nil, metering.ErrInsufficientQuota
	}

	sub.RemainingQuota = max(0, sub.RemainingQuota-amount)
	sub.Touch(at)

	cp := *sub
	return &cp, nil
}

func (s *Store) activeLocked(userID string) *subscription.Subscription {
	for _, sub := range s.subscriptions {
		if sub.UserID == userID && sub.IsActive {
			return sub
		}
	}
	return nil
}

// ==================== Reading Store ====================

func (s *Store) AppendReading(_ context.Context, r *meter.Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.readings {
		if s.readings[i].ID == r.ID {
			return metering.ErrAlreadyExists
		}
	}
	s.readings = append(s.readings, *r)
	return nil
}

func (s *Store) QueryReadings(_ context.Context, userID string, opts meter.QueryOpts) ([]*meter.Reading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*meter.Reading, 0)
	for i := range s.readings {
		r := s.readings[i]
		if r.UserID != userID {
			continue
		}
		if opts.DeviceID != "" && r.DeviceID != opts.DeviceID {
			continue
		}
		if !opts.Start.IsZero() && r.Timestamp.Before(opts.Start) {
			continue
		}
		if !opts.End.IsZero() && r.Timestamp.After(opts.End) {
			continue
		}
		result = append(result, &r)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.After(result[j].Timestamp)
	})
	return page(result, opts.Offset, opts.Limit), nil
}

// ==================== Alert Store ====================

func (s *Store) FindAlertSince(_ context.Context, userID, alertType string, since time.Time) (*alert.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *alert.Alert
	for i := range s.alerts {
		a := &s.alerts[i]
		if a.UserID != userID || a.Type != alertType || a.CreatedAt.Before(since) {
			continue
		}
		if found == nil || a.CreatedAt.After(found.CreatedAt) {
			found = a
		}
	}
	if found == nil {
		return nil, metering.ErrAlertNotFound
	}
	cp := *found
	return &cp, nil
}

func (s *Store) InsertAlert(_ context.Context, a *alert.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := alertKey{userID: a.UserID, alertType: a.Type, cycleStart: a.CycleStart.UnixNano()}
	if _, exists := s.alertKeys[key]; exists {
		return metering.ErrDuplicateAlert
	}
	s.alertKeys[key] = struct{}{}
	s.alerts = append(s.alerts, *a)
	return nil
}

func (s *Store) ListAlerts(_ context.Context, userID string, opts alert.ListOpts) ([]*alert.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*alert.Alert, 0)
	for i := range s.alerts {
		a := s.alerts[i]
		if a.UserID != userID {
			continue
		}
		if !opts.Since.IsZero() && a.CreatedAt.Before(opts.Since) {
			continue
		}
		result = append(result, &a)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return page(result, 0, opts.Limit), nil
}

// ==================== Device Store ====================

func (s *Store) CreateDevice(_ context.Context, d *device.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.deviceLocked(d.UserID, d.DeviceID) != nil {
		return metering.ErrDeviceExists
	}
	cp := *d
	s.putDeviceLocked(&cp)
	return nil
}

func (s *Store) GetDevice(_ context.Context, userID, deviceID string) (*device.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d := s.deviceLocked(userID, deviceID)
	if d == nil {
		return nil, metering.ErrDeviceNotFound
	}
	return cloneDevice(d), nil
}

func (s *Store) ListDevices(_ context.Context, userID string) ([]*device.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*device.Device, 0, len(s.devices[userID]))
	for _, d := range s.devices[userID] {
		result = append(result, cloneDevice(d))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *Store) DeleteDevice(_ context.Context, userID, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.deviceLocked(userID, deviceID) == nil {
		return metering.ErrDeviceNotFound
	}
	delete(s.devices[userID], deviceID)
	return nil
}

func (s *Store) TouchDevice(_ context.Context, sg device.Sighting) (*device.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	at := sg.At
	d := s.deviceLocked(sg.UserID, sg.DeviceID)
	if d == nil {
		if !sg.Upsert {
			return nil, metering.ErrDeviceNotFound
		}
		d = &device.Device{
			ID:       id.NewDeviceID(),
			UserID:   sg.UserID,
			DeviceID: sg.DeviceID,
			Name:     sg.DeviceID,
		}
		d.CreatedAt = at
		d.IsActive = true
		d.LastSeen = &at
		d.LastValue = sg.Value
		d.Touch(at)
		s.putDeviceLocked(d)
		return nil, nil //nolint:nilnil // nil prior state means the device was created
	}

	prev := cloneDevice(d)
	d.IsActive = true
	d.LastSeen = &at
	d.LastValue = sg.Value
	d.Touch(at)
	return prev, nil
}

func (s *Store) MarkDevicesStale(_ context.Context, cutoff, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, byDevice := range s.devices {
		for _, d := range byDevice {
			if markStale(d, cutoff, at) {
				n++
			}
		}
	}
	return n, nil
}

func (s *Store) MarkDeviceStale(_ context.Context, userID, deviceID string, cutoff, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := s.deviceLocked(userID, deviceID)
	if d == nil {
		return false, metering.ErrDeviceNotFound
	}
	return markStale(d, cutoff, at), nil
}

func (s *Store) deviceLocked(userID, deviceID string) *device.Device {
	return s.devices[userID][deviceID]
}

func (s *Store) putDeviceLocked(d *device.Device) {
	byDevice, ok := s.devices[d.UserID]
	if !ok {
		byDevice = make(map[string]*device.Device)
		s.devices[d.UserID] = byDevice
	}
	byDevice[d.DeviceID] = d
}

// ==================== Lifecycle ====================

func (s *Store) Migrate(_ context.Context) error {
	return nil // No migration needed for memory store
}

func (s *Store) Ping(_ context.Context) error {
	return nil // Always available
}

func (s *Store) Close() error {
	return nil // Nothing to close
}

// Helper functions

func markStale(d *device.Device, cutoff, at time.Time) bool {
	if !d.IsActive || d.LastSeen == nil || !d.LastSeen.Before(cutoff) {
		return false
	}
	d.IsActive = false
	d.Touch(at)
	return true
}

func cloneDevice(d *device.Device) *device.Device {
	cp := *d
	if d.LastSeen != nil {
		ls := *d.LastSeen
		cp.LastSeen = &ls
	}
	return &cp
}

func page[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return items[:0]
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
