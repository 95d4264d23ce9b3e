package mongo

import (
	"time"

	"github.com/xraph/metering/alert"
	"github.com/xraph/metering/device"
	"github.com/xraph/metering/id"
	"github.com/xraph/metering/meter"
	"github.com/xraph/metering/plan"
	"github.com/xraph/metering/subscription"
	"github.com/xraph/metering/types"
)

// ==================== Plan models ====================

type planModel struct {
	ID           string    `bson:"_id"`
	Name         string    `bson:"name"`
	Description  string    `bson:"description"`
	TotalQuota   float64   `bson:"total_quota"`
	DurationDays int       `bson:"duration_days"`
	CreatedAt    time.Time `bson:"created_at"`
	UpdatedAt    time.Time `bson:"updated_at"`
}

func toPlanModel(p *plan.Plan) *planModel {
	return &planModel{
		ID:           p.ID.String(),
		Name:         p.Name,
		Description:  p.Description,
		TotalQuota:   p.TotalQuota,
		DurationDays: p.DurationDays,
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
	}
}

func fromPlanModel(m *planModel) (*plan.Plan, error) {
	planID, err := id.ParsePlanID(m.ID)
	if err != nil {
		return nil, err
	}
	return &plan.Plan{
		Entity:       entity(m.CreatedAt, m.UpdatedAt),
		ID:           planID,
		Name:         m.Name,
		Description:  m.Description,
		TotalQuota:   m.TotalQuota,
		DurationDays: m.DurationDays,
	}, nil
}

// ==================== Subscription models ====================

type subscriptionModel struct {
	ID             string    `bson:"_id"`
	UserID         string    `bson:"user_id"`
	PlanID         string    `bson:"plan_id"`
	PlanName       string    `bson:"plan_name"`
	StartDate      time.Time `bson:"start_date"`
	EndDate        time.Time `bson:"end_date"`
	TotalQuota     float64   `bson:"total_quota"`
	RemainingQuota float64   `bson:"remaining_quota"`
	IsActive       bool      `bson:"is_active"`
	CreatedAt      time.Time `bson:"created_at"`
	UpdatedAt      time.Time `bson:"updated_at"`
}

func toSubscriptionModel(s *subscription.Subscription) *subscriptionModel {
	return &subscriptionModel{
		ID:             s.ID.String(),
		UserID:         s.UserID,
		PlanID:         s.PlanID.String(),
		PlanName:       s.PlanName,
		StartDate:      s.StartDate,
		EndDate:        s.EndDate,
		TotalQuota:     s.TotalQuota,
		RemainingQuota: s.RemainingQuota,
		IsActive:       s.IsActive,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
	}
}

func fromSubscriptionModel(m *subscriptionModel) (*subscription.Subscription, error) {
	subID, err := id.ParseSubscriptionID(m.ID)
	if err != nil {
		return nil, err
	}
	var planID id.PlanID
	if m.PlanID != "" {
		if planID, err = id.ParsePlanID(m.PlanID); err != nil {
			return nil, err
		}
	}
	return &subscription.Subscription{
		Entity:         entity(m.CreatedAt, m.UpdatedAt),
		ID:             subID,
		UserID:         m.UserID,
		PlanID:         planID,
		PlanName:       m.PlanName,
		StartDate:      m.StartDate.UTC(),
		EndDate:        m.EndDate.UTC(),
		TotalQuota:     m.TotalQuota,
		RemainingQuota: m.RemainingQuota,
		IsActive:       m.IsActive,
	}, nil
}

// ==================== Reading models ====================

type readingModel struct {
	ID        string    `bson:"_id"`
	UserID    string    `bson:"user_id"`
	DeviceID  string    `bson:"device_id"`
	Value     float64   `bson:"value"`
	Timestamp time.Time `bson:"timestamp"`
	CreatedAt time.Time `bson:"created_at"`
}

func toReadingModel(r *meter.Reading) *readingModel {
	return &readingModel{
		ID:        r.ID.String(),
		UserID:    r.UserID,
		DeviceID:  r.DeviceID,
		Value:     r.Value,
		Timestamp: r.Timestamp,
		CreatedAt: r.CreatedAt,
	}
}

func fromReadingModel(m *readingModel) (*meter.Reading, error) {
	rID, err := id.ParseReadingID(m.ID)
	if err != nil {
		return nil, err
	}
	return &meter.Reading{
		ID:        rID,
		UserID:    m.UserID,
		DeviceID:  m.DeviceID,
		Value:     m.Value,
		Timestamp: m.Timestamp.UTC(),
		CreatedAt: m.CreatedAt.UTC(),
	}, nil
}

// ==================== Alert models ====================

type alertModel struct {
	ID              string    `bson:"_id"`
	UserID          string    `bson:"user_id"`
	SubscriptionID  string    `bson:"subscription_id"`
	Type            string    `bson:"alert_type"`
	Message         string    `bson:"message"`
	Threshold       float64   `bson:"threshold"`
	UsagePercentage float64   `bson:"usage_percentage"`
	CycleStart      time.Time `bson:"cycle_start"`
	CreatedAt       time.Time `bson:"created_at"`
}

func toAlertModel(a *alert.Alert) *alertModel {
	return &alertModel{
		ID:              a.ID.String(),
		UserID:          a.UserID,
		SubscriptionID:  a.SubscriptionID.String(),
		Type:            a.Type,
		Message:         a.Message,
		Threshold:       a.Threshold,
		UsagePercentage: a.UsagePercentage,
		CycleStart:      a.CycleStart,
		CreatedAt:       a.CreatedAt,
	}
}

func fromAlertModel(m *alertModel) (*alert.Alert, error) {
	aID, err := id.ParseAlertID(m.ID)
	if err != nil {
		return nil, err
	}
	var subID id.SubscriptionID
	if m.SubscriptionID != "" {
		if subID, err = id.ParseSubscriptionID(m.SubscriptionID); err != nil {
			return nil, err
		}
	}
	return &alert.Alert{
		ID:              aID,
		UserID:          m.UserID,
		SubscriptionID:  subID,
		Type:            m.Type,
		Message:         m.Message,
		Threshold:       m.Threshold,
		UsagePercentage: m.UsagePercentage,
		CycleStart:      m.CycleStart.UTC(),
		CreatedAt:       m.CreatedAt.UTC(),
	}, nil
}

// ==================== Device models ====================

type deviceModel struct {
	ID        string     `bson:"_id"`
	UserID    string     `bson:"user_id"`
	DeviceID  string     `bson:"device_id"`
	Name      string     `bson:"device_name"`
	IsActive  bool       `bson:"is_active"`
	LastSeen  *time.Time `bson:"last_seen,omitempty"`
	LastValue float64    `bson:"last_value"`
	CreatedAt time.Time  `bson:"created_at"`
	UpdatedAt time.Time  `bson:"updated_at"`
}

func toDeviceModel(d *device.Device) *deviceModel {
	return &deviceModel{
		ID:        d.ID.String(),
		UserID:    d.UserID,
		DeviceID:  d.DeviceID,
		Name:      d.Name,
		IsActive:  d.IsActive,
		LastSeen:  d.LastSeen,
		LastValue: d.LastValue,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

func fromDeviceModel(m *deviceModel) (*device.Device, error) {
	dID, err := id.ParseDeviceID(m.ID)
	if err != nil {
		return nil, err
	}
	d := &device.Device{
		Entity:    entity(m.CreatedAt, m.UpdatedAt),
		ID:        dID,
		UserID:    m.UserID,
		DeviceID:  m.DeviceID,
		Name:      m.Name,
		IsActive:  m.IsActive,
		LastValue: m.LastValue,
	}
	if m.LastSeen != nil {
		ls := m.LastSeen.UTC()
		d.LastSeen = &ls
	}
	return d, nil
}

func entity(created, updated time.Time) types.Entity {
	return types.Entity{CreatedAt: created.UTC(), UpdatedAt: updated.UTC()}
}
