package postgres

import (
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/metering/alert"
	"github.com/xraph/metering/device"
	"github.com/xraph/metering/meter"
	"github.com/xraph/metering/plan"
	"github.com/xraph/metering/subscription"
)

// row is satisfied by both pgx.Row and pgx.Rows.
type row interface {
	Scan(dest ...any) error
}

func scanPlan(r row) (*plan.Plan, error) {
	var p plan.Plan
	if err := r.Scan(
		&p.ID, &p.Name, &p.Description, &p.TotalQuota, &p.DurationDays,
		&p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	p.CreatedAt, p.UpdatedAt = p.CreatedAt.UTC(), p.UpdatedAt.UTC()
	return &p, nil
}

func scanSubscription(r row) (*subscription.Subscription, error) {
	var s subscription.Subscription
	if err := r.Scan(
		&s.ID, &s.UserID, &s.PlanID, &s.PlanName, &s.StartDate, &s.EndDate,
		&s.TotalQuota, &s.RemainingQuota, &s.IsActive, &s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		return nil, err
	}
	s.StartDate, s.EndDate = s.StartDate.UTC(), s.EndDate.UTC()
	s.CreatedAt, s.UpdatedAt = s.CreatedAt.UTC(), s.UpdatedAt.UTC()
	return &s, nil
}

func scanReading(r row) (*meter.Reading, error) {
	var m meter.Reading
	if err := r.Scan(&m.ID, &m.UserID, &m.DeviceID, &m.Value, &m.Timestamp, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.Timestamp, m.CreatedAt = m.Timestamp.UTC(), m.CreatedAt.UTC()
	return &m, nil
}

func scanAlert(r row) (*alert.Alert, error) {
	var a alert.Alert
	if err := r.Scan(
		&a.ID, &a.UserID, &a.SubscriptionID, &a.Type, &a.Message, &a.Threshold,
		&a.UsagePercentage, &a.CycleStart, &a.CreatedAt,
	); err != nil {
		return nil, err
	}
	a.CycleStart, a.CreatedAt = a.CycleStart.UTC(), a.CreatedAt.UTC()
	return &a, nil
}

func scanDevice(r row) (*device.Device, error) {
	var (
		d        device.Device
		lastSeen *time.Time
	)
	if err := r.Scan(
		&d.ID, &d.UserID, &d.DeviceID, &d.Name, &d.IsActive, &lastSeen,
		&d.LastValue, &d.CreatedAt, &d.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if lastSeen != nil {
		ls := lastSeen.UTC()
		d.LastSeen = &ls
	}
	d.CreatedAt, d.UpdatedAt = d.CreatedAt.UTC(), d.UpdatedAt.UTC()
	return &d, nil
}

// collect drains rows through scan and closes them.
func collect[T any](rows pgx.Rows, scan func(row) (*T, error)) ([]*T, error) {
	defer rows.Close()

	out := make([]*T, 0)
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("scan rows", err, true)
	}
	return out, nil
}
