package sqlite

import (
	"database/sql"
	"time"

	"github.com/xraph/metering/alert"
	"github.com/xraph/metering/device"
	"github.com/xraph/metering/meter"
	"github.com/xraph/metering/plan"
	"github.com/xraph/metering/subscription"
)

// row is satisfied by both *sql.Row and *sql.Rows.
type row interface {
	Scan(dest ...any) error
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func fromMS(v int64) time.Time { return time.UnixMilli(v).UTC() }

func scanPlan(r row) (*plan.Plan, error) {
	var (
		p                plan.Plan
		created, updated int64
	)
	if err := r.Scan(
		&p.ID, &p.Name, &p.Description, &p.TotalQuota, &p.DurationDays,
		&created, &updated,
	); err != nil {
		return nil, err
	}
	p.CreatedAt, p.UpdatedAt = fromMS(created), fromMS(updated)
	return &p, nil
}

func scanSubscription(r row) (*subscription.Subscription, error) {
	var (
		s                            subscription.Subscription
		start, end, created, updated int64
	)
	if err := r.Scan(
		&s.ID, &s.UserID, &s.PlanID, &s.PlanName, &start, &end,
		&s.TotalQuota, &s.RemainingQuota, &s.IsActive, &created, &updated,
	); err != nil {
		return nil, err
	}
	s.StartDate, s.EndDate = fromMS(start), fromMS(end)
	s.CreatedAt, s.UpdatedAt = fromMS(created), fromMS(updated)
	return &s, nil
}

func scanReading(r row) (*meter.Reading, error) {
	var (
		m           meter.Reading
		ts, created int64
	)
	if err := r.Scan(&m.ID, &m.UserID, &m.DeviceID, &m.Value, &ts, &created); err != nil {
		return nil, err
	}
	m.Timestamp, m.CreatedAt = fromMS(ts), fromMS(created)
	return &m, nil
}

func scanAlert(r row) (*alert.Alert, error) {
	var (
		a              alert.Alert
		cycle, created int64
	)
	if err := r.Scan(
		&a.ID, &a.UserID, &a.SubscriptionID, &a.Type, &a.Message, &a.Threshold,
		&a.UsagePercentage, &cycle, &created,
	); err != nil {
		return nil, err
	}
	a.CycleStart, a.CreatedAt = fromMS(cycle), fromMS(created)
	return &a, nil
}

func scanDevice(r row) (*device.Device, error) {
	var (
		d                device.Device
		lastSeen         sql.NullInt64
		created, updated int64
	)
	if err := r.Scan(
		&d.ID, &d.UserID, &d.DeviceID, &d.Name, &d.IsActive, &lastSeen,
		&d.LastValue, &created, &updated,
	); err != nil {
		return nil, err
	}
	if lastSeen.Valid {
		ls := fromMS(lastSeen.Int64)
		d.LastSeen = &ls
	}
	d.CreatedAt, d.UpdatedAt = fromMS(created), fromMS(updated)
	return &d, nil
}

// collect drains rows through scan and closes them.
func collect[T any](rows *sql.Rows, scan func(row) (*T, error)) ([]*T, error) {
	defer func() { _ = rows.Close() }()

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
