// Package sqlite implements store.Store on SQLite through the pure-Go
// modernc.org/sqlite driver. It suits single-node deployments and tests.
//
// The store holds a single connection, so statements never interleave and
// multi-statement operations run in plain transactions.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/xraph/metering"
	"github.com/xraph/metering/alert"
	"github.com/xraph/metering/device"
	"github.com/xraph/metering/id"
	"github.com/xraph/metering/meter"
	"github.com/xraph/metering/plan"
	meteringstore "github.com/xraph/metering/store"
	"github.com/xraph/metering/subscription"
)

// DriverName is the database/sql driver registered by modernc.org/sqlite.
const DriverName = "sqlite"

// compile-time interface check
var _ meteringstore.Store = (*Store)(nil)

// Store implements store.Store using SQLite.
type Store struct {
	db *sql.DB
}

// New creates a store over an existing handle. The handle is limited to
// one open connection.
func New(db *sql.DB) *Store {
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return &Store{db: db}
}

// Open opens dsn with the modernc driver, e.g. "file:metering.db" or
// ":memory:". Driver pragmas go in the DSN as _pragma=busy_timeout(5000).
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open(DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("metering/sqlite: open: %w", err)
	}
	s := New(db)
	if err := s.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB returns the underlying handle for direct access.
func (s *Store) DB() *sql.DB { return s.db }

// Migrate applies the embedded goose migrations.
func (s *Store) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return wrapErr("ping", err, true)
	}
	return nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Plan Store ====================

const planColumns = `id, name, description, total_quota, duration_days, created_at, updated_at`

func (s *Store) CreatePlan(ctx context.Context, p *plan.Plan) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO plans (`+planColumns+`)
VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7)`,
		p.ID, p.Name, p.Description, p.TotalQuota, p.DurationDays, ms(p.CreatedAt), ms(p.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return metering.ErrAlreadyExists
		}
		return wrapErr("create plan", err, false)
	}
	return nil
}

func (s *Store) GetPlan(ctx context.Context, planID id.PlanID) (*plan.Plan, error) {
	return s.getPlan(ctx, `SELECT `+planColumns+` FROM plans WHERE id = ?1`, planID)
}

func (s *Store) GetPlanByName(ctx context.Context, name string) (*plan.Plan, error) {
	return s.getPlan(ctx, `SELECT `+planColumns+` FROM plans WHERE name = ?1`, name)
}

func (s *Store) getPlan(ctx context.Context, q string, arg any) (*plan.Plan, error) {
	p, err := scanPlan(s.db.QueryRowContext(ctx, q, arg))
	if err != nil {
		if isNoRows(err) {
			return nil, metering.ErrPlanNotFound
		}
		return nil, wrapErr("get plan", err, true)
	}
	return p, nil
}

func (s *Store) ListPlans(ctx context.Context) ([]*plan.Plan, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+planColumns+` FROM plans ORDER BY created_at, rowid`)
	if err != nil {
		return nil, wrapErr("list plans", err, true)
	}
	return collect(rows, scanPlan)
}

// ==================== Subscription Store ====================

const subscriptionColumns = `id, user_id, plan_id, plan_name, start_date, end_date,
	total_quota, remaining_quota, is_active, created_at, updated_at`

// ActivateSubscription supersedes the user's active subscriptions and
// inserts sub in one transaction.
func (s *Store) ActivateSubscription(ctx context.Context, sub *subscription.Subscription) (int64, error) {
	var superseded int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE plan_subscriptions SET is_active = 0, updated_at = ?2
WHERE user_id = ?1 AND is_active = 1`, sub.UserID, ms(sub.CreatedAt))
		if err != nil {
			return err
		}
		if superseded, err = res.RowsAffected(); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
INSERT INTO plan_subscriptions (`+subscriptionColumns+`)
VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8, 1, ?9, ?10)`,
			sub.ID, sub.UserID, sub.PlanID, sub.PlanName, ms(sub.StartDate), ms(sub.EndDate),
			sub.TotalQuota, sub.RemainingQuota, ms(sub.CreatedAt), ms(sub.UpdatedAt),
		)
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return 0, metering.ErrAlreadyExists
		}
		return 0, wrapErr("activate subscription", err, false)
	}
	return superseded, nil
}

func (s *Store) GetSubscription(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM plan_subscriptions WHERE id = ?1`, subID))
	if err != nil {
		if isNoRows(err) {
			return nil, metering.ErrSubscriptionNotFound
		}
		return nil, wrapErr("get subscription", err, true)
	}
	return sub, nil
}

func (s *Store) GetActiveSubscription(ctx context.Context, userID string) (*subscription.Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM plan_subscriptions WHERE user_id = ?1 AND is_active = 1`, userID))
	if err != nil {
		if isNoRows(err) {
			return nil, metering.ErrNoActiveSubscription
		}
		return nil, wrapErr("get active subscription", err, true)
	}
	return sub, nil
}

func (s *Store) ListSubscriptions(ctx context.Context, userID string, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+subscriptionColumns+` FROM plan_subscriptions
WHERE user_id = ?1 AND (?2 = 0 OR is_active = 1)
ORDER BY start_date DESC, rowid DESC
LIMIT ?3 OFFSET ?4`, userID, opts.ActiveOnly, limitArg(opts.Limit), opts.Offset)
	if err != nil {
		return nil, wrapErr("list subscriptions", err, true)
	}
	return collect(rows, scanSubscription)
}

func (s *Store) DeactivateSubscription(ctx context.Context, subID id.SubscriptionID, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE plan_subscriptions SET is_active = 0, updated_at = ?2 WHERE id = ?1`, subID, ms(at))
	if err != nil {
		return wrapErr("deactivate subscription", err, true)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return metering.ErrSubscriptionNotFound
	}
	return nil
}

// DeductQuota runs a single UPDATE ... RETURNING. PolicyFloor clamps with
// MAX; PolicyReject only matches rows with enough quota left.
func (s *Store) DeductQuota(ctx context.Context, userID string, amount float64, policy subscription.OverdraftPolicy, at time.Time) (*subscription.Subscription, error) {
	q := `
UPDATE plan_subscriptions
SET remaining_quota = MAX(0, remaining_quota - ?2), updated_at = ?3
WHERE user_id = ?1 AND is_active = 1
RETURNING ` + subscriptionColumns
	if policy == subscription.PolicyReject {
		q = `
UPDATE plan_subscriptions
SET remaining_quota = remaining_quota - ?2, updated_at = ?3
WHERE user_id = ?1 AND is_active = 1 AND remaining_quota >= ?2
RETURNING ` + subscriptionColumns
	}

	sub, err := scanSubscription(s.db.QueryRowContext(ctx, q, userID, amount, ms(at)))
	if err == nil {
		return sub, nil
	}
	if !isNoRows(err) {
		return nil, wrapErr("deduct quota", err, false)
	}

	if policy == subscription.PolicyReject {
		var active bool
		err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM plan_subscriptions WHERE user_id = ?1 AND is_active = 1)`, userID,
		).Scan(&active)
		if err != nil {
			return nil, wrapErr("deduct quota", err, true)
		}
		if active {
			return nil, metering.ErrInsufficientQuota
		}
	}
	return nil, metering.ErrNoActiveSubscription
}

// ==================== Reading Store ====================

const readingColumns = `id, user_id, device_id, value, recorded_at, created_at`

func (s *Store) AppendReading(ctx context.Context, r *meter.Reading) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO consumption (`+readingColumns+`)
VALUES (?1, ?2, ?3, ?4, ?5, ?6)`,
		r.ID, r.UserID, r.DeviceID, r.Value, ms(r.Timestamp), ms(r.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return metering.ErrAlreadyExists
		}
		return wrapErr("append reading", err, true)
	}
	return nil
}

func (s *Store) QueryReadings(ctx context.Context, userID string, opts meter.QueryOpts) ([]*meter.Reading, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+readingColumns+` FROM consumption
WHERE user_id = ?1
  AND (?2 = '' OR device_id = ?2)
  AND (?3 IS NULL OR recorded_at >= ?3)
  AND (?4 IS NULL OR recorded_at <= ?4)
ORDER BY recorded_at DESC, rowid DESC
LIMIT ?5 OFFSET ?6`,
		userID, opts.DeviceID, optMS(opts.Start), optMS(opts.End), limitArg(opts.Limit), opts.Offset,
	)
	if err != nil {
		return nil, wrapErr("query readings", err, true)
	}
	return collect(rows, scanReading)
}

// ==================== Alert Store ====================

const alertColumns = `id, user_id, subscription_id, alert_type, message, threshold,
	usage_percentage, cycle_start, created_at`

func (s *Store) FindAlertSince(ctx context.Context, userID, alertType string, since time.Time) (*alert.Alert, error) {
	a, err := scanAlert(s.db.QueryRowContext(ctx, `
SELECT `+alertColumns+` FROM alerts
WHERE user_id = ?1 AND alert_type = ?2 AND created_at >= ?3
ORDER BY created_at DESC
LIMIT 1`, userID, alertType, ms(since)))
	if err != nil {
		if isNoRows(err) {
			return nil, metering.ErrAlertNotFound
		}
		return nil, wrapErr("find alert", err, true)
	}
	return a, nil
}

func (s *Store) InsertAlert(ctx context.Context, a *alert.Alert) error {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO alerts (`+alertColumns+`)
VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8, ?9)
ON CONFLICT (user_id, alert_type, cycle_start) DO NOTHING`,
		a.ID, a.UserID, a.SubscriptionID, a.Type, a.Message, a.Threshold,
		a.UsagePercentage, ms(a.CycleStart), ms(a.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return metering.ErrDuplicateAlert
		}
		return wrapErr("insert alert", err, true)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return metering.ErrDuplicateAlert
	}
	return nil
}

func (s *Store) ListAlerts(ctx context.Context, userID string, opts alert.ListOpts) ([]*alert.Alert, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+alertColumns+` FROM alerts
WHERE user_id = ?1 AND (?2 IS NULL OR created_at >= ?2)
ORDER BY created_at DESC, rowid DESC
LIMIT ?3`, userID, optMS(opts.Since), limitArg(opts.Limit))
	if err != nil {
		return nil, wrapErr("list alerts", err, true)
	}
	return collect(rows, scanAlert)
}

// ==================== Device Store ====================

const deviceColumns = `id, user_id, device_id, device_name, is_active, last_seen,
	last_value, created_at, updated_at`

func (s *Store) CreateDevice(ctx context.Context, d *device.Device) error {
	var lastSeen any
	if d.LastSeen != nil {
		lastSeen = ms(*d.LastSeen)
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO devices (`+deviceColumns+`)
VALUES (?1, ?2, ?3, ?4, ?5, ?6, ?7, ?8, ?9)`,
		d.ID, d.UserID, d.DeviceID, d.Name, d.IsActive, lastSeen, d.LastValue, ms(d.CreatedAt), ms(d.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return metering.ErrDeviceExists
		}
		return wrapErr("create device", err, false)
	}
	return nil
}

func (s *Store) GetDevice(ctx context.Context, userID, deviceID string) (*device.Device, error) {
	d, err := scanDevice(s.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE user_id = ?1 AND device_id = ?2`, userID, deviceID))
	if err != nil {
		if isNoRows(err) {
			return nil, metering.ErrDeviceNotFound
		}
		return nil, wrapErr("get device", err, true)
	}
	return d, nil
}

func (s *Store) ListDevices(ctx context.Context, userID string) ([]*device.Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE user_id = ?1 ORDER BY created_at, rowid`, userID)
	if err != nil {
		return nil, wrapErr("list devices", err, true)
	}
	return collect(rows, scanDevice)
}

func (s *Store) DeleteDevice(ctx context.Context, userID, deviceID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE user_id = ?1 AND device_id = ?2`, userID, deviceID)
	if err != nil {
		return wrapErr("delete device", err, true)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return metering.ErrDeviceNotFound
	}
	return nil
}

// TouchDevice records the sighting and returns the row as it was, or nil
// when the sighting created the device.
func (s *Store) TouchDevice(ctx context.Context, sg device.Sighting) (*device.Device, error) {
	var prev *device.Device
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		d, err := scanDevice(tx.QueryRowContext(ctx,
			`SELECT `+deviceColumns+` FROM devices WHERE user_id = ?1 AND device_id = ?2`, sg.UserID, sg.DeviceID))
		if isNoRows(err) {
			if !sg.Upsert {
				return metering.ErrDeviceNotFound
			}
			_, err = tx.ExecContext(ctx, `
INSERT INTO devices (`+deviceColumns+`)
VALUES (?1, ?2, ?3, ?3, 1, ?4, ?5, ?4, ?4)`,
				id.NewDeviceID(), sg.UserID, sg.DeviceID, ms(sg.At), sg.Value,
			)
			return err
		}
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
UPDATE devices SET is_active = 1, last_seen = ?3, last_value = ?4, updated_at = ?3
WHERE user_id = ?1 AND device_id = ?2`, sg.UserID, sg.DeviceID, ms(sg.At), sg.Value)
		prev = d
		return err
	})
	if err != nil {
		if errors.Is(err, metering.ErrDeviceNotFound) {
			return nil, err
		}
		return nil, wrapErr("touch device", err, true)
	}
	return prev, nil
}

func (s *Store) MarkDevicesStale(ctx context.Context, cutoff, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE devices SET is_active = 0, updated_at = ?2
WHERE is_active = 1 AND last_seen < ?1`, ms(cutoff), ms(at))
	if err != nil {
		return 0, wrapErr("mark devices stale", err, true)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrapErr("mark devices stale", err, true)
	}
	return n, nil
}

func (s *Store) MarkDeviceStale(ctx context.Context, userID, deviceID string, cutoff, at time.Time) (bool, error) {
	var flipped bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE devices SET is_active = 0, updated_at = ?4
WHERE user_id = ?1 AND device_id = ?2 AND is_active = 1 AND last_seen < ?3`,
			userID, deviceID, ms(cutoff), ms(at))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			flipped = true
			return nil
		}

		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM devices WHERE user_id = ?1 AND device_id = ?2)`, userID, deviceID,
		).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return metering.ErrDeviceNotFound
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, metering.ErrDeviceNotFound) {
			return false, err
		}
		return false, wrapErr("mark device stale", err, true)
	}
	return flipped, nil
}

// ==================== Helpers ====================

// inTx runs fn in a transaction, committing when it returns nil.
func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback() //nolint:errcheck
		return err
	}
	return tx.Commit()
}

// limitArg maps a non-positive limit to -1, which LIMIT treats as
// unbounded.
func limitArg(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func optMS(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return ms(t)
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func sqliteCode(err error) (int, bool) {
	var se *msqlite.Error
	if !errors.As(err, &se) {
		return 0, false
	}
	return se.Code(), true
}

func isUniqueViolation(err error) bool {
	code, ok := sqliteCode(err)
	if !ok {
		return false
	}
	switch code {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	case sqlite3.SQLITE_CONSTRAINT:
		return strings.Contains(err.Error(), "UNIQUE constraint failed")
	}
	return false
}

// wrapErr annotates err with op. A busy or locked database means the
// statement did not run, so it is metering.ErrStoreUnavailable whatever
// idempotent says; a closed handle is metering.ErrStoreClosed.
func wrapErr(op string, err error, idempotent bool) error {
	if code, ok := sqliteCode(err); ok {
		switch code & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("metering/sqlite: %s: %w: %w", op, metering.ErrStoreUnavailable, err)
		}
	}
	if errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("metering/sqlite: %s: %w: %w", op, metering.ErrStoreClosed, err)
	}
	if idempotent && errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("metering/sqlite: %s: %w: %w", op, metering.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("metering/sqlite: %s: %w", op, err)
}
