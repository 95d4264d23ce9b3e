// Package postgres implements store.Store on PostgreSQL with pgx. Quota
// deductions are a single conditional UPDATE ... RETURNING; the schema is
// managed with goose migrations embedded in the package.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xraph/metering"
	"github.com/xraph/metering/alert"
	"github.com/xraph/metering/device"
	"github.com/xraph/metering/id"
	"github.com/xraph/metering/meter"
	"github.com/xraph/metering/plan"
	meteringstore "github.com/xraph/metering/store"
	"github.com/xraph/metering/subscription"
)

// uniqueViolation is the SQLSTATE for unique constraint violations.
const uniqueViolation = "23505"

// compile-time interface check
var _ meteringstore.Store = (*Store)(nil)

// Store implements store.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a store over an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Connect opens a pool for dsn and returns a store on it.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("metering/postgres: connect: %w", err)
	}
	s := New(pool)
	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Pool returns the underlying pgx pool for direct access.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Migrate applies the embedded goose migrations.
func (s *Store) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.pool)
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return wrapErr("ping", err, true)
	}
	return nil
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// ==================== Plan Store ====================

const planColumns = `id, name, description, total_quota, duration_days, created_at, updated_at`

func (s *Store) CreatePlan(ctx context.Context, p *plan.Plan) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO plans (`+planColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		p.ID, p.Name, p.Description, p.TotalQuota, p.DurationDays, p.CreatedAt, p.UpdatedAt,
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
	return s.getPlan(ctx, `SELECT `+planColumns+` FROM plans WHERE id = $1`, planID)
}

func (s *Store) GetPlanByName(ctx context.Context, name string) (*plan.Plan, error) {
	return s.getPlan(ctx, `SELECT `+planColumns+` FROM plans WHERE name = $1`, name)
}

func (s *Store) getPlan(ctx context.Context, q string, arg any) (*plan.Plan, error) {
	p, err := scanPlan(s.pool.QueryRow(ctx, q, arg))
	if err != nil {
		if isNoRows(err) {
			return nil, metering.ErrPlanNotFound
		}
		return nil, wrapErr("get plan", err, true)
	}
	return p, nil
}

func (s *Store) ListPlans(ctx context.Context) ([]*plan.Plan, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+planColumns+` FROM plans ORDER BY created_at`)
	if err != nil {
		return nil, wrapErr("list plans", err, true)
	}
	return collect(rows, scanPlan)
}

// ==================== Subscription Store ====================

const subscriptionColumns = `id, user_id, plan_id, plan_name, start_date, end_date,
	total_quota, remaining_quota, is_active, created_at, updated_at`

// ActivateSubscription supersedes the user's active subscriptions and
// inserts sub in one transaction. A transaction-scoped advisory lock on
// the user serializes concurrent activations.
func (s *Store) ActivateSubscription(ctx context.Context, sub *subscription.Subscription) (int64, error) {
	var superseded int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, sub.UserID); err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `
UPDATE plan_subscriptions SET is_active = FALSE, updated_at = $2
WHERE user_id = $1 AND is_active`, sub.UserID, sub.CreatedAt)
		if err != nil {
			return err
		}
		superseded = tag.RowsAffected()

		_, err = tx.Exec(ctx, `
INSERT INTO plan_subscriptions (`+subscriptionColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, TRUE, $9, $10)`,
			sub.ID, sub.UserID, sub.PlanID, sub.PlanName, sub.StartDate, sub.EndDate,
			sub.TotalQuota, sub.RemainingQuota, sub.CreatedAt, sub.UpdatedAt,
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
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM plan_subscriptions WHERE id = $1`, subID))
	if err != nil {
		if isNoRows(err) {
			return nil, metering.ErrSubscriptionNotFound
		}
		return nil, wrapErr("get subscription", err, true)
	}
	return sub, nil
}

func (s *Store) GetActiveSubscription(ctx context.Context, userID string) (*subscription.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM plan_subscriptions WHERE user_id = $1 AND is_active`, userID))
	if err != nil {
		if isNoRows(err) {
			return nil, metering.ErrNoActiveSubscription
		}
		return nil, wrapErr("get active subscription", err, true)
	}
	return sub, nil
}

func (s *Store) ListSubscriptions(ctx context.Context, userID string, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+subscriptionColumns+` FROM plan_subscriptions
WHERE user_id = $1 AND (NOT $2 OR is_active)
ORDER BY start_date DESC
LIMIT $3 OFFSET $4`, userID, opts.ActiveOnly, limitArg(opts.Limit), opts.Offset)
	if err != nil {
		return nil, wrapErr("list subscriptions", err, true)
	}
	return collect(rows, scanSubscription)
}

func (s *Store) DeactivateSubscription(ctx context.Context, subID id.SubscriptionID, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE plan_subscriptions SET is_active = FALSE, updated_at = $2 WHERE id = $1`, subID, at)
	if err != nil {
		return wrapErr("deactivate subscription", err, true)
	}
	if tag.RowsAffected() == 0 {
		return metering.ErrSubscriptionNotFound
	}
	return nil
}

// DeductQuota runs a single UPDATE ... RETURNING. PolicyFloor clamps with
// GREATEST; PolicyReject only matches rows with enough quota left.
func (s *Store) DeductQuota(ctx context.Context, userID string, amount float64, policy subscription.OverdraftPolicy, at time.Time) (*subscription.Subscription, error) {
	q := `
UPDATE plan_subscriptions
SET remaining_quota = GREATEST(0, remaining_quota - $2), updated_at = $3
WHERE user_id = $1 AND is_active
RETURNING ` + subscriptionColumns
	if policy == subscription.PolicyReject {
		q = `
UPDATE plan_subscriptions
SET remaining_quota = remaining_quota - $2, updated_at = $3
WHERE user_id = $1 AND is_active AND remaining_quota >= $2
RETURNING ` + subscriptionColumns
	}

	sub, err := scanSubscription(s.pool.QueryRow(ctx, q, userID, amount, at))
	if err == nil {
		return sub, nil
	}
	if !isNoRows(err) {
		return nil, wrapErr("deduct quota", err, false)
	}

	if policy == subscription.PolicyReject {
		var active bool
		err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM plan_subscriptions WHERE user_id = $1 AND is_active)`, userID,
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
	_, err := s.pool.Exec(ctx, `
INSERT INTO consumption (`+readingColumns+`)
VALUES ($1, $2, $3, $4, $5, $6)`,
		r.ID, r.UserID, r.DeviceID, r.Value, r.Timestamp, r.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return metering.ErrAlreadyExists
		}
		// Keyed by reading id, so a replay is detected as a duplicate.
		return wrapErr("append reading", err, true)
	}
	return nil
}

func (s *Store) QueryReadings(ctx context.Context, userID string, opts meter.QueryOpts) ([]*meter.Reading, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+readingColumns+` FROM consumption
WHERE user_id = $1
  AND ($2 = '' OR device_id = $2)
  AND ($3::timestamptz IS NULL OR recorded_at >= $3)
  AND ($4::timestamptz IS NULL OR recorded_at <= $4)
ORDER BY recorded_at DESC
LIMIT $5 OFFSET $6`,
		userID, opts.DeviceID, optTime(opts.Start), optTime(opts.End), limitArg(opts.Limit), opts.Offset,
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
	a, err := scanAlert(s.pool.QueryRow(ctx, `
SELECT `+alertColumns+` FROM alerts
WHERE user_id = $1 AND alert_type = $2 AND created_at >= $3
ORDER BY created_at DESC
LIMIT 1`, userID, alertType, since))
	if err != nil {
		if isNoRows(err) {
			return nil, metering.ErrAlertNotFound
		}
		return nil, wrapErr("find alert", err, true)
	}
	return a, nil
}

func (s *Store) InsertAlert(ctx context.Context, a *alert.Alert) error {
	tag, err := s.pool.Exec(ctx, `
INSERT INTO alerts (`+alertColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT ON CONSTRAINT alerts_once_per_cycle DO NOTHING`,
		a.ID, a.UserID, a.SubscriptionID, a.Type, a.Message, a.Threshold,
		a.UsagePercentage, a.CycleStart, a.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return metering.ErrDuplicateAlert
		}
		// Unique per (user, type, cycle), so a replay is a duplicate.
		return wrapErr("insert alert", err, true)
	}
	if tag.RowsAffected() == 0 {
		return metering.ErrDuplicateAlert
	}
	return nil
}

func (s *Store) ListAlerts(ctx context.Context, userID string, opts alert.ListOpts) ([]*alert.Alert, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+alertColumns+` FROM alerts
WHERE user_id = $1 AND ($2::timestamptz IS NULL OR created_at >= $2)
ORDER BY created_at DESC
LIMIT $3`, userID, optTime(opts.Since), limitArg(opts.Limit))
	if err != nil {
		return nil, wrapErr("list alerts", err, true)
	}
	return collect(rows, scanAlert)
}

// ==================== Device Store ====================

const deviceColumns = `id, user_id, device_id, device_name, is_active, last_seen,
	last_value, created_at, updated_at`

func (s *Store) CreateDevice(ctx context.Context, d *device.Device) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO devices (`+deviceColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		d.ID, d.UserID, d.DeviceID, d.Name, d.IsActive, d.LastSeen, d.LastValue, d.CreatedAt, d.UpdatedAt,
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
	d, err := scanDevice(s.pool.QueryRow(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE user_id = $1 AND device_id = $2`, userID, deviceID))
	if err != nil {
		if isNoRows(err) {
			return nil, metering.ErrDeviceNotFound
		}
		return nil, wrapErr("get device", err, true)
	}
	return d, nil
}

func (s *Store) ListDevices(ctx context.Context, userID string) ([]*device.Device, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, wrapErr("list devices", err, true)
	}
	return collect(rows, scanDevice)
}

func (s *Store) DeleteDevice(ctx context.Context, userID, deviceID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM devices WHERE user_id = $1 AND device_id = $2`, userID, deviceID)
	if err != nil {
		return wrapErr("delete device", err, true)
	}
	if tag.RowsAffected() == 0 {
		return metering.ErrDeviceNotFound
	}
	return nil
}

// TouchDevice locks the device row, records the sighting and returns the
// row as it was. An unknown device is inserted when sg.Upsert is set; a
// concurrent insert of the same device makes ON CONFLICT wait for it, after
// which the row is locked and updated like any other.
func (s *Store) TouchDevice(ctx context.Context, sg device.Sighting) (*device.Device, error) {
	var prev *device.Device
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		lock := func() (*device.Device, error) {
			return scanDevice(tx.QueryRow(ctx, `
SELECT `+deviceColumns+` FROM devices
WHERE user_id = $1 AND device_id = $2
FOR UPDATE`, sg.UserID, sg.DeviceID))
		}

		d, err := lock()
		if isNoRows(err) {
			if !sg.Upsert {
				return metering.ErrDeviceNotFound
			}
			tag, ierr := tx.Exec(ctx, `
INSERT INTO devices (`+deviceColumns+`)
VALUES ($1, $2, $3, $3, TRUE, $4, $5, $4, $4)
ON CONFLICT ON CONSTRAINT devices_user_device DO NOTHING`,
				id.NewDeviceID(), sg.UserID, sg.DeviceID, sg.At, sg.Value,
			)
			if ierr != nil {
				return ierr
			}
			if tag.RowsAffected() == 1 {
				return nil
			}
			d, err = lock()
		}
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
UPDATE devices SET is_active = TRUE, last_seen = $3, last_value = $4, updated_at = $3
WHERE user_id = $1 AND device_id = $2`, sg.UserID, sg.DeviceID, sg.At, sg.Value)
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
	tag, err := s.pool.Exec(ctx, `
UPDATE devices SET is_active = FALSE, updated_at = $2
WHERE is_active AND last_seen < $1`, cutoff, at)
	if err != nil {
		return 0, wrapErr("mark devices stale", err, true)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) MarkDeviceStale(ctx context.Context, userID, deviceID string, cutoff, at time.Time) (bool, error) {
	var flipped bool
	err := s.pool.QueryRow(ctx, `
WITH target AS (
    SELECT id FROM devices WHERE user_id = $1 AND device_id = $2
), flipped AS (
    UPDATE devices SET is_active = FALSE, updated_at = $4
    WHERE id IN (SELECT id FROM target) AND is_active AND last_seen < $3
    RETURNING id
)
SELECT EXISTS (SELECT 1 FROM flipped) FROM target`, userID, deviceID, cutoff, at).Scan(&flipped)
	if err != nil {
		if isNoRows(err) {
			return false, metering.ErrDeviceNotFound
		}
		return false, wrapErr("mark device stale", err, true)
	}
	return flipped, nil
}

// ==================== Helpers ====================

// limitArg maps a non-positive limit to NULL, which LIMIT treats as
// unbounded.
func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

func optTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// wrapErr annotates err with op. Errors pgconn reports as safe to retry
// (the statement never reached the server) are metering.ErrStoreUnavailable;
// timeouts are too when idempotent is set.
func wrapErr(op string, err error, idempotent bool) error {
	if pgconn.SafeToRetry(err) || (idempotent && pgconn.Timeout(err)) {
		return fmt.Errorf("metering/postgres: %s: %w: %w", op, metering.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("metering/postgres: %s: %w", op, err)
}
