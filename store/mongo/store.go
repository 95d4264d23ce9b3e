// Package mongo implements store.Store on MongoDB with the official
// mongo-driver. Quota deductions and device transitions are single
// FindOneAndUpdate/UpdateMany statements evaluated by the server.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/metering"
	"github.com/xraph/metering/alert"
	"github.com/xraph/metering/device"
	"github.com/xraph/metering/id"
	"github.com/xraph/metering/meter"
	"github.com/xraph/metering/plan"
	meteringstore "github.com/xraph/metering/store"
	"github.com/xraph/metering/subscription"
)

// Collection name constants.
const (
	colPlans         = "plans"
	colSubscriptions = "plan_subscriptions"
	colReadings      = "consumption"
	colAlerts        = "alerts"
	colDevices       = "devices"
)

// activateAttempts bounds how often ActivateSubscription retries after
// losing a race on the single-active-subscription index.
const activateAttempts = 3

// compile-time interface check
var _ meteringstore.Store = (*Store)(nil)

// Store implements store.Store using MongoDB.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

// New creates a store over an already connected client.
func New(client *mongo.Client, database string) *Store {
	return &Store{
		client: client,
		db:     client.Database(database),
	}
}

// Connect dials uri and returns a store on database.
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("metering/mongo: connect: %w", err)
	}
	s := New(client, database)
	if err := s.Ping(ctx); err != nil {
		_ = client.Disconnect(context.Background()) //nolint:errcheck // best-effort cleanup
		return nil, err
	}
	return s, nil
}

// Database returns the underlying database for direct access.
func (s *Store) Database() *mongo.Database { return s.db }

// Migrate creates indexes for all metering collections.
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if len(models) == 0 {
			continue
		}
		if _, err := s.db.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("metering/mongo: migrate %s indexes: %w", col, err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, nil); err != nil {
		return wrapErr("ping", err, true)
	}
	return nil
}

// Close disconnects the client.
func (s *Store) Close() error {
	return s.client.Disconnect(context.Background())
}

// ==================== Plan Store ====================

func (s *Store) CreatePlan(ctx context.Context, p *plan.Plan) error {
	_, err := s.db.Collection(colPlans).InsertOne(ctx, toPlanModel(p))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return metering.ErrAlreadyExists
		}
		return wrapErr("create plan", err, false)
	}
	return nil
}

func (s *Store) GetPlan(ctx context.Context, planID id.PlanID) (*plan.Plan, error) {
	return s.findPlan(ctx, bson.M{"_id": planID.String()}, "get plan")
}

func (s *Store) GetPlanByName(ctx context.Context, name string) (*plan.Plan, error) {
	return s.findPlan(ctx, bson.M{"name": name}, "get plan by name")
}

func (s *Store) findPlan(ctx context.Context, filter bson.M, op string) (*plan.Plan, error) {
	var m planModel
	err := s.db.Collection(colPlans).FindOne(ctx, filter).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, metering.ErrPlanNotFound
		}
		return nil, wrapErr(op, err, true)
	}
	return fromPlanModel(&m)
}

func (s *Store) ListPlans(ctx context.Context) ([]*plan.Plan, error) {
	var models []planModel
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if err := s.findAll(ctx, colPlans, bson.M{}, opts, &models); err != nil {
		return nil, wrapErr("list plans", err, true)
	}

	result := make([]*plan.Plan, 0, len(models))
	for i := range models {
		p, err := fromPlanModel(&models[i])
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, nil
}

// ==================== Subscription Store ====================

// ActivateSubscription deactivates the user's active subscriptions and
// inserts sub. A partial unique index on active subscriptions rejects a
// concurrent activation, in which case the sequence is repeated.
func (s *Store) ActivateSubscription(ctx context.Context, sub *subscription.Subscription) (int64, error) {
	col := s.db.Collection(colSubscriptions)
	m := toSubscriptionModel(sub)
	m.IsActive = true

	var superseded int64
	for attempt := 1; ; attempt++ {
		res, err := col.UpdateMany(ctx,
			bson.M{"user_id": sub.UserID, "is_active": true},
			bson.M{"$set": bson.M{"is_active": false, "updated_at": sub.CreatedAt}},
		)
		if err != nil {
			return superseded, wrapErr("deactivate subscriptions", err, false)
		}
		superseded += res.ModifiedCount

		_, err = col.InsertOne(ctx, m)
		if err == nil {
			return superseded, nil
		}
		if !mongo.IsDuplicateKeyError(err) {
			return superseded, wrapErr("activate subscription", err, false)
		}
		if n, cerr := col.CountDocuments(ctx, bson.M{"_id": m.ID}); cerr == nil && n > 0 {
			return superseded, metering.ErrAlreadyExists
		}
		if attempt == activateAttempts {
			return superseded, fmt.Errorf("metering/mongo: activate subscription: %w", err)
		}
	}
}

func (s *Store) GetSubscription(ctx context.Context, subID id.SubscriptionID) (*subscription.Subscription, error) {
	sub, err := s.findSubscription(ctx, bson.M{"_id": subID.String()})
	if errors.Is(err, metering.ErrNoActiveSubscription) {
		return nil, metering.ErrSubscriptionNotFound
	}
	return sub, err
}

func (s *Store) GetActiveSubscription(ctx context.Context, userID string) (*subscription.Subscription, error) {
	return s.findSubscription(ctx, bson.M{"user_id": userID, "is_active": true})
}

func (s *Store) findSubscription(ctx context.Context, filter bson.M) (*subscription.Subscription, error) {
	var m subscriptionModel
	err := s.db.Collection(colSubscriptions).FindOne(ctx, filter).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, metering.ErrNoActiveSubscription
		}
		return nil, wrapErr("get subscription", err, true)
	}
	return fromSubscriptionModel(&m)
}

func (s *Store) ListSubscriptions(ctx context.Context, userID string, opts subscription.ListOpts) ([]*subscription.Subscription, error) {
	filter := bson.M{"user_id": userID}
	if opts.ActiveOnly {
		filter["is_active"] = true
	}

	var models []subscriptionModel
	if err := s.findAll(ctx, colSubscriptions, filter, paged(bson.D{{Key: "start_date", Value: -1}}, opts.Offset, opts.Limit), &models); err != nil {
		return nil, wrapErr("list subscriptions", err, true)
	}

	result := make([]*subscription.Subscription, 0, len(models))
	for i := range models {
		sub, err := fromSubscriptionModel(&models[i])
		if err != nil {
			return nil, err
		}
		result = append(result, sub)
	}
	return result, nil
}

func (s *Store) DeactivateSubscription(ctx context.Context, subID id.SubscriptionID, at time.Time) error {
	res, err := s.db.Collection(colSubscriptions).UpdateOne(ctx,
		bson.M{"_id": subID.String()},
		bson.M{"$set": bson.M{"is_active": false, "updated_at": at}},
	)
	if err != nil {
		return wrapErr("deactivate subscription", err, true)
	}
	if res.MatchedCount == 0 {
		return metering.ErrSubscriptionNotFound
	}
	return nil
}

// DeductQuota subtracts amount from the user's active subscription in one
// server-side statement. Under PolicyFloor the update is an aggregation
// pipeline computing max(0, remaining - amount); under PolicyReject the
// filter only matches when enough quota remains.
func (s *Store) DeductQuota(ctx context.Context, userID string, amount float64, policy subscription.OverdraftPolicy, at time.Time) (*subscription.Subscription, error) {
	col := s.db.Collection(colSubscriptions)
	filter := bson.M{"user_id": userID, "is_active": true}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var update any
	if policy == subscription.PolicyReject {
		filter["remaining_quota"] = bson.M{"$gte": amount}
		update = bson.M{
			"$inc": bson.M{"remaining_quota": -amount},
			"$set": bson.M{"updated_at": at},
		}
	} else {
		update = mongo.Pipeline{
			{{Key: "$set", Value: bson.D{
				{Key: "remaining_quota", Value: bson.D{{Key: "$max", Value: bson.A{
					0.0,
					bson.D{{Key: "$subtract", Value: bson.A{"$remaining_quota", amount}}},
				}}}},
				{Key: "updated_at", Value: at},
			}}},
		}
	}

	var m subscriptionModel
	err := col.FindOneAndUpdate(ctx, filter, update, opts).Decode(&m)
	if err == nil {
		return fromSubscriptionModel(&m)
	}
	if !isNoDocuments(err) {
		return nil, wrapErr("deduct quota", err, false)
	}

	if policy == subscription.PolicyReject {
		n, cerr := col.CountDocuments(ctx, bson.M{"user_id": userID, "is_active": true})
		if cerr != nil {
			return nil, wrapErr("deduct quota", cerr, true)
		}
		if n > 0 {
			return nil, metering.ErrInsufficientQuota
		}
	}
	return nil, metering.ErrNoActiveSubscription
}

// ==================== Reading Store ====================

func (s *Store) AppendReading(ctx context.Context, r *meter.Reading) error {
	_, err := s.db.Collection(colReadings).InsertOne(ctx, toReadingModel(r))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return metering.ErrAlreadyExists
		}
		// Keyed by reading id, so a replay is detected as a duplicate.
		return wrapErr("append reading", err, true)
	}
	return nil
}

func (s *Store) QueryReadings(ctx context.Context, userID string, opts meter.QueryOpts) ([]*meter.Reading, error) {
	filter := readingsFilter(userID, opts)

	var models []readingModel
	if err := s.findAll(ctx, colReadings, filter, paged(bson.D{{Key: "timestamp", Value: -1}}, opts.Offset, opts.Limit), &models); err != nil {
		return nil, wrapErr("query readings", err, true)
	}

	result := make([]*meter.Reading, 0, len(models))
	for i := range models {
		r, err := fromReadingModel(&models[i])
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, nil
}

// readingsFilter matches the user's readings in [Start, End].
func readingsFilter(userID string, opts meter.QueryOpts) bson.M {
	filter := bson.M{"user_id": userID}
	if opts.DeviceID != "" {
		filter["device_id"] = opts.DeviceID
	}
	ts := bson.M{}
	if !opts.Start.IsZero() {
		ts["$gte"] = opts.Start
	}
	if !opts.End.IsZero() {
		ts["$lte"] = opts.End
	}
	if len(ts) > 0 {
		filter["timestamp"] = ts
	}
	return filter
}

// ==================== Alert Store ====================

func (s *Store) FindAlertSince(ctx context.Context, userID, alertType string, since time.Time) (*alert.Alert, error) {
	var m alertModel
	err := s.db.Collection(colAlerts).FindOne(ctx,
		bson.M{"user_id": userID, "alert_type": alertType, "created_at": bson.M{"$gte": since}},
		options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}}),
	).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, metering.ErrAlertNotFound
		}
		return nil, wrapErr("find alert", err, true)
	}
	return fromAlertModel(&m)
}

func (s *Store) InsertAlert(ctx context.Context, a *alert.Alert) error {
	_, err := s.db.Collection(colAlerts).InsertOne(ctx, toAlertModel(a))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return metering.ErrDuplicateAlert
		}
		// Unique per (user, type, cycle), so a replay is a duplicate.
		return wrapErr("insert alert", err, true)
	}
	return nil
}

func (s *Store) ListAlerts(ctx context.Context, userID string, opts alert.ListOpts) ([]*alert.Alert, error) {
	filter := bson.M{"user_id": userID}
	if !opts.Since.IsZero() {
		filter["created_at"] = bson.M{"$gte": opts.Since}
	}

	var models []alertModel
	if err := s.findAll(ctx, colAlerts, filter, paged(bson.D{{Key: "created_at", Value: -1}}, 0, opts.Limit), &models); err != nil {
		return nil, wrapErr("list alerts", err, true)
	}

	result := make([]*alert.Alert, 0, len(models))
	for i := range models {
		a, err := fromAlertModel(&models[i])
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, nil
}

// ==================== Device Store ====================

func (s *Store) CreateDevice(ctx context.Context, d *device.Device) error {
	_, err := s.db.Collection(colDevices).InsertOne(ctx, toDeviceModel(d))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return metering.ErrDeviceExists
		}
		return wrapErr("create device", err, false)
	}
	return nil
}

func (s *Store) GetDevice(ctx context.Context, userID, deviceID string) (*device.Device, error) {
	var m deviceModel
	err := s.db.Collection(colDevices).FindOne(ctx, deviceFilter(userID, deviceID)).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, metering.ErrDeviceNotFound
		}
		return nil, wrapErr("get device", err, true)
	}
	return fromDeviceModel(&m)
}

func (s *Store) ListDevices(ctx context.Context, userID string) ([]*device.Device, error) {
	var models []deviceModel
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if err := s.findAll(ctx, colDevices, bson.M{"user_id": userID}, opts, &models); err != nil {
		return nil, wrapErr("list devices", err, true)
	}

	result := make([]*device.Device, 0, len(models))
	for i := range models {
		d, err := fromDeviceModel(&models[i])
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, nil
}

func (s *Store) DeleteDevice(ctx context.Context, userID, deviceID string) error {
	res, err := s.db.Collection(colDevices).DeleteOne(ctx, deviceFilter(userID, deviceID))
	if err != nil {
		return wrapErr("delete device", err, true)
	}
	if res.DeletedCount == 0 {
		return metering.ErrDeviceNotFound
	}
	return nil
}

// TouchDevice marks the device online and returns its prior state. With
// Upsert the device is created through $setOnInsert; two concurrent
// upserts of a new device race on the unique (user_id, device_id) index
// and the loser is replayed as a plain update.
func (s *Store) TouchDevice(ctx context.Context, sg device.Sighting) (*device.Device, error) {
	col := s.db.Collection(colDevices)
	update := bson.M{
		"$set": bson.M{
			"is_active":  true,
			"last_seen":  sg.At,
			"last_value": sg.Value,
			"updated_at": sg.At,
		},
	}
	if sg.Upsert {
		update["$setOnInsert"] = bson.M{
			"_id":         id.NewDeviceID().String(),
			"device_name": sg.DeviceID,
			"created_at":  sg.At,
		}
	}
	opts := options.FindOneAndUpdate().
		SetUpsert(sg.Upsert).
		SetReturnDocument(options.Before)

	var m deviceModel
	err := col.FindOneAndUpdate(ctx, deviceFilter(sg.UserID, sg.DeviceID), update, opts).Decode(&m)
	if sg.Upsert && mongo.IsDuplicateKeyError(err) {
		delete(update, "$setOnInsert")
		err = col.FindOneAndUpdate(ctx, deviceFilter(sg.UserID, sg.DeviceID), update, opts.SetUpsert(false)).Decode(&m)
	}

	switch {
	case err == nil:
		return fromDeviceModel(&m)
	case isNoDocuments(err) && sg.Upsert:
		return nil, nil //nolint:nilnil // nil prior state means the device was created
	case isNoDocuments(err):
		return nil, metering.ErrDeviceNotFound
	default:
		return nil, wrapErr("touch device", err, true)
	}
}

func (s *Store) MarkDevicesStale(ctx context.Context, cutoff, at time.Time) (int64, error) {
	res, err := s.db.Collection(colDevices).UpdateMany(ctx, staleFilter(bson.M{}, cutoff), markOffline(at))
	if err != nil {
		return 0, wrapErr("mark devices stale", err, true)
	}
	return res.ModifiedCount, nil
}

func (s *Store) MarkDeviceStale(ctx context.Context, userID, deviceID string, cutoff, at time.Time) (bool, error) {
	col := s.db.Collection(colDevices)
	res, err := col.UpdateOne(ctx, staleFilter(deviceFilter(userID, deviceID), cutoff), markOffline(at))
	if err != nil {
		return false, wrapErr("mark device stale", err, true)
	}
	if res.ModifiedCount > 0 {
		return true, nil
	}

	n, err := col.CountDocuments(ctx, deviceFilter(userID, deviceID))
	if err != nil {
		return false, wrapErr("mark device stale", err, true)
	}
	if n == 0 {
		return false, metering.ErrDeviceNotFound
	}
	return false, nil
}

// ==================== Helpers ====================

func deviceFilter(userID, deviceID string) bson.M {
	return bson.M{"user_id": userID, "device_id": deviceID}
}

// staleFilter narrows filter to active devices last seen before cutoff.
// A missing last_seen never matches $lt.
func staleFilter(filter bson.M, cutoff time.Time) bson.M {
	filter["is_active"] = true
	filter["last_seen"] = bson.M{"$lt": cutoff}
	return filter
}

func markOffline(at time.Time) bson.M {
	return bson.M{"$set": bson.M{"is_active": false, "updated_at": at}}
}

func paged(sort bson.D, offset, limit int) *options.FindOptionsBuilder {
	opts := options.Find().SetSort(sort)
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	if offset > 0 {
		opts.SetSkip(int64(offset))
	}
	return opts
}

func (s *Store) findAll(ctx context.Context, col string, filter any, opts *options.FindOptionsBuilder, out any) error {
	cur, err := s.db.Collection(col).Find(ctx, filter, opts)
	if err != nil {
		return err
	}
	return cur.All(ctx, out)
}

func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// wrapErr annotates err with op. Network failures and timeouts are
// reported as metering.ErrStoreUnavailable only when idempotent is set,
// since a failed non-idempotent write may still have been applied.
func wrapErr(op string, err error, idempotent bool) error {
	switch {
	case errors.Is(err, mongo.ErrClientDisconnected):
		return fmt.Errorf("metering/mongo: %s: %w: %w", op, metering.ErrStoreClosed, err)
	case idempotent && (mongo.IsNetworkError(err) || mongo.IsTimeout(err)):
		return fmt.Errorf("metering/mongo: %s: %w: %w", op, metering.ErrStoreUnavailable, err)
	default:
		return fmt.Errorf("metering/mongo: %s: %w", op, err)
	}
}

// migrationIndexes returns the index definitions for all metering collections.
func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colPlans: {
			{
				Keys:    bson.D{{Key: "name", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		colSubscriptions: {
			{
				Keys: bson.D{{Key: "user_id", Value: 1}},
				Options: options.Index().
					SetName("one_active_per_user").
					SetUnique(true).
					SetPartialFilterExpression(bson.M{"is_active": true}),
			},
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "start_date", Value: -1}}},
		},
		colReadings: {
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "timestamp", Value: -1}}},
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "device_id", Value: 1}, {Key: "timestamp", Value: -1}}},
		},
		colAlerts: {
			{
				Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "alert_type", Value: 1}, {Key: "cycle_start", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
		},
		colDevices: {
			{
				Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "device_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "is_active", Value: 1}, {Key: "last_seen", Value: 1}}},
		},
	}
}
