package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/emads/emads/internal/models"
)

// Collection names used by the MongoDB backend.
const (
	collReadings       = "energy_data"
	collAlerts         = "alerts"
	collUsers          = "users"
	collCommunications = "communications"
	collModels         = "model_artifacts"
)

type mongoStore struct {
	client *mongo.Client
	db     *mongo.Database
	clock  clockwork.Clock
}

// NewMongoStore connects to uri, selects database and ensures indexes.
// Single-document writes are atomic; the (sensor, type, bucket) unique
// index closes the dedup race between processes for windowed upserts.
func NewMongoStore(ctx context.Context, uri, database string, opts ...Option) (Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri).SetServerSelectionTimeout(5*time.Second))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	s := &mongoStore{client: client, db: client.Database(database), clock: applyOptions(opts).clock}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ensure indexes: %w", err)
	}
	return s, nil
}

func (s *mongoStore) ensureIndexes(ctx context.Context) error {
	specs := map[string][]mongo.IndexModel{
		collReadings: {
			{Keys: bson.D{{Key: "sensor_id", Value: 1}, {Key: "ts", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		collAlerts: {
			{Keys: bson.D{{Key: "sensor_id", Value: 1}, {Key: "type", Value: 1}, {Key: "detected_at", Value: 1}}},
			{
				Keys: bson.D{{Key: "sensor_id", Value: 1}, {Key: "type", Value: 1}, {Key: "dedup_bucket", Value: 1}},
				Options: options.Index().SetUnique(true).
					SetPartialFilterExpression(bson.M{"dedup_bucket": bson.M{"$exists": true}}),
			},
		},
		collUsers: {
			{Keys: bson.D{{Key: "role", Value: 1}}},
		},
		collCommunications: {
			{Keys: bson.D{{Key: "recipient", Value: 1}, {Key: "ts", Value: -1}}},
			{
				Keys: bson.D{{Key: "alert_id", Value: 1}, {Key: "recipient", Value: 1}},
				Options: options.Index().SetUnique(true).
					SetPartialFilterExpression(bson.M{"alert_id": bson.M{"$type": "string"}}),
			},
		},
		collModels: {
			{Keys: bson.D{{Key: "kind", Value: 1}, {Key: "trained_at", Value: -1}}},
		},
	}
	for coll, idx := range specs {
		if _, err := s.db.Collection(coll).Indexes().CreateMany(ctx, idx); err != nil {
			return fmt.Errorf("%s: %w", coll, err)
		}
	}
	return nil
}

func (s *mongoStore) Close() error { return s.client.Disconnect(context.Background()) }

func (s *mongoStore) Ping(ctx context.Context) error { return s.client.Ping(ctx, nil) }

// ─── Readings ─────────────────────────────────────────────────────────────────

type readingDoc struct {
	SensorID string  `bson:"sensor_id"`
	TS       int64   `bson:"ts"`
	EnergyWh float64 `bson:"energy_wh"`
}

func (s *mongoStore) AppendReadings(ctx context.Context, readings []models.Reading) error {
	if len(readings) == 0 {
		return nil
	}
	docs := make([]interface{}, len(readings))
	for i, r := range readings {
		docs[i] = readingDoc{SensorID: r.SensorID, TS: r.Timestamp.UnixNano(), EnergyWh: r.EnergyWh}
	}
	_, err := s.db.Collection(collReadings).InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("insert readings: %w", err)
	}
	return nil
}

func (s *mongoStore) FetchReadings(ctx context.Context, sensorID string, start, end time.Time) ([]models.Reading, error) {
	filter := bson.M{"ts": bson.M{"$gte": start.UnixNano(), "$lte": end.UnixNano()}}
	if sensorID != "" {
		filter["sensor_id"] = sensorID
	}
	cur, err := s.db.Collection(collReadings).Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "ts", Value: 1}, {Key: "sensor_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []readingDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]models.Reading, len(docs))
	for i, d := range docs {
		out[i] = models.Reading{SensorID: d.SensorID, Timestamp: fromNanos(d.TS), EnergyWh: d.EnergyWh}
	}
	return out, nil
}

// ─── Alerts ───────────────────────────────────────────────────────────────────

type alertDoc struct {
	ID            string   `bson:"_id"`
	SensorID      string   `bson:"sensor_id"`
	Type          string   `bson:"type"`
	DetectedAt    int64    `bson:"detected_at"`
	LastReadingAt int64    `bson:"last_reading_at"`
	Severity      string   `bson:"severity"`
	EnergyWh      float64  `bson:"energy_wh"`
	AnomalyScore  *float64 `bson:"anomaly_score,omitempty"`
	Count         int      `bson:"count"`
	Message       string   `bson:"message"`
	Notified      bool     `bson:"notified"`
	Resolved      bool     `bson:"resolved"`
	DedupBucket   *int64   `bson:"dedup_bucket,omitempty"`
	CreatedAt     int64    `bson:"created_at"`
}

func toAlertDoc(a *models.Alert) alertDoc {
	return alertDoc{
		ID:            a.ID,
		SensorID:      a.SensorID,
		Type:          string(a.Type),
		DetectedAt:    a.DetectedAt.UnixNano(),
		LastReadingAt: a.LastReadingAt.UnixNano(),
		Severity:      string(a.Severity),
		EnergyWh:      a.EnergyWh,
		AnomalyScore:  a.AnomalyScore,
		Count:         a.Count,
		Message:       a.Message,
		Notified:      a.Notified,
		Resolved:      a.Resolved,
		CreatedAt:     a.CreatedAt.UnixNano(),
	}
}

func (d alertDoc) toAlert() *models.Alert {
	return &models.Alert{
		ID:            d.ID,
		SensorID:      d.SensorID,
		Type:          models.AlertType(d.Type),
		DetectedAt:    fromNanos(d.DetectedAt),
		LastReadingAt: fromNanos(d.LastReadingAt),
		Severity:      models.Severity(d.Severity),
		EnergyWh:      d.EnergyWh,
		AnomalyScore:  d.AnomalyScore,
		Count:         d.Count,
		Message:       d.Message,
		Notified:      d.Notified,
		Resolved:      d.Resolved,
		CreatedAt:     fromNanos(d.CreatedAt),
	}
}

func alertFilterDoc(f AlertFilter) bson.M {
	filter := bson.M{}
	if f.SensorID != nil {
		filter["sensor_id"] = *f.SensorID
	}
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		filter["type"] = bson.M{"$in": types}
	}
	detected := bson.M{}
	if !f.From.IsZero() {
		detected["$gte"] = f.From.UnixNano()
	}
	if !f.To.IsZero() {
		detected["$lte"] = f.To.UnixNano()
	}
	if !f.Before.IsZero() {
		detected["$lt"] = f.Before.UnixNano()
	}
	if len(detected) > 0 {
		filter["detected_at"] = detected
	}
	if !f.ActiveFrom.IsZero() {
		from := f.ActiveFrom.UnixNano()
		filter["$or"] = bson.A{
			bson.M{"detected_at": bson.M{"$gte": from}},
			bson.M{"last_reading_at": bson.M{"$gte": from}},
		}
	}
	if f.Notified != nil {
		filter["notified"] = *f.Notified
	}
	if f.Resolved != nil {
		filter["resolved"] = *f.Resolved
	}
	return filter
}

func (s *mongoStore) InsertAlert(ctx context.Context, a *models.Alert) (string, error) {
	prepareAlert(a, s.clock)
	if _, err := s.db.Collection(collAlerts).InsertOne(ctx, toAlertDoc(a)); err != nil {
		return "", fmt.Errorf("insert alert: %w", err)
	}
	return a.ID, nil
}

func (s *mongoStore) GetAlert(ctx context.Context, id string) (*models.Alert, error) {
	var doc alertDoc
	err := s.db.Collection(collAlerts).FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return doc.toAlert(), nil
}

func (s *mongoStore) FindAlerts(ctx context.Context, f AlertFilter) ([]*models.Alert, error) {
	opts := options.Find().SetSort(bson.D{{Key: "detected_at", Value: -1}, {Key: "created_at", Value: -1}})
	if f.Limit > 0 {
		opts.SetLimit(int64(f.Limit)).SetSkip(int64(f.Offset))
	}
	cur, err := s.db.Collection(collAlerts).Find(ctx, alertFilterDoc(f), opts)
	if err != nil {
		return nil, err
	}
	var docs []alertDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]*models.Alert, len(docs))
	for i, d := range docs {
		out[i] = d.toAlert()
	}
	return out, nil
}

func (s *mongoStore) UpdateAlert(ctx context.Context, id string, p AlertPatch) error {
	set := bson.M{}
	if p.Notified != nil {
		set["notified"] = *p.Notified
	}
	if p.Resolved != nil {
		set["resolved"] = *p.Resolved
	}
	grow := bson.M{}
	if p.LastReadingAt != nil {
		grow["last_reading_at"] = p.LastReadingAt.UnixNano()
	}
	if p.Count != nil {
		grow["count"] = *p.Count
	}
	update := bson.M{}
	if len(set) > 0 {
		update["$set"] = set
	}
	if len(grow) > 0 {
		update["$max"] = grow
	}
	if len(update) == 0 {
		_, err := s.GetAlert(ctx, id)
		return err
	}
	res, err := s.db.Collection(collAlerts).UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("update alert: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *mongoStore) MarkAlertNotified(ctx context.Context, id string) (bool, error) {
	res, err := s.db.Collection(collAlerts).UpdateOne(ctx,
		bson.M{"_id": id, "notified": false}, bson.M{"$set": bson.M{"notified": true}})
	if err != nil {
		return false, fmt.Errorf("mark notified: %w", err)
	}
	if res.ModifiedCount == 1 {
		return true, nil
	}
	if _, err := s.GetAlert(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *mongoStore) DeleteAlerts(ctx context.Context, f AlertFilter) (int64, error) {
	res, err := s.db.Collection(collAlerts).DeleteMany(ctx, alertFilterDoc(f))
	if err != nil {
		return 0, fmt.Errorf("delete alerts: %w", err)
	}
	return res.DeletedCount, nil
}

func (s *mongoStore) UpsertIfAbsent(ctx context.Context, a *models.Alert, window time.Duration) (*models.Alert, bool, error) {
	prepareAlert(a, s.clock)
	coll := s.db.Collection(collAlerts)

	cand := a.DetectedAt.UnixNano()
	filter := bson.M{"sensor_id": a.SensorID, "type": string(a.Type)}
	if window > 0 {
		filter["detected_at"] = bson.M{"$gt": cand - int64(window), "$lt": cand + int64(window)}
	} else {
		filter["detected_at"] = bson.M{"$gte": cand}
	}

	var existing alertDoc
	err := coll.FindOne(ctx, filter, options.FindOne().SetSort(bson.D{{Key: "detected_at", Value: 1}})).Decode(&existing)
	if err == nil {
		return existing.toAlert(), false, nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, fmt.Errorf("dedup lookup: %w", err)
	}

	doc := toAlertDoc(a)
	doc.DedupBucket = dedupBucket(a.DetectedAt, window)
	if _, err := coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, false, fmt.Errorf("upsert alert: %w", ErrConflict)
		}
		return nil, false, fmt.Errorf("upsert alert: %w", err)
	}
	stored := *a
	return &stored, true, nil
}

// ─── Users ────────────────────────────────────────────────────────────────────

type userDoc struct {
	Username    string          `bson:"_id"`
	Email       string          `bson:"email"`
	Role        string          `bson:"role"`
	Preferences map[string]bool `bson:"preferences,omitempty"`
}

func (s *mongoStore) SaveUser(ctx context.Context, u *models.User) error {
	doc := userDoc{Username: u.Username, Email: u.Email, Role: u.Role, Preferences: u.Preferences}
	_, err := s.db.Collection(collUsers).ReplaceOne(ctx, bson.M{"_id": u.Username}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("save user: %w", err)
	}
	return nil
}

func (s *mongoStore) FindUsers(ctx context.Context, roles ...string) ([]*models.User, error) {
	filter := bson.M{}
	if len(roles) > 0 {
		filter["role"] = bson.M{"$in": roles}
	}
	cur, err := s.db.Collection(collUsers).Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []userDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]*models.User, len(docs))
	for i, d := range docs {
		out[i] = &models.User{Username: d.Username, Email: d.Email, Role: d.Role, Preferences: d.Preferences}
	}
	return out, nil
}

// ─── Communications ───────────────────────────────────────────────────────────

type communicationDoc struct {
	ID        string `bson:"_id"`
	Recipient string `bson:"recipient"`
	AlertID   string `bson:"alert_id,omitempty"`
	Title     string `bson:"title"`
	Message   string `bson:"message"`
	TS        int64  `bson:"ts"`
	Read      bool   `bson:"read"`
}

func (s *mongoStore) InsertCommunication(ctx context.Context, c *models.Communication) (bool, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = s.clock.Now().UTC()
	}
	doc := communicationDoc{
		ID:        c.ID,
		Recipient: c.Recipient,
		AlertID:   c.AlertID,
		Title:     c.Title,
		Message:   c.Message,
		TS:        c.Timestamp.UnixNano(),
		Read:      c.Read,
	}
	if _, err := s.db.Collection(collCommunications).InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, fmt.Errorf("insert communication: %w", err)
	}
	return true, nil
}

func (s *mongoStore) ListCommunications(ctx context.Context, recipient string, unreadOnly bool) ([]*models.Communication, error) {
	filter := bson.M{"recipient": recipient}
	if unreadOnly {
		filter["read"] = false
	}
	cur, err := s.db.Collection(collCommunications).Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "ts", Value: -1}}))
	if err != nil {
		return nil, err
	}
	var docs []communicationDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]*models.Communication, len(docs))
	for i, d := range docs {
		out[i] = &models.Communication{
			ID:        d.ID,
			Recipient: d.Recipient,
			AlertID:   d.AlertID,
			Title:     d.Title,
			Message:   d.Message,
			Timestamp: fromNanos(d.TS),
			Read:      d.Read,
		}
	}
	return out, nil
}

func (s *mongoStore) MarkCommunicationRead(ctx context.Context, id, recipient string) error {
	res, err := s.db.Collection(collCommunications).UpdateOne(ctx,
		bson.M{"_id": id, "recipient": recipient}, bson.M{"$set": bson.M{"read": true}})
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// ─── Model artifacts ──────────────────────────────────────────────────────────

type modelDoc struct {
	Kind      string `bson:"kind"`
	Version   string `bson:"version"`
	TrainedAt int64  `bson:"trained_at"`
	Params    string `bson:"params"`
	Payload   []byte `bson:"payload"`
}

func (s *mongoStore) SaveModel(ctx context.Context, m *models.ModelArtifact) error {
	doc := modelDoc{Kind: m.Kind, Version: m.Version, TrainedAt: m.TrainedAt.UnixNano(), Params: m.Params, Payload: m.Payload}
	_, err := s.db.Collection(collModels).ReplaceOne(ctx,
		bson.M{"kind": m.Kind, "version": m.Version}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("save model: %w", err)
	}
	return nil
}

func (s *mongoStore) LoadModel(ctx context.Context, kind string) (*models.ModelArtifact, error) {
	var doc modelDoc
	err := s.db.Collection(collModels).FindOne(ctx, bson.M{"kind": kind},
		options.FindOne().SetSort(bson.D{{Key: "trained_at", Value: -1}})).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &models.ModelArtifact{
		Kind:      doc.Kind,
		Version:   doc.Version,
		TrainedAt: fromNanos(doc.TrainedAt),
		Params:    doc.Params,
		Payload:   doc.Payload,
	}, nil
}
