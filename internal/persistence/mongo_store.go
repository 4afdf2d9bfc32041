package persistence

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/flowtx/pkg/api"
)

// MongoRunStore is a RunStore backed by a MongoDB collection.
type MongoRunStore struct {
	coll    *mongo.Collection
	timeout time.Duration
}

// Ensure it implements RunStore.
var _ RunStore = (*MongoRunStore)(nil)

// NewMongoRunStore creates a Mongo-backed run store.
// dbName defaults to "flowtx" if empty, collName defaults to "runs".
func NewMongoRunStore(client *mongo.Client, dbName, collName string) *MongoRunStore {
	if dbName == "" {
		dbName = "flowtx"
	}
	if collName == "" {
		collName = "runs"
	}

	return &MongoRunStore{
		coll:    client.Database(dbName).Collection(collName),
		timeout: 5 * time.Second,
	}
}

type mongoRunDoc struct {
	ID          string `bson:"_id"`
	Workflow    string `bson:"workflow"`
	Status      string `bson:"status"`
	FailingStep string `bson:"failing_step,omitempty"`
	ErrorClass  string `bson:"error_class,omitempty"`
	Error       string `bson:"error,omitempty"`
	StartedAt   int64  `bson:"started_at"`
	DurationNs  int64  `bson:"duration_ns"`
	Data        []byte `bson:"data,omitempty"`
}

func (d *mongoRunDoc) record() (*api.RunRecord, error) {
	rec := &api.RunRecord{
		ID:          d.ID,
		Workflow:    d.Workflow,
		Status:      api.Status(d.Status),
		FailingStep: d.FailingStep,
		ErrorClass:  api.ErrorClass(d.ErrorClass),
		Error:       d.Error,
		StartedAt:   fromUnixNano(d.StartedAt),
		Duration:    time.Duration(d.DurationNs),
	}
	if err := decodeRunData(d.Data, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *MongoRunStore) SaveRun(ctx context.Context, rec *api.RunRecord) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	data, err := encodeRunData(rec)
	if err != nil {
		return err
	}

	doc := mongoRunDoc{
		ID:          rec.ID,
		Workflow:    rec.Workflow,
		Status:      string(rec.Status),
		FailingStep: rec.FailingStep,
		ErrorClass:  string(rec.ErrorClass),
		Error:       rec.Error,
		StartedAt:   unixNano(rec.StartedAt),
		DurationNs:  int64(rec.Duration),
		Data:        data,
	}

	_, err = s.coll.ReplaceOne(ctx, bson.M{"_id": rec.ID}, doc, options.Replace().SetUpsert(true))
	return err
}

func (s *MongoRunStore) GetRun(ctx context.Context, id string) (*api.RunRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var doc mongoRunDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return doc.record()
}

func (s *MongoRunStore) ListRuns(ctx context.Context, filter RunFilter) ([]*api.RunRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := bson.M{}
	if filter.Workflow != "" {
		query["workflow"] = filter.Workflow
	}
	if filter.Status != "" {
		query["status"] = string(filter.Status)
	}

	opts := options.Find().SetSort(bson.D{{Key: "started_at", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.coll.Find(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var runs []*api.RunRecord
	for cur.Next(ctx) {
		var doc mongoRunDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		rec, err := doc.record()
		if err != nil {
			return nil, err
		}
		runs = append(runs, rec)
	}
	return runs, cur.Err()
}
