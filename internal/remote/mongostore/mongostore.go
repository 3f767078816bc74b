// Package mongostore implements remote.Store on MongoDB. A document path
// "a/b/c/id" maps to collection "a.b.c" and _id "id".
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/hsvp/farmacontrol/backend/internal/logging"
	"github.com/hsvp/farmacontrol/backend/internal/remote"
)

// Store is a remote.Store backed by a MongoDB database.
type Store struct {
	db *mongo.Database
}

// New wraps an opened database.
func New(db *mongo.Database) *Store {
	return &Store{db: db}
}

// Connect opens a client for uri, verifies it with a ping and returns a Store on dbName.
func Connect(ctx context.Context, uri, dbName string) (*Store, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	logging.Info("connected to MongoDB", map[string]interface{}{"database": dbName})
	return New(client.Database(dbName)), nil
}

// Close disconnects the underlying client.
func (s *Store) Close(ctx context.Context) error {
	return s.db.Client().Disconnect(ctx)
}

// collectionName maps a slash-separated collection path to a MongoDB collection name.
func collectionName(path string) string {
	return strings.ReplaceAll(strings.Trim(path, "/"), "/", ".")
}

func (s *Store) locate(path string) (*mongo.Collection, string, error) {
	coll, id, err := remote.SplitPath(path)
	if err != nil {
		return nil, "", err
	}
	return s.db.Collection(collectionName(coll)), id, nil
}

// GetDocument reads the document at path.
func (s *Store) GetDocument(ctx context.Context, path string) (remote.Document, bool, error) {
	coll, id, err := s.locate(path)
	if err != nil {
		return nil, false, err
	}
	var raw bson.M
	err = coll.FindOne(ctx, bson.M{"_id": id}).Decode(&raw)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", path, err)
	}
	return fromBSON(raw), true, nil
}

// SetDocument writes data at path. A merge write updates only the given
// fields and removes fields set to remote.DeleteField.
func (s *Store) SetDocument(ctx context.Context, path string, data remote.Document, merge bool) error {
	coll, id, err := s.locate(path)
	if err != nil {
		return err
	}
	filter := bson.M{"_id": id}
	if !merge {
		_, err = coll.ReplaceOne(ctx, filter, replacement(data), options.Replace().SetUpsert(true))
	} else if update := mergeUpdate(data); update != nil {
		_, err = coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	} else {
		_, err = coll.UpdateOne(ctx, filter, bson.M{"$setOnInsert": bson.M{"_id": id}}, options.Update().SetUpsert(true))
	}
	if err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	return nil
}

// DeleteDocument removes the document at path.
func (s *Store) DeleteDocument(ctx context.Context, path string) error {
	coll, id, err := s.locate(path)
	if err != nil {
		return err
	}
	if _, err := coll.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

// ListDocuments runs q against its collection.
func (s *Store) ListDocuments(ctx context.Context, q remote.Query) ([]remote.Snapshot, error) {
	coll := s.db.Collection(collectionName(q.Collection))
	opts := options.Find().SetSort(listSort(q))
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}
	cur, err := coll.Find(ctx, listFilter(q), opts)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", q.Collection, err)
	}
	defer cur.Close(ctx)

	var out []remote.Snapshot
	for cur.Next(ctx) {
		var raw bson.M
		if err := cur.Decode(&raw); err != nil {
			return nil, fmt.Errorf("decode %s: %w", q.Collection, err)
		}
		out = append(out, remote.Snapshot{ID: fmt.Sprint(raw["_id"]), Data: fromBSON(raw)})
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("list %s: %w", q.Collection, err)
	}
	return out, nil
}

// BatchWrite applies ops with one ordered bulk write per collection, in the
// order collections first appear in ops. MongoDB without a replica set has no
// cross-collection transactions, so a failure can leave earlier collections applied.
func (s *Store) BatchWrite(ctx context.Context, ops []remote.WriteOp) error {
	if len(ops) > remote.MaxBatchWrites {
		return fmt.Errorf("batch of %d writes exceeds %d", len(ops), remote.MaxBatchWrites)
	}
	groups, order, err := groupWrites(ops)
	if err != nil {
		return err
	}
	for _, name := range order {
		_, err := s.db.Collection(name).BulkWrite(ctx, groups[name], options.BulkWrite().SetOrdered(true))
		if err != nil {
			return fmt.Errorf("batch write %s: %w", name, err)
		}
	}
	return nil
}

// Ping checks the primary is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Client().Ping(ctx, readpref.Primary())
}

func groupWrites(ops []remote.WriteOp) (map[string][]mongo.WriteModel, []string, error) {
	groups := make(map[string][]mongo.WriteModel)
	var order []string
	for _, op := range ops {
		coll, id, err := remote.SplitPath(op.Path)
		if err != nil {
			return nil, nil, err
		}
		name := collectionName(coll)
		if _, seen := groups[name]; !seen {
			order = append(order, name)
		}
		filter := bson.M{"_id": id}
		var model mongo.WriteModel
		switch {
		case op.Kind == remote.WriteDelete:
			model = mongo.NewDeleteOneModel().SetFilter(filter)
		case !op.Merge:
			model = mongo.NewReplaceOneModel().SetFilter(filter).SetReplacement(replacement(op.Data)).SetUpsert(true)
		default:
			update := mergeUpdate(op.Data)
			if update == nil {
				update = bson.M{"$setOnInsert": bson.M{"_id": id}}
			}
			model = mongo.NewUpdateOneModel().SetFilter(filter).SetUpdate(update).SetUpsert(true)
		}
		groups[name] = append(groups[name], model)
	}
	return groups, order, nil
}

// replacement drops DeleteField values and the reserved _id key.
func replacement(data remote.Document) bson.M {
	out := bson.M{}
	for k, v := range data {
		if k == "_id" || remote.IsDeleteField(v) {
			continue
		}
		out[k] = v
	}
	return out
}

// mergeUpdate builds a $set/$unset update, or nil when data changes nothing.
func mergeUpdate(data remote.Document) bson.M {
	set := bson.M{}
	unset := bson.M{}
	for k, v := range data {
		if k == "_id" {
			continue
		}
		if remote.IsDeleteField(v) {
			unset[k] = ""
			continue
		}
		set[k] = v
	}
	update := bson.M{}
	if len(set) > 0 {
		update["$set"] = set
	}
	if len(unset) > 0 {
		update["$unset"] = unset
	}
	if len(update) == 0 {
		return nil
	}
	return update
}

func listSort(q remote.Query) bson.D {
	dir := 1
	if q.Direction == remote.Desc {
		dir = -1
	}
	if q.OrderBy == "" {
		return bson.D{{Key: "_id", Value: dir}}
	}
	return bson.D{{Key: q.OrderBy, Value: dir}, {Key: "_id", Value: dir}}
}

func listFilter(q remote.Query) bson.M {
	cmp := "$gt"
	if q.Direction == remote.Desc {
		cmp = "$lt"
	}
	if q.OrderBy == "" {
		if q.StartAfter == nil {
			return bson.M{}
		}
		return bson.M{"_id": bson.M{cmp: q.StartAfter.ID}}
	}
	exists := bson.M{q.OrderBy: bson.M{"$exists": true}}
	if q.StartAfter == nil {
		return exists
	}
	after := bson.M{"$or": bson.A{
		bson.M{q.OrderBy: bson.M{cmp: q.StartAfter.Value}},
		bson.M{q.OrderBy: q.StartAfter.Value, "_id": bson.M{cmp: q.StartAfter.ID}},
	}}
	return bson.M{"$and": bson.A{exists, after}}
}

// fromBSON converts a decoded document into plain Go values and drops _id.
func fromBSON(raw bson.M) remote.Document {
	out := make(remote.Document, len(raw))
	for k, v := range raw {
		if k == "_id" {
			continue
		}
		out[k] = plain(v)
	}
	return out
}

func plain(v interface{}) interface{} {
	switch t := v.(type) {
	case bson.M:
		m := make(map[string]interface{}, len(t))
		for k, x := range t {
			m[k] = plain(x)
		}
		return m
	case bson.D:
		m := make(map[string]interface{}, len(t))
		for _, e := range t {
			m[e.Key] = plain(e.Value)
		}
		return m
	case bson.A:
		out := make([]interface{}, len(t))
		for i, x := range t {
			out[i] = plain(x)
		}
		return out
	case primitive.DateTime:
		return int64(t)
	case int32:
		return int64(t)
	}
	return v
}
