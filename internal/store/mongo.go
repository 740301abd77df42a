package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/fmcg/dimpipe/internal/table"
)

// MongoStore implements Store on MongoDB. A catalog maps to a database and
// a table to the collection {layer}.{table}. Writes run in multi-document
// transactions, so the deployment must be a replica set.
type MongoStore struct {
	client *mongo.Client
	now    func() time.Time
}

const (
	mongoSchemas    = "_schemas"
	mongoTables     = "_tables"
	mongoHistory    = "_table_history"
	mongoChangeFeed = "_change_feed"
)

type mongoMeta struct {
	ID         string       `bson:"_id"`
	Schema     table.Schema `bson:"schema"`
	ChangeFeed bool         `bson:"change_feed"`
	Version    int64        `bson:"version"`
}

type mongoHistoryDoc struct {
	Table        string `bson:"table"`
	HistoryEntry `bson:",inline"`
}

type mongoChangeDoc struct {
	Table   string    `bson:"table"`
	Version int64     `bson:"version"`
	Seq     int       `bson:"seq"`
	Type    string    `bson:"change_type"`
	TS      time.Time `bson:"ts"`
	Row     bson.M    `bson:"row"`
}

// NewMongoStore connects to MongoDB and verifies the connection.
func NewMongoStore(ctx context.Context, connectionString string) (*MongoStore, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(connectionString))
	if err != nil {
		return nil, fmt.Errorf("connecting to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		return nil, fmt.Errorf("pinging MongoDB: %w", err)
	}
	return &MongoStore{client: client, now: time.Now}, nil
}

func collectionName(name table.Name) string {
	return name.Layer + "." + name.Table
}

func (s *MongoStore) db(name table.Name) *mongo.Database {
	return s.client.Database(name.Catalog)
}

func (s *MongoStore) Bootstrap(ctx context.Context, catalog string, layers []string) error {
	coll := s.client.Database(catalog).Collection(mongoSchemas)
	for _, l := range layers {
		_, err := coll.UpdateOne(ctx,
			bson.D{{Key: "_id", Value: l}},
			bson.D{{Key: "$setOnInsert", Value: bson.D{{Key: "created_at", Value: s.now().UTC()}}}},
			options.UpdateOne().SetUpsert(true))
		if err != nil {
			return fmt.Errorf("creating schema %s.%s: %w", catalog, l, err)
		}
	}
	return nil
}

func (s *MongoStore) hasNamespace(ctx context.Context, name table.Name) (bool, error) {
	n, err := s.db(name).Collection(mongoSchemas).CountDocuments(ctx, bson.D{{Key: "_id", Value: name.Layer}})
	if err != nil {
		return false, fmt.Errorf("checking schema %s.%s: %w", name.Catalog, name.Layer, err)
	}
	return n > 0, nil
}

func (s *MongoStore) loadMeta(ctx context.Context, name table.Name) (*tableMeta, error) {
	var doc mongoMeta
	err := s.db(name).Collection(mongoTables).FindOne(ctx, bson.D{{Key: "_id", Value: collectionName(name)}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading metadata of %s: %w", name, err)
	}
	return &tableMeta{Schema: doc.Schema, ChangeFeed: doc.ChangeFeed, Version: doc.Version}, nil
}

func (s *MongoStore) writeMeta(ctx context.Context, name table.Name, meta *tableMeta) error {
	doc := mongoMeta{
		ID:         collectionName(name),
		Schema:     meta.Schema,
		ChangeFeed: meta.ChangeFeed,
		Version:    meta.Version,
	}
	_, err := s.db(name).Collection(mongoTables).ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: doc.ID}}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("writing metadata of %s: %w", name, err)
	}
	return nil
}

func (s *MongoStore) writeHistory(ctx context.Context, name table.Name, h HistoryEntry) error {
	_, err := s.db(name).Collection(mongoHistory).InsertOne(ctx, mongoHistoryDoc{Table: collectionName(name), HistoryEntry: h})
	if err != nil {
		return fmt.Errorf("writing history of %s: %w", name, err)
	}
	return nil
}

func (s *MongoStore) writeChanges(ctx context.Context, name table.Name, changes []Change) error {
	if len(changes) == 0 {
		return nil
	}
	docs := make([]mongoChangeDoc, len(changes))
	for i, c := range changes {
		docs[i] = mongoChangeDoc{
			Table:   collectionName(name),
			Version: c.Version,
			Seq:     i,
			Type:    string(c.Type),
			TS:      c.Timestamp,
			Row:     bson.M(c.Row),
		}
	}
	if _, err := s.db(name).Collection(mongoChangeFeed).InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("writing change feed of %s: %w", name, err)
	}
	return nil
}

// transact runs fn in a session transaction.
func (s *MongoStore) transact(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	sess, err := s.client.StartSession()
	if err != nil {
		return nil, fmt.Errorf("starting session: %w", err)
	}
	defer sess.EndSession(ctx)
	return sess.WithTransaction(ctx, fn)
}

func (s *MongoStore) CreateTable(ctx context.Context, name table.Name, schema table.Schema, opts WriteOptions) (bool, error) {
	created, err := s.transact(ctx, func(ctx context.Context) (any, error) {
		ok, err := s.hasNamespace(ctx, name)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, namespaceNotFound(name)
		}
		existing, err := s.loadMeta(ctx, name)
		if err != nil {
			return false, err
		}
		if existing != nil {
			return false, nil
		}
		if err := s.writeMeta(ctx, name, &tableMeta{Schema: schema, ChangeFeed: opts.ChangeFeed}); err != nil {
			return false, err
		}
		return true, s.writeHistory(ctx, name, HistoryEntry{Version: 0, Timestamp: s.now().UTC(), Operation: OpCreate, RunID: opts.RunID})
	})
	if err != nil {
		return false, err
	}
	return created.(bool), nil
}

func (s *MongoStore) Overwrite(ctx context.Context, name table.Name, f *table.Frame, opts WriteOptions) (*Commit, error) {
	res, err := s.transact(ctx, func(ctx context.Context) (any, error) {
		ok, err := s.hasNamespace(ctx, name)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, namespaceNotFound(name)
		}
		existing, err := s.loadMeta(ctx, name)
		if err != nil {
			return nil, err
		}
		plan, err := planOverwrite(existing, f, opts)
		if err != nil {
			return nil, err
		}

		var old []table.Row
		if existing != nil && plan.meta.ChangeFeed {
			if old, err = s.findRows(ctx, name, existing.Schema); err != nil {
				return nil, err
			}
		}

		coll := s.db(name).Collection(collectionName(name))
		if _, err := coll.DeleteMany(ctx, bson.D{}); err != nil {
			return nil, fmt.Errorf("clearing %s: %w", name, err)
		}
		if err := insertRows(ctx, coll, plan.rows); err != nil {
			return nil, fmt.Errorf("writing %s: %w", name, err)
		}

		now := s.now().UTC()
		op := OpOverwrite
		if plan.isNew {
			op = OpCreate
		}
		if err := s.writeMeta(ctx, name, &plan.meta); err != nil {
			return nil, err
		}
		if err := s.writeHistory(ctx, name, HistoryEntry{
			Version: plan.meta.Version, Timestamp: now, Operation: op, Rows: len(plan.rows), RunID: opts.RunID,
		}); err != nil {
			return nil, err
		}
		if plan.meta.ChangeFeed {
			var changes []Change
			for _, r := range old {
				changes = append(changes, Change{Version: plan.meta.Version, Type: ChangeDelete, Timestamp: now, Row: r})
			}
			for _, r := range plan.rows {
				changes = append(changes, Change{Version: plan.meta.Version, Type: ChangeInsert, Timestamp: now, Row: r})
			}
			if err := s.writeChanges(ctx, name, changes); err != nil {
				return nil, err
			}
		}

		commit := &Commit{Table: name, Version: plan.meta.Version, Operation: op, Rows: len(plan.rows)}
		if !plan.isNew {
			commit.AddedColumns = plan.added.Names()
		}
		return commit, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*Commit), nil
}

func (s *MongoStore) Read(ctx context.Context, name table.Name) (*table.Frame, error) {
	meta, err := s.loadMeta(ctx, name)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, notFound(name)
	}
	rows, err := s.findRows(ctx, name, meta.Schema)
	if err != nil {
		return nil, err
	}
	return &table.Frame{Schema: meta.Schema, Rows: rows}, nil
}

func (s *MongoStore) Merge(ctx context.Context, name table.Name, f *table.Frame, opts MergeOptions) (*MergeResult, error) {
	res, err := s.transact(ctx, func(ctx context.Context) (any, error) {
		meta, err := s.loadMeta(ctx, name)
		if err != nil {
			return nil, err
		}
		if meta == nil {
			return nil, notFound(name)
		}
		target, err := s.findRows(ctx, name, meta.Schema)
		if err != nil {
			return nil, err
		}
		plan, err := planMerge(meta.Schema, target, f, opts.Key)
		if err != nil {
			return nil, err
		}

		coll := s.db(name).Collection(collectionName(name))
		if len(plan.updates) > 0 {
			models := make([]mongo.WriteModel, len(plan.updates))
			for i, u := range plan.updates {
				models[i] = mongo.NewReplaceOneModel().
					SetFilter(bson.D{{Key: opts.Key, Value: u.pre[opts.Key]}}).
					SetReplacement(bson.M(u.post))
			}
			if _, err := coll.BulkWrite(ctx, models); err != nil {
				return nil, fmt.Errorf("updating %s: %w", name, err)
			}
		}
		if err := insertRows(ctx, coll, plan.inserts); err != nil {
			return nil, fmt.Errorf("inserting into %s: %w", name, err)
		}

		now := s.now().UTC()
		meta.Version++
		result := &MergeResult{
			Commit:   Commit{Table: name, Version: meta.Version, Operation: OpMerge, Rows: len(plan.updates) + len(plan.inserts)},
			Inserted: len(plan.inserts),
			Updated:  len(plan.updates),
		}
		if err := s.writeMeta(ctx, name, meta); err != nil {
			return nil, err
		}
		if err := s.writeHistory(ctx, name, HistoryEntry{
			Version: meta.Version, Timestamp: now, Operation: OpMerge, Rows: result.Rows,
			Inserted: result.Inserted, Updated: result.Updated, RunID: opts.RunID,
		}); err != nil {
			return nil, err
		}
		if meta.ChangeFeed {
			var changes []Change
			for _, u := range plan.updates {
				changes = append(changes,
					Change{Version: meta.Version, Type: ChangeUpdatePreimage, Timestamp: now, Row: u.pre},
					Change{Version: meta.Version, Type: ChangeUpdatePostimage, Timestamp: now, Row: u.post},
				)
			}
			for _, r := range plan.inserts {
				changes = append(changes, Change{Version: meta.Version, Type: ChangeInsert, Timestamp: now, Row: r})
			}
			if err := s.writeChanges(ctx, name, changes); err != nil {
				return nil, err
			}
		}
		return result, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*MergeResult), nil
}

func (s *MongoStore) History(ctx context.Context, name table.Name) ([]HistoryEntry, error) {
	meta, err := s.loadMeta(ctx, name)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, notFound(name)
	}

	cursor, err := s.db(name).Collection(mongoHistory).Find(ctx,
		bson.D{{Key: "table", Value: collectionName(name)}},
		options.Find().SetSort(bson.D{{Key: "version", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("reading history of %s: %w", name, err)
	}
	var docs []mongoHistoryDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decoding history of %s: %w", name, err)
	}
	out := make([]HistoryEntry, len(docs))
	for i, d := range docs {
		out[i] = d.HistoryEntry
		out[i].Timestamp = out[i].Timestamp.UTC()
	}
	return out, nil
}

func (s *MongoStore) Changes(ctx context.Context, name table.Name, fromVersion int64) ([]Change, error) {
	meta, err := s.loadMeta(ctx, name)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, notFound(name)
	}

	cursor, err := s.db(name).Collection(mongoChangeFeed).Find(ctx,
		bson.D{
			{Key: "table", Value: collectionName(name)},
			{Key: "version", Value: bson.D{{Key: "$gte", Value: fromVersion}}},
		},
		options.Find().SetSort(bson.D{{Key: "version", Value: 1}, {Key: "seq", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("reading changes of %s: %w", name, err)
	}
	var docs []mongoChangeDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decoding changes of %s: %w", name, err)
	}

	out := make([]Change, len(docs))
	for i, d := range docs {
		row, err := table.NormalizeRow(fromBSON(d.Row), meta.Schema)
		if err != nil {
			return nil, fmt.Errorf("decoding change row: %w", err)
		}
		out[i] = Change{Version: d.Version, Type: ChangeType(d.Type), Timestamp: d.TS.UTC(), Row: row}
	}
	return out, nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) findRows(ctx context.Context, name table.Name, schema table.Schema) ([]table.Row, error) {
	cursor, err := s.db(name).Collection(collectionName(name)).Find(ctx, bson.D{},
		options.Find().SetProjection(bson.D{{Key: "_id", Value: 0}}))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", name, err)
	}
	var docs []bson.M
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", name, err)
	}

	rows := make([]table.Row, len(docs))
	for i, d := range docs {
		r, err := table.NormalizeRow(fromBSON(d), schema)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
		rows[i] = r
	}
	return rows, nil
}

func insertRows(ctx context.Context, coll *mongo.Collection, rows []table.Row) error {
	if len(rows) == 0 {
		return nil
	}
	docs := make([]bson.M, len(rows))
	for i, r := range rows {
		docs[i] = bson.M(r)
	}
	_, err := coll.InsertMany(ctx, docs)
	return err
}

// fromBSON converts driver-specific values to the types table.Normalize accepts.
func fromBSON(doc bson.M) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		switch val := v.(type) {
		case bson.DateTime:
			out[k] = val.Time().UTC()
		default:
			out[k] = val
		}
	}
	return out
}
