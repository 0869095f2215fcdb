// Package mongostore is a Mongo-backed history.Store: rumors upserted by
// rumor id for idempotency, with a single watermark document tracking the
// ingest resume cursor.
package mongostore

import (
	"context"

	"github.com/marmot-im/marmot-go/internal/codec/rumor"
	"github.com/marmot-im/marmot-go/internal/cursor"
	"github.com/marmot-im/marmot-go/internal/errs"
	"github.com/marmot-im/marmot-go/internal/model"
	"github.com/marmot-im/marmot-go/internal/store/history"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// rumorDoc is the persisted shape of one history entry.
type rumorDoc struct {
	RumorID       string `bson:"rumor_id"`
	RumorJSON     []byte `bson:"rumor_json"`
	OuterCreated  int64  `bson:"outer_created_at"`
	OuterID       string `bson:"outer_id"`
}

// watermarkDoc holds the single resume-cursor row for a group.
type watermarkDoc struct {
	ID      string `bson:"_id"` // constant "resume"
	Created int64  `bson:"created_at"`
	EventID string `bson:"event_id"`
}

const watermarkRowID = "resume"

// Store is a mongo-backed history.Store scoped to one group's collection.
type Store struct {
	rumors     *mongo.Collection
	watermarks *mongo.Collection

	mu       chanMutex
	handlers map[int]history.Handler
	nextSub  int
}

// chanMutex is a channel-based mutex so Subscribe fan-out can run without
// holding a sync.Mutex across handler invocation.
type chanMutex chan struct{}

func newChanMutex() chanMutex {
	c := make(chanMutex, 1)
	c <- struct{}{}
	return c
}

func (c chanMutex) Lock()   { <-c }
func (c chanMutex) Unlock() { c <- struct{}{} }

// New builds a Store for one group, using two collections within db:
// "<groupIDHex>_rumors" and "<groupIDHex>_watermark".
func New(db *mongo.Database, groupIDHex string) *Store {
	return &Store{
		rumors:     db.Collection(groupIDHex + "_rumors"),
		watermarks: db.Collection(groupIDHex + "_watermark"),
		mu:         newChanMutex(),
		handlers:   make(map[int]history.Handler),
	}
}

var _ history.Store = (*Store)(nil)

func (s *Store) MarkOuterEventProcessed(ctx context.Context, outer cursor.Cursor) error {
	var current watermarkDoc
	err := s.watermarks.FindOne(ctx, bson.M{"_id": watermarkRowID}).Decode(&current)
	if err != nil && err != mongo.ErrNoDocuments {
		return errs.Wrap(errs.StoreFailure, "read resume watermark", err)
	}
	if err == nil {
		existing := cursor.Cursor{CreatedAt: current.Created, ID: current.EventID}
		if !cursor.Less(existing, outer) {
			return nil
		}
	}

	doc := watermarkDoc{ID: watermarkRowID, Created: outer.CreatedAt, EventID: outer.ID}
	_, err = s.watermarks.ReplaceOne(ctx, bson.M{"_id": watermarkRowID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return errs.Wrap(errs.StoreFailure, "advance resume watermark", err)
	}
	return nil
}

func (s *Store) GetResumeCursor(ctx context.Context) (cursor.Cursor, bool, error) {
	var doc watermarkDoc
	err := s.watermarks.FindOne(ctx, bson.M{"_id": watermarkRowID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return cursor.Cursor{}, false, nil
	}
	if err != nil {
		return cursor.Cursor{}, false, errs.Wrap(errs.StoreFailure, "read resume watermark", err)
	}
	return cursor.Cursor{CreatedAt: doc.Created, ID: doc.EventID}, true, nil
}

func (s *Store) AddRumor(ctx context.Context, entry model.HistoryEntry) error {
	raw, err := rumor.Serialize(entry.Rumor)
	if err != nil {
		return err
	}
	doc := rumorDoc{
		RumorID:      entry.Rumor.ID,
		RumorJSON:    raw,
		OuterCreated: entry.Outer.CreatedAt,
		OuterID:      entry.Outer.ID,
	}
	_, err = s.rumors.UpdateOne(ctx,
		bson.M{"rumor_id": entry.Rumor.ID},
		bson.M{"$setOnInsert": doc},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return errs.Wrap(errs.StoreFailure, "insert history rumor", err)
	}

	s.mu.Lock()
	handlers := make([]history.Handler, 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()
	for _, h := range handlers {
		h(entry)
	}
	return nil
}

func (s *Store) QueryRumors(ctx context.Context, opts history.QueryOpts) ([]model.HistoryEntry, error) {
	filter := bson.M{}
	if opts.Until != nil {
		filter["$or"] = bson.A{
			bson.M{"outer_created_at": bson.M{"$lt": opts.Until.CreatedAt}},
			bson.M{"outer_created_at": opts.Until.CreatedAt, "outer_id": bson.M{"$lt": opts.Until.ID}},
		}
	}
	findOpts := options.Find().SetSort(bson.D{{Key: "outer_created_at", Value: -1}, {Key: "outer_id", Value: -1}})
	if opts.Limit > 0 {
		findOpts.SetLimit(int64(opts.Limit))
	}

	cur, err := s.rumors.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, errs.Wrap(errs.StoreFailure, "query history rumors", err)
	}
	defer cur.Close(ctx)

	var out []model.HistoryEntry
	for cur.Next(ctx) {
		var doc rumorDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, errs.Wrap(errs.StoreFailure, "decode history rumor", err)
		}
		r, err := rumor.Deserialize(doc.RumorJSON)
		if err != nil {
			return nil, err
		}
		out = append(out, model.HistoryEntry{
			Rumor: r,
			Outer: cursor.Cursor{CreatedAt: doc.OuterCreated, ID: doc.OuterID},
		})
	}
	if err := cur.Err(); err != nil {
		return nil, errs.Wrap(errs.StoreFailure, "iterate history rumors", err)
	}
	return out, nil
}

func (s *Store) Subscribe(handler history.Handler) history.Unsubscribe {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.handlers[id] = handler
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.handlers, id)
		s.mu.Unlock()
	}
}
