package session

import (
	"context"
	"errors"
	"time"

	"github.com/avvvet/buyin-services/internal/db"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const sessionCollection = "sessions"

type sessionDoc struct {
	SID       string    `bson:"sid"`
	Key       string    `bson:"key"`
	Value     []byte    `bson:"value"`
	ExpiresAt time.Time `bson:"expires_at"`
}

// MongoStore keeps one document per (sid, key). Documents expire ttl after their last write.
type MongoStore struct {
	coll       *mongo.Collection
	ttl        time.Duration
	disconnect func(context.Context) error
}

func NewMongoStore(ctx context.Context, mongoURI string, ttl time.Duration) (*MongoStore, error) {
	database, disconnect, err := db.ConnectToDB(mongoURI)
	if err != nil {
		return nil, err
	}
	if err := db.CreateTTLIndexForCollection(ctx, database, sessionCollection); err != nil {
		_ = disconnect(ctx)
		return nil, err
	}
	if err := db.CreateUniqueIndex(ctx, database, sessionCollection, "sid", "key"); err != nil {
		_ = disconnect(ctx)
		return nil, err
	}
	return &MongoStore{
		coll:       database.Collection(sessionCollection),
		ttl:        ttl,
		disconnect: disconnect,
	}, nil
}

func (m *MongoStore) Get(ctx context.Context, sid, key string) ([]byte, bool, error) {
	var doc sessionDoc
	err := m.coll.FindOne(ctx, bson.M{"sid": sid, "key": key}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, false, nil
		}
		return nil, false, err
	}
	// the TTL monitor runs about once a minute; expired documents may still be readable
	if !doc.ExpiresAt.IsZero() && time.Now().After(doc.ExpiresAt) {
		return nil, false, nil
	}
	return doc.Value, true, nil
}

func (m *MongoStore) Set(ctx context.Context, sid, key string, value []byte) error {
	_, err := m.coll.UpdateOne(ctx,
		bson.M{"sid": sid, "key": key},
		bson.M{"$set": bson.M{"value": value, "expires_at": time.Now().Add(m.ttl)}},
		options.Update().SetUpsert(true),
	)
	return err
}

func (m *MongoStore) Delete(ctx context.Context, sid, key string) error {
	_, err := m.coll.DeleteOne(ctx, bson.M{"sid": sid, "key": key})
	return err
}

func (m *MongoStore) Clear(ctx context.Context, sid string) error {
	_, err := m.coll.DeleteMany(ctx, bson.M{"sid": sid})
	return err
}

func (m *MongoStore) Close(ctx context.Context) error {
	if m.disconnect == nil {
		return nil
	}
	return m.disconnect(ctx)
}
