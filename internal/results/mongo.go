package results

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/mailqueue/contracts"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Defaults for MongoStore
const (
	DefaultMongoDatabase   = "mailqueue"
	DefaultMongoCollection = "results"
)

// MongoStore keeps one document per record with a unique index on id
type MongoStore struct {
	client     *mongo.Client
	database   string
	collection string
}

// NewMongoStore connects to mongoURI, pings it and ensures the id index
func NewMongoStore(ctx context.Context, mongoURI, database, collection string) (*MongoStore, error) {
	if database == "" {
		database = DefaultMongoDatabase
	}
	if collection == "" {
		collection = DefaultMongoCollection
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(mongoURI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(connectCtx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, storeError(BackendMongo, "connect", err)
	}

	s := &MongoStore{client: client, database: database, collection: collection}

	_, err = s.coll().Indexes().CreateOne(connectCtx, mongo.IndexModel{
		Keys:    bson.D{{Key: "id", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("id_unique"),
	})
	if err != nil {
		client.Disconnect(context.Background())
		return nil, storeError(BackendMongo, "create index", err)
	}

	return s, nil
}

func (s *MongoStore) coll() *mongo.Collection {
	return s.client.Database(s.database).Collection(s.collection)
}

// Append inserts record; a duplicate id is ignored
func (s *MongoStore) Append(ctx context.Context, record contracts.ResultRecord) error {
	_, err := s.coll().InsertOne(ctx, record)
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	return storeError(BackendMongo, "append", err)
}

// List returns all records in insertion order
func (s *MongoStore) List(ctx context.Context) ([]contracts.ResultRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})

	cursor, err := s.coll().Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, storeError(BackendMongo, "list", err)
	}
	defer cursor.Close(ctx)

	records := []contracts.ResultRecord{}
	if err := cursor.All(ctx, &records); err != nil {
		return nil, storeError(BackendMongo, "list", err)
	}
	return records, nil
}

// Ping checks the MongoDB connection
func (s *MongoStore) Ping(ctx context.Context) error {
	return storeError(BackendMongo, "ping", s.client.Ping(ctx, nil))
}

// Close disconnects the client
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
