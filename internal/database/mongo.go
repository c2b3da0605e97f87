package database

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const (
	identitiesCollection = "identities"
	twoFactorCollection  = "two_factor_credentials"
	sessionsCollection   = "sessions"
	eventsCollection     = "security_events"
	challengesCollection = "consumed_challenges"
)

// ConnectMongoDB establishes a connection to MongoDB and returns the client.
func ConnectMongoDB(ctx context.Context, uri string, log *zap.Logger) (*mongo.Client, error) {
	clientOptions := options.Client().ApplyURI(uri)
	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, err
	}
	// Ping the database to verify connection.
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctxPing, nil); err != nil {
		return nil, err
	}
	log.Info("connected to MongoDB")
	return client, nil
}

// Store implements store.CredentialStore and store.EventStore on MongoDB.
// EnableTwoFactor and DisableTwoFactor run in multi-document transactions and
// therefore need a replica set or sharded deployment.
type Store struct {
	client     *mongo.Client
	identities *mongo.Collection
	twoFactor  *mongo.Collection
	sessions   *mongo.Collection
	events     *mongo.Collection
	challenges *mongo.Collection
}

// NewStore binds the store to the named database.
func NewStore(client *mongo.Client, dbName string) *Store {
	db := client.Database(dbName)
	return &Store{
		client:     client,
		identities: db.Collection(identitiesCollection),
		twoFactor:  db.Collection(twoFactorCollection),
		sessions:   db.Collection(sessionsCollection),
		events:     db.Collection(eventsCollection),
		challenges: db.Collection(challengesCollection),
	}
}

// EnsureIndexes creates the unique and lookup indexes the queries rely on.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	specs := []struct {
		col    *mongo.Collection
		models []mongo.IndexModel
	}{
		{s.identities, []mongo.IndexModel{
			{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true)},
		}},
		{s.twoFactor, []mongo.IndexModel{
			{Keys: bson.D{{Key: "user_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		}},
		{s.sessions, []mongo.IndexModel{
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "expires_at", Value: 1}}},
		}},
		{s.events, []mongo.IndexModel{
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "event_type", Value: 1}}},
		}},
		{s.challenges, []mongo.IndexModel{
			{Keys: bson.D{{Key: "expires_at", Value: 1}}, Options: options.Index().SetExpireAfterSeconds(0)},
		}},
	}
	for _, spec := range specs {
		if _, err := spec.col.Indexes().CreateMany(ctx, spec.models); err != nil {
			return fmt.Errorf("error creating indexes on %s: %w", spec.col.Name(), err)
		}
	}
	return nil
}

// Disconnect disconnects from MongoDB.
func (s *Store) Disconnect(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Ping reports whether the deployment is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// inTransaction runs fn inside a session transaction.
func (s *Store) inTransaction(ctx context.Context, fn func(sc mongo.SessionContext) error) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("error starting session: %w", err)
	}
	defer sess.EndSession(ctx)
	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	})
	return err
}
