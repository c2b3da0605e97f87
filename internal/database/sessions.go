package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"authguard/internal/models"
	"authguard/internal/store"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func (s *Store) CreateSession(ctx context.Context, sess *models.Session) error {
	if sess.ID.IsZero() {
		sess.ID = primitive.NewObjectID()
	}
	if _, err := s.sessions.InsertOne(ctx, sess); err != nil {
		return fmt.Errorf("error inserting session: %w", err)
	}
	return nil
}

func (s *Store) FindSession(ctx context.Context, id primitive.ObjectID) (*models.Session, error) {
	var sess models.Session
	err := s.sessions.FindOne(ctx, bson.M{"_id": id}).Decode(&sess)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("error retrieving session: %w", err)
	}
	return &sess, nil
}

func (s *Store) ListActiveSessions(ctx context.Context, userID primitive.ObjectID, now time.Time) ([]*models.Session, error) {
	filter := bson.M{"user_id": userID, "expires_at": bson.M{"$gt": now}}
	opts := options.Find().SetSort(bson.D{{Key: "last_activity", Value: 1}, {Key: "created_at", Value: 1}})
	cur, err := s.sessions.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("error listing sessions: %w", err)
	}
	var out []*models.Session
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("error decoding sessions: %w", err)
	}
	return out, nil
}

func (s *Store) ExpireSession(ctx context.Context, id primitive.ObjectID, at time.Time, reason string) (bool, error) {
	filter := bson.M{"_id": id, "expires_at": bson.M{"$gt": at}}
	update := bson.M{"$set": bson.M{"expires_at": at, "termination_reason": reason}}
	res, err := s.sessions.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("error expiring session: %w", err)
	}
	if res.MatchedCount == 1 {
		return true, nil
	}
	n, err := s.sessions.CountDocuments(ctx, bson.M{"_id": id})
	if err != nil {
		return false, fmt.Errorf("error retrieving session: %w", err)
	}
	if n == 0 {
		return false, store.ErrNotFound
	}
	return false, nil
}

func (s *Store) TouchSession(ctx context.Context, id primitive.ObjectID, at time.Time) error {
	res, err := s.sessions.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"last_activity": at}})
	if err != nil {
		return fmt.Errorf("error updating session activity: %w", err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}
