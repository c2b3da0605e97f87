package database

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// ConsumeChallenge inserts id as the document key, so a second insert of the
// same id fails on _id. The TTL index removes entries after expiresAt.
func (s *Store) ConsumeChallenge(ctx context.Context, id string, expiresAt time.Time) (bool, error) {
	_, err := s.challenges.InsertOne(ctx, bson.M{"_id": id, "expires_at": expiresAt})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, fmt.Errorf("error consuming challenge: %w", err)
	}
	return true, nil
}
