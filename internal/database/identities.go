package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"authguard/internal/models"
	"authguard/internal/store"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var (
	_ store.CredentialStore = (*Store)(nil)
	_ store.EventStore      = (*Store)(nil)
)

// unlockStage resets the counter, drops locked_until and flips a locked
// account back to active in a single pipeline update.
func unlockStage(now time.Time) mongo.Pipeline {
	return mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "failed_login_attempts", Value: 0},
			{Key: "updated_at", Value: now},
			{Key: "account_status", Value: bson.D{{Key: "$cond", Value: bson.A{
				bson.D{{Key: "$eq", Value: bson.A{"$account_status", models.StatusLocked}}},
				models.StatusActive,
				"$account_status",
			}}}},
		}}},
		{{Key: "$unset", Value: "locked_until"}},
	}
}

func (s *Store) CreateIdentity(ctx context.Context, identity *models.Identity) error {
	if identity.ID.IsZero() {
		identity.ID = primitive.NewObjectID()
	}
	identity.Email = strings.ToLower(strings.TrimSpace(identity.Email))
	if identity.AccountStatus == "" {
		identity.AccountStatus = models.StatusActive
	}
	now := time.Now()
	identity.CreatedAt, identity.UpdatedAt = now, now
	if _, err := s.identities.InsertOne(ctx, identity); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return store.ErrDuplicate
		}
		return fmt.Errorf("error inserting identity: %w", err)
	}
	return nil
}

func (s *Store) findIdentity(ctx context.Context, filter bson.M) (*models.Identity, error) {
	var identity models.Identity
	err := s.identities.FindOne(ctx, filter).Decode(&identity)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("error retrieving identity: %w", err)
	}
	return &identity, nil
}

func (s *Store) FindIdentityByEmail(ctx context.Context, email string) (*models.Identity, error) {
	return s.findIdentity(ctx, bson.M{"email": strings.ToLower(strings.TrimSpace(email))})
}

func (s *Store) FindIdentityByID(ctx context.Context, id primitive.ObjectID) (*models.Identity, error) {
	return s.findIdentity(ctx, bson.M{"_id": id})
}

func (s *Store) IncrementFailedAttempts(ctx context.Context, id primitive.ObjectID) (int, error) {
	update := bson.M{
		"$inc": bson.M{"failed_login_attempts": 1},
		"$set": bson.M{"updated_at": time.Now()},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var identity models.Identity
	err := s.identities.FindOneAndUpdate(ctx, bson.M{"_id": id}, update, opts).Decode(&identity)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, store.ErrNotFound
		}
		return 0, fmt.Errorf("error updating failed attempts: %w", err)
	}
	return identity.FailedLoginAttempts, nil
}

func (s *Store) LockIdentity(ctx context.Context, id primitive.ObjectID, attempts int, until time.Time) (bool, error) {
	filter := bson.M{"_id": id, "failed_login_attempts": attempts}
	update := bson.M{"$set": bson.M{
		"locked_until":   until,
		"account_status": models.StatusLocked,
		"updated_at":     time.Now(),
	}}
	res, err := s.identities.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("error locking identity: %w", err)
	}
	return res.MatchedCount == 1, nil
}

func (s *Store) ClearExpiredLock(ctx context.Context, id primitive.ObjectID, lockedUntil time.Time) (bool, error) {
	filter := bson.M{"_id": id, "locked_until": lockedUntil}
	res, err := s.identities.UpdateOne(ctx, filter, unlockStage(time.Now()))
	if err != nil {
		return false, fmt.Errorf("error clearing expired lock: %w", err)
	}
	return res.MatchedCount == 1, nil
}

func (s *Store) ResetFailedAttempts(ctx context.Context, id primitive.ObjectID) error {
	res, err := s.identities.UpdateOne(ctx, bson.M{"_id": id}, unlockStage(time.Now()))
	if err != nil {
		return fmt.Errorf("error resetting failed attempts: %w", err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}
