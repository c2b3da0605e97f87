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

func (s *Store) SavePendingTwoFactor(ctx context.Context, cred *models.TwoFactorCredential) error {
	// The unique user_id index turns an upsert over a verified credential
	// into a duplicate key error.
	filter := bson.M{"user_id": cred.UserID, "is_verified": false}
	_, err := s.twoFactor.ReplaceOne(ctx, filter, cred, options.Replace().SetUpsert(true))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return store.ErrDuplicate
		}
		return fmt.Errorf("error saving two-factor credential: %w", err)
	}
	return nil
}

func (s *Store) FindTwoFactor(ctx context.Context, userID primitive.ObjectID) (*models.TwoFactorCredential, error) {
	var cred models.TwoFactorCredential
	err := s.twoFactor.FindOne(ctx, bson.M{"user_id": userID}).Decode(&cred)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("error retrieving two-factor credential: %w", err)
	}
	return &cred, nil
}

func (s *Store) EnableTwoFactor(ctx context.Context, userID primitive.ObjectID, verifiedAt time.Time) error {
	return s.inTransaction(ctx, func(sc mongo.SessionContext) error {
		res, err := s.twoFactor.UpdateOne(sc,
			bson.M{"user_id": userID, "is_verified": false},
			bson.M{"$set": bson.M{"is_verified": true, "verified_at": verifiedAt}})
		if err != nil {
			return fmt.Errorf("error verifying two-factor credential: %w", err)
		}
		if res.MatchedCount == 0 {
			return store.ErrNotFound
		}
		res, err = s.identities.UpdateOne(sc,
			bson.M{"_id": userID},
			bson.M{"$set": bson.M{"two_factor_enabled": true, "updated_at": verifiedAt}})
		if err != nil {
			return fmt.Errorf("error enabling two-factor flag: %w", err)
		}
		if res.MatchedCount == 0 {
			return store.ErrNotFound
		}
		return nil
	})
}

func (s *Store) ConsumeBackupCode(ctx context.Context, userID primitive.ObjectID, hash string, at time.Time) (bool, error) {
	filter := bson.M{
		"user_id":            userID,
		"backup_code_hashes": hash,
		"used_backup_codes":  bson.M{"$ne": hash},
	}
	update := bson.M{
		"$push": bson.M{"used_backup_codes": hash},
		"$set":  bson.M{"last_used_at": at},
	}
	res, err := s.twoFactor.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("error consuming backup code: %w", err)
	}
	return res.ModifiedCount == 1, nil
}

func (s *Store) AcceptTOTPStep(ctx context.Context, userID primitive.ObjectID, step int64, at time.Time) (bool, error) {
	filter := bson.M{
		"user_id": userID,
		"$or": bson.A{
			bson.M{"last_totp_step": bson.M{"$lt": step}},
			bson.M{"last_totp_step": bson.M{"$exists": false}},
		},
	}
	update := bson.M{"$set": bson.M{"last_totp_step": step, "last_used_at": at}}
	res, err := s.twoFactor.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("error recording TOTP step: %w", err)
	}
	if res.MatchedCount == 1 {
		return true, nil
	}
	// Tell a replay apart from a missing credential.
	n, err := s.twoFactor.CountDocuments(ctx, bson.M{"user_id": userID})
	if err != nil {
		return false, fmt.Errorf("error recording TOTP step: %w", err)
	}
	if n == 0 {
		return false, store.ErrNotFound
	}
	return false, nil
}

func (s *Store) DisableTwoFactor(ctx context.Context, userID primitive.ObjectID) error {
	return s.inTransaction(ctx, func(sc mongo.SessionContext) error {
		if _, err := s.twoFactor.DeleteOne(sc, bson.M{"user_id": userID}); err != nil {
			return fmt.Errorf("error deleting two-factor credential: %w", err)
		}
		res, err := s.identities.UpdateOne(sc,
			bson.M{"_id": userID},
			bson.M{"$set": bson.M{"two_factor_enabled": false, "updated_at": time.Now()}})
		if err != nil {
			return fmt.Errorf("error clearing two-factor flag: %w", err)
		}
		if res.MatchedCount == 0 {
			return store.ErrNotFound
		}
		return nil
	})
}
