package database

import (
	"context"
	"fmt"
	"time"

	"authguard/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func (s *Store) InsertEvent(ctx context.Context, event *models.SecurityEvent) error {
	if event.ID.IsZero() {
		event.ID = primitive.NewObjectID()
	}
	if _, err := s.events.InsertOne(ctx, event); err != nil {
		return fmt.Errorf("error inserting security event: %w", err)
	}
	return nil
}

func (s *Store) ListEvents(ctx context.Context, userID primitive.ObjectID, limit int) ([]*models.SecurityEvent, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.events.Find(ctx, bson.M{"user_id": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("error listing security events: %w", err)
	}
	var out []*models.SecurityEvent
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("error decoding security events: %w", err)
	}
	return out, nil
}

func (s *Store) SumRiskScore(ctx context.Context, userID primitive.ObjectID, since time.Time) (int, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"user_id": userID, "created_at": bson.M{"$gte": since}}}},
		{{Key: "$group", Value: bson.M{"_id": nil, "total": bson.M{"$sum": "$risk_score"}}}},
	}
	cur, err := s.events.Aggregate(ctx, pipeline)
	if err != nil {
		return 0, fmt.Errorf("error aggregating risk score: %w", err)
	}
	defer cur.Close(ctx)
	var rows []struct {
		Total int `bson:"total"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		return 0, fmt.Errorf("error decoding risk score: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return rows[0].Total, nil
}
