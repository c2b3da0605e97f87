package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// EventCategory groups security events for reporting.
type EventCategory string

const (
	CategoryAuthentication EventCategory = "authentication"
	CategoryAuthorization  EventCategory = "authorization"
	CategoryDataAccess     EventCategory = "data_access"
	CategoryAdminAction    EventCategory = "admin_action"
)

// SecurityEvent is an immutable audit record.
// Negative risk scores mark security-improving actions.
type SecurityEvent struct {
	ID            primitive.ObjectID     `bson:"_id,omitempty" json:"id"`
	UserID        *primitive.ObjectID    `bson:"user_id,omitempty" json:"user_id,omitempty"`
	SessionID     *primitive.ObjectID    `bson:"session_id,omitempty" json:"session_id,omitempty"`
	EventType     string                 `bson:"event_type" json:"event_type"`
	EventCategory EventCategory          `bson:"event_category" json:"event_category"`
	Description   string                 `bson:"description" json:"description"`
	Details       map[string]interface{} `bson:"details,omitempty" json:"details,omitempty"`
	RiskScore     int                    `bson:"risk_score" json:"risk_score"`
	IPAddress     string                 `bson:"ip_address,omitempty" json:"ip_address,omitempty"`
	UserAgent     string                 `bson:"user_agent,omitempty" json:"user_agent,omitempty"`
	Success       bool                   `bson:"success" json:"success"`
	FailureReason string                 `bson:"failure_reason,omitempty" json:"failure_reason,omitempty"`
	CreatedAt     time.Time              `bson:"created_at" json:"created_at"`
}
