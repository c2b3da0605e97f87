package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// DeviceInfo carries the client signals reported at sign-in.
type DeviceInfo struct {
	UserAgent string `bson:"user_agent" json:"user_agent"`
	Screen    string `bson:"screen,omitempty" json:"screen,omitempty"`
	Timezone  string `bson:"timezone,omitempty" json:"timezone,omitempty"`
	Language  string `bson:"language,omitempty" json:"language,omitempty"`
	Platform  string `bson:"platform,omitempty" json:"platform,omitempty"`
}

// Session is one authenticated device/browser instance.
// Termination sets ExpiresAt to the termination time; sessions are never deleted.
type Session struct {
	ID                primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	UserID            primitive.ObjectID `bson:"user_id" json:"user_id"`
	OrganizationID    string             `bson:"organization_id" json:"organization_id"`
	SessionToken      string             `bson:"session_token" json:"-"`
	RefreshToken      string             `bson:"refresh_token" json:"-"`
	TokenID           string             `bson:"token_id" json:"-"`
	DeviceFingerprint string             `bson:"device_fingerprint" json:"device_fingerprint"`
	DeviceInfo        DeviceInfo         `bson:"device_info" json:"device_info"`
	IPAddress         string             `bson:"ip_address" json:"ip_address"`
	CreatedAt         time.Time          `bson:"created_at" json:"created_at"`
	ExpiresAt         time.Time          `bson:"expires_at" json:"expires_at"`
	LastActivity      time.Time          `bson:"last_activity" json:"last_activity"`
	TerminationReason string             `bson:"termination_reason,omitempty" json:"termination_reason,omitempty"`
}

// ActiveAt reports whether the session is still valid at t.
func (s *Session) ActiveAt(t time.Time) bool {
	return s.ExpiresAt.After(t)
}
