package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// AccountStatus is the lifecycle state of an identity.
type AccountStatus string

const (
	StatusActive              AccountStatus = "active"
	StatusInactive            AccountStatus = "inactive"
	StatusSuspended           AccountStatus = "suspended"
	StatusLocked              AccountStatus = "locked"
	StatusPendingVerification AccountStatus = "pending_verification"
)

// Identity represents a user's authentication record.
type Identity struct {
	ID                  primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	OrganizationID      string             `bson:"organization_id" json:"organization_id"`
	Email               string             `bson:"email" json:"email"`
	PasswordHash        string             `bson:"password_hash" json:"-"`
	AccountStatus       AccountStatus      `bson:"account_status" json:"account_status"`
	FailedLoginAttempts int                `bson:"failed_login_attempts" json:"-"`
	LockedUntil         *time.Time         `bson:"locked_until,omitempty" json:"locked_until,omitempty"`
	TwoFactorEnabled    bool               `bson:"two_factor_enabled" json:"two_factor_enabled"`
	CreatedAt           time.Time          `bson:"created_at" json:"created_at"`
	UpdatedAt           time.Time          `bson:"updated_at" json:"updated_at"`
}

// IsLockedAt reports whether the lock window is still open at t.
func (i *Identity) IsLockedAt(t time.Time) bool {
	return i.LockedUntil != nil && t.Before(*i.LockedUntil)
}
