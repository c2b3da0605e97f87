// Package store defines the persistence boundary consumed by the authentication core.
//
// Implementations must make the counter and flag mutations atomic: the lockout
// engine relies on IncrementFailedAttempts being linearizable and on LockIdentity
// being a compare-and-set on the observed attempt count.
package store

import (
	"context"
	"errors"
	"time"

	"authguard/internal/models"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when a unique key is already taken.
	ErrDuplicate = errors.New("record already exists")
)

// IdentityStore persists identities and their lockout counters.
type IdentityStore interface {
	CreateIdentity(ctx context.Context, identity *models.Identity) error
	FindIdentityByEmail(ctx context.Context, email string) (*models.Identity, error)
	FindIdentityByID(ctx context.Context, id primitive.ObjectID) (*models.Identity, error)

	// IncrementFailedAttempts atomically adds one and returns the new count.
	IncrementFailedAttempts(ctx context.Context, id primitive.ObjectID) (int, error)
	// LockIdentity locks only if failed_login_attempts still equals attempts.
	LockIdentity(ctx context.Context, id primitive.ObjectID, attempts int, until time.Time) (bool, error)
	// ClearExpiredLock unlocks only if locked_until still equals lockedUntil.
	ClearExpiredLock(ctx context.Context, id primitive.ObjectID, lockedUntil time.Time) (bool, error)
	ResetFailedAttempts(ctx context.Context, id primitive.ObjectID) error
}

// TwoFactorStore persists TOTP credentials.
type TwoFactorStore interface {
	// SavePendingTwoFactor replaces any unverified credential for the user.
	// It returns ErrDuplicate when a verified credential exists.
	SavePendingTwoFactor(ctx context.Context, cred *models.TwoFactorCredential) error
	FindTwoFactor(ctx context.Context, userID primitive.ObjectID) (*models.TwoFactorCredential, error)
	// EnableTwoFactor marks the pending credential verified and sets the
	// identity flag in one atomic unit.
	EnableTwoFactor(ctx context.Context, userID primitive.ObjectID, verifiedAt time.Time) error
	// ConsumeBackupCode appends hash to the used set unless it is already there.
	ConsumeBackupCode(ctx context.Context, userID primitive.ObjectID, hash string, at time.Time) (bool, error)
	// AcceptTOTPStep records step as the last accepted TOTP time step only if
	// it is newer than the stored one.
	AcceptTOTPStep(ctx context.Context, userID primitive.ObjectID, step int64, at time.Time) (bool, error)
	// DisableTwoFactor deletes the credential and clears the identity flag atomically.
	DisableTwoFactor(ctx context.Context, userID primitive.ObjectID) error
}

// SessionStore persists sessions. Sessions are never deleted.
type SessionStore interface {
	CreateSession(ctx context.Context, s *models.Session) error
	FindSession(ctx context.Context, id primitive.ObjectID) (*models.Session, error)
	// ListActiveSessions returns sessions with expires_at > now, oldest activity first.
	ListActiveSessions(ctx context.Context, userID primitive.ObjectID, now time.Time) ([]*models.Session, error)
	// ExpireSession sets expires_at = at if the session is still active at at.
	ExpireSession(ctx context.Context, id primitive.ObjectID, at time.Time, reason string) (bool, error)
	TouchSession(ctx context.Context, id primitive.ObjectID, at time.Time) error
}

// ChallengeStore remembers completed sign-in challenges until they expire.
type ChallengeStore interface {
	// ConsumeChallenge marks id as used and reports false if it already was.
	ConsumeChallenge(ctx context.Context, id string, expiresAt time.Time) (bool, error)
}

// CredentialStore is everything the authentication core reads and writes
// besides the audit trail.
type CredentialStore interface {
	IdentityStore
	TwoFactorStore
	SessionStore
	ChallengeStore
}

// EventStore is the append-only security event sink.
type EventStore interface {
	InsertEvent(ctx context.Context, event *models.SecurityEvent) error
	// ListEvents returns the newest events for a user first.
	ListEvents(ctx context.Context, userID primitive.ObjectID, limit int) ([]*models.SecurityEvent, error)
	SumRiskScore(ctx context.Context, userID primitive.ObjectID, since time.Time) (int, error)
}
