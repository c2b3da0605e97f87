package auth

import (
	"errors"
	"fmt"
	"time"
)

// ErrServiceUnavailable is returned when a backing store fails. Callers
// must not present it as a credential problem.
var ErrServiceUnavailable = errors.New("authentication service error")

// RejectCode classifies a policy rejection.
type RejectCode string

const (
	CodeAccountLocked           RejectCode = "account_locked"
	CodeInvalidCredentials      RejectCode = "invalid_credentials"
	CodeInvalid2FAToken         RejectCode = "invalid_2fa_token"
	CodeInvalidPendingSession   RejectCode = "invalid_pending_session"
	CodeTwoFactorNotEnrolled    RejectCode = "2fa_not_enrolled"
	CodeTwoFactorAlreadyEnabled RejectCode = "2fa_already_enabled"
	CodeUnknownUser             RejectCode = "unknown_user"
	CodeSessionNotFound         RejectCode = "session_not_found"
	CodeSessionNotActive        RejectCode = "session_not_active"
	CodeWeakPassword            RejectCode = "weak_password"
	CodeIdentityExists          RejectCode = "identity_exists"
)

// RejectedError is a policy rejection with a human-readable reason.
type RejectedError struct {
	Code        RejectCode
	Reason      string
	LockedUntil *time.Time
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

func reject(code RejectCode, reason string) *RejectedError {
	return &RejectedError{Code: code, Reason: reason}
}

// IsRejected reports whether err is a policy rejection with code.
func IsRejected(err error, code RejectCode) bool {
	var re *RejectedError
	return errors.As(err, &re) && re.Code == code
}
