package auth

import (
	"context"
	"errors"
	"time"

	"authguard/internal/audit"
	"authguard/internal/models"
	"authguard/internal/session"
	"authguard/internal/store"
	"authguard/internal/twofactor"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

// DefaultEventLimit caps SecurityEvents when no limit is given.
const DefaultEventLimit = 50

func (g *Gateway) identity(ctx context.Context, userID primitive.ObjectID, op string) (*models.Identity, error) {
	identity, err := g.store.FindIdentityByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, reject(CodeUnknownUser, "user not found")
		}
		return nil, g.serviceError(ctx, &userID, requestMeta{}, op, err)
	}
	return identity, nil
}

// CreateIdentity registers an active identity after checking the password
// against the organization's rules.
func (g *Gateway) CreateIdentity(ctx context.Context, organizationID, email, password string) (*models.Identity, error) {
	if err := ValidatePassword(g.policies.Resolve(ctx, organizationID), password); err != nil {
		return nil, err
	}
	identity, err := NewIdentity(organizationID, email, password)
	if err != nil {
		g.log.Error("failed to hash password", zap.Error(err))
		return nil, ErrServiceUnavailable
	}
	if err := g.store.CreateIdentity(ctx, identity); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, reject(CodeIdentityExists, "email already registered")
		}
		g.log.Error("failed to create identity", zap.String("organization_id", organizationID), zap.Error(err))
		return nil, ErrServiceUnavailable
	}
	g.log.Info("identity created", zap.String("user_id", identity.ID.Hex()), zap.String("organization_id", organizationID))
	return identity, nil
}

// SetupTwoFactor starts TOTP enrollment. The returned secret and backup
// codes are shown to the user once; 2FA stays off until VerifyAndEnable2FA.
func (g *Gateway) SetupTwoFactor(ctx context.Context, userID primitive.ObjectID) (*twofactor.Enrollment, error) {
	if _, err := g.identity(ctx, userID, "2fa_setup"); err != nil {
		return nil, err
	}
	enrollment, err := g.twoFactor.Setup(ctx, userID)
	if err != nil {
		if errors.Is(err, twofactor.ErrAlreadyEnabled) {
			return nil, reject(CodeTwoFactorAlreadyEnabled, err.Error())
		}
		return nil, g.serviceError(ctx, &userID, requestMeta{}, "2fa_setup", err)
	}
	g.record(ctx, &userID, nil, requestMeta{}, models.SecurityEvent{
		EventType:   audit.Event2FASetupInitiated,
		Description: "Two-factor setup started",
		Details:     map[string]interface{}{"method": models.MethodTOTP},
		RiskScore:   audit.Risk2FASetup,
		Success:     true,
	})
	return enrollment, nil
}

// VerifyAndEnable2FA confirms a pending setup. A wrong token returns false
// and leaves the setup pending.
func (g *Gateway) VerifyAndEnable2FA(ctx context.Context, userID primitive.ObjectID, token string) (bool, error) {
	ok, err := g.twoFactor.VerifyAndEnable(ctx, userID, token)
	switch {
	case errors.Is(err, twofactor.ErrNotEnrolled):
		return false, reject(CodeTwoFactorNotEnrolled, err.Error())
	case errors.Is(err, twofactor.ErrAlreadyEnabled):
		return false, reject(CodeTwoFactorAlreadyEnabled, err.Error())
	case err != nil:
		return false, g.serviceError(ctx, &userID, requestMeta{}, "2fa_enable", err)
	}
	if !ok {
		g.record(ctx, &userID, nil, requestMeta{}, models.SecurityEvent{
			EventType:     audit.Event2FAEnableFailed,
			Description:   "Two-factor enable failed: invalid verification code",
			RiskScore:     audit.RiskLoginFailed,
			Success:       false,
			FailureReason: "invalid verification code",
		})
		return false, nil
	}
	g.record(ctx, &userID, nil, requestMeta{}, models.SecurityEvent{
		EventType:   audit.Event2FAEnabled,
		Description: "Two-factor authentication enabled",
		Details:     map[string]interface{}{"method": models.MethodTOTP},
		RiskScore:   audit.Risk2FAEnabled,
		Success:     true,
	})
	return true, nil
}

// Disable2FA turns off the second factor after re-checking the password.
// A wrong password returns false with no error.
func (g *Gateway) Disable2FA(ctx context.Context, userID primitive.ObjectID, currentPassword string) (bool, error) {
	identity, err := g.identity(ctx, userID, "2fa_disable")
	if err != nil {
		return false, err
	}
	if !CheckPassword(identity.PasswordHash, currentPassword) {
		g.record(ctx, &userID, nil, requestMeta{}, models.SecurityEvent{
			EventType:     audit.Event2FADisableFailed,
			Description:   "Two-factor disable failed: wrong password",
			RiskScore:     audit.RiskLoginFailed,
			Success:       false,
			FailureReason: "invalid password",
		})
		return false, nil
	}
	if !identity.TwoFactorEnabled {
		return false, reject(CodeTwoFactorNotEnrolled, twofactor.ErrNotEnrolled.Error())
	}
	if err := g.twoFactor.Disable(ctx, userID); err != nil {
		return false, g.serviceError(ctx, &userID, requestMeta{}, "2fa_disable", err)
	}
	g.record(ctx, &userID, nil, requestMeta{}, models.SecurityEvent{
		EventType:   audit.Event2FADisabled,
		Description: "Two-factor authentication disabled",
		RiskScore:   audit.Risk2FADisabled,
		Success:     true,
	})
	return true, nil
}

// TerminateSession ends a session. An empty reason means user logout.
func (g *Gateway) TerminateSession(ctx context.Context, sessionID primitive.ObjectID, reason string) error {
	if reason == "" {
		reason = session.ReasonUserLogout
	}
	err := g.sessions.Terminate(ctx, sessionID, reason)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return reject(CodeSessionNotFound, "session not found")
	case errors.Is(err, session.ErrSessionNotActive):
		return reject(CodeSessionNotActive, err.Error())
	default:
		g.log.Error("failed to terminate session", zap.String("session_id", sessionID.Hex()), zap.Error(err))
		return ErrServiceUnavailable
	}
}

// ValidateSessionSecurity reports whether the session is live, owned by
// userID and not idle.
func (g *Gateway) ValidateSessionSecurity(ctx context.Context, userID, sessionID primitive.ObjectID) (bool, error) {
	ok, err := g.sessions.ValidateSecurity(ctx, userID, sessionID)
	if err != nil {
		g.log.Error("failed to validate session", zap.String("session_id", sessionID.Hex()), zap.Error(err))
		return false, ErrServiceUnavailable
	}
	return ok, nil
}

// ListSessions returns the user's live sessions.
func (g *Gateway) ListSessions(ctx context.Context, userID primitive.ObjectID) ([]*models.Session, error) {
	sessions, err := g.sessions.ListActive(ctx, userID)
	if err != nil {
		g.log.Error("failed to list sessions", zap.String("user_id", userID.Hex()), zap.Error(err))
		return nil, ErrServiceUnavailable
	}
	return sessions, nil
}

// SecurityEvents returns the user's most recent security events.
func (g *Gateway) SecurityEvents(ctx context.Context, userID primitive.ObjectID, limit int) ([]*models.SecurityEvent, error) {
	if limit <= 0 {
		limit = DefaultEventLimit
	}
	events, err := g.audit.ListByUser(ctx, userID, limit)
	if err != nil {
		g.log.Error("failed to list security events", zap.String("user_id", userID.Hex()), zap.Error(err))
		return nil, ErrServiceUnavailable
	}
	return events, nil
}

// RiskSummary sums the user's risk scores recorded since the given time.
func (g *Gateway) RiskSummary(ctx context.Context, userID primitive.ObjectID, since time.Time) (int, error) {
	total, err := g.audit.RiskScore(ctx, userID, since)
	if err != nil {
		g.log.Error("failed to sum risk score", zap.String("user_id", userID.Hex()), zap.Error(err))
		return 0, ErrServiceUnavailable
	}
	return total, nil
}
