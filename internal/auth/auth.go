// Package auth is the sign-in gateway. It runs the lockout pre-check,
// password verification, the optional second factor and session creation,
// and records a security event at every decision point.
//
// A sign-in moves through these states:
//
//	AWAITING_CREDENTIALS -> PASSWORD_VERIFIED -> [2FA_REQUIRED -> 2FA_VERIFIED] -> SESSION_ESTABLISHED
//
// with REJECTED reachable from every step. A session is created exactly
// once per flow and only after every required factor has succeeded.
package auth

import (
	"context"
	"errors"
	"time"

	"authguard/internal/audit"
	"authguard/internal/lockout"
	"authguard/internal/metrics"
	"authguard/internal/models"
	"authguard/internal/policy"
	"authguard/internal/session"
	"authguard/internal/store"
	"authguard/internal/twofactor"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

// DefaultPendingTTL bounds how long a half-authenticated sign-in may wait
// for its second factor.
const DefaultPendingTTL = 5 * time.Minute

// Components are the collaborators the gateway orchestrates.
type Components struct {
	Store     store.CredentialStore
	Policies  policy.Provider
	Lockout   *lockout.Engine
	TwoFactor *twofactor.Manager
	Sessions  *session.Manager
	Tokens    *session.TokenIssuer
	Audit     *audit.Log
	Metrics   *metrics.Metrics
	Logger    *zap.Logger

	// PendingTTL defaults to DefaultPendingTTL.
	PendingTTL time.Duration
}

// Gateway is the entry point for every authentication operation.
type Gateway struct {
	store      store.CredentialStore
	policies   policy.Provider
	lockout    *lockout.Engine
	twoFactor  *twofactor.Manager
	sessions   *session.Manager
	tokens     *session.TokenIssuer
	audit      *audit.Log
	metrics    *metrics.Metrics
	log        *zap.Logger
	pendingTTL time.Duration
}

// New wires a gateway.
func New(c Components) *Gateway {
	if c.PendingTTL <= 0 {
		c.PendingTTL = DefaultPendingTTL
	}
	return &Gateway{
		store:      c.Store,
		policies:   c.Policies,
		lockout:    c.Lockout,
		twoFactor:  c.TwoFactor,
		sessions:   c.Sessions,
		tokens:     c.Tokens,
		audit:      c.Audit,
		metrics:    c.Metrics,
		log:        c.Logger,
		pendingTTL: c.PendingTTL,
	}
}

// SignInResult is returned by a sign-in that was not rejected.
//
// When Requires2FA is set, Session and Tokens are nil and PendingToken must
// be passed to VerifyTwoFactor; it grants no access on its own.
type SignInResult struct {
	User                   *models.Identity    `json:"user"`
	Session                *models.Session     `json:"session"`
	Tokens                 *session.AuthTokens `json:"tokens,omitempty"`
	Requires2FA            bool                `json:"requires_2fa"`
	PendingToken           string              `json:"pending_token,omitempty"`
	PendingExpiresAt       *time.Time          `json:"pending_expires_at,omitempty"`
	TwoFactorSetupRequired bool                `json:"two_factor_setup_required,omitempty"`
}

// VerifyResult is returned by a successful second-factor verification.
type VerifyResult struct {
	User    *models.Identity    `json:"user"`
	Session *models.Session     `json:"session"`
	Tokens  *session.AuthTokens `json:"tokens"`
}

type requestMeta struct {
	ip        string
	userAgent string
}

func (g *Gateway) record(ctx context.Context, userID *primitive.ObjectID, sessionID *primitive.ObjectID, meta requestMeta, e models.SecurityEvent) {
	e.IPAddress = meta.ip
	e.UserAgent = meta.userAgent
	g.audit.Record(ctx, userID, sessionID, e)
}

// serviceError records and logs a backend failure and hides its cause.
func (g *Gateway) serviceError(ctx context.Context, userID *primitive.ObjectID, meta requestMeta, op string, err error) error {
	g.log.Error("authentication backend failure", zap.String("op", op), zap.Error(err))
	g.record(ctx, userID, nil, meta, models.SecurityEvent{
		EventType:     audit.EventLoginError,
		Description:   "Authentication service error during " + op,
		Details:       map[string]interface{}{"operation": op},
		RiskScore:     audit.RiskServiceError,
		Success:       false,
		FailureReason: ErrServiceUnavailable.Error(),
	})
	return ErrServiceUnavailable
}

// SignIn verifies email and password. Exactly one sign-in event is recorded
// per call, whatever the outcome.
func (g *Gateway) SignIn(ctx context.Context, email, password string, device models.DeviceInfo, ip string) (*SignInResult, error) {
	meta := requestMeta{ip: ip, userAgent: device.UserAgent}

	identity, err := g.store.FindIdentityByEmail(ctx, email)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		g.metrics.SignIn("error")
		return nil, g.serviceError(ctx, nil, meta, "sign_in", err)
	}
	if identity == nil {
		burnPasswordCheck(password)
		g.metrics.SignIn("rejected")
		g.record(ctx, nil, nil, meta, models.SecurityEvent{
			EventType:     audit.EventLoginFailed,
			Description:   "Sign-in failed",
			Details:       map[string]interface{}{"email": email},
			RiskScore:     audit.RiskLoginFailed,
			Success:       false,
			FailureReason: "invalid credentials",
		})
		return nil, reject(CodeInvalidCredentials, "invalid email or password")
	}
	userID := identity.ID

	// AWAITING_CREDENTIALS: lockout pre-check.
	status, err := g.lockout.Evaluate(ctx, identity)
	if err != nil {
		g.metrics.SignIn("error")
		return nil, g.serviceError(ctx, &userID, meta, "sign_in", err)
	}
	if status.Locked {
		g.metrics.SignIn("blocked")
		g.record(ctx, &userID, nil, meta, models.SecurityEvent{
			EventType:     audit.EventLoginAttemptBlocked,
			Description:   "Sign-in blocked: " + status.Reason,
			RiskScore:     audit.RiskBlocked,
			Success:       false,
			FailureReason: status.Reason,
		})
		return nil, &RejectedError{Code: CodeAccountLocked, Reason: status.Reason, LockedUntil: status.Until}
	}

	if !CheckPassword(identity.PasswordHash, password) {
		failure, err := g.lockout.RecordFailureFor(ctx, identity)
		if err != nil {
			g.metrics.SignIn("error")
			return nil, g.serviceError(ctx, &userID, meta, "sign_in", err)
		}
		g.metrics.SignIn("rejected")
		g.record(ctx, &userID, nil, meta, models.SecurityEvent{
			EventType:   audit.EventLoginFailed,
			Description: "Sign-in failed: wrong password",
			Details: map[string]interface{}{
				"failed_attempts": failure.Attempts,
				"locked":          failure.Locked,
			},
			RiskScore:     audit.RiskLoginFailed,
			Success:       false,
			FailureReason: "invalid credentials",
		})
		return nil, reject(CodeInvalidCredentials, "invalid email or password")
	}

	// PASSWORD_VERIFIED.
	if err := g.lockout.RecordSuccessFor(ctx, identity); err != nil {
		g.metrics.SignIn("error")
		return nil, g.serviceError(ctx, &userID, meta, "sign_in", err)
	}

	if identity.TwoFactorEnabled {
		// 2FA_REQUIRED: no session until the second factor is proven.
		pending, exp, err := g.tokens.IssuePending(identity.ID, g.pendingTTL)
		if err != nil {
			g.metrics.SignIn("error")
			return nil, g.serviceError(ctx, &userID, meta, "sign_in", err)
		}
		g.metrics.SignIn("pending_2fa")
		g.record(ctx, &userID, nil, meta, models.SecurityEvent{
			EventType:   audit.EventLoginPending2FA,
			Description: "Password verified, second factor required",
			RiskScore:   audit.RiskPending2FA,
			Success:     true,
		})
		return &SignInResult{
			User:             identity,
			Requires2FA:      true,
			PendingToken:     pending,
			PendingExpiresAt: &exp,
		}, nil
	}

	sess, tokens, err := g.establishSession(ctx, identity, device, ip)
	if err != nil {
		g.metrics.SignIn("error")
		return nil, g.serviceError(ctx, &userID, meta, "sign_in", err)
	}
	setupRequired := g.policies.Resolve(ctx, identity.OrganizationID).Require2FA
	g.metrics.SignIn("success")
	g.record(ctx, &userID, &sess.ID, meta, models.SecurityEvent{
		EventType:   audit.EventLoginSuccess,
		Description: "Sign-in succeeded",
		Details: map[string]interface{}{
			"device_fingerprint":        sess.DeviceFingerprint,
			"two_factor_setup_required": setupRequired,
		},
		RiskScore: audit.RiskSuccess,
		Success:   true,
	})
	return &SignInResult{
		User:                   identity,
		Session:                sess,
		Tokens:                 tokens,
		TwoFactorSetupRequired: setupRequired,
	}, nil
}

// VerifyTwoFactor completes a sign-in that returned Requires2FA. A rejected
// attempt never falls back to password-only access, and a pending token that
// already completed a sign-in is rejected.
func (g *Gateway) VerifyTwoFactor(ctx context.Context, userID primitive.ObjectID, token, pendingToken string, device models.DeviceInfo, ip string) (*VerifyResult, error) {
	meta := requestMeta{ip: ip, userAgent: device.UserAgent}
	fail := func(code RejectCode, reason string) error {
		g.metrics.SignIn("2fa_rejected")
		g.record(ctx, &userID, nil, meta, models.SecurityEvent{
			EventType:     audit.Event2FAVerificationFailed,
			Description:   "Second factor verification failed",
			RiskScore:     audit.Risk2FAFailed,
			Success:       false,
			FailureReason: reason,
		})
		return reject(code, reason)
	}

	claims, err := g.tokens.Parse(pendingToken, session.PurposePending2FA)
	if err != nil || claims.Subject != userID.Hex() {
		return nil, fail(CodeInvalidPendingSession, "pending sign-in is invalid or expired")
	}

	identity, err := g.store.FindIdentityByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fail(CodeInvalidPendingSession, "pending sign-in is invalid or expired")
		}
		g.metrics.SignIn("error")
		return nil, g.serviceError(ctx, &userID, meta, "verify_2fa", err)
	}
	status, err := g.lockout.Evaluate(ctx, identity)
	if err != nil {
		g.metrics.SignIn("error")
		return nil, g.serviceError(ctx, &userID, meta, "verify_2fa", err)
	}
	if status.Locked {
		return nil, fail(CodeAccountLocked, status.Reason)
	}

	ok, err := g.twoFactor.Verify(ctx, userID, token)
	if err != nil && !errors.Is(err, twofactor.ErrNotEnrolled) {
		g.metrics.SignIn("error")
		return nil, g.serviceError(ctx, &userID, meta, "verify_2fa", err)
	}
	if !ok {
		// Guessing second factors counts towards the same lockout as passwords.
		if _, lerr := g.lockout.RecordFailureFor(ctx, identity); lerr != nil {
			g.log.Warn("failed to count second factor failure", zap.String("user_id", userID.Hex()), zap.Error(lerr))
		}
		return nil, fail(CodeInvalid2FAToken, "invalid verification code")
	}

	// Each pending challenge completes at most one sign-in.
	fresh, err := g.store.ConsumeChallenge(ctx, claims.ID, claims.ExpiresAt.Time)
	if err != nil {
		g.metrics.SignIn("error")
		return nil, g.serviceError(ctx, &userID, meta, "verify_2fa", err)
	}
	if !fresh {
		return nil, fail(CodeInvalidPendingSession, "pending sign-in was already completed")
	}

	// 2FA_VERIFIED.
	sess, tokens, err := g.establishSession(ctx, identity, device, ip)
	if err != nil {
		g.metrics.SignIn("error")
		return nil, g.serviceError(ctx, &userID, meta, "verify_2fa", err)
	}
	g.metrics.SignIn("success")
	g.record(ctx, &userID, &sess.ID, meta, models.SecurityEvent{
		EventType:   audit.Event2FAVerificationSuccess,
		Description: "Second factor verified, sign-in succeeded",
		Details:     map[string]interface{}{"device_fingerprint": sess.DeviceFingerprint},
		RiskScore:   audit.RiskSuccess,
		Success:     true,
	})
	return &VerifyResult{User: identity, Session: sess, Tokens: tokens}, nil
}

// establishSession issues tokens, persists the session and then enforces
// the concurrency ceiling, evicting older sessions rather than this one.
func (g *Gateway) establishSession(ctx context.Context, identity *models.Identity, device models.DeviceInfo, ip string) (*models.Session, *session.AuthTokens, error) {
	tokens, err := g.tokens.Issue(identity.ID, identity.OrganizationID)
	if err != nil {
		return nil, nil, err
	}
	sess, err := g.sessions.CreateSession(ctx, identity, tokens, device, ip)
	if err != nil {
		return nil, nil, err
	}
	if _, err := g.sessions.ValidateConcurrency(ctx, identity, sess.ID); err != nil {
		// The new session stands; the ceiling is enforced again on the next sign-in.
		g.log.Error("failed to enforce session limit", zap.String("user_id", identity.ID.Hex()), zap.Error(err))
	}
	return sess, &tokens, nil
}
