// Package audit is the append-only security event log.
//
// Writes are best-effort: a failed insert is logged and counted, never
// returned, so the operation that produced the event is not affected.
package audit

import (
	"context"
	"fmt"
	"time"

	"authguard/internal/metrics"
	"authguard/internal/models"
	"authguard/internal/store"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

// Event types emitted by the authentication core.
const (
	EventLoginAttemptBlocked     = "login_attempt_blocked"
	EventLoginFailed             = "login_failed"
	EventLoginPending2FA         = "login_password_success_pending_2fa"
	EventLoginSuccess            = "login_success"
	EventLoginError              = "login_error"
	Event2FAVerificationFailed   = "2fa_verification_failed"
	Event2FAVerificationSuccess  = "2fa_verification_success"
	Event2FASetupInitiated       = "2fa_setup_initiated"
	Event2FAEnabled              = "2fa_enabled"
	Event2FAEnableFailed         = "2fa_enable_failed"
	Event2FADisabled             = "2fa_disabled"
	Event2FADisableFailed        = "2fa_disable_failed"
	EventSessionTerminated       = "session_terminated"
	EventSessionValidationFailed = "session_validation_failed"
)

// Risk magnitudes. Failures and blocks sit in 30–50, clean success is 0 and
// security-improving actions are negative.
const (
	RiskBlocked        = 40
	RiskLoginFailed    = 30
	RiskPending2FA     = 10
	RiskSuccess        = 0
	Risk2FAFailed      = 50
	Risk2FAEnabled     = -10
	Risk2FASetup       = 0
	Risk2FADisabled    = 20
	RiskServiceError   = 0
	RiskSessionInvalid = 20
)

// Log records and queries security events.
type Log struct {
	store   store.EventStore
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures a Log.
type Option func(*Log)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// WithMetrics counts failed writes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Log) { l.metrics = m }
}

// New creates an audit log over s.
func New(s store.EventStore, log *zap.Logger, opts ...Option) *Log {
	l := &Log{store: s, log: log, now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Record appends event for the given user and session, either of which may be nil.
func (l *Log) Record(ctx context.Context, userID, sessionID *primitive.ObjectID, event models.SecurityEvent) {
	event.ID = primitive.NilObjectID
	event.UserID = userID
	event.SessionID = sessionID
	if event.EventCategory == "" {
		event.EventCategory = models.CategoryAuthentication
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = l.now()
	}
	if err := l.store.InsertEvent(ctx, &event); err != nil {
		l.metrics.AuditFailure()
		fields := []zap.Field{
			zap.String("event_type", event.EventType),
			zap.Int("risk_score", event.RiskScore),
			zap.Bool("success", event.Success),
			zap.Error(err),
		}
		if userID != nil {
			fields = append(fields, zap.String("user_id", userID.Hex()))
		}
		l.log.Error("failed to record security event", fields...)
		return
	}
	l.log.Debug("security event recorded",
		zap.String("event_type", event.EventType),
		zap.Int("risk_score", event.RiskScore),
		zap.Bool("success", event.Success))
}

// ListByUser returns the user's most recent events, newest first.
func (l *Log) ListByUser(ctx context.Context, userID primitive.ObjectID, limit int) ([]*models.SecurityEvent, error) {
	events, err := l.store.ListEvents(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	return events, nil
}

// RiskScore sums the risk scores recorded for the user since the given time.
// It is an alerting signal only; no decision in this module depends on it.
func (l *Log) RiskScore(ctx context.Context, userID primitive.ObjectID, since time.Time) (int, error) {
	total, err := l.store.SumRiskScore(ctx, userID, since)
	if err != nil {
		return 0, fmt.Errorf("audit: %w", err)
	}
	return total, nil
}
