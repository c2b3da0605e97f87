// Package session creates, validates and terminates authenticated sessions
// and enforces each organization's concurrent-session ceiling.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"authguard/internal/audit"
	"authguard/internal/metrics"
	"authguard/internal/models"
	"authguard/internal/policy"
	"authguard/internal/store"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

// Termination reasons.
const (
	ReasonConcurrentLimit = "concurrent_session_limit"
	ReasonIdleTimeout     = "idle_timeout"
	ReasonUserLogout      = "user_logout"
)

// ErrSessionNotActive is returned when terminating an already ended session.
var ErrSessionNotActive = errors.New("session is not active")

// Manager owns the session lifecycle.
type Manager struct {
	store    store.SessionStore
	policies policy.Provider
	audit    *audit.Log
	log      *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithMetrics counts created and terminated sessions.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// New creates a session manager.
func New(s store.SessionStore, policies policy.Provider, auditLog *audit.Log, log *zap.Logger, opts ...Option) *Manager {
	m := &Manager{store: s, policies: policies, audit: auditLog, log: log, now: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Fingerprint hashes stable device signals. It groups sessions by device and
// asserts nothing about identity.
func Fingerprint(d models.DeviceInfo) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{d.UserAgent, d.Screen, d.Timezone, d.Language}, "|")))
	return hex.EncodeToString(sum[:16])
}

// CreateSession persists a session backed by tokens. Its expiry is the
// access token's expiry.
func (m *Manager) CreateSession(ctx context.Context, identity *models.Identity, tokens AuthTokens, device models.DeviceInfo, ip string) (*models.Session, error) {
	now := m.now()
	s := &models.Session{
		UserID:            identity.ID,
		OrganizationID:    identity.OrganizationID,
		SessionToken:      tokens.AccessToken,
		RefreshToken:      tokens.RefreshToken,
		TokenID:           tokens.TokenID,
		DeviceFingerprint: Fingerprint(device),
		DeviceInfo:        device,
		IPAddress:         ip,
		CreatedAt:         now,
		ExpiresAt:         tokens.ExpiresAt,
		LastActivity:      now,
	}
	if err := m.store.CreateSession(ctx, s); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	m.metrics.SessionCreated()
	m.log.Info("session created",
		zap.String("user_id", identity.ID.Hex()),
		zap.String("session_id", s.ID.Hex()),
		zap.String("fingerprint", s.DeviceFingerprint))
	return s, nil
}

// ValidateConcurrency evicts the least recently active sessions until the
// organization's ceiling holds. keep is never evicted, so a new sign-in
// always wins over older sessions. It returns the number evicted.
func (m *Manager) ValidateConcurrency(ctx context.Context, identity *models.Identity, keep primitive.ObjectID) (int, error) {
	active, err := m.store.ListActiveSessions(ctx, identity.ID, m.now())
	if err != nil {
		return 0, fmt.Errorf("session: %w", err)
	}
	limit := m.policies.Resolve(ctx, identity.OrganizationID).MaxConcurrentSessions
	excess := len(active) - limit
	evicted := 0
	for _, s := range active {
		if excess <= 0 {
			break
		}
		if s.ID == keep {
			continue
		}
		err := m.Terminate(ctx, s.ID, ReasonConcurrentLimit)
		if err != nil && !errors.Is(err, ErrSessionNotActive) {
			return evicted, err
		}
		excess--
		if err == nil {
			evicted++
		}
	}
	return evicted, nil
}

// Terminate ends a session by setting its expiry to now and always records
// a session_terminated event for the owner.
func (m *Manager) Terminate(ctx context.Context, sessionID primitive.ObjectID, reason string) error {
	s, err := m.store.FindSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}
	now := m.now()
	ok, err := m.store.ExpireSession(ctx, sessionID, now, reason)
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}
	if !ok {
		return ErrSessionNotActive
	}
	m.metrics.SessionTerminated(reason)
	m.audit.Record(ctx, &s.UserID, &s.ID, models.SecurityEvent{
		EventType:   audit.EventSessionTerminated,
		Description: "Session terminated",
		Details: map[string]interface{}{
			"reason":             reason,
			"device_fingerprint": s.DeviceFingerprint,
		},
		RiskScore: audit.RiskSuccess,
		IPAddress: s.IPAddress,
		UserAgent: s.DeviceInfo.UserAgent,
		Success:   true,
	})
	m.log.Info("session terminated",
		zap.String("user_id", s.UserID.Hex()),
		zap.String("session_id", s.ID.Hex()),
		zap.String("reason", reason))
	return nil
}

// ValidateSecurity reports whether sessionID is a live session of userID.
// A session idle past the organization's timeout is terminated; a live one
// has its activity refreshed.
func (m *Manager) ValidateSecurity(ctx context.Context, userID, sessionID primitive.ObjectID) (bool, error) {
	s, err := m.store.FindSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("session: %w", err)
	}
	if s.UserID != userID {
		m.audit.Record(ctx, &userID, &s.ID, models.SecurityEvent{
			EventType:     audit.EventSessionValidationFailed,
			Description:   "Session presented by a different user",
			RiskScore:     audit.RiskSessionInvalid,
			Success:       false,
			FailureReason: "session owner mismatch",
		})
		return false, nil
	}
	now := m.now()
	if !s.ActiveAt(now) {
		return false, nil
	}
	idle := m.policies.Resolve(ctx, s.OrganizationID).IdleTimeout()
	if now.Sub(s.LastActivity) > idle {
		if err := m.Terminate(ctx, s.ID, ReasonIdleTimeout); err != nil && !errors.Is(err, ErrSessionNotActive) {
			return false, err
		}
		return false, nil
	}
	if err := m.store.TouchSession(ctx, s.ID, now); err != nil {
		return false, fmt.Errorf("session: %w", err)
	}
	return true, nil
}

// ListActive returns the user's live sessions, least recently active first.
func (m *Manager) ListActive(ctx context.Context, userID primitive.ObjectID) ([]*models.Session, error) {
	sessions, err := m.store.ListActiveSessions(ctx, userID, m.now())
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	return sessions, nil
}
