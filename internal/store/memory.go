package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"authguard/internal/models"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Memory is an in-process CredentialStore and EventStore.
// It is used by tests and by STORE_DRIVER=memory for local development.
type Memory struct {
	mu         sync.RWMutex
	identities map[primitive.ObjectID]*models.Identity
	emails     map[string]primitive.ObjectID
	twoFactor  map[primitive.ObjectID]*models.TwoFactorCredential
	sessions   map[primitive.ObjectID]*models.Session
	challenges map[string]time.Time
	events     []*models.SecurityEvent

	// FailInserts makes InsertEvent fail, for exercising best-effort audit paths.
	FailInserts error
}

var (
	_ CredentialStore = (*Memory)(nil)
	_ EventStore      = (*Memory)(nil)
)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		identities: make(map[primitive.ObjectID]*models.Identity),
		emails:     make(map[string]primitive.ObjectID),
		twoFactor:  make(map[primitive.ObjectID]*models.TwoFactorCredential),
		sessions:   make(map[primitive.ObjectID]*models.Session),
		challenges: make(map[string]time.Time),
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func copyIdentity(i *models.Identity) *models.Identity {
	c := *i
	if i.LockedUntil != nil {
		t := *i.LockedUntil
		c.LockedUntil = &t
	}
	return &c
}

func copyCredential(cred *models.TwoFactorCredential) *models.TwoFactorCredential {
	c := *cred
	c.EncryptedBackupCodes = append([]string(nil), cred.EncryptedBackupCodes...)
	c.BackupCodeHashes = append([]string(nil), cred.BackupCodeHashes...)
	c.UsedBackupCodes = append([]string(nil), cred.UsedBackupCodes...)
	return &c
}

// CreateIdentity stores a new identity, assigning an ID when absent.
func (m *Memory) CreateIdentity(ctx context.Context, identity *models.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	email := normalizeEmail(identity.Email)
	if _, ok := m.emails[email]; ok {
		return ErrDuplicate
	}
	if identity.ID.IsZero() {
		identity.ID = primitive.NewObjectID()
	}
	identity.Email = email
	if identity.AccountStatus == "" {
		identity.AccountStatus = models.StatusActive
	}
	m.identities[identity.ID] = copyIdentity(identity)
	m.emails[email] = identity.ID
	return nil
}

func (m *Memory) FindIdentityByEmail(ctx context.Context, email string) (*models.Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.emails[normalizeEmail(email)]
	if !ok {
		return nil, ErrNotFound
	}
	return copyIdentity(m.identities[id]), nil
}

func (m *Memory) FindIdentityByID(ctx context.Context, id primitive.ObjectID) (*models.Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	identity, ok := m.identities[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyIdentity(identity), nil
}

func (m *Memory) IncrementFailedAttempts(ctx context.Context, id primitive.ObjectID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	identity, ok := m.identities[id]
	if !ok {
		return 0, ErrNotFound
	}
	identity.FailedLoginAttempts++
	identity.UpdatedAt = time.Now()
	return identity.FailedLoginAttempts, nil
}

func (m *Memory) LockIdentity(ctx context.Context, id primitive.ObjectID, attempts int, until time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	identity, ok := m.identities[id]
	if !ok {
		return false, ErrNotFound
	}
	if identity.FailedLoginAttempts != attempts {
		return false, nil
	}
	identity.LockedUntil = &until
	identity.AccountStatus = models.StatusLocked
	identity.UpdatedAt = time.Now()
	return true, nil
}

func (m *Memory) ClearExpiredLock(ctx context.Context, id primitive.ObjectID, lockedUntil time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	identity, ok := m.identities[id]
	if !ok {
		return false, ErrNotFound
	}
	if identity.LockedUntil == nil || !identity.LockedUntil.Equal(lockedUntil) {
		return false, nil
	}
	identity.LockedUntil = nil
	identity.FailedLoginAttempts = 0
	if identity.AccountStatus == models.StatusLocked {
		identity.AccountStatus = models.StatusActive
	}
	identity.UpdatedAt = time.Now()
	return true, nil
}

func (m *Memory) ResetFailedAttempts(ctx context.Context, id primitive.ObjectID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	identity, ok := m.identities[id]
	if !ok {
		return ErrNotFound
	}
	identity.FailedLoginAttempts = 0
	identity.LockedUntil = nil
	if identity.AccountStatus == models.StatusLocked {
		identity.AccountStatus = models.StatusActive
	}
	identity.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) SavePendingTwoFactor(ctx context.Context, cred *models.TwoFactorCredential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.twoFactor[cred.UserID]; ok && existing.IsVerified {
		return ErrDuplicate
	}
	m.twoFactor[cred.UserID] = copyCredential(cred)
	return nil
}

func (m *Memory) FindTwoFactor(ctx context.Context, userID primitive.ObjectID) (*models.TwoFactorCredential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cred, ok := m.twoFactor[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyCredential(cred), nil
}

func (m *Memory) EnableTwoFactor(ctx context.Context, userID primitive.ObjectID, verifiedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred, ok := m.twoFactor[userID]
	if !ok || cred.IsVerified {
		return ErrNotFound
	}
	identity, ok := m.identities[userID]
	if !ok {
		return ErrNotFound
	}
	cred.IsVerified = true
	cred.VerifiedAt = &verifiedAt
	identity.TwoFactorEnabled = true
	identity.UpdatedAt = verifiedAt
	return nil
}

func (m *Memory) ConsumeBackupCode(ctx context.Context, userID primitive.ObjectID, hash string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred, ok := m.twoFactor[userID]
	if !ok {
		return false, ErrNotFound
	}
	if !cred.HasBackupCode(hash) || cred.BackupCodeUsed(hash) {
		return false, nil
	}
	cred.UsedBackupCodes = append(cred.UsedBackupCodes, hash)
	cred.LastUsedAt = &at
	return true, nil
}

func (m *Memory) AcceptTOTPStep(ctx context.Context, userID primitive.ObjectID, step int64, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred, ok := m.twoFactor[userID]
	if !ok {
		return false, ErrNotFound
	}
	if step <= cred.LastTOTPStep {
		return false, nil
	}
	cred.LastTOTPStep = step
	cred.LastUsedAt = &at
	return true, nil
}

// ConsumeChallenge keeps consumed ids for the life of the process.
func (m *Memory) ConsumeChallenge(ctx context.Context, id string, expiresAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.challenges[id]; ok {
		return false, nil
	}
	m.challenges[id] = expiresAt
	return true, nil
}

func (m *Memory) DisableTwoFactor(ctx context.Context, userID primitive.ObjectID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	identity, ok := m.identities[userID]
	if !ok {
		return ErrNotFound
	}
	delete(m.twoFactor, userID)
	identity.TwoFactorEnabled = false
	identity.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) CreateSession(ctx context.Context, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID.IsZero() {
		s.ID = primitive.NewObjectID()
	}
	c := *s
	m.sessions[s.ID] = &c
	return nil
}

func (m *Memory) FindSession(ctx context.Context, id primitive.ObjectID) (*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *s
	return &c, nil
}

func (m *Memory) ListActiveSessions(ctx context.Context, userID primitive.ObjectID, now time.Time) ([]*models.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Session
	for _, s := range m.sessions {
		if s.UserID == userID && s.ActiveAt(now) {
			c := *s
			out = append(out, &c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].LastActivity.Before(out[j].LastActivity)
	})
	return out, nil
}

func (m *Memory) ExpireSession(ctx context.Context, id primitive.ObjectID, at time.Time, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return false, ErrNotFound
	}
	if !s.ActiveAt(at) {
		return false, nil
	}
	s.ExpiresAt = at
	s.TerminationReason = reason
	return true, nil
}

func (m *Memory) TouchSession(ctx context.Context, id primitive.ObjectID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.LastActivity = at
	return nil
}

func (m *Memory) InsertEvent(ctx context.Context, event *models.SecurityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailInserts != nil {
		return m.FailInserts
	}
	if event.ID.IsZero() {
		event.ID = primitive.NewObjectID()
	}
	c := *event
	m.events = append(m.events, &c)
	return nil
}

func (m *Memory) ListEvents(ctx context.Context, userID primitive.ObjectID, limit int) ([]*models.SecurityEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.SecurityEvent
	for i := len(m.events) - 1; i >= 0; i-- {
		e := m.events[i]
		if e.UserID == nil || *e.UserID != userID {
			continue
		}
		c := *e
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) SumRiskScore(ctx context.Context, userID primitive.ObjectID, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := 0
	for _, e := range m.events {
		if e.UserID != nil && *e.UserID == userID && !e.CreatedAt.Before(since) {
			total += e.RiskScore
		}
	}
	return total, nil
}

// Events returns a snapshot of every recorded event in insertion order.
func (m *Memory) Events() []models.SecurityEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.SecurityEvent, len(m.events))
	for i, e := range m.events {
		out[i] = *e
	}
	return out
}
