// Package lockout tracks failed sign-in attempts and locks identities that
// exceed their organization's threshold.
//
// Lock expiry is evaluated lazily when an identity is checked; nothing runs
// in the background.
package lockout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"authguard/internal/metrics"
	"authguard/internal/models"
	"authguard/internal/policy"
	"authguard/internal/store"

	"go.uber.org/zap"
)

// Status is the outcome of a lockout check.
type Status struct {
	Locked bool
	Reason string
	Until  *time.Time
}

// Failure describes the effect of a recorded failed attempt.
type Failure struct {
	Attempts int
	Locked   bool
	Until    time.Time
}

// Engine decides lock and unlock transitions.
type Engine struct {
	store    store.IdentityStore
	policies policy.Provider
	log      *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithMetrics counts lockouts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates a lockout engine.
func New(s store.IdentityStore, policies policy.Provider, log *zap.Logger, opts ...Option) *Engine {
	e := &Engine{store: s, policies: policies, log: log, now: time.Now}
	for _, o := range opts {
		o(e)
	}
	return e
}

// CheckLockout reports whether the identity registered under email may
// attempt to sign in. Unknown emails are reported as not locked.
func (e *Engine) CheckLockout(ctx context.Context, email string) (Status, error) {
	identity, err := e.store.FindIdentityByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Status{}, nil
		}
		return Status{}, fmt.Errorf("lockout: %w", err)
	}
	return e.Evaluate(ctx, identity)
}

// Evaluate checks an already loaded identity. An elapsed lock is cleared in
// the store and on identity before returning. If another writer changed the
// lock first, identity is reloaded and checked again.
func (e *Engine) Evaluate(ctx context.Context, identity *models.Identity) (Status, error) {
	return e.evaluate(ctx, identity, false)
}

func (e *Engine) evaluate(ctx context.Context, identity *models.Identity, reloaded bool) (Status, error) {
	switch identity.AccountStatus {
	case models.StatusSuspended:
		return Status{Locked: true, Reason: "account suspended"}, nil
	case models.StatusInactive:
		return Status{Locked: true, Reason: "account inactive"}, nil
	case models.StatusPendingVerification:
		return Status{Locked: true, Reason: "account pending verification"}, nil
	}

	now := e.now()
	if identity.IsLockedAt(now) {
		until := *identity.LockedUntil
		return Status{
			Locked: true,
			Reason: fmt.Sprintf("account locked until %s", until.UTC().Format(time.RFC1123)),
			Until:  &until,
		}, nil
	}

	if identity.LockedUntil != nil {
		cleared, err := e.store.ClearExpiredLock(ctx, identity.ID, *identity.LockedUntil)
		if err != nil {
			return Status{}, fmt.Errorf("lockout: %w", err)
		}
		if !cleared {
			if reloaded {
				return Status{Locked: true, Reason: "account locked"}, nil
			}
			fresh, err := e.store.FindIdentityByID(ctx, identity.ID)
			if err != nil {
				return Status{}, fmt.Errorf("lockout: %w", err)
			}
			*identity = *fresh
			return e.evaluate(ctx, identity, true)
		}
		e.log.Info("lock expired", zap.String("user_id", identity.ID.Hex()))
		identity.LockedUntil = nil
		identity.FailedLoginAttempts = 0
		identity.AccountStatus = models.StatusActive
		return Status{}, nil
	}

	if identity.AccountStatus == models.StatusLocked {
		// Locked without an expiry is an administrative lock.
		return Status{Locked: true, Reason: "account locked"}, nil
	}
	return Status{}, nil
}

// RecordFailure counts a failed attempt for email. Unknown emails are ignored.
func (e *Engine) RecordFailure(ctx context.Context, email string) (Failure, error) {
	identity, err := e.store.FindIdentityByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Failure{}, nil
		}
		return Failure{}, fmt.Errorf("lockout: %w", err)
	}
	return e.RecordFailureFor(ctx, identity)
}

// RecordFailureFor counts a failed attempt and locks the identity once the
// organization's threshold is reached. Concurrent callers each count once;
// whichever observes the threshold first performs the lock.
func (e *Engine) RecordFailureFor(ctx context.Context, identity *models.Identity) (Failure, error) {
	attempts, err := e.store.IncrementFailedAttempts(ctx, identity.ID)
	if err != nil {
		return Failure{}, fmt.Errorf("lockout: %w", err)
	}
	pol := e.policies.Resolve(ctx, identity.OrganizationID)
	if attempts < pol.MaxFailedAttempts {
		return Failure{Attempts: attempts}, nil
	}

	until := e.now().Add(pol.LockoutDuration())
	locked, err := e.store.LockIdentity(ctx, identity.ID, attempts, until)
	if err != nil {
		return Failure{}, fmt.Errorf("lockout: %w", err)
	}
	if !locked {
		// The counter moved on before the lock was written.
		return Failure{Attempts: attempts}, nil
	}
	e.metrics.Lockout()
	e.log.Warn("account locked after failed attempts",
		zap.String("user_id", identity.ID.Hex()),
		zap.Int("attempts", attempts),
		zap.Time("locked_until", until))
	return Failure{Attempts: attempts, Locked: true, Until: until}, nil
}

// RecordSuccess resets the counter for email and clears any lock.
func (e *Engine) RecordSuccess(ctx context.Context, email string) error {
	identity, err := e.store.FindIdentityByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("lockout: %w", err)
	}
	return e.RecordSuccessFor(ctx, identity)
}

// RecordSuccessFor resets the counter for a loaded identity.
func (e *Engine) RecordSuccessFor(ctx context.Context, identity *models.Identity) error {
	if err := e.store.ResetFailedAttempts(ctx, identity.ID); err != nil {
		return fmt.Errorf("lockout: %w", err)
	}
	identity.FailedLoginAttempts = 0
	identity.LockedUntil = nil
	if identity.AccountStatus == models.StatusLocked {
		identity.AccountStatus = models.StatusActive
	}
	return nil
}
