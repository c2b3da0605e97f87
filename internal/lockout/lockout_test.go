package lockout

import (
	"context"
	"sync"
	"testing"
	"time"

	"authguard/internal/models"
	"authguard/internal/policy"
	"authguard/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap/zaptest"
)

type fixture struct {
	mem      *store.Memory
	policies *policy.Static
	engine   *Engine
	now      time.Time
	identity *models.Identity
}

func newFixture(t *testing.T, pol models.SecurityPolicy) *fixture {
	t.Helper()
	f := &fixture{
		mem:      store.NewMemory(),
		policies: policy.NewStatic(),
		now:      time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC),
	}
	f.policies.Set("acme", pol)
	f.engine = New(f.mem, f.policies, zaptest.NewLogger(t), WithClock(func() time.Time { return f.now }))
	f.identity = &models.Identity{OrganizationID: "acme", Email: "ada@acme.test"}
	require.NoError(t, f.mem.CreateIdentity(context.Background(), f.identity))
	return f
}

func TestRecordFailure_LocksAtThreshold(t *testing.T) {
	f := newFixture(t, models.SecurityPolicy{MaxFailedAttempts: 3, LockoutDurationMinutes: 15})
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		res, err := f.engine.RecordFailure(ctx, "ada@acme.test")
		require.NoError(t, err)
		assert.Equal(t, i, res.Attempts)
		assert.False(t, res.Locked)
	}

	res, err := f.engine.RecordFailure(ctx, "ada@acme.test")
	require.NoError(t, err)
	assert.True(t, res.Locked)
	assert.Equal(t, f.now.Add(15*time.Minute), res.Until)

	status, err := f.engine.CheckLockout(ctx, "ada@acme.test")
	require.NoError(t, err)
	assert.True(t, status.Locked)
	assert.Contains(t, status.Reason, "account locked until")

	stored, err := f.mem.FindIdentityByID(ctx, f.identity.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusLocked, stored.AccountStatus)
}

func TestCheckLockout_LazyExpiry(t *testing.T) {
	f := newFixture(t, models.SecurityPolicy{MaxFailedAttempts: 1, LockoutDurationMinutes: 30})
	ctx := context.Background()

	_, err := f.engine.RecordFailure(ctx, "ada@acme.test")
	require.NoError(t, err)

	f.now = f.now.Add(29 * time.Minute)
	status, err := f.engine.CheckLockout(ctx, "ada@acme.test")
	require.NoError(t, err)
	assert.True(t, status.Locked)

	f.now = f.now.Add(2 * time.Minute)
	status, err = f.engine.CheckLockout(ctx, "ada@acme.test")
	require.NoError(t, err)
	assert.False(t, status.Locked)

	stored, err := f.mem.FindIdentityByID(ctx, f.identity.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.LockedUntil)
	assert.Zero(t, stored.FailedLoginAttempts)
	assert.Equal(t, models.StatusActive, stored.AccountStatus)
}

func TestRecordSuccess_Resets(t *testing.T) {
	f := newFixture(t, models.SecurityPolicy{MaxFailedAttempts: 5})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.engine.RecordFailure(ctx, "ada@acme.test")
		require.NoError(t, err)
	}
	require.NoError(t, f.engine.RecordSuccess(ctx, "ada@acme.test"))

	stored, err := f.mem.FindIdentityByID(ctx, f.identity.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.FailedLoginAttempts)
	assert.Nil(t, stored.LockedUntil)
}

func TestRecordFailure_ConcurrentAttemptsAllCount(t *testing.T) {
	f := newFixture(t, models.SecurityPolicy{MaxFailedAttempts: 1000})
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := f.engine.RecordFailure(ctx, "ada@acme.test")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stored, err := f.mem.FindIdentityByID(ctx, f.identity.ID)
	require.NoError(t, err)
	assert.Equal(t, n, stored.FailedLoginAttempts)
}

func TestRecordFailure_ConcurrentAttemptsCannotBypassThreshold(t *testing.T) {
	f := newFixture(t, models.SecurityPolicy{MaxFailedAttempts: 5})
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(10)
	for i := 0; i < 10; i++ {
		go func() {
			defer wg.Done()
			_, _ = f.engine.RecordFailure(ctx, "ada@acme.test")
		}()
	}
	wg.Wait()

	status, err := f.engine.CheckLockout(ctx, "ada@acme.test")
	require.NoError(t, err)
	assert.True(t, status.Locked)
}

func TestCheckLockout_AccountStatus(t *testing.T) {
	f := newFixture(t, models.SecurityPolicy{})
	ctx := context.Background()

	suspended := &models.Identity{OrganizationID: "acme", Email: "sus@acme.test", AccountStatus: models.StatusSuspended}
	require.NoError(t, f.mem.CreateIdentity(ctx, suspended))

	status, err := f.engine.CheckLockout(ctx, "sus@acme.test")
	require.NoError(t, err)
	assert.True(t, status.Locked)
	assert.Equal(t, "account suspended", status.Reason)
}

func TestUnknownEmail(t *testing.T) {
	f := newFixture(t, models.SecurityPolicy{})
	ctx := context.Background()

	status, err := f.engine.CheckLockout(ctx, "nobody@acme.test")
	require.NoError(t, err)
	assert.False(t, status.Locked)

	res, err := f.engine.RecordFailure(ctx, "nobody@acme.test")
	require.NoError(t, err)
	assert.Zero(t, res.Attempts)
}

func TestDefaultPolicyWhenOrganizationUnknown(t *testing.T) {
	f := newFixture(t, models.SecurityPolicy{})
	ctx := context.Background()

	orphan := &models.Identity{OrganizationID: "nowhere", Email: "orphan@x.test"}
	require.NoError(t, f.mem.CreateIdentity(ctx, orphan))

	for i := 0; i < models.DefaultMaxFailedAttempts-1; i++ {
		res, err := f.engine.RecordFailure(ctx, "orphan@x.test")
		require.NoError(t, err)
		assert.False(t, res.Locked)
	}
	res, err := f.engine.RecordFailure(ctx, "orphan@x.test")
	require.NoError(t, err)
	assert.True(t, res.Locked)
	assert.Equal(t, f.now.Add(models.DefaultLockoutDurationMinutes*time.Minute), res.Until)
}

// racingStore runs a hook once, just before the wrapped compare-and-set.
type racingStore struct {
	*store.Memory
	beforeLock  func()
	beforeClear func()
}

func (s *racingStore) LockIdentity(ctx context.Context, id primitive.ObjectID, attempts int, until time.Time) (bool, error) {
	if s.beforeLock != nil {
		s.beforeLock()
		s.beforeLock = nil
	}
	return s.Memory.LockIdentity(ctx, id, attempts, until)
}

func (s *racingStore) ClearExpiredLock(ctx context.Context, id primitive.ObjectID, lockedUntil time.Time) (bool, error) {
	if s.beforeClear != nil {
		s.beforeClear()
		s.beforeClear = nil
	}
	return s.Memory.ClearExpiredLock(ctx, id, lockedUntil)
}

func TestRecordFailure_LostLockIsNotReported(t *testing.T) {
	f := newFixture(t, models.SecurityPolicy{MaxFailedAttempts: 1})
	ctx := context.Background()
	rs := &racingStore{Memory: f.mem}
	engine := New(rs, f.policies, zaptest.NewLogger(t), WithClock(func() time.Time { return f.now }))

	// A correct password lands between the increment and the lock.
	rs.beforeLock = func() {
		require.NoError(t, f.mem.ResetFailedAttempts(ctx, f.identity.ID))
	}
	res, err := engine.RecordFailure(ctx, "ada@acme.test")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempts)
	assert.False(t, res.Locked)
	assert.True(t, res.Until.IsZero())

	stored, err := f.mem.FindIdentityByID(ctx, f.identity.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.LockedUntil)
	assert.Equal(t, models.StatusActive, stored.AccountStatus)
}

func TestEvaluate_ExpiredLockReplacedConcurrently(t *testing.T) {
	f := newFixture(t, models.SecurityPolicy{MaxFailedAttempts: 1, LockoutDurationMinutes: 30})
	ctx := context.Background()
	rs := &racingStore{Memory: f.mem}
	engine := New(rs, f.policies, zaptest.NewLogger(t), WithClock(func() time.Time { return f.now }))

	_, err := engine.RecordFailure(ctx, "ada@acme.test")
	require.NoError(t, err)
	identity, err := f.mem.FindIdentityByID(ctx, f.identity.ID)
	require.NoError(t, err)

	// The old lock has expired, but another request locks again first.
	f.now = f.now.Add(31 * time.Minute)
	relock := f.now.Add(30 * time.Minute)
	rs.beforeClear = func() {
		n, err := f.mem.IncrementFailedAttempts(ctx, f.identity.ID)
		require.NoError(t, err)
		ok, err := f.mem.LockIdentity(ctx, f.identity.ID, n, relock)
		require.NoError(t, err)
		require.True(t, ok)
	}

	status, err := engine.Evaluate(ctx, identity)
	require.NoError(t, err)
	assert.True(t, status.Locked)
	require.NotNil(t, status.Until)
	assert.Equal(t, relock, *status.Until)
	require.NotNil(t, identity.LockedUntil)
	assert.Equal(t, relock, *identity.LockedUntil)

	stored, err := f.mem.FindIdentityByID(ctx, f.identity.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LockedUntil)
	assert.Equal(t, relock, *stored.LockedUntil)
}
