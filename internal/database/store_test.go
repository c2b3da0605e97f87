package database

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"authguard/internal/models"
	"authguard/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap/zaptest"
)

// newTestStore connects to AUTHGUARD_TEST_MONGO_URI and uses a throwaway database.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	uri := os.Getenv("AUTHGUARD_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("AUTHGUARD_TEST_MONGO_URI not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := ConnectMongoDB(ctx, uri, zaptest.NewLogger(t))
	require.NoError(t, err)

	s := NewStore(client, "authguard_test_"+primitive.NewObjectID().Hex())
	require.NoError(t, s.EnsureIndexes(ctx))
	t.Cleanup(func() {
		ctx := context.Background()
		_ = s.identities.Database().Drop(ctx)
		_ = s.Disconnect(ctx)
	})
	return s
}

func TestStore_ConcurrentFailuresAreCounted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	identity := &models.Identity{OrganizationID: "acme", Email: "ada@acme.test"}
	require.NoError(t, s.CreateIdentity(ctx, identity))

	const n = 25
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.IncrementFailedAttempts(ctx, identity.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.FindIdentityByID(ctx, identity.ID)
	require.NoError(t, err)
	assert.Equal(t, n, got.FailedLoginAttempts)
}

func TestStore_LockAndClear(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	identity := &models.Identity{OrganizationID: "acme", Email: "ada@acme.test"}
	require.NoError(t, s.CreateIdentity(ctx, identity))
	assert.ErrorIs(t, s.CreateIdentity(ctx, &models.Identity{Email: "ADA@acme.test"}), store.ErrDuplicate)

	n, err := s.IncrementFailedAttempts(ctx, identity.ID)
	require.NoError(t, err)
	until := time.Now().Add(time.Hour).Truncate(time.Millisecond).UTC()

	ok, err := s.LockIdentity(ctx, identity.ID, n+1, until)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.LockIdentity(ctx, identity.ID, n, until)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.FindIdentityByEmail(ctx, "Ada@acme.test")
	require.NoError(t, err)
	assert.Equal(t, models.StatusLocked, got.AccountStatus)
	require.NotNil(t, got.LockedUntil)

	ok, err = s.ClearExpiredLock(ctx, identity.ID, *got.LockedUntil)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err = s.FindIdentityByID(ctx, identity.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, got.AccountStatus)
	assert.Nil(t, got.LockedUntil)
	assert.Zero(t, got.FailedLoginAttempts)
}

func TestStore_BackupCodeConsumedOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	userID := primitive.NewObjectID()
	require.NoError(t, s.SavePendingTwoFactor(ctx, &models.TwoFactorCredential{
		UserID:           userID,
		Method:           models.MethodTOTP,
		BackupCodeHashes: []string{"h1", "h2"},
		UsedBackupCodes:  []string{},
	}))

	now := time.Now()
	ok, err := s.ConsumeBackupCode(ctx, userID, "h1", now)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.ConsumeBackupCode(ctx, userID, "h1", now)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.ConsumeBackupCode(ctx, userID, "unknown", now)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_TOTPStepAndChallenges(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	userID := primitive.NewObjectID()
	now := time.Now()

	_, err := s.AcceptTOTPStep(ctx, userID, 10, now)
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.SavePendingTwoFactor(ctx, &models.TwoFactorCredential{UserID: userID, Method: models.MethodTOTP}))
	ok, err := s.AcceptTOTPStep(ctx, userID, 10, now)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.AcceptTOTPStep(ctx, userID, 10, now)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.AcceptTOTPStep(ctx, userID, 11, now)
	require.NoError(t, err)
	assert.True(t, ok)

	exp := now.Add(5 * time.Minute)
	ok, err = s.ConsumeChallenge(ctx, "jti-1", exp)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.ConsumeChallenge(ctx, "jti-1", exp)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_SessionsAndEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	userID := primitive.NewObjectID()
	now := time.Now().Truncate(time.Millisecond)

	sess := &models.Session{UserID: userID, LastActivity: now, ExpiresAt: now.Add(time.Hour)}
	require.NoError(t, s.CreateSession(ctx, sess))

	active, err := s.ListActiveSessions(ctx, userID, now)
	require.NoError(t, err)
	require.Len(t, active, 1)

	ok, err := s.ExpireSession(ctx, sess.ID, now, "user_logout")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.ExpireSession(ctx, sess.ID, now, "user_logout")
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = s.ExpireSession(ctx, primitive.NewObjectID(), now, "user_logout")
	assert.ErrorIs(t, err, store.ErrNotFound)

	for _, score := range []int{30, 40, -10} {
		require.NoError(t, s.InsertEvent(ctx, &models.SecurityEvent{UserID: &userID, EventType: "login_failed", RiskScore: score, CreatedAt: now}))
	}
	total, err := s.SumRiskScore(ctx, userID, now.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 60, total)

	events, err := s.ListEvents(ctx, userID, 2)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}
