package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"authguard/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatic_Defaults(t *testing.T) {
	p := NewStatic().Resolve(context.Background(), "unknown")
	assert.Equal(t, 5, p.MaxFailedAttempts)
	assert.Equal(t, 30, p.LockoutDurationMinutes)
	assert.Equal(t, 3, p.MaxConcurrentSessions)
	assert.Equal(t, 30, p.IdleTimeoutMinutes)
}

func TestStatic_PartialOverride(t *testing.T) {
	s := NewStatic()
	s.Set("acme", models.SecurityPolicy{MaxFailedAttempts: 3})

	p := s.Resolve(context.Background(), "acme")
	assert.Equal(t, 3, p.MaxFailedAttempts)
	assert.Equal(t, 30, p.LockoutDurationMinutes)
	assert.Equal(t, 3, p.MaxConcurrentSessions)
}

func TestLoad(t *testing.T) {
	doc := `
default:
  max_concurrent_sessions: 5
organizations:
  acme:
    max_failed_attempts: 3
    lockout_duration_minutes: 10
    require_2fa: true
`
	path := filepath.Join(t.TempDir(), "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	s, err := Load(path)
	require.NoError(t, err)

	acme := s.Resolve(context.Background(), "acme")
	assert.Equal(t, 3, acme.MaxFailedAttempts)
	assert.Equal(t, 10, acme.LockoutDurationMinutes)
	assert.Equal(t, 5, acme.MaxConcurrentSessions)
	assert.True(t, acme.Require2FA)

	other := s.Resolve(context.Background(), "globex")
	assert.Equal(t, 5, other.MaxFailedAttempts)
	assert.Equal(t, 5, other.MaxConcurrentSessions)
	assert.False(t, other.Require2FA)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("default: [1, 2"), 0o600))
	_, err = Load(path)
	assert.Error(t, err)
}
