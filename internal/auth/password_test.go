package auth

import (
	"testing"

	"authguard/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashAndCheckPassword(t *testing.T) {
	hash, err := HashPassword("s3cret")
	require.NoError(t, err)
	assert.NotEqual(t, "s3cret", hash)
	assert.True(t, CheckPassword(hash, "s3cret"))
	assert.False(t, CheckPassword(hash, "S3cret"))
	assert.False(t, CheckPassword("not-a-hash", "s3cret"))
}

func TestNewIdentity(t *testing.T) {
	identity, err := NewIdentity("acme", "  Ada@Acme.TEST ", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "ada@acme.test", identity.Email)
	assert.Equal(t, models.StatusActive, identity.AccountStatus)
	assert.True(t, CheckPassword(identity.PasswordHash, "s3cret"))
	assert.False(t, identity.TwoFactorEnabled)
}

func TestValidatePassword(t *testing.T) {
	strict := models.SecurityPolicy{
		PasswordMinLength:        10,
		PasswordRequireUppercase: true,
		PasswordRequireNumber:    true,
		PasswordRequireSpecial:   true,
	}
	tests := []struct {
		name     string
		pol      models.SecurityPolicy
		password string
		valid    bool
	}{
		{"default length", models.SecurityPolicy{}, "abcdefgh", true},
		{"below default length", models.SecurityPolicy{}, "abcdefg", false},
		{"meets every rule", strict, "Tr0ub4dor&3", true},
		{"too short", strict, "Tr0ub4&", false},
		{"no uppercase", strict, "tr0ub4dor&3", false},
		{"no number", strict, "Troubadour&!", false},
		{"no special", strict, "Tr0ub4dor33", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePassword(tt.pol, tt.password)
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			assert.True(t, IsRejected(err, CodeWeakPassword), "got %v", err)
		})
	}
}
