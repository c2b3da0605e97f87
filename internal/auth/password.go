package auth

import (
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	"authguard/internal/models"

	"golang.org/x/crypto/bcrypt"
)

var bcryptCost = bcrypt.DefaultCost

var (
	dummyOnce sync.Once
	dummyHash []byte
)

// HashPassword returns a bcrypt hash of the password.
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CheckPassword reports whether password matches hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// burnPasswordCheck spends the same time as a real comparison so unknown
// emails cannot be told apart by latency.
func burnPasswordCheck(password string) {
	dummyOnce.Do(func() {
		dummyHash, _ = bcrypt.GenerateFromPassword([]byte("authguard-unknown-user"), bcryptCost)
	})
	_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
}

// NewIdentity builds an active identity with a hashed password, ready for
// CredentialStore.CreateIdentity.
func NewIdentity(organizationID, email, password string) (*models.Identity, error) {
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return &models.Identity{
		OrganizationID: organizationID,
		Email:          strings.ToLower(strings.TrimSpace(email)),
		PasswordHash:   hash,
		AccountStatus:  models.StatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// ValidatePassword checks password against an organization's password rules.
func ValidatePassword(pol models.SecurityPolicy, password string) error {
	pol = pol.WithDefaults()
	if utf8.RuneCountInString(password) < pol.PasswordMinLength {
		return reject(CodeWeakPassword, fmt.Sprintf("password must be at least %d characters", pol.PasswordMinLength))
	}
	var upper, number, special bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			number = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			special = true
		}
	}
	switch {
	case pol.PasswordRequireUppercase && !upper:
		return reject(CodeWeakPassword, "password must contain an uppercase letter")
	case pol.PasswordRequireNumber && !number:
		return reject(CodeWeakPassword, "password must contain a number")
	case pol.PasswordRequireSpecial && !special:
		return reject(CodeWeakPassword, "password must contain a special character")
	}
	return nil
}
