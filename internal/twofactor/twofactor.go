// Package twofactor manages TOTP enrollment and verification with single-use
// backup codes.
package twofactor

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base32"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"authguard/internal/metrics"
	"authguard/internal/models"
	"authguard/internal/secrets"
	"authguard/internal/store"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

const (
	// BackupCodeCount is the number of backup codes issued per setup.
	BackupCodeCount = 8

	totpPeriod = 30
	// totpSkew tolerates two time steps of clock drift either way.
	totpSkew = 2
)

var (
	// ErrNotEnrolled is returned when the user has no usable credential.
	ErrNotEnrolled = errors.New("two-factor authentication is not set up")
	// ErrAlreadyEnabled is returned when setting up over a verified credential.
	ErrAlreadyEnabled = errors.New("two-factor authentication is already enabled")
	// ErrTokenReused is returned when a TOTP code is valid but its time step
	// was already accepted.
	ErrTokenReused = errors.New("verification code already used")
)

// Store is the persistence the manager needs.
type Store interface {
	store.TwoFactorStore
	FindIdentityByID(ctx context.Context, id primitive.ObjectID) (*models.Identity, error)
}

// Enrollment is returned once by Setup and never persisted in the clear.
type Enrollment struct {
	Secret         string   `json:"secret"`
	QRPayload      string   `json:"qr_payload"`
	BackupCodes    []string `json:"backup_codes"`
	ManualEntryKey string   `json:"manual_entry_key"`
}

// Manager issues and verifies second factors.
type Manager struct {
	store   Store
	cipher  secrets.Cipher
	issuer  string
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source used for TOTP windows.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithMetrics counts verification outcomes.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// New creates a manager. issuer is the name shown in authenticator apps.
func New(s Store, c secrets.Cipher, issuer string, log *zap.Logger, opts ...Option) *Manager {
	m := &Manager{store: s, cipher: c, issuer: issuer, log: log, now: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m
}

func validateOpts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      totpSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}
}

// Setup generates a new secret and backup codes and stores them unverified.
// A pending setup replaces any earlier pending one.
func (m *Manager) Setup(ctx context.Context, userID primitive.ObjectID) (*Enrollment, error) {
	identity, err := m.store.FindIdentityByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("twofactor: %w", err)
	}
	existing, err := m.store.FindTwoFactor(ctx, userID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("twofactor: %w", err)
	}
	if existing != nil && existing.IsVerified {
		return nil, ErrAlreadyEnabled
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      m.issuer,
		AccountName: identity.Email,
		Period:      totpPeriod,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("twofactor: error generating TOTP secret: %w", err)
	}
	codes, err := generateBackupCodes(BackupCodeCount)
	if err != nil {
		return nil, fmt.Errorf("twofactor: %w", err)
	}

	encSecret, err := m.cipher.Encrypt(key.Secret())
	if err != nil {
		return nil, fmt.Errorf("twofactor: %w", err)
	}
	encCodes := make([]string, len(codes))
	hashes := make([]string, len(codes))
	for i, c := range codes {
		if encCodes[i], err = m.cipher.Encrypt(c); err != nil {
			return nil, fmt.Errorf("twofactor: %w", err)
		}
		hashes[i] = HashBackupCode(c)
	}

	cred := &models.TwoFactorCredential{
		UserID:               userID,
		Method:               models.MethodTOTP,
		EncryptedSecret:      encSecret,
		EncryptedBackupCodes: encCodes,
		BackupCodeHashes:     hashes,
		UsedBackupCodes:      []string{},
		IsVerified:           false,
		CreatedAt:            m.now(),
	}
	if err := m.store.SavePendingTwoFactor(ctx, cred); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, ErrAlreadyEnabled
		}
		return nil, fmt.Errorf("twofactor: %w", err)
	}

	m.log.Info("two-factor setup started", zap.String("user_id", userID.Hex()))
	return &Enrollment{
		Secret:         key.Secret(),
		QRPayload:      key.URL(),
		BackupCodes:    codes,
		ManualEntryKey: manualEntryKey(key.Secret()),
	}, nil
}

// VerifyAndEnable confirms a pending setup with a TOTP token. On a mismatch
// nothing changes and the setup stays pending.
func (m *Manager) VerifyAndEnable(ctx context.Context, userID primitive.ObjectID, token string) (bool, error) {
	cred, err := m.load(ctx, userID)
	if err != nil {
		return false, err
	}
	if cred.IsVerified {
		return false, ErrAlreadyEnabled
	}
	ok, err := m.acceptTOTP(ctx, cred, token)
	if errors.Is(err, ErrTokenReused) {
		ok, err = false, nil
	}
	if err != nil || !ok {
		m.metrics.TwoFactor(models.MethodTOTP, "failure")
		return false, err
	}
	if err := m.store.EnableTwoFactor(ctx, userID, m.now()); err != nil {
		return false, fmt.Errorf("twofactor: %w", err)
	}
	m.metrics.TwoFactor(models.MethodTOTP, "success")
	m.log.Info("two-factor enabled", zap.String("user_id", userID.Hex()))
	return true, nil
}

// Verify checks a sign-in token: TOTP first, then an unused backup code.
// A TOTP code is accepted once per time step and never for a step older
// than the last accepted one. A backup code is consumed on success and
// never validates again.
func (m *Manager) Verify(ctx context.Context, userID primitive.ObjectID, token string) (bool, error) {
	cred, err := m.load(ctx, userID)
	if err != nil {
		return false, err
	}
	if !cred.IsVerified {
		return false, ErrNotEnrolled
	}

	ok, err := m.acceptTOTP(ctx, cred, token)
	switch {
	case errors.Is(err, ErrTokenReused):
		m.metrics.TwoFactor(models.MethodTOTP, "replay")
		m.log.Warn("rejected reused verification code", zap.String("user_id", userID.Hex()))
		return false, nil
	case err != nil:
		return false, err
	case ok:
		m.metrics.TwoFactor(models.MethodTOTP, "success")
		return true, nil
	}

	hash := HashBackupCode(token)
	if !cred.HasBackupCode(hash) || cred.BackupCodeUsed(hash) {
		m.metrics.TwoFactor(models.MethodTOTP, "failure")
		return false, nil
	}
	consumed, err := m.store.ConsumeBackupCode(ctx, userID, hash, m.now())
	if err != nil {
		return false, fmt.Errorf("twofactor: %w", err)
	}
	if !consumed {
		m.metrics.TwoFactor("backup_code", "failure")
		return false, nil
	}
	m.metrics.TwoFactor("backup_code", "success")
	m.log.Info("backup code consumed",
		zap.String("user_id", userID.Hex()),
		zap.Int("remaining", len(cred.BackupCodeHashes)-len(cred.UsedBackupCodes)-1))
	return true, nil
}

// Disable removes the credential and clears the identity flag. Callers must
// re-verify the user's password first.
func (m *Manager) Disable(ctx context.Context, userID primitive.ObjectID) error {
	if err := m.store.DisableTwoFactor(ctx, userID); err != nil {
		return fmt.Errorf("twofactor: %w", err)
	}
	m.log.Info("two-factor disabled", zap.String("user_id", userID.Hex()))
	return nil
}

// RemainingBackupCodes counts unused backup codes of a verified credential.
func (m *Manager) RemainingBackupCodes(ctx context.Context, userID primitive.ObjectID) (int, error) {
	cred, err := m.load(ctx, userID)
	if err != nil {
		return 0, err
	}
	if !cred.IsVerified {
		return 0, ErrNotEnrolled
	}
	return len(cred.BackupCodeHashes) - len(cred.UsedBackupCodes), nil
}

func (m *Manager) load(ctx context.Context, userID primitive.ObjectID) (*models.TwoFactorCredential, error) {
	cred, err := m.store.FindTwoFactor(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotEnrolled
		}
		return nil, fmt.Errorf("twofactor: %w", err)
	}
	return cred, nil
}

// acceptTOTP matches token against the drift window and claims its time
// step. It returns ErrTokenReused when the code matches a step that is not
// newer than the last accepted one.
func (m *Manager) acceptTOTP(ctx context.Context, cred *models.TwoFactorCredential, token string) (bool, error) {
	step, ok, err := m.matchTOTP(cred, token)
	if err != nil || !ok {
		return false, err
	}
	if step <= cred.LastTOTPStep {
		return false, ErrTokenReused
	}
	accepted, err := m.store.AcceptTOTPStep(ctx, cred.UserID, step, m.now())
	if err != nil {
		return false, fmt.Errorf("twofactor: %w", err)
	}
	if !accepted {
		return false, ErrTokenReused
	}
	return true, nil
}

// matchTOTP returns the time step whose code equals token, searching
// totpSkew steps either side of now.
func (m *Manager) matchTOTP(cred *models.TwoFactorCredential, token string) (int64, bool, error) {
	secret, err := m.cipher.Decrypt(cred.EncryptedSecret)
	if err != nil {
		return 0, false, fmt.Errorf("twofactor: %w", err)
	}
	token = strings.TrimSpace(token)
	if len(token) != int(otp.DigitsSix) {
		return 0, false, nil
	}
	opts := validateOpts()
	current := m.now().Unix() / totpPeriod
	for i := int64(-totpSkew); i <= totpSkew; i++ {
		step := current + i
		expected, err := totp.GenerateCodeCustom(secret, time.Unix(step*totpPeriod, 0).UTC(), opts)
		if err != nil {
			return 0, false, nil
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(token)) == 1 {
			return step, true, nil
		}
	}
	return 0, false, nil
}

// HashBackupCode returns the lookup hash of a backup code. Codes are
// compared case-insensitively and without separators.
func HashBackupCode(code string) string {
	sum := sha256.Sum256([]byte(normalizeBackupCode(code)))
	return hex.EncodeToString(sum[:])
}

func normalizeBackupCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	code = strings.ReplaceAll(code, "-", "")
	return strings.ReplaceAll(code, " ", "")
}

var backupEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// generateBackupCodes returns codes formatted as XXXX-XXXX.
func generateBackupCodes(count int) ([]string, error) {
	codes := make([]string, count)
	for i := range codes {
		b := make([]byte, 5)
		if _, err := rand.Read(b); err != nil {
			return nil, fmt.Errorf("failed to generate backup code: %w", err)
		}
		s := backupEncoding.EncodeToString(b)
		codes[i] = s[:4] + "-" + s[4:8]
	}
	return codes, nil
}

// manualEntryKey groups the secret in blocks of four for typing.
func manualEntryKey(secret string) string {
	var b strings.Builder
	for i, r := range secret {
		if i > 0 && i%4 == 0 {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
	}
	return b.String()
}
