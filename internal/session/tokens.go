package session

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Token purposes.
const (
	PurposeAccess     = "access"
	PurposePending2FA = "2fa_pending"
)

// ErrInvalidToken is returned for malformed, expired or mis-purposed tokens.
var ErrInvalidToken = errors.New("invalid or expired token")

// AuthTokens is the token pair backing a session.
type AuthTokens struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenID      string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Claims are carried by every token the issuer signs.
type Claims struct {
	OrganizationID string `json:"org,omitempty"`
	Purpose        string `json:"purpose"`
	jwt.RegisteredClaims
}

// TokenIssuer signs HS256 tokens.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer creates an issuer whose access tokens live for ttl.
func NewTokenIssuer(secret []byte, ttl time.Duration, now func() time.Time) *TokenIssuer {
	if now == nil {
		now = time.Now
	}
	return &TokenIssuer{secret: secret, ttl: ttl, now: now}
}

// Issue mints an access token and a random refresh token for a user.
func (t *TokenIssuer) Issue(userID primitive.ObjectID, organizationID string) (AuthTokens, error) {
	jti := uuid.NewString()
	exp := t.now().Add(t.ttl)
	access, err := t.sign(userID, organizationID, PurposeAccess, jti, exp)
	if err != nil {
		return AuthTokens{}, err
	}
	refresh, err := randomToken(32)
	if err != nil {
		return AuthTokens{}, err
	}
	return AuthTokens{AccessToken: access, RefreshToken: refresh, TokenID: jti, ExpiresAt: exp}, nil
}

// IssuePending mints a short-lived challenge proving the password step
// succeeded. It is not an access token.
func (t *TokenIssuer) IssuePending(userID primitive.ObjectID, ttl time.Duration) (string, time.Time, error) {
	exp := t.now().Add(ttl)
	tok, err := t.sign(userID, "", PurposePending2FA, uuid.NewString(), exp)
	return tok, exp, err
}

func (t *TokenIssuer) sign(userID primitive.ObjectID, organizationID, purpose, jti string, exp time.Time) (string, error) {
	now := t.now()
	claims := Claims{
		OrganizationID: organizationID,
		Purpose:        purpose,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.Hex(),
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("session: error signing token: %w", err)
	}
	return signed, nil
}

// Parse validates signature, purpose and expiry against the issuer's clock.
func (t *TokenIssuer) Parse(token, purpose string) (*Claims, error) {
	claims := &Claims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())
	_, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return t.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}
	if claims.Purpose != purpose || claims.ExpiresAt == nil || !t.now().Before(claims.ExpiresAt.Time) {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("session: error generating token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
