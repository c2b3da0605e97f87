package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"authguard/internal/audit"
	"authguard/internal/auth"
	"authguard/internal/lockout"
	"authguard/internal/metrics"
	"authguard/internal/models"
	"authguard/internal/policy"
	"authguard/internal/secrets"
	"authguard/internal/session"
	"authguard/internal/store"
	"authguard/internal/twofactor"

	"github.com/pquerna/otp/totp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const password = "correct horse battery staple"

type fixture struct {
	mem      *store.Memory
	policies *policy.Static
	handler  http.Handler
	identity *models.Identity
}

func newFixture(t *testing.T, pol models.SecurityPolicy, opts Options) *fixture {
	t.Helper()
	f := &fixture{mem: store.NewMemory(), policies: policy.NewStatic()}
	f.policies.Set("acme", pol)

	identity, err := auth.NewIdentity("acme", "ada@acme.test", password)
	require.NoError(t, err)
	require.NoError(t, f.mem.CreateIdentity(context.Background(), identity))
	f.identity = identity

	f.handler = f.server(t, f.mem, opts).Router()
	return f
}

func (f *fixture) server(t *testing.T, creds store.CredentialStore, opts Options) *Server {
	t.Helper()
	log := zaptest.NewLogger(t)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	cipher, err := secrets.NewAESGCM("test-key")
	require.NoError(t, err)
	auditLog := audit.New(f.mem, log, audit.WithMetrics(m))
	tokens := session.NewTokenIssuer([]byte("jwt-secret"), time.Hour, nil)
	gw := auth.New(auth.Components{
		Store:     creds,
		Policies:  f.policies,
		Lockout:   lockout.New(creds, f.policies, log, lockout.WithMetrics(m)),
		TwoFactor: twofactor.New(creds, cipher, "AuthGuard", log, twofactor.WithMetrics(m)),
		Sessions:  session.New(creds, f.policies, auditLog, log, session.WithMetrics(m)),
		Tokens:    tokens,
		Audit:     auditLog,
		Metrics:   m,
		Logger:    log,
	})
	if opts.RateLimitRPS == 0 {
		opts.RateLimitRPS, opts.RateLimitBurst = 100, 100
	}
	opts.Gatherer = reg
	return NewServer(gw, tokens, log, opts)
}

func (f *fixture) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "api-test")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

type signInResponse struct {
	User struct {
		ID string `json:"id"`
	} `json:"user"`
	Session *struct {
		ID string `json:"id"`
	} `json:"session"`
	Tokens *struct {
		AccessToken string `json:"access_token"`
	} `json:"tokens"`
	Requires2FA  bool   `json:"requires_2fa"`
	PendingToken string `json:"pending_token"`
}

func (f *fixture) signIn(t *testing.T) signInResponse {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/auth/sign-in", "", map[string]string{"email": "ada@acme.test", "password": password})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res signInResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	return res
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var e errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	return e
}

func TestSignIn(t *testing.T) {
	f := newFixture(t, models.SecurityPolicy{}, Options{})

	res := f.signIn(t)
	assert.Equal(t, f.identity.ID.Hex(), res.User.ID)
	require.NotNil(t, res.Tokens)
	assert.NotEmpty(t, res.Tokens.AccessToken)
	require.NotNil(t, res.Session)
	assert.False(t, res.Requires2FA)
}

func TestSignIn_BadRequest(t *testing.T) {
	f := newFixture(t, models.SecurityPolicy{}, Options{})

	rec := f.do(t, http.MethodPost, "/api/auth/sign-in", "", map[string]string{"email": "ada@acme.test"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSignIn_WrongPasswordThenLocked(t *testing.T) {
	f := newFixture(t, models.SecurityPolicy{MaxFailedAttempts: 2, LockoutDurationMinutes: 5}, Options{})
	wrong := map[string]string{"email": "ada@acme.test", "password": "nope"}

	for i := 0; i < 2; i++ {
		rec := f.do(t, http.MethodPost, "/api/auth/sign-in", "", wrong)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, string(auth.CodeInvalidCredentials), decodeError(t, rec).Code)
	}

	rec := f.do(t, http.MethodPost, "/api/auth/sign-in", "", map[string]string{"email": "ada@acme.test", "password": password})
	require.Equal(t, http.StatusLocked, rec.Code)
	e := decodeError(t, rec)
	assert.Equal(t, string(auth.CodeAccountLocked), e.Code)
	assert.NotNil(t, e.LockedUntil)
}

func TestSignIn_RateLimitedPerIP(t *testing.T) {
	f := newFixture(t, models.SecurityPolicy{}, Options{RateLimitRPS: 0.001, RateLimitBurst: 2})
	wrong := map[string]string{"email": "nobody@acme.test", "password": "nope"}

	for i := 0; i < 2; i++ {
		rec := f.do(t, http.MethodPost, "/api/auth/sign-in", "", wrong)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}
	rec := f.do(t, http.MethodPost, "/api/auth/sign-in", "", wrong)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func (f *fixture) signInFrom(t *testing.T, forwardedFor string) int {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(map[string]string{"email": "nobody@acme.test", "password": "nope"}))
	req := httptest.NewRequest(http.MethodPost, "/api/auth/sign-in", &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-For", forwardedFor)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec.Code
}

func TestSignIn_ForwardedForIgnoredByDefault(t *testing.T) {
	f := newFixture(t, models.SecurityPolicy{}, Options{RateLimitRPS: 0.001, RateLimitBurst: 2})

	assert.Equal(t, http.StatusUnauthorized, f.signInFrom(t, "198.51.100.1"))
	assert.Equal(t, http.StatusUnauthorized, f.signInFrom(t, "198.51.100.2"))
	assert.Equal(t, http.StatusTooManyRequests, f.signInFrom(t, "198.51.100.3"))

	events := f.mem.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, "192.0.2.1", events[0].IPAddress)
}

func TestSignIn_ForwardedForTrustedBehindProxy(t *testing.T) {
	f := newFixture(t, models.SecurityPolicy{}, Options{RateLimitRPS: 0.001, RateLimitBurst: 1, TrustProxyHeaders: true})

	assert.Equal(t, http.StatusUnauthorized, f.signInFrom(t, "198.51.100.1, 10.0.0.1"))
	assert.Equal(t, http.StatusUnauthorized, f.signInFrom(t, "198.51.100.2"))
	assert.Equal(t, http.StatusTooManyRequests, f.signInFrom(t, "198.51.100.1"))

	events := f.mem.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, "198.51.100.1", events[0].IPAddress)
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		trust   bool
		want    string
	}{
		{"socket address", nil, false, "192.0.2.1"},
		{"forwarded for untrusted", map[string]string{"X-Forwarded-For": "198.51.100.7"}, false, "192.0.2.1"},
		{"real ip untrusted", map[string]string{"X-Real-IP": "198.51.100.8"}, false, "192.0.2.1"},
		{"forwarded for trusted", map[string]string{"X-Forwarded-For": "198.51.100.7, 10.0.0.1"}, true, "198.51.100.7"},
		{"real ip trusted", map[string]string{"X-Real-IP": "198.51.100.8"}, true, "198.51.100.8"},
		{"trusted without headers", nil, true, "192.0.2.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, clientIP(req, tt.trust))
		})
	}
}

func TestProtectedRoutes(t *testing.T) {
	f := newFixture(t, models.SecurityPolicy{}, Options{})
	res := f.signIn(t)
	path := "/api/users/" + f.identity.ID.Hex() + "/sessions"

	rec := f.do(t, http.MethodGet, path, "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, path, "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	other, err := auth.NewIdentity("acme", "grace@acme.test", password)
	require.NoError(t, err)
	require.NoError(t, f.mem.CreateIdentity(context.Background(), other))
	rec = f.do(t, http.MethodGet, "/api/users/"+other.ID.Hex()+"/sessions", res.Tokens.AccessToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodGet, path, res.Tokens.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Sessions       []map[string]interface{} `json:"sessions"`
		CurrentSession string                   `json:"current_session"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Sessions, 1)
	assert.Equal(t, res.Session.ID, body.CurrentSession)
	assert.NotContains(t, rec.Body.String(), res.Tokens.AccessToken)
}

func TestLogoutRevokesToken(t *testing.T) {
	f := newFixture(t, models.SecurityPolicy{}, Options{})
	res := f.signIn(t)

	rec := f.do(t, http.MethodDelete, "/api/sessions/"+res.Session.ID, res.Tokens.AccessToken, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/users/"+f.identity.ID.Hex()+"/sessions", res.Tokens.AccessToken, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTerminateSession_OtherUsersSession(t *testing.T) {
	f := newFixture(t, models.SecurityPolicy{}, Options{})
	mine := f.signIn(t)

	other, err := auth.NewIdentity("acme", "grace@acme.test", password)
	require.NoError(t, err)
	require.NoError(t, f.mem.CreateIdentity(context.Background(), other))
	rec := f.do(t, http.MethodPost, "/api/auth/sign-in", "", map[string]string{"email": "grace@acme.test", "password": password})
	require.Equal(t, http.StatusOK, rec.Code)
	var theirs signInResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &theirs))

	rec = f.do(t, http.MethodDelete, "/api/sessions/"+theirs.Session.ID, mine.Tokens.AccessToken, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTwoFactorFlow(t *testing.T) {
	f := newFixture(t, models.SecurityPolicy{}, Options{})
	first := f.signIn(t)
	base := "/api/users/" + f.identity.ID.Hex()

	rec := f.do(t, http.MethodPost, base+"/2fa/setup", first.Tokens.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	var enr twofactor.Enrollment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &enr))
	require.Len(t, enr.BackupCodes, twofactor.BackupCodeCount)

	code, err := totp.GenerateCode(enr.Secret, time.Now())
	require.NoError(t, err)
	rec = f.do(t, http.MethodPost, base+"/2fa/enable", first.Tokens.AccessToken, map[string]string{"token": code})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	second := f.signIn(t)
	assert.True(t, second.Requires2FA)
	assert.Nil(t, second.Tokens)
	require.NotEmpty(t, second.PendingToken)

	rec = f.do(t, http.MethodPost, "/api/auth/verify-2fa", "", map[string]string{
		"user_id":       f.identity.ID.Hex(),
		"token":         enr.BackupCodes[0],
		"pending_token": second.PendingToken,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var verified signInResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &verified))
	require.NotNil(t, verified.Tokens)

	rec = f.do(t, http.MethodPost, "/api/auth/verify-2fa", "", map[string]string{
		"user_id":       f.identity.ID.Hex(),
		"token":         enr.BackupCodes[0],
		"pending_token": second.PendingToken,
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, string(auth.CodeInvalid2FAToken), decodeError(t, rec).Code)

	rec = f.do(t, http.MethodPost, base+"/2fa/disable", verified.Tokens.AccessToken, map[string]string{"password": "nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = f.do(t, http.MethodPost, base+"/2fa/disable", verified.Tokens.AccessToken, map[string]string{"password": password})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSecurityEvents(t *testing.T) {
	f := newFixture(t, models.SecurityPolicy{}, Options{})
	f.do(t, http.MethodPost, "/api/auth/sign-in", "", map[string]string{"email": "ada@acme.test", "password": "nope"})
	res := f.signIn(t)

	rec := f.do(t, http.MethodGet, "/api/users/"+f.identity.ID.Hex()+"/security-events?limit=10", res.Tokens.AccessToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Events    []models.SecurityEvent `json:"events"`
		RiskScore int                    `json:"risk_score"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Events, 2)
	assert.Equal(t, audit.EventLoginSuccess, body.Events[0].EventType)
	assert.Equal(t, audit.RiskLoginFailed, body.RiskScore)

	rec = f.do(t, http.MethodGet, "/api/users/"+f.identity.ID.Hex()+"/security-events?limit=x", res.Tokens.AccessToken, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type brokenStore struct {
	*store.Memory
}

func (brokenStore) FindIdentityByEmail(context.Context, string) (*models.Identity, error) {
	return nil, errors.New("server selection timeout")
}

func TestSignIn_ServiceError(t *testing.T) {
	f := newFixture(t, models.SecurityPolicy{}, Options{})
	f.handler = f.server(t, brokenStore{f.mem}, Options{}).Router()

	rec := f.do(t, http.MethodPost, "/api/auth/sign-in", "", map[string]string{"email": "ada@acme.test", "password": password})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "authentication service error", decodeError(t, rec).Error)
	assert.NotContains(t, rec.Body.String(), "server selection")
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, models.SecurityPolicy{}, Options{})
	f.signIn(t)

	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = f.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `authguard_sign_ins_total{outcome="success"} 1`)

	f.handler = f.server(t, f.mem, Options{Health: func(context.Context) error { return errors.New("down") }}).Router()
	rec = f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
