// Package api exposes the authentication gateway over HTTP/JSON.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"authguard/internal/auth"
	"authguard/internal/session"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"
)

// Options tune the HTTP surface.
type Options struct {
	// RateLimitRPS and RateLimitBurst bound sign-in and 2FA requests per client IP.
	RateLimitRPS   float64
	RateLimitBurst int
	// Gatherer backs /metrics; prometheus.DefaultGatherer when nil.
	Gatherer prometheus.Gatherer
	// Health is checked by /healthz.
	Health func(ctx context.Context) error
	// AllowedOrigins enables CORS for browser clients.
	AllowedOrigins []string
	// TrustProxyHeaders takes the client IP from X-Forwarded-For and
	// X-Real-IP. Enable only behind a proxy that overwrites them.
	TrustProxyHeaders bool
}

// Server holds the HTTP handlers.
type Server struct {
	gw      *auth.Gateway
	tokens  *session.TokenIssuer
	log     *zap.Logger
	limiter *ipLimiter
	opts    Options
	now     func() time.Time
}

// NewServer creates the HTTP layer for gw.
func NewServer(gw *auth.Gateway, tokens *session.TokenIssuer, log *zap.Logger, opts Options) *Server {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		gw:      gw,
		tokens:  tokens,
		log:     log,
		limiter: newIPLimiter(opts.RateLimitRPS, opts.RateLimitBurst, opts.TrustProxyHeaders),
		opts:    opts,
		now:     time.Now,
	}
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	router := mux.NewRouter()
	router.Use(withRequestID)

	router.HandleFunc("/healthz", s.healthHandler).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	public := router.PathPrefix("/api/auth").Subrouter()
	public.Use(s.limiter.middleware)
	public.HandleFunc("/sign-in", s.signInHandler).Methods(http.MethodPost)
	public.HandleFunc("/verify-2fa", s.verifyTwoFactorHandler).Methods(http.MethodPost)

	users := router.PathPrefix("/api/users/{userID}").Subrouter()
	users.Use(s.requireSession, s.requireOwner)
	users.Handle("/2fa/setup", s.limiter.middleware(http.HandlerFunc(s.setupTwoFactorHandler))).Methods(http.MethodPost)
	users.Handle("/2fa/enable", s.limiter.middleware(http.HandlerFunc(s.enableTwoFactorHandler))).Methods(http.MethodPost)
	users.Handle("/2fa/disable", s.limiter.middleware(http.HandlerFunc(s.disableTwoFactorHandler))).Methods(http.MethodPost)
	users.HandleFunc("/sessions", s.listSessionsHandler).Methods(http.MethodGet)
	users.HandleFunc("/sessions/{sessionID}/validate", s.validateSessionHandler).Methods(http.MethodPost)
	users.HandleFunc("/security-events", s.securityEventsHandler).Methods(http.MethodGet)

	sessions := router.PathPrefix("/api/sessions").Subrouter()
	sessions.Use(s.requireSession)
	sessions.HandleFunc("/{sessionID}", s.terminateSessionHandler).Methods(http.MethodDelete)

	var h http.Handler = router
	if len(s.opts.AllowedOrigins) > 0 {
		h = handlers.CORS(
			handlers.AllowedOrigins(s.opts.AllowedOrigins),
			handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodDelete}),
			handlers.AllowedHeaders([]string{"Authorization", "Content-Type", "X-Request-ID"}),
		)(h)
	}
	return handlers.RecoveryHandler(handlers.RecoveryLogger(zap.NewStdLog(s.log)))(h)
}

// requireOwner restricts /api/users/{userID} routes to that user.
func (s *Server) requireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := principalFrom(r.Context())
		if p == nil || p.Claims.Subject != mux.Vars(r)["userID"] {
			writeJSONError(w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type errorResponse struct {
	Error       string     `json:"error"`
	Code        string     `json:"code,omitempty"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeJSONError writes an error response in JSON.
func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeAuthError maps gateway errors to HTTP. Backend failures never leak
// their cause.
func (s *Server) writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	var rejected *auth.RejectedError
	if !errors.As(err, &rejected) {
		if !errors.Is(err, auth.ErrServiceUnavailable) {
			s.log.Error("unexpected gateway error",
				zap.String("request_id", requestID(r.Context())),
				zap.Error(err))
		}
		writeJSONError(w, http.StatusServiceUnavailable, auth.ErrServiceUnavailable.Error())
		return
	}
	status := http.StatusUnauthorized
	switch rejected.Code {
	case auth.CodeAccountLocked:
		status = http.StatusLocked
	case auth.CodeUnknownUser, auth.CodeSessionNotFound:
		status = http.StatusNotFound
	case auth.CodeTwoFactorAlreadyEnabled, auth.CodeSessionNotActive:
		status = http.StatusConflict
	case auth.CodeTwoFactorNotEnrolled:
		status = http.StatusBadRequest
	}
	writeJSON(w, status, errorResponse{
		Error:       rejected.Reason,
		Code:        string(rejected.Code),
		LockedUntil: rejected.LockedUntil,
	})
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid request payload")
		return false
	}
	return true
}

func parseObjectID(s string) (primitive.ObjectID, error) {
	return primitive.ObjectIDFromHex(s)
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request, name string) (primitive.ObjectID, bool) {
	id, err := parseObjectID(mux.Vars(r)[name])
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid "+name)
		return primitive.NilObjectID, false
	}
	return id, true
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if s.opts.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.opts.Health(ctx); err != nil {
			s.log.Warn("health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
