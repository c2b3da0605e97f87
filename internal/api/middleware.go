package api

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"authguard/internal/models"
	"authguard/internal/session"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	principalKey
)

// principal is the caller behind a bearer token.
type principal struct {
	Claims  *session.Claims
	Session *models.Session
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func principalFrom(ctx context.Context) *principal {
	p, _ := ctx.Value(principalKey).(*principal)
	return p
}

// withRequestID tags every request with an id, reusing the caller's.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// clientIP returns the socket address, or the proxy headers when the
// server runs behind a proxy that sets them.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if i := strings.Index(xff, ","); i > 0 {
				return strings.TrimSpace(xff[:i])
			}
			return strings.TrimSpace(xff)
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return strings.TrimSpace(xri)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipLimiter is a per-client-IP token bucket.
type ipLimiter struct {
	mu        sync.Mutex
	visitors  map[string]*visitor
	limit     rate.Limit
	burst     int
	ttl       time.Duration
	lastSweep time.Time

	trustProxy bool
}

func newIPLimiter(rps float64, burst int, trustProxy bool) *ipLimiter {
	if rps <= 0 {
		rps = 1
	}
	if burst <= 0 {
		burst = 5
	}
	return &ipLimiter{
		visitors:   make(map[string]*visitor),
		limit:      rate.Limit(rps),
		burst:      burst,
		ttl:        10 * time.Minute,
		trustProxy: trustProxy,
	}
}

func (l *ipLimiter) allow(ip string) bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.lastSweep) > time.Minute {
		for k, v := range l.visitors {
			if now.Sub(v.lastSeen) > l.ttl {
				delete(l.visitors, k)
			}
		}
		l.lastSweep = now
	}
	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

func (l *ipLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(clientIP(r, l.trustProxy)) {
			writeJSONError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireSession authenticates a bearer access token and checks that the
// session behind it is still live.
func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if raw == "" || raw == r.Header.Get("Authorization") {
			writeJSONError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := s.tokens.Parse(raw, session.PurposeAccess)
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		userID, err := parseObjectID(claims.Subject)
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		sessions, err := s.gw.ListSessions(r.Context(), userID)
		if err != nil {
			s.writeAuthError(w, r, err)
			return
		}
		var current *models.Session
		for _, sess := range sessions {
			if sess.TokenID == claims.ID {
				current = sess
				break
			}
		}
		if current == nil {
			writeJSONError(w, http.StatusUnauthorized, "session has ended")
			return
		}
		ok, err := s.gw.ValidateSessionSecurity(r.Context(), userID, current.ID)
		if err != nil {
			s.writeAuthError(w, r, err)
			return
		}
		if !ok {
			writeJSONError(w, http.StatusUnauthorized, "session has ended")
			return
		}
		s.log.Debug("request authenticated",
			zap.String("request_id", requestID(r.Context())),
			zap.String("user_id", claims.Subject))
		ctx := context.WithValue(r.Context(), principalKey, &principal{Claims: claims, Session: current})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
