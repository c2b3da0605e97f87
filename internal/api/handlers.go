package api

import (
	"net/http"
	"strconv"
	"time"

	"authguard/internal/models"

	"github.com/gorilla/mux"
)

// riskWindow is the look-back used for the risk score on /security-events.
const riskWindow = 24 * time.Hour

func deviceFrom(r *http.Request, d models.DeviceInfo) models.DeviceInfo {
	if d.UserAgent == "" {
		d.UserAgent = r.UserAgent()
	}
	return d
}

func (s *Server) signInHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string            `json:"email"`
		Password string            `json:"password"`
		Device   models.DeviceInfo `json:"device_info"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Email == "" || req.Password == "" {
		writeJSONError(w, http.StatusBadRequest, "Missing fields")
		return
	}
	res, err := s.gw.SignIn(r.Context(), req.Email, req.Password, deviceFrom(r, req.Device), clientIP(r, s.opts.TrustProxyHeaders))
	if err != nil {
		s.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) verifyTwoFactorHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID       string            `json:"user_id"`
		Token        string            `json:"token"`
		PendingToken string            `json:"pending_token"`
		Device       models.DeviceInfo `json:"device_info"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == "" || req.Token == "" || req.PendingToken == "" {
		writeJSONError(w, http.StatusBadRequest, "Missing fields")
		return
	}
	userID, err := parseObjectID(req.UserID)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid user_id")
		return
	}
	res, err := s.gw.VerifyTwoFactor(r.Context(), userID, req.Token, req.PendingToken, deviceFrom(r, req.Device), clientIP(r, s.opts.TrustProxyHeaders))
	if err != nil {
		s.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) setupTwoFactorHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.pathID(w, r, "userID")
	if !ok {
		return
	}
	enrollment, err := s.gw.SetupTwoFactor(r.Context(), userID)
	if err != nil {
		s.writeAuthError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, enrollment)
}

func (s *Server) enableTwoFactorHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.pathID(w, r, "userID")
	if !ok {
		return
	}
	var req struct {
		Token string `json:"token"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Token == "" {
		writeJSONError(w, http.StatusBadRequest, "Missing fields")
		return
	}
	enabled, err := s.gw.VerifyAndEnable2FA(r.Context(), userID, req.Token)
	if err != nil {
		s.writeAuthError(w, r, err)
		return
	}
	if !enabled {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid verification code", Code: "invalid_2fa_token"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": true})
}

func (s *Server) disableTwoFactorHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.pathID(w, r, "userID")
	if !ok {
		return
	}
	var req struct {
		Password string `json:"password"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Password == "" {
		writeJSONError(w, http.StatusBadRequest, "Missing fields")
		return
	}
	disabled, err := s.gw.Disable2FA(r.Context(), userID, req.Password)
	if err != nil {
		s.writeAuthError(w, r, err)
		return
	}
	if !disabled {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid password", Code: "invalid_credentials"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": false})
}

func (s *Server) listSessionsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.pathID(w, r, "userID")
	if !ok {
		return
	}
	sessions, err := s.gw.ListSessions(r.Context(), userID)
	if err != nil {
		s.writeAuthError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []*models.Session{}
	}
	current := principalFrom(r.Context()).Session.ID
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions":        sessions,
		"current_session": current,
	})
}

func (s *Server) validateSessionHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.pathID(w, r, "userID")
	if !ok {
		return
	}
	sessionID, ok := s.pathID(w, r, "sessionID")
	if !ok {
		return
	}
	valid, err := s.gw.ValidateSessionSecurity(r.Context(), userID, sessionID)
	if err != nil {
		s.writeAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"valid": valid})
}

// terminateSessionHandler ends one of the caller's own sessions.
func (s *Server) terminateSessionHandler(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := s.pathID(w, r, "sessionID")
	if !ok {
		return
	}
	p := principalFrom(r.Context())
	sessions, err := s.gw.ListSessions(r.Context(), p.Session.UserID)
	if err != nil {
		s.writeAuthError(w, r, err)
		return
	}
	owned := false
	for _, sess := range sessions {
		if sess.ID == sessionID {
			owned = true
			break
		}
	}
	if !owned {
		writeJSONError(w, http.StatusNotFound, "session not found")
		return
	}
	if err := s.gw.TerminateSession(r.Context(), sessionID, r.URL.Query().Get("reason")); err != nil {
		s.writeAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) securityEventsHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.pathID(w, r, "userID")
	if !ok {
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	events, err := s.gw.SecurityEvents(r.Context(), userID, limit)
	if err != nil {
		s.writeAuthError(w, r, err)
		return
	}
	since := s.now().Add(-riskWindow)
	risk, err := s.gw.RiskSummary(r.Context(), userID, since)
	if err != nil {
		s.writeAuthError(w, r, err)
		return
	}
	if events == nil {
		events = []*models.SecurityEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":    mux.Vars(r)["userID"],
		"events":     events,
		"risk_score": risk,
		"since":      since,
	})
}
