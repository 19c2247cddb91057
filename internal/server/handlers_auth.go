package server

import (
	"errors"
	"net/http"
	"time"

	"retinalab/internal/app"
	"retinalab/pkg/domain"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Success   bool        `json:"success"`
	User      domain.User `json:"user"`
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expiresAt"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.loginLimiter, "login|"+s.clientIP(r), "too many login attempts") {
		s.audit(r, "auth.login", "rate_limited")
		return
	}
	var req loginRequest
	if err := decodeJSON(r, maxJSONBodyBytes, &req); err != nil {
		s.audit(r, "auth.login", "fail", "reason", "invalid_json")
		writeError(w, r, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, token, expiresAt, err := s.app.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.audit(r, "auth.login", "fail", "reason", err.Error())
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "auth.login", "success", "user_id", user.ID)
	http.SetCookie(w, sessionCookie(r, token, time.Until(expiresAt)))
	writeJSON(w, http.StatusOK, loginResponse{
		Success:   true,
		User:      user,
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if token, ok := sessionToken(r); ok {
		if err := s.app.Logout(r.Context(), token); err != nil {
			s.audit(r, "auth.logout", "fail", "reason", err.Error())
			writeAppError(w, r, err)
			return
		}
	}
	s.audit(r, "auth.logout", "success")
	http.SetCookie(w, sessionCookie(r, "", -1))
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleMe answers null rather than 401 so the web client can probe the session.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	user, err := s.authorize(r)
	if err != nil {
		if errors.Is(err, app.ErrUnauthorized) {
			writeJSON(w, http.StatusOK, nil)
			return
		}
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}
