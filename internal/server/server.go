package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"retinalab/internal/app"
	"retinalab/internal/metrics"
	"retinalab/internal/ratelimit"
	"retinalab/internal/util"
	"retinalab/pkg/domain"
)

const maxJSONBodyBytes = 1 << 20

// Config wires required dependencies for the HTTP server.
type Config struct {
	App *app.App

	// Limiters are optional. Login is keyed by client IP, analyze and chat by user.
	LoginLimiter   ratelimit.Limiter
	AnalyzeLimiter ratelimit.Limiter
	ChatLimiter    ratelimit.Limiter

	TrustedProxies     *util.TrustedProxies
	CORSAllowedOrigins []string

	Metrics        metrics.Recorder
	MetricsHandler http.Handler
	// Files serves locally stored images under /files/ when set.
	Files http.Handler
	// Ready is probed by /healthz when set.
	Ready func(ctx context.Context) error
}

// Server exposes the study API over HTTP.
type Server struct {
	app            *app.App
	router         chi.Router
	loginLimiter   ratelimit.Limiter
	analyzeLimiter ratelimit.Limiter
	chatLimiter    ratelimit.Limiter
	trustedProxies *util.TrustedProxies
	metrics        metrics.Recorder
	ready          func(ctx context.Context) error
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	s := &Server{
		app:            cfg.App,
		loginLimiter:   cfg.LoginLimiter,
		analyzeLimiter: cfg.AnalyzeLimiter,
		chatLimiter:    cfg.ChatLimiter,
		trustedProxies: cfg.TrustedProxies,
		metrics:        cfg.Metrics,
		ready:          cfg.Ready,
	}
	if s.metrics == nil {
		s.metrics = metrics.Nop{}
	}
	s.router = s.routes(cfg)
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithSecurityHeaders(s.router)
}

func (s *Server) routes(cfg Config) chi.Router {
	r := chi.NewRouter()
	r.Use(util.WithRequestID)
	r.Use(func(next http.Handler) http.Handler {
		return util.WithRequestLog("retinalab", s.metrics.RecordHTTPRequest, next)
	})
	r.Use(util.WithCORS(cfg.CORSAllowedOrigins))
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/healthz", s.handleHealth)
	if cfg.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", cfg.MetricsHandler)
	}
	if cfg.Files != nil {
		r.Method(http.MethodGet, "/files/*", http.StripPrefix("/files/", cfg.Files))
	}

	r.Route("/api", func(r chi.Router) {
		// auth
		r.Get("/auth/me", s.handleMe)
		r.Post("/auth/login", s.handleLogin)
		r.Post("/auth/logout", s.handleLogout)

		// studies (auth required)
		r.Method(http.MethodGet, "/studies", s.authenticated(s.handleListStudies))
		r.Method(http.MethodPost, "/studies", s.authenticated(s.handleCreateStudy))
		r.Method(http.MethodGet, "/studies/{id}", s.authenticated(s.handleGetStudy))
		r.Method(http.MethodPatch, "/studies/{id}", s.authenticated(s.handleUpdateReport))
		r.Method(http.MethodDelete, "/studies/{id}", s.authenticated(s.handleDeleteStudy))
		r.Method(http.MethodPost, "/studies/{id}/images", s.authenticated(s.handleAttachImage))
		r.Method(http.MethodPost, "/studies/{id}/analyze", s.authenticated(s.handleAnalyze))
		r.Method(http.MethodGet, "/studies/{id}/pdf", s.authenticated(s.handleReportPDF))

		// chat
		r.Method(http.MethodGet, "/studies/{id}/messages", s.authenticated(s.handleListMessages))
		r.Method(http.MethodPost, "/studies/{id}/messages", s.authenticated(s.handleSendMessage))
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			util.LoggerFromContext(r.Context()).Warn("readiness check failed", "err", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auth wrappers
type authHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := s.authorize(r)
		if err != nil {
			if !errors.Is(err, app.ErrUnauthorized) {
				writeAppError(w, r, err)
				return
			}
			s.audit(r, "session.authorize", "fail")
			writeError(w, r, http.StatusUnauthorized, "unauthorized")
			return
		}
		ctx := util.WithLogAttrs(r.Context(), "user_id", user.ID)
		if id := chi.URLParam(r, "id"); id != "" {
			ctx = util.WithLogAttrs(ctx, "route_study_id", id)
		}
		next(w, r.WithContext(ctx), user)
	})
}

func (s *Server) authorize(r *http.Request) (domain.User, error) {
	token, ok := sessionToken(r)
	if !ok {
		return domain.User{}, app.ErrUnauthorized
	}
	return s.app.Authenticate(r.Context(), token)
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", s.clientIP(r),
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter ratelimit.Limiter, key, msg string) bool {
	if limiter == nil || limiter.Allow(key) {
		return true
	}
	retryAfter := int(limiter.RetryAfter().Round(time.Second).Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeError(w, r, http.StatusTooManyRequests, msg)
	return false
}

func (s *Server) clientIP(r *http.Request) string {
	return util.ClientIP(r, s.trustedProxies)
}

func decodeJSON(r *http.Request, limit int64, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, limit))
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Debug("write json response failed", "err", err)
	}
}
