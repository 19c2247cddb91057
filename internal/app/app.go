package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"retinalab/internal/metrics"
	"retinalab/internal/util"
	"retinalab/pkg/ai"
	"retinalab/pkg/auth"
	"retinalab/pkg/domain"
	"retinalab/pkg/queue"
	"retinalab/pkg/report"
	"retinalab/pkg/storage"
	"retinalab/pkg/store"
)

const (
	defaultAnalysisTimeout = 30 * time.Second
	defaultChatTimeout     = 60 * time.Second
	defaultMaxImageBytes   = 16 << 20
	defaultHistoryLimit    = 10
	// bounds the writes that finish an operation after the caller went away.
	finalizeTimeout = 10 * time.Second
)

// Config holds runtime dependencies for the core application.
type Config struct {
	Store    store.Store
	Sessions store.SessionStore
	Objects  storage.ObjectStore
	Analyzer ai.ImageAnalyzer
	Chat     ai.ChatModel
	// Renderer is optional; without it report export is unavailable.
	Renderer report.Renderer
	Events   queue.Publisher
	Metrics  metrics.Recorder

	AnalysisTimeout time.Duration
	ChatTimeout     time.Duration
	MaxImageBytes   int64
	HistoryLimit    int
}

// App is the core application service: study lifecycle, chat and sessions.
type App struct {
	store    store.Store
	sessions store.SessionStore
	objects  storage.ObjectStore
	analyzer ai.ImageAnalyzer
	chat     ai.ChatModel
	renderer report.Renderer
	events   queue.Publisher
	metrics  metrics.Recorder

	analysisTimeout time.Duration
	chatTimeout     time.Duration
	maxImageBytes   int64
	historyLimit    int
}

// New validates the wiring and applies defaults.
func New(cfg Config) (*App, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("store required")
	case cfg.Sessions == nil:
		return nil, errors.New("session store required")
	case cfg.Objects == nil:
		return nil, errors.New("object store required")
	case cfg.Analyzer == nil:
		return nil, errors.New("image analyzer required")
	case cfg.Chat == nil:
		return nil, errors.New("chat model required")
	}
	a := &App{
		store:           cfg.Store,
		sessions:        cfg.Sessions,
		objects:         cfg.Objects,
		analyzer:        cfg.Analyzer,
		chat:            cfg.Chat,
		renderer:        cfg.Renderer,
		events:          cfg.Events,
		metrics:         cfg.Metrics,
		analysisTimeout: cfg.AnalysisTimeout,
		chatTimeout:     cfg.ChatTimeout,
		maxImageBytes:   cfg.MaxImageBytes,
		historyLimit:    cfg.HistoryLimit,
	}
	if a.events == nil {
		a.events = queue.NopPublisher{}
	}
	if a.metrics == nil {
		a.metrics = metrics.Nop{}
	}
	if a.analysisTimeout <= 0 {
		a.analysisTimeout = defaultAnalysisTimeout
	}
	if a.chatTimeout <= 0 {
		a.chatTimeout = defaultChatTimeout
	}
	if a.maxImageBytes <= 0 {
		a.maxImageBytes = defaultMaxImageBytes
	}
	if a.historyLimit <= 0 {
		a.historyLimit = defaultHistoryLimit
	}
	return a, nil
}

// MaxImageBytes is the largest accepted image payload.
func (a *App) MaxImageBytes() int64 {
	return a.maxImageBytes
}

// Login checks credentials and opens a session.
func (a *App) Login(ctx context.Context, email, password string) (domain.User, string, time.Time, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return domain.User{}, "", time.Time{}, fmt.Errorf("%w: email and password required", ErrInvalidArgument)
	}
	user, ok, err := a.store.GetUserByEmail(ctx, email)
	if err != nil {
		return domain.User{}, "", time.Time{}, fmt.Errorf("load user: %w", err)
	}
	if !ok || !auth.CheckPassword(password, user.PasswordHash) {
		return domain.User{}, "", time.Time{}, fmt.Errorf("%w: invalid credentials", ErrUnauthorized)
	}
	now := time.Now().UTC()
	if err := a.store.TouchLastSignedIn(ctx, user.ID, now); err != nil {
		util.LoggerFromContext(ctx).Warn("touch last signed in failed", "user_id", user.ID, "err", err)
	} else {
		user.LastSignedIn = now
	}
	token, expiresAt, err := a.sessions.NewSession(ctx, user.ID)
	if err != nil {
		return domain.User{}, "", time.Time{}, fmt.Errorf("create session: %w", err)
	}
	return user, token, expiresAt, nil
}

// Logout revokes the session token.
func (a *App) Logout(ctx context.Context, token string) error {
	if strings.TrimSpace(token) == "" {
		return nil
	}
	if err := a.sessions.DeleteSession(ctx, token); err != nil {
		if errors.Is(err, store.ErrInvalidSession) || errors.Is(err, store.ErrSessionRevoked) {
			return nil
		}
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Authenticate resolves a session token to its user.
func (a *App) Authenticate(ctx context.Context, token string) (domain.User, error) {
	if strings.TrimSpace(token) == "" {
		return domain.User{}, ErrUnauthorized
	}
	userID, err := a.sessions.UserIDFromToken(ctx, token)
	if err != nil {
		if errors.Is(err, store.ErrInvalidSession) || errors.Is(err, store.ErrSessionRevoked) {
			return domain.User{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
		return domain.User{}, fmt.Errorf("validate session: %w", err)
	}
	user, ok, err := a.store.GetUserByID(ctx, userID)
	if err != nil {
		return domain.User{}, fmt.Errorf("load user: %w", err)
	}
	if !ok {
		return domain.User{}, fmt.Errorf("%w: user no longer exists", ErrUnauthorized)
	}
	return user, nil
}

// CreateUser registers an account with a policy-checked password. It takes the
// store directly so the bootstrap command can run without collaborators.
func CreateUser(ctx context.Context, s store.Store, email, name, password string, role domain.UserRole) (domain.User, error) {
	email = normalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return domain.User{}, fmt.Errorf("%w: valid email required", ErrInvalidArgument)
	}
	if role == "" {
		role = domain.RoleUser
	}
	if _, err := domain.ParseUserRole(string(role)); err != nil {
		return domain.User{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if err := auth.ValidatePassword(password); err != nil {
		return domain.User{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return domain.User{}, err
	}
	now := time.Now().UTC()
	user := domain.User{
		ID:           util.NewID(),
		Name:         strings.TrimSpace(name),
		Email:        email,
		PasswordHash: hash,
		LoginMethod:  "password",
		Role:         role,
		CreatedAt:    now,
		UpdatedAt:    now,
		LastSignedIn: now,
	}
	if err := s.SaveUser(ctx, user); err != nil {
		if errors.Is(err, store.ErrEmailTaken) {
			return domain.User{}, fmt.Errorf("%w: email already registered", ErrConflict)
		}
		return domain.User{}, fmt.Errorf("save user: %w", err)
	}
	return user, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// publish is best-effort; lifecycle state is already durable when it runs.
func (a *App) publish(ctx context.Context, t queue.EventType, st domain.Study, detail string) {
	err := a.events.Publish(ctx, queue.NewStudyEvent(t, st, detail))
	a.metrics.RecordEventPublish(string(t), err)
	if err != nil {
		util.LoggerFromContext(ctx).Warn("publish study event failed", "study_id", st.ID, "type", string(t), "err", err)
	}
}
