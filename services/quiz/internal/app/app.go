package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"quizadmin/internal/util"
	"quizadmin/pkg/store"
)

// Config holds runtime configuration for the core application.
type Config struct {
	Store store.Store
	// Sessions is an optional read-through cache for session lookups.
	Sessions store.SessionCache
	// SessionCacheTTL is how long Sessions keeps an entry; default 10m. It
	// bounds how long a failed cache revocation is remembered locally.
	SessionCacheTTL time.Duration
	// LegacyRoleScopes enables the deprecated built-in role table used when
	// a user's role row is missing.
	LegacyRoleScopes bool
}

// App is the service layer shared by the JSON API and the UI pages. Every
// operation takes the caller's session token and re-checks it first.
type App struct {
	store            store.Store
	sessions         store.SessionCache
	cacheTTL         time.Duration
	legacyRoleScopes bool

	// tokens whose cache revocation failed, with the time of the logout
	mu        sync.Mutex
	unrevoked map[string]time.Time
}

// New constructs the application over an opened store.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("app: store is required")
	}
	ttl := cfg.SessionCacheTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &App{
		store:            cfg.Store,
		sessions:         cfg.Sessions,
		cacheTTL:         ttl,
		legacyRoleScopes: cfg.LegacyRoleScopes,
		unrevoked:        make(map[string]time.Time),
	}, nil
}

// Ping reports whether the database is reachable.
func (a *App) Ping(ctx context.Context) error {
	return a.store.Ping(ctx)
}

// storageError logs a persistence failure and wraps it in ErrStorage. Store
// sentinels pass through so callers can map them.
func storageError(ctx context.Context, op string, err error) error {
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrConflict) {
		return err
	}
	util.LoggerFromContext(ctx).Error("storage operation failed", "op", op, "err", err)
	return fmt.Errorf("%w: %s: %v", ErrStorage, op, err)
}

// audit emits a security_event record.
func audit(ctx context.Context, event, outcome string, attrs ...any) {
	level := slog.LevelInfo
	if outcome != "success" {
		level = slog.LevelWarn
	}
	args := append([]any{"event", event, "outcome", outcome}, attrs...)
	util.LoggerFromContext(ctx).Log(ctx, level, "security_event", args...)
}
