package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"quizadmin/internal/ratelimit"
	"quizadmin/internal/util"
	"quizadmin/pkg/store"
	"quizadmin/services/quiz/internal/app"
	"quizadmin/services/quiz/internal/config"
	"quizadmin/services/quiz/internal/server"
	"quizadmin/services/quiz/internal/ui"
	"quizadmin/services/quiz/internal/webauth"
)

func main() {
	cfg, err := config.Load(os.Getenv("QUIZ_CONFIG"))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cacheTTL, err := config.ParseSessionCacheTTL(cfg.SessionCacheTTL)
	if err != nil {
		log.Fatalf("failed to parse session cache TTL: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.NewGormStore(store.Options{
		Driver:       cfg.Database.Driver,
		DSN:          cfg.Database.DSN(),
		MaxOpenConns: cfg.Database.MaxOpenConns,
	})
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer st.Close()

	var sessions store.SessionCache
	if cfg.RedisAddr != "" {
		cache, err := store.NewRedisSessionCache(cfg.RedisAddr, cfg.RedisPassword, cacheTTL)
		if err != nil {
			log.Fatalf("failed to init session cache: %v", err)
		}
		defer cache.Close()
		sessions = cache
	}

	guard := webauth.LoginGuard{}
	if cfg.LoginRateLimitPerMinute > 0 {
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, "", cfg.LoginRateLimitPerMinute, time.Minute)
		if err != nil {
			log.Fatalf("failed to init login rate limiter: %v", err)
		}
		defer limiter.Close()
		guard.Limiter = limiter
	}
	if alerter := webauth.NewAlerter(cfg.RedisAddr, cfg.RedisPassword, ""); alerter != nil {
		defer alerter.Close()
		guard.Alerter = alerter
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		log.Fatalf("failed to parse trusted proxies: %v", err)
	}
	guard.TrustedProxies = trusted

	if cfg.LegacyRoleScopes {
		logger.Warn("legacyRoleScopes is deprecated; create the missing roles instead")
	}
	appCore, err := app.New(app.Config{
		Store:            st,
		Sessions:         sessions,
		SessionCacheTTL:  cacheTTL,
		LegacyRoleScopes: cfg.LegacyRoleScopes,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}
	if cfg.SeedDefaults {
		if err := appCore.Seed(ctx); err != nil {
			log.Fatalf("failed to seed defaults: %v", err)
		}
	}

	csrfKey := mustKey(logger, "csrfKey", cfg.CSRFKey)
	flashKey := mustKey(logger, "flashKey", cfg.FlashKey)
	cookies := webauth.Cookies{
		Path:   cfg.CookiePath,
		Secure: cfg.CookieSecure,
		MaxAge: time.Duration(cfg.SessionMaxAgeSeconds) * time.Second,
	}

	pages, err := ui.New(ui.Config{
		App:      appCore,
		Cookies:  cookies,
		Guard:    guard,
		CSRFKey:  csrfKey,
		FlashKey: flashKey,
		Secure:   cfg.CookieSecure,
	})
	if err != nil {
		log.Fatalf("failed to init ui: %v", err)
	}
	httpServer, err := server.New(server.Config{
		App:            appCore,
		Cookies:        cookies,
		Guard:          guard,
		UI:             pages,
		AllowedOrigins: cfg.AllowedOrigins,
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           httpServer.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("quiz server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		slog.Info("quiz server shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
	}
}

// mustKey decodes a configured secret or generates a throwaway one.
func mustKey(logger *slog.Logger, name, hexKey string) []byte {
	key, generated, err := config.SecretKey(hexKey)
	if err != nil {
		log.Fatalf("invalid %s: %v", name, err)
	}
	if generated {
		logger.Warn("no key configured, generated one for this process; forms and flash messages will not survive a restart", "key", name)
	}
	return key
}
