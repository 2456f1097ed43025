// Package webauth holds the HTTP pieces of authentication shared by the JSON
// API and the UI pages: the session cookie and the login attempt guard.
package webauth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"quizadmin/internal/util"
)

// CookieName is the session cookie carrying the opaque session token.
const CookieName = "session_token"

// Cookies writes and reads the session cookie.
type Cookies struct {
	Path   string
	Secure bool
	MaxAge time.Duration
}

// Set issues the session cookie for token.
func (c Cookies) Set(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     c.path(),
		MaxAge:   int(c.MaxAge / time.Second),
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// Clear expires the session cookie.
func (c Cookies) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     c.path(),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// Token returns the session token sent with r, or "".
func (c Cookies) Token(r *http.Request) string {
	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}

func (c Cookies) path() string {
	if c.Path == "" {
		return "/"
	}
	return c.Path
}

// Limiter bounds login attempts per key.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, time.Duration)
}

// LoginGuard applies a Limiter per client IP and feeds failures to an
// Alerter. Either may be nil.
type LoginGuard struct {
	Limiter        Limiter
	Alerter        *Alerter
	TrustedProxies *util.TrustedProxies
}

// Admit reports whether a login attempt from r may proceed. A nil Limiter
// admits everything.
func (g LoginGuard) Admit(r *http.Request) (bool, time.Duration) {
	if g.Limiter == nil {
		return true, 0
	}
	ok, retry := g.Limiter.Allow(r.Context(), "login:"+util.ClientIP(r, g.TrustedProxies))
	if !ok {
		g.observe(r, OutcomeRateLimited)
	}
	return ok, retry
}

// Rejected records a login attempt that failed on its credentials.
func (g LoginGuard) Rejected(r *http.Request) {
	g.observe(r, OutcomeRejected)
}

func (g LoginGuard) observe(r *http.Request, outcome string) {
	if g.Alerter == nil {
		return
	}
	ip := util.ClientIP(r, g.TrustedProxies)
	logger := util.LoggerFromContext(r.Context())
	res, err := g.Alerter.Observe(r.Context(), outcome, ip)
	if err != nil {
		logger.Warn("security alert counter failed", "err", err)
		return
	}
	if res.Triggered {
		logger.Warn("security_alert",
			"event", "login",
			"outcome", outcome,
			"client_ip", ip,
			"count", res.Count,
			"threshold", res.Threshold,
			"window", res.Window.String(),
		)
	}
}
