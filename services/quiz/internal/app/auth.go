package app

import (
	"context"
	"strings"
	"sync"
	"time"

	"quizadmin/internal/util"
	"quizadmin/pkg/auth"
	"quizadmin/pkg/domain"
)

// legacyRoleScopes is the built-in role table kept for deployments whose
// role rows predate the roles table.
//
// Deprecated: roles in the database are authoritative.
var legacyRoleScopes = map[string][]domain.Scope{
	domain.RoleAdministrator: domain.AllScopes,
	domain.RoleUser:          {domain.ScopeQuestionsRead},
}

// dummyHash is compared against when the username is unknown so both
// failure paths cost one bcrypt comparison.
var dummyHash = sync.OnceValue(func() string {
	h, _ := auth.HashPassword("quizadmin-timing-equalizer")
	return h
})

// Login verifies credentials and opens a session whose scopes are copied from
// the user's role at this moment. It returns the principal and the new token.
func (a *App) Login(ctx context.Context, username, password string) (domain.Principal, string, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		audit(ctx, "login", "rejected", "reason", "missing_credentials")
		return domain.Principal{}, "", ErrInvalidCredentials
	}
	user, ok, err := a.store.GetUserByUsername(ctx, username)
	if err != nil {
		return domain.Principal{}, "", storageError(ctx, "get user", err)
	}
	if !ok {
		auth.CheckPassword(password, dummyHash())
		audit(ctx, "login", "rejected", "username", username)
		return domain.Principal{}, "", ErrInvalidCredentials
	}
	if !auth.CheckPassword(password, user.PasswordHash) {
		audit(ctx, "login", "rejected", "username", username)
		return domain.Principal{}, "", ErrInvalidCredentials
	}

	scopes, err := a.resolveScopes(ctx, user.Role)
	if err != nil {
		return domain.Principal{}, "", err
	}
	token, err := auth.NewSessionToken()
	if err != nil {
		return domain.Principal{}, "", storageError(ctx, "generate token", err)
	}
	sess, err := a.store.CreateSession(ctx, domain.Session{
		Token:    token,
		Username: user.Username,
		Role:     user.Role,
		Scopes:   scopes,
	})
	if err != nil {
		return domain.Principal{}, "", storageError(ctx, "create session", err)
	}
	audit(ctx, "login", "success", "username", user.Username, "role", user.Role)
	return principalFromSession(sess), token, nil
}

func (a *App) resolveScopes(ctx context.Context, roleName string) ([]string, error) {
	role, ok, err := a.store.GetRoleByName(ctx, roleName)
	if err != nil {
		return nil, storageError(ctx, "get role", err)
	}
	if ok {
		return append([]string{}, role.Permissions...), nil
	}
	scopes := []string{}
	if a.legacyRoleScopes {
		for _, s := range legacyRoleScopes[roleName] {
			scopes = append(scopes, string(s))
		}
		util.LoggerFromContext(ctx).Warn("role missing, using legacy scope table", "role", roleName)
	}
	return scopes, nil
}

// Logout deletes the session behind token. Unknown or empty tokens are
// accepted so the caller can always clear the cookie.
//
// The row goes first so a concurrent lookup can no longer load it; the cache
// revocation then removes any copy and blocks late writes. A failed
// revocation is returned: the cached copy may outlive the row for one TTL.
func (a *App) Logout(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if err := a.store.DeleteSession(ctx, token); err != nil {
		return storageError(ctx, "delete session", err)
	}
	if a.sessions != nil {
		if err := a.sessions.Revoke(ctx, token); err != nil {
			a.markUnrevoked(token)
			audit(ctx, "logout", "cache_revoke_failed")
			return storageError(ctx, "revoke cached session", err)
		}
	}
	audit(ctx, "logout", "success")
	return nil
}

// markUnrevoked remembers a logged-out token whose cached copy may survive.
func (a *App) markUnrevoked(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := time.Now()
	for t, at := range a.unrevoked {
		if now.Sub(at) > a.cacheTTL {
			delete(a.unrevoked, t)
		}
	}
	a.unrevoked[token] = now
}

// cacheTrusted reports whether a cache hit for token may be used. For a token
// whose revocation failed it retries the revocation first.
func (a *App) cacheTrusted(ctx context.Context, token string) bool {
	a.mu.Lock()
	at, pending := a.unrevoked[token]
	a.mu.Unlock()
	if !pending {
		return true
	}
	if time.Since(at) <= a.cacheTTL {
		if err := a.sessions.Revoke(ctx, token); err != nil {
			return false
		}
	}
	a.mu.Lock()
	delete(a.unrevoked, token)
	a.mu.Unlock()
	return false
}

// Authenticate resolves token to the principal recorded at login.
func (a *App) Authenticate(ctx context.Context, token string) (domain.Principal, error) {
	if token == "" {
		return domain.Principal{}, ErrUnauthenticated
	}
	if a.sessions != nil {
		sess, ok, err := a.sessions.Get(ctx, token)
		if err != nil {
			util.LoggerFromContext(ctx).Warn("session cache read failed", "err", err)
		} else if ok && a.cacheTrusted(ctx, token) {
			return principalFromSession(sess), nil
		}
	}
	sess, ok, err := a.store.GetSessionByToken(ctx, token)
	if err != nil {
		return domain.Principal{}, storageError(ctx, "get session", err)
	}
	if !ok {
		return domain.Principal{}, ErrInvalidSession
	}
	if a.sessions != nil {
		if err := a.sessions.Set(ctx, sess); err != nil {
			util.LoggerFromContext(ctx).Warn("session cache write failed", "err", err)
		}
	}
	return principalFromSession(sess), nil
}

// Authorize authenticates token and requires every listed scope. With no
// scopes it only authenticates.
func (a *App) Authorize(ctx context.Context, token string, scopes ...domain.Scope) (domain.Principal, error) {
	p, err := a.Authenticate(ctx, token)
	if err != nil {
		return domain.Principal{}, err
	}
	for _, scope := range scopes {
		if !p.HasScope(scope) {
			audit(ctx, "authorization", "denied", "username", p.Username, "missing_scope", string(scope))
			return domain.Principal{}, ErrForbidden
		}
	}
	return p, nil
}

// AuthorizeAdmin authenticates token and requires the administrator role.
func (a *App) AuthorizeAdmin(ctx context.Context, token string) (domain.Principal, error) {
	p, err := a.Authenticate(ctx, token)
	if err != nil {
		return domain.Principal{}, err
	}
	if !p.IsAdmin() {
		audit(ctx, "authorization", "denied", "username", p.Username, "required_role", domain.RoleAdministrator)
		return domain.Principal{}, ErrForbidden
	}
	return p, nil
}

func principalFromSession(s domain.Session) domain.Principal {
	scopes := s.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	return domain.Principal{
		Username: s.Username,
		Role:     s.Role,
		Scopes:   scopes,
	}
}
