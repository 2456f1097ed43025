package app

import (
	"context"
	"fmt"

	"quizadmin/internal/util"
	"quizadmin/pkg/auth"
	"quizadmin/pkg/domain"
)

type seedAccount struct {
	username string
	password string
	role     string
}

var seedAccounts = []seedAccount{
	{username: "admin", password: "admin", role: domain.RoleAdministrator},
	{username: "user", password: "user", role: domain.RoleUser},
}

func seedRoles() []domain.Role {
	admin := make([]string, 0, len(domain.AllScopes))
	for _, s := range domain.AllScopes {
		admin = append(admin, string(s))
	}
	return []domain.Role{
		{Name: domain.RoleAdministrator, Permissions: admin},
		{Name: domain.RoleUser, Permissions: []string{string(domain.ScopeQuestionsRead)}},
	}
}

// Seed creates the default roles and accounts when they are absent. Existing
// rows are left untouched, so running it on every start is safe.
func (a *App) Seed(ctx context.Context) error {
	logger := util.LoggerFromContext(ctx)
	for _, role := range seedRoles() {
		created, err := a.store.EnsureRole(ctx, role)
		if err != nil {
			return fmt.Errorf("seed role %s: %w", role.Name, err)
		}
		if created {
			logger.Info("seeded role", "role", role.Name, "permissions", role.Permissions)
		}
	}
	for _, acct := range seedAccounts {
		if _, ok, err := a.store.GetUserByUsername(ctx, acct.username); err != nil {
			return fmt.Errorf("seed user %s: %w", acct.username, err)
		} else if ok {
			continue
		}
		hash, err := auth.HashPassword(acct.password)
		if err != nil {
			return fmt.Errorf("seed user %s: %w", acct.username, err)
		}
		created, err := a.store.EnsureUser(ctx, domain.User{
			Username:     acct.username,
			PasswordHash: hash,
			Role:         acct.role,
		})
		if err != nil {
			return fmt.Errorf("seed user %s: %w", acct.username, err)
		}
		if created {
			logger.Warn("seeded default account with its well-known password", "username", acct.username, "role", acct.role)
		}
	}
	return nil
}
