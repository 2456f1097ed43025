package app

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"quizadmin/pkg/auth"
	"quizadmin/pkg/domain"
	"quizadmin/pkg/store"
)

const (
	maxUsernameLength = 150
	maxRoleNameLength = 50
)

// UserInput is an account submitted by an administrator.
type UserInput struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

// RoleInput is a role submitted by an administrator.
type RoleInput struct {
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
}

// ListUsers returns all accounts. Administrator only.
func (a *App) ListUsers(ctx context.Context, token string) ([]domain.User, error) {
	if _, err := a.AuthorizeAdmin(ctx, token); err != nil {
		return nil, err
	}
	users, err := a.store.ListUsers(ctx)
	if err != nil {
		return nil, storageError(ctx, "list users", err)
	}
	return users, nil
}

// CreateUser adds an account with an existing role. Administrator only.
func (a *App) CreateUser(ctx context.Context, token string, in UserInput) (domain.User, error) {
	p, err := a.AuthorizeAdmin(ctx, token)
	if err != nil {
		return domain.User{}, err
	}
	username := strings.TrimSpace(in.Username)
	if username == "" {
		return domain.User{}, validationError("username is required")
	}
	if utf8.RuneCountInString(username) > maxUsernameLength {
		return domain.User{}, validationError("username must be at most %d characters", maxUsernameLength)
	}
	if err := auth.ValidatePassword(in.Password); err != nil {
		return domain.User{}, validationError("%s", err.Error())
	}
	roleName := strings.TrimSpace(in.Role)
	if roleName == "" {
		roleName = domain.RoleUser
	}
	if _, ok, err := a.store.GetRoleByName(ctx, roleName); err != nil {
		return domain.User{}, storageError(ctx, "get role", err)
	} else if !ok {
		return domain.User{}, validationError("role %q does not exist", roleName)
	}
	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return domain.User{}, storageError(ctx, "hash password", err)
	}
	created, err := a.store.CreateUser(ctx, domain.User{
		Username:     username,
		PasswordHash: hash,
		Role:         roleName,
	})
	if errors.Is(err, store.ErrConflict) {
		return domain.User{}, validationError("username %q already exists", username)
	}
	if err != nil {
		return domain.User{}, storageError(ctx, "create user", err)
	}
	audit(ctx, "user_create", "success", "username", p.Username, "created_user", created.Username, "role", created.Role)
	return created, nil
}

// ListRoles returns all roles. Administrator only.
func (a *App) ListRoles(ctx context.Context, token string) ([]domain.Role, error) {
	if _, err := a.AuthorizeAdmin(ctx, token); err != nil {
		return nil, err
	}
	roles, err := a.store.ListRoles(ctx)
	if err != nil {
		return nil, storageError(ctx, "list roles", err)
	}
	return roles, nil
}

// CreateRole adds a role whose permissions come from the recognized scope
// set. Administrator only.
func (a *App) CreateRole(ctx context.Context, token string, in RoleInput) (domain.Role, error) {
	p, err := a.AuthorizeAdmin(ctx, token)
	if err != nil {
		return domain.Role{}, err
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return domain.Role{}, validationError("role name is required")
	}
	if utf8.RuneCountInString(name) > maxRoleNameLength {
		return domain.Role{}, validationError("role name must be at most %d characters", maxRoleNameLength)
	}
	perms, err := normalizePermissions(in.Permissions)
	if err != nil {
		return domain.Role{}, err
	}
	created, err := a.store.CreateRole(ctx, domain.Role{Name: name, Permissions: perms})
	if errors.Is(err, store.ErrConflict) {
		return domain.Role{}, validationError("role %q already exists", name)
	}
	if err != nil {
		return domain.Role{}, storageError(ctx, "create role", err)
	}
	audit(ctx, "role_create", "success", "username", p.Username, "role", created.Name)
	return created, nil
}

// normalizePermissions rejects unknown scopes and returns the rest
// de-duplicated in canonical order.
func normalizePermissions(raw []string) ([]string, error) {
	requested := make(map[domain.Scope]bool, len(raw))
	for _, r := range raw {
		scope, ok := domain.ParseScope(strings.TrimSpace(r))
		if !ok {
			return nil, validationError("unknown permission %q", r)
		}
		requested[scope] = true
	}
	perms := []string{}
	for _, scope := range domain.AllScopes {
		if requested[scope] {
			perms = append(perms, string(scope))
		}
	}
	return perms, nil
}
