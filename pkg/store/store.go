package store

import (
	"context"
	"errors"

	"quizadmin/pkg/domain"
)

var (
	// ErrNotFound is returned when a keyed record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a write violates a unique constraint.
	ErrConflict = errors.New("record already exists")
)

// Store defines persistence operations for accounts, sessions, questions,
// and the process step program.
type Store interface {
	// users
	CreateUser(ctx context.Context, u domain.User) (domain.User, error)
	EnsureUser(ctx context.Context, u domain.User) (bool, error)
	GetUserByUsername(ctx context.Context, username string) (domain.User, bool, error)
	ListUsers(ctx context.Context) ([]domain.User, error)

	// roles
	CreateRole(ctx context.Context, r domain.Role) (domain.Role, error)
	EnsureRole(ctx context.Context, r domain.Role) (bool, error)
	GetRoleByName(ctx context.Context, name string) (domain.Role, bool, error)
	ListRoles(ctx context.Context) ([]domain.Role, error)

	// sessions
	CreateSession(ctx context.Context, s domain.Session) (domain.Session, error)
	GetSessionByToken(ctx context.Context, token string) (domain.Session, bool, error)
	DeleteSession(ctx context.Context, token string) error

	// questions
	CreateQuestion(ctx context.Context, q domain.Question) (domain.Question, error)
	GetQuestion(ctx context.Context, id uint) (domain.Question, bool, error)
	ListQuestions(ctx context.Context) ([]domain.Question, error)
	DeleteQuestion(ctx context.Context, id uint) error

	// process steps
	ListProcessSteps(ctx context.Context) ([]domain.ProcessStep, error)
	ReplaceProcessSteps(ctx context.Context, steps []domain.ProcessStep) error

	Ping(ctx context.Context) error
}

// SessionCache is an optional read-through cache in front of the session table.
// The database stays authoritative; cache misses and failures fall back to it.
type SessionCache interface {
	Get(ctx context.Context, token string) (domain.Session, bool, error)
	Set(ctx context.Context, s domain.Session) error
	// Revoke drops the entry and must keep a concurrent Set from restoring it.
	Revoke(ctx context.Context, token string) error
}
