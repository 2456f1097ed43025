package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"quizadmin/pkg/domain"
)

const migrateLockID int64 = 48151623

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Options selects the database backend.
type Options struct {
	Driver string
	DSN    string
	// MaxOpenConns caps the pool; zero keeps the driver default.
	// SQLite is always pinned to a single connection.
	MaxOpenConns int
	// SkipMigrate opens the store without touching the schema.
	SkipMigrate bool
}

// GormStore implements Store using GORM over Postgres or SQLite.
type GormStore struct {
	db     *gorm.DB
	driver string
}

// NewGormStore opens the DB and, unless SkipMigrate is set, runs
// auto-migrations.
func NewGormStore(opts Options) (*GormStore, error) {
	driver := strings.ToLower(strings.TrimSpace(opts.Driver))
	if driver == "" {
		driver = DriverPostgres
	}
	if strings.TrimSpace(opts.DSN) == "" {
		return nil, errors.New("database dsn is required")
	}
	dialector, err := openDialector(driver, opts.DSN)
	if err != nil {
		return nil, err
	}

	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLog, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql db: %w", err)
	}

	if driver == DriverSQLite {
		sqlDB.SetMaxOpenConns(1)
		if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("enable sqlite foreign keys: %w", err)
		}
	} else if opts.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}
	s := &GormStore{db: db, driver: driver}
	if !opts.SkipMigrate {
		if err := s.Migrate(); err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
	}
	return s, nil
}

// Migrate creates or updates the schema. On Postgres it holds an advisory
// lock for the duration.
func (s *GormStore) Migrate() error {
	migrate := func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(allModels()...); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}
	if s.driver == DriverSQLite {
		return migrate(s.db)
	}
	return withMigrationLock(s.db, migrate)
}

func openDialector(driver, dsn string) (gorm.Dialector, error) {
	switch driver {
	case DriverPostgres:
		return postgres.Open(dsn), nil
	case DriverSQLite:
		return sqlite.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// withMigrationLock serializes schema migration across replicas sharing a Postgres database.
func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

// Driver returns the normalized driver name.
func (s *GormStore) Driver() string {
	return s.driver
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateUser inserts a user. A duplicate username yields ErrConflict.
func (s *GormStore) CreateUser(ctx context.Context, u domain.User) (domain.User, error) {
	model := userToModel(u)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&model).Error
	})
	if err != nil {
		return domain.User{}, translateError(err)
	}
	return userFromModel(model), nil
}

// EnsureUser inserts u unless the username already exists.
func (s *GormStore) EnsureUser(ctx context.Context, u domain.User) (bool, error) {
	model := userToModel(u)
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "username"}},
		DoNothing: true,
	}).Create(&model)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// GetUserByUsername returns a user by username.
func (s *GormStore) GetUserByUsername(ctx context.Context, username string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.WithContext(ctx).Where("username = ?", username).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// ListUsers returns all users ordered by id.
func (s *GormStore) ListUsers(ctx context.Context) ([]domain.User, error) {
	var models []UserModel
	if err := s.db.WithContext(ctx).Order("id asc").Find(&models).Error; err != nil {
		return nil, err
	}
	users := make([]domain.User, 0, len(models))
	for _, m := range models {
		users = append(users, userFromModel(m))
	}
	return users, nil
}

// CreateRole inserts a role. A duplicate name yields ErrConflict.
func (s *GormStore) CreateRole(ctx context.Context, r domain.Role) (domain.Role, error) {
	model := roleToModel(r)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&model).Error
	})
	if err != nil {
		return domain.Role{}, translateError(err)
	}
	return roleFromModel(model), nil
}

// EnsureRole inserts r unless a role with the same name exists.
func (s *GormStore) EnsureRole(ctx context.Context, r domain.Role) (bool, error) {
	model := roleToModel(r)
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoNothing: true,
	}).Create(&model)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// GetRoleByName returns a role by name.
func (s *GormStore) GetRoleByName(ctx context.Context, name string) (domain.Role, bool, error) {
	var model RoleModel
	if err := s.db.WithContext(ctx).Where("name = ?", name).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Role{}, false, nil
		}
		return domain.Role{}, false, err
	}
	return roleFromModel(model), true, nil
}

// ListRoles returns all roles ordered by id.
func (s *GormStore) ListRoles(ctx context.Context) ([]domain.Role, error) {
	var models []RoleModel
	if err := s.db.WithContext(ctx).Order("id asc").Find(&models).Error; err != nil {
		return nil, err
	}
	roles := make([]domain.Role, 0, len(models))
	for _, m := range models {
		roles = append(roles, roleFromModel(m))
	}
	return roles, nil
}

// CreateSession persists a session row.
func (s *GormStore) CreateSession(ctx context.Context, sess domain.Session) (domain.Session, error) {
	model := sessionToModel(sess)
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&model).Error
	})
	if err != nil {
		return domain.Session{}, translateError(err)
	}
	return sessionFromModel(model), nil
}

// GetSessionByToken resolves a session token.
func (s *GormStore) GetSessionByToken(ctx context.Context, token string) (domain.Session, bool, error) {
	var model UserSessionModel
	if err := s.db.WithContext(ctx).Where("session_token = ?", token).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Session{}, false, nil
		}
		return domain.Session{}, false, err
	}
	return sessionFromModel(model), true, nil
}

// DeleteSession removes a session row. Deleting an unknown token is not an error.
func (s *GormStore) DeleteSession(ctx context.Context, token string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Where("session_token = ?", token).Delete(&UserSessionModel{}).Error
	})
}

// CreateQuestion inserts a question and its choices in one transaction.
func (s *GormStore) CreateQuestion(ctx context.Context, q domain.Question) (domain.Question, error) {
	model := questionToModel(q)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&model).Error
	})
	if err != nil {
		return domain.Question{}, translateError(err)
	}
	return questionFromModel(model), nil
}

// GetQuestion returns a question with its choices.
func (s *GormStore) GetQuestion(ctx context.Context, id uint) (domain.Question, bool, error) {
	var model QuestionModel
	err := s.db.WithContext(ctx).Preload("Choices", orderByID).First(&model, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Question{}, false, nil
		}
		return domain.Question{}, false, err
	}
	return questionFromModel(model), true, nil
}

// ListQuestions returns all questions with choices, ordered by id.
func (s *GormStore) ListQuestions(ctx context.Context) ([]domain.Question, error) {
	var models []QuestionModel
	if err := s.db.WithContext(ctx).Preload("Choices", orderByID).Order("id asc").Find(&models).Error; err != nil {
		return nil, err
	}
	questions := make([]domain.Question, 0, len(models))
	for _, m := range models {
		questions = append(questions, questionFromModel(m))
	}
	return questions, nil
}

// DeleteQuestion removes a question. Its choices go with it through the
// ON DELETE CASCADE foreign key; nothing here touches the choices table.
func (s *GormStore) DeleteQuestion(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Delete(&QuestionModel{}, id)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ListProcessSteps returns the program ordered by step_index.
func (s *GormStore) ListProcessSteps(ctx context.Context) ([]domain.ProcessStep, error) {
	var models []ProcessStepModel
	if err := s.db.WithContext(ctx).Order("step_index asc").Order("id asc").Find(&models).Error; err != nil {
		return nil, err
	}
	steps := make([]domain.ProcessStep, 0, len(models))
	for _, m := range models {
		steps = append(steps, processStepFromModel(m))
	}
	return steps, nil
}

// ReplaceProcessSteps deletes every stored step and inserts steps, atomically.
func (s *GormStore) ReplaceProcessSteps(ctx context.Context, steps []domain.ProcessStep) error {
	models := make([]ProcessStepModel, 0, len(steps))
	for _, step := range steps {
		models = append(models, processStepToModel(step))
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&ProcessStepModel{}).Error; err != nil {
			return fmt.Errorf("clear process steps: %w", err)
		}
		if len(models) == 0 {
			return nil
		}
		if err := tx.Create(&models).Error; err != nil {
			return fmt.Errorf("insert process steps: %w", err)
		}
		return nil
	})
}

func orderByID(db *gorm.DB) *gorm.DB {
	return db.Order("id asc")
}

// translateError maps unique violations onto ErrConflict. Drivers that do not
// implement gorm's error translation are matched on their message.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict) {
		return err
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %w", ErrConflict, err)
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key") {
		return fmt.Errorf("%w: %w", ErrConflict, err)
	}
	return err
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           u.ID,
		Username:     u.Username,
		PasswordHash: u.PasswordHash,
		Role:         u.Role,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:           m.ID,
		Username:     m.Username,
		PasswordHash: m.PasswordHash,
		Role:         m.Role,
	}
}

func roleToModel(r domain.Role) RoleModel {
	perms := make([]string, 0, len(r.Permissions))
	perms = append(perms, r.Permissions...)
	return RoleModel{
		ID:          r.ID,
		Name:        r.Name,
		Permissions: perms,
	}
}

func roleFromModel(m RoleModel) domain.Role {
	perms := make([]string, 0, len(m.Permissions))
	perms = append(perms, m.Permissions...)
	return domain.Role{
		ID:          m.ID,
		Name:        m.Name,
		Permissions: perms,
	}
}

func sessionToModel(s domain.Session) UserSessionModel {
	return UserSessionModel{
		ID:           s.ID,
		SessionToken: s.Token,
		Username:     s.Username,
		Role:         s.Role,
		Scopes:       JoinScopes(s.Scopes),
		CreatedAt:    s.CreatedAt,
	}
}

func sessionFromModel(m UserSessionModel) domain.Session {
	return domain.Session{
		ID:        m.ID,
		Token:     m.SessionToken,
		Username:  m.Username,
		Role:      m.Role,
		Scopes:    SplitScopes(m.Scopes),
		CreatedAt: m.CreatedAt,
	}
}

// JoinScopes renders scopes in the comma-joined column format.
func JoinScopes(scopes []string) string {
	return strings.Join(scopes, ",")
}

// SplitScopes parses the comma-joined column format, dropping empty entries.
func SplitScopes(raw string) []string {
	out := []string{}
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func questionToModel(q domain.Question) QuestionModel {
	choices := make([]ChoiceModel, 0, len(q.Choices))
	for _, c := range q.Choices {
		choices = append(choices, ChoiceModel{
			ID:         c.ID,
			ChoiceText: c.Text,
			IsCorrect:  c.IsCorrect,
			QuestionID: q.ID,
		})
	}
	return QuestionModel{
		ID:           q.ID,
		QuestionText: q.Text,
		Choices:      choices,
	}
}

func questionFromModel(m QuestionModel) domain.Question {
	choices := make([]domain.Choice, 0, len(m.Choices))
	for _, c := range m.Choices {
		choices = append(choices, domain.Choice{
			ID:        c.ID,
			Text:      c.ChoiceText,
			IsCorrect: c.IsCorrect,
		})
	}
	return domain.Question{
		ID:      m.ID,
		Text:    m.QuestionText,
		Choices: choices,
	}
}

func processStepToModel(p domain.ProcessStep) ProcessStepModel {
	return ProcessStepModel{
		StepIndex:        p.StepIndex,
		StepType:         string(p.StepType),
		Current:          p.Current,
		Voltage:          p.Voltage,
		EndCurrent:       p.EndCurrent,
		StepTime:         p.StepTime,
		CapacityCheck:    p.CapacityCheck,
		TempCompensation: p.TempCompensation,
	}
}

func processStepFromModel(m ProcessStepModel) domain.ProcessStep {
	return domain.ProcessStep{
		ID:               m.ID,
		StepIndex:        m.StepIndex,
		StepType:         domain.StepType(m.StepType),
		Current:          m.Current,
		Voltage:          m.Voltage,
		EndCurrent:       m.EndCurrent,
		StepTime:         m.StepTime,
		CapacityCheck:    m.CapacityCheck,
		TempCompensation: m.TempCompensation,
	}
}
