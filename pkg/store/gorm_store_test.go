package store

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"

	"gorm.io/gorm/schema"
	"quizadmin/pkg/domain"
)

var testDBSeq atomic.Int64

func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	dsn := fmt.Sprintf("file:storetest%d?mode=memory&cache=shared&_foreign_keys=on", testDBSeq.Add(1))
	s, err := NewGormStore(Options{Driver: DriverSQLite, DSN: dsn})
	if err != nil {
		t.Fatalf("new gorm store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func floatPtr(v float64) *float64 { return &v }

func TestNewGormStoreRejectsUnknownDriver(t *testing.T) {
	if _, err := NewGormStore(Options{Driver: "oracle", DSN: "x"}); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
	if _, err := NewGormStore(Options{Driver: DriverSQLite}); err == nil {
		t.Fatalf("expected missing dsn error")
	}
}

func TestMigrationCreatesAllTables(t *testing.T) {
	s := newTestStore(t)
	if missing := s.MissingTables(context.Background()); len(missing) != 0 {
		t.Fatalf("unexpected missing tables: %v", missing)
	}
}

func TestCreateUserDuplicateUsernameConflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.CreateUser(ctx, domain.User{Username: "alice", PasswordHash: "h", Role: "user"})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	if created.ID == 0 {
		t.Fatalf("expected assigned id")
	}
	_, err = s.CreateUser(ctx, domain.User{Username: "alice", PasswordHash: "h2", Role: "user"})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	got, ok, err := s.GetUserByUsername(ctx, "alice")
	if err != nil || !ok {
		t.Fatalf("get user: ok=%v err=%v", ok, err)
	}
	if got.PasswordHash != "h" {
		t.Fatalf("duplicate insert must not overwrite, got hash %q", got.PasswordHash)
	}
	if _, ok, err := s.GetUserByUsername(ctx, "bob"); err != nil || ok {
		t.Fatalf("expected missing user, ok=%v err=%v", ok, err)
	}
}

func TestEnsureUserAndRoleAreIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, want := range []bool{true, false} {
		created, err := s.EnsureRole(ctx, domain.Role{Name: "user", Permissions: []string{"questions:read"}})
		if err != nil {
			t.Fatalf("ensure role #%d: %v", i, err)
		}
		if created != want {
			t.Fatalf("ensure role #%d created=%v want %v", i, created, want)
		}
		created, err = s.EnsureUser(ctx, domain.User{Username: "user", PasswordHash: "h", Role: "user"})
		if err != nil {
			t.Fatalf("ensure user #%d: %v", i, err)
		}
		if created != want {
			t.Fatalf("ensure user #%d created=%v want %v", i, created, want)
		}
	}
	users, err := s.ListUsers(ctx)
	if err != nil || len(users) != 1 {
		t.Fatalf("expected one user, got %d err=%v", len(users), err)
	}
}

func TestRolePermissionsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	perms := []string{"questions:read", "process:config"}
	if _, err := s.CreateRole(ctx, domain.Role{Name: "operator", Permissions: perms}); err != nil {
		t.Fatalf("create role: %v", err)
	}
	if _, err := s.CreateRole(ctx, domain.Role{Name: "operator"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for duplicate role, got %v", err)
	}
	if _, err := s.CreateRole(ctx, domain.Role{Name: "viewer"}); err != nil {
		t.Fatalf("create role without permissions: %v", err)
	}

	role, ok, err := s.GetRoleByName(ctx, "operator")
	if err != nil || !ok {
		t.Fatalf("get role: ok=%v err=%v", ok, err)
	}
	if !reflect.DeepEqual(role.Permissions, perms) {
		t.Fatalf("permissions = %v, want %v", role.Permissions, perms)
	}
	roles, err := s.ListRoles(ctx)
	if err != nil {
		t.Fatalf("list roles: %v", err)
	}
	if len(roles) != 2 || roles[0].Name != "operator" || len(roles[1].Permissions) != 0 {
		t.Fatalf("unexpected roles: %+v", roles)
	}
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateSession(ctx, domain.Session{
		Token:    "tok-1",
		Username: "admin",
		Role:     "administrator",
		Scopes:   []string{"questions:read", "questions:write"},
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := s.CreateSession(ctx, domain.Session{Token: "tok-1", Username: "x", Role: "user"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for reused token, got %v", err)
	}

	sess, ok, err := s.GetSessionByToken(ctx, "tok-1")
	if err != nil || !ok {
		t.Fatalf("get session: ok=%v err=%v", ok, err)
	}
	if sess.Username != "admin" || sess.CreatedAt.IsZero() {
		t.Fatalf("unexpected session: %+v", sess)
	}
	if !reflect.DeepEqual(sess.Scopes, []string{"questions:read", "questions:write"}) {
		t.Fatalf("scopes = %v", sess.Scopes)
	}

	if err := s.DeleteSession(ctx, "tok-1"); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	if err := s.DeleteSession(ctx, "tok-1"); err != nil {
		t.Fatalf("deleting a missing session should be a no-op: %v", err)
	}
	if _, ok, err := s.GetSessionByToken(ctx, "tok-1"); err != nil || ok {
		t.Fatalf("expected session gone, ok=%v err=%v", ok, err)
	}
}

func TestSplitScopes(t *testing.T) {
	tests := []struct {
		raw  string
		want []string
	}{
		{raw: "", want: []string{}},
		{raw: "questions:read", want: []string{"questions:read"}},
		{raw: "a, b,,c", want: []string{"a", "b", "c"}},
	}
	for _, tc := range tests {
		if got := SplitScopes(tc.raw); !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("SplitScopes(%q) = %v, want %v", tc.raw, got, tc.want)
		}
	}
	if got := JoinScopes([]string{"a", "b"}); got != "a,b" {
		t.Fatalf("JoinScopes = %q", got)
	}
}

func TestDeleteQuestionCascadesChoices(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	q, err := s.CreateQuestion(ctx, domain.Question{
		Text: "What is the nominal voltage of LiFePO4?",
		Choices: []domain.Choice{
			{Text: "3.2V", IsCorrect: true},
			{Text: "3.7V"},
			{Text: "1.2V"},
		},
	})
	if err != nil {
		t.Fatalf("create question: %v", err)
	}
	if q.ID == 0 || len(q.Choices) != 3 || q.Choices[0].ID == 0 {
		t.Fatalf("expected ids assigned, got %+v", q)
	}
	other, err := s.CreateQuestion(ctx, domain.Question{
		Text:    "Other",
		Choices: []domain.Choice{{Text: "yes", IsCorrect: true}},
	})
	if err != nil {
		t.Fatalf("create other question: %v", err)
	}

	got, ok, err := s.GetQuestion(ctx, q.ID)
	if err != nil || !ok {
		t.Fatalf("get question: ok=%v err=%v", ok, err)
	}
	if len(got.Choices) != 3 || !got.Choices[0].IsCorrect || got.Choices[1].IsCorrect {
		t.Fatalf("unexpected choices: %+v", got.Choices)
	}

	if err := s.DeleteQuestion(ctx, q.ID); err != nil {
		t.Fatalf("delete question: %v", err)
	}
	var orphans int64
	if err := s.db.Model(&ChoiceModel{}).Where("question_id = ?", q.ID).Count(&orphans).Error; err != nil {
		t.Fatalf("count choices: %v", err)
	}
	if orphans != 0 {
		t.Fatalf("expected choices removed by cascade, found %d", orphans)
	}
	var remaining int64
	if err := s.db.Model(&ChoiceModel{}).Where("question_id = ?", other.ID).Count(&remaining).Error; err != nil {
		t.Fatalf("count other choices: %v", err)
	}
	if remaining != 1 {
		t.Fatalf("unrelated choices must survive, found %d", remaining)
	}
	if err := s.DeleteQuestion(ctx, q.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestCreateQuestionDuplicateTextConflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	q := domain.Question{Text: "dup", Choices: []domain.Choice{{Text: "a", IsCorrect: true}}}
	if _, err := s.CreateQuestion(ctx, q); err != nil {
		t.Fatalf("create question: %v", err)
	}
	if _, err := s.CreateQuestion(ctx, q); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	questions, err := s.ListQuestions(ctx)
	if err != nil {
		t.Fatalf("list questions: %v", err)
	}
	if len(questions) != 1 || len(questions[0].Choices) != 1 {
		t.Fatalf("failed insert must roll back its choices: %+v", questions)
	}
}

func TestReplaceProcessStepsReplacesWholeProgram(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := []domain.ProcessStep{
		{StepIndex: 1, StepType: domain.StepCCCV, Current: floatPtr(2), Voltage: floatPtr(3.65), EndCurrent: floatPtr(0.005), StepTime: "01:00:00", CapacityCheck: true},
		{StepIndex: 2, StepType: domain.StepRest, StepTime: "00:10:00"},
		{StepIndex: 3, StepType: domain.StepEnd, StepTime: "00:00:00"},
	}
	if err := s.ReplaceProcessSteps(ctx, first); err != nil {
		t.Fatalf("replace steps: %v", err)
	}
	second := []domain.ProcessStep{
		{StepIndex: 2, StepType: domain.StepDC, Current: floatPtr(1.5), StepTime: "00:30:00", TempCompensation: true},
		{StepIndex: 1, StepType: domain.StepCC, Current: floatPtr(1), StepTime: "00:20:00"},
	}
	if err := s.ReplaceProcessSteps(ctx, second); err != nil {
		t.Fatalf("replace steps again: %v", err)
	}

	steps, err := s.ListProcessSteps(ctx)
	if err != nil {
		t.Fatalf("list steps: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("expected 2 steps after replace, got %d", len(steps))
	}
	if steps[0].StepIndex != 1 || steps[0].StepType != domain.StepCC {
		t.Fatalf("steps must load ordered by index: %+v", steps)
	}
	if steps[1].Voltage != nil || steps[1].Current == nil || *steps[1].Current != 1.5 || !steps[1].TempCompensation {
		t.Fatalf("optional fields not preserved: %+v", steps[1])
	}

	if err := s.ReplaceProcessSteps(ctx, nil); err != nil {
		t.Fatalf("clear steps: %v", err)
	}
	if steps, err := s.ListProcessSteps(ctx); err != nil || len(steps) != 0 {
		t.Fatalf("expected empty program, got %d err=%v", len(steps), err)
	}
}

func TestStepTimeColumnFitsLongestTime(t *testing.T) {
	sch, err := schema.Parse(&ProcessStepModel{}, &sync.Map{}, schema.NamingStrategy{})
	if err != nil {
		t.Fatalf("parse schema: %v", err)
	}
	field := sch.LookUpField("step_time")
	if field == nil {
		t.Fatalf("no step_time column")
	}
	if longest := len("999:59:59"); field.Size < longest {
		t.Fatalf("step_time holds %d characters, need %d", field.Size, longest)
	}
}

func TestProbeWriteLeavesNoRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if err := s.ProbeWrite(ctx, "diag-probe"); err != nil {
		t.Fatalf("probe write: %v", err)
	}
	n, err := s.CountBatteries(ctx)
	if err != nil {
		t.Fatalf("count batteries: %v", err)
	}
	if n != 0 {
		t.Fatalf("probe must clean up after itself, found %d rows", n)
	}
	if _, err := s.PoolStats(); err != nil {
		t.Fatalf("pool stats: %v", err)
	}
}
