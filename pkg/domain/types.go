package domain

import "time"

// Scope is a permission string carried by roles and frozen into sessions.
type Scope string

const (
	ScopeQuestionsRead   Scope = "questions:read"
	ScopeQuestionsWrite  Scope = "questions:write"
	ScopeQuestionsDelete Scope = "questions:delete"
	ScopeProcessConfig   Scope = "process:config"
)

// AllScopes lists the recognized scopes in display order.
var AllScopes = []Scope{
	ScopeQuestionsRead,
	ScopeQuestionsWrite,
	ScopeQuestionsDelete,
	ScopeProcessConfig,
}

// ParseScope reports whether raw names a recognized scope.
func ParseScope(raw string) (Scope, bool) {
	for _, s := range AllScopes {
		if string(s) == raw {
			return s, true
		}
	}
	return "", false
}

const (
	RoleAdministrator = "administrator"
	RoleUser          = "user"
)

type User struct {
	ID           uint   `json:"id"`
	Username     string `json:"username"`
	PasswordHash string `json:"-"`
	Role         string `json:"role"`
}

type Role struct {
	ID          uint     `json:"id"`
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
}

// Session is the server-side record behind a session cookie.
// Scopes are copied from the role at login and never refreshed.
type Session struct {
	ID        uint      `json:"id"`
	Token     string    `json:"-"`
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Scopes    []string  `json:"scopes"`
	CreatedAt time.Time `json:"createdAt"`
}

// Principal is the authenticated caller resolved from a session.
type Principal struct {
	Username string   `json:"username"`
	Role     string   `json:"role"`
	Scopes   []string `json:"scopes"`
}

// HasScope reports whether the principal carries scope.
func (p Principal) HasScope(scope Scope) bool {
	for _, s := range p.Scopes {
		if s == string(scope) {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the principal holds the administrator role.
func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdministrator
}

type Question struct {
	ID      uint     `json:"id"`
	Text    string   `json:"question_text"`
	Choices []Choice `json:"choices"`
}

type Choice struct {
	ID        uint   `json:"id"`
	Text      string `json:"choice_text"`
	IsCorrect bool   `json:"is_correct"`
}

type StepType string

const (
	StepCCCV StepType = "CC-CV"
	StepCC   StepType = "CC"
	StepDC   StepType = "DC"
	StepRest StepType = "Rest"
	StepEnd  StepType = "END"
)

// StepTypes lists the accepted process step types in display order.
var StepTypes = []StepType{StepCCCV, StepCC, StepDC, StepRest, StepEnd}

// ParseStepType reports whether raw names a known step type.
func ParseStepType(raw string) (StepType, bool) {
	for _, t := range StepTypes {
		if string(t) == raw {
			return t, true
		}
	}
	return "", false
}

// ProcessStep is one row of the battery charge/discharge program.
// Current, Voltage and EndCurrent are optional; StepTime is HH:MM:SS.
type ProcessStep struct {
	ID               uint     `json:"id"`
	StepIndex        int      `json:"step_index"`
	StepType         StepType `json:"step_type"`
	Current          *float64 `json:"current"`
	Voltage          *float64 `json:"voltage"`
	EndCurrent       *float64 `json:"end_current"`
	StepTime         string   `json:"step_time"`
	CapacityCheck    bool     `json:"capacity_check"`
	TempCompensation bool     `json:"temp_compensation"`
}

type Battery struct {
	ID       uint   `json:"batteries_id"`
	Name     string `json:"batteries_name"`
	Capacity int    `json:"batteries_capacity"`
}
