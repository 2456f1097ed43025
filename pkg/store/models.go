package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence. Table names are fixed so existing
// databases keep working.
type UserModel struct {
	ID           uint   `gorm:"primaryKey"`
	Username     string `gorm:"size:150;uniqueIndex;not null"`
	PasswordHash string `gorm:"column:password_hash;not null"`
	Role         string `gorm:"size:50;not null"`
}

func (UserModel) TableName() string { return "users" }

type RoleModel struct {
	ID          uint                        `gorm:"primaryKey"`
	Name        string                      `gorm:"size:50;uniqueIndex;not null"`
	Permissions datatypes.JSONSlice[string] `gorm:"not null"`
}

func (RoleModel) TableName() string { return "roles" }

// UserSessionModel stores scopes comma-joined, frozen at login.
type UserSessionModel struct {
	ID           uint      `gorm:"primaryKey"`
	SessionToken string    `gorm:"size:128;uniqueIndex;not null"`
	Username     string    `gorm:"size:150;not null;index"`
	Role         string    `gorm:"size:50;not null"`
	Scopes       string    `gorm:"type:text;not null"`
	CreatedAt    time.Time `gorm:"not null"`
}

func (UserSessionModel) TableName() string { return "user_sessions" }

type QuestionModel struct {
	ID           uint          `gorm:"primaryKey"`
	QuestionText string        `gorm:"size:500;uniqueIndex;not null"`
	Choices      []ChoiceModel `gorm:"foreignKey:QuestionID;constraint:OnDelete:CASCADE"`
}

func (QuestionModel) TableName() string { return "questions" }

type ChoiceModel struct {
	ID         uint   `gorm:"primaryKey"`
	ChoiceText string `gorm:"size:500;not null"`
	IsCorrect  bool   `gorm:"not null"`
	QuestionID uint   `gorm:"not null;index"`
}

func (ChoiceModel) TableName() string { return "choices" }

type ProcessStepModel struct {
	ID               uint     `gorm:"primaryKey"`
	StepIndex        int      `gorm:"not null;index"`
	StepType         string   `gorm:"size:16;not null"`
	Current          *float64 `gorm:"column:current"`
	Voltage          *float64
	EndCurrent       *float64
	StepTime         string `gorm:"size:9;not null"` // HHH:MM:SS at most
	CapacityCheck    bool   `gorm:"not null"`
	TempCompensation bool   `gorm:"not null"`
}

func (ProcessStepModel) TableName() string { return "process_steps" }

type BatteryModel struct {
	ID       uint   `gorm:"column:batteries_id;primaryKey"`
	Name     string `gorm:"column:batteries_name;size:150;uniqueIndex;not null"`
	Capacity int    `gorm:"column:batteries_capacity;not null"`
}

func (BatteryModel) TableName() string { return "batteries" }

func allModels() []any {
	return []any{
		&UserModel{},
		&RoleModel{},
		&UserSessionModel{},
		&QuestionModel{},
		&ChoiceModel{},
		&ProcessStepModel{},
		&BatteryModel{},
	}
}
