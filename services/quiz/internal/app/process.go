package app

import (
	"context"
	"math"
	"strconv"
	"strings"

	"quizadmin/pkg/domain"
)

const defaultStepTime = "00:00:00"

// MaxProcessSteps bounds a program so every entry point can show and resave it.
const MaxProcessSteps = 50

// Step defaults shown for a fresh row in the editor.
var (
	DefaultStepCurrent    = 2.000
	DefaultStepVoltage    = 3.650
	DefaultStepEndCurrent = 0.005
)

// StepInput is one submitted program row. Its position in the submitted
// list decides its step_index.
type StepInput struct {
	StepType         string   `json:"step_type"`
	Current          *float64 `json:"current"`
	Voltage          *float64 `json:"voltage"`
	EndCurrent       *float64 `json:"end_current"`
	StepTime         string   `json:"step_time"`
	CapacityCheck    bool     `json:"capacity_check"`
	TempCompensation bool     `json:"temp_compensation"`
}

// ListProcessSteps returns the stored program ordered by step_index.
func (a *App) ListProcessSteps(ctx context.Context, token string) ([]domain.ProcessStep, error) {
	if _, err := a.Authorize(ctx, token, domain.ScopeProcessConfig); err != nil {
		return nil, err
	}
	steps, err := a.store.ListProcessSteps(ctx)
	if err != nil {
		return nil, storageError(ctx, "list process steps", err)
	}
	return steps, nil
}

// SaveProcessSteps replaces the whole program with in, numbering the steps
// 1..N in submission order. The delete and insert share one transaction.
func (a *App) SaveProcessSteps(ctx context.Context, token string, in []StepInput) ([]domain.ProcessStep, error) {
	p, err := a.Authorize(ctx, token, domain.ScopeProcessConfig)
	if err != nil {
		return nil, err
	}
	if len(in) > MaxProcessSteps {
		return nil, validationError("a process may have at most %d steps, got %d", MaxProcessSteps, len(in))
	}
	steps := make([]domain.ProcessStep, 0, len(in))
	for i, row := range in {
		step, err := normalizeStep(i+1, row)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	if err := a.store.ReplaceProcessSteps(ctx, steps); err != nil {
		return nil, storageError(ctx, "replace process steps", err)
	}
	audit(ctx, "process_save", "success", "username", p.Username, "steps", len(steps))
	return steps, nil
}

func normalizeStep(index int, in StepInput) (domain.ProcessStep, error) {
	stepType, ok := domain.ParseStepType(strings.TrimSpace(in.StepType))
	if !ok {
		return domain.ProcessStep{}, validationError("step %d: unknown step type %q", index, in.StepType)
	}
	for name, v := range map[string]*float64{"current": in.Current, "voltage": in.Voltage, "end current": in.EndCurrent} {
		if v != nil && (math.IsNaN(*v) || math.IsInf(*v, 0)) {
			return domain.ProcessStep{}, validationError("step %d: %s must be a finite number", index, name)
		}
	}
	stepTime := strings.TrimSpace(in.StepTime)
	if stepTime == "" {
		stepTime = defaultStepTime
	}
	if !ValidStepTime(stepTime) {
		return domain.ProcessStep{}, validationError("step %d: time %q must be HH:MM:SS", index, in.StepTime)
	}
	return domain.ProcessStep{
		StepIndex:        index,
		StepType:         stepType,
		Current:          in.Current,
		Voltage:          in.Voltage,
		EndCurrent:       in.EndCurrent,
		StepTime:         stepTime,
		CapacityCheck:    in.CapacityCheck,
		TempCompensation: in.TempCompensation,
	}, nil
}

// ValidStepTime reports whether s is HH:MM:SS with two-digit minutes and
// seconds below 60. Hours take two or three digits.
func ValidStepTime(s string) bool {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return false
	}
	for i, part := range parts {
		if len(part) < 2 || (i > 0 && len(part) != 2) || len(part) > 3 {
			return false
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 || strings.ContainsAny(part, "+-") {
			return false
		}
		if i > 0 && n >= 60 {
			return false
		}
	}
	return true
}
