package ui

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"quizadmin/services/quiz/internal/app"
)

// formError is a message about malformed form input shown as-is.
type formError string

func (e formError) Error() string { return string(e) }

// queryInt reads a bounded integer query parameter, falling back to def.
func queryInt(r *http.Request, name string, def, lo, hi int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || n < lo {
		return def
	}
	return min(n, hi)
}

// postedRows reads the row count a form declares for its repeated fields.
func postedRows(r *http.Request, name string, hi int) int {
	n, err := strconv.Atoi(r.PostFormValue(name))
	if err != nil || n < 0 {
		return 0
	}
	return min(n, hi)
}

// tooManyRows reports a declared row count above hi, which would otherwise be
// cut silently.
func tooManyRows(r *http.Request, name string, hi int) bool {
	n, err := strconv.Atoi(r.PostFormValue(name))
	return err == nil && n > hi
}

// questionFromForm collects the question text and its numbered choice rows.
// Blank rows are passed through; the service drops them.
func questionFromForm(r *http.Request) app.QuestionInput {
	in := app.QuestionInput{Text: r.PostFormValue("question_text")}
	for i, n := 0, postedRows(r, "choice_rows", maxChoiceRows); i < n; i++ {
		in.Choices = append(in.Choices, app.ChoiceInput{
			Text:      r.PostFormValue(fmt.Sprintf("choice_text_%d", i)),
			IsCorrect: r.PostFormValue(fmt.Sprintf("is_correct_%d", i)) != "",
		})
	}
	return in
}

// stepsFromForm collects the program rows in display order. Rows without a
// step type are dropped.
func stepsFromForm(r *http.Request) ([]app.StepInput, error) {
	if tooManyRows(r, "step_rows", maxStepRows) {
		return nil, formError(fmt.Sprintf("The form has more than %d rows. A process may have at most %d steps.", maxStepRows, app.MaxProcessSteps))
	}
	var steps []app.StepInput
	for i, n := 0, postedRows(r, "step_rows", maxStepRows); i < n; i++ {
		field := func(name string) string {
			return strings.TrimSpace(r.PostFormValue(fmt.Sprintf("%s_%d", name, i)))
		}
		stepType := field("step_type")
		if stepType == "" {
			continue
		}
		step := app.StepInput{
			StepType:         stepType,
			StepTime:         field("step_time"),
			CapacityCheck:    field("capacity_check") != "",
			TempCompensation: field("temp_compensation") != "",
		}
		for _, num := range []struct {
			name  string
			label string
			dst   **float64
		}{
			{name: "current", label: "current", dst: &step.Current},
			{name: "voltage", label: "voltage", dst: &step.Voltage},
			{name: "end_current", label: "end current", dst: &step.EndCurrent},
		} {
			raw := field(num.name)
			if raw == "" {
				continue
			}
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, formError(fmt.Sprintf("Row %d: %s %q is not a number.", i+1, num.label, raw))
			}
			*num.dst = &v
		}
		steps = append(steps, step)
	}
	return steps, nil
}
