package ui

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"quizadmin/pkg/domain"
	"quizadmin/services/quiz/internal/app"
)

const (
	defaultChoiceRows = 4
	maxChoiceRows     = 10
	defaultExtraSteps = 1
	maxExtraSteps     = 20

	// the editor shows a full program plus the blank rows
	maxStepRows = app.MaxProcessSteps + maxExtraSteps + 1
)

type loginPage struct {
	page
	Username string
}

func (u *UI) handleLogin(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if _, err := u.app.Authenticate(r.Context(), u.cookies.Token(r)); err == nil {
			http.Redirect(w, r, "/gui/", http.StatusSeeOther)
			return
		}
		u.render(w, r, http.StatusOK, "login", loginPage{page: u.newPage(w, r, "Sign in", nil)})
	case http.MethodPost:
		u.submitLogin(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (u *UI) submitLogin(w http.ResponseWriter, r *http.Request) {
	username := strings.TrimSpace(r.PostFormValue("username"))
	data := loginPage{page: u.newPage(w, r, "Sign in", nil), Username: username}

	if ok, retry := u.guard.Admit(r); !ok {
		secs := max(int((retry+time.Second-1)/time.Second), 1)
		data.Notices = append(data.Notices, notice{Kind: flashNegative, Text: fmt.Sprintf("Too many sign-in attempts. Try again in %d seconds.", secs)})
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		u.render(w, r, http.StatusTooManyRequests, "login", data)
		return
	}

	p, token, err := u.app.Login(r.Context(), username, r.PostFormValue("password"))
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, app.ErrInvalidCredentials) {
			u.guard.Rejected(r)
		} else {
			status = http.StatusInternalServerError
		}
		data.Notices = append(data.Notices, notice{Kind: flashNegative, Text: userMessage(err)})
		u.render(w, r, status, "login", data)
		return
	}
	u.cookies.Set(w, token)
	u.flash(w, r, flashPositive, "Signed in as "+p.Username+".")
	http.Redirect(w, r, "/gui/", http.StatusSeeOther)
}

func (u *UI) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	err := u.app.Logout(r.Context(), u.cookies.Token(r))
	u.cookies.Clear(w)
	if err != nil {
		u.flash(w, r, flashNegative, userMessage(err))
	} else {
		u.flash(w, r, flashPositive, "You have been signed out.")
	}
	http.Redirect(w, r, "/gui/login", http.StatusSeeOther)
}

type stepRow struct {
	Type             domain.StepType
	Current          string
	Voltage          string
	EndCurrent       string
	Time             string
	CapacityCheck    bool
	TempCompensation bool
}

type dashboardPage struct {
	page
	CanRead      bool
	CanWrite     bool
	CanDelete    bool
	CanConfigure bool
	IsAdmin      bool

	Questions      []domain.Question
	ChoiceRows     []int
	MoreChoicesURL string

	Steps        []stepRow
	StepTypes    []domain.StepType
	MoreStepsURL string

	Users  []domain.User
	Roles  []domain.Role
	Scopes []domain.Scope
}

func (u *UI) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/gui/" {
		u.renderError(w, r, http.StatusNotFound, "There is no page at this address.")
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	p, token, ok := u.principal(w, r)
	if !ok {
		return
	}
	data := dashboardPage{
		page:         u.newPage(w, r, "Dashboard", &p),
		CanRead:      p.HasScope(domain.ScopeQuestionsRead),
		CanWrite:     p.HasScope(domain.ScopeQuestionsWrite),
		CanDelete:    p.HasScope(domain.ScopeQuestionsDelete),
		CanConfigure: p.HasScope(domain.ScopeProcessConfig),
		IsAdmin:      p.IsAdmin(),
		StepTypes:    domain.StepTypes,
		Scopes:       domain.AllScopes,
	}
	ctx := r.Context()
	loadFailed := false

	choices := queryInt(r, "choices", defaultChoiceRows, 1, maxChoiceRows)
	extraSteps := queryInt(r, "steps", defaultExtraSteps, 1, maxExtraSteps)
	for i := 0; i < choices; i++ {
		data.ChoiceRows = append(data.ChoiceRows, i)
	}
	if choices < maxChoiceRows {
		data.MoreChoicesURL = fmt.Sprintf("/gui/?choices=%d&steps=%d", min(choices+2, maxChoiceRows), extraSteps)
	}
	if extraSteps < maxExtraSteps {
		data.MoreStepsURL = fmt.Sprintf("/gui/?choices=%d&steps=%d#process", choices, extraSteps+1)
	}

	if data.CanRead {
		questions, err := u.app.ListQuestions(ctx, token)
		if err != nil {
			loadFailed = true
		}
		data.Questions = questions
	}
	if data.CanConfigure {
		steps, err := u.app.ListProcessSteps(ctx, token)
		if err != nil {
			loadFailed = true
		}
		data.Steps = stepRows(steps, extraSteps)
	}
	if data.IsAdmin {
		users, err := u.app.ListUsers(ctx, token)
		if err != nil {
			loadFailed = true
		}
		roles, err := u.app.ListRoles(ctx, token)
		if err != nil {
			loadFailed = true
		}
		data.Users, data.Roles = users, roles
	}
	if loadFailed {
		data.Notices = append(data.Notices, notice{Kind: flashNegative, Text: "Some data could not be loaded. Please reload the page."})
	}
	u.render(w, r, http.StatusOK, "dashboard", data)
}

// stepRows lays out the stored program followed by blank rows for new steps.
// An empty program starts with one default CC-CV row.
func stepRows(steps []domain.ProcessStep, extra int) []stepRow {
	rows := make([]stepRow, 0, len(steps)+extra+1)
	for _, s := range steps {
		rows = append(rows, stepRow{
			Type:             s.StepType,
			Current:          formatAmount(s.Current),
			Voltage:          formatAmount(s.Voltage),
			EndCurrent:       formatAmount(s.EndCurrent),
			Time:             s.StepTime,
			CapacityCheck:    s.CapacityCheck,
			TempCompensation: s.TempCompensation,
		})
	}
	if len(steps) == 0 {
		rows = append(rows, blankStepRow(domain.StepCCCV))
	}
	for i := 0; i < extra; i++ {
		rows = append(rows, blankStepRow(""))
	}
	return rows
}

func blankStepRow(t domain.StepType) stepRow {
	return stepRow{
		Type:       t,
		Current:    formatAmount(&app.DefaultStepCurrent),
		Voltage:    formatAmount(&app.DefaultStepVoltage),
		EndCurrent: formatAmount(&app.DefaultStepEndCurrent),
		Time:       "00:00:00",
	}
}

func formatAmount(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', 3, 64)
}

type questionPage struct {
	page
	Question  domain.Question
	CanDelete bool
}

// /gui/questions/{id} and /gui/questions/{id}/delete
func (u *UI) handleQuestion(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/gui/questions/")
	raw, action, _ := strings.Cut(rest, "/")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 || (action != "" && action != "delete") {
		u.renderError(w, r, http.StatusNotFound, "There is no page at this address.")
		return
	}

	if action == "delete" {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		err := u.app.DeleteQuestion(r.Context(), u.cookies.Token(r), uint(id))
		u.finish(w, r, err, "Question deleted.", "/gui/")
		return
	}

	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	p, token, ok := u.principal(w, r)
	if !ok {
		return
	}
	q, err := u.app.GetQuestion(r.Context(), token, uint(id))
	switch {
	case err == nil:
	case errors.Is(err, app.ErrNotFound):
		u.renderError(w, r, http.StatusNotFound, "That question does not exist.")
		return
	default:
		u.finish(w, r, err, "", "/gui/")
		return
	}
	u.render(w, r, http.StatusOK, "question", questionPage{
		page:      u.newPage(w, r, "Question", &p),
		Question:  q,
		CanDelete: p.HasScope(domain.ScopeQuestionsDelete),
	})
}

func (u *UI) handleCreateQuestion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	_, err := u.app.CreateQuestion(r.Context(), u.cookies.Token(r), questionFromForm(r))
	u.finish(w, r, err, "Question created.", "/gui/")
}

func (u *UI) handleSaveProcess(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	token := u.cookies.Token(r)
	if _, err := u.app.Authorize(r.Context(), token, domain.ScopeProcessConfig); err != nil {
		u.finish(w, r, err, "", "/gui/")
		return
	}
	steps, err := stepsFromForm(r)
	if err != nil {
		u.finish(w, r, err, "", "/gui/#process")
		return
	}
	saved, err := u.app.SaveProcessSteps(r.Context(), token, steps)
	u.finish(w, r, err, fmt.Sprintf("Process saved (%d steps).", len(saved)), "/gui/#process")
}

func (u *UI) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	created, err := u.app.CreateUser(r.Context(), u.cookies.Token(r), app.UserInput{
		Username: r.PostFormValue("username"),
		Password: r.PostFormValue("password"),
		Role:     r.PostFormValue("role"),
	})
	u.finish(w, r, err, fmt.Sprintf("User %s created.", created.Username), "/gui/#accounts")
}

func (u *UI) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		u.finish(w, r, formError("The form could not be read."), "", "/gui/#accounts")
		return
	}
	created, err := u.app.CreateRole(r.Context(), u.cookies.Token(r), app.RoleInput{
		Name:        r.PostForm.Get("name"),
		Permissions: r.PostForm["permissions"],
	})
	u.finish(w, r, err, fmt.Sprintf("Role %s created.", created.Name), "/gui/#accounts")
}
