// Package ui serves the server-rendered administration pages under /gui/.
//
// Every page and form action resolves the caller's session again and goes
// through the same service calls as the JSON API, so permissions are checked
// on each render and each submission. Page state lives only in the request:
// the view model is built per render and outcomes of form actions travel to
// the next page as flash messages.
package ui

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"net/http"

	"github.com/gorilla/csrf"
	"github.com/gorilla/sessions"
	"quizadmin/internal/util"
	"quizadmin/pkg/domain"
	"quizadmin/services/quiz/internal/app"
	"quizadmin/services/quiz/internal/webauth"
)

//go:embed templates/*.html
var templateFS embed.FS

const (
	csrfFieldName    = "csrf_token"
	csrfCookieName   = "quiz_csrf"
	flashSessionName = "quiz_flash"
	flashMaxAge      = 300

	flashPositive = "positive"
	flashNegative = "negative"
)

// Config wires the UI dependencies.
type Config struct {
	App     *app.App
	Cookies webauth.Cookies
	Guard   webauth.LoginGuard
	// CSRFKey and FlashKey must be 32 bytes.
	CSRFKey  []byte
	FlashKey []byte
	// Secure marks the CSRF and flash cookies Secure.
	Secure bool
}

// UI renders the administration pages.
type UI struct {
	app     *app.App
	cookies webauth.Cookies
	guard   webauth.LoginGuard
	flashes sessions.Store
	pages   map[string]*template.Template
	handler http.Handler
}

// New parses the page templates and builds the protected handler.
func New(cfg Config) (*UI, error) {
	if cfg.App == nil {
		return nil, errors.New("ui: app is required")
	}
	if len(cfg.CSRFKey) != 32 {
		return nil, errors.New("ui: csrf key must be 32 bytes")
	}
	if len(cfg.FlashKey) != 32 {
		return nil, errors.New("ui: flash key must be 32 bytes")
	}
	pages, err := parsePages()
	if err != nil {
		return nil, err
	}

	flashes := sessions.NewCookieStore(cfg.FlashKey)
	flashes.Options = &sessions.Options{
		Path:     "/gui",
		HttpOnly: true,
		Secure:   cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	}
	flashes.MaxAge(flashMaxAge)

	u := &UI{
		app:     cfg.App,
		cookies: cfg.Cookies,
		guard:   cfg.Guard,
		flashes: flashes,
		pages:   pages,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/gui/", u.handleDashboard)
	mux.HandleFunc("/gui/login", u.handleLogin)
	mux.HandleFunc("/gui/logout", u.handleLogout)
	mux.HandleFunc("/gui/questions", u.handleCreateQuestion)
	mux.HandleFunc("/gui/questions/", u.handleQuestion)
	mux.HandleFunc("/gui/process", u.handleSaveProcess)
	mux.HandleFunc("/gui/users", u.handleCreateUser)
	mux.HandleFunc("/gui/roles", u.handleCreateRole)

	protect := csrf.Protect(cfg.CSRFKey,
		csrf.Secure(cfg.Secure),
		csrf.Path("/gui"),
		csrf.CookieName(csrfCookieName),
		csrf.FieldName(csrfFieldName),
		csrf.SameSite(csrf.SameSiteLaxMode),
		csrf.ErrorHandler(http.HandlerFunc(u.handleCSRFFailure)),
	)
	protected := protect(mux)
	u.handler = util.WithPageSecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !util.IsHTTPS(r) {
			r = csrf.PlaintextHTTPRequest(r)
		}
		protected.ServeHTTP(w, r)
	}))
	return u, nil
}

func (u *UI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u.handler.ServeHTTP(w, r)
}

var pageFuncs = template.FuncMap{
	"inc": func(i int) int { return i + 1 },
}

func parsePages() (map[string]*template.Template, error) {
	pages := make(map[string]*template.Template)
	for _, name := range []string{"login", "dashboard", "question", "error"} {
		tmpl, err := template.New(name).Funcs(pageFuncs).ParseFS(templateFS, "templates/layout.html", "templates/"+name+".html")
		if err != nil {
			return nil, fmt.Errorf("parse %s template: %w", name, err)
		}
		pages[name] = tmpl
	}
	return pages, nil
}

type notice struct {
	Kind string
	Text string
}

// page is the data shared by every template through the layout.
type page struct {
	Title     string
	Principal *domain.Principal
	Notices   []notice
	CSRFField template.HTML
}

// newPage collects pending flash messages, so it must run before anything is
// written to w.
func (u *UI) newPage(w http.ResponseWriter, r *http.Request, title string, p *domain.Principal) page {
	return page{
		Title:     title,
		Principal: p,
		Notices:   u.takeFlashes(w, r),
		CSRFField: csrf.TemplateField(r),
	}
}

func (u *UI) render(w http.ResponseWriter, r *http.Request, status int, name string, data any) {
	tmpl, ok := u.pages[name]
	if !ok {
		util.LoggerFromContext(r.Context()).Error("unknown page template", "page", name)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	var buf bytes.Buffer
	if err := tmpl.ExecuteTemplate(&buf, "layout", data); err != nil {
		util.LoggerFromContext(r.Context()).Error("render page failed", "page", name, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

type errorPage struct {
	page
	Message string
}

func (u *UI) renderError(w http.ResponseWriter, r *http.Request, status int, message string) {
	u.render(w, r, status, "error", errorPage{
		page:    u.newPage(w, r, http.StatusText(status), nil),
		Message: message,
	})
}

func (u *UI) handleCSRFFailure(w http.ResponseWriter, r *http.Request) {
	util.LoggerFromContext(r.Context()).Warn("csrf check failed", "path", r.URL.Path, "reason", csrf.FailureReason(r))
	u.renderError(w, r, http.StatusForbidden, "The form has expired or did not come from this site. Reload the page and try again.")
}

func (u *UI) flash(w http.ResponseWriter, r *http.Request, kind, text string) {
	sess, _ := u.flashes.Get(r, flashSessionName)
	sess.AddFlash(text, kind)
	if err := sess.Save(r, w); err != nil {
		util.LoggerFromContext(r.Context()).Warn("save flash failed", "err", err)
	}
}

func (u *UI) takeFlashes(w http.ResponseWriter, r *http.Request) []notice {
	sess, _ := u.flashes.Get(r, flashSessionName)
	var out []notice
	for _, kind := range []string{flashPositive, flashNegative} {
		for _, f := range sess.Flashes(kind) {
			if text, ok := f.(string); ok {
				out = append(out, notice{Kind: kind, Text: text})
			}
		}
	}
	if len(out) > 0 {
		if err := sess.Save(r, w); err != nil {
			util.LoggerFromContext(r.Context()).Warn("clear flash failed", "err", err)
		}
	}
	return out
}

// principal resolves the caller. When there is no usable session it sends the
// browser to the login page and reports false.
func (u *UI) principal(w http.ResponseWriter, r *http.Request) (domain.Principal, string, bool) {
	token := u.cookies.Token(r)
	p, err := u.app.Authenticate(r.Context(), token)
	if err == nil {
		return p, token, true
	}
	if u.redirectToLogin(w, r, err) {
		return domain.Principal{}, "", false
	}
	u.renderError(w, r, http.StatusInternalServerError, "The service is temporarily unavailable. Please try again.")
	return domain.Principal{}, "", false
}

// redirectToLogin handles missing or stale sessions.
func (u *UI) redirectToLogin(w http.ResponseWriter, r *http.Request, err error) bool {
	switch {
	case errors.Is(err, app.ErrInvalidSession):
		u.cookies.Clear(w)
		u.flash(w, r, flashNegative, "Your session has ended. Please sign in again.")
	case errors.Is(err, app.ErrUnauthenticated):
	default:
		return false
	}
	http.Redirect(w, r, "/gui/login", http.StatusSeeOther)
	return true
}

// finish reports the outcome of a form action and returns to target.
func (u *UI) finish(w http.ResponseWriter, r *http.Request, err error, success, target string) {
	if err != nil && u.redirectToLogin(w, r, err) {
		return
	}
	if err != nil {
		u.flash(w, r, flashNegative, userMessage(err))
	} else {
		u.flash(w, r, flashPositive, success)
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

func userMessage(err error) string {
	var formErr formError
	switch {
	case errors.As(err, &formErr):
		return formErr.Error()
	case errors.Is(err, app.ErrForbidden):
		return "You do not have permission to do that."
	case errors.Is(err, app.ErrNotFound):
		return "That question no longer exists."
	case errors.Is(err, app.ErrValidation):
		return app.ValidationMessage(err)
	case errors.Is(err, app.ErrInvalidCredentials):
		return "Invalid username or password."
	default:
		return "Something went wrong. Please try again."
	}
}
