package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"quizadmin/internal/util"
	"quizadmin/pkg/domain"
	"quizadmin/services/quiz/internal/app"
	"quizadmin/services/quiz/internal/webauth"
)

const maxBodyBytes = 1 << 20

// Config wires required dependencies for the HTTP server.
type Config struct {
	App     *app.App
	Cookies webauth.Cookies
	Guard   webauth.LoginGuard
	// UI serves /gui/. Optional.
	UI             http.Handler
	AllowedOrigins []string
}

// Server exposes the JSON API and mounts the UI pages.
type Server struct {
	app            *app.App
	cookies        webauth.Cookies
	guard          webauth.LoginGuard
	ui             http.Handler
	allowedOrigins []string
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("server: app is required")
	}
	s := &Server{
		app:            cfg.App,
		cookies:        cfg.Cookies,
		guard:          cfg.Guard,
		ui:             cfg.UI,
		allowedOrigins: cfg.AllowedOrigins,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	root := http.NewServeMux()
	root.Handle("/", util.WithSecurityHeaders(util.WithCORS(s.allowedOrigins, s.mux)))
	if s.ui != nil {
		root.Handle("/gui/", s.ui)
		root.Handle("/gui", http.RedirectHandler("/gui/", http.StatusSeeOther))
	}
	return util.WithRequestID(util.WithRequestLog("quiz", root))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/", s.handleRoot)

	// session
	s.mux.HandleFunc("/api/login", s.handleLogin)
	s.mux.HandleFunc("/api/logout", s.handleLogout)
	s.mux.HandleFunc("/api/me", s.handleMe)

	// questions
	s.mux.HandleFunc("/api/questions", s.handleQuestions)
	s.mux.HandleFunc("/api/questions/", s.handleQuestionByID)

	// process program
	s.mux.HandleFunc("/api/process-steps", s.handleProcessSteps)

	// admin
	s.mux.HandleFunc("/api/users", s.handleUsers)
	s.mux.HandleFunc("/api/roles", s.handleRoles)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.app.Ping(ctx); err != nil {
		util.LoggerFromContext(r.Context()).Warn("health check failed", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		notFound(w, "not found")
		return
	}
	http.Redirect(w, r, "/gui/login", http.StatusSeeOther)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if ok, retry := s.guard.Admit(r); !ok {
		w.Header().Set("Retry-After", retryAfterSeconds(retry))
		writeError(w, http.StatusTooManyRequests, "too many login attempts")
		return
	}
	req, err := decodeLogin(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	principal, token, err := s.app.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, app.ErrInvalidCredentials) {
			s.guard.Rejected(r)
		}
		writeAppError(w, err)
		return
	}
	s.cookies.Set(w, token)
	writeJSON(w, http.StatusOK, principal)
}

// decodeLogin accepts a JSON body or an urlencoded form.
func decodeLogin(r *http.Request) (loginRequest, error) {
	var req loginRequest
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		if err := decodeJSON(r, &req); err != nil {
			return loginRequest{}, err
		}
		return req, nil
	}
	r.Body = http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		return loginRequest{}, errors.New("invalid form data")
	}
	req.Username = r.PostFormValue("username")
	req.Password = r.PostFormValue("password")
	return req, nil
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if err := s.app.Logout(r.Context(), s.cookies.Token(r)); err != nil {
		util.LoggerFromContext(r.Context()).Warn("logout failed", "err", err)
	}
	s.cookies.Clear(w)
	http.Redirect(w, r, "/gui/login", http.StatusSeeOther)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	principal, err := s.app.Authenticate(r.Context(), s.cookies.Token(r))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, principal)
}

func (s *Server) handleQuestions(w http.ResponseWriter, r *http.Request) {
	token := s.cookies.Token(r)
	switch r.Method {
	case http.MethodGet:
		questions, err := s.app.ListQuestions(r.Context(), token)
		if err != nil {
			writeAppError(w, err)
			return
		}
		if questions == nil {
			questions = []domain.Question{}
		}
		writeJSON(w, http.StatusOK, questions)
	case http.MethodPost:
		var in app.QuestionInput
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		created, err := s.app.CreateQuestion(r.Context(), token, in)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"message":     "question created",
			"question_id": created.ID,
			"question":    created,
		})
	default:
		methodNotAllowed(w)
	}
}

// /api/questions/{id}
func (s *Server) handleQuestionByID(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimPrefix(r.URL.Path, "/api/questions/")
	if raw == "" || strings.Contains(raw, "/") {
		notFound(w, "not found")
		return
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "invalid question id")
		return
	}
	token := s.cookies.Token(r)
	switch r.Method {
	case http.MethodGet:
		q, err := s.app.GetQuestion(r.Context(), token, uint(id))
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, q)
	case http.MethodDelete:
		if err := s.app.DeleteQuestion(r.Context(), token, uint(id)); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"message": "question deleted"})
	default:
		methodNotAllowed(w)
	}
}

type processRequest struct {
	Steps []app.StepInput `json:"steps"`
}

func (s *Server) handleProcessSteps(w http.ResponseWriter, r *http.Request) {
	token := s.cookies.Token(r)
	switch r.Method {
	case http.MethodGet:
		steps, err := s.app.ListProcessSteps(r.Context(), token)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": steps,
			"count": len(steps),
		})
	case http.MethodPut, http.MethodPost:
		var req processRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		steps, err := s.app.SaveProcessSteps(r.Context(), token, req.Steps)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"message": "process saved",
			"count":   len(steps),
			"items":   steps,
		})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	token := s.cookies.Token(r)
	switch r.Method {
	case http.MethodGet:
		users, err := s.app.ListUsers(r.Context(), token)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": users,
			"count": len(users),
		})
	case http.MethodPost:
		var in app.UserInput
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		created, err := s.app.CreateUser(r.Context(), token, in)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleRoles(w http.ResponseWriter, r *http.Request) {
	token := s.cookies.Token(r)
	switch r.Method {
	case http.MethodGet:
		roles, err := s.app.ListRoles(r.Context(), token)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": roles,
			"count": len(roles),
		})
	case http.MethodPost:
		var in app.RoleInput
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		created, err := s.app.CreateRole(r.Context(), token, in)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	default:
		methodNotAllowed(w)
	}
}

func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

func retryAfterSeconds(d time.Duration) string {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		RequestID: strings.TrimSpace(w.Header().Get(util.RequestIDHeader)),
	})
}

// writeAppError maps service errors to responses. Storage details never
// reach the client.
func writeAppError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrUnauthenticated), errors.Is(err, app.ErrInvalidSession):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, app.ErrForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, app.ErrNotFound):
		writeError(w, http.StatusNotFound, "question not found")
	case errors.Is(err, app.ErrInvalidCredentials):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrValidation):
		writeError(w, http.StatusBadRequest, app.ValidationMessage(err))
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
