package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"infinitytrain/internal/ratelimit"
	"infinitytrain/internal/util"
	"infinitytrain/pkg/domain"
	"infinitytrain/services/tracker/internal/app"
)

const maxJSONBodyBytes = 1 << 20

// Config wires required dependencies for the HTTP server.
type Config struct {
	App                      *app.App
	RedisAddr                string
	RedisPassword            string
	LoginRateLimitPerMinute  int
	SignupRateLimitPerMinute int
	TrustedProxyCIDRs        []string
	CORSAllowedOrigins       []string
}

// Server exposes the training tracker over HTTP.
type Server struct {
	app            *app.App
	router         chi.Router
	trustedProxies *util.TrustedProxies
	corsOrigins    []string
	loginLimiter   *ratelimit.FixedWindowLimiter
	signupLimiter  *ratelimit.FixedWindowLimiter
}

// New constructs the server with routes configured. Login and signup are
// rate limited only when a limit and a Redis address are configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app is required")
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		return nil, fmt.Errorf("parse trusted proxies: %w", err)
	}
	newLimiter := func(name string, limit int) (*ratelimit.FixedWindowLimiter, error) {
		if limit <= 0 {
			return nil, nil
		}
		prefix := "infinitytrain:ratelimit:" + name
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, prefix, limit, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("init %s limiter: %w", name, err)
		}
		return limiter, nil
	}
	loginLimiter, err := newLimiter("login", cfg.LoginRateLimitPerMinute)
	if err != nil {
		return nil, err
	}
	signupLimiter, err := newLimiter("signup", cfg.SignupRateLimitPerMinute)
	if err != nil {
		_ = loginLimiter.Close()
		return nil, err
	}
	s := &Server{
		app:            cfg.App,
		router:         chi.NewRouter(),
		trustedProxies: trusted,
		corsOrigins:    cfg.CORSAllowedOrigins,
		loginLimiter:   loginLimiter,
		signupLimiter:  signupLimiter,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	var h http.Handler = s.router
	h = util.WithCORS(s.corsOrigins)(h)
	h = util.WithSecurityHeaders(h)
	h = util.WithRequestLog("tracker", h)
	return util.WithRequestID(h)
}

// Close releases the rate limiter connections.
func (s *Server) Close() error {
	return errors.Join(s.loginLimiter.Close(), s.signupLimiter.Close())
}

func (s *Server) routes() {
	r := s.router
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		methodNotAllowed(w)
	})

	r.Get("/healthz", s.handleHealth)
	r.Get("/uploads/{name}", s.handleServeUpload)

	r.Route("/api", func(r chi.Router) {
		r.Use(util.WithNoStore)

		r.Get("/topics", s.handleListTopics)
		r.Post("/topics", s.handleSaveTopic)
		r.Get("/topics/{id}", s.handleGetTopic)
		r.Put("/topics/{id}", s.handleSaveTopic)
		r.Delete("/topics/{id}", s.handleDeleteTopic)
		r.Post("/topics/{id}/restore", s.handleRestoreTopic)

		r.Post("/progress", s.handleSetProgress)
		r.Get("/progress/{userId}", s.handleListProgress)
		r.Get("/progress/{userId}/summary", s.handleProgressSummary)

		r.Get("/users", s.handleListUsers)
		r.Get("/users/{id}", s.handleGetUser)
		r.Patch("/users/{id}", s.handleUpdateUser)

		r.Post("/login", s.handleLogin)
		r.Post("/signup", s.handleSignup)

		r.Post("/comments", s.handleAddComment)
		r.Post("/upload", s.handleUpload)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// topics
func (s *Server) handleListTopics(w http.ResponseWriter, r *http.Request) {
	topics, err := s.app.ListTopics()
	if err != nil {
		writeAppError(w, r, err, "Failed to fetch topics")
		return
	}
	writeJSON(w, http.StatusOK, topics)
}

func (s *Server) handleGetTopic(w http.ResponseWriter, r *http.Request) {
	topic, err := s.app.GetTopic(chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, r, err, "Failed to fetch topic")
		return
	}
	writeJSON(w, http.StatusOK, topic)
}

// handleSaveTopic serves both POST /api/topics and PUT /api/topics/{id}.
// On PUT the path ID replaces whatever ID the body carries.
func (s *Server) handleSaveTopic(w http.ResponseWriter, r *http.Request) {
	var topic domain.Topic
	if !decodeJSON(w, r, &topic) {
		return
	}
	if id := chi.URLParam(r, "id"); id != "" {
		topic.ID = id
	}
	saved, err := s.app.SaveTopic(topic)
	if err != nil {
		writeAppError(w, r, err, "Failed to save topic")
		return
	}
	status := http.StatusOK
	if r.Method == http.MethodPost {
		status = http.StatusCreated
	}
	writeJSON(w, status, saved)
}

func (s *Server) handleDeleteTopic(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.app.DeleteTopic(id); err != nil {
		writeAppError(w, r, err, "Failed to delete topic")
		return
	}
	s.audit(r, "tracker.topic.archive", "success", "topic_id", id)
	writeSuccess(w)
}

func (s *Server) handleRestoreTopic(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.app.RestoreTopic(id); err != nil {
		writeAppError(w, r, err, "Failed to restore topic")
		return
	}
	s.audit(r, "tracker.topic.restore", "success", "topic_id", id)
	writeSuccess(w)
}

// progress
func (s *Server) handleListProgress(w http.ResponseWriter, r *http.Request) {
	records, err := s.app.ListProgress(chi.URLParam(r, "userId"))
	if err != nil {
		writeAppError(w, r, err, "Failed to fetch progress")
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleProgressSummary(w http.ResponseWriter, r *http.Request) {
	stats, err := s.app.ProgressSummary(chi.URLParam(r, "userId"))
	if err != nil {
		writeAppError(w, r, err, "Failed to summarize progress")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleSetProgress(w http.ResponseWriter, r *http.Request) {
	var req domain.UserProgress
	if !decodeJSON(w, r, &req) {
		return
	}
	saved, err := s.app.SetProgress(req)
	if err != nil {
		writeAppError(w, r, err, "Failed to update progress")
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

// users
func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.app.ListUsers()
	if err != nil {
		writeAppError(w, r, err, "Failed to fetch users")
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, err := s.app.GetUser(chi.URLParam(r, "id"))
	if err != nil {
		writeAppError(w, r, err, "Failed to fetch user")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	var update domain.UserUpdate
	if !decodeJSON(w, r, &update) {
		return
	}
	id := chi.URLParam(r, "id")
	user, err := s.app.UpdateUser(id, update)
	if err != nil {
		s.audit(r, "tracker.user.update", "fail", "user_id", id, "reason", err.Error())
		writeAppError(w, r, err, "Failed to update user")
		return
	}
	s.audit(r, "tracker.user.update", "success", "user_id", id)
	writeJSON(w, http.StatusOK, user)
}

// auth
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.loginLimiter, "Too many login attempts") {
		s.audit(r, "tracker.login", "rate_limited")
		return
	}
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		s.audit(r, "tracker.login", "fail", "reason", "invalid_json")
		return
	}
	user, err := s.app.Login(req.Email)
	if err != nil {
		s.audit(r, "tracker.login", "fail", "reason", err.Error())
		writeAppError(w, r, err, "Login failed")
		return
	}
	s.audit(r, "tracker.login", "success", "user_id", user.ID)
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.signupLimiter, "Too many signup attempts") {
		s.audit(r, "tracker.signup", "rate_limited")
		return
	}
	var req signupRequest
	if !decodeJSON(w, r, &req) {
		s.audit(r, "tracker.signup", "fail", "reason", "invalid_json")
		return
	}
	user, err := s.app.Signup(req.Name, req.Email, req.Avatar)
	if err != nil {
		s.audit(r, "tracker.signup", "fail", "reason", err.Error())
		writeAppError(w, r, err, "Signup failed")
		return
	}
	s.audit(r, "tracker.signup", "success", "user_id", user.ID)
	writeJSON(w, http.StatusCreated, user)
}

// comments & uploads
func (s *Server) handleAddComment(w http.ResponseWriter, r *http.Request) {
	var req commentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Comment == nil {
		writeError(w, http.StatusBadRequest, "comment is required")
		return
	}
	comment, err := s.app.AddComment(req.SubtopicID, *req.Comment)
	if err != nil {
		writeAppError(w, r, err, "Failed to add comment")
		return
	}
	writeJSON(w, http.StatusCreated, commentResponse{Success: true, Comment: comment})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	limit := s.app.MaxUploadBytes()
	// Multipart framing adds some bytes on top of the file itself.
	r.Body = http.MaxBytesReader(w, r.Body, limit+maxJSONBodyBytes)
	if err := r.ParseMultipartForm(limit); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeAppError(w, r, app.ErrFileTooLarge, "")
			return
		}
		writeAppError(w, r, app.ErrNoFile, "")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()
	file, header, err := r.FormFile("file")
	if err != nil {
		writeAppError(w, r, app.ErrNoFile, "")
		return
	}
	defer file.Close()
	url, err := s.app.Upload(r.Context(), header.Filename, header.Header.Get("Content-Type"), file, header.Size)
	if err != nil {
		writeAppError(w, r, err, "Upload failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func (s *Server) handleServeUpload(w http.ResponseWriter, r *http.Request) {
	obj, err := s.app.OpenUpload(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeAppError(w, r, err, "Failed to read file")
		return
	}
	defer obj.Body.Close()
	w.Header().Set("Content-Type", obj.ContentType)
	if obj.Size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	}
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, obj.Body); err != nil {
		util.LoggerFromContext(r.Context()).Warn("stream upload failed", "name", chi.URLParam(r, "name"), "err", err)
	}
}

type loginRequest struct {
	Email string `json:"email"`
}

type signupRequest struct {
	Name   string `json:"name"`
	Email  string `json:"email"`
	Avatar string `json:"avatar,omitempty"`
}

type commentRequest struct {
	SubtopicID string          `json:"subtopicId"`
	Comment    *domain.Comment `json:"comment"`
}

type commentResponse struct {
	Success bool           `json:"success"`
	Comment domain.Comment `json:"comment"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxJSONBodyBytes)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeSuccess(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// writeAppError maps application errors to status codes. Anything that is
// not a known client error is logged and answered with fallback.
func writeAppError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	switch {
	case app.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case app.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		util.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
		if fallback == "" {
			fallback = "Internal server error"
		}
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", s.clientIP(r),
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, msg string) bool {
	if limiter == nil {
		return true
	}
	decision := limiter.Check(r.Context(), r.URL.Path+"|"+s.clientIP(r))
	if decision.Allowed {
		return true
	}
	retryAfter := int(decision.RetryAfter.Round(time.Second) / time.Second)
	if retryAfter < 1 {
		retryAfter = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}

func (s *Server) clientIP(r *http.Request) string {
	return strings.TrimSpace(util.ClientIP(r, s.trustedProxies))
}

