package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"quickfix/internal/ratelimit"
	"quickfix/internal/servicetoken"
	"quickfix/internal/util"
	"quickfix/pkg/auth"
	"quickfix/pkg/domain"
	"quickfix/pkg/store"
	"quickfix/services/identity/internal/app"
	"quickfix/services/identity/internal/security"
)

// Limiters groups the per-endpoint rate limiters. A nil limiter disables the
// check for that endpoint.
type Limiters struct {
	Signup   ratelimit.Limiter
	Login    ratelimit.Limiter
	Refresh  ratelimit.Limiter
	Password ratelimit.Limiter
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	App                *app.App
	Limiters           Limiters
	Alerter            *security.AuditAlerter
	TrustedProxies     *util.TrustedProxies
	CORSAllowedOrigins []string
}

// Server exposes HTTP endpoints for the identity service.
type Server struct {
	app      *app.App
	limiters Limiters
	alerter  *security.AuditAlerter
	proxies  *util.TrustedProxies
	origins  []string
	mux      *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	s := &Server{
		app:      cfg.App,
		limiters: cfg.Limiters,
		alerter:  cfg.Alerter,
		proxies:  cfg.TrustedProxies,
		origins:  cfg.CORSAllowedOrigins,
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	var h http.Handler = s.mux
	h = util.WithCORS(s.origins, h)
	h = util.WithSecurityHeaders(s.proxies, h)
	h = util.WithRequestLog("identity", h)
	h = util.WithRecovery(h)
	return util.WithRequestID(h)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	s.mux.HandleFunc("POST /identity/signup", s.handleSignup)
	s.mux.HandleFunc("POST /identity/login", s.handleLogin)
	s.mux.HandleFunc("POST /identity/refresh", s.handleRefresh)
	s.mux.HandleFunc("POST /identity/logout", s.handleLogout)
	s.mux.HandleFunc("POST /identity/password/reset", s.handleResetRequest)
	s.mux.HandleFunc("POST /identity/password/reset/confirm", s.handleResetConfirm)
	s.mux.HandleFunc("GET /identity/jwks", s.handleJWKS)
	s.mux.HandleFunc("GET /.well-known/jwks.json", s.handleJWKS)
	s.mux.Handle("GET /identity/me", s.authenticated(s.handleMe))
	s.mux.Handle("PATCH /identity/me", s.authenticated(s.handleUpdateMe))
	s.mux.Handle("POST /identity/me/password", s.authenticated(s.handleChangePassword))

	// admin
	s.mux.Handle("GET /identity/admin/users", s.adminOnly(s.handleAdminUsers))
	s.mux.Handle("PATCH /identity/admin/users/{id}", s.adminOnly(s.handleAdminUserByID))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type authHandler func(http.ResponseWriter, *http.Request, domain.Principal)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := s.authorize(r)
		if !ok {
			s.audit(r, "identity.authorize", "fail")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, principal)
	})
}

func (s *Server) adminOnly(next authHandler) http.Handler {
	return s.authenticated(func(w http.ResponseWriter, r *http.Request, principal domain.Principal) {
		if principal.Role != domain.RoleAdmin {
			s.audit(r, "identity.admin.authorize", "fail", "user_id", principal.ID)
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next(w, r, principal)
	})
}

func (s *Server) authorize(r *http.Request) (domain.Principal, bool) {
	token, ok := servicetoken.BearerToken(r)
	if !ok {
		return domain.Principal{}, false
	}
	return s.app.UserFromToken(r.Context(), token)
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.limiters.Signup, "identity.signup", "too many signup attempts") {
		return
	}
	var req signupRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	principal, tokens, err := s.app.SignUp(r.Context(), req.Email, req.Password, req.Metadata)
	if err != nil {
		s.audit(r, "identity.signup", "fail", "reason", err.Error())
		switch {
		case errors.Is(err, app.ErrEmailAlreadyExists):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, app.ErrEmailAndPasswordRequired), isPasswordPolicyError(err):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			util.LoggerFromContext(r.Context()).Error("signup failed", "err", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	s.audit(r, "identity.signup", "success", "user_id", principal.ID)
	writeJSON(w, http.StatusCreated, s.authResponse(principal, tokens))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.limiters.Login, "identity.login", "too many login attempts") {
		return
	}
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	principal, tokens, err := s.app.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.audit(r, "identity.login", "fail", "reason", err.Error())
		if errors.Is(err, app.ErrInvalidCredentials) || errors.Is(err, app.ErrUserDisabled) {
			writeError(w, http.StatusUnauthorized, app.ErrInvalidCredentials.Error())
			return
		}
		util.LoggerFromContext(r.Context()).Error("login failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.audit(r, "identity.login", "success", "user_id", principal.ID)
	writeJSON(w, http.StatusOK, s.authResponse(principal, tokens))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.limiters.Refresh, "identity.refresh", "too many refresh attempts") {
		return
	}
	var req refreshRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	principal, tokens, err := s.app.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		s.audit(r, "identity.refresh", "fail", "reason", err.Error())
		switch {
		case errors.Is(err, app.ErrRefreshTokenRequired):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, app.ErrInvalidRefreshToken):
			writeError(w, http.StatusUnauthorized, err.Error())
		default:
			util.LoggerFromContext(r.Context()).Error("refresh failed", "err", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	s.audit(r, "identity.refresh", "success", "user_id", principal.ID)
	writeJSON(w, http.StatusOK, s.authResponse(principal, tokens))
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token, ok := servicetoken.BearerToken(r)
	if !ok {
		s.audit(r, "identity.logout", "fail", "reason", "missing token")
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req refreshRequest
	if r.ContentLength != 0 {
		if !decodeJSON(w, r, &req) {
			return
		}
	}
	if err := s.app.Logout(r.Context(), token, req.RefreshToken); err != nil {
		s.audit(r, "identity.logout", "fail", "reason", err.Error())
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.audit(r, "identity.logout", "success")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResetRequest(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.limiters.Password, "identity.password.reset", "too many password reset requests") {
		return
	}
	var req resetRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.app.RequestPasswordReset(r.Context(), req.Email); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.audit(r, "identity.password.reset", "success")
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "If an account exists for this email, a reset link has been sent.",
	})
}

func (s *Server) handleResetConfirm(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.limiters.Password, "identity.password.reset.confirm", "too many password reset attempts") {
		return
	}
	var req resetConfirmRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.app.ConfirmPasswordReset(r.Context(), req.Token, req.NewPassword); err != nil {
		s.audit(r, "identity.password.reset.confirm", "fail", "reason", err.Error())
		switch {
		case errors.Is(err, store.ErrResetTokenInvalid), errors.Is(err, store.ErrResetTokenExpired),
			errors.Is(err, app.ErrResetTokenRequired), errors.Is(err, app.ErrNewPasswordRequired),
			errors.Is(err, app.ErrUserDisabled), errors.Is(err, app.ErrUserNotFound), isPasswordPolicyError(err):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			util.LoggerFromContext(r.Context()).Error("password reset confirm failed", "err", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	s.audit(r, "identity.password.reset.confirm", "success")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	keys := s.app.JWKS()
	if keys == nil {
		keys = []store.JWK{}
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func (s *Server) handleMe(w http.ResponseWriter, _ *http.Request, principal domain.Principal) {
	writeJSON(w, http.StatusOK, principal)
}

func (s *Server) handleUpdateMe(w http.ResponseWriter, r *http.Request, principal domain.Principal) {
	var req updateMeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Metadata) == 0 {
		writeError(w, http.StatusBadRequest, "metadata is required")
		return
	}
	updated, err := s.app.UpdateMetadata(r.Context(), principal, req.Metadata)
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("update metadata failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request, principal domain.Principal) {
	if !s.allowRate(w, r, s.limiters.Password, "identity.password.change", "too many password change attempts") {
		return
	}
	var req changePasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.CurrentPassword == "" || req.NewPassword == "" {
		writeError(w, http.StatusBadRequest, "currentPassword and newPassword are required")
		return
	}
	if err := s.app.ChangePassword(r.Context(), principal.ID, req.CurrentPassword, req.NewPassword); err != nil {
		s.audit(r, "identity.password.change", "fail", "user_id", principal.ID, "reason", err.Error())
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.audit(r, "identity.password.change", "success", "user_id", principal.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAdminUsers(w http.ResponseWriter, r *http.Request, _ domain.Principal) {
	users, err := s.app.ListUsers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": users,
		"count": len(users),
	})
}

func (s *Server) handleAdminUserByID(w http.ResponseWriter, r *http.Request, admin domain.Principal) {
	id := r.PathValue("id")
	var req adminUserUpdateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	var role *domain.UserRole
	if req.Role != "" {
		parsed, ok := parseUserRole(req.Role)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid role")
			return
		}
		role = &parsed
	}
	var status *domain.UserStatus
	if req.Status != "" {
		parsed, ok := parseUserStatus(req.Status)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
		status = &parsed
	}
	if role == nil && status == nil {
		writeError(w, http.StatusBadRequest, "role or status is required")
		return
	}
	updated, err := s.app.AdminUpdateUser(r.Context(), admin, id, role, status)
	if err != nil {
		if errors.Is(err, app.ErrUserNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.audit(r, "identity.admin.update_user", "success", "user_id", admin.ID, "target_id", id)
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) authResponse(principal domain.Principal, tokens app.Tokens) authResponse {
	return authResponse{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int(s.app.SessionTTL().Seconds()),
		User:         principal,
	}
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	ip := util.ClientIP(r, s.proxies)
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", ip,
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)
	result, err := s.alerter.Observe(r.Context(), event, outcome, ip)
	if err != nil {
		logger.Error("security alert counter failed", "err", err, "event", event)
		return
	}
	if result.Triggered {
		logger.Error("security_alert",
			"event", event,
			"outcome", outcome,
			"ip", ip,
			"count", result.Count,
			"threshold", result.Threshold,
			"window", result.Window.String(),
		)
	}
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter ratelimit.Limiter, event, msg string) bool {
	if limiter == nil {
		return true
	}
	key := util.RateLimitKey(r, s.proxies)
	if limiter.Allow(r.Context(), key) {
		return true
	}
	s.audit(r, event, "rate_limited")
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}

type signupRequest struct {
	Email    string            `json:"email"`
	Password string            `json:"password"`
	Metadata map[string]string `json:"metadata"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type resetRequest struct {
	Email string `json:"email"`
}

type resetConfirmRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"newPassword"`
}

type authResponse struct {
	AccessToken  string           `json:"accessToken"`
	RefreshToken string           `json:"refreshToken"`
	TokenType    string           `json:"tokenType"`
	ExpiresIn    int              `json:"expiresIn"`
	User         domain.Principal `json:"user"`
}

type updateMeRequest struct {
	Metadata map[string]string `json:"metadata"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

type adminUserUpdateRequest struct {
	Role   string `json:"role"`
	Status string `json:"status"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func isPasswordPolicyError(err error) bool {
	for _, policy := range []error{
		auth.ErrPasswordTooShort,
		auth.ErrPasswordNeedsUpper,
		auth.ErrPasswordNeedsLower,
		auth.ErrPasswordNeedsDigit,
		auth.ErrPasswordNeedsSpecial,
	} {
		if errors.Is(err, policy) {
			return true
		}
	}
	return false
}

func parseUserRole(role string) (domain.UserRole, bool) {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case string(domain.RoleUser):
		return domain.RoleUser, true
	case string(domain.RoleAdmin):
		return domain.RoleAdmin, true
	default:
		return "", false
	}
}

func parseUserStatus(status string) (domain.UserStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case string(domain.StatusActive):
		return domain.StatusActive, true
	case string(domain.StatusDisabled):
		return domain.StatusDisabled, true
	default:
		return "", false
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Debug("write response failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
