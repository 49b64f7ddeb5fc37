package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"quickfix/internal/servicetoken"
	"quickfix/pkg/domain"
	"quickfix/services/gateway/internal/identityclient"
	"quickfix/services/gateway/internal/session"
)

type signupRequest struct {
	Email     string            `json:"email"`
	Password  string            `json:"password"`
	FirstName string            `json:"firstName"`
	LastName  string            `json:"lastName"`
	Phone     string            `json:"phone"`
	Metadata  map[string]string `json:"metadata"`
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

type authResponse struct {
	AccessToken  string           `json:"accessToken"`
	RefreshToken string           `json:"refreshToken,omitempty"`
	TokenType    string           `json:"tokenType"`
	ExpiresAt    time.Time        `json:"expiresAt"`
	User         domain.Principal `json:"user"`
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.limiters.Signup, "gateway.signup", "too many signup attempts") {
		return
	}
	var req signupRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	metadata := make(map[string]string, len(req.Metadata)+3)
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	setIfPresent(metadata, domain.MetaFirstName, req.FirstName)
	setIfPresent(metadata, domain.MetaLastName, req.LastName)
	setIfPresent(metadata, domain.MetaPhone, req.Phone)

	sess, err := s.sessions.SignUp(r.Context(), req.Email, req.Password, metadata)
	if err != nil {
		s.audit(r, "gateway.signup", "fail", "reason", err.Error())
		writeSessionError(w, err)
		return
	}
	s.audit(r, "gateway.signup", "success", "user_id", sess.Principal.ID)
	s.setRefreshCookie(w, sess.RefreshToken)
	writeJSON(w, http.StatusCreated, toAuthResponse(sess))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.limiters.Login, "gateway.login", "too many login attempts") {
		return
	}
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	sess, err := s.sessions.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		s.audit(r, "gateway.login", "fail", "reason", err.Error())
		writeSessionError(w, err)
		return
	}
	s.audit(r, "gateway.login", "success", "user_id", sess.Principal.ID)
	s.setRefreshCookie(w, sess.RefreshToken)
	writeJSON(w, http.StatusOK, toAuthResponse(sess))
}

// handleRefresh accepts the refresh token from the body or the cookie.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.limiters.Refresh, "gateway.refresh", "too many refresh attempts") {
		return
	}
	var req refreshRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	token := strings.TrimSpace(req.RefreshToken)
	if token == "" {
		if c, err := r.Cookie(s.cookie.Name); err == nil {
			token = c.Value
		}
	}
	sess, err := s.sessions.Refresh(r.Context(), token)
	if err != nil {
		s.audit(r, "gateway.refresh", "fail", "reason", err.Error())
		writeSessionError(w, err)
		return
	}
	s.audit(r, "gateway.refresh", "success", "user_id", sess.Principal.ID)
	s.setRefreshCookie(w, sess.RefreshToken)
	writeJSON(w, http.StatusOK, toAuthResponse(sess))
}

// handleLogout always clears the cookie and points the client at the sign-in
// page, even when revocation at the identity service fails.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	refresh := strings.TrimSpace(req.RefreshToken)
	if refresh == "" {
		if c, err := r.Cookie(s.cookie.Name); err == nil {
			refresh = c.Value
		}
	}
	token, _ := servicetoken.BearerToken(r)
	s.clearRefreshCookie(w)
	if err := s.sessions.SignOut(r.Context(), token, refresh); err != nil {
		s.audit(r, "gateway.logout", "fail", "reason", err.Error())
		status, msg := sessionErrorStatus(err)
		writeJSON(w, status, map[string]string{"error": msg, "redirect": authRedirect})
		return
	}
	s.audit(r, "gateway.logout", "success")
	writeJSON(w, http.StatusOK, map[string]string{"redirect": authRedirect})
}

func (s *Server) handleResetRequest(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.limiters.Password, "gateway.password.reset", "too many password reset attempts") {
		return
	}
	var req resetRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.sessions.ResetPassword(r.Context(), req.Email); err != nil {
		writeSessionError(w, err)
		return
	}
	s.audit(r, "gateway.password.reset", "success")
	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "if the address is registered, a reset link is on its way",
	})
}

func (s *Server) handleResetConfirm(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.limiters.Password, "gateway.password.reset_confirm", "too many password reset attempts") {
		return
	}
	var req resetConfirmRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Token) == "" || req.NewPassword == "" {
		writeError(w, http.StatusBadRequest, "token and newPassword are required")
		return
	}
	if err := s.account.ConfirmPasswordReset(r.Context(), req.Token, req.NewPassword); err != nil {
		s.audit(r, "gateway.password.reset_confirm", "fail", "reason", err.Error())
		writeIdentityError(w, err)
		return
	}
	s.audit(r, "gateway.password.reset_confirm", "success")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	keys, err := s.account.JWKS(r.Context())
	if err != nil {
		writeIdentityError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func (s *Server) handleMe(w http.ResponseWriter, _ *http.Request, principal domain.Principal) {
	writeJSON(w, http.StatusOK, principal)
}

func (s *Server) handleUpdateMe(w http.ResponseWriter, r *http.Request, _ domain.Principal) {
	var req updateMeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.Metadata) == 0 {
		writeError(w, http.StatusBadRequest, "metadata is required")
		return
	}
	token, _ := session.AccessToken(r.Context())
	updated, err := s.account.UpdateMe(r.Context(), token, req.Metadata)
	if err != nil {
		writeIdentityError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request, principal domain.Principal) {
	if !s.allowRate(w, r, s.limiters.Password, "gateway.password.change", "too many password change attempts") {
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
	token, _ := session.AccessToken(r.Context())
	if err := s.account.ChangePassword(r.Context(), token, req.CurrentPassword, req.NewPassword); err != nil {
		s.audit(r, "gateway.password.change", "fail", "user_id", principal.ID, "reason", err.Error())
		writeIdentityError(w, err)
		return
	}
	s.audit(r, "gateway.password.change", "success", "user_id", principal.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAdminUsers(w http.ResponseWriter, r *http.Request, _ domain.Principal) {
	token, _ := session.AccessToken(r.Context())
	users, err := s.account.AdminListUsers(r.Context(), token)
	if err != nil {
		writeIdentityError(w, err)
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
	token, _ := session.AccessToken(r.Context())
	updated, err := s.account.AdminUpdateUser(r.Context(), token, id, role, status)
	if err != nil {
		writeIdentityError(w, err)
		return
	}
	s.access.Forget(r.Context(), id)
	s.audit(r, "gateway.admin.update_user", "success", "user_id", admin.ID, "target_id", id)
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) setRefreshCookie(w http.ResponseWriter, token string) {
	if token == "" {
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     s.cookie.Name,
		Value:    token,
		Domain:   s.cookie.Domain,
		Path:     s.cookie.Path,
		MaxAge:   s.cookie.MaxAge,
		Secure:   s.cookie.Secure,
		HttpOnly: true,
		SameSite: s.cookie.SameSite,
	})
}

func (s *Server) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.cookie.Name,
		Value:    "",
		Domain:   s.cookie.Domain,
		Path:     s.cookie.Path,
		MaxAge:   -1,
		Secure:   s.cookie.Secure,
		HttpOnly: true,
		SameSite: s.cookie.SameSite,
	})
}

func toAuthResponse(sess session.Session) authResponse {
	return authResponse{
		AccessToken:  sess.AccessToken,
		RefreshToken: sess.RefreshToken,
		TokenType:    "Bearer",
		ExpiresAt:    sess.ExpiresAt,
		User:         sess.Principal,
	}
}

func setIfPresent(m map[string]string, key, value string) {
	if value = strings.TrimSpace(value); value != "" {
		m[key] = value
	}
}

func sessionErrorStatus(err error) (int, string) {
	var authErr *session.AuthError
	if errors.As(err, &authErr) && authErr.Status != 0 {
		return authErr.Status, authErr.Error()
	}
	return http.StatusBadGateway, "identity service unavailable"
}

func writeSessionError(w http.ResponseWriter, err error) {
	status, msg := sessionErrorStatus(err)
	writeError(w, status, msg)
}

func writeIdentityError(w http.ResponseWriter, err error) {
	var apiErr *identityclient.APIError
	if errors.As(err, &apiErr) {
		writeError(w, apiErr.Status, apiErr.Message)
		return
	}
	writeError(w, http.StatusBadGateway, "identity service unavailable")
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
