package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"quickfix/internal/ratelimit"
	"quickfix/internal/util"
	"quickfix/pkg/changefeed"
	"quickfix/pkg/domain"
	"quickfix/pkg/store"
	"quickfix/services/gateway/internal/booking"
	"quickfix/services/gateway/internal/chat"
	"quickfix/services/gateway/internal/metrics"
	"quickfix/services/gateway/internal/session"
	"quickfix/services/gateway/internal/whatsapp"
)

const (
	authRedirect     = "/auth"
	defaultHeartbeat = 25 * time.Second
)

// IdentityAccount is the part of the identity service the gateway proxies
// without going through the session provider.
type IdentityAccount interface {
	ConfirmPasswordReset(ctx context.Context, token, newPassword string) error
	UpdateMe(ctx context.Context, token string, metadata map[string]string) (domain.Principal, error)
	ChangePassword(ctx context.Context, token, currentPassword, newPassword string) error
	JWKS(ctx context.Context) ([]store.JWK, error)
	AdminListUsers(ctx context.Context, token string) ([]domain.Principal, error)
	AdminUpdateUser(ctx context.Context, token, userID string, role *domain.UserRole, status *domain.UserStatus) (domain.Principal, error)
}

// Limiters groups the per-endpoint rate limiters. A nil limiter disables the
// check for that endpoint.
type Limiters struct {
	Signup   ratelimit.Limiter
	Login    ratelimit.Limiter
	Refresh  ratelimit.Limiter
	Password ratelimit.Limiter
	Booking  ratelimit.Limiter
	Chat     ratelimit.Limiter
}

// CookieConfig describes the refresh-token cookie.
type CookieConfig struct {
	Name     string
	Domain   string
	Path     string
	Secure   bool
	SameSite http.SameSite
	MaxAge   int
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	Sessions           *session.Provider
	Account            IdentityAccount
	Submitter          *booking.Submitter
	Lister             *booking.Lister
	Access             *booking.OperatorAccess
	Feed               changefeed.Subscriber
	Chat               *chat.Relay
	WhatsApp           *whatsapp.Builder
	Metrics            *metrics.Metrics
	Limiters           Limiters
	RefreshCookie      CookieConfig
	TrustedProxies     *util.TrustedProxies
	CORSAllowedOrigins []string
	StreamHeartbeat    time.Duration
}

// Server exposes the public HTTP API.
type Server struct {
	sessions  *session.Provider
	account   IdentityAccount
	submitter *booking.Submitter
	lister    *booking.Lister
	access    *booking.OperatorAccess
	feed      changefeed.Subscriber
	chat      *chat.Relay
	whatsapp  *whatsapp.Builder
	metrics   *metrics.Metrics
	limiters  Limiters
	cookie    CookieConfig
	proxies   *util.TrustedProxies
	origins   []string
	heartbeat time.Duration
	mux       *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.Sessions == nil {
		return nil, errors.New("server: session provider is required")
	}
	if cfg.Account == nil {
		return nil, errors.New("server: identity account client is required")
	}
	if cfg.Submitter == nil || cfg.Lister == nil {
		return nil, errors.New("server: booking submitter and lister are required")
	}
	if cfg.Chat == nil {
		return nil, errors.New("server: chat relay is required")
	}
	if cfg.WhatsApp == nil {
		wa, err := whatsapp.NewBuilder("")
		if err != nil {
			return nil, err
		}
		cfg.WhatsApp = wa
	}
	if cfg.RefreshCookie.Name == "" {
		cfg.RefreshCookie.Name = "qf_refresh"
	}
	if cfg.RefreshCookie.Path == "" {
		cfg.RefreshCookie.Path = "/api/auth"
	}
	if cfg.RefreshCookie.SameSite == 0 {
		cfg.RefreshCookie.SameSite = http.SameSiteLaxMode
	}
	if cfg.StreamHeartbeat <= 0 {
		cfg.StreamHeartbeat = defaultHeartbeat
	}
	s := &Server{
		sessions:  cfg.Sessions,
		account:   cfg.Account,
		submitter: cfg.Submitter,
		lister:    cfg.Lister,
		access:    cfg.Access,
		feed:      cfg.Feed,
		chat:      cfg.Chat,
		whatsapp:  cfg.WhatsApp,
		metrics:   cfg.Metrics,
		limiters:  cfg.Limiters,
		cookie:    cfg.RefreshCookie,
		proxies:   cfg.TrustedProxies,
		origins:   cfg.CORSAllowedOrigins,
		heartbeat: cfg.StreamHeartbeat,
		mux:       http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	var h http.Handler = s.sessions.Middleware(s.mux)
	h = util.WithCORS(s.origins, h)
	h = util.WithSecurityHeaders(s.proxies, h)
	h = util.WithRequestLog("gateway", h)
	h = util.WithRecovery(h)
	return util.WithRequestID(h)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}

	// auth
	s.mux.HandleFunc("POST /api/auth/signup", s.handleSignup)
	s.mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	s.mux.HandleFunc("POST /api/auth/refresh", s.handleRefresh)
	s.mux.HandleFunc("POST /api/auth/logout", s.handleLogout)
	s.mux.HandleFunc("POST /api/auth/password/reset", s.handleResetRequest)
	s.mux.HandleFunc("POST /api/auth/password/reset/confirm", s.handleResetConfirm)
	s.mux.HandleFunc("GET /api/auth/jwks", s.handleJWKS)
	s.mux.Handle("GET /api/auth/me", s.authenticated(s.handleMe))
	s.mux.Handle("PATCH /api/auth/me", s.authenticated(s.handleUpdateMe))
	s.mux.Handle("POST /api/auth/me/password", s.authenticated(s.handleChangePassword))

	// bookings
	s.mux.HandleFunc("GET /api/catalog", s.handleCatalog)
	s.mux.HandleFunc("POST /api/bookings", s.handleSubmitBooking)
	s.mux.Handle("GET /api/bookings", s.authenticated(s.handleListBookings))
	s.mux.Handle("GET /api/bookings/stream", s.authenticated(s.handleBookingStream))
	s.mux.Handle("DELETE /api/bookings/{id}", s.authenticated(s.handleDeleteBooking))
	s.mux.HandleFunc("POST /api/bookings/whatsapp-link", s.handleWhatsAppLink)

	// chat
	s.mux.HandleFunc("GET /api/chat", s.handleChatLoad)
	s.mux.HandleFunc("POST /api/chat", s.handleChatSend)
	s.mux.HandleFunc("DELETE /api/chat", s.handleChatClear)

	// admin
	s.mux.Handle("PATCH /api/admin/bookings/{id}", s.adminOnly(s.handleBookingStatus))
	s.mux.Handle("GET /api/admin/users", s.adminOnly(s.handleAdminUsers))
	s.mux.Handle("PATCH /api/admin/users/{id}", s.adminOnly(s.handleAdminUserByID))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type authHandler func(http.ResponseWriter, *http.Request, domain.Principal)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := s.currentPrincipal(r)
		if !ok {
			s.audit(r, "gateway.authorize", "fail")
			writeAuthRequired(w)
			return
		}
		next(w, r, principal)
	})
}

func (s *Server) adminOnly(next authHandler) http.Handler {
	return s.authenticated(func(w http.ResponseWriter, r *http.Request, principal domain.Principal) {
		if !s.access.Allowed(r.Context(), principal) {
			s.audit(r, "gateway.admin.authorize", "fail", "user_id", principal.ID, "reason", "forbidden")
			writeError(w, http.StatusForbidden, "forbidden")
			return
		}
		next(w, r, principal)
	})
}

// currentPrincipal returns the principal bound by the session middleware.
func (s *Server) currentPrincipal(r *http.Request) (domain.Principal, bool) {
	return session.FromContext(r.Context()).CurrentPrincipal(r.Context())
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r, s.proxies),
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)
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

func decodeJSON(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
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

func writeAuthRequired(w http.ResponseWriter) {
	writeJSON(w, http.StatusUnauthorized, map[string]string{
		"error":    booking.ErrAuthRequired.Error(),
		"redirect": authRedirect,
	})
}
