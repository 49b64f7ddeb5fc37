package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"quickfix/internal/util"
	"quickfix/pkg/auth"
	"quickfix/pkg/changefeed"
	"quickfix/pkg/domain"
	"quickfix/pkg/notify"
	"quickfix/pkg/store"
)

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL         string
	RedisAddr           string
	RedisPassword       string
	SessionTTL          time.Duration
	RefreshTTL          time.Duration
	ResetTTL            time.Duration
	JWTPrivateKeyPath   string
	JWTKeyID            string
	JWTVerifyPublicKeys map[string]string
	JWTIssuer           string
	JWTAudience         string
	JWTLeeway           time.Duration
	Store               store.UserStore
	Sessions            store.SessionStore
	RefreshTokens       store.RefreshTokenStore
	ResetTokens         store.ResetTokenStore
	Events              changefeed.Publisher
	Webhook             *notify.Webhook
}

// Tokens is an issued access/refresh pair.
type Tokens struct {
	AccessToken  string
	RefreshToken string
}

// App is the identity service core: accounts, sessions and password resets.
type App struct {
	store         store.UserStore
	sessions      store.SessionStore
	refreshTokens store.RefreshTokenStore
	resetTokens   store.ResetTokenStore
	events        changefeed.Publisher
	webhook       *notify.Webhook
	sessionTTL    time.Duration
	refreshTTL    time.Duration
	now           func() time.Time
}

// New constructs the application with database storage and session management.
func New(cfg Config) (*App, error) {
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = time.Hour
	}
	if cfg.RefreshTTL == 0 {
		cfg.RefreshTTL = 7 * 24 * time.Hour
	}

	userStore := cfg.Store
	if userStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		gormStore, err := store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		userStore = gormStore
	}

	sessionStore := cfg.Sessions
	if sessionStore == nil {
		if strings.TrimSpace(cfg.JWTPrivateKeyPath) == "" {
			return nil, fmt.Errorf("jwtPrivateKeyPath is required")
		}
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return nil, fmt.Errorf("redisAddr is required for jwt+redis session strategy")
		}
		revoker := store.NewRedisTokenRevoker(cfg.RedisAddr, cfg.RedisPassword)
		jwtStore, err := store.NewJWTSessionStoreFromPEM(
			cfg.JWTPrivateKeyPath,
			cfg.JWTKeyID,
			cfg.JWTVerifyPublicKeys,
			cfg.SessionTTL,
			revoker,
			store.JWTOptions{Issuer: cfg.JWTIssuer, Audience: cfg.JWTAudience, Leeway: cfg.JWTLeeway},
		)
		if err != nil {
			return nil, fmt.Errorf("init rs256 jwt session store: %w", err)
		}
		sessionStore = jwtStore
	}

	refreshStore := cfg.RefreshTokens
	if refreshStore == nil {
		if strings.TrimSpace(cfg.RedisAddr) == "" {
			return nil, fmt.Errorf("redisAddr is required for jwt+redis refresh token strategy")
		}
		refreshStore = store.NewRedisRefreshTokenStore(cfg.RedisAddr, cfg.RedisPassword)
	}

	resetStore := cfg.ResetTokens
	if resetStore == nil {
		redisReset, err := store.NewRedisResetTokenStore(cfg.RedisAddr, cfg.RedisPassword, cfg.ResetTTL)
		if err != nil {
			return nil, fmt.Errorf("init reset token store: %w", err)
		}
		resetStore = redisReset
	}

	return &App{
		store:         userStore,
		sessions:      sessionStore,
		refreshTokens: refreshStore,
		resetTokens:   resetStore,
		events:        cfg.Events,
		webhook:       cfg.Webhook,
		sessionTTL:    cfg.SessionTTL,
		refreshTTL:    cfg.RefreshTTL,
		now:           func() time.Time { return time.Now().UTC() },
	}, nil
}

// SignUp registers a new principal and signs it in. The first account
// becomes admin.
func (a *App) SignUp(ctx context.Context, email, password string, metadata map[string]string) (domain.Principal, Tokens, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return domain.Principal{}, Tokens{}, ErrEmailAndPasswordRequired
	}
	if err := auth.ValidatePassword(password); err != nil {
		return domain.Principal{}, Tokens{}, err
	}
	exists, err := a.store.HasUserEmail(ctx, email)
	if err != nil {
		return domain.Principal{}, Tokens{}, fmt.Errorf("check email: %w", err)
	}
	if exists {
		return domain.Principal{}, Tokens{}, ErrEmailAlreadyExists
	}
	count, err := a.store.UserCount(ctx)
	if err != nil {
		return domain.Principal{}, Tokens{}, fmt.Errorf("count users: %w", err)
	}
	passwordHash, err := auth.HashPassword(password)
	if err != nil {
		return domain.Principal{}, Tokens{}, fmt.Errorf("hash password: %w", err)
	}
	role := domain.RoleUser
	if count == 0 {
		role = domain.RoleAdmin
	}
	now := a.now()
	principal := domain.Principal{
		ID:           util.NewID(),
		Email:        email,
		PasswordHash: passwordHash,
		Role:         role,
		Status:       domain.StatusActive,
		Metadata:     cleanMetadata(metadata),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := a.store.SaveUser(ctx, principal); err != nil {
		return domain.Principal{}, Tokens{}, fmt.Errorf("save user: %w", err)
	}
	tokens, err := a.issueTokens(principal.ID)
	if err != nil {
		return domain.Principal{}, Tokens{}, err
	}
	a.publish(ctx, domain.SessionSignedIn, principal)
	return principal, tokens, nil
}

// Login validates credentials and issues a token pair.
func (a *App) Login(ctx context.Context, email, password string) (domain.Principal, Tokens, error) {
	principal, ok, err := a.store.GetUserByEmail(ctx, normalizeEmail(email))
	if err != nil {
		return domain.Principal{}, Tokens{}, fmt.Errorf("fetch user: %w", err)
	}
	if !ok {
		return domain.Principal{}, Tokens{}, ErrInvalidCredentials
	}
	if principal.Status == domain.StatusDisabled {
		return domain.Principal{}, Tokens{}, ErrUserDisabled
	}
	if !auth.CheckPassword(password, principal.PasswordHash) {
		return domain.Principal{}, Tokens{}, ErrInvalidCredentials
	}
	tokens, err := a.issueTokens(principal.ID)
	if err != nil {
		return domain.Principal{}, Tokens{}, err
	}
	a.publish(ctx, domain.SessionSignedIn, principal)
	return principal, tokens, nil
}

// UserFromToken resolves an active principal from an access token.
func (a *App) UserFromToken(ctx context.Context, token string) (domain.Principal, bool) {
	uid, ok, err := a.sessions.GetUserIDByToken(token)
	if err != nil || !ok {
		return domain.Principal{}, false
	}
	principal, found, err := a.store.GetUserByID(ctx, uid)
	if err != nil || !found {
		return domain.Principal{}, false
	}
	if principal.Status == domain.StatusDisabled {
		return domain.Principal{}, false
	}
	return principal, true
}

// Logout invalidates the access token and the optional refresh token.
func (a *App) Logout(ctx context.Context, accessToken, refreshToken string) error {
	principal, known := a.UserFromToken(ctx, accessToken)
	if err := a.sessions.DeleteSession(accessToken); err != nil {
		return err
	}
	if refreshToken = strings.TrimSpace(refreshToken); refreshToken != "" {
		if err := a.refreshTokens.DeleteToken(refreshToken); err != nil {
			return err
		}
	}
	if known {
		a.publish(ctx, domain.SessionSignedOut, principal)
	}
	return nil
}

// Refresh rotates the refresh token and issues a new pair.
func (a *App) Refresh(ctx context.Context, refreshToken string) (domain.Principal, Tokens, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return domain.Principal{}, Tokens{}, ErrRefreshTokenRequired
	}
	userID, newRefreshToken, err := a.refreshTokens.RotateToken(refreshToken, a.refreshTTL)
	if err != nil {
		if errors.Is(err, store.ErrInvalidRefreshToken) || errors.Is(err, store.ErrRefreshTokenReplay) {
			return domain.Principal{}, Tokens{}, ErrInvalidRefreshToken
		}
		return domain.Principal{}, Tokens{}, fmt.Errorf("resolve refresh token: %w", err)
	}
	principal, found, err := a.store.GetUserByID(ctx, userID)
	if err != nil {
		return domain.Principal{}, Tokens{}, fmt.Errorf("fetch user: %w", err)
	}
	if !found || principal.Status == domain.StatusDisabled {
		_ = a.refreshTokens.DeleteToken(newRefreshToken)
		return domain.Principal{}, Tokens{}, ErrInvalidRefreshToken
	}
	accessToken, err := a.sessions.NewSession(principal.ID)
	if err != nil {
		_ = a.refreshTokens.DeleteToken(newRefreshToken)
		return domain.Principal{}, Tokens{}, fmt.Errorf("issue access token: %w", err)
	}
	a.publish(ctx, domain.SessionTokenRefreshed, principal)
	return principal, Tokens{AccessToken: accessToken, RefreshToken: newRefreshToken}, nil
}

// UpdateMetadata merges metadata into the principal. Empty values delete keys.
func (a *App) UpdateMetadata(ctx context.Context, principal domain.Principal, metadata map[string]string) (domain.Principal, error) {
	merged := make(map[string]string, len(principal.Metadata)+len(metadata))
	for k, v := range principal.Metadata {
		merged[k] = v
	}
	for k, v := range metadata {
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if k == "" {
			continue
		}
		if v == "" {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	principal.Metadata = merged
	principal.UpdatedAt = a.now()
	if err := a.store.SaveUser(ctx, principal); err != nil {
		return domain.Principal{}, fmt.Errorf("update user: %w", err)
	}
	a.publish(ctx, domain.SessionUserUpdated, principal)
	return principal, nil
}

// ChangePassword updates the password after verifying the current one and
// revokes every outstanding token of the principal.
func (a *App) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) error {
	if strings.TrimSpace(newPassword) == "" {
		return ErrNewPasswordRequired
	}
	if err := auth.ValidatePassword(newPassword); err != nil {
		return err
	}
	principal, ok, err := a.store.GetUserByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("fetch user: %w", err)
	}
	if !ok {
		return ErrUserNotFound
	}
	if principal.Status == domain.StatusDisabled {
		return ErrUserDisabled
	}
	if strings.TrimSpace(currentPassword) == "" {
		return ErrCurrentPasswordRequired
	}
	if !auth.CheckPassword(currentPassword, principal.PasswordHash) {
		return ErrInvalidCredentials
	}
	if currentPassword == newPassword {
		return ErrPasswordUnchanged
	}
	if err := a.setPassword(ctx, principal, newPassword); err != nil {
		return err
	}
	a.publish(ctx, domain.SessionUserUpdated, principal)
	return nil
}

// RequestPasswordReset issues a reset token and delivers it through the
// notification webhook. Unknown emails and delivery failures are only
// logged so callers always see the same outcome.
func (a *App) RequestPasswordReset(ctx context.Context, email string) error {
	email = normalizeEmail(email)
	if email == "" {
		return ErrEmailRequired
	}
	logger := util.LoggerFromContext(ctx)
	principal, ok, err := a.store.GetUserByEmail(ctx, email)
	if err != nil {
		logger.Error("password reset lookup failed", "err", err)
		return nil
	}
	if !ok || principal.Status == domain.StatusDisabled {
		logger.Info("password reset requested for unknown or disabled account")
		return nil
	}
	token, err := a.resetTokens.Issue(ctx, principal.ID, email)
	if err != nil {
		if errors.Is(err, store.ErrResetRequestThrottled) {
			logger.Info("password reset throttled", "user_id", principal.ID)
		} else {
			logger.Error("password reset issue failed", "err", err, "user_id", principal.ID)
		}
		return nil
	}
	if a.webhook.Enabled() {
		at := a.now()
		notify.Go(logger, "password_reset", 10*time.Second, func(ctx context.Context) error {
			return a.webhook.NotifyPasswordReset(ctx, email, token, at)
		})
	} else {
		logger.Warn("password reset token issued without delivery channel", "user_id", principal.ID)
	}
	return nil
}

// ConfirmPasswordReset consumes a reset token, sets the new password and
// revokes every outstanding token of the principal.
func (a *App) ConfirmPasswordReset(ctx context.Context, token, newPassword string) error {
	if strings.TrimSpace(token) == "" {
		return ErrResetTokenRequired
	}
	if strings.TrimSpace(newPassword) == "" {
		return ErrNewPasswordRequired
	}
	if err := auth.ValidatePassword(newPassword); err != nil {
		return err
	}
	userID, err := a.resetTokens.Consume(ctx, token)
	if err != nil {
		return err
	}
	principal, ok, err := a.store.GetUserByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("fetch user: %w", err)
	}
	if !ok {
		return ErrUserNotFound
	}
	if principal.Status == domain.StatusDisabled {
		return ErrUserDisabled
	}
	if err := a.setPassword(ctx, principal, newPassword); err != nil {
		return err
	}
	a.publish(ctx, domain.SessionPasswordRecovery, principal)
	return nil
}

// ListUsers returns all principals (admin use only).
func (a *App) ListUsers(ctx context.Context) ([]domain.Principal, error) {
	return a.store.ListUsers(ctx)
}

// AdminUpdateUser allows admins to change role/status.
func (a *App) AdminUpdateUser(ctx context.Context, admin domain.Principal, userID string, role *domain.UserRole, status *domain.UserStatus) (domain.Principal, error) {
	target, ok, err := a.store.GetUserByID(ctx, userID)
	if err != nil {
		return domain.Principal{}, fmt.Errorf("fetch user: %w", err)
	}
	if !ok {
		return domain.Principal{}, ErrUserNotFound
	}
	if target.ID == admin.ID {
		if role != nil && *role != admin.Role {
			return domain.Principal{}, ErrCannotDemoteSelf
		}
		if status != nil && *status == domain.StatusDisabled {
			return domain.Principal{}, ErrCannotDisableSelf
		}
	}
	if role != nil {
		target.Role = *role
	}
	if status != nil {
		target.Status = *status
	}
	target.UpdatedAt = a.now()
	if err := a.store.SaveUser(ctx, target); err != nil {
		return domain.Principal{}, fmt.Errorf("update user: %w", err)
	}
	if status != nil && *status == domain.StatusDisabled {
		if err := a.revokeAllUserTokens(target.ID, target.UpdatedAt); err != nil {
			return domain.Principal{}, fmt.Errorf("revoke disabled user tokens: %w", err)
		}
		a.publish(ctx, domain.SessionSignedOut, target)
		return target, nil
	}
	a.publish(ctx, domain.SessionUserUpdated, target)
	return target, nil
}

// SessionTTL is the lifetime of issued access tokens.
func (a *App) SessionTTL() time.Duration {
	if ttl, ok := a.sessions.(interface{ TTL() time.Duration }); ok {
		return ttl.TTL()
	}
	return a.sessionTTL
}

// JWKS returns public signing keys when the session store supports it.
func (a *App) JWKS() []store.JWK {
	provider, ok := a.sessions.(store.JWKSProvider)
	if !ok {
		return nil
	}
	return provider.JWKS()
}

func (a *App) setPassword(ctx context.Context, principal domain.Principal, newPassword string) error {
	passwordHash, err := auth.HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	revokeSince := a.now()
	principal.PasswordHash = passwordHash
	principal.UpdatedAt = revokeSince
	if err := a.store.SaveUser(ctx, principal); err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	if err := a.revokeAllUserTokens(principal.ID, revokeSince); err != nil {
		return fmt.Errorf("revoke user tokens: %w", err)
	}
	return nil
}

func (a *App) issueTokens(userID string) (Tokens, error) {
	accessToken, err := a.sessions.NewSession(userID)
	if err != nil {
		return Tokens{}, fmt.Errorf("issue access token: %w", err)
	}
	refreshToken, err := a.refreshTokens.NewToken(userID, a.refreshTTL)
	if err != nil {
		return Tokens{}, fmt.Errorf("issue refresh token: %w", err)
	}
	return Tokens{AccessToken: accessToken, RefreshToken: refreshToken}, nil
}

func (a *App) revokeAllUserTokens(userID string, since time.Time) error {
	if userID == "" {
		return nil
	}
	sessionRevoker, ok := a.sessions.(store.UserSessionRevoker)
	if !ok {
		return fmt.Errorf("session store does not support user token revocation")
	}
	if err := sessionRevoker.RevokeUserSessions(userID, since); err != nil {
		return err
	}
	return a.refreshTokens.RevokeUserRefreshTokens(userID)
}

// publish emits a session change on the change feed. Failures are logged;
// they never fail the identity operation itself.
func (a *App) publish(ctx context.Context, kind domain.SessionEventKind, principal domain.Principal) {
	if a.events == nil {
		return
	}
	at := a.now()
	payload, err := json.Marshal(domain.SessionChange{Kind: kind, Principal: principal, At: at})
	if err != nil {
		slog.Error("encode session change failed", "err", err)
		return
	}
	ev := changefeed.Event{
		Table:   changefeed.TableSessions,
		Kind:    changefeed.Kind(kind),
		RowID:   principal.ID,
		OwnerID: principal.ID,
		Payload: payload,
		At:      at,
	}
	if err := a.events.Publish(ctx, ev); err != nil {
		util.LoggerFromContext(ctx).Warn("publish session change failed", "err", err, "kind", kind, "user_id", principal.ID)
	}
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}

func cleanMetadata(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if k != "" && v != "" {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
