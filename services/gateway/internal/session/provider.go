// Package session holds the gateway's view of identity sessions: it proxies
// sign-up, sign-in and sign-out to the identity service, resolves bearer
// tokens to principals and follows the identity session-change stream.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"quickfix/internal/usertoken"
	"quickfix/pkg/changefeed"
	"quickfix/pkg/domain"
	"quickfix/pkg/notify"
	"quickfix/services/gateway/internal/identityclient"
)

const (
	defaultCacheTTL      = time.Minute
	defaultNotifyTimeout = 5 * time.Second
	maxCachedTokens      = 10000
)

// Identity is the subset of the identity service used by the provider.
type Identity interface {
	SignUp(ctx context.Context, email, password string, metadata map[string]string) (identityclient.AuthResult, error)
	Login(ctx context.Context, email, password string) (identityclient.AuthResult, error)
	Refresh(ctx context.Context, refreshToken string) (identityclient.AuthResult, error)
	Logout(ctx context.Context, token, refreshToken string) error
	RequestPasswordReset(ctx context.Context, email string) error
	Me(ctx context.Context, token string) (domain.Principal, error)
}

// TokenVerifier checks access-token signatures locally.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (usertoken.Claims, error)
}

// Config wires the provider's collaborators. Verifier, Feed and Webhook are
// optional.
type Config struct {
	Identity      Identity
	Verifier      TokenVerifier
	Feed          changefeed.Subscriber
	Webhook       *notify.Webhook
	CacheTTL      time.Duration
	NotifyTimeout time.Duration
	Logger        *slog.Logger
}

// Session is an issued token pair with the principal it belongs to.
type Session struct {
	AccessToken  string           `json:"accessToken"`
	RefreshToken string           `json:"refreshToken"`
	Principal    domain.Principal `json:"user"`
	ExpiresAt    time.Time        `json:"expiresAt"`
}

// SessionEvent is a session transition as seen by local subscribers.
// Principal is nil when the session ended.
type SessionEvent struct {
	Kind        domain.SessionEventKind
	PrincipalID string
	Principal   *domain.Principal
	At          time.Time
}

type cachedSession struct {
	principal domain.Principal
	expires   time.Time
}

// Provider owns the gateway's session state.
type Provider struct {
	identity      Identity
	verifier      TokenVerifier
	feed          changefeed.Subscriber
	webhook       *notify.Webhook
	cacheTTL      time.Duration
	notifyTimeout time.Duration
	logger        *slog.Logger
	now           func() time.Time

	mu          sync.Mutex
	tokens      map[string]cachedSession
	byPrincipal map[string]map[string]struct{}
	subscribers map[int]func(SessionEvent)
	nextSubID   int
	started     bool
	sub         *changefeed.Subscription
	done        chan struct{}
}

// NewProvider constructs a provider. Call Start to follow the session stream.
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.Identity == nil {
		return nil, errors.New("session: identity client is required")
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = defaultNotifyTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Provider{
		identity:      cfg.Identity,
		verifier:      cfg.Verifier,
		feed:          cfg.Feed,
		webhook:       cfg.Webhook,
		cacheTTL:      cfg.CacheTTL,
		notifyTimeout: cfg.NotifyTimeout,
		logger:        cfg.Logger,
		now:           time.Now,
		tokens:        make(map[string]cachedSession),
		byPrincipal:   make(map[string]map[string]struct{}),
		subscribers:   make(map[int]func(SessionEvent)),
	}, nil
}

// Start subscribes to the identity session stream. The subscription lives
// until Close.
func (p *Provider) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrAlreadyStarted
	}
	p.started = true
	if p.feed == nil {
		return nil
	}
	sub, err := p.feed.Subscribe(ctx, changefeed.Filter{Table: changefeed.TableSessions})
	if err != nil {
		p.started = false
		return fmt.Errorf("subscribe session changes: %w", err)
	}
	p.sub = sub
	p.done = make(chan struct{})
	go p.run(sub, p.done)
	return nil
}

// Close releases the session stream subscription.
func (p *Provider) Close() error {
	p.mu.Lock()
	sub, done := p.sub, p.done
	p.sub, p.done = nil, nil
	p.mu.Unlock()
	if sub != nil {
		sub.Close()
		<-done
	}
	return nil
}

func (p *Provider) run(sub *changefeed.Subscription, done chan struct{}) {
	defer close(done)
	for ev := range sub.Events() {
		var change domain.SessionChange
		if err := json.Unmarshal(ev.Payload, &change); err != nil {
			p.logger.Warn("malformed session change", "kind", ev.Kind, "err", err)
			continue
		}
		if change.Kind == "" {
			change.Kind = domain.SessionEventKind(ev.Kind)
		}
		if change.Principal.ID == "" {
			change.Principal.ID = ev.OwnerID
		}
		p.apply(change)
	}
}

// Subscribe registers fn for every session transition. The returned func
// removes it.
func (p *Provider) Subscribe(fn func(SessionEvent)) (unsubscribe func()) {
	p.mu.Lock()
	id := p.nextSubID
	p.nextSubID++
	p.subscribers[id] = fn
	p.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subscribers, id)
			p.mu.Unlock()
		})
	}
}

// SignUp creates a principal and signs it in.
func (p *Provider) SignUp(ctx context.Context, email, password string, metadata map[string]string) (Session, error) {
	if strings.TrimSpace(email) == "" || password == "" {
		return Session{}, &AuthError{Op: "signup", Status: http.StatusBadRequest, Message: "email and password are required"}
	}
	res, err := p.identity.SignUp(ctx, email, password, metadata)
	if err != nil {
		return Session{}, asAuthError("signup", err)
	}
	return p.established(res), nil
}

// SignIn establishes a session for an existing principal.
func (p *Provider) SignIn(ctx context.Context, email, password string) (Session, error) {
	if strings.TrimSpace(email) == "" || password == "" {
		return Session{}, &AuthError{Op: "signin", Status: http.StatusBadRequest, Message: "email and password are required"}
	}
	res, err := p.identity.Login(ctx, email, password)
	if err != nil {
		return Session{}, asAuthError("signin", err)
	}
	return p.established(res), nil
}

// Refresh rotates the token pair.
func (p *Provider) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Session{}, &AuthError{Op: "refresh", Status: http.StatusBadRequest, Message: "refreshToken is required"}
	}
	res, err := p.identity.Refresh(ctx, refreshToken)
	if err != nil {
		return Session{}, asAuthError("refresh", err)
	}
	s := p.sessionFrom(res)
	p.remember(s.AccessToken, s.Principal, s.ExpiresAt)
	if p.feed == nil {
		p.apply(domain.SessionChange{Kind: domain.SessionTokenRefreshed, Principal: s.Principal, At: p.now().UTC()})
	}
	return s, nil
}

// SignOut drops the local session and revokes it at the identity service.
// The local session is gone even when revocation fails.
func (p *Provider) SignOut(ctx context.Context, token, refreshToken string) error {
	if strings.TrimSpace(token) == "" {
		return &AuthError{Op: "signout", Status: http.StatusUnauthorized, Message: ErrNoSession.Error(), Err: ErrNoSession}
	}
	principal, known := p.forgetToken(token)
	err := p.identity.Logout(ctx, token, refreshToken)
	if known && p.feed == nil {
		p.apply(domain.SessionChange{Kind: domain.SessionSignedOut, Principal: principal, At: p.now().UTC()})
	}
	if err != nil {
		return asAuthError("signout", err)
	}
	return nil
}

// ResetPassword asks the identity service to send a reset link. Only a
// missing email is reported; every other outcome looks like success.
func (p *Provider) ResetPassword(ctx context.Context, email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return &AuthError{Op: "reset_password", Status: http.StatusBadRequest, Message: "email is required"}
	}
	if err := p.identity.RequestPasswordReset(ctx, email); err != nil {
		p.logger.Warn("password reset request failed", "err", err)
	}
	return nil
}

// Resolve maps an access token to its principal. Signatures are checked
// locally when a verifier is configured; the principal comes from the cache
// or the identity service.
func (p *Provider) Resolve(ctx context.Context, token string) (domain.Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.Principal{}, ErrNoSession
	}
	expires := p.now().Add(p.cacheTTL)
	if p.verifier != nil {
		claims, err := p.verifier.Verify(ctx, token)
		if err != nil {
			return domain.Principal{}, &AuthError{Op: "resolve", Status: http.StatusUnauthorized, Message: "unauthorized", Err: err}
		}
		if !claims.ExpiresAt.IsZero() && claims.ExpiresAt.Before(expires) {
			expires = claims.ExpiresAt
		}
	}
	if principal, ok := p.cached(token); ok {
		return principal, nil
	}
	principal, err := p.identity.Me(ctx, token)
	if err != nil {
		return domain.Principal{}, asAuthError("resolve", err)
	}
	if principal.Status == domain.StatusDisabled {
		return domain.Principal{}, &AuthError{Op: "resolve", Status: http.StatusUnauthorized, Message: "unauthorized"}
	}
	p.remember(token, principal, expires)
	return principal, nil
}

// CurrentPrincipal returns the principal bound to ctx by Middleware.
func (p *Provider) CurrentPrincipal(ctx context.Context) (domain.Principal, bool) {
	cur, ok := ctx.Value(currentKey{}).(current)
	if !ok {
		return domain.Principal{}, false
	}
	return cur.principal, true
}

// established records a new session. The login webhook fires here, on the
// replica that handled the sign-in, and never from the shared stream.
func (p *Provider) established(res identityclient.AuthResult) Session {
	s := p.sessionFrom(res)
	at := p.now().UTC()
	p.remember(s.AccessToken, s.Principal, s.ExpiresAt)
	if p.feed == nil {
		p.apply(domain.SessionChange{Kind: domain.SessionSignedIn, Principal: s.Principal, At: at})
	}
	if p.webhook.Enabled() {
		email, name := s.Principal.Email, s.Principal.DisplayName()
		notify.Go(p.logger, "login_webhook", p.notifyTimeout, func(ctx context.Context) error {
			return p.webhook.NotifyLogin(ctx, email, name, at)
		})
	}
	return s
}

func (p *Provider) sessionFrom(res identityclient.AuthResult) Session {
	s := Session{
		AccessToken:  res.AccessToken,
		RefreshToken: res.RefreshToken,
		Principal:    res.User,
	}
	if res.ExpiresIn > 0 {
		s.ExpiresAt = p.now().UTC().Add(time.Duration(res.ExpiresIn) * time.Second)
	}
	return s
}

// apply updates the cache for one transition and fans it out.
func (p *Provider) apply(change domain.SessionChange) {
	principal := change.Principal
	ev := SessionEvent{Kind: change.Kind, PrincipalID: principal.ID, At: change.At}
	switch change.Kind {
	case domain.SessionSignedOut, domain.SessionPasswordRecovery:
		p.forgetPrincipal(principal.ID)
		if change.Kind == domain.SessionPasswordRecovery {
			ev.Principal = &principal
		}
	case domain.SessionSignedIn, domain.SessionTokenRefreshed, domain.SessionUserUpdated:
		p.updatePrincipal(principal)
		ev.Principal = &principal
	default:
		p.logger.Debug("ignoring session change", "kind", change.Kind)
		return
	}
	p.mu.Lock()
	fns := make([]func(SessionEvent), 0, len(p.subscribers))
	for _, fn := range p.subscribers {
		fns = append(fns, fn)
	}
	p.mu.Unlock()
	for _, fn := range fns {
		p.deliver(fn, ev)
	}
}

func (p *Provider) deliver(fn func(SessionEvent), ev SessionEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("session subscriber panicked", "kind", ev.Kind, "panic", rec)
		}
	}()
	fn(ev)
}

func (p *Provider) cached(token string) (domain.Principal, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.tokens[token]
	if !ok {
		return domain.Principal{}, false
	}
	if !p.now().Before(entry.expires) {
		p.dropLocked(token, entry.principal.ID)
		return domain.Principal{}, false
	}
	return entry.principal, true
}

func (p *Provider) remember(token string, principal domain.Principal, expires time.Time) {
	if token == "" || principal.ID == "" {
		return
	}
	if ceiling := p.now().Add(p.cacheTTL); expires.IsZero() || expires.After(ceiling) {
		expires = ceiling
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.tokens) >= maxCachedTokens {
		p.sweepLocked()
	}
	p.tokens[token] = cachedSession{principal: principal, expires: expires}
	set, ok := p.byPrincipal[principal.ID]
	if !ok {
		set = make(map[string]struct{})
		p.byPrincipal[principal.ID] = set
	}
	set[token] = struct{}{}
}

func (p *Provider) forgetToken(token string) (domain.Principal, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.tokens[token]
	if !ok {
		return domain.Principal{}, false
	}
	p.dropLocked(token, entry.principal.ID)
	return entry.principal, true
}

func (p *Provider) forgetPrincipal(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for token := range p.byPrincipal[id] {
		delete(p.tokens, token)
	}
	delete(p.byPrincipal, id)
}

func (p *Provider) updatePrincipal(principal domain.Principal) {
	if principal.ID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for token := range p.byPrincipal[principal.ID] {
		entry := p.tokens[token]
		entry.principal = principal
		p.tokens[token] = entry
	}
}

func (p *Provider) dropLocked(token, principalID string) {
	delete(p.tokens, token)
	if set, ok := p.byPrincipal[principalID]; ok {
		delete(set, token)
		if len(set) == 0 {
			delete(p.byPrincipal, principalID)
		}
	}
}

func (p *Provider) sweepLocked() {
	now := p.now()
	for token, entry := range p.tokens {
		if !now.Before(entry.expires) {
			p.dropLocked(token, entry.principal.ID)
		}
	}
}

func asAuthError(op string, err error) *AuthError {
	var apiErr *identityclient.APIError
	if errors.As(err, &apiErr) {
		return &AuthError{Op: op, Status: apiErr.Status, Message: apiErr.Message, Err: err}
	}
	return transportError(op, err)
}
