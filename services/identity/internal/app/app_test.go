package app

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"quickfix/pkg/changefeed"
	"quickfix/pkg/domain"
	"quickfix/pkg/notify"
	"quickfix/pkg/store"
)

const strongPassword = "Spark-Plug-2024"

type fixture struct {
	app  *App
	feed *changefeed.MemoryFeed
	sub  *changefeed.Subscription
}

func newFixture(t *testing.T, webhook *notify.Webhook) fixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	sessions, err := store.NewJWTSessionStore(key, "test", nil, time.Hour, store.NewMemoryTokenRevoker(), store.JWTOptions{})
	if err != nil {
		t.Fatalf("session store: %v", err)
	}
	feed := changefeed.NewMemoryFeed()
	sub, err := feed.Subscribe(context.Background(), changefeed.Filter{Table: changefeed.TableSessions})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(sub.Close)
	a, err := New(Config{
		Store:         store.NewMemoryStore(),
		Sessions:      sessions,
		RefreshTokens: store.NewMemoryRefreshTokenStore(),
		ResetTokens:   store.NewMemoryResetTokenStore(time.Hour),
		Events:        feed,
		Webhook:       webhook,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return fixture{app: a, feed: feed, sub: sub}
}

func (f fixture) nextChange(t *testing.T) domain.SessionChange {
	t.Helper()
	select {
	case ev := <-f.sub.Events():
		var change domain.SessionChange
		if err := json.Unmarshal(ev.Payload, &change); err != nil {
			t.Fatalf("decode change: %v", err)
		}
		if string(ev.Kind) != string(change.Kind) || ev.OwnerID != change.Principal.ID {
			t.Fatalf("event envelope mismatch: %+v", ev)
		}
		return change
	case <-time.After(time.Second):
		t.Fatalf("no session change published")
	}
	return domain.SessionChange{}
}

func TestSignUpFirstUserIsAdmin(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	first, tokens, err := f.app.SignUp(ctx, " Asha@Example.com ", strongPassword, map[string]string{"first_name": "Asha", "phone": " "})
	if err != nil {
		t.Fatalf("signup: %v", err)
	}
	if first.Role != domain.RoleAdmin || first.Email != "asha@example.com" {
		t.Fatalf("unexpected first principal: %+v", first)
	}
	if first.Metadata["first_name"] != "Asha" || first.Metadata["phone"] != "" {
		t.Fatalf("metadata not cleaned: %v", first.Metadata)
	}
	if tokens.AccessToken == "" || tokens.RefreshToken == "" {
		t.Fatalf("tokens not issued")
	}
	if change := f.nextChange(t); change.Kind != domain.SessionSignedIn || change.Principal.ID != first.ID {
		t.Fatalf("unexpected change: %+v", change)
	}

	second, _, err := f.app.SignUp(ctx, "ravi@example.com", strongPassword, nil)
	if err != nil {
		t.Fatalf("second signup: %v", err)
	}
	if second.Role != domain.RoleUser {
		t.Fatalf("second principal should be user, got %s", second.Role)
	}
	if _, _, err := f.app.SignUp(ctx, "ravi@example.com", strongPassword, nil); !errors.Is(err, ErrEmailAlreadyExists) {
		t.Fatalf("expected duplicate email error, got %v", err)
	}
	if _, _, err := f.app.SignUp(ctx, "weak@example.com", "short", nil); err == nil {
		t.Fatalf("expected weak password rejection")
	}
}

func TestLoginRefreshLogout(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	p, _, err := f.app.SignUp(ctx, "asha@example.com", strongPassword, nil)
	if err != nil {
		t.Fatalf("signup: %v", err)
	}
	f.nextChange(t)

	if _, _, err := f.app.Login(ctx, "asha@example.com", "Wrong-Pass-1"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if _, _, err := f.app.Login(ctx, "nobody@example.com", strongPassword); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown email must look like bad credentials, got %v", err)
	}
	_, tokens, err := f.app.Login(ctx, "ASHA@example.com", strongPassword)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	f.nextChange(t)

	got, ok := f.app.UserFromToken(ctx, tokens.AccessToken)
	if !ok || got.ID != p.ID {
		t.Fatalf("token did not resolve")
	}

	_, rotated, err := f.app.Refresh(ctx, tokens.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if change := f.nextChange(t); change.Kind != domain.SessionTokenRefreshed {
		t.Fatalf("expected refresh event, got %s", change.Kind)
	}
	if _, _, err := f.app.Refresh(ctx, tokens.RefreshToken); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("replayed refresh token must fail, got %v", err)
	}

	if err := f.app.Logout(ctx, rotated.AccessToken, rotated.RefreshToken); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if change := f.nextChange(t); change.Kind != domain.SessionSignedOut {
		t.Fatalf("expected signed out event, got %s", change.Kind)
	}
	if _, ok := f.app.UserFromToken(ctx, rotated.AccessToken); ok {
		t.Fatalf("access token still valid after logout")
	}
}

func TestUpdateMetadataMergesAndPublishes(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	p, _, _ := f.app.SignUp(ctx, "asha@example.com", strongPassword, map[string]string{"first_name": "Asha", "last_name": "R"})
	f.nextChange(t)

	updated, err := f.app.UpdateMetadata(ctx, p, map[string]string{"phone": "9876543210", "last_name": ""})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Metadata["phone"] != "9876543210" || updated.Metadata["first_name"] != "Asha" {
		t.Fatalf("merge failed: %v", updated.Metadata)
	}
	if _, ok := updated.Metadata["last_name"]; ok {
		t.Fatalf("empty value should delete key")
	}
	if change := f.nextChange(t); change.Kind != domain.SessionUserUpdated || change.Principal.Metadata["phone"] == "" {
		t.Fatalf("unexpected change: %+v", change)
	}
}

func TestPasswordResetFlow(t *testing.T) {
	delivered := make(chan notify.Payload, 2)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p notify.Payload
		_ = json.NewDecoder(r.Body).Decode(&p)
		delivered <- p
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	f := newFixture(t, notify.NewWebhook(hook.URL, time.Second))
	ctx := context.Background()
	p, oldTokens, _ := f.app.SignUp(ctx, "asha@example.com", strongPassword, nil)
	f.nextChange(t)

	if err := f.app.RequestPasswordReset(ctx, "nobody@example.com"); err != nil {
		t.Fatalf("unknown email must not error: %v", err)
	}
	if err := f.app.RequestPasswordReset(ctx, "asha@example.com"); err != nil {
		t.Fatalf("request reset: %v", err)
	}
	var payload notify.Payload
	select {
	case payload = <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatalf("reset token not delivered")
	}
	if payload.Event != notify.EventPasswordReset || payload.Token == "" || payload.User.Email != "asha@example.com" {
		t.Fatalf("unexpected payload: %+v", payload)
	}

	const newPassword = "Brake-Pads-2025"
	if err := f.app.ConfirmPasswordReset(ctx, payload.Token, newPassword); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if change := f.nextChange(t); change.Kind != domain.SessionPasswordRecovery || change.Principal.ID != p.ID {
		t.Fatalf("unexpected change: %+v", change)
	}
	if err := f.app.ConfirmPasswordReset(ctx, payload.Token, newPassword); !errors.Is(err, store.ErrResetTokenInvalid) {
		t.Fatalf("reset token must be single use, got %v", err)
	}
	if _, ok := f.app.UserFromToken(ctx, oldTokens.AccessToken); ok {
		t.Fatalf("old session survived password reset")
	}
	if _, _, err := f.app.Login(ctx, "asha@example.com", newPassword); err != nil {
		t.Fatalf("login with new password: %v", err)
	}
}

func TestAdminUpdateUserGuardsSelf(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	admin, _, _ := f.app.SignUp(ctx, "admin@example.com", strongPassword, nil)
	user, userTokens, _ := f.app.SignUp(ctx, "user@example.com", strongPassword, nil)

	demote := domain.RoleUser
	if _, err := f.app.AdminUpdateUser(ctx, admin, admin.ID, &demote, nil); !errors.Is(err, ErrCannotDemoteSelf) {
		t.Fatalf("expected self-demotion guard, got %v", err)
	}
	disabled := domain.StatusDisabled
	if _, err := f.app.AdminUpdateUser(ctx, admin, user.ID, nil, &disabled); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if _, ok := f.app.UserFromToken(ctx, userTokens.AccessToken); ok {
		t.Fatalf("disabled user token still resolves")
	}
	if _, _, err := f.app.Login(ctx, "user@example.com", strongPassword); !errors.Is(err, ErrUserDisabled) {
		t.Fatalf("expected disabled error, got %v", err)
	}
}
