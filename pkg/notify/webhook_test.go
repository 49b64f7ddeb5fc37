package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNotifyLoginPostsPayload(t *testing.T) {
	got := make(chan Payload, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected request %s %s", r.Method, r.Header.Get("Content-Type"))
		}
		var p Payload
		_ = json.NewDecoder(r.Body).Decode(&p)
		got <- p
	}))
	defer srv.Close()

	at := time.Date(2026, 10, 17, 9, 30, 0, 0, time.UTC)
	if err := NewWebhook(srv.URL, time.Second).NotifyLogin(context.Background(), "a@example.com", "", at); err != nil {
		t.Fatalf("notify: %v", err)
	}
	p := <-got
	if p.Event != EventUserLogin || p.Source != "QuickFix" || p.Timestamp != "2026-10-17T09:30:00Z" {
		t.Fatalf("unexpected payload: %+v", p)
	}
	if p.User.Email != "a@example.com" || p.User.Name != "User" {
		t.Fatalf("unexpected user: %+v", p.User)
	}
	if p.Token != "" {
		t.Fatalf("login payload must not carry a token")
	}
}

func TestNotifyReportsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhook(srv.URL, time.Second).NotifyPasswordReset(context.Background(), "a@example.com", "tok", time.Now())
	if err == nil {
		t.Fatalf("expected error for 502")
	}
}

func TestDisabledWebhookIsNoop(t *testing.T) {
	var w *Webhook
	if w.Enabled() {
		t.Fatalf("nil webhook should be disabled")
	}
	if err := w.NotifyLogin(context.Background(), "a@example.com", "A", time.Now()); err != nil {
		t.Fatalf("nil webhook should not fail: %v", err)
	}
	if err := NewWebhook("  ", 0).NotifyLogin(context.Background(), "a@example.com", "A", time.Now()); err != nil {
		t.Fatalf("empty url should not fail: %v", err)
	}
}

func TestGoRunsWithFreshContext(t *testing.T) {
	done := make(chan error, 1)
	Go(nil, "test", time.Second, func(ctx context.Context) error {
		done <- ctx.Err()
		return errors.New("ignored")
	})
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("detached task should get a live context, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("task did not run")
	}
}
