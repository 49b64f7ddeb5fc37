package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	EventUserLogin     = "user_login"
	EventPasswordReset = "password_reset"

	defaultSource = "QuickFix"
)

// User identifies the subject of a notification.
type User struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// Payload is the JSON body posted to the webhook.
type Payload struct {
	Event     string `json:"event"`
	User      User   `json:"user"`
	Timestamp string `json:"timestamp"`
	Source    string `json:"source"`
	Token     string `json:"token,omitempty"`
}

// Webhook posts notification payloads to a single automation endpoint.
// A nil *Webhook or an empty URL turns every call into a no-op.
type Webhook struct {
	url        string
	source     string
	httpClient *http.Client
}

// NewWebhook builds a notifier for url.
func NewWebhook(url string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Webhook{
		url:        strings.TrimSpace(url),
		source:     defaultSource,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Enabled reports whether a destination is configured.
func (w *Webhook) Enabled() bool {
	return w != nil && w.url != ""
}

// NotifyLogin announces a successful sign-in. Name falls back to "User".
func (w *Webhook) NotifyLogin(ctx context.Context, email, name string, at time.Time) error {
	if strings.TrimSpace(name) == "" {
		name = "User"
	}
	return w.post(ctx, Payload{
		Event:     EventUserLogin,
		User:      User{Email: email, Name: name},
		Timestamp: at.UTC().Format(time.RFC3339),
	})
}

// NotifyPasswordReset hands a reset token to the delivery automation.
func (w *Webhook) NotifyPasswordReset(ctx context.Context, email, token string, at time.Time) error {
	return w.post(ctx, Payload{
		Event:     EventPasswordReset,
		User:      User{Email: email, Name: "User"},
		Timestamp: at.UTC().Format(time.RFC3339),
		Token:     token,
	})
}

func (w *Webhook) post(ctx context.Context, p Payload) error {
	if !w.Enabled() {
		return nil
	}
	p.Source = w.source
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook failed with status: %d", resp.StatusCode)
	}
	return nil
}

// Go runs fn on a detached goroutine bounded by timeout. The caller's
// cancellation does not reach fn; errors are logged and dropped.
func Go(logger *slog.Logger, name string, timeout time.Duration, fn func(ctx context.Context) error) {
	if logger == nil {
		logger = slog.Default()
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("background notification panicked", "task", name, "panic", rec)
			}
		}()
		if err := fn(ctx); err != nil {
			logger.Warn("background notification failed", "task", name, "err", err)
			return
		}
		logger.Debug("background notification sent", "task", name)
	}()
}
