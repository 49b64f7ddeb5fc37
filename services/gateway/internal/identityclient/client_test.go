package identityclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"quickfix/pkg/domain"
)

func TestLoginDecodesSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/identity/login" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["email"] != "asha@example.com" {
			t.Errorf("email not forwarded: %v", body)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"accessToken":  "a",
			"refreshToken": "r",
			"tokenType":    "Bearer",
			"expiresIn":    900,
			"user":         map[string]any{"id": "u1", "email": "asha@example.com", "role": "user"},
		})
	}))
	defer srv.Close()

	res, err := NewClient(srv.URL+"/").Login(context.Background(), "asha@example.com", "pw")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if res.AccessToken != "a" || res.RefreshToken != "r" || res.ExpiresIn != 900 || res.User.ID != "u1" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestErrorsBecomeAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"email already exists"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).SignUp(context.Background(), "a@example.com", "pw", map[string]string{"first_name": "A"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusConflict || apiErr.Message != "email already exists" {
		t.Fatalf("expected conflict APIError, got %v", err)
	}
}

func TestMeSendsBearerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(domain.Principal{ID: "u1", Role: domain.RoleAdmin})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	p, err := c.Me(context.Background(), "tok")
	if err != nil || p.ID != "u1" || !p.IsOperator() {
		t.Fatalf("me: %+v %v", p, err)
	}
	_, err = c.Me(context.Background(), "other")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}
