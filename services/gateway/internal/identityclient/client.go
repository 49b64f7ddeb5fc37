package identityclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"quickfix/internal/util"
	"quickfix/pkg/domain"
	"quickfix/pkg/store"
)

// Client calls the identity service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// APIError represents an identity service error response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return e.Message
}

// AuthResult is an issued session as returned by signup, login and refresh.
type AuthResult struct {
	AccessToken  string           `json:"accessToken"`
	RefreshToken string           `json:"refreshToken"`
	TokenType    string           `json:"tokenType"`
	ExpiresIn    int              `json:"expiresIn"`
	User         domain.Principal `json:"user"`
}

// NewClient constructs an identity service client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *Client) SignUp(ctx context.Context, email, password string, metadata map[string]string) (AuthResult, error) {
	payload := map[string]any{"email": email, "password": password}
	if len(metadata) > 0 {
		payload["metadata"] = metadata
	}
	var resp AuthResult
	if err := c.doJSON(ctx, http.MethodPost, "/identity/signup", "", payload, &resp); err != nil {
		return AuthResult{}, err
	}
	return resp, nil
}

func (c *Client) Login(ctx context.Context, email, password string) (AuthResult, error) {
	payload := map[string]string{"email": email, "password": password}
	var resp AuthResult
	if err := c.doJSON(ctx, http.MethodPost, "/identity/login", "", payload, &resp); err != nil {
		return AuthResult{}, err
	}
	return resp, nil
}

func (c *Client) Refresh(ctx context.Context, refreshToken string) (AuthResult, error) {
	payload := map[string]string{"refreshToken": refreshToken}
	var resp AuthResult
	if err := c.doJSON(ctx, http.MethodPost, "/identity/refresh", "", payload, &resp); err != nil {
		return AuthResult{}, err
	}
	return resp, nil
}

func (c *Client) Logout(ctx context.Context, token, refreshToken string) error {
	var payload any
	if strings.TrimSpace(refreshToken) != "" {
		payload = map[string]string{"refreshToken": refreshToken}
	}
	return c.doJSON(ctx, http.MethodPost, "/identity/logout", token, payload, nil)
}

func (c *Client) RequestPasswordReset(ctx context.Context, email string) error {
	payload := map[string]string{"email": email}
	return c.doJSON(ctx, http.MethodPost, "/identity/password/reset", "", payload, nil)
}

func (c *Client) ConfirmPasswordReset(ctx context.Context, token, newPassword string) error {
	payload := map[string]string{"token": token, "newPassword": newPassword}
	return c.doJSON(ctx, http.MethodPost, "/identity/password/reset/confirm", "", payload, nil)
}

func (c *Client) Me(ctx context.Context, token string) (domain.Principal, error) {
	var p domain.Principal
	if err := c.doJSON(ctx, http.MethodGet, "/identity/me", token, nil, &p); err != nil {
		return domain.Principal{}, err
	}
	return p, nil
}

func (c *Client) UpdateMe(ctx context.Context, token string, metadata map[string]string) (domain.Principal, error) {
	payload := map[string]any{"metadata": metadata}
	var p domain.Principal
	if err := c.doJSON(ctx, http.MethodPatch, "/identity/me", token, payload, &p); err != nil {
		return domain.Principal{}, err
	}
	return p, nil
}

func (c *Client) ChangePassword(ctx context.Context, token, currentPassword, newPassword string) error {
	payload := map[string]string{
		"currentPassword": currentPassword,
		"newPassword":     newPassword,
	}
	return c.doJSON(ctx, http.MethodPost, "/identity/me/password", token, payload, nil)
}

func (c *Client) JWKS(ctx context.Context) ([]store.JWK, error) {
	var resp jwksResponse
	if err := c.doJSON(ctx, http.MethodGet, "/identity/jwks", "", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Keys, nil
}

func (c *Client) AdminListUsers(ctx context.Context, token string) ([]domain.Principal, error) {
	var resp listUsersResponse
	if err := c.doJSON(ctx, http.MethodGet, "/identity/admin/users", token, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

func (c *Client) AdminUpdateUser(ctx context.Context, token, userID string, role *domain.UserRole, status *domain.UserStatus) (domain.Principal, error) {
	payload := map[string]string{}
	if role != nil {
		payload["role"] = string(*role)
	}
	if status != nil {
		payload["status"] = string(*status)
	}
	var p domain.Principal
	path := fmt.Sprintf("/identity/admin/users/%s", url.PathEscape(userID))
	if err := c.doJSON(ctx, http.MethodPatch, path, token, payload, &p); err != nil {
		return domain.Principal{}, err
	}
	return p, nil
}

func (c *Client) doJSON(ctx context.Context, method, path, token string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	util.PropagateRequestID(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		msg := errResp.Error
		if msg == "" {
			msg = resp.Status
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return err
	}
	return nil
}

type listUsersResponse struct {
	Items []domain.Principal `json:"items"`
	Count int                `json:"count"`
}

type jwksResponse struct {
	Keys []store.JWK `json:"keys"`
}
