package diagnoseclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"quickfix/internal/servicetoken"
	"quickfix/internal/util"
	"quickfix/pkg/domain"
)

// Audience is the service-token audience expected by the diagnose service.
const Audience = "diagnose"

// Client calls the diagnose service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	signer     *servicetoken.Signer
}

// APIError represents a diagnose service error response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return e.Message
}

// NewClient constructs a diagnose service client. A nil signer sends no
// service token.
func NewClient(baseURL string, signer *servicetoken.Signer) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		signer:     signer,
	}
}

// Reply sends the bounded history and returns the generated text.
func (c *Client) Reply(ctx context.Context, history []domain.Message) (string, error) {
	payload := diagnoseRequest{Messages: make([]wireMessage, 0, len(history))}
	for _, m := range history {
		payload.Messages = append(payload.Messages, wireMessage{Role: string(m.Role), Content: m.Content})
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/diagnose", bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	util.PropagateRequestID(req)
	if c.signer != nil {
		token, err := c.signer.Sign(Audience)
		if err != nil {
			return "", fmt.Errorf("sign service token: %w", err)
		}
		req.Header.Set(servicetoken.HeaderName, token)
	}

	var resp diagnoseResponse
	if err := c.do(req, &resp); err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.Content) == "" {
		return "", errors.New("diagnose service returned empty content")
	}
	return resp.Content, nil
}

func (c *Client) do(req *http.Request, out any) error {
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
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode diagnose response: %w", err)
	}
	return nil
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type diagnoseRequest struct {
	Messages []wireMessage `json:"messages"`
}

type diagnoseResponse struct {
	Content string `json:"content"`
	Error   string `json:"error"`
}
