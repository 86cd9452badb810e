// Package rest is the small slice of the HTTP API the gateway layer needs:
// the recommended shard count, gateway URL and identify concurrency.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultBaseURL is the production API root.
const DefaultBaseURL = "https://discord.com/api/v10"

const maxBodySize = 1 << 20

// SessionStartLimit describes the remaining identify budget.
type SessionStartLimit struct {
	Total          int `json:"total"`
	Remaining      int `json:"remaining"`
	ResetAfter     int `json:"reset_after"`
	MaxConcurrency int `json:"max_concurrency"`
}

// GatewayBot is the response of GET /gateway/bot.
type GatewayBot struct {
	URL               string            `json:"url"`
	Shards            int               `json:"shards"`
	SessionStartLimit SessionStartLimit `json:"session_start_limit"`
}

// HTTPError is returned for non-2xx responses.
type HTTPError struct {
	Status  int
	Method  string
	Path    string
	Message string
	Code    int
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: %d: %s", e.Method, e.Path, e.Status, e.Message)
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Status, http.StatusText(e.Status))
}

// Client calls the HTTP API with bot authentication.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client

	logger *zap.Logger
}

// New creates a client for baseURL. An empty baseURL uses DefaultBaseURL.
func New(baseURL, token string, logger *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 15 * time.Second},
		logger:  logger.Named("rest"),
	}
}

// GatewayBot fetches the recommended sharding parameters.
func (c *Client) GatewayBot(ctx context.Context) (*GatewayBot, error) {
	var out GatewayBot
	if err := c.get(ctx, "/gateway/bot", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("rest: creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bot "+c.Token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("rest: GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("rest: reading response body: %w", err)
	}

	c.logger.Debug("request finished",
		zap.String("method", http.MethodGet),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parseHTTPError(http.MethodGet, path, resp.StatusCode, body)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("rest: decoding %s response: %w", path, err)
	}
	return nil
}

func parseHTTPError(method, path string, status int, body []byte) *HTTPError {
	httpErr := &HTTPError{Status: status, Method: method, Path: path}
	var payload struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	}
	if json.Unmarshal(body, &payload) == nil {
		httpErr.Message = payload.Message
		httpErr.Code = payload.Code
	}
	return httpErr
}
