// Package remote is the HTTP client for the account and settings sync server.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/lotas/readeasy/internal/settings"
)

// CookieName is the session cookie set by the sync server on login.
const CookieName = "token"

// DefaultProbeTimeout bounds the reachability probe.
const DefaultProbeTimeout = 3 * time.Second

// ErrUnreachable wraps transport failures and failed reachability probes.
var ErrUnreachable = errors.New("sync server unreachable")

// APIError is a non-2xx response from the sync server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("sync server returned HTTP %d: %s", e.Status, e.Message)
}

// ShouldFallback reports whether err means the server could not serve the
// request at all (unreachable, timed out, or a 5xx), as opposed to a
// definite answer such as invalid credentials.
func ShouldFallback(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnreachable) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500
	}
	return false
}

// Message returns a human-readable message for err, without transport detail.
func Message(err error) string {
	var apiErr *APIError
	switch {
	case errors.As(err, &apiErr) && apiErr.Message != "":
		return apiErr.Message
	case errors.Is(err, ErrUnreachable):
		return "Sync server is unreachable"
	default:
		return "Request failed"
	}
}

// Session is the result of a successful login.
type Session struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// LoginStatus is the response of GET /api/auth/status.
type LoginStatus struct {
	IsLoggedIn bool   `json:"isLoggedIn"`
	UserID     string `json:"userId,omitempty"`
	Username   string `json:"username,omitempty"`
	Email      string `json:"email,omitempty"`
}

// UserSettings is the stored settings document of a user.
type UserSettings struct {
	Settings settings.Patch    `json:"settings"`
	APIKeys  map[string]string `json:"apiKeys,omitempty"`
}

// Client talks to the sync server. It carries the session token itself so
// the token can be persisted across restarts.
type Client struct {
	baseURL      string
	http         *http.Client
	probeTimeout time.Duration

	mu    sync.Mutex
	token string
}

// New returns a client for the server at baseURL (e.g. http://localhost:3000).
func New(baseURL string) *Client {
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		http:         &http.Client{Timeout: 15 * time.Second},
		probeTimeout: DefaultProbeTimeout,
	}
}

// WithProbeTimeout overrides the reachability probe timeout.
func (c *Client) WithProbeTimeout(d time.Duration) *Client {
	c.probeTimeout = d
	return c
}

// Token returns the current session token, "" when logged out.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// SetToken installs a previously persisted session token.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Ping probes GET /status with the probe timeout.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	var out struct {
		Status string `json:"status"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/status", nil, &out); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return fmt.Errorf("%w: %v", ErrUnreachable, err)
		}
		return err
	}
	if out.Status != "online" {
		return fmt.Errorf("%w: status %q", ErrUnreachable, out.Status)
	}
	return nil
}

// Register creates an account and returns its user id.
func (c *Client) Register(ctx context.Context, username, email, password string) (string, error) {
	body := map[string]string{"username": username, "email": email, "password": password}
	var out struct {
		UserID string `json:"userId"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/api/auth/register", body, &out); err != nil {
		return "", err
	}
	return out.UserID, nil
}

// Login authenticates and keeps the session cookie for later calls.
func (c *Client) Login(ctx context.Context, username, password string) (*Session, error) {
	body := map[string]string{"username": username, "password": password}
	var out Session
	resp, err := c.do(ctx, http.MethodPost, "/api/auth/login", body, &out)
	if err != nil {
		return nil, err
	}
	for _, ck := range resp.Cookies() {
		if ck.Name == CookieName {
			c.SetToken(ck.Value)
		}
	}
	return &out, nil
}

// Logout ends the server session. The local token is dropped even if the
// request fails.
func (c *Client) Logout(ctx context.Context) error {
	defer c.SetToken("")
	_, err := c.do(ctx, http.MethodPost, "/api/auth/logout", nil, nil)
	return err
}

// Status reports whether the current session cookie is valid.
func (c *Client) Status(ctx context.Context) (*LoginStatus, error) {
	var out LoginStatus
	if _, err := c.do(ctx, http.MethodGet, "/api/auth/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetSettings fetches the settings document of userID.
func (c *Client) GetSettings(ctx context.Context, userID string) (*UserSettings, error) {
	var out UserSettings
	if _, err := c.do(ctx, http.MethodGet, "/api/settings/"+url.PathEscape(userID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PushSettings stores s for userID and returns the merged server copy.
func (c *Client) PushSettings(ctx context.Context, userID string, s settings.Settings) (settings.Patch, error) {
	body := map[string]any{"settings": settings.PatchOf(s).Without("userId")}
	var out struct {
		Settings settings.Patch `json:"settings"`
	}
	if _, err := c.do(ctx, http.MethodPost, "/api/settings/"+url.PathEscape(userID), body, &out); err != nil {
		return nil, err
	}
	return out.Settings, nil
}

// PushAPIKeys merges keys into the server copy of userID's API keys.
func (c *Client) PushAPIKeys(ctx context.Context, userID string, keys map[string]string) error {
	body := map[string]any{"apiKeys": keys}
	_, err := c.do(ctx, http.MethodPost, "/api/settings/"+url.PathEscape(userID), body, nil)
	return err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.AddCookie(&http.Cookie{Name: CookieName, Value: token})
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrUnreachable, method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Message string `json:"message"`
		}
		json.NewDecoder(resp.Body).Decode(&e)
		if e.Message == "" {
			e.Message = http.StatusText(resp.StatusCode)
		}
		return resp, &APIError{Status: resp.StatusCode, Message: e.Message}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp, fmt.Errorf("decode %s response: %w", path, err)
		}
	}
	return resp, nil
}
