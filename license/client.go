// SPDX-License-Identifier: MPL-2.0

// Package license talks to the session gated backend: agent login, atomic
// license session setup, liveness heartbeats over a websocket channel and
// forced logout escalation when liveness is lost.
package license

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// License/session failures are fatal to the login attempt and never
// retried with backoff. Each cause carries a distinct remediation.
var (
	// ErrSessionConflict: this user already holds a session on another
	// device.
	ErrSessionConflict = errors.New("license: already logged in elsewhere")

	// ErrFeatureNotLicensed: the license does not include this feature.
	ErrFeatureNotLicensed = errors.New("license: feature not licensed")

	// ErrLimitReached: the concurrent user cap is exhausted.
	ErrLimitReached = errors.New("license: maximum user limit reached")
)

// Client is the HTTP client for the license backend.
type Client struct {
	baseURL string
	http    *http.Client
	log     *slog.Logger
}

// NewClient builds a client for the backend at baseURL.
func NewClient(baseURL string, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
		log:     log.With("caller", "LicenseClient"),
	}
}

// Tokens issued at login. The SIP token authenticates the softphone, the
// license token authenticates session calls. Rotated wholesale on
// refresh, never mutated in place.
type Tokens struct {
	SIP     string `json:"sip"`
	License string `json:"license"`
}

type User struct {
	Username  string `json:"username"`
	Email     string `json:"email"`
	FullName  string `json:"fullName"`
	Extension string `json:"extension"`
}

type LoginResult struct {
	User   User   `json:"user"`
	Tokens Tokens `json:"tokens"`
}

// AgentLogin authenticates the agent and returns the token pair.
func (c *Client) AgentLogin(ctx context.Context, email, password string) (*LoginResult, error) {
	var out LoginResult
	err := c.doJSON(ctx, http.MethodPost, "/users/agent-login", "", map[string]string{
		"email":    email,
		"password": password,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// LicenseType describes what the license grants.
type LicenseType struct {
	Features           []string `json:"features"`
	MaxConcurrentUsers int      `json:"max_concurrent_users"`
}

type License struct {
	OrganizationName string      `json:"organization_name"`
	Status           string      `json:"status"`
	LicenseType      LicenseType `json:"license_type"`
}

// Session is the concurrency gated slot consumed by this device.
type Session struct {
	SessionToken string   `json:"sessionToken"`
	MaxUsers     int      `json:"maxUsers"`
	CurrentUsers int      `json:"currentUsers"`
	License      *License `json:"license,omitempty"`

	CreatedAt time.Time `json:"-"`
}

// AtomicSessionSetup validates the license and creates the session slot in
// one server side operation. Two concurrent setups at capacity can never
// both succeed; the loser gets ErrLimitReached or ErrSessionConflict.
func (c *Client) AtomicSessionSetup(ctx context.Context, token, username, fingerprint, feature string) (*Session, error) {
	var out Session
	err := c.doJSON(ctx, http.MethodPost, "/licenses/sessions/atomic-setup", token, map[string]string{
		"username":          username,
		"clientFingerprint": fingerprint,
		"feature":           feature,
	}, &out)
	if err != nil {
		return nil, err
	}
	out.CreatedAt = time.Now()
	return &out, nil
}

// ValidateSession checks whether the session slot is still held.
func (c *Client) ValidateSession(ctx context.Context, token, username, fingerprint, feature string) (bool, error) {
	var out struct {
		Valid bool `json:"valid"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/licenses/sessions/validate", token, map[string]string{
		"username":          username,
		"clientFingerprint": fingerprint,
		"feature":           feature,
	}, &out)
	if err != nil {
		return false, err
	}
	return out.Valid, nil
}

// EndSession releases the session slot.
func (c *Client) EndSession(ctx context.Context, token, username, feature string) error {
	return c.doJSON(ctx, http.MethodPost, "/licenses/sessions/end", token, map[string]string{
		"username": username,
		"feature":  feature,
	}, nil)
}

type SessionCount struct {
	CurrentUsers   int `json:"currentUsers"`
	MaxUsers       int `json:"maxUsers"`
	WebRTCMaxUsers int `json:"webrtcMaxUsers"`
}

// Count returns current slot usage.
func (c *Client) Count(ctx context.Context, token string) (*SessionCount, error) {
	var out SessionCount
	if err := c.doJSON(ctx, http.MethodGet, "/licenses/sessions/count", token, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CurrentLicense returns the license attached to the caller.
func (c *Client) CurrentLicense(ctx context.Context, token string) (*License, error) {
	var out struct {
		License License `json:"license"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/licenses/current", token, nil, &out); err != nil {
		return nil, err
	}
	return &out.License, nil
}

// SystemHealth returns healthy, degraded or unhealthy.
func (c *Client) SystemHealth(ctx context.Context) (string, error) {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/users/system/health", "", nil, &out); err != nil {
		return "", err
	}
	return out.Status, nil
}

func (c *Client) doJSON(ctx context.Context, method, path, token string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s request: %w", path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}

	if resp.StatusCode >= 400 {
		return c.statusError(resp.StatusCode, path, respBody)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("unmarshal %s response: %w", path, err)
	}
	return nil
}

func (c *Client) statusError(code int, path string, body []byte) error {
	msg := struct {
		Message string `json:"message"`
	}{}
	_ = json.Unmarshal(body, &msg)

	switch code {
	case http.StatusConflict:
		return ErrSessionConflict
	case http.StatusForbidden:
		return ErrFeatureNotLicensed
	case http.StatusTooManyRequests:
		return ErrLimitReached
	}
	if msg.Message != "" {
		return fmt.Errorf("%s: http %d: %s", path, code, msg.Message)
	}
	return fmt.Errorf("%s: http %d", path, code)
}
