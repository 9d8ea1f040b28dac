// Package sessionctl is the thin client for the session-control
// collaborator: cookie issuance, session re-validation, pairing
// authorization and power actions. The collaborator itself is external;
// this layer only crosses the boundary with an opaque cookie and relay id.
package sessionctl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

// PowerAction names a device power operation.
type PowerAction string

const (
	PowerWake  PowerAction = "wake"
	PowerSleep PowerAction = "sleep"
	PowerReset PowerAction = "reset"
	PowerOff   PowerAction = "poweroff"
)

var (
	ErrNoBaseURL = errors.New("sessionctl: base url required")
	ErrNoCookie  = errors.New("sessionctl: no session cookie")
)

// Client talks to the session-control HTTP API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client

	mu     sync.Mutex
	cookie string
}

// New builds a client. token is the bearer credential for the API; the
// session cookie is obtained via IssueCookie or injected with SetCookie.
func New(baseURL, token string) (*Client, error) {
	if baseURL == "" {
		return nil, ErrNoBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}, nil
}

// Cookie returns the current session cookie.
func (c *Client) Cookie() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cookie
}

// SetCookie injects a cookie issued elsewhere.
func (c *Client) SetCookie(cookie string) {
	c.mu.Lock()
	c.cookie = cookie
	c.mu.Unlock()
}

// IssueCookie requests a short-lived session cookie scoped to a device.
func (c *Client) IssueCookie(ctx context.Context, deviceID string) (string, error) {
	var out struct {
		Cookie string `json:"cookie"`
	}
	err := c.post(ctx, "/api/cookie", map[string]string{"device_id": deviceID}, &out)
	if err != nil {
		return "", err
	}
	if out.Cookie == "" {
		return "", errors.New("sessionctl: empty cookie in response")
	}
	c.SetCookie(out.Cookie)
	return out.Cookie, nil
}

// Check re-validates the current session cookie. Used as the gated
// "still authenticated?" probe before reconnects.
func (c *Client) Check(ctx context.Context) error {
	cookie := c.Cookie()
	if cookie == "" {
		return ErrNoCookie
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/verify", nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Session-Cookie", cookie)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sessionctl: verify rejected: %s", readError(resp))
	}
	return nil
}

// AuthorizePairing approves a relay pairing id against the session.
func (c *Client) AuthorizePairing(ctx context.Context, relayID string) error {
	cookie := c.Cookie()
	if cookie == "" {
		return ErrNoCookie
	}
	return c.post(ctx, "/api/pair", map[string]string{
		"relay_id": relayID,
		"cookie":   cookie,
	}, nil)
}

// Power sends a power action for a device.
func (c *Client) Power(ctx context.Context, deviceID string, action PowerAction) error {
	return c.post(ctx, "/api/power", map[string]string{
		"device_id": deviceID,
		"action":    string(action),
	}, nil)
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sessionctl: %s failed: %s", path, readError(resp))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func readError(resp *http.Response) string {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	text := strings.TrimSpace(string(b))
	if text == "" {
		return resp.Status
	}
	return text
}
