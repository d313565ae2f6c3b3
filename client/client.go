// Package client is a Go client for the authnz HTTP API, used by tools and
// services that manage a user's connected identities on their behalf.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"

	"github.com/hashicorp/go-cleanhttp"
)

// Identity is one connected third-party identity.
type Identity struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
}

// APIError is a failure reported by the server in its JSON error shape.
type APIError struct {
	Status  int
	Code    int    `json:"err_code"`
	Message string `json:"err_msg"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("authnz: status %d", e.Status)
	}
	return fmt.Sprintf("authnz: %s (code %d)", e.Message, e.Code)
}

// Config configures a Client.
type Config struct {
	BaseURL       string
	SessionCookie string
	HTTPClient    *http.Client
}

// Client talks to an authnz server with a user's session cookie.
type Client struct {
	base *url.URL
	http *http.Client

	mu         sync.Mutex
	identities []Identity
}

// New returns a client for the server at cfg.BaseURL.
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http(s), got %q", cfg.BaseURL)
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = cleanhttp.DefaultPooledClient()
	}
	if hc.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, err
		}
		hc.Jar = jar
	}
	if cfg.SessionCookie != "" {
		hc.Jar.SetCookies(base, []*http.Cookie{{Name: "authnz_session", Value: cfg.SessionCookie, Path: "/"}})
	}
	// Redirects are results here, not something to follow.
	hc.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	return &Client{base: base, http: hc}, nil
}

// Identities lists the connected identities. The result is cached until
// Disconnect or Refresh is called.
func (c *Client) Identities(ctx context.Context) ([]Identity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identities != nil {
		return c.identities, nil
	}

	var out []Identity
	if err := c.do(ctx, http.MethodGet, "authnz", &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []Identity{}
	}
	c.identities = out
	return out, nil
}

// Refresh drops the cached identity list.
func (c *Client) Refresh() {
	c.mu.Lock()
	c.identities = nil
	c.mu.Unlock()
}

// Login starts a login with provider and returns the URL the user must visit.
func (c *Client) Login(ctx context.Context, provider string) (string, error) {
	var out struct {
		RedirectURI string `json:"redirect_uri"`
	}
	if err := c.do(ctx, http.MethodPost, "authnz/"+url.PathEscape(provider)+"/login", &out); err != nil {
		return "", err
	}
	if out.RedirectURI == "" {
		return "", errors.New("authnz: empty redirect_uri")
	}
	return out.RedirectURI, nil
}

// Disconnect removes the identity's provider link.
func (c *Client) Disconnect(ctx context.Context, identity Identity) error {
	if identity.Provider == "" {
		return nil
	}
	if err := c.do(ctx, http.MethodDelete, "authnz/"+url.PathEscape(identity.Provider)+"/disconnect/", nil); err != nil {
		return err
	}
	c.Refresh()
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, out any) error {
	u := c.base.ResolveReference(&url.URL{Path: path})
	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("authnz %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusFound || resp.StatusCode == http.StatusSeeOther:
		// disconnect answers with a redirect to the application
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	default:
		apiErr := &APIError{Status: resp.StatusCode}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
			_ = json.Unmarshal(body, apiErr)
		}
		return apiErr
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
