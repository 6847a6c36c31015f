package authclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// ErrLoggedOut is returned once the client holds no usable session: either
// Logout was called or the server rejected the refresh token. The caller
// must run a fresh Login before issuing more requests.
var ErrLoggedOut = errors.New("authclient: logged out")

// refreshLookahead is how long before access-token expiry the client
// refreshes proactively, so in-flight requests don't race the deadline.
const refreshLookahead = 60 * time.Second

// APIError carries the error code the service returned alongside the
// HTTP status, e.g. code "account_locked" with status 403.
type APIError struct {
	Status int
	Code   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("authclient: %d %s", e.Status, e.Code)
}

// Client talks to the auth service and keeps the current token pair in
// memory. It is safe for concurrent use; a single refresh is performed at
// a time and other callers wait for its outcome.
type Client struct {
	baseURL    string
	httpClient *http.Client
	now        func() time.Time

	onLoggedOut func()

	mu         sync.Mutex
	access     string
	accessExp  time.Time
	refresh    string
}

type Option func(*Client)

// WithHTTPClient replaces the default transport, mainly for tests.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// WithLoggedOutFunc registers a callback fired when the session dies
// without an explicit Logout (refresh rejected by the server). Called
// without the client lock held.
func WithLoggedOutFunc(fn func()) Option {
	return func(c *Client) { c.onLoggedOut = fn }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		now: time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type tokensPayload struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

type authPayload struct {
	Tokens tokensPayload `json:"tokens"`

	raw []byte // response body, kept so error codes can be extracted
}

// Register creates an account and adopts the returned session.
func (c *Client) Register(ctx context.Context, email, password string) error {
	return c.obtain(ctx, "/v1/auth/register", email, password)
}

// Login exchanges credentials for a session.
func (c *Client) Login(ctx context.Context, email, password string) error {
	return c.obtain(ctx, "/v1/auth/login", email, password)
}

func (c *Client) obtain(ctx context.Context, path, email, password string) error {
	var payload authPayload
	status, err := c.postJSON(ctx, path, map[string]string{
		"email":    email,
		"password": password,
	}, &payload)
	if err != nil {
		return err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return &APIError{Status: status, Code: payload.errCode()}
	}
	c.mu.Lock()
	c.setPairLocked(payload.Tokens)
	c.mu.Unlock()
	return nil
}

// Logout revokes the server-side session and clears local state. Local
// state is cleared even when the network call fails; the refresh token
// is gone either way from the caller's point of view.
func (c *Client) Logout(ctx context.Context) error {
	c.mu.Lock()
	refresh := c.refresh
	c.clearLocked()
	c.mu.Unlock()
	if refresh == "" {
		return nil
	}
	status, err := c.postJSON(ctx, "/v1/auth/logout", map[string]string{
		"refresh_token": refresh,
	}, nil)
	if err != nil {
		return err
	}
	if status != http.StatusNoContent {
		return &APIError{Status: status}
	}
	return nil
}

// AccessToken returns a currently valid access token, refreshing first
// when the cached one is expired or about to expire.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refresh == "" && c.access == "" {
		return "", ErrLoggedOut
	}
	if c.access != "" && c.now().Add(refreshLookahead).Before(c.accessExp) {
		return c.access, nil
	}
	if err := c.refreshLocked(ctx); err != nil {
		return "", err
	}
	return c.access, nil
}

// Do sends the request with a Bearer access token attached. On a 401 it
// refreshes once and retries; a second 401 means the session is dead and
// the client logs itself out. Requests with a non-replayable body are not
// retried.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	token, err := c.AccessToken(req.Context())
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	if req.Body != nil && req.GetBody == nil {
		return resp, nil
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	c.mu.Lock()
	err = c.refreshLocked(req.Context())
	token = c.access
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	retry := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		retry.Body = body
	}
	retry.Header.Set("Authorization", "Bearer "+token)

	resp, err = c.httpClient.Do(retry)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		c.logout()
		return nil, ErrLoggedOut
	}
	return resp, nil
}

// refreshLocked rotates the refresh token. Caller holds c.mu.
func (c *Client) refreshLocked(ctx context.Context) error {
	if c.refresh == "" {
		c.clearLocked()
		return ErrLoggedOut
	}
	var payload authPayload
	status, err := c.postJSON(ctx, "/v1/auth/refresh", map[string]string{
		"refresh_token": c.refresh,
	}, &payload)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized {
		c.clearLocked()
		if c.onLoggedOut != nil {
			go c.onLoggedOut()
		}
		return ErrLoggedOut
	}
	if status != http.StatusOK {
		return &APIError{Status: status, Code: payload.errCode()}
	}
	c.setPairLocked(payload.Tokens)
	return nil
}

func (c *Client) logout() {
	c.mu.Lock()
	c.clearLocked()
	c.mu.Unlock()
	if c.onLoggedOut != nil {
		go c.onLoggedOut()
	}
}

func (c *Client) setPairLocked(t tokensPayload) {
	c.access = t.AccessToken
	c.refresh = t.RefreshToken
	c.accessExp = c.now().Add(time.Duration(t.ExpiresIn) * time.Second)
}

func (c *Client) clearLocked() {
	c.access = ""
	c.refresh = ""
	c.accessExp = time.Time{}
}

// postJSON posts a body and decodes the response into out when provided.
// The error code field is captured separately so failures can be named.
func (c *Client) postJSON(ctx context.Context, path string, body any, out *authPayload) (int, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if out != nil {
		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return resp.StatusCode, fmt.Errorf("read response: %w", err)
		}
		out.raw = raw
		if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated {
			if err := json.Unmarshal(raw, out); err != nil {
				return resp.StatusCode, fmt.Errorf("decode response: %w", err)
			}
		}
	} else {
		io.Copy(io.Discard, resp.Body)
	}
	return resp.StatusCode, nil
}

func (p *authPayload) errCode() string {
	var e struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(p.raw, &e)
	return e.Error
}
