package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// ACL is the daemon's current allow-list.
type ACL struct {
	Entries  []string  `json:"entries"`
	CID      string    `json:"cid"`
	LoadedAt time.Time `json:"loaded_at"`
}

// ActionResult identifies an anchored audit record.
type ActionResult struct {
	TxHash string `json:"tx_hash"`
	CID    string `json:"cid"`
}

// DatalogEntry is one datalog item of an account.
type DatalogEntry struct {
	Index     uint64    `json:"index"`
	Timestamp time.Time `json:"timestamp"`
	Payload   string    `json:"payload"`
}

// Health is the daemon's readiness report.
type Health struct {
	Status       string `json:"status"`
	PolicyLoaded bool   `json:"policy_loaded"`
	Ledger       string `json:"ledger"`
	ContentStore string `json:"content_store"`
}

// APIError is a non-2xx answer from the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("twinguard: %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

// Client is the device API entry point.
type Client struct {
	base        string
	httpClient  *http.Client
	bearerToken string
	cache       *checkCache
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithBearerToken attaches token to every request.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		return nil
	}
}

// WithCacheTTL caches Check answers for ttl.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Client) error {
		if ttl <= 0 {
			return fmt.Errorf("cache TTL must be positive")
		}
		c.cache = newCheckCache(ttl)
		return nil
	}
}

// New creates a Client for the daemon at base.
func New(base string, opts ...Option) (*Client, error) {
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error.
func MustNew(base string, opts ...Option) *Client {
	c, err := New(base, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// ACL returns the current allow-list.
func (c *Client) ACL(ctx context.Context) (*ACL, error) {
	var out ACL
	if err := c.call(ctx, http.MethodGet, "/api/v1/acl", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Check reports whether identity is on the allow-list.
func (c *Client) Check(ctx context.Context, identity string) (bool, error) {
	if c.cache != nil {
		if allowed, ok := c.cache.get(identity); ok {
			return allowed, nil
		}
	}
	var out struct {
		Allowed bool `json:"allowed"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v1/acl/"+url.PathEscape(identity), nil, &out); err != nil {
		return false, err
	}
	if c.cache != nil {
		c.cache.set(identity, out.Allowed)
	}
	return out.Allowed, nil
}

// Refresh asks the daemon to reload its allow-list now.
func (c *Client) Refresh(ctx context.Context) (bool, error) {
	var out struct {
		Swapped bool `json:"swapped"`
	}
	if err := c.call(ctx, http.MethodPost, "/api/v1/acl/refresh", nil, &out); err != nil {
		return false, err
	}
	if c.cache != nil {
		c.cache.clear()
	}
	return out.Swapped, nil
}

// LogAction records action with status in the device's audit trail.
func (c *Client) LogAction(ctx context.Context, action, status string) (*ActionResult, error) {
	body := map[string]string{"action": action, "status": status}
	var out ActionResult
	if err := c.call(ctx, http.MethodPost, "/api/v1/actions", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// LatestDatalog returns the newest datalog entry of address.
func (c *Client) LatestDatalog(ctx context.Context, address string) (*DatalogEntry, error) {
	var out DatalogEntry
	if err := c.call(ctx, http.MethodGet, "/api/v1/datalog/"+url.PathEscape(address)+"/latest", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health returns the readiness report. A 503 answer still decodes.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/healthz", nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	status, body, err := c.doStatusBody(req)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK && status != http.StatusServiceUnavailable {
		return nil, &APIError{StatusCode: status, Message: errorMessage(body)}
	}
	var out Health
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode health: %w", err)
	}
	return &out, nil
}

func (c *Client) call(ctx context.Context, method, path string, reqBody, respBody any) error {
	var rdr io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	status, body, err := c.doStatusBody(req)
	if err != nil {
		return err
	}
	if status >= 300 {
		return &APIError{StatusCode: status, Message: errorMessage(body)}
	}
	if respBody != nil {
		if err := json.Unmarshal(body, respBody); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// doStatusBody returns (statusCode, body, error) without failing on 4xx
// responses. The caller interprets the status code.
func (c *Client) doStatusBody(req *http.Request) (int, []byte, error) {
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func errorMessage(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(body))
}

// ── Check cache ──────────────────────────────────────────────────────────

type cacheEntry struct {
	allowed   bool
	expiresAt time.Time
}

type checkCache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttl     time.Duration
}

func newCheckCache(ttl time.Duration) *checkCache {
	return &checkCache{entries: make(map[string]cacheEntry), ttl: ttl}
}

func (cc *checkCache) get(identity string) (bool, bool) {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	e, ok := cc.entries[identity]
	if !ok || time.Now().After(e.expiresAt) {
		return false, false
	}
	return e.allowed, true
}

func (cc *checkCache) set(identity string, allowed bool) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.entries[identity] = cacheEntry{allowed: allowed, expiresAt: time.Now().Add(cc.ttl)}
}

func (cc *checkCache) clear() {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	clear(cc.entries)
}
