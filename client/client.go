package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"pkt.systems/pslog"

	"pkt.systems/txnd/api"
	"pkt.systems/txnd/internal/correlation"
	"pkt.systems/txnd/internal/loggingutil"
)

const (
	// DefaultHTTPTimeout bounds a single request unless overridden.
	DefaultHTTPTimeout = 2 * time.Minute
	// WaitForever asks Commit and Abort to wait until every participant has
	// been told.
	WaitForever time.Duration = -1
	defaultPort        = "9451"
	maxResponseBytes   = 1 << 20
)

// Participant identifies a participant to enlist.
type Participant = api.Participant

// Transaction is returned by Create and Renew.
type Transaction struct {
	ID           string
	LeaseExpires time.Time
}

// Client talks to one or more txnd endpoints. Requests go to the last
// endpoint that answered and fail over to the others on transport errors.
type Client struct {
	endpoints   []string
	httpClient  *http.Client
	httpTimeout time.Duration
	tracing     bool
	logger      pslog.Logger

	mu   sync.Mutex
	last int
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient supplies a custom HTTP client/transport stack.
func WithHTTPClient(cli *http.Client) Option {
	return func(c *Client) {
		if cli != nil {
			c.httpClient = cli
		}
	}
}

// WithHTTPTimeout bounds each request. Commit and Abort calls add their wait
// budget on top.
func WithHTTPTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpTimeout = d
		}
	}
}

// WithLogger supplies a logger for client diagnostics.
// Passing nil falls back to pslog.NoopLogger().
func WithLogger(logger pslog.Logger) Option {
	return func(c *Client) {
		c.logger = loggingutil.WithSubsystem(logger, "client.sdk")
	}
}

// WithTracing wraps the transport in otelhttp.
func WithTracing(enabled bool) Option {
	return func(c *Client) {
		c.tracing = enabled
	}
}

// New returns a client for a single endpoint.
func New(endpoint string, opts ...Option) (*Client, error) {
	return NewWithEndpoints([]string{endpoint}, opts...)
}

// NewWithEndpoints returns a client that fails over across endpoints.
func NewWithEndpoints(endpoints []string, opts ...Option) (*Client, error) {
	normalized, err := ParseEndpoints(strings.Join(endpoints, ","))
	if err != nil {
		return nil, err
	}
	c := &Client{
		endpoints:   normalized,
		httpTimeout: DefaultHTTPTimeout,
		logger:      pslog.NoopLogger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.httpClient == nil {
		var base http.RoundTripper = http.DefaultTransport
		if c.tracing {
			base = otelhttp.NewTransport(base)
		}
		c.httpClient = &http.Client{Transport: correlation.Transport{Base: base}}
	}
	return c, nil
}

// ParseEndpoints splits a comma separated endpoint list. Bare host:port
// entries are read as http URLs.
func ParseEndpoints(raw string) ([]string, error) {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		ep, err := normalizeEndpoint(part)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	if len(out) == 0 {
		return nil, errors.New("txnd client: at least one endpoint required")
	}
	return out, nil
}

func normalizeEndpoint(raw string) (string, error) {
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("txnd client: endpoint %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("txnd client: endpoint %q: unsupported scheme %q", raw, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("txnd client: endpoint %q: missing host", raw)
	}
	if u.Port() == "" {
		u.Host = net.JoinHostPort(u.Hostname(), defaultPort)
	}
	return strings.TrimRight(u.Scheme+"://"+u.Host+u.Path, "/"), nil
}

// Endpoints returns the configured endpoints.
func (c *Client) Endpoints() []string {
	return append([]string(nil), c.endpoints...)
}

// Create starts a transaction. A zero leaseDuration takes the server default.
func (c *Client) Create(ctx context.Context, leaseDuration time.Duration) (Transaction, error) {
	var resp api.CreateResponse
	if err := c.post(ctx, "/v1/txn/create", api.CreateRequest{LeaseMillis: leaseDuration.Milliseconds()}, &resp, 0); err != nil {
		return Transaction{}, err
	}
	return Transaction{ID: resp.TxnID, LeaseExpires: time.UnixMilli(resp.LeaseExpiresAtUnixMillis)}, nil
}

// Join enlists p in txnID.
func (c *Client) Join(ctx context.Context, txnID string, p Participant, crashCount int64) error {
	return c.post(ctx, "/v1/txn/join", api.JoinRequest{TxnID: txnID, Participant: p, CrashCount: crashCount}, nil, 0)
}

// State returns ACTIVE, VOTING, COMMITTED or ABORTED.
func (c *Client) State(ctx context.Context, txnID string) (string, error) {
	var resp api.StateResponse
	if err := c.post(ctx, "/v1/txn/state", api.TxnRequest{TxnID: txnID}, &resp, 0); err != nil {
		return "", err
	}
	return resp.State, nil
}

// Commit commits txnID, waiting up to wait for participants. When the wait
// runs out the error satisfies IsTimeout.
func (c *Client) Commit(ctx context.Context, txnID string, wait time.Duration) (string, error) {
	return c.complete(ctx, "/v1/txn/commit", txnID, wait)
}

// Abort aborts txnID, waiting up to wait for participants.
func (c *Client) Abort(ctx context.Context, txnID string, wait time.Duration) (string, error) {
	return c.complete(ctx, "/v1/txn/abort", txnID, wait)
}

// Renew extends the lease of txnID.
func (c *Client) Renew(ctx context.Context, txnID string, extension time.Duration) (Transaction, error) {
	var resp api.RenewResponse
	if err := c.post(ctx, "/v1/txn/renew", api.RenewRequest{TxnID: txnID, ExtensionMillis: extension.Milliseconds()}, &resp, 0); err != nil {
		return Transaction{}, err
	}
	return Transaction{ID: resp.TxnID, LeaseExpires: time.UnixMilli(resp.LeaseExpiresAtUnixMillis)}, nil
}

// Cancel gives up the lease of txnID, which aborts it.
func (c *Client) Cancel(ctx context.Context, txnID string) (string, error) {
	var resp api.StateResponse
	if err := c.post(ctx, "/v1/txn/cancel", api.TxnRequest{TxnID: txnID}, &resp, 0); err != nil {
		return "", err
	}
	return resp.State, nil
}

// Health fetches /healthz.
func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	var resp api.HealthResponse
	err := c.do(ctx, http.MethodGet, "/healthz", nil, &resp, 0)
	return resp, err
}

func (c *Client) complete(ctx context.Context, path, txnID string, wait time.Duration) (string, error) {
	waitMillis := wait.Milliseconds()
	extra := wait
	if wait < 0 {
		waitMillis, extra = -1, -1
	}
	var resp api.StateResponse
	if err := c.post(ctx, path, api.CompleteRequest{TxnID: txnID, WaitMillis: waitMillis}, &resp, extra); err != nil {
		return "", err
	}
	return resp.State, nil
}

func (c *Client) post(ctx context.Context, path string, payload, out any, extra time.Duration) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, path, body, out, extra)
}

// do sends the request to each endpoint in turn until one answers. extra
// widens the per-request timeout; negative removes it.
func (c *Client) do(ctx context.Context, method, path string, body []byte, out any, extra time.Duration) error {
	start := c.start()
	var lastErr error
	for i := 0; i < len(c.endpoints); i++ {
		idx := (start + i) % len(c.endpoints)
		endpoint := c.endpoints[idx]
		status, data, err := c.attempt(ctx, method, endpoint+path, body, extra)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Debug("client.http.transport_error", "endpoint", endpoint, "path", path, "error", err)
			lastErr = err
			continue
		}
		c.remember(idx)
		c.logger.Trace("client.http.done", "endpoint", endpoint, "path", path, "status", status)
		if status != http.StatusOK {
			return decodeError(status, data)
		}
		if out == nil || len(bytes.TrimSpace(data)) == 0 {
			return nil
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("txnd client: decode %s: %w", path, err)
		}
		return nil
	}
	return fmt.Errorf("txnd client: all endpoints failed: %w", lastErr)
}

func (c *Client) attempt(ctx context.Context, method, target string, body []byte, extra time.Duration) (int, []byte, error) {
	reqCtx, cancel := c.requestContext(ctx, extra)
	defer cancel()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, target, reader)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, data, nil
}

func (c *Client) requestContext(ctx context.Context, extra time.Duration) (context.Context, context.CancelFunc) {
	if extra < 0 || c.httpTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.httpTimeout+extra)
}

func (c *Client) start() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func (c *Client) remember(idx int) {
	c.mu.Lock()
	c.last = idx
	c.mu.Unlock()
}

func decodeError(status int, data []byte) error {
	apiErr := &APIError{Status: status, Body: data}
	if len(data) > 0 {
		// leave Response empty on garbage, Body keeps it for diagnostics
		_ = json.Unmarshal(data, &apiErr.Response)
	}
	return apiErr
}
