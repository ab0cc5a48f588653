// Package recordstore is the client side of the escrow backend API.
//
// Every call resolves the caller's credential through a session gate, is
// guarded by a per-operation circuit breaker and is traced. Reads retry
// transient failures; writes never retry, so a failed action is re-invoked
// by the user rather than replayed behind their back.
package recordstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/propagation"

	"github.com/mbd888/escrowsync/internal/circuitbreaker"
	"github.com/mbd888/escrowsync/internal/retry"
	"github.com/mbd888/escrowsync/internal/session"
	"github.com/mbd888/escrowsync/internal/traces"
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 4 << 20

// Client talks to the escrow backend on behalf of one signed-in user.
type Client struct {
	baseURL    string
	gate       session.Gate
	httpClient *http.Client
	breaker    *circuitbreaker.Breaker
	logger     *slog.Logger
	attempts   int
	retryDelay time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithBreaker replaces the per-operation circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// WithReadRetry sets how many times reads are attempted and the first
// backoff delay.
func WithReadRetry(attempts int, delay time.Duration) Option {
	return func(c *Client) {
		c.attempts = attempts
		c.retryDelay = delay
	}
}

// New creates a client for the API at baseURL. An empty baseURL is not
// rejected here; every call then fails with ErrConfiguration.
func New(baseURL string, gate session.Gate, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		gate:       gate,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		breaker:    circuitbreaker.New(5, 30*time.Second),
		logger:     slog.Default(),
		attempts:   3,
		retryDelay: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Session returns the current session, mapping its absence onto
// ErrUnauthenticated.
func (c *Client) Session(ctx context.Context) (*session.Session, error) {
	if c.gate == nil {
		return nil, fmt.Errorf("%w: no session gate", ErrUnauthenticated)
	}
	s, err := c.gate.Current(ctx)
	if err != nil {
		if session.IsUnauthenticated(err) {
			return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
		}
		return nil, err
	}
	return s, nil
}

// read performs an idempotent request, retrying transient failures.
func (c *Client) read(ctx context.Context, op, method, path string, body, out interface{}) error {
	attempt := 0
	return retry.Do(ctx, c.attempts, c.retryDelay, func() error {
		if attempt > 0 {
			requestRetries.WithLabelValues(op).Inc()
		}
		attempt++
		err := c.do(ctx, op, method, path, body, out)
		if err == nil {
			return nil
		}
		if IsConfiguration(err) || IsUnauthenticated(err) ||
			errors.Is(err, circuitbreaker.ErrOpen) || ctx.Err() != nil {
			return retry.Permanent(err)
		}
		return retry.Classify(err)
	})
}

// do performs one request and decodes a 2xx JSON body into out.
func (c *Client) do(ctx context.Context, op, method, path string, body, out interface{}) (err error) {
	if c.baseURL == "" {
		return configError("API base URL is not set")
	}
	sess, err := c.Session(ctx)
	if err != nil {
		return err
	}

	ctx, span := traces.StartSpan(ctx, "recordstore."+op, traces.Operation(op))
	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues(op, outcome(err)).Observe(time.Since(start).Seconds())
		traces.End(span, err)
	}()

	return c.breaker.Do(op, func() error {
		return c.roundTrip(ctx, sess.Token, method, path, body, out)
	}, trips)
}

// trips reports whether err counts against the circuit: the backend was
// unreachable or failed, as opposed to answering with a client error.
func trips(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500
	}
	return !IsConfiguration(err) && !errors.Is(err, context.Canceled)
}

func (c *Client) roundTrip(ctx context.Context, token, method, path string, body, out interface{}) error {
	u, err := url.Parse(c.baseURL + path)
	if err != nil || u.Host == "" {
		return configError("invalid API URL %q", c.baseURL)
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	traces.Inject(ctx, propagation.HeaderCarrier(req.Header))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &transportError{err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &transportError{err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if len(bytes.TrimSpace(respBody)) > 0 && json.Unmarshal(respBody, apiErr) != nil {
			// An HTML error page from a proxy or a dev server.
			if resp.StatusCode < 500 && resp.StatusCode != http.StatusUnauthorized {
				return configError("%s %s returned a non-JSON %d response", method, path, resp.StatusCode)
			}
			apiErr.Message = ""
		}
		apiErr.Status = resp.StatusCode
		c.logger.Debug("backend rejected request",
			"method", method, "path", path, "status", resp.StatusCode, "error", apiErr.Code)
		return apiErr
	}

	if out == nil {
		return nil
	}
	if !json.Valid(respBody) {
		return configError("%s %s returned a non-JSON response", method, path)
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func escrowPath(id string, suffix ...string) string {
	p := "/v1/escrows/" + url.PathEscape(id)
	for _, s := range suffix {
		p += "/" + s
	}
	return p
}
