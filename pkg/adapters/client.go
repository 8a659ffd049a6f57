// Package adapters holds the HTTP clients for the substrate's upstream
// control-plane services. All adapters share one resilient base client
// with retries, a circuit breaker, and trace header injection. Adapters
// are only exercised at bootstrap and from the background drain; they
// are never on the gated-action request path.
package adapters

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultTimeout    = 30 * time.Second
	connectTimeout    = 5 * time.Second
	defaultMaxRetries = 3

	// Error strings returned to callers are capped so upstream bodies
	// cannot flood logs or receipts.
	maxErrorLen = 256
)

// Client is the shared resilient HTTP client under every adapter.
type Client struct {
	httpClient *http.Client
	baseURL    string
	maxRetries int
	breaker    *CircuitBreaker
	apiKey     string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithTimeout overrides the overall request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithMaxRetries overrides the retry budget.
func WithMaxRetries(n int) ClientOption {
	return func(c *Client) { c.maxRetries = n }
}

// WithAPIKey sets a bearer token sent on every request.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithBreaker replaces the default circuit breaker.
func WithBreaker(b *CircuitBreaker) ClientOption {
	return func(c *Client) { c.breaker = b }
}

// NewClient creates a resilient client rooted at baseURL.
func NewClient(name, baseURL string, opts ...ClientOption) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: connectTimeout,
		}).DialContext,
		MaxIdleConnsPerHost: 4,
	}
	c := &Client{
		httpClient: &http.Client{
			Timeout:   defaultTimeout,
			Transport: transport,
		},
		baseURL:    baseURL,
		maxRetries: defaultMaxRetries,
		breaker:    NewCircuitBreaker(name, 5, 10*time.Second),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PostJSON issues a POST with a JSON body and decodes the JSON response
// into out (which may be nil). Non-2xx responses are returned as
// *StatusError.
func (c *Client) PostJSON(ctx context.Context, path string, body, out any) error {
	var payload io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		payload = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, payload)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

// GetJSON issues a GET and decodes the JSON response into out.
func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return c.do(req, out)
}

// Close releases idle connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

// StatusError carries a non-2xx upstream response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Body)
}

func (c *Client) do(req *http.Request, out any) error {
	c.injectHeaders(req)

	if !c.breaker.Allow() {
		return fmt.Errorf("circuit breaker open for %s", c.breaker.name)
	}

	var body []byte
	err := c.retry(req, func(resp *http.Response) error {
		defer resp.Body.Close()
		data, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if readErr != nil {
			return fmt.Errorf("read response: %w", readErr)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(data))}
		}
		body = data
		return nil
	})
	if err != nil {
		// A 4xx means the upstream answered; only transport errors and
		// 5xx count toward opening the circuit.
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode < 500 {
			c.breaker.Success()
		} else {
			c.breaker.Failure()
		}
		return err
	}
	c.breaker.Success()

	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// retry runs the request with exponential backoff and jitter. 5xx
// responses and transport errors are retried; 4xx responses are not.
func (c *Client) retry(req *http.Request, handle func(*http.Response) error) error {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return fmt.Errorf("rewind request body: %w", err)
			}
			req.Body = body
		}
		resp, err := c.httpClient.Do(req)
		if err == nil {
			if resp.StatusCode < 500 {
				return handle(resp)
			}
			lastErr = handle(resp)
		} else {
			lastErr = fmt.Errorf("request failed: %s", truncate(err.Error()))
		}

		if attempt == c.maxRetries {
			break
		}
		backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
		jitter := time.Duration(0)
		if n, err := rand.Int(rand.Reader, big.NewInt(50)); err == nil {
			jitter = time.Duration(n.Int64()) * time.Millisecond
		}
		select {
		case <-req.Context().Done():
			return req.Context().Err()
		case <-time.After(backoff + jitter):
		}
	}
	return lastErr
}

func (c *Client) injectHeaders(req *http.Request) {
	var traceBytes [16]byte
	traceID := ""
	if _, err := rand.Read(traceBytes[:]); err == nil {
		traceID = hex.EncodeToString(traceBytes[:])
	} else {
		traceID = fmt.Sprintf("%032x", time.Now().UnixNano())
	}
	req.Header.Set("traceparent", fmt.Sprintf("00-%s-0000000000000001-01", traceID))
	req.Header.Set("X-Correlation-ID", uuid.NewString())
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func truncate(s string) string {
	if len(s) > maxErrorLen {
		return s[:maxErrorLen] + "..."
	}
	return s
}

// CircuitBreaker is a small failure-detection state machine shared by
// the adapter clients.
type CircuitBreaker struct {
	mu           sync.Mutex
	name         string
	failureCount int
	threshold    int
	lastFailure  time.Time
	resetTimeout time.Duration
	state        string // "CLOSED", "OPEN", "HALF_OPEN"
}

// NewCircuitBreaker creates a closed breaker that opens after threshold
// consecutive failures and half-opens after timeout.
func NewCircuitBreaker(name string, threshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:         name,
		threshold:    threshold,
		resetTimeout: timeout,
		state:        "CLOSED",
	}
}

func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == "OPEN" {
		if time.Since(cb.lastFailure) > cb.resetTimeout {
			cb.state = "HALF_OPEN"
			return true
		}
		return false
	}
	return true
}

func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == "HALF_OPEN" {
		cb.state = "CLOSED"
	}
	cb.failureCount = 0
}

func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailure = time.Now()
	if cb.failureCount >= cb.threshold {
		cb.state = "OPEN"
	}
}
