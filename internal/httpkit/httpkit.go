// Package httpkit provides shared HTTP client construction for all
// outbound calls in Quotient. It enforces consistent timeouts, connection
// pooling, a bounded outbound fan-out, and a single-retry policy for
// transient upstream failures.
package httpkit

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/creatorops/quotient/internal/buildinfo"
)

// Default timeouts and connection pool limits for the shared transport.
const (
	// DefaultDialTimeout is the maximum time to establish a TCP connection.
	DefaultDialTimeout = 10 * time.Second

	// DefaultKeepAlive is the interval between TCP keep-alive probes.
	DefaultKeepAlive = 30 * time.Second

	// DefaultTLSHandshakeTimeout is the maximum time for the TLS handshake.
	DefaultTLSHandshakeTimeout = 10 * time.Second

	// DefaultResponseHeader is the maximum time to wait for response headers
	// after a request is fully written.
	DefaultResponseHeader = 15 * time.Second

	// DefaultIdleConnTimeout is how long idle connections stay in the pool.
	DefaultIdleConnTimeout = 90 * time.Second

	// DefaultMaxIdleConns is the total number of idle connections across all hosts.
	DefaultMaxIdleConns = 20

	// DefaultMaxIdleConnsPerHost is the per-host idle connection limit.
	DefaultMaxIdleConnsPerHost = 5

	// DefaultRetryDelay is the fixed backoff before the single retry attempt.
	DefaultRetryDelay = 500 * time.Millisecond
)

// ClientOption configures a Client built by NewClient.
type ClientOption func(*clientConfig)

type clientConfig struct {
	timeout    time.Duration
	userAgent  string
	transport  *http.Transport
	retry      bool
	retryDelay time.Duration
	limiter    *semaphore.Weighted
	logger     *slog.Logger
}

// WithTimeout sets the overall request timeout on the http.Client.
// A zero value disables the timeout; callers then rely on context
// deadlines for timeout control.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) { c.timeout = d }
}

// WithUserAgent overrides the default User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(c *clientConfig) { c.userAgent = ua }
}

// WithTransport overrides the default shared transport.
// Use sparingly; the default transport handles connection pooling.
func WithTransport(t *http.Transport) ClientOption {
	return func(c *clientConfig) { c.transport = t }
}

// WithRetry enables a single retry on transient failures: connect-level
// errors and 5xx responses. The retry waits a short fixed delay and is
// only attempted when the request body can be rewound. Permanent
// failures (4xx, malformed responses) are never retried.
func WithRetry(delay time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.retry = true
		if delay > 0 {
			c.retryDelay = delay
		}
	}
}

// WithConcurrencyLimit bounds in-flight requests through this client
// using sem. Multiple clients may share one semaphore to enforce a
// process-wide outbound cap.
func WithConcurrencyLimit(sem *semaphore.Weighted) ClientOption {
	return func(c *clientConfig) { c.limiter = sem }
}

// WithLogger sets a logger for retry diagnostics.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *clientConfig) { c.logger = l }
}

// NewTransport creates an http.Transport with sensible defaults.
// This is the foundation for all outbound connections.
func NewTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   DefaultDialTimeout,
			KeepAlive: DefaultKeepAlive,
		}).DialContext,
		TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: DefaultResponseHeader,
		IdleConnTimeout:       DefaultIdleConnTimeout,
		MaxIdleConns:          DefaultMaxIdleConns,
		MaxIdleConnsPerHost:   DefaultMaxIdleConnsPerHost,
		ForceAttemptHTTP2:     true,
	}
}

// NewClient builds an *http.Client with the shared transport,
// User-Agent injection, and the configured retry/backpressure behavior.
func NewClient(opts ...ClientOption) *http.Client {
	cfg := &clientConfig{
		timeout:    30 * time.Second,
		userAgent:  buildinfo.UserAgent(),
		retryDelay: DefaultRetryDelay,
	}
	for _, o := range opts {
		o(cfg)
	}

	t := cfg.transport
	if t == nil {
		t = NewTransport()
	}

	var rt http.RoundTripper = &userAgentTransport{base: t, ua: cfg.userAgent}

	if cfg.retry {
		rt = &retryTransport{
			base:   rt,
			delay:  cfg.retryDelay,
			logger: cfg.logger,
		}
	}

	if cfg.limiter != nil {
		rt = &limitTransport{base: rt, sem: cfg.limiter}
	}

	return &http.Client{
		Timeout:   cfg.timeout,
		Transport: rt,
	}
}

// userAgentTransport injects the User-Agent header on every request
// unless one is already set.
type userAgentTransport struct {
	base http.RoundTripper
	ua   string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		// Clone the request to avoid mutating the original, per RoundTripper contract.
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.ua)
	}
	return t.base.RoundTrip(req)
}

// limitTransport acquires one semaphore slot for the duration of each
// round trip. When the cap is reached, requests queue until a slot frees
// or their context is cancelled.
type limitTransport struct {
	base http.RoundTripper
	sem  *semaphore.Weighted
}

func (t *limitTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.sem.Acquire(req.Context(), 1); err != nil {
		return nil, err
	}
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		t.sem.Release(1)
		return nil, err
	}
	resp.Body = &releaseOnClose{ReadCloser: resp.Body, sem: t.sem}
	return resp, nil
}

// releaseOnClose releases the semaphore slot when the response body is
// closed. Close is idempotent.
type releaseOnClose struct {
	io.ReadCloser
	sem      *semaphore.Weighted
	released bool
}

func (r *releaseOnClose) Close() error {
	if !r.released {
		r.released = true
		r.sem.Release(1)
	}
	return r.ReadCloser.Close()
}

// retryTransport retries a request exactly once after a fixed delay when
// the first attempt fails with a transient connection error or a 5xx
// response. Requests with a non-rewindable body are never retried.
type retryTransport struct {
	base   http.RoundTripper
	delay  time.Duration
	logger *slog.Logger
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if !shouldRetry(resp, err) {
		return resp, err
	}

	// A non-empty body needs GetBody to rewind for the second attempt.
	// http.NoBody is treated as empty (common for GET/HEAD/DELETE).
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		return resp, err
	}

	if t.logger != nil {
		t.logger.Debug("retrying request after transient failure",
			"method", req.Method,
			"url", req.URL.String(),
			"error", err,
			"status", statusOf(resp),
		)
	}

	// Consume the failed response so its connection returns to the pool.
	if resp != nil {
		DrainAndClose(resp.Body, 4096)
	}

	timer := time.NewTimer(t.delay)
	select {
	case <-req.Context().Done():
		timer.Stop()
		return nil, req.Context().Err()
	case <-timer.C:
	}

	// Clone the request to avoid mutating the original, per RoundTripper contract.
	retryReq := req.Clone(req.Context())
	if req.GetBody != nil {
		body, bodyErr := req.GetBody()
		if bodyErr != nil {
			return nil, fmt.Errorf("retry: rewind body: %w", bodyErr)
		}
		retryReq.Body = body
	}

	return t.base.RoundTrip(retryReq)
}

// shouldRetry reports whether the first attempt failed in a way that is
// safe and worthwhile to retry once: transient connect errors (which
// occur before any bytes reach the server) and 5xx responses.
func shouldRetry(resp *http.Response, err error) bool {
	if err != nil {
		return isTransientError(err)
	}
	return resp != nil && resp.StatusCode >= 500
}

func statusOf(resp *http.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}

// isTransientError returns true for connection-level errors that occur
// before the server processes the request. ECONNRESET is intentionally
// excluded: it can happen after the server has received the request,
// risking duplicate side effects on retry.
func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.EHOSTUNREACH,
			syscall.ENETUNREACH,
			syscall.ECONNREFUSED:
			return true
		}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if errors.As(opErr.Err, &errno) {
			switch errno {
			case syscall.EHOSTUNREACH, syscall.ENETUNREACH,
				syscall.ECONNREFUSED:
				return true
			}
		}
	}

	return false
}

// DrainAndClose reads up to limit bytes from rc and closes it.
// Use to ensure HTTP connections are returned to the pool.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	rc.Close()
}

// ReadErrorBody reads up to limit bytes from rc for error messages,
// then drains and closes the remainder to allow connection reuse.
// Returns an empty string if rc is nil.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	// Drain remainder so the connection can be reused, then close.
	DrainAndClose(rc, 1024)
	if err != nil {
		return fmt.Sprintf("(failed to read error body: %v)", err)
	}
	return string(body)
}
