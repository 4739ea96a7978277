// Package httpkit builds the HTTP client the CLI uses to query a running
// bambu serve instance.
package httpkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/nugget/bambu-mqtt/internal/buildinfo"
)

const (
	DefaultTimeout     = 10 * time.Second
	DefaultDialTimeout = 5 * time.Second

	errorBodyLimit = 4096
)

// ClientOption configures a Client built by NewClient.
type ClientOption func(*clientConfig)

type clientConfig struct {
	timeout    time.Duration
	userAgent  string
	retryCount int
	retryDelay time.Duration
	logger     *slog.Logger
}

// WithTimeout sets the overall request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) { c.timeout = d }
}

// WithUserAgent overrides the default User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(c *clientConfig) { c.userAgent = ua }
}

// WithRetry retries requests that fail to connect, which happens while a
// serve process is restarting.
func WithRetry(count int, delay time.Duration, logger *slog.Logger) ClientOption {
	return func(c *clientConfig) {
		c.retryCount = count
		c.retryDelay = delay
		c.logger = logger
	}
}

// NewClient returns an *http.Client with short LAN-oriented timeouts.
func NewClient(opts ...ClientOption) *http.Client {
	cfg := &clientConfig{
		timeout:   DefaultTimeout,
		userAgent: buildinfo.UserAgent(),
	}
	for _, o := range opts {
		o(cfg)
	}

	var rt http.RoundTripper = &userAgentTransport{
		base: &http.Transport{
			DialContext:           (&net.Dialer{Timeout: DefaultDialTimeout}).DialContext,
			ResponseHeaderTimeout: cfg.timeout,
			MaxIdleConns:          2,
			IdleConnTimeout:       30 * time.Second,
		},
		ua: cfg.userAgent,
	}
	if cfg.retryCount > 0 {
		rt = &retryTransport{base: rt, count: cfg.retryCount, delay: cfg.retryDelay, logger: cfg.logger}
	}

	return &http.Client{Timeout: cfg.timeout, Transport: rt}
}

// GetJSON fetches url and decodes the body into v. Non-2xx responses are
// returned as errors carrying the status and a prefix of the body; the
// body is still decoded into v when it is JSON so callers can inspect
// degraded health reports.
func GetJSON(ctx context.Context, client *http.Client, url string, v any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer DrainAndClose(resp.Body, errorBodyLimit)

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read %s: %w", url, err)
	}
	decodeErr := json.Unmarshal(body, v)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := string(body[:min(len(body), errorBodyLimit)])
		return resp.StatusCode, fmt.Errorf("GET %s: %s: %s", url, resp.Status, snippet)
	}
	if decodeErr != nil {
		return resp.StatusCode, fmt.Errorf("decode %s: %w", url, decodeErr)
	}
	return resp.StatusCode, nil
}

// userAgentTransport sets User-Agent on requests that do not carry one.
type userAgentTransport struct {
	base http.RoundTripper
	ua   string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.ua)
	}
	return t.base.RoundTrip(req)
}

// DrainAndClose reads up to limit bytes from rc and closes it so the
// connection returns to the pool.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	rc.Close()
}

// retryTransport repeats body-less requests that failed before reaching
// the server.
type retryTransport struct {
	base   http.RoundTripper
	count  int
	delay  time.Duration
	logger *slog.Logger
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if req.Body != nil && req.Body != http.NoBody {
		return resp, err
	}

	for attempt := 1; attempt <= t.count && isRetryableError(err); attempt++ {
		if t.logger != nil {
			t.logger.Debug("retrying request after connect error",
				"url", req.URL.String(), "attempt", attempt, "error", err)
		}

		timer := time.NewTimer(t.delay)
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		case <-timer.C:
		}

		resp, err = t.base.RoundTrip(req.Clone(req.Context()))
	}
	return resp, err
}

// isRetryableError reports dial failures that happen before any bytes
// reach the server.
func isRetryableError(err error) bool {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return false
	}
	switch errno {
	case syscall.ECONNREFUSED, syscall.EHOSTUNREACH, syscall.ENETUNREACH:
		return true
	}
	return false
}
