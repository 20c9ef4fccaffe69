package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// maxRedirects bounds how many redirects StdClient follows.
const maxRedirects = 10

// Response is what an HTTPClient returns. The caller closes Body.
type Response struct {
	StatusCode int
	Header     http.Header
	// ContentLength is -1 when unknown.
	ContentLength int64
	Body          io.ReadCloser
}

// HTTPClient performs GET requests for network sources. Implementations
// follow redirects themselves.
type HTTPClient interface {
	Do(ctx context.Context, url string, headers map[string]string) (*Response, error)
}

// StdClient is an HTTPClient over net/http.
type StdClient struct {
	client    *http.Client
	userAgent string
}

// NewStdClient returns a client with the given overall timeout. It follows
// 301, 302, 303, 307 and 308 redirects, at most 10 in a row.
func NewStdClient(timeout time.Duration, userAgent string) *StdClient {
	return &StdClient{
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
		userAgent: userAgent,
	}
}

func (c *StdClient) Do(ctx context.Context, url string, headers map[string]string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	return &Response{
		StatusCode:    resp.StatusCode,
		Header:        resp.Header,
		ContentLength: resp.ContentLength,
		Body:          resp.Body,
	}, nil
}

// RetryClient retries another client with exponential backoff on network
// errors and 5xx responses. Other responses are returned as they are.
type RetryClient struct {
	next       HTTPClient
	maxRetries uint64
	initial    time.Duration
	logger     *slog.Logger
}

// NewRetryClient wraps next. maxRetries counts retries after the first try.
func NewRetryClient(next HTTPClient, maxRetries int, initial time.Duration, logger *slog.Logger) *RetryClient {
	if logger == nil {
		logger = slog.Default()
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &RetryClient{next: next, maxRetries: uint64(maxRetries), initial: initial, logger: logger}
}

// errServer marks a 5xx response so it is retried.
type errServer struct{ status int }

func (e errServer) Error() string { return fmt.Sprintf("server responded %d", e.status) }

func (c *RetryClient) Do(ctx context.Context, url string, headers map[string]string) (*Response, error) {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(c.initial),
		backoff.WithMaxElapsedTime(0),
	)
	policy := backoff.WithContext(backoff.WithMaxRetries(b, c.maxRetries), ctx)

	attempt := 0
	op := func() (*Response, error) {
		attempt++
		resp, err := c.next.Do(ctx, url, headers)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		if resp.StatusCode >= 500 {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			_ = resp.Body.Close()
			return nil, errServer{resp.StatusCode}
		}
		return resp, nil
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Debug("retrying fetch",
			"url", url,
			"attempt", attempt,
			"wait", wait,
			"error", err)
	}
	return backoff.RetryNotifyWithData(op, policy, notify)
}

// isTimeout reports whether err is a network timeout.
func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
