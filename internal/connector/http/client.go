package http

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

// Options configures a Client.
type Options struct {
	BaseURL string
	// User enables basic auth when set.
	User     string
	Password string

	Timeout   time.Duration
	Retries   int
	RetryWait time.Duration

	// RatePerSecond and Burst bound the request rate of one connector.
	RatePerSecond float64
	Burst         int

	// Transport overrides the HTTP transport (tests).
	Transport http.RoundTripper
}

// DefaultOptions suits a SQL-over-HTTP broker.
func DefaultOptions() Options {
	return Options{
		Timeout:       30 * time.Second,
		Retries:       3,
		RetryWait:     100 * time.Millisecond,
		RatePerSecond: 10,
		Burst:         5,
	}
}

// Client is a rate-limited HTTP client. Transport failures, 429 and 5xx
// answers are retried with exponential backoff.
type Client struct {
	rc      *resty.Client
	limiter *rate.Limiter
}

// New creates a client, filling unset options from DefaultOptions.
func New(opts Options) *Client {
	def := DefaultOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	} else if opts.Retries == 0 {
		opts.Retries = def.Retries
	}
	if opts.RetryWait <= 0 {
		opts.RetryWait = def.RetryWait
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = def.RatePerSecond
	}
	if opts.Burst <= 0 {
		opts.Burst = def.Burst
	}

	c := &Client{limiter: rate.NewLimiter(rate.Limit(opts.RatePerSecond), opts.Burst)}
	c.rc = resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(opts.Timeout).
		SetHeader("User-Agent", "collector/1.0").
		SetRetryCount(opts.Retries).
		SetRetryWaitTime(opts.RetryWait).
		SetRetryMaxWaitTime(16 * opts.RetryWait).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= http.StatusInternalServerError
		}).
		// every attempt, retries included, waits for a token
		OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
			return c.limiter.Wait(r.Context())
		})
	if opts.User != "" {
		c.rc.SetBasicAuth(opts.User, opts.Password)
	}
	if opts.Transport != nil {
		c.rc.SetTransport(opts.Transport)
	}
	return c
}

// Get issues a GET and returns the body of a 2xx answer.
func (c *Client) Get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	resp, err := c.rc.R().
		SetContext(ctx).
		SetQueryParamsFromValues(query).
		Get(path)
	return body(resp, err)
}

// PostJSON posts payload as JSON and returns the body of a 2xx answer.
func (c *Client) PostJSON(ctx context.Context, path string, payload any) ([]byte, error) {
	resp, err := c.rc.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		Post(path)
	return body(resp, err)
}

func body(resp *resty.Response, err error) ([]byte, error) {
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	if resp.IsError() {
		return nil, &StatusError{Status: resp.StatusCode(), Body: truncate(resp.String(), 512)}
	}
	return resp.Body(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
