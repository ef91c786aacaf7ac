package robusthttp

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type LeveledSlog struct {
	inner *slog.Logger
}

// re-writes HTTP client ERROR to WARN level (because of retries)
func (l LeveledSlog) Error(msg string, keysAndValues ...any) {
	l.inner.Warn(msg, keysAndValues...)
}

func (l LeveledSlog) Warn(msg string, keysAndValues ...any) {
	l.inner.Warn(msg, keysAndValues...)
}

func (l LeveledSlog) Info(msg string, keysAndValues ...any) {
	l.inner.Info(msg, keysAndValues...)
}

func (l LeveledSlog) Debug(msg string, keysAndValues ...any) {
	l.inner.Debug(msg, keysAndValues...)
}

type options struct {
	timeout time.Duration
}

type Option func(*retryablehttp.Client, *options)

// WithMaxRetries sets the maximum number of retries (not counting the first attempt).
func WithMaxRetries(maxRetries int) Option {
	return func(client *retryablehttp.Client, _ *options) {
		client.RetryMax = maxRetries
	}
}

func WithRetryWait(waitMin, waitMax time.Duration) Option {
	return func(client *retryablehttp.Client, _ *options) {
		client.RetryWaitMin = waitMin
		client.RetryWaitMax = waitMax
	}
}

// WithTimeout bounds the whole request, including any retries.
func WithTimeout(timeout time.Duration) Option {
	return func(_ *retryablehttp.Client, o *options) {
		o.timeout = timeout
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(client *retryablehttp.Client, _ *options) {
		client.Logger = retryablehttp.LeveledLogger(LeveledSlog{inner: logger})
	}
}

func WithTransport(transport http.RoundTripper) Option {
	return func(client *retryablehttp.Client, _ *options) {
		client.HTTPClient.Transport = transport
	}
}

// Generates an HTTP client for calls to external services made from the moderation hot path. The returned client has the stdlib http.Client interface, but has Hashicorp retryablehttp logic internally.
//
// Defaults are deliberately tight: a single retry on connection errors and 5xx status (except 501), short waits, and a 30 second overall timeout. Callers are expected to also bound each call with a context deadline.
func NewClient(opts ...Option) *http.Client {
	logger := LeveledSlog{inner: slog.Default().With("subsystem", "robusthttp")}
	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient.Transport = otelhttp.NewTransport(cleanhttp.DefaultPooledTransport())
	retryClient.RetryMax = 1
	retryClient.RetryWaitMin = 200 * time.Millisecond
	retryClient.RetryWaitMax = 2 * time.Second
	retryClient.Logger = retryablehttp.LeveledLogger(logger)
	retryClient.CheckRetry = DefaultRetryPolicy

	o := options{timeout: 30 * time.Second}
	for _, opt := range opts {
		opt(retryClient, &o)
	}

	client := retryClient.StandardClient()
	client.Timeout = o.timeout
	return client
}

// DefaultRetryPolicy is a wrapper around retryablehttp.DefaultRetryPolicy which treats `429 Too Many Requests` as non-retryable, so the caller can decide how to deal with rate-limiting (eg, by failing safe).
func DefaultRetryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if err == nil && resp.StatusCode == http.StatusTooManyRequests {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}
