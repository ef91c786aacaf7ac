package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/veritas-labs/veritas/pkg/robusthttp"

	"github.com/carlmjohnson/versioninfo"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// Classifier backed by an OpenAI-compatible chat completions endpoint (Groq, OpenAI, vLLM, etc).
type ChatClassifier struct {
	Config  Config
	Client  *http.Client
	Logger  *slog.Logger
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

var _ Classifier = (*ChatClassifier)(nil)

// schema: https://platform.openai.com/docs/api-reference/chat/create
type chatRequest struct {
	Model               string        `json:"model"`
	Messages            []chatMessage `json:"messages"`
	Temperature         float64       `json:"temperature"`
	TopP                float64       `json:"top_p"`
	MaxCompletionTokens int           `json:"max_completion_tokens"`
	Stream              bool          `json:"stream"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func NewChatClassifier(cfg Config, logger *slog.Logger) *ChatClassifier {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "classifier")
	c := &ChatClassifier{
		Config: cfg,
		// at most one retry; the overall bound comes from the per-call context
		Client: robusthttp.NewClient(
			robusthttp.WithMaxRetries(1),
			robusthttp.WithTimeout(cfg.Timeout),
			robusthttp.WithLogger(logger),
		),
		Logger: logger,
	}
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "classifier",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("classifier circuit breaker state change", "from", from.String(), "to", to.String())
			if to == gobreaker.StateOpen {
				classifierBreakerState.Set(1)
			} else {
				classifierBreakerState.Set(0)
			}
		},
	})
	if cfg.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(1, int(cfg.RateLimit)))
	}
	return c
}

func (c *ChatClassifier) Classify(ctx context.Context, req Request) (*Verdict, error) {
	ctx, span := otel.Tracer("classifier").Start(ctx, "Classify",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("model", c.Config.Model)),
	)
	defer span.End()

	start := time.Now()
	v, err := c.classify(ctx, req)
	result := resultLabel(err)
	classifierCalls.WithLabelValues(result).Inc()
	classifierDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		c.Logger.Warn("classification failed", "result", result, "err", err)
	}
	return v, err
}

func (c *ChatClassifier) classify(ctx context.Context, req Request) (*Verdict, error) {
	if c.Config.URL == "" || c.Config.APIKey == "" {
		return nil, ErrNotConfigured
	}
	if c.Config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Config.Timeout)
		defer cancel()
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRateLimited, err)
		}
	}

	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.complete(ctx, BuildPrompt(req, c.Config.TitleChars, c.Config.ContentChars))
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %v", ErrBreakerOpen, err)
	}
	if err != nil {
		// a body which arrived but wasn't a valid envelope is still kept
		var re *rawError
		if errors.As(err, &re) {
			return &Verdict{RawResponse: re.raw}, err
		}
		return nil, err
	}
	// a model answer that doesn't parse is not an upstream failure, so it doesn't trip the breaker
	return ParseVerdict(out.(string))
}

type rawError struct {
	raw string
	err error
}

func (e *rawError) Error() string { return e.err.Error() }
func (e *rawError) Unwrap() error { return e.err }

// Returns the model's message text.
func (c *ChatClassifier) complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:               c.Config.Model,
		Messages:            []chatMessage{{Role: "user", Content: prompt}},
		Temperature:         0,
		TopP:                1,
		MaxCompletionTokens: c.Config.MaxTokens,
		Stream:              false,
	})
	if err != nil {
		return "", err
	}

	u := strings.TrimSuffix(c.Config.URL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, "POST", u, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.Config.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", "veritas-moderator/"+versioninfo.Short())

	resp, err := c.Client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("classifier request: %w", err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("reading classifier response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &rawError{raw: string(respBytes), err: fmt.Errorf("classifier API request failed statusCode=%d", resp.StatusCode)}
	}

	var cr chatResponse
	if err := json.Unmarshal(respBytes, &cr); err != nil {
		return "", &rawError{raw: string(respBytes), err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}
	if len(cr.Choices) == 0 {
		return "", &rawError{raw: string(respBytes), err: fmt.Errorf("%w: no choices", ErrMalformed)}
	}
	return cr.Choices[0].Message.Content, nil
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrBreakerOpen):
		return "breaker_open"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	case errors.Is(err, ErrNotConfigured):
		return "not_configured"
	default:
		return "error"
	}
}
