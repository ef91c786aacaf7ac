// Adapter for an external language-model content classifier.
//
// The classifier is consulted only when no rule and no cached block applied. Its output is advisory: Decide turns a Verdict (or a failure to get one) into an outcome, and any failure, low-confidence or otherwise ambiguous result becomes "review". The classifier never causes an "allow" on its own failure.
package classifier

import (
	"context"
	"errors"
	"time"

	"github.com/veritas-labs/veritas/models"
)

// Reason recorded when no usable verdict could be obtained.
const ReasonUnavailable = "classification unavailable"

var (
	ErrNotConfigured = errors.New("classifier not configured")
	ErrMalformed     = errors.New("malformed classifier response")
	ErrBreakerOpen   = errors.New("classifier circuit breaker open")
	ErrRateLimited   = errors.New("classifier rate limit exceeded")
)

type Request struct {
	Title   string
	Content string
	URL     string
}

// Parsed classifier output. RawResponse is the model's text (or the raw HTTP body, when the envelope could not be parsed), and is retained even when parsing the verdict failed.
type Verdict struct {
	Allowed     bool
	Categories  models.Categories
	Reason      string
	Confidence  *float64
	RawResponse string
}

type Classifier interface {
	// On failure, the returned Verdict may still be non-nil and carry RawResponse.
	Classify(ctx context.Context, req Request) (*Verdict, error)
}

type Config struct {
	// Base of an OpenAI-compatible API, eg "https://api.groq.com/openai/v1"
	URL    string
	APIKey string
	Model  string
	// Bound on a single classification, including the one allowed retry.
	Timeout time.Duration
	// Excerpt limits, in runes.
	TitleChars   int
	ContentChars int
	MaxTokens    int
	// Consecutive failures before the breaker opens, and how long it stays open.
	BreakerFailures uint32
	BreakerCooldown time.Duration
	// Outbound requests per second; zero means unlimited. Calls which can't get a slot before their timeout fail.
	RateLimit float64
}

func DefaultConfig() Config {
	return Config{
		URL:             "https://api.groq.com/openai/v1",
		Model:           "openai/gpt-oss-120b",
		Timeout:         20 * time.Second,
		TitleChars:      1000,
		ContentChars:    5000,
		MaxTokens:       256,
		BreakerFailures: 5,
		BreakerCooldown: 30 * time.Second,
	}
}

// Final classifier-stage outcome, after fail-safe policy is applied.
type Decision struct {
	Outcome    models.Outcome
	DecidedBy  models.DecidedBy
	Categories models.Categories
	Reason     string
	Confidence *float64
	// nil when nothing at all came back
	RawResponse *string
}

// Applies the fail-safe policy to a classification attempt.
//
// A verdict is trusted only when it arrived without error and carries a confidence at or above minConfidence; it is then "allow" or "block". Everything else is "review", attributed to DecidedByFailSafe when no verdict could be parsed.
func Decide(v *Verdict, err error, minConfidence float64) Decision {
	var raw *string
	if v != nil && v.RawResponse != "" {
		s := v.RawResponse
		raw = &s
	}
	if err != nil || v == nil {
		return Decision{
			Outcome:     models.OutcomeReview,
			DecidedBy:   models.DecidedByFailSafe,
			Categories:  models.Categories{},
			Reason:      ReasonUnavailable,
			RawResponse: raw,
		}
	}
	d := Decision{
		DecidedBy:   models.DecidedByModel,
		Categories:  v.Categories,
		Reason:      v.Reason,
		Confidence:  v.Confidence,
		RawResponse: raw,
	}
	if d.Categories == nil {
		d.Categories = models.Categories{}
	}
	switch {
	case v.Confidence == nil:
		d.Outcome = models.OutcomeReview
		d.Reason = joinReason("classifier reported no confidence", v.Reason)
	case *v.Confidence < minConfidence:
		d.Outcome = models.OutcomeReview
		d.Reason = joinReason("low classifier confidence", v.Reason)
	case v.Allowed:
		d.Outcome = models.OutcomeAllow
	default:
		d.Outcome = models.OutcomeBlock
	}
	return d
}

func joinReason(prefix, reason string) string {
	if reason == "" {
		return prefix
	}
	return prefix + ": " + reason
}
