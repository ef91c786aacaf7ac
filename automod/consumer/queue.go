// Redis work-queue consumer: pops ingested items, evaluates them, and forwards allowed items to the next stage.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/veritas-labs/veritas/automod"
	"github.com/veritas-labs/veritas/automod/auth"
	"github.com/veritas-labs/veritas/automod/moderr"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
)

const ConsumerActor = "moderator-consumer"

type Evaluator interface {
	EvaluateAs(ctx context.Context, grant *auth.Grant, req automod.ModerationRequest) (*automod.Decision, error)
}

// Item as pushed by the ingestion stage.
type QueueItem struct {
	ItemID         string `json:"item_id"`
	SubscriptionID string `json:"subscription_id"`
	RequesterID    string `json:"requester_id,omitempty"`
	Title          string `json:"title"`
	Content        string `json:"content"`
	URL            string `json:"url"`
}

// Item forwarded to the next stage when content is allowed.
type ForwardItem struct {
	ItemID         string `json:"item_id"`
	SubscriptionID string `json:"subscription_id"`
	ContentHash    string `json:"content_hash,omitempty"`
}

type QueueConsumer struct {
	Logger       *slog.Logger
	RedisClient  *redis.Client
	Engine       Evaluator
	Queue        string
	ForwardQueue string
	Parallelism  int
	// how long each BRPOP blocks; bounds shutdown latency
	PollTimeout time.Duration
	// initial wait after a redis error
	ErrorBackoff time.Duration
	// Scope of the grant the consumer evaluates under.
	Scope string
}

var ErrInvalidPayload = errors.New("invalid queue payload")

// Pops and handles items until ctx is cancelled. Redis errors back off exponentially; they never end the loop.
func (qc *QueueConsumer) Run(ctx context.Context) error {
	if qc.Engine == nil {
		return fmt.Errorf("nil engine")
	}
	if qc.RedisClient == nil {
		return fmt.Errorf("nil redis client")
	}
	parallelism := qc.Parallelism
	if parallelism <= 0 {
		parallelism = 1
	}
	poll := qc.PollTimeout
	if poll <= 0 {
		poll = 5 * time.Second
	}

	bo := backoff.NewExponentialBackOff()
	if qc.ErrorBackoff > 0 {
		bo.InitialInterval = qc.ErrorBackoff
	}
	bo.MaxInterval = 30 * time.Second
	// retry forever
	bo.MaxElapsedTime = 0

	qc.Logger.Info("consuming moderation queue", "queue", qc.Queue, "forward", qc.ForwardQueue, "parallelism", parallelism)
	sem := make(chan struct{}, parallelism)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		if ctx.Err() != nil {
			return nil
		}
		res, err := qc.RedisClient.BRPop(ctx, poll, qc.Queue).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wait := bo.NextBackOff()
			queueErrors.Inc()
			qc.Logger.Error("moderation queue pop failed", "err", err, "retry_in", wait)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()
		// BRPOP returns [queue, value]
		if len(res) != 2 {
			continue
		}
		payload := res[1]

		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer func() {
				<-sem
				wg.Done()
			}()
			qc.process(ctx, payload)
		}()
	}
}

func (qc *QueueConsumer) process(ctx context.Context, payload string) {
	fwd, err := qc.HandleItem(ctx, payload)
	if err != nil {
		if errors.Is(err, ErrInvalidPayload) {
			queueItems.WithLabelValues("invalid").Inc()
			qc.Logger.Warn("dropping invalid queue payload", "err", err, "payload", truncate(payload, 200))
			return
		}
		queueItems.WithLabelValues("error").Inc()
		qc.Logger.Error("failed to moderate queue item", "err", err, "retryable", moderr.IsRetryable(err))
		return
	}
	if fwd == nil {
		queueItems.WithLabelValues("held").Inc()
		return
	}
	b, err := json.Marshal(fwd)
	if err != nil {
		qc.Logger.Error("failed to encode forward item", "err", err)
		return
	}
	// forwarding must not be lost to a shutdown racing the evaluation
	if err := qc.RedisClient.LPush(context.WithoutCancel(ctx), qc.ForwardQueue, b).Err(); err != nil {
		queueItems.WithLabelValues("forward_error").Inc()
		qc.Logger.Error("failed to forward allowed item", "item", fwd.ItemID, "err", err)
		return
	}
	queueItems.WithLabelValues("forwarded").Inc()
}

// Evaluates one raw queue payload. Returns the item to forward, or nil when the content was not allowed.
func (qc *QueueConsumer) HandleItem(ctx context.Context, payload string) (*ForwardItem, error) {
	var item QueueItem
	if err := json.Unmarshal([]byte(payload), &item); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if strings.TrimSpace(item.Content) == "" || strings.TrimSpace(item.URL) == "" {
		return nil, fmt.Errorf("%w: content and url are required", ErrInvalidPayload)
	}
	scope := qc.Scope
	if scope == "" {
		scope = auth.ScopePerform
	}
	dec, err := qc.Engine.EvaluateAs(ctx, auth.ServiceGrant(ConsumerActor, scope), automod.ModerationRequest{
		Content:        item.Content,
		URL:            item.URL,
		Title:          item.Title,
		RequesterID:    item.RequesterID,
		SubscriptionID: item.SubscriptionID,
	})
	if err != nil {
		return nil, err
	}
	qc.Logger.Info("moderated queue item", "item", item.ItemID, "outcome", dec.Outcome, "decided_by", dec.DecidedBy)
	if !dec.Allowed {
		return nil, nil
	}
	return &ForwardItem{
		ItemID:         item.ItemID,
		SubscriptionID: item.SubscriptionID,
		ContentHash:    dec.ContentHash,
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
