package countstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/veritas-labs/veritas/models"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func TestMemCountStoreBasics(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	cs := NewMemCountStore()

	c, err := cs.GetCount(ctx, CounterOutcome, "block", PeriodTotal)
	assert.NoError(err)
	assert.Equal(0, c)
	assert.NoError(cs.Increment(ctx, CounterOutcome, "block"))
	assert.NoError(cs.Increment(ctx, CounterOutcome, "block"))

	for _, period := range AllPeriods {
		c, err = cs.GetCount(ctx, CounterOutcome, "block", period)
		assert.NoError(err)
		assert.Equal(2, c)
	}

	assert.NoError(cs.IncrementDistinct(ctx, DistinctSubscriptionContent, "sub1", "hash1"))
	assert.NoError(cs.IncrementDistinct(ctx, DistinctSubscriptionContent, "sub1", "hash1"))
	assert.NoError(cs.IncrementDistinct(ctx, DistinctSubscriptionContent, "sub1", "hash2"))
	for _, period := range AllPeriods {
		c, err = cs.GetCountDistinct(ctx, DistinctSubscriptionContent, "sub1", period)
		assert.NoError(err)
		assert.Equal(2, c)
	}
}

func TestMemCountStoreBucketsExpire(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	cs := newMemCountStore(100, map[string]time.Duration{
		PeriodHour: 50 * time.Millisecond,
		PeriodDay:  50 * time.Millisecond,
	})
	assert.NoError(cs.Increment(ctx, CounterOutcome, "allow"))
	assert.NoError(cs.IncrementDistinct(ctx, DistinctSubscriptionContent, "sub1", "hash1"))
	c, _ := cs.GetCount(ctx, CounterOutcome, "allow", PeriodHour)
	assert.Equal(1, c)

	time.Sleep(100 * time.Millisecond)
	for _, period := range []string{PeriodHour, PeriodDay} {
		c, err := cs.GetCount(ctx, CounterOutcome, "allow", period)
		assert.NoError(err)
		assert.Equal(0, c, period)
		c, err = cs.GetCountDistinct(ctx, DistinctSubscriptionContent, "sub1", period)
		assert.NoError(err)
		assert.Equal(0, c, period)
	}
	c, _ = cs.GetCount(ctx, CounterOutcome, "allow", PeriodTotal)
	assert.Equal(1, c)
	c, _ = cs.GetCountDistinct(ctx, DistinctSubscriptionContent, "sub1", PeriodTotal)
	assert.Equal(1, c)
}

func TestMemCountStoreBucketCapacity(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	cs := newMemCountStore(2, bucketTTL)
	for i := 0; i < 5; i++ {
		assert.NoError(cs.Increment(ctx, CounterSubscription, fmt.Sprintf("sub%d", i)))
	}
	assert.Equal(2, cs.periodCounts[PeriodHour].Len())
	assert.Equal(2, cs.periodCounts[PeriodDay].Len())

	// oldest buckets are evicted, totals are kept
	c, _ := cs.GetCount(ctx, CounterSubscription, "sub0", PeriodHour)
	assert.Equal(0, c)
	c, _ = cs.GetCount(ctx, CounterSubscription, "sub4", PeriodHour)
	assert.Equal(1, c)
	c, _ = cs.GetCount(ctx, CounterSubscription, "sub0", PeriodTotal)
	assert.Equal(1, c)
}

func TestMemCountStoreConcurrentDecisions(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	cs := NewMemCountStore()

	// run with -race
	const workers, perWorker = 8, 25
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			outcome := models.OutcomeAllow
			if w%2 == 1 {
				outcome = models.OutcomeBlock
			}
			for i := 0; i < perWorker; i++ {
				assert.NoError(RecordDecision(ctx, cs, outcome, models.DecidedByModel, "sub-shared", fmt.Sprintf("hash-%d", i)))
				_, err := LoadDecisionStats(ctx, cs, PeriodHour)
				assert.NoError(err)
			}
		}(w)
	}
	wg.Wait()

	stats, err := LoadDecisionStats(ctx, cs, PeriodTotal)
	assert.NoError(err)
	assert.Equal(workers/2*perWorker, stats.Outcomes["allow"])
	assert.Equal(workers/2*perWorker, stats.Outcomes["block"])
	assert.Equal(workers*perWorker, stats.DecidedBy["model"])

	sub, err := LoadSubscriptionStats(ctx, cs, "sub-shared", PeriodTotal)
	assert.NoError(err)
	assert.Equal(workers*perWorker, sub.Evaluations)
	// every worker submitted the same fingerprints
	assert.Equal(perWorker, sub.DistinctContent)
}

func TestDecisionStats(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	cs := NewMemCountStore()

	assert.NoError(RecordDecision(ctx, cs, models.OutcomeBlock, models.DecidedByRule, "sub1", "h1"))
	assert.NoError(RecordDecision(ctx, cs, models.OutcomeBlock, models.DecidedByCache, "sub1", "h1"))
	assert.NoError(RecordDecision(ctx, cs, models.OutcomeReview, models.DecidedByFailSafe, "", "h2"))

	stats, err := LoadDecisionStats(ctx, cs, PeriodDay)
	assert.NoError(err)
	assert.Equal(2, stats.Outcomes["block"])
	assert.Equal(1, stats.Outcomes["review"])
	assert.Equal(0, stats.Outcomes["allow"])
	assert.Equal(1, stats.DecidedBy["fail_safe"])

	sub, err := LoadSubscriptionStats(ctx, cs, "sub1", PeriodTotal)
	assert.NoError(err)
	assert.Equal(2, sub.Evaluations)
	assert.Equal(1, sub.DistinctContent)

	_, err = LoadDecisionStats(ctx, cs, "week")
	assert.Error(err)
}

func TestRedisCountStoreBasics(t *testing.T) {
	t.Skip("live test, need redis running locally")
	assert := assert.New(t)
	ctx := context.Background()

	opt, err := redis.ParseURL("redis://localhost:6379/0")
	if err != nil {
		t.Fail()
	}
	cs := NewRedisCountStore(redis.NewClient(opt))

	before, err := cs.GetCount(ctx, "test-outcome", "block", PeriodTotal)
	assert.NoError(err)
	assert.NoError(cs.Increment(ctx, "test-outcome", "block"))
	after, err := cs.GetCount(ctx, "test-outcome", "block", PeriodTotal)
	assert.NoError(err)
	assert.Equal(before+1, after)
}
