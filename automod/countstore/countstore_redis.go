package countstore

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisCountPrefix    = "veritas/count/"
	redisDistinctPrefix = "veritas/distinct/"
)

// How long each period's bucket outlives its own window. Total buckets never expire.
var bucketTTL = map[string]time.Duration{
	PeriodHour: 2 * time.Hour,
	PeriodDay:  48 * time.Hour,
}

// Shared counters for a multi-instance deployment. Plain counts are INCR keys; distinct counts are HyperLogLogs, so they are approximate.
type RedisCountStore struct {
	Client *redis.Client
}

var _ CountStore = (*RedisCountStore)(nil)

func NewRedisCountStore(rdb *redis.Client) *RedisCountStore {
	return &RedisCountStore{Client: rdb}
}

func (s *RedisCountStore) GetCount(ctx context.Context, name, val, period string) (int, error) {
	c, err := s.Client.Get(ctx, redisCountPrefix+periodBucket(name, val, period)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return c, err
}

// Bumps every period bucket in one pipelined round-trip.
func (s *RedisCountStore) Increment(ctx context.Context, name, val string) error {
	_, err := s.Client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, period := range AllPeriods {
			key := redisCountPrefix + periodBucket(name, val, period)
			pipe.Incr(ctx, key)
			if ttl, ok := bucketTTL[period]; ok {
				pipe.Expire(ctx, key, ttl)
			}
		}
		return nil
	})
	return err
}

func (s *RedisCountStore) GetCountDistinct(ctx context.Context, name, bucket, period string) (int, error) {
	c, err := s.Client.PFCount(ctx, redisDistinctPrefix+periodBucket(name, bucket, period)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return int(c), err
}

func (s *RedisCountStore) IncrementDistinct(ctx context.Context, name, bucket, val string) error {
	_, err := s.Client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, period := range AllPeriods {
			key := redisDistinctPrefix + periodBucket(name, bucket, period)
			pipe.PFAdd(ctx, key, val)
			if ttl, ok := bucketTTL[period]; ok {
				pipe.Expire(ctx, key, ttl)
			}
		}
		return nil
	})
	return err
}
