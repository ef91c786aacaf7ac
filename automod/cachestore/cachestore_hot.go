package cachestore

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/veritas-labs/veritas/models"

	"github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"
)

// Read-through layer over a durable CacheStore. Only hits are cached: a miss always goes to the backing store, so a block recorded by another instance is never hidden.
type HotCacheStore struct {
	Backing CacheStore
	Data    *cache.Cache
	TTL     time.Duration
	Logger  *slog.Logger
}

var _ CacheStore = (*HotCacheStore)(nil)

// rdb may be nil, in which case only the in-process TinyLFU is used.
func NewHotCacheStore(backing CacheStore, rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *HotCacheStore {
	if logger == nil {
		logger = slog.Default()
	}
	opts := &cache.Options{
		LocalCache: cache.NewTinyLFU(10_000, ttl),
	}
	if rdb != nil {
		opts.Redis = rdb
	}
	return &HotCacheStore{
		Backing: backing,
		Data:    cache.New(opts),
		TTL:     ttl,
		Logger:  logger.With("component", "hotcache"),
	}
}

func hotCacheKey(contentHash string) string {
	return "veritas/decision-cache/" + contentHash
}

func (s *HotCacheStore) Lookup(ctx context.Context, contentHash string) (*models.CacheEntry, error) {
	var ent models.CacheEntry
	err := s.Data.Get(ctx, hotCacheKey(contentHash), &ent)
	if err == nil {
		return &ent, nil
	}
	if !errors.Is(err, cache.ErrCacheMiss) {
		// hot layer trouble is never fatal; fall through to the durable store
		s.Logger.Warn("hot decision cache read failed", "err", err)
	}
	out, err := s.Backing.Lookup(ctx, contentHash)
	if err != nil || out == nil {
		return out, err
	}
	s.set(ctx, out)
	return out, nil
}

func (s *HotCacheStore) RecordBlock(ctx context.Context, contentHash string, categories models.Categories, reason string, at time.Time) (*models.CacheEntry, error) {
	out, err := s.Backing.RecordBlock(ctx, contentHash, categories, reason, at)
	if err != nil {
		return nil, err
	}
	s.set(ctx, out)
	return out, nil
}

func (s *HotCacheStore) set(ctx context.Context, ent *models.CacheEntry) {
	err := s.Data.Set(&cache.Item{
		Ctx:   ctx,
		Key:   hotCacheKey(ent.ContentHash),
		Value: ent,
		TTL:   s.TTL,
	})
	if err != nil {
		s.Logger.Warn("hot decision cache write failed", "err", err)
	}
}
