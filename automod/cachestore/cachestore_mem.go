package cachestore

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/veritas-labs/veritas/models"
)

type MemCacheStore struct {
	mu      sync.Mutex
	entries map[string]models.CacheEntry
	nextID  uint64
}

var _ CacheStore = (*MemCacheStore)(nil)

func NewMemCacheStore() *MemCacheStore {
	return &MemCacheStore{
		entries: make(map[string]models.CacheEntry),
	}
}

func (s *MemCacheStore) Lookup(ctx context.Context, contentHash string) (*models.CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ent, ok := s.entries[contentHash]
	if !ok {
		return nil, nil
	}
	ent.Categories = slices.Clone(ent.Categories)
	return &ent, nil
}

func (s *MemCacheStore) RecordBlock(ctx context.Context, contentHash string, categories models.Categories, reason string, at time.Time) (*models.CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at = at.UTC()
	ent, ok := s.entries[contentHash]
	if ok {
		ent.BlockedCount++
		ent.LastBlockedAt = at
	} else {
		s.nextID++
		ent = models.CacheEntry{
			ID:             s.nextID,
			ContentHash:    contentHash,
			FirstBlockedAt: at,
			LastBlockedAt:  at,
			Categories:     slices.Clone(categories),
			Reason:         reason,
			BlockedCount:   1,
		}
	}
	s.entries[contentHash] = ent
	ent.Categories = slices.Clone(ent.Categories)
	return &ent, nil
}
