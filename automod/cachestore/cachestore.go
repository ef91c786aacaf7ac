package cachestore

import (
	"context"
	"time"

	"github.com/veritas-labs/veritas/models"
)

type CacheStore interface {
	// Returns nil (and no error) on a miss.
	Lookup(ctx context.Context, contentHash string) (*models.CacheEntry, error)
	// Inserts or updates the entry for contentHash, and returns the stored row.
	RecordBlock(ctx context.Context, contentHash string, categories models.Categories, reason string, at time.Time) (*models.CacheEntry, error)
}
