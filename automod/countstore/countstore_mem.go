package countstore

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Max live hour (or day) buckets kept by the in-process store, per bucket kind.
const memBucketCapacity = 100_000

// In-process counters for a single instance. Totals are plain maps; hour and day buckets live in expiring LRUs, so a long-running process does not accumulate stale buckets.
type MemCountStore struct {
	mu             sync.Mutex
	counts         map[string]int
	distinctCounts map[string]map[string]bool
	periodCounts   map[string]*expirable.LRU[string, int]
	periodDistinct map[string]*expirable.LRU[string, map[string]bool]
}

var _ CountStore = (*MemCountStore)(nil)

func NewMemCountStore() *MemCountStore {
	return newMemCountStore(memBucketCapacity, bucketTTL)
}

func newMemCountStore(capacity int, ttls map[string]time.Duration) *MemCountStore {
	s := &MemCountStore{
		counts:         make(map[string]int),
		distinctCounts: make(map[string]map[string]bool),
		periodCounts:   make(map[string]*expirable.LRU[string, int]),
		periodDistinct: make(map[string]*expirable.LRU[string, map[string]bool]),
	}
	for period, ttl := range ttls {
		s.periodCounts[period] = expirable.NewLRU[string, int](capacity, nil, ttl)
		s.periodDistinct[period] = expirable.NewLRU[string, map[string]bool](capacity, nil, ttl)
	}
	return s
}

func (s *MemCountStore) GetCount(ctx context.Context, name, val, period string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := periodBucket(name, val, period)
	if lru, ok := s.periodCounts[period]; ok {
		c, _ := lru.Get(k)
		return c, nil
	}
	return s.counts[k], nil
}

func (s *MemCountStore) Increment(ctx context.Context, name, val string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range AllPeriods {
		k := periodBucket(name, val, p)
		if lru, ok := s.periodCounts[p]; ok {
			c, _ := lru.Get(k)
			lru.Add(k, c+1)
			continue
		}
		s.counts[k]++
	}
	return nil
}

func (s *MemCountStore) GetCountDistinct(ctx context.Context, name, bucket, period string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := periodBucket(name, bucket, period)
	if lru, ok := s.periodDistinct[period]; ok {
		m, _ := lru.Get(k)
		return len(m), nil
	}
	return len(s.distinctCounts[k]), nil
}

func (s *MemCountStore) IncrementDistinct(ctx context.Context, name, bucket, val string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range AllPeriods {
		k := periodBucket(name, bucket, p)
		if lru, ok := s.periodDistinct[p]; ok {
			m, found := lru.Get(k)
			if !found {
				m = make(map[string]bool)
			}
			m[val] = true
			lru.Add(k, m)
			continue
		}
		m, ok := s.distinctCounts[k]
		if !ok {
			m = make(map[string]bool)
			s.distinctCounts[k] = m
		}
		m[val] = true
	}
	return nil
}
