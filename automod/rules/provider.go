package rules

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/veritas-labs/veritas/models"
)

// Source of enabled rules, in evaluation order.
type Loader interface {
	LoadEnabled(ctx context.Context) ([]models.Rule, error)
}

// Holds the current rule Snapshot. Reads are lock-free; Refresh builds a new snapshot and swaps it in atomically (copy-on-write), serialized so concurrent refreshes can't publish out of order.
type Provider struct {
	loader  Loader
	regexes *RegexCache
	logger  *slog.Logger
	current atomic.Pointer[Snapshot]
	mu      sync.Mutex
}

func NewProvider(loader Loader, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{
		loader:  loader,
		regexes: NewRegexCache(),
		logger:  logger.With("component", "rules"),
	}
	p.current.Store(NewSnapshot(nil, p.regexes))
	return p
}

// The snapshot to use for one evaluation. Never nil.
func (p *Provider) Current() *Snapshot {
	return p.current.Load()
}

func (p *Provider) Refresh(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	rows, err := p.loader.LoadEnabled(ctx)
	if err != nil {
		snapshotRefreshErrors.Inc()
		return err
	}
	keep := make(map[string]bool, len(rows))
	for _, r := range rows {
		if r.PatternType == models.PatternRegex {
			keep[r.Pattern] = true
		}
	}
	p.regexes.Retain(keep)
	snap := NewSnapshot(rows, p.regexes)
	p.current.Store(snap)
	snapshotRuleCount.Set(float64(snap.Len()))
	p.logger.Debug("refreshed rule snapshot", "rules", snap.Len())
	return nil
}

// Periodically reloads the snapshot, to pick up out-of-band edits to the rule table. Runs until the context is cancelled. A non-positive interval disables periodic refresh.
func (p *Provider) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		p.logger.Warn("periodic rule refresh disabled", "interval", interval)
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.Refresh(ctx); err != nil {
				// keep serving the previous snapshot
				p.logger.Error("failed to refresh rule snapshot", "err", err)
			}
		}
	}
}
