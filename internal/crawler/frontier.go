package crawler

import (
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/masahif/politecrawl/internal/config"
	"github.com/masahif/politecrawl/internal/metrics"
)

// Frontier decides which addresses are new and how many may still be
// dispatched. Admission and dispatch are serialized by one lock; the
// in-progress set has its own.
//
// Store failures never stop the crawl. They are logged and treated as
// "absent" or "no work", which can let a duplicate through in rare cases.
type Frontier struct {
	cfg     *config.CrawlConfig
	index   URLIndex
	queue   WorkQueue
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu sync.Mutex

	progressMu sync.Mutex
	inProgress map[string]struct{}

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
	final     FrontierStats // Last snapshot before the stores closed
}

// NewFrontier wraps the two stores. The stores must already be reset for a
// fresh crawl; the frontier never clears them.
func NewFrontier(cfg *config.CrawlConfig, index URLIndex, queue WorkQueue, logger *zap.Logger, m *metrics.Metrics) *Frontier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Frontier{
		cfg:        cfg,
		index:      index,
		queue:      queue,
		logger:     logger.Named("frontier"),
		metrics:    m,
		inProgress: make(map[string]struct{}),
	}
}

// LoadSeeds admits the configured seeds at depth 0 in the order given and
// returns how many were new.
func (f *Frontier) LoadSeeds() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	added := 0
	for _, seed := range f.cfg.SeedURLs {
		if f.admit(seed, 0) {
			added++
		}
	}
	f.metrics.AddScheduled(added)
	f.logger.Info("seeds loaded", zap.Int("seeds", len(f.cfg.SeedURLs)), zap.Int("added", added))
	return added
}

// Schedule admits links discovered on a page. The caller has already checked
// that depth is allowed. Returns how many links were new.
func (f *Frontier) Schedule(links []string, depth int) int {
	if len(links) == 0 {
		return 0
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	added := 0
	for _, link := range links {
		if f.admit(link, depth) {
			added++
		}
	}
	f.metrics.AddScheduled(added)
	return added
}

// admit indexes and enqueues one address. Callers hold f.mu.
//
// The index entry is written before the queue entry. A crash between the two
// leaves an address that is known but never fetched.
func (f *Frontier) admit(raw string, depth int) bool {
	if f.closed.Load() {
		return false
	}

	normalized, err := NormalizeURL(raw)
	if err != nil {
		f.logger.Debug("address rejected", zap.String("url", raw), zap.Error(err))
		return false
	}
	if !f.cfg.ShouldVisit(normalized) {
		return false
	}

	_, seen, err := f.index.ID(normalized)
	if err != nil {
		f.logger.Error("url index lookup failed", zap.String("url", normalized), zap.Error(err))
	}
	if seen {
		return false
	}

	if err := f.index.Put(normalized); err != nil {
		f.logger.Error("url index insert failed", zap.String("url", normalized), zap.Error(err))
		return false
	}
	if err := f.queue.Enqueue(WebURL{URL: normalized, Depth: depth}); err != nil {
		f.logger.Error("work queue insert failed", zap.String("url", normalized), zap.Error(err))
		return false
	}
	return true
}

// Dispatch removes up to n addresses from the head of the queue and marks them
// in progress. The page budget counts every address ever dispatched, including
// those dispatched by earlier runs over the same work directory. An empty
// result means no work is available right now.
func (f *Frontier) Dispatch(n int) []WebURL {
	if n <= 0 || f.closed.Load() {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed.Load() {
		return nil
	}
	if f.cfg.PageLimited() {
		remaining, err := f.remainingBudget()
		if err != nil {
			f.logger.Error("page budget unavailable", zap.Error(err))
			return nil
		}
		if remaining <= 0 {
			return nil
		}
		if int64(n) > remaining {
			n = int(remaining)
		}
	}

	items, err := f.queue.DequeueBatch(n)
	if err != nil {
		f.logger.Error("dispatch failed", zap.Error(err))
		return nil
	}
	if len(items) == 0 {
		return nil
	}

	f.progressMu.Lock()
	for _, item := range items {
		f.inProgress[item.URL] = struct{}{}
	}
	f.progressMu.Unlock()

	f.metrics.AddDispatched(len(items))
	return items
}

// remainingBudget is maxPages minus the addresses already dispatched.
// Callers hold f.mu.
func (f *Frontier) remainingBudget() (int64, error) {
	total, err := f.queue.TotalInserted()
	if err != nil {
		return 0, err
	}
	pending, err := f.queue.Len()
	if err != nil {
		return 0, err
	}
	return int64(f.cfg.MaxPages) - (total - pending), nil
}

// Complete removes url from the in-progress set, whatever the page's outcome.
func (f *Frontier) Complete(url string) {
	f.progressMu.Lock()
	delete(f.inProgress, url)
	f.progressMu.Unlock()
}

// Requeue puts in-progress addresses back at the tail of the queue.
// They are already indexed, so no dedup check applies.
func (f *Frontier) Requeue(items []WebURL) int {
	if len(items) == 0 {
		return 0
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	requeued := 0
	for _, item := range items {
		f.Complete(item.URL)
		if f.closed.Load() {
			continue
		}
		if err := f.queue.Enqueue(item); err != nil {
			f.logger.Error("requeue failed", zap.String("url", item.URL), zap.Error(err))
			continue
		}
		requeued++
	}
	return requeued
}

// ID returns the index ID of an address. Lookup failures read as absent.
func (f *Frontier) ID(url string) (int64, bool) {
	id, ok, err := f.index.ID(url)
	if err != nil {
		f.logger.Error("url index lookup failed", zap.String("url", url), zap.Error(err))
		return -1, false
	}
	return id, ok
}

// HasWork reports whether anything is in progress, or whether the queue holds
// entries the budget still allows to be dispatched.
func (f *Frontier) HasWork() bool {
	if f.closed.Load() {
		return false
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.inProgressCount() > 0 {
		return true
	}

	pending, err := f.queue.Len()
	if err != nil {
		f.logger.Error("work queue length unavailable", zap.Error(err))
		return false
	}
	if pending == 0 {
		return false
	}
	if !f.cfg.PageLimited() {
		return true
	}
	remaining, err := f.remainingBudget()
	if err != nil {
		f.logger.Error("page budget unavailable", zap.Error(err))
		return false
	}
	return remaining > 0
}

// Stats returns a snapshot of the stores and the in-progress set. After
// Shutdown it returns the snapshot taken just before the stores closed.
func (f *Frontier) Stats() FrontierStats {
	if f.closed.Load() {
		return f.final
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statsLocked()
}

func (f *Frontier) statsLocked() FrontierStats {
	stats := FrontierStats{InProgress: f.inProgressCount()}
	var err error
	if stats.Indexed, err = f.index.Count(); err != nil {
		f.logger.Warn("url index count unavailable", zap.Error(err))
	}
	if stats.Pending, err = f.queue.Len(); err != nil {
		f.logger.Warn("work queue length unavailable", zap.Error(err))
	}
	if stats.TotalInserted, err = f.queue.TotalInserted(); err != nil {
		f.logger.Warn("work queue total unavailable", zap.Error(err))
	}
	stats.Dispatched = stats.TotalInserted - stats.Pending
	return stats
}

func (f *Frontier) inProgressCount() int {
	f.progressMu.Lock()
	defer f.progressMu.Unlock()
	return len(f.inProgress)
}

// Shutdown closes both stores. Only the first call has any effect.
func (f *Frontier) Shutdown() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		defer f.mu.Unlock()

		f.final = f.statsLocked()
		f.closed.Store(true)
		f.closeErr = errors.Join(f.queue.Close(), f.index.Close())
		if f.closeErr != nil {
			f.logger.Error("frontier shutdown failed", zap.Error(f.closeErr))
			return
		}
		f.logger.Info("frontier closed")
	})
	return f.closeErr
}
