package crawler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/masahif/politecrawl/internal/config"
	"github.com/masahif/politecrawl/internal/metrics"
)

// finalSaveTimeout bounds the drain performed while stopping.
const finalSaveTimeout = 30 * time.Second

// Supervisor owns the frontier and the worker pool. It replaces dead workers,
// drains buffered records to the sink and decides when the crawl is over.
type Supervisor struct {
	cfg        *config.CrawlConfig
	frontier   *Frontier
	politeness *Politeness
	deps       Deps
	logger     *zap.Logger
	runID      string

	// newWorker builds the worker for a slot; tests replace it.
	newWorker func(slot int) *Worker

	mu       sync.Mutex
	workers  []*Worker
	restarts int
	drains   int
	saved    int

	group      errgroup.Group
	workerCtx  context.Context
	stopWorker context.CancelFunc

	started  atomic.Bool
	stopOnce sync.Once
	stopErr  error
	stopped  chan struct{}
}

// NewSupervisor validates cfg and prepares a crawl over the given stores.
// When the crawl is not resumable both stores are cleared here, before the
// frontier touches them.
func NewSupervisor(cfg *config.CrawlConfig, index URLIndex, queue WorkQueue, deps Deps) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Fetcher == nil || deps.Extractor == nil || deps.Sink == nil {
		return nil, fmt.Errorf("supervisor requires a fetcher, an extractor and a sink")
	}

	hostDelays, err := cfg.ParseHostDelays()
	if err != nil {
		return nil, err
	}
	politeness, err := NewPoliteness(cfg.PolitenessScope, cfg.VisitDelay, hostDelays)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("run_id", runID))
	deps.Logger = logger

	if !cfg.Resumable {
		if err := index.Reset(); err != nil {
			return nil, fmt.Errorf("failed to reset url index: %w", err)
		}
		if err := queue.Reset(); err != nil {
			return nil, fmt.Errorf("failed to reset work queue: %w", err)
		}
	}

	s := &Supervisor{
		cfg:        cfg,
		frontier:   NewFrontier(cfg, index, queue, logger, deps.Metrics),
		politeness: politeness,
		deps:       deps,
		logger:     logger.Named("supervisor"),
		runID:      runID,
		stopped:    make(chan struct{}),
	}
	s.newWorker = func(slot int) *Worker {
		return NewWorker(slot, s.cfg, s.frontier, s.politeness.ForWorker(), s.deps)
	}
	return s, nil
}

// RunID identifies this crawl in logs and sink output.
func (s *Supervisor) RunID() string { return s.runID }

// Frontier returns the frontier owned by the supervisor.
func (s *Supervisor) Frontier() *Frontier { return s.frontier }

// Start loads the seeds and launches the worker pool. Workers stop when ctx
// is cancelled or the supervisor shuts down.
func (s *Supervisor) Start(ctx context.Context) error {
	select {
	case <-s.stopped:
		return ErrSupervisorStopped
	default:
	}
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	s.frontier.LoadSeeds()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.workerCtx, s.stopWorker = context.WithCancel(ctx)
	s.workers = make([]*Worker, s.cfg.Workers)
	for slot := range s.workers {
		s.spawnLocked(slot)
	}

	s.logger.Info("crawl started",
		zap.Int("workers", s.cfg.Workers),
		zap.String("politeness", s.politeness.Scope()),
		zap.Duration("visit_delay", s.cfg.VisitDelay),
		zap.Int("max_depth", s.cfg.MaxDepth),
		zap.Int("max_pages", s.cfg.MaxPages),
		zap.Bool("resumable", s.cfg.Resumable))
	return nil
}

// spawnLocked starts a fresh worker in slot. Callers hold s.mu.
func (s *Supervisor) spawnLocked(slot int) {
	w := s.newWorker(slot)
	s.workers[slot] = w
	if s.workerCtx.Err() != nil {
		return
	}
	s.group.Go(func() error {
		return w.Run(s.workerCtx)
	})
}

// Run starts the crawl if needed and monitors it until the pool has been idle
// for two consecutive ticks, ctx is cancelled, or Shutdown is called.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.started.Load() {
		if err := s.Start(ctx); err != nil {
			return err
		}
	}

	ticker := time.NewTicker(s.cfg.MonitorInterval)
	defer ticker.Stop()

	idleTicks := 0
	for {
		select {
		case <-s.stopped:
			return s.stopErr
		case <-ctx.Done():
			s.logger.Info("crawl cancelled")
			return s.stop(context.WithoutCancel(ctx))
		case <-ticker.C:
			if s.tick(ctx) {
				idleTicks = 0
				continue
			}
			// Nobody worked for a full interval; confirm on the next tick.
			idleTicks++
			if idleTicks < 2 {
				continue
			}
			s.logger.Info("no worker active for two intervals, finishing crawl")
			return s.stop(context.WithoutCancel(ctx))
		}
	}
}

// tick replaces dead workers, drains when enough records are buffered and
// reports whether any work is still going on.
func (s *Supervisor) tick(ctx context.Context) bool {
	working, buffered := 0, 0

	s.mu.Lock()
	for slot, w := range s.workers {
		select {
		case <-w.Done():
			s.reapLocked(w)
			s.spawnLocked(slot)
			continue
		default:
		}
		if !w.Waiting() {
			working++
		}
		buffered += w.Buffered()
	}
	s.mu.Unlock()

	s.deps.Metrics.SetPool(working, buffered)
	if buffered > s.cfg.SaveThreshold {
		_ = s.drain(ctx)
	}

	stats := s.frontier.Stats()
	s.deps.Metrics.SetFrontier(stats.Pending, int64(stats.InProgress))
	s.logger.Debug("monitor tick",
		zap.Int("working", working),
		zap.Int("buffered", buffered),
		zap.Int64("indexed", stats.Indexed),
		zap.Int64("pending", stats.Pending),
		zap.Int64("dispatched", stats.Dispatched),
		zap.Int("in_progress", stats.InProgress))

	return working > 0 || s.frontier.HasWork()
}

// reapLocked accounts for a worker whose goroutine has ended. Its buffered
// records are dropped. Callers hold s.mu.
func (s *Supervisor) reapLocked(w *Worker) {
	s.restarts++
	s.deps.Metrics.IncWorkerRestarts()

	lost := w.Buffered()
	held, requeued := s.releaseHeld(w)
	s.logger.Warn("worker died, restarting",
		zap.Int("worker_id", w.ID()),
		zap.Int("records_lost", lost),
		zap.Int("held", held),
		zap.Int("requeued", requeued))
}

// releaseHeld requeues a dead worker's addresses when configured, otherwise
// abandons them so they no longer count as in progress.
func (s *Supervisor) releaseHeld(w *Worker) (held, requeued int) {
	items := w.Held()
	if s.cfg.RequeueOnCrash {
		return len(items), s.frontier.Requeue(items)
	}
	for _, item := range items {
		s.frontier.Complete(item.URL)
	}
	return len(items), 0
}

// drain pauses every live worker, waits until each has parked, and hands
// their combined buffers to the sink. Records of a failed save are lost.
func (s *Supervisor) drain(ctx context.Context) error {
	start := time.Now()

	s.mu.Lock()
	workers := make([]*Worker, len(s.workers))
	copy(workers, s.workers)
	s.mu.Unlock()

	for _, w := range workers {
		w.Pause()
	}
	defer func() {
		for _, w := range workers {
			w.Resume()
		}
	}()

	for _, w := range workers {
		select {
		case <-w.Parked():
		case <-w.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var pages []Page
	for _, w := range workers {
		select {
		case <-w.Done():
			continue
		default:
		}
		pages = append(pages, w.TakeRecords()...)
	}
	return s.save(ctx, pages, start)
}

func (s *Supervisor) save(ctx context.Context, pages []Page, start time.Time) error {
	if len(pages) == 0 {
		return nil
	}

	if err := s.deps.Sink.Save(ctx, pages); err != nil {
		s.deps.Metrics.ObserveDrain(metrics.DrainSinkError, len(pages), time.Since(start).Seconds())
		s.logger.Error("drain failed, records lost", zap.Int("records", len(pages)), zap.Error(err))
		return err
	}
	s.deps.Metrics.ObserveDrain(metrics.DrainOK, len(pages), time.Since(start).Seconds())

	s.mu.Lock()
	s.drains++
	s.saved += len(pages)
	s.mu.Unlock()

	s.logger.Info("records saved", zap.Int("records", len(pages)), zap.Duration("took", time.Since(start)))
	return nil
}

// Shutdown stops the crawl: workers are stopped, their remaining records are
// saved and the frontier is closed. It is safe to call more than once and
// concurrently with Run.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	return s.stop(ctx)
}

func (s *Supervisor) stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		defer close(s.stopped)

		s.mu.Lock()
		cancel := s.stopWorker
		s.mu.Unlock()

		if cancel != nil {
			cancel()
			if err := s.group.Wait(); err != nil {
				s.logger.Warn("a worker crashed during the crawl", zap.Error(err))
			}
		}

		saveCtx, done := context.WithTimeout(ctx, finalSaveTimeout)
		defer done()

		var pages []Page
		s.mu.Lock()
		for _, w := range s.workers {
			if w.Crashed() {
				s.releaseHeld(w)
				continue
			}
			// Stopped before they were visited; a resumed crawl picks them up.
			s.frontier.Requeue(w.Held())
			pages = append(pages, w.TakeRecords()...)
		}
		s.mu.Unlock()

		if err := s.save(saveCtx, pages, time.Now()); err != nil {
			s.stopErr = err
		}

		stats := s.frontier.Stats()
		if err := s.frontier.Shutdown(); err != nil && s.stopErr == nil {
			s.stopErr = err
		}

		s.mu.Lock()
		s.logger.Info("crawl stopped",
			zap.Int64("indexed", stats.Indexed),
			zap.Int64("dispatched", stats.Dispatched),
			zap.Int64("pending", stats.Pending),
			zap.Int("drains", s.drains),
			zap.Int("saved", s.saved),
			zap.Int("restarts", s.restarts))
		s.mu.Unlock()
	})
	<-s.stopped
	return s.stopErr
}

// Stats returns a snapshot of the pool and the frontier.
func (s *Supervisor) Stats() SupervisorStats {
	s.mu.Lock()
	stats := SupervisorStats{
		Workers:  len(s.workers),
		Restarts: s.restarts,
		Drains:   s.drains,
		Saved:    s.saved,
	}
	for _, w := range s.workers {
		if !w.Waiting() {
			stats.Working++
		}
		stats.Buffered += w.Buffered()
	}
	s.mu.Unlock()

	stats.Frontier = s.frontier.Stats()
	return stats
}
