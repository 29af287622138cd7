package crawler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/masahif/politecrawl/internal/config"
	"github.com/masahif/politecrawl/internal/metrics"
	"github.com/masahif/politecrawl/internal/parser"
)

// WorkerState is the observable state of a worker. Only the worker writes it.
type WorkerState int32

const (
	StateStarting      WorkerState = iota
	StateWaitingForURL             // Inside Frontier.Dispatch
	StateCrawling                  // Processing a granted batch
	StateIdle                      // Backing off after an empty dispatch
	StatePaused                    // Parked for a drain
	StateStopped
)

func (s WorkerState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateWaitingForURL:
		return "waiting_for_url"
	case StateCrawling:
		return "crawling"
	case StateIdle:
		return "idle"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Deps are the collaborators shared by every worker of a crawl.
type Deps struct {
	Fetcher   Fetcher
	Extractor Extractor
	Sink      Sink
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// Worker runs the dispatch, fetch, extract and schedule loop for one slot and
// buffers the records it extracts until the supervisor drains them.
type Worker struct {
	id       int
	cfg      *config.CrawlConfig
	frontier *Frontier
	throttle Throttle
	deps     Deps
	logger   *zap.Logger

	state   atomic.Int32
	crashed atomic.Bool

	mu      sync.Mutex
	records []Page
	held    map[string]WebURL

	pauseMu        sync.Mutex
	pauseRequested atomic.Bool
	resume         chan struct{}
	wake           chan struct{}
	parked         chan struct{}

	done chan struct{}
}

// NewWorker creates a worker for slot id. It does nothing until Run is called.
func NewWorker(id int, cfg *config.CrawlConfig, frontier *Frontier, throttle Throttle, deps Deps) *Worker {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:       id,
		cfg:      cfg,
		frontier: frontier,
		throttle: throttle,
		deps:     deps,
		logger:   logger.Named("worker").With(zap.Int("worker_id", id)),
		held:     make(map[string]WebURL),
		wake:     make(chan struct{}, 1),
		parked:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// ID returns the worker's slot.
func (w *Worker) ID() int { return w.id }

// State returns the current state.
func (w *Worker) State() WorkerState { return WorkerState(w.state.Load()) }

// Waiting reports whether the worker is not processing a batch.
func (w *Worker) Waiting() bool { return w.State() != StateCrawling }

// Done is closed when Run returns, whether by cancellation or a crash.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Crashed reports whether Run ended in a panic.
func (w *Worker) Crashed() bool { return w.crashed.Load() }

// Parked receives a value each time the worker parks after a Pause.
func (w *Worker) Parked() <-chan struct{} { return w.parked }

// Pause asks the worker to park before its next address. A worker backing off
// after an empty dispatch is woken so it parks promptly.
func (w *Worker) Pause() {
	w.pauseMu.Lock()
	defer w.pauseMu.Unlock()

	if w.pauseRequested.Load() {
		return
	}
	// Drop a park signal left over from an earlier cycle.
	select {
	case <-w.parked:
	default:
	}
	w.resume = make(chan struct{})
	w.pauseRequested.Store(true)

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Resume releases a parked worker.
func (w *Worker) Resume() {
	w.pauseMu.Lock()
	defer w.pauseMu.Unlock()

	if !w.pauseRequested.Load() {
		return
	}
	w.pauseRequested.Store(false)
	close(w.resume)
}

// Buffered returns the number of records awaiting a drain.
func (w *Worker) Buffered() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.records)
}

// TakeRecords hands over the buffered records and clears the buffer.
func (w *Worker) TakeRecords() []Page {
	w.mu.Lock()
	defer w.mu.Unlock()

	records := w.records
	w.records = nil
	return records
}

// Held returns the dispatched addresses this worker has not completed.
func (w *Worker) Held() []WebURL {
	w.mu.Lock()
	defer w.mu.Unlock()

	items := make([]WebURL, 0, len(w.held))
	for _, item := range w.held {
		items = append(items, item)
	}
	return items
}

// Run executes the worker loop until ctx is cancelled. A panic anywhere in the
// loop is recovered and returned as an error so the supervisor can replace
// the worker.
func (w *Worker) Run(ctx context.Context) (err error) {
	defer close(w.done)
	defer w.setState(StateStopped)
	defer func() {
		if r := recover(); r != nil {
			w.crashed.Store(true)
			w.logger.Error("worker crashed", zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("worker %d: panic: %v", w.id, r)
		}
	}()

	w.logger.Debug("worker started")
	for {
		if !w.checkpoint(ctx) {
			w.logger.Debug("worker stopped")
			return nil
		}

		w.setState(StateWaitingForURL)
		items := w.frontier.Dispatch(w.cfg.BatchSize)
		if len(items) == 0 {
			w.setState(StateIdle)
			w.backoff(ctx)
			continue
		}

		w.setState(StateCrawling)
		w.hold(items)
		for _, item := range items {
			if !w.checkpoint(ctx) {
				w.logger.Debug("worker stopped mid-batch", zap.Int("held", len(w.Held())))
				return nil
			}
			w.visit(ctx, item)
		}
	}
}

// checkpoint parks the worker while a pause is requested. It returns false
// when ctx is cancelled.
func (w *Worker) checkpoint(ctx context.Context) bool {
	for w.pauseRequested.Load() {
		w.pauseMu.Lock()
		resume := w.resume
		w.pauseMu.Unlock()

		prev := w.State()
		w.setState(StatePaused)
		select {
		case w.parked <- struct{}{}:
		default:
		}

		select {
		case <-resume:
			w.setState(prev)
		case <-ctx.Done():
			return false
		}
	}
	return ctx.Err() == nil
}

func (w *Worker) backoff(ctx context.Context) {
	timer := time.NewTimer(w.cfg.IdleBackoff)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-w.wake:
	case <-ctx.Done():
	}
}

// visit processes one address. The address is completed whatever the
// outcome, unless ctx was cancelled first; it then stays held.
func (w *Worker) visit(ctx context.Context, item WebURL) {
	waitStart := time.Now()
	if err := w.throttle.Wait(ctx, item.URL); err != nil {
		if ctx.Err() != nil {
			return
		}
		w.deps.Metrics.ObserveFetch(metrics.ResultThrottle)
		w.logger.Warn("politeness wait failed", zap.String("url", item.URL), zap.Error(err))
		w.complete(item)
		return
	}
	w.deps.Metrics.ObservePolitenessWait(time.Since(waitStart).Seconds())

	result, err := w.deps.Fetcher.Fetch(ctx, item.URL)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		w.deps.Metrics.ObserveFetch(metrics.ResultFailed)
		w.logger.Debug("fetch failed", zap.String("url", item.URL), zap.Error(err))
		w.complete(item)
		return
	}

	base := result.FinalURL
	if base == "" {
		base = item.URL
	}
	doc, err := w.deps.Extractor.Extract(result.Body, base)
	switch {
	case errors.Is(err, parser.ErrGarbledText):
		w.deps.Metrics.ObserveFetch(metrics.ResultGarbled)
		w.logger.Debug("garbled text discarded", zap.String("url", item.URL))
	case err != nil:
		w.deps.Metrics.ObserveFetch(metrics.ResultFailed)
		w.logger.Debug("extract failed", zap.String("url", item.URL), zap.Error(err))
		w.complete(item)
		return
	case doc == nil || doc.Title == "" || doc.Text == "":
		w.deps.Metrics.ObserveFetch(metrics.ResultEmpty)
		w.logger.Debug("empty page discarded", zap.String("url", item.URL))
	default:
		w.deps.Metrics.ObserveFetch(metrics.ResultOK)
		w.record(item, doc)
	}

	if doc != nil && w.cfg.AllowsDepth(item.Depth+1) {
		added := w.frontier.Schedule(doc.Links, item.Depth+1)
		w.logger.Debug("page visited",
			zap.String("url", item.URL),
			zap.Int("depth", item.Depth),
			zap.Int("links", len(doc.Links)),
			zap.Int("scheduled", added))
	}
	w.complete(item)
}

func (w *Worker) record(item WebURL, doc *parser.Document) {
	id, ok := w.frontier.ID(item.URL)
	if !ok {
		w.logger.Warn("visited address missing from index", zap.String("url", item.URL))
	}

	page := Page{
		Hash:        id,
		URL:         item.URL,
		Title:       doc.Title,
		Description: Describe(doc.Text, w.cfg.DescriptionLength),
		Text:        doc.Text,
	}

	w.mu.Lock()
	w.records = append(w.records, page)
	w.mu.Unlock()
}

func (w *Worker) hold(items []WebURL) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, item := range items {
		w.held[item.URL] = item
	}
}

func (w *Worker) complete(item WebURL) {
	w.frontier.Complete(item.URL)

	w.mu.Lock()
	delete(w.held, item.URL)
	w.mu.Unlock()
}

func (w *Worker) setState(s WorkerState) {
	w.state.Store(int32(s))
}
