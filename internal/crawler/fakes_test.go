package crawler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/masahif/politecrawl/internal/config"
	"github.com/masahif/politecrawl/internal/parser"
)

// memIndex is an in-memory URLIndex.
type memIndex struct {
	mu     sync.Mutex
	ids    map[string]int64
	closed bool
}

func newMemIndex() *memIndex { return &memIndex{ids: make(map[string]int64)} }

func (m *memIndex) Put(url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.ids[url]; !ok {
		m.ids[url] = int64(len(m.ids))
	}
	return nil
}

func (m *memIndex) ID(url string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.ids[url]
	if !ok {
		return -1, false, nil
	}
	return id, true, nil
}

func (m *memIndex) Count() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.ids)), nil
}

func (m *memIndex) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids = make(map[string]int64)
	return nil
}

func (m *memIndex) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memIndex) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// memQueue is an in-memory WorkQueue.
type memQueue struct {
	mu     sync.Mutex
	items  []WebURL
	total  int64
	closed bool
}

func (m *memQueue) Enqueue(item WebURL) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, item)
	m.total++
	return nil
}

func (m *memQueue) DequeueBatch(n int) ([]WebURL, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > len(m.items) {
		n = len(m.items)
	}
	out := make([]WebURL, n)
	copy(out, m.items[:n])
	m.items = m.items[n:]
	return out, nil
}

func (m *memQueue) TotalInserted() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total, nil
}

func (m *memQueue) Len() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.items)), nil
}

func (m *memQueue) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items, m.total = nil, 0
	return nil
}

func (m *memQueue) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memQueue) snapshot() []WebURL {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]WebURL, len(m.items))
	copy(out, m.items)
	return out
}

// site is a fake Fetcher serving a fixed set of pages.
type site struct {
	mu    sync.Mutex
	pages map[string]string
	calls map[string]int

	panicOnce map[string]bool // panic on the first fetch of these addresses
	block     map[string]bool // block until ctx is done
	started   chan string     // receives addresses as fetches begin, if set
	release   chan struct{}   // each fetch waits for a value, if set
}

func newSite(pages map[string]string) *site {
	return &site{
		pages:     pages,
		calls:     make(map[string]int),
		panicOnce: make(map[string]bool),
		block:     make(map[string]bool),
	}
}

func (s *site) Fetch(ctx context.Context, url string) (*FetchResult, error) {
	s.mu.Lock()
	s.calls[url]++
	shouldPanic := s.panicOnce[url]
	delete(s.panicOnce, url)
	shouldBlock := s.block[url]
	body, ok := s.pages[url]
	started, release := s.started, s.release
	s.mu.Unlock()

	if started != nil {
		select {
		case started <- url:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if shouldPanic {
		panic("fetch exploded: " + url)
	}
	if shouldBlock {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if !ok {
		return nil, fmt.Errorf("%w: 404", ErrUnexpectedStatus)
	}
	return &FetchResult{Body: []byte(body), ContentType: "text/html", FinalURL: url}, nil
}

func (s *site) fetches(url string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[url]
}

func (s *site) totalFetches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

// page renders a minimal HTML document linking to links.
func page(title, text string, links ...string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<html><head><title>%s</title></head><body><p>%s</p>", title, text)
	for _, l := range links {
		fmt.Fprintf(&b, ` <a href="%s">link</a>`, l)
	}
	b.WriteString("</body></html>")
	return b.String()
}

// memSink records every saved batch.
type memSink struct {
	mu      sync.Mutex
	batches [][]Page
	err     error
	closed  bool
}

func (m *memSink) Save(_ context.Context, pages []Page) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.batches = append(m.batches, pages)
	return nil
}

func (m *memSink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memSink) urls() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]int)
	for _, batch := range m.batches {
		for _, p := range batch {
			seen[p.URL]++
		}
	}
	return seen
}

func (m *memSink) batchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.batches)
}

// testConfig is a fast, unthrottled policy.
func testConfig(seeds ...string) *config.CrawlConfig {
	cfg := config.DefaultConfig()
	cfg.SeedURLs = seeds
	cfg.VisitDelay = 0
	cfg.IdleBackoff = 10 * time.Millisecond
	cfg.MonitorInterval = 20 * time.Millisecond
	cfg.BatchSize = 5
	return cfg
}

func testFrontier(cfg *config.CrawlConfig) (*Frontier, *memIndex, *memQueue) {
	index, queue := newMemIndex(), &memQueue{}
	return NewFrontier(cfg, index, queue, nil, nil), index, queue
}

func testWorker(t *testing.T, cfg *config.CrawlConfig, frontier *Frontier, fetcher Fetcher) *Worker {
	t.Helper()
	return NewWorker(0, cfg, frontier, newLimiterThrottle(cfg.VisitDelay), Deps{
		Fetcher:   fetcher,
		Extractor: parser.NewHTMLExtractor(),
		Sink:      &memSink{},
	})
}
