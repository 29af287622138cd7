package crawler_test

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/masahif/politecrawl/internal/config"
	"github.com/masahif/politecrawl/internal/crawler"
	"github.com/masahif/politecrawl/internal/parser"
	"github.com/masahif/politecrawl/internal/sink"
	"github.com/masahif/politecrawl/internal/storage"
)

// testSite serves a small linked site and counts requests per path.
type testSite struct {
	*httptest.Server
	mu   sync.Mutex
	hits map[string]int
}

func newTestSite(t *testing.T) *testSite {
	t.Helper()
	site := &testSite{hits: make(map[string]int)}

	pages := map[string]string{
		"/":            `<html><head><title>Home</title></head><body><h1>Welcome home</h1> <a href="/about">About</a> <a href="/blog/">Blog</a> <a href="https://elsewhere.test/">Away</a></body></html>`,
		"/about":       `<html><head><title>About</title></head><body><p>About this "site"</p> <a href="/">Home</a></body></html>`,
		"/blog/":       `<html><head><title>Blog</title></head><body><p>Posts</p> <a href="post-1">One</a> <a href="post-2">Two</a> <a href="/missing">Gone</a></body></html>`,
		"/blog/post-1": `<html><head><title>Post 1</title></head><body><p>First post text</p></body></html>`,
		"/blog/post-2": `<html><head><title>Post 2</title></head><body><p>Second post text</p> <a href="/blog/post-1#top">Back</a></body></html>`,
	}

	site.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		site.mu.Lock()
		site.hits[r.URL.Path]++
		site.mu.Unlock()

		body, ok := pages[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = fmt.Fprint(w, body)
	}))
	t.Cleanup(site.Close)
	return site
}

func (s *testSite) hitsFor(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func (s *testSite) allHits() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.hits))
	for k, v := range s.hits {
		out[k] = v
	}
	return out
}

func (s *testSite) totalHits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.hits {
		n += c
	}
	return n
}

func crawlConfig(t *testing.T, site *testSite, workDir, output string) *config.CrawlConfig {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.SeedURLs = []string{site.URL + "/"}
	cfg.Workers = 2
	cfg.VisitDelay = 5 * time.Millisecond
	cfg.MonitorInterval = 25 * time.Millisecond
	cfg.IdleBackoff = 10 * time.Millisecond
	cfg.SaveThreshold = 1
	cfg.WorkDir = workDir
	cfg.OutputPath = output

	filter, err := cfg.BuildVisitFilter()
	require.NoError(t, err)
	cfg.VisitFilter = filter
	return cfg
}

func runCrawl(t *testing.T, cfg *config.CrawlConfig) {
	t.Helper()

	index, queue, err := storage.Open(cfg.WorkDir)
	require.NoError(t, err)

	fileSink, err := sink.NewFileSink(cfg.OutputPath, nil)
	require.NoError(t, err)
	defer fileSink.Close()

	fetcher := crawler.NewHTTPClient(crawler.HTTPOptionsFromConfig(cfg))
	defer fetcher.Close()

	sup, err := crawler.NewSupervisor(cfg, index, queue, crawler.Deps{
		Fetcher:   fetcher,
		Extractor: parser.NewHTMLExtractor(),
		Sink:      fileSink,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	require.NoError(t, sup.Run(ctx))
	require.NoError(t, ctx.Err(), "crawl did not terminate on its own")
}

func readPages(t *testing.T, path string) []crawler.Page {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var pages []crawler.Page
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var batch sink.Batch
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &batch))
		pages = append(pages, batch.Pages...)
	}
	require.NoError(t, scanner.Err())
	return pages
}

func TestCrawlSiteToFile(t *testing.T) {
	site := newTestSite(t)
	dir := t.TempDir()
	output := filepath.Join(dir, "result.dat")
	cfg := crawlConfig(t, site, filepath.Join(dir, "frontier"), output)

	runCrawl(t, cfg)

	pages := readPages(t, output)
	byURL := make(map[string]crawler.Page, len(pages))
	for _, p := range pages {
		_, dup := byURL[p.URL]
		require.False(t, dup, "%s saved twice", p.URL)
		byURL[p.URL] = p
	}

	assert.Len(t, byURL, 5)
	home := byURL[site.URL+"/"]
	assert.Equal(t, int64(0), home.Hash, "the seed gets the first id")
	assert.Equal(t, "Home", home.Title)
	assert.Equal(t, "Welcome home About Blog Away", home.Text)
	assert.Equal(t, home.Text, home.Description)

	about := byURL[site.URL+"/about"]
	assert.Equal(t, "About this site Home", about.Text, "quotes are stripped")

	hashes := make(map[int64]bool)
	for _, p := range pages {
		assert.False(t, hashes[p.Hash], "hash %d reused", p.Hash)
		hashes[p.Hash] = true
	}

	// post-1 is linked twice; the missing page is fetched once and dropped.
	assert.Equal(t, 1, site.hitsFor("/blog/post-1"))
	assert.Equal(t, 1, site.hitsFor("/missing"))
	assert.Equal(t, 6, site.totalHits())
}

func TestCrawlMaxDepthZero(t *testing.T) {
	site := newTestSite(t)
	dir := t.TempDir()
	output := filepath.Join(dir, "result.dat")
	cfg := crawlConfig(t, site, filepath.Join(dir, "frontier"), output)
	cfg.MaxDepth = 0

	runCrawl(t, cfg)

	assert.Equal(t, 1, site.totalHits())
	assert.Len(t, readPages(t, output), 1)
}

func TestCrawlResumesWithoutRevisiting(t *testing.T) {
	site := newTestSite(t)
	dir := t.TempDir()
	workDir := filepath.Join(dir, "frontier")
	output := filepath.Join(dir, "result.dat")

	cfg := crawlConfig(t, site, workDir, output)
	cfg.MaxPages = 2
	runCrawl(t, cfg)
	assert.Equal(t, 2, site.totalHits(), "first run stops at the page budget")

	// The budget counts pages dispatched by earlier runs too.
	cfg = crawlConfig(t, site, workDir, output)
	cfg.Resumable = true
	cfg.MaxPages = 4
	runCrawl(t, cfg)
	assert.Equal(t, 4, site.totalHits())

	cfg = crawlConfig(t, site, workDir, output)
	cfg.Resumable = true
	runCrawl(t, cfg)
	assert.Equal(t, 6, site.totalHits(), "the rest of the site is crawled once")
	for path, n := range site.allHits() {
		assert.Equal(t, 1, n, "%s fetched more than once across runs", path)
	}

	assert.Len(t, readPages(t, output), 5)
}

func TestCrawlNotResumableStartsOver(t *testing.T) {
	site := newTestSite(t)
	dir := t.TempDir()
	workDir := filepath.Join(dir, "frontier")
	output := filepath.Join(dir, "result.dat")

	runCrawl(t, crawlConfig(t, site, workDir, output))
	runCrawl(t, crawlConfig(t, site, workDir, output))

	assert.Equal(t, 12, site.totalHits())
	assert.Len(t, readPages(t, output), 10, "output is appended across runs")
}
