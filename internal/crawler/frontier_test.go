package crawler

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrontierLoadSeeds(t *testing.T) {
	cfg := testConfig("http://a.test/", "HTTP://B.test", "http://a.test/#top", "mailto:x@y.test")
	frontier, index, queue := testFrontier(cfg)

	assert.Equal(t, 2, frontier.LoadSeeds())
	assert.Equal(t, []WebURL{
		{URL: "http://a.test/", Depth: 0},
		{URL: "http://b.test/", Depth: 0},
	}, queue.snapshot(), "seed order is preserved")

	count, _ := index.Count()
	assert.Equal(t, int64(2), count)
}

func TestFrontierSeedsRespectVisitFilter(t *testing.T) {
	cfg := testConfig("http://a.test/", "http://blocked.test/")
	cfg.VisitFilter = func(u string) bool { return !strings.Contains(u, "blocked") }
	frontier, _, queue := testFrontier(cfg)

	assert.Equal(t, 1, frontier.LoadSeeds())
	assert.Equal(t, []WebURL{{URL: "http://a.test/"}}, queue.snapshot())
}

func TestFrontierSeedWithDefaultPortPassesHostFilter(t *testing.T) {
	cfg := testConfig("http://a.test:80/")
	filter, err := cfg.BuildVisitFilter()
	require.NoError(t, err)
	cfg.VisitFilter = filter
	frontier, _, queue := testFrontier(cfg)

	assert.Equal(t, 1, frontier.LoadSeeds())
	assert.Equal(t, []WebURL{{URL: "http://a.test/"}}, queue.snapshot())

	assert.Equal(t, 1, frontier.Schedule([]string{"http://a.test:80/next", "http://other.test/"}, 1))
}

func TestFrontierScheduleDedupsAcrossCallers(t *testing.T) {
	cfg := testConfig()
	frontier, index, queue := testFrontier(cfg)

	links := make([]string, 20)
	for i := range links {
		links[i] = fmt.Sprintf("http://a.test/%d", i)
	}

	var wg sync.WaitGroup
	added := make([]int, 16)
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			added[g] = frontier.Schedule(links, 1)
		}(g)
	}
	wg.Wait()

	total := 0
	for _, n := range added {
		total += n
	}
	assert.Equal(t, len(links), total, "every link admitted exactly once")

	count, _ := index.Count()
	assert.Equal(t, int64(len(links)), count)
	assert.Len(t, queue.snapshot(), len(links))
}

func TestFrontierScheduleAppliesFilterAndDepth(t *testing.T) {
	cfg := testConfig()
	cfg.VisitFilter = func(u string) bool { return strings.HasPrefix(u, "http://a.test/") }
	frontier, _, queue := testFrontier(cfg)

	added := frontier.Schedule([]string{
		"http://a.test/x",
		"http://other.test/y",
		"http://a.test/x#again",
		"not a url",
	}, 3)

	assert.Equal(t, 1, added)
	assert.Equal(t, []WebURL{{URL: "http://a.test/x", Depth: 3}}, queue.snapshot())
}

func TestFrontierDispatchMarksInProgress(t *testing.T) {
	cfg := testConfig("http://a.test/1", "http://a.test/2", "http://a.test/3")
	frontier, _, _ := testFrontier(cfg)
	frontier.LoadSeeds()

	items := frontier.Dispatch(2)
	require.Len(t, items, 2)
	assert.Equal(t, "http://a.test/1", items[0].URL)

	stats := frontier.Stats()
	assert.Equal(t, 2, stats.InProgress)
	assert.Equal(t, int64(1), stats.Pending)
	assert.Equal(t, int64(3), stats.TotalInserted)
	assert.Equal(t, int64(2), stats.Dispatched)

	frontier.Complete(items[0].URL)
	frontier.Complete(items[1].URL)
	frontier.Complete("http://never.test/")
	assert.Equal(t, 0, frontier.Stats().InProgress)
}

func TestFrontierDispatchEmpty(t *testing.T) {
	frontier, _, _ := testFrontier(testConfig())
	assert.Empty(t, frontier.Dispatch(5))
	assert.Empty(t, frontier.Dispatch(0))
	assert.False(t, frontier.HasWork())
}

func TestFrontierPageBudget(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPages = 3
	frontier, _, _ := testFrontier(cfg)

	links := make([]string, 10)
	for i := range links {
		links[i] = fmt.Sprintf("http://a.test/%d", i)
	}
	require.Equal(t, 10, frontier.Schedule(links, 1))

	var (
		mu         sync.Mutex
		dispatched []WebURL
		wg         sync.WaitGroup
	)
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				items := frontier.Dispatch(2)
				mu.Lock()
				dispatched = append(dispatched, items...)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, dispatched, 3, "exactly maxPages addresses are ever dispatched")
	for _, item := range dispatched {
		frontier.Complete(item.URL)
	}
	assert.False(t, frontier.HasWork(), "pending entries beyond the budget are not work")
	assert.Equal(t, int64(7), frontier.Stats().Pending)
}

func TestFrontierZeroBudget(t *testing.T) {
	cfg := testConfig("http://a.test/")
	cfg.MaxPages = 0
	frontier, _, _ := testFrontier(cfg)
	frontier.LoadSeeds()

	assert.Empty(t, frontier.Dispatch(10))
}

func TestFrontierNoDoubleDispatch(t *testing.T) {
	cfg := testConfig()
	frontier, _, _ := testFrontier(cfg)

	const entries = 40
	links := make([]string, entries)
	for i := range links {
		links[i] = fmt.Sprintf("http://a.test/%d", i)
	}
	frontier.Schedule(links, 0)

	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			items := frontier.Dispatch(5)
			mu.Lock()
			for _, item := range items {
				seen[item.URL]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, entries)
	for u, n := range seen {
		assert.Equal(t, 1, n, u)
	}
}

func TestFrontierRequeue(t *testing.T) {
	cfg := testConfig("http://a.test/")
	frontier, _, queue := testFrontier(cfg)
	frontier.LoadSeeds()

	items := frontier.Dispatch(1)
	require.Len(t, items, 1)

	assert.Equal(t, 1, frontier.Requeue(items))
	assert.Equal(t, items, queue.snapshot())
	assert.Equal(t, 0, frontier.Stats().InProgress)
	assert.True(t, frontier.HasWork())
}

func TestFrontierID(t *testing.T) {
	cfg := testConfig("http://a.test/", "http://b.test/")
	frontier, _, _ := testFrontier(cfg)
	frontier.LoadSeeds()

	id, ok := frontier.ID("http://b.test/")
	assert.True(t, ok)
	assert.Equal(t, int64(1), id)

	_, ok = frontier.ID("http://c.test/")
	assert.False(t, ok)
}

func TestFrontierShutdown(t *testing.T) {
	cfg := testConfig("http://a.test/")
	frontier, index, queue := testFrontier(cfg)
	frontier.LoadSeeds()

	require.NoError(t, frontier.Shutdown())
	require.NoError(t, frontier.Shutdown())
	assert.True(t, index.isClosed())
	assert.True(t, queue.closed)

	assert.Empty(t, frontier.Dispatch(5))
	assert.Zero(t, frontier.Schedule([]string{"http://new.test/"}, 1))
	assert.False(t, frontier.HasWork())
}
