package crawl

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kbcrawl/kbcrawl/internal/model"
)

// stubGraph is a deterministic link graph keyed by URL, standing in for a
// fetcher so pool behavior can be tested without HTTP.
type stubGraph map[string][]string

type stubCrawl struct {
	graph    stubGraph
	maxDepth int

	mu      sync.Mutex
	visited map[string]bool
	starts  map[string]time.Time
	ends    map[string]time.Time
	pages   []model.PageResult
}

func (s *stubCrawl) fetch(ctx context.Context, t model.URLTask) (model.PageResult, []string) {
	s.mu.Lock()
	s.starts[t.URL] = time.Now()
	s.mu.Unlock()

	time.Sleep(time.Millisecond)

	s.mu.Lock()
	s.ends[t.URL] = time.Now()
	s.mu.Unlock()
	return model.PageResult{URL: t.URL, Depth: t.Depth, Status: model.StatusCrawled}, s.graph[t.URL]
}

func (s *stubCrawl) expand(depth int, discovered []discoveredLink) []model.URLTask {
	if depth >= s.maxDepth {
		return nil
	}
	var next []model.URLTask
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range discovered {
		if s.visited[d.URL] {
			continue
		}
		s.visited[d.URL] = true
		next = append(next, model.URLTask{URL: d.URL, ParentURL: d.Parent, Depth: depth + 1})
	}
	return next
}

func (s *stubCrawl) record(p model.PageResult) {
	s.mu.Lock()
	s.pages = append(s.pages, p)
	s.mu.Unlock()
}

func runStubPool(graph stubGraph, seed string, workers int64, maxDepth int, scrapeOnly bool) *stubCrawl {
	s := &stubCrawl{
		graph:    graph,
		maxDepth: maxDepth,
		visited:  map[string]bool{seed: true},
		starts:   make(map[string]time.Time),
		ends:     make(map[string]time.Time),
	}
	pool := &WorkerPool{
		Workers:  semaphore.NewWeighted(workers),
		Fetch:    s.fetch,
		OnResult: s.record,
	}
	if !scrapeOnly {
		pool.Expand = s.expand
	}
	pool.Run(context.Background(), []model.URLTask{{URL: seed, Depth: 1}})
	return s
}

func branchyGraph() stubGraph {
	return stubGraph{
		"/":  {"/a", "/b"},
		"/a": {"/c", "/d"},
		"/b": {"/d", "/e"},
		"/c": {"/f"},
		"/d": nil,
		"/e": {"/a"}, // cycle back up
		"/f": nil,
	}
}

func TestWorkerPool_LevelBarrier(t *testing.T) {
	s := runStubPool(branchyGraph(), "/", 4, 3, false)

	// Every deeper page's fetch must start only after every shallower
	// page's fetch has finished.
	for _, p := range s.pages {
		for _, q := range s.pages {
			if p.Depth >= q.Depth {
				continue
			}
			if s.starts[q.URL].Before(s.ends[p.URL]) {
				t.Errorf("depth-%d fetch of %s started before depth-%d fetch of %s finished",
					q.Depth, q.URL, p.Depth, p.URL)
			}
		}
	}
}

func TestWorkerPool_PageSetIndependentOfWorkerCount(t *testing.T) {
	urlsOf := func(s *stubCrawl) []string {
		out := make([]string, len(s.pages))
		for i, p := range s.pages {
			out[i] = p.URL
		}
		sort.Strings(out)
		return out
	}

	narrow := urlsOf(runStubPool(branchyGraph(), "/", 2, 3, false))
	wide := urlsOf(runStubPool(branchyGraph(), "/", 10, 3, false))

	if len(narrow) != len(wide) {
		t.Fatalf("page counts differ by worker count: %d vs %d", len(narrow), len(wide))
	}
	for i := range narrow {
		if narrow[i] != wide[i] {
			t.Errorf("page sets diverge at %d: %q vs %q", i, narrow[i], wide[i])
		}
	}
}

func TestWorkerPool_MaxDepthOneFetchesOnlySeeds(t *testing.T) {
	s := runStubPool(branchyGraph(), "/", 4, 1, false)
	if len(s.pages) != 1 {
		t.Fatalf("pages = %d, want 1 with max depth 1", len(s.pages))
	}
	if s.pages[0].URL != "/" {
		t.Errorf("fetched %q, want only the seed", s.pages[0].URL)
	}
}

func TestWorkerPool_NilExpandProcessesSingleBatch(t *testing.T) {
	s := runStubPool(branchyGraph(), "/", 4, 5, true)
	if len(s.pages) != 1 {
		t.Fatalf("pages = %d, want 1 when expansion is disabled", len(s.pages))
	}
}

func TestWorkerPool_CancelledContextStopsTraversal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := &stubCrawl{
		graph:    branchyGraph(),
		maxDepth: 3,
		visited:  map[string]bool{"/": true},
		starts:   make(map[string]time.Time),
		ends:     make(map[string]time.Time),
	}
	pool := &WorkerPool{
		Workers:  semaphore.NewWeighted(4),
		Fetch:    s.fetch,
		Expand:   s.expand,
		OnResult: s.record,
	}
	pool.Run(ctx, []model.URLTask{{URL: "/", Depth: 1}})

	if len(s.pages) != 0 {
		t.Errorf("pages = %d, want 0 for a context cancelled before Run", len(s.pages))
	}
}
