package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/kbcrawl/kbcrawl/internal/model"
	"github.com/kbcrawl/kbcrawl/internal/ratelimit"
	"github.com/kbcrawl/kbcrawl/internal/robots"
)

func newTestFetcher(respectRobots bool, robotsCache *robots.Cache) *Fetcher {
	if robotsCache == nil {
		robotsCache = robots.NewCache(nil, "kbcrawl-test", zerolog.Nop())
	}
	return New([]string{"kbcrawl-test"}, respectRobots, robotsCache, ratelimit.New(), zerolog.Nop())
}

func TestFetch_SuccessIsNotMisclassifiedAsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><head><title>Home</title></head><body><main><p>Enough content to pass the thin-content check comfortably in this fixture.</p></main></body></html>`))
	}))
	defer srv.Close()

	f := newTestFetcher(false, nil)
	task := model.URLTask{URL: srv.URL + "/", Depth: 1}
	page, _ := f.Fetch(context.Background(), task, model.CrawlAndScrape, nil)

	if page.Status != model.StatusScraped {
		t.Fatalf("status = %v, want %v; failure = %+v", page.Status, model.StatusScraped, page.Failure)
	}
	if page.Failure.Phase != model.PhaseNone {
		t.Errorf("failure.phase = %q, want %q", page.Failure.Phase, model.PhaseNone)
	}
	if page.Failure.Type != model.FailNone {
		t.Errorf("failure.type = %q, want %q", page.Failure.Type, model.FailNone)
	}
	if page.Title != "Home" {
		t.Errorf("title = %q, want %q", page.Title, "Home")
	}
}

func TestFetch_RetriesOn429ThenSucceeds(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><head><title>Slow</title></head><body><main><p>Enough content to pass the thin-content check comfortably in this fixture.</p></main></body></html>`))
	}))
	defer srv.Close()

	f := newTestFetcher(false, nil)
	task := model.URLTask{URL: srv.URL + "/slow", Depth: 1}
	page, _ := f.Fetch(context.Background(), task, model.ScrapeOnly, nil)

	if attempts < 3 {
		t.Fatalf("attempts = %d, want at least 3 (two 429s then success)", attempts)
	}
	if page.Status != model.StatusScraped {
		t.Fatalf("status = %v, want %v after eventual success; failure=%+v", page.Status, model.StatusScraped, page.Failure)
	}
	// Each 429 doubles the pending backoff step (1s and 2s become 2s and
	// 4s), so the page's wall-clock time reflects at least those sleeps.
	if page.Timing.TotalMS < 6000 {
		t.Errorf("total_ms = %v, want >= 6000 (doubled 1s+2s backoff)", page.Timing.TotalMS)
	}
}

func TestFetch_NonRetryable4xxStopsImmediately(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := newTestFetcher(false, nil)
	task := model.URLTask{URL: srv.URL + "/missing", Depth: 1}
	page, _ := f.Fetch(context.Background(), task, model.ScrapeOnly, nil)

	if attempts != 1 {
		t.Errorf("attempts = %d, want exactly 1 (404 is not retryable)", attempts)
	}
	if page.Status != model.StatusError {
		t.Fatalf("status = %v, want %v", page.Status, model.StatusError)
	}
	if page.Failure.Type != model.FailCrawlHTTP4xx {
		t.Errorf("failure.type = %v, want %v", page.Failure.Type, model.FailCrawlHTTP4xx)
	}
	if page.Failure.HTTPStatus != 404 {
		t.Errorf("failure.http_status = %d, want 404", page.Failure.HTTPStatus)
	}
}

func TestFetch_RobotsDisallowBlocksFetch(t *testing.T) {
	var pageHit bool
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("User-agent: *\nDisallow: /private\n"))
	})
	mux.HandleFunc("/private/secret", func(w http.ResponseWriter, r *http.Request) {
		pageHit = true
		w.Write([]byte("should never be served"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := newTestFetcher(true, robots.NewCache(nil, "kbcrawl-test", zerolog.Nop()))
	task := model.URLTask{URL: srv.URL + "/private/secret", Depth: 1}
	page, links := f.Fetch(context.Background(), task, model.ScrapeOnly, nil)

	if page.Status != model.StatusError {
		t.Fatalf("status = %v, want %v", page.Status, model.StatusError)
	}
	if page.Failure.Type != model.FailCrawlRobotsBlocked {
		t.Errorf("failure.type = %v, want %v", page.Failure.Type, model.FailCrawlRobotsBlocked)
	}
	if links != nil {
		t.Errorf("expected no discovered links for a robots-blocked fetch, got %v", links)
	}
	if pageHit {
		t.Error("page handler should never have been invoked once robots.txt disallowed it")
	}
}

func TestFetch_RedirectOutOfScopeIsNotFollowed(t *testing.T) {
	var outsideHit bool
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/outside/landing", http.StatusFound)
	})
	mux.HandleFunc("/outside/landing", func(w http.ResponseWriter, r *http.Request) {
		outsideHit = true
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := newTestFetcher(false, nil)
	task := model.URLTask{URL: srv.URL + "/start", Depth: 1}
	inScope := func(u string) (bool, string) {
		return !strings.Contains(u, "/outside/"), "/"
	}
	page, links := f.Fetch(context.Background(), task, model.CrawlAndScrape, inScope)

	if page.Status != model.StatusError {
		t.Fatalf("status = %v, want %v", page.Status, model.StatusError)
	}
	if page.Failure.Type != model.FailCrawlConnectionError {
		t.Errorf("failure.type = %v, want %v", page.Failure.Type, model.FailCrawlConnectionError)
	}
	if page.Failure.Reason != "redirect_out_of_scope" {
		t.Errorf("failure.reason = %q, want %q", page.Failure.Reason, "redirect_out_of_scope")
	}
	if outsideHit {
		t.Error("out-of-scope redirect target should never have been fetched")
	}
	if links != nil {
		t.Errorf("expected no discovered links, got %v", links)
	}
}

func TestFetch_RedirectLoopDetected(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/a", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/b", http.StatusFound)
	})
	mux.HandleFunc("/b", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/a", http.StatusFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := newTestFetcher(false, nil)
	task := model.URLTask{URL: srv.URL + "/a", Depth: 1}
	page, _ := f.Fetch(context.Background(), task, model.CrawlAndScrape, nil)

	if page.Status != model.StatusError {
		t.Fatalf("status = %v, want %v", page.Status, model.StatusError)
	}
	if page.Failure.Type != model.FailCrawlRedirectLoop {
		t.Errorf("failure.type = %v, want %v", page.Failure.Type, model.FailCrawlRedirectLoop)
	}
}

func TestFetch_LinksExtractedEvenInScrapeOnlyMode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><head><title>Home</title></head><body><main><p>Enough content to pass the thin-content check comfortably in this fixture.</p><a href="/a">a</a><a href="/b">b</a><a href="/c">c</a></main></body></html>`))
	}))
	defer srv.Close()

	f := newTestFetcher(false, nil)
	task := model.URLTask{URL: srv.URL + "/", Depth: 1}
	page, links := f.Fetch(context.Background(), task, model.ScrapeOnly, nil)

	if page.LinksFound != 3 {
		t.Errorf("links_found = %d, want 3 (scrape-only still reports link counts)", page.LinksFound)
	}
	if len(links) != 3 {
		t.Errorf("discovered links = %d, want 3 (the caller decides whether to expand)", len(links))
	}
}

func TestFetch_TimingConsistencyOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := newTestFetcher(false, nil)
	task := model.URLTask{URL: srv.URL + "/missing", Depth: 1}
	page, _ := f.Fetch(context.Background(), task, model.ScrapeOnly, nil)

	tm := page.Timing
	if tm.TotalMS < tm.CrawlMS+tm.ScrapeMS {
		t.Errorf("total_ms %v < crawl_ms %v + scrape_ms %v", tm.TotalMS, tm.CrawlMS, tm.ScrapeMS)
	}
	if tm.TimeBeforeFailureMS > tm.TotalMS {
		t.Errorf("time_before_failure_ms %v > total_ms %v", tm.TimeBeforeFailureMS, tm.TotalMS)
	}
	if page.Failure.Phase != model.PhaseNone && tm.TimeBeforeFailureMS == 0 && tm.CrawlMS > 0 {
		t.Errorf("failed page has zero time_before_failure_ms with crawl_ms %v", tm.CrawlMS)
	}
}

func TestFetch_EmptyContentClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><head><title>Thin</title></head><body><main>hi</main></body></html>`))
	}))
	defer srv.Close()

	f := newTestFetcher(false, nil)
	task := model.URLTask{URL: srv.URL + "/", Depth: 1}
	page, _ := f.Fetch(context.Background(), task, model.ScrapeOnly, nil)

	if page.Status != model.StatusError {
		t.Fatalf("status = %v, want %v for thin content", page.Status, model.StatusError)
	}
	if page.Failure.Type != model.FailScrapeEmptyContent {
		t.Errorf("failure.type = %v, want %v", page.Failure.Type, model.FailScrapeEmptyContent)
	}
}
