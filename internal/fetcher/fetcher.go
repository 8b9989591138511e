// Package fetcher implements the Fetcher component: robots-gated,
// rate-limited HTTP retrieval with retry/backoff, redirect-scope
// re-validation, link extraction, and conditional content scraping.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"

	"github.com/kbcrawl/kbcrawl/internal/model"
	"github.com/kbcrawl/kbcrawl/internal/ratelimit"
	"github.com/kbcrawl/kbcrawl/internal/robots"
	"github.com/kbcrawl/kbcrawl/internal/urlutil"
)

// retryDelays are the 1s/2s/4s backoff steps taken before each of the
// three retries (four attempts in all).
var retryDelays = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

const maxRedirectHops = 5

// ScopeChecker re-validates a URL against its owning KB's ScopeFilter,
// used to stop following redirects that leave scope. It returns whether
// the URL is allowed and the prefix it matched.
type ScopeChecker func(rawURL string) (allowed bool, matchedPrefix string)

// Fetcher retrieves pages: robots check, rate-limit wait, retrying GET,
// link extraction, and optional content scraping.
type Fetcher struct {
	Client        *http.Client
	UserAgents    []string
	Robots        *robots.Cache
	Limiter       *ratelimit.Limiter
	RespectRobots bool

	log zerolog.Logger
}

// New builds a Fetcher sharing client, robots cache, and rate limiter
// across every KBCrawler in a job. userAgents is the fixed pool rotated
// uniformly at random on every outbound GET.
func New(userAgents []string, respectRobots bool, robotsCache *robots.Cache, limiter *ratelimit.Limiter, logger zerolog.Logger) *Fetcher {
	return &Fetcher{
		Client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     30 * time.Second,
			},
			// Redirects are followed manually so each hop can be
			// re-validated against the owning KB's scope.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		UserAgents:    userAgents,
		Robots:        robotsCache,
		Limiter:       limiter,
		RespectRobots: respectRobots,
		log:           logger,
	}
}

// Close releases the fetcher's pooled HTTP connections. Called by the
// coordinator once a job reaches a terminal state.
func (f *Fetcher) Close() {
	f.Client.CloseIdleConnections()
}

// pickUserAgent returns one user agent chosen uniformly at random from
// the fixed pool, so consecutive requests don't present one identity.
func (f *Fetcher) pickUserAgent() string {
	if len(f.UserAgents) == 0 {
		return ""
	}
	return f.UserAgents[rand.Intn(len(f.UserAgents))]
}

// fetchOutcome is the internal result of one attempt sequence, before it
// is folded into a PageResult.
type fetchOutcome struct {
	body        []byte
	contentType string
	finalURL    string
	status      int
	crawlMS     float64
	failure     model.Failure
}

// Fetch retrieves the task's URL, following in-scope redirects, and
// scrapes content when the mode calls for it. scopeCheck re-validates
// every redirect hop; a redirect leaving scope ends the chain with a
// redirect_out_of_scope failure instead of silently following it.
func (f *Fetcher) Fetch(ctx context.Context, task model.URLTask, mode model.CrawlMode, scopeCheck ScopeChecker) (model.PageResult, []string) {
	start := time.Now()
	result := model.PageResult{
		URL:           task.URL,
		ParentURL:     task.ParentURL,
		Depth:         task.Depth,
		MatchedPrefix: task.MatchedPrefix,
		Headings:      []string{},
		// Every non-error return path below leaves this as-is; the zero
		// value of Failure{} must never be mistaken for "no failure" by
		// equality against the FailNone/PhaseNone sentinels.
		Failure: model.Failure{Phase: model.PhaseNone, Type: model.FailNone},
	}

	origin, err := urlutil.Origin(task.URL)
	if err != nil {
		result.Status = model.StatusError
		result.Failure = model.Failure{Phase: model.PhaseCrawl, Type: model.FailUnknown, Reason: err.Error()}
		result.Timing.TotalMS = msSince(start)
		result.Timing.TimeBeforeFailureMS = result.Timing.TotalMS
		return result, nil
	}

	if f.RespectRobots {
		allowed, err := f.Robots.Allowed(ctx, task.URL)
		if err == nil && !allowed {
			result.Status = model.StatusError
			result.Failure = model.Failure{Phase: model.PhaseCrawl, Type: model.FailCrawlRobotsBlocked, Reason: "disallowed by robots.txt"}
			result.Timing.TotalMS = msSince(start)
			result.Timing.TimeBeforeFailureMS = result.Timing.TotalMS
			return result, nil
		}
		if delay, err := f.Robots.CrawlDelay(ctx, schemeOf(task.URL), hostOf(task.URL)); err == nil && delay > 0 {
			f.Limiter.SetBaseDelay(origin, delay)
		}
	}

	outcome := f.fetchWithRetry(ctx, task.URL, origin, scopeCheck)
	result.Timing.CrawlMS = outcome.crawlMS

	if outcome.failure.Type != model.FailNone {
		result.Status = model.StatusError
		result.Failure = outcome.failure
		result.Timing.TimeBeforeFailureMS = outcome.crawlMS
		result.Timing.TotalMS = msSince(start)
		f.log.Debug().
			Str("url", task.URL).
			Str("failure_type", string(outcome.failure.Type)).
			Int("http_status", outcome.failure.HTTPStatus).
			Msg("page fetch failed")
		return result, nil
	}

	finalURL, err := url.Parse(outcome.finalURL)
	if err != nil {
		result.Status = model.StatusError
		result.Failure = model.Failure{Phase: model.PhaseCrawl, Type: model.FailUnknown, Reason: err.Error()}
		result.Timing.TotalMS = msSince(start)
		result.Timing.TimeBeforeFailureMS = result.Timing.TotalMS
		return result, nil
	}

	wantScrape := mode == model.ScrapeOnly || mode == model.CrawlAndScrape

	if isBinaryContentType(outcome.contentType) {
		result.Status = model.StatusCrawled
		result.Timing.TotalMS = msSince(start)
		return result, nil
	}

	// Links are extracted on every successfully parsed 200 regardless of
	// mode; the caller decides whether to expand them.
	var links []string
	if extracted, err := ExtractLinks(strings.NewReader(string(outcome.body)), finalURL); err == nil {
		links = extracted
		result.LinksFound = len(extracted)
	}

	if wantScrape {
		scrapeStart := time.Now()
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(outcome.body)))
		if err != nil {
			result.Status = model.StatusError
			result.Failure = model.Failure{Phase: model.PhaseScrape, Type: model.FailScrapeParseError, Reason: err.Error()}
			result.Timing.ScrapeMS = msSince(scrapeStart)
			result.Timing.TotalMS = msSince(start)
			result.Timing.TimeBeforeFailureMS = result.Timing.CrawlMS + result.Timing.ScrapeMS
			return result, links
		}

		result.Title = ExtractTitle(doc)
		result.Headings = ExtractHeadings(doc)
		result.MainText = ExtractMainText(doc)
		result.Timing.ScrapeMS = msSince(scrapeStart)

		if IsContentTooThin(result.MainText) {
			failType := model.FailScrapeEmptyContent
			reason := "extracted content below minimum length"
			if IsJSBlocked(doc) {
				failType = model.FailScrapeJSBlocked
				reason = "page appears to require JavaScript rendering"
			}
			result.Status = model.StatusError
			result.MainText = ""
			result.Failure = model.Failure{Phase: model.PhaseScrape, Type: failType, Reason: reason}
			result.Timing.TotalMS = msSince(start)
			result.Timing.TimeBeforeFailureMS = result.Timing.CrawlMS + result.Timing.ScrapeMS
			return result, links
		}
	}

	if wantScrape {
		result.Status = model.StatusScraped
	} else {
		result.Status = model.StatusCrawled
	}
	result.Timing.TotalMS = msSince(start)
	return result, links
}

// fetchWithRetry performs the GET with manual redirect following,
// retrying transient failures up to len(retryDelays) times.
func (f *Fetcher) fetchWithRetry(ctx context.Context, startURL, origin string, scopeCheck ScopeChecker) fetchOutcome {
	var last fetchOutcome
	// crawlMS accumulates only the HTTP round trips; rate-limiter waits
	// and backoff sleeps land in the page's total time instead.
	var crawlMS float64

	attempts := len(retryDelays) + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := retryDelays[attempt-1]
			// A 429 doubles the current backoff step, on top of widening
			// the origin's rate-limiter delay below.
			if last.status == http.StatusTooManyRequests {
				delay *= 2
			}
			select {
			case <-ctx.Done():
				last.failure = model.Failure{Phase: model.PhaseCrawl, Type: model.FailCrawlTimeout, Reason: ctx.Err().Error()}
				last.crawlMS = crawlMS
				return last
			case <-time.After(delay):
			}
		}

		if err := f.Limiter.Wait(ctx, origin); err != nil {
			last.failure = model.Failure{Phase: model.PhaseCrawl, Type: model.FailCrawlTimeout, Reason: err.Error()}
			last.crawlMS = crawlMS
			return last
		}

		attemptStart := time.Now()
		outcome := f.doOneFetch(ctx, startURL, scopeCheck)
		crawlMS += msSince(attemptStart)
		last = outcome
		last.crawlMS = crawlMS

		if outcome.failure.Type == model.FailNone {
			f.Limiter.ResetBackoff(origin)
			return last
		}

		if outcome.status == http.StatusTooManyRequests {
			f.Limiter.Backoff(origin)
		}

		if !isRetryable(outcome) {
			return last
		}
	}
	return last
}

// doOneFetch performs a single GET and follows redirects manually, up to
// maxRedirectHops, re-validating every hop against scopeCheck and
// detecting redirect loops by exact-URL repetition.
func (f *Fetcher) doOneFetch(ctx context.Context, startURL string, scopeCheck ScopeChecker) fetchOutcome {
	currentURL := startURL
	visited := map[string]bool{}

	for hop := 0; hop <= maxRedirectHops; hop++ {
		if visited[currentURL] {
			return fetchOutcome{
				finalURL: currentURL,
				failure:  model.Failure{Phase: model.PhaseCrawl, Type: model.FailCrawlRedirectLoop, Reason: "redirect loop detected"},
			}
		}
		visited[currentURL] = true

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, currentURL, nil)
		if err != nil {
			return fetchOutcome{failure: model.Failure{Phase: model.PhaseCrawl, Type: model.FailUnknown, Reason: err.Error()}}
		}
		if ua := f.pickUserAgent(); ua != "" {
			req.Header.Set("User-Agent", ua)
		}
		req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

		resp, err := f.Client.Do(req)
		if err != nil {
			return fetchOutcome{failure: classifyNetError(err)}
		}

		if isRedirectStatus(resp.StatusCode) {
			location := resp.Header.Get("Location")
			resp.Body.Close()
			if location == "" {
				return fetchOutcome{status: resp.StatusCode, failure: model.Failure{Phase: model.PhaseCrawl, Type: model.FailCrawlHTTP4xx, Reason: "redirect with no Location header", HTTPStatus: resp.StatusCode}}
			}
			next, err := req.URL.Parse(location)
			if err != nil {
				return fetchOutcome{status: resp.StatusCode, failure: model.Failure{Phase: model.PhaseCrawl, Type: model.FailUnknown, Reason: err.Error()}}
			}
			nextURL := next.String()
			if scopeCheck != nil {
				if allowed, _ := scopeCheck(nextURL); !allowed {
					return fetchOutcome{
						finalURL: nextURL,
						status:   resp.StatusCode,
						failure:  model.Failure{Phase: model.PhaseCrawl, Type: model.FailCrawlConnectionError, Reason: "redirect_out_of_scope"},
					}
				}
			}
			currentURL = nextURL
			continue
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
		closeErr := resp.Body.Close()
		if err != nil {
			return fetchOutcome{status: resp.StatusCode, failure: model.Failure{Phase: model.PhaseCrawl, Type: model.FailUnknown, Reason: err.Error()}}
		}
		if closeErr != nil {
			return fetchOutcome{status: resp.StatusCode, failure: model.Failure{Phase: model.PhaseCrawl, Type: model.FailUnknown, Reason: closeErr.Error()}}
		}

		if resp.StatusCode >= 500 {
			return fetchOutcome{status: resp.StatusCode, failure: model.Failure{Phase: model.PhaseCrawl, Type: model.FailCrawlHTTP5xx, Reason: resp.Status, HTTPStatus: resp.StatusCode}}
		}
		if resp.StatusCode >= 400 {
			return fetchOutcome{status: resp.StatusCode, failure: model.Failure{Phase: model.PhaseCrawl, Type: model.FailCrawlHTTP4xx, Reason: resp.Status, HTTPStatus: resp.StatusCode}}
		}

		return fetchOutcome{
			body:        body,
			contentType: resp.Header.Get("Content-Type"),
			finalURL:    currentURL,
			status:      resp.StatusCode,
			failure:     model.Failure{Phase: model.PhaseNone, Type: model.FailNone},
		}
	}

	return fetchOutcome{
		finalURL: currentURL,
		failure:  model.Failure{Phase: model.PhaseCrawl, Type: model.FailCrawlRedirectLoop, Reason: fmt.Sprintf("exceeded %d redirect hops", maxRedirectHops)},
	}
}

func isRedirectStatus(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func isRetryable(o fetchOutcome) bool {
	// A redirect that escapes scope is a policy outcome, not a transient
	// fault; retrying it would just walk the same redirect again.
	if o.failure.Reason == "redirect_out_of_scope" {
		return false
	}
	switch o.failure.Type {
	case model.FailCrawlTimeout, model.FailCrawlConnectionError, model.FailCrawlDNSError,
		model.FailCrawlSSLError, model.FailCrawlHTTP5xx:
		return true
	}
	return o.status == http.StatusTooManyRequests
}

func classifyNetError(err error) model.Failure {
	if errors.Is(err, context.DeadlineExceeded) {
		return model.Failure{Phase: model.PhaseCrawl, Type: model.FailCrawlTimeout, Reason: err.Error()}
	}
	// The client's overall timeout surfaces as a url.Error whose Timeout()
	// is true without wrapping context.DeadlineExceeded on every Go version.
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return model.Failure{Phase: model.PhaseCrawl, Type: model.FailCrawlTimeout, Reason: err.Error()}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return model.Failure{Phase: model.PhaseCrawl, Type: model.FailCrawlDNSError, Reason: err.Error()}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Timeout() {
			return model.Failure{Phase: model.PhaseCrawl, Type: model.FailCrawlTimeout, Reason: err.Error()}
		}
		return model.Failure{Phase: model.PhaseCrawl, Type: model.FailCrawlConnectionError, Reason: err.Error()}
	}
	if strings.Contains(strings.ToLower(err.Error()), "certificate") {
		return model.Failure{Phase: model.PhaseCrawl, Type: model.FailCrawlSSLError, Reason: err.Error()}
	}
	return model.Failure{Phase: model.PhaseCrawl, Type: model.FailCrawlConnectionError, Reason: err.Error()}
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}

func schemeOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "https"
	}
	return parsed.Scheme
}

func hostOf(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return parsed.Host
}
