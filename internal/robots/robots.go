// Package robots implements the RobotsCache component: per-origin fetch,
// parse, and cache of robots.txt with a fail-open policy on any fetch or
// parse error.
package robots

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/temoto/robotstxt"
)

// entry is one origin's cached robots.txt state. data == nil means allow-all
// (404, 5xx, fetch error, or parse error all fail open).
type entry struct {
	data       *robotstxt.RobotsData
	crawlDelay time.Duration
	fetchedAt  time.Time
}

// Cache fetches and caches robots.txt per origin (scheme://host[:port]),
// fail-open on error.
type Cache struct {
	client    *http.Client
	userAgent string
	ttl       time.Duration
	log       zerolog.Logger

	mu       sync.Mutex
	entries  map[string]*entry
	inFlight map[string]chan struct{}
}

// NewCache builds a Cache with a 1-hour TTL.
func NewCache(client *http.Client, userAgent string, logger zerolog.Logger) *Cache {
	if client == nil {
		client = &http.Client{
			Timeout: 5 * time.Second,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: 3 * time.Second}).DialContext,
			},
		}
	}
	return &Cache{
		client:    client,
		userAgent: userAgent,
		ttl:       time.Hour,
		log:       logger,
		entries:   make(map[string]*entry),
		inFlight:  make(map[string]chan struct{}),
	}
}

// Allowed reports whether path on host may be fetched by the cache's user
// agent. Any network, status, or parse failure fails open (returns true).
func (c *Cache) Allowed(ctx context.Context, rawURL string) (bool, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return true, fmt.Errorf("parse URL for robots check: %w", err)
	}
	if parsed.Host == "" {
		return true, nil
	}

	e, err := c.get(ctx, parsed.Scheme, parsed.Host)
	if err != nil {
		// get has already cached an allow-all entry for this origin.
		return true, nil
	}
	if e.data == nil {
		return true, nil
	}
	return e.data.TestAgent(parsed.Path, c.userAgent), nil
}

// CrawlDelay returns the Crawl-delay directive for the scheme://host
// origin, or 0 if absent.
func (c *Cache) CrawlDelay(ctx context.Context, scheme, host string) (time.Duration, error) {
	e, err := c.get(ctx, scheme, host)
	if err != nil {
		return 0, err
	}
	return e.crawlDelay, nil
}

// get returns the cached entry for the scheme://host origin, fetching
// (with single-flight de-duplication across concurrent callers) if absent
// or expired.
func (c *Cache) get(ctx context.Context, scheme, host string) (*entry, error) {
	key := scheme + "://" + host
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && time.Since(e.fetchedAt) < c.ttl {
		c.mu.Unlock()
		return e, nil
	}
	if wait, ok := c.inFlight[key]; ok {
		c.mu.Unlock()
		<-wait
		c.mu.Lock()
		e := c.entries[key]
		c.mu.Unlock()
		return e, nil
	}
	done := make(chan struct{})
	c.inFlight[key] = done
	c.mu.Unlock()

	e, err := c.fetch(ctx, scheme, host)

	c.mu.Lock()
	c.entries[key] = e
	delete(c.inFlight, key)
	c.mu.Unlock()
	close(done)

	return e, err
}

func (c *Cache) fetch(ctx context.Context, scheme, host string) (*entry, error) {
	robotsURL := fmt.Sprintf("%s://%s/robots.txt", scheme, host)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return allowAllEntry(), fmt.Errorf("create robots.txt request for %s: %w", host, err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.log.Debug().Err(err).Str("host", host).Msg("robots.txt fetch failed, failing open")
		return allowAllEntry(), fmt.Errorf("fetch robots.txt for %s: %w", host, err)
	}
	defer resp.Body.Close()

	// Cap the body like the fetcher does for pages, robots.txt can be
	// served misconfigured as an unbounded stream.
	body, err := io.ReadAll(io.LimitReader(resp.Body, 512*1024))
	if err != nil {
		return allowAllEntry(), fmt.Errorf("read robots.txt body for %s: %w", host, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return allowAllEntry(), nil
	case resp.StatusCode == http.StatusTooManyRequests:
		// Treat a throttled robots.txt fetch as allow-all rather than
		// blocking the whole host on a transient 429.
		return allowAllEntry(), nil
	case resp.StatusCode >= 500:
		return allowAllEntry(), nil
	case resp.StatusCode >= 400:
		return allowAllEntry(), nil
	}

	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil || data == nil {
		return allowAllEntry(), err
	}

	e := &entry{data: data, fetchedAt: time.Now()}
	// Crawl-delay is honored only from the directive group that matches
	// this crawler's own user agent, not from any group in the file.
	if group := data.FindGroup(c.userAgent); group != nil {
		e.crawlDelay = group.CrawlDelay
	}
	return e, nil
}

func allowAllEntry() *entry {
	return &entry{data: nil, fetchedAt: time.Now()}
}

// Clear removes all cached entries. Used by tests.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
}
