package robots

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestCache_Allowed_ParsesDisallow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("User-agent: *\nDisallow: /private\n"))
	}))
	defer srv.Close()

	c := NewCache(nil, "kbcrawl-test", zerolog.Nop())
	allowedPublic, err := c.Allowed(context.Background(), srv.URL+"/public")
	if err != nil {
		t.Fatalf("Allowed() error = %v", err)
	}
	if !allowedPublic {
		t.Error("expected /public to be allowed")
	}

	allowedPrivate, err := c.Allowed(context.Background(), srv.URL+"/private/secret")
	if err != nil {
		t.Fatalf("Allowed() error = %v", err)
	}
	if allowedPrivate {
		t.Error("expected /private/secret to be disallowed")
	}
}

func TestCache_Allowed_FailsOpenOn404(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewCache(nil, "kbcrawl-test", zerolog.Nop())
	allowed, err := c.Allowed(context.Background(), srv.URL+"/anything")
	if err != nil {
		t.Fatalf("Allowed() error = %v", err)
	}
	if !allowed {
		t.Error("expected fail-open (allow) on 404 robots.txt")
	}
}

func TestCache_Allowed_FailsOpenOn5xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewCache(nil, "kbcrawl-test", zerolog.Nop())
	allowed, err := c.Allowed(context.Background(), srv.URL+"/anything")
	if err != nil {
		t.Fatalf("Allowed() error = %v", err)
	}
	if !allowed {
		t.Error("expected fail-open (allow) on 5xx robots.txt")
	}
}

func TestCache_Allowed_FailsOpenOnConnectionError(t *testing.T) {
	c := NewCache(&http.Client{Timeout: 200 * time.Millisecond}, "kbcrawl-test", zerolog.Nop())
	allowed, err := c.Allowed(context.Background(), "http://127.0.0.1:1/unreachable")
	if err != nil {
		t.Fatalf("Allowed() returned error instead of failing open: %v", err)
	}
	if !allowed {
		t.Error("expected fail-open (allow) on connection error")
	}
}

func TestCache_CrawlDelay_Extracted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("User-agent: *\nCrawl-delay: 2.5\n"))
	}))
	defer srv.Close()

	c := NewCache(nil, "kbcrawl-test", zerolog.Nop())
	parsed, _ := parseOriginParts(srv.URL)
	delay, err := c.CrawlDelay(context.Background(), parsed.scheme, parsed.host)
	if err != nil {
		t.Fatalf("CrawlDelay() error = %v", err)
	}
	if delay != 2500*time.Millisecond {
		t.Errorf("CrawlDelay() = %v, want 2.5s", delay)
	}
}

func TestCache_CrawlDelay_ScopedToMatchingGroup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("User-agent: Googlebot\nCrawl-delay: 9\n\nUser-agent: *\nAllow: /\n"))
	}))
	defer srv.Close()

	c := NewCache(nil, "kbcrawl-test", zerolog.Nop())
	parsed, _ := parseOriginParts(srv.URL)
	delay, err := c.CrawlDelay(context.Background(), parsed.scheme, parsed.host)
	if err != nil {
		t.Fatalf("CrawlDelay() error = %v", err)
	}
	if delay != 0 {
		t.Errorf("CrawlDelay() = %v, want 0 (delay belongs to another bot's group)", delay)
	}
}

func TestCache_SingleFlight_OneFetchPerOrigin(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		time.Sleep(20 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("User-agent: *\nAllow: /\n"))
	}))
	defer srv.Close()

	c := NewCache(nil, "kbcrawl-test", zerolog.Nop())
	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		go func() {
			c.Allowed(context.Background(), srv.URL+"/page")
			done <- struct{}{}
		}()
	}
	for i := 0; i < 5; i++ {
		<-done
	}
	if hits != 1 {
		t.Errorf("robots.txt fetched %d times concurrently, want exactly 1 (single-flight)", hits)
	}
}

// parseOriginParts is a tiny test-only helper splitting a server URL into
// scheme/host for CrawlDelay, which the production Cache.Allowed path
// derives internally from the page URL instead.
type originParts struct{ scheme, host string }

func parseOriginParts(rawURL string) (originParts, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return originParts{}, err
	}
	return originParts{scheme: u.Scheme, host: u.Host}, nil
}
