// Package config collects the crawl engine's tunable defaults and the
// defaulting/validation logic applied to decoded HTTP API requests.
package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/kbcrawl/kbcrawl/internal/model"
	"github.com/kbcrawl/kbcrawl/internal/scope"
)

// Defaults mirrors the original service's HTTPConfig/RateLimitConfig/
// CrawlLimits constants, collapsed into one struct.
type Defaults struct {
	RequestTimeoutSeconds int
	ConnectTimeoutSeconds int
	MaxRetries            int

	DefaultDelayMS int
	MinDelayMS     int
	MaxDelayMS     int

	MaxContentLength int
	MaxHeadings      int
	MinContentLength int

	MinDepth int
	MaxDepth int

	MinWorkerCount int
	MaxWorkerCount int
	MinParallelKBs int
	MaxParallelKBs int
}

// Default returns the engine's built-in defaults.
func Default() Defaults {
	return Defaults{
		RequestTimeoutSeconds: 30,
		ConnectTimeoutSeconds: 10,
		MaxRetries:            3,

		DefaultDelayMS: 250,
		MinDelayMS:     100,
		MaxDelayMS:     5000,

		MaxContentLength: 50000,
		MaxHeadings:      50,
		MinContentLength: 50,

		MinDepth: 1,
		MaxDepth: 10,

		MinWorkerCount: 2,
		MaxWorkerCount: 10,
		MinParallelKBs: 1,
		MaxParallelKBs: 5,
	}
}

// UserAgents are rotated across outbound requests, matching the original
// service's realistic-browser UA pool.
var UserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
	"kbcrawl/1.0 (+https://github.com/kbcrawl/kbcrawl)",
}

// ValidateJobConfig applies the hard-error validations a start-crawl
// request must pass before a job is created: at least one active KB,
// unique KB ids, case-insensitive-unique names, non-empty entry URLs,
// and depth/worker/parallelism bounds.
func ValidateJobConfig(cfg model.JobConfig, d Defaults) error {
	if cfg.BaseDomain == "" {
		return fmt.Errorf("base_domain is required")
	}
	if parsed, err := url.Parse(cfg.BaseDomain); err != nil || parsed.Host == "" ||
		(parsed.Scheme != "http" && parsed.Scheme != "https") {
		return fmt.Errorf("base_domain must be an absolute http(s) URL")
	}

	active := 0
	seenIDs := make(map[string]bool)
	seenNames := make(map[string]bool)
	for _, kb := range cfg.KBs {
		if kb.KBID == "" {
			return fmt.Errorf("knowledge base missing kb_id")
		}
		if seenIDs[kb.KBID] {
			return fmt.Errorf("duplicate kb_id %q", kb.KBID)
		}
		seenIDs[kb.KBID] = true

		lowerName := strings.ToLower(kb.Name)
		if seenNames[lowerName] {
			return fmt.Errorf("duplicate knowledge base name %q (case-insensitive)", kb.Name)
		}
		seenNames[lowerName] = true

		if kb.IsActive {
			active++
			if len(kb.EntryURLs) == 0 {
				return fmt.Errorf("active knowledge base %q has no entry URLs", kb.KBID)
			}
		}
	}
	if active == 0 {
		return fmt.Errorf("job must have at least one active knowledge base")
	}

	if cfg.MaxDepth < d.MinDepth || cfg.MaxDepth > d.MaxDepth {
		return fmt.Errorf("max_depth must be between %d and %d", d.MinDepth, d.MaxDepth)
	}
	if cfg.WorkerCount < d.MinWorkerCount || cfg.WorkerCount > d.MaxWorkerCount {
		return fmt.Errorf("worker_count must be between %d and %d", d.MinWorkerCount, d.MaxWorkerCount)
	}
	if cfg.ParallelKBs < d.MinParallelKBs || cfg.ParallelKBs > d.MaxParallelKBs {
		return fmt.Errorf("parallel_kbs must be between %d and %d", d.MinParallelKBs, d.MaxParallelKBs)
	}

	switch cfg.Mode {
	case model.CrawlOnly, model.ScrapeOnly, model.CrawlAndScrape:
	default:
		return fmt.Errorf("invalid mode %q", cfg.Mode)
	}

	return nil
}

// Warnings returns advisory (non-fatal) issues with cfg: pairwise scope
// overlap between active KBs' initial prefix sets. It never causes
// ValidateJobConfig to fail.
func Warnings(cfg model.JobConfig) []string {
	prefixesByKB := make(map[string][]string)
	for _, kb := range cfg.KBs {
		if !kb.IsActive {
			continue
		}
		prefixesByKB[kb.KBID] = scope.EntryPrefixes(kb.EntryURLs)
	}
	var warnings []string
	for _, o := range scope.DetectOverlaps(prefixesByKB) {
		warnings = append(warnings, fmt.Sprintf("knowledge bases %q and %q have overlapping scope (%s)", o.KBID1, o.KBID2, o.Description))
	}
	return warnings
}

// ApplyDefaults fills zero-valued optional fields on cfg from d, and
// assigns a generated kb_id to any knowledge base the caller left blank
// (the REST surface treats kb_id as optional; uuid fills the gap the way
// start-crawl already does for job_id).
func ApplyDefaults(cfg model.JobConfig, d Defaults) model.JobConfig {
	if cfg.MaxDepth == 0 {
		cfg.MaxDepth = d.MinDepth
	}
	if cfg.WorkerCount == 0 {
		cfg.WorkerCount = d.MinWorkerCount
	}
	if cfg.ParallelKBs == 0 {
		cfg.ParallelKBs = d.MinParallelKBs
	}
	if cfg.Mode == "" {
		cfg.Mode = model.CrawlAndScrape
	}
	for i := range cfg.KBs {
		if cfg.KBs[i].KBID == "" {
			cfg.KBs[i].KBID = uuid.NewString()
		}
	}
	return cfg
}
