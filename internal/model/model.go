// Package model holds the data types shared across the crawl engine:
// job/KB configuration, per-page results, and the discriminated failure
// value pages carry instead of a propagated error.
package model

import "time"

// CrawlMode controls whether a KBCrawler expands links, extracts content,
// or both.
type CrawlMode string

const (
	CrawlOnly      CrawlMode = "crawl_only"
	ScrapeOnly     CrawlMode = "scrape_only"
	CrawlAndScrape CrawlMode = "crawl_and_scrape"
)

// PageStatus is the terminal disposition of a single PageResult.
type PageStatus string

const (
	StatusScraped PageStatus = "scraped"
	StatusCrawled PageStatus = "crawled"
	StatusSkipped PageStatus = "skipped"
	StatusError   PageStatus = "error"
)

// SkipReason explains a StatusSkipped PageResult.
type SkipReason string

const (
	SkipNone               SkipReason = ""
	SkipChildPagesDisabled SkipReason = "child_pages_disabled"
)

// FailurePhase names which stage of fetching a page produced a Failure.
type FailurePhase string

const (
	PhaseNone   FailurePhase = "none"
	PhaseCrawl  FailurePhase = "crawl"
	PhaseScrape FailurePhase = "scrape"
)

// FailureType enumerates the ways fetching or scraping a page can fail.
type FailureType string

const (
	FailNone FailureType = "none"

	FailCrawlTimeout         FailureType = "timeout"
	FailCrawlDNSError        FailureType = "dns_error"
	FailCrawlSSLError        FailureType = "ssl_error"
	FailCrawlConnectionError FailureType = "connection_error"
	FailCrawlHTTP4xx         FailureType = "http_4xx"
	FailCrawlHTTP5xx         FailureType = "http_5xx"
	FailCrawlRobotsBlocked   FailureType = "robots_blocked"
	FailCrawlRedirectLoop    FailureType = "redirect_loop"

	FailScrapeEmptyContent     FailureType = "empty_content"
	FailScrapeJSBlocked        FailureType = "js_blocked"
	FailScrapeParseError       FailureType = "parse_error"
	FailScrapeSelectorMismatch FailureType = "selector_mismatch"

	FailUnknown FailureType = "unknown"
)

// Failure is the discriminated value a page-level error is recorded as.
// It is never returned as a Go error from the fetch path; it is always
// attached to the PageResult that experienced it.
type Failure struct {
	Phase      FailurePhase `json:"phase"`
	Type       FailureType  `json:"type"`
	Reason     string       `json:"reason,omitempty"`
	HTTPStatus int          `json:"http_status,omitempty"`
}

// Timing is the per-page timing breakdown. TotalMS covers the whole
// fetch including robots and rate-limit waits, so it is always at least
// CrawlMS + ScrapeMS.
type Timing struct {
	TotalMS             float64 `json:"total_ms"`
	CrawlMS             float64 `json:"crawl_ms"`
	ScrapeMS            float64 `json:"scrape_ms"`
	TimeBeforeFailureMS float64 `json:"time_before_failure_ms"`
}

// URLTask is one unit of BFS work: a URL discovered at a given depth from
// a given parent, already admitted past its KB's ScopeFilter.
type URLTask struct {
	URL           string
	ParentURL     string
	Depth         int
	MatchedPrefix string
}

// PageResult is the immutable-once-appended record of processing one URL.
type PageResult struct {
	URL           string     `json:"url"`
	ParentURL     string     `json:"parent_url,omitempty"`
	Depth         int        `json:"depth"`
	Title         string     `json:"title,omitempty"`
	Headings      []string   `json:"headings"`
	MainText      string     `json:"main_text,omitempty"`
	LinksFound    int        `json:"links_found"`
	Status        PageStatus `json:"status"`
	SkipReason    SkipReason `json:"skip_reason,omitempty"`
	Timing        Timing     `json:"timing"`
	Failure       Failure    `json:"failure"`
	MatchedPrefix string     `json:"matched_prefix,omitempty"`

	// Domain classification, supplemented from the project's original
	// PageResult shape (is_same_domain / is_subdomain).
	IsSameDomain bool `json:"is_same_domain"`
	IsSubdomain  bool `json:"is_subdomain"`
}

// DepthStats records how many URLs were queued at a given BFS depth.
type DepthStats struct {
	Depth     int      `json:"depth"`
	URLsCount int      `json:"urls_count"`
	URLs      []string `json:"urls"`
}

// KBState is the state machine a KBCrawler drives its KBResult through.
type KBState string

const (
	KBPending   KBState = "pending"
	KBRunning   KBState = "running"
	KBCompleted KBState = "completed"
	KBFailed    KBState = "failed"
	KBSkipped   KBState = "skipped"
)

// KBCounters are the running totals a KBResult reports.
type KBCounters struct {
	Discovered     int `json:"urls_discovered"`
	Processed      int `json:"urls_processed"`
	OutOfScope     int `json:"urls_out_of_scope"`
	Scraped        int `json:"pages_scraped"`
	Crawled        int `json:"pages_crawled"`
	Failed         int `json:"pages_failed"`
	CrawlFailures  int `json:"crawl_failures"`
	ScrapeFailures int `json:"scrape_failures"`
}

// FailureStats aggregates one failure type's occurrences, keeping up to
// three example URLs for inspection.
type FailureStats struct {
	Count    int      `json:"count"`
	Examples []string `json:"examples"`
}

// KBResult is the per-KB aggregate, mutated only by its owning KBCrawler.
type KBResult struct {
	KBID            string       `json:"kb_id"`
	KBName          string       `json:"kb_name"`
	EntryURLs       []string     `json:"entry_urls"`
	InitialPrefixes []string     `json:"initial_prefixes"`
	AllowedPrefixes []string     `json:"allowed_prefixes"`
	State           KBState      `json:"state"`
	Error           string       `json:"error,omitempty"`
	Pages           []PageResult `json:"pages"`
	URLsByDepth     []DepthStats `json:"urls_by_depth"`
	Counters        KBCounters   `json:"counters"`
	// FailureBreakdown is keyed "phase.type" (e.g. "crawl.timeout").
	FailureBreakdown map[string]FailureStats `json:"failure_breakdown,omitempty"`
	Timing           Timing                  `json:"timing"`
	CurrentDepth     int                     `json:"current_depth"`
	MaxDepth         int                     `json:"max_depth"`
	QueueSize        int                     `json:"queue_size"`
}

// JobSummary is the aggregate rollup across all KBs in a job.
type JobSummary struct {
	TotalKBs            int `json:"total_kbs"`
	KBsCompleted        int `json:"kbs_completed"`
	KBsFailed           int `json:"kbs_failed"`
	KBsSkipped          int `json:"kbs_skipped"`
	TotalPages          int `json:"total_pages"`
	TotalPagesScraped   int `json:"total_pages_scraped"`
	TotalPagesFailed    int `json:"total_pages_failed"`
	TotalURLsDiscovered int `json:"total_urls_discovered"`
	TotalURLsOutOfScope int `json:"total_urls_out_of_scope"`
}

// JobState mirrors KBState at the job level.
type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// JobResult is the top-level, coordinator-owned result of a multi-KB job.
type JobResult struct {
	JobID       string     `json:"job_id"`
	BaseDomain  string     `json:"base_domain"`
	Mode        CrawlMode  `json:"mode"`
	State       JobState   `json:"state"`
	Error       string     `json:"error,omitempty"`
	KBs         []KBResult `json:"knowledge_bases"`
	Summary     JobSummary `json:"summary"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt time.Time  `json:"completed_at,omitempty"`
	TotalMS     float64    `json:"total_ms"`
}

// KBConfig describes one Knowledge Base within a JobConfig.
type KBConfig struct {
	KBID      string   `json:"kb_id"`
	Name      string   `json:"name"`
	EntryURLs []string `json:"entry_urls"`
	IsActive  bool     `json:"is_active"`
	MaxDepth  int      `json:"max_depth,omitempty"`
}

// JobConfig is the full configuration of a multi-KB crawl job.
type JobConfig struct {
	BaseDomain           string     `json:"base_domain"`
	KBs                  []KBConfig `json:"knowledge_bases"`
	Mode                 CrawlMode  `json:"mode"`
	MaxDepth             int        `json:"max_depth"`
	WorkerCount          int        `json:"worker_count"`
	ParallelKBs          int        `json:"parallel_kbs"`
	AllowSubdomains      bool       `json:"allow_subdomains"`
	IncludeChildPages    bool       `json:"include_child_pages"`
	RespectRobots        bool       `json:"respect_robots_txt"`
	AutoDiscoverPrefixes bool       `json:"auto_discover_prefixes"`
}
