package crawl

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kbcrawl/kbcrawl/internal/fetcher"
	"github.com/kbcrawl/kbcrawl/internal/model"
	"github.com/kbcrawl/kbcrawl/internal/scope"
)

// KBCrawler owns one Knowledge Base's crawl: its ScopeFilter, its visited
// set, and the single KBResult it is the only writer of. The actual BFS is
// driven by a WorkerPool; the KBCrawler supplies the fetch, admission, and
// progress hooks that make the traversal KB-scoped.
type KBCrawler struct {
	cfg                  model.KBConfig
	mode                 model.CrawlMode
	maxDepth             int
	includeChildPages    bool
	autoDiscoverPrefixes bool

	scope   *scope.Filter
	fetcher *fetcher.Fetcher
	workers *semaphore.Weighted // shared across the whole job

	events chan<- Event
	jobID  string

	mu      sync.Mutex
	visited map[string]bool
	result  model.KBResult
}

// NewKBCrawler builds a KBCrawler for one KB within a job. workers is the
// job-wide semaphore bounding total concurrent fetches across all KBs.
func NewKBCrawler(jobID string, cfg model.KBConfig, jobCfg model.JobConfig, f *fetcher.Fetcher, workers *semaphore.Weighted, events chan<- Event) *KBCrawler {
	maxDepth := jobCfg.MaxDepth
	if cfg.MaxDepth > 0 {
		maxDepth = cfg.MaxDepth
	}

	sf := scope.New(jobCfg.BaseDomain, jobCfg.AllowSubdomains, nil)
	initialPrefixes := scope.EntryPrefixes(cfg.EntryURLs)
	if len(initialPrefixes) == 0 {
		initialPrefixes = []string{"/"}
	}
	for _, p := range initialPrefixes {
		sf.AddPrefix(p)
	}

	return &KBCrawler{
		cfg:                  cfg,
		mode:                 jobCfg.Mode,
		maxDepth:             maxDepth,
		includeChildPages:    jobCfg.IncludeChildPages,
		autoDiscoverPrefixes: jobCfg.AutoDiscoverPrefixes,
		scope:                sf,
		fetcher:              f,
		workers:              workers,
		events:               events,
		jobID:                jobID,
		visited:              make(map[string]bool),
		result: model.KBResult{
			KBID:             cfg.KBID,
			KBName:           cfg.Name,
			EntryURLs:        cfg.EntryURLs,
			InitialPrefixes:  initialPrefixes,
			AllowedPrefixes:  sf.Prefixes(),
			State:            model.KBPending,
			MaxDepth:         maxDepth,
			FailureBreakdown: make(map[string]model.FailureStats),
		},
	}
}

// Snapshot returns a copy of the KBResult as it stands right now. The
// coordinator reads results only through this copy; the KBCrawler is the
// sole writer of the underlying struct.
func (k *KBCrawler) Snapshot() model.KBResult {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.snapshotLocked()
}

func (k *KBCrawler) snapshotLocked() model.KBResult {
	cp := k.result
	cp.Pages = append([]model.PageResult(nil), k.result.Pages...)
	cp.URLsByDepth = append([]model.DepthStats(nil), k.result.URLsByDepth...)
	cp.FailureBreakdown = make(map[string]model.FailureStats, len(k.result.FailureBreakdown))
	for key, fs := range k.result.FailureBreakdown {
		fs.Examples = append([]string(nil), fs.Examples...)
		cp.FailureBreakdown[key] = fs
	}
	return cp
}

// Run executes the level-synchronous BFS to completion or ctx
// cancellation, leaving KBResult in a terminal state.
func (k *KBCrawler) Run(ctx context.Context) model.KBResult {
	start := time.Now()
	k.setState(model.KBRunning)

	seeds := k.seed()
	k.emitProgress()

	if len(seeds) == 0 {
		k.mu.Lock()
		k.result.State = model.KBSkipped
		k.result.Timing.TotalMS = msSince(start)
		k.mu.Unlock()
		snap := k.Snapshot()
		k.emitTerminal(snap)
		return snap
	}

	pool := &WorkerPool{
		Workers:      k.workers,
		Fetch:        k.fetchTask,
		OnBatchStart: k.beginDepth,
		OnResult:     k.recordPage,
		OnBatchDone: func(depth, queueSize int) {
			k.mu.Lock()
			k.result.QueueSize = queueSize
			k.mu.Unlock()
			k.emitProgress()
		},
	}
	if k.mode != model.ScrapeOnly {
		pool.Expand = k.expand
	}
	pool.Run(ctx, seeds)

	k.mu.Lock()
	if err := ctx.Err(); err != nil {
		k.result.State = model.KBFailed
		k.result.Error = cancelReason(err)
	} else {
		k.result.State = model.KBCompleted
	}
	k.result.Timing.TotalMS = msSince(start)
	k.mu.Unlock()

	snap := k.Snapshot()
	k.emitTerminal(snap)
	return snap
}

// seed admits the KB's entry URLs at depth 1. Entries that fail their own
// scope check count as out-of-scope and are dropped; if none survive, the
// KB is skipped.
func (k *KBCrawler) seed() []model.URLTask {
	var queue []model.URLTask
	for _, entry := range k.cfg.EntryURLs {
		task, ok := k.admit(discoveredLink{URL: entry}, 1)
		if !ok {
			continue
		}
		queue = append(queue, task)
	}
	return queue
}

// admit runs one candidate URL through the scope filter and visited-set
// dedup, returning the URLTask to enqueue if it passed. Only in-scope,
// previously unseen URLs ever enter visited, so urls_discovered stays
// exactly |visited|.
func (k *KBCrawler) admit(link discoveredLink, depth int) (model.URLTask, bool) {
	allowed, prefix, _ := k.scope.Check(link.URL, link.Parent)
	if !allowed {
		k.mu.Lock()
		k.result.Counters.OutOfScope++
		k.mu.Unlock()
		return model.URLTask{}, false
	}

	norm, err := k.scope.Normalize(link.URL, link.Parent)
	if err != nil {
		return model.URLTask{}, false
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.visited[norm] {
		return model.URLTask{}, false
	}
	k.visited[norm] = true
	k.result.Counters.Discovered = len(k.visited)
	return model.URLTask{URL: norm, ParentURL: link.Parent, Depth: depth, MatchedPrefix: prefix}, true
}

// expand is the WorkerPool's admission hook: it extends the prefix list
// from auto-discovery first (so a prefix observed at this depth already
// applies to this depth's children), then admits each discovered link at
// depth+1, respecting max_depth by never enqueueing beyond it.
func (k *KBCrawler) expand(depth int, discovered []discoveredLink) []model.URLTask {
	if k.autoDiscoverPrefixes && depth <= 2 {
		raw := make([]string, len(discovered))
		for i, d := range discovered {
			raw[i] = d.URL
		}
		for _, p := range k.scope.DiscoverPrefixes(raw) {
			k.scope.AddPrefix(p)
		}
		k.mu.Lock()
		k.result.AllowedPrefixes = k.scope.Prefixes()
		k.mu.Unlock()
	}

	if depth >= k.maxDepth {
		return nil
	}

	var next []model.URLTask
	for _, link := range discovered {
		task, ok := k.admit(link, depth+1)
		if !ok {
			continue
		}
		next = append(next, task)
	}
	return next
}

// fetchTask runs one URLTask through the shared Fetcher. With
// include_child_pages off, every depth>=2 fetch degrades to pure link
// discovery and its result is marked skipped.
func (k *KBCrawler) fetchTask(ctx context.Context, t model.URLTask) (model.PageResult, []string) {
	childPagesSkipped := !k.includeChildPages && t.Depth >= 2
	effectiveMode := k.mode
	if childPagesSkipped {
		effectiveMode = model.CrawlOnly
	}

	page, links := k.fetcher.Fetch(ctx, t, effectiveMode, func(u string) (bool, string) {
		allowed, prefix, _ := k.scope.Check(u, "")
		return allowed, prefix
	})
	page.IsSameDomain, page.IsSubdomain = k.scope.ClassifyDomain(t.URL)

	if childPagesSkipped && page.Failure.Phase == model.PhaseNone {
		page.Status = model.StatusSkipped
		page.SkipReason = model.SkipChildPagesDisabled
		page.Title = ""
		page.Headings = []string{}
		page.MainText = ""
		page.Timing.ScrapeMS = 0
	}
	return page, links
}

// beginDepth records the batch about to be drained: current depth and the
// per-depth URL stats surfaced in progress snapshots.
func (k *KBCrawler) beginDepth(depth int, tasks []model.URLTask) {
	urls := make([]string, len(tasks))
	for i, t := range tasks {
		urls[i] = t.URL
	}
	k.mu.Lock()
	k.result.CurrentDepth = depth
	k.result.URLsByDepth = append(k.result.URLsByDepth, model.DepthStats{
		Depth:     depth,
		URLsCount: len(tasks),
		URLs:      urls,
	})
	k.mu.Unlock()
}

func (k *KBCrawler) recordPage(page model.PageResult) {
	k.mu.Lock()
	k.result.Pages = append(k.result.Pages, page)
	k.result.Counters.Processed++
	switch page.Status {
	case model.StatusScraped:
		k.result.Counters.Scraped++
	case model.StatusCrawled:
		k.result.Counters.Crawled++
	case model.StatusError:
		k.result.Counters.Failed++
		switch page.Failure.Phase {
		case model.PhaseCrawl:
			k.result.Counters.CrawlFailures++
		case model.PhaseScrape:
			k.result.Counters.ScrapeFailures++
		}
		key := string(page.Failure.Phase) + "." + string(page.Failure.Type)
		fs := k.result.FailureBreakdown[key]
		fs.Count++
		if len(fs.Examples) < 3 {
			fs.Examples = append(fs.Examples, page.URL)
		}
		k.result.FailureBreakdown[key] = fs
	}
	snapshot := k.snapshotLocked()
	k.mu.Unlock()

	if k.events != nil {
		pageCopy := page
		k.events <- Event{Type: EventPageComplete, JobID: k.jobID, KBID: k.cfg.KBID, Page: &pageCopy}
		kbCopy := snapshot
		k.events <- Event{Type: EventKBProgress, JobID: k.jobID, KBID: k.cfg.KBID, KB: &kbCopy}
	}
}

// emitProgress publishes a multi_kb_progress snapshot, used after seeding
// and after each depth's completion.
func (k *KBCrawler) emitProgress() {
	if k.events == nil {
		return
	}
	snap := k.Snapshot()
	k.events <- Event{Type: EventKBProgress, JobID: k.jobID, KBID: k.cfg.KBID, KB: &snap}
}

// emitTerminal publishes the kb_completed/kb_failed transition event.
func (k *KBCrawler) emitTerminal(snap model.KBResult) {
	if k.events == nil {
		return
	}
	evType := EventKBCompleted
	if snap.State == model.KBFailed {
		evType = EventKBFailed
	}
	k.events <- Event{Type: evType, JobID: k.jobID, KBID: k.cfg.KBID, KB: &snap}
}

func (k *KBCrawler) setState(s model.KBState) {
	k.mu.Lock()
	k.result.State = s
	k.mu.Unlock()
}

// cancelReason distinguishes an operator cancellation from other context
// errors in the user-visible KB/job error string.
func cancelReason(err error) string {
	if errors.Is(err, context.Canceled) {
		return "cancelled"
	}
	return err.Error()
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000.0
}
