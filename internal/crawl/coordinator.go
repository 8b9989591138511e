package crawl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/kbcrawl/kbcrawl/internal/fetcher"
	"github.com/kbcrawl/kbcrawl/internal/model"
	"github.com/kbcrawl/kbcrawl/internal/ratelimit"
	"github.com/kbcrawl/kbcrawl/internal/robots"
)

// Coordinator runs a multi-KB crawl job: it shares one Fetcher (and thus
// one RobotsCache and one RateLimiter) across every KB, and bounds total
// concurrency with two independent semaphores: worker_count fetches in
// flight across the whole job, and parallel_kbs KBs running at once.
type Coordinator struct {
	UserAgents []string

	log zerolog.Logger

	mu   sync.Mutex
	jobs map[string]*jobState
}

type jobState struct {
	cfg    model.JobConfig
	result model.JobResult
	cancel context.CancelFunc
	events chan Event
	kbs    map[string]*KBCrawler
	done   chan struct{}
}

// NewCoordinator builds an empty Coordinator. userAgents is the fixed pool
// rotated across outbound fetches; its last entry also names the stable bot
// identity used to evaluate robots.txt directive groups, since robots
// matching needs one consistent name rather than a rotating one.
func NewCoordinator(userAgents []string, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		UserAgents: userAgents,
		log:        logger,
		jobs:       make(map[string]*jobState),
	}
}

// StartJob checks that cfg has at least one active KB, registers it under
// jobID, and launches execution in a background goroutine. It returns the
// job's event channel, which is closed once the job has finished.
func (c *Coordinator) StartJob(jobID string, cfg model.JobConfig) (<-chan Event, error) {
	activeKBs := 0
	for _, kb := range cfg.KBs {
		if kb.IsActive {
			activeKBs++
		}
	}
	if activeKBs == 0 {
		return nil, fmt.Errorf("job must have at least one active knowledge base")
	}

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan Event, 256)

	js := &jobState{
		cfg: cfg,
		result: model.JobResult{
			JobID:      jobID,
			BaseDomain: cfg.BaseDomain,
			Mode:       cfg.Mode,
			State:      model.JobPending,
			StartedAt:  time.Now(),
		},
		cancel: cancel,
		events: events,
		kbs:    make(map[string]*KBCrawler),
		done:   make(chan struct{}),
	}

	c.mu.Lock()
	c.jobs[jobID] = js
	c.mu.Unlock()

	go c.run(ctx, jobID, js)

	return events, nil
}

func (c *Coordinator) run(ctx context.Context, jobID string, js *jobState) {
	defer close(js.done)
	defer close(js.events)

	robotsUserAgent := ""
	if n := len(c.UserAgents); n > 0 {
		robotsUserAgent = c.UserAgents[n-1]
	}
	logger := c.log.With().Str("job_id", jobID).Logger()
	robotsCache := robots.NewCache(nil, robotsUserAgent, logger)
	limiter := ratelimit.New()
	f := fetcher.New(c.UserAgents, js.cfg.RespectRobots, robotsCache, limiter, logger)
	defer f.Close()

	workerSem := semaphore.NewWeighted(int64(clampWorkerCount(js.cfg.WorkerCount)))
	kbSem := semaphore.NewWeighted(int64(clampParallelKBs(js.cfg.ParallelKBs)))

	c.mu.Lock()
	js.result.State = model.JobRunning
	started := jobSnapshot(js)
	c.mu.Unlock()
	logger.Info().Str("base_domain", js.cfg.BaseDomain).Int("kbs", len(js.cfg.KBs)).Msg("crawl job running")
	js.events <- Event{Type: EventJobStarted, JobID: jobID, Job: started}

	var group errgroup.Group
	for _, kbCfg := range js.cfg.KBs {
		if !kbCfg.IsActive {
			c.mu.Lock()
			js.result.KBs = append(js.result.KBs, model.KBResult{KBID: kbCfg.KBID, KBName: kbCfg.Name, State: model.KBSkipped})
			c.mu.Unlock()
			continue
		}

		kbc := NewKBCrawler(jobID, kbCfg, js.cfg, f, workerSem, js.events)
		c.mu.Lock()
		js.kbs[kbCfg.KBID] = kbc
		c.mu.Unlock()

		group.Go(func() error {
			// A cancelled Acquire still runs the crawler: Run observes the
			// dead context immediately and walks the KB through its normal
			// terminal transition, so no KB is ever left PENDING.
			if err := kbSem.Acquire(ctx, 1); err == nil {
				defer kbSem.Release(1)
			}

			result := kbc.Run(ctx)
			logger.Debug().Str("kb_id", result.KBID).Str("state", string(result.State)).Int("pages", len(result.Pages)).Msg("kb finished")

			c.mu.Lock()
			js.result.KBs = append(js.result.KBs, result)
			c.mu.Unlock()
			return nil
		})
	}
	group.Wait()

	c.mu.Lock()
	js.result.Summary = summarize(js.result.KBs)
	js.result.CompletedAt = time.Now()
	js.result.TotalMS = msSince(js.result.StartedAt)
	if err := ctx.Err(); err != nil {
		js.result.State = model.JobFailed
		js.result.Error = cancelReason(err)
	} else {
		js.result.State = model.JobCompleted
	}
	final := js.result
	c.mu.Unlock()

	if ctx.Err() != nil {
		logger.Warn().Str("reason", final.Error).Msg("crawl job failed")
		js.events <- Event{Type: EventJobFailed, JobID: jobID, Job: &final, Message: final.Error}
	} else {
		logger.Info().Int("pages", final.Summary.TotalPages).Msg("crawl job completed")
		js.events <- Event{Type: EventJobCompleted, JobID: jobID, Job: &final}
	}
}

func summarize(kbs []model.KBResult) model.JobSummary {
	var s model.JobSummary
	s.TotalKBs = len(kbs)
	for _, kb := range kbs {
		switch kb.State {
		case model.KBCompleted:
			s.KBsCompleted++
		case model.KBFailed:
			s.KBsFailed++
		case model.KBSkipped:
			s.KBsSkipped++
		}
		s.TotalPages += len(kb.Pages)
		s.TotalPagesScraped += kb.Counters.Scraped
		s.TotalPagesFailed += kb.Counters.Failed
		s.TotalURLsDiscovered += kb.Counters.Discovered
		s.TotalURLsOutOfScope += kb.Counters.OutOfScope
	}
	return s
}

func jobSnapshot(js *jobState) *model.JobResult {
	cp := js.result
	return &cp
}

// clampWorkerCount mirrors the original service's worker-count bounds.
func clampWorkerCount(n int) int {
	if n < 2 {
		return 2
	}
	if n > 10 {
		return 10
	}
	return n
}

func clampParallelKBs(n int) int {
	if n < 1 {
		return 1
	}
	if n > 5 {
		return 5
	}
	return n
}

// Status returns a snapshot of a job's current aggregate result, with one
// KBResult per configured KB in config order (inactive KBs appear as
// skipped).
func (c *Coordinator) Status(jobID string) (model.JobResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	js, ok := c.jobs[jobID]
	if !ok {
		return model.JobResult{}, false
	}

	result := js.result
	result.KBs = make([]model.KBResult, 0, len(js.cfg.KBs))
	for _, kbCfg := range js.cfg.KBs {
		if kbc, ok := js.kbs[kbCfg.KBID]; ok {
			result.KBs = append(result.KBs, kbc.Snapshot())
			continue
		}
		result.KBs = append(result.KBs, model.KBResult{KBID: kbCfg.KBID, KBName: kbCfg.Name, State: model.KBSkipped})
	}
	result.Summary = summarize(result.KBs)
	return result, true
}

// KBStatus returns a snapshot of a single KB within a job.
func (c *Coordinator) KBStatus(jobID, kbID string) (model.KBResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	js, ok := c.jobs[jobID]
	if !ok {
		return model.KBResult{}, false
	}
	kbc, ok := js.kbs[kbID]
	if !ok {
		return model.KBResult{}, false
	}
	return kbc.Snapshot(), true
}

// Cancel stops a running job; its goroutines observe ctx cancellation at
// their next blocking point and terminate, recording KBFailed/JobFailed.
func (c *Coordinator) Cancel(jobID string) bool {
	c.mu.Lock()
	js, ok := c.jobs[jobID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	js.cancel()
	return true
}

// Wait blocks until jobID's execution goroutine has fully finished.
func (c *Coordinator) Wait(jobID string) {
	c.mu.Lock()
	js, ok := c.jobs[jobID]
	c.mu.Unlock()
	if !ok {
		return
	}
	<-js.done
}
