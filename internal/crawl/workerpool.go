package crawl

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/kbcrawl/kbcrawl/internal/model"
)

// discoveredLink is one raw link found on a fetched page, paired with the
// page it was found on.
type discoveredLink struct {
	URL    string
	Parent string
}

// FetchFunc processes one URLTask and returns its PageResult plus the raw
// links discovered on the page.
type FetchFunc func(ctx context.Context, task model.URLTask) (model.PageResult, []string)

// ExpandFunc turns the links discovered while draining one depth into the
// next depth's admitted tasks. Scope filtering, visited dedup, and depth
// gating are the caller's concern; returning nil ends the traversal.
type ExpandFunc func(depth int, discovered []discoveredLink) []model.URLTask

// WorkerPool drives a level-synchronous BFS: every task at depth d
// completes before any task at depth d+1 starts. Concurrency within a
// depth is bounded by the shared worker semaphore, so one pool's fetches
// and its sibling KBs' fetches together never exceed the job's
// worker_count.
type WorkerPool struct {
	Workers *semaphore.Weighted
	Fetch   FetchFunc

	// Expand admits the next depth's tasks. Nil means no expansion
	// (scrape-only: the seeds are the entire traversal).
	Expand ExpandFunc

	// OnBatchStart fires before a depth's tasks are submitted.
	OnBatchStart func(depth int, tasks []model.URLTask)
	// OnResult fires once per completed task, from the task's goroutine.
	OnResult func(model.PageResult)
	// OnBatchDone fires at the layer barrier, after every task at the
	// drained depth has completed and the next depth has been admitted.
	OnBatchDone func(depth int, queueSize int)
}

// Run seeds the frontier and drains it depth by depth. The frontier is
// double-buffered: tasks admitted by Expand form the next buffer, swapped
// in only once the current one is fully drained, which is what makes the
// layer barrier hold by construction.
func (p *WorkerPool) Run(ctx context.Context, seeds []model.URLTask) {
	current := seeds
	for len(current) > 0 {
		if ctx.Err() != nil {
			return
		}
		depth := current[0].Depth
		if p.OnBatchStart != nil {
			p.OnBatchStart(depth, current)
		}

		discovered := p.drain(ctx, current)
		if ctx.Err() != nil {
			return
		}

		var next []model.URLTask
		if p.Expand != nil {
			next = p.Expand(depth, discovered)
		}
		if p.OnBatchDone != nil {
			p.OnBatchDone(depth, len(next))
		}
		current = next
	}
}

// drain runs one depth's batch to completion and returns the union of
// links discovered by its tasks, each tagged with the page it came from.
func (p *WorkerPool) drain(ctx context.Context, batch []model.URLTask) []discoveredLink {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var discovered []discoveredLink

	for _, task := range batch {
		if ctx.Err() != nil {
			break
		}
		if err := p.Workers.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(t model.URLTask) {
			defer wg.Done()
			defer p.Workers.Release(1)

			page, links := p.Fetch(ctx, t)
			if p.OnResult != nil {
				p.OnResult(page)
			}

			mu.Lock()
			for _, l := range links {
				discovered = append(discovered, discoveredLink{URL: l, Parent: t.URL})
			}
			mu.Unlock()
		}(task)
	}
	wg.Wait()
	return discovered
}
