package projection

import (
	"context"
	"sync"

	"github.com/nbd-wtf/go-nostr"
)

type unwrapDone struct {
	job   unwrapJob
	rumor nostr.Event
	err   error
}

// Run projects events until the channel closes or ctx is done. All
// directory writes happen on this goroutine; unwraps run on a pool of
// workers and come back here to be re-validated and dispatched, so a slow
// decrypt never holds up other events.
func (e *Engine) Run(ctx context.Context, events <-chan nostr.Event) error {
	jobs := make(chan unwrapJob)
	done := make(chan unwrapDone, e.workers)
	workCtx, stop := context.WithCancel(ctx)
	var wg sync.WaitGroup
	for i := 0; i < e.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				rumor, err := e.env.Unwrap(workCtx, &job.in.Event, job.key.Privkey)
				select {
				case done <- unwrapDone{job: job, rumor: rumor, err: err}:
				case <-workCtx.Done():
					return
				}
			}
		}()
	}
	defer func() {
		stop()
		close(jobs)
		wg.Wait()
	}()

	var queue []unwrapJob
	enqueue := func(job unwrapJob) { queue = append(queue, job) }
	inflight := 0
	for {
		if events == nil && len(queue) == 0 && inflight == 0 {
			return nil
		}
		var (
			sendJobs chan<- unwrapJob
			next     unwrapJob
		)
		if len(queue) > 0 {
			sendJobs = jobs
			next = queue[0]
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			e.dispatch(ctx, Inbound{Event: ev}, enqueue)
		case sendJobs <- next:
			queue = queue[1:]
			inflight++
		case res := <-done:
			inflight--
			out := e.afterUnwrap(ctx, res.job, res.rumor, res.err, enqueue)
			e.record(res.job.in, out)
		}
	}
}
