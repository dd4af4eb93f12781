package jobbuild

import (
	"context"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ScheduleBatch submits every job in jobs, running at most maxInFlight
// Schedule calls concurrently against the device back end. A caller that
// builds a batch of independent jobs ahead of time (spec.md §3's multi-job
// ownership model) uses this instead of a plain loop so submission itself
// doesn't serialize behind a slow back end, the same way llm/server.go bounds
// concurrent requests against a fixed number of execution slots.
//
// The first error stops further submission; jobs already scheduled are not
// rolled back (Schedule's own failure path already leaves a job in INIT,
// not partially committed).
func ScheduleBatch(ctx context.Context, jobs []*Job, maxInFlight int) error {
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	sem := semaphore.NewWeighted(int64(maxInFlight))
	g, ctx := errgroup.WithContext(ctx)

	for _, job := range jobs {
		job := job
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		g.Go(func() error {
			defer sem.Release(1)
			return job.Schedule()
		})
	}
	return g.Wait()
}
