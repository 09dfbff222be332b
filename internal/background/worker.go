package background

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"attachkit/internal/attach"
)

// Promoter finishes a promotion described by a dump.
type Promoter interface {
	Promote(ctx context.Context, dump attach.Dump) error
}

// Worker drains a Queue, running up to Concurrency jobs at a time.
type Worker struct {
	queue       *Queue
	promoter    Promoter
	concurrency int
	logger      attach.Logger
}

// NewWorker creates a worker. A concurrency below one runs jobs one at a time.
func NewWorker(queue *Queue, promoter Promoter, concurrency int, logger attach.Logger) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = attach.NewNopLogger()
	}
	return &Worker{queue: queue, promoter: promoter, concurrency: concurrency, logger: logger}
}

// RunOnce processes jobs until the queue has nothing runnable left and
// returns how many jobs succeeded and failed. A job that fails waits out its
// backoff, so it is retried by a later run. Job failures are logged and
// recorded on the job; only queue errors are returned.
func (w *Worker) RunOnce(ctx context.Context) (succeeded, failed int, err error) {
	results := make(chan bool, w.concurrency)
	done := make(chan struct{})
	go func() {
		for ok := range results {
			if ok {
				succeeded++
			} else {
				failed++
			}
		}
		close(done)
	}()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error {
			for {
				if err := gctx.Err(); err != nil {
					return err
				}
				found, err := w.queue.ProcessNext(gctx, func(ctx context.Context, job Job) error {
					jobErr := w.promoter.Promote(ctx, job.Dump)
					if jobErr != nil {
						w.logger.Error("promotion failed", "job", job.ID, "model", job.Dump.Record.Type,
							"id", job.Dump.Record.ID, "slot", job.Dump.Slot, "attempt", job.Attempts+1, "error", jobErr)
					} else {
						w.logger.Info("promotion done", "job", job.ID, "model", job.Dump.Record.Type,
							"id", job.Dump.Record.ID, "slot", job.Dump.Slot)
					}
					results <- jobErr == nil
					return jobErr
				})
				if err != nil {
					return fmt.Errorf("processing queue: %w", err)
				}
				if !found {
					return nil
				}
			}
		})
	}

	err = g.Wait()
	close(results)
	<-done
	return succeeded, failed, err
}
