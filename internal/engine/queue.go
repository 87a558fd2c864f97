package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	syncpkg "github.com/fpmdigital/resourcesync/internal/sync"
)

// ErrQueueFull is returned when the ingestion queue cannot accept more work.
// Webhook callers answer with a retryable status and rely on redelivery.
var ErrQueueFull = errors.New("ingestion queue full")

// Processor consumes one envelope. Implemented by Engine.
type Processor interface {
	Process(ctx context.Context, env syncpkg.Envelope) Outcome
}

// Queue is the in-process ingestion queue: a bounded channel drained by a
// worker pool. Multiple external ids process concurrently across workers;
// ordering within an id is the staleness check's job, not the queue's.
type Queue struct {
	jobs    chan syncpkg.Envelope
	workers int
	proc    Processor
}

// NewQueue creates a queue with the given worker count and depth.
func NewQueue(proc Processor, workers, depth int) *Queue {
	if workers <= 0 {
		workers = 4
	}
	if depth <= 0 {
		depth = 256
	}
	return &Queue{
		jobs:    make(chan syncpkg.Envelope, depth),
		workers: workers,
		proc:    proc,
	}
}

// Enqueue adds an envelope without blocking. Returns ErrQueueFull when the
// buffer is exhausted.
func (q *Queue) Enqueue(env syncpkg.Envelope) error {
	select {
	case q.jobs <- env:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run starts the worker pool and blocks until ctx is cancelled and all
// in-flight jobs have finished. An upsert already dequeued runs to
// completion; there is no cooperative cancellation mid-record.
func (q *Queue) Run(ctx context.Context) {
	slog.Info("ingestion queue started",
		"component", "queue",
		"workers", q.workers,
		"depth", cap(q.jobs),
	)

	var wg sync.WaitGroup
	for i := 0; i < q.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case env := <-q.jobs:
					q.proc.Process(context.WithoutCancel(ctx), env)
				}
			}
		}()
	}
	wg.Wait()

	slog.Info("ingestion queue stopped",
		"component", "queue",
		"reason", "context_cancelled",
	)
}

// Depth returns the number of envelopes waiting in the buffer.
func (q *Queue) Depth() int {
	return len(q.jobs)
}
