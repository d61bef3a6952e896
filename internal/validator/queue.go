package validator

import (
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/tensorlink/validator/internal/common/nodecontext"
	"github.com/tensorlink/validator/pkg/api"
)

var ErrQueueFull = errors.New("job queue is full")

// JobQueue runs job recruitment off the message handling path. Jobs are buffered in a bounded
// channel and processed by a fixed number of workers.
type JobQueue struct {
	jobs    chan *api.Job
	workers int
	process func(ctx *nodecontext.Context, job *api.Job)
	running int32
}

func NewJobQueue(size, workers int, process func(ctx *nodecontext.Context, job *api.Job)) *JobQueue {
	if workers < 1 {
		workers = 1
	}
	return &JobQueue{
		jobs:    make(chan *api.Job, size),
		workers: workers,
		process: process,
	}
}

// Submit enqueues job without blocking.
func (q *JobQueue) Submit(job *api.Job) error {
	select {
	case q.jobs <- job:
		return nil
	default:
		return errors.WithStack(ErrQueueFull)
	}
}

// Len returns the number of jobs waiting for a worker.
func (q *JobQueue) Len() int {
	return len(q.jobs)
}

// Running returns the number of jobs currently being recruited.
func (q *JobQueue) Running() int {
	return int(atomic.LoadInt32(&q.running))
}

// Run processes jobs until ctx is cancelled. Jobs still queued at that point are dropped.
func (q *JobQueue) Run(ctx *nodecontext.Context) error {
	g, groupCtx := nodecontext.ErrGroup(ctx)
	for i := 0; i < q.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-groupCtx.Done():
					return nil
				case job := <-q.jobs:
					q.runOne(groupCtx, job)
				}
			}
		})
	}
	err := g.Wait()
	if dropped := q.Len(); dropped > 0 {
		ctx.Log.Warnf("job queue stopped with %d jobs not recruited", dropped)
	}
	return err
}

func (q *JobQueue) runOne(ctx *nodecontext.Context, job *api.Job) {
	atomic.AddInt32(&q.running, 1)
	defer atomic.AddInt32(&q.running, -1)
	defer func() {
		if r := recover(); r != nil {
			ctx.Log.WithFields(logrus.Fields{"job": job.Id, "panic": r}).Error("job recruitment panicked")
		}
	}()
	q.process(ctx, job)
}
