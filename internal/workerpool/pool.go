// Package workerpool implements Caesium's bounded, FIFO worker pools
// (C6): a fixed number of goroutines drain a bounded job queue, and a
// full queue rejects new work immediately with cserr.ErrOverloaded rather
// than blocking the caller or growing unbounded.
package workerpool

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/wedaly/caesium/internal/cserr"
)

// Pool runs a fixed number of workers pulling Job values off a bounded
// channel. It is generic so the server can run a distinct read pool and
// write pool with different job and handler types.
type Pool[Job any] struct {
	jobs    chan Job
	handle  func(context.Context, Job)
	group   *errgroup.Group
	groupCtx context.Context
}

// New starts n worker goroutines, each calling handle for every job it
// pulls off the queue, until ctx is canceled.
func New[Job any](ctx context.Context, n, queueSize int, handle func(context.Context, Job)) *Pool[Job] {
	g, gctx := errgroup.WithContext(ctx)
	p := &Pool[Job]{
		jobs:     make(chan Job, queueSize),
		handle:   handle,
		group:    g,
		groupCtx: gctx,
	}
	for i := 0; i < n; i++ {
		g.Go(func() error {
			p.worker()
			return nil
		})
	}
	return p
}

func (p *Pool[Job]) worker() {
	for {
		select {
		case <-p.groupCtx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.handle(p.groupCtx, job)
		}
	}
}

// Submit enqueues a job without blocking. It returns cserr.ErrOverloaded
// immediately if the queue is full — callers never block waiting for
// capacity, per the pool's fairness/backpressure contract.
func (p *Pool[Job]) Submit(job Job) error {
	select {
	case p.jobs <- job:
		return nil
	default:
		return cserr.ErrOverloaded
	}
}

// QueueDepth reports how many jobs are currently buffered, for the
// pool's Prometheus gauge.
func (p *Pool[Job]) QueueDepth() int { return len(p.jobs) }

// Close stops accepting new jobs and waits for in-flight workers to drain
// the queue or for the pool's context to be canceled.
func (p *Pool[Job]) Close() error {
	close(p.jobs)
	return p.group.Wait()
}
