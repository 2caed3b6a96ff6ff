package pipeline

import (
	"context"
	"errors"
	"sync"

	"github.com/codefionn/interzept/interzept-srv/logger"
)

// ErrPoolStopped is returned by Submit after Stop.
var ErrPoolStopped = errors.New("worker pool stopped")

type job struct {
	ctx context.Context
	fn  func(ctx context.Context)
}

// WorkerPool runs blocking handler work on a fixed number of goroutines.
type WorkerPool struct {
	workers int
	jobs    chan job
	wg      sync.WaitGroup
	done    chan struct{}
	once    sync.Once
}

// NewWorkerPool starts a pool with the given number of workers.
func NewWorkerPool(workers int) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	p := &WorkerPool{
		workers: workers,
		jobs:    make(chan job, workers*2),
		done:    make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case j := <-p.jobs:
			p.run(j)
		}
	}
}

func (p *WorkerPool) run(j job) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Worker pool job panicked: %v", r)
		}
	}()
	if j.ctx.Err() != nil {
		return
	}
	j.fn(j.ctx)
}

// Submit queues fn. It blocks while the queue is full and fails when ctx is
// done or the pool was stopped.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context)) error {
	select {
	case <-p.done:
		return ErrPoolStopped
	default:
	}
	select {
	case p.jobs <- job{ctx: ctx, fn: fn}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolStopped
	}
}

// Stop lets workers finish their current job and waits for them. Queued jobs are dropped.
func (p *WorkerPool) Stop() {
	p.once.Do(func() { close(p.done) })
	p.wg.Wait()
}
