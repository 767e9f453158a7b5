package executor

import (
	"context"
	"errors"
	"sync"

	"buildforge/internal/logging"
	"buildforge/internal/metrics"

	"go.uber.org/zap"
)

// ErrPoolStopped is returned by Submit after Stop
var ErrPoolStopped = errors.New("worker pool stopped")

// Pool runs jobs on a fixed number of workers fed by a bounded queue
type Pool struct {
	workers int
	queue   chan string
	quit    chan struct{}
	process func(ctx context.Context, jobID string)

	mu      sync.RWMutex
	started bool
	stopped bool
	wg      sync.WaitGroup
}

// NewPool creates a pool of workers goroutines with a queue of size
func NewPool(workers, size int, process func(ctx context.Context, jobID string)) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if size <= 0 {
		size = 100
	}
	return &Pool{
		workers: workers,
		queue:   make(chan string, size),
		quit:    make(chan struct{}),
		process: process,
	}
}

// Start launches the workers. They exit when Stop is called or ctx is done.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true

	logging.L().Info("worker pool started", zap.Int("workers", p.workers), zap.Int("queue_size", cap(p.queue)))
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work(ctx, i+1)
	}
}

func (p *Pool) work(ctx context.Context, n int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.quit:
			return
		case jobID := <-p.queue:
			metrics.Get().QueueLength.Set(float64(len(p.queue)))
			p.runOne(ctx, n, jobID)
		}
	}
}

// runOne keeps a panicking job from taking its worker down
func (p *Pool) runOne(ctx context.Context, n int, jobID string) {
	defer func() {
		if rec := recover(); rec != nil {
			logging.ForJob(jobID).Error("worker panic", zap.Int("worker", n), zap.Any("panic", rec), zap.Stack("stack"))
		}
	}()
	p.process(ctx, jobID)
}

// Submit enqueues jobID without blocking. It fails with ErrQueueFull when
// the queue is at capacity.
func (p *Pool) Submit(jobID string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}
	select {
	case p.queue <- jobID:
		metrics.Get().QueueLength.Set(float64(len(p.queue)))
		return nil
	default:
		return ErrQueueFull
	}
}

// Len returns the number of jobs waiting for a worker
func (p *Pool) Len() int { return len(p.queue) }

// Stop refuses new work and waits for the running jobs to finish. Jobs
// still queued stay queued in the store and are picked up on next start.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.quit)
	p.mu.Unlock()

	p.wg.Wait()
	logging.L().Info("worker pool stopped")
}
