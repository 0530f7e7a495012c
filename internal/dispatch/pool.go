// Package dispatch runs webhook-triggered work off the request path on a
// bounded pool of workers.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/fulcrum-sync/internal/metrics"
)

// Handler processes one job. Errors are logged; they never stop the pool.
type Handler[T any] func(ctx context.Context, job T) error

// Config sizes a Pool.
type Config struct {
	Workers    int
	QueueSize  int
	JobTimeout time.Duration // 0 disables the per-job deadline
	Metrics    *metrics.Metrics
}

// Pool is a fixed set of workers reading from a bounded queue.
type Pool[T any] struct {
	jobs    chan T
	g       *errgroup.Group
	handle  Handler[T]
	timeout time.Duration
	metrics *metrics.Metrics

	mu     sync.RWMutex
	closed bool
}

// New starts cfg.Workers workers. Job contexts derive from ctx.
func New[T any](ctx context.Context, cfg Config, handle Handler[T]) *Pool[T] {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}

	p := &Pool[T]{
		jobs:    make(chan T, cfg.QueueSize),
		g:       &errgroup.Group{},
		handle:  handle,
		timeout: cfg.JobTimeout,
		metrics: cfg.Metrics,
	}
	for i := 0; i < cfg.Workers; i++ {
		p.g.Go(func() error {
			p.work(ctx, i)
			return nil
		})
	}
	return p
}

// Submit enqueues job without blocking. It returns false when the queue is
// full or the pool is closed; the job is dropped.
func (p *Pool[T]) Submit(job T) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.jobs <- job:
		p.metrics.QueueDepth(len(p.jobs))
		return true
	default:
		zap.L().Warn("dispatch queue full, dropping job",
			zap.String("component", "dispatch"),
			zap.Int("capacity", cap(p.jobs)),
		)
		return false
	}
}

// Len returns the number of queued jobs.
func (p *Pool[T]) Len() int {
	return len(p.jobs)
}

// Close stops intake and waits for queued jobs to finish. It is safe to call
// more than once.
func (p *Pool[T]) Close() error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()
	return p.g.Wait()
}

func (p *Pool[T]) work(ctx context.Context, id int) {
	log := zap.L().With(zap.String("component", "dispatch"), zap.Int("worker", id))
	for job := range p.jobs {
		p.metrics.QueueDepth(len(p.jobs))
		if err := p.run(ctx, job); err != nil {
			log.Error("job failed", zap.Error(err))
		}
	}
}

// run executes one job under its own deadline and converts panics into errors.
func (p *Pool[T]) run(ctx context.Context, job T) (err error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dispatch: job panicked: %v", r)
		}
	}()
	return p.handle(ctx, job)
}
