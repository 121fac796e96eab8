// Package workpool runs jobs on a fixed set of goroutines fed by a bounded
// queue. It backs the trade submission and broadcast paths.
package workpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"TradeArena/internal/observability"

	"github.com/rs/zerolog"
)

var (
	ErrQueueFull = errors.New("workpool: queue full")
	ErrStopped   = errors.New("workpool: stopped")
)

// Job is one unit of work. The context is the pool's run context.
type Job func(ctx context.Context)

// Pool is a bounded worker pool. Submit never blocks; SubmitWait blocks
// until there is queue space or ctx is done.
type Pool struct {
	name    string
	workers int
	jobs    chan Job
	stopped atomic.Bool
	wg      sync.WaitGroup
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func New(name string, workers, queueSize int, metrics *observability.Metrics, logger zerolog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = workers
	}
	return &Pool{
		name:    name,
		workers: workers,
		jobs:    make(chan Job, queueSize),
		metrics: metrics,
		logger:  logger.With().Str("pool", name).Logger(),
	}
}

// Start launches the workers. They exit once ctx is done and the queue has
// been drained, or after Stop.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// Submit enqueues job without blocking. Returns ErrQueueFull when the queue
// is at capacity.
func (p *Pool) Submit(job Job) error {
	if p.stopped.Load() {
		return ErrStopped
	}
	select {
	case p.jobs <- job:
		p.observeDepth()
		return nil
	default:
		if p.metrics != nil {
			p.metrics.PoolDropped.WithLabelValues(p.name).Inc()
		}
		return ErrQueueFull
	}
}

// SubmitWait enqueues job, waiting for space until ctx is done.
func (p *Pool) SubmitWait(ctx context.Context, job Job) error {
	if p.stopped.Load() {
		return ErrStopped
	}
	select {
	case p.jobs <- job:
		p.observeDepth()
		return nil
	case <-ctx.Done():
		return fmt.Errorf("submit to %s: %w", p.name, ctx.Err())
	}
}

// Len returns the number of queued jobs.
func (p *Pool) Len() int {
	return len(p.jobs)
}

// Stop rejects further submissions, lets workers finish the queue and waits
// for them.
func (p *Pool) Stop() {
	if p.stopped.CompareAndSwap(false, true) {
		close(p.jobs)
	}
	p.wg.Wait()
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.observeDepth()
			p.run(ctx, job)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pool) run(ctx context.Context, job Job) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Interface("panic", r).Msg("job panicked")
			if p.metrics != nil {
				p.metrics.PoolPanics.WithLabelValues(p.name).Inc()
			}
		}
	}()
	job(ctx)
}

func (p *Pool) observeDepth() {
	if p.metrics != nil {
		p.metrics.PoolQueueDepth.WithLabelValues(p.name).Set(float64(len(p.jobs)))
	}
}
