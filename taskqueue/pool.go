// Package taskqueue bounds how many codec jobs run at once and makes sure
// identical jobs are only computed once while in flight.
package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"renditiond/logger"
)

var ErrPoolClosed = errors.New("worker pool closed")

var log = logger.With("taskqueue")

// DefaultConcurrency is the number of CPUs minus one, never below one.
func DefaultConcurrency() int {
	return max(runtime.NumCPU()-1, 1)
}

// Width resolves a requested pool width. Zero or negative means the default;
// anything above the default is clamped down to it.
func Width(requested int) int {
	def := DefaultConcurrency()
	switch {
	case requested <= 0:
		return def
	case requested > def:
		log.Warnf("requested concurrency %d exceeds safe default %d, clamping", requested, def)
		return def
	}
	return requested
}

// Pool admits jobs in arrival order and runs at most Width of them at a time.
type Pool struct {
	sem   *semaphore.Weighted
	width int

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	wg      sync.WaitGroup
	running atomic.Int64
	waiting atomic.Int64
}

func NewPool(requested int) *Pool {
	width := Width(requested)
	ctx, cancel := context.WithCancel(context.Background())
	log.Debugf("worker pool width %d", width)
	return &Pool{
		sem:    semaphore.NewWeighted(int64(width)),
		width:  width,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (p *Pool) Width() int { return p.width }

// Running is the number of jobs currently holding a slot.
func (p *Pool) Running() int { return int(p.running.Load()) }

// Waiting is the number of jobs queued for a slot.
func (p *Pool) Waiting() int { return int(p.waiting.Load()) }

// Run waits for a free slot and then runs job. Waiting for a slot can be
// abandoned through ctx or by closing the pool; once admitted the job runs to
// completion on a context that ignores cancellation of ctx.
func (p *Pool) Run(ctx context.Context, job func(context.Context) error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.wg.Add(1)
	p.mu.Unlock()
	defer p.wg.Done()

	admitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(p.ctx, cancel)
	defer stop()

	p.waiting.Add(1)
	err := p.sem.Acquire(admitCtx, 1)
	p.waiting.Add(-1)
	if err != nil {
		if p.ctx.Err() != nil {
			return ErrPoolClosed
		}
		return fmt.Errorf("job not admitted: %w", err)
	}
	defer p.sem.Release(1)

	p.running.Add(1)
	defer p.running.Add(-1)
	return job(context.WithoutCancel(ctx))
}

// Close stops admitting jobs, drops queued ones and waits for running jobs.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cancel()
	p.wg.Wait()
}
