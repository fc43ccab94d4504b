// Package task provides the small task-graph primitives the processor is
// built on: a bounded worker pool, join counters with continuations, a FIFO
// serial queue and a first-error slot.
package task

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	sdkerrors "github.com/wehubfusion/Helios/pkg/errors"
)

// Pool runs tasks on a bounded set of worker goroutines.
type Pool struct {
	pool   *ants.Pool
	logger *zap.Logger

	// Metrics
	submitted atomic.Int64
	overflow  atomic.Int64
	panics    atomic.Int64
}

// NewPool creates a pool with the given number of workers. Submission never
// blocks: when all workers are busy the task gets its own goroutine so a
// task waiting on other tasks cannot starve the pool.
func NewPool(workers int, logger *zap.Logger) (*Pool, error) {
	if workers <= 0 {
		return nil, fmt.Errorf("workers must be greater than 0, got %d", workers)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pool{logger: logger}
	ap, err := ants.NewPool(workers,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(v any) {
			p.panics.Add(1)
			logger.Error("Task panicked", zap.Any("panic", v))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}
	p.pool = ap
	return p, nil
}

// Submit schedules fn for execution
func (p *Pool) Submit(fn func()) {
	p.submitted.Add(1)
	err := p.pool.Submit(fn)
	if err == nil {
		return
	}
	if errors.Is(err, ants.ErrPoolOverload) || errors.Is(err, ants.ErrPoolClosed) {
		p.overflow.Add(1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					p.panics.Add(1)
					p.logger.Error("Task panicked", zap.Any("panic", r))
				}
			}()
			fn()
		}()
		return
	}
	p.logger.Error("Failed to submit task, running inline", zap.Error(err))
	fn()
}

// Workers returns the configured worker count
func (p *Pool) Workers() int {
	return p.pool.Cap()
}

// Safely runs fn like the package level Safely. A recovered panic is logged
// here with its stack, and the returned error is marked as printed.
func (p *Pool) Safely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.logger.Error("Task panicked", zap.Any("panic", r), zap.Stack("stack"))
			e := sdkerrors.Newf(sdkerrors.Unknown, "panic: %v", r)
			e.AlreadyPrinted = true
			err = e
		}
	}()
	return fn()
}

// Stats returns submitted, overflowed and panicked task counts
func (p *Pool) Stats() (submitted, overflow, panics int64) {
	return p.submitted.Load(), p.overflow.Load(), p.panics.Load()
}

// Close releases the workers, waiting up to timeout for running tasks
func (p *Pool) Close(timeout time.Duration) error {
	if err := p.pool.ReleaseTimeout(timeout); err != nil {
		return fmt.Errorf("worker pool did not drain: %w", err)
	}
	return nil
}
