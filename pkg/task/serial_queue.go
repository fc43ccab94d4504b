package task

import (
	"sync"

	"go.uber.org/zap"
)

// SerialQueue runs pushed functions one at a time in push order on a pool.
type SerialQueue struct {
	pool    *Pool
	mu      sync.Mutex
	pending []func()
	running bool
}

// NewSerialQueue creates a queue draining onto pool
func NewSerialQueue(pool *Pool) *SerialQueue {
	return &SerialQueue{pool: pool}
}

// Push enqueues fn
func (q *SerialQueue) Push(fn func()) {
	q.mu.Lock()
	q.pending = append(q.pending, fn)
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()
	q.pool.Submit(q.drain)
}

func (q *SerialQueue) drain() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		fn := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()

		q.call(fn)
	}
}

func (q *SerialQueue) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			q.pool.panics.Add(1)
			q.pool.logger.Error("Serial task panicked", zap.Any("panic", r))
		}
	}()
	fn()
}
