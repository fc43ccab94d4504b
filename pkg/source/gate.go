package source

import (
	"context"
	"sync"

	"github.com/wehubfusion/Helios/pkg/task"
)

type gateKey struct{}

// Gate serialises every interaction with the input source. Work pushed from
// event streams runs in FIFO order on a serial queue; Do additionally holds
// a mutex that is reentrant for callers whose context already owns it.
type Gate struct {
	queue *task.SerialQueue
	mu    sync.Mutex
}

// NewGate creates a gate whose queue drains onto pool
func NewGate(pool *task.Pool) *Gate {
	return &Gate{queue: task.NewSerialQueue(pool)}
}

// Push enqueues fn on the serial queue without waiting
func (g *Gate) Push(fn func()) {
	g.queue.Push(fn)
}

// Do runs fn while holding the gate mutex. A context returned to fn marks
// ownership so nested calls with it do not deadlock.
func (g *Gate) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if owner, _ := ctx.Value(gateKey{}).(*Gate); owner == g {
		return fn(ctx)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return fn(context.WithValue(ctx, gateKey{}, g))
}

// Run pushes fn through the queue under the mutex and waits for it. It must
// not be called from a function already running on the queue.
func (g *Gate) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	done := make(chan error, 1)
	g.queue.Push(func() {
		done <- task.Safely(func() error { return g.Do(ctx, fn) })
	})
	return <-done
}

// Holds reports whether ctx owns g
func (g *Gate) Holds(ctx context.Context) bool {
	owner, _ := ctx.Value(gateKey{}).(*Gate)
	return owner == g
}
