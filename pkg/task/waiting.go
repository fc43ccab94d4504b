package task

import (
	"sync"
	"sync/atomic"

	sdkerrors "github.com/wehubfusion/Helios/pkg/errors"
)

// WaitingTask is a continuation guarded by a reference count. Each Holder
// taken from it must be released exactly once with DoneWaiting; when the
// last one is released the continuation runs with the first error any
// holder reported.
type WaitingTask struct {
	pending atomic.Int64
	mu      sync.Mutex
	err     error
	run     func(err error)
	pool    *Pool
}

// NewWaitingTask creates a continuation that is submitted to pool once all
// holders are released. A nil pool runs the continuation inline on the
// goroutine that released the last holder.
func NewWaitingTask(pool *Pool, fn func(err error)) *WaitingTask {
	return &WaitingTask{run: fn, pool: pool}
}

// Holder takes a new reference. All holders should be taken before any of
// them can be released.
func (t *WaitingTask) Holder() Holder {
	t.pending.Add(1)
	return Holder{task: t}
}

// Err returns the first error reported so far
func (t *WaitingTask) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *WaitingTask) release(err error) {
	if err != nil {
		t.mu.Lock()
		if t.err == nil {
			t.err = err
		}
		t.mu.Unlock()
	}
	n := t.pending.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 {
		panic("task: holder released more than once")
	}
	first := t.Err()
	if t.pool == nil {
		t.run(first)
		return
	}
	t.pool.Submit(func() { t.run(first) })
}

// Holder is one outstanding reference on a WaitingTask.
type Holder struct {
	task *WaitingTask
}

// DoneWaiting releases the reference, recording err if it is the first one
func (h Holder) DoneWaiting(err error) {
	if h.task == nil {
		return
	}
	h.task.release(err)
}

// Valid reports whether the holder refers to a task
func (h Holder) Valid() bool {
	return h.task != nil
}

// Join is a join counter that the creating goroutine blocks on. It starts
// with one reference owned by Wait, so holders handed out before Wait cannot
// complete it early.
type Join struct {
	task *WaitingTask
	done chan struct{}
}

// NewJoin creates a join counter with its initial reference
func NewJoin() *Join {
	j := &Join{done: make(chan struct{})}
	j.task = NewWaitingTask(nil, func(error) { close(j.done) })
	j.task.pending.Store(1)
	return j
}

// Holder takes a reference on the join
func (j *Join) Holder() Holder {
	return j.task.Holder()
}

// Wait releases the initial reference, blocks until every holder is
// released and returns the first error reported.
func (j *Join) Wait() error {
	j.task.release(nil)
	<-j.done
	return j.task.Err()
}

// Sequence runs steps one after another. Each step receives a holder that it
// must release when its (possibly asynchronous) work ends; the next step
// starts only after that. The first error skips the remaining steps and is
// reported to done.
func Sequence(pool *Pool, done Holder, steps ...func(Holder)) {
	if len(steps) == 0 {
		done.DoneWaiting(nil)
		return
	}
	next := NewWaitingTask(pool, func(err error) {
		if err != nil {
			done.DoneWaiting(err)
			return
		}
		Sequence(pool, done, steps[1:]...)
	})
	steps[0](next.Holder())
}

// Safely runs fn and converts a panic into an error
func Safely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = sdkerrors.Newf(sdkerrors.Unknown, "panic: %v", r)
		}
	}()
	return fn()
}

// FirstError is a write-once error slot. Only the first Set wins.
type FirstError struct {
	p atomic.Pointer[error]
}

// Set stores err if the slot is empty and reports whether it did
func (f *FirstError) Set(err error) bool {
	if err == nil {
		return false
	}
	return f.p.CompareAndSwap(nil, &err)
}

// IsSet reports whether an error has been stored
func (f *FirstError) IsSet() bool {
	return f.p.Load() != nil
}

// Err returns the stored error or nil
func (f *FirstError) Err() error {
	if p := f.p.Load(); p != nil {
		return *p
	}
	return nil
}

// Reset empties the slot
func (f *FirstError) Reset() {
	f.p.Store(nil)
}
