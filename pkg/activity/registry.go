// Package activity is a registry of lifecycle signals. Services attach
// callbacks; the processor emits the signals at the matching points.
package activity

import (
	"sync"

	"github.com/wehubfusion/Helios/pkg/source"
)

// TerminationOrigin tells why the source is being stopped early.
type TerminationOrigin int

const (
	ExceptionFromThisContext TerminationOrigin = iota
	ExceptionFromAnotherContext
	ExternalSignal
)

func (o TerminationOrigin) String() string {
	switch o {
	case ExceptionFromThisContext:
		return "ExceptionFromThisContext"
	case ExceptionFromAnotherContext:
		return "ExceptionFromAnotherContext"
	case ExternalSignal:
		return "ExternalSignal"
	default:
		return "Unknown"
	}
}

// Preallocation carries the concurrency layout announced at startup.
type Preallocation struct {
	Threads         int
	Streams         int
	ConcurrentLumis int
	ConcurrentRuns  int
}

// Registry holds the callbacks for each signal. Callbacks run in
// registration order on the emitting goroutine.
type Registry struct {
	mu sync.RWMutex

	preallocate               []func(Preallocation)
	preBeginJob               []func()
	postBeginJob              []func()
	preEndJob                 []func()
	postEndJob                []func()
	preSourceEarlyTermination []func(TerminationOrigin)
	preForkReleaseResources   []func()
	postForkReacquire         []func(childIndex, numberOfChildren int)
	postOpenFile              []func(*source.FileBlock)
	postCloseFile             []func(*source.FileBlock)
	postBeginRun              []func(run uint32)
	postBeginLumi             []func(run, lumi uint32)
	postEvent                 []func(stream int, run, lumi uint32, event uint64)
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) WatchPreallocate(fn func(Preallocation)) {
	r.mu.Lock()
	r.preallocate = append(r.preallocate, fn)
	r.mu.Unlock()
}

func (r *Registry) WatchPreBeginJob(fn func()) {
	r.mu.Lock()
	r.preBeginJob = append(r.preBeginJob, fn)
	r.mu.Unlock()
}

func (r *Registry) WatchPostBeginJob(fn func()) {
	r.mu.Lock()
	r.postBeginJob = append(r.postBeginJob, fn)
	r.mu.Unlock()
}

func (r *Registry) WatchPreEndJob(fn func()) {
	r.mu.Lock()
	r.preEndJob = append(r.preEndJob, fn)
	r.mu.Unlock()
}

func (r *Registry) WatchPostEndJob(fn func()) {
	r.mu.Lock()
	r.postEndJob = append(r.postEndJob, fn)
	r.mu.Unlock()
}

func (r *Registry) WatchPreSourceEarlyTermination(fn func(TerminationOrigin)) {
	r.mu.Lock()
	r.preSourceEarlyTermination = append(r.preSourceEarlyTermination, fn)
	r.mu.Unlock()
}

func (r *Registry) WatchPreForkReleaseResources(fn func()) {
	r.mu.Lock()
	r.preForkReleaseResources = append(r.preForkReleaseResources, fn)
	r.mu.Unlock()
}

func (r *Registry) WatchPostForkReacquireResources(fn func(childIndex, numberOfChildren int)) {
	r.mu.Lock()
	r.postForkReacquire = append(r.postForkReacquire, fn)
	r.mu.Unlock()
}

func (r *Registry) WatchPostOpenFile(fn func(*source.FileBlock)) {
	r.mu.Lock()
	r.postOpenFile = append(r.postOpenFile, fn)
	r.mu.Unlock()
}

func (r *Registry) WatchPostCloseFile(fn func(*source.FileBlock)) {
	r.mu.Lock()
	r.postCloseFile = append(r.postCloseFile, fn)
	r.mu.Unlock()
}

func (r *Registry) WatchPostBeginRun(fn func(run uint32)) {
	r.mu.Lock()
	r.postBeginRun = append(r.postBeginRun, fn)
	r.mu.Unlock()
}

func (r *Registry) WatchPostBeginLumi(fn func(run, lumi uint32)) {
	r.mu.Lock()
	r.postBeginLumi = append(r.postBeginLumi, fn)
	r.mu.Unlock()
}

func (r *Registry) WatchPostEvent(fn func(stream int, run, lumi uint32, event uint64)) {
	r.mu.Lock()
	r.postEvent = append(r.postEvent, fn)
	r.mu.Unlock()
}

func (r *Registry) Preallocate(p Preallocation) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, fn := range r.preallocate {
		fn(p)
	}
}

func (r *Registry) PreBeginJob()  { r.emit(func() []func() { return r.preBeginJob }) }
func (r *Registry) PostBeginJob() { r.emit(func() []func() { return r.postBeginJob }) }
func (r *Registry) PreEndJob()    { r.emit(func() []func() { return r.preEndJob }) }
func (r *Registry) PostEndJob()   { r.emit(func() []func() { return r.postEndJob }) }

func (r *Registry) PreForkReleaseResources() {
	r.emit(func() []func() { return r.preForkReleaseResources })
}

func (r *Registry) PreSourceEarlyTermination(origin TerminationOrigin) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, fn := range r.preSourceEarlyTermination {
		fn(origin)
	}
}

func (r *Registry) PostForkReacquireResources(childIndex, numberOfChildren int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, fn := range r.postForkReacquire {
		fn(childIndex, numberOfChildren)
	}
}

func (r *Registry) PostOpenFile(fb *source.FileBlock) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, fn := range r.postOpenFile {
		fn(fb)
	}
}

func (r *Registry) PostCloseFile(fb *source.FileBlock) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, fn := range r.postCloseFile {
		fn(fb)
	}
}

func (r *Registry) PostBeginRun(run uint32) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, fn := range r.postBeginRun {
		fn(run)
	}
}

func (r *Registry) PostBeginLumi(run, lumi uint32) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, fn := range r.postBeginLumi {
		fn(run, lumi)
	}
}

// PostEvent is emitted from stream goroutines; callbacks must be safe for
// concurrent use.
func (r *Registry) PostEvent(stream int, run, lumi uint32, event uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, fn := range r.postEvent {
		fn(stream, run, lumi, event)
	}
}

func (r *Registry) emit(selector func() []func()) {
	r.mu.RLock()
	fns := selector()
	r.mu.RUnlock()
	for _, fn := range fns {
		fn()
	}
}
