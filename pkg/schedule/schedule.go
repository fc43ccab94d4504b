package schedule

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	sdkerrors "github.com/wehubfusion/Helios/pkg/errors"
	"github.com/wehubfusion/Helios/pkg/eventsetup"
	"github.com/wehubfusion/Helios/pkg/principal"
	"github.com/wehubfusion/Helios/pkg/source"
	"github.com/wehubfusion/Helios/pkg/task"
)

// Schedule runs one path of modules followed by the output modules.
type Schedule struct {
	name    string
	modules []Module
	outputs []OutputModule
	pool    *task.Pool
	logger  *zap.Logger

	total  atomic.Int64
	passed atomic.Int64
	failed atomic.Int64
}

// New creates a schedule. Modules run in the given order for every event.
func New(name string, modules []Module, outputs []OutputModule, pool *task.Pool, logger *zap.Logger) (*Schedule, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	seen := make(map[string]struct{}, len(modules)+len(outputs))
	for _, m := range modules {
		if _, dup := seen[m.Label()]; dup {
			return nil, sdkerrors.Newf(sdkerrors.Configuration, "module label %q is used more than once", m.Label())
		}
		seen[m.Label()] = struct{}{}
	}
	for _, o := range outputs {
		if _, dup := seen[o.Label()]; dup {
			return nil, sdkerrors.Newf(sdkerrors.Configuration, "module label %q is used more than once", o.Label())
		}
		seen[o.Label()] = struct{}{}
	}
	return &Schedule{
		name:    name,
		modules: modules,
		outputs: outputs,
		pool:    pool,
		logger:  logger.Named("Schedule"),
	}, nil
}

// Name returns the process name the schedule was built for
func (s *Schedule) Name() string { return s.name }

// ModuleLabels lists modules and outputs in execution order
func (s *Schedule) ModuleLabels() []string {
	labels := make([]string, 0, len(s.modules)+len(s.outputs))
	for _, m := range s.modules {
		labels = append(labels, m.Label())
	}
	for _, o := range s.outputs {
		labels = append(labels, o.Label())
	}
	return labels
}

func (s *Schedule) all() []Module {
	all := make([]Module, 0, len(s.modules)+len(s.outputs))
	all = append(all, s.modules...)
	for _, o := range s.outputs {
		all = append(all, o)
	}
	return all
}

func moduleError(err error, m Module, what string) *sdkerrors.Error {
	return sdkerrors.Wrap(err, sdkerrors.Module, "module failed").
		AddContext("Calling %s for module %T/'%s'", what, m, m.Label())
}

// BeginJob calls BeginJob on every module that has job hooks
func (s *Schedule) BeginJob(ctx context.Context) error {
	for _, m := range s.all() {
		if h, ok := m.(JobHooks); ok {
			if err := s.pool.Safely(func() error { return h.BeginJob(ctx) }); err != nil {
				return moduleError(err, m, "beginJob")
			}
		}
	}
	return nil
}

// EndJob calls EndJob on every module, collecting every failure
func (s *Schedule) EndJob(ctx context.Context) error {
	c := sdkerrors.NewCollector("Multiple modules failed in endJob.")
	for _, m := range s.all() {
		m := m
		if h, ok := m.(JobHooks); ok {
			c.Call(func() error {
				if err := h.EndJob(ctx); err != nil {
					return moduleError(err, m, "endJob")
				}
				return nil
			})
		}
	}
	return c.Rethrow()
}

// BeginStream calls BeginStream on every module with stream hooks
func (s *Schedule) BeginStream(ctx context.Context, stream int) error {
	for _, m := range s.all() {
		if h, ok := m.(StreamHooks); ok {
			if err := s.pool.Safely(func() error { return h.BeginStream(ctx, stream) }); err != nil {
				return moduleError(err, m, "beginStream")
			}
		}
	}
	return nil
}

// EndStream calls EndStream on every module with stream hooks
func (s *Schedule) EndStream(ctx context.Context, stream int) error {
	c := sdkerrors.NewCollector("Multiple modules failed in endStream.")
	for _, m := range s.all() {
		m := m
		if h, ok := m.(StreamHooks); ok {
			c.Call(func() error {
				if err := h.EndStream(ctx, stream); err != nil {
					return moduleError(err, m, "endStream")
				}
				return nil
			})
		}
	}
	return c.Rethrow()
}

// ProcessOneEventAsync runs the path for ev on the pool and releases holder
// with the outcome.
func (s *Schedule) ProcessOneEventAsync(ctx context.Context, holder task.Holder, ev *principal.EventPrincipal, es eventsetup.EventSetup) {
	s.pool.Submit(func() {
		holder.DoneWaiting(s.pool.Safely(func() error { return s.processEvent(ctx, ev, es) }))
	})
}

func (s *Schedule) processEvent(ctx context.Context, ev *principal.EventPrincipal, es eventsetup.EventSetup) error {
	s.total.Add(1)
	accepted := true
	for _, m := range s.modules {
		if !accepted {
			break
		}
		var err error
		switch mod := m.(type) {
		case Filter:
			accepted, err = mod.Filter(ctx, ev, es)
		case Producer:
			err = mod.Produce(ctx, ev, es)
		case Analyzer:
			err = mod.Analyze(ctx, ev, es)
		}
		if err != nil {
			s.failed.Add(1)
			aux := ev.Aux()
			return moduleError(err, m, "event").
				AddContext("Processing event run: %d lumi: %d event: %d stream: %d", aux.Run, aux.Lumi, aux.Event, ev.Stream())
		}
	}
	if !accepted {
		s.failed.Add(1)
		return nil
	}
	s.passed.Add(1)
	for _, o := range s.outputs {
		if err := o.Write(ctx, ev); err != nil {
			return moduleError(err, o, "write")
		}
	}
	return nil
}

// ProcessGlobalTransitionAsync runs the global transition hooks on the pool
func (s *Schedule) ProcessGlobalTransitionAsync(ctx context.Context, holder task.Holder, info TransitionInfo) {
	s.pool.Submit(func() {
		holder.DoneWaiting(s.pool.Safely(func() error {
			for _, m := range s.all() {
				if h, ok := m.(TransitionHooks); ok {
					if err := h.GlobalTransition(ctx, info); err != nil {
						return moduleError(err, m, "global "+info.Kind.String())
					}
				}
			}
			return nil
		}))
	})
}

// ProcessStreamTransitionAsync runs the stream transition hooks on the pool
func (s *Schedule) ProcessStreamTransitionAsync(ctx context.Context, holder task.Holder, stream int, info TransitionInfo) {
	s.pool.Submit(func() {
		holder.DoneWaiting(s.pool.Safely(func() error {
			for _, m := range s.all() {
				if h, ok := m.(TransitionHooks); ok {
					if err := h.StreamTransition(ctx, stream, info); err != nil {
						return moduleError(err, m, fmt.Sprintf("stream %s (stream %d)", info.Kind, stream))
					}
				}
			}
			return nil
		}))
	})
}

// OpenOutputFiles opens a file on every output module
func (s *Schedule) OpenOutputFiles(ctx context.Context, fb *source.FileBlock) error {
	for _, o := range s.outputs {
		if err := o.OpenFile(ctx, fb); err != nil {
			return moduleError(err, o, "openFile")
		}
	}
	return nil
}

// CloseOutputFiles closes every output file
func (s *Schedule) CloseOutputFiles(ctx context.Context) error {
	c := sdkerrors.NewCollector("Multiple output modules failed to close their files.")
	for _, o := range s.outputs {
		o := o
		c.Call(func() error {
			if err := o.CloseFile(ctx); err != nil {
				return moduleError(err, o, "closeFile")
			}
			return nil
		})
	}
	return c.Rethrow()
}

// RespondToOpenInputFile notifies the schedule that an input file opened
func (s *Schedule) RespondToOpenInputFile(fb *source.FileBlock) {
	s.logger.Debug("Input file opened", zap.String("file", fb.Name))
}

// RespondToCloseInputFile notifies the schedule that an input file closed
func (s *Schedule) RespondToCloseInputFile(fb *source.FileBlock) {
	s.logger.Debug("Input file closed", zap.String("file", fb.Name))
}

// ShouldWeCloseOutput reports whether any output module wants a new file
func (s *Schedule) ShouldWeCloseOutput() bool {
	for _, o := range s.outputs {
		if o.ShouldWeCloseFile() {
			return true
		}
	}
	return false
}

// WriteRun hands the finished run to every output module
func (s *Schedule) WriteRun(ctx context.Context, rp *principal.RunPrincipal) error {
	for _, o := range s.outputs {
		if err := o.WriteRun(ctx, rp); err != nil {
			return moduleError(err, o, "writeRun")
		}
	}
	return nil
}

// WriteLumi hands the finished luminosity block to every output module
func (s *Schedule) WriteLumi(ctx context.Context, lp *principal.LumiPrincipal) error {
	for _, o := range s.outputs {
		if err := o.WriteLumi(ctx, lp); err != nil {
			return moduleError(err, o, "writeLuminosityBlock")
		}
	}
	return nil
}

// Terminate reports whether every output module reached its limit
func (s *Schedule) Terminate() bool {
	if len(s.outputs) == 0 {
		return false
	}
	for _, o := range s.outputs {
		if !o.LimitReached() {
			return false
		}
	}
	return true
}

// PreForkReleaseResources lets modules drop resources before workers start
func (s *Schedule) PreForkReleaseResources() {
	for _, m := range s.all() {
		if h, ok := m.(ForkHooks); ok {
			h.PreForkReleaseResources()
		}
	}
}

// PostForkReacquireResources lets modules restore resources in a worker
func (s *Schedule) PostForkReacquireResources(childIndex, numberOfChildren int) {
	for _, m := range s.all() {
		if h, ok := m.(ForkHooks); ok {
			h.PostForkReacquireResources(childIndex, numberOfChildren)
		}
	}
}

// TotalEvents returns the number of events the path saw
func (s *Schedule) TotalEvents() int64 { return s.total.Load() }

// TotalEventsPassed returns the number of accepted events
func (s *Schedule) TotalEventsPassed() int64 { return s.passed.Load() }

// TotalEventsFailed returns the number of rejected or failed events
func (s *Schedule) TotalEventsFailed() int64 { return s.failed.Load() }

// ClearCounters resets the event counters
func (s *Schedule) ClearCounters() {
	s.total.Store(0)
	s.passed.Store(0)
	s.failed.Store(0)
}
