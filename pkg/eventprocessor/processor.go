// Package eventprocessor drives a job through its files, runs, luminosity
// blocks and events. It owns the input source, the schedule and its
// sub-processes, the event streams and the optional worker processes.
package eventprocessor

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Helios/internal/shutdown"
	"github.com/wehubfusion/Helios/pkg/activity"
	sdkerrors "github.com/wehubfusion/Helios/pkg/errors"
	"github.com/wehubfusion/Helios/pkg/eventsetup"
	"github.com/wehubfusion/Helios/pkg/fork"
	"github.com/wehubfusion/Helios/pkg/jobreport"
	"github.com/wehubfusion/Helios/pkg/looper"
	"github.com/wehubfusion/Helios/pkg/params"
	"github.com/wehubfusion/Helios/pkg/principal"
	"github.com/wehubfusion/Helios/pkg/schedule"
	"github.com/wehubfusion/Helios/pkg/service"
	"github.com/wehubfusion/Helios/pkg/source"
	"github.com/wehubfusion/Helios/pkg/statemachine"
	"github.com/wehubfusion/Helios/pkg/task"
)

// Names under which the processor registers its services
const (
	ServiceActivityRegistry = "ActivityRegistry"
	ServiceJobReport        = "JobReport"
	ServiceParameterSets    = "ParameterSetRegistry"
	ServiceLogger           = "Logger"
)

// poolCloseTimeout bounds how long Close waits for tasks still running
const poolCloseTimeout = 5 * time.Second

// StatusCode is the outcome of RunToCompletion when no error occurred
type StatusCode int

const (
	StatusSuccess StatusCode = iota
	StatusSignal
)

func (s StatusCode) String() string {
	if s == StatusSignal {
		return "Signal"
	}
	return "Success"
}

// Option customises a processor
type Option func(*settings)

type settings struct {
	logger   *zap.Logger
	tracer   trace.Tracer
	input    source.InputSource
	registry *principal.ProductRegistry
	modules  []schedule.Module
	outputs  []schedule.OutputModule
	plugins  schedule.Registry
	es       eventsetup.Provider
	looper   looper.Looper
	activity *activity.Registry
	report   *jobreport.Report
	flag     *shutdown.Flag
	launcher fork.Launcher
	logDir   string
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option { return func(s *settings) { s.logger = l } }

// WithTracer sets the tracer used for lifecycle spans
func WithTracer(t trace.Tracer) Option { return func(s *settings) { s.tracer = t } }

// WithSource replaces the source described by the `source` block. reg is the
// product registry the source adds to; nil means the source never does.
func WithSource(in source.InputSource, reg *principal.ProductRegistry) Option {
	return func(s *settings) { s.input, s.registry = in, reg }
}

// WithModules replaces the `modules` and `outputs` blocks of the main process
func WithModules(modules []schedule.Module, outputs []schedule.OutputModule) Option {
	return func(s *settings) { s.modules, s.outputs = modules, outputs }
}

// WithPlugins sets the module types available to the configuration
func WithPlugins(reg schedule.Registry) Option { return func(s *settings) { s.plugins = reg } }

// WithEventSetup replaces the provider described by the `eventSetup` block
func WithEventSetup(p eventsetup.Provider) Option { return func(s *settings) { s.es = p } }

// WithLooper replaces the looper described by the `looper` block
func WithLooper(l looper.Looper) Option { return func(s *settings) { s.looper = l } }

// WithActivityRegistry shares an activity registry with the caller
func WithActivityRegistry(r *activity.Registry) Option { return func(s *settings) { s.activity = r } }

// WithJobReport shares a job report with the caller
func WithJobReport(r *jobreport.Report) Option { return func(s *settings) { s.report = r } }

// WithShutdownFlag shares the stop request flag with the caller
func WithShutdownFlag(f *shutdown.Flag) Option { return func(s *settings) { s.flag = f } }

// WithLauncher sets how worker processes are started
func WithLauncher(l fork.Launcher) Option { return func(s *settings) { s.launcher = l } }

// WithForkLogDir sets where worker output is redirected
func WithForkLogDir(dir string) Option { return func(s *settings) { s.logDir = dir } }

// EventProcessor runs one job.
type EventProcessor struct {
	logger *zap.Logger
	tracer trace.Tracer

	pset        *params.ParameterSet
	psets       *params.Registry
	parentage   *principal.ParentageRegistry
	token       *service.Token
	actReg      *activity.Registry
	report      *jobreport.Report
	opts        Options
	prealloc    activity.Preallocation
	processName string

	pool         *task.Pool
	gate         *source.Gate
	input        source.InputSource
	registry     *principal.ProductRegistry
	esp          eventsetup.Provider
	looper       looper.Looper
	schedule     *schedule.Schedule
	subProcesses []*schedule.SubProcess
	targets      []schedule.TransitionTarget
	cache        *principal.Cache

	flag     *shutdown.Flag
	launcher fork.Launcher
	logDir   string

	// current input file, and a file read before worker processes split
	fb      *source.FileBlock
	preRead *source.FileBlock
	// items classified before RunToCompletion took over the source
	pending []source.ItemType

	child       *fork.Child
	stopSignals func()
	forked      bool

	machine        *statemachine.Machine
	es             eventsetup.EventSetup
	beginJobCalled bool

	shouldWeStop                atomic.Bool
	stateMachineWasInErrorState bool
	alreadyHandlingException    bool
	forceLooperToEnd            bool
	looperBeginJobRun           bool

	// written under the source gate while streams run, read after they join
	firstEventInBlock                       bool
	nextItemTypeFromProcessingEvents        source.ItemType
	asyncStopRequestedWhileProcessingEvents bool
	asyncStopStatusCodeFromProcessingEvents StatusCode

	deferred task.FirstError

	exceptionMessageFiles string
	exceptionMessageRuns  string
	exceptionMessageLumis string
}

// New builds a processor from a job configuration. Construction follows the
// order services, options, event setup, looper, preallocation, source,
// schedule, principal caches, sub-processes.
func New(pset *params.ParameterSet, opts ...Option) (*EventProcessor, error) {
	if pset == nil {
		return nil, sdkerrors.Newf(sdkerrors.Configuration, "job configuration cannot be nil")
	}
	s := settings{}
	for _, o := range opts {
		o(&s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer("helios/eventprocessor")
	}
	if s.plugins == nil {
		s.plugins = schedule.DefaultRegistry()
	}
	if s.activity == nil {
		s.activity = activity.NewRegistry()
	}
	if s.report == nil {
		s.report = jobreport.New(s.logger)
		s.report.Attach(s.activity)
	}
	if s.flag == nil {
		s.flag = &shutdown.Flag{}
	}

	ep := &EventProcessor{
		logger:      s.logger,
		tracer:      s.tracer,
		pset:        pset,
		psets:       params.NewRegistry(),
		parentage:   principal.NewParentageRegistry(),
		token:       service.NewToken(),
		actReg:      s.activity,
		report:      s.report,
		processName: pset.GetString("process", "PROCESS"),
		flag:        s.flag,
		launcher:    s.launcher,
		logDir:      s.logDir,
	}
	ep.psets.Register(pset)
	ep.token.Add(ServiceActivityRegistry, ep.actReg)
	ep.token.Add(ServiceJobReport, ep.report)
	ep.token.Add(ServiceParameterSets, ep.psets)
	ep.token.Add(ServiceLogger, ep.logger)

	var err error
	if ep.opts, err = ParseOptions(pset.GetPSet("options"), ep.logger); err != nil {
		return nil, err
	}

	ep.esp = s.es
	if ep.esp == nil {
		if ep.esp, err = eventsetup.FromParameterSet(pset.GetPSet("eventSetup"), ep.logger); err != nil {
			return nil, err
		}
	}

	ep.looper = s.looper
	if ep.looper == nil {
		if ep.looper, err = looper.FromParameterSet(pset.GetPSet("looper"), ep.logger); err != nil {
			return nil, err
		}
	}

	ep.prealloc = activity.Preallocation{
		Threads:         ep.opts.NumberOfThreads,
		Streams:         ep.opts.NumberOfStreams,
		ConcurrentLumis: 1,
		ConcurrentRuns:  1,
	}
	if ep.prealloc.Threads > 1 {
		ep.logger.Named("ThreadStreamSetup").Info("Setting threads and streams",
			zap.Int("threads", ep.prealloc.Threads), zap.Int("streams", ep.prealloc.Streams))
	}
	if ep.looper != nil {
		ep.prealloc.Streams = 1
		ep.prealloc.ConcurrentLumis = 1
		ep.prealloc.ConcurrentRuns = 1
		if ep.opts.NumberOfStreams > 1 {
			ep.logger.Named("ThreadStreamSetup").Warn("A looper forces a single stream",
				zap.Int("requested_streams", ep.opts.NumberOfStreams))
		}
	}

	ep.registry = s.registry
	if ep.registry == nil {
		ep.registry = principal.NewProductRegistry()
	}
	ep.input = s.input
	if ep.input == nil {
		maxEvents := pset.GetInt("maxEvents.input", -1)
		if ep.input, err = source.FromParameterSet(pset.GetPSet("source"), maxEvents, ep.registry, ep.logger.Named("Source")); err != nil {
			return nil, err
		}
	}

	if ep.pool, err = task.NewPool(ep.prealloc.Threads, ep.logger); err != nil {
		return nil, sdkerrors.NewError(sdkerrors.Configuration, "failed to create the task pool", err)
	}
	ep.gate = source.NewGate(ep.pool)

	modules, outputs := s.modules, s.outputs
	if modules == nil && outputs == nil {
		if modules, outputs, err = s.plugins.Build(pset, ep.logger); err != nil {
			ep.releasePool()
			return nil, err
		}
	}
	if ep.schedule, err = schedule.New(ep.processName, modules, outputs, ep.pool, ep.logger); err != nil {
		ep.releasePool()
		return nil, err
	}
	ep.targets = append(ep.targets, ep.schedule)

	ep.cache = principal.NewCache()
	for i := 0; i < ep.prealloc.Streams; i++ {
		if err := ep.cache.InsertEvent(principal.NewEventPrincipal(i, ep.registry)); err != nil {
			ep.releasePool()
			return nil, err
		}
	}

	for i, sp := range pset.GetPSetVector("subProcesses") {
		name := sp.GetString("process", fmt.Sprintf("SUBPROCESS%d", i))
		mods, outs, err := s.plugins.Build(sp, ep.logger)
		if err != nil {
			ep.releasePool()
			return nil, sdkerrors.Wrap(err, sdkerrors.Configuration, "invalid sub-process").
				AddContext("constructing sub-process %s", name)
		}
		sched, err := schedule.New(name, mods, outs, ep.pool, ep.logger.Named(name))
		if err != nil {
			ep.releasePool()
			return nil, err
		}
		sub := schedule.NewSubProcess(sched)
		ep.subProcesses = append(ep.subProcesses, sub)
		ep.targets = append(ep.targets, sub)
	}

	ep.parentage.Insert("", nil)
	return ep, nil
}

// Options returns the parsed `options` block
func (ep *EventProcessor) Options() Options { return ep.opts }

// Preallocations returns the concurrency layout of the job
func (ep *EventProcessor) Preallocations() activity.Preallocation { return ep.prealloc }

// Token returns the services made available to user code
func (ep *EventProcessor) Token() *service.Token { return ep.token }

// JobReport returns the report of this process
func (ep *EventProcessor) JobReport() *jobreport.Report { return ep.report }

// ActivityRegistry returns the registry lifecycle signals are emitted on
func (ep *EventProcessor) ActivityRegistry() *activity.Registry { return ep.actReg }

// ParameterSets returns the registry of the job's configuration blocks
func (ep *EventProcessor) ParameterSets() *params.Registry { return ep.psets }

// Parentage returns the parentage registry owned by the job
func (ep *EventProcessor) Parentage() *principal.ParentageRegistry { return ep.parentage }

// Forked reports whether this process is a worker of a multi-process job
func (ep *EventProcessor) Forked() bool { return ep.forked }

// TotalEvents returns the number of events the main schedule saw
func (ep *EventProcessor) TotalEvents() int64 { return ep.schedule.TotalEvents() }

// TotalEventsPassed returns the number of events accepted by the main schedule
func (ep *EventProcessor) TotalEventsPassed() int64 { return ep.schedule.TotalEventsPassed() }

// TotalEventsFailed returns the number of events rejected by the main schedule
func (ep *EventProcessor) TotalEventsFailed() int64 { return ep.schedule.TotalEventsFailed() }

// ClearCounters resets the event counters
func (ep *EventProcessor) ClearCounters() { ep.schedule.ClearCounters() }

func (ep *EventProcessor) operate(ctx context.Context) context.Context {
	return service.Operate(ctx, ep.token)
}

// BeginJob announces the preallocation and begins the source, the schedule
// and the sub-processes, then every stream. Calling it again does nothing.
func (ep *EventProcessor) BeginJob(ctx context.Context) error {
	if ep.beginJobCalled {
		return nil
	}
	ep.beginJobCalled = true
	ctx = ep.operate(ctx)
	ctx, span := ep.tracer.Start(ctx, "eventprocessor.beginJob")
	defer span.End()

	ep.actReg.Preallocate(ep.prealloc)
	if ep.opts.PrintDependencies {
		ep.printDependencies()
	}

	ep.actReg.PreBeginJob()
	if err := ep.sourceCall(func() error { return ep.input.DoBeginJob(ctx) }); err != nil {
		return sdkerrors.Wrap(err, sdkerrors.SourceRead, "source beginJob failed").
			AddContext("Calling beginJob for the source")
	}
	if err := ep.schedule.BeginJob(ctx); err != nil {
		return err
	}
	for _, sp := range ep.subProcesses {
		if err := sp.BeginJob(ctx); err != nil {
			return err
		}
	}
	ep.actReg.PostBeginJob()

	for i := 0; i < ep.prealloc.Streams; i++ {
		if err := ep.schedule.BeginStream(ctx, i); err != nil {
			return err
		}
		for _, sp := range ep.subProcesses {
			if err := sp.BeginStream(ctx, i); err != nil {
				return err
			}
		}
	}
	return nil
}

// EndJob ends every stream, the schedule, the sub-processes, the source and
// the looper. All of them are attempted; the failures are merged.
func (ep *EventProcessor) EndJob(ctx context.Context) error {
	ctx = ep.operate(ctx)
	ctx, span := ep.tracer.Start(ctx, "eventprocessor.endJob")
	defer span.End()

	c := sdkerrors.NewCollector("Multiple exceptions were thrown while executing endJob. An exception message follows for each.")
	for i := 0; i < ep.prealloc.Streams; i++ {
		i := i
		c.Call(func() error { return ep.schedule.EndStream(ctx, i) })
		for _, sp := range ep.subProcesses {
			sp := sp
			c.Call(func() error { return sp.EndStream(ctx, i) })
		}
	}
	c.Call(func() error { ep.actReg.PreEndJob(); return nil })
	c.Call(func() error { return ep.schedule.EndJob(ctx) })
	for _, sp := range ep.subProcesses {
		sp := sp
		c.Call(func() error { return sp.EndJob(ctx) })
	}
	c.Call(func() error { return ep.input.DoEndJob(ctx) })
	if ep.looper != nil {
		c.Call(func() error { return ep.looper.EndOfJob(ctx) })
	}
	c.Call(func() error { ep.actReg.PostEndJob(); return nil })

	err := c.Rethrow()
	if err != nil {
		ep.report.ReportError(err)
	}
	return err
}

// Close releases everything the processor owns, in reverse order of
// construction, and clears the job-scoped registries.
func (ep *EventProcessor) Close() error {
	if ep.stopSignals != nil {
		ep.stopSignals()
		ep.stopSignals = nil
	}
	var err error
	if ep.child != nil {
		err = ep.child.Close()
		ep.child = nil
	}
	ep.machine = nil
	ep.subProcesses = nil
	ep.targets = nil
	ep.es = nil
	ep.psets.Clear()
	ep.parentage.Clear()
	if perr := ep.releasePool(); err == nil {
		err = perr
	}
	return err
}

func (ep *EventProcessor) releasePool() error {
	if ep.pool == nil {
		return nil
	}
	err := ep.pool.Close(poolCloseTimeout)
	ep.pool = nil
	return err
}

func (ep *EventProcessor) printDependencies() {
	ep.logger.Info("Module dependencies",
		zap.String("process", ep.processName),
		zap.Strings("modules", ep.schedule.ModuleLabels()))
	for _, sp := range ep.subProcesses {
		ep.logger.Info("Module dependencies",
			zap.String("process", sp.Name()),
			zap.Strings("modules", sp.ModuleLabels()))
	}
}
