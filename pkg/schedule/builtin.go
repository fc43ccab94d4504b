package schedule

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	sdkerrors "github.com/wehubfusion/Helios/pkg/errors"
	"github.com/wehubfusion/Helios/pkg/eventsetup"
	"github.com/wehubfusion/Helios/pkg/params"
	"github.com/wehubfusion/Helios/pkg/principal"
	"github.com/wehubfusion/Helios/pkg/source"
)

// Factory builds a module from its configuration block
type Factory func(pset *params.ParameterSet, logger *zap.Logger) (Module, error)

// Registry maps module type names to factories
type Registry map[string]Factory

// DefaultRegistry returns the built-in module types
func DefaultRegistry() Registry {
	return Registry{
		"EventCounter": func(p *params.ParameterSet, l *zap.Logger) (Module, error) {
			return NewEventCounter(p.GetString("label", "counter"), l), nil
		},
		"Prescaler": func(p *params.ParameterSet, _ *zap.Logger) (Module, error) {
			n := p.GetInt("n", 1)
			if n < 1 {
				return nil, sdkerrors.Newf(sdkerrors.Configuration, "Prescaler n must be at least 1, got %d", n)
			}
			return &Prescaler{label: p.GetString("label", "prescaler"), n: n}, nil
		},
		"ThrowOnEvent": func(p *params.ParameterSet, _ *zap.Logger) (Module, error) {
			return &ThrowOnEvent{
				label:      p.GetString("label", "thrower"),
				event:      p.GetUint("event", 0),
				transition: p.GetString("transition", ""),
			}, nil
		},
		"Sleeper": func(p *params.ParameterSet, _ *zap.Logger) (Module, error) {
			return &Sleeper{label: p.GetString("label", "sleeper"), delay: time.Duration(p.GetInt("microseconds", 0)) * time.Microsecond}, nil
		},
		"ESConsumer": func(p *params.ParameterSet, _ *zap.Logger) (Module, error) {
			return &ESConsumer{
				label:  p.GetString("label", "esconsumer"),
				record: p.GetString("record", ""),
				key:    eventsetup.DataKey{Type: p.GetString("dataType", ""), Label: p.GetString("dataLabel", "")},
			}, nil
		},
		"CountingOutput": func(p *params.ParameterSet, l *zap.Logger) (Module, error) {
			return NewCountingOutput(p.GetString("label", "out"), p.GetInt("maxEvents", -1), p.GetInt("eventsPerFile", -1), l), nil
		},
	}
}

// Build creates the modules and output modules described by the `modules`
// and `outputs` blocks of pset.
func (r Registry) Build(pset *params.ParameterSet, logger *zap.Logger) ([]Module, []OutputModule, error) {
	var modules []Module
	for _, mp := range pset.GetPSetVector("modules") {
		m, err := r.build(mp, logger)
		if err != nil {
			return nil, nil, err
		}
		modules = append(modules, m)
	}
	var outputs []OutputModule
	for _, op := range pset.GetPSetVector("outputs") {
		m, err := r.build(op, logger)
		if err != nil {
			return nil, nil, err
		}
		o, ok := m.(OutputModule)
		if !ok {
			return nil, nil, sdkerrors.Newf(sdkerrors.Configuration, "module %q is not an output module", m.Label())
		}
		outputs = append(outputs, o)
	}
	return modules, outputs, nil
}

func (r Registry) build(p *params.ParameterSet, logger *zap.Logger) (Module, error) {
	typ := p.GetString("type", "")
	f, ok := r[typ]
	if !ok {
		return nil, sdkerrors.Newf(sdkerrors.Configuration, "unknown module type %q", typ)
	}
	m, err := f(p, logger)
	if err != nil {
		return nil, sdkerrors.Wrap(err, sdkerrors.Configuration, "invalid module").
			AddContext("constructing module %s/'%s'", typ, p.GetString("label", ""))
	}
	return m, nil
}

// EventCounter counts events, runs and luminosity blocks.
type EventCounter struct {
	label  string
	logger *zap.Logger

	events     atomic.Int64
	beginRuns  atomic.Int64
	endRuns    atomic.Int64
	beginLumis atomic.Int64
	endLumis   atomic.Int64
	streams    atomic.Int64
}

func NewEventCounter(label string, logger *zap.Logger) *EventCounter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventCounter{label: label, logger: logger}
}

func (c *EventCounter) Label() string { return c.label }

func (c *EventCounter) Analyze(ctx context.Context, ev *principal.EventPrincipal, es eventsetup.EventSetup) error {
	c.events.Add(1)
	return nil
}

func (c *EventCounter) BeginJob(ctx context.Context) error { return nil }

func (c *EventCounter) EndJob(ctx context.Context) error {
	c.logger.Info("Event counter summary",
		zap.String("label", c.label),
		zap.Int64("events", c.events.Load()),
		zap.Int64("runs", c.endRuns.Load()),
		zap.Int64("lumis", c.endLumis.Load()))
	return nil
}

func (c *EventCounter) BeginStream(ctx context.Context, stream int) error {
	c.streams.Add(1)
	return nil
}

func (c *EventCounter) EndStream(ctx context.Context, stream int) error { return nil }

func (c *EventCounter) GlobalTransition(ctx context.Context, info TransitionInfo) error {
	switch info.Kind {
	case BeginRun:
		c.beginRuns.Add(1)
	case EndRun:
		c.endRuns.Add(1)
	case BeginLumi:
		c.beginLumis.Add(1)
	case EndLumi:
		c.endLumis.Add(1)
	}
	return nil
}

func (c *EventCounter) StreamTransition(ctx context.Context, stream int, info TransitionInfo) error {
	return nil
}

// Counts returns events, begun runs and begun luminosity blocks
func (c *EventCounter) Counts() (events, runs, lumis int64) {
	return c.events.Load(), c.beginRuns.Load(), c.beginLumis.Load()
}

// Prescaler accepts one event in n.
type Prescaler struct {
	label string
	n     int64
	seen  atomic.Int64
}

func (p *Prescaler) Label() string { return p.label }

func (p *Prescaler) Filter(ctx context.Context, ev *principal.EventPrincipal, es eventsetup.EventSetup) (bool, error) {
	return p.seen.Add(1)%p.n == 0, nil
}

// ThrowOnEvent fails on a chosen event number or transition.
type ThrowOnEvent struct {
	label      string
	event      uint64
	transition string
}

func (t *ThrowOnEvent) Label() string { return t.label }

func (t *ThrowOnEvent) Produce(ctx context.Context, ev *principal.EventPrincipal, es eventsetup.EventSetup) error {
	if t.event != 0 && ev.Aux().Event == t.event {
		return fmt.Errorf("intentional failure on event %d", t.event)
	}
	return nil
}

func (t *ThrowOnEvent) BeginJob(ctx context.Context) error {
	if t.transition == "beginJob" {
		return fmt.Errorf("intentional failure in beginJob")
	}
	return nil
}

func (t *ThrowOnEvent) EndJob(ctx context.Context) error {
	if t.transition == "endJob" {
		return fmt.Errorf("intentional failure in endJob")
	}
	return nil
}

func (t *ThrowOnEvent) GlobalTransition(ctx context.Context, info TransitionInfo) error {
	if t.transition == info.Kind.String() && !info.CleaningUp {
		return fmt.Errorf("intentional failure in %s", t.transition)
	}
	return nil
}

func (t *ThrowOnEvent) StreamTransition(ctx context.Context, stream int, info TransitionInfo) error {
	return nil
}

// Sleeper delays every event.
type Sleeper struct {
	label string
	delay time.Duration
}

func (s *Sleeper) Label() string { return s.label }

func (s *Sleeper) Analyze(ctx context.Context, ev *principal.EventPrincipal, es eventsetup.EventSetup) error {
	select {
	case <-time.After(s.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ESConsumer reads one conditions item for every event.
type ESConsumer struct {
	label  string
	record string
	key    eventsetup.DataKey
}

func (e *ESConsumer) Label() string { return e.label }

func (e *ESConsumer) Produce(ctx context.Context, ev *principal.EventPrincipal, es eventsetup.EventSetup) error {
	if es == nil {
		return sdkerrors.Newf(sdkerrors.EventSetup, "no event setup available")
	}
	rec, ok := es.Record(e.record)
	if !ok {
		return sdkerrors.Newf(sdkerrors.EventSetup, "record %s not found", e.record)
	}
	v, err := rec.Get(ctx, e.key)
	if err != nil {
		return err
	}
	ev.Put(e.label, v)
	return nil
}

// CountingOutput records accepted events without persisting them. It asks
// for a new output file every eventsPerFile events and reports its limit
// after maxEvents.
type CountingOutput struct {
	label         string
	maxEvents     int64
	eventsPerFile int64
	logger        *zap.Logger

	mu      sync.Mutex
	open    bool
	files   int
	inFile  int64
	written atomic.Int64
	runs    int
	lumis   int
}

func NewCountingOutput(label string, maxEvents, eventsPerFile int64, logger *zap.Logger) *CountingOutput {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CountingOutput{label: label, maxEvents: maxEvents, eventsPerFile: eventsPerFile, logger: logger}
}

func (o *CountingOutput) Label() string { return o.label }

func (o *CountingOutput) OpenFile(ctx context.Context, fb *source.FileBlock) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.open {
		return nil
	}
	o.open = true
	o.files++
	o.inFile = 0
	return nil
}

func (o *CountingOutput) CloseFile(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.open {
		o.logger.Debug("Output file closed", zap.String("label", o.label), zap.Int64("events", o.inFile))
	}
	o.open = false
	return nil
}

func (o *CountingOutput) Write(ctx context.Context, ev *principal.EventPrincipal) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.open {
		return fmt.Errorf("write with no open output file")
	}
	o.inFile++
	o.written.Add(1)
	return nil
}

func (o *CountingOutput) WriteRun(ctx context.Context, rp *principal.RunPrincipal) error {
	o.mu.Lock()
	o.runs++
	o.mu.Unlock()
	return nil
}

func (o *CountingOutput) WriteLumi(ctx context.Context, lp *principal.LumiPrincipal) error {
	o.mu.Lock()
	o.lumis++
	o.mu.Unlock()
	return nil
}

func (o *CountingOutput) ShouldWeCloseFile() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.eventsPerFile > 0 && o.inFile >= o.eventsPerFile
}

func (o *CountingOutput) LimitReached() bool {
	return o.maxEvents >= 0 && o.written.Load() >= o.maxEvents
}

// Stats returns written events, opened files, written runs and lumis
func (o *CountingOutput) Stats() (events int64, files, runs, lumis int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.written.Load(), o.files, o.runs, o.lumis
}
