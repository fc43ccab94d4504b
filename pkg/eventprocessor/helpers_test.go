package eventprocessor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wehubfusion/Helios/pkg/eventsetup"
	"github.com/wehubfusion/Helios/pkg/params"
	"github.com/wehubfusion/Helios/pkg/principal"
	"github.com/wehubfusion/Helios/pkg/schedule"
	"github.com/wehubfusion/Helios/pkg/source"
)

// recordingSource logs the calls that change the source and flags any two
// that run at the same time.
type recordingSource struct {
	*source.ListSource

	mu      sync.Mutex
	calls   []string
	reads   map[int][]uint64
	busy    atomic.Int32
	overlap atomic.Bool
}

func newRecordingSource(t *testing.T, reg *principal.ProductRegistry, specs ...string) *recordingSource {
	t.Helper()
	items := make([]source.Item, 0, len(specs))
	for _, s := range specs {
		item, err := source.ParseItem(s)
		require.NoError(t, err)
		items = append(items, item)
	}
	return &recordingSource{
		ListSource: source.NewListSource(items, "test", reg, -1, zap.NewNop()),
		reads:      make(map[int][]uint64),
	}
}

func (r *recordingSource) enter(name string) func() {
	if r.busy.Add(1) != 1 {
		r.overlap.Store(true)
	}
	if name != "" {
		r.mu.Lock()
		r.calls = append(r.calls, name)
		r.mu.Unlock()
	}
	return func() { r.busy.Add(-1) }
}

func (r *recordingSource) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recordingSource) count(name string) int {
	n := 0
	for _, c := range r.Calls() {
		if c == name {
			n++
		}
	}
	return n
}

func (r *recordingSource) NextItemType(ctx context.Context) (source.ItemType, error) {
	defer r.enter("")()
	return r.ListSource.NextItemType(ctx)
}

func (r *recordingSource) ReadFile(ctx context.Context) (*source.FileBlock, error) {
	defer r.enter("readFile")()
	return r.ListSource.ReadFile(ctx)
}

func (r *recordingSource) CloseFile(ctx context.Context, fb *source.FileBlock, cleaningUp bool) error {
	defer r.enter("closeFile")()
	return r.ListSource.CloseFile(ctx, fb, cleaningUp)
}

func (r *recordingSource) ReadRun(ctx context.Context, rp *principal.RunPrincipal) error {
	defer r.enter("readRun")()
	return r.ListSource.ReadRun(ctx, rp)
}

func (r *recordingSource) ReadAndMergeRun(ctx context.Context, rp *principal.RunPrincipal) error {
	defer r.enter("mergeRun")()
	return r.ListSource.ReadAndMergeRun(ctx, rp)
}

func (r *recordingSource) ReadLuminosityBlock(ctx context.Context, lp *principal.LumiPrincipal) error {
	defer r.enter("readLumi")()
	return r.ListSource.ReadLuminosityBlock(ctx, lp)
}

func (r *recordingSource) ReadAndMergeLumi(ctx context.Context, lp *principal.LumiPrincipal) error {
	defer r.enter("mergeLumi")()
	return r.ListSource.ReadAndMergeLumi(ctx, lp)
}

func (r *recordingSource) ReadEvent(ctx context.Context, ep *principal.EventPrincipal, lp *principal.LumiPrincipal) error {
	defer r.enter("readEvent")()
	if err := r.ListSource.ReadEvent(ctx, ep, lp); err != nil {
		return err
	}
	r.mu.Lock()
	r.reads[ep.Stream()] = append(r.reads[ep.Stream()], ep.Aux().Event)
	r.mu.Unlock()
	return nil
}

func (r *recordingSource) DoBeginJob(ctx context.Context) error {
	defer r.enter("beginJob")()
	return nil
}

func (r *recordingSource) DoEndJob(ctx context.Context) error {
	defer r.enter("endJob")()
	return nil
}

func (r *recordingSource) DoBeginRun(ctx context.Context, rp *principal.RunPrincipal) error {
	defer r.enter("beginRun")()
	return nil
}

func (r *recordingSource) DoEndRun(ctx context.Context, rp *principal.RunPrincipal, cleaningUp bool) error {
	defer r.enter("endRun")()
	return nil
}

func (r *recordingSource) DoBeginLumi(ctx context.Context, lp *principal.LumiPrincipal) error {
	defer r.enter("beginLumi")()
	return nil
}

func (r *recordingSource) DoEndLumi(ctx context.Context, lp *principal.LumiPrincipal, cleaningUp bool) error {
	defer r.enter("endLumi")()
	return nil
}

// recorder is a module logging global transitions and processed events.
type recorder struct {
	label string

	mu          sync.Mutex
	transitions []string
	events      map[int][]uint64
	total       atomic.Int64
}

func newRecorder(label string) *recorder {
	return &recorder{label: label, events: make(map[int][]uint64)}
}

func (m *recorder) Label() string { return m.label }

func (m *recorder) Analyze(ctx context.Context, ev *principal.EventPrincipal, es eventsetup.EventSetup) error {
	m.total.Add(1)
	m.mu.Lock()
	m.events[ev.Stream()] = append(m.events[ev.Stream()], ev.Aux().Event)
	m.mu.Unlock()
	return nil
}

func (m *recorder) GlobalTransition(ctx context.Context, info schedule.TransitionInfo) error {
	s := fmt.Sprintf("%s %d", info.Kind, info.Run.Key().Run)
	if info.Lumi != nil {
		s = fmt.Sprintf("%s:%d", s, info.Lumi.Key().Lumi)
	}
	if info.CleaningUp {
		s += " cleaning"
	}
	m.mu.Lock()
	m.transitions = append(m.transitions, s)
	m.mu.Unlock()
	return nil
}

func (m *recorder) StreamTransition(ctx context.Context, stream int, info schedule.TransitionInfo) error {
	return nil
}

func (m *recorder) Transitions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.transitions...)
}

// failingModule fails on chosen events, and on the end of a luminosity
// block even while cleaning up.
type failingModule struct {
	label       string
	events      map[uint64]bool
	failAll     bool
	failEndLumi bool
	panicEvent  uint64
}

func (f *failingModule) Label() string { return f.label }

func (f *failingModule) Produce(ctx context.Context, ev *principal.EventPrincipal, es eventsetup.EventSetup) error {
	if f.panicEvent != 0 && ev.Aux().Event == f.panicEvent {
		panic(fmt.Sprintf("panic on event %d", f.panicEvent))
	}
	if f.failAll || f.events[ev.Aux().Event] {
		return fmt.Errorf("failure on event %d", ev.Aux().Event)
	}
	return nil
}

func (f *failingModule) GlobalTransition(ctx context.Context, info schedule.TransitionInfo) error {
	if f.failEndLumi && info.Kind == schedule.EndLumi {
		return fmt.Errorf("failure ending lumi")
	}
	return nil
}

func (f *failingModule) StreamTransition(ctx context.Context, stream int, info schedule.TransitionInfo) error {
	return nil
}

// newTestProcessor builds a processor over a recording source with the
// given options block and modules.
func newTestProcessor(t *testing.T, options string, src []string, modules []schedule.Module, extra ...Option) (*EventProcessor, *recordingSource) {
	t.Helper()
	reg := principal.NewProductRegistry()
	rs := newRecordingSource(t, reg, src...)
	if options == "" {
		options = "{}"
	}
	pset := params.MustNew(fmt.Sprintf(`{"process": "TEST", "options": %s}`, options))
	opts := append([]Option{WithSource(rs, reg), WithModules(modules, nil)}, extra...)
	ep, err := New(pset, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ep.Close() })
	return ep, rs
}

func events(run, lumi uint32, first, last uint64) []string {
	var out []string
	for e := first; e <= last; e++ {
		out = append(out, fmt.Sprintf("event:%d:%d:%d", run, lumi, e))
	}
	return out
}

func concat(parts ...[]string) []string {
	var out []string
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
