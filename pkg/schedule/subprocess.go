package schedule

import (
	"context"
	"sync/atomic"

	"github.com/wehubfusion/Helios/pkg/eventsetup"
	"github.com/wehubfusion/Helios/pkg/principal"
	"github.com/wehubfusion/Helios/pkg/task"
)

// SubProcess is a secondary pipeline run after the main schedule on every
// event and transition.
type SubProcess struct {
	*Schedule

	runsDropped  atomic.Int64
	lumisDropped atomic.Int64
}

// NewSubProcess wraps a schedule as a sub-process
func NewSubProcess(s *Schedule) *SubProcess {
	return &SubProcess{Schedule: s}
}

// DoEventAsync processes ev after the parent schedule accepted it
func (p *SubProcess) DoEventAsync(ctx context.Context, holder task.Holder, ev *principal.EventPrincipal, es eventsetup.EventSetup) {
	p.ProcessOneEventAsync(ctx, holder, ev, es)
}

// DeleteRunFromCache drops the sub-process's view of a finished run
func (p *SubProcess) DeleteRunFromCache(key principal.RunKey) {
	p.runsDropped.Add(1)
}

// DeleteLumiFromCache drops the sub-process's view of a finished lumi
func (p *SubProcess) DeleteLumiFromCache(key principal.LumiKey) {
	p.lumisDropped.Add(1)
}

// Dropped returns how many runs and lumis were released
func (p *SubProcess) Dropped() (runs, lumis int64) {
	return p.runsDropped.Load(), p.lumisDropped.Load()
}
