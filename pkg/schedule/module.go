// Package schedule runs the configured modules for each event and
// transition. The processor only sees the TransitionTarget contract and the
// event entry point; everything about the modules themselves stays here.
package schedule

import (
	"context"

	"github.com/wehubfusion/Helios/pkg/eventsetup"
	"github.com/wehubfusion/Helios/pkg/principal"
	"github.com/wehubfusion/Helios/pkg/source"
	"github.com/wehubfusion/Helios/pkg/task"
)

// Transition is a run or luminosity block boundary
type Transition int

const (
	BeginRun Transition = iota
	EndRun
	BeginLumi
	EndLumi
)

func (t Transition) String() string {
	switch t {
	case BeginRun:
		return "beginRun"
	case EndRun:
		return "endRun"
	case BeginLumi:
		return "beginLuminosityBlock"
	case EndLumi:
		return "endLuminosityBlock"
	default:
		return "unknownTransition"
	}
}

// IsBegin reports whether t opens a block
func (t Transition) IsBegin() bool {
	return t == BeginRun || t == BeginLumi
}

// TransitionInfo is everything a module sees at a boundary
type TransitionInfo struct {
	Kind       Transition
	Run        *principal.RunPrincipal
	Lumi       *principal.LumiPrincipal
	Setup      eventsetup.EventSetup
	CleaningUp bool
}

// Principal returns the container the transition is about
func (i TransitionInfo) Principal() principal.Principal {
	if i.Kind == BeginLumi || i.Kind == EndLumi {
		return i.Lumi
	}
	return i.Run
}

// TransitionTarget receives global and per-stream transitions. The holder
// must be released exactly once when the asynchronous work ends.
type TransitionTarget interface {
	ProcessGlobalTransitionAsync(ctx context.Context, holder task.Holder, info TransitionInfo)
	ProcessStreamTransitionAsync(ctx context.Context, holder task.Holder, stream int, info TransitionInfo)
}

// Module is anything placed on a path
type Module interface {
	Label() string
}

// Producer adds products to the event
type Producer interface {
	Module
	Produce(ctx context.Context, ev *principal.EventPrincipal, es eventsetup.EventSetup) error
}

// Filter decides whether the rest of the path runs
type Filter interface {
	Module
	Filter(ctx context.Context, ev *principal.EventPrincipal, es eventsetup.EventSetup) (bool, error)
}

// Analyzer reads the event
type Analyzer interface {
	Module
	Analyze(ctx context.Context, ev *principal.EventPrincipal, es eventsetup.EventSetup) error
}

// JobHooks is implemented by modules that act at job boundaries
type JobHooks interface {
	BeginJob(ctx context.Context) error
	EndJob(ctx context.Context) error
}

// StreamHooks is implemented by modules that act at stream boundaries
type StreamHooks interface {
	BeginStream(ctx context.Context, stream int) error
	EndStream(ctx context.Context, stream int) error
}

// TransitionHooks is implemented by modules that act at run and lumi boundaries
type TransitionHooks interface {
	GlobalTransition(ctx context.Context, info TransitionInfo) error
	StreamTransition(ctx context.Context, stream int, info TransitionInfo) error
}

// ForkHooks is implemented by modules holding resources that must not be
// shared with worker processes
type ForkHooks interface {
	PreForkReleaseResources()
	PostForkReacquireResources(childIndex, numberOfChildren int)
}

// OutputModule writes accepted events and block summaries
type OutputModule interface {
	Module
	OpenFile(ctx context.Context, fb *source.FileBlock) error
	CloseFile(ctx context.Context) error
	Write(ctx context.Context, ev *principal.EventPrincipal) error
	WriteRun(ctx context.Context, rp *principal.RunPrincipal) error
	WriteLumi(ctx context.Context, lp *principal.LumiPrincipal) error
	ShouldWeCloseFile() bool
	LimitReached() bool
}
