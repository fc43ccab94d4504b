// Package looper drives repeated passes over the input. A looper sees every
// event and decides at the end of each pass whether another one starts.
package looper

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	sdkerrors "github.com/wehubfusion/Helios/pkg/errors"
	"github.com/wehubfusion/Helios/pkg/eventsetup"
	"github.com/wehubfusion/Helios/pkg/params"
	"github.com/wehubfusion/Helios/pkg/principal"
)

// Status is a looper's answer after an event or a pass
type Status int

const (
	Continue Status = iota
	Stop
)

func (s Status) String() string {
	if s == Stop {
		return "Stop"
	}
	return "Continue"
}

// Looper is the contract the processor drives when a looper is configured.
// With a looper there is one stream, so DuringLoop is never called
// concurrently.
type Looper interface {
	BeginOfJob(ctx context.Context, es eventsetup.EventSetup) error
	StartingNewLoop(ctx context.Context) error
	DuringLoop(ctx context.Context, ev *principal.EventPrincipal, es eventsetup.EventSetup) (Status, error)
	EndOfLoop(ctx context.Context, es eventsetup.EventSetup) (Status, error)
	PrepareForNextLoop(ctx context.Context) error
	EndOfJob(ctx context.Context) error
}

// Repeat runs the whole input a fixed number of times.
type Repeat struct {
	times  int
	logger *zap.Logger

	pass      int
	events    atomic.Int64
	maxEvents int64
	perPass   []int64
}

// NewRepeat creates a looper making times passes. maxEvents > 0 stops a pass
// after that many events.
func NewRepeat(times int, maxEvents int64, logger *zap.Logger) *Repeat {
	if logger == nil {
		logger = zap.NewNop()
	}
	if times < 1 {
		times = 1
	}
	return &Repeat{times: times, maxEvents: maxEvents, logger: logger.Named("Looper")}
}

// FromParameterSet builds the looper described by the `looper` block, or
// returns nil when none is configured.
func FromParameterSet(pset *params.ParameterSet, logger *zap.Logger) (Looper, error) {
	if len(pset.Keys()) == 0 {
		return nil, nil
	}
	switch kind := pset.GetString("type", ""); kind {
	case "Repeat":
		times := pset.GetInt("times", 1)
		if times < 1 {
			return nil, sdkerrors.Newf(sdkerrors.Configuration, "Repeat looper needs times >= 1, got %d", times)
		}
		return NewRepeat(int(times), pset.GetInt("eventsPerPass", 0), logger), nil
	default:
		return nil, sdkerrors.Newf(sdkerrors.Configuration, "unknown looper type %q", kind)
	}
}

func (r *Repeat) BeginOfJob(ctx context.Context, es eventsetup.EventSetup) error {
	r.logger.Info("Looper starting", zap.Int("passes", r.times))
	return nil
}

func (r *Repeat) StartingNewLoop(ctx context.Context) error {
	r.events.Store(0)
	return nil
}

func (r *Repeat) DuringLoop(ctx context.Context, ev *principal.EventPrincipal, es eventsetup.EventSetup) (Status, error) {
	n := r.events.Add(1)
	if r.maxEvents > 0 && n >= r.maxEvents {
		return Stop, nil
	}
	return Continue, nil
}

func (r *Repeat) EndOfLoop(ctx context.Context, es eventsetup.EventSetup) (Status, error) {
	r.pass++
	r.perPass = append(r.perPass, r.events.Load())
	r.logger.Info("Pass finished", zap.Int("pass", r.pass), zap.Int64("events", r.events.Load()))
	if r.pass >= r.times {
		return Stop, nil
	}
	return Continue, nil
}

func (r *Repeat) PrepareForNextLoop(ctx context.Context) error { return nil }

func (r *Repeat) EndOfJob(ctx context.Context) error {
	r.logger.Info("Looper finished", zap.Int("passes", r.pass))
	return nil
}

// Passes returns the number of completed passes and the events seen in each
func (r *Repeat) Passes() (int, []int64) {
	return r.pass, append([]int64(nil), r.perPass...)
}
