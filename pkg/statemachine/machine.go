// Package statemachine turns the stream of item classifications coming from
// the input source into matched begin and end transitions. Every begun run
// and luminosity block is ended exactly once, including when processing is
// aborted by an error.
package statemachine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	sdkerrors "github.com/wehubfusion/Helios/pkg/errors"
	"github.com/wehubfusion/Helios/pkg/principal"
)

// FileMode selects what happens to open runs and lumis at input file
// boundaries.
type FileMode int

const (
	// FullMerge keeps runs and lumis open across files and merges the
	// contributions of later files into them
	FullMerge FileMode = iota

	// NoMerge ends every open lumi and run and reopens the output files
	// whenever a new input file starts
	NoMerge
)

func (m FileMode) String() string {
	if m == NoMerge {
		return "NOMERGE"
	}
	return "FULLMERGE"
}

// ParseFileMode maps the fileMode option. The empty string means FullMerge.
func ParseFileMode(s string) (FileMode, error) {
	switch s {
	case "", "FULLMERGE":
		return FullMerge, nil
	case "NOMERGE":
		return NoMerge, nil
	}
	return FullMerge, sdkerrors.Newf(sdkerrors.Configuration,
		"Illegal fileMode parameter value: %q. Legal values are 'NOMERGE' and 'FULLMERGE'", s)
}

// EmptyRunLumiMode selects whether runs and lumis without events get begin
// and end transitions.
type EmptyRunLumiMode int

const (
	HandleEmptyRunsAndLumis EmptyRunLumiMode = iota
	HandleEmptyRuns
	DoNotHandleEmptyRunsAndLumis
)

func (m EmptyRunLumiMode) String() string {
	switch m {
	case HandleEmptyRuns:
		return "handleEmptyRuns"
	case DoNotHandleEmptyRunsAndLumis:
		return "doNotHandleEmptyRunsAndLumis"
	default:
		return "handleEmptyRunsAndLumis"
	}
}

// ParseEmptyRunLumiMode maps the emptyRunLumiMode option. The empty string
// means HandleEmptyRunsAndLumis.
func ParseEmptyRunLumiMode(s string) (EmptyRunLumiMode, error) {
	switch s {
	case "", "handleEmptyRunsAndLumis":
		return HandleEmptyRunsAndLumis, nil
	case "handleEmptyRuns":
		return HandleEmptyRuns, nil
	case "doNotHandleEmptyRunsAndLumis":
		return DoNotHandleEmptyRunsAndLumis, nil
	}
	return HandleEmptyRunsAndLumis, sdkerrors.Newf(sdkerrors.Configuration,
		"Illegal emptyMode parameter value: %q. Legal values are 'handleEmptyRunsAndLumis', 'handleEmptyRuns' and 'doNotHandleEmptyRunsAndLumis'", s)
}

// State is the innermost active state of the machine
type State int

const (
	StateStarting State = iota
	StateHandleFiles
	StateHandleRuns
	StateHandleLumis
	StateHandleEvents
	StateError
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "Starting"
	case StateHandleFiles:
		return "HandleFiles"
	case StateHandleRuns:
		return "HandleRuns"
	case StateHandleLumis:
		return "HandleLumis"
	case StateHandleEvents:
		return "HandleEvents"
	case StateError:
		return "Error"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// Input is one classification fed to the machine.
type Input interface {
	String() string
	input()
}

// File announces a new input file
type File struct{}

// Run announces a run, which may continue the open one
type Run struct {
	Key principal.RunKey
}

// Lumi announces a luminosity block of the open run
type Lumi struct {
	Number uint32
}

// Event announces that the next item is an event
type Event struct{}

// Stop announces the end of input
type Stop struct{}

func (File) String() string   { return "File" }
func (r Run) String() string  { return "Run(" + r.Key.String() + ")" }
func (l Lumi) String() string { return fmt.Sprintf("Lumi(%d)", l.Number) }
func (Event) String() string  { return "Event" }
func (Stop) String() string   { return "Stop" }

func (File) input()  {}
func (Run) input()   {}
func (Lumi) input()  {}
func (Event) input() {}
func (Stop) input()  {}

// Context is what the machine drives. Methods are called on the goroutine
// calling Process and never concurrently.
type Context interface {
	StartingNewLoop(ctx context.Context) error
	EndOfLoop(ctx context.Context) (bool, error)
	RewindInput(ctx context.Context) error
	PrepareForNextLoop(ctx context.Context) error
	DoErrorStuff()

	ReadFile(ctx context.Context) error
	CloseInputFile(ctx context.Context, cleaningUp bool) error
	RespondToOpenInputFile(ctx context.Context) error
	RespondToCloseInputFile(ctx context.Context) error
	OpenOutputFiles(ctx context.Context) error
	CloseOutputFiles(ctx context.Context) error
	ShouldWeCloseOutput() bool

	ReadRun(ctx context.Context) (principal.RunKey, error)
	ReadAndMergeRun(ctx context.Context) (principal.RunKey, error)
	BeginRun(ctx context.Context, key principal.RunKey) error
	EndRun(ctx context.Context, key principal.RunKey, cleaningUp bool) error
	WriteRun(ctx context.Context, key principal.RunKey) error
	DeleteRunFromCache(ctx context.Context, key principal.RunKey) error

	ReadLuminosityBlock(ctx context.Context) (uint32, error)
	ReadAndMergeLumi(ctx context.Context) (uint32, error)
	BeginLumi(ctx context.Context, key principal.LumiKey) error
	EndLumi(ctx context.Context, key principal.LumiKey, cleaningUp bool) error
	WriteLumi(ctx context.Context, key principal.LumiKey) error
	DeleteLumiFromCache(ctx context.Context, key principal.LumiKey) error

	ReadAndProcessEvent(ctx context.Context) error
	ShouldWeStop() bool

	SetExceptionMessageFiles(msg string)
	SetExceptionMessageRuns(msg string)
	SetExceptionMessageLumis(msg string)
	AlreadyHandlingException() bool
}

// block tracks how far a run or lumi got through its end actions so that a
// cleanup after a failure resumes where the normal path stopped.
type block struct {
	begun   bool
	ended   bool
	written bool
}

type openRun struct {
	block
	key principal.RunKey
}

type openLumi struct {
	block
	key principal.LumiKey
}

// Machine is the hierarchical file/run/lumi/event state machine.
type Machine struct {
	ep        Context
	fileMode  FileMode
	emptyMode EmptyRunLumiMode
	logger    *zap.Logger

	state       State
	fileOpen    bool
	outputsOpen bool
	run         *openRun
	lumi        *openLumi
}

// New creates a machine in the Starting state
func New(ep Context, fileMode FileMode, emptyMode EmptyRunLumiMode, logger *zap.Logger) *Machine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Machine{
		ep:        ep,
		fileMode:  fileMode,
		emptyMode: emptyMode,
		logger:    logger.Named("StateMachine"),
		state:     StateStarting,
	}
}

// State returns the innermost active state
func (m *Machine) State() State { return m.state }

// Terminated reports whether the machine reached its final state
func (m *Machine) Terminated() bool { return m.state == StateTerminated }

// Process feeds one input to the machine. When a Context call fails, the
// open lumi, run and files are cleaned up with cleaningUp set, secondary
// failures are handed to the SetExceptionMessage callbacks, the machine
// terminates and the original error is returned.
func (m *Machine) Process(ctx context.Context, in Input) error {
	if m.state == StateTerminated {
		return sdkerrors.Newf(sdkerrors.LogicError, "input %s sent to a terminated state machine", in)
	}
	m.logger.Debug("Processing input", zap.Stringer("input", in), zap.Stringer("state", m.state))
	if err := m.handle(ctx, in, false); err != nil {
		m.cleanup(ctx)
		m.state = StateTerminated
		return err
	}
	return nil
}

// Terminate stops the machine. Normally this is the Stop input with the end
// of loop forced. When the Context is already handling an error the normal
// exits are skipped and only the cleanup path runs.
func (m *Machine) Terminate(ctx context.Context) error {
	if m.state == StateTerminated {
		return nil
	}
	if m.ep.AlreadyHandlingException() {
		m.cleanup(ctx)
		m.state = StateTerminated
		return nil
	}
	if err := m.handle(ctx, Stop{}, true); err != nil {
		m.cleanup(ctx)
		m.state = StateTerminated
		return err
	}
	return nil
}

func (m *Machine) handle(ctx context.Context, in Input, force bool) error {
	if m.state == StateError {
		if _, ok := in.(Stop); ok {
			m.state = StateTerminated
			return nil
		}
		m.logger.Debug("Ignoring input in error state", zap.Stringer("input", in))
		return nil
	}

	switch v := in.(type) {
	case File:
		return m.onFile(ctx)
	case Run:
		return m.onRun(ctx, v)
	case Lumi:
		return m.onLumi(ctx, v)
	case Event:
		return m.onEvent(ctx)
	case Stop:
		return m.onStop(ctx, force)
	}
	return sdkerrors.Newf(sdkerrors.LogicError, "unknown state machine input %T", in)
}

func (m *Machine) onFile(ctx context.Context) error {
	if m.state == StateStarting {
		if err := m.ep.StartingNewLoop(ctx); err != nil {
			return err
		}
		m.state = StateHandleFiles
		if err := m.openInputFile(ctx); err != nil {
			return err
		}
		return m.openOutputFiles(ctx)
	}

	if m.fileMode == NoMerge || m.ep.ShouldWeCloseOutput() {
		if err := m.finalizeLumi(ctx); err != nil {
			return err
		}
		if err := m.finalizeRun(ctx); err != nil {
			return err
		}
		if err := m.closeFiles(ctx); err != nil {
			return err
		}
		m.state = StateHandleFiles
		if err := m.openInputFile(ctx); err != nil {
			return err
		}
		return m.openOutputFiles(ctx)
	}

	// full merge with outputs kept open: swap only the input file
	if err := m.closeInputFile(ctx); err != nil {
		return err
	}
	if err := m.openInputFile(ctx); err != nil {
		return err
	}
	if m.state == StateHandleEvents {
		m.state = StateHandleLumis
	}
	return nil
}

func (m *Machine) onRun(ctx context.Context, in Run) error {
	if m.state == StateStarting {
		return m.unexpected(ctx, in)
	}
	if m.run != nil && m.run.key == in.Key {
		if _, err := m.ep.ReadAndMergeRun(ctx); err != nil {
			return err
		}
		if m.state == StateHandleEvents {
			m.state = StateHandleLumis
		}
		return nil
	}

	if err := m.finalizeLumi(ctx); err != nil {
		return err
	}
	if err := m.finalizeRun(ctx); err != nil {
		return err
	}
	key, err := m.ep.ReadRun(ctx)
	if err != nil {
		return err
	}
	m.run = &openRun{key: key}
	m.state = StateHandleRuns
	if m.emptyMode != DoNotHandleEmptyRunsAndLumis {
		return m.beginRun(ctx)
	}
	return nil
}

func (m *Machine) onLumi(ctx context.Context, in Lumi) error {
	if m.run == nil {
		return m.unexpected(ctx, in)
	}
	if m.lumi != nil && m.lumi.key.Lumi == in.Number {
		if _, err := m.ep.ReadAndMergeLumi(ctx); err != nil {
			return err
		}
		m.state = StateHandleLumis
		return nil
	}

	if err := m.finalizeLumi(ctx); err != nil {
		return err
	}
	number, err := m.ep.ReadLuminosityBlock(ctx)
	if err != nil {
		return err
	}
	m.lumi = &openLumi{key: principal.LumiKey{PHID: m.run.key.PHID, Run: m.run.key.Run, Lumi: number}}
	m.state = StateHandleLumis
	if m.emptyMode == HandleEmptyRunsAndLumis {
		if err := m.beginRun(ctx); err != nil {
			return err
		}
		return m.beginLumi(ctx)
	}
	return nil
}

func (m *Machine) onEvent(ctx context.Context) error {
	if m.lumi == nil {
		return m.unexpected(ctx, Event{})
	}
	if err := m.beginRun(ctx); err != nil {
		return err
	}
	if err := m.beginLumi(ctx); err != nil {
		return err
	}
	m.state = StateHandleEvents
	if err := m.ep.ReadAndProcessEvent(ctx); err != nil {
		return err
	}
	if m.ep.ShouldWeStop() {
		return m.onStop(ctx, false)
	}
	return nil
}

func (m *Machine) onStop(ctx context.Context, force bool) error {
	// an empty loop still starts before it ends
	if m.state == StateStarting {
		if err := m.ep.StartingNewLoop(ctx); err != nil {
			return err
		}
	}
	if err := m.finalizeLumi(ctx); err != nil {
		return err
	}
	if err := m.finalizeRun(ctx); err != nil {
		return err
	}
	if err := m.closeFiles(ctx); err != nil {
		return err
	}

	done, err := m.ep.EndOfLoop(ctx)
	if err != nil {
		return err
	}
	if done || force {
		m.state = StateTerminated
		return nil
	}
	if err := m.ep.RewindInput(ctx); err != nil {
		return err
	}
	if err := m.ep.PrepareForNextLoop(ctx); err != nil {
		return err
	}
	m.state = StateStarting
	return nil
}

// unexpected moves to the Error state after ending everything normally.
// Only Stop leaves the Error state.
func (m *Machine) unexpected(ctx context.Context, in Input) error {
	m.logger.Error("Unexpected input for the current state",
		zap.Stringer("input", in), zap.Stringer("state", m.state))
	m.ep.DoErrorStuff()
	if err := m.finalizeLumi(ctx); err != nil {
		return err
	}
	if err := m.finalizeRun(ctx); err != nil {
		return err
	}
	if err := m.closeFiles(ctx); err != nil {
		return err
	}
	m.state = StateError
	return nil
}

func (m *Machine) beginRun(ctx context.Context) error {
	if m.run == nil || m.run.begun {
		return nil
	}
	m.run.begun = true
	return m.ep.BeginRun(ctx, m.run.key)
}

func (m *Machine) beginLumi(ctx context.Context) error {
	if m.lumi == nil || m.lumi.begun {
		return nil
	}
	m.lumi.begun = true
	return m.ep.BeginLumi(ctx, m.lumi.key)
}

func (m *Machine) openInputFile(ctx context.Context) error {
	if err := m.ep.ReadFile(ctx); err != nil {
		return err
	}
	m.fileOpen = true
	return m.ep.RespondToOpenInputFile(ctx)
}

func (m *Machine) openOutputFiles(ctx context.Context) error {
	if err := m.ep.OpenOutputFiles(ctx); err != nil {
		return err
	}
	m.outputsOpen = true
	return nil
}

func (m *Machine) closeInputFile(ctx context.Context) error {
	if !m.fileOpen {
		return nil
	}
	m.fileOpen = false
	if err := m.ep.RespondToCloseInputFile(ctx); err != nil {
		return err
	}
	return m.ep.CloseInputFile(ctx, false)
}

func (m *Machine) closeFiles(ctx context.Context) error {
	if err := m.closeInputFile(ctx); err != nil {
		return err
	}
	if m.outputsOpen {
		m.outputsOpen = false
		return m.ep.CloseOutputFiles(ctx)
	}
	return nil
}

func (m *Machine) finalizeLumi(ctx context.Context) error {
	l := m.lumi
	if l == nil {
		return nil
	}
	if l.begun && !l.ended {
		l.ended = true
		if err := m.ep.EndLumi(ctx, l.key, false); err != nil {
			return err
		}
	}
	if l.begun && !l.written {
		l.written = true
		if err := m.ep.WriteLumi(ctx, l.key); err != nil {
			return err
		}
	}
	m.lumi = nil
	return m.ep.DeleteLumiFromCache(ctx, l.key)
}

func (m *Machine) finalizeRun(ctx context.Context) error {
	r := m.run
	if r == nil {
		return nil
	}
	if r.begun && !r.ended {
		r.ended = true
		if err := m.ep.EndRun(ctx, r.key, false); err != nil {
			return err
		}
	}
	if r.begun && !r.written {
		r.written = true
		if err := m.ep.WriteRun(ctx, r.key); err != nil {
			return err
		}
	}
	m.run = nil
	return m.ep.DeleteRunFromCache(ctx, r.key)
}

// cleanup ends whatever is still open with cleaningUp set. Nothing is
// written and no error escapes: failures become exception messages.
func (m *Machine) cleanup(ctx context.Context) {
	if l := m.lumi; l != nil {
		m.lumi = nil
		c := sdkerrors.NewCollector("Another exception was caught while trying to clean up lumis after the primary fatal exception.")
		if l.begun && !l.ended {
			l.ended = true
			c.Call(func() error { return m.ep.EndLumi(ctx, l.key, true) })
		}
		c.Call(func() error { return m.ep.DeleteLumiFromCache(ctx, l.key) })
		if err := c.Rethrow(); err != nil {
			m.ep.SetExceptionMessageLumis(err.Error())
		}
	}

	if r := m.run; r != nil {
		m.run = nil
		c := sdkerrors.NewCollector("Another exception was caught while trying to clean up runs after the primary fatal exception.")
		if r.begun && !r.ended {
			r.ended = true
			c.Call(func() error { return m.ep.EndRun(ctx, r.key, true) })
		}
		c.Call(func() error { return m.ep.DeleteRunFromCache(ctx, r.key) })
		if err := c.Rethrow(); err != nil {
			m.ep.SetExceptionMessageRuns(err.Error())
		}
	}

	c := sdkerrors.NewCollector("Another exception was caught while trying to clean up files after the primary fatal exception.")
	if m.fileOpen {
		m.fileOpen = false
		c.Call(func() error { return m.ep.RespondToCloseInputFile(ctx) })
		c.Call(func() error { return m.ep.CloseInputFile(ctx, true) })
	}
	if m.outputsOpen {
		m.outputsOpen = false
		c.Call(func() error { return m.ep.CloseOutputFiles(ctx) })
	}
	if err := c.Rethrow(); err != nil {
		m.ep.SetExceptionMessageFiles(err.Error())
	}
}
