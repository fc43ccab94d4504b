package eventprocessor

import (
	"context"
	"math"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	sdkerrors "github.com/wehubfusion/Helios/pkg/errors"
	"github.com/wehubfusion/Helios/pkg/eventsetup"
	"github.com/wehubfusion/Helios/pkg/looper"
	"github.com/wehubfusion/Helios/pkg/principal"
	"github.com/wehubfusion/Helios/pkg/schedule"
	"github.com/wehubfusion/Helios/pkg/statemachine"
)

var _ statemachine.Context = (*EventProcessor)(nil)

// withSource runs fn on the source gate under a termination sentry. Only
// the goroutine driving the state machine uses it.
func (ep *EventProcessor) withSource(ctx context.Context, fn func(ctx context.Context) error) error {
	return ep.gate.Run(ctx, func(ctx context.Context) error {
		return ep.sourceCall(func() error { return fn(ctx) })
	})
}

func (ep *EventProcessor) eventSetupFor(ctx context.Context, sync eventsetup.IOVSyncValue) (eventsetup.EventSetup, error) {
	sentry := NewSourceTerminationSentry(ep.actReg)
	defer sentry.Close()
	es, err := ep.esp.EventSetupForInstance(ctx, sync)
	if err != nil {
		return nil, sdkerrors.Wrap(err, sdkerrors.EventSetup, "event setup lookup failed")
	}
	sentry.CompletedSuccessfully()
	return es, nil
}

// StartingNewLoop begins a pass over the input
func (ep *EventProcessor) StartingNewLoop(ctx context.Context) error {
	ep.shouldWeStop.Store(false)
	if ep.looper != nil && ep.looperBeginJobRun {
		return ep.looper.StartingNewLoop(ctx)
	}
	return nil
}

// EndOfLoop reports whether the job is over. Without a looper there is a
// single pass.
func (ep *EventProcessor) EndOfLoop(ctx context.Context) (bool, error) {
	if ep.looper == nil {
		return true, nil
	}
	status, err := ep.looper.EndOfLoop(ctx, ep.es)
	if err != nil {
		return true, err
	}
	return status == looper.Stop || ep.forceLooperToEnd, nil
}

// RewindInput moves the source back to its first item
func (ep *EventProcessor) RewindInput(ctx context.Context) error {
	ep.logger.Info("Rewinding input for the next loop")
	return ep.withSource(ctx, func(ctx context.Context) error {
		ep.input.Repeat()
		return ep.input.Rewind(ctx)
	})
}

// PrepareForNextLoop lets the looper reset between passes
func (ep *EventProcessor) PrepareForNextLoop(ctx context.Context) error {
	if ep.looper == nil {
		return nil
	}
	return ep.looper.PrepareForNextLoop(ctx)
}

// DoErrorStuff records that the machine saw an input it could not handle
func (ep *EventProcessor) DoErrorStuff() {
	ep.logger.Error("An error occurred during event processing: the state machine received an unexpected input")
	ep.stateMachineWasInErrorState = true
}

// ReadFile opens the next input file
func (ep *EventProcessor) ReadFile(ctx context.Context) error {
	if ep.preRead != nil {
		ep.fb, ep.preRead = ep.preRead, nil
		return nil
	}
	return ep.readFile(ctx)
}

func (ep *EventProcessor) readFile(ctx context.Context) error {
	size := ep.registry.Size()
	err := ep.withSource(ctx, func(ctx context.Context) (err error) {
		ep.fb, err = ep.input.ReadFile(ctx)
		return err
	})
	if err != nil {
		return sdkerrors.Wrap(err, sdkerrors.SourceRead, "failed to read input file").
			AddContext("Calling readFile for the source")
	}
	if ep.registry.Size() != size {
		if err := ep.cache.AdjustIndexesAfterProductRegistryAddition(ep.registry); err != nil {
			return err
		}
	}
	ep.cache.AdjustEventsToNewProductRegistry(ep.registry)
	ep.actReg.PostOpenFile(ep.fb)
	return nil
}

// CloseInputFile closes the current input file
func (ep *EventProcessor) CloseInputFile(ctx context.Context, cleaningUp bool) error {
	fb := ep.fb
	err := ep.withSource(ctx, func(ctx context.Context) error {
		return ep.input.CloseFile(ctx, fb, cleaningUp)
	})
	if err != nil {
		return err
	}
	ep.actReg.PostCloseFile(fb)
	return nil
}

func (ep *EventProcessor) RespondToOpenInputFile(ctx context.Context) error {
	ep.schedule.RespondToOpenInputFile(ep.fb)
	for _, sp := range ep.subProcesses {
		sp.RespondToOpenInputFile(ep.fb)
	}
	return nil
}

func (ep *EventProcessor) RespondToCloseInputFile(ctx context.Context) error {
	ep.schedule.RespondToCloseInputFile(ep.fb)
	for _, sp := range ep.subProcesses {
		sp.RespondToCloseInputFile(ep.fb)
	}
	return nil
}

// OpenOutputFiles opens the output files of every process. Nothing happens
// before an input file was read.
func (ep *EventProcessor) OpenOutputFiles(ctx context.Context) error {
	if ep.fb == nil {
		return nil
	}
	if err := ep.schedule.OpenOutputFiles(ctx, ep.fb); err != nil {
		return err
	}
	for _, sp := range ep.subProcesses {
		if err := sp.OpenOutputFiles(ctx, ep.fb); err != nil {
			return err
		}
	}
	return nil
}

func (ep *EventProcessor) CloseOutputFiles(ctx context.Context) error {
	if err := ep.schedule.CloseOutputFiles(ctx); err != nil {
		return err
	}
	for _, sp := range ep.subProcesses {
		if err := sp.CloseOutputFiles(ctx); err != nil {
			return err
		}
	}
	return nil
}

// ShouldWeCloseOutput asks the sub-processes when there are any, otherwise
// the main schedule
func (ep *EventProcessor) ShouldWeCloseOutput() bool {
	if len(ep.subProcesses) > 0 {
		for _, sp := range ep.subProcesses {
			if sp.ShouldWeCloseOutput() {
				return true
			}
		}
		return false
	}
	return ep.schedule.ShouldWeCloseOutput()
}

// ReadRun creates the run principal for the run the source is positioned on
func (ep *EventProcessor) ReadRun(ctx context.Context) (principal.RunKey, error) {
	if ep.cache.HasRunPrincipal() {
		return principal.RunKey{}, sdkerrors.Newf(sdkerrors.LogicError,
			"Illegal attempt to insert run into cache. Contact a Framework Developer")
	}
	var rp *principal.RunPrincipal
	err := ep.withSource(ctx, func(ctx context.Context) error {
		rp = principal.NewRunPrincipal(ep.input.RunAuxiliary(), ep.registry)
		return ep.input.ReadRun(ctx, rp)
	})
	if err != nil {
		return principal.RunKey{}, sdkerrors.Wrap(err, sdkerrors.SourceRead, "failed to read run").
			AddContext("Calling readRun for the source")
	}
	if err := ep.cache.InsertRun(rp); err != nil {
		return principal.RunKey{}, err
	}
	return rp.Key(), nil
}

// ReadAndMergeRun folds another contribution into the current run
func (ep *EventProcessor) ReadAndMergeRun(ctx context.Context) (principal.RunKey, error) {
	var key principal.RunKey
	err := ep.withSource(ctx, func(ctx context.Context) error {
		aux := ep.input.RunAuxiliary()
		if err := ep.cache.MergeRun(aux, ep.registry); err != nil {
			return err
		}
		key = aux.Key()
		return ep.input.ReadAndMergeRun(ctx, ep.cache.RunPrincipalPtr())
	})
	return key, err
}

// ReadLuminosityBlock creates the lumi principal for the block the source is
// positioned on and returns its number
func (ep *EventProcessor) ReadLuminosityBlock(ctx context.Context) (uint32, error) {
	if ep.cache.HasLumiPrincipal() {
		return 0, sdkerrors.Newf(sdkerrors.LogicError,
			"Illegal attempt to insert lumi into cache. Contact a Framework Developer")
	}
	if !ep.cache.HasRunPrincipal() {
		return 0, sdkerrors.Newf(sdkerrors.LogicError,
			"Illegal attempt to insert lumi into cache. Run is invalid. Contact a Framework Developer")
	}
	var (
		lp     *principal.LumiPrincipal
		number uint32
	)
	err := ep.withSource(ctx, func(ctx context.Context) error {
		lp = principal.NewLumiPrincipal(ep.input.LuminosityBlockAuxiliary(), ep.cache.RunPrincipalPtr(), ep.registry)
		if err := ep.input.ReadLuminosityBlock(ctx, lp); err != nil {
			return err
		}
		number = ep.input.LuminosityBlock()
		return nil
	})
	if err != nil {
		return 0, sdkerrors.Wrap(err, sdkerrors.SourceRead, "failed to read luminosity block").
			AddContext("Calling readLuminosityBlock for the source")
	}
	if err := ep.cache.InsertLumi(lp); err != nil {
		return 0, err
	}
	return number, nil
}

// ReadAndMergeLumi folds another contribution into the current lumi
func (ep *EventProcessor) ReadAndMergeLumi(ctx context.Context) (uint32, error) {
	var number uint32
	err := ep.withSource(ctx, func(ctx context.Context) error {
		aux := ep.input.LuminosityBlockAuxiliary()
		if err := ep.cache.MergeLumi(aux, ep.registry); err != nil {
			return err
		}
		number = aux.Lumi
		return ep.input.ReadAndMergeLumi(ctx, ep.cache.LumiPrincipalPtr())
	})
	return number, err
}

// BeginRun begins run key on the source, the event setup, the looper (on
// the first run of the job), the schedule and the sub-processes.
func (ep *EventProcessor) BeginRun(ctx context.Context, key principal.RunKey) error {
	ctx, span := ep.tracer.Start(ctx, "eventprocessor.beginRun")
	span.SetAttributes(attribute.Int64("run", int64(key.Run)))
	defer span.End()

	rp, err := ep.cache.RunPrincipal(key.PHID, key.Run)
	if err != nil {
		return err
	}
	err = ep.withSource(ctx, func(ctx context.Context) error { return ep.input.DoBeginRun(ctx, rp) })
	if err != nil {
		return sdkerrors.Wrap(err, sdkerrors.SourceRead, "source beginRun failed").
			AddContext("Calling beginRun for the source")
	}

	if ep.opts.ForceEventSetupCacheClearOnNewRun {
		ep.esp.ForceCacheClear()
	}
	es, err := ep.eventSetupFor(ctx, eventsetup.IOVSyncValue{Run: key.Run})
	if err != nil {
		return err
	}
	ep.es = es

	if ep.looper != nil && !ep.looperBeginJobRun {
		if err := ep.looper.BeginOfJob(ctx, es); err != nil {
			return err
		}
		ep.looperBeginJobRun = true
		if err := ep.looper.StartingNewLoop(ctx); err != nil {
			return err
		}
	}

	info := schedule.TransitionInfo{Kind: schedule.BeginRun, Run: rp, Setup: es}
	if err := ep.beginTransition(ctx, info); err != nil {
		return err
	}
	ep.actReg.PostBeginRun(key.Run)
	ep.logger.Debug("Began run", zap.Stringer("run", key))
	return nil
}

// EndRun ends run key in reverse order of BeginRun
func (ep *EventProcessor) EndRun(ctx context.Context, key principal.RunKey, cleaningUp bool) error {
	ctx, span := ep.tracer.Start(ctx, "eventprocessor.endRun")
	span.SetAttributes(attribute.Int64("run", int64(key.Run)), attribute.Bool("cleaning_up", cleaningUp))
	defer span.End()

	rp, err := ep.cache.RunPrincipal(key.PHID, key.Run)
	if err != nil {
		return err
	}
	err = ep.withSource(ctx, func(ctx context.Context) error { return ep.input.DoEndRun(ctx, rp, cleaningUp) })
	if err != nil {
		return sdkerrors.Wrap(err, sdkerrors.SourceRead, "source endRun failed").
			AddContext("Calling endRun for the source")
	}

	es, err := ep.eventSetupFor(ctx, eventsetup.IOVSyncValue{Run: key.Run, Lumi: math.MaxUint32, Event: math.MaxUint64})
	if err != nil {
		return err
	}
	info := schedule.TransitionInfo{Kind: schedule.EndRun, Run: rp, Setup: es, CleaningUp: cleaningUp}
	return ep.endTransition(ctx, info)
}

// BeginLumi begins luminosity block key
func (ep *EventProcessor) BeginLumi(ctx context.Context, key principal.LumiKey) error {
	ctx, span := ep.tracer.Start(ctx, "eventprocessor.beginLumi")
	span.SetAttributes(attribute.Int64("run", int64(key.Run)), attribute.Int64("lumi", int64(key.Lumi)))
	defer span.End()

	lp, err := ep.cache.LumiPrincipal(key.PHID, key.Run, key.Lumi)
	if err != nil {
		return err
	}
	err = ep.withSource(ctx, func(ctx context.Context) error { return ep.input.DoBeginLumi(ctx, lp) })
	if err != nil {
		return sdkerrors.Wrap(err, sdkerrors.SourceRead, "source beginLumi failed").
			AddContext("Calling beginLuminosityBlock for the source")
	}

	es, err := ep.eventSetupFor(ctx, eventsetup.IOVSyncValue{Run: key.Run, Lumi: key.Lumi})
	if err != nil {
		return err
	}
	ep.es = es

	info := schedule.TransitionInfo{Kind: schedule.BeginLumi, Run: lp.RunPrincipal(), Lumi: lp, Setup: es}
	if err := ep.beginTransition(ctx, info); err != nil {
		return err
	}
	ep.actReg.PostBeginLumi(key.Run, key.Lumi)
	return nil
}

// EndLumi ends luminosity block key
func (ep *EventProcessor) EndLumi(ctx context.Context, key principal.LumiKey, cleaningUp bool) error {
	ctx, span := ep.tracer.Start(ctx, "eventprocessor.endLumi")
	span.SetAttributes(attribute.Int64("run", int64(key.Run)), attribute.Int64("lumi", int64(key.Lumi)))
	defer span.End()

	lp, err := ep.cache.LumiPrincipal(key.PHID, key.Run, key.Lumi)
	if err != nil {
		return err
	}
	err = ep.withSource(ctx, func(ctx context.Context) error { return ep.input.DoEndLumi(ctx, lp, cleaningUp) })
	if err != nil {
		return sdkerrors.Wrap(err, sdkerrors.SourceRead, "source endLumi failed").
			AddContext("Calling endLuminosityBlock for the source")
	}

	es, err := ep.eventSetupFor(ctx, eventsetup.IOVSyncValue{Run: key.Run, Lumi: key.Lumi, Event: math.MaxUint64})
	if err != nil {
		return err
	}
	info := schedule.TransitionInfo{Kind: schedule.EndLumi, Run: lp.RunPrincipal(), Lumi: lp, Setup: es, CleaningUp: cleaningUp}
	return ep.endTransition(ctx, info)
}

// WriteRun hands run key to the output modules of every process
func (ep *EventProcessor) WriteRun(ctx context.Context, key principal.RunKey) error {
	rp, err := ep.cache.RunPrincipal(key.PHID, key.Run)
	if err != nil {
		return err
	}
	if err := ep.schedule.WriteRun(ctx, rp); err != nil {
		return err
	}
	for _, sp := range ep.subProcesses {
		if err := sp.WriteRun(ctx, rp); err != nil {
			return err
		}
	}
	return nil
}

// WriteLumi hands luminosity block key to the output modules of every process
func (ep *EventProcessor) WriteLumi(ctx context.Context, key principal.LumiKey) error {
	lp, err := ep.cache.LumiPrincipal(key.PHID, key.Run, key.Lumi)
	if err != nil {
		return err
	}
	if err := ep.schedule.WriteLumi(ctx, lp); err != nil {
		return err
	}
	for _, sp := range ep.subProcesses {
		if err := sp.WriteLumi(ctx, lp); err != nil {
			return err
		}
	}
	return nil
}

func (ep *EventProcessor) DeleteRunFromCache(ctx context.Context, key principal.RunKey) error {
	for _, sp := range ep.subProcesses {
		sp.DeleteRunFromCache(key)
	}
	return ep.cache.DeleteRun(key.PHID, key.Run)
}

func (ep *EventProcessor) DeleteLumiFromCache(ctx context.Context, key principal.LumiKey) error {
	for _, sp := range ep.subProcesses {
		sp.DeleteLumiFromCache(key)
	}
	return ep.cache.DeleteLumi(key.PHID, key.Run, key.Lumi)
}

// ReadAndProcessEvent processes the events of the current luminosity block
func (ep *EventProcessor) ReadAndProcessEvent(ctx context.Context) error {
	return ep.readAndProcessEvent(ctx)
}

func (ep *EventProcessor) SetExceptionMessageFiles(msg string) { ep.exceptionMessageFiles = msg }
func (ep *EventProcessor) SetExceptionMessageRuns(msg string)  { ep.exceptionMessageRuns = msg }
func (ep *EventProcessor) SetExceptionMessageLumis(msg string) { ep.exceptionMessageLumis = msg }

// AlreadyHandlingException reports whether RunToCompletion is terminating the
// machine after a failure
func (ep *EventProcessor) AlreadyHandlingException() bool { return ep.alreadyHandlingException }
