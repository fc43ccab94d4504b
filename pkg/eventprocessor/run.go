package eventprocessor

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/wehubfusion/Helios/pkg/activity"
	sdkerrors "github.com/wehubfusion/Helios/pkg/errors"
	"github.com/wehubfusion/Helios/pkg/principal"
	"github.com/wehubfusion/Helios/pkg/source"
	"github.com/wehubfusion/Helios/pkg/statemachine"
)

// RunToCompletion begins the job if needed and feeds the source's items to
// the state machine until it terminates. A failure terminates the machine
// through its cleanup path; secondary failures gathered there are attached
// to the returned error. An external stop request ends the job normally
// with StatusSignal.
func (ep *EventProcessor) RunToCompletion(ctx context.Context) (StatusCode, error) {
	ctx = ep.operate(ctx)
	ctx, span := ep.tracer.Start(ctx, "eventprocessor.runToCompletion")
	defer span.End()

	ep.deferred.Reset()
	ep.exceptionMessageFiles = ""
	ep.exceptionMessageRuns = ""
	ep.exceptionMessageLumis = ""

	status, err := ep.runToCompletion(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		ep.report.ReportError(err)
		return status, err
	}
	span.SetAttributes(attribute.String("status", status.String()))
	return status, nil
}

func (ep *EventProcessor) runToCompletion(ctx context.Context) (StatusCode, error) {
	if err := ep.BeginJob(ctx); err != nil {
		return StatusSuccess, err
	}

	ep.stateMachineWasInErrorState = false
	if err := ep.createStateMachine(); err != nil {
		return StatusSuccess, err
	}
	ep.nextItemTypeFromProcessingEvents = source.ItemEvent
	ep.asyncStopRequestedWhileProcessingEvents = false

	status, err := ep.runMachine(ctx)
	if err != nil {
		ep.alreadyHandlingException = true
		ep.forceLooperToEnd = true
		if terr := ep.machine.Terminate(ctx); terr != nil {
			ep.logger.Error("Failed to terminate the state machine after an error", zap.Error(terr))
		}
		ep.alreadyHandlingException = false
		ep.forceLooperToEnd = false
		ep.machine = nil

		e := sdkerrors.Wrap(err, sdkerrors.Unknown, "unexpected error during event processing")
		if e.AlreadyPrinted {
			ep.logAdditionalExceptions()
		} else {
			e.AddAdditionalInfo(ep.exceptionMessageLumis)
			e.AddAdditionalInfo(ep.exceptionMessageRuns)
			e.AddAdditionalInfo(ep.exceptionMessageFiles)
		}
		return status, e
	}
	ep.machine = nil

	if ep.stateMachineWasInErrorState {
		return status, sdkerrors.Newf(sdkerrors.BadState,
			"The state machine in the EventProcessor exited after entering the Error state")
	}
	return status, nil
}

// logAdditionalExceptions reports the cleanup failures of an error that was
// logged before the cleanup ran.
func (ep *EventProcessor) logAdditionalExceptions() {
	var msgs []string
	for _, m := range []string{ep.exceptionMessageLumis, ep.exceptionMessageRuns, ep.exceptionMessageFiles} {
		if m != "" {
			msgs = append(msgs, m)
		}
	}
	if len(msgs) > 0 {
		ep.logger.Error("Additional Exceptions", zap.Strings("messages", msgs))
	}
}

func (ep *EventProcessor) createStateMachine() error {
	fileMode, err := statemachine.ParseFileMode(ep.opts.FileMode)
	if err != nil {
		return err
	}
	emptyMode, err := statemachine.ParseEmptyRunLumiMode(ep.opts.EmptyRunLumiMode)
	if err != nil {
		return err
	}
	ep.machine = statemachine.New(ep, fileMode, emptyMode, ep.logger.Named("StateMachine"))
	return nil
}

// runMachine is the classification loop. Every item of the source becomes
// one machine input, except events which the machine consumes in blocks.
func (ep *EventProcessor) runMachine(ctx context.Context) (StatusCode, error) {
	status := StatusSuccess
	for {
		if ep.forked && len(ep.pending) == 0 {
			if err := ep.skipForForking(ctx); err != nil {
				return status, err
			}
		}

		item, err := ep.nextItemType(ctx)
		if err != nil {
			return status, err
		}

		if ep.flag.Requested() {
			ep.logger.Warn("Stop requested, ending the job")
			ep.actReg.PreSourceEarlyTermination(activity.ExternalSignal)
			ep.forceLooperToEnd = true
			err := ep.process(ctx, statemachine.Stop{})
			ep.forceLooperToEnd = false
			return StatusSignal, err
		}

		if item == source.ItemEvent {
			if err := ep.process(ctx, statemachine.Event{}); err != nil {
				return status, err
			}
			if ep.asyncStopRequestedWhileProcessingEvents {
				ep.forceLooperToEnd = true
				err := ep.process(ctx, statemachine.Stop{})
				ep.forceLooperToEnd = false
				return ep.asyncStopStatusCodeFromProcessingEvents, err
			}
			item = ep.nextItemTypeFromProcessingEvents
		}

		switch item {
		case source.ItemEvent, source.ItemSynchronize:
		case source.ItemStop:
			err = ep.process(ctx, statemachine.Stop{})
		case source.ItemFile:
			err = ep.process(ctx, statemachine.File{})
		case source.ItemRun:
			err = ep.process(ctx, statemachine.Run{Key: ep.currentRunKey()})
		case source.ItemLumi:
			err = ep.process(ctx, statemachine.Lumi{Number: ep.input.LuminosityBlock()})
		default:
			err = sdkerrors.Newf(sdkerrors.LogicError,
				"Unknown next item type passed to EventProcessor. Please report this error to the Framework group")
		}
		if err != nil {
			return status, err
		}
		if ep.machine.Terminated() {
			return status, nil
		}
	}
}

// process feeds in to the machine unless it already terminated, which
// happens when the machine stopped by itself while processing events.
func (ep *EventProcessor) process(ctx context.Context, in statemachine.Input) error {
	if ep.machine.Terminated() {
		return nil
	}
	return ep.machine.Process(ctx, in)
}

// nextItemType returns items classified during a fork first, then asks the
// source
func (ep *EventProcessor) nextItemType(ctx context.Context) (source.ItemType, error) {
	if len(ep.pending) > 0 {
		item := ep.pending[0]
		ep.pending = ep.pending[1:]
		return item, nil
	}
	var item source.ItemType
	err := ep.withSource(ctx, func(ctx context.Context) (err error) {
		item, err = ep.input.NextItemType(ctx)
		return err
	})
	if err != nil {
		return source.ItemInvalid, sdkerrors.Wrap(err, sdkerrors.SourceRead, "failed to classify the next item").
			AddContext("Calling nextItemType for the source")
	}
	return item, nil
}

func (ep *EventProcessor) skipForForking(ctx context.Context) error {
	size := ep.registry.Size()
	err := ep.withSource(ctx, func(ctx context.Context) error {
		return ep.input.SkipForForking(ctx)
	})
	if err != nil {
		return err
	}
	if ep.registry.Size() != size {
		return ep.cache.AdjustIndexesAfterProductRegistryAddition(ep.registry)
	}
	return nil
}

func (ep *EventProcessor) currentRunKey() principal.RunKey {
	return principal.RunKey{PHID: ep.input.ReducedProcessHistoryID(), Run: ep.input.Run()}
}
