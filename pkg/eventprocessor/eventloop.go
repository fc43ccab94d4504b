package eventprocessor

import (
	"context"
	"sync/atomic"

	"github.com/wehubfusion/Helios/pkg/activity"
	"github.com/wehubfusion/Helios/pkg/eventsetup"
	"github.com/wehubfusion/Helios/pkg/looper"
	"github.com/wehubfusion/Helios/pkg/principal"
	"github.com/wehubfusion/Helios/pkg/source"
	"github.com/wehubfusion/Helios/pkg/task"
)

// readAndProcessEvent processes events until the source leaves the current
// luminosity block. The machine has already seen the first event, so the
// first stream to read does not classify again. Every stream keeps reading
// and processing until the block ends, a stop is requested or an event
// fails; the first failure is returned once all streams stopped.
func (ep *EventProcessor) readAndProcessEvent(ctx context.Context) error {
	if ep.forked {
		return ep.readAndProcessOneEvent(ctx)
	}
	ep.nextItemTypeFromProcessingEvents = source.ItemEvent
	ep.asyncStopRequestedWhileProcessingEvents = false
	ep.firstEventInBlock = true

	var finished atomic.Bool
	j := task.NewJoin()
	for i := 0; i < ep.prealloc.Streams; i++ {
		ep.handleNextEventForStreamAsync(ctx, j.Holder(), i, &finished)
	}
	_ = j.Wait()
	return ep.deferred.Err()
}

// readAndProcessOneEvent is the worker process variant: one event on stream
// 0, processed before returning to the machine.
func (ep *EventProcessor) readAndProcessOneEvent(ctx context.Context) error {
	if err := ep.gate.Run(ctx, func(ctx context.Context) error { return ep.readEvent(ctx, 0) }); err != nil {
		return err
	}
	j := task.NewJoin()
	ep.processEventAsync(ctx, j.Holder(), 0)
	return j.Wait()
}

// handleNextEventForStreamAsync reads the next event for stream on the
// source queue and processes it, then comes back for another. holder is
// released when the stream stops.
func (ep *EventProcessor) handleNextEventForStreamAsync(ctx context.Context, holder task.Holder, stream int, finished *atomic.Bool) {
	ep.gate.Push(func() {
		var more bool
		err := ep.pool.Safely(func() error {
			return ep.gate.Do(ctx, func(ctx context.Context) error {
				more = ep.readNextEventForStream(ctx, stream, finished)
				return nil
			})
		})
		if err != nil {
			ep.deferred.Set(err)
			more = false
		}
		if !more {
			holder.DoneWaiting(nil)
			return
		}

		recursion := task.NewWaitingTask(ep.pool, func(err error) {
			if err != nil {
				ep.deferred.Set(err)
				holder.DoneWaiting(nil)
				return
			}
			ep.handleNextEventForStreamAsync(ctx, holder, stream, finished)
		})
		ep.processEventAsync(ctx, recursion.Holder(), stream)
	})
}

// readNextEventForStream runs under the source gate. It returns false when
// the stream must stop: a stop condition, an earlier failure, the end of the
// luminosity block, or an external stop request.
func (ep *EventProcessor) readNextEventForStream(ctx context.Context, stream int, finished *atomic.Bool) bool {
	if ep.ShouldWeStop() || ep.deferred.IsSet() || finished.Load() {
		return false
	}

	if ep.firstEventInBlock {
		ep.firstEventInBlock = false
	} else {
		var next source.ItemType
		err := ep.sourceCall(func() (err error) {
			next, err = ep.input.NextItemType(ctx)
			return err
		})
		if err != nil {
			ep.deferred.Set(err)
			return false
		}
		if next != source.ItemEvent {
			ep.nextItemTypeFromProcessingEvents = next
			finished.Store(true)
			return false
		}
		if ep.flag.Requested() {
			ep.asyncStopStatusCodeFromProcessingEvents = StatusSignal
			ep.asyncStopRequestedWhileProcessingEvents = true
			ep.actReg.PreSourceEarlyTermination(activity.ExternalSignal)
			return false
		}
	}

	if err := ep.readEvent(ctx, stream); err != nil {
		ep.deferred.Set(err)
		return false
	}
	return true
}

func (ep *EventProcessor) readEvent(ctx context.Context, stream int) error {
	ev := ep.cache.EventPrincipal(stream)
	return ep.sourceCall(func() error {
		return ep.input.ReadEvent(ctx, ev, ep.cache.LumiPrincipalPtr())
	})
}

// processEventAsync runs the schedule and then each sub-process, in
// declaration order, on the event of stream, and finalises it.
func (ep *EventProcessor) processEventAsync(ctx context.Context, holder task.Holder, stream int) {
	ev := ep.cache.EventPrincipal(stream)
	es := ep.es

	steps := []func(task.Holder){
		func(h task.Holder) { ep.schedule.ProcessOneEventAsync(ctx, h, ev, es) },
	}
	for _, sp := range ep.subProcesses {
		sp := sp
		steps = append(steps, func(h task.Holder) { sp.DoEventAsync(ctx, h, ev, es) })
	}

	done := task.NewWaitingTask(ep.pool, func(err error) {
		if err == nil {
			err = ep.pool.Safely(func() error { return ep.finalizeEvent(ctx, ev, es) })
		}
		ev.Clear()
		holder.DoneWaiting(err)
	})
	task.Sequence(ep.pool, done.Holder(), steps...)
}

func (ep *EventProcessor) finalizeEvent(ctx context.Context, ev *principal.EventPrincipal, es eventsetup.EventSetup) error {
	if ep.looper != nil {
		status, err := ep.looper.DuringLoop(ctx, ev, es)
		if err != nil {
			return err
		}
		if status != looper.Continue {
			ep.shouldWeStop.Store(true)
		}
	}
	aux := ev.Aux()
	ep.actReg.PostEvent(ev.Stream(), aux.Run, aux.Lumi, aux.Event)
	return nil
}

// ShouldWeStop reports whether event processing must end: the looper asked
// for it, or the output modules (of the sub-processes when there are any)
// reached their limits.
func (ep *EventProcessor) ShouldWeStop() bool {
	if ep.shouldWeStop.Load() {
		return true
	}
	if len(ep.subProcesses) > 0 {
		for _, sp := range ep.subProcesses {
			if sp.Terminate() {
				return true
			}
		}
		return false
	}
	return ep.schedule.Terminate()
}
