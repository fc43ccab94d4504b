package eventprocessor

import (
	"context"

	"github.com/wehubfusion/Helios/pkg/schedule"
	"github.com/wehubfusion/Helios/pkg/task"
)

// globalTransition runs info on the schedule and every sub-process and waits
// for all of them. The first failure is returned.
func (ep *EventProcessor) globalTransition(ctx context.Context, info schedule.TransitionInfo) error {
	j := task.NewJoin()
	for _, t := range ep.targets {
		t.ProcessGlobalTransitionAsync(ctx, j.Holder(), info)
	}
	return j.Wait()
}

// streamTransition runs info on every stream of the schedule and of every
// sub-process and waits for all of them.
func (ep *EventProcessor) streamTransition(ctx context.Context, info schedule.TransitionInfo) error {
	j := task.NewJoin()
	for i := 0; i < ep.prealloc.Streams; i++ {
		for _, t := range ep.targets {
			t.ProcessStreamTransitionAsync(ctx, j.Holder(), i, info)
		}
	}
	return j.Wait()
}

// beginTransition runs the global begin before the stream begins
func (ep *EventProcessor) beginTransition(ctx context.Context, info schedule.TransitionInfo) error {
	if err := ep.globalTransition(ctx, info); err != nil {
		return err
	}
	return ep.streamTransition(ctx, info)
}

// endTransition runs the stream ends before the global end
func (ep *EventProcessor) endTransition(ctx context.Context, info schedule.TransitionInfo) error {
	if err := ep.streamTransition(ctx, info); err != nil {
		return err
	}
	return ep.globalTransition(ctx, info)
}
