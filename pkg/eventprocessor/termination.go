package eventprocessor

import (
	"github.com/wehubfusion/Helios/pkg/activity"
)

// SourceTerminationSentry announces an early end of the source when the
// guarded section does not complete. Use it with defer:
//
//	sentry := NewSourceTerminationSentry(reg)
//	defer sentry.Close()
//	...
//	sentry.CompletedSuccessfully()
type SourceTerminationSentry struct {
	reg  *activity.Registry
	done bool
}

// NewSourceTerminationSentry guards a section interacting with the source
func NewSourceTerminationSentry(reg *activity.Registry) *SourceTerminationSentry {
	return &SourceTerminationSentry{reg: reg}
}

// CompletedSuccessfully disarms the sentry
func (s *SourceTerminationSentry) CompletedSuccessfully() { s.done = true }

// Close emits PreSourceEarlyTermination(ExceptionFromThisContext) unless the
// section completed
func (s *SourceTerminationSentry) Close() {
	if !s.done {
		s.reg.PreSourceEarlyTermination(activity.ExceptionFromThisContext)
	}
}

// sourceCall runs fn under a termination sentry
func (ep *EventProcessor) sourceCall(fn func() error) error {
	sentry := NewSourceTerminationSentry(ep.actReg)
	defer sentry.Close()
	if err := fn(); err != nil {
		return err
	}
	sentry.CompletedSuccessfully()
	return nil
}
