// Package shutdown holds the process-wide request to stop processing early.
package shutdown

import (
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"go.uber.org/zap"
)

// Flag is set once a stop has been requested. The zero value is ready to use.
type Flag struct {
	requested atomic.Bool
	signal    atomic.Value // os.Signal
}

// Set marks the stop as requested
func (f *Flag) Set() {
	f.requested.Store(true)
}

// Requested reports whether a stop was requested
func (f *Flag) Requested() bool {
	if f == nil {
		return false
	}
	return f.requested.Load()
}

// Signal returns the signal that set the flag, if any
func (f *Flag) Signal() (os.Signal, bool) {
	s, ok := f.signal.Load().(os.Signal)
	return s, ok
}

// Reset clears the flag
func (f *Flag) Reset() {
	f.requested.Store(false)
}

// DefaultSignals are the signals that request a stop when none are given
var DefaultSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}

// Install sets f whenever one of signals arrives. The returned function
// restores the default handling.
func Install(f *Flag, logger *zap.Logger, signals ...os.Signal) (stop func()) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(signals) == 0 {
		signals = DefaultSignals
	}
	sigCh := make(chan os.Signal, 1)
	done := make(chan struct{})
	signal.Notify(sigCh, signals...)

	go func() {
		for {
			select {
			case sig := <-sigCh:
				f.signal.Store(sig)
				f.Set()
				logger.Warn("Stop requested by signal", zap.String("signal", sig.String()))
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}
