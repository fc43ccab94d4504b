// Package concurrency sizes the process for the CPUs it may actually use.
package concurrency

import (
	"os"
	"runtime"

	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
)

// InitializeMaxProcs sets GOMAXPROCS from the container CPU quota. Call it
// at the very start of main. The returned function restores the previous
// value.
func InitializeMaxProcs(logger *zap.Logger) func() {
	if logger == nil {
		logger = zap.NewNop()
	}
	undo, err := maxprocs.Set(maxprocs.Logger(logger.Sugar().Debugf))
	if err != nil {
		logger.Warn("Failed to set maxprocs", zap.Error(err))
		return func() {}
	}
	logger.Debug("Concurrency initialized",
		zap.Int("gomaxprocs", runtime.GOMAXPROCS(0)),
		zap.Bool("kubernetes", IsKubernetes()))
	return undo
}

// EffectiveCPUs returns the number of CPUs the scheduler uses, which
// respects cgroup limits once InitializeMaxProcs ran
func EffectiveCPUs() int {
	return runtime.GOMAXPROCS(0)
}

// IsKubernetes reports whether the process runs in a Kubernetes pod
func IsKubernetes() bool {
	return os.Getenv("KUBERNETES_SERVICE_HOST") != ""
}
