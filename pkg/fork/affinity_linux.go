//go:build linux

package fork

import (
	"os"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// setAffinity pins every thread of the process to cpu. Threads started later
// inherit the mask of the thread creating them.
func setAffinity(cpu int, logger *zap.Logger) error {
	var set unix.CPUSet
	set.Set(cpu)

	tasks, err := os.ReadDir("/proc/self/task")
	if err != nil {
		return unix.SchedSetaffinity(0, &set)
	}
	for _, task := range tasks {
		tid, err := strconv.Atoi(task.Name())
		if err != nil {
			continue
		}
		if err := unix.SchedSetaffinity(tid, &set); err != nil && err != unix.ESRCH {
			logger.Error("Failed to set the cpu affinity", zap.Int("tid", tid), zap.Error(err))
			return err
		}
	}
	return nil
}
