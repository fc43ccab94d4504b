package fork

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	sdkerrors "github.com/wehubfusion/Helios/pkg/errors"
)

const (
	// ControlFD is the worker's end of the control socket
	ControlFD = 3

	// WatchdogFD is the worker's write end of the watchdog pipe
	WatchdogFD = 4

	EnvChildIndex = "HELIOS_FORK_CHILD_INDEX"
	EnvChildCount = "HELIOS_FORK_CHILD_COUNT"
)

// ChildEnv returns the environment entries that mark a worker process
func ChildEnv(index, count int) []string {
	return []string{
		fmt.Sprintf("%s=%d", EnvChildIndex, index),
		fmt.Sprintf("%s=%d", EnvChildCount, count),
	}
}

// Child is the worker side of the multi-process mode.
type Child struct {
	Index int
	Count int

	control  int
	watchdog int
	logger   *zap.Logger
}

// ChildFromEnv reports whether this process was started as a worker and,
// if so, returns its handle. The marker variables are removed from the
// environment so that processes started by the worker are not mistaken for
// workers.
func ChildFromEnv(logger *zap.Logger) (*Child, bool, error) {
	idx, ok := os.LookupEnv(EnvChildIndex)
	if !ok {
		return nil, false, nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cnt := os.Getenv(EnvChildCount)
	_ = os.Unsetenv(EnvChildIndex)
	_ = os.Unsetenv(EnvChildCount)

	index, err := strconv.Atoi(idx)
	if err != nil {
		return nil, true, sdkerrors.NewError(sdkerrors.LogicError, "invalid worker index in environment", err)
	}
	count, err := strconv.Atoi(cnt)
	if err != nil || count <= index {
		return nil, true, sdkerrors.Newf(sdkerrors.LogicError, "invalid worker count %q for worker %d", cnt, index)
	}
	for _, fd := range []int{ControlFD, WatchdogFD} {
		if _, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0); err != nil {
			return nil, true, sdkerrors.NewError(sdkerrors.LogicError, fmt.Sprintf("worker descriptor %d is not open", fd), err)
		}
	}

	c := &Child{
		Index:    index,
		Count:    count,
		control:  ControlFD,
		watchdog: WatchdogFD,
		logger:   logger.Named("ForkingChild"),
	}
	c.logger.Info("I am child", zap.Int("index", index), zap.Int("pgid", unix.Getpgrp()))
	return c, true, nil
}

// Receiver returns the chunk receiver talking to the parent
func (c *Child) Receiver() *Receiver {
	return NewReceiver(c.control, c.watchdog, c.logger)
}

// PinCPU binds the worker to the CPU matching its index
func (c *Child) PinCPU() error {
	c.logger.Info("Setting CPU affinity", zap.Int("cpu", c.Index))
	return setAffinity(c.Index, c.logger)
}

// Close releases the worker's descriptors
func (c *Child) Close() error {
	err1 := unix.Close(c.control)
	err2 := unix.Close(c.watchdog)
	if err1 != nil {
		return err1
	}
	return err2
}

// Receiver asks the parent for event ranges. It implements
// source.ChunkReceiver.
type Receiver struct {
	control  int
	watchdog int
	timeout  time.Duration
	logger   *zap.Logger
}

// NewReceiver creates a receiver over the given descriptors
func NewReceiver(control, watchdog int, logger *zap.Logger) *Receiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Receiver{control: control, watchdog: watchdog, timeout: time.Second, logger: logger}
}

// Receive sends one request and waits for the reply. While waiting it probes
// the watchdog pipe once per timeout; a broken pipe means the parent is gone.
func (r *Receiver) Receive() (startIndex, nIndices uint64, err error) {
	req, _ := MessageForParent{}.MarshalBinary()
	for {
		_, err = unix.Write(r.control, req)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		return 0, 0, sdkerrors.NewError(sdkerrors.SourceRead, "failed to request events from the parent process", err)
	}

	var reply MessageForSource
	buf := make([]byte, reply.SizeForBuffer())
	fds := []unix.PollFd{{Fd: int32(r.control), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(fds, int(r.timeout/time.Millisecond))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, 0, sdkerrors.NewError(sdkerrors.SourceRead, "failed waiting for the parent process", err)
		}
		if n == 0 {
			if err := r.probe(); err != nil {
				return 0, 0, err
			}
			continue
		}

		nr, err := unix.Read(r.control, buf)
		if err == unix.EINTR || err == unix.EAGAIN {
			continue
		}
		if err != nil {
			return 0, 0, sdkerrors.NewError(sdkerrors.SourceRead, "failed to read the reply of the parent process", err)
		}
		if err := reply.UnmarshalBinary(buf[:nr]); err != nil {
			return 0, 0, sdkerrors.NewError(sdkerrors.SourceRead, "malformed reply from the parent process", err)
		}
		return reply.StartIndex, reply.NIndices, nil
	}
}

func (r *Receiver) probe() error {
	for {
		_, err := unix.Write(r.watchdog, []byte{1})
		switch err {
		case nil:
			r.logger.Debug("Parent slow to answer, watchdog probe sent")
			return nil
		case unix.EINTR:
			continue
		case unix.EPIPE:
			return sdkerrors.Newf(sdkerrors.SourceRead, "parent process appears to have died while waiting for events")
		default:
			return sdkerrors.NewError(sdkerrors.SourceRead, "watchdog probe failed", err)
		}
	}
}
