package fork

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/wehubfusion/Helios/internal/shutdown"
	sdkerrors "github.com/wehubfusion/Helios/pkg/errors"
)

// DefaultMaxFD is the descriptor limit of the select-based dispatch the wire
// protocol was designed for. Higher descriptors are refused.
const DefaultMaxFD = 1024

// reapInterval bounds how long a missed SIGCHLD can delay reaping
const reapInterval = 200 * time.Millisecond

// Config controls the parent side of the multi-process mode.
type Config struct {
	NumberOfChildren          int
	EventsPerChild            uint64
	ContinueAfterChildFailure bool

	// LogDir receives the redirected output of every worker
	LogDir string

	// MaxFD caps the highest descriptor the dispatcher may watch
	MaxFD int
}

// ChildSpec is everything a Launcher needs to start one worker.
type ChildSpec struct {
	Index    int
	Count    int
	Control  *os.File
	Watchdog *os.File
	Output   *os.File
}

// Launcher starts a worker process and returns its pid. The control socket
// must become descriptor 3 and the watchdog pipe descriptor 4 of the worker.
type Launcher interface {
	Launch(spec ChildSpec) (pid int, err error)
}

// LauncherFunc adapts a function to Launcher
type LauncherFunc func(spec ChildSpec) (int, error)

func (f LauncherFunc) Launch(spec ChildSpec) (int, error) { return f(spec) }

// ExecLauncher starts workers by executing a program, by default the
// running executable with its own arguments.
type ExecLauncher struct {
	Path string
	Args []string
	Env  []string
}

func (l ExecLauncher) Launch(spec ChildSpec) (int, error) {
	path := l.Path
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return 0, err
		}
		path = exe
	}
	args := l.Args
	if args == nil {
		args = os.Args
	}
	env := l.Env
	if env == nil {
		env = os.Environ()
	}
	env = append(append([]string(nil), env...), ChildEnv(spec.Index, spec.Count)...)

	proc, err := os.StartProcess(path, args, &os.ProcAttr{
		Env:   env,
		Files: []*os.File{os.Stdin, spec.Output, spec.Output, spec.Control, spec.Watchdog},
	})
	if err != nil {
		return 0, err
	}
	pid := proc.Pid
	// reaping is done with wait4 on the pid
	_ = proc.Release()
	return pid, nil
}

// RedirectFileName names the output file of worker index out of n. The
// index is zero padded to the number of digits of n, or to 3 when n is 0.
func RedirectFileName(pgid, index, n int) string {
	return fmt.Sprintf("redirectout_%d_%0*d.log", pgid, digitsInChildIndex(n), index)
}

func digitsInChildIndex(n int) int {
	d := 0
	for n != 0 {
		d++
		n /= 10
	}
	if d == 0 {
		d = 3
	}
	return d
}

type child struct {
	index  int
	pid    int
	sock   int
	pipe   int
	reaped bool
}

// Report summarises how the workers ended
type Report struct {
	Children   int
	Done       int
	Failed     bool
	ExitStatus int
	Signal     int
}

// Orchestrator is the parent side of the multi-process mode.
type Orchestrator struct {
	cfg      Config
	launcher Launcher
	flag     *shutdown.Flag
	logger   *zap.Logger

	children   []*child
	sigCh      chan os.Signal
	disp       *dispatcher
	dispDone   chan struct{}
	tooManyFDs bool

	// written only by reap, read by the wait loop
	numChildrenDone     atomic.Int32
	childFailed         atomic.Bool
	childFailExitStatus atomic.Int32
	childFailSignal     atomic.Int32
}

// NewOrchestrator creates the parent side. A nil launcher re-executes the
// running program.
func NewOrchestrator(cfg Config, launcher Launcher, flag *shutdown.Flag, logger *zap.Logger) *Orchestrator {
	if launcher == nil {
		launcher = ExecLauncher{}
	}
	if flag == nil {
		flag = &shutdown.Flag{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.EventsPerChild == 0 {
		cfg.EventsPerChild = 1
	}
	if cfg.MaxFD <= 0 {
		cfg.MaxFD = DefaultMaxFD
	}
	if cfg.LogDir == "" {
		cfg.LogDir = "."
	}
	return &Orchestrator{
		cfg:      cfg,
		launcher: launcher,
		flag:     flag,
		logger:   logger,
		sigCh:    make(chan os.Signal, 16),
	}
}

// Run starts the workers and waits for all of them to end
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.Start(ctx); err != nil {
		return err
	}
	return o.Wait(ctx)
}

// Start creates the channels, starts every worker and the dispatcher.
func (o *Orchestrator) Start(ctx context.Context) error {
	n := o.cfg.NumberOfChildren
	if n <= 0 {
		return sdkerrors.Newf(sdkerrors.LogicError, "cannot start %d worker processes", n)
	}
	signal.Notify(o.sigCh, syscall.SIGCHLD, syscall.SIGUSR2, syscall.SIGINT, syscall.SIGTERM)

	pgid := unix.Getpgrp()
	highest := 0
	for i := 0; i < n; i++ {
		c, err := o.spawn(i, n, pgid)
		if err != nil {
			o.abortSpawn()
			signal.Stop(o.sigCh)
			return sdkerrors.NewError(sdkerrors.ForkedParentFailed, "failed to create a child", err).
				AddContext("starting worker %d of %d", i, n)
		}
		o.children = append(o.children, c)
		highest = max(highest, c.sock, c.pipe)
	}

	if highest+1 > o.cfg.MaxFD {
		o.logger.Named("ForkingFileDescriptors").Error("too many file descriptors for multicore job",
			zap.Int("highest_fd", highest), zap.Int("limit", o.cfg.MaxFD))
		o.tooManyFDs = true
	}

	socks := make([]int, n)
	pipes := make([]int, n)
	for i, c := range o.children {
		socks[i], pipes[i] = c.sock, c.pipe
	}
	o.disp = newDispatcher(socks, pipes, o.cfg.EventsPerChild, o.logger.Named("ForkingController"))
	o.dispDone = make(chan struct{})
	go func() {
		defer close(o.dispDone)
		o.disp.run()
	}()
	return nil
}

func (o *Orchestrator) spawn(index, count, pgid int) (*child, error) {
	syscall.ForkLock.RLock()
	socks, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		syscall.ForkLock.RUnlock()
		return nil, fmt.Errorf("creating communication socket: %w", err)
	}
	var pipes [2]int
	if err := unix.Pipe(pipes[:]); err != nil {
		syscall.ForkLock.RUnlock()
		unix.Close(socks[0])
		unix.Close(socks[1])
		return nil, fmt.Errorf("creating communication pipe: %w", err)
	}
	for _, fd := range []int{socks[0], socks[1], pipes[0], pipes[1]} {
		unix.CloseOnExec(fd)
	}
	syscall.ForkLock.RUnlock()

	closeAll := func() {
		for _, fd := range []int{socks[0], socks[1], pipes[0], pipes[1]} {
			unix.Close(fd)
		}
	}
	for _, fd := range []int{socks[0], pipes[0]} {
		if err := unix.SetNonblock(fd, true); err != nil {
			closeAll()
			return nil, fmt.Errorf("setting descriptor flags: %w", err)
		}
	}

	outPath := filepath.Join(o.cfg.LogDir, RedirectFileName(pgid, index, count))
	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		closeAll()
		return nil, fmt.Errorf("opening worker output: %w", err)
	}
	control := os.NewFile(uintptr(socks[1]), "control")
	watchdog := os.NewFile(uintptr(pipes[1]), "watchdog")

	pid, err := o.launcher.Launch(ChildSpec{
		Index:    index,
		Count:    count,
		Control:  control,
		Watchdog: watchdog,
		Output:   out,
	})
	control.Close()
	watchdog.Close()
	out.Close()
	if err != nil {
		unix.Close(socks[0])
		unix.Close(pipes[0])
		return nil, err
	}

	o.logger.Info("Started worker", zap.Int("index", index), zap.Int("pid", pid), zap.String("output", outPath))
	return &child{index: index, pid: pid, sock: socks[0], pipe: pipes[0]}, nil
}

// abortSpawn kills the workers started before a failed launch
func (o *Orchestrator) abortSpawn() {
	for _, c := range o.children {
		_ = unix.Kill(c.pid, unix.SIGKILL)
		var ws unix.WaitStatus
		for {
			if _, err := unix.Wait4(c.pid, &ws, 0, nil); err != unix.EINTR {
				break
			}
		}
		unix.Close(c.sock)
		unix.Close(c.pipe)
	}
	o.children = nil
}

// reap collects every exited worker without blocking. It does not log.
func (o *Orchestrator) reap() {
	for _, c := range o.children {
		if c.reaped {
			continue
		}
		var ws unix.WaitStatus
		pid, err := unix.Wait4(c.pid, &ws, unix.WNOHANG, nil)
		if err == unix.ECHILD {
			c.reaped = true
			o.numChildrenDone.Add(1)
			continue
		}
		if err != nil || pid != c.pid {
			continue
		}
		switch {
		case ws.Exited():
			c.reaped = true
			o.numChildrenDone.Add(1)
			if ws.ExitStatus() != 0 {
				o.recordFailure(int32(ws.ExitStatus()), 0)
			}
		case ws.Signaled():
			c.reaped = true
			o.numChildrenDone.Add(1)
			o.recordFailure(0, int32(ws.Signal()))
		}
	}
}

// recordFailure keeps the first failure until it is acknowledged
func (o *Orchestrator) recordFailure(exitStatus, sig int32) {
	if o.childFailed.Load() {
		return
	}
	o.childFailExitStatus.Store(exitStatus)
	o.childFailSignal.Store(sig)
	o.childFailed.Store(true)
}

func (o *Orchestrator) failureMessage() string {
	if s := o.childFailSignal.Load(); s != 0 {
		return fmt.Sprintf("child process ended abnormally with signal %d", s)
	}
	if s := o.childFailExitStatus.Load(); s != 0 {
		return fmt.Sprintf("child process ended abnormally with exit code %d", s)
	}
	return "child process ended abnormally for unknown reason"
}

func (o *Orchestrator) possiblyContinueAfterChildFailure() {
	if o.childFailed.Load() && o.cfg.ContinueAfterChildFailure {
		o.logger.Named("ForkedChildFailed").Error(o.failureMessage())
		o.childFailSignal.Store(0)
		o.childFailExitStatus.Store(0)
		o.childFailed.Store(false)
	}
}

func (o *Orchestrator) allDone() bool {
	return int(o.numChildrenDone.Load()) == len(o.children)
}

// sleep waits for a signal, the reap interval or ctx. Stop requests set the
// shutdown flag.
func (o *Orchestrator) sleep(ctx context.Context, ticker *time.Ticker) {
	select {
	case sig := <-o.sigCh:
		if sig != syscall.SIGCHLD {
			o.flag.Set()
		}
	case <-ticker.C:
	case <-ctx.Done():
		o.flag.Set()
	}
	o.reap()
}

// Wait blocks until every worker ended. On a shutdown request, a worker
// failure without ContinueAfterChildFailure or a descriptor overflow the
// remaining workers get SIGUSR2 and are drained.
func (o *Orchestrator) Wait(ctx context.Context) error {
	defer signal.Stop(o.sigCh)
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	o.reap()
	if !o.tooManyFDs {
		o.possiblyContinueAfterChildFailure()
		for !o.flag.Requested() && (!o.childFailed.Load() || o.cfg.ContinueAfterChildFailure) && !o.allDone() {
			o.sleep(ctx, ticker)
			o.possiblyContinueAfterChildFailure()
			o.logger.Named("ForkingAwake").Debug("woke from wait")
		}
	}

	stopping := o.logger.Named("ForkingStopping")
	stopping.Info("num children who have already stopped", zap.Int32("done", o.numChildrenDone.Load()))
	if o.childFailed.Load() {
		stopping.Error("child failed")
	}
	if o.flag.Requested() {
		stopping.Warn("asked to shutdown")
	}

	if o.tooManyFDs || o.flag.Requested() || (o.childFailed.Load() && !o.allDone()) {
		stopping.Info("must stop children")
		for _, c := range o.children {
			if !c.reaped {
				_ = unix.Kill(c.pid, unix.SIGUSR2)
			}
		}
		for !o.allDone() {
			o.sleep(context.Background(), ticker)
		}
	}

	<-o.dispDone
	o.disp.closeAll()

	if o.childFailed.Load() && !o.cfg.ContinueAfterChildFailure {
		return sdkerrors.Newf(sdkerrors.ForkedChildFailed, "%s", o.failureMessage())
	}
	if o.tooManyFDs {
		return sdkerrors.Newf(sdkerrors.ForkedParentFailed, "hit select limit for number of fds")
	}
	return nil
}

// Report returns the outcome of the workers
func (o *Orchestrator) Report() Report {
	return Report{
		Children:   len(o.children),
		Done:       int(o.numChildrenDone.Load()),
		Failed:     o.childFailed.Load(),
		ExitStatus: int(o.childFailExitStatus.Load()),
		Signal:     int(o.childFailSignal.Load()),
	}
}

// Assigned returns every event range handed out, in order
func (o *Orchestrator) Assigned() []MessageForSource {
	if o.disp == nil {
		return nil
	}
	return o.disp.assignments()
}

// OpenFDs returns how many parent-side descriptors are still open
func (o *Orchestrator) OpenFDs() int {
	if o.disp == nil {
		return 0
	}
	select {
	case <-o.dispDone:
		return o.disp.openFDs()
	default:
		return -1
	}
}
