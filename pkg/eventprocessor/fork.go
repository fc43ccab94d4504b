package eventprocessor

import (
	"context"
	"fmt"
	"os"
	"syscall"

	"go.uber.org/zap"

	"github.com/wehubfusion/Helios/internal/shutdown"
	sdkerrors "github.com/wehubfusion/Helios/pkg/errors"
	"github.com/wehubfusion/Helios/pkg/eventsetup"
	"github.com/wehubfusion/Helios/pkg/fork"
	"github.com/wehubfusion/Helios/pkg/jobreport"
	"github.com/wehubfusion/Helios/pkg/source"
)

// ForkProcess splits the job over worker processes when
// MultiProcesses.MaxChildProcesses is positive. It returns true in the
// process that must go on to RunToCompletion: the only process of a
// single-process job, or a worker. The orchestrating parent returns false
// once every worker ended, with the first worker failure if any.
//
// Workers are fresh executions of the running program. Each one repeats
// the job start up to the first run, then asks the parent for event ranges.
func (ep *EventProcessor) ForkProcess(ctx context.Context, jobReportFile string) (bool, error) {
	mp := ep.opts.MultiProcesses
	if mp.MaxChildProcesses == 0 {
		return true, nil
	}
	ctx = ep.operate(ctx)
	ctx, span := ep.tracer.Start(ctx, "eventprocessor.forkProcess")
	defer span.End()

	child, isChild, err := fork.ChildFromEnv(ep.logger)
	if err != nil {
		return false, err
	}
	if isChild {
		// the parent stops workers with SIGUSR2; install before anything slow
		ep.stopSignals = shutdown.Install(ep.flag, ep.logger, syscall.SIGUSR2)
	}

	if err := ep.BeginJob(ctx); err != nil {
		return false, err
	}
	run, err := ep.prepareForFork(ctx)
	if err != nil {
		return false, err
	}

	if isChild {
		return true, ep.becomeChild(ctx, child, jobReportFile)
	}
	return false, ep.orchestrate(ctx, run, jobReportFile)
}

// prepareForFork opens the first file and positions the source on the first
// run. Both items are replayed to the machine afterwards.
func (ep *EventProcessor) prepareForFork(ctx context.Context) (uint32, error) {
	item, err := ep.nextItemType(ctx)
	if err != nil {
		return 0, err
	}
	if item != source.ItemFile {
		return 0, sdkerrors.Newf(sdkerrors.LogicError,
			"multi-process job expected a file as the first item of the source, got %s", item)
	}
	if err := ep.readFile(ctx); err != nil {
		return 0, err
	}
	item, err = ep.nextItemType(ctx)
	if err != nil {
		return 0, err
	}
	if item != source.ItemRun {
		return 0, sdkerrors.Newf(sdkerrors.LogicError,
			"multi-process job expected a run as the first item of the first file, got %s", item)
	}
	ep.preRead = ep.fb
	ep.pending = []source.ItemType{source.ItemFile, source.ItemRun}
	return ep.input.Run(), nil
}

func (ep *EventProcessor) becomeChild(ctx context.Context, child *fork.Child, jobReportFile string) error {
	ep.report.AdoptJobIDFromEnv()
	ep.report.ChildAfterFork(jobReportFile, child.Index, child.Count)
	ep.child = child

	if ep.opts.MultiProcesses.SetCPUAffinity {
		if err := child.PinCPU(); err != nil {
			ep.logger.Warn("Failed to set CPU affinity", zap.Int("child", child.Index), zap.Error(err))
		}
	}

	ep.actReg.PostForkReacquireResources(child.Index, child.Count)
	err := ep.withSource(ctx, func(ctx context.Context) error {
		return ep.input.DoPostForkReacquireResources(ctx, child.Receiver())
	})
	if err != nil {
		return err
	}
	ep.schedule.PostForkReacquireResources(child.Index, child.Count)
	for _, sp := range ep.subProcesses {
		sp.PostForkReacquireResources(child.Index, child.Count)
	}
	ep.forked = true
	return nil
}

func (ep *EventProcessor) orchestrate(ctx context.Context, run uint32, jobReportFile string) error {
	mp := ep.opts.MultiProcesses

	// conditions read by every worker are computed once here
	es, err := ep.eventSetupFor(ctx, eventsetup.IOVSyncValue{Run: run})
	if err != nil {
		return err
	}
	eventsetup.Prefetch(ctx, es, mp.ExcludeFromPrefetching, ep.logger.Named("ForkingEventSetupPreFetching"))

	ep.report.ParentBeforeFork(jobReportFile, mp.MaxChildProcesses)
	ep.actReg.PreForkReleaseResources()
	err = ep.withSource(ctx, func(ctx context.Context) error {
		return ep.input.DoPreForkReleaseResources(ctx)
	})
	if err != nil {
		return err
	}
	ep.schedule.PreForkReleaseResources()
	for _, sp := range ep.subProcesses {
		sp.PreForkReleaseResources()
	}

	launcher := ep.launcher
	if launcher == nil {
		env := append(os.Environ(), fmt.Sprintf("%s=%s", jobreport.EnvJobID, ep.report.JobID()))
		launcher = fork.ExecLauncher{Env: env}
	}
	orch := fork.NewOrchestrator(fork.Config{
		NumberOfChildren:          mp.MaxChildProcesses,
		EventsPerChild:            mp.MaxSequentialEventsPerChild,
		ContinueAfterChildFailure: mp.ContinueAfterChildFailure,
		LogDir:                    ep.logDir,
	}, launcher, ep.flag, ep.logger)

	if err := orch.Start(ctx); err != nil {
		ep.report.ReportError(err)
		return err
	}
	ep.report.ParentAfterFork(jobReportFile)

	err = orch.Wait(ctx)
	rep := orch.Report()
	ep.logger.Info("All workers ended",
		zap.Int("children", rep.Children),
		zap.Int("done", rep.Done),
		zap.Bool("failed", rep.Failed),
		zap.Int("exit_status", rep.ExitStatus),
		zap.Int("signal", rep.Signal))
	if err != nil {
		ep.report.ReportError(err)
	}
	return err
}
