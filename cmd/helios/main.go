// Command helios runs an event-processing job described by a .json or .js
// configuration file.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/wehubfusion/Helios/internal/logging"
	"github.com/wehubfusion/Helios/internal/shutdown"
	"github.com/wehubfusion/Helios/internal/tracing"
	"github.com/wehubfusion/Helios/pkg/concurrency"
	"github.com/wehubfusion/Helios/pkg/config"
	sdkerrors "github.com/wehubfusion/Helios/pkg/errors"
	"github.com/wehubfusion/Helios/pkg/eventprocessor"
	"github.com/wehubfusion/Helios/pkg/fork"
	"github.com/wehubfusion/Helios/pkg/jobreport"
	"github.com/wehubfusion/Helios/pkg/params"
)

const version = "1.0.0"

type flags struct {
	overrides   []string
	jobReport   string
	reportDir   string
	logLevel    string
	forkLogDir  string
	autoThreads bool
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var f flags
	fs := pflag.NewFlagSet("helios", pflag.ContinueOnError)
	fs.StringArrayVar(&f.overrides, "set", nil, "override a configuration value, as path=value (repeatable)")
	fs.StringVar(&f.jobReport, "job-report", "", "name of the job report to publish")
	fs.StringVar(&f.reportDir, "report-dir", "", "directory for job report files")
	fs.StringVar(&f.logLevel, "log-level", "", "log level, overrides HELIOS_LOG_LEVEL")
	fs.StringVar(&f.forkLogDir, "fork-log-dir", "", "directory for worker process logs")
	fs.BoolVar(&f.autoThreads, "auto-threads", false, "use one thread per available CPU")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: helios [flags] <config.json|config.js>\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return 2
	}

	rt, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return sdkerrors.ExitCode(sdkerrors.NewError(sdkerrors.Configuration, "invalid environment", err))
	}
	if f.logLevel != "" {
		rt.LogLevel = f.logLevel
	}
	logger, err := logging.New(rt.LogLevel, rt.LogFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	defer func() { _ = logger.Sync() }()

	undo := concurrency.InitializeMaxProcs(logger)
	defer undo()

	if rt.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         rt.SentryDSN,
			Environment: rt.Environment,
			Release:     "helios@" + version,
		}); err != nil {
			logger.Warn("Failed to initialise Sentry", zap.Error(err))
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	code, err := runJob(context.Background(), fs.Arg(0), f, rt, logger)
	if err != nil {
		if sdkerrors.Printed(err) {
			logger.Error("Job failed", zap.Int("exitCode", code))
		} else {
			logger.Error("Job failed", zap.Error(err), zap.Int("exitCode", code))
		}
		if rt.SentryDSN != "" {
			sentry.CaptureException(err)
		}
	}
	return code
}

func runJob(ctx context.Context, path string, f flags, rt *config.Runtime, logger *zap.Logger) (int, error) {
	pset, err := loadJob(path, f)
	if err != nil {
		return sdkerrors.ExitCode(err), err
	}

	if rt.TracingEnabled() {
		provider, err := tracing.Setup(ctx, tracingConfig(rt, pset), logger)
		if err != nil {
			logger.Warn("Tracing disabled", zap.Error(err))
		} else {
			defer func() { _ = provider.Shutdown() }()
		}
	}

	flag := &shutdown.Flag{}
	stopSignals := shutdown.Install(flag, logger, syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	ep, err := eventprocessor.New(pset,
		eventprocessor.WithLogger(logger),
		eventprocessor.WithShutdownFlag(flag),
		eventprocessor.WithForkLogDir(f.forkLogDir))
	if err != nil {
		return sdkerrors.ExitCode(err), err
	}
	defer func() {
		if cerr := ep.Close(); cerr != nil {
			logger.Warn("Failed to release the processor", zap.Error(cerr))
		}
	}()

	jobErr := process(ctx, ep, f.jobReport, logger)

	if perr := publishReport(ctx, ep.JobReport(), f, rt, logger); perr != nil {
		logger.Warn("Failed to publish the job report", zap.Error(perr))
	}
	return sdkerrors.ExitCode(jobErr), jobErr
}

func loadJob(path string, f flags) (*params.ParameterSet, error) {
	pset, err := params.LoadFile(path)
	if err != nil {
		return nil, err
	}
	for _, o := range f.overrides {
		if pset, err = pset.Override(o); err != nil {
			return nil, err
		}
	}
	if f.autoThreads {
		threads := concurrency.EffectiveCPUs()
		if pset, err = pset.With("options.numberOfThreads", threads); err != nil {
			return nil, err
		}
		if !pset.Exists("options.numberOfStreams") {
			if pset, err = pset.With("options.numberOfStreams", threads); err != nil {
				return nil, err
			}
		}
	}
	return pset, nil
}

func tracingConfig(rt *config.Runtime, pset *params.ParameterSet) tracing.Config {
	tc := tracing.DefaultConfig(rt.ServiceName)
	tc.ServiceVersion = version
	tc.Environment = rt.Environment
	tc.Endpoint = rt.OTLPEndpoint
	tc.SampleRatio = rt.SampleRatio
	tc.ProcessName = pset.GetString("process", "")
	if idx, err := strconv.Atoi(os.Getenv(fork.EnvChildIndex)); err == nil {
		tc.WorkerIndex = idx
	}
	return tc
}

// process runs the job in this process. A parent of worker processes only
// orchestrates, and returns once the workers are done.
func process(ctx context.Context, ep *eventprocessor.EventProcessor, jobReport string, logger *zap.Logger) error {
	cont, err := ep.ForkProcess(ctx, jobReport)
	if err != nil {
		return err
	}
	if !cont {
		return nil
	}

	status, err := ep.RunToCompletion(ctx)
	if err != nil {
		if endErr := ep.EndJob(ctx); endErr != nil {
			return sdkerrors.Wrap(err, sdkerrors.Unknown, "job failed").AddAdditionalInfo(endErr.Error())
		}
		return err
	}
	if status == eventprocessor.StatusSignal {
		logger.Info("Job stopped on request")
	}
	if err := ep.EndJob(ctx); err != nil {
		return err
	}
	logger.Info("Job finished",
		zap.Int64("events", ep.TotalEvents()),
		zap.Int64("passed", ep.TotalEventsPassed()),
		zap.Int64("failed", ep.TotalEventsFailed()))
	return nil
}

func publishReport(ctx context.Context, r *jobreport.Report, f flags, rt *config.Runtime, logger *zap.Logger) error {
	var sinks []jobreport.Sink
	name := r.Path(f.jobReport)
	if name != "" {
		sinks = append(sinks, jobreport.FileSink{Dir: f.reportDir})
	} else {
		name = r.Path(r.JobID().String() + ".json")
	}

	if rt.NATSEnabled() {
		ns, err := jobreport.DialNATSSink(ctx, rt.NATSURL, rt.NATSSubject, logger)
		if err != nil {
			logger.Warn("Job report will not be sent over NATS", zap.Error(err))
		} else {
			defer func() { _ = ns.Close() }()
			sinks = append(sinks, ns)
		}
	}
	if rt.BlobEnabled() {
		bs, err := jobreport.NewBlobSink(rt.BlobConnectionString, rt.BlobContainer, rt.BlobPrefix, logger)
		if err != nil {
			logger.Warn("Job report will not be uploaded", zap.Error(err))
		} else {
			sinks = append(sinks, bs.WithMetadata(map[string]string{"environment": rt.Environment}))
		}
	}
	if len(sinks) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return jobreport.NewPublisher(logger, sinks...).Publish(ctx, r, name)
}
