package eventprocessor

import (
	"strings"

	"go.uber.org/zap"

	sdkerrors "github.com/wehubfusion/Helios/pkg/errors"
	"github.com/wehubfusion/Helios/pkg/eventsetup"
	"github.com/wehubfusion/Helios/pkg/params"
)

// Options are the values of the `options` block of the job configuration.
type Options struct {
	NumberOfThreads                   int
	NumberOfStreams                   int
	FileMode                          string
	EmptyRunLumiMode                  string
	ForceEventSetupCacheClearOnNewRun bool
	ThrowIfIllegalParameter           bool
	PrintDependencies                 bool
	MultiProcesses                    MultiProcessOptions
}

// MultiProcessOptions configure the worker process mode
type MultiProcessOptions struct {
	MaxChildProcesses           int
	MaxSequentialEventsPerChild uint64
	SetCPUAffinity              bool
	ContinueAfterChildFailure   bool
	ExcludeFromPrefetching      eventsetup.ExclusionMap
}

var (
	optionKeys = []string{
		"numberOfThreads",
		"numberOfStreams",
		"numberOfConcurrentRuns",
		"numberOfConcurrentLuminosityBlocks",
		"fileMode",
		"emptyRunLumiMode",
		"forceEventSetupCacheClearOnNewRun",
		"throwIfIllegalParameter",
		"printDependencies",
		"multiProcesses",
	}
	multiProcessKeys = []string{
		"maxChildProcesses",
		"maxSequentialEventsPerChild",
		"setCpuAffinity",
		"continueAfterChildFailure",
		"eventSetupDataToExcludeFromPrefetching",
	}
	exclusionKeys = []string{"record", "type", "label"}
)

// ParseOptions reads and validates the `options` block. Unknown names are a
// Configuration error when throwIfIllegalParameter is set (the default) and
// a warning otherwise.
func ParseOptions(pset *params.ParameterSet, logger *zap.Logger) (Options, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := Options{
		NumberOfThreads:         int(pset.GetInt("numberOfThreads", 1)),
		NumberOfStreams:         int(pset.GetInt("numberOfStreams", 1)),
		FileMode:                pset.GetString("fileMode", ""),
		EmptyRunLumiMode:        pset.GetString("emptyRunLumiMode", ""),
		ThrowIfIllegalParameter: pset.GetBool("throwIfIllegalParameter", true),
		PrintDependencies:       pset.GetBool("printDependencies", false),
	}
	o.ForceEventSetupCacheClearOnNewRun = pset.GetBool("forceEventSetupCacheClearOnNewRun", false)

	mp := pset.GetPSet("multiProcesses")
	o.MultiProcesses = MultiProcessOptions{
		MaxChildProcesses:           int(mp.GetInt("maxChildProcesses", 0)),
		MaxSequentialEventsPerChild: mp.GetUint("maxSequentialEventsPerChild", 1),
		SetCPUAffinity:              mp.GetBool("setCpuAffinity", false),
		ContinueAfterChildFailure:   mp.GetBool("continueAfterChildFailure", false),
	}
	exclusions := mp.GetPSetVector("eventSetupDataToExcludeFromPrefetching")
	o.MultiProcesses.ExcludeFromPrefetching = eventsetup.ExclusionMapFromParameterSets(exclusions)

	var illegal []string
	illegal = append(illegal, pset.UnknownKeys(optionKeys...)...)
	for _, k := range mp.UnknownKeys(multiProcessKeys...) {
		illegal = append(illegal, "multiProcesses."+k)
	}
	for _, e := range exclusions {
		for _, k := range e.UnknownKeys(exclusionKeys...) {
			illegal = append(illegal, "multiProcesses.eventSetupDataToExcludeFromPrefetching."+k)
		}
	}
	if len(illegal) > 0 {
		if o.ThrowIfIllegalParameter {
			return o, sdkerrors.Newf(sdkerrors.Configuration, "Illegal parameters found in options: %s", strings.Join(illegal, ", "))
		}
		logger.Warn("Ignoring illegal parameters in options", zap.Strings("parameters", illegal))
	}

	if o.NumberOfThreads < 0 {
		return o, sdkerrors.Newf(sdkerrors.Configuration, "numberOfThreads must not be negative, got %d", o.NumberOfThreads)
	}
	if o.NumberOfStreams < 0 {
		return o, sdkerrors.Newf(sdkerrors.Configuration, "numberOfStreams must not be negative, got %d", o.NumberOfStreams)
	}
	if o.MultiProcesses.MaxChildProcesses < 0 {
		return o, sdkerrors.Newf(sdkerrors.Configuration, "multiProcesses.maxChildProcesses must not be negative, got %d", o.MultiProcesses.MaxChildProcesses)
	}
	if o.NumberOfThreads == 0 {
		o.NumberOfThreads = 1
	}
	if o.NumberOfStreams == 0 {
		o.NumberOfStreams = o.NumberOfThreads
	}
	if o.MultiProcesses.MaxSequentialEventsPerChild == 0 {
		o.MultiProcesses.MaxSequentialEventsPerChild = 1
	}
	return o, nil
}
