// Package jobreport records what a job did (input files, runs, lumis,
// events, worker topology and failures) and publishes the summary to one or
// more sinks when the job ends.
package jobreport

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wehubfusion/Helios/pkg/activity"
	"github.com/wehubfusion/Helios/pkg/source"
)

// Role of the process that wrote a report
type Role string

const (
	RoleSingle Role = "single"
	RoleParent Role = "parent"
	RoleChild  Role = "child"
)

// Summary is the serialised form of a report.
type Summary struct {
	JobID       string    `json:"jobId"`
	ProcessGUID string    `json:"processGuid"`
	Role        Role      `json:"role"`
	ChildIndex  int       `json:"childIndex,omitempty"`
	Children    int       `json:"children,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end,omitempty"`
	InputFiles  []string  `json:"inputFiles"`
	Runs        []uint32  `json:"runs"`
	Lumis       int64     `json:"lumis"`
	Events      int64     `json:"events"`
	Errors      []string  `json:"errors,omitempty"`
}

// Report accumulates the job summary. It is safe for concurrent use; event
// counts are updated from every stream.
type Report struct {
	logger *zap.Logger

	mu          sync.Mutex
	jobID       uuid.UUID
	processGUID uuid.UUID
	role        Role
	childIndex  int
	children    int
	start       time.Time
	end         time.Time
	files       []string
	runs        map[uint32]struct{}
	errs        []string

	lumis  atomic.Int64
	events atomic.Int64
}

// New creates an empty report for a new job
func New(logger *zap.Logger) *Report {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Report{
		logger:      logger.Named("JobReport"),
		jobID:       uuid.New(),
		processGUID: uuid.New(),
		role:        RoleSingle,
		runs:        make(map[uint32]struct{}),
	}
}

// Attach subscribes the report to the lifecycle signals it records
func (r *Report) Attach(reg *activity.Registry) {
	reg.WatchPreBeginJob(func() {
		r.mu.Lock()
		r.start = time.Now()
		r.mu.Unlock()
	})
	reg.WatchPostEndJob(func() {
		r.mu.Lock()
		r.end = time.Now()
		r.mu.Unlock()
	})
	reg.WatchPostOpenFile(func(fb *source.FileBlock) {
		r.mu.Lock()
		r.files = append(r.files, fb.Name)
		r.mu.Unlock()
	})
	reg.WatchPostBeginRun(func(run uint32) {
		r.mu.Lock()
		r.runs[run] = struct{}{}
		r.mu.Unlock()
	})
	reg.WatchPostBeginLumi(func(run, lumi uint32) { r.lumis.Add(1) })
	reg.WatchPostEvent(func(stream int, run, lumi uint32, event uint64) { r.events.Add(1) })
}

// SetJobID makes the report share the job id of another process, so worker
// reports can be matched with their parent's.
func (r *Report) SetJobID(id uuid.UUID) {
	r.mu.Lock()
	r.jobID = id
	r.mu.Unlock()
}

// JobID returns the job identifier
func (r *Report) JobID() uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jobID
}

// ParentBeforeFork marks this process as the orchestrator of n workers
func (r *Report) ParentBeforeFork(file string, n int) {
	r.mu.Lock()
	r.role = RoleParent
	r.children = n
	r.mu.Unlock()
	r.logger.Info("Parent report before fork", zap.String("file", file), zap.Int("children", n))
}

// ParentAfterFork is called once every worker has been started
func (r *Report) ParentAfterFork(file string) {
	r.logger.Debug("Parent report after fork", zap.String("file", file))
}

// ChildAfterFork turns the report into the report of worker index out of n.
// Counts gathered before the workers split are dropped.
func (r *Report) ChildAfterFork(file string, index, n int) {
	r.mu.Lock()
	r.role = RoleChild
	r.childIndex = index
	r.children = n
	r.processGUID = uuid.New()
	r.runs = make(map[uint32]struct{})
	r.mu.Unlock()
	r.lumis.Store(0)
	r.events.Store(0)
	r.logger.Info("Child report after fork", zap.String("file", r.Path(file)), zap.Int("index", index))
}

// ReportError records a failure of the job or of a worker
func (r *Report) ReportError(err error) {
	if err == nil {
		return
	}
	r.mu.Lock()
	r.errs = append(r.errs, err.Error())
	r.mu.Unlock()
}

// Path returns where this process writes a report whose configured name is
// base. Workers append their index.
func (r *Report) Path(base string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if base == "" || r.role != RoleChild {
		return base
	}
	return fmt.Sprintf("%s_%d", base, r.childIndex)
}

// Summary returns a snapshot of the report
func (r *Report) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	runs := make([]uint32, 0, len(r.runs))
	for run := range r.runs {
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i] < runs[j] })
	s := Summary{
		JobID:       r.jobID.String(),
		ProcessGUID: r.processGUID.String(),
		Role:        r.role,
		Children:    r.children,
		Start:       r.start,
		End:         r.end,
		InputFiles:  append([]string{}, r.files...),
		Runs:        runs,
		Lumis:       r.lumis.Load(),
		Events:      r.events.Load(),
		Errors:      append([]string(nil), r.errs...),
	}
	if r.role == RoleChild {
		s.ChildIndex = r.childIndex
	}
	return s
}

// EnvJobID carries the job id from the orchestrator to its workers
const EnvJobID = "HELIOS_JOB_ID"

// AdoptJobIDFromEnv takes the job id exported by a parent process, if any
func (r *Report) AdoptJobIDFromEnv() {
	if v, ok := os.LookupEnv(EnvJobID); ok {
		if id, err := uuid.Parse(v); err == nil {
			r.SetJobID(id)
		}
	}
}
