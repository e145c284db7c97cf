package executor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cuemby/hpcagent/pkg/events"
	"github.com/cuemby/hpcagent/pkg/log"
	"github.com/cuemby/hpcagent/pkg/process"
	"github.com/cuemby/hpcagent/pkg/reporter"
	"github.com/cuemby/hpcagent/pkg/storage"
	"github.com/cuemby/hpcagent/pkg/tasktable"
	"github.com/cuemby/hpcagent/pkg/types"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"golang.org/x/time/rate"
)

// ErrInvalidArgs is returned for requests that cannot name a task
var ErrInvalidArgs = errors.New("executor: invalid arguments")

// URIResolver expands {ServiceName} placeholders in report targets
type URIResolver interface {
	ResolveURI(ctx context.Context, template string) (string, error)
}

// MetricSource produces the metric and register payloads
type MetricSource interface {
	MetricReport() ([]byte, error)
	PacketData() ([]byte, error)
	RegisterInfo() ([]byte, error)
	ApplyMetricConfig(ctx context.Context, cfg types.MetricCountersConfig) <-chan struct{}
	ResetMetricConfig()
}

// HTTPClient posts task completion callbacks
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config holds executor configuration
type Config struct {
	ScratchDir string
	Shell      string

	HeartbeatURI      string
	HeartbeatInterval time.Duration
	MetricURI         string
	MetricInterval    time.Duration
	RegisterURI       string
	RegisterInterval  time.Duration

	// ReportTimeout bounds one HTTP report
	ReportTimeout time.Duration

	// StopTimeout bounds how long Stop waits for killed tasks to report
	StopTimeout time.Duration
}

// Deps are the collaborators shared with the rest of the agent
type Deps struct {
	Table    *tasktable.Table
	Resolver URIResolver
	Metrics  MetricSource
	Store    storage.Store
	Broker   *events.Broker
	Callback HTTPClient
}

// Executor turns inbound requests into supervised processes and keeps
// the standing reporters pointed at the scheduler.
type Executor struct {
	cfg      Config
	table    *tasktable.Table
	resolver URIResolver
	metrics  MetricSource
	store    storage.Store
	broker   *events.Broker
	callback HTTPClient
	logger   zerolog.Logger

	resolveLimiter *rate.Limiter

	// processesMu is never held while calling into the table
	processesMu sync.Mutex
	processes   map[taskKey]*process.Process

	// markersMu serializes target changes from compare to commit
	markersMu sync.Mutex
	targetsMu sync.RWMutex
	nodeURI   string
	metricURI string

	reportersMu sync.Mutex
	node        *reporter.Reporter
	metric      *reporter.Reporter
	register    *reporter.Reporter

	// retired tracks replaced reporters still finishing a send
	retired sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an executor. Nothing runs until Start.
func New(cfg Config, deps Deps) *Executor {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.MetricInterval <= 0 {
		cfg.MetricInterval = time.Second
	}
	if cfg.RegisterInterval <= 0 {
		cfg.RegisterInterval = 300 * time.Second
	}
	if cfg.ReportTimeout <= 0 {
		cfg.ReportTimeout = 10 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	if deps.Table == nil {
		deps.Table = tasktable.New("")
	}
	if deps.Store == nil {
		deps.Store = storage.NewMarkerStore(afero.NewMemMapFs())
	}
	if deps.Callback == nil {
		deps.Callback = NewCallbackClient(DefaultCallbackRetries, cfg.ReportTimeout)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		cfg:            cfg,
		table:          deps.Table,
		resolver:       deps.Resolver,
		metrics:        deps.Metrics,
		store:          deps.Store,
		broker:         deps.Broker,
		callback:       deps.Callback,
		logger:         log.WithComponent("executor"),
		resolveLimiter: rate.NewLimiter(rate.Every(30*time.Second), 1),
		processes:      make(map[taskKey]*process.Process),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Table returns the task table the executor registers tasks in
func (e *Executor) Table() *tasktable.Table {
	return e.table
}

// StartJobAndTask prepares the job and starts its first task
func (e *Executor) StartJobAndTask(args types.StartJobAndTaskArgs, callbackURI string) (*types.TaskInfo, error) {
	if args.UserName != "" {
		e.logger.Debug().Int("job_id", args.JobId).Str("user", args.UserName).Msg("Running task as the agent user")
	}
	e.logger.Debug().Int("job_id", args.JobId).Msg("Job environment prepared")

	return e.StartTask(types.StartTaskArgs{
		JobId:            args.JobId,
		TaskId:           args.TaskId,
		ProcessStartInfo: args.ProcessStartInfo,
	}, callbackURI)
}

// StartTask registers the task and spawns its process. A task already in
// the table is returned as is.
func (e *Executor) StartTask(args types.StartTaskArgs, callbackURI string) (*types.TaskInfo, error) {
	if args.JobId < 0 || args.TaskId < 0 {
		return nil, fmt.Errorf("%w: job %d task %d", ErrInvalidArgs, args.JobId, args.TaskId)
	}

	requeue := args.ProcessStartInfo.TaskRequeueCount
	logger := log.WithTask(args.JobId, args.TaskId, requeue)

	task, isNew := e.table.AddJobAndTask(args.JobId, args.TaskId, requeue)
	if !isNew {
		logger.Info().Msg("Task already registered, not starting a new process")
		return task, nil
	}

	var proc *process.Process
	proc = process.New(process.Config{
		JobID:        args.JobId,
		TaskID:       args.TaskId,
		RequeueCount: requeue,
		StartInfo:    args.ProcessStartInfo,
		ScratchRoot:  e.cfg.ScratchDir,
		Shell:        e.cfg.Shell,
		OnComplete: func(res process.Result) {
			e.onComplete(proc, task, callbackURI, res)
		},
	})

	e.processesMu.Lock()
	e.processes[keyOf(args.JobId, args.TaskId)] = proc
	e.processesMu.Unlock()

	e.broker.Publish(&events.Event{
		Type:   events.EventTaskStarted,
		JobID:  args.JobId,
		TaskID: args.TaskId,
	})

	pid, err := proc.Start()
	if err != nil {
		logger.Warn().Err(err).Msg("Task failed to start")
		return task, nil
	}

	e.table.UpdateTask(args.JobId, args.TaskId, task.AttemptId, func(t *types.TaskInfo) {
		if !t.Exited {
			t.ProcessIds = []int{pid}
			t.NumberOfProcesses = 1
		}
	})
	logger.Info().Int("pid", pid).Str("callback_uri", callbackURI).Msg("Task started")

	if latest, ok := e.table.GetTask(args.JobId, args.TaskId); ok {
		return latest, nil
	}
	return task, nil
}

// EndJob removes the job and kills every task it held. Completion of
// the killed tasks is reported through their callbacks.
func (e *Executor) EndJob(args types.EndJobArgs) (*types.JobInfo, error) {
	job, ok := e.table.RemoveJob(args.JobId)
	if !ok {
		e.logger.Debug().Int("job_id", args.JobId).Msg("EndJob for unknown job")
		return nil, nil
	}

	killed := 0
	for _, task := range job.SortedTasks() {
		if proc := e.supervisor(args.JobId, task.TaskId); proc != nil {
			proc.Kill(types.EndJobExitCode, 0)
			killed++
		}
	}

	logger := log.WithJob(args.JobId)
	logger.Info().Int("tasks", len(job.Tasks)).Int("killed", killed).Msg("Job ended")
	e.broker.Publish(&events.Event{Type: events.EventJobEnded, JobID: args.JobId})
	return job, nil
}

// EndTask kills one task, with SIGTERM first when a grace period is
// given. An unknown task is not an error.
func (e *Executor) EndTask(args types.EndTaskArgs) (*types.TaskInfo, error) {
	if args.TaskCancelGracePeriodSeconds < 0 {
		return nil, fmt.Errorf("%w: negative grace period %d", ErrInvalidArgs, args.TaskCancelGracePeriodSeconds)
	}

	proc := e.supervisor(args.JobId, args.TaskId)
	if proc == nil {
		e.logger.Debug().Int("job_id", args.JobId).Int("task_id", args.TaskId).Msg("EndTask for unknown task")
		return nil, nil
	}

	grace := time.Duration(args.TaskCancelGracePeriodSeconds) * time.Second
	proc.Kill(types.EndTaskExitCode, grace)

	e.logger.Info().Int("job_id", args.JobId).Int("task_id", args.TaskId).Dur("grace", grace).Msg("Task end requested")
	e.broker.Publish(&events.Event{Type: events.EventTaskKilled, JobID: args.JobId, TaskID: args.TaskId})

	task, ok := e.table.GetTask(args.JobId, args.TaskId)
	if !ok {
		return nil, nil
	}
	return task, nil
}

// PeekTaskOutput returns the current output tail of a running task
func (e *Executor) PeekTaskOutput(args types.PeekTaskOutputArgs) (string, error) {
	proc := e.supervisor(args.JobId, args.TaskId)
	if proc == nil {
		return "", nil
	}
	return proc.PeekOutput(), nil
}

// Ping points the node reporter at callbackURI and asks for a full
// resync on the next report.
func (e *Executor) Ping(callbackURI string) error {
	if callbackURI != "" {
		changed, err := e.setTarget(storage.MarkerReportURI, callbackURI)
		if err != nil {
			return err
		}
		if changed {
			e.restartNodeReporter()
		}
	}
	e.table.RequestResync()
	return nil
}

// Metric points the metric reporter at callbackURI
func (e *Executor) Metric(callbackURI string) error {
	if callbackURI == "" {
		return nil
	}
	changed, err := e.setTarget(storage.MarkerMetricReportURI, callbackURI)
	if err != nil {
		return err
	}
	if changed {
		e.restartMetricReporter()
	}
	return nil
}

// MetricConfig replaces the configured counters. A callback uri also
// retargets the metric reporter.
func (e *Executor) MetricConfig(cfg types.MetricCountersConfig, callbackURI string) error {
	if err := e.Metric(callbackURI); err != nil {
		return err
	}
	if e.metrics == nil {
		return nil
	}

	e.metrics.ResetMetricConfig()
	e.metrics.ApplyMetricConfig(e.ctx, cfg)
	e.logger.Info().Int("counters", len(cfg.MetricCounters)).Msg("Metric configuration applied")
	return nil
}

// Start restores the last report targets and starts the reporters
func (e *Executor) Start() error {
	nodeURI, err := e.store.Read(storage.MarkerReportURI)
	if err != nil {
		return fmt.Errorf("failed to read %s marker: %w", storage.MarkerReportURI, err)
	}
	metricURI, err := e.store.Read(storage.MarkerMetricReportURI)
	if err != nil {
		return fmt.Errorf("failed to read %s marker: %w", storage.MarkerMetricReportURI, err)
	}

	e.targetsMu.Lock()
	e.nodeURI = nodeURI
	e.metricURI = metricURI
	e.targetsMu.Unlock()

	e.restartNodeReporter()
	e.restartMetricReporter()
	e.startRegisterReporter()

	e.logger.Info().
		Str("report_uri", e.nodeTemplate()).
		Str("metric_uri", e.metricTemplate()).
		Msg("Executor started")
	return nil
}

// Stop stops the reporters and kills every live task
func (e *Executor) Stop() {
	e.cancel()

	e.reportersMu.Lock()
	for _, r := range []*reporter.Reporter{e.node, e.metric, e.register} {
		if r != nil {
			r.Stop()
		}
	}
	e.node, e.metric, e.register = nil, nil, nil
	e.reportersMu.Unlock()
	e.retired.Wait()

	e.processesMu.Lock()
	live := make([]*process.Process, 0, len(e.processes))
	for _, proc := range e.processes {
		live = append(live, proc)
	}
	e.processesMu.Unlock()

	for _, proc := range live {
		proc.Kill(types.DefaultExitCode, 0)
	}

	deadline := time.NewTimer(e.cfg.StopTimeout)
	defer deadline.Stop()
	for _, proc := range live {
		select {
		case <-proc.Done():
		case <-deadline.C:
			e.logger.Warn().Int("pending", len(live)).Msg("Timed out waiting for tasks to finish")
			return
		}
	}
	e.logger.Info().Int("killed", len(live)).Msg("Executor stopped")
}

// taskKey identifies a supervisor; task ids repeat across jobs
type taskKey struct {
	jobID  int
	taskID int
}

func keyOf(jobID, taskID int) taskKey {
	return taskKey{jobID: jobID, taskID: taskID}
}

func (e *Executor) supervisor(jobID, taskID int) *process.Process {
	e.processesMu.Lock()
	defer e.processesMu.Unlock()
	return e.processes[keyOf(jobID, taskID)]
}

// releaseSupervisor erases the entry only when it still belongs to proc
func (e *Executor) releaseSupervisor(jobID, taskID int, proc *process.Process) {
	e.processesMu.Lock()
	defer e.processesMu.Unlock()
	key := keyOf(jobID, taskID)
	if e.processes[key] == proc {
		delete(e.processes, key)
	}
}

// LiveTasks returns the number of tasks with a running supervisor
func (e *Executor) LiveTasks() int {
	e.processesMu.Lock()
	defer e.processesMu.Unlock()
	return len(e.processes)
}
