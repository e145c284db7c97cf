package tasktable

import (
	"encoding/json"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/cuemby/hpcagent/pkg/log"
	"github.com/cuemby/hpcagent/pkg/types"
	"github.com/rs/zerolog"
)

// Table is the authoritative in-memory Job -> Task tree of this node
type Table struct {
	mu   sync.RWMutex
	jobs map[int]*types.JobInfo

	availability types.Availability
	macAddress   string
	name         string

	justStarted atomic.Bool

	logger zerolog.Logger
}

// New creates an empty table. JustStarted is set so the first report
// tells the scheduler this node has (re)joined.
func New(name string) *Table {
	t := &Table{
		jobs:         make(map[int]*types.JobInfo),
		availability: types.AvailabilityAlwaysOn,
		name:         name,
		logger:       log.WithComponent("tasktable"),
	}
	t.justStarted.Store(true)
	return t
}

// SetMacAddress sets the MAC reported in snapshots
func (t *Table) SetMacAddress(mac string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.macAddress = mac
}

// SetName sets the node name reported in snapshots
func (t *Table) SetName(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.name = name
}

// SetAvailability sets the availability reported in snapshots
func (t *Table) SetAvailability(a types.Availability) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.availability = a
}

// AddJobAndTask creates or fetches the record for (jobID, taskID). isNew
// tells the caller whether a process should be spawned. The returned
// record is a copy.
func (t *Table) AddJobAndTask(jobID, taskID, requeueCount int) (*types.TaskInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, ok := t.jobs[jobID]
	if !ok {
		job = &types.JobInfo{JobId: jobID, Tasks: make(map[int]*types.TaskInfo)}
		t.jobs[jobID] = job
	}

	if task, ok := job.Tasks[taskID]; ok {
		if requeueCount > task.TaskRequeueCount {
			t.logger.Warn().
				Int("job_id", jobID).
				Int("task_id", taskID).
				Int("old_requeue", task.TaskRequeueCount).
				Int("new_requeue", requeueCount).
				Msg("Task requeue count increased")
			// AttemptId stays with the live attempt that will remove it
			task.TaskRequeueCount = requeueCount
		}
		return task.Clone(), false
	}

	task := &types.TaskInfo{
		JobId:            jobID,
		TaskId:           taskID,
		TaskRequeueCount: requeueCount,
		ExitCode:         types.DefaultExitCode,
		AttemptId:        types.AttemptID(taskID, requeueCount),
	}
	job.Tasks[taskID] = task
	return task.Clone(), true
}

// GetTask returns a copy of the record
func (t *Table) GetTask(jobID, taskID int) (*types.TaskInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	task := t.lookup(jobID, taskID)
	if task == nil {
		return nil, false
	}
	return task.Clone(), true
}

// UpdateTask applies fn to the stored record when attemptID matches
func (t *Table) UpdateTask(jobID, taskID int, attemptID uint64, fn func(*types.TaskInfo)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	task := t.lookup(jobID, taskID)
	if task == nil || task.AttemptId != attemptID {
		return false
	}
	fn(task)
	return true
}

// RemoveJob detaches the job and returns it. Terminating its tasks is
// the caller's job.
func (t *Table) RemoveJob(jobID int) (*types.JobInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, ok := t.jobs[jobID]
	if !ok {
		return nil, false
	}
	delete(t.jobs, jobID)
	return job, true
}

// RemoveTask removes the record only when attemptID matches the stored
// one. A mismatch is expected under retries and is not an error.
func (t *Table) RemoveTask(jobID, taskID int, attemptID uint64) (*types.TaskInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, ok := t.jobs[jobID]
	if !ok {
		return nil, false
	}
	task, ok := job.Tasks[taskID]
	if !ok || task.AttemptId != attemptID {
		return nil, false
	}
	delete(job.Tasks, taskID)
	return task, true
}

// TaskCount returns the number of tasks across all jobs
func (t *Table) TaskCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, job := range t.jobs {
		n += len(job.Tasks)
	}
	return n
}

// RequestResync makes the next snapshot carry JustStarted=true
func (t *Table) RequestResync() {
	t.justStarted.Store(true)
}

// Snapshot deep-copies the tree under the reader lock and clears
// JustStarted.
func (t *Table) Snapshot() types.NodeInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()

	info := types.NodeInfo{
		Availability: t.availability,
		JustStarted:  t.justStarted.Swap(false),
		MacAddress:   t.macAddress,
		Name:         t.name,
		Jobs:         make([]*types.JobInfo, 0, len(t.jobs)),
	}
	for _, id := range slices.Sorted(maps.Keys(t.jobs)) {
		info.Jobs = append(info.Jobs, t.jobs[id].Clone())
	}
	return info
}

// ToJSON serializes a snapshot
func (t *Table) ToJSON() ([]byte, error) {
	return json.Marshal(t.Snapshot())
}

func (t *Table) lookup(jobID, taskID int) *types.TaskInfo {
	job, ok := t.jobs[jobID]
	if !ok {
		return nil
	}
	return job.Tasks[taskID]
}
