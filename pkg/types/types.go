package types

import (
	"encoding/json"
	"maps"
	"slices"
	"strconv"
	"strings"
)

// Availability is the node availability reported to the scheduler
type Availability int

const (
	AvailabilityAlwaysOn Availability = iota
	AvailabilityAvailable
	AvailabilityOccupied
)

func (a Availability) String() string {
	switch a {
	case AvailabilityAlwaysOn:
		return "AlwaysOn"
	case AvailabilityAvailable:
		return "Available"
	case AvailabilityOccupied:
		return "Occupied"
	default:
		return "Unknown"
	}
}

// TaskInfo is the live status of one task on this node
type TaskInfo struct {
	JobId               int
	TaskId              int
	TaskRequeueCount    int
	ExitCode            int
	Exited              bool
	KernelProcessorTime int64 // microseconds
	UserProcessorTime   int64 // microseconds
	WorkingSet          int64 // kilobytes
	NumberOfProcesses   int
	PrimaryTask         bool
	Message             string
	ProcessIds          []int

	// AttemptId guards removal against completions of superseded attempts
	AttemptId uint64
}

// AttemptID combines the requeue count and task id into the removal token
func AttemptID(taskID, requeueCount int) uint64 {
	return uint64(uint32(requeueCount))<<32 | uint64(uint32(taskID))
}

type taskInfoJSON struct {
	TaskId              int
	TaskRequeueCount    int
	ExitCode            int
	Exited              bool
	KernelProcessorTime int64
	UserProcessorTime   int64
	WorkingSet          int64
	NumberOfProcesses   int
	PrimaryTask         bool
	Message             string
	ProcessIds          string
}

// MarshalJSON writes the wire shape the scheduler expects: process ids
// are a comma-joined string and the attempt id stays local.
func (t TaskInfo) MarshalJSON() ([]byte, error) {
	ids := make([]string, 0, len(t.ProcessIds))
	for _, pid := range t.ProcessIds {
		ids = append(ids, strconv.Itoa(pid))
	}
	return json.Marshal(taskInfoJSON{
		TaskId:              t.TaskId,
		TaskRequeueCount:    t.TaskRequeueCount,
		ExitCode:            t.ExitCode,
		Exited:              t.Exited,
		KernelProcessorTime: t.KernelProcessorTime,
		UserProcessorTime:   t.UserProcessorTime,
		WorkingSet:          t.WorkingSet,
		NumberOfProcesses:   t.NumberOfProcesses,
		PrimaryTask:         t.PrimaryTask,
		Message:             t.Message,
		ProcessIds:          strings.Join(ids, ","),
	})
}

// UnmarshalJSON is the inverse of MarshalJSON. JobId is not part of the
// task shape and is left untouched.
func (t *TaskInfo) UnmarshalJSON(data []byte) error {
	var raw taskInfoJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	t.TaskId = raw.TaskId
	t.TaskRequeueCount = raw.TaskRequeueCount
	t.ExitCode = raw.ExitCode
	t.Exited = raw.Exited
	t.KernelProcessorTime = raw.KernelProcessorTime
	t.UserProcessorTime = raw.UserProcessorTime
	t.WorkingSet = raw.WorkingSet
	t.NumberOfProcesses = raw.NumberOfProcesses
	t.PrimaryTask = raw.PrimaryTask
	t.Message = raw.Message
	t.ProcessIds = nil
	for _, s := range strings.Split(raw.ProcessIds, ",") {
		if s = strings.TrimSpace(s); s == "" {
			continue
		}
		pid, err := strconv.Atoi(s)
		if err != nil {
			return err
		}
		t.ProcessIds = append(t.ProcessIds, pid)
	}
	t.AttemptId = AttemptID(t.TaskId, t.TaskRequeueCount)
	return nil
}

// Clone returns a deep copy
func (t *TaskInfo) Clone() *TaskInfo {
	c := *t
	if t.ProcessIds != nil {
		c.ProcessIds = append([]int(nil), t.ProcessIds...)
	}
	return &c
}

// JobInfo groups the tasks of one job
type JobInfo struct {
	JobId int
	Tasks map[int]*TaskInfo
}

type jobInfoJSON struct {
	JobId int
	Tasks []*TaskInfo
}

// MarshalJSON writes tasks as an array ordered by task id
func (j JobInfo) MarshalJSON() ([]byte, error) {
	return json.Marshal(jobInfoJSON{JobId: j.JobId, Tasks: j.SortedTasks()})
}

// UnmarshalJSON reads the array form written by MarshalJSON
func (j *JobInfo) UnmarshalJSON(data []byte) error {
	var raw jobInfoJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	j.JobId = raw.JobId
	j.Tasks = make(map[int]*TaskInfo, len(raw.Tasks))
	for _, t := range raw.Tasks {
		t.JobId = raw.JobId
		j.Tasks[t.TaskId] = t
	}
	return nil
}

// SortedTasks returns the tasks ordered by task id
func (j *JobInfo) SortedTasks() []*TaskInfo {
	tasks := make([]*TaskInfo, 0, len(j.Tasks))
	for _, id := range slices.Sorted(maps.Keys(j.Tasks)) {
		tasks = append(tasks, j.Tasks[id])
	}
	return tasks
}

// Clone returns a deep copy
func (j *JobInfo) Clone() *JobInfo {
	c := &JobInfo{JobId: j.JobId, Tasks: make(map[int]*TaskInfo, len(j.Tasks))}
	for id, t := range j.Tasks {
		c.Tasks[id] = t.Clone()
	}
	return c
}

// NodeInfo is the snapshot sent on every node report
type NodeInfo struct {
	Availability Availability
	JustStarted  bool
	MacAddress   string
	Name         string
	Jobs         []*JobInfo
}

// ProcessStartInfo describes the command a task runs
type ProcessStartInfo struct {
	CommandLine          string            `json:"commandLine"`
	WorkingDirectory     string            `json:"workingDirectory"`
	StdIn                string            `json:"stdin"`
	StdOut               string            `json:"stdout"`
	StdErr               string            `json:"stderr"`
	Affinity             []int64           `json:"affinity"`
	EnvironmentVariables map[string]string `json:"environmentVariables"`
	TaskRequeueCount     int               `json:"taskRequeueCount"`
}

// StartJobAndTaskArgs is the body of startjobandtask
type StartJobAndTaskArgs struct {
	JobId            int
	TaskId           int
	ProcessStartInfo ProcessStartInfo
	UserName         string
	Password         string `json:"Password,omitempty"`
}

// StartTaskArgs is the body of starttask
type StartTaskArgs struct {
	JobId            int
	TaskId           int
	ProcessStartInfo ProcessStartInfo
}

// EndJobArgs is the body of endjob
type EndJobArgs struct {
	JobId int
}

// EndTaskArgs is the body of endtask
type EndTaskArgs struct {
	JobId                        int
	TaskId                       int
	TaskCancelGracePeriodSeconds int
}

// PeekTaskOutputArgs is the body of peektaskoutput
type PeekTaskOutputArgs struct {
	JobId  int
	TaskId int
}

// TaskCompletionArgs is posted to the per-task callback uri
type TaskCompletionArgs struct {
	JobId    int
	TaskInfo *TaskInfo
}

// MetricCounter describes one counter to collect. An empty InstanceName,
// or one containing '*', is a filter resolved to concrete instances.
type MetricCounter struct {
	Path         string
	MetricId     uint16
	InstanceId   uint16
	InstanceName string
}

// IsFilter reports whether the instance name must be resolved
func (c MetricCounter) IsFilter() bool {
	return c.InstanceName == "" || strings.Contains(c.InstanceName, "*")
}

// MetricCountersConfig is the body of metricconfig
type MetricCountersConfig struct {
	MetricCounters []MetricCounter
}

// Umid identifies one (metric, instance) pair
type Umid struct {
	MetricId   uint16
	InstanceId uint16
}

// MetricReport is the JSON form of a metric report
type MetricReport struct {
	Name            string
	Time            string
	Umids           []Umid
	Values          []float32
	TickCount       int
	IpAddress       string
	CoreCount       int
	SocketCount     int
	MemoryMegabytes float64
}

// NetworkInfo describes one network interface
type NetworkInfo struct {
	Name       string
	MacAddress string
	IpV4       string
	IpV6       string
	IsIB       bool
}

// RegisterInfo is posted on every register report
type RegisterInfo struct {
	NodeName        string
	Time            string
	IpAddress       string
	CoreCount       int
	SocketCount     int
	MemoryMegabytes float64
	DistroInfo      string
	NetworksInfo    []NetworkInfo
}
