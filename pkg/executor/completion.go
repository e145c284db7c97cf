package executor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cuemby/hpcagent/pkg/events"
	"github.com/cuemby/hpcagent/pkg/log"
	"github.com/cuemby/hpcagent/pkg/metrics"
	"github.com/cuemby/hpcagent/pkg/process"
	"github.com/cuemby/hpcagent/pkg/types"
	"github.com/sethgrid/pester"
)

// DefaultCallbackRetries is the number of tries for one completion callback
const DefaultCallbackRetries = 3

// NewCallbackClient creates the retrying client used for completion
// callbacks.
func NewCallbackClient(retries int, timeout time.Duration) *pester.Client {
	logger := log.WithComponent("executor")

	client := pester.New()
	client.Backoff = pester.ExponentialBackoff
	client.MaxRetries = retries
	client.Timeout = timeout
	client.LogHook = func(e pester.ErrEntry) {
		logger.Warn().Err(e.Err).Str("url", e.URL).Int("attempt", e.Attempt).Msg("Retrying task completion callback")
	}
	return client
}

// applyResult copies the final process status into a task record
func applyResult(t *types.TaskInfo, res process.Result) {
	t.Exited = true
	t.ExitCode = res.ExitCode
	t.Message = res.Message
	t.UserProcessorTime = res.UserTime.Microseconds()
	t.KernelProcessorTime = res.KernelTime.Microseconds()
	t.WorkingSet = res.MaxRSSKB
	if len(res.ProcessIds) > 0 {
		t.ProcessIds = append([]int(nil), res.ProcessIds...)
		t.NumberOfProcesses = len(res.ProcessIds)
	}
}

// onComplete runs on the supervising goroutine once the process is gone.
// The record is updated and removed first so the next snapshot no longer
// lists the task, then the caller is notified.
func (e *Executor) onComplete(proc *process.Process, task *types.TaskInfo, callbackURI string, res process.Result) {
	logger := log.WithTask(task.JobId, task.TaskId, task.TaskRequeueCount)

	e.table.UpdateTask(task.JobId, task.TaskId, task.AttemptId, func(t *types.TaskInfo) {
		applyResult(t, res)
	})

	final, removed := e.table.RemoveTask(task.JobId, task.TaskId, task.AttemptId)
	if !removed {
		// ended with its job, or superseded by a newer attempt
		final = task.Clone()
		applyResult(final, res)
	}

	logger.Info().
		Int("exit_code", res.ExitCode).
		Str("state", res.State.String()).
		Bool("removed", removed).
		Msg("Task completed")

	if callbackURI != "" {
		if err := e.postCompletion(callbackURI, final); err != nil {
			metrics.CallbacksTotal.WithLabelValues("failed").Inc()
			logger.Error().Err(err).Str("callback_uri", callbackURI).Msg("Task completion callback failed")
		} else {
			metrics.CallbacksTotal.WithLabelValues("success").Inc()
			logger.Debug().Str("callback_uri", callbackURI).Msg("Task completion reported")
		}
	}

	e.releaseSupervisor(task.JobId, task.TaskId, proc)

	e.broker.Publish(&events.Event{
		Type:     events.EventTaskCompleted,
		JobID:    task.JobId,
		TaskID:   task.TaskId,
		ExitCode: res.ExitCode,
		Message:  res.Message,
		Metadata: map[string]string{
			"killed": strconv.FormatBool(res.State == process.StateKilled),
		},
	})
}

func (e *Executor) postCompletion(uri string, task *types.TaskInfo) error {
	body, err := json.Marshal(types.TaskCompletionArgs{JobId: task.JobId, TaskInfo: task})
	if err != nil {
		return fmt.Errorf("failed to encode completion: %w", err)
	}

	// not tied to e.ctx: tasks killed by Stop still report
	req, err := http.NewRequest(http.MethodPost, uri, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.callback.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	return nil
}
