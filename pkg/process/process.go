package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/cuemby/hpcagent/pkg/log"
	"github.com/cuemby/hpcagent/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

const (
	// OutputCaptureBytes bounds how much stdout/stderr is copied into the
	// task message and returned by PeekOutput.
	OutputCaptureBytes = 1500

	// NoForcedExitCode passed to Kill leaves the exit code to the OS
	NoForcedExitCode = 0x0FFFFFFF

	// DefaultShell runs the generated task script
	DefaultShell = "/bin/bash"
)

// State is the lifecycle position of a Process
type State int

const (
	StateCreated State = iota
	StateTaskFolderPrepared
	StateScriptBuilt
	StateForked
	StateRunning
	StateExitedNormally
	StateKilled
	StateSpawnFailed
	StateCleaned
	StateCompletionCallbackInvoked
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateTaskFolderPrepared:
		return "task_folder_prepared"
	case StateScriptBuilt:
		return "script_built"
	case StateForked:
		return "forked"
	case StateRunning:
		return "running"
	case StateExitedNormally:
		return "exited"
	case StateKilled:
		return "killed"
	case StateSpawnFailed:
		return "spawn_failed"
	case StateCleaned:
		return "cleaned"
	case StateCompletionCallbackInvoked:
		return "completed"
	default:
		return "unknown"
	}
}

// Result is delivered once to the completion callback
type Result struct {
	ExitCode   int
	Message    string
	Stdout     string
	Stderr     string
	UserTime   time.Duration
	KernelTime time.Duration
	MaxRSSKB   int64
	ProcessIds []int
	State      State
}

// Config holds everything a Process needs to run one task attempt
type Config struct {
	JobID        int
	TaskID       int
	RequeueCount int
	StartInfo    types.ProcessStartInfo

	// ScratchRoot holds the per-attempt private folders
	ScratchRoot string

	// Shell defaults to DefaultShell
	Shell string

	OnComplete func(Result)
}

// Process supervises exactly one external command
type Process struct {
	cfg    Config
	logger zerolog.Logger

	mu           sync.Mutex
	state        State
	pid          int
	exitCode     int
	exitCodeSet  bool
	pendingKill  bool
	pendingGrace time.Duration
	message      strings.Builder
	result       Result

	folder     string
	workDir    string
	stdoutPath string
	stderrPath string

	startOnce   sync.Once
	startedOnce sync.Once
	started     chan struct{}
	startErr    error
	exited      chan struct{}
	done        chan struct{}
}

// New creates a process in the Created state. Nothing runs until Start.
func New(cfg Config) *Process {
	if cfg.Shell == "" {
		cfg.Shell = DefaultShell
	}
	if cfg.ScratchRoot == "" {
		cfg.ScratchRoot = os.TempDir()
	}
	return &Process{
		cfg:      cfg,
		logger:   log.WithTask(cfg.JobID, cfg.TaskID, cfg.RequeueCount).With().Str("component", "process").Logger(),
		exitCode: types.DefaultExitCode,
		started:  make(chan struct{}),
		exited:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the supervising goroutine and returns once the child's
// pid is known or the launch has failed. A failed launch still runs
// cleanup and the completion callback.
func (p *Process) Start() (int, error) {
	p.startOnce.Do(func() {
		go p.run()
	})
	<-p.started

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid, p.startErr
}

// Kill ends the process. A forcedExitCode other than NoForcedExitCode
// becomes the final exit code unless one was already recorded. With a
// grace period the process group gets SIGTERM first and SIGKILL when
// the grace runs out.
func (p *Process) Kill(forcedExitCode int, grace time.Duration) {
	p.mu.Lock()
	if forcedExitCode != NoForcedExitCode {
		p.setExitCodeLocked(forcedExitCode)
	}
	pid := p.pid
	if pid == 0 {
		p.pendingKill = true
		p.pendingGrace = grace
		p.mu.Unlock()
		p.logger.Debug().Msg("Kill requested before process start")
		return
	}
	p.mu.Unlock()

	select {
	case <-p.exited:
		return
	default:
	}

	p.signalGroup(pid, grace)
}

// Pid returns the child pid, or 0 when it has not started
func (p *Process) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

// State returns the current lifecycle state
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Done is closed after the completion callback returns
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// PeekOutput returns the tail of the task's stdout and stderr while it
// runs.
func (p *Process) PeekOutput() string {
	p.mu.Lock()
	stdoutPath, stderrPath := p.stdoutPath, p.stderrPath
	p.mu.Unlock()

	if stdoutPath == "" {
		return ""
	}

	out := readTail(stdoutPath, OutputCaptureBytes)
	if stderrPath != stdoutPath {
		if errOut := readTail(stderrPath, OutputCaptureBytes); errOut != "" {
			if out != "" {
				out += "\n"
			}
			out += errOut
		}
	}
	return out
}

func (p *Process) run() {
	defer close(p.done)
	defer p.complete()
	defer p.cleanup()
	defer p.signalStarted(nil)

	if err := p.createTaskFolder(); err != nil {
		p.fail(types.WriteFileErrorExitCode, StateSpawnFailed, "Failed to create task folder", err)
		return
	}
	p.setState(StateTaskFolderPrepared)

	script, err := p.buildScript()
	if err != nil {
		p.fail(types.BuildScriptErrorExitCode, StateSpawnFailed, "Failed to build task script", err)
		return
	}
	p.setState(StateScriptBuilt)

	cmd := exec.Command(p.cfg.Shell, script)
	cmd.Dir = p.workDir
	cmd.Env = p.environment()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		p.fail(errnoExitCode(err), StateSpawnFailed, "Failed to start process", err)
		return
	}

	pid := cmd.Process.Pid
	p.mu.Lock()
	p.pid = pid
	p.state = StateForked
	pendingKill, pendingGrace := p.pendingKill, p.pendingGrace
	p.mu.Unlock()

	p.logger.Info().Int("pid", pid).Str("folder", p.folder).Msg("Process started")
	p.applyAffinity(pid)
	p.signalStarted(nil)

	if pendingKill {
		p.signalGroup(pid, pendingGrace)
	}

	p.setState(StateRunning)
	waitErr := cmd.Wait()
	close(p.exited)

	if cmd.ProcessState == nil {
		p.fail(types.DefaultExitCode, StateKilled, "Failed to wait for process", waitErr)
		return
	}
	p.recordExit(cmd.ProcessState)
}

func (p *Process) recordExit(ps *os.ProcessState) {
	ws, _ := ps.Sys().(syscall.WaitStatus)

	code := ps.ExitCode()
	state := StateExitedNormally
	event := p.logger.Info().Int("pid", ps.Pid())

	switch {
	case ws.Exited():
		code = ws.ExitStatus()
		event = event.Int("exit_status", code)
	case ws.Signaled():
		code = 128 + int(ws.Signal())
		state = StateKilled
		event = event.Str("signal", ws.Signal().String())
		if ws.CoreDump() {
			event = event.Bool("core_dumped", true)
		}
	case ws.Stopped():
		event = event.Str("stop_signal", ws.StopSignal().String())
	case ws.Continued():
		event = event.Bool("continued", true)
	}
	event.Msg("Process ended")

	res := Result{ProcessIds: []int{ps.Pid()}, State: state}
	if ru, ok := ps.SysUsage().(*syscall.Rusage); ok && ru != nil {
		res.UserTime = time.Duration(ru.Utime.Nano())
		res.KernelTime = time.Duration(ru.Stime.Nano())
		res.MaxRSSKB = int64(ru.Maxrss)
	}

	if ws.Exited() {
		res.Stdout = readHead(p.stdoutPath, OutputCaptureBytes)
		if p.stderrPath != p.stdoutPath {
			res.Stderr = readHead(p.stderrPath, OutputCaptureBytes)
		}
	}

	p.mu.Lock()
	p.setExitCodeLocked(code)
	p.state = state
	if res.Stdout != "" {
		p.message.WriteString(res.Stdout)
	}
	if res.Stderr != "" {
		if p.message.Len() > 0 {
			p.message.WriteString("\n")
		}
		p.message.WriteString(res.Stderr)
	}
	p.result = res
	p.mu.Unlock()
}

func (p *Process) fail(code int, state State, msg string, err error) {
	p.logger.Error().Err(err).Int("exit_code", code).Msg(msg)

	p.mu.Lock()
	p.setExitCodeLocked(code)
	p.state = state
	p.result.State = state
	fmt.Fprintf(&p.message, "%s: %v\n", msg, err)
	p.mu.Unlock()

	p.signalStarted(fmt.Errorf("%s: %w", strings.ToLower(msg), err))
}

func (p *Process) signalStarted(err error) {
	p.startedOnce.Do(func() {
		p.mu.Lock()
		p.startErr = err
		p.mu.Unlock()
		close(p.started)
	})
}

func (p *Process) signalGroup(pid int, grace time.Duration) {
	if grace <= 0 {
		p.sendSignal(pid, unix.SIGKILL)
		return
	}

	p.sendSignal(pid, unix.SIGTERM)
	go func() {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-p.exited:
		case <-timer.C:
			p.sendSignal(pid, unix.SIGKILL)
		}
	}()
}

func (p *Process) sendSignal(pid int, sig unix.Signal) {
	if err := unix.Kill(-pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		p.logger.Warn().Err(err).Int("pid", pid).Str("signal", sig.String()).Msg("Failed to signal process group")
		return
	}
	p.logger.Info().Int("pid", pid).Str("signal", sig.String()).Msg("Signaled process group")
}

func (p *Process) applyAffinity(pid int) {
	if len(p.cfg.StartInfo.Affinity) == 0 {
		return
	}

	var set unix.CPUSet
	for word, mask := range p.cfg.StartInfo.Affinity {
		for bit := 0; bit < 64; bit++ {
			if uint64(mask)&(1<<uint(bit)) != 0 {
				set.Set(word*64 + bit)
			}
		}
	}
	if set.Count() == 0 {
		return
	}

	if err := unix.SchedSetaffinity(pid, &set); err != nil {
		p.logger.Warn().Err(err).Int("pid", pid).Msg("Failed to set CPU affinity")
	}
}

func (p *Process) cleanup() {
	if p.folder == "" {
		return
	}
	if err := os.RemoveAll(p.folder); err != nil {
		p.logger.Warn().Err(err).Str("folder", p.folder).Msg("Failed to remove task folder")
	}
	p.setState(StateCleaned)
}

func (p *Process) complete() {
	p.mu.Lock()
	res := p.result
	res.ExitCode = p.exitCode
	res.Message = p.message.String()
	p.state = StateCompletionCallbackInvoked
	p.mu.Unlock()

	if p.cfg.OnComplete == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Interface("panic", r).Msg("Completion callback panicked")
		}
	}()
	p.cfg.OnComplete(res)
}

func (p *Process) setState(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = s
}

// setExitCodeLocked records the first exit code only
func (p *Process) setExitCodeLocked(code int) {
	if p.exitCodeSet {
		return
	}
	p.exitCode = code
	p.exitCodeSet = true
}

func (p *Process) createTaskFolder() error {
	folder := filepath.Join(p.cfg.ScratchRoot, fmt.Sprintf("%d.%d.%d", p.cfg.JobID, p.cfg.TaskID, p.cfg.RequeueCount))
	if err := os.RemoveAll(folder); err != nil {
		return err
	}
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return err
	}
	p.folder = folder
	return nil
}

func (p *Process) environment() []string {
	env := os.Environ()
	for k, v := range p.cfg.StartInfo.EnvironmentVariables {
		env = append(env, k+"="+v)
	}
	return env
}

func errnoExitCode(err error) int {
	var errno syscall.Errno
	if errors.As(err, &errno) && errno != 0 {
		return int(errno)
	}
	return types.PopenErrorExitCode
}
