package process

import (
	"os"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/cuemby/hpcagent/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	proc    *Process
	results chan Result
	calls   atomic.Int32
}

func newHarness(t *testing.T, commandLine string, mutate ...func(*Config)) *harness {
	t.Helper()

	h := &harness{results: make(chan Result, 2)}
	cfg := Config{
		JobID:       1,
		TaskID:      1,
		ScratchRoot: t.TempDir(),
		StartInfo:   types.ProcessStartInfo{CommandLine: commandLine},
		OnComplete: func(r Result) {
			h.calls.Add(1)
			h.results <- r
		},
	}
	for _, m := range mutate {
		m(&cfg)
	}
	h.proc = New(cfg)
	return h
}

func (h *harness) wait(t *testing.T) Result {
	t.Helper()
	select {
	case r := <-h.results:
		<-h.proc.Done()
		return r
	case <-time.After(10 * time.Second):
		t.Fatal("completion callback not invoked")
		return Result{}
	}
}

func TestProcess_ExitZero(t *testing.T) {
	h := newHarness(t, "echo hello")

	pid, err := h.proc.Start()
	require.NoError(t, err)
	assert.Greater(t, pid, 0)

	res := h.wait(t)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, StateExitedNormally, res.State)
	assert.Contains(t, res.Message, "hello")
	assert.Equal(t, []int{pid}, res.ProcessIds)
	assert.Equal(t, int32(1), h.calls.Load())
	assert.Equal(t, StateCompletionCallbackInvoked, h.proc.State())
}

func TestProcess_ExitCodes(t *testing.T) {
	tests := []struct {
		name    string
		command string
		want    int
	}{
		{name: "success", command: "true", want: 0},
		{name: "exit 3", command: "exit 3", want: 3},
		{name: "command not found", command: "/definitely/not/here", want: 127},
		{name: "self signal", command: "kill -9 $$", want: 128 + int(syscall.SIGKILL)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.command)
			_, err := h.proc.Start()
			require.NoError(t, err)

			res := h.wait(t)
			if res.ExitCode != tt.want {
				t.Errorf("ExitCode = %d, want %d (message %q)", res.ExitCode, tt.want, res.Message)
			}
		})
	}
}

func TestProcess_StderrCaptured(t *testing.T) {
	h := newHarness(t, "echo oops 1>&2; exit 1")
	_, err := h.proc.Start()
	require.NoError(t, err)

	res := h.wait(t)
	assert.Equal(t, 1, res.ExitCode)
	assert.Equal(t, "oops\n", res.Stderr)
	assert.Contains(t, res.Message, "oops")
}

func TestProcess_OutputCaptureBounded(t *testing.T) {
	h := newHarness(t, "head -c 5000 /dev/zero | tr '\\0' a")
	_, err := h.proc.Start()
	require.NoError(t, err)

	res := h.wait(t)
	assert.Equal(t, 0, res.ExitCode)
	assert.Len(t, res.Stdout, OutputCaptureBytes)
}

func TestProcess_WorkingDirectoryAndEnvironment(t *testing.T) {
	workDir := t.TempDir()
	h := newHarness(t, `pwd; echo "$GREETING"`, func(c *Config) {
		c.StartInfo.WorkingDirectory = workDir
		c.StartInfo.EnvironmentVariables = map[string]string{"GREETING": "bonjour"}
	})
	_, err := h.proc.Start()
	require.NoError(t, err)

	res := h.wait(t)
	assert.Contains(t, res.Stdout, workDir)
	assert.Contains(t, res.Stdout, "bonjour")
}

func TestProcess_UnusableWorkingDirectoryFallsBack(t *testing.T) {
	h := newHarness(t, "pwd", func(c *Config) {
		c.StartInfo.WorkingDirectory = "/does/not/exist"
	})
	_, err := h.proc.Start()
	require.NoError(t, err)

	res := h.wait(t)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Stdout, "1.1.0")
}

func TestProcess_ExplicitStdoutFile(t *testing.T) {
	out := t.TempDir() + "/custom.out"
	h := newHarness(t, "echo redirected", func(c *Config) {
		c.StartInfo.StdOut = out
	})
	_, err := h.proc.Start()
	require.NoError(t, err)

	res := h.wait(t)
	assert.Contains(t, res.Stdout, "redirected")

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "redirected\n", string(data))
}

func TestProcess_KillForcedExitCode(t *testing.T) {
	h := newHarness(t, "sleep 30")
	_, err := h.proc.Start()
	require.NoError(t, err)

	h.proc.Kill(137, 0)

	res := h.wait(t)
	assert.Equal(t, 137, res.ExitCode)
	assert.Equal(t, StateKilled, res.State)
	assert.Equal(t, int32(1), h.calls.Load())
}

func TestProcess_KillFirstWriterWins(t *testing.T) {
	h := newHarness(t, "sleep 30")
	_, err := h.proc.Start()
	require.NoError(t, err)

	h.proc.Kill(137, 0)
	h.proc.Kill(types.EndJobExitCode, 0)

	res := h.wait(t)
	assert.Equal(t, 137, res.ExitCode)
}

func TestProcess_KillWithoutForcedCode(t *testing.T) {
	h := newHarness(t, "sleep 30")
	_, err := h.proc.Start()
	require.NoError(t, err)

	h.proc.Kill(NoForcedExitCode, 0)

	res := h.wait(t)
	assert.Equal(t, 128+int(syscall.SIGKILL), res.ExitCode)
}

func TestProcess_KillGracePeriodTerm(t *testing.T) {
	h := newHarness(t, "sleep 30")
	_, err := h.proc.Start()
	require.NoError(t, err)

	h.proc.Kill(NoForcedExitCode, 5*time.Second)

	res := h.wait(t)
	// bash and sleep both die on SIGTERM well before the grace runs out
	assert.Equal(t, 128+int(syscall.SIGTERM), res.ExitCode)
}

func TestProcess_KillBeforeStart(t *testing.T) {
	h := newHarness(t, "sleep 30")
	h.proc.Kill(types.EndTaskExitCode, 0)

	_, err := h.proc.Start()
	require.NoError(t, err)

	res := h.wait(t)
	assert.Equal(t, types.EndTaskExitCode, res.ExitCode)
}

func TestProcess_SpawnFailure(t *testing.T) {
	scratch := t.TempDir()
	h := newHarness(t, "echo never", func(c *Config) {
		c.Shell = "/nonexistent/shell"
		c.ScratchRoot = scratch
	})

	pid, err := h.proc.Start()
	assert.Error(t, err)
	assert.Equal(t, 0, pid)

	res := h.wait(t)
	assert.Equal(t, int(syscall.ENOENT), res.ExitCode)
	assert.Equal(t, StateSpawnFailed, res.State)
	assert.Contains(t, res.Message, "Failed to start process")

	entries, err := os.ReadDir(scratch)
	require.NoError(t, err)
	assert.Empty(t, entries, "task folder must be cleaned up")
}

func TestProcess_EmptyCommandLine(t *testing.T) {
	h := newHarness(t, "   ")

	_, err := h.proc.Start()
	assert.Error(t, err)

	res := h.wait(t)
	assert.Equal(t, types.BuildScriptErrorExitCode, res.ExitCode)
}

func TestProcess_FolderCreationFailure(t *testing.T) {
	file := t.TempDir() + "/not-a-dir"
	require.NoError(t, os.WriteFile(file, nil, 0o600))

	h := newHarness(t, "true", func(c *Config) {
		c.ScratchRoot = file
	})

	_, err := h.proc.Start()
	assert.Error(t, err)

	res := h.wait(t)
	assert.Equal(t, types.WriteFileErrorExitCode, res.ExitCode)
}

func TestProcess_ScratchFolderRemoved(t *testing.T) {
	scratch := t.TempDir()
	h := newHarness(t, "true", func(c *Config) { c.ScratchRoot = scratch })

	_, err := h.proc.Start()
	require.NoError(t, err)
	h.wait(t)

	entries, err := os.ReadDir(scratch)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestProcess_CallbackPanicContained(t *testing.T) {
	proc := New(Config{
		JobID:       1,
		TaskID:      2,
		ScratchRoot: t.TempDir(),
		StartInfo:   types.ProcessStartInfo{CommandLine: "true"},
		OnComplete:  func(Result) { panic("boom") },
	})

	_, err := proc.Start()
	require.NoError(t, err)

	select {
	case <-proc.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("process did not finish after callback panic")
	}
}

func TestProcess_PeekOutput(t *testing.T) {
	h := newHarness(t, "echo started; sleep 30")
	_, err := h.proc.Start()
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return strings.Contains(h.proc.PeekOutput(), "started")
	}, 5*time.Second, 20*time.Millisecond)

	h.proc.Kill(types.EndTaskExitCode, 0)
	h.wait(t)
}

func TestShellQuote(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "/tmp/a", want: "'/tmp/a'"},
		{in: "it's", want: `'it'\''s'`},
		{in: "", want: "''"},
	}
	for _, tt := range tests {
		if got := shellQuote(tt.in); got != tt.want {
			t.Errorf("shellQuote(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
