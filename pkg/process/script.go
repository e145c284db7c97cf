package process

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	scriptName        = "run.sh"
	defaultStdoutName = "stdout.txt"
	defaultStderrName = "stderr.txt"
)

// buildScript writes the wrapper that changes into the working directory
// and applies the redirections. It returns the script path.
func (p *Process) buildScript() (string, error) {
	si := p.cfg.StartInfo
	if strings.TrimSpace(si.CommandLine) == "" {
		return "", fmt.Errorf("empty command line")
	}

	workDir := p.folder
	if si.WorkingDirectory != "" {
		if fi, err := os.Stat(si.WorkingDirectory); err == nil && fi.IsDir() {
			workDir = si.WorkingDirectory
		} else {
			p.logger.Warn().Str("working_directory", si.WorkingDirectory).Msg("Working directory unusable, using task folder")
		}
	}

	stdoutPath := resolvePath(workDir, si.StdOut, filepath.Join(p.folder, defaultStdoutName))
	stderrPath := resolvePath(workDir, si.StdErr, filepath.Join(p.folder, defaultStderrName))

	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	fmt.Fprintf(&b, "cd %s || exit $?\n", shellQuote(workDir))
	b.WriteString("{\n")
	b.WriteString(si.CommandLine)
	b.WriteString("\n}")
	if stdoutPath == stderrPath {
		fmt.Fprintf(&b, " >%s 2>&1", shellQuote(stdoutPath))
	} else {
		fmt.Fprintf(&b, " >%s 2>%s", shellQuote(stdoutPath), shellQuote(stderrPath))
	}
	if si.StdIn != "" {
		fmt.Fprintf(&b, " <%s", shellQuote(resolvePath(workDir, si.StdIn, "")))
	}
	b.WriteString("\n")

	path := filepath.Join(p.folder, scriptName)
	if err := os.WriteFile(path, []byte(b.String()), 0o700); err != nil {
		return "", err
	}

	p.mu.Lock()
	p.workDir = workDir
	p.stdoutPath = stdoutPath
	p.stderrPath = stderrPath
	p.mu.Unlock()

	p.logger.Debug().Str("script", path).Str("working_directory", workDir).Msg("Task script built")
	return path, nil
}

func resolvePath(workDir, path, fallback string) string {
	if path == "" {
		return fallback
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(workDir, path)
}

// shellQuote wraps s in single quotes for bash
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func readHead(path string, limit int) string {
	if path == "" {
		return ""
	}
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, int64(limit)))
	if err != nil {
		return ""
	}
	return string(data)
}

func readTail(path string, limit int) string {
	if path == "" {
		return ""
	}
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return ""
	}
	if offset := fi.Size() - int64(limit); offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return ""
		}
	}

	data, err := io.ReadAll(io.LimitReader(f, int64(limit)))
	if err != nil {
		return ""
	}
	return string(data)
}
