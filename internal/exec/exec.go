// Package exec implements the Execution Engine (spec §4.3): runs a code
// snippet to completion and returns a bounded {stdout, stderr, exit_status,
// duration} result, either as a one-shot subprocess or injected into a
// live PTY session.
package exec

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/yenjordan/terminus/internal/errs"
)

// Job is the input to Execute (spec §4.3).
type Job struct {
	Language string
	Code     string
	Cwd      string
	Stdin    string
	Deadline time.Duration
}

// Result is the bounded output of a completed or killed job.
type Result struct {
	Stdout     string
	Stderr     string
	ExitStatus int
	TimedOut   bool
	DurationMs int64
}

const truncatedSentinel = "\n…[truncated]\n"

// Options configure per-stream caps and the kill-grace window.
type Options struct {
	MaxStdoutBytes int
	MaxStderrBytes int
	KillGrace      time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxStdoutBytes == 0 {
		o.MaxStdoutBytes = 1 << 20
	}
	if o.MaxStderrBytes == 0 {
		o.MaxStderrBytes = 1 << 20
	}
	if o.KillGrace == 0 {
		o.KillGrace = 500 * time.Millisecond
	}
	return o
}

// Runner builds the interpreter command line for a temp file holding the
// job's code.
type Runner func(tmpPath string) (name string, args []string)

// dispatch is the language-dispatch table (spec §4.3: "language ∈
// {python}; others reserved"). Entries for reserved-but-unimplemented
// languages are listed in reservedLanguages so "others reserved" is
// literal in code rather than left to a comment.
var dispatch = map[string]Runner{
	"python": func(tmpPath string) (string, []string) { return "python3", []string{tmpPath} },
}

// reservedLanguages names values spec.md reserves for future dispatch
// entries without implementing them yet.
var reservedLanguages = map[string]bool{
	"javascript": true,
	"go":         true,
	"bash":       true,
}

// Execute runs job to completion as a one-shot subprocess (spec §4.3),
// grounded on cmd/runner/exec.go's handleExecStateless: write code to a
// temp file inside cwd, spawn the interpreter on it, pipe stdin, then
// unlink, capturing stdout/stderr into separate capped buffers.
func Execute(ctx context.Context, job Job, opts Options) (*Result, error) {
	opts = opts.withDefaults()

	build, ok := dispatch[job.Language]
	if !ok {
		if reservedLanguages[job.Language] {
			return nil, fmt.Errorf("%w: language %q is reserved, not yet implemented", errs.ErrExecutionError, job.Language)
		}
		return nil, fmt.Errorf("%w: unsupported language %q", errs.ErrExecutionError, job.Language)
	}

	deadline := job.Deadline
	if deadline == 0 {
		deadline = 10 * time.Second
	}

	tmpFile, err := os.CreateTemp(job.Cwd, "terminus-exec-*.py")
	if err != nil {
		return nil, fmt.Errorf("%w: creating temp file: %v", errs.ErrExecutionError, err)
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath)

	if _, err := tmpFile.WriteString(job.Code); err != nil {
		tmpFile.Close()
		return nil, fmt.Errorf("%w: writing temp file: %v", errs.ErrExecutionError, err)
	}
	tmpFile.Close()

	name, args := build(tmpPath)
	cmd := exec.Command(name, args...)
	cmd.Dir = job.Cwd
	cmd.Env = append(os.Environ(),
		"PYTHONUNBUFFERED=1",
		"HOME="+job.Cwd,
	)
	if job.Stdin != "" {
		cmd.Stdin = bytes.NewBufferString(job.Stdin)
	}

	var stdout, stderr boundedBuffer
	stdout.cap, stderr.cap = opts.MaxStdoutBytes, opts.MaxStderrBytes
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: starting process: %v", errs.ErrExecutionError, err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	result := &Result{}
	select {
	case waitErr := <-done:
		result.ExitStatus = exitStatus(waitErr)
	case <-time.After(deadline):
		result.TimedOut = true
		killGracefully(cmd, opts.KillGrace, done)
		result.ExitStatus = -1
	case <-ctx.Done():
		result.TimedOut = true
		killGracefully(cmd, opts.KillGrace, done)
		result.ExitStatus = -1
	}

	result.DurationMs = time.Since(start).Milliseconds()
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()
	return result, nil
}

// killGracefully sends SIGTERM, waits grace, then SIGKILL (spec §4.3).
func killGracefully(cmd *exec.Cmd, grace time.Duration, done chan error) {
	if cmd.Process == nil {
		return
	}
	cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-done:
		return
	case <-time.After(grace):
		cmd.Process.Kill()
		<-done
	}
}

func exitStatus(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				return 128 + int(status.Signal())
			}
			return status.ExitStatus()
		}
		return exitErr.ExitCode()
	}
	return -1
}

// ExecuteInPTY writes code followed by a newline into the Supervisor's
// PTY. The return is only the fact of submission; results appear as
// normal PTY output stream frames (spec §4.3 injection variant).
func ExecuteInPTY(writer func([]byte) error, code string) error {
	if err := writer([]byte(code + "\n")); err != nil {
		return fmt.Errorf("%w: injecting code into pty: %v", errs.ErrPTYError, err)
	}
	return nil
}

// boundedBuffer caps how much of a stream is retained, appending the
// truncated sentinel once the cap is exceeded (spec §4.3).
type boundedBuffer struct {
	buf       bytes.Buffer
	cap       int
	truncated bool
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if b.truncated {
		return n, nil
	}
	remaining := b.cap - b.buf.Len()
	if remaining <= 0 {
		b.truncated = true
		b.buf.WriteString(truncatedSentinel)
		return n, nil
	}
	if len(p) > remaining {
		b.buf.Write(p[:remaining])
		b.truncated = true
		b.buf.WriteString(truncatedSentinel)
		return n, nil
	}
	b.buf.Write(p)
	return n, nil
}

func (b *boundedBuffer) String() string { return b.buf.String() }
