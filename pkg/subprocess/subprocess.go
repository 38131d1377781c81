// SPDX-License-Identifier: Apache-2.0

// Package subprocess runs host tools with captured output, the way the
// appliance core probes the hypervisor and invokes the external appliance
// builder.
package subprocess

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var log = logrus.WithField("source", "subprocess")

// BufferMode selects how stdout is delivered to the caller's callback.
type BufferMode int

const (
	// LineBuffered invokes the callback once per '\n'-terminated line,
	// with the trailing newline stripped.
	LineBuffered BufferMode = iota
	// Unbuffered invokes the callback on every read, with the length
	// actually read.
	Unbuffered
	// WholeBuffer invokes the callback exactly once, after EOF, with the
	// entire captured stdout.
	WholeBuffer
)

// StdoutFunc receives stdout data according to the selected BufferMode.
type StdoutFunc func(data []byte)

// Cmd describes one subprocess invocation. Construct it either with Argv
// (exec-style) or Shell (shell-string style); exactly one must be set.
type Cmd struct {
	// Argv is the exec-style argument vector, Argv[0] is the binary.
	Argv []string
	// Shell is a shell command string, run via `/bin/sh -c`.
	Shell string

	Stdout     StdoutFunc
	BufferMode BufferMode

	// CaptureStderr routes stderr into StderrLog. It is off in the zero
	// value: if false and MergeStderr is false, stderr is inherited from
	// the parent.
	CaptureStderr bool
	// MergeStderr redirects stderr onto the same pipe as stdout; mutually
	// exclusive with CaptureStderr.
	MergeStderr bool
	// StderrLog receives each captured stderr line, unless MergeStderr.
	StderrLog func(line string)

	// PreExec runs in the parent before the child is started, not in the
	// child between fork and exec; an error it returns is ignored.
	PreExec func() error

	// ExtraFiles are passed to the child beyond stdin/stdout/stderr, as
	// fd 3, 4, ... in order (e.g. a socketpair end for the hypervisor
	// child). Go's os/exec never inherits any other descriptor into the
	// child, so "close all fds above stderr" is the unconditional
	// behavior of Run/PipeRun; this is the only supported way to pass one
	// through deliberately.
	ExtraFiles []*os.File

	// Rlimits to apply to the child, ignoring EPERM. Applied via prlimit(2)
	// against the child's pid immediately after it starts: Go's os/exec
	// has no hook that runs in the child between fork and exec (running
	// Go code there is signal-unsafe), so this is necessarily a
	// best-effort, parent-side, post-start application rather than a true
	// pre-exec one; a child that execs and immediately consumes the
	// resource the limit bounds can race ahead of it. See DESIGN.md.
	Rlimits []Rlimit

	// Env, if non-nil, replaces the child's environment entirely. When
	// nil, the child inherits a scrubbed environment: LC_ALL=C plus
	// ExtraEnv.
	Env      []string
	ExtraEnv []string
}

// Rlimit is one resource limit to apply in the child process.
type Rlimit struct {
	Resource int
	Cur, Max uint64
}

// Result is the outcome of Run.
type Result struct {
	ExitCode int
	Signaled bool
	Signal   syscall.Signal
}

func (r Result) Success() bool { return !r.Signaled && r.ExitCode == 0 }

// Run forks, wires pipes, and execs the command, returning once the child
// has exited. It mirrors the fork/exec/select shape of
// pkg/govmm/qemu.LaunchCustomQemu and virtcontainers/utils' process
// helpers, generalized to arbitrary host tools rather than just QEMU.
func Run(ctx context.Context, c Cmd) (Result, error) {
	if (len(c.Argv) == 0) == (c.Shell == "") {
		return Result{}, errors.New("subprocess: exactly one of Argv or Shell must be set")
	}
	if c.CaptureStderr && c.MergeStderr {
		return Result{}, errors.New("subprocess: CaptureStderr and MergeStderr are mutually exclusive")
	}

	var cmd *exec.Cmd
	if len(c.Argv) > 0 {
		/* #nosec */
		cmd = exec.CommandContext(ctx, c.Argv[0], c.Argv[1:]...)
	} else {
		/* #nosec */
		cmd = exec.CommandContext(ctx, "/bin/sh", "-c", c.Shell)
	}

	cmd.Env = buildEnv(c)
	cmd.SysProcAttr = buildSysProcAttr(c)
	cmd.ExtraFiles = c.ExtraFiles

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, errors.Wrap(err, "subprocess: stdout pipe")
	}

	var stderrPipe io.ReadCloser
	switch {
	case c.MergeStderr:
		cmd.Stderr = cmd.Stdout
	case c.CaptureStderr:
		stderrPipe, err = cmd.StderrPipe()
		if err != nil {
			return Result{}, errors.Wrap(err, "subprocess: stderr pipe")
		}
	default:
		cmd.Stderr = os.Stderr
	}

	log.WithField("argv", c.Argv).WithField("shell", c.Shell).Debug("launching subprocess")

	if err := cmd.Start(); err != nil {
		return Result{}, errors.Wrap(err, "subprocess: start")
	}
	ApplyRlimits(cmd.Process.Pid, c.Rlimits)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		consumeStdout(stdoutPipe, c)
	}()

	if stderrPipe != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			consumeStderrLines(stderrPipe, c.StderrLog)
		}()
	}

	wg.Wait()
	waitErr := cmd.Wait()
	return waitResult(waitErr)
}

func consumeStdout(r io.Reader, c Cmd) {
	switch c.BufferMode {
	case LineBuffered:
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			if c.Stdout != nil {
				c.Stdout(scanner.Bytes())
			}
		}
	case WholeBuffer:
		data, _ := io.ReadAll(r)
		if c.Stdout != nil {
			c.Stdout(data)
		}
	default: // Unbuffered
		buf := make([]byte, 64*1024)
		for {
			n, err := r.Read(buf)
			if n > 0 && c.Stdout != nil {
				c.Stdout(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}
}

func consumeStderrLines(r io.Reader, logFn func(line string)) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if logFn != nil {
			logFn(line)
		} else {
			log.Warn(line)
		}
	}
}

func buildEnv(c Cmd) []string {
	if c.Env != nil {
		return c.Env
	}
	env := []string{"LC_ALL=C"}
	return append(env, c.ExtraEnv...)
}

func buildSysProcAttr(c Cmd) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{}
	if c.PreExec != nil {
		// A real pre-exec callback cannot run in the parent's Go runtime
		// after fork (signal-unsafe); PreExec is invoked before Start so
		// it can prepare files/fds the child inherits.
		_ = c.PreExec()
	}
	return attr
}

func waitResult(err error) (Result, error) {
	if err == nil {
		return Result{ExitCode: 0}, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		status, ok := exitErr.Sys().(syscall.WaitStatus)
		if !ok {
			return Result{}, errors.Wrap(err, "subprocess: unexpected wait status")
		}
		if status.Signaled() {
			return Result{Signaled: true, Signal: status.Signal()}, commandFailedError(exitErr)
		}
		return Result{ExitCode: status.ExitStatus()}, commandFailedError(exitErr)
	}
	return Result{}, errors.Wrap(err, "subprocess: wait")
}

func commandFailedError(err *exec.ExitError) error {
	return errors.Wrapf(err, "external command failed")
}

// ApplyRlimits sets the given resource limits on the process identified by
// pid via prlimit(2), ignoring EPERM. Called against the child's own pid, it
// is the closest Go's os/exec gets to the teacher's child-side setrlimit
// call; see the Rlimits field doc for the race this implies.
func ApplyRlimits(pid int, limits []Rlimit) {
	for _, rl := range limits {
		lim := unix.Rlimit{Cur: rl.Cur, Max: rl.Max}
		if err := unix.Prlimit(pid, rl.Resource, &lim, nil); err != nil && err != unix.EPERM {
			log.WithError(err).Warn("prlimit failed")
		}
	}
}

// PipeResult is the outcome of PipeRun.
type PipeResult struct {
	Result
	Stderr string
}

// PipeRun is a popen(3)-style variant: a single pipe for stdout, stderr
// captured to a temp file and returned trimmed after Wait, mirroring the
// libguestfs "pipe-run" helper used for tools whose error text must survive
// past process exit.
func PipeRun(ctx context.Context, c Cmd) (io.ReadCloser, func() (PipeResult, error), error) {
	if (len(c.Argv) == 0) == (c.Shell == "") {
		return nil, nil, errors.New("subprocess: exactly one of Argv or Shell must be set")
	}

	var cmd *exec.Cmd
	if len(c.Argv) > 0 {
		/* #nosec */
		cmd = exec.CommandContext(ctx, c.Argv[0], c.Argv[1:]...)
	} else {
		/* #nosec */
		cmd = exec.CommandContext(ctx, "/bin/sh", "-c", c.Shell)
	}
	cmd.Env = buildEnv(c)
	cmd.SysProcAttr = buildSysProcAttr(c)
	cmd.ExtraFiles = c.ExtraFiles

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, errors.Wrap(err, "subprocess: stdout pipe")
	}

	tmp, err := os.CreateTemp("", "subprocess-stderr-*")
	if err != nil {
		return nil, nil, errors.Wrap(err, "subprocess: stderr tempfile")
	}
	cmd.Stderr = tmp

	if err := cmd.Start(); err != nil {
		os.Remove(tmp.Name())
		return nil, nil, errors.Wrap(err, "subprocess: start")
	}
	ApplyRlimits(cmd.Process.Pid, c.Rlimits)

	wait := func() (PipeResult, error) {
		waitErr := cmd.Wait()
		res, _ := waitResult(waitErr)
		defer os.Remove(tmp.Name())
		tmp.Seek(0, io.SeekStart)
		data, _ := io.ReadAll(tmp)
		return PipeResult{Result: res, Stderr: strings.TrimSpace(string(data))}, waitErr
	}

	return stdout, wait, nil
}

// QuoteShellArg escapes a string for safe interpolation inside a
// double-quoted shell substitution: backslash, double quote, backtick, and
// '$' are escaped, matching the subset of POSIX shell quoting libguestfs
// relies on for its command-string construction mode.
func QuoteShellArg(arg string) string {
	var b bytes.Buffer
	for _, r := range arg {
		switch r {
		case '$', '`', '\\', '"':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// QuoteShellCommand assembles argv into a single double-quoted shell
// command string, escaping each argument with QuoteShellArg.
func QuoteShellCommand(argv []string) string {
	parts := make([]string, len(argv))
	for i, a := range argv {
		parts[i] = fmt.Sprintf("\"%s\"", QuoteShellArg(a))
	}
	return strings.Join(parts, " ")
}
