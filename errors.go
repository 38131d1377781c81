// SPDX-License-Identifier: Apache-2.0

package guestfs

import (
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"

	perrors "github.com/pkg/errors"
)

// lastError is one entry on a handle's error stack: the errno/message pair
// spec.md §4.9 calls the "last error", plus the taxonomy category it was
// raised under (§7) so callers can distinguish guest errors from everything
// else without string-matching the message.
type lastError struct {
	errno   int
	message string
	guest   bool
}

// errorStack is a handle's per-call error history. Only the top entry is
// the retrievable "last error"; push/pop lets internal code run a probe
// that may legitimately fail without clobbering what the caller sees,
// mirroring the push/pop pair spec.md §4.9 describes.
type errorStack struct {
	entries []lastError
}

func (s *errorStack) push() int {
	return len(s.entries)
}

// pop discards every entry recorded since mark, restoring the stack (and
// therefore the caller-visible last error) to what it was at push time.
func (s *errorStack) pop(mark int) {
	if mark < len(s.entries) {
		s.entries = s.entries[:mark]
	}
}

func (s *errorStack) set(errno int, msg string) {
	s.entries = append(s.entries, lastError{errno: errno, message: msg})
}

func (s *errorStack) setGuest(errno int, msg string) {
	s.entries = append(s.entries, lastError{errno: errno, message: msg, guest: true})
}

func (s *errorStack) last() (lastError, bool) {
	if len(s.entries) == 0 {
		return lastError{}, false
	}
	return s.entries[len(s.entries)-1], true
}

func (s *errorStack) clear() {
	s.entries = nil
}

// errContext wraps err with ctx the way virtcontainers/errors.ErrorContext
// does: it guarantees err carries a stack trace (wrapping it with
// pkg/errors if it doesn't already) before attaching the context line, so
// a chain of errContext calls builds a readable cause trail.
func errContext(err *error, ctx string) {
	if err == nil || *err == nil {
		return
	}
	type causer interface{ Cause() error }
	if _, ok := (*err).(causer); !ok {
		*err = perrors.WithStack(*err)
	}
	*err = perrors.Wrap(*err, ctx)
}

// configurationError reports an invalid value rejected at the public entry
// point before any state change, per spec.md §7's Configuration category.
func configurationError(format string, args ...interface{}) error {
	return fmt.Errorf("invalid configuration: "+format, args...)
}

// resourceError wraps an OS-level failure (mkdir/open/socket/bind/listen/
// fork/exec) per spec.md §7's Resource category.
func resourceError(op string, err error) error {
	return perrors.Wrapf(err, "resource error during %s", op)
}

// protocolError reports a fatal RPC framing violation (serial mismatch,
// truncated frame, wrong direction); per spec.md §7 the caller must shut
// the launch down with check_errors=0 and return to CONFIG.
func protocolError(format string, args ...interface{}) error {
	return fmt.Errorf("protocol error: "+format, args...)
}

// launchFailedError reports that the guest never became ready, the child
// exited before accept, or the delegated daemon rejected the domain.
// Per spec.md §7 the message must suggest switching backends.
func launchFailedError(reason string) error {
	return fmt.Errorf("launch failed: %s (consider trying a different backend, e.g. LIBGUESTFS_BACKEND=direct)", reason)
}

// externalCommandError decodes a subprocess's wait status into an exit
// code or signal and names the failing command, per spec.md §7's
// External-command-failure formatter.
func externalCommandError(argv []string, err error) error {
	name := "<empty>"
	if len(argv) > 0 {
		name = argv[0]
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return perrors.Wrapf(err, "%s: external command failed to start", name)
	}

	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
		if ws.Signaled() {
			return fmt.Errorf("%s: external command killed by signal %d", name, ws.Signal())
		}
		return fmt.Errorf("%s: external command exited with status %d", name, ws.ExitStatus())
	}
	return fmt.Errorf("%s: external command failed: %v", name, err)
}

// errorReport formats err the way virtcontainers/errors.ErrorReport does:
// cause first, then the wrap-context trail, for library-log consumers
// that want the full diagnostic rather than just the top message.
func errorReport(err error) string {
	if err == nil {
		return ""
	}
	cause := perrors.Cause(err)
	trail := strings.Split(err.Error(), ": ")
	var b strings.Builder
	fmt.Fprintf(&b, "cause: %s\n", cause)
	fmt.Fprintf(&b, "trail: %s", strings.Join(trail, " <- "))
	return b.String()
}
