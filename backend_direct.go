// SPDX-License-Identifier: Apache-2.0

package guestfs

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/libguestfs/libguestfs-sub010/pkg/subprocess"
)

var directLog = logrus.WithField("source", "backend-direct")

// recoveryPollInterval is how often the recovery watcher checks that the
// parent is still alive, per spec.md §4.8.
const recoveryPollInterval = 2 * time.Second

// directBackend forks the hypervisor in-process, the way LaunchCustomQemu
// does for kata's qemu hypervisor driver, generalized to libguestfs's
// direct/in-process attach method.
type directBackend struct {
	mu sync.Mutex

	argv []string

	cmd *exec.Cmd
	pid int

	recoveryStop chan struct{}
	recoveryWG   sync.WaitGroup

	maxDisks int
}

func init() {
	RegisterBackend("direct", func(arg string) (Backend, error) {
		return &directBackend{maxDisks: maxDisksCeiling}, nil
	})
}

// directLaunchArgs is the opaque argument directBackend.Launch expects:
// the fully-built argv (machine, drives, channel, console, network...)
// plus the recovery-watcher toggle from HandleConfig.
type directLaunchArgs struct {
	Argv           []string
	RecoveryProc   bool
	ParentPID      int
	AcceptDeadline time.Duration
}

func (b *directBackend) CreateOverlay(ctx context.Context, h *Handle, d Drive) (string, error) {
	return createQcow2Overlay(ctx, h, d)
}

func (b *directBackend) Launch(ctx context.Context, h *Handle, arg interface{}) error {
	la, ok := arg.(directLaunchArgs)
	if !ok {
		return configurationError("direct backend: unexpected launch argument type %T", arg)
	}

	if err := h.transition(StateLaunching); err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, la.Argv[0], la.Argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		h.transition(StateConfig)
		return launchFailedError(fmt.Sprintf("failed to start hypervisor: %v", err))
	}

	b.mu.Lock()
	b.cmd = cmd
	b.pid = cmd.Process.Pid
	b.mu.Unlock()

	if la.RecoveryProc {
		b.startRecoveryWatcher(la.ParentPID)
	}

	ok2, err := h.conn.Accept()
	if err != nil || !ok2 {
		b.killHypervisor()
		h.transition(StateConfig)
		if err != nil {
			return launchFailedError(fmt.Sprintf("accept failed: %v", err))
		}
		return launchFailedError("guest did not connect to both sockets before the accept deadline")
	}

	if !h.awaitReadySentinel(ctx) {
		b.killHypervisor()
		h.transition(StateConfig)
		return launchFailedError("ready sentinel never arrived")
	}

	return h.transition(StateReady)
}

func (b *directBackend) startRecoveryWatcher(parentPID int) {
	b.mu.Lock()
	b.recoveryStop = make(chan struct{})
	stop := b.recoveryStop
	b.mu.Unlock()

	b.recoveryWG.Add(1)
	go func() {
		defer b.recoveryWG.Done()
		ticker := time.NewTicker(recoveryPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if !processAlive(parentPID) {
					directLog.Warn("parent process gone, killing hypervisor")
					b.killHypervisor()
					return
				}
				if !processAlive(b.pid) {
					return
				}
			}
		}
	}()
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

func (b *directBackend) killHypervisor() {
	b.mu.Lock()
	cmd := b.cmd
	b.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	cmd.Process.Signal(syscall.SIGTERM)
}

func (b *directBackend) Shutdown(ctx context.Context, h *Handle, checkErrors bool) error {
	b.mu.Lock()
	cmd := b.cmd
	stop := b.recoveryStop
	b.mu.Unlock()

	if stop != nil {
		close(stop)
		b.recoveryWG.Wait()
		b.mu.Lock()
		b.recoveryStop = nil
		b.mu.Unlock()
	}

	if cmd == nil || cmd.Process == nil {
		return nil
	}

	cmd.Process.Signal(syscall.SIGTERM)
	_ = cmd.Wait() // rusage is available via cmd.ProcessState after Wait returns

	b.mu.Lock()
	b.cmd = nil
	b.pid = -1
	b.mu.Unlock()
	return nil
}

func (b *directBackend) GetPID() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cmd == nil || b.cmd.Process == nil {
		return -1
	}
	return b.pid
}

func (b *directBackend) MaxDisks() int { return b.maxDisks }

// createQcow2Overlay builds a fresh qcow2 overlay file backing a readonly
// drive, using qemu-img through the subprocess supervisor rather than
// os/exec directly, the way the resolver invokes the external appliance
// builder.
func createQcow2Overlay(ctx context.Context, h *Handle, d Drive) (string, error) {
	dir, err := h.tempSubdir("overlay")
	if err != nil {
		return "", resourceError("create overlay dir", err)
	}
	path := dir + "/overlay.qcow2"

	backing, err := FormatURI(d)
	if err != nil {
		return "", err
	}

	format := d.Format
	if format == "" {
		format = "raw"
	}

	argv := []string{"qemu-img", "create", "-f", "qcow2", "-F", format, "-b", backing, path}
	if _, err := subprocess.Run(ctx, subprocess.Cmd{Argv: argv, BufferMode: subprocess.WholeBuffer}); err != nil {
		return "", externalCommandError(argv, err)
	}
	return path, nil
}
