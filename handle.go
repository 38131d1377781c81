// SPDX-License-Identifier: Apache-2.0

package guestfs

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/libguestfs/libguestfs-sub010/pkg/connection"
	"github.com/libguestfs/libguestfs-sub010/pkg/hvprobe"
	"github.com/libguestfs/libguestfs-sub010/pkg/resolver"
	"github.com/libguestfs/libguestfs-sub010/pkg/rpc"
)

var handleLog = logrus.WithField("source", "handle")

// Handle is the appliance lifecycle engine's central object: one Handle
// owns one appliance, one backend instance, and the state machine
// described in spec.md §4.9. It is not safe for concurrent use from
// multiple goroutines except through its own recursive mutex.
type Handle struct {
	mu recursiveMutex

	cfg     HandleConfig
	state   State
	closed  bool
	closeOk bool // set once close-on-exit registration succeeds

	drives driveList
	errs   errorStack
	events eventRegistry
	priv   privateData

	backend  Backend
	conn     *connection.Connection
	framer   *rpc.Framer
	features hvprobe.Features

	tempDir string
	sockDir string

	lastSerialSeen uint64
}

// NewHandle creates a handle in StateConfig, applying cfg and preparing
// its per-handle temp/socket directories under a UID-partitioned
// subdirectory, per spec.md §5's "Shared-resource policy".
func NewHandle(cfg HandleConfig) (*Handle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	base := filepath.Join(os.TempDir(), fmt.Sprintf("libguestfs-%d", os.Getuid()))
	if err := os.MkdirAll(base, 0o700); err != nil {
		return nil, resourceError("create per-uid temp base", err)
	}

	tempDir, err := os.MkdirTemp(base, "handle-")
	if err != nil {
		return nil, resourceError("create handle temp dir", err)
	}
	sockDir, err := os.MkdirTemp(base, "sock-")
	if err != nil {
		os.RemoveAll(tempDir)
		return nil, resourceError("create handle socket dir", err)
	}

	h := &Handle{
		cfg:     cfg,
		state:   StateConfig,
		tempDir: tempDir,
		sockDir: sockDir,
	}

	if cfg.ProcessGroup {
		registerOpenHandle(h)
		h.closeOk = true
	}

	return h, nil
}

func (h *Handle) tempSubdir(name string) (string, error) {
	dir, err := os.MkdirTemp(h.tempDir, name+"-")
	if err != nil {
		return "", err
	}
	return dir, nil
}

// transition enforces the state machine of spec.md §4.9; callers must
// already hold h.mu.
func (h *Handle) transition(next State) error {
	if err := h.state.validTransition(next); err != nil {
		return protocolError("%v", err)
	}
	h.state = next
	return nil
}

// State returns the handle's current lifecycle state.
func (h *Handle) State() State {
	h.mu.lock()
	defer h.mu.unlock()
	return h.state
}

// LastError returns the top of the handle's error stack, if any.
func (h *Handle) LastError() (errno int, message string, ok bool) {
	h.mu.lock()
	defer h.mu.unlock()
	e, ok := h.errs.last()
	return e.errno, e.message, ok
}

// Subscribe registers cb for any event in mask and returns a handle id
// usable with Unsubscribe.
func (h *Handle) Subscribe(mask EventBitmask, cb EventCallback, opaque1, opaque2 interface{}) int {
	h.mu.lock()
	defer h.mu.unlock()
	return h.events.set(mask, cb, opaque1, opaque2)
}

// Unsubscribe removes a subscription previously returned by Subscribe.
func (h *Handle) Unsubscribe(id int) bool {
	h.mu.lock()
	defer h.mu.unlock()
	return h.events.delete(id)
}

// SetPrivateData stores an opaque caller-owned value under key.
func (h *Handle) SetPrivateData(key string, value interface{}) {
	h.mu.lock()
	defer h.mu.unlock()
	h.priv.set(key, value)
}

// GetPrivateData retrieves a value previously stored with SetPrivateData.
func (h *Handle) GetPrivateData(key string) (interface{}, bool) {
	h.mu.lock()
	defer h.mu.unlock()
	return h.priv.get(key)
}

// AddDrive appends d in CONFIG state only, per spec.md §4.4.
func (h *Handle) AddDrive(d Drive) (int, error) {
	h.mu.lock()
	defer h.mu.unlock()
	if h.state != StateConfig {
		return -1, configurationError("add_drive is only valid in the config state")
	}
	idx, err := h.drives.addDrive(d)
	if err != nil {
		h.errs.set(0, err.Error())
		return -1, err
	}
	return idx, nil
}

// CheckpointDrives returns the current drive count.
func (h *Handle) CheckpointDrives() int {
	h.mu.lock()
	defer h.mu.unlock()
	return h.drives.checkpoint()
}

// RollbackDrives frees every drive with index >= n.
func (h *Handle) RollbackDrives(n int) {
	h.mu.lock()
	defer h.mu.unlock()
	h.drives.rollback(n)
}

// FreeDrives frees every drive and resets to length 0.
func (h *Handle) FreeDrives() {
	h.mu.lock()
	defer h.mu.unlock()
	h.drives.free()
}

// SetMemsize sets the appliance memory size in megabytes, per spec.md §8
// scenario 2: only valid in CONFIG, rejecting anything below
// memsizeFloorMB without disturbing the previously configured value.
func (h *Handle) SetMemsize(mb int) error {
	h.mu.lock()
	defer h.mu.unlock()
	if h.state != StateConfig {
		return configurationError("set_memsize is only valid in the config state")
	}
	if mb < memsizeFloorMB {
		err := configurationError("too small value for memsize: %d MB (floor is %d MB)", mb, memsizeFloorMB)
		h.errs.set(0, err.Error())
		return err
	}
	h.cfg.MemsizeMB = mb
	return nil
}

// GetMemsize returns the currently configured appliance memory size in
// megabytes.
func (h *Handle) GetMemsize() int {
	h.mu.lock()
	defer h.mu.unlock()
	return h.cfg.MemsizeMB
}

// SetIdentifier applies the identifier round-trip contract of spec.md §8.
func (h *Handle) SetIdentifier(id string) error {
	h.mu.lock()
	defer h.mu.unlock()
	if err := h.cfg.SetIdentifier(id); err != nil {
		h.errs.set(0, err.Error())
		return err
	}
	return nil
}

// GetIdentifier returns the current identifier, or "" if unset.
func (h *Handle) GetIdentifier() string {
	h.mu.lock()
	defer h.mu.unlock()
	return h.cfg.Identifier
}

// SetBackendSetting sets key=value in the handle's backend settings list;
// repeated sets return the latest value, per spec.md §8.
func (h *Handle) SetBackendSetting(key, value string) {
	h.mu.lock()
	defer h.mu.unlock()
	prefix := key + "="
	for i, s := range h.cfg.BackendSettings {
		if s == key || len(s) >= len(prefix) && s[:len(prefix)] == prefix {
			h.cfg.BackendSettings[i] = key + "=" + value
			return
		}
	}
	h.cfg.BackendSettings = append(h.cfg.BackendSettings, key+"="+value)
}

// ClearBackendSetting removes key; GetBackendSetting afterward reports
// ESRCH via the bool return, per spec.md §8's round-trip contract.
func (h *Handle) ClearBackendSetting(key string) {
	h.mu.lock()
	defer h.mu.unlock()
	prefix := key + "="
	out := h.cfg.BackendSettings[:0]
	for _, s := range h.cfg.BackendSettings {
		if s == key || (len(s) >= len(prefix) && s[:len(prefix)] == prefix) {
			continue
		}
		out = append(out, s)
	}
	h.cfg.BackendSettings = out
}

// GetBackendSetting returns the value for key, or ok=false (ESRCH) if
// unset.
func (h *Handle) GetBackendSetting(key string) (value string, ok bool) {
	h.mu.lock()
	defer h.mu.unlock()
	prefix := key + "="
	for _, s := range h.cfg.BackendSettings {
		if len(s) >= len(prefix) && s[:len(prefix)] == prefix {
			return s[len(prefix):], true
		}
		if s == key {
			return "", true
		}
	}
	return "", false
}

// awaitReadySentinel reads LaunchFlag as a raw u32 off the channel
// connection; it is not frame-wrapped, per spec.md §6.
func (h *Handle) awaitReadySentinel(ctx context.Context) bool {
	buf := make([]byte, 4)
	if err := h.conn.ReadExact(buf); err != nil {
		return false
	}
	return binary.BigEndian.Uint32(buf) == rpc.LaunchFlag
}

// Launch drives the handle from CONFIG through LAUNCHING to READY,
// resolving the appliance, probing the hypervisor, building its argument
// vector, and handing off to the configured backend. It mirrors the
// approach of kata's Sandbox creation pipeline (resolve assets, probe
// capabilities, build argv, start, wait for readiness) generalized to a
// pluggable backend rather than a fixed qemu path.
func (h *Handle) Launch(ctx context.Context) error {
	h.mu.lock()
	defer h.mu.unlock()

	if h.state != StateConfig {
		return configurationError("launch is only valid in the config state")
	}

	if h.backend == nil {
		b, err := NewBackend(h.cfg.Backend, h.cfg.BackendArg)
		if err != nil {
			h.errs.set(0, err.Error())
			return err
		}
		h.backend = b
	}

	checkpoint := h.drives.checkpoint()
	h.drives.addDummyApplianceDrive()

	for i := range h.drives.drives {
		d := &h.drives.drives[i]
		if d.Dummy || !d.ReadOnly {
			continue
		}
		overlay, err := h.backend.CreateOverlay(ctx, h, *d)
		if err != nil {
			h.drives.rollback(checkpoint)
			h.errs.set(0, err.Error())
			return launchFailedError(fmt.Sprintf("create_overlay failed: %v", err))
		}
		d.Overlay = overlay
	}

	// Invariant 1 (spec.md §8): readonly ⇒ overlay != "" for any drive
	// vector observed outside CONFIG. The loop above is what establishes
	// it; this is the point the handle moves outside CONFIG, so check it
	// holds before going any further.
	for i := range h.drives.drives {
		d := &h.drives.drives[i]
		if !d.Dummy && d.ReadOnly && d.Overlay == "" {
			h.drives.rollback(checkpoint)
			err := protocolError("readonly drive %d has no overlay after create_overlay", i)
			h.errs.set(0, err.Error())
			return err
		}
	}

	searchPath := h.cfg.SearchPath
	if len(searchPath) == 0 {
		searchPath = []string{"/usr/lib64/guestfs", "/usr/lib/guestfs"}
	}
	triple, err := resolver.Resolve(ctx, searchPath, resolver.HostCPU(), "supermin", h.applianceCacheDir())
	if err != nil {
		h.drives.rollback(checkpoint)
		h.errs.set(0, err.Error())
		return launchFailedError(fmt.Sprintf("could not resolve appliance: %v", err))
	}

	hvPath := h.cfg.HypervisorBinary
	if hvPath == "" {
		hvPath = "qemu-system-x86_64"
	}
	features, err := hvprobe.Probe(ctx, hvPath, h.capabilityCacheDir())
	if err != nil {
		h.drives.rollback(checkpoint)
		h.errs.set(0, err.Error())
		return launchFailedError(fmt.Sprintf("hypervisor probe failed: %v", err))
	}
	h.features = features

	argv, err := h.buildArgv(hvPath, triple, features)
	if err != nil {
		h.drives.rollback(checkpoint)
		h.errs.set(0, err.Error())
		return err
	}

	consoleLn, channelLn, err := h.listenSockets()
	if err != nil {
		h.drives.rollback(checkpoint)
		h.errs.set(0, err.Error())
		return resourceError("listen on console/channel sockets", err)
	}
	h.conn = connection.NewListening(consoleLn, channelLn, func(data []byte) {
		h.events.callCallbacksMessage(EventAppliance, data)
	})
	h.framer = rpc.NewFramer(transportAdapter{h.conn}, func(p rpc.ProgressFrame) {
		h.events.callCallbacksArray(EventProgress, []uint64{p.Position, p.Total, p.Count, p.Index})
	}, func(data []byte) {
		h.events.callCallbacksMessage(EventLibrary, data)
	})

	launchArgs := directLaunchArgs{
		Argv:         argv,
		RecoveryProc: h.cfg.RecoveryProc,
		ParentPID:    os.Getpid(),
	}

	if err := h.backend.Launch(ctx, h, launchArgs); err != nil {
		h.drives.rollback(checkpoint)
		h.errs.set(0, err.Error())
		return err
	}

	h.events.callCallbacksVoid(EventLaunchDone)
	return nil
}

// transportAdapter lets *connection.Connection satisfy rpc.Transport
// without pkg/rpc importing pkg/connection, keeping the dependency
// direction pointing from the root package down into both leaf packages.
type transportAdapter struct {
	c *connection.Connection
}

func (t transportAdapter) ReadExact(buf []byte) error  { return t.c.ReadExact(buf) }
func (t transportAdapter) WriteExact(buf []byte) error { return t.c.WriteExact(buf) }

// Call sends one RPC request and waits for its matching reply, enforcing
// the strictly-sequential request/reply ordering of spec.md §5.
func (h *Handle) Call(procedure uint32, optargsMask uint64, args []byte) (*rpc.Reply, error) {
	h.mu.lock()
	defer h.mu.unlock()

	if h.state != StateReady {
		return nil, configurationError("call is only valid in the ready state")
	}

	serial, err := h.framer.Send(procedure, 0, optargsMask, args)
	if err != nil {
		return nil, protocolError("send failed: %v", err)
	}
	if serial <= h.lastSerialSeen && h.lastSerialSeen != 0 {
		return nil, protocolError("serial did not strictly increase")
	}
	h.lastSerialSeen = serial

	reply, err := h.framer.Recv(serial)
	if err != nil {
		h.transition(StateConfig)
		return nil, protocolError("recv failed: %v", err)
	}
	if reply.Err != nil {
		h.errs.setGuest(int(reply.Err.Errno), reply.Err.Message)
	}
	return reply, nil
}

// Shutdown tears the appliance down; it is idempotent per spec.md §8's
// invariant 4.
func (h *Handle) Shutdown(ctx context.Context) error {
	h.mu.lock()
	defer h.mu.unlock()
	return h.shutdownLocked(ctx, true)
}

func (h *Handle) shutdownLocked(ctx context.Context, checkErrors bool) error {
	if h.state == StateConfig {
		return nil
	}

	if h.cfg.Autosync && h.state == StateReady {
		// best-effort implicit sync; failures do not block shutdown.
		h.Call(0, 0, nil)
	}

	var result *multierror.Error
	if h.backend != nil {
		if err := h.backend.Shutdown(ctx, h, checkErrors); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if h.conn != nil {
		if err := h.conn.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		h.conn = nil
	}
	h.framer = nil

	h.drives.free()
	if err := h.transition(StateConfig); err != nil {
		result = multierror.Append(result, err)
	}

	if result != nil {
		return result.ErrorOrNil()
	}
	return nil
}

// Close unconditionally tears everything down, per spec.md §4.9: it
// always deletes the per-handle temp and socket directories even after a
// failed launch, and is safe to call twice.
func (h *Handle) Close() error {
	h.mu.lock()
	if h.closed {
		h.mu.unlock()
		handleLog.Warn("close called on an already-closed handle")
		return nil
	}
	h.closed = true
	h.mu.unlock()

	h.mu.lock()
	defer h.mu.unlock()

	var result *multierror.Error

	if err := h.shutdownLocked(context.Background(), false); err != nil {
		result = multierror.Append(result, err)
	}

	h.events.callCallbacksVoid(EventClose)

	if h.closeOk {
		unregisterOpenHandle(h)
	}

	h.priv = privateData{}
	h.errs.clear()

	if err := os.RemoveAll(h.tempDir); err != nil {
		result = multierror.Append(result, err)
	}
	if err := os.RemoveAll(h.sockDir); err != nil {
		result = multierror.Append(result, err)
	}

	if err := h.transition(StateNoHandle); err != nil {
		result = multierror.Append(result, err)
	}

	if result != nil {
		return result.ErrorOrNil()
	}
	return nil
}

func (h *Handle) applianceCacheDir() string {
	return cacheDir(os.Getenv)
}

func (h *Handle) capabilityCacheDir() string {
	return filepath.Join(cacheDir(os.Getenv), "qemu.d")
}

// listenSockets binds the console and channel sockets under the handle's
// socket directory, per spec.md §4.6. The channel normally rides an
// AF_UNIX socket; a caller that sets the backend setting "vsock" (only
// meaningful for the direct backend, on a host exposing /dev/vsock) gets
// the channel over AF_VSOCK instead, per SPEC_FULL.md's C6 addition.
func (h *Handle) listenSockets() (consoleLn, channelLn net.Listener, err error) {
	consoleLn, channelLn, err = bindUnixSocketPair(h.sockDir)
	if err != nil {
		return nil, nil, err
	}
	if _, ok := h.GetBackendSetting("vsock"); ok {
		vln, verr := connection.VsockChannelListener(0)
		if verr != nil {
			handleLog.WithError(verr).Warn("vsock channel requested but unavailable, falling back to unix socket")
			return consoleLn, channelLn, nil
		}
		channelLn.Close()
		channelLn = vln
	}
	return consoleLn, channelLn, nil
}
