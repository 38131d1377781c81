// SPDX-License-Identifier: Apache-2.0

package guestfs

import (
	"context"
	"fmt"
	"sync"
)

// maxDisksCeiling is the hard ceiling spec.md §4.8 places on max_disks.
const maxDisksCeiling = 255

// Backend is the five-operation polymorphic boundary spec.md §4.8
// defines, shaped after virtcontainers' Hypervisor interface: a small
// fixed capability set, registered by name at program init rather than
// discovered dynamically.
type Backend interface {
	// CreateOverlay is called once per readonly drive before launch and
	// returns the path to a fresh overlay file.
	CreateOverlay(ctx context.Context, h *Handle, d Drive) (string, error)

	// Launch transitions h to LAUNCHING, then to READY iff the ready
	// sentinel is observed on the channel.
	Launch(ctx context.Context, h *Handle, arg interface{}) error

	// Shutdown must be idempotent and safe to call after a partial
	// launch.
	Shutdown(ctx context.Context, h *Handle, checkErrors bool) error

	// GetPID returns the backend's owned process id, or -1 if the
	// backend has no single pid (e.g. a delegated daemon-managed VM).
	GetPID() int

	// MaxDisks returns the maximum number of drives this backend
	// supports, <= maxDisksCeiling.
	MaxDisks() int
}

// BackendFactory constructs a fresh Backend instance for one handle,
// given the handle's configured backend argument (the text after the
// first colon in LIBGUESTFS_BACKEND, e.g. the control-socket path
// "/run/libguestfsd.sock" for the libvirt backend).
type BackendFactory func(arg string) (Backend, error)

var (
	backendRegistryMu sync.Mutex
	backendRegistry   = map[string]BackendFactory{}
)

// RegisterBackend adds factory under name to the process-wide registry.
// Per spec.md §9, registration is static at program init; backends
// register themselves from an init() function.
func RegisterBackend(name string, factory BackendFactory) {
	backendRegistryMu.Lock()
	defer backendRegistryMu.Unlock()
	backendRegistry[name] = factory
}

// NewBackend looks up name in the registry and constructs an instance.
func NewBackend(name, arg string) (Backend, error) {
	backendRegistryMu.Lock()
	factory, ok := backendRegistry[name]
	backendRegistryMu.Unlock()
	if !ok {
		return nil, configurationError("unknown backend %q", name)
	}
	b, err := factory(arg)
	if err != nil {
		return nil, fmt.Errorf("backend %q: %w", name, err)
	}
	return b, nil
}
