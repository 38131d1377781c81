// SPDX-License-Identifier: Apache-2.0

package guestfs

import "sync"

// openHandleRegistry is the process-wide list of open handles that opted
// into close-on-exit, per spec.md §9's "Global mutable state". It is the
// only process-wide state besides the backend registry (backend.go), and
// both share the pattern of a single mutex guarding a plain slice/map.
var openHandleRegistry struct {
	mu      sync.Mutex
	handles map[*Handle]struct{}
}

func registerOpenHandle(h *Handle) {
	openHandleRegistry.mu.Lock()
	defer openHandleRegistry.mu.Unlock()
	if openHandleRegistry.handles == nil {
		openHandleRegistry.handles = make(map[*Handle]struct{})
	}
	openHandleRegistry.handles[h] = struct{}{}
}

func unregisterOpenHandle(h *Handle) {
	openHandleRegistry.mu.Lock()
	defer openHandleRegistry.mu.Unlock()
	delete(openHandleRegistry.handles, h)
}

// CloseAllHandles closes every still-open handle that opted into
// close-on-exit; a caller installs this as an at-exit hook (e.g. via a
// signal handler or a deferred call in main), since Go has no native
// atexit() equivalent.
func CloseAllHandles() {
	openHandleRegistry.mu.Lock()
	handles := make([]*Handle, 0, len(openHandleRegistry.handles))
	for h := range openHandleRegistry.handles {
		handles = append(handles, h)
	}
	openHandleRegistry.mu.Unlock()

	for _, h := range handles {
		h.Close()
	}
}
