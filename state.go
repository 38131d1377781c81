// SPDX-License-Identifier: Apache-2.0

package guestfs

import "fmt"

// State is a handle lifecycle state, per spec.md §4.9. The valid-transition
// checking is ported in shape from virtcontainers/types.StateString's
// validTransition, generalized from kata's five-state sandbox lifecycle to
// this handle's four states (the extra NO_HANDLE terminal state exists
// because a Handle, unlike a kata Sandbox, has no on-disk persistence to
// fall back to once freed).
type State string

const (
	// StateConfig is the initial state: drives and settings may be
	// configured, but no appliance is running.
	StateConfig State = "config"
	// StateLaunching is entered by Launch and left on success (READY) or
	// failure (CONFIG).
	StateLaunching State = "launching"
	// StateReady is entered once the guest daemon's ready sentinel has
	// been observed on the channel.
	StateReady State = "ready"
	// StateNoHandle is terminal: Close has run and the handle is no
	// longer usable for anything.
	StateNoHandle State = "no-handle"
)

func (s State) valid() bool {
	switch s {
	case StateConfig, StateLaunching, StateReady, StateNoHandle:
		return true
	}
	return false
}

// validTransition returns an error if moving from s to next is not one of
// the edges spec.md §4.9's diagram allows.
func (s State) validTransition(next State) error {
	if !s.valid() || !next.valid() {
		return fmt.Errorf("guestfs: invalid state %v", s)
	}

	if next == StateNoHandle {
		// close is reachable from any state.
		return nil
	}

	switch s {
	case StateConfig:
		if next == StateConfig || next == StateLaunching {
			return nil
		}
	case StateLaunching:
		if next == StateReady || next == StateConfig {
			return nil
		}
	case StateReady:
		if next == StateConfig {
			return nil
		}
	}

	return fmt.Errorf("guestfs: cannot move from %v to %v", s, next)
}
