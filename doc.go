// SPDX-License-Identifier: Apache-2.0

// Package guestfs is the appliance lifecycle engine: it owns a long-lived
// Handle, advances it through the CONFIG -> LAUNCHING -> READY -> CONFIG
// state machine, drives one of two pluggable backends to bring up a
// minimal Linux appliance VM, and ships RPC messages to the in-guest
// daemon over a private virtio-serial channel.
//
// The public action API surface, OS inspection heuristics, the FUSE
// bridge, credential prompting, icon extraction, and language bindings are
// treated as external collaborators layered on top of Handle; none of them
// live in this package.
package guestfs
