// SPDX-License-Identifier: Apache-2.0

// Package rpc implements the length-prefixed request/reply wire protocol
// this module's core speaks to the in-guest daemon over the virtio-serial
// channel, per spec.md §4.7/§6. It is hand-rolled over encoding/binary
// rather than an XDR library because no repo in the reference corpus
// imports one (see DESIGN.md); the framing shape itself follows the same
// length-prefixed, request/reply/async-event model containerd/ttrpc and
// kata's virtcontainers/remote.go delegated-RPC client use.
package rpc

import "fmt"

// Direction distinguishes a call from its reply.
type Direction uint32

const (
	DirectionCall Direction = iota
	DirectionReply
)

// Status is the reply status. Async progress/log/cancel frames are told
// apart by the frame-kind byte (framer.go), not by a Status value.
type Status uint32

const (
	StatusOK Status = iota
	StatusError
	StatusProcError
	StatusCancel
)

// Program and Version identify the guest daemon's RPC program, fixed for
// the lifetime of the protocol (GUESTFS_PROGRAM in spec.md §6).
const (
	Program = 0x2000F5
	Version = 1
)

// MaxPayload bounds a single frame's payload, shared with the guest.
const MaxPayload = 4 * 1024 * 1024

// LaunchFlag is the magic value the guest daemon writes to the channel
// exactly once, raw (not frame-wrapped), to signal it is ready to accept
// calls; per spec.md §4.9/§6 this is what drives LAUNCHING -> READY.
const LaunchFlag uint32 = 0xf5f55ff5

// CancelFlag is the magic value a cancel frame's payload carries; kept
// distinct from the kindCancel frame-kind byte so a raw protocol dump is
// self-describing without needing the frame header alongside it.
const CancelFlag uint32 = 0xffffeeee

// eofBit is the top bit of the u32 length prefix, set on the final chunk of
// a file-streaming transfer.
const eofBit = uint32(1) << 31

// Header precedes every call/reply frame.
type Header struct {
	Program   uint32
	Version   uint32
	Procedure uint32
	Direction Direction
	Serial    uint64
	Status    Status
}

// CallEnvelope wraps a request's fixed preamble (spec.md §4.7: progress
// hint and optargs bitmask precede the procedure's own XDR-encoded args).
type CallEnvelope struct {
	Header       Header
	ProgressHint uint64
	OptargsMask  uint64
	Args         []byte // procedure-specific encoded arguments
}

// ReplyEnvelope wraps a reply/error/progress/log/cancel frame.
type ReplyEnvelope struct {
	Header Header
	Body   []byte // present iff Header.Status == StatusOK
	Error  *GuestError
}

// GuestError mirrors a Linux errno plus message, as returned by the guest
// daemon on a failed call.
type GuestError struct {
	Errno   int32
	Message string
}

func (e *GuestError) Error() string {
	return fmt.Sprintf("guestfs: %s (errno %d)", e.Message, e.Errno)
}

// ProgressFrame is an async progress event, four u64 fields per spec.md §3.
type ProgressFrame struct {
	Position, Total, Count, Index uint64
}

// LogFrame is an async appliance/guest log event; Data is opaque bytes.
type LogFrame struct {
	Data []byte
}

// FileChunk is one chunk of an inline file stream (upload or download).
type FileChunk struct {
	Data []byte
	EOF  bool
}
