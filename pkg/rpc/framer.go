// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Transport is the subset of the connection abstraction (pkg/connection)
// the framer needs: full-length reads/writes that either transfer
// everything or fail, per spec.md §4.6.
type Transport interface {
	ReadExact(buf []byte) error
	WriteExact(buf []byte) error
}

// initialSerial is the framer's distinctive non-zero starting serial,
// useful when eyeballing protocol dumps, per spec.md §3/§4.7.
const initialSerial = 0xB0B5EED

const (
	kindMessage byte = iota
	kindProgress
	kindLog
	kindCancel
)

const maxChunk = 64 * 1024

// ErrProtocolViolation is returned when a reply's serial does not match the
// most recent call; spec.md §4.7 treats this as fatal for the launch/call.
var ErrProtocolViolation = errors.New("rpc: protocol violation (serial mismatch)")

// Framer implements the request/reply/async-event wire protocol described
// in spec.md §4.7 over a Transport. Framer is not safe for concurrent Send
// calls; spec.md's handle mutex (C9) already serializes callers.
type Framer struct {
	t Transport

	nextSerial uint64
	lastCall   uint64

	onProgress func(ProgressFrame)
	onLog      func([]byte)

	cancelled atomic.Bool
}

// NewFramer wraps a Transport, an onProgress and onLog callback deliver
// async events encountered while waiting for a reply.
func NewFramer(t Transport, onProgress func(ProgressFrame), onLog func([]byte)) *Framer {
	return &Framer{t: t, nextSerial: initialSerial, onProgress: onProgress, onLog: onLog}
}

// Cancel raises the user-visible cancel flag. Recv does not consult the
// flag; it only sets it itself when the guest sends a cancel frame.
func (f *Framer) Cancel() { f.cancelled.Store(true) }

// Cancelled reports whether Cancel has been called since the last Send.
func (f *Framer) Cancelled() bool { return f.cancelled.Load() }

// Send transmits one request frame. It returns the serial allocated for
// this call; Recv must be given the same serial.
func (f *Framer) Send(procedure uint32, progressHint, optargsMask uint64, args []byte) (uint64, error) {
	serial := f.nextSerial
	f.nextSerial++ // overflow wraps; a single outstanding call per handle makes collisions impossible
	f.lastCall = serial
	f.cancelled.Store(false)

	hdr := Header{
		Program:   Program,
		Version:   Version,
		Procedure: procedure,
		Direction: DirectionCall,
		Serial:    serial,
		Status:    StatusOK,
	}

	body := encodeHeader(hdr)
	body = append(body, encodeU64(progressHint)...)
	body = append(body, encodeU64(optargsMask)...)
	body = append(body, args...)

	if len(body)+1 > MaxPayload {
		return 0, fmt.Errorf("rpc: request payload exceeds MaxPayload")
	}

	if err := f.writeFrame(append([]byte{kindMessage}, body...), false); err != nil {
		return 0, errors.Wrap(err, "rpc: send")
	}
	return serial, nil
}

// SendFileChunk writes one chunk of an inline file upload stream following
// a Send call to an upload procedure; the final chunk must set eof.
func (f *Framer) SendFileChunk(data []byte, eof bool) error {
	if len(data) > maxChunk {
		return fmt.Errorf("rpc: file chunk exceeds %d bytes", maxChunk)
	}
	return errors.Wrap(f.writeFrame(data, eof), "rpc: send file chunk")
}

// SendCancel notifies the guest that the host is abandoning the in-flight
// transfer; per spec.md §9's conservative resolution of the unspecified
// cancel/upload-stream ordering, the caller must still drain and discard
// any chunks already in flight before treating the call as cancelled.
func (f *Framer) SendCancel() error {
	return errors.Wrap(f.writeFrame(append([]byte{kindCancel}, encodeU32(CancelFlag)...), false), "rpc: send cancel")
}

// Reply is the decoded outcome of Recv.
type Reply struct {
	Status Status
	Body   []byte
	Err    *GuestError
}

// Recv waits for the reply matching serial, delivering any progress/log
// frames encountered along the way as events rather than returning them.
// A cancel-status reply is returned to the caller rather than treated as
// fatal, so the handle can leave state unchanged per spec.md §7.
func (f *Framer) Recv(serial uint64) (*Reply, error) {
	for {
		payload, _, err := f.readFrame()
		if err != nil {
			return nil, errors.Wrap(err, "rpc: recv")
		}
		if len(payload) == 0 {
			return nil, errors.New("rpc: empty frame")
		}

		kind, rest := payload[0], payload[1:]
		switch kind {
		case kindProgress:
			if f.onProgress != nil {
				f.onProgress(decodeProgress(rest))
			}
			continue
		case kindLog:
			if f.onLog != nil {
				f.onLog(rest)
			}
			continue
		case kindCancel:
			f.cancelled.Store(true)
			continue
		case kindMessage:
			hdr, body, err := decodeHeader(rest)
			if err != nil {
				return nil, errors.Wrap(err, "rpc: decode header")
			}
			if hdr.Direction != DirectionReply {
				return nil, ErrProtocolViolation
			}
			if hdr.Serial != serial {
				return nil, ErrProtocolViolation
			}
			return decodeReplyBody(hdr, body)
		default:
			return nil, fmt.Errorf("rpc: unknown frame kind %d", kind)
		}
	}
}

// RecvFile writes an inline file-download stream to sink until the EOF bit
// is observed, per spec.md §4.7 "recv_file".
func (f *Framer) RecvFile(sink func([]byte) error) error {
	for {
		data, eof, err := f.readFrame()
		if err != nil {
			return errors.Wrap(err, "rpc: recv_file")
		}
		if len(data) > 0 {
			if err := sink(data); err != nil {
				return err
			}
		}
		if eof {
			return nil
		}
	}
}

func (f *Framer) writeFrame(payload []byte, eof bool) error {
	length := uint32(len(payload))
	if length&eofBit != 0 {
		return fmt.Errorf("rpc: payload too large")
	}
	if eof {
		length |= eofBit
	}
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, length)
	if err := f.t.WriteExact(header); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	return f.t.WriteExact(payload)
}

func (f *Framer) readFrame() ([]byte, bool, error) {
	header := make([]byte, 4)
	if err := f.t.ReadExact(header); err != nil {
		return nil, false, err
	}
	word := binary.BigEndian.Uint32(header)
	eof := word&eofBit != 0
	length := word &^ eofBit
	if length > MaxPayload {
		return nil, false, fmt.Errorf("rpc: frame length %d exceeds MaxPayload", length)
	}
	if length == 0 {
		return nil, eof, nil
	}
	payload := make([]byte, length)
	if err := f.t.ReadExact(payload); err != nil {
		return nil, false, err
	}
	return payload, eof, nil
}

func encodeHeader(h Header) []byte {
	buf := make([]byte, 0, 28)
	buf = append(buf, encodeU32(h.Program)...)
	buf = append(buf, encodeU32(h.Version)...)
	buf = append(buf, encodeU32(h.Procedure)...)
	buf = append(buf, encodeU32(uint32(h.Direction))...)
	buf = append(buf, encodeU64(h.Serial)...)
	buf = append(buf, encodeU32(uint32(h.Status))...)
	return buf
}

func decodeHeader(buf []byte) (Header, []byte, error) {
	if len(buf) < 28 {
		return Header{}, nil, fmt.Errorf("rpc: truncated header")
	}
	h := Header{
		Program:   binary.BigEndian.Uint32(buf[0:4]),
		Version:   binary.BigEndian.Uint32(buf[4:8]),
		Procedure: binary.BigEndian.Uint32(buf[8:12]),
		Direction: Direction(binary.BigEndian.Uint32(buf[12:16])),
		Serial:    binary.BigEndian.Uint64(buf[16:24]),
		Status:    Status(binary.BigEndian.Uint32(buf[24:28])),
	}
	return h, buf[28:], nil
}

func decodeReplyBody(hdr Header, body []byte) (*Reply, error) {
	switch hdr.Status {
	case StatusOK:
		return &Reply{Status: StatusOK, Body: body}, nil
	case StatusError, StatusProcError:
		if len(body) < 4 {
			return nil, fmt.Errorf("rpc: truncated error body")
		}
		errno := int32(binary.BigEndian.Uint32(body[0:4]))
		msg := string(body[4:])
		return &Reply{Status: hdr.Status, Err: &GuestError{Errno: errno, Message: msg}}, nil
	case StatusCancel:
		return &Reply{Status: StatusCancel}, nil
	default:
		return nil, fmt.Errorf("rpc: unknown reply status %d", hdr.Status)
	}
}

func decodeProgress(buf []byte) ProgressFrame {
	var p ProgressFrame
	if len(buf) < 32 {
		return p
	}
	p.Position = binary.BigEndian.Uint64(buf[0:8])
	p.Total = binary.BigEndian.Uint64(buf[8:16])
	p.Count = binary.BigEndian.Uint64(buf[16:24])
	p.Index = binary.BigEndian.Uint64(buf[24:32])
	return p
}

func encodeU32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func encodeU64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// EncodeErrorBody encodes a GuestError reply body, exported so backend
// test doubles / mock agents can construct realistic error replies.
func EncodeErrorBody(e GuestError) []byte {
	buf := encodeU32(uint32(e.Errno))
	return append(buf, []byte(e.Message)...)
}
