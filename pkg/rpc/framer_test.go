// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"bytes"
	"io"
	"testing"
)

// loopback is a Transport backed by two independent in-memory pipes, one
// per direction, so a test can drive both ends of the framer without a
// real socket.
type loopback struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func newLoopbackPair() (*loopback, *loopback) {
	r1, w1 := io.Pipe()
	r2, w2 := io.Pipe()
	return &loopback{r: r1, w: w2}, &loopback{r: r2, w: w1}
}

func (l *loopback) ReadExact(buf []byte) error {
	_, err := io.ReadFull(l.r, buf)
	return err
}

func (l *loopback) WriteExact(buf []byte) error {
	_, err := l.w.Write(buf)
	return err
}

func TestSendRecvRoundTrip(t *testing.T) {
	hostSide, guestSide := newLoopbackPair()
	host := NewFramer(hostSide, nil, nil)
	guest := NewFramer(guestSide, nil, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		payload, _, err := guest.readFrame()
		if err != nil {
			t.Errorf("guest readFrame: %v", err)
			return
		}
		hdr, _, err := decodeHeader(payload[1:])
		if err != nil {
			t.Errorf("decode: %v", err)
			return
		}
		reply := Header{Program: Program, Version: Version, Procedure: hdr.Procedure,
			Direction: DirectionReply, Serial: hdr.Serial, Status: StatusOK}
		body := append(encodeHeader(reply), []byte("ok-body")...)
		if err := guest.writeFrame(append([]byte{kindMessage}, body...), false); err != nil {
			t.Errorf("guest write: %v", err)
		}
	}()

	serial, err := host.Send(1 /* proc */, 0, 0, []byte("args"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	reply, err := host.Recv(serial)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if reply.Status != StatusOK || !bytes.Equal(reply.Body, []byte("ok-body")) {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	<-done
}

func TestRecvSerialMismatchIsFatal(t *testing.T) {
	hostSide, guestSide := newLoopbackPair()
	host := NewFramer(hostSide, nil, nil)
	guest := NewFramer(guestSide, nil, nil)

	go func() {
		reply := Header{Program: Program, Version: Version, Procedure: 1,
			Direction: DirectionReply, Serial: 99999, Status: StatusOK}
		body := append(encodeHeader(reply), []byte("x")...)
		guest.writeFrame(append([]byte{kindMessage}, body...), false)
	}()

	serial, err := host.Send(1, 0, 0, nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	_, err = host.Recv(serial)
	if err != ErrProtocolViolation {
		t.Fatalf("got %v, want ErrProtocolViolation", err)
	}
}

func TestProgressAndLogEventsDeliveredNotReturned(t *testing.T) {
	hostSide, guestSide := newLoopbackPair()
	var gotProgress []ProgressFrame
	var gotLog [][]byte
	host := NewFramer(hostSide, func(p ProgressFrame) {
		gotProgress = append(gotProgress, p)
	}, func(l []byte) {
		gotLog = append(gotLog, l)
	})
	guest := NewFramer(guestSide, nil, nil)

	go func() {
		guest.writeFrame(append([]byte{kindLog}, []byte("hello")...), false)
		progressBody := make([]byte, 32)
		guest.writeFrame(append([]byte{kindProgress}, progressBody...), false)
		reply := Header{Program: Program, Version: Version, Procedure: 1,
			Direction: DirectionReply, Serial: initialSerial, Status: StatusOK}
		body := append(encodeHeader(reply), []byte("done")...)
		guest.writeFrame(append([]byte{kindMessage}, body...), false)
	}()

	serial, err := host.Send(1, 0, 0, nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	reply, err := host.Recv(serial)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if string(reply.Body) != "done" {
		t.Fatalf("reply body = %q", reply.Body)
	}
	if len(gotLog) != 1 || string(gotLog[0]) != "hello" {
		t.Fatalf("log events = %v", gotLog)
	}
	if len(gotProgress) != 1 {
		t.Fatalf("progress events = %v", gotProgress)
	}
}

func TestGuestErrorReply(t *testing.T) {
	hostSide, guestSide := newLoopbackPair()
	host := NewFramer(hostSide, nil, nil)
	guest := NewFramer(guestSide, nil, nil)

	go func() {
		reply := Header{Program: Program, Version: Version, Procedure: 1,
			Direction: DirectionReply, Serial: initialSerial, Status: StatusError}
		body := append(encodeHeader(reply), EncodeErrorBody(GuestError{Errno: 2, Message: "no such file"})...)
		guest.writeFrame(append([]byte{kindMessage}, body...), false)
	}()

	serial, _ := host.Send(1, 0, 0, nil)
	reply, err := host.Recv(serial)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if reply.Err == nil || reply.Err.Errno != 2 || reply.Err.Message != "no such file" {
		t.Fatalf("unexpected error reply: %+v", reply.Err)
	}
}

func TestRecvFileStopsAtEOF(t *testing.T) {
	hostSide, guestSide := newLoopbackPair()
	host := NewFramer(hostSide, nil, nil)
	guest := NewFramer(guestSide, nil, nil)

	go func() {
		guest.writeFrame([]byte("chunk1"), false)
		guest.writeFrame([]byte("chunk2"), true)
	}()

	var got bytes.Buffer
	err := host.RecvFile(func(b []byte) error {
		got.Write(b)
		return nil
	})
	if err != nil {
		t.Fatalf("RecvFile: %v", err)
	}
	if got.String() != "chunk1chunk2" {
		t.Fatalf("got %q", got.String())
	}
}
