// SPDX-License-Identifier: Apache-2.0

// Package connection implements the host/guest socket pair the appliance
// core uses for its console sink and request/response channel, per
// spec.md §4.6. It mirrors the accept-with-timeout and short-read/short-write
// looping the teacher's process and I/O helpers (virtcontainers/utils,
// govmm's LaunchCustomQemu pipe handling) use, generalized from a single
// stdout/stderr pipe pair to the console+channel socket pair spec.md
// describes.
package connection

import (
	"errors"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/containerd/console"
	"github.com/mdlayher/vsock"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var log = logrus.WithField("source", "connection")

// AcceptDeadline bounds how long Accept waits for the guest to connect to
// both sockets, per spec.md §4.6/§5.
const AcceptDeadline = 20 * time.Minute

// LogSink receives console bytes drained while waiting on the channel, as
// an appliance log event (spec.md §4.6).
type LogSink func(data []byte)

// Connection is the polymorphic value behind {accept, read_exact,
// write_exact, can_read, console_fd} from spec.md §3.
type Connection struct {
	console net.Listener
	channel net.Listener

	consoleConn net.Conn
	channelConn net.Conn

	accepted bool
	logSink  LogSink
}

// NewListening wraps two already-bound+listening sockets; Accept blocks
// until the guest has connected to both.
func NewListening(consoleLn, channelLn net.Listener, logSink LogSink) *Connection {
	return &Connection{console: consoleLn, channel: channelLn, logSink: logSink}
}

// NewConnected wraps two already-connected stream sockets; Accept is then a
// no-op.
func NewConnected(consoleConn, channelConn net.Conn, logSink LogSink) *Connection {
	return &Connection{consoleConn: consoleConn, channelConn: channelConn, accepted: true, logSink: logSink}
}

// VsockChannelListener opens the channel socket over AF_VSOCK instead of
// the default AF_UNIX pair, for the direct backend on hosts that expose
// /dev/vsock (spec.md's connection abstraction is agnostic to the
// transport beneath net.Listener, so this plugs into NewListening
// unchanged). Port 0 asks the kernel to assign one; the caller reads it
// back off the returned listener's Addr().
func VsockChannelListener(port uint32) (net.Listener, error) {
	ln, err := vsock.Listen(port)
	if err != nil {
		return nil, errors.New("connection: vsock channel listen: " + err.Error())
	}
	return ln, nil
}

// Accept waits until the guest has connected to both sockets or
// AcceptDeadline passes. It returns (true, nil) once both are connected
// and (false, err) if either accept fails or the deadline passes; it does
// not return (false, nil).
func (c *Connection) Accept() (bool, error) {
	if c.accepted {
		return true, nil
	}
	if c.console == nil || c.channel == nil {
		return false, errors.New("connection: Accept called on a connected-mode Connection")
	}

	deadline := time.Now().Add(AcceptDeadline)

	type result struct {
		conn net.Conn
		err  error
	}
	consoleCh := make(chan result, 1)
	channelCh := make(chan result, 1)

	go func() {
		if d, ok := c.console.(interface{ SetDeadline(time.Time) error }); ok {
			d.SetDeadline(deadline)
		}
		conn, err := c.console.Accept()
		consoleCh <- result{conn, err}
	}()
	go func() {
		if d, ok := c.channel.(interface{ SetDeadline(time.Time) error }); ok {
			d.SetDeadline(deadline)
		}
		conn, err := c.channel.Accept()
		channelCh <- result{conn, err}
	}()

	var consoleDone, channelDone bool
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	for !consoleDone || !channelDone {
		select {
		case r := <-consoleCh:
			if r.err != nil {
				return false, r.err
			}
			c.consoleConn = r.conn
			consoleDone = true
		case r := <-channelCh:
			if r.err != nil {
				return false, r.err
			}
			c.channelConn = r.conn
			channelDone = true
		case <-timer.C:
			log.Warn("accept deadline exceeded waiting for guest to connect")
			return false, errors.New("connection: accept deadline exceeded")
		}
	}

	c.accepted = true
	return true, nil
}

// ReadExact fills buf completely from the channel socket. Before reading,
// it forwards whatever the console socket already holds as a log event;
// the console is not read while ReadExact is blocked on the channel. It
// returns io.EOF if the peer closed before any byte arrived and
// io.ErrUnexpectedEOF if it closed after a partial read.
func (c *Connection) ReadExact(buf []byte) error {
	if !c.accepted {
		return errors.New("connection: not accepted")
	}
	c.drainConsoleNonBlocking()
	_, err := io.ReadFull(c.channelConn, buf)
	return err
}

// WriteExact writes buf completely to the channel socket.
func (c *Connection) WriteExact(buf []byte) error {
	if !c.accepted {
		return errors.New("connection: not accepted")
	}
	c.drainConsoleNonBlocking()
	_, err := c.channelConn.Write(buf)
	return err
}

// CanRead reports whether the channel socket has data ready, via a
// nonblocking MSG_PEEK poll that never consumes the pending byte.
func (c *Connection) CanRead() bool {
	if !c.accepted {
		return false
	}
	sc, ok := c.channelConn.(syscall.Conn)
	if !ok {
		return false
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return false
	}

	var n int
	var peekErr error
	buf := make([]byte, 1)
	ctrlErr := raw.Read(func(fd uintptr) bool {
		n, _, peekErr = unix.Recvfrom(int(fd), buf, unix.MSG_PEEK|unix.MSG_DONTWAIT)
		return true
	})
	return ctrlErr == nil && peekErr == nil && n > 0
}

// ConsoleFD exposes the console connection for the rescue pathway.
func (c *Connection) ConsoleFD() net.Conn { return c.consoleConn }

// drainConsoleNonBlocking reads whatever is available on the console
// socket within about a millisecond and forwards it to logSink.
func (c *Connection) drainConsoleNonBlocking() {
	if c.consoleConn == nil || c.logSink == nil {
		return
	}
	c.consoleConn.SetReadDeadline(time.Now().Add(time.Millisecond))
	defer c.consoleConn.SetReadDeadline(time.Time{})

	buf := make([]byte, 4096)
	for {
		n, err := c.consoleConn.Read(buf)
		if n > 0 {
			c.logSink(append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			return
		}
	}
}

// Close releases both sockets, console first as spec.md's teardown order
// for the handle close path (everything freed, best-effort).
func (c *Connection) Close() error {
	var firstErr error
	if c.consoleConn != nil {
		if err := c.consoleConn.Close(); err != nil {
			firstErr = err
		}
	}
	if c.channelConn != nil {
		if err := c.channelConn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.console != nil {
		c.console.Close()
	}
	if c.channel != nil {
		c.channel.Close()
	}
	return firstErr
}

// ConsoleTTY wraps the console connection as a containerd/console.Console,
// for callers that want raw-mode terminal semantics on the rescue pathway
// using the same library the teacher links for its own console handling.
func ConsoleTTY(conn net.Conn) (console.Console, error) {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return nil, errors.New("connection: console connection is not a unix socket")
	}
	f, err := uc.File()
	if err != nil {
		return nil, err
	}
	return console.ConsoleFromFile(f)
}
