// Package transport implements the Byte Stream component (spec.md §4.1,
// C1): a single logical TCP connection to one GDB-server-side core, with
// no framing or retry logic of its own. The connection-tuning path is
// grounded on sockstats/conniver's Conn wrapper (raw-fd access via
// SyscallConn + github.com/higebu/netfd) and on go-ublk's direct use of
// golang.org/x/sys/unix for syscalls the portable net package doesn't
// expose.
package transport

import (
	"context"
	"net"
	"time"

	"github.com/higebu/netfd"
	"golang.org/x/sys/unix"

	"github.com/microsoft/exdi-gdbrsp-core/internal/rsperr"
)

// ReadyState is the result of Ready's readiness poll.
type ReadyState int

const (
	ReadyTimeout ReadyState = iota
	ReadyReadable
	ReadyWritable
	ReadyError
)

// Option identifies a tunable socket option (spec.md §4.1: "SHOULD disable
// Nagle, request minimum ACK frequency, enable keep-alive").
type Option int

const (
	OptionNoDelay Option = iota
	OptionKeepAlive
	OptionQuickACK
)

// Channel is one logical byte-stream to a single CPU core.
type Channel struct {
	Index int

	conn        net.Conn
	sendTimeout time.Duration
	recvTimeout time.Duration
	lastErr     rsperr.Kind

	bytesSent uint64
	bytesRecv uint64
}

// New creates an unconnected Channel for the given channel index.
func New(index int, sendTimeout, recvTimeout time.Duration) *Channel {
	return &Channel{Index: index, sendTimeout: sendTimeout, recvTimeout: recvTimeout}
}

// Connect dials addr over TCP, retrying up to attempts times, and applies
// the default socket tuning (Nagle off, keepalive on).
func (c *Channel) Connect(ctx context.Context, addr string, attempts int) error {
	var dialer net.Dialer
	var lastErr error
	for i := 0; i < attempts; i++ {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			c.conn = conn
			c.applyDefaultTuning()
			return nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return rsperr.NewOnChannel("transport.Connect", c.Index, rsperr.KindCancelled, ctx.Err())
		case <-time.After(100 * time.Millisecond):
		}
	}
	c.lastErr = rsperr.KindIO
	return rsperr.NewOnChannel("transport.Connect", c.Index, rsperr.KindIO, lastErr)
}

// applyDefaultTuning disables Nagle, requests quick ACKs, and enables
// keepalive, mirroring the portable-API-plus-raw-syscall split of
// sockstats/exporter.go's fd extraction.
func (c *Channel) applyDefaultTuning() {
	tcpConn, ok := c.conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tcpConn.SetNoDelay(true)
	_ = tcpConn.SetKeepAlive(true)
	_ = tcpConn.SetKeepAlivePeriod(30 * time.Second)

	fd := netfd.GetFdFromConn(c.conn)
	if fd > 0 {
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_QUICKACK, 1)
	}
}

// SetOption applies a single tunable socket option explicitly, used when
// configuration overrides the defaults applied at Connect time.
func (c *Channel) SetOption(opt Option, enabled bool) error {
	tcpConn, ok := c.conn.(*net.TCPConn)
	if !ok {
		return rsperr.NewOnChannel("transport.SetOption", c.Index, rsperr.KindInvalidArgument, nil)
	}
	switch opt {
	case OptionNoDelay:
		return tcpConn.SetNoDelay(enabled)
	case OptionKeepAlive:
		return tcpConn.SetKeepAlive(enabled)
	case OptionQuickACK:
		fd := netfd.GetFdFromConn(c.conn)
		if fd <= 0 {
			return rsperr.NewOnChannel("transport.SetOption", c.Index, rsperr.KindIO, nil)
		}
		v := 0
		if enabled {
			v = 1
		}
		return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_QUICKACK, v)
	}
	return rsperr.NewOnChannel("transport.SetOption", c.Index, rsperr.KindInvalidArgument, nil)
}

// Close closes the underlying connection.
func (c *Channel) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Send writes b in full, honoring the configured send timeout. No retries
// are performed at this layer (spec.md §4.1).
func (c *Channel) Send(b []byte) (int, error) {
	if c.conn == nil {
		return 0, rsperr.NewOnChannel("transport.Send", c.Index, rsperr.KindIO, nil)
	}
	if c.sendTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.sendTimeout))
	}
	n, err := c.conn.Write(b)
	c.bytesSent += uint64(n)
	if err != nil {
		c.lastErr = classify(err)
		return n, rsperr.NewOnChannel("transport.Send", c.Index, c.lastErr, err)
	}
	return n, nil
}

// SetReadTimeout overrides the receive timeout Recv applies, returning
// the previous value so a caller can restore it afterwards. Used by the
// RSP Client to bound the ACK-wait portion of a command round trip by
// framing.WaitAckTimeout separately from the (typically longer) timeout
// for the reply frame itself.
func (c *Channel) SetReadTimeout(d time.Duration) time.Duration {
	prev := c.recvTimeout
	c.recvTimeout = d
	return prev
}

// Recv reads into buf, honoring the configured receive timeout.
func (c *Channel) Recv(buf []byte) (int, error) {
	if c.conn == nil {
		return 0, rsperr.NewOnChannel("transport.Recv", c.Index, rsperr.KindIO, nil)
	}
	if c.recvTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.recvTimeout))
	}
	n, err := c.conn.Read(buf)
	c.bytesRecv += uint64(n)
	if err != nil {
		c.lastErr = classify(err)
		return n, rsperr.NewOnChannel("transport.Recv", c.Index, c.lastErr, err)
	}
	return n, nil
}

// Peek reads up to len(buf) bytes without consuming them from the logical
// stream; used by connection-loss detection (spec.md §4.1: "a channel is
// considered lost when Ready signals readable but a Peek reports
// connection_lost"). Implemented with a MSG_PEEK recvfrom on the raw fd so
// the bytes remain available to the next Recv.
func (c *Channel) Peek(buf []byte) (int, error) {
	if c.conn == nil {
		return 0, rsperr.NewOnChannel("transport.Peek", c.Index, rsperr.KindIO, nil)
	}
	tcpConn, ok := c.conn.(*net.TCPConn)
	if !ok {
		return 0, rsperr.NewOnChannel("transport.Peek", c.Index, rsperr.KindUnsupported, nil)
	}
	raw, err := tcpConn.SyscallConn()
	if err != nil {
		return 0, rsperr.NewOnChannel("transport.Peek", c.Index, rsperr.KindIO, err)
	}
	var n int
	var sysErr error
	ctrlErr := raw.Read(func(fd uintptr) bool {
		n, _, sysErr = unix.Recvfrom(int(fd), buf, unix.MSG_PEEK)
		return true
	})
	if ctrlErr != nil {
		return 0, rsperr.NewOnChannel("transport.Peek", c.Index, rsperr.KindIO, ctrlErr)
	}
	if sysErr != nil {
		c.lastErr = rsperr.KindIO
		return n, rsperr.NewOnChannel("transport.Peek", c.Index, rsperr.KindIO, sysErr)
	}
	return n, nil
}

// Ready polls the channel for readability within timeout; it never reports
// ReadyWritable.
func (c *Channel) Ready(timeout time.Duration) (ReadyState, error) {
	if c.conn == nil {
		return ReadyError, rsperr.NewOnChannel("transport.Ready", c.Index, rsperr.KindIO, nil)
	}
	tcpConn, ok := c.conn.(*net.TCPConn)
	if !ok {
		return ReadyError, rsperr.NewOnChannel("transport.Ready", c.Index, rsperr.KindUnsupported, nil)
	}
	raw, err := tcpConn.SyscallConn()
	if err != nil {
		return ReadyError, rsperr.NewOnChannel("transport.Ready", c.Index, rsperr.KindIO, err)
	}
	deadline := time.Now().Add(timeout)
	var state ReadyState
	ctrlErr := raw.Read(func(fd uintptr) bool {
		pfds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		remaining := int(time.Until(deadline) / time.Millisecond)
		if remaining < 0 {
			remaining = 0
		}
		n, perr := unix.Poll(pfds, remaining)
		switch {
		case perr != nil:
			state = ReadyError
		case n == 0:
			state = ReadyTimeout
		case pfds[0].Revents&unix.POLLIN != 0:
			state = ReadyReadable
		default:
			state = ReadyTimeout
		}
		return true
	})
	if ctrlErr != nil {
		return ReadyError, rsperr.NewOnChannel("transport.Ready", c.Index, rsperr.KindIO, ctrlErr)
	}
	return state, nil
}

// LastError returns the most recently observed error kind.
func (c *Channel) LastError() rsperr.Kind { return c.lastErr }

// Stats returns byte counters for the metrics collector.
func (c *Channel) Stats() (sent, recv uint64) { return c.bytesSent, c.bytesRecv }

func classify(err error) rsperr.Kind {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return rsperr.KindTimeout
	}
	if isConnLost(err) {
		return rsperr.KindIO
	}
	return rsperr.KindIO
}

func isConnLost(err error) bool {
	return err == unix.ECONNRESET || err == unix.EPIPE || err == unix.ENOTCONN
}
