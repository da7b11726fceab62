package controller

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/microsoft/exdi-gdbrsp-core/internal/config"
	"github.com/microsoft/exdi-gdbrsp-core/internal/framing"
	"github.com/microsoft/exdi-gdbrsp-core/internal/rspclient"
)

func newTestController(t *testing.T, addr string) *Controller {
	t.Helper()
	cfg := config.Default()
	cfg.CoreConnections = []string{addr}
	cfg.TargetArchitecture = config.ArchARM64
	cfg.CoreRegisters = []config.RegisterSeed{
		{Name: "x0", Order: "0", Size: 8, Group: "general"},
		{Name: "pc", Order: "8", Size: 8, Group: "general"},
	}
	client := rspclient.New(cfg, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))
	return New(cfg, client, nil)
}

func serve(t *testing.T, ln net.Listener, handler func(net.Conn)) {
	t.Helper()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}()
}

func recvCommand(t *testing.T, conn net.Conn) string {
	t.Helper()
	buf := make([]byte, 8192)
	// The client acks each reply frame with '+'; that ack may arrive on its
	// own or just ahead of the next command frame, so skip it.
	var raw []byte
	for len(raw) == 0 {
		n, err := conn.Read(buf)
		require.NoError(t, err)
		raw = bytes.TrimLeft(buf[:n], "+")
	}
	require.True(t, len(raw) > 3)
	return string(framing.Unescape(raw[1 : len(raw)-3]))
}

func reply(t *testing.T, conn net.Conn, text string) {
	t.Helper()
	_, err := conn.Write([]byte{'+'})
	require.NoError(t, err)
	_, err = conn.Write(framing.EncodeFrame([]byte(text)))
	require.NoError(t, err)
}

func TestClassifyKinds(t *testing.T) {
	require.Equal(t, ReplyOK, Classify("OK", nil).Kind)
	require.Equal(t, ReplyEmpty, Classify("", nil).Kind)
	require.Equal(t, ReplyErrorCode, Classify("E01", nil).Kind)
	require.Equal(t, ReplyProcessExit, Classify("W00", nil).Kind)
	require.Equal(t, ReplyRaw, Classify("4f6b", nil).Kind) // no 'O' prefix -> raw
	co := Classify("O4f6b", nil)
	require.Equal(t, ReplyConsoleOutput, co.Kind)
	require.Equal(t, "Ok", co.Console)
}

func TestParseStopReplyScenario2(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	ctl := newTestController(t, ln.Addr().String())

	ev, ok := ctl.ParseStopReply("T05thread:00000001;05:8c3bb082;04:e43ab082;08:7f586281;")
	require.True(t, ok)
	require.Equal(t, byte('T'), ev.Kind)
	require.Equal(t, 5, ev.Signal)
	require.True(t, ev.HasPC)
	require.Equal(t, uint64(0x8162587f), ev.PC)
}

func TestMemoryReadClampScenario3(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serve(t, ln, func(conn net.Conn) {
		addr := uint64(0x81dce840)
		remaining := 256
		for remaining > 0 {
			cmd := recvCommand(t, conn)
			n := 30
			if remaining < n {
				n = remaining
			}
			require.Equal(t, fmt.Sprintf("m%x,%x", addr, n), cmd)
			data := make([]byte, n)
			for i := range data {
				data[i] = byte(i)
			}
			reply(t, conn, hexEncodeForTest(data))
			addr += uint64(n)
			remaining -= n
		}
	})

	cfg := config.Default()
	cfg.CoreConnections = []string{ln.Addr().String()}
	cfg.MaxPacketLength = 64
	client := rspclient.New(cfg, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))
	ctl := New(cfg, client, nil)

	data, err := ctl.ReadMemory(0, MemoryClassDefault, 0x81dce840, 256)
	require.NoError(t, err)
	require.Len(t, data, 256)
}

func hexEncodeForTest(b []byte) string {
	const digits = "0123456789abcdef"
	out := make([]byte, 0, len(b)*2)
	for _, c := range b {
		out = append(out, digits[c>>4], digits[c&0xf])
	}
	return string(out)
}

func TestThreadEnumerationScenario4(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serve(t, ln, func(conn net.Conn) {
		cmd := recvCommand(t, conn)
		require.Equal(t, "qfThreadInfo", cmd)
		reply(t, conn, "m1,2,3,4")
		cmd = recvCommand(t, conn)
		require.Equal(t, "qsThreadInfo", cmd)
		reply(t, conn, "l")
	})

	ctl := newTestController(t, ln.Addr().String())
	require.NoError(t, ctl.RefreshThreads(0))
	require.Equal(t, []string{"1", "2", "3", "4"}, ctl.Threads())
}

func TestMonitorCommandScenario6(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serve(t, ln, func(conn net.Conn) {
		cmd := recvCommand(t, conn)
		require.Regexp(t, `^qRcmd,`, cmd)
		reply(t, conn, "O"+hexEncodeForTest([]byte("cr0=")))
		_, err := conn.Read(make([]byte, 1)) // ack for the O frame in ack mode
		_ = err
		reply(t, conn, "O"+hexEncodeForTest([]byte("deadbeef")))
		conn.Read(make([]byte, 1))
		reply(t, conn, "OK")
	})

	ctl := newTestController(t, ln.Addr().String())
	out, err := ctl.Monitor(0, "r cr0")
	require.NoError(t, err)
	require.Equal(t, "cr0=deadbeef", out)
}

// TestContinueInterruptViaOrchestrator exercises spec.md §8 scenario 5
// end to end through the Controller/async.Orchestrator wiring, not just
// the Orchestrator in isolation: Continue starts the worker, the test
// waits for it to be in progress, AsyncInterrupt sends the break byte,
// and the server's resulting stop-reply surfaces through AsyncResult
// with the state machine back in Halted.
func TestContinueInterruptViaOrchestrator(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serve(t, ln, func(conn net.Conn) {
		cmd := recvCommand(t, conn)
		require.Equal(t, "Hc", cmd)
		reply(t, conn, "OK")

		cmd = recvCommand(t, conn)
		require.Equal(t, "c", cmd)
		_, err := conn.Write([]byte{'+'}) // ack the `c` command's send step
		require.NoError(t, err)

		brk := make([]byte, 1)
		_, err = conn.Read(brk)
		require.NoError(t, err)
		require.Equal(t, byte(0x03), brk[0])

		_, err = conn.Write(framing.EncodeFrame([]byte("T02thread:00000001;")))
		require.NoError(t, err)
	})

	ctl := newTestController(t, ln.Addr().String())
	_, err = ctl.Continue(0, "")
	require.NoError(t, err)

	require.Eventually(t, ctl.AsyncInProgress, time.Second, 5*time.Millisecond)
	require.Equal(t, StateRunning, ctl.State())

	require.NoError(t, ctl.AsyncInterrupt())

	text, done, err := ctl.AsyncResult(2 * time.Second)
	require.NoError(t, err)
	require.True(t, done)
	require.Contains(t, text, "T02")
	require.Equal(t, StateHalted, ctl.State())
}
