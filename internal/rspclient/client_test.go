package rspclient

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/microsoft/exdi-gdbrsp-core/internal/capability"
	"github.com/microsoft/exdi-gdbrsp-core/internal/config"
	"github.com/microsoft/exdi-gdbrsp-core/internal/framing"
	"github.com/microsoft/exdi-gdbrsp-core/internal/logging"
)

// fakeServer accepts one connection and runs script: for each expected
// inbound frame payload, write back the given literal bytes verbatim
// (ack byte(s) plus an optional reply frame), modeling spec.md §8's
// negotiation scenario on a real loopback socket.
func fakeServer(t *testing.T, ln net.Listener, steps []func(net.Conn)) {
	t.Helper()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		for _, step := range steps {
			step(conn)
		}
	}()
}

func readFramedCommand(t *testing.T, conn net.Conn) string {
	t.Helper()
	buf := make([]byte, 4096)
	// skip the client's '+' acks for earlier reply frames, which may arrive
	// on their own or just ahead of the next command frame
	var raw []byte
	for len(raw) == 0 {
		n, err := conn.Read(buf)
		require.NoError(t, err)
		raw = bytes.TrimLeft(buf[:n], "+")
	}
	// strip leading '$' and trailing '#xx'
	require.True(t, len(raw) > 3)
	payload := raw[1 : len(raw)-3]
	return string(framing.Unescape(payload))
}

func writeAckAndFrame(t *testing.T, conn net.Conn, reply string) {
	t.Helper()
	_, err := conn.Write([]byte{'+'})
	require.NoError(t, err)
	_, err = conn.Write(framing.EncodeFrame([]byte(reply)))
	require.NoError(t, err)
}

func TestNegotiateLikeScenario1(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	fakeServer(t, ln, []func(net.Conn){
		func(conn net.Conn) {
			got := readFramedCommand(t, conn)
			require.Equal(t, "qSupported", got)
			writeAckAndFrame(t, conn, "PacketSize=4000;QStartNoAckMode+;qXfer:features:read+")
		},
		func(conn net.Conn) {
			got := readFramedCommand(t, conn)
			require.Equal(t, "QStartNoAckMode", got)
			writeAckAndFrame(t, conn, "OK")
		},
	})

	cfg := config.Default()
	cfg.CoreConnections = []string{ln.Addr().String()}
	c := New(cfg, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	defer c.Close()

	require.NoError(t, c.Negotiate(0))
	require.Equal(t, uint32(0x4000), c.Capabilities().Value(capability.FeaturePacketSize))
	require.True(t, c.Capabilities().IsEnabled(capability.FeatureQStartNoAckMode))
}

func TestCommandSendsAndReceives(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	fakeServer(t, ln, []func(net.Conn){
		func(conn net.Conn) {
			got := readFramedCommand(t, conn)
			require.Equal(t, "g", got)
			writeAckAndFrame(t, conn, "deadbeef")
		},
	})

	cfg := config.Default()
	cfg.CoreConnections = []string{ln.Addr().String()}
	c := New(cfg, logging.New(logging.Config{Output: discardWriter{}}))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	defer c.Close()

	reply, err := c.Command(0, "g", false)
	require.NoError(t, err)
	require.Equal(t, "deadbeef", reply)
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestSessionStatusOKWhenIdle(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	idle := make(chan struct{})
	defer close(idle)
	fakeServer(t, ln, []func(net.Conn){func(net.Conn) { <-idle }})

	cfg := config.Default()
	cfg.CoreConnections = []string{ln.Addr().String()}
	c := New(cfg, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	defer c.Close()

	status, err := c.SessionStatus(0)
	require.NoError(t, err)
	require.Equal(t, StatusOK, status)
}

func TestSessionStatusConnectionLostAfterPeerCloses(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- conn
	}()

	cfg := config.Default()
	cfg.CoreConnections = []string{ln.Addr().String()}
	c := New(cfg, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	defer c.Close()

	conn := <-accepted
	conn.Close()

	require.Eventually(t, func() bool {
		status, _ := c.SessionStatus(0)
		return status == StatusConnectionLost
	}, 2*time.Second, 10*time.Millisecond)
}
