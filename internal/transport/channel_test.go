package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestChannelConnectSendRecv(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 5)
		n, _ := conn.Read(buf)
		_, _ = conn.Write(buf[:n])
	}()

	ch := New(0, time.Second, time.Second)
	err = ch.Connect(context.Background(), ln.Addr().String(), 3)
	require.NoError(t, err)
	defer ch.Close()

	n, err := ch.Send([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, n)

	buf := make([]byte, 5)
	n, err = ch.Recv(buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))

	<-serverDone
	sent, recv := ch.Stats()
	require.Equal(t, uint64(5), sent)
	require.Equal(t, uint64(5), recv)
}

func TestChannelConnectFailure(t *testing.T) {
	ch := New(0, 100*time.Millisecond, 100*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	err := ch.Connect(ctx, "127.0.0.1:1", 1)
	require.Error(t, err)
}
