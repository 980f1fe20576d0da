package transport

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTCPListener_ServesConnections(t *testing.T) {
	l, err := NewTCPListener("127.0.0.1:0", func(conn net.Conn) {
		_, _ = io.Copy(conn, conn)
	})
	require.NoError(t, err)
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := DialTCP(ctx, l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), buf)
	assert.Eventually(t, func() bool { return l.ClientCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestTCPListener_CloseDisconnectsClients(t *testing.T) {
	l, err := NewTCPListener("127.0.0.1:0", func(conn net.Conn) {
		_, _ = io.Copy(io.Discard, conn)
	})
	require.NoError(t, err)

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return l.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, l.Close())
	assert.Equal(t, 0, l.ClientCount())

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err)
}
