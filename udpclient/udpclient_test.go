package udpclient

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func echoServer(t *testing.T) *net.UDPAddr {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	go func() {
		b := make([]byte, 1500)
		for {
			n, peer, err := conn.ReadFrom(b)
			if err != nil {
				return
			}
			_, _ = conn.WriteTo(b[:n], peer)
		}
	}()
	return conn.LocalAddr().(*net.UDPAddr)
}

func TestEcho(t *testing.T) {
	addr := echoServer(t)
	c := NewUDPClient("echo", zaptest.NewLogger(t))
	require.NoError(t, c.Connect("127.0.0.1", uint16(addr.Port)))
	defer c.Close()

	assert.True(t, c.IsConnected())
	assert.Error(t, c.Connect("127.0.0.1", uint16(addr.Port)))

	require.NoError(t, c.Send([]byte("ping")))
	select {
	case b := <-c.Read():
		assert.Equal(t, []byte("ping"), b)
	case <-time.After(2 * time.Second):
		t.Fatal("no echo")
	}
}

func TestCloseEndsRead(t *testing.T) {
	addr := echoServer(t)
	c := NewUDPClient("echo", zaptest.NewLogger(t))
	require.NoError(t, c.Connect("127.0.0.1", uint16(addr.Port)))

	c.Close()
	c.Close()

	_, ok := <-c.Read()
	assert.False(t, ok)
	assert.False(t, c.IsConnected())
	assert.ErrorIs(t, c.Send([]byte("late")), ErrNotConnected)
	assert.NoError(t, c.Err())
}
