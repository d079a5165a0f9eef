package serialbus

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"swamp/bus"
	"swamp/bus/mockbus"
	"swamp/transport"
)

func pipe(t *testing.T, device bus.Device) *Bus {
	t.Helper()
	local, remote := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- ServeStream(remote, device, zaptest.NewLogger(t)) }()

	b := New(local, zaptest.NewLogger(t))
	t.Cleanup(func() {
		_ = b.Close()
		assert.NoError(t, <-done)
	})
	return b
}

func TestParseAddress(t *testing.T) {
	port, baud := parseAddress("/dev/ttyACM0;115200")
	assert.Equal(t, "/dev/ttyACM0", port)
	assert.Equal(t, 115200, baud)

	port, baud = parseAddress("")
	assert.Equal(t, "", port)
	assert.Equal(t, baudRates[0], baud)

	_, baud = parseAddress("COM3;fast")
	assert.Equal(t, baudRates[0], baud)
}

func TestEngineOverStream(t *testing.T) {
	rf := mockbus.NewRegisterFile(8, bus.DefaultRegisterProtocol)
	rf.Poke(7, 0x17)
	e := transport.New(pipe(t, rf), transport.WithLogger(zaptest.NewLogger(t)))
	defer e.Close()

	p := bus.DefaultRegisterProtocol
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req, err := transport.NewRequest(p.Channel, p.Read, []byte{7, 0})
	require.NoError(t, err)
	rsp, err := req.Send(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, byte(0x17), rsp[0])

	req, err = transport.NewRequest(p.Channel, p.Write, []byte{1, 0, 0x33})
	require.NoError(t, err)
	_, err = req.Send(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, byte(0x33), rf.Peek(1))
}

func TestOutOfSyncStreamFails(t *testing.T) {
	local, remote := net.Pipe()
	b := New(local, zaptest.NewLogger(t))
	defer b.Close()
	defer remote.Close()

	go func() { _, _ = remote.Write([]byte("garbage-data")) }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := b.Next(ctx)
	var terminal *bus.TerminalError
	require.ErrorAs(t, err, &terminal)
	assert.ErrorIs(t, err, bus.ErrBadMagic)
}
