package grpcbus

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"swamp/bus"
	"swamp/bus/mockbus"
	"swamp/syncmem"
	"swamp/transport"
)

func startServer(t *testing.T, device bus.Device) *bufconn.Listener {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	g := grpc.NewServer()
	NewServer(device, zaptest.NewLogger(t)).Register(g)
	go func() { _ = g.Serve(lis) }()
	t.Cleanup(g.Stop)
	return lis
}

func dialBuf(t *testing.T, lis *bufconn.Listener) *Bus {
	t.Helper()
	b, err := Dial("passthrough:///bufnet", zaptest.NewLogger(t),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	return b
}

func TestFrameRoundTrip(t *testing.T) {
	lis := startServer(t, mockbus.NewRegisterFile(8, bus.DefaultRegisterProtocol))
	b := dialBuf(t, lis)
	defer b.Close()

	p := bus.DefaultRegisterProtocol
	require.NoError(t, b.Submit(bus.Frame{TransactionID: 42, Channel: p.Channel, Command: p.Read, Length: 2, Data: [4]byte{9, 0}}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	f, err := b.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint8(42), f.TransactionID)
	assert.Equal(t, bus.ErrCodeBadAddress, f.Error)
}

func TestMemoryOverGRPC(t *testing.T) {
	rf := mockbus.NewRegisterFile(8, bus.DefaultRegisterProtocol)
	lis := startServer(t, rf)

	e := transport.New(dialBuf(t, lis), transport.WithLogger(zaptest.NewLogger(t)))
	defer e.Close()
	m, err := syncmem.New(e, 8)
	require.NoError(t, err)

	require.NoError(t, m.Write([]syncmem.Update{{Address: 2, Mask: 0xFF, Value: 0x20}, {Address: 6, Mask: 0xF0, Value: 0x60}}))
	require.Eventually(t, func() bool { return len(m.Outstanding()) == 0 }, 2*time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	v, err := m.Read(ctx, []int{2, 6}, true)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x20, 0x60}, v)
	assert.Equal(t, byte(0x20), rf.Peek(2))
}

func TestServerStopFailsBus(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	g := grpc.NewServer()
	NewServer(mockbus.NewRegisterFile(1, bus.DefaultRegisterProtocol), nil).Register(g)
	go func() { _ = g.Serve(lis) }()

	b := dialBuf(t, lis)
	defer b.Close()
	require.NoError(t, b.Submit(bus.Frame{TransactionID: 1, Channel: bus.DefaultRegisterProtocol.Channel}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := b.Next(ctx)
	require.NoError(t, err)
	require.NoError(t, b.Discard())

	g.Stop()
	_, err = b.Next(ctx)
	assert.Error(t, err)
}
