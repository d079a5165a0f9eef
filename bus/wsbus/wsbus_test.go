package wsbus

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"swamp/bus"
	"swamp/bus/mockbus"
	"swamp/transport"
)

func startServer(t *testing.T, device bus.Device) string {
	t.Helper()
	srv := httptest.NewServer(Handler(device, zaptest.NewLogger(t)))
	t.Cleanup(srv.Close)
	return "ws://" + strings.TrimPrefix(srv.URL, "http://") + "/bus"
}

func TestFrameRoundTrip(t *testing.T) {
	url := startServer(t, mockbus.NewRegisterFile(16, bus.DefaultRegisterProtocol))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	b, err := Dial(ctx, url, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer b.Close()

	p := bus.DefaultRegisterProtocol
	require.NoError(t, b.Submit(bus.Frame{TransactionID: 3, Channel: p.Channel, Command: 0x7F}))

	f, err := b.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint8(3), f.TransactionID)
	assert.Equal(t, bus.ErrCodeBadCommand, f.Error)
}

func TestEngineOverWebsocket(t *testing.T) {
	rf := mockbus.NewRegisterFile(16, bus.DefaultRegisterProtocol)
	url := startServer(t, rf)

	b, err := bus.Open(driverName, url)
	require.NoError(t, err)
	e := transport.New(b, transport.WithLogger(zaptest.NewLogger(t)))
	defer e.Close()

	p := bus.DefaultRegisterProtocol
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req, err := transport.NewRequest(p.Channel, p.Write, []byte{byte(i), 0, byte(i + 100)})
			if assert.NoError(t, err) {
				_, err = req.Send(ctx, e)
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < 8; i++ {
		assert.Equal(t, byte(i+100), rf.Peek(i))
	}
}

func TestCloseEndsNext(t *testing.T) {
	url := startServer(t, mockbus.NewRegisterFile(1, bus.DefaultRegisterProtocol))
	b, err := Dial(context.Background(), url, nil)
	require.NoError(t, err)

	require.NoError(t, b.Close())
	_, err = b.Next(context.Background())
	assert.ErrorIs(t, err, bus.ErrClosed)
	assert.ErrorIs(t, b.Submit(bus.Frame{TransactionID: 1}), bus.ErrClosed)
	assert.NoError(t, b.Close())
}
