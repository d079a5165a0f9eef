package bus

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopDriver struct{}

func (nopDriver) Open(address string) (Bus, error) { return nil, errors.New(address) }

func TestRegistry(t *testing.T) {
	defer unregisterAllDrivers()
	unregisterAllDrivers()

	Register("b", nopDriver{})
	Register("a", nopDriver{})
	assert.Equal(t, []string{"a", "b"}, Drivers())

	assert.Panics(t, func() { Register("a", nopDriver{}) })
	assert.Panics(t, func() { Register("c", nil) })

	_, err := Open("a", "somewhere")
	assert.EqualError(t, err, "somewhere")

	_, err = Open("zzz", "")
	assert.Error(t, err)
}

func TestFrameCodec(t *testing.T) {
	f := Frame{Address: 0, TransactionID: 7, Channel: 0x14, Command: 0xD1, Length: 3, Error: 0, Data: [4]byte{1, 2, 3, 0}}

	b, err := f.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, FrameSize)
	assert.Equal(t, []byte{'S', 'W'}, b[:2])

	g, err := DecodeFrame(b)
	require.NoError(t, err)
	assert.Equal(t, f, g)
	assert.Equal(t, []byte{1, 2, 3}, g.Payload())

	b[0] = 'X'
	_, err = DecodeFrame(b)
	assert.True(t, errors.Is(err, ErrBadMagic))

	_, err = DecodeFrame(b[:5])
	assert.True(t, errors.Is(err, ErrShort))
}

func TestFrameReply(t *testing.T) {
	req := Frame{TransactionID: 9, Channel: 3, Command: 0x10, Length: 2, Data: [4]byte{5, 6}}

	rsp := req.Reply(0x80, []byte{1, 2, 3, 4, 5})
	assert.Equal(t, uint8(9), rsp.TransactionID)
	assert.Equal(t, uint8(3), rsp.Channel)
	assert.Equal(t, uint8(0x80), rsp.Command)
	assert.Equal(t, uint8(4), rsp.Length)
	assert.Equal(t, [4]byte{1, 2, 3, 4}, rsp.Data)

	e := req.ErrorReply(ErrCodeBadCommand)
	assert.Equal(t, ErrCodeBadCommand, e.Error)
	assert.Empty(t, e.Payload())

	assert.True(t, Frame{TransactionID: ReservedIDLow}.IsReserved())
	assert.True(t, Frame{TransactionID: ReservedIDHigh}.IsReserved())
	assert.False(t, Frame{TransactionID: 1}.IsReserved())
}

func TestInboxPeekAndDiscard(t *testing.T) {
	var b Inbox
	b.InitInbox("test", 4)

	require.True(t, b.Push(Frame{TransactionID: 1}))
	require.True(t, b.Push(Frame{TransactionID: 2}))

	ctx := context.Background()
	f, err := b.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), f.TransactionID)

	// peeking again returns the same head:
	f, err = b.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), f.TransactionID)

	require.NoError(t, b.Discard())
	assert.ErrorIs(t, b.Discard(), ErrNoFrame)

	f, err = b.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint8(2), f.TransactionID)
	require.NoError(t, b.Discard())
}

func TestInboxDrain(t *testing.T) {
	var b Inbox
	b.InitInbox("test", 8)
	for i := 1; i <= 3; i++ {
		b.Push(Frame{TransactionID: uint8(i)})
	}
	_, err := b.Next(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, b.Drain())
	assert.Equal(t, 0, b.Drain())
}

func TestInboxCloseAndFail(t *testing.T) {
	var b Inbox
	b.InitInbox("test", 1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := b.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	b.Push(Frame{TransactionID: 4})
	b.Fail(errors.New("link down"))

	f, err := b.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint8(4), f.TransactionID)
	require.NoError(t, b.Discard())

	_, err = b.Next(context.Background())
	var term *TerminalError
	require.True(t, errors.As(err, &term))
	assert.Contains(t, err.Error(), "link down")

	var c Inbox
	c.InitInbox("test", 1)
	c.CloseInbox()
	c.CloseInbox()
	assert.False(t, c.Push(Frame{}))
	_, err = c.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
