package sca

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"swamp/bus"
	"swamp/bus/mockbus"
	"swamp/transport"
)

// chip answers control and ADC requests like a slow-control chip.
type chip struct {
	mu     sync.Mutex
	regs   map[uint8]byte
	id     uint32
	writes []bus.Frame
}

func newChip() *chip {
	return &chip{regs: map[uint8]byte{cmdReadCRB: 0, cmdReadCRC: 0, cmdReadCRD: 0}, id: 0x00ABCDEF}
}

func (c *chip) Handle(req bus.Frame) []bus.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch req.Channel {
	case ChannelCtrl:
		switch req.Command {
		case cmdReadCRB, cmdReadCRC, cmdReadCRD:
			return []bus.Frame{req.Reply(0, []byte{0, 0, 0, c.regs[req.Command]})}
		case cmdWriteCRB, cmdWriteCRC, cmdWriteCRD:
			c.writes = append(c.writes, req)
			c.regs[req.Command+1] = req.Data[3]
			return []bus.Frame{req.Reply(0, nil)}
		}
	case ChannelADC:
		if c.regs[cmdReadCRD]&ADCEnableBit == 0 {
			return []bus.Frame{req.ErrorReply(bus.ErrCodeBadChannel)}
		}
		if req.Command == CmdIDv2 {
			var b [4]byte
			b[0], b[1], b[2], b[3] = byte(c.id), byte(c.id>>8), byte(c.id>>16), byte(c.id>>24)
			return []bus.Frame{req.Reply(0, b[:])}
		}
	}
	return []bus.Frame{req.ErrorReply(bus.ErrCodeBadCommand)}
}

func (c *chip) reg(cmd uint8) byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regs[cmd]
}

func newTestControl(t *testing.T) (*Control, *chip) {
	t.Helper()
	c := newChip()
	e := transport.New(mockbus.New(c), transport.WithLogger(zaptest.NewLogger(t)))
	t.Cleanup(func() { _ = e.Close() })
	return New(e, zaptest.NewLogger(t)), c
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestEnableAndDisableChannel(t *testing.T) {
	ctl, c := newTestControl(t)
	ctx := testContext(t)

	require.NoError(t, ctl.EnableChannel(ctx, RegisterB, 0x04))
	require.NoError(t, ctl.EnableChannel(ctx, RegisterB, 0x01))
	assert.Equal(t, byte(0x05), c.reg(cmdReadCRB))

	require.NoError(t, ctl.DisableChannel(ctx, RegisterB, 0x04))
	assert.Equal(t, byte(0x01), c.reg(cmdReadCRB))
	assert.Equal(t, byte(0), c.reg(cmdReadCRC))

	// writes go out with a zero length field:
	for _, w := range c.writes {
		assert.Equal(t, uint8(0), w.Length)
	}
}

func TestEnableTracksADC(t *testing.T) {
	ctl, _ := newTestControl(t)
	ctx := testContext(t)

	require.NoError(t, ctl.EnableChannel(ctx, RegisterD, ADCEnableBit))
	assert.True(t, ctl.ADCEnabled())
	require.NoError(t, ctl.DisableChannel(ctx, RegisterD, ADCEnableBit))
	assert.False(t, ctl.ADCEnabled())
}

func TestReadChipID(t *testing.T) {
	ctl, c := newTestControl(t)
	ctx := testContext(t)

	id, err := ctl.ReadChipID(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, int32(0x00ABCDEF), id)

	// the ADC is switched off again:
	assert.Equal(t, byte(0), c.reg(cmdReadCRD))
	assert.False(t, ctl.ADCEnabled())

	// and left alone when it was already on:
	require.NoError(t, ctl.EnableChannel(ctx, RegisterD, ADCEnableBit))
	_, err = ctl.ReadChipID(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, ADCEnableBit, c.reg(cmdReadCRD))
}

func TestReadChipIDHardwareError(t *testing.T) {
	ctl, c := newTestControl(t)

	_, err := ctl.ReadChipID(testContext(t), false)
	var hwErr *transport.HardwareError
	require.True(t, errors.As(err, &hwErr))
	assert.Equal(t, bus.ErrCodeBadCommand, hwErr.Code)
	assert.Equal(t, byte(0), c.reg(cmdReadCRD))
}

func TestUnknownRegister(t *testing.T) {
	ctl, _ := newTestControl(t)
	assert.Error(t, ctl.EnableChannel(testContext(t), Register(7), 1))
}
