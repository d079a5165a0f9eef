// Package sca drives the control registers of a GBT-SCA style slow-control chip through a
// transport engine: peripheral enable bits and the chip id.
package sca

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"swamp/transport"
)

// Channel and command codes of the control and ADC channels.
const (
	ChannelCtrl uint8 = 0x00
	ChannelADC  uint8 = 0x14

	cmdWriteCRB uint8 = 0x02
	cmdReadCRB  uint8 = 0x03
	cmdWriteCRC uint8 = 0x04
	cmdReadCRC  uint8 = 0x05
	cmdWriteCRD uint8 = 0x06
	cmdReadCRD  uint8 = 0x07

	CmdIDv1 uint8 = 0x91
	CmdIDv2 uint8 = 0xD1

	// ADCEnableBit enables the ADC in control register D.
	ADCEnableBit byte = 0x10
)

// Register selects one of the peripheral enable registers.
type Register int

const (
	RegisterB Register = iota
	RegisterC
	RegisterD
)

func (r Register) String() string {
	switch r {
	case RegisterB:
		return "CRB"
	case RegisterC:
		return "CRC"
	case RegisterD:
		return "CRD"
	default:
		return fmt.Sprintf("CR(%d)", int(r))
	}
}

func (r Register) opcodes() (read, write uint8, err error) {
	switch r {
	case RegisterB:
		return cmdReadCRB, cmdWriteCRB, nil
	case RegisterC:
		return cmdReadCRC, cmdWriteCRC, nil
	case RegisterD:
		return cmdReadCRD, cmdWriteCRD, nil
	default:
		return 0, 0, errors.Errorf("sca: unknown control register %s", r)
	}
}

// Control performs read-modify-write cycles on the control registers. Cycles issued through
// one Control never interleave.
type Control struct {
	engine *transport.Engine
	log    *zap.Logger

	mu         sync.Mutex
	adcEnabled bool
}

func New(e *transport.Engine, log *zap.Logger) *Control {
	if log == nil {
		log = zap.NewNop()
	}
	return &Control{engine: e, log: log.Named("sca")}
}

// EnableChannel sets mask in control register reg.
func (c *Control) EnableChannel(ctx context.Context, reg Register, mask byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.modify(ctx, reg, func(v byte) byte { return v | mask })
}

// DisableChannel clears mask in control register reg.
func (c *Control) DisableChannel(ctx context.Context, reg Register, mask byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.modify(ctx, reg, func(v byte) byte { return v &^ mask })
}

// must be called with mu held
func (c *Control) modify(ctx context.Context, reg Register, update func(byte) byte) error {
	rd, wr, err := reg.opcodes()
	if err != nil {
		return err
	}

	req, err := transport.NewRequest(ChannelCtrl, rd, nil)
	if err != nil {
		return err
	}
	rsp, err := req.Send(ctx, c.engine)
	if err != nil {
		return errors.Wrapf(err, "sca: read %s", reg)
	}

	// the register value sits in the last data byte:
	v := update(rsp[3])
	c.log.Debug("writing control register", zap.Stringer("register", reg), zap.Uint8("old", rsp[3]), zap.Uint8("new", v))

	req, err = transport.NewRequest(ChannelCtrl, wr, []byte{0, 0, 0, v})
	if err != nil {
		return err
	}
	if _, err = req.SendWithLength(ctx, c.engine, 0); err != nil {
		return errors.Wrapf(err, "sca: write %s", reg)
	}

	if reg == RegisterD {
		c.adcEnabled = v&ADCEnableBit != 0
	}
	return nil
}

// ReadChipID reads the chip id through the ADC channel, enabling the ADC for the duration
// of the read if it is not enabled yet. v2 selects the command of version 2 chips.
func (c *Control) ReadChipID(ctx context.Context, v2 bool) (id int32, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.adcEnabled {
		if err = c.modify(ctx, RegisterD, func(v byte) byte { return v | ADCEnableBit }); err != nil {
			return 0, err
		}
		defer func() {
			derr := c.modify(ctx, RegisterD, func(v byte) byte { return v &^ ADCEnableBit })
			if err == nil {
				err = derr
			}
		}()
	}

	cmd := CmdIDv1
	if v2 {
		cmd = CmdIDv2
	}
	req, err := transport.NewRequest(ChannelADC, cmd, nil)
	if err != nil {
		return 0, err
	}
	rsp, err := req.Send(ctx, c.engine)
	if err != nil {
		return 0, errors.Wrap(err, "sca: read chip id")
	}
	return int32(binary.LittleEndian.Uint32(rsp)), nil
}

// ADCEnabled reports whether the ADC enable bit was set by the last write through c.
func (c *Control) ADCEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.adcEnabled
}
