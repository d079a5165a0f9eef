package bus

import (
	"fmt"

	"github.com/pkg/errors"
)

const (
	// FrameSize is the encoded size of a Frame on stream and datagram links.
	FrameSize = 12

	// MaxPayload is the number of data bytes a frame carries.
	MaxPayload = 4

	// SubmissionAddress is the fixed device address requests are submitted to.
	SubmissionAddress uint8 = 0

	// Transaction ids 0x00 and 0xFF are never allocated; frames carrying them are out-of-band.
	ReservedIDLow  uint8 = 0x00
	ReservedIDHigh uint8 = 0xFF
)

var magic = [2]byte{'S', 'W'}

// Frame is a single request or response exchanged with the device.
// For requests Command holds the command opcode; for responses it holds the control byte.
type Frame struct {
	Address       uint8
	TransactionID uint8
	Channel       uint8
	Command       uint8
	Length        uint8
	Error         uint8
	Data          [MaxPayload]byte
}

// IsReserved reports whether the frame carries a reserved transaction id.
func (f Frame) IsReserved() bool {
	return f.TransactionID == ReservedIDLow || f.TransactionID == ReservedIDHigh
}

// Payload returns the data bytes covered by Length.
func (f Frame) Payload() []byte {
	n := int(f.Length)
	if n > MaxPayload {
		n = MaxPayload
	}
	return append([]byte(nil), f.Data[:n]...)
}

// Reply builds a response frame for request f.
func (f Frame) Reply(control uint8, data []byte) Frame {
	r := Frame{
		Address:       f.Address,
		TransactionID: f.TransactionID,
		Channel:       f.Channel,
		Command:       control,
	}
	r.Length = uint8(copy(r.Data[:], data))
	return r
}

// ErrorReply builds an error response frame for request f.
func (f Frame) ErrorReply(code uint8) Frame {
	return Frame{
		Address:       f.Address,
		TransactionID: f.TransactionID,
		Channel:       f.Channel,
		Error:         code,
	}
}

func (f Frame) String() string {
	return fmt.Sprintf("frame[addr=%d tid=%d ch=0x%02X cmd=0x%02X len=%d err=0x%02X data=% x]",
		f.Address, f.TransactionID, f.Channel, f.Command, f.Length, f.Error, f.Data[:])
}

func (f Frame) MarshalBinary() ([]byte, error) {
	b := make([]byte, FrameSize)
	f.put(b)
	return b, nil
}

func (f Frame) put(b []byte) {
	b[0] = magic[0]
	b[1] = magic[1]
	b[2] = f.Address
	b[3] = f.TransactionID
	b[4] = f.Channel
	b[5] = f.Command
	b[6] = f.Length
	b[7] = f.Error
	copy(b[8:12], f.Data[:])
}

func (f *Frame) UnmarshalBinary(b []byte) error {
	if len(b) < FrameSize {
		return errors.Wrapf(ErrShort, "%d bytes", len(b))
	}
	if b[0] != magic[0] || b[1] != magic[1] {
		return errors.Wrapf(ErrBadMagic, "% x", b[0:2])
	}
	f.Address = b[2]
	f.TransactionID = b[3]
	f.Channel = b[4]
	f.Command = b[5]
	f.Length = b[6]
	f.Error = b[7]
	copy(f.Data[:], b[8:12])
	return nil
}

// DecodeFrame parses a single encoded frame.
func DecodeFrame(b []byte) (f Frame, err error) {
	err = f.UnmarshalBinary(b)
	return
}
