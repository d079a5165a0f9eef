package bus

// Device is the remote side of a bus: it answers one request frame with zero or more
// response frames.
type Device interface {
	Handle(req Frame) []Frame
}

type DeviceFunc func(req Frame) []Frame

func (f DeviceFunc) Handle(req Frame) []Frame { return f(req) }

// RegisterProtocol names the channel and opcodes of a byte-addressed register file.
type RegisterProtocol struct {
	Channel uint8 `toml:"channel"`
	Write   uint8 `toml:"write"`
	Read    uint8 `toml:"read"`
	Reset   uint8 `toml:"reset"`
}

var DefaultRegisterProtocol = RegisterProtocol{
	Channel: 0x01,
	Write:   0x02,
	Read:    0x03,
	Reset:   0x04,
}

// Error codes answered by register-file devices.
const (
	ErrCodeNone       uint8 = 0x00
	ErrCodeBadChannel uint8 = 0x02
	ErrCodeBadCommand uint8 = 0x04
	ErrCodeBadAddress uint8 = 0x20
)
