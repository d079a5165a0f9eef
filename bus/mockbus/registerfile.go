package mockbus

import (
	"sync"

	"swamp/bus"
)

// RegisterFile simulates a byte-addressed register file speaking bus.RegisterProtocol.
type RegisterFile struct {
	proto bus.RegisterProtocol

	mu       sync.Mutex
	mem      []byte
	dflt     []byte
	failNext []uint8
	requests int
}

func NewRegisterFile(size int, proto bus.RegisterProtocol) *RegisterFile {
	return &RegisterFile{
		proto: proto,
		mem:   make([]byte, size),
		dflt:  make([]byte, size),
	}
}

// WithDefault sets the pattern the register file starts with and reverts to on reset.
func (r *RegisterFile) WithDefault(pattern []byte) *RegisterFile {
	r.mu.Lock()
	defer r.mu.Unlock()
	copy(r.dflt, pattern)
	copy(r.mem, pattern)
	return r
}

func (r *RegisterFile) Handle(req bus.Frame) []bus.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.requests++
	if len(r.failNext) > 0 {
		code := r.failNext[0]
		r.failNext = r.failNext[1:]
		return []bus.Frame{req.ErrorReply(code)}
	}

	if req.Channel != r.proto.Channel {
		return []bus.Frame{req.ErrorReply(bus.ErrCodeBadChannel)}
	}

	addr := int(req.Data[0]) | int(req.Data[1])<<8
	switch req.Command {
	case r.proto.Write:
		if addr >= len(r.mem) {
			return []bus.Frame{req.ErrorReply(bus.ErrCodeBadAddress)}
		}
		r.mem[addr] = req.Data[2]
		return []bus.Frame{req.Reply(0, nil)}
	case r.proto.Read:
		if addr >= len(r.mem) {
			return []bus.Frame{req.ErrorReply(bus.ErrCodeBadAddress)}
		}
		return []bus.Frame{req.Reply(0, []byte{r.mem[addr]})}
	case r.proto.Reset:
		copy(r.mem, r.dflt)
		return []bus.Frame{req.Reply(0, nil)}
	default:
		return []bus.Frame{req.ErrorReply(bus.ErrCodeBadCommand)}
	}
}

// FailNext answers the next request with an error frame carrying code, whatever it asks for.
func (r *RegisterFile) FailNext(code uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failNext = append(r.failNext, code)
}

func (r *RegisterFile) Peek(addr int) byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mem[addr]
}

// Poke changes device memory behind the back of any client.
func (r *RegisterFile) Poke(addr int, v byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mem[addr] = v
}

func (r *RegisterFile) Requests() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requests
}
