package transport

import (
	"context"
	"fmt"

	"swamp/bus"
	"swamp/message"
)

// NoLengthOverride transmits the request with the length of its data.
const NoLengthOverride = -1

// Request is a single command sent to a device channel. A request is transmitted once and
// resolved once, by the engine's matching goroutine.
type Request struct {
	Channel uint8
	Command uint8
	Data    []byte

	id       uint8
	response []byte
	length   uint8
	err      error
	done     chan struct{}

	// set for requests carrying a message.Transaction:
	tx *message.Transaction
}

func NewRequest(channel, command uint8, data []byte) (*Request, error) {
	if len(data) > bus.MaxPayload {
		return nil, ErrPayloadTooLarge
	}
	return newRequest(channel, command, data), nil
}

func newRequest(channel, command uint8, data []byte) *Request {
	return &Request{
		Channel: channel,
		Command: command,
		Data:    append([]byte(nil), data...),
		done:    make(chan struct{}),
	}
}

// Send transmits the request and blocks until its response arrives or ctx is done.
func (r *Request) Send(ctx context.Context, e *Engine) ([]byte, error) {
	return r.SendWithLength(ctx, e, NoLengthOverride)
}

// SendWithLength is Send with the transmitted length field overridden.
func (r *Request) SendWithLength(ctx context.Context, e *Engine, length int) ([]byte, error) {
	if err := e.Transmit(r, length); err != nil {
		return nil, err
	}
	return r.Wait(ctx)
}

// Wait blocks until the request is resolved and returns the four response data bytes.
// A cancelled ctx abandons the wait only; the transaction id stays allocated until the
// device answers.
func (r *Request) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-r.done:
		return r.response, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Request) Done() <-chan struct{} { return r.done }

// Length is the length field of the response; valid once Done is closed.
func (r *Request) Length() int { return int(r.length) }

func (r *Request) frame(address uint8, lengthOverride int) bus.Frame {
	f := bus.Frame{
		Address:       address,
		TransactionID: r.id,
		Channel:       r.Channel,
		Command:       r.Command,
		Length:        uint8(len(r.Data)),
	}
	if lengthOverride >= 0 {
		f.Length = uint8(lengthOverride)
	}
	copy(f.Data[:], r.Data)
	return f
}

func (r *Request) String() string {
	return fmt.Sprintf("request[tid=%d ch=0x%02X cmd=0x%02X data=% x]", r.id, r.Channel, r.Command, r.Data)
}
