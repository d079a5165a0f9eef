package transport

import (
	"fmt"

	"github.com/pkg/errors"

	"swamp/bus"
)

var (
	// ErrExhaustedIdentifiers is returned by Transmit when every transaction id is in flight.
	ErrExhaustedIdentifiers = errors.New("transport: no free transaction ids")
	ErrPayloadTooLarge      = errors.New("transport: request payload exceeds 4 bytes")
	ErrClosed               = errors.New("transport: engine closed")
	ErrLengthOutOfRange     = errors.New("transport: length override exceeds 255")
	ErrListening            = errors.New("transport: cannot clear while responses are outstanding")
)

// HardwareError is the error code a device answered a request with.
type HardwareError struct {
	Code    uint8
	Channel uint8
	Command uint8
}

func (e *HardwareError) Error() string {
	return fmt.Sprintf("transport: hardware error 0x%02X on channel 0x%02X command 0x%02X", e.Code, e.Channel, e.Command)
}

// UnexpectedResponseError is a protocol violation observed by the matching goroutine.
// It is fatal for the engine.
type UnexpectedResponseError struct {
	Reason string
	Frame  bus.Frame
}

func (e *UnexpectedResponseError) Error() string {
	return fmt.Sprintf("transport: unexpected response: %s: %s", e.Reason, e.Frame)
}
