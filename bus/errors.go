package bus

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrClosed   = errors.New("bus: closed")
	ErrBadMagic = errors.New("bus: bad frame magic")
	ErrShort    = errors.New("bus: short frame")
)

// TerminalError wraps a link failure after which the bus cannot be used anymore.
type TerminalError struct {
	Driver  string
	wrapped error
}

func NewTerminalError(driver string, err error) *TerminalError {
	return &TerminalError{Driver: driver, wrapped: err}
}

func (e *TerminalError) Unwrap() error { return e.wrapped }
func (e *TerminalError) Error() string {
	if e.wrapped == nil {
		return fmt.Sprintf("%s: bus terminal error", e.Driver)
	}
	return fmt.Sprintf("%s: bus terminal error: %v", e.Driver, e.wrapped)
}
