package syncmem

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrUncommittedChanges is returned when committed state is requested for an address
	// that still has a write in flight.
	ErrUncommittedChanges = errors.New("syncmem: uncommitted changes present at the requested address")
	ErrPatternSize        = errors.New("syncmem: memory size does not match size of default memory pattern")
	ErrAddressOutOfRange  = errors.New("syncmem: address out of range")
)

// ConsistencyError reports a hardware read that disagrees with the committed view.
type ConsistencyError struct {
	Address   int
	Committed byte
	Hardware  byte
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("syncmem: consistency violation at 0x%04X: committed 0x%02X, hardware 0x%02X",
		e.Address, e.Committed, e.Hardware)
}

// ReadError is a hardware read that resolved with an error.
type ReadError struct {
	Address int
	Message string
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("syncmem: hardware read at 0x%04X failed: %s", e.Address, e.Message)
}

// TransactionError is a write or reset rejected by the remote side. It leaves the memory
// unusable because cache and committed views can no longer be reconciled.
type TransactionError struct {
	ID      uint64
	Message string
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("syncmem: transaction %d returned an error: %s", e.ID, e.Message)
}
