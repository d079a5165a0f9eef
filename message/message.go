// Package message models the transactions exchanged with a remote memory-mapped device.
//
// A transaction is created pending, handed to a transport, and resolved exactly once,
// either committed or failed. Transactions may be linked into groups that have to be
// transmitted contiguously and in their creation order.
package message

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

// NoAddress is the address of transactions that do not target a memory location.
const NoAddress = -1

// Kind selects what a transaction asks of the remote side.
type Kind int

const (
	KindWrite Kind = iota
	KindRead
	KindReset
)

func (k Kind) String() string {
	switch k {
	case KindWrite:
		return "write"
	case KindRead:
		return "read"
	case KindReset:
		return "reset"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// State is the lifecycle of a transaction: pending until resolved, then committed or
// failed, never changing again.
type State int

const (
	StatePending State = iota
	StateCommitted
	StateError
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateCommitted:
		return "committed"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Callback receives resolved transactions from a transport.
type Callback func(txs ...*Transaction) error

// Transaction is a single request to the remote memory. OriginID routes the resolved
// transaction back to the callback that sent it; TargetID defaults to 0, broadcast.
type Transaction struct {
	ID       uint64
	Kind     Kind
	Address  int
	OriginID int
	TargetID int

	// Value is the byte to write for KindWrite and the byte read for a committed KindRead.
	Value byte

	mu       sync.Mutex
	state    State
	errorMsg string
	group    *Group
	done     chan struct{}
}

type options struct {
	target int
	ids    IDGenerator
}

type Option func(o *options)

// WithTarget sets the destination qualifier of a transaction.
func WithTarget(target int) Option {
	return func(o *options) { o.target = target }
}

// WithIDGenerator overrides DefaultIDs for a single construction.
func WithIDGenerator(ids IDGenerator) Option {
	return func(o *options) { o.ids = ids }
}

func buildOptions(opts []Option) options {
	o := options{ids: DefaultIDs}
	for _, opt := range opts {
		opt(&o)
	}
	if o.ids == nil {
		o.ids = DefaultIDs
	}
	return o
}

func newTransaction(kind Kind, address int, value byte, origin int, opts []Option) *Transaction {
	o := buildOptions(opts)
	return &Transaction{
		ID:       o.ids.NextID(),
		Kind:     kind,
		Address:  address,
		OriginID: origin,
		TargetID: o.target,
		Value:    value,
		state:    StatePending,
		done:     make(chan struct{}),
	}
}

// NewWrite creates a pending transaction writing value at address.
func NewWrite(address int, value byte, origin int, opts ...Option) *Transaction {
	return newTransaction(KindWrite, address, value, origin, opts)
}

// NewRead creates a pending transaction reading address; the value read is set on commit.
func NewRead(address int, origin int, opts ...Option) *Transaction {
	return newTransaction(KindRead, address, 0, origin, opts)
}

// NewReset creates a transaction asking the remote side to revert its memory to the default pattern.
func NewReset(origin int, opts ...Option) *Transaction {
	return newTransaction(KindReset, NoAddress, 0, origin, opts)
}

func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// ErrorMessage is empty unless the transaction resolved to StateError.
func (t *Transaction) ErrorMessage() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.errorMsg
}

func (t *Transaction) Group() *Group {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.group
}

// Done is closed once the transaction is resolved.
func (t *Transaction) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the transaction is resolved or ctx is done.
func (t *Transaction) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Commit resolves the transaction successfully. For reads value is the byte read from
// hardware; for other kinds it is ignored.
func (t *Transaction) Commit(value byte) error {
	return t.resolve(StateCommitted, value, "")
}

// Fail resolves the transaction with an error message.
func (t *Transaction) Fail(msg string) error {
	return t.resolve(StateError, 0, msg)
}

func (t *Transaction) resolve(outcome State, value byte, msg string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StatePending {
		return errors.Wrapf(ErrInvalidStateTransition, "transaction %d: %s -> %s", t.ID, t.state, outcome)
	}

	t.state = outcome
	switch outcome {
	case StateCommitted:
		if t.Kind == KindRead {
			t.Value = value
		}
	case StateError:
		t.errorMsg = msg
	}
	close(t.done)
	return nil
}

func (t *Transaction) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fmt.Sprintf("%s#%d[addr=%d origin=%d target=%d value=0x%02x %s]",
		t.Kind, t.ID, t.Address, t.OriginID, t.TargetID, t.Value, t.state)
}
