package message

import (
	"encoding/binary"

	"github.com/google/uuid"
	"go.uber.org/atomic"
)

// IDGenerator hands out 64-bit identifiers for transactions and groups.
type IDGenerator interface {
	NextID() uint64
}

// RandomIDs draws ids from the low 64 bits of a random UUID.
type RandomIDs struct{}

func (RandomIDs) NextID() uint64 {
	u := uuid.New()
	return binary.BigEndian.Uint64(u[8:])
}

// CounterIDs hands out 1, 2, 3, ... and is safe for concurrent use.
type CounterIDs struct {
	n atomic.Uint64
}

func NewCounterIDs() *CounterIDs {
	return &CounterIDs{}
}

func (c *CounterIDs) NextID() uint64 {
	return c.n.Inc()
}

// DefaultIDs is used by constructors that are not given a generator.
var DefaultIDs IDGenerator = RandomIDs{}
