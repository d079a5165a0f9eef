package transport

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"swamp/bus"
	"swamp/message"
)

// Mapping translates memory transactions into device requests and read responses back
// into values.
type Mapping interface {
	Encode(tx *message.Transaction) (*Request, error)
	Decode(tx *message.Transaction, response []byte) byte
}

// RegisterMapping addresses a byte-wide register file through bus.RegisterProtocol.
// Writes carry [addrLo, addrHi, value], reads [addrLo, addrHi]; the read value is the
// first response byte.
type RegisterMapping struct {
	Protocol bus.RegisterProtocol
}

const maxRegisterAddress = 0xFFFF

var ErrAddressOutOfRange = errors.New("transport: address out of register range")

func (m RegisterMapping) Encode(tx *message.Transaction) (*Request, error) {
	p := m.Protocol
	switch tx.Kind {
	case message.KindWrite:
		if tx.Address < 0 || tx.Address > maxRegisterAddress {
			return nil, errors.Wrapf(ErrAddressOutOfRange, "%d", tx.Address)
		}
		return newRequest(p.Channel, p.Write, []byte{byte(tx.Address), byte(tx.Address >> 8), tx.Value}), nil
	case message.KindRead:
		if tx.Address < 0 || tx.Address > maxRegisterAddress {
			return nil, errors.Wrapf(ErrAddressOutOfRange, "%d", tx.Address)
		}
		return newRequest(p.Channel, p.Read, []byte{byte(tx.Address), byte(tx.Address >> 8)}), nil
	case message.KindReset:
		return newRequest(p.Channel, p.Reset, nil), nil
	default:
		return nil, errors.Errorf("transport: cannot encode %s transaction", tx.Kind)
	}
}

func (m RegisterMapping) Decode(tx *message.Transaction, response []byte) byte {
	if tx.Kind != message.KindRead || len(response) == 0 {
		return 0
	}
	return response[0]
}

// AttachCallback registers cb as the sink for transactions created with the returned
// origin id.
func (e *Engine) AttachCallback(cb message.Callback) int {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	e.nextOrigin++
	e.callbacks[e.nextOrigin] = cb
	return e.nextOrigin
}

func (e *Engine) DetachCallback(origin int) {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	delete(e.callbacks, origin)
}

// SendTransaction encodes tx with the engine's mapping and transmits it. The transaction
// is resolved, and its origin's callback invoked, on the matching goroutine.
func (e *Engine) SendTransaction(tx *message.Transaction) error {
	req, err := e.mapping.Encode(tx)
	if err != nil {
		return err
	}
	req.tx = tx
	return e.Transmit(req, NoLengthOverride)
}

// SendTransactions transmits txs with group members kept adjacent and in group order.
// It stops at the first transmission error.
func (e *Engine) SendTransactions(txs []*message.Transaction) error {
	for _, tx := range message.EnsureGroupsAreAtomic(txs) {
		if err := e.SendTransaction(tx); err != nil {
			return errors.Wrapf(err, "transport: send %s", tx)
		}
	}
	return nil
}

func (e *Engine) settle(req *Request) {
	tx := req.tx

	var err error
	if req.err != nil {
		err = tx.Fail(req.err.Error())
	} else {
		err = tx.Commit(e.mapping.Decode(tx, req.response))
	}
	if err != nil {
		e.log.Warn("transaction already resolved", zap.Uint64("id", tx.ID), zap.Error(err))
		return
	}

	e.cbMu.RLock()
	cb := e.callbacks[tx.OriginID]
	e.cbMu.RUnlock()
	if cb == nil {
		e.log.Debug("no callback attached for origin", zap.Int("origin", tx.OriginID), zap.Uint64("id", tx.ID))
		return
	}

	if err = cb(tx); err != nil {
		e.log.Error("callback rejected transaction", zap.Stringer("transaction", tx), zap.Error(err))
	}
}
