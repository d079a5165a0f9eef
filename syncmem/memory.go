// Package syncmem mirrors a remote byte-addressed memory locally.
//
// A Memory keeps two views: the cache, which reflects writes as soon as they are issued,
// and the committed view, which only changes when the remote side confirms a write or a
// reset. Hardware-verified reads compare what the device reports with the committed view.
package syncmem

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"swamp/message"
	"swamp/metrics"
)

// Transport delivers transactions to the remote side and reports their resolution to the
// callback registered for the transaction's origin.
type Transport interface {
	AttachCallback(cb message.Callback) int
	SendTransaction(tx *message.Transaction) error
}

// Update replaces the bits selected by Mask at Address with the same bits of Value.
type Update struct {
	Address int
	Mask    byte
	Value   byte
}

const (
	resultSkipped   = "skipped"
	resultSubmitted = "submitted"
	resultCommitted = "committed"
	resultFailed    = "failed"

	readOK        = "ok"
	readMismatch  = "mismatch"
	readError     = "error"
	readCancelled = "cancelled"

	resetLocal  = "local"
	resetRemote = "remote"
)

// readBatch is the barrier of one hardware read call.
type readBatch struct {
	pending int
	err     error
}

type Memory struct {
	transport Transport
	log       *zap.Logger
	txOpts    []message.Option
	origin    int
	dflt      []byte

	// opMu serialises writes, resets and hardware reads.
	opMu sync.Mutex

	// mu guards everything below. Receive only takes mu, so a hardware read blocked on
	// cond never holds up response delivery.
	mu        sync.Mutex
	cond      *sync.Cond
	cache     []byte
	committed []byte
	inflight  []*message.Transaction
	awaited   map[*message.Transaction]*readBatch
	fatal     error
}

type Option func(m *Memory)

// WithDefaultPattern sets the memory content after construction and after every reset.
func WithDefaultPattern(pattern []byte) Option {
	return func(m *Memory) { m.dflt = append([]byte(nil), pattern...) }
}

func WithLogger(log *zap.Logger) Option {
	return func(m *Memory) { m.log = log }
}

// WithIDGenerator makes every transaction created by the memory draw its id from ids.
func WithIDGenerator(ids message.IDGenerator) Option {
	return func(m *Memory) { m.txOpts = append(m.txOpts, message.WithIDGenerator(ids)) }
}

// New creates a memory of size bytes and attaches it to t.
func New(t Transport, size int, opts ...Option) (*Memory, error) {
	if size <= 0 {
		return nil, errors.Errorf("syncmem: invalid memory size %d", size)
	}

	m := &Memory{
		transport: t,
		log:       zap.NewNop(),
		awaited:   make(map[*message.Transaction]*readBatch),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.dflt == nil {
		m.dflt = make([]byte, size)
	} else if len(m.dflt) != size {
		return nil, errors.Wrapf(ErrPatternSize, "pattern %d bytes, memory %d bytes", len(m.dflt), size)
	}

	m.log = m.log.Named("syncmem")
	m.cache = append([]byte(nil), m.dflt...)
	m.committed = append([]byte(nil), m.dflt...)
	m.cond = sync.NewCond(&m.mu)
	m.origin = t.AttachCallback(m.Receive)
	return m, nil
}

func applyMask(cur, mask, value byte) byte {
	return cur&^mask | value&mask
}

// Write applies updates to the cache and submits one write transaction, carrying the full
// resulting byte, per update that changes any masked bit. Updates of one call are linked
// into a group. Write does not wait for the remote side.
func (m *Memory) Write(updates []Update) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.fatal != nil {
		m.mu.Unlock()
		return m.fatal
	}
	for _, u := range updates {
		if err := m.checkAddress(u.Address); err != nil {
			m.mu.Unlock()
			return err
		}
	}

	var txs []*message.Transaction
	for _, u := range updates {
		cur := m.cache[u.Address]
		if cur&u.Mask == u.Value&u.Mask {
			metrics.MemoryWrites.WithLabelValues(resultSkipped).Inc()
			continue
		}
		m.cache[u.Address] = applyMask(cur, u.Mask, u.Value)
		tx := message.NewWrite(u.Address, m.cache[u.Address], m.origin, m.txOpts...)
		m.inflight = append(m.inflight, tx)
		txs = append(txs, tx)
	}
	m.mu.Unlock()

	if len(txs) > 1 {
		if _, err := message.LinkToGroup(txs, m.txOpts...); err != nil {
			m.abandon(txs)
			return err
		}
	}

	for i, tx := range txs {
		if err := m.transport.SendTransaction(tx); err != nil {
			m.abandon(txs[i:])
			metrics.MemoryWrites.WithLabelValues(resultFailed).Add(float64(len(txs) - i))
			return errors.Wrapf(err, "syncmem: submit write at 0x%04X", tx.Address)
		}
		metrics.MemoryWrites.WithLabelValues(resultSubmitted).Inc()
		m.log.Debug("write submitted", zap.Stringer("transaction", tx))
	}
	return nil
}

// Read returns the values at addresses. Without fromHardware the cache is returned
// immediately. With fromHardware every address is read from the device and the call
// blocks until all of those reads resolve; any read error or any disagreement with the
// committed view fails the whole call. On success the committed values are returned.
// Writes to addresses, and resets, that are still in flight are awaited before the reads
// are sent. All read errors of the batch are returned, combined with multierr.
//
// Cancelling ctx only stops the wait: the reads stay in flight and are reconciled when
// their responses arrive.
func (m *Memory) Read(ctx context.Context, addresses []int, fromHardware bool) ([]byte, error) {
	if fromHardware {
		return m.readHardware(ctx, addresses)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fatal != nil {
		return nil, m.fatal
	}
	out := make([]byte, len(addresses))
	for i, a := range addresses {
		if err := m.checkAddress(a); err != nil {
			return nil, err
		}
		out[i] = m.cache[a]
	}
	return out, nil
}

// ReadCommitted returns the committed values at addresses. It fails with
// ErrUncommittedChanges if any of them has a write in flight.
func (m *Memory) ReadCommitted(addresses []int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fatal != nil {
		return nil, m.fatal
	}
	out := make([]byte, len(addresses))
	for i, a := range addresses {
		if err := m.checkAddress(a); err != nil {
			return nil, err
		}
		if m.writePending(a) {
			return nil, errors.Wrapf(ErrUncommittedChanges, "0x%04X", a)
		}
		out[i] = m.committed[a]
	}
	return out, nil
}

func (m *Memory) readHardware(ctx context.Context, addresses []int) ([]byte, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		m.mu.Lock()
		m.cond.Broadcast()
		m.mu.Unlock()
	})
	defer stop()

	m.mu.Lock()
	for _, a := range addresses {
		if err := m.checkAddress(a); err != nil {
			m.mu.Unlock()
			return nil, err
		}
	}
	// compare against settled state only: wait for writes and resets already in flight
	for m.fatal == nil && ctx.Err() == nil && m.unsettled(addresses) {
		m.cond.Wait()
	}
	if m.fatal != nil {
		m.mu.Unlock()
		metrics.HardwareReads.WithLabelValues(readError).Inc()
		return nil, m.fatal
	}
	if err := ctx.Err(); err != nil {
		m.mu.Unlock()
		metrics.HardwareReads.WithLabelValues(readCancelled).Inc()
		return nil, err
	}

	b := &readBatch{}
	txs := make([]*message.Transaction, 0, len(addresses))
	for _, a := range addresses {
		tx := message.NewRead(a, m.origin, m.txOpts...)
		m.inflight = append(m.inflight, tx)
		m.awaited[tx] = b
		b.pending++
		txs = append(txs, tx)
	}
	m.mu.Unlock()

	var submitErr error
	for i, tx := range txs {
		if err := m.transport.SendTransaction(tx); err != nil {
			submitErr = errors.Wrapf(err, "syncmem: submit read at 0x%04X", tx.Address)
			m.abandon(txs[i:])
			break
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for b.pending > 0 && ctx.Err() == nil {
		m.cond.Wait()
	}

	switch {
	case submitErr != nil:
		metrics.HardwareReads.WithLabelValues(readError).Inc()
		return nil, submitErr
	case b.pending > 0:
		metrics.HardwareReads.WithLabelValues(readCancelled).Inc()
		return nil, ctx.Err()
	case b.err != nil:
		var mismatch *ConsistencyError
		if errors.As(b.err, &mismatch) {
			metrics.HardwareReads.WithLabelValues(readMismatch).Inc()
		} else {
			metrics.HardwareReads.WithLabelValues(readError).Inc()
		}
		return nil, b.err
	}

	metrics.HardwareReads.WithLabelValues(readOK).Inc()
	out := make([]byte, len(addresses))
	for i, a := range addresses {
		out[i] = m.committed[a]
	}
	return out, nil
}

// Reset reverts the cache to the default pattern and asks the remote side to do the same.
// The committed view follows once the reset is confirmed.
func (m *Memory) Reset() error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if m.fatal != nil {
		m.mu.Unlock()
		return m.fatal
	}
	copy(m.cache, m.dflt)
	tx := message.NewReset(m.origin, m.txOpts...)
	m.inflight = append(m.inflight, tx)
	m.mu.Unlock()

	metrics.Resets.WithLabelValues(resetLocal).Inc()
	if err := m.transport.SendTransaction(tx); err != nil {
		m.abandon([]*message.Transaction{tx})
		return errors.Wrap(err, "syncmem: submit reset")
	}
	m.log.Debug("reset submitted", zap.Uint64("id", tx.ID))
	return nil
}

// Receive reconciles resolved transactions with the memory. It is the callback handed to
// the transport and returns the fatal error of a failed write or reset.
func (m *Memory) Receive(txs ...*message.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	for _, tx := range txs {
		err = multierr.Append(err, m.receive(tx))
	}
	// wakes hardware reads waiting on a batch or on writes to settle
	m.cond.Broadcast()
	return err
}

// must be called with mu held
func (m *Memory) receive(tx *message.Transaction) error {
	known := m.removeInflight(tx)
	state := tx.State()

	switch tx.Kind {
	case message.KindReset:
		if state == message.StateError {
			return m.setFatal(&TransactionError{ID: tx.ID, Message: tx.ErrorMessage()})
		}
		if !known {
			m.log.Info("unsolicited reset received", zap.Uint64("id", tx.ID))
			metrics.Resets.WithLabelValues(resetRemote).Inc()
		}
		copy(m.committed, m.dflt)
		m.rebuildCache()

	case message.KindWrite:
		if !known {
			m.log.Warn("ignoring unknown write", zap.Stringer("transaction", tx))
			return nil
		}
		if state == message.StateError {
			metrics.MemoryWrites.WithLabelValues(resultFailed).Inc()
			return m.setFatal(&TransactionError{ID: tx.ID, Message: tx.ErrorMessage()})
		}
		m.committed[tx.Address] = applyMask(m.committed[tx.Address], 0xFF, tx.Value)
		metrics.MemoryWrites.WithLabelValues(resultCommitted).Inc()

	case message.KindRead:
		b, ok := m.awaited[tx]
		if !ok {
			m.log.Warn("ignoring unknown read", zap.Stringer("transaction", tx))
			return nil
		}
		delete(m.awaited, tx)
		var err error
		switch {
		case state == message.StateError:
			err = &ReadError{Address: tx.Address, Message: tx.ErrorMessage()}
		case tx.Value != m.committed[tx.Address]:
			err = &ConsistencyError{Address: tx.Address, Committed: m.committed[tx.Address], Hardware: tx.Value}
		}
		if err != nil {
			m.log.Warn("hardware read failed", zap.Error(err))
			b.err = multierr.Append(b.err, err)
		}
		b.pending--

	default:
		m.log.Warn("ignoring transaction of unknown kind", zap.Stringer("kind", tx.Kind))
	}
	return nil
}

func (m *Memory) setFatal(err error) error {
	if m.fatal == nil {
		m.fatal = err
	}
	m.log.Error("memory is out of sync", zap.Error(err))
	return err
}

// abandon drops transactions that never reached the transport.
func (m *Memory) abandon(txs []*message.Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tx := range txs {
		m.removeInflight(tx)
		if b, ok := m.awaited[tx]; ok {
			delete(m.awaited, tx)
			b.pending--
		}
	}
	m.rebuildCache()
}

// must be called with mu held
func (m *Memory) removeInflight(tx *message.Transaction) bool {
	for i, t := range m.inflight {
		if t == tx {
			m.inflight = append(m.inflight[:i], m.inflight[i+1:]...)
			return true
		}
	}
	return false
}

// rebuildCache recomputes the cache from its base and the writes still in flight. The
// base is the default pattern when a reset is in flight, otherwise the committed view.
// Must be called with mu held.
func (m *Memory) rebuildCache() {
	base, pending := m.committed, m.inflight
	for i := len(m.inflight) - 1; i >= 0; i-- {
		if m.inflight[i].Kind == message.KindReset {
			base, pending = m.dflt, m.inflight[i+1:]
			break
		}
	}
	copy(m.cache, base)
	for _, tx := range pending {
		if tx.Kind == message.KindWrite {
			m.cache[tx.Address] = tx.Value
		}
	}
}

// unsettled reports whether a reset, or a write to one of addresses, is in flight.
// must be called with mu held
func (m *Memory) unsettled(addresses []int) bool {
	for _, tx := range m.inflight {
		switch tx.Kind {
		case message.KindReset:
			return true
		case message.KindWrite:
			for _, a := range addresses {
				if tx.Address == a {
					return true
				}
			}
		}
	}
	return false
}

// must be called with mu held
func (m *Memory) writePending(address int) bool {
	for _, tx := range m.inflight {
		if tx.Kind == message.KindWrite && tx.Address == address {
			return true
		}
	}
	return false
}

func (m *Memory) checkAddress(address int) error {
	if address < 0 || address >= len(m.dflt) {
		return errors.Wrapf(ErrAddressOutOfRange, "%d", address)
	}
	return nil
}

// Outstanding returns the transactions in flight, in submission order.
func (m *Memory) Outstanding() []*message.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*message.Transaction(nil), m.inflight...)
}

// OutstandingAddresses returns the addresses of writes not yet committed.
func (m *Memory) OutstandingAddresses() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []int
	for _, tx := range m.inflight {
		if tx.Kind == message.KindWrite {
			out = append(out, tx.Address)
		}
	}
	return out
}

// Cache returns a copy of the cache view.
func (m *Memory) Cache() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.cache...)
}

// Committed returns a copy of the committed view.
func (m *Memory) Committed() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.committed...)
}

func (m *Memory) Size() int { return len(m.dflt) }

// Origin is the origin id the memory was attached to its transport with.
func (m *Memory) Origin() int { return m.origin }

// Err returns the error that left the memory out of sync, if any.
func (m *Memory) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fatal
}
