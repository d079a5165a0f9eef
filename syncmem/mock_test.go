package syncmem

import (
	"sync"

	"github.com/pkg/errors"

	"swamp/message"
)

// mockTransport queues transactions until a test resolves them against a fake device memory.
type mockTransport struct {
	mu      sync.Mutex
	cb      message.Callback
	origin  int
	queue   []*message.Transaction
	hw      []byte
	sendErr error
}

func newMockTransport(size int) *mockTransport {
	return &mockTransport{origin: 7, hw: make([]byte, size)}
}

func (t *mockTransport) AttachCallback(cb message.Callback) int {
	t.cb = cb
	return t.origin
}

func (t *mockTransport) SendTransaction(tx *message.Transaction) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
	t.queue = append(t.queue, tx)
	return nil
}

func (t *mockTransport) failSends(err error) {
	t.mu.Lock()
	t.sendErr = err
	t.mu.Unlock()
}

func (t *mockTransport) pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

func (t *mockTransport) poke(addr int, v byte) {
	t.mu.Lock()
	t.hw[addr] = v
	t.mu.Unlock()
}

// processLast resolves the most recently sent transaction.
func (t *mockTransport) processLast(success bool) error {
	t.mu.Lock()
	n := len(t.queue)
	if n == 0 {
		t.mu.Unlock()
		return errors.New("mock: nothing to process")
	}
	tx := t.queue[n-1]
	t.queue = t.queue[:n-1]
	t.mu.Unlock()
	return t.resolve(tx, success)
}

// processAll resolves every queued transaction in submission order.
func (t *mockTransport) processAll() error {
	t.mu.Lock()
	queue := t.queue
	t.queue = nil
	t.mu.Unlock()

	for _, tx := range queue {
		if err := t.resolve(tx, true); err != nil {
			return err
		}
	}
	return nil
}

// triggerReset delivers a reset the memory never asked for.
func (t *mockTransport) triggerReset() error {
	tx := message.NewReset(t.origin)
	if err := tx.Commit(0); err != nil {
		return err
	}
	return t.cb(tx)
}

func (t *mockTransport) resolve(tx *message.Transaction, success bool) error {
	if !success {
		if err := tx.Fail("mock failure"); err != nil {
			return err
		}
		return t.cb(tx)
	}

	t.mu.Lock()
	var value byte
	switch tx.Kind {
	case message.KindWrite:
		t.hw[tx.Address] = tx.Value
	case message.KindRead:
		value = t.hw[tx.Address]
	case message.KindReset:
		for i := range t.hw {
			t.hw[i] = 0
		}
	}
	t.mu.Unlock()

	if err := tx.Commit(value); err != nil {
		return err
	}
	return t.cb(tx)
}
