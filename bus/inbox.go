package bus

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

const inboxSize = 64

var ErrNoFrame = errors.New("bus: no current frame to discard")

// Inbox buffers inbound frames for a single consumer and implements the Next/Discard/Drain
// half of Bus. Drivers embed it, call InitInbox once, and feed it from their reader goroutine
// with Push and Fail.
type Inbox struct {
	name string

	in       chan Frame
	done     chan struct{}
	doneOnce sync.Once
	failOnce sync.Once

	mu      sync.Mutex
	head    Frame
	hasHead bool
	err     error
}

func (b *Inbox) InitInbox(name string, size int) {
	if size <= 0 {
		size = inboxSize
	}
	b.name = name
	b.in = make(chan Frame, size)
	b.done = make(chan struct{})
}

// Push queues an inbound frame. It returns false once the inbox is closed.
// Only the producer goroutine may call Push and Fail.
func (b *Inbox) Push(f Frame) bool {
	select {
	case <-b.done:
		return false
	default:
	}

	select {
	case b.in <- f:
		return true
	case <-b.done:
		return false
	}
}

// Fail ends the inbound stream; Next reports err once buffered frames are consumed.
func (b *Inbox) Fail(err error) {
	b.mu.Lock()
	if b.err == nil {
		b.err = err
	}
	b.mu.Unlock()
	b.failOnce.Do(func() { close(b.in) })
}

// CloseInbox wakes any pending Next with ErrClosed.
func (b *Inbox) CloseInbox() {
	b.doneOnce.Do(func() { close(b.done) })
}

func (b *Inbox) Next(ctx context.Context) (Frame, error) {
	b.mu.Lock()
	if b.hasHead {
		f := b.head
		b.mu.Unlock()
		return f, nil
	}
	b.mu.Unlock()

	select {
	case f, ok := <-b.in:
		if !ok {
			return Frame{}, b.failure()
		}
		b.mu.Lock()
		b.head = f
		b.hasHead = true
		b.mu.Unlock()
		return f, nil
	case <-b.done:
		return Frame{}, ErrClosed
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (b *Inbox) failure() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err == nil {
		return ErrClosed
	}
	return NewTerminalError(b.name, b.err)
}

func (b *Inbox) Discard() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.hasHead {
		return ErrNoFrame
	}
	b.head = Frame{}
	b.hasHead = false
	return nil
}

// Drain drops the current frame and every buffered frame, returning how many were dropped.
func (b *Inbox) Drain() int {
	n := 0
	b.mu.Lock()
	if b.hasHead {
		b.hasHead = false
		n++
	}
	b.mu.Unlock()

	for {
		select {
		case _, ok := <-b.in:
			if !ok {
				return n
			}
			n++
		default:
			return n
		}
	}
}
