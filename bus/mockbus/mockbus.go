// Package mockbus provides an in-process bus backed by a simulated device, with hooks to
// hold, reorder and inject response frames.
package mockbus

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"swamp/bus"
)

const driverName = "mock"

type Bus struct {
	bus.Inbox

	device  bus.Device
	log     *zap.Logger
	latency time.Duration

	mu        sync.Mutex
	submitted []bus.Frame
	hold      bool
	held      []bus.Frame
	closed    bool
	wg        sync.WaitGroup
}

type Option func(b *Bus)

func WithLogger(log *zap.Logger) Option {
	return func(b *Bus) { b.log = log }
}

// WithLatency delivers every response after d on its own goroutine.
func WithLatency(d time.Duration) Option {
	return func(b *Bus) { b.latency = d }
}

func New(device bus.Device, opts ...Option) *Bus {
	b := &Bus{
		device: device,
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = b.log.Named(driverName)
	b.InitInbox(driverName, 1024)
	return b
}

func (b *Bus) Submit(f bus.Frame) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return bus.ErrClosed
	}
	b.submitted = append(b.submitted, f)
	b.mu.Unlock()

	b.log.Debug("submit", zap.Stringer("frame", f))
	rsps := b.device.Handle(f)

	b.mu.Lock()
	if b.hold {
		b.held = append(b.held, rsps...)
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	b.deliver(rsps)
	return nil
}

func (b *Bus) deliver(rsps []bus.Frame) {
	if b.latency <= 0 {
		for _, r := range rsps {
			b.Push(r)
		}
		return
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		<-time.After(b.latency)
		for _, r := range rsps {
			b.Push(r)
		}
	}()
}

// Hold keeps responses back until Release or ReleaseReversed is called.
func (b *Bus) Hold() {
	b.mu.Lock()
	b.hold = true
	b.mu.Unlock()
}

// Held returns how many responses are currently held back.
func (b *Bus) Held() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.held)
}

// Release delivers held responses in arrival order and stops holding.
func (b *Bus) Release() {
	b.release(false)
}

// ReleaseReversed delivers held responses newest first and stops holding.
func (b *Bus) ReleaseReversed() {
	b.release(true)
}

func (b *Bus) release(reversed bool) {
	b.mu.Lock()
	held := b.held
	b.held = nil
	b.hold = false
	b.mu.Unlock()

	if reversed {
		for i, j := 0, len(held)-1; i < j; i, j = i+1, j-1 {
			held[i], held[j] = held[j], held[i]
		}
	}
	b.deliver(held)
}

// Inject queues an unsolicited inbound frame.
func (b *Bus) Inject(f bus.Frame) {
	b.Push(f)
}

// Submitted returns a copy of every frame submitted so far.
func (b *Bus) Submitted() []bus.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]bus.Frame(nil), b.submitted...)
}

func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.CloseInbox()
	b.wg.Wait()
	return nil
}
