// Package serialbus carries bus frames over a byte stream, typically a USB serial port.
// Frames are sent back to back in their 12-byte binary encoding.
package serialbus

import (
	"io"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"swamp/bus"
)

const driverName = "serial"

type Bus struct {
	bus.Inbox

	f   io.ReadWriteCloser
	log *zap.Logger

	wmu     sync.Mutex
	closing atomic.Bool
	wg      sync.WaitGroup
}

// New runs a bus over an already open stream. The bus owns f and closes it.
func New(f io.ReadWriteCloser, log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	b := &Bus{f: f, log: log.Named(driverName)}
	b.InitInbox(driverName, 0)

	b.wg.Add(1)
	go b.readLoop()
	return b
}

func sendSerial(f io.Writer, buf []byte) error {
	sent := 0
	for sent < len(buf) {
		n, e := f.Write(buf[sent:])
		if e != nil {
			return e
		}
		sent += n
	}
	return nil
}

func recvSerial(f io.Reader, rsp []byte, expected int) error {
	o := 0
	for o < expected {
		n, err := f.Read(rsp[o:expected])
		if err != nil {
			return err
		}
		if n <= 0 {
			return errors.Errorf("recvSerial: Read returned %d", n)
		}
		o += n
	}
	return nil
}

// must run in a goroutine
func (b *Bus) readLoop() {
	defer b.wg.Done()

	buf := make([]byte, bus.FrameSize)
	for {
		if err := recvSerial(b.f, buf, bus.FrameSize); err != nil {
			if b.closing.Load() || err == io.EOF {
				b.Fail(nil)
				return
			}
			b.log.Warn("read", zap.Error(err))
			b.Fail(err)
			return
		}

		f, err := bus.DecodeFrame(buf)
		if err != nil {
			// the stream has lost frame alignment; nothing after this can be trusted:
			b.log.Error("stream out of sync", zap.Binary("data", buf), zap.Error(err))
			b.Fail(err)
			return
		}
		if !b.Push(f) {
			return
		}
	}
}

func (b *Bus) Submit(f bus.Frame) error {
	if b.closing.Load() {
		return bus.ErrClosed
	}
	p, err := f.MarshalBinary()
	if err != nil {
		return err
	}

	b.wmu.Lock()
	defer b.wmu.Unlock()
	if err = sendSerial(b.f, p); err != nil {
		return errors.Wrap(err, "serialbus: write")
	}
	return nil
}

func (b *Bus) Close() (err error) {
	if b.closing.Swap(true) {
		return nil
	}
	b.CloseInbox()
	err = b.f.Close()
	b.wg.Wait()
	if err != nil {
		return errors.Wrap(err, "serialbus: could not close port")
	}
	return nil
}

// ServeStream answers frames read from rw with the responses of device until rw ends.
func ServeStream(rw io.ReadWriter, device bus.Device, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	buf := make([]byte, bus.FrameSize)
	for {
		if err := recvSerial(rw, buf, bus.FrameSize); err != nil {
			if err == io.EOF || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return err
		}
		req, err := bus.DecodeFrame(buf)
		if err != nil {
			return err
		}
		log.Debug("request", zap.Stringer("frame", req))

		for _, rsp := range device.Handle(req) {
			p, _ := rsp.MarshalBinary()
			if err = sendSerial(rw, p); err != nil {
				return err
			}
		}
	}
}
