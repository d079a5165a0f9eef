// Package udpbus carries bus frames in UDP datagrams, one frame per datagram.
package udpbus

import (
	"net"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"swamp/bus"
	"swamp/udpclient"
)

const driverName = "udp"

type Bus struct {
	bus.Inbox

	c   *udpclient.UDPClient
	log *zap.Logger
	wg  sync.WaitGroup
}

// Dial connects to a device server at address ("host:port").
func Dial(address string, log *zap.Logger) (*Bus, error) {
	if log == nil {
		log = zap.NewNop()
	}
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return nil, errors.Wrap(err, "udpbus: address")
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, errors.Wrap(err, "udpbus: port")
	}

	b := &Bus{
		c:   udpclient.NewUDPClient(driverName, log),
		log: log.Named(driverName),
	}
	b.InitInbox(driverName, 0)
	if err = b.c.Connect(host, uint16(port)); err != nil {
		return nil, err
	}

	b.wg.Add(1)
	go b.readLoop()
	return b, nil
}

// must run in a goroutine
func (b *Bus) readLoop() {
	defer b.wg.Done()

	for envelope := range b.c.Read() {
		f, err := bus.DecodeFrame(envelope)
		if err != nil {
			b.log.Warn("dropping malformed datagram", zap.Int("size", len(envelope)), zap.Error(err))
			continue
		}
		if !b.Push(f) {
			return
		}
	}

	// a nil error reports a plain close:
	b.Fail(b.c.Err())
}

func (b *Bus) Submit(f bus.Frame) error {
	p, err := f.MarshalBinary()
	if err != nil {
		return err
	}
	if err = b.c.Send(p); err != nil {
		return errors.Wrap(bus.ErrClosed, err.Error())
	}
	return nil
}

func (b *Bus) Close() error {
	b.CloseInbox()
	b.c.Close()
	b.wg.Wait()
	return nil
}

type Driver struct{}

func (d *Driver) Open(address string) (bus.Bus, error) {
	return Dial(address, zap.L())
}

func init() {
	bus.Register(driverName, &Driver{})
}
