// Package wsbus carries bus frames in binary websocket messages.
package wsbus

import (
	"context"
	"net"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"swamp/bus"
)

const driverName = "ws"

type Bus struct {
	bus.Inbox

	urlstr string
	log    *zap.Logger

	ws      net.Conn
	wmu     sync.Mutex
	closing atomic.Bool
	wg      sync.WaitGroup
}

// Dial opens a websocket to a device server at urlstr ("ws://host:port/path").
func Dial(ctx context.Context, urlstr string, log *zap.Logger) (*Bus, error) {
	if log == nil {
		log = zap.NewNop()
	}
	b := &Bus{urlstr: urlstr, log: log.Named(driverName)}
	b.InitInbox(driverName, 0)

	b.log.Debug("dial", zap.String("url", urlstr))
	conn, br, _, err := ws.Dial(ctx, urlstr)
	if err != nil {
		return nil, errors.Wrapf(err, "wsbus: dial %s", urlstr)
	}
	if br != nil {
		// the server never speaks first
		ws.PutReader(br)
	}
	b.ws = conn

	b.wg.Add(1)
	go b.readLoop()
	return b, nil
}

// must run in a goroutine
func (b *Bus) readLoop() {
	defer b.wg.Done()

	for {
		data, op, err := wsutil.ReadServerData(b.ws)
		if err != nil {
			if b.closing.Load() {
				b.Fail(nil)
				return
			}
			b.log.Warn("read", zap.Error(err))
			b.Fail(err)
			return
		}
		if op != ws.OpBinary {
			b.log.Debug("ignoring non-binary message", zap.Stringer("op", opName(op)))
			continue
		}

		f, err := bus.DecodeFrame(data)
		if err != nil {
			b.log.Warn("dropping malformed message", zap.Error(err))
			continue
		}
		if !b.Push(f) {
			return
		}
	}
}

func (b *Bus) Submit(f bus.Frame) error {
	p, err := f.MarshalBinary()
	if err != nil {
		return err
	}
	if b.closing.Load() {
		return bus.ErrClosed
	}

	b.wmu.Lock()
	defer b.wmu.Unlock()
	if err = wsutil.WriteClientMessage(b.ws, ws.OpBinary, p); err != nil {
		return errors.Wrap(err, "wsbus: write")
	}
	return nil
}

func (b *Bus) Close() (err error) {
	if b.closing.Swap(true) {
		return nil
	}
	b.CloseInbox()

	b.wmu.Lock()
	_ = wsutil.WriteClientMessage(b.ws, ws.OpClose, ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))
	b.wmu.Unlock()

	err = b.ws.Close()
	b.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return
}

type opName ws.OpCode

func (o opName) String() string {
	switch ws.OpCode(o) {
	case ws.OpText:
		return "text"
	case ws.OpBinary:
		return "binary"
	case ws.OpClose:
		return "close"
	case ws.OpPing:
		return "ping"
	case ws.OpPong:
		return "pong"
	default:
		return "continuation"
	}
}

type Driver struct{}

func (d *Driver) Open(address string) (bus.Bus, error) {
	return Dial(context.Background(), address, zap.L())
}

func init() {
	bus.Register(driverName, &Driver{})
}
