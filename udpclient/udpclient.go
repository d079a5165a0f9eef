// Package udpclient exchanges datagrams with a single UDP peer on a pair of goroutines.
package udpclient

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

var ErrNotConnected = errors.New("udpclient: not connected")

type UDPClient struct {
	name string
	log  *zap.Logger

	c *net.UDPConn

	isConnected atomic.Bool
	read        chan []byte
	write       chan []byte
	done        chan struct{}
	once        sync.Once
	wg          sync.WaitGroup

	errMu sync.Mutex
	err   error

	hostname string
	port     uint16
}

func NewUDPClient(name string, log *zap.Logger) *UDPClient {
	if log == nil {
		log = zap.NewNop()
	}
	return &UDPClient{
		name:  name,
		log:   log.Named(name),
		read:  make(chan []byte, 64),
		write: make(chan []byte, 64),
		done:  make(chan struct{}),
	}
}

func (c *UDPClient) Hostname() string { return c.hostname }
func (c *UDPClient) Port() uint16     { return c.port }

// Read delivers received datagrams; it is closed once the client disconnects.
func (c *UDPClient) Read() <-chan []byte { return c.read }

func (c *UDPClient) IsConnected() bool { return c.isConnected.Load() }

// Err returns the error that ended the connection, if any.
func (c *UDPClient) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *UDPClient) setErr(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
}

func (c *UDPClient) Connect(hostname string, port uint16) (err error) {
	c.log.Debug("connect to server", zap.String("host", hostname), zap.Uint16("port", port))

	if c.isConnected.Load() {
		return errors.Errorf("%s: already connected", c.name)
	}

	c.hostname = hostname
	c.port = port

	hostport := net.JoinHostPort(hostname, fmt.Sprint(port))
	raddr, err := net.ResolveUDPAddr("udp", hostport)
	if err != nil {
		return errors.Wrapf(err, "%s: resolve", c.name)
	}

	c.c, err = net.DialUDP("udp", nil, raddr)
	if err != nil {
		return errors.Wrapf(err, "%s: dial", c.name)
	}

	c.isConnected.Store(true)
	c.log.Info("connected to server", zap.String("addr", hostport))

	c.wg.Add(2)
	go c.readLoop()
	go c.writeLoop()

	return
}

// Send queues a datagram for transmission.
func (c *UDPClient) Send(b []byte) error {
	if !c.isConnected.Load() {
		return ErrNotConnected
	}
	select {
	case c.write <- b:
		return nil
	case <-c.done:
		return ErrNotConnected
	}
}

// Disconnect stops both loops. It is safe to call more than once and from either loop.
func (c *UDPClient) Disconnect() {
	c.once.Do(func() {
		c.log.Debug("disconnect from server", zap.String("host", c.hostname))

		c.isConnected.Store(false)
		close(c.done)

		if c.c == nil {
			return
		}
		if err := c.c.SetReadDeadline(time.Now()); err != nil {
			c.log.Debug("setreaddeadline", zap.Error(err))
		}
		if err := c.c.Close(); err != nil {
			c.log.Debug("close", zap.Error(err))
		}
	})
}

// Close disconnects and waits for both loops to exit.
func (c *UDPClient) Close() {
	c.Disconnect()
	c.wg.Wait()
}

// must run in a goroutine
func (c *UDPClient) readLoop() {
	defer c.wg.Done()
	defer close(c.read)
	defer func() {
		c.Disconnect()
		c.log.Debug("disconnected; readLoop exited")
	}()

	// we only need a single receive buffer:
	b := make([]byte, 1500)

	for c.isConnected.Load() {
		// wait for a packet from UDP socket:
		var n, _, err = c.c.ReadFromUDP(b)
		if err != nil {
			if c.isConnected.Load() && !errors.Is(err, net.ErrClosed) {
				c.log.Warn("read", zap.Error(err))
				c.setErr(err)
			}
			return
		}

		// copy the envelope:
		envelope := make([]byte, n)
		copy(envelope, b[:n])

		select {
		case c.read <- envelope:
		case <-c.done:
			return
		}
	}
}

// must run in a goroutine
func (c *UDPClient) writeLoop() {
	defer c.wg.Done()
	defer func() {
		c.Disconnect()
		c.log.Debug("disconnected; writeLoop exited")
	}()

	for {
		select {
		case w := <-c.write:
			if _, err := c.c.Write(w); err != nil {
				if !errors.Is(err, net.ErrClosed) {
					c.log.Warn("write", zap.Error(err))
					c.setErr(err)
				}
				return
			}
		case <-c.done:
			return
		}
	}
}
