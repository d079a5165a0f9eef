// Package grpcbus carries bus frames over a bidirectional gRPC stream. Each frame travels
// as a google.protobuf.BytesValue holding its binary encoding.
package grpcbus

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"swamp/bus"
)

const (
	driverName   = "grpc"
	serviceName  = "swamp.bus.Bus"
	exchangeName = "/" + serviceName + "/Exchange"
)

// DeviceServer is the server API of the swamp.bus.Bus service.
type DeviceServer interface {
	Exchange(stream grpc.ServerStream) error
}

func exchangeHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(DeviceServer).Exchange(stream)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*DeviceServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Exchange",
			Handler:       exchangeHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "swamp/bus.proto",
}

type Bus struct {
	bus.Inbox

	log    *zap.Logger
	cc     *grpc.ClientConn
	stream grpc.ClientStream
	cancel context.CancelFunc

	smu     sync.Mutex
	closing atomic.Bool
	wg      sync.WaitGroup
}

// Dial opens an Exchange stream to target. Connections are insecure unless opts supply
// transport credentials.
func Dial(target string, log *zap.Logger, opts ...grpc.DialOption) (*Bus, error) {
	if log == nil {
		log = zap.NewNop()
	}
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)

	cc, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "grpcbus: client %s", target)
	}

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := cc.NewStream(ctx, &serviceDesc.Streams[0], exchangeName)
	if err != nil {
		cancel()
		_ = cc.Close()
		return nil, errors.Wrapf(err, "grpcbus: open stream to %s", target)
	}

	b := &Bus{
		log:    log.Named(driverName),
		cc:     cc,
		stream: stream,
		cancel: cancel,
	}
	b.InitInbox(driverName, 0)

	b.wg.Add(1)
	go b.readLoop()
	return b, nil
}

// must run in a goroutine
func (b *Bus) readLoop() {
	defer b.wg.Done()

	for {
		m := new(wrapperspb.BytesValue)
		if err := b.stream.RecvMsg(m); err != nil {
			if b.closing.Load() || err == io.EOF {
				b.Fail(nil)
				return
			}
			b.log.Warn("receive", zap.Error(err))
			b.Fail(err)
			return
		}

		f, err := bus.DecodeFrame(m.GetValue())
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

	b.smu.Lock()
	defer b.smu.Unlock()
	if err = b.stream.SendMsg(wrapperspb.Bytes(p)); err != nil {
		return errors.Wrap(err, "grpcbus: send")
	}
	return nil
}

func (b *Bus) Close() error {
	if b.closing.Swap(true) {
		return nil
	}
	b.CloseInbox()

	b.smu.Lock()
	_ = b.stream.CloseSend()
	b.smu.Unlock()

	b.cancel()
	b.wg.Wait()
	return b.cc.Close()
}

// Server answers Exchange streams with the responses of a device.
type Server struct {
	device bus.Device
	log    *zap.Logger

	// one exchange at a time reaches the device
	mu sync.Mutex
}

func NewServer(device bus.Device, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{device: device, log: log.Named("grpcserver")}
}

// Register adds the swamp.bus.Bus service to g.
func (s *Server) Register(g *grpc.Server) {
	g.RegisterService(&serviceDesc, s)
}

func (s *Server) Exchange(stream grpc.ServerStream) error {
	for {
		in := new(wrapperspb.BytesValue)
		if err := stream.RecvMsg(in); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		req, err := bus.DecodeFrame(in.GetValue())
		if err != nil {
			return status.Errorf(codes.InvalidArgument, "malformed frame: %v", err)
		}
		s.log.Debug("request", zap.Stringer("frame", req))

		s.mu.Lock()
		rsps := s.device.Handle(req)
		s.mu.Unlock()

		for _, rsp := range rsps {
			p, _ := rsp.MarshalBinary()
			if err = stream.SendMsg(wrapperspb.Bytes(p)); err != nil {
				return err
			}
		}
	}
}

type Driver struct{}

func (d *Driver) Open(address string) (bus.Bus, error) {
	return Dial(address, zap.L())
}

func init() {
	bus.Register(driverName, &Driver{})
}
