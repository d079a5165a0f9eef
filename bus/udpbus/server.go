package udpbus

import (
	"context"
	"net"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"swamp/bus"
)

// Serve answers request datagrams arriving on conn with the responses of device, sent back
// to the requesting peer. It returns when ctx is done or conn fails.
func Serve(ctx context.Context, conn net.PacketConn, device bus.Device, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("udpserver")

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	b := make([]byte, 1500)
	for {
		n, peer, err := conn.ReadFrom(b)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return errors.Wrap(err, "udpbus: serve")
		}

		req, err := bus.DecodeFrame(b[:n])
		if err != nil {
			log.Warn("dropping malformed request", zap.Stringer("peer", peer), zap.Error(err))
			continue
		}
		log.Debug("request", zap.Stringer("peer", peer), zap.Stringer("frame", req))

		for _, rsp := range device.Handle(req) {
			p, err := rsp.MarshalBinary()
			if err != nil {
				return err
			}
			if _, err = conn.WriteTo(p, peer); err != nil {
				log.Warn("write response", zap.Stringer("peer", peer), zap.Error(err))
			}
		}
	}
}
