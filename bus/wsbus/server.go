package wsbus

import (
	"net/http"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"swamp/bus"
)

// Handler upgrades each request to a websocket and answers binary request messages with the
// responses of device.
func Handler(device bus.Device, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("wsserver")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			log.Warn("upgrade", zap.String("remote", r.RemoteAddr), zap.Error(err))
			return
		}
		defer conn.Close()
		log.Debug("client connected", zap.String("remote", r.RemoteAddr))

		for {
			data, op, err := wsutil.ReadClientData(conn)
			if err != nil {
				log.Debug("client gone", zap.String("remote", r.RemoteAddr), zap.Error(err))
				return
			}
			if op != ws.OpBinary {
				continue
			}

			req, err := bus.DecodeFrame(data)
			if err != nil {
				log.Warn("dropping malformed request", zap.Error(err))
				continue
			}

			for _, rsp := range device.Handle(req) {
				p, _ := rsp.MarshalBinary()
				if err = wsutil.WriteServerMessage(conn, ws.OpBinary, p); err != nil {
					log.Warn("write response", zap.Error(err))
					return
				}
			}
		}
	})
}
