package main

import (
	"net"
	"net/http"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"swamp/bus"
	"swamp/bus/grpcbus"
	"swamp/bus/mockbus"
	"swamp/bus/udpbus"
	"swamp/bus/wsbus"
)

func newSimulateCommand() *cobra.Command {
	var (
		listen   string
		protocol string
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Serve a simulated register file to remote buses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pattern, err := cfg.Memory.Pattern()
			if err != nil {
				return err
			}
			rf := mockbus.NewRegisterFile(cfg.Memory.Size, cfg.Transport.Protocol)
			if pattern != nil {
				rf.WithDefault(pattern)
			}

			log.Info("simulating register file",
				zap.String("protocol", protocol),
				zap.String("listen", listen),
				zap.Int("size", cfg.Memory.Size))
			return serveDevice(protocol, listen, rf)
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "127.0.0.1:7000", "address to listen on")
	cmd.Flags().StringVarP(&protocol, "protocol", "p", "udp", "udp, ws or grpc")
	return cmd
}

func serveDevice(protocol, listen string, device bus.Device) error {
	switch protocol {
	case "udp":
		conn, err := net.ListenPacket("udp", listen)
		if err != nil {
			return errors.Wrap(err, "simulate: listen")
		}
		return udpbus.Serve(globalContext, conn, device, log)

	case "ws":
		srv := &http.Server{Addr: listen, Handler: wsbus.Handler(device, log)}
		go func() {
			<-globalContext.Done()
			_ = srv.Close()
		}()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "simulate: serve")
		}
		return nil

	case "grpc":
		lis, err := net.Listen("tcp", listen)
		if err != nil {
			return errors.Wrap(err, "simulate: listen")
		}
		g := grpc.NewServer()
		grpcbus.NewServer(device, log).Register(g)
		go func() {
			<-globalContext.Done()
			g.GracefulStop()
		}()
		return g.Serve(lis)

	default:
		return errors.Errorf("simulate: unknown protocol %q", protocol)
	}
}

func newMetricsCommand() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Serve Prometheus metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if listen == "" {
				listen = cfg.Metrics.Listen
			}
			if listen == "" {
				return errors.New("metrics: no listen address configured")
			}

			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			srv := &http.Server{Addr: listen, Handler: mux}
			go func() {
				<-globalContext.Done()
				_ = srv.Close()
			}()

			log.Info("serving metrics", zap.String("listen", listen))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "metrics: serve")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "address to serve /metrics on, overrides the configuration")
	return cmd
}
