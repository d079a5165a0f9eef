package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"swamp/bus"
	"swamp/syncmem"
	"swamp/transport"
)

const settleTimeout = 5 * time.Second

type session struct {
	engine *transport.Engine
	memory *syncmem.Memory
}

func openSession() (*session, error) {
	b, err := bus.Open(cfg.Bus.Driver, cfg.Bus.Address)
	if err != nil {
		return nil, err
	}

	opts := []transport.Option{
		transport.WithLogger(log),
		transport.WithIDRange(cfg.Transport.IDLow, cfg.Transport.IDHigh),
		transport.WithSubmissionAddress(cfg.Transport.SubmissionAddress),
		transport.WithMapping(transport.RegisterMapping{Protocol: cfg.Transport.Protocol}),
	}
	if cfg.Transport.TransmitRate > 0 {
		opts = append(opts, transport.WithRateLimit(rate.Limit(cfg.Transport.TransmitRate), cfg.Transport.TransmitBurst))
	}
	e := transport.New(b, opts...)

	if n, err := e.Clear(); err != nil {
		_ = e.Close()
		return nil, err
	} else if n > 0 {
		log.Info("dropped stale frames", zap.Int("count", n))
	}

	pattern, err := cfg.Memory.Pattern()
	if err != nil {
		_ = e.Close()
		return nil, err
	}
	m, err := syncmem.New(e, cfg.Memory.Size, syncmem.WithDefaultPattern(pattern), syncmem.WithLogger(log))
	if err != nil {
		_ = e.Close()
		return nil, err
	}
	return &session{engine: e, memory: m}, nil
}

// settle waits until every transaction in flight has resolved.
func (s *session) settle(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, settleTimeout)
	defer cancel()
	for _, tx := range s.memory.Outstanding() {
		if err := tx.Wait(ctx); err != nil {
			return errors.Wrapf(err, "waiting for %s", tx)
		}
	}
	return s.memory.Err()
}

func (s *session) Close() error {
	return s.engine.Close()
}

func parseByte(s string) (byte, error) {
	n, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid byte %q", s)
	}
	return byte(n), nil
}

func parseAddresses(args []string) ([]int, error) {
	addrs := make([]int, 0, len(args))
	for _, a := range args {
		n, err := strconv.ParseUint(a, 0, 31)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid address %q", a)
		}
		addrs = append(addrs, int(n))
	}
	return addrs, nil
}

func newWriteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "write ADDR MASK VALUE...",
		Short: "Write consecutive bytes starting at ADDR under MASK",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			addrs, err := parseAddresses(args[:1])
			if err != nil {
				return err
			}
			mask, err := parseByte(args[1])
			if err != nil {
				return err
			}
			updates := make([]syncmem.Update, 0, len(args)-2)
			for i, a := range args[2:] {
				v, err := parseByte(a)
				if err != nil {
					return err
				}
				updates = append(updates, syncmem.Update{Address: addrs[0] + i, Mask: mask, Value: v})
			}

			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.Close()

			if err = s.memory.Write(updates); err != nil {
				return err
			}
			if err = s.settle(globalContext); err != nil {
				return err
			}
			for _, u := range updates {
				fmt.Fprintf(cmd.OutOrStdout(), "0x%04X = 0x%02X\n", u.Address, s.memory.Committed()[u.Address])
			}
			return nil
		},
	}
}

func newReadCommand() *cobra.Command {
	var fromHardware bool
	cmd := &cobra.Command{
		Use:   "read ADDR...",
		Short: "Read bytes from the local mirror, or verify them against the device",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addrs, err := parseAddresses(args)
			if err != nil {
				return err
			}

			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.Close()

			ctx, cancel := context.WithTimeout(globalContext, settleTimeout)
			defer cancel()
			values, err := s.memory.Read(ctx, addrs, fromHardware)
			if err != nil {
				// report every drifted byte before failing:
				for _, e := range multierr.Errors(err) {
					var ce *syncmem.ConsistencyError
					if errors.As(e, &ce) {
						fmt.Fprintf(cmd.OutOrStdout(), "0x%04X = 0x%02X (mirror 0x%02X)\n", ce.Address, ce.Hardware, ce.Committed)
					}
				}
				return err
			}
			for i, a := range addrs {
				fmt.Fprintf(cmd.OutOrStdout(), "0x%04X = 0x%02X\n", a, values[i])
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&fromHardware, "hw", false, "verify against the device")
	return cmd
}

func newResetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Revert the device memory to its default pattern",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.Close()

			if err = s.memory.Reset(); err != nil {
				return err
			}
			return s.settle(globalContext)
		},
	}
}
