// Command swampctl drives a remote register file through the synchronized memory, and can
// simulate one for testing.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"swamp/config"
	"swamp/util"

	// Register bus drivers
	_ "swamp/bus/grpcbus"
	_ "swamp/bus/mockbus"
	_ "swamp/bus/serialbus"
	_ "swamp/bus/udpbus"
	_ "swamp/bus/wsbus"
)

var (
	configPath string

	cfg *config.Config
	log *zap.Logger

	globalContext context.Context
	globalCancel  context.CancelFunc
)

func initGlobal(cmd *cobra.Command, _ []string) (err error) {
	cfg = config.NewDefaultConfig()
	if configPath != "" {
		if cfg, err = config.Load(configPath); err != nil {
			return
		}
	}
	if cmd.Flags().Changed("driver") {
		cfg.Bus.Driver, _ = cmd.Flags().GetString("driver")
	}
	if cmd.Flags().Changed("address") {
		cfg.Bus.Address, _ = cmd.Flags().GetString("address")
	}

	if log, err = util.NewLogger(cfg.Log); err != nil {
		return
	}
	zap.ReplaceGlobals(log)
	return
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "swampctl",
		Short:             "Synchronized access to remote memory-mapped device state",
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: initGlobal,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "TOML configuration file")
	rootCmd.PersistentFlags().String("driver", "", "bus driver, overrides the configuration")
	rootCmd.PersistentFlags().String("address", "", "bus address, overrides the configuration")

	rootCmd.AddCommand(
		newWriteCommand(),
		newReadCommand(),
		newResetCommand(),
		newSimulateCommand(),
		newMetricsCommand(),
	)
	return rootCmd
}

func main() {
	defer func() {
		if err := recover(); err != nil {
			util.LogPanic(err)
			os.Exit(2)
		}
	}()

	globalContext, globalCancel = context.WithCancel(context.Background())

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sc
		if log != nil {
			log.Info("got signal, exiting", zap.Stringer("signal", sig))
		}
		globalCancel()
	}()

	err := newRootCommand().Execute()
	globalCancel()
	if log != nil {
		_ = log.Sync()
		_ = util.FlushLogger()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
