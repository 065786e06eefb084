package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/marketcalls/openalgo-sub010/internal/config"
	"github.com/marketcalls/openalgo-sub010/internal/logging"
	"github.com/marketcalls/openalgo-sub010/internal/version"
)

const defaultConfigPath = "configs/gateway.yaml"

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "gateway",
		Short: "Market data multiplexing gateway",
		Long: `The gateway holds a small pool of upstream broker websocket connections and
fans their ticks out to any number of client sessions.

Clients connect to /ws, authenticate, and subscribe to exchange:symbol:mode
streams. Streams are shared: two clients on the same stream cost one upstream
subscription, released when the last client leaves.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to config file")

	root.AddCommand(
		newServeCmd(&configPath),
		newCheckConfigCmd(&configPath),
		newInstrumentsCmd(&configPath),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
}

// loadConfig loads, defaults and validates the config, then builds the
// process logger from it.
func loadConfig(path string) (*config.Config, *slog.Logger, func() error, error) {
	cfg, err := config.LoadAndValidate(path)
	if err != nil {
		return nil, nil, nil, err
	}
	logger, sync, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, logger.With("instance", cfg.Instance.ID), sync, nil
}
