package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/marketcalls/openalgo-sub010/internal/config"
)

func newCheckConfigCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the config file and print the effective settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadAndValidate(*configPath)
			if err != nil {
				return err
			}
			if _, err := accounts(cfg); err != nil {
				return err
			}
			if _, err := buildValidator(cfg.Auth); err != nil {
				return fmt.Errorf("auth: %w", err)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "instance\t%s\n", cfg.Instance.ID)
			fmt.Fprintf(w, "listen\t%s\n", cfg.Server.Listen)
			for _, a := range cfg.Accounts {
				fmt.Fprintf(w, "account\t%s (%s)\n", a.ID, a.Broker)
			}
			fmt.Fprintf(w, "default account\t%s\n", cfg.Server.DefaultAccount)
			fmt.Fprintf(w, "max symbols per connection\t%d\n", cfg.Limits.MaxSymbolsPerConnection)
			fmt.Fprintf(w, "max connections\t%d\n", cfg.Limits.MaxConnections)
			fmt.Fprintf(w, "max symbols per session\t%d\n", cfg.Limits.MaxSymbolsPerSession)
			fmt.Fprintf(w, "throttle ltp/quote/depth\t%v / %v / %v\n",
				config.Window(cfg.Throttle.LTP), config.Window(cfg.Throttle.Quote), config.Window(cfg.Throttle.Depth))
			fmt.Fprintf(w, "reconnect\t%v .. %v\n", cfg.Reconnect.BaseDelay, cfg.Reconnect.MaxDelay)
			fmt.Fprintf(w, "instruments\t%s\n", cfg.Instruments.Driver)
			fmt.Fprintf(w, "credentials\t%s\n", cfg.Credentials.Source)
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "config OK")
			return nil
		},
	}
}
