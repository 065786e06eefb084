package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/marketcalls/openalgo-sub010/internal/broker"
	"github.com/marketcalls/openalgo-sub010/internal/instrument"
)

func newInstrumentsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "instruments",
		Short: "Manage the local symbol master",
	}
	cmd.AddCommand(newInstrumentsImportCmd(configPath))
	return cmd
}

func newInstrumentsImportCmd(configPath *string) *cobra.Command {
	var (
		brokerName string
		file       string
	)
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Load a master-contract CSV into the configured store",
		Long: `Reads a CSV with a header row (symbol, exchange, token required; name,
brsymbol, brexchange, instrumenttype, lotsize, tick_size optional) and upserts
every row for the broker into the sqlite or postgres symbol master.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			brokerName = strings.ToLower(strings.TrimSpace(brokerName))
			if !broker.Registered(brokerName) {
				return fmt.Errorf("unknown broker %q (have %v)", brokerName, broker.Names())
			}

			cfg, logger, sync, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			defer sync()

			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defer f.Close()

			rows, err := instrument.ReadCSV(f)
			if err != nil {
				return fmt.Errorf("%s: %w", file, err)
			}

			ctx := cmd.Context()
			s, closeStore, err := openStore(ctx, cfg.Instruments)
			if err != nil {
				return err
			}
			defer closeStore()

			start := time.Now()
			if err := s.Upsert(ctx, brokerName, rows); err != nil {
				return err
			}
			logger.Info("instruments imported",
				"broker", brokerName,
				"driver", cfg.Instruments.Driver,
				"rows", len(rows),
				"duration", time.Since(start),
			)
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d instruments for %s\n", len(rows), brokerName)
			return nil
		},
	}
	cmd.Flags().StringVarP(&brokerName, "broker", "b", "", "broker the tokens belong to")
	cmd.Flags().StringVarP(&file, "file", "f", "", "master-contract CSV file")
	_ = cmd.MarkFlagRequired("broker")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
