package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	x402 "github.com/vitwit/x402-burn"
	"github.com/vitwit/x402-burn/config"
	"github.com/vitwit/x402-burn/logger"
	"github.com/vitwit/x402-burn/types"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "x402burn",
		Short:         "x402 payment gate with convert-and-burn settlement",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newPricesCmd())
	rootCmd.AddCommand(newQuoteCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newPricesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prices",
		Short: "Print the configured price tiers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(logger.NoopLogger{})
			if err != nil {
				return err
			}

			x, err := x402.New(cfg.Gate)
			if err != nil {
				return err
			}
			defer x.Close()

			out := cmd.OutOrStdout()
			def := x.GetPrice("")
			fmt.Fprintf(out, "%-24s %-12s %s\n", "RESOURCE", "AMOUNT", "DESCRIPTION")
			fmt.Fprintf(out, "%-24s %-12s %s\n", "(default)", def.Amount, def.Description)
			for _, tier := range x.Prices() {
				fmt.Fprintf(out, "%-24s %-12s %s\n", tier.ResourceID, tier.Amount, tier.Description)
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeJSON(cmd.OutOrStdout(), x402.GetVersion())
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newLogger(cfg *types.GateConfig) (logger.Logger, func(), error) {
	zl, err := logger.NewZapLogger(cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return zl, func() { _ = zl.Sync() }, nil
}

func rpcURL(cfg *config.Config) string {
	if c, ok := cfg.Gate.Clients[cfg.Gate.Network]; ok {
		return c.RPCUrl
	}
	return ""
}
