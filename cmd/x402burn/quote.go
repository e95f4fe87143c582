package main

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/spf13/cobra"
	"github.com/vitwit/x402-burn/clients"
	"github.com/vitwit/x402-burn/config"
	"github.com/vitwit/x402-burn/logger"
	"github.com/vitwit/x402-burn/settlement"
	"github.com/vitwit/x402-burn/types"
	"github.com/vitwit/x402-burn/utils"
)

func newQuoteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "quote <amount>",
		Short: "Quote the convert-and-burn route for an amount of the accepted asset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(logger.NoopLogger{})
			if err != nil {
				return err
			}

			zero := common.Address{}
			if cfg.Engine.Router == zero || cfg.Engine.WrappedNative == zero || cfg.Engine.BurnToken == zero {
				return types.NewError(types.ErrConfigError, "%s, %s and %s are required",
					config.EnvRouter, config.EnvWrappedNative, config.EnvBurnToken)
			}
			url := rpcURL(cfg)
			if url == "" {
				return types.NewError(types.ErrConfigError, "%s is required", config.EnvRPCURL)
			}

			asset := cfg.Gate.PrimaryAsset()
			if !common.IsHexAddress(asset.Address) {
				return types.NewError(types.ErrConfigError, "primary asset %s has no token contract", asset.Symbol)
			}
			amountIn, err := utils.ParseAmountWithDecimals(args[0], asset.Decimals)
			if err != nil {
				return err
			}

			client, err := ethclient.DialContext(cmd.Context(), url)
			if err != nil {
				return fmt.Errorf("failed to connect to %s: %w", url, err)
			}
			defer client.Close()

			path := []common.Address{common.HexToAddress(asset.Address), cfg.Engine.WrappedNative, cfg.Engine.BurnToken}
			amounts, err := clients.NewUniswapV2Quoter(client, cfg.Engine.Router).Quote(cmd.Context(), path, amountIn)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for i, token := range path {
				fmt.Fprintf(out, "%-44s %s\n", token.Hex(), amounts[i])
			}
			last := amounts[len(amounts)-1]
			fmt.Fprintf(out, "min burn at %d bps: %s\n", cfg.Gate.SlippageBps, settlement.MinOutput(last, cfg.Gate.SlippageBps))
			return nil
		},
	}
}
