package main

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	x402 "github.com/vitwit/x402-burn"
	"github.com/vitwit/x402-burn/amm"
	"github.com/vitwit/x402-burn/clients"
	"github.com/vitwit/x402-burn/config"
	"github.com/vitwit/x402-burn/gate"
	"github.com/vitwit/x402-burn/logger"
	"github.com/vitwit/x402-burn/metrics"
	"github.com/vitwit/x402-burn/settlement"
	"github.com/vitwit/x402-burn/types"
)

const healthResource = "/healthz"

func newServeCmd() *cobra.Command {
	var demoLiquidity bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the payment gate in front of the demo resources",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, demoLiquidity)
		},
	}

	cmd.Flags().BoolVar(&demoLiquidity, "demo-liquidity", false, "seed in-memory pools so settlement can convert")
	return cmd
}

func serve(ctx context.Context, demoLiquidity bool) error {
	cfg, err := config.Load(nil)
	if err != nil {
		return err
	}

	log, sync, err := newLogger(cfg.Gate)
	if err != nil {
		return err
	}
	defer sync()

	var recorder metrics.Recorder = metrics.NoopRecorder{}
	registry := prometheus.NewRegistry()
	if cfg.Gate.EnableMetrics {
		prom, err := metrics.NewPrometheusRecorder(registry)
		if err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}
		recorder = prom
	}

	opts := []x402.Option{x402.WithLogger(log), x402.WithMetrics(recorder)}

	engine, closeEngine, err := newEngine(ctx, cfg, log, recorder, demoLiquidity)
	if err != nil {
		return err
	}
	defer closeEngine()
	if engine != nil {
		opts = append(opts, x402.WithEngine(engine, cfg.Engine.Owner))
	}

	x, err := x402.New(cfg.Gate, opts...)
	if err != nil {
		return err
	}
	defer x.Close()

	if err := x.SetPrice(healthResource, "0", "health check"); err != nil {
		return err
	}
	x.StartSweeper(ctx)

	srv := &http.Server{
		Addr:              cfg.Gate.ListenAddr,
		Handler:           newRouter(x, registry, cfg.Gate.EnableMetrics),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("payment gate listening", map[string]any{
			"addr":       srv.Addr,
			"network":    cfg.Gate.Network.String(),
			"recipient":  cfg.Gate.Recipient,
			"settlement": engine != nil,
			"signatures": cfg.Gate.VerifySignatures,
		})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	log.Info("shutting down", nil)
	return srv.Shutdown(shutdownCtx)
}

// newEngine builds the settlement engine when a burn token is configured.
// Without --demo-liquidity the pools are empty and every conversion fails
// with SLIPPAGE_EXCEEDED, leaving payments held for a later retry.
// When a UniswapV2 router and an RPC endpoint are configured, expected
// outputs are read from that router instead.
func newEngine(ctx context.Context, cfg *config.Config, log logger.Logger, rec metrics.Recorder, demoLiquidity bool) (*settlement.Engine, func(), error) {
	noop := func() {}
	ec := cfg.Engine
	zero := common.Address{}
	if ec.BurnToken == zero || ec.WrappedNative == zero {
		return nil, noop, nil
	}
	if ec.Owner == zero {
		return nil, noop, types.NewError(types.ErrConfigError, "%s is required with a burn token", config.EnvOwner)
	}

	asset := cfg.Gate.PrimaryAsset()
	if !common.IsHexAddress(asset.Address) {
		return nil, noop, types.NewError(types.ErrConfigError, "primary asset %s has no token contract", asset.Symbol)
	}
	accepted := common.HexToAddress(asset.Address)

	router := amm.NewRouter()
	if demoLiquidity {
		router.AddLiquidity(accepted, ec.WrappedNative, big.NewInt(1_000_000_000_000), big.NewInt(500_000_000_000))
		router.AddLiquidity(ec.WrappedNative, ec.BurnToken, big.NewInt(500_000_000_000), big.NewInt(5_000_000_000_000))
	}

	opts := []settlement.Option{
		settlement.WithSlippageBps(cfg.Gate.SlippageBps),
		settlement.WithLogger(log),
		settlement.WithMetrics(rec),
	}

	cleanup := noop
	if url := rpcURL(cfg); ec.Router != zero && url != "" {
		client, err := ethclient.DialContext(ctx, url)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to connect to %s: %w", url, err)
		}
		cleanup = client.Close
		opts = append(opts, settlement.WithQuoter(clients.NewUniswapV2Quoter(client, ec.Router)))
		log.Info("quoting conversions from router", map[string]any{"router": ec.Router.Hex()})
	}

	engine := settlement.NewEngine(ec.Owner, opts...)
	err := engine.Initialize(ctx, ec.Owner, settlement.InitParams{
		AcceptedAsset: accepted,
		WrappedNative: ec.WrappedNative,
		BurnToken:     ec.BurnToken,
		Route:         router,
	})
	if err != nil {
		cleanup()
		return nil, noop, err
	}
	return engine, cleanup, nil
}

func newRouter(x *x402.X402, registry *prometheus.Registry, withMetrics bool) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET(healthResource, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if withMetrics {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}
	r.GET("/prices", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"default": x.GetPrice(""), "tiers": x.Prices()})
	})
	r.GET("/stats", func(c *gin.Context) {
		stats, err := x.Statistics()
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, stats)
	})

	paid := r.Group("/resources")
	paid.Use(x.Gate().GinMiddleware())
	paid.GET("/:name", func(c *gin.Context) {
		body := gin.H{"resource": c.Request.URL.Path}
		if a, ok := gate.GinAssertion(c); ok {
			body["payer"] = a.Payer
			body["nonce"] = a.Nonce
		}
		c.JSON(http.StatusOK, body)
	})

	return r
}
