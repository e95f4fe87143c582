// Package config builds the gate and engine configuration from the process
// environment.
package config

import (
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/vitwit/x402-burn/logger"
	"github.com/vitwit/x402-burn/types"
)

// Environment keys
const (
	EnvRecipient       = "X402_RECIPIENT"
	EnvNetwork         = "X402_NETWORK"
	EnvAssets          = "X402_ASSETS"
	EnvDefaultPrice    = "X402_DEFAULT_PRICE"
	EnvPrices          = "X402_PRICES"
	EnvReplayRetention = "X402_REPLAY_RETENTION"
	EnvSweepInterval   = "X402_SWEEP_INTERVAL"
	EnvMaxAssertionAge = "X402_MAX_ASSERTION_AGE"
	EnvConfirmTimeout  = "X402_CONFIRM_TIMEOUT"
	EnvFingerprintMode = "X402_FINGERPRINT_MODE"
	EnvSlippageBps     = "X402_SLIPPAGE_BPS"
	EnvLogLevel        = "X402_LOG_LEVEL"
	EnvEnableMetrics   = "X402_ENABLE_METRICS"
	EnvVerifySigs      = "X402_VERIFY_SIGNATURES"
	EnvRedisURL        = "X402_REDIS_URL"
	EnvListenAddr      = "X402_LISTEN_ADDR"
	EnvRPCURL          = "X402_RPC_URL"
	EnvGRPCURL         = "X402_GRPC_URL"

	EnvOwner         = "X402_ENGINE_OWNER"
	EnvWrappedNative = "X402_WRAPPED_NATIVE"
	EnvBurnToken     = "X402_BURN_TOKEN"
	EnvRouter        = "X402_UNISWAP_ROUTER"
)

// DefaultListenAddr is used when X402_LISTEN_ADDR is unset
const DefaultListenAddr = ":8402"

// EngineConfig names the on-chain parties of the settlement engine
type EngineConfig struct {
	Owner         common.Address
	WrappedNative common.Address
	BurnToken     common.Address

	// Router is a UniswapV2 router queried for expected conversion output.
	// Zero means the engine quotes from its own route.
	Router common.Address
}

// Config is everything the gate process needs
type Config struct {
	Gate   *types.GateConfig
	Engine EngineConfig
}

// Load reads .env files, then the environment, and validates the result
func Load(l logger.Logger) (*Config, error) {
	LoadEnv(l)
	return FromEnv()
}

// FromEnv builds the configuration from the current process environment
func FromEnv() (*Config, error) {
	assets, err := ParseAssets(GetEnvList(EnvAssets))
	if err != nil {
		return nil, err
	}

	defaultPrice, err := decimal.NewFromString(GetEnv(EnvDefaultPrice, "0"))
	if err != nil {
		return nil, types.NewError(types.ErrConfigError, "invalid %s: %v", EnvDefaultPrice, err)
	}

	prices, err := ParsePrices(GetEnvList(EnvPrices))
	if err != nil {
		return nil, err
	}

	slippage := GetEnvInt(EnvSlippageBps, types.DefaultSlippageBps)
	if slippage < 0 {
		return nil, types.NewError(types.ErrConfigError, "invalid %s: %d", EnvSlippageBps, slippage)
	}

	network := types.Network(GetEnv(EnvNetwork, string(types.NetworkBaseSepolia)))

	gate := &types.GateConfig{
		Recipient:        GetEnv(EnvRecipient, ""),
		Network:          network,
		AcceptedAssets:   assets,
		DefaultPrice:     defaultPrice,
		Prices:           prices,
		ReplayRetention:  GetEnvDuration(EnvReplayRetention, types.DefaultReplayRetention),
		SweepInterval:    GetEnvDuration(EnvSweepInterval, types.DefaultSweepInterval),
		MaxAssertionAge:  GetEnvDuration(EnvMaxAssertionAge, types.DefaultMaxAssertionAge),
		ConfirmTimeout:   GetEnvDuration(EnvConfirmTimeout, types.DefaultConfirmTimeout),
		Fingerprint:      types.FingerprintMode(GetEnv(EnvFingerprintMode, string(types.FingerprintPayerNonceTimestamp))),
		SlippageBps:      uint32(slippage),
		VerifySignatures: GetEnvBool(EnvVerifySigs, false),
		LogLevel:         GetEnv(EnvLogLevel, "info"),
		EnableMetrics:    GetEnvBool(EnvEnableMetrics, false),
		RedisURL:         GetEnv(EnvRedisURL, ""),
		ListenAddr:       GetEnv(EnvListenAddr, DefaultListenAddr),
	}

	if rpc := GetEnv(EnvRPCURL, ""); rpc != "" {
		gate.Clients = map[types.Network]types.ClientConfig{
			network: {
				Network: network,
				RPCUrl:  rpc,
				GRPCUrl: GetEnv(EnvGRPCURL, ""),
			},
		}
	}

	if err := gate.Validate(); err != nil {
		return nil, err
	}

	engine, err := engineFromEnv()
	if err != nil {
		return nil, err
	}

	return &Config{Gate: gate, Engine: engine}, nil
}

func engineFromEnv() (EngineConfig, error) {
	var cfg EngineConfig
	fields := []struct {
		key string
		dst *common.Address
	}{
		{EnvOwner, &cfg.Owner},
		{EnvWrappedNative, &cfg.WrappedNative},
		{EnvBurnToken, &cfg.BurnToken},
		{EnvRouter, &cfg.Router},
	}

	for _, f := range fields {
		value := GetEnv(f.key, "")
		if value == "" {
			continue
		}
		if !common.IsHexAddress(value) {
			return cfg, types.NewError(types.ErrConfigError, "invalid %s: %q is not an address", f.key, value)
		}
		*f.dst = common.HexToAddress(value)
	}
	return cfg, nil
}

// ParseAssets parses SYMBOL:ADDRESS:DECIMALS items. ADDRESS may be empty
// for a chain-native asset.
func ParseAssets(items []string) ([]types.AssetInfo, error) {
	assets := make([]types.AssetInfo, 0, len(items))
	for _, item := range items {
		parts := strings.Split(item, ":")
		if len(parts) != 3 || strings.TrimSpace(parts[0]) == "" {
			return nil, types.NewError(types.ErrConfigError, "invalid asset %q, want SYMBOL:ADDRESS:DECIMALS", item)
		}

		decimals, err := strconv.ParseInt(strings.TrimSpace(parts[2]), 10, 32)
		if err != nil {
			return nil, types.NewError(types.ErrConfigError, "invalid decimals in asset %q", item)
		}

		assets = append(assets, types.AssetInfo{
			Symbol:   strings.TrimSpace(parts[0]),
			Address:  strings.TrimSpace(parts[1]),
			Decimals: int32(decimals),
		})
	}
	return assets, nil
}

// ParsePrices parses resource=amount items
func ParsePrices(items []string) (map[string]string, error) {
	if len(items) == 0 {
		return nil, nil
	}

	prices := make(map[string]string, len(items))
	for _, item := range items {
		resource, amount, ok := strings.Cut(item, "=")
		if !ok {
			return nil, types.NewError(types.ErrConfigError, "invalid price %q, want resource=amount", item)
		}
		prices[strings.TrimSpace(resource)] = strings.TrimSpace(amount)
	}
	return prices, nil
}
