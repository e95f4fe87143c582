// Package x402 gates resources behind x402 payment assertions and settles
// accepted payments into a convert-and-burn engine. EVM, Solana and Cosmos
// transfers can be confirmed on-chain.
package x402

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vitwit/x402-burn/clients"
	"github.com/vitwit/x402-burn/gate"
	"github.com/vitwit/x402-burn/logger"
	"github.com/vitwit/x402-burn/metrics"
	"github.com/vitwit/x402-burn/pricing"
	"github.com/vitwit/x402-burn/replay"
	"github.com/vitwit/x402-burn/settlement"
	"github.com/vitwit/x402-burn/types"
	"github.com/vitwit/x402-burn/utils"
	"github.com/vitwit/x402-burn/verification"
)

// X402 is the main struct that provides all x402 functionality
type X402 struct {
	config   *types.GateConfig
	registry *pricing.Registry
	cache    replay.Cache
	verifier *verification.Verifier

	engine      *settlement.Engine
	settlerAddr common.Address
	settler     *settlement.Service

	logger     logger.Logger
	metrics    metrics.Recorder
	timeout    time.Duration
	now        func() time.Time
	signatures verification.SignatureChecker

	mu          sync.Mutex
	stopSweeper context.CancelFunc
	sweeperDone chan struct{}
}

// New creates an X402 instance over config. Clients listed in the config
// are connected immediately.
func New(config *types.GateConfig, opts ...Option) (*X402, error) {
	if config == nil {
		return nil, types.NewError(types.ErrConfigError, "config is required")
	}

	x := &X402{
		config:  config,
		logger:  logger.NoopLogger{},
		metrics: metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(x)
	}

	if x.timeout > 0 {
		config.DefaultTimeout = x.timeout
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if err := utils.ValidateAddressForNetwork(config.Recipient, config.Network); err != nil {
		return nil, types.NewError(types.ErrConfigError, "invalid recipient: %v", err)
	}

	x.registry = pricing.NewRegistry(types.PriceTier{
		Amount:      config.DefaultPrice,
		Description: config.DefaultDescription,
	})
	if err := x.registry.Load(config.Prices, config.DefaultDescription); err != nil {
		return nil, err
	}

	if x.cache == nil {
		cache, err := newReplayCache(config)
		if err != nil {
			return nil, err
		}
		x.cache = cache
	}

	verifierOpts := []verification.Option{
		verification.WithLogger(x.logger),
		verification.WithMetrics(x.metrics),
	}
	if x.now != nil {
		verifierOpts = append(verifierOpts, verification.WithClock(x.now))
	}
	if x.signatures == nil && config.VerifySignatures {
		x.signatures = verification.PersonalSignChecker
	}
	if x.signatures != nil {
		verifierOpts = append(verifierOpts, verification.WithSignatureChecker(x.signatures))
	}
	x.verifier = verification.NewVerifier(config, x.registry, x.cache, verifierOpts...)

	if x.engine != nil {
		x.settler = settlement.NewService(x.engine, config, x.settlerAddr, x.logger, x.metrics)
	}

	for network, client := range config.Clients {
		if client.Network == "" {
			client.Network = network
		}
		if err := x.AddNetwork(network, client); err != nil {
			x.Close()
			return nil, err
		}
	}

	return x, nil
}

func newReplayCache(config *types.GateConfig) (replay.Cache, error) {
	if config.RedisURL != "" {
		return replay.NewRedisCacheFromURL(config.RedisURL, config.ReplayRetention)
	}
	return replay.NewMemoryCache(config.ReplayRetention), nil
}

// AddNetwork connects the on-chain confirmer for network
func (x *X402) AddNetwork(network types.Network, config types.ClientConfig) error {
	var (
		confirmer clients.Confirmer
		err       error
	)

	switch {
	case network.IsEVM():
		confirmer, err = clients.NewEVMConfirmer(network, config.RPCUrl, x.config.AcceptedAssets)
	case network.IsSolana():
		confirmer, err = clients.NewSolanaConfirmer(network, config.RPCUrl, x.config.AcceptedAssets)
	case network.IsCosmos():
		endpoint := config.GRPCUrl
		if endpoint == "" {
			endpoint = config.RPCUrl
		}
		confirmer, err = clients.NewCosmosConfirmer(network, endpoint, x.config.AcceptedAssets)
	default:
		return &types.X402Error{
			Code:    types.ErrUnsupportedNetwork,
			Message: fmt.Sprintf("unsupported network: %s", network),
		}
	}
	if err != nil {
		return fmt.Errorf("failed to create confirmer for %s: %w", network, err)
	}

	return x.verifier.AddConfirmer(network, confirmer)
}

// AddConfirmer registers an already connected confirmer for network
func (x *X402) AddConfirmer(network types.Network, c clients.Confirmer) error {
	return x.verifier.AddConfirmer(network, c)
}

// Verify checks an assertion against the price of resourceID
func (x *X402) Verify(
	ctx context.Context,
	assertion *types.PaymentAssertion,
	resourceID string,
) (*types.VerificationResult, error) {
	return x.verifier.Verify(ctx, assertion, resourceID)
}

// BatchVerify verifies multiple assertions concurrently
func (x *X402) BatchVerify(
	ctx context.Context,
	assertions []*types.PaymentAssertion,
	resources []string,
) ([]*types.VerificationResult, error) {
	if len(assertions) == 0 {
		return nil, &types.X402Error{
			Code:    types.ErrMalformedAssertion,
			Message: "no assertions to verify",
		}
	}

	return x.verifier.BatchVerify(ctx, assertions, resources)
}

// Settle settles an accepted assertion into the engine
func (x *X402) Settle(
	ctx context.Context,
	assertion *types.PaymentAssertion,
) (*types.SettlementResult, error) {
	if x.settler == nil {
		return nil, types.NewError(types.ErrConfigError, "no settlement engine configured")
	}
	return x.settler.Settle(ctx, assertion)
}

// BatchSettle settles multiple accepted assertions
func (x *X402) BatchSettle(
	ctx context.Context,
	assertions []*types.PaymentAssertion,
) ([]*types.SettlementResult, error) {
	if x.settler == nil {
		return nil, types.NewError(types.ErrConfigError, "no settlement engine configured")
	}
	return x.settler.BatchSettle(ctx, assertions)
}

// SetPrice upserts the price of resourceID
func (x *X402) SetPrice(resourceID, amount, description string) error {
	return x.registry.SetPriceString(resourceID, amount, description)
}

// GetPrice returns the tier that applies to resourceID
func (x *X402) GetPrice(resourceID string) types.PriceTier {
	return x.registry.GetPrice(resourceID)
}

// Prices lists every registered tier
func (x *X402) Prices() []types.PriceTier {
	return x.registry.Tiers()
}

// PaymentRequest describes how to pay for resourceID
func (x *X402) PaymentRequest(resourceID string) types.PaymentRequest {
	return x.verifier.PaymentRequest(resourceID)
}

// Gate returns a transport gate over this instance. Accepted payments are
// settled when an engine is configured.
func (x *X402) Gate(opts ...gate.Option) *gate.Gate {
	base := []gate.Option{gate.WithLogger(x.logger)}
	if x.settler != nil {
		base = append(base, gate.WithSettler(x.settler))
	}
	return gate.New(x.verifier, append(base, opts...)...)
}

// Statistics returns the engine statistics
func (x *X402) Statistics() (settlement.Statistics, error) {
	if x.engine == nil {
		return settlement.Statistics{}, types.NewError(types.ErrConfigError, "no settlement engine configured")
	}
	return x.engine.GetStatistics(), nil
}

// Engine returns the settlement engine, nil when none is configured
func (x *X402) Engine() *settlement.Engine {
	return x.engine
}

// Verifier returns the payment verifier
func (x *X402) Verifier() *verification.Verifier {
	return x.verifier
}

// StartSweeper evicts expired fingerprints every SweepInterval until ctx is
// done or Close is called. Calling it again while running is a no-op.
func (x *X402) StartSweeper(ctx context.Context) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.stopSweeper != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	x.stopSweeper = cancel
	x.sweeperDone = done

	go func() {
		defer close(done)
		replay.Run(ctx, x.cache, x.config.SweepInterval, x.onSweep)
	}()
}

func (x *X402) onSweep(evicted int, err error) {
	if err != nil {
		x.logger.Warn("replay sweep failed", map[string]any{"error": err})
		return
	}
	for i := 0; i < evicted; i++ {
		x.metrics.IncCounter(metrics.ReplayEvicted, nil)
	}
	x.metrics.SetGauge(metrics.GaugeReplayTracked, float64(x.cache.Len()), nil)
	if evicted > 0 {
		x.logger.Debug("replay fingerprints evicted", map[string]any{"evicted": evicted})
	}
}

// Close stops the sweeper and closes all client connections
func (x *X402) Close() {
	x.mu.Lock()
	stop, done := x.stopSweeper, x.sweeperDone
	x.stopSweeper, x.sweeperDone = nil, nil
	x.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}

	x.verifier.Close()
	if c, ok := x.cache.(interface{ Close() error }); ok {
		_ = c.Close()
	}
}

// Version information
const (
	Version         = "1.0.0"
	ProtocolVersion = 1
)

// GetVersion returns version information
func GetVersion() map[string]interface{} {
	return map[string]interface{}{
		"library_version":  Version,
		"protocol_version": ProtocolVersion,
		"supported_networks": []string{
			"ethereum", "sepolia",
			"base", "base-sepolia",
			"polygon", "polygon-amoy",
			"solana-mainnet", "solana-devnet",
			"cosmoshub-4", "theta-testnet-001",
		},
		"fingerprint_modes": []string{
			string(types.FingerprintPayerNonceTimestamp),
			string(types.FingerprintPayerNonce),
		},
		"supported_standards": []string{
			"erc20", "spl", "bank", "native",
		},
	}
}
