package gate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/x402-burn/pricing"
	"github.com/vitwit/x402-burn/replay"
	"github.com/vitwit/x402-burn/types"
	"github.com/vitwit/x402-burn/utils"
	"github.com/vitwit/x402-burn/verification"
)

const (
	testRecipient = "0x00000000000000000000000000000000000000Ff"
	testPayer     = "0xAbC0000000000000000000000000000000000001"
	testUSDC      = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	grpcMethod    = "/search.v1.Search/Query"
)

var testNow = time.UnixMilli(1_700_000_000_000)

func newTestVerifier(t *testing.T, cache replay.Cache) *verification.Verifier {
	t.Helper()

	cfg := &types.GateConfig{
		Recipient: testRecipient,
		Network:   types.NetworkBaseSepolia,
		AcceptedAssets: []types.AssetInfo{
			{Symbol: "USDC", Address: testUSDC, Decimals: 6},
		},
		DefaultPrice: decimal.RequireFromString("0.01"),
	}
	require.NoError(t, cfg.Validate())

	registry := pricing.NewRegistry(types.PriceTier{Amount: cfg.DefaultPrice, Description: "default"})
	require.NoError(t, registry.SetPriceString("/search", "0.001", "search query"))
	require.NoError(t, registry.SetPriceString("/health", "0", "health check"))
	require.NoError(t, registry.SetPriceString(grpcMethod, "0.001", "search over grpc"))

	if cache == nil {
		cache = replay.NewMemoryCache(cfg.ReplayRetention)
	}
	return verification.NewVerifier(cfg, registry, cache,
		verification.WithClock(func() time.Time { return testNow }))
}

func testAssertion(nonce string) *types.PaymentAssertion {
	return &types.PaymentAssertion{
		Asset:     "USDC",
		Amount:    "0.001",
		Payer:     testPayer,
		Recipient: testRecipient,
		Signature: "0xsig",
		Nonce:     nonce,
		Timestamp: testNow.UnixMilli(),
	}
}

func encode(t *testing.T, a *types.PaymentAssertion) string {
	t.Helper()
	header, err := utils.EncodePaymentHeader(a)
	require.NoError(t, err)
	return header
}

type recordingSettler struct {
	mu      sync.Mutex
	settled []*types.PaymentAssertion
	result  *types.SettlementResult
}

func (s *recordingSettler) Settle(_ context.Context, a *types.PaymentAssertion) (*types.SettlementResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settled = append(s.settled, a)
	if s.result != nil {
		return s.result, nil
	}
	return &types.SettlementResult{Success: true, PaymentID: "0x01"}, nil
}

func (s *recordingSettler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.settled)
}

// brokenCache fails every lookup
type brokenCache struct{}

func (brokenCache) Has(context.Context, string) (bool, error) {
	return false, errors.New("replay store unreachable")
}

func (brokenCache) PutIfAbsent(context.Context, string, *types.PaymentAssertion) (bool, error) {
	return false, errors.New("replay store unreachable")
}

func (brokenCache) Sweep(context.Context) (int, error) { return 0, nil }
func (brokenCache) Len() int                           { return 0 }

func TestCheck(t *testing.T) {
	g := New(newTestVerifier(t, nil))
	ctx := context.Background()

	t.Run("free resource", func(t *testing.T) {
		d, err := g.Check(ctx, "/health", "")
		require.NoError(t, err)
		assert.True(t, d.Allowed())
		assert.Nil(t, d.Assertion)
	})

	t.Run("missing assertion", func(t *testing.T) {
		d, err := g.Check(ctx, "/search", "  ")
		require.NoError(t, err)
		require.False(t, d.Allowed())
		assert.Empty(t, d.Required.Code)
		require.Len(t, d.Required.Accepts, 1)
		assert.Equal(t, "0.001", d.Required.Accepts[0].Amount)
		assert.Equal(t, testRecipient, d.Required.Accepts[0].Recipient)
		assert.Equal(t, testUSDC, d.Required.Accepts[0].Asset)
		assert.Equal(t, "base-sepolia", d.Required.Accepts[0].Network)
		assert.Equal(t, "search query", d.Required.Accepts[0].Description)
	})

	t.Run("undecodable header", func(t *testing.T) {
		d, err := g.Check(ctx, "/search", "%%%not-base64%%%")
		require.NoError(t, err)
		require.False(t, d.Allowed())
		assert.Equal(t, types.ErrMalformedAssertion, d.Required.Code)
	})

	t.Run("accepted then replayed", func(t *testing.T) {
		header := encode(t, testAssertion("check-1"))

		d, err := g.Check(ctx, "/search", header)
		require.NoError(t, err)
		assert.True(t, d.Allowed())
		require.NotNil(t, d.Assertion)
		assert.Equal(t, "check-1", d.Assertion.Nonce)

		d, err = g.Check(ctx, "/search", header)
		require.NoError(t, err)
		assert.False(t, d.Allowed())
		assert.Equal(t, types.ErrAlreadyProcessed, d.Required.Code)
	})

	t.Run("underpaid", func(t *testing.T) {
		a := testAssertion("check-2")
		a.Amount = "0.0009"
		d, err := g.Check(ctx, "/search", encode(t, a))
		require.NoError(t, err)
		assert.Equal(t, types.ErrInsufficientAmount, d.Required.Code)
	})
}

func TestCheckInfrastructureError(t *testing.T) {
	g := New(newTestVerifier(t, brokenCache{}))

	_, err := g.Check(context.Background(), "/search", encode(t, testAssertion("n")))
	require.Error(t, err)
}

func TestAssertionFromContext(t *testing.T) {
	_, ok := AssertionFromContext(context.Background())
	assert.False(t, ok)

	a := testAssertion("ctx")
	got, ok := AssertionFromContext(WithAssertion(context.Background(), a))
	require.True(t, ok)
	assert.Same(t, a, got)
}
