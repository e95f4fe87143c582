package settlement

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/x402-burn/amm"
	"github.com/vitwit/x402-burn/types"
)

var (
	owner    = common.HexToAddress("0x0000000000000000000000000000000000000a11")
	stranger = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	usdc     = common.HexToAddress("0x1000000000000000000000000000000000000001")
	weth     = common.HexToAddress("0x2000000000000000000000000000000000000002")
	burnTok  = common.HexToAddress("0x3000000000000000000000000000000000000003")
	dai      = common.HexToAddress("0x4000000000000000000000000000000000000004")
)

func newTestRouter() *amm.Router {
	r := amm.NewRouter()
	r.AddLiquidity(usdc, weth, big.NewInt(1_000_000_000_000), big.NewInt(500_000_000_000))
	r.AddLiquidity(weth, burnTok, big.NewInt(500_000_000_000), big.NewInt(5_000_000_000_000))
	return r
}

func newRunningEngine(t *testing.T, route ConversionRoute, opts ...Option) *Engine {
	t.Helper()
	e := NewEngine(owner, opts...)
	require.NoError(t, e.Initialize(context.Background(), owner, InitParams{
		AcceptedAsset: usdc,
		WrappedNative: weth,
		BurnToken:     burnTok,
		Route:         route,
	}))
	return e
}

func fund(t *testing.T, e *Engine, amount int64) {
	t.Helper()
	require.NoError(t, e.Deposit(context.Background(), stranger, usdc, big.NewInt(amount)))
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, types.ErrorCode(err), err.Error())
}

func TestInitializeOnce(t *testing.T) {
	ctx := context.Background()
	e := NewEngine(owner)
	params := InitParams{AcceptedAsset: usdc, WrappedNative: weth, BurnToken: burnTok, Route: newTestRouter()}

	requireCode(t, e.Initialize(ctx, stranger, params), types.ErrUnauthorized)
	assert.Equal(t, StateUninitialized, e.State())

	require.NoError(t, e.Initialize(ctx, owner, params))
	assert.Equal(t, StateRunning, e.State())

	requireCode(t, e.Initialize(ctx, owner, params), types.ErrAlreadyInitialized)
}

func TestInitializeValidatesParams(t *testing.T) {
	e := NewEngine(owner)
	requireCode(t, e.Initialize(context.Background(), owner, InitParams{AcceptedAsset: usdc}), types.ErrConfigError)
	requireCode(t, e.Initialize(context.Background(), owner, InitParams{Route: newTestRouter()}), types.ErrInvalidAsset)
	assert.Equal(t, StateUninitialized, e.State())
}

func TestMutatorsBeforeInitialize(t *testing.T) {
	ctx := context.Background()
	e := NewEngine(owner)

	_, err := e.Receive(ctx, stranger, big.NewInt(1), NewPaymentID("p"))
	requireCode(t, err, types.ErrNotInitialized)
	requireCode(t, e.Pause(ctx, owner), types.ErrNotInitialized)
	requireCode(t, e.ReceiveUnsupportedAsset(ctx, stranger, dai, big.NewInt(1)), types.ErrNotInitialized)

	stats := e.GetStatistics()
	assert.False(t, stats.Initialized)
	assert.Nil(t, stats.ConversionPath)
}

func TestReceiveConvertsAndBurns(t *testing.T) {
	ctx := context.Background()
	router := newTestRouter()
	e := newRunningEngine(t, router)
	fund(t, e, 100_000_000)

	quoted, err := router.Quote(ctx, []common.Address{usdc, weth, burnTok}, big.NewInt(100_000_000))
	require.NoError(t, err)

	res, err := e.Receive(ctx, stranger, big.NewInt(100_000_000), NewPaymentID("pay-1"))
	require.NoError(t, err)
	assert.Equal(t, quoted[1], res.NativeReceived)
	assert.Equal(t, quoted[2], res.TokensOut)
	assert.Equal(t, quoted[2], res.Burned)

	stats := e.GetStatistics()
	assert.Equal(t, int64(100_000_000), stats.TotalValueReceived.Int64())
	assert.Equal(t, quoted[2], stats.TotalBurned)
	assert.Equal(t, []common.Address{usdc, weth, burnTok}, stats.ConversionPath)
	assert.Equal(t, 1, stats.PaymentsProcessed)

	assert.Zero(t, e.Holdings(usdc).Sign())
	assert.Zero(t, e.Holdings(burnTok).Sign())
	assert.Equal(t, quoted[2], e.Burned(burnTok))

	var kinds []EventKind
	for _, ev := range e.Events() {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []EventKind{EventInitialized, EventDeposited, EventPaymentReceived, EventConverted, EventBurned}, kinds)

	converted := e.Events()[3]
	assert.Equal(t, int64(100_000_000), converted.AmountIn.Int64())
	assert.Equal(t, quoted[1], converted.NativeReceived)
	assert.Equal(t, quoted[2], converted.TokensOut)
}

func TestReceiveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e := newRunningEngine(t, newTestRouter())
	fund(t, e, 200)

	_, err := e.Receive(ctx, stranger, big.NewInt(100), NewPaymentID("pay-1"))
	require.NoError(t, err)
	before := e.GetStatistics()

	_, err = e.Receive(ctx, stranger, big.NewInt(100), NewPaymentID("pay-1"))
	requireCode(t, err, types.ErrAlreadyProcessed)

	after := e.GetStatistics()
	assert.Equal(t, int64(100), after.TotalValueReceived.Int64())
	assert.Equal(t, before.TotalBurned, after.TotalBurned)
	assert.Equal(t, int64(100), e.Holdings(usdc).Int64())
}

func TestReceiveRequiresHoldingsAndAmount(t *testing.T) {
	ctx := context.Background()
	e := newRunningEngine(t, newTestRouter())
	fund(t, e, 50)

	_, err := e.Receive(ctx, stranger, big.NewInt(100), NewPaymentID("p"))
	requireCode(t, err, types.ErrInsufficientBalance)

	_, err = e.Receive(ctx, stranger, big.NewInt(0), NewPaymentID("p"))
	requireCode(t, err, types.ErrInvalidAmount)

	assert.False(t, e.IsProcessed(NewPaymentID("p")))
	requireCode(t, e.Deposit(ctx, stranger, usdc, big.NewInt(-1)), types.ErrInvalidAmount)
}

func TestSlippageLeavesPaymentUnprocessedAndRetrySucceeds(t *testing.T) {
	ctx := context.Background()
	router := newTestRouter()
	e := newRunningEngine(t, router, WithSlippageBps(100))
	fund(t, e, 1_000_000)
	id := NewPaymentID("pay-slip")

	// a large trade lands between quote and execution
	router.QueueTrade([]common.Address{weth, burnTok}, big.NewInt(200_000_000_000))

	_, err := e.Receive(ctx, stranger, big.NewInt(1_000_000), id)
	requireCode(t, err, types.ErrSlippageExceeded)
	assert.False(t, e.IsProcessed(id))
	assert.Equal(t, int64(1_000_000), e.Holdings(usdc).Int64(), "funds stay in the engine")
	assert.Zero(t, e.GetStatistics().TotalValueReceived.Sign())
	assert.Zero(t, e.GetStatistics().TotalBurned.Sign())

	// the quote now reflects the moved price, so a retry meets the bound
	res, err := e.Receive(ctx, stranger, big.NewInt(1_000_000), id)
	require.NoError(t, err)
	assert.True(t, res.Burned.Sign() > 0)
	assert.True(t, e.IsProcessed(id))
}

type staticQuoter struct {
	amounts []*big.Int
}

func (q staticQuoter) Quote(context.Context, []common.Address, *big.Int) ([]*big.Int, error) {
	return q.amounts, nil
}

func TestExternalQuoterBoundsConversion(t *testing.T) {
	ctx := context.Background()
	router := newTestRouter()
	path := []common.Address{usdc, weth, burnTok}

	actual, err := router.Quote(ctx, path, big.NewInt(1_000_000))
	require.NoError(t, err)

	// an oracle expecting twice the pool output rejects the swap
	optimistic := []*big.Int{actual[0], actual[1], new(big.Int).Mul(actual[2], big.NewInt(2))}
	e := newRunningEngine(t, router, WithQuoter(staticQuoter{amounts: optimistic}))
	fund(t, e, 1_000_000)

	_, err = e.Receive(ctx, stranger, big.NewInt(1_000_000), NewPaymentID("q"))
	requireCode(t, err, types.ErrSlippageExceeded)

	// a tolerance wide enough to cover the gap is still capped at 10%
	requireCode(t, e.UpdateSlippageTolerance(ctx, owner, 5000), types.ErrInvalidSlippage)
}

func TestMinOutput(t *testing.T) {
	assert.Equal(t, int64(9700), MinOutput(big.NewInt(10_000), 300).Int64())
	assert.Equal(t, int64(10_000), MinOutput(big.NewInt(10_000), 0).Int64())
	assert.Equal(t, int64(9000), MinOutput(big.NewInt(10_000), 1000).Int64())
	assert.Equal(t, int64(0), MinOutput(big.NewInt(1), 300).Int64())
}

func TestUpdateSlippageTolerance(t *testing.T) {
	ctx := context.Background()
	e := newRunningEngine(t, newTestRouter())

	requireCode(t, e.UpdateSlippageTolerance(ctx, owner, 1001), types.ErrInvalidSlippage)
	assert.Equal(t, uint32(types.DefaultSlippageBps), e.GetStatistics().SlippageBps)

	require.NoError(t, e.UpdateSlippageTolerance(ctx, owner, 500))
	assert.Equal(t, uint32(500), e.GetStatistics().SlippageBps)

	require.NoError(t, e.UpdateSlippageTolerance(ctx, owner, 1000))
	requireCode(t, e.UpdateSlippageTolerance(ctx, stranger, 10), types.ErrUnauthorized)
}

func TestPauseUnpause(t *testing.T) {
	ctx := context.Background()
	e := newRunningEngine(t, newTestRouter())
	fund(t, e, 100)

	requireCode(t, e.Pause(ctx, stranger), types.ErrUnauthorized)
	requireCode(t, e.Unpause(ctx, owner), types.ErrNotPaused)

	require.NoError(t, e.Pause(ctx, owner))
	assert.True(t, e.GetStatistics().Paused)
	requireCode(t, e.Pause(ctx, owner), types.ErrPaused)

	_, err := e.Receive(ctx, stranger, big.NewInt(100), NewPaymentID("p"))
	requireCode(t, err, types.ErrPaused)

	require.NoError(t, e.Unpause(ctx, owner))
	_, err = e.Receive(ctx, stranger, big.NewInt(100), NewPaymentID("p"))
	require.NoError(t, err)
}

func TestEmergencyRecoverOnlyWhilePaused(t *testing.T) {
	ctx := context.Background()
	e := newRunningEngine(t, newTestRouter())
	fund(t, e, 500)

	requireCode(t, e.EmergencyRecover(ctx, owner, usdc, big.NewInt(100)), types.ErrNotPaused)

	require.NoError(t, e.Pause(ctx, owner))
	requireCode(t, e.EmergencyRecover(ctx, stranger, usdc, big.NewInt(100)), types.ErrUnauthorized)
	requireCode(t, e.EmergencyRecover(ctx, owner, usdc, big.NewInt(501)), types.ErrInsufficientBalance)
	requireCode(t, e.EmergencyRecover(ctx, owner, usdc, big.NewInt(0)), types.ErrInvalidAmount)

	require.NoError(t, e.EmergencyRecover(ctx, owner, usdc, big.NewInt(500)))
	assert.Zero(t, e.Holdings(usdc).Sign())
}

func TestWithdrawETH(t *testing.T) {
	ctx := context.Background()
	e := newRunningEngine(t, newTestRouter())

	_, err := e.WithdrawETH(ctx, owner)
	requireCode(t, err, types.ErrInsufficientBalance)

	require.NoError(t, e.Deposit(ctx, stranger, NativeAsset, big.NewInt(1e18)))
	_, err = e.WithdrawETH(ctx, stranger)
	requireCode(t, err, types.ErrUnauthorized)

	amount, err := e.WithdrawETH(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1e18), amount)
	assert.Zero(t, e.Holdings(NativeAsset).Sign())
}

func TestTransferOwnership(t *testing.T) {
	ctx := context.Background()
	e := newRunningEngine(t, newTestRouter())

	requireCode(t, e.TransferOwnership(ctx, stranger, stranger), types.ErrUnauthorized)
	requireCode(t, e.TransferOwnership(ctx, owner, common.Address{}), types.ErrConfigError)

	require.NoError(t, e.TransferOwnership(ctx, owner, stranger))
	assert.Equal(t, stranger, e.Owner())
	requireCode(t, e.Pause(ctx, owner), types.ErrUnauthorized)
	require.NoError(t, e.Pause(ctx, stranger))
}

func TestUnsupportedAssetReturnedOnce(t *testing.T) {
	ctx := context.Background()
	e := newRunningEngine(t, newTestRouter())

	requireCode(t, e.ReceiveUnsupportedAsset(ctx, stranger, usdc, big.NewInt(5)), types.ErrInvalidAsset)

	require.NoError(t, e.ReceiveUnsupportedAsset(ctx, stranger, dai, big.NewInt(40)))
	require.NoError(t, e.ReceiveUnsupportedAsset(ctx, stranger, dai, big.NewInt(2)))
	assert.Equal(t, int64(42), e.ReturnableBalance(stranger, dai).Int64())

	_, err := e.ReturnTokens(ctx, owner, dai)
	requireCode(t, err, types.ErrNoTokensToReturn)

	returned, err := e.ReturnTokens(ctx, stranger, dai)
	require.NoError(t, err)
	assert.Equal(t, int64(42), returned.Int64())
	assert.Zero(t, e.Holdings(dai).Sign())

	_, err = e.ReturnTokens(ctx, stranger, dai)
	requireCode(t, err, types.ErrNoTokensToReturn)
}

func TestReturnableBurnTokensSurviveBurn(t *testing.T) {
	ctx := context.Background()
	e := newRunningEngine(t, newTestRouter())
	require.NoError(t, e.ReceiveUnsupportedAsset(ctx, stranger, burnTok, big.NewInt(777)))
	fund(t, e, 1000)

	res, err := e.Receive(ctx, stranger, big.NewInt(1000), NewPaymentID("p"))
	require.NoError(t, err)
	assert.Equal(t, res.TokensOut.String(), res.Burned.String())
	assert.Equal(t, res.TokensOut.String(), e.GetStatistics().TotalBurned.String())
	assert.Equal(t, int64(777), e.Holdings(burnTok).Int64())

	returned, err := e.ReturnTokens(ctx, stranger, burnTok)
	require.NoError(t, err)
	assert.Equal(t, int64(777), returned.Int64())
	assert.Zero(t, e.Holdings(burnTok).Sign())
}

func TestReturnableNativeSurvivesWithdrawal(t *testing.T) {
	ctx := context.Background()
	e := newRunningEngine(t, newTestRouter())
	require.NoError(t, e.ReceiveUnsupportedAsset(ctx, stranger, NativeAsset, big.NewInt(5)))

	_, err := e.WithdrawETH(ctx, owner)
	requireCode(t, err, types.ErrInsufficientBalance)

	require.NoError(t, e.Deposit(ctx, owner, NativeAsset, big.NewInt(100)))
	withdrawn, err := e.WithdrawETH(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(100), withdrawn.Int64())

	returned, err := e.ReturnTokens(ctx, stranger, NativeAsset)
	require.NoError(t, err)
	assert.Equal(t, int64(5), returned.Int64())
}

func TestEmergencyRecoverLeavesReturnableBalance(t *testing.T) {
	ctx := context.Background()
	e := newRunningEngine(t, newTestRouter())
	require.NoError(t, e.ReceiveUnsupportedAsset(ctx, stranger, weth, big.NewInt(30)))
	require.NoError(t, e.Deposit(ctx, owner, weth, big.NewInt(10)))
	require.NoError(t, e.Pause(ctx, owner))

	requireCode(t, e.EmergencyRecover(ctx, owner, weth, big.NewInt(11)), types.ErrInsufficientBalance)
	require.NoError(t, e.EmergencyRecover(ctx, owner, weth, big.NewInt(10)))

	returned, err := e.ReturnTokens(ctx, stranger, weth)
	require.NoError(t, err)
	assert.Equal(t, int64(30), returned.Int64())
}

// reentrantRoute calls back into the engine from inside the swap
type reentrantRoute struct {
	*amm.Router
	engine *Engine
	err    error
}

func (r *reentrantRoute) Swap(ctx context.Context, path []common.Address, amountIn, minOut *big.Int) ([]*big.Int, error) {
	_, r.err = r.engine.Receive(ctx, stranger, amountIn, NewPaymentID("inner"))
	return r.Router.Swap(ctx, path, amountIn, minOut)
}

func TestReentrantReceiveRefused(t *testing.T) {
	ctx := context.Background()
	route := &reentrantRoute{Router: newTestRouter()}
	e := newRunningEngine(t, route)
	route.engine = e
	fund(t, e, 1000)

	_, err := e.Receive(ctx, stranger, big.NewInt(500), NewPaymentID("outer"))
	require.NoError(t, err)

	requireCode(t, route.err, types.ErrReentrantCall)
	assert.False(t, e.IsProcessed(NewPaymentID("inner")))
	assert.Equal(t, int64(500), e.GetStatistics().TotalValueReceived.Int64())
}

// backgroundReentrantRoute calls back into the engine with a fresh context
type backgroundReentrantRoute struct {
	*amm.Router
	engine *Engine
	errs   []error
}

func (r *backgroundReentrantRoute) Swap(ctx context.Context, path []common.Address, amountIn, minOut *big.Int) ([]*big.Int, error) {
	bg := context.Background()
	_, err := r.engine.Receive(bg, stranger, amountIn, NewPaymentID("inner"))
	r.errs = append(r.errs, err)
	r.errs = append(r.errs, r.engine.Pause(bg, owner))
	return r.Router.Swap(ctx, path, amountIn, minOut)
}

func TestReentrantCallWithFreshContextRefused(t *testing.T) {
	route := &backgroundReentrantRoute{Router: newTestRouter()}
	e := newRunningEngine(t, route)
	route.engine = e
	fund(t, e, 1000)

	done := make(chan error, 1)
	go func() {
		_, err := e.Receive(context.Background(), stranger, big.NewInt(500), NewPaymentID("outer"))
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("reentrant call blocked the engine")
	}

	require.Len(t, route.errs, 2)
	for _, err := range route.errs {
		requireCode(t, err, types.ErrReentrantCall)
	}
	assert.Equal(t, StateRunning, e.State())
	assert.True(t, e.IsProcessed(NewPaymentID("outer")))
	assert.False(t, e.IsProcessed(NewPaymentID("inner")))

	// entry reopens once the swap returns
	require.NoError(t, e.Pause(context.Background(), owner))
}

type failingRoute struct {
	*amm.Router
}

func (failingRoute) Swap(context.Context, []common.Address, *big.Int, *big.Int) ([]*big.Int, error) {
	return nil, errors.New("pool drained")
}

func TestRouteFailureIsSlippage(t *testing.T) {
	ctx := context.Background()
	e := newRunningEngine(t, failingRoute{Router: newTestRouter()})
	fund(t, e, 10)

	_, err := e.Receive(ctx, stranger, big.NewInt(10), NewPaymentID("p"))
	requireCode(t, err, types.ErrSlippageExceeded)
	assert.Contains(t, err.Error(), "pool drained")
}

func TestTotalBurnedMonotonicProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("totalBurned never decreases", prop.ForAll(
		func(amounts []int64, repeats []bool) bool {
			ctx := context.Background()
			e := NewEngine(owner)
			if err := e.Initialize(ctx, owner, InitParams{
				AcceptedAsset: usdc, WrappedNative: weth, BurnToken: burnTok, Route: newTestRouter(),
			}); err != nil {
				return false
			}

			last := new(big.Int)
			for i, amt := range amounts {
				_ = e.Deposit(ctx, stranger, usdc, big.NewInt(amt))

				ref := "pay-" + big.NewInt(int64(i)).String()
				if i < len(repeats) && repeats[i] && i > 0 {
					ref = "pay-0"
				}
				_, _ = e.Receive(ctx, stranger, big.NewInt(amt), NewPaymentID(ref))

				burned := e.GetStatistics().TotalBurned
				if burned.Cmp(last) < 0 {
					return false
				}
				last = burned
			}
			return true
		},
		gen.SliceOf(gen.Int64Range(1, 10_000_000)),
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}
