// Package settlement models the on-chain entity that receives payments,
// converts them to the burn token and retires it. Every call names its
// sender, runs atomically and is totally ordered with every other call.
package settlement

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/vitwit/x402-burn/logger"
	"github.com/vitwit/x402-burn/metrics"
	"github.com/vitwit/x402-burn/types"
)

// State of the engine
type State int

const (
	StateUninitialized State = iota
	StateRunning
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	default:
		return "uninitialized"
	}
}

var (
	// NativeAsset is the holdings key of the chain-native currency.
	NativeAsset = common.Address{}

	// DeadAddress receives burned tokens. Nobody holds its key.
	DeadAddress = common.HexToAddress("0x000000000000000000000000000000000000dEaD")
)

// PaymentID identifies one settlement
type PaymentID = common.Hash

// NewPaymentID derives a payment id from an arbitrary reference
func NewPaymentID(ref string) PaymentID {
	return crypto.Keccak256Hash([]byte(ref))
}

// InitParams configures the engine once
type InitParams struct {
	AcceptedAsset common.Address
	WrappedNative common.Address
	BurnToken     common.Address
	Route         ConversionRoute
}

// Statistics is the public read of the engine state
type Statistics struct {
	TotalBurned        *big.Int         `json:"totalBurned"`
	TotalValueReceived *big.Int         `json:"totalValueReceived"`
	BurnToken          common.Address   `json:"burnToken"`
	ConversionPath     []common.Address `json:"conversionPath"`
	Paused             bool             `json:"paused"`
	Initialized        bool             `json:"initialized"`
	SlippageBps        uint32           `json:"slippageBps"`
	Owner              common.Address   `json:"owner"`
	PaymentsProcessed  int              `json:"paymentsProcessed"`
}

// Engine is the settlement ledger, conversion engine and burn executor
type Engine struct {
	mu    sync.Mutex
	state State
	owner common.Address

	acceptedAsset common.Address
	wrappedNative common.Address
	burnToken     common.Address
	route         ConversionRoute
	quoter        Quoter
	slippageBps   uint32

	processed          map[PaymentID]bool
	totalValueReceived *big.Int
	totalBurned        *big.Int

	holdings   map[common.Address]*big.Int
	returnable map[common.Address]map[common.Address]*big.Int
	reserved   map[common.Address]*big.Int
	burned     map[common.Address]*big.Int

	// external is set while a quote or swap is in flight
	external atomic.Bool

	events []Event
	seq    uint64

	logger  logger.Logger
	metrics metrics.Recorder
}

type Option func(*Engine)

// WithQuoter sets the source of expected conversion output. Without one
// the route's own quote is used.
func WithQuoter(q Quoter) Option {
	return func(e *Engine) {
		e.quoter = q
	}
}

// WithSlippageBps sets the initial slippage tolerance
func WithSlippageBps(bps uint32) Option {
	return func(e *Engine) {
		if bps <= types.MaxSlippageBps {
			e.slippageBps = bps
		}
	}
}

func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		e.logger = logger.OrNoop(l)
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(e *Engine) {
		e.metrics = metrics.OrNoop(r)
	}
}

// NewEngine deploys an uninitialized engine owned by owner
func NewEngine(owner common.Address, opts ...Option) *Engine {
	e := &Engine{
		owner:              owner,
		slippageBps:        types.DefaultSlippageBps,
		processed:          make(map[PaymentID]bool),
		totalValueReceived: new(big.Int),
		totalBurned:        new(big.Int),
		holdings:           make(map[common.Address]*big.Int),
		returnable:         make(map[common.Address]map[common.Address]*big.Int),
		reserved:           make(map[common.Address]*big.Int),
		burned:             make(map[common.Address]*big.Int),
		logger:             logger.NoopLogger{},
		metrics:            metrics.NoopRecorder{},
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Initialize sets the conversion configuration. It succeeds exactly once.
func (e *Engine) Initialize(ctx context.Context, from common.Address, p InitParams) error {
	if _, err := e.enter(ctx); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.onlyOwner(from); err != nil {
		return err
	}
	if e.state != StateUninitialized {
		return types.NewError(types.ErrAlreadyInitialized, "engine is already initialized")
	}
	if p.Route == nil {
		return types.NewError(types.ErrConfigError, "conversion route is required")
	}
	if p.BurnToken == (common.Address{}) || p.AcceptedAsset == (common.Address{}) || p.WrappedNative == (common.Address{}) {
		return types.NewError(types.ErrInvalidAsset, "accepted asset, wrapped native and burn token must be set")
	}

	e.acceptedAsset = p.AcceptedAsset
	e.wrappedNative = p.WrappedNative
	e.burnToken = p.BurnToken
	e.route = p.Route
	e.state = StateRunning

	e.emit(Event{Kind: EventInitialized, Account: from, Asset: p.BurnToken})
	e.logger.Info("settlement engine initialized", map[string]any{
		"owner":          e.owner.Hex(),
		"accepted_asset": p.AcceptedAsset.Hex(),
		"burn_token":     p.BurnToken.Hex(),
		"slippage_bps":   e.slippageBps,
	})
	return nil
}

// Deposit records an inbound transfer of amount of asset to the engine
func (e *Engine) Deposit(ctx context.Context, from, asset common.Address, amount *big.Int) error {
	if _, err := e.enter(ctx); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return types.NewError(types.ErrInvalidAmount, "deposit amount must be positive")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.credit(asset, amount)
	e.emit(Event{Kind: EventDeposited, Account: from, Asset: asset, Amount: new(big.Int).Set(amount)})
	return nil
}

// GetStatistics returns a snapshot of the public engine state
func (e *Engine) GetStatistics() Statistics {
	e.mu.Lock()
	defer e.mu.Unlock()

	stats := Statistics{
		TotalBurned:        new(big.Int).Set(e.totalBurned),
		TotalValueReceived: new(big.Int).Set(e.totalValueReceived),
		BurnToken:          e.burnToken,
		Paused:             e.state == StatePaused,
		Initialized:        e.state != StateUninitialized,
		SlippageBps:        e.slippageBps,
		Owner:              e.owner,
		PaymentsProcessed:  len(e.processed),
	}
	if e.state != StateUninitialized {
		stats.ConversionPath = e.path()
	}
	return stats
}

// IsProcessed reports whether id has been settled
func (e *Engine) IsProcessed(id PaymentID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.processed[id]
}

// Holdings is the engine's balance of asset
func (e *Engine) Holdings(asset common.Address) *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return new(big.Int).Set(e.balance(asset))
}

// Burned is the amount of token sent to the dead address
func (e *Engine) Burned(token common.Address) *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()

	if b, ok := e.burned[token]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

// ReturnableBalance is what sender can reclaim of asset
func (e *Engine) ReturnableBalance(sender, asset common.Address) *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()

	if b, ok := e.returnable[sender][asset]; ok {
		return new(big.Int).Set(b)
	}
	return new(big.Int)
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) Owner() common.Address {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.owner
}

func (e *Engine) AcceptedAsset() common.Address {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.acceptedAsset
}

func (e *Engine) path() []common.Address {
	return []common.Address{e.acceptedAsset, e.wrappedNative, e.burnToken}
}

func (e *Engine) balance(asset common.Address) *big.Int {
	if b, ok := e.holdings[asset]; ok {
		return b
	}
	return new(big.Int)
}

func (e *Engine) credit(asset common.Address, amount *big.Int) {
	b, ok := e.holdings[asset]
	if !ok {
		b = new(big.Int)
		e.holdings[asset] = b
	}
	b.Add(b, amount)
}

// debit must only be called after checking the balance covers amount
func (e *Engine) debit(asset common.Address, amount *big.Int) {
	b := e.holdings[asset]
	b.Sub(b, amount)
}

// free is the part of the asset holding not owed back to senders
func (e *Engine) free(asset common.Address) *big.Int {
	free := new(big.Int).Set(e.balance(asset))
	if r, ok := e.reserved[asset]; ok {
		free.Sub(free, r)
	}
	return free
}

func (e *Engine) reserve(asset common.Address, amount *big.Int) {
	r, ok := e.reserved[asset]
	if !ok {
		r = new(big.Int)
		e.reserved[asset] = r
	}
	r.Add(r, amount)
}

func (e *Engine) release(asset common.Address, amount *big.Int) {
	r := e.reserved[asset]
	r.Sub(r, amount)
	if r.Sign() == 0 {
		delete(e.reserved, asset)
	}
}

func (e *Engine) requireInitialized() error {
	if e.state == StateUninitialized {
		return types.NewError(types.ErrNotInitialized, "engine is not initialized")
	}
	return nil
}

func (e *Engine) requireRunning() error {
	if err := e.requireInitialized(); err != nil {
		return err
	}
	if e.state == StatePaused {
		return types.NewError(types.ErrPaused, "engine is paused")
	}
	return nil
}

// requireFree checks amount can leave without touching returnable balances
func (e *Engine) requireFree(asset common.Address, amount *big.Int) error {
	if e.free(asset).Cmp(amount) < 0 {
		return types.NewError(types.ErrInsufficientBalance, "unreserved holdings of %s are %s, need %s",
			asset.Hex(), e.free(asset), amount)
	}
	return nil
}

func (e *Engine) requireBalance(asset common.Address, amount *big.Int) error {
	if e.balance(asset).Cmp(amount) < 0 {
		return types.NewError(types.ErrInsufficientBalance, "holdings of %s are %s, need %s",
			asset.Hex(), e.balance(asset), amount)
	}
	return nil
}

func (e *Engine) publishGauges() {
	burned, _ := new(big.Float).SetInt(e.totalBurned).Float64()
	received, _ := new(big.Float).SetInt(e.totalValueReceived).Float64()
	e.metrics.SetGauge(metrics.GaugeTotalBurned, burned, nil)
	e.metrics.SetGauge(metrics.GaugeTotalValue, received, nil)
}

func (e *Engine) String() string {
	return fmt.Sprintf("Engine{state=%s owner=%s}", e.state, e.owner.Hex())
}
