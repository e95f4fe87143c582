package settlement

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vitwit/x402-burn/types"
)

// ReceiveUnsupportedAsset records amount of asset sent by from that the
// engine does not convert. The sender can reclaim it with ReturnTokens; until
// then it is held back from burning and withdrawal.
func (e *Engine) ReceiveUnsupportedAsset(ctx context.Context, from, asset common.Address, amount *big.Int) error {
	if _, err := e.enter(ctx); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireInitialized(); err != nil {
		return err
	}
	if asset == e.acceptedAsset {
		return types.NewError(types.ErrInvalidAsset, "asset %s is accepted; use Receive", asset.Hex())
	}
	if amount == nil || amount.Sign() <= 0 {
		return types.NewError(types.ErrInvalidAmount, "amount must be positive")
	}

	balances, ok := e.returnable[from]
	if !ok {
		balances = make(map[common.Address]*big.Int)
		e.returnable[from] = balances
	}
	b, ok := balances[asset]
	if !ok {
		b = new(big.Int)
		balances[asset] = b
	}
	b.Add(b, amount)
	e.credit(asset, amount)
	e.reserve(asset, amount)

	e.emit(Event{Kind: EventUnsupportedAsset, Account: from, Asset: asset, Amount: new(big.Int).Set(amount)})
	return nil
}

// ReturnTokens pays from's whole returnable balance of asset back to it
func (e *Engine) ReturnTokens(ctx context.Context, from, asset common.Address) (*big.Int, error) {
	if _, err := e.enter(ctx); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	amount, ok := e.returnable[from][asset]
	if !ok || amount.Sign() == 0 {
		return nil, types.NewError(types.ErrNoTokensToReturn, "no %s to return to %s", asset.Hex(), from.Hex())
	}
	if err := e.requireBalance(asset, amount); err != nil {
		return nil, err
	}

	returned := new(big.Int).Set(amount)
	delete(e.returnable[from], asset)
	e.release(asset, returned)
	e.debit(asset, returned)

	e.emit(Event{Kind: EventTokensReturned, Account: from, Asset: asset, Amount: new(big.Int).Set(returned)})
	return returned, nil
}

// Pause stops settlement
func (e *Engine) Pause(ctx context.Context, from common.Address) error {
	if _, err := e.enter(ctx); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.onlyOwner(from); err != nil {
		return err
	}
	if err := e.requireRunning(); err != nil {
		return err
	}

	e.state = StatePaused
	e.emit(Event{Kind: EventPaused, Account: from})
	e.logger.Warn("settlement engine paused", map[string]any{"by": from.Hex()})
	return nil
}

// Unpause resumes settlement
func (e *Engine) Unpause(ctx context.Context, from common.Address) error {
	if _, err := e.enter(ctx); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.onlyOwner(from); err != nil {
		return err
	}
	if err := e.requireInitialized(); err != nil {
		return err
	}
	if e.state != StatePaused {
		return types.NewError(types.ErrNotPaused, "engine is not paused")
	}

	e.state = StateRunning
	e.emit(Event{Kind: EventUnpaused, Account: from})
	e.logger.Info("settlement engine unpaused", map[string]any{"by": from.Hex()})
	return nil
}

// UpdateSlippageTolerance sets the tolerance used by later conversions
func (e *Engine) UpdateSlippageTolerance(ctx context.Context, from common.Address, bps uint32) error {
	if _, err := e.enter(ctx); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.onlyOwner(from); err != nil {
		return err
	}
	if bps > types.MaxSlippageBps {
		return types.NewError(types.ErrInvalidSlippage, "slippage %d bps exceeds maximum %d", bps, types.MaxSlippageBps)
	}

	old := e.slippageBps
	e.slippageBps = bps
	e.emit(Event{Kind: EventSlippageUpdated, Account: from, Amount: big.NewInt(int64(bps))})
	e.logger.Info("slippage tolerance updated", map[string]any{"from_bps": old, "to_bps": bps})
	return nil
}

// EmergencyRecover sends amount of asset held by the engine to the owner.
// Only allowed while paused.
func (e *Engine) EmergencyRecover(ctx context.Context, from, asset common.Address, amount *big.Int) error {
	if _, err := e.enter(ctx); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.onlyOwner(from); err != nil {
		return err
	}
	if err := e.requireInitialized(); err != nil {
		return err
	}
	if e.state != StatePaused {
		return types.NewError(types.ErrNotPaused, "emergency recovery requires the engine to be paused")
	}
	if amount == nil || amount.Sign() <= 0 {
		return types.NewError(types.ErrInvalidAmount, "amount must be positive")
	}
	if err := e.requireFree(asset, amount); err != nil {
		return err
	}

	e.debit(asset, amount)
	e.emit(Event{Kind: EventEmergencyRecovery, Account: e.owner, Asset: asset, Amount: new(big.Int).Set(amount)})
	e.logger.Warn("emergency recovery", map[string]any{"asset": asset.Hex(), "amount": amount.String()})
	return nil
}

// WithdrawETH sends the engine's native balance to the owner, except what
// is owed back to senders through ReturnTokens
func (e *Engine) WithdrawETH(ctx context.Context, from common.Address) (*big.Int, error) {
	if _, err := e.enter(ctx); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.onlyOwner(from); err != nil {
		return nil, err
	}

	amount := e.free(NativeAsset)
	if amount.Sign() == 0 {
		return nil, types.NewError(types.ErrInsufficientBalance, "no native balance to withdraw")
	}

	e.debit(NativeAsset, amount)
	e.emit(Event{Kind: EventETHWithdrawn, Account: e.owner, Asset: NativeAsset, Amount: new(big.Int).Set(amount)})
	return amount, nil
}

// TransferOwnership hands every owner-only control to newOwner
func (e *Engine) TransferOwnership(ctx context.Context, from, newOwner common.Address) error {
	if _, err := e.enter(ctx); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.onlyOwner(from); err != nil {
		return err
	}
	if newOwner == (common.Address{}) {
		return types.NewError(types.ErrConfigError, "new owner is the zero address")
	}

	e.owner = newOwner
	e.emit(Event{Kind: EventOwnershipTransfer, Account: newOwner})
	e.logger.Info("ownership transferred", map[string]any{"from": from.Hex(), "to": newOwner.Hex()})
	return nil
}
