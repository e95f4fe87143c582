package settlement

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vitwit/x402-burn/types"
)

const bpsDenominator = 10_000

// Quoter estimates the output of each hop of path for amountIn
type Quoter interface {
	Quote(ctx context.Context, path []common.Address, amountIn *big.Int) ([]*big.Int, error)
}

// ConversionRoute is the external liquidity the engine converts through.
// Swap is atomic: it either returns the amount at each hop with the final
// amount at least minOut, or an error with nothing swapped.
type ConversionRoute interface {
	Quoter
	Swap(ctx context.Context, path []common.Address, amountIn, minOut *big.Int) ([]*big.Int, error)
}

// ReceiveResult describes a settled payment
type ReceiveResult struct {
	PaymentID      PaymentID
	AmountIn       *big.Int
	NativeReceived *big.Int
	TokensOut      *big.Int
	Burned         *big.Int
}

// MinOutput applies a slippage tolerance to an expected output
func MinOutput(expected *big.Int, slippageBps uint32) *big.Int {
	minOut := new(big.Int).Mul(expected, big.NewInt(int64(bpsDenominator-slippageBps)))
	return minOut.Div(minOut, big.NewInt(bpsDenominator))
}

// Receive settles payment id for amount of the accepted asset held by the
// engine: it converts the amount to the burn token and burns it. If the
// conversion cannot meet the slippage bound the call fails with
// SLIPPAGE_EXCEEDED, the id stays unprocessed and the funds stay held.
func (e *Engine) Receive(ctx context.Context, from common.Address, amount *big.Int, id PaymentID) (*ReceiveResult, error) {
	guarded, err := e.enter(ctx)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.requireRunning(); err != nil {
		return nil, err
	}
	if e.processed[id] {
		return nil, types.NewError(types.ErrAlreadyProcessed, "payment %s already processed", id.Hex())
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, types.NewError(types.ErrInvalidAmount, "amount must be positive")
	}
	if err := e.requireBalance(e.acceptedAsset, amount); err != nil {
		return nil, err
	}

	amounts, err := e.convert(guarded, amount)
	if err != nil {
		e.logger.Warn("conversion failed, payment left unprocessed", map[string]any{
			"payment_id": id.Hex(),
			"amount":     amount.String(),
			"error":      err,
		})
		return nil, err
	}

	// no failure past this point
	e.processed[id] = true
	e.totalValueReceived.Add(e.totalValueReceived, amount)
	e.debit(e.acceptedAsset, amount)

	nativeReceived, tokensOut := amounts[1], amounts[len(amounts)-1]
	e.credit(e.burnToken, tokensOut)

	e.emit(Event{Kind: EventPaymentReceived, PaymentID: id, Account: from, Amount: new(big.Int).Set(amount)})
	e.emit(Event{
		Kind:           EventConverted,
		PaymentID:      id,
		AmountIn:       new(big.Int).Set(amount),
		NativeReceived: new(big.Int).Set(nativeReceived),
		TokensOut:      new(big.Int).Set(tokensOut),
	})

	burned := e.burn()
	e.publishGauges()

	e.logger.Info("payment settled", map[string]any{
		"payment_id":      id.Hex(),
		"amount_in":       amount.String(),
		"native_received": nativeReceived.String(),
		"tokens_burned":   burned.String(),
	})

	return &ReceiveResult{
		PaymentID:      id,
		AmountIn:       new(big.Int).Set(amount),
		NativeReceived: new(big.Int).Set(nativeReceived),
		TokensOut:      new(big.Int).Set(tokensOut),
		Burned:         burned,
	}, nil
}

// convert runs the two-hop swap under the current slippage tolerance
func (e *Engine) convert(ctx context.Context, amount *big.Int) ([]*big.Int, error) {
	path := e.path()

	quoter := Quoter(e.route)
	if e.quoter != nil {
		quoter = e.quoter
	}

	var quoted []*big.Int
	err := e.callOut(func() (err error) {
		quoted, err = quoter.Quote(ctx, path, amount)
		return err
	})
	if err != nil {
		if types.IsCode(err, types.ErrReentrantCall) {
			return nil, err
		}
		return nil, types.NewError(types.ErrSlippageExceeded, "no quote for conversion: %v", err)
	}
	if len(quoted) != len(path) {
		return nil, types.NewError(types.ErrSlippageExceeded, "quote has %d amounts for %d hops", len(quoted), len(path))
	}

	minOut := MinOutput(quoted[len(quoted)-1], e.slippageBps)

	var amounts []*big.Int
	err = e.callOut(func() (err error) {
		amounts, err = e.route.Swap(ctx, path, amount, minOut)
		return err
	})
	if err != nil {
		if types.IsCode(err, types.ErrReentrantCall) {
			return nil, err
		}
		return nil, types.NewError(types.ErrSlippageExceeded, "conversion below minimum output %s: %v", minOut, err)
	}
	if len(amounts) != len(path) || amounts[len(amounts)-1].Cmp(minOut) < 0 {
		return nil, types.NewError(types.ErrSlippageExceeded, "conversion returned less than minimum output %s", minOut)
	}

	return amounts, nil
}
