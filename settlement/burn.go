package settlement

import "math/big"

// burn moves the engine's burn-token holding to the dead address and
// returns the amount burned. Burn tokens owed back to their senders stay.
func (e *Engine) burn() *big.Int {
	amount := e.free(e.burnToken)
	if amount.Sign() <= 0 {
		return new(big.Int)
	}

	e.debit(e.burnToken, amount)

	b, ok := e.burned[e.burnToken]
	if !ok {
		b = new(big.Int)
		e.burned[e.burnToken] = b
	}
	b.Add(b, amount)
	e.totalBurned.Add(e.totalBurned, amount)

	e.emit(Event{Kind: EventBurned, Account: DeadAddress, Asset: e.burnToken, Amount: new(big.Int).Set(amount)})
	return amount
}
