package settlement

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

type EventKind string

const (
	EventInitialized       EventKind = "Initialized"
	EventDeposited         EventKind = "Deposited"
	EventPaymentReceived   EventKind = "PaymentReceived"
	EventConverted         EventKind = "Converted"
	EventBurned            EventKind = "Burned"
	EventUnsupportedAsset  EventKind = "UnsupportedAssetReceived"
	EventTokensReturned    EventKind = "TokensReturned"
	EventPaused            EventKind = "Paused"
	EventUnpaused          EventKind = "Unpaused"
	EventSlippageUpdated   EventKind = "SlippageToleranceUpdated"
	EventEmergencyRecovery EventKind = "EmergencyRecovery"
	EventETHWithdrawn      EventKind = "ETHWithdrawn"
	EventOwnershipTransfer EventKind = "OwnershipTransferred"
)

// Event is one entry of the engine's audit log. Fields not relevant to the
// kind are zero.
type Event struct {
	Seq       uint64         `json:"seq"`
	Kind      EventKind      `json:"kind"`
	PaymentID PaymentID      `json:"paymentId,omitempty"`
	Account   common.Address `json:"account,omitempty"`
	Asset     common.Address `json:"asset,omitempty"`
	Amount    *big.Int       `json:"amount,omitempty"`

	// Converted
	AmountIn       *big.Int `json:"amountIn,omitempty"`
	NativeReceived *big.Int `json:"nativeReceived,omitempty"`
	TokensOut      *big.Int `json:"tokensOut,omitempty"`
}

func (e *Engine) emit(ev Event) {
	e.seq++
	ev.Seq = e.seq
	e.events = append(e.events, ev)
}

// Events returns the audit log in emission order
func (e *Engine) Events() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Event, len(e.events))
	copy(out, e.events)
	return out
}
