package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// X402Version represents the version of the payment protocol
type X402Version int

const (
	X402Version1 X402Version = 1
)

// PaymentAssertion is one caller-supplied claim of payment, attached to a
// protected request.
type PaymentAssertion struct {
	// Asset is the token identifier (symbol or contract address).
	Asset string `json:"asset" validate:"required"`

	// Amount is a non-negative decimal string in whole-token units; base
	// units follow from the asset's decimals. Amounts with more fractional
	// digits than the asset has are rejected.
	Amount string `json:"amount" validate:"required"`

	Payer     string `json:"payer" validate:"required"`
	Recipient string `json:"recipient" validate:"required"`
	Signature string `json:"signature" validate:"required"`

	// Nonce is opaque to the verifier.
	Nonce string `json:"nonce" validate:"required"`

	// Timestamp is the creation time in epoch milliseconds.
	Timestamp int64 `json:"timestamp" validate:"required,gt=0"`

	// OnChainRef optionally names a transaction that carries the transfer.
	OnChainRef string `json:"onChainRef,omitempty"`
}

// Time returns the assertion timestamp as a time.Time
func (a *PaymentAssertion) Time() time.Time {
	return time.UnixMilli(a.Timestamp)
}

// ParsedAmount parses Amount and rejects negative values
func (a *PaymentAssertion) ParsedAmount() (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(a.Amount))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", a.Amount, err)
	}
	if amount.IsNegative() {
		return decimal.Zero, fmt.Errorf("amount cannot be negative")
	}
	return amount, nil
}

// CanonicalMessage is the text a payer signs (personal_sign) to authorize
// the assertion. Addresses are lower-cased so checksum casing does not
// change the digest.
func (a *PaymentAssertion) CanonicalMessage() string {
	return fmt.Sprintf(
		"x402 payment\nasset:%s\namount:%s\npayer:%s\nrecipient:%s\nnonce:%s\ntimestamp:%d",
		strings.ToLower(a.Asset),
		a.Amount,
		strings.ToLower(a.Payer),
		strings.ToLower(a.Recipient),
		a.Nonce,
		a.Timestamp,
	)
}

// NewNonce returns a random nonce suitable for a fresh assertion
func NewNonce() string {
	return uuid.NewString()
}

// PriceTier is the price registered for a resource.
type PriceTier struct {
	ResourceID  string          `json:"resourceId"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
}

// IsFree reports whether the tier costs nothing
func (p PriceTier) IsFree() bool {
	return p.Amount.IsZero()
}

// AssetInfo describes an accepted payment asset.
type AssetInfo struct {
	Symbol   string `json:"symbol" validate:"required"`
	Address  string `json:"address,omitempty"`
	Decimals int32  `json:"decimals" validate:"gte=0,lte=36"`
}

// Matches reports whether id names this asset by symbol or address.
func (a AssetInfo) Matches(id string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}
	if strings.EqualFold(a.Symbol, id) {
		return true
	}
	return a.Address != "" && strings.EqualFold(a.Address, id)
}

// Identifier is the value a caller should put in PaymentAssertion.Asset
func (a AssetInfo) Identifier() string {
	if a.Address != "" {
		return a.Address
	}
	return a.Symbol
}

// PaymentRequest tells a caller how to pay for a resource. It is returned
// with a payment-required status.
type PaymentRequest struct {
	Recipient     string `json:"recipient"`
	Amount        string `json:"amount"`
	Asset         string `json:"asset"`
	Network       string `json:"network"`
	Description   string `json:"description"`
	Resource      string `json:"resource,omitempty"`
	MaxAgeSeconds int    `json:"maxAgeSeconds,omitempty"`
}

// PaymentRequiredResponse is the body of a payment-required response.
type PaymentRequiredResponse struct {
	X402Version int              `json:"x402Version"`
	Error       string           `json:"error"`
	Code        string           `json:"code,omitempty"`
	Accepts     []PaymentRequest `json:"accepts"`
}

// VerificationResult contains the result of payment verification
type VerificationResult struct {
	IsValid       bool       `json:"isValid"`
	InvalidReason string     `json:"invalidReason,omitempty"`
	Code          string     `json:"code,omitempty"`
	Payer         string     `json:"payer,omitempty"`
	Amount        string     `json:"amount,omitempty"`
	Asset         string     `json:"asset,omitempty"`
	Resource      string     `json:"resource,omitempty"`
	Fingerprint   string     `json:"fingerprint,omitempty"`
	Timestamp     *time.Time `json:"timestamp,omitempty"`
}

// Reject builds a failed VerificationResult
func Reject(code, reason string) *VerificationResult {
	return &VerificationResult{
		IsValid:       false,
		Code:          code,
		InvalidReason: reason,
	}
}

// SettlementResult contains the result of settling an accepted payment
type SettlementResult struct {
	Success        bool   `json:"success"`
	PaymentID      string `json:"paymentId,omitempty"`
	AmountIn       string `json:"amountIn,omitempty"`
	NativeReceived string `json:"nativeReceived,omitempty"`
	TokensBurned   string `json:"tokensBurned,omitempty"`
	Code           string `json:"code,omitempty"`
	Error          string `json:"error,omitempty"`
}
