// Package clients resolves on-chain transaction references for the payment
// verifier and quotes conversion paths for the settlement engine.
package clients

import (
	"context"

	x402types "github.com/vitwit/x402-burn/types"
)

// Confirmer resolves an on-chain transaction reference and checks that it
// carries the transfer an assertion claims. A nil error means the transfer
// is confirmed.
type Confirmer interface {
	Confirm(ctx context.Context, ref string, assertion *x402types.PaymentAssertion) error
	GetNetwork() string
	Close()
}

// ConfirmerFunc adapts a plain function to Confirmer
type ConfirmerFunc func(ctx context.Context, ref string, assertion *x402types.PaymentAssertion) error

func (f ConfirmerFunc) Confirm(ctx context.Context, ref string, assertion *x402types.PaymentAssertion) error {
	return f(ctx, ref, assertion)
}

func (f ConfirmerFunc) GetNetwork() string { return "" }

func (f ConfirmerFunc) Close() {}
