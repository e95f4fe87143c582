// Package gate puts the payment verifier in front of resource handlers for
// net/http, gin and gRPC servers.
package gate

import (
	"context"
	"net/http"
	"strings"

	"github.com/vitwit/x402-burn/logger"
	"github.com/vitwit/x402-burn/settlement"
	"github.com/vitwit/x402-burn/types"
	"github.com/vitwit/x402-burn/utils"
	"github.com/vitwit/x402-burn/verification"
)

const (
	// HeaderPayment carries the serialized assertion
	HeaderPayment = "X-PAYMENT"

	// HeaderPaymentSignature is accepted when HeaderPayment is absent
	HeaderPaymentSignature = "PAYMENT-SIGNATURE"

	// HeaderPaymentResponse carries the settlement result on gRPC trailers
	HeaderPaymentResponse = "x-payment-response"

	// TrailerPaymentRequired carries the payment request on a refused gRPC call
	TrailerPaymentRequired = "payment-required"
)

// Decision is the gate's outcome for one request. Required is set when the
// request must be refused with a payment-required status.
type Decision struct {
	Resource  string
	Result    *types.VerificationResult
	Assertion *types.PaymentAssertion
	Required  *types.PaymentRequiredResponse
}

// Allowed reports whether the request may reach the handler
func (d *Decision) Allowed() bool {
	return d.Required == nil
}

// Gate checks payment assertions for every protected request
type Gate struct {
	verifier *verification.Verifier
	settler  settlement.Settler
	resource ResourceFunc
	logger   logger.Logger
}

// ResourceFunc maps an HTTP request to the resource id it is priced under
type ResourceFunc func(r *http.Request) string

type Option func(*Gate)

// WithSettler settles every accepted assertion after its handler succeeds
func WithSettler(s settlement.Settler) Option {
	return func(g *Gate) {
		g.settler = s
	}
}

// WithResourceFunc replaces the default resource mapping, the URL path
func WithResourceFunc(f ResourceFunc) Option {
	return func(g *Gate) {
		if f != nil {
			g.resource = f
		}
	}
}

func WithLogger(l logger.Logger) Option {
	return func(g *Gate) {
		g.logger = logger.OrNoop(l)
	}
}

// New creates a gate over v
func New(v *verification.Verifier, opts ...Option) *Gate {
	g := &Gate{
		verifier: v,
		resource: func(r *http.Request) string { return r.URL.Path },
		logger:   logger.NoopLogger{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Verifier returns the verifier behind the gate
func (g *Gate) Verifier() *verification.Verifier {
	return g.verifier
}

// Check decides whether a request for resourceID carrying header may
// proceed. A non-nil error means verification could not run at all.
func (g *Gate) Check(ctx context.Context, resourceID, header string) (*Decision, error) {
	d := &Decision{Resource: resourceID}

	if g.verifier.IsFree(resourceID) {
		return d, nil
	}

	header = strings.TrimSpace(header)
	if header == "" {
		required := g.verifier.PaymentRequired(resourceID, nil)
		d.Required = &required
		return d, nil
	}

	assertion, err := utils.ParsePaymentHeader(header)
	if err != nil {
		d.Result = types.Reject(types.ErrMalformedAssertion, err.Error())
		required := g.verifier.PaymentRequired(resourceID, d.Result)
		d.Required = &required
		return d, nil
	}

	result, err := g.verifier.Verify(ctx, assertion, resourceID)
	if err != nil {
		return nil, err
	}

	d.Result = result
	if !result.IsValid {
		required := g.verifier.PaymentRequired(resourceID, result)
		d.Required = &required
		return d, nil
	}

	d.Assertion = assertion
	return d, nil
}

// settle runs the settlement hook for an accepted decision. Failures are
// logged; the caller already received the resource.
func (g *Gate) settle(ctx context.Context, d *Decision) *types.SettlementResult {
	if g.settler == nil || d.Assertion == nil {
		return nil
	}

	result, err := g.settler.Settle(ctx, d.Assertion)
	if err != nil {
		g.logger.Error("settlement hook failed", map[string]any{
			"resource": d.Resource,
			"error":    err,
		})
		return nil
	}
	if !result.Success {
		g.logger.Warn("payment accepted but not settled", map[string]any{
			"resource":   d.Resource,
			"payment_id": result.PaymentID,
			"code":       result.Code,
			"error":      result.Error,
		})
	}
	return result
}

type contextKey struct{}

// WithAssertion returns a copy of ctx carrying the accepted assertion
func WithAssertion(ctx context.Context, a *types.PaymentAssertion) context.Context {
	return context.WithValue(ctx, contextKey{}, a)
}

// AssertionFromContext returns the assertion the gate accepted for the
// current request. It is absent for free resources.
func AssertionFromContext(ctx context.Context) (*types.PaymentAssertion, bool) {
	a, ok := ctx.Value(contextKey{}).(*types.PaymentAssertion)
	return a, ok && a != nil
}
