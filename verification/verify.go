// Package verification decides whether a payment assertion buys access to a
// resource.
package verification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vitwit/x402-burn/clients"
	"github.com/vitwit/x402-burn/logger"
	"github.com/vitwit/x402-burn/metrics"
	"github.com/vitwit/x402-burn/pricing"
	"github.com/vitwit/x402-burn/replay"
	"github.com/vitwit/x402-burn/types"
	"github.com/vitwit/x402-burn/utils"
)

// SignatureChecker reports whether an assertion carries a valid payer
// signature.
type SignatureChecker interface {
	VerifySignature(a *types.PaymentAssertion) (bool, error)
}

// SignatureCheckerFunc adapts a function to SignatureChecker
type SignatureCheckerFunc func(a *types.PaymentAssertion) (bool, error)

func (f SignatureCheckerFunc) VerifySignature(a *types.PaymentAssertion) (bool, error) {
	return f(a)
}

// PersonalSignChecker checks EIP-191 personal_sign signatures over the
// assertion's canonical message.
var PersonalSignChecker = SignatureCheckerFunc(utils.VerifyAssertionSignature)

// Verifier is the single gate a request passes before reaching a resource
// handler. The registry and replay cache it consults are owned by the
// instance.
type Verifier struct {
	cfg      *types.GateConfig
	registry *pricing.Registry
	cache    replay.Cache

	mu         sync.RWMutex
	confirmers map[types.Network]clients.Confirmer

	signatures SignatureChecker
	now        func() time.Time
	logger     logger.Logger
	metrics    metrics.Recorder
}

type Option func(*Verifier)

// WithConfirmer registers the on-chain confirmer used for references on
// network
func WithConfirmer(network types.Network, c clients.Confirmer) Option {
	return func(v *Verifier) {
		v.confirmers[network] = c
	}
}

// WithSignatureChecker enables signature verification
func WithSignatureChecker(c SignatureChecker) Option {
	return func(v *Verifier) {
		v.signatures = c
	}
}

func WithClock(now func() time.Time) Option {
	return func(v *Verifier) {
		v.now = now
	}
}

func WithLogger(l logger.Logger) Option {
	return func(v *Verifier) {
		v.logger = logger.OrNoop(l)
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(v *Verifier) {
		v.metrics = metrics.OrNoop(r)
	}
}

// NewVerifier creates a verifier over cfg. cfg must already be validated.
func NewVerifier(cfg *types.GateConfig, registry *pricing.Registry, cache replay.Cache, opts ...Option) *Verifier {
	cfg.ApplyDefaults()

	v := &Verifier{
		cfg:        cfg,
		registry:   registry,
		cache:      cache,
		confirmers: make(map[types.Network]clients.Confirmer),
		now:        time.Now,
		logger:     logger.NoopLogger{},
		metrics:    metrics.NoopRecorder{},
	}

	for _, opt := range opts {
		opt(v)
	}

	return v
}

// AddConfirmer registers c for references on network
func (v *Verifier) AddConfirmer(network types.Network, c clients.Confirmer) error {
	if network.Family() == types.ChainUnknown {
		return &types.X402Error{
			Code:    types.ErrUnsupportedNetwork,
			Message: fmt.Sprintf("unsupported network: %s", network),
		}
	}

	v.mu.Lock()
	v.confirmers[network] = c
	v.mu.Unlock()
	return nil
}

func (v *Verifier) confirmer(network types.Network) (clients.Confirmer, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	c, ok := v.confirmers[network]
	return c, ok
}

// Verify checks assertion against the price of resourceID. Checks run in a
// fixed order and the first failure wins. A rejected assertion is reported
// in the result with a nil error; a non-nil error means the replay store
// could not be consulted and the request must not be served.
func (v *Verifier) Verify(
	ctx context.Context,
	assertion *types.PaymentAssertion,
	resourceID string,
) (*types.VerificationResult, error) {
	start := time.Now()
	labels := map[string]string{"network": v.cfg.Network.String()}
	defer func() {
		v.metrics.ObserveLatency(metrics.VerifyLatency, time.Since(start), labels)
	}()

	result, err := v.verify(ctx, assertion, resourceID)
	switch {
	case err != nil:
		v.metrics.IncCounter(metrics.VerifyError, labels)
		v.logger.Error("payment verification error", map[string]any{
			"resource": resourceID,
			"error":    err,
		})
		return nil, err

	case !result.IsValid:
		v.metrics.IncCounter(metrics.VerifyRejected, map[string]string{
			"network": v.cfg.Network.String(),
			"reason":  result.Code,
		})
		v.logger.Debug("payment rejected", map[string]any{
			"resource": resourceID,
			"code":     result.Code,
			"reason":   result.InvalidReason,
		})

	default:
		v.metrics.IncCounter(metrics.VerifyAccepted, labels)
		v.logger.Info("payment accepted", map[string]any{
			"resource": resourceID,
			"payer":    result.Payer,
			"amount":   result.Amount,
			"asset":    result.Asset,
		})
	}

	result.Resource = resourceID
	return result, nil
}

func (v *Verifier) verify(
	ctx context.Context,
	a *types.PaymentAssertion,
	resourceID string,
) (*types.VerificationResult, error) {
	if a == nil {
		return types.Reject(types.ErrMalformedAssertion, "payment assertion is missing"), nil
	}

	if err := types.ValidateStruct(a); err != nil {
		return types.Reject(types.ErrMalformedAssertion, fmt.Sprintf("invalid payment assertion: %v", err)), nil
	}

	amount, err := a.ParsedAmount()
	if err != nil {
		return types.Reject(types.ErrMalformedAssertion, err.Error()), nil
	}

	fingerprint := replay.Fingerprint(a, v.cfg.Fingerprint)

	seen, err := v.cache.Has(ctx, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("replay lookup failed: %w", err)
	}
	if seen {
		return types.Reject(types.ErrAlreadyProcessed, "payment assertion has already been used"), nil
	}

	tier := v.registry.GetPrice(resourceID)
	if amount.LessThan(tier.Amount) {
		return types.Reject(types.ErrInsufficientAmount,
			fmt.Sprintf("amount %s is below price %s for %s", amount, tier.Amount, resourceID)), nil
	}

	asset, ok := v.cfg.FindAsset(a.Asset)
	if !ok {
		return types.Reject(types.ErrAssetNotAccepted, fmt.Sprintf("asset %s is not accepted", a.Asset)), nil
	}
	if !utils.FitsDecimals(amount, asset.Decimals) {
		return types.Reject(types.ErrMalformedAssertion,
			fmt.Sprintf("amount %s has more than %d decimals for %s", amount, asset.Decimals, asset.Symbol)), nil
	}

	if !utils.SameAddress(a.Recipient, v.cfg.Recipient) {
		return types.Reject(types.ErrInvalidRecipient, fmt.Sprintf("recipient %s does not match", a.Recipient)), nil
	}

	now := v.now()
	issued := a.Time()
	if now.Sub(issued) >= v.cfg.MaxAssertionAge {
		return types.Reject(types.ErrExpired,
			fmt.Sprintf("assertion is older than %s", v.cfg.MaxAssertionAge)), nil
	}
	if issued.Sub(now) > types.MaxClockSkew {
		return types.Reject(types.ErrExpired, "assertion timestamp is in the future"), nil
	}

	if v.signatures != nil {
		ok, err := v.signatures.VerifySignature(a)
		if err != nil || !ok {
			reason := "signature does not match payer"
			if err != nil {
				reason = fmt.Sprintf("signature check failed: %v", err)
			}
			return types.Reject(types.ErrInvalidSignature, reason), nil
		}
	}

	if a.OnChainRef != "" {
		if err := v.confirm(ctx, a); err != nil {
			return types.Reject(types.ErrOnChainVerificationFailed, err.Error()), nil
		}

		// one transfer backs one assertion
		claimed, err := v.cache.PutIfAbsent(ctx, replay.RefFingerprint(v.cfg.Network, a.OnChainRef), a)
		if err != nil {
			return nil, fmt.Errorf("replay store failed: %w", err)
		}
		if !claimed {
			return types.Reject(types.ErrAlreadyProcessed, "on-chain transfer already backs another payment"), nil
		}
	}

	stored, err := v.cache.PutIfAbsent(ctx, fingerprint, a)
	if err != nil {
		return nil, fmt.Errorf("replay store failed: %w", err)
	}
	if !stored {
		// a concurrent request with the same fingerprint won
		return types.Reject(types.ErrAlreadyProcessed, "payment assertion has already been used"), nil
	}

	return &types.VerificationResult{
		IsValid:     true,
		Payer:       a.Payer,
		Amount:      amount.String(),
		Asset:       a.Asset,
		Fingerprint: fingerprint,
		Timestamp:   &issued,
	}, nil
}

// confirm resolves the on-chain reference under a fixed timeout
func (v *Verifier) confirm(ctx context.Context, a *types.PaymentAssertion) error {
	c, ok := v.confirmer(v.cfg.Network)
	if !ok {
		return fmt.Errorf("no confirmer configured for network %s", v.cfg.Network)
	}

	confirmCtx, cancel := context.WithTimeout(ctx, v.cfg.ConfirmTimeout)
	defer cancel()

	start := time.Now()
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Confirm(confirmCtx, a.OnChainRef, a)
	}()

	var err error
	select {
	case err = <-errCh:
	case <-confirmCtx.Done():
		err = confirmCtx.Err()
	}
	v.metrics.ObserveLatency(metrics.ConfirmLatency, time.Since(start), map[string]string{
		"network": v.cfg.Network.String(),
	})

	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("on-chain confirmation timed out after %s", v.cfg.ConfirmTimeout)
	}
	return err
}

// BatchVerify verifies assertions concurrently. resources[i] is the resource
// assertions[i] pays for.
func (v *Verifier) BatchVerify(
	ctx context.Context,
	assertions []*types.PaymentAssertion,
	resources []string,
) ([]*types.VerificationResult, error) {
	if len(assertions) != len(resources) {
		return nil, &types.X402Error{
			Code:    types.ErrMalformedAssertion,
			Message: "number of assertions must match number of resources",
		}
	}

	results := make([]*types.VerificationResult, len(assertions))
	errs := make([]error, len(assertions))

	type verificationResult struct {
		index  int
		result *types.VerificationResult
		err    error
	}

	resultChan := make(chan verificationResult, len(assertions))

	for i, a := range assertions {
		go func(index int, a *types.PaymentAssertion, resource string) {
			result, err := v.Verify(ctx, a, resource)
			resultChan <- verificationResult{
				index:  index,
				result: result,
				err:    err,
			}
		}(i, a, resources[i])
	}

	for i := 0; i < len(assertions); i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-resultChan:
			results[res.index] = res.result
			errs[res.index] = res.err
		}
	}

	for _, err := range errs {
		if err != nil {
			return results, err
		}
	}

	return results, nil
}

// PaymentRequest describes how to pay for resourceID
func (v *Verifier) PaymentRequest(resourceID string) types.PaymentRequest {
	tier := v.registry.GetPrice(resourceID)
	asset := v.cfg.PrimaryAsset()

	description := tier.Description
	if description == "" {
		description = v.cfg.DefaultDescription
	}

	return types.PaymentRequest{
		Recipient:     v.cfg.Recipient,
		Amount:        tier.Amount.String(),
		Asset:         asset.Identifier(),
		Network:       v.cfg.Network.String(),
		Description:   description,
		Resource:      resourceID,
		MaxAgeSeconds: int(v.cfg.MaxAssertionAge / time.Second),
	}
}

// PaymentRequired builds the body returned with a payment-required status
func (v *Verifier) PaymentRequired(resourceID string, result *types.VerificationResult) types.PaymentRequiredResponse {
	resp := types.PaymentRequiredResponse{
		X402Version: int(types.X402Version1),
		Error:       "payment required",
		Accepts:     []types.PaymentRequest{v.PaymentRequest(resourceID)},
	}
	if result != nil && !result.IsValid {
		resp.Error = result.InvalidReason
		resp.Code = result.Code
	}
	return resp
}

// IsFree reports whether resourceID can be served without payment
func (v *Verifier) IsFree(resourceID string) bool {
	return v.registry.GetPrice(resourceID).IsFree()
}

// Registry returns the pricing registry the verifier consults
func (v *Verifier) Registry() *pricing.Registry {
	return v.registry
}

// Cache returns the replay cache the verifier consults
func (v *Verifier) Cache() replay.Cache {
	return v.cache
}

// Close closes all registered confirmers
func (v *Verifier) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, c := range v.confirmers {
		c.Close()
	}
}

// GetSupportedNetworks returns all networks that have configured confirmers
func (v *Verifier) GetSupportedNetworks() []types.Network {
	v.mu.RLock()
	defer v.mu.RUnlock()

	networks := make([]types.Network, 0, len(v.confirmers))
	for network := range v.confirmers {
		networks = append(networks, network)
	}
	return networks
}
