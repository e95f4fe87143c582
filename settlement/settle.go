package settlement

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vitwit/x402-burn/logger"
	"github.com/vitwit/x402-burn/metrics"
	"github.com/vitwit/x402-burn/replay"
	"github.com/vitwit/x402-burn/types"
	"github.com/vitwit/x402-burn/utils"
)

// Settler settles accepted payment assertions
type Settler interface {
	Settle(ctx context.Context, assertion *types.PaymentAssertion) (*types.SettlementResult, error)
}

// Service forwards accepted assertions to the engine: the asserted amount
// lands in the engine's holdings and is then received under a payment id
// derived from the assertion fingerprint.
type Service struct {
	engine  *Engine
	cfg     *types.GateConfig
	settler common.Address
	timeout time.Duration

	// mu serializes calls into the engine, which refuses any entry while a
	// conversion is in flight
	mu        sync.Mutex
	deposited map[PaymentID]bool

	logger  logger.Logger
	metrics metrics.Recorder
}

var _ Settler = (*Service)(nil)

// NewService creates a settlement service that calls the engine as settler
func NewService(engine *Engine, cfg *types.GateConfig, settler common.Address, l logger.Logger, m metrics.Recorder) *Service {
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = types.DefaultTimeout
	}

	return &Service{
		engine:    engine,
		cfg:       cfg,
		settler:   settler,
		timeout:   timeout,
		deposited: make(map[PaymentID]bool),
		logger:    logger.OrNoop(l),
		metrics:   metrics.OrNoop(m),
	}
}

// PaymentIDFor derives the engine payment id of an assertion
func PaymentIDFor(a *types.PaymentAssertion, mode types.FingerprintMode) PaymentID {
	return NewPaymentID(replay.Fingerprint(a, mode))
}

// Settle settles one accepted assertion. Settlement failures are reported
// in the result; the error is reserved for a cancelled context.
func (s *Service) Settle(ctx context.Context, a *types.PaymentAssertion) (*types.SettlementResult, error) {
	settleCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := settleCtx.Err(); err != nil {
		return nil, err
	}

	id := PaymentIDFor(a, s.cfg.Fingerprint)
	result, err := s.settle(settleCtx, a, id)
	labels := map[string]string{"network": s.cfg.Network.String()}

	if err != nil {
		labels["reason"] = types.ErrorCode(err)
		s.metrics.IncCounter(metrics.SettleFailed, labels)
		s.logger.Warn("settlement failed", map[string]any{
			"payment_id": id.Hex(),
			"payer":      a.Payer,
			"error":      err,
		})
		return &types.SettlementResult{
			Success:   false,
			PaymentID: id.Hex(),
			Code:      types.ErrorCode(err),
			Error:     err.Error(),
		}, nil
	}

	s.metrics.IncCounter(metrics.SettleSucceeded, labels)
	return result, nil
}

func (s *Service) settle(ctx context.Context, a *types.PaymentAssertion, id PaymentID) (*types.SettlementResult, error) {
	asset, ok := s.cfg.FindAsset(a.Asset)
	if !ok {
		return nil, types.NewError(types.ErrAssetNotAccepted, "asset %s is not accepted", a.Asset)
	}
	if asset.Address == "" || !common.IsHexAddress(asset.Address) {
		return nil, types.NewError(types.ErrInvalidAsset, "asset %s has no token contract", asset.Symbol)
	}
	token := common.HexToAddress(asset.Address)
	if token != s.engine.AcceptedAsset() {
		return nil, types.NewError(types.ErrInvalidAsset, "engine does not convert %s", asset.Symbol)
	}

	amount, err := a.ParsedAmount()
	if err != nil {
		return nil, types.NewError(types.ErrInvalidAmount, "%v", err)
	}
	if !utils.FitsDecimals(amount, asset.Decimals) {
		return nil, types.NewError(types.ErrInvalidAmount, "amount %s has more than %d decimals", amount, asset.Decimals)
	}
	units := utils.ToBaseUnits(amount, asset.Decimals)
	if units.Sign() <= 0 {
		return nil, types.NewError(types.ErrInvalidAmount, "amount %s is below one base unit", amount)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.engine.IsProcessed(id) {
		return nil, types.NewError(types.ErrAlreadyProcessed, "payment %s already processed", id.Hex())
	}

	if err := s.depositOnce(ctx, a, id, token, units); err != nil {
		return nil, err
	}

	received, err := s.engine.Receive(ctx, s.settler, units, id)
	if err != nil {
		return nil, err
	}

	return &types.SettlementResult{
		Success:        true,
		PaymentID:      id.Hex(),
		AmountIn:       received.AmountIn.String(),
		NativeReceived: received.NativeReceived.String(),
		TokensBurned:   received.Burned.String(),
	}, nil
}

// depositOnce moves the payment into the engine the first time id is seen.
// A retry after a failed conversion reuses the funds already held. Callers
// hold s.mu.
func (s *Service) depositOnce(ctx context.Context, a *types.PaymentAssertion, id PaymentID, token common.Address, units *big.Int) error {
	if s.deposited[id] {
		return nil
	}

	from := s.settler
	if common.IsHexAddress(a.Payer) {
		from = common.HexToAddress(a.Payer)
	}
	if err := s.engine.Deposit(ctx, from, token, units); err != nil {
		return fmt.Errorf("deposit failed: %w", err)
	}
	s.deposited[id] = true
	return nil
}

// BatchSettle settles multiple assertions concurrently. The service orders
// their engine calls; individual failures are recorded in the results.
func (s *Service) BatchSettle(
	ctx context.Context,
	assertions []*types.PaymentAssertion,
) ([]*types.SettlementResult, error) {
	results := make([]*types.SettlementResult, len(assertions))

	type settlementResult struct {
		index  int
		result *types.SettlementResult
		err    error
	}

	resultChan := make(chan settlementResult, len(assertions))

	for i, a := range assertions {
		go func(index int, a *types.PaymentAssertion) {
			result, err := s.Settle(ctx, a)
			resultChan <- settlementResult{
				index:  index,
				result: result,
				err:    err,
			}
		}(i, a)
	}

	for i := 0; i < len(assertions); i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-resultChan:
			results[res.index] = res.result
		}
	}

	return results, nil
}

// Engine returns the engine the service settles into
func (s *Service) Engine() *Engine {
	return s.engine
}
