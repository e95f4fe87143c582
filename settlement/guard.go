package settlement

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vitwit/x402-burn/types"
)

type guardKey struct {
	engine *Engine
}

// enter marks ctx as running inside this engine. While a quote or swap is
// in flight every entry is refused, whatever context the caller carries, so
// a callback from the route fails instead of blocking on the engine lock.
func (e *Engine) enter(ctx context.Context) (context.Context, error) {
	if e.external.Load() || ctx.Value(guardKey{e}) != nil {
		return nil, types.NewError(types.ErrReentrantCall, "reentrant call")
	}
	return context.WithValue(ctx, guardKey{e}, true), nil
}

// callOut runs an external call with entry into the engine closed
func (e *Engine) callOut(fn func() error) error {
	e.external.Store(true)
	defer e.external.Store(false)
	return fn()
}

func (e *Engine) onlyOwner(from common.Address) error {
	if from != e.owner {
		return types.NewError(types.ErrUnauthorized, "caller %s is not the owner", from.Hex())
	}
	return nil
}
