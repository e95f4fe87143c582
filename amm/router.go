// Package amm is an in-memory constant-product exchange. Its Router stands
// in for an on-chain UniswapV2 router as the settlement engine's conversion
// route.
package amm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// FeeBps is the pool fee charged on every input amount.
const FeeBps = 30

var (
	ErrNoPool             = errors.New("amm: no pool for pair")
	ErrInvalidPath        = errors.New("amm: path needs at least two tokens")
	ErrInsufficientInput  = errors.New("amm: insufficient input amount")
	ErrInsufficientOutput = errors.New("amm: insufficient output amount")
	ErrNoLiquidity        = errors.New("amm: insufficient liquidity")
)

type pairKey struct {
	a, b common.Address
}

func keyOf(x, y common.Address) pairKey {
	if x.Cmp(y) > 0 {
		x, y = y, x
	}
	return pairKey{a: x, b: y}
}

type pool struct {
	reserves map[common.Address]*big.Int
}

type trade struct {
	path     []common.Address
	amountIn *big.Int
}

// Router holds the pools and executes multi-hop swaps atomically
type Router struct {
	mu     sync.Mutex
	pools  map[pairKey]*pool
	queued []trade
}

func NewRouter() *Router {
	return &Router{pools: make(map[pairKey]*pool)}
}

// AddLiquidity deposits amountA of tokenA and amountB of tokenB, creating
// the pool when needed.
func (r *Router) AddLiquidity(tokenA, tokenB common.Address, amountA, amountB *big.Int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := keyOf(tokenA, tokenB)
	p, ok := r.pools[k]
	if !ok {
		p = &pool{reserves: map[common.Address]*big.Int{
			tokenA: new(big.Int),
			tokenB: new(big.Int),
		}}
		r.pools[k] = p
	}
	p.reserves[tokenA].Add(p.reserves[tokenA], amountA)
	p.reserves[tokenB].Add(p.reserves[tokenB], amountB)
}

// Reserves returns the pool reserves of tokenA and tokenB
func (r *Router) Reserves(tokenA, tokenB common.Address) (*big.Int, *big.Int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pools[keyOf(tokenA, tokenB)]
	if !ok {
		return nil, nil, ErrNoPool
	}
	return new(big.Int).Set(p.reserves[tokenA]), new(big.Int).Set(p.reserves[tokenB]), nil
}

// QueueTrade schedules a swap that lands right before the next Swap call,
// moving the price between a quote and its execution.
func (r *Router) QueueTrade(path []common.Address, amountIn *big.Int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.queued = append(r.queued, trade{
		path:     append([]common.Address(nil), path...),
		amountIn: new(big.Int).Set(amountIn),
	})
}

// GetAmountOut is the constant-product output for amountIn after fees
func GetAmountOut(amountIn, reserveIn, reserveOut *big.Int) (*big.Int, error) {
	if amountIn.Sign() <= 0 {
		return nil, ErrInsufficientInput
	}
	if reserveIn.Sign() <= 0 || reserveOut.Sign() <= 0 {
		return nil, ErrNoLiquidity
	}

	inWithFee := new(big.Int).Mul(amountIn, big.NewInt(10_000-FeeBps))
	numerator := new(big.Int).Mul(inWithFee, reserveOut)
	denominator := new(big.Int).Mul(reserveIn, big.NewInt(10_000))
	denominator.Add(denominator, inWithFee)

	return numerator.Div(numerator, denominator), nil
}

// Quote returns the amount at each hop of path for amountIn
func (r *Router) Quote(_ context.Context, path []common.Address, amountIn *big.Int) ([]*big.Int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.amountsOut(path, amountIn)
}

// Swap executes path for amountIn. Either every hop executes and the final
// output is at least minOut, or no reserve changes.
func (r *Router) Swap(_ context.Context, path []common.Address, amountIn, minOut *big.Int) ([]*big.Int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range r.queued {
		if amounts, err := r.amountsOut(t.path, t.amountIn); err == nil {
			r.apply(t.path, amounts)
		}
	}
	r.queued = nil

	amounts, err := r.amountsOut(path, amountIn)
	if err != nil {
		return nil, err
	}

	out := amounts[len(amounts)-1]
	if minOut != nil && out.Cmp(minOut) < 0 {
		return nil, fmt.Errorf("%w: got %s, want at least %s", ErrInsufficientOutput, out, minOut)
	}

	r.apply(path, amounts)
	return amounts, nil
}

func (r *Router) amountsOut(path []common.Address, amountIn *big.Int) ([]*big.Int, error) {
	if len(path) < 2 {
		return nil, ErrInvalidPath
	}

	amounts := make([]*big.Int, len(path))
	amounts[0] = new(big.Int).Set(amountIn)

	for i := 0; i < len(path)-1; i++ {
		p, ok := r.pools[keyOf(path[i], path[i+1])]
		if !ok {
			return nil, fmt.Errorf("%w %s/%s", ErrNoPool, path[i].Hex(), path[i+1].Hex())
		}

		out, err := GetAmountOut(amounts[i], p.reserves[path[i]], p.reserves[path[i+1]])
		if err != nil {
			return nil, err
		}
		if out.Sign() == 0 {
			return nil, ErrInsufficientOutput
		}
		amounts[i+1] = out
	}

	return amounts, nil
}

func (r *Router) apply(path []common.Address, amounts []*big.Int) {
	for i := 0; i < len(path)-1; i++ {
		p := r.pools[keyOf(path[i], path[i+1])]
		in, out := p.reserves[path[i]], p.reserves[path[i+1]]
		in.Add(in, amounts[i])
		out.Sub(out, amounts[i+1])
	}
}
