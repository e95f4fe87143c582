package clients

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const uniswapV2RouterABIJSON = `[
	{"inputs":[
		{"name":"amountIn","type":"uint256"},
		{"name":"path","type":"address[]"}],
	 "name":"getAmountsOut",
	 "outputs":[{"name":"amounts","type":"uint256[]"}],
	 "stateMutability":"view","type":"function"}
]`

var uniswapV2RouterABI = mustParseABI(uniswapV2RouterABIJSON)

// UniswapV2Quoter reads expected swap outputs from a UniswapV2-style router
type UniswapV2Quoter struct {
	backend EVMBackend
	router  common.Address
}

// NewUniswapV2Quoter creates a quoter for the router at address router
func NewUniswapV2Quoter(backend EVMBackend, router common.Address) *UniswapV2Quoter {
	return &UniswapV2Quoter{backend: backend, router: router}
}

// Quote returns the amount at each hop of path for amountIn. The last
// element is the expected output.
func (q *UniswapV2Quoter) Quote(ctx context.Context, path []common.Address, amountIn *big.Int) ([]*big.Int, error) {
	if len(path) < 2 {
		return nil, fmt.Errorf("path needs at least two tokens, got %d", len(path))
	}

	data, err := uniswapV2RouterABI.Pack("getAmountsOut", amountIn, path)
	if err != nil {
		return nil, fmt.Errorf("failed to encode getAmountsOut: %w", err)
	}

	out, err := q.backend.CallContract(ctx, ethereum.CallMsg{To: &q.router, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("getAmountsOut call failed: %w", err)
	}

	values, err := uniswapV2RouterABI.Unpack("getAmountsOut", out)
	if err != nil {
		return nil, fmt.Errorf("failed to decode getAmountsOut: %w", err)
	}

	amounts := *abi.ConvertType(values[0], new([]*big.Int)).(*[]*big.Int)
	if len(amounts) != len(path) {
		return nil, fmt.Errorf("router returned %d amounts for a %d-token path", len(amounts), len(path))
	}
	return amounts, nil
}
