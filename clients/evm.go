package clients

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	x402types "github.com/vitwit/x402-burn/types"
	"github.com/vitwit/x402-burn/utils"
)

const erc20ABIJSON = `[
	{"anonymous":false,"inputs":[
		{"indexed":true,"name":"from","type":"address"},
		{"indexed":true,"name":"to","type":"address"},
		{"indexed":false,"name":"value","type":"uint256"}],
	 "name":"Transfer","type":"event"}
]`

var erc20ABI = mustParseABI(erc20ABIJSON)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("invalid ABI: %v", err))
	}
	return parsed
}

// EVMBackend is the subset of ethclient.Client the confirmer and quoter use
type EVMBackend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*ethtypes.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

var _ EVMBackend = (*ethclient.Client)(nil)

// EVMConfirmer confirms transfers on EVM chains
type EVMConfirmer struct {
	network x402types.Network
	backend EVMBackend
	assets  []x402types.AssetInfo

	chainMu sync.Mutex
	chainID *big.Int
}

var _ Confirmer = (*EVMConfirmer)(nil)

// NewEVMConfirmer dials rpcURL. assets resolves symbols in assertions to
// token contracts; an asset without an address is the native coin.
func NewEVMConfirmer(network x402types.Network, rpcURL string, assets []x402types.AssetInfo) (*EVMConfirmer, error) {
	if !network.IsEVM() {
		return nil, &x402types.X402Error{
			Code:    x402types.ErrUnsupportedNetwork,
			Message: fmt.Sprintf("network %s is not an EVM network", network),
		}
	}

	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to EVM RPC: %w", err)
	}

	return NewEVMConfirmerWithBackend(network, client, assets), nil
}

// NewEVMConfirmerWithBackend creates a confirmer over an existing backend
func NewEVMConfirmerWithBackend(network x402types.Network, backend EVMBackend, assets []x402types.AssetInfo) *EVMConfirmer {
	return &EVMConfirmer{
		network: network,
		backend: backend,
		assets:  assets,
	}
}

// Confirm checks that ref is a mined, successful transaction sent by the
// payer that moves the asserted asset to the recipient.
func (c *EVMConfirmer) Confirm(ctx context.Context, ref string, a *x402types.PaymentAssertion) error {
	if err := utils.ValidateTransactionHash(ref, c.network); err != nil {
		return confirmError(ReasonInvalidReference, "%v", err)
	}
	hash := common.HexToHash(ref)

	tx, pending, err := c.backend.TransactionByHash(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return confirmError(ReasonTxNotFound, "%s", ref)
	}
	if err != nil {
		return fmt.Errorf("failed to fetch transaction: %w", err)
	}
	if pending {
		return confirmError(ReasonNotConfirmed, "%s is still pending", ref)
	}

	receipt, err := c.backend.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return confirmError(ReasonNotConfirmed, "no receipt for %s", ref)
	}
	if err != nil {
		return fmt.Errorf("failed to fetch receipt: %w", err)
	}
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		return confirmError(ReasonTxFailed, "%s reverted", ref)
	}

	chainID, err := c.getChainID(ctx)
	if err != nil {
		return err
	}

	sender, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(chainID), tx)
	if err != nil {
		return confirmError(ReasonSenderMismatch, "cannot recover sender: %v", err)
	}
	if !utils.SameAddress(sender.Hex(), a.Payer) {
		return confirmError(ReasonSenderMismatch, "sent by %s, not %s", sender.Hex(), a.Payer)
	}

	token, native := c.resolveAsset(a.Asset)
	if native {
		if tx.To() == nil || !utils.SameAddress(tx.To().Hex(), a.Recipient) || tx.Value().Sign() <= 0 {
			return confirmError(ReasonAssetMismatch, "no native transfer to %s", a.Recipient)
		}
		return nil
	}

	if !hasTransferLog(receipt, token, sender, common.HexToAddress(a.Recipient)) {
		return confirmError(ReasonAssetMismatch, "no %s transfer from %s to %s", a.Asset, sender.Hex(), a.Recipient)
	}
	return nil
}

func (c *EVMConfirmer) resolveAsset(id string) (common.Address, bool) {
	for _, asset := range c.assets {
		if asset.Matches(id) {
			if asset.Address == "" {
				return common.Address{}, true
			}
			return common.HexToAddress(asset.Address), false
		}
	}
	if common.IsHexAddress(id) {
		return common.HexToAddress(id), false
	}
	return common.Address{}, true
}

func hasTransferLog(receipt *ethtypes.Receipt, token, from, to common.Address) bool {
	transferID := erc20ABI.Events["Transfer"].ID

	for _, lg := range receipt.Logs {
		if lg.Address != token || len(lg.Topics) < 3 || lg.Topics[0] != transferID {
			continue
		}
		if common.BytesToAddress(lg.Topics[1].Bytes()) != from {
			continue
		}
		if common.BytesToAddress(lg.Topics[2].Bytes()) != to {
			continue
		}
		return true
	}
	return false
}

func (c *EVMConfirmer) getChainID(ctx context.Context) (*big.Int, error) {
	c.chainMu.Lock()
	defer c.chainMu.Unlock()

	if c.chainID != nil {
		return c.chainID, nil
	}

	id, err := c.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}
	c.chainID = id
	return id, nil
}

// Backend exposes the underlying chain backend
func (c *EVMConfirmer) Backend() EVMBackend { return c.backend }

func (c *EVMConfirmer) GetNetwork() string { return c.network.String() }

func (c *EVMConfirmer) Close() { c.backend.Close() }
