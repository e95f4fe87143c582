package clients

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	x402types "github.com/vitwit/x402-burn/types"
)

var (
	testChainID   = big.NewInt(84532)
	testRecipient = common.HexToAddress("0x00000000000000000000000000000000000000Ff")
	testToken     = common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e")
)

type fakeEVMBackend struct {
	txs      map[common.Hash]*ethtypes.Transaction
	pending  map[common.Hash]bool
	receipts map[common.Hash]*ethtypes.Receipt
	call     func(msg ethereum.CallMsg) ([]byte, error)
	closed   bool
}

func newFakeEVMBackend() *fakeEVMBackend {
	return &fakeEVMBackend{
		txs:      make(map[common.Hash]*ethtypes.Transaction),
		pending:  make(map[common.Hash]bool),
		receipts: make(map[common.Hash]*ethtypes.Receipt),
	}
}

func (f *fakeEVMBackend) ChainID(context.Context) (*big.Int, error) { return testChainID, nil }

func (f *fakeEVMBackend) TransactionByHash(_ context.Context, h common.Hash) (*ethtypes.Transaction, bool, error) {
	tx, ok := f.txs[h]
	if !ok {
		return nil, false, ethereum.NotFound
	}
	return tx, f.pending[h], nil
}

func (f *fakeEVMBackend) TransactionReceipt(_ context.Context, h common.Hash) (*ethtypes.Receipt, error) {
	r, ok := f.receipts[h]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (f *fakeEVMBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if f.call == nil {
		return nil, errors.New("no contract")
	}
	return f.call(msg)
}

func (f *fakeEVMBackend) Close() { f.closed = true }

// addTx signs a transaction from key and records it with a receipt
func (f *fakeEVMBackend) addTx(t *testing.T, key *ecdsa.PrivateKey, to common.Address, value *big.Int, status uint64, logs ...*ethtypes.Log) common.Hash {
	t.Helper()

	tx, err := ethtypes.SignNewTx(key, ethtypes.LatestSignerForChainID(testChainID), &ethtypes.LegacyTx{
		Nonce:    uint64(len(f.txs)),
		To:       &to,
		Value:    value,
		Gas:      21000,
		GasPrice: big.NewInt(1),
	})
	require.NoError(t, err)

	f.txs[tx.Hash()] = tx
	f.receipts[tx.Hash()] = &ethtypes.Receipt{Status: status, Logs: logs, TxHash: tx.Hash()}
	return tx.Hash()
}

func transferLog(token, from, to common.Address, value int64) *ethtypes.Log {
	return &ethtypes.Log{
		Address: token,
		Topics: []common.Hash{
			erc20ABI.Events["Transfer"].ID,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data: common.LeftPadBytes(big.NewInt(value).Bytes(), 32),
	}
}

func evmAssertion(payer common.Address, asset string) *x402types.PaymentAssertion {
	return &x402types.PaymentAssertion{
		Asset:     asset,
		Amount:    "0.001",
		Payer:     payer.Hex(),
		Recipient: testRecipient.Hex(),
		Signature: "0xsig",
		Nonce:     "n",
		Timestamp: 1,
	}
}

func newTestEVMConfirmer(backend *fakeEVMBackend) *EVMConfirmer {
	return NewEVMConfirmerWithBackend(x402types.NetworkBaseSepolia, backend, []x402types.AssetInfo{
		{Symbol: "USDC", Address: testToken.Hex(), Decimals: 6},
		{Symbol: "ETH", Decimals: 18},
	})
}

func TestEVMConfirmERC20Transfer(t *testing.T) {
	key, _ := crypto.GenerateKey()
	payer := crypto.PubkeyToAddress(key.PublicKey)
	backend := newFakeEVMBackend()
	c := newTestEVMConfirmer(backend)

	hash := backend.addTx(t, key, testToken, big.NewInt(0), ethtypes.ReceiptStatusSuccessful,
		transferLog(testToken, payer, testRecipient, 1000))

	require.NoError(t, c.Confirm(context.Background(), hash.Hex(), evmAssertion(payer, "USDC")))
	require.NoError(t, c.Confirm(context.Background(), hash.Hex(), evmAssertion(payer, testToken.Hex())))

	c.Close()
	assert.True(t, backend.closed)
}

func TestEVMConfirmNativeTransfer(t *testing.T) {
	key, _ := crypto.GenerateKey()
	payer := crypto.PubkeyToAddress(key.PublicKey)
	backend := newFakeEVMBackend()
	c := newTestEVMConfirmer(backend)

	hash := backend.addTx(t, key, testRecipient, big.NewInt(1e15), ethtypes.ReceiptStatusSuccessful)
	require.NoError(t, c.Confirm(context.Background(), hash.Hex(), evmAssertion(payer, "ETH")))

	empty := backend.addTx(t, key, testRecipient, big.NewInt(0), ethtypes.ReceiptStatusSuccessful)
	err := c.Confirm(context.Background(), empty.Hex(), evmAssertion(payer, "ETH"))
	assert.Contains(t, err.Error(), ReasonAssetMismatch)
}

func TestEVMConfirmFailures(t *testing.T) {
	key, _ := crypto.GenerateKey()
	payer := crypto.PubkeyToAddress(key.PublicKey)
	other, _ := crypto.GenerateKey()
	backend := newFakeEVMBackend()
	c := newTestEVMConfirmer(backend)

	reverted := backend.addTx(t, key, testToken, big.NewInt(0), ethtypes.ReceiptStatusFailed)
	wrongSender := backend.addTx(t, other, testToken, big.NewInt(0), ethtypes.ReceiptStatusSuccessful,
		transferLog(testToken, crypto.PubkeyToAddress(other.PublicKey), testRecipient, 1000))
	wrongToken := backend.addTx(t, key, testToken, big.NewInt(0), ethtypes.ReceiptStatusSuccessful,
		transferLog(common.HexToAddress("0x1111111111111111111111111111111111111111"), payer, testRecipient, 1000))
	wrongRecipient := backend.addTx(t, key, testToken, big.NewInt(0), ethtypes.ReceiptStatusSuccessful,
		transferLog(testToken, payer, common.HexToAddress("0x2222222222222222222222222222222222222222"), 1000))
	pending := backend.addTx(t, key, testToken, big.NewInt(0), ethtypes.ReceiptStatusSuccessful)
	backend.pending[pending] = true

	tests := []struct {
		name   string
		ref    string
		reason string
	}{
		{"malformed ref", "0x1234", ReasonInvalidReference},
		{"unknown tx", common.HexToHash("0xdead").Hex(), ReasonTxNotFound},
		{"pending", pending.Hex(), ReasonNotConfirmed},
		{"reverted", reverted.Hex(), ReasonTxFailed},
		{"wrong sender", wrongSender.Hex(), ReasonSenderMismatch},
		{"wrong token", wrongToken.Hex(), ReasonAssetMismatch},
		{"wrong recipient", wrongRecipient.Hex(), ReasonAssetMismatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Confirm(context.Background(), tt.ref, evmAssertion(payer, "USDC"))
			require.Error(t, err)
			assert.True(t, x402types.IsCode(err, x402types.ErrOnChainVerificationFailed))
			assert.Contains(t, err.Error(), tt.reason)
		})
	}
}

func TestUniswapV2Quoter(t *testing.T) {
	router := common.HexToAddress("0x4752ba5DBc23f44D87826276BF6Fd6b1C372aD24")
	path := []common.Address{
		testToken,
		common.HexToAddress("0x4200000000000000000000000000000000000006"),
		common.HexToAddress("0x3333333333333333333333333333333333333333"),
	}

	backend := newFakeEVMBackend()
	backend.call = func(msg ethereum.CallMsg) ([]byte, error) {
		require.Equal(t, router, *msg.To)
		args, err := uniswapV2RouterABI.Methods["getAmountsOut"].Inputs.Unpack(msg.Data[4:])
		require.NoError(t, err)
		in := args[0].(*big.Int)
		return uniswapV2RouterABI.Methods["getAmountsOut"].Outputs.Pack([]*big.Int{
			in, new(big.Int).Mul(in, big.NewInt(2)), new(big.Int).Mul(in, big.NewInt(6)),
		})
	}

	q := NewUniswapV2Quoter(backend, router)
	amounts, err := q.Quote(context.Background(), path, big.NewInt(100))
	require.NoError(t, err)
	require.Len(t, amounts, 3)
	assert.Equal(t, int64(600), amounts[2].Int64())

	_, err = q.Quote(context.Background(), path[:1], big.NewInt(100))
	assert.Error(t, err)
}
