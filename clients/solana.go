package clients

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	binary "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/rpc"
	x402types "github.com/vitwit/x402-burn/types"
)

// SolanaBackend is the subset of rpc.Client the confirmer uses
type SolanaBackend interface {
	GetTransaction(ctx context.Context, txSig solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
	Close() error
}

var _ SolanaBackend = (*rpc.Client)(nil)

// SolanaConfirmer confirms SOL and SPL token transfers
type SolanaConfirmer struct {
	network x402types.Network
	backend SolanaBackend
	assets  []x402types.AssetInfo
}

var _ Confirmer = (*SolanaConfirmer)(nil)

// NewSolanaConfirmer creates a confirmer against rpcURL. assets resolves
// symbols to mints; an asset without an address is SOL.
func NewSolanaConfirmer(network x402types.Network, rpcURL string, assets []x402types.AssetInfo) (*SolanaConfirmer, error) {
	if !network.IsSolana() {
		return nil, &x402types.X402Error{
			Code:    x402types.ErrUnsupportedNetwork,
			Message: fmt.Sprintf("network %s is not a Solana network", network),
		}
	}
	return NewSolanaConfirmerWithBackend(network, rpc.New(rpcURL), assets), nil
}

// NewSolanaConfirmerWithBackend creates a confirmer over an existing backend
func NewSolanaConfirmerWithBackend(network x402types.Network, backend SolanaBackend, assets []x402types.AssetInfo) *SolanaConfirmer {
	return &SolanaConfirmer{
		network: network,
		backend: backend,
		assets:  assets,
	}
}

// Confirm checks that ref is a finalized, successful transaction paid for
// by the payer that moves the asserted asset to the recipient.
func (c *SolanaConfirmer) Confirm(ctx context.Context, ref string, a *x402types.PaymentAssertion) error {
	sig, err := solana.SignatureFromBase58(ref)
	if err != nil {
		return confirmError(ReasonInvalidReference, "invalid signature %q: %v", ref, err)
	}

	maxVersion := uint64(0)
	out, err := c.backend.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     rpc.CommitmentFinalized,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if errors.Is(err, rpc.ErrNotFound) || (err == nil && out == nil) {
		return confirmError(ReasonTxNotFound, "%s", ref)
	}
	if err != nil {
		return fmt.Errorf("failed to fetch transaction: %w", err)
	}
	if out.Meta == nil || out.Transaction == nil {
		return confirmError(ReasonNotConfirmed, "%s has no metadata", ref)
	}
	if out.Meta.Err != nil {
		return confirmError(ReasonTxFailed, "%s failed: %v", ref, out.Meta.Err)
	}

	tx, err := solana.TransactionFromDecoder(binary.NewBinDecoder(out.Transaction.GetBinary()))
	if err != nil {
		return confirmError(ReasonInvalidReference, "failed to decode transaction: %v", err)
	}
	if len(tx.Message.AccountKeys) == 0 {
		return confirmError(ReasonInvalidReference, "transaction has no accounts")
	}

	payer, err := solana.PublicKeyFromBase58(a.Payer)
	if err != nil || !tx.Message.AccountKeys[0].Equals(payer) {
		return confirmError(ReasonSenderMismatch, "fee payer %s is not %s", tx.Message.AccountKeys[0], a.Payer)
	}

	recipient, err := solana.PublicKeyFromBase58(a.Recipient)
	if err != nil {
		return confirmError(ReasonAssetMismatch, "invalid recipient %q", a.Recipient)
	}

	mint, native := c.resolveAsset(a.Asset)
	if native {
		if !hasSystemTransfer(tx, payer, recipient) {
			return confirmError(ReasonAssetMismatch, "no SOL transfer from %s to %s", payer, recipient)
		}
		return nil
	}

	if !hasTokenCredit(out.Meta, mint, recipient) {
		return confirmError(ReasonAssetMismatch, "no %s credit to %s", mint, recipient)
	}
	return nil
}

func (c *SolanaConfirmer) resolveAsset(id string) (solana.PublicKey, bool) {
	for _, asset := range c.assets {
		if asset.Matches(id) {
			if asset.Address == "" {
				return solana.PublicKey{}, true
			}
			if mint, err := solana.PublicKeyFromBase58(asset.Address); err == nil {
				return mint, false
			}
		}
	}
	if mint, err := solana.PublicKeyFromBase58(id); err == nil {
		return mint, false
	}
	return solana.PublicKey{}, true
}

func hasSystemTransfer(tx *solana.Transaction, from, to solana.PublicKey) bool {
	for _, inst := range tx.Message.Instructions {
		if int(inst.ProgramIDIndex) >= len(tx.Message.AccountKeys) {
			continue
		}
		prog := tx.Message.AccountKeys[inst.ProgramIDIndex]
		if !prog.Equals(solana.SystemProgramID) {
			continue
		}

		accountMetas := make([]*solana.AccountMeta, 0, len(inst.Accounts))
		for _, accIdx := range inst.Accounts {
			if int(accIdx) >= len(tx.Message.AccountKeys) {
				break
			}
			pub := tx.Message.AccountKeys[accIdx]
			writable, err := tx.Message.IsWritable(pub)
			if err != nil {
				return false
			}
			accountMetas = append(accountMetas, &solana.AccountMeta{
				PublicKey:  pub,
				IsSigner:   tx.Message.IsSigner(pub),
				IsWritable: writable,
			})
		}
		if len(accountMetas) < 2 {
			continue
		}

		sysInst, err := system.DecodeInstruction(accountMetas, inst.Data)
		if err != nil {
			continue
		}
		transfer, ok := sysInst.Impl.(*system.Transfer)
		if !ok || transfer.Lamports == nil || *transfer.Lamports == 0 {
			continue
		}
		if accountMetas[0].PublicKey.Equals(from) && accountMetas[1].PublicKey.Equals(to) {
			return true
		}
	}
	return false
}

// hasTokenCredit reports whether an account of mint owned by owner grew
func hasTokenCredit(meta *rpc.TransactionMeta, mint, owner solana.PublicKey) bool {
	pre := make(map[uint16]*big.Int)
	for _, b := range meta.PreTokenBalances {
		if b.Mint.Equals(mint) && b.UiTokenAmount != nil {
			if v, ok := new(big.Int).SetString(b.UiTokenAmount.Amount, 10); ok {
				pre[b.AccountIndex] = v
			}
		}
	}

	for _, b := range meta.PostTokenBalances {
		if !b.Mint.Equals(mint) || b.Owner == nil || !b.Owner.Equals(owner) || b.UiTokenAmount == nil {
			continue
		}
		post, ok := new(big.Int).SetString(b.UiTokenAmount.Amount, 10)
		if !ok {
			continue
		}
		before, seen := pre[b.AccountIndex]
		if !seen {
			before = new(big.Int)
		}
		if post.Cmp(before) > 0 {
			return true
		}
	}
	return false
}

func (c *SolanaConfirmer) GetNetwork() string { return c.network.String() }

func (c *SolanaConfirmer) Close() { _ = c.backend.Close() }
