package clients

import (
	"context"
	"fmt"
	"strings"

	sdk "github.com/cosmos/cosmos-sdk/types"
	txn "github.com/cosmos/cosmos-sdk/types/tx"
	banktypes "github.com/cosmos/cosmos-sdk/x/bank/types"
	x402types "github.com/vitwit/x402-burn/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// CosmosTxBackend is the subset of the tx service client the confirmer uses
type CosmosTxBackend interface {
	GetTx(ctx context.Context, in *txn.GetTxRequest, opts ...grpc.CallOption) (*txn.GetTxResponse, error)
}

// CosmosConfirmer confirms bank sends on Cosmos SDK chains
type CosmosConfirmer struct {
	network x402types.Network
	backend CosmosTxBackend
	assets  []x402types.AssetInfo
	conn    *grpc.ClientConn
}

var _ Confirmer = (*CosmosConfirmer)(nil)

// NewCosmosConfirmer connects to the node's gRPC endpoint. assets resolves
// symbols to denoms through AssetInfo.Address.
func NewCosmosConfirmer(network x402types.Network, grpcURL string, assets []x402types.AssetInfo) (*CosmosConfirmer, error) {
	if !network.IsCosmos() {
		return nil, &x402types.X402Error{
			Code:    x402types.ErrUnsupportedNetwork,
			Message: fmt.Sprintf("network %s is not a Cosmos network", network),
		}
	}

	conn, err := grpc.NewClient(grpcURL, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("gRPC connection failed: %w", err)
	}

	c := NewCosmosConfirmerWithBackend(network, txn.NewServiceClient(conn), assets)
	c.conn = conn
	return c, nil
}

// NewCosmosConfirmerWithBackend creates a confirmer over an existing backend
func NewCosmosConfirmerWithBackend(network x402types.Network, backend CosmosTxBackend, assets []x402types.AssetInfo) *CosmosConfirmer {
	return &CosmosConfirmer{
		network: network,
		backend: backend,
		assets:  assets,
	}
}

// Confirm checks that ref is a committed transaction with code 0 carrying a
// MsgSend from the payer to the recipient in the asserted denom.
func (c *CosmosConfirmer) Confirm(ctx context.Context, ref string, a *x402types.PaymentAssertion) error {
	hash := strings.ToUpper(strings.TrimPrefix(ref, "0x"))

	resp, err := c.backend.GetTx(ctx, &txn.GetTxRequest{Hash: hash})
	if status.Code(err) == codes.NotFound {
		return confirmError(ReasonTxNotFound, "%s", ref)
	}
	if err != nil {
		return fmt.Errorf("failed to fetch transaction: %w", err)
	}
	if resp.TxResponse == nil || resp.Tx == nil || resp.Tx.Body == nil {
		return confirmError(ReasonNotConfirmed, "%s has no committed result", ref)
	}
	if resp.TxResponse.Code != 0 {
		return confirmError(ReasonTxFailed, "%s failed with code %d: %s",
			ref, resp.TxResponse.Code, resp.TxResponse.RawLog)
	}

	denom := c.resolveDenom(a.Asset)
	msgSendURL := sdk.MsgTypeURL(&banktypes.MsgSend{})

	fromPayer := false
	for _, anyMsg := range resp.Tx.Body.Messages {
		if anyMsg == nil || anyMsg.TypeUrl != msgSendURL {
			continue
		}

		var send banktypes.MsgSend
		if err := send.Unmarshal(anyMsg.Value); err != nil {
			return confirmError(ReasonInvalidReference, "failed to decode MsgSend: %v", err)
		}
		if send.FromAddress != a.Payer {
			continue
		}
		fromPayer = true

		if send.ToAddress != a.Recipient {
			continue
		}
		for _, coin := range send.Amount {
			if coin.Denom == denom && coin.Amount.IsPositive() {
				return nil
			}
		}
	}

	if !fromPayer {
		return confirmError(ReasonSenderMismatch, "no MsgSend from %s", a.Payer)
	}
	return confirmError(ReasonAssetMismatch, "no %s sent to %s", denom, a.Recipient)
}

func (c *CosmosConfirmer) resolveDenom(id string) string {
	for _, asset := range c.assets {
		if asset.Matches(id) && asset.Address != "" {
			return asset.Address
		}
	}
	return id
}

func (c *CosmosConfirmer) GetNetwork() string { return c.network.String() }

func (c *CosmosConfirmer) Close() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
}
