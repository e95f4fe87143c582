package clients

import (
	"fmt"

	x402types "github.com/vitwit/x402-burn/types"
)

// Confirmation failure reasons. They end up in the rejection message so a
// caller can tell why its reference was refused.
const (
	ReasonTxNotFound       = "transaction_not_found"
	ReasonTxFailed         = "transaction_failed"
	ReasonSenderMismatch   = "sender_mismatch"
	ReasonAssetMismatch    = "asset_mismatch"
	ReasonInvalidReference = "invalid_reference"
	ReasonNotConfirmed     = "transaction_not_confirmed"
)

func confirmError(reason, format string, args ...interface{}) error {
	return &x402types.X402Error{
		Code:    x402types.ErrOnChainVerificationFailed,
		Message: reason + ": " + fmt.Sprintf(format, args...),
		Data:    reason,
	}
}
