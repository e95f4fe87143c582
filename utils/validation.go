package utils

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/vitwit/x402-burn/types"
)

var hexPattern = regexp.MustCompile("^[0-9a-fA-F]+$")

// ValidateAmount checks if an amount string is a valid non-negative decimal
func ValidateAmount(amount string) (decimal.Decimal, error) {
	if strings.TrimSpace(amount) == "" {
		return decimal.Zero, fmt.Errorf("amount cannot be empty")
	}

	dec, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount format: %w", err)
	}

	if dec.IsNegative() {
		return decimal.Zero, fmt.Errorf("amount cannot be negative")
	}

	return dec, nil
}

// ToBaseUnits converts a whole-token amount to integer base units. Digits
// beyond the asset's precision are truncated.
func ToBaseUnits(amount decimal.Decimal, decimals int32) *big.Int {
	return amount.Shift(decimals).Truncate(0).BigInt()
}

// FitsDecimals reports whether amount has no digits beyond decimals places
func FitsDecimals(amount decimal.Decimal, decimals int32) bool {
	return amount.Equal(amount.Truncate(decimals))
}

// ParseAmountWithDecimals parses a decimal amount string into base units
func ParseAmountWithDecimals(amount string, decimals int32) (*big.Int, error) {
	dec, err := ValidateAmount(amount)
	if err != nil {
		return nil, err
	}
	return ToBaseUnits(dec, decimals), nil
}

// FormatAmountFromBigInt formats base units as a decimal string
func FormatAmountFromBigInt(amount *big.Int, decimals int32) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount, -decimals).String()
}

// SameAddress compares two addresses case-insensitively after trimming
func SameAddress(a, b string) bool {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	return a != "" && strings.EqualFold(a, b)
}

// ValidateAddressForNetwork validates address syntax for the network family
func ValidateAddressForNetwork(address string, network types.Network) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	switch network.Family() {
	case types.ChainEVM:
		if !common.IsHexAddress(address) || !strings.HasPrefix(address, "0x") {
			return fmt.Errorf("EVM address must be 0x-prefixed 20-byte hex")
		}

	case types.ChainSolana:
		if _, err := solana.PublicKeyFromBase58(address); err != nil {
			return fmt.Errorf("Solana address must be a base58 public key: %w", err)
		}

	case types.ChainCosmos:
		if !strings.HasPrefix(address, "cosmos") && !strings.HasPrefix(address, "osmo") {
			return fmt.Errorf("Cosmos address must start with valid prefix")
		}
		if len(address) < 39 || len(address) > 65 {
			return fmt.Errorf("Cosmos address has invalid length")
		}

	default:
		return fmt.Errorf("unsupported network for address validation: %s", network)
	}

	return nil
}

// ValidateTransactionHash validates transaction reference syntax for the
// network family
func ValidateTransactionHash(hash string, network types.Network) error {
	if hash == "" {
		return fmt.Errorf("transaction hash cannot be empty")
	}

	switch network.Family() {
	case types.ChainEVM:
		if !strings.HasPrefix(hash, "0x") || len(hash) != 66 || !hexPattern.MatchString(hash[2:]) {
			return fmt.Errorf("EVM transaction hash must be 0x followed by 64 hex characters")
		}

	case types.ChainSolana:
		if _, err := solana.SignatureFromBase58(hash); err != nil {
			return fmt.Errorf("Solana transaction signature must be base58: %w", err)
		}

	case types.ChainCosmos:
		if len(hash) != 64 || !hexPattern.MatchString(hash) {
			return fmt.Errorf("Cosmos transaction hash must be 64 hex characters")
		}

	default:
		return fmt.Errorf("unsupported network for transaction hash validation: %s", network)
	}

	return nil
}
