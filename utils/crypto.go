package utils

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/vitwit/x402-burn/types"
)

// RecoverAddressFromSignature recovers the Ethereum address from a signature
func RecoverAddressFromSignature(hash []byte, signature string) (common.Address, error) {
	signature = strings.TrimPrefix(signature, "0x")

	sigBytes, err := hex.DecodeString(signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to decode signature: %w", err)
	}

	if len(sigBytes) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be 65 bytes, got %d", len(sigBytes))
	}

	// Adjust recovery ID for Ethereum
	if sigBytes[64] >= 27 {
		sigBytes[64] -= 27
	}

	pubKey, err := crypto.SigToPub(hash, sigBytes)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}

	return crypto.PubkeyToAddress(*pubKey), nil
}

// AddressFromPrivateKey derives the Ethereum address from a private key
func AddressFromPrivateKey(privateKey *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(privateKey.PublicKey)
}

// SignHash signs a hash with the given private key
func SignHash(hash []byte, privateKey *ecdsa.PrivateKey) (string, error) {
	signature, err := crypto.Sign(hash, privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign hash: %w", err)
	}

	return hexutil.Encode(signature), nil
}

// SignPersonalMessage signs message the way personal_sign does
func SignPersonalMessage(message string, privateKey *ecdsa.PrivateKey) (string, error) {
	return SignHash(accounts.TextHash([]byte(message)), privateKey)
}

// VerifyPersonalMessage checks a personal_sign signature against expectedAddress
func VerifyPersonalMessage(message, signature string, expectedAddress common.Address) (bool, error) {
	recoveredAddr, err := RecoverAddressFromSignature(accounts.TextHash([]byte(message)), signature)
	if err != nil {
		return false, err
	}

	return recoveredAddr == expectedAddress, nil
}

// SignAssertion fills in the assertion signature over its canonical message
func SignAssertion(a *types.PaymentAssertion, privateKey *ecdsa.PrivateKey) error {
	sig, err := SignPersonalMessage(a.CanonicalMessage(), privateKey)
	if err != nil {
		return err
	}
	a.Signature = sig
	return nil
}

// VerifyAssertionSignature reports whether the assertion was signed by its
// payer. Only EVM payers can be checked.
func VerifyAssertionSignature(a *types.PaymentAssertion) (bool, error) {
	if !common.IsHexAddress(a.Payer) {
		return false, fmt.Errorf("payer %q is not an EVM address", a.Payer)
	}
	return VerifyPersonalMessage(a.CanonicalMessage(), a.Signature, common.HexToAddress(a.Payer))
}
