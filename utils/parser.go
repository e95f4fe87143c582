package utils

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vitwit/x402-burn/types"
)

// ParseAssertion decodes a JSON assertion and runs struct-tag validation.
func ParseAssertion(data []byte) (*types.PaymentAssertion, error) {
	var a types.PaymentAssertion

	if err := json.Unmarshal(data, &a); err != nil {
		return nil, &types.X402Error{
			Code:    types.ErrMalformedAssertion,
			Message: fmt.Sprintf("failed to parse payment assertion: %v", err),
		}
	}

	if err := types.ValidateStruct(&a); err != nil {
		return nil, &types.X402Error{
			Code:    types.ErrMalformedAssertion,
			Message: fmt.Sprintf("validation failed: %v", err),
		}
	}

	return &a, nil
}

// ParsePaymentHeader decodes the assertion transport field. The value may be
// raw JSON or base64 (standard or URL alphabet, padded or not) of JSON.
// Field validation is left to the verifier so every structural problem is
// reported as the same rejection.
func ParsePaymentHeader(header string) (*types.PaymentAssertion, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, types.NewError(types.ErrMalformedAssertion, "payment header is empty")
	}

	raw := []byte(header)
	if !strings.HasPrefix(header, "{") {
		decoded, err := base64Decode(header)
		if err != nil {
			return nil, types.NewError(types.ErrMalformedAssertion, "payment header is neither JSON nor base64")
		}
		raw = decoded
	}

	var a types.PaymentAssertion
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, types.NewError(types.ErrMalformedAssertion, "failed to parse payment assertion: %v", err)
	}
	return &a, nil
}

// EncodePaymentHeader serializes an assertion for the transport field
func EncodePaymentHeader(a *types.PaymentAssertion) (string, error) {
	raw, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payment assertion: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func base64Decode(s string) ([]byte, error) {
	if decoded, err := base64.StdEncoding.DecodeString(s); err == nil {
		return decoded, nil
	}
	if decoded, err := base64.URLEncoding.DecodeString(s); err == nil {
		return decoded, nil
	}
	if decoded, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return decoded, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}
