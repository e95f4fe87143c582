package types

import (
	"errors"
	"fmt"
)

// X402Error carries a machine-readable code alongside the message.
type X402Error struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e X402Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Message
}

// Is reports whether target is an X402Error with the same code, so that
// errors.Is(err, &X402Error{Code: ErrPaused}) works across wrapping.
func (e X402Error) Is(target error) bool {
	var t *X402Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// Verification failures. Each is recoverable by the caller with a corrected
// or fresh assertion.
const (
	ErrMalformedAssertion        = "MALFORMED_ASSERTION"
	ErrAlreadyProcessed          = "ALREADY_PROCESSED"
	ErrInsufficientAmount        = "INSUFFICIENT_AMOUNT"
	ErrAssetNotAccepted          = "ASSET_NOT_ACCEPTED"
	ErrInvalidRecipient          = "INVALID_RECIPIENT"
	ErrExpired                   = "EXPIRED"
	ErrInvalidSignature          = "INVALID_SIGNATURE"
	ErrOnChainVerificationFailed = "ONCHAIN_VERIFICATION_FAILED"
)

// Settlement engine failures. Each aborts the call with no state change.
const (
	ErrAlreadyInitialized  = "ALREADY_INITIALIZED"
	ErrNotInitialized      = "NOT_INITIALIZED"
	ErrPaused              = "PAUSED"
	ErrNotPaused           = "NOT_PAUSED"
	ErrSlippageExceeded    = "SLIPPAGE_EXCEEDED"
	ErrNoTokensToReturn    = "NO_TOKENS_TO_RETURN"
	ErrUnauthorized        = "UNAUTHORIZED"
	ErrInvalidAmount       = "INVALID_AMOUNT"
	ErrInvalidAsset        = "INVALID_ASSET"
	ErrInsufficientBalance = "INSUFFICIENT_BALANCE"
	ErrReentrantCall       = "REENTRANT_CALL"
	ErrInvalidSlippage     = "INVALID_SLIPPAGE"
)

// Infrastructure and setup failures.
const (
	ErrConfigError        = "CONFIG_ERROR"
	ErrUnsupportedNetwork = "UNSUPPORTED_NETWORK"
	ErrNetworkError       = "NETWORK_ERROR"
)

// NewError builds an X402Error with a formatted message.
func NewError(code, format string, args ...interface{}) *X402Error {
	return &X402Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// ErrorCode extracts the code from err, or "" when err is not an X402Error.
func ErrorCode(err error) string {
	var xe *X402Error
	if errors.As(err, &xe) {
		return xe.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code string) bool {
	return err != nil && ErrorCode(err) == code
}
