package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var validate = validator.New()

// ValidateStruct runs struct-tag validation on v
func ValidateStruct(v interface{}) error {
	return validate.Struct(v)
}

// FingerprintMode selects which assertion fields form the replay key.
type FingerprintMode string

const (
	// FingerprintPayerNonceTimestamp lets a payer reuse a nonce at a
	// different timestamp, but never the exact triple.
	FingerprintPayerNonceTimestamp FingerprintMode = "payer-nonce-timestamp"

	// FingerprintPayerNonce makes every nonce single-use per payer.
	FingerprintPayerNonce FingerprintMode = "payer-nonce"
)

// Defaults for GateConfig
const (
	DefaultReplayRetention  = 10 * time.Minute
	DefaultMaxAssertionAge  = 5 * time.Minute
	DefaultConfirmTimeout   = 10 * time.Second
	DefaultSweepInterval    = time.Minute
	DefaultSlippageBps      = 300
	MaxSlippageBps          = 1000
	DefaultTimeout          = 30 * time.Second
	DefaultPriceDescription = "API access"

	// MaxClockSkew bounds how far in the future an assertion timestamp may
	// be. Retention must cover MaxAssertionAge plus this skew.
	MaxClockSkew = 30 * time.Second
)

// ClientConfig contains configuration for blockchain clients
type ClientConfig struct {
	Network Network           `json:"network"`
	RPCUrl  string            `json:"rpcUrl"`
	GRPCUrl string            `json:"grpcUrl,omitempty"`
	ChainID string            `json:"chainId,omitempty"`
	Timeout time.Duration     `json:"timeout,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// GateConfig is the environment-level configuration consumed by the
// verifier and the settlement bridge.
type GateConfig struct {
	// Recipient is the collection address every assertion must target.
	Recipient string `json:"recipient" validate:"required"`

	Network Network `json:"network" validate:"required"`

	// AcceptedAssets is the allow-list checked against PaymentAssertion.Asset.
	AcceptedAssets []AssetInfo `json:"acceptedAssets" validate:"required,min=1,dive"`

	DefaultPrice       decimal.Decimal `json:"defaultPrice"`
	DefaultDescription string          `json:"defaultDescription"`

	// Prices seeds the pricing registry, resource id -> amount.
	Prices map[string]string `json:"prices,omitempty"`

	ReplayRetention time.Duration   `json:"replayRetention"`
	SweepInterval   time.Duration   `json:"sweepInterval"`
	MaxAssertionAge time.Duration   `json:"maxAssertionAge"`
	ConfirmTimeout  time.Duration   `json:"confirmTimeout"`
	Fingerprint     FingerprintMode `json:"fingerprintMode" validate:"omitempty,oneof=payer-nonce-timestamp payer-nonce"`

	SlippageBps uint32 `json:"slippageBps" validate:"lte=1000"`

	// VerifySignatures checks every assertion signature against its payer
	// with EIP-191 personal_sign.
	VerifySignatures bool `json:"verifySignatures,omitempty"`

	DefaultTimeout time.Duration `json:"defaultTimeout,omitempty"`
	LogLevel       string        `json:"logLevel,omitempty" validate:"omitempty,oneof=debug info warn error"`
	EnableMetrics  bool          `json:"enableMetrics,omitempty"`
	RedisURL       string        `json:"redisUrl,omitempty"`
	ListenAddr     string        `json:"listenAddr,omitempty"`

	Clients map[Network]ClientConfig `json:"clients,omitempty"`
}

// ApplyDefaults fills zero-valued durations and modes
func (c *GateConfig) ApplyDefaults() {
	if c.ReplayRetention <= 0 {
		c.ReplayRetention = DefaultReplayRetention
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.MaxAssertionAge <= 0 {
		c.MaxAssertionAge = DefaultMaxAssertionAge
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = DefaultConfirmTimeout
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = DefaultTimeout
	}
	if c.Fingerprint == "" {
		c.Fingerprint = FingerprintPayerNonceTimestamp
	}
	if c.DefaultDescription == "" {
		c.DefaultDescription = DefaultPriceDescription
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate applies defaults and checks that the configuration is usable.
func (c *GateConfig) Validate() error {
	c.ApplyDefaults()

	if err := validate.Struct(c); err != nil {
		return &X402Error{
			Code:    ErrConfigError,
			Message: fmt.Sprintf("invalid gate config: %v", err),
		}
	}

	if c.DefaultPrice.IsNegative() {
		return NewError(ErrConfigError, "default price cannot be negative")
	}

	if c.Network.Family() == ChainUnknown {
		return NewError(ErrUnsupportedNetwork, "unsupported network: %s", c.Network)
	}

	for resource, amount := range c.Prices {
		if strings.TrimSpace(resource) == "" {
			return NewError(ErrConfigError, "price entry with empty resource id")
		}
		d, err := decimal.NewFromString(amount)
		if err != nil || d.IsNegative() {
			return NewError(ErrConfigError, "invalid price %q for resource %s", amount, resource)
		}
	}

	if c.ReplayRetention < c.MaxAssertionAge+MaxClockSkew {
		// a fingerprint evicted before its assertion expires could be replayed
		return NewError(ErrConfigError, "replay retention %s must cover max assertion age %s plus clock skew %s",
			c.ReplayRetention, c.MaxAssertionAge, MaxClockSkew)
	}

	return nil
}

// FindAsset returns the accepted asset matching id
func (c *GateConfig) FindAsset(id string) (AssetInfo, bool) {
	for _, a := range c.AcceptedAssets {
		if a.Matches(id) {
			return a, true
		}
	}
	return AssetInfo{}, false
}

// PrimaryAsset is the asset advertised in payment requests
func (c *GateConfig) PrimaryAsset() AssetInfo {
	if len(c.AcceptedAssets) == 0 {
		return AssetInfo{}
	}
	return c.AcceptedAssets[0]
}
