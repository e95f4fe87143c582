package x402

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/vitwit/x402-burn/logger"
	"github.com/vitwit/x402-burn/metrics"
	"github.com/vitwit/x402-burn/replay"
	"github.com/vitwit/x402-burn/settlement"
	"github.com/vitwit/x402-burn/verification"
)

type Option func(*X402)

func WithLogger(l logger.Logger) Option {
	return func(x *X402) {
		x.logger = logger.OrNoop(l)
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(x *X402) {
		x.metrics = metrics.OrNoop(r)
	}
}

func WithTimeout(t time.Duration) Option {
	return func(x *X402) {
		x.timeout = t
	}
}

// WithReplayCache replaces the cache chosen from the config
func WithReplayCache(c replay.Cache) Option {
	return func(x *X402) {
		x.cache = c
	}
}

// WithEngine settles accepted payments into e, calling it as settler
func WithEngine(e *settlement.Engine, settler common.Address) Option {
	return func(x *X402) {
		x.engine = e
		x.settlerAddr = settler
	}
}

func WithClock(now func() time.Time) Option {
	return func(x *X402) {
		x.now = now
	}
}

func WithSignatureChecker(c verification.SignatureChecker) Option {
	return func(x *X402) {
		x.signatures = c
	}
}
