// Package metrics records gate and settlement events.
package metrics

import "time"

// Metric names shared by the verifier, the gate and the settlement engine.
const (
	VerifyAccepted     = "verify_accepted"
	VerifyRejected     = "verify_rejected"
	VerifyError        = "verify_error"
	VerifyLatency      = "verify"
	ConfirmLatency     = "onchain_confirm"
	SettleSucceeded    = "settle_succeeded"
	SettleFailed       = "settle_failed"
	ReplayEvicted      = "replay_evicted"
	GaugeTotalBurned   = "total_burned"
	GaugeTotalValue    = "total_value_received"
	GaugeReplayTracked = "replay_fingerprints"
)

type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
}

// OrNoop returns r, or a NoopRecorder when r is nil
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return NoopRecorder{}
	}
	return r
}
