// Package metrics records payment and gate outcomes.
package metrics

import "time"

// Event names
const (
	PaymentVerified = "payment_verified"
	PaymentRejected = "payment_rejected"
	ReplayBlocked   = "replay_blocked"
	GateAuthorized  = "gate_authorized"
	GateDenied      = "gate_denied"
	OperationVerify = "verify"
	OperationGate   = "gate"
)

// Label keys
const (
	LabelNetwork = "network"
	LabelReason  = "reason"
	LabelScheme  = "scheme"
)

// Recorder receives counters and latencies. Label values must come from a
// bounded set.
type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}

// OrNoop returns r, or a NoopRecorder when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return NoopRecorder{}
	}
	return r
}
