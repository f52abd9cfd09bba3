// Package metrics records proxy events: requests served, payments made and
// transfers submitted.
package metrics

import "time"

// Recorder receives counters and latencies. Labels not known to an
// implementation are ignored.
type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}

// Event names.
const (
	EventRequest        = "request"
	EventPaymentAttempt = "payment_attempt"
	EventPaymentSuccess = "payment_success"
	EventPaymentFailure = "payment_failure"
	EventTransfer       = "transfer"
)
