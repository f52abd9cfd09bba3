package wallet

import "time"

// PaymentEventType identifies a stage of a payment.
type PaymentEventType string

const (
	PaymentEventAttempt PaymentEventType = "attempt"
	PaymentEventSuccess PaymentEventType = "success"
	PaymentEventFailure PaymentEventType = "failure"
)

// PaymentEvent describes one payment attempt made on behalf of an outbound fetch.
type PaymentEvent struct {
	Type      PaymentEventType
	Timestamp time.Time
	// Protocol is the adapter that produced the payment ("v2" or "v1").
	Protocol  string
	Method    string
	URL       string
	Network   string
	Scheme    string
	Amount    string
	Asset     string
	Recipient string

	Transaction string
	Payer       string
	// Status is the upstream status of the paid retry, when there was one.
	Status   int
	Error    error
	Duration time.Duration
}

// PaymentCallback receives payment events. Callbacks run synchronously on
// the request goroutine and must not block.
type PaymentCallback func(PaymentEvent)
