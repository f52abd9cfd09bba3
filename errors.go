package wallet

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoValidSigner indicates that no configured signer can satisfy the payment requirements.
	ErrNoValidSigner = errors.New("wallet: no signer can satisfy payment requirements")

	// ErrAmountExceeded indicates that a payment exceeds the per-call spending limit.
	ErrAmountExceeded = errors.New("wallet: payment amount exceeds per-call limit")

	// ErrInvalidRequirements indicates the 402 response carried unusable payment requirements.
	ErrInvalidRequirements = errors.New("wallet: invalid payment requirements")

	// ErrSigningFailed indicates that producing a signature failed.
	ErrSigningFailed = errors.New("wallet: signing failed")

	// ErrInvalidAmount indicates an amount that cannot be parsed or is out of range.
	ErrInvalidAmount = errors.New("wallet: invalid amount")

	// ErrInvalidKey indicates missing or malformed private key material.
	ErrInvalidKey = errors.New("wallet: invalid private key")

	// ErrInvalidNetwork indicates an unknown or unsupported network.
	ErrInvalidNetwork = errors.New("wallet: invalid or unsupported network")

	// ErrInvalidMnemonic indicates a mnemonic phrase that fails BIP-39 validation.
	ErrInvalidMnemonic = errors.New("wallet: invalid mnemonic phrase")

	// ErrNoTokens indicates a payment signer configured without any token.
	ErrNoTokens = errors.New("wallet: no tokens configured")

	// ErrMalformedHeader indicates a payment header that is not base64 JSON.
	ErrMalformedHeader = errors.New("wallet: malformed payment header")

	// ErrUnsupportedVersion indicates an x402 protocol version the adapter does not speak.
	ErrUnsupportedVersion = errors.New("wallet: unsupported protocol version")

	// ErrUnsupportedScheme indicates a payment scheme other than "exact".
	ErrUnsupportedScheme = errors.New("wallet: unsupported payment scheme")
)

// ErrorCode classifies a PaymentError.
type ErrorCode string

const (
	ErrCodeNoValidSigner       ErrorCode = "NO_VALID_SIGNER"
	ErrCodeAmountExceeded      ErrorCode = "AMOUNT_EXCEEDED"
	ErrCodeInvalidRequirements ErrorCode = "INVALID_REQUIREMENTS"
	ErrCodeSigningFailed       ErrorCode = "SIGNING_FAILED"
)

// PaymentError carries a code and optional details alongside the underlying cause.
type PaymentError struct {
	Code    ErrorCode
	Message string
	Err     error
	Details map[string]interface{}
}

// NewPaymentError creates a PaymentError with an initialized Details map.
func NewPaymentError(code ErrorCode, message string, err error) *PaymentError {
	return &PaymentError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// WithDetails attaches a key/value pair and returns the receiver for chaining.
func (e *PaymentError) WithDetails(key string, value interface{}) *PaymentError {
	e.Details[key] = value
	return e
}

func (e *PaymentError) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *PaymentError) Unwrap() error {
	return e.Err
}
