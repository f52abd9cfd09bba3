// Package encoding converts x402 payment data to and from the base64 JSON
// form carried in HTTP headers. Both the legacy (v1) and current (v2)
// header payloads are covered.
package encoding

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/clawtrl/wallet"
)

func encode(v interface{}, what string) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s: %w", what, err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func decode(encoded string, v interface{}, what string) error {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return fmt.Errorf("%w: empty %s", wallet.ErrMalformedHeader, what)
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		// Some servers emit unpadded or URL-safe base64.
		if data, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(encoded, "=")); err != nil {
			return fmt.Errorf("%w: failed to decode base64 %s: %v", wallet.ErrMalformedHeader, what, err)
		}
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: failed to unmarshal %s: %v", wallet.ErrMalformedHeader, what, err)
	}
	return nil
}

// EncodePayment converts a v1 PaymentPayload to the X-PAYMENT header value.
func EncodePayment(payment wallet.PaymentPayload) (string, error) {
	return encode(payment, "payment")
}

// DecodePayment parses an X-PAYMENT header value.
func DecodePayment(encoded string) (wallet.PaymentPayload, error) {
	var payment wallet.PaymentPayload
	err := decode(encoded, &payment, "payment")
	return payment, err
}

// EncodePaymentV2 converts a v2 PaymentPayloadV2 to the PAYMENT-SIGNATURE header value.
func EncodePaymentV2(payment wallet.PaymentPayloadV2) (string, error) {
	return encode(payment, "payment")
}

// DecodePaymentV2 parses a PAYMENT-SIGNATURE header value.
func DecodePaymentV2(encoded string) (wallet.PaymentPayloadV2, error) {
	var payment wallet.PaymentPayloadV2
	err := decode(encoded, &payment, "payment")
	return payment, err
}

// EncodeSettlement converts a SettlementResponse to base64-encoded JSON.
func EncodeSettlement(settlement wallet.SettlementResponse) (string, error) {
	return encode(settlement, "settlement")
}

// DecodeSettlement parses an X-PAYMENT-RESPONSE or PAYMENT-RESPONSE header value.
func DecodeSettlement(encoded string) (wallet.SettlementResponse, error) {
	var settlement wallet.SettlementResponse
	err := decode(encoded, &settlement, "settlement")
	return settlement, err
}

// EncodeRequirements converts a v1 PaymentRequirementsResponse to base64-encoded JSON.
func EncodeRequirements(requirements wallet.PaymentRequirementsResponse) (string, error) {
	return encode(requirements, "requirements")
}

// DecodeRequirements parses base64-encoded v1 requirements.
func DecodeRequirements(encoded string) (wallet.PaymentRequirementsResponse, error) {
	var requirements wallet.PaymentRequirementsResponse
	err := decode(encoded, &requirements, "requirements")
	return requirements, err
}

// EncodePaymentRequired converts a v2 PaymentRequired to the PAYMENT-REQUIRED header value.
func EncodePaymentRequired(required wallet.PaymentRequired) (string, error) {
	return encode(required, "payment required")
}

// DecodePaymentRequired parses a PAYMENT-REQUIRED header value.
func DecodePaymentRequired(encoded string) (wallet.PaymentRequired, error) {
	var required wallet.PaymentRequired
	err := decode(encoded, &required, "payment required")
	return required, err
}
