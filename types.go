package wallet

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

const (
	// X402VersionV1 is the legacy protocol version carried in the response body.
	X402VersionV1 = 1

	// X402VersionV2 is the current protocol version carried in PAYMENT-* headers.
	X402VersionV2 = 2

	// SchemeExact is the only payment scheme the proxy signs.
	SchemeExact = "exact"
)

// TokenConfig represents configuration for a supported token.
type TokenConfig struct {
	// Address is the token contract address.
	Address string

	// Symbol is the token symbol (e.g., "USDC").
	Symbol string

	// Decimals is the number of decimal places for the token.
	Decimals int

	// Priority is the token's priority level within the signer.
	// Lower numbers indicate higher priority (1 > 2 > 3).
	Priority int

	// Name and Version are the EIP-712 domain values used when the
	// requirement does not carry them in Extra.
	Name    string
	Version string
}

// PaymentRequirement is a single payment option, normalized so signers do not
// need to know which protocol generation produced it.
type PaymentRequirement struct {
	// Scheme is the payment scheme identifier (e.g., "exact").
	Scheme string `json:"scheme"`

	// Network is the x402 v1 network name (e.g., "base"). v2 CAIP-2 ids are
	// translated before a requirement reaches a signer.
	Network string `json:"network"`

	// MaxAmountRequired is the payment amount in atomic units.
	MaxAmountRequired string `json:"maxAmountRequired"`

	// Asset is the token contract address.
	Asset string `json:"asset"`

	// PayTo is the recipient address for the payment.
	PayTo string `json:"payTo"`

	// Resource is the URL of the protected resource.
	Resource string `json:"resource"`

	// Description is an optional human-readable payment description.
	Description string `json:"description"`

	// MimeType is the content type of the protected resource.
	MimeType string `json:"mimeType"`

	// MaxTimeoutSeconds is the validity period for the payment authorization.
	MaxTimeoutSeconds int `json:"maxTimeoutSeconds"`

	// Extra contains scheme-specific additional data (EIP-712 name/version).
	Extra map[string]interface{} `json:"extra"`
}

// PaymentRequirementsResponse is the v1 402 response body.
type PaymentRequirementsResponse struct {
	X402Version int                  `json:"x402Version"`
	Error       string               `json:"error"`
	Accepts     []PaymentRequirement `json:"accepts"`
}

// PaymentPayload is a signed v1 payment sent in the X-PAYMENT header.
type PaymentPayload struct {
	X402Version int    `json:"x402Version"`
	Scheme      string `json:"scheme"`
	Network     string `json:"network"`

	// Payload contains the chain-specific signed payment data (EVMPayload).
	Payload interface{} `json:"payload"`
}

// EVMPayload represents an EVM payment with EIP-3009 authorization.
type EVMPayload struct {
	Signature     string           `json:"signature"`
	Authorization EVMAuthorization `json:"authorization"`
}

// EVMAuthorization represents EIP-3009 transferWithAuthorization parameters.
type EVMAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// SettlementResponse is the server's settlement report (X-PAYMENT-RESPONSE or PAYMENT-RESPONSE).
type SettlementResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network"`
	Payer       string `json:"payer"`
}

// ResourceInfo describes the protected resource in a v2 exchange.
type ResourceInfo struct {
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// PaymentRequirementsV2 is a single v2 payment option.
type PaymentRequirementsV2 struct {
	Scheme            string                 `json:"scheme"`
	Network           string                 `json:"network"`
	Amount            string                 `json:"amount"`
	Asset             string                 `json:"asset"`
	PayTo             string                 `json:"payTo"`
	MaxTimeoutSeconds int                    `json:"maxTimeoutSeconds"`
	Extra             map[string]interface{} `json:"extra,omitempty"`
}

// PaymentRequired is the v2 402 description, carried base64-encoded in the
// PAYMENT-REQUIRED header (or as the body by some servers).
type PaymentRequired struct {
	X402Version int                     `json:"x402Version"`
	Error       string                  `json:"error,omitempty"`
	Resource    ResourceInfo            `json:"resource"`
	Accepts     []PaymentRequirementsV2 `json:"accepts"`
	Extensions  map[string]interface{}  `json:"extensions,omitempty"`
}

// PaymentPayloadV2 is a signed v2 payment sent in the PAYMENT-SIGNATURE header.
type PaymentPayloadV2 struct {
	X402Version int                    `json:"x402Version"`
	Resource    *ResourceInfo          `json:"resource,omitempty"`
	Accepted    PaymentRequirementsV2  `json:"accepted"`
	Payload     interface{}            `json:"payload"`
	Extensions  map[string]interface{} `json:"extensions,omitempty"`
}

// maxUnitDigits is the number of decimal digits in 2^256-1, the largest
// amount a token contract can represent.
const maxUnitDigits = 78

// maxAmountDigits caps the significant digits accepted in a decimal amount.
const maxAmountDigits = 256

// ParseUnits converts a decimal amount string to base units, truncating any
// digits beyond the token precision. For example, "1.5" with 6 decimals
// becomes 1500000. Negative amounts and amounts that do not fit in a uint256
// are rejected.
func ParseUnits(amount string, decimals int) (*big.Int, error) {
	if len(amount) > 2*maxAmountDigits {
		return nil, fmt.Errorf("%w: amount is too long", ErrInvalidAmount)
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("%w: %q is negative", ErrInvalidAmount, amount)
	}
	if d.IsZero() {
		return new(big.Int), nil
	}

	// Bound the scale before Shift or Truncate build any power of ten.
	digits := d.NumDigits()
	if digits > maxAmountDigits {
		return nil, fmt.Errorf("%w: %q has too many digits", ErrInvalidAmount, amount)
	}
	magnitude := int64(digits) + int64(d.Exponent()) + int64(decimals)
	if magnitude > maxUnitDigits {
		return nil, fmt.Errorf("%w: %q is out of range", ErrInvalidAmount, amount)
	}
	if magnitude <= 0 {
		// Smaller than one base unit.
		return new(big.Int), nil
	}

	units := d.Shift(int32(decimals)).Truncate(0).BigInt()
	if units.BitLen() > 256 {
		return nil, fmt.Errorf("%w: %q is out of range", ErrInvalidAmount, amount)
	}
	return units, nil
}

// FormatUnits renders a base-unit integer as a decimal string with exactly
// places fractional digits. Extra precision is truncated, not rounded.
func FormatUnits(value *big.Int, decimals, places int) string {
	if value == nil {
		value = new(big.Int)
	}
	d := decimal.NewFromBigInt(value, -int32(decimals))
	return d.Truncate(int32(places)).StringFixed(int32(places))
}
