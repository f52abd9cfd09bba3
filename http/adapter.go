package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/clawtrl/wallet"
	"github.com/clawtrl/wallet/encoding"
)

// Header names used by the two protocol generations.
const (
	HeaderPaymentRequired  = "PAYMENT-REQUIRED"
	HeaderPaymentSignature = "PAYMENT-SIGNATURE"
	HeaderPaymentResponse  = "PAYMENT-RESPONSE"

	HeaderXPayment         = "X-PAYMENT"
	HeaderXPaymentResponse = "X-PAYMENT-RESPONSE"
)

// Payment is a signed authorization ready to be attached to a retry.
type Payment struct {
	// Header and Value are set on the retried request.
	Header string
	Value  string
	// SettlementHeader names the response header carrying the settlement.
	SettlementHeader string
	// Requirement is the option that was paid, in v1 form.
	Requirement wallet.PaymentRequirement
}

// Adapter turns a 402 response into a payment for one protocol generation.
//
// An adapter that does not understand the response returns an error wrapping
// wallet.ErrUnsupportedVersion; the transport then tries the next adapter.
type Adapter interface {
	Name() string
	Prepare(resp *http.Response, body []byte) (*Payment, error)
}

// V2Adapter speaks the current protocol: requirements in the PAYMENT-REQUIRED
// header, payment in PAYMENT-SIGNATURE.
type V2Adapter struct {
	Signers  []wallet.Signer
	Selector wallet.PaymentSelector
}

// NewV2Adapter creates a V2Adapter using the default selector.
func NewV2Adapter(signers ...wallet.Signer) *V2Adapter {
	return &V2Adapter{Signers: signers, Selector: wallet.NewDefaultPaymentSelector()}
}

// Name implements Adapter.
func (a *V2Adapter) Name() string { return "v2" }

// Prepare implements Adapter.
func (a *V2Adapter) Prepare(resp *http.Response, body []byte) (*Payment, error) {
	required, err := parsePaymentRequired(resp, body)
	if err != nil {
		return nil, err
	}

	requirements := make([]wallet.PaymentRequirement, len(required.Accepts))
	for i, accept := range required.Accepts {
		requirements[i] = fromV2(accept, required.Resource)
	}

	payment, selected, err := a.Selector.SelectAndSign(requirements, a.Signers)
	if err != nil {
		return nil, err
	}

	idx := 0
	for i := range requirements {
		if &requirements[i] == selected {
			idx = i
			break
		}
	}

	resource := required.Resource
	value, err := encoding.EncodePaymentV2(wallet.PaymentPayloadV2{
		X402Version: wallet.X402VersionV2,
		Resource:    &resource,
		Accepted:    required.Accepts[idx],
		Payload:     payment.Payload,
		Extensions:  required.Extensions,
	})
	if err != nil {
		return nil, wallet.NewPaymentError(wallet.ErrCodeSigningFailed, "failed to encode payment", err)
	}

	return &Payment{
		Header:           HeaderPaymentSignature,
		Value:            value,
		SettlementHeader: HeaderPaymentResponse,
		Requirement:      *selected,
	}, nil
}

func parsePaymentRequired(resp *http.Response, body []byte) (wallet.PaymentRequired, error) {
	if header := resp.Header.Get(HeaderPaymentRequired); header != "" {
		required, err := encoding.DecodePaymentRequired(header)
		if err != nil {
			return required, fmt.Errorf("%w: %v", wallet.ErrUnsupportedVersion, err)
		}
		return checkV2(required)
	}

	var required wallet.PaymentRequired
	if err := json.Unmarshal(body, &required); err != nil {
		return required, fmt.Errorf("%w: no %s header and body is not JSON", wallet.ErrUnsupportedVersion, HeaderPaymentRequired)
	}
	return checkV2(required)
}

func checkV2(required wallet.PaymentRequired) (wallet.PaymentRequired, error) {
	if required.X402Version != wallet.X402VersionV2 {
		return required, fmt.Errorf("%w: x402Version %d", wallet.ErrUnsupportedVersion, required.X402Version)
	}
	if len(required.Accepts) == 0 {
		return required, fmt.Errorf("%w: no payment options", wallet.ErrUnsupportedVersion)
	}
	return required, nil
}

// fromV2 maps a v2 option onto the v1 requirement shape the signers use.
// CAIP-2 networks are translated to their short names when known.
func fromV2(accept wallet.PaymentRequirementsV2, resource wallet.ResourceInfo) wallet.PaymentRequirement {
	network := accept.Network
	if chain, err := wallet.LookupChain(network); err == nil {
		network = chain.NetworkID
	}
	return wallet.PaymentRequirement{
		Scheme:            accept.Scheme,
		Network:           network,
		MaxAmountRequired: accept.Amount,
		Asset:             accept.Asset,
		PayTo:             accept.PayTo,
		Resource:          resource.URL,
		Description:       resource.Description,
		MimeType:          resource.MimeType,
		MaxTimeoutSeconds: accept.MaxTimeoutSeconds,
		Extra:             accept.Extra,
	}
}

// V1Adapter speaks the legacy protocol: requirements in the 402 body,
// payment in X-PAYMENT.
type V1Adapter struct {
	Signers  []wallet.Signer
	Selector wallet.PaymentSelector
}

// NewV1Adapter creates a V1Adapter using the default selector.
func NewV1Adapter(signers ...wallet.Signer) *V1Adapter {
	return &V1Adapter{Signers: signers, Selector: wallet.NewDefaultPaymentSelector()}
}

// Name implements Adapter.
func (a *V1Adapter) Name() string { return "v1" }

// Prepare implements Adapter.
func (a *V1Adapter) Prepare(_ *http.Response, body []byte) (*Payment, error) {
	requirements, err := parsePaymentRequirements(body)
	if err != nil {
		return nil, err
	}

	payment, selected, err := a.Selector.SelectAndSign(requirements, a.Signers)
	if err != nil {
		return nil, err
	}

	value, err := encoding.EncodePayment(*payment)
	if err != nil {
		return nil, wallet.NewPaymentError(wallet.ErrCodeSigningFailed, "failed to encode payment", err)
	}

	return &Payment{
		Header:           HeaderXPayment,
		Value:            value,
		SettlementHeader: HeaderXPaymentResponse,
		Requirement:      *selected,
	}, nil
}

// parsePaymentRequirements extracts v1 payment requirements from a 402 body.
func parsePaymentRequirements(body []byte) ([]wallet.PaymentRequirement, error) {
	var response wallet.PaymentRequirementsResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("%w: body is not a payment requirements document", wallet.ErrUnsupportedVersion)
	}
	if response.X402Version != wallet.X402VersionV1 {
		return nil, fmt.Errorf("%w: x402Version %d", wallet.ErrUnsupportedVersion, response.X402Version)
	}
	if len(response.Accepts) == 0 {
		return nil, fmt.Errorf("%w: no payment requirements in response", wallet.ErrUnsupportedVersion)
	}
	return response.Accepts, nil
}

// skippable reports whether an adapter declined to pay without spending
// anything, so the next adapter may try.
func skippable(err error) bool {
	return errors.Is(err, wallet.ErrUnsupportedVersion) || errors.Is(err, wallet.ErrNoValidSigner)
}
