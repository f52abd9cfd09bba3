package wallet

import (
	"math/big"
	"sort"
	"strings"
)

// PaymentSelector selects the appropriate signer and creates a payment.
type PaymentSelector interface {
	// SelectAndSign chooses the best (requirement, signer) pair and signs it.
	// It returns the payment and the requirement that was paid.
	SelectAndSign(requirements []PaymentRequirement, signers []Signer) (*PaymentPayload, *PaymentRequirement, error)
}

// DefaultPaymentSelector implements the standard payment selection algorithm.
// It selects signers based on:
// 1. Ability to satisfy requirements (network and token match)
// 2. Signer priority (lower number = higher priority)
// 3. Token priority within the signer
// 4. Order of requirements in the 402 response (for ties)
type DefaultPaymentSelector struct{}

// NewDefaultPaymentSelector creates a new DefaultPaymentSelector.
func NewDefaultPaymentSelector() *DefaultPaymentSelector {
	return &DefaultPaymentSelector{}
}

// SelectAndSign implements PaymentSelector.
func (s *DefaultPaymentSelector) SelectAndSign(requirements []PaymentRequirement, signers []Signer) (*PaymentPayload, *PaymentRequirement, error) {
	if len(signers) == 0 {
		return nil, nil, NewPaymentError(ErrCodeNoValidSigner, "no signers configured", ErrNoValidSigner)
	}
	if len(requirements) == 0 {
		return nil, nil, NewPaymentError(ErrCodeInvalidRequirements, "no payment requirements", ErrInvalidRequirements)
	}

	var (
		candidates []signerCandidate
		overLimit  *PaymentRequirement
	)
	for i := range requirements {
		req := &requirements[i]

		requiredAmount, ok := new(big.Int).SetString(req.MaxAmountRequired, 10)
		if !ok {
			continue
		}

		for _, signer := range signers {
			if !signer.CanSign(req) {
				continue
			}

			if maxAmount := signer.GetMaxAmount(); maxAmount != nil && requiredAmount.Cmp(maxAmount) > 0 {
				overLimit = req
				continue
			}

			tokenPriority := 0
			for _, token := range signer.GetTokens() {
				if strings.EqualFold(token.Address, req.Asset) {
					tokenPriority = token.Priority
					break
				}
			}

			candidates = append(candidates, signerCandidate{
				signer:         signer,
				requirement:    req,
				signerPriority: signer.GetPriority(),
				tokenPriority:  tokenPriority,
			})
		}
	}

	if len(candidates) == 0 {
		if overLimit != nil {
			return nil, nil, NewPaymentError(ErrCodeAmountExceeded, "payment exceeds per-call limit", ErrAmountExceeded).
				WithDetails("network", overLimit.Network).
				WithDetails("asset", overLimit.Asset).
				WithDetails("amount", overLimit.MaxAmountRequired)
		}
		first := requirements[0]
		return nil, nil, NewPaymentError(ErrCodeNoValidSigner, "no signer can satisfy requirements", ErrNoValidSigner).
			WithDetails("network", first.Network).
			WithDetails("asset", first.Asset).
			WithDetails("amount", first.MaxAmountRequired)
	}

	// Stable so the server's ordering breaks ties.
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].signerPriority != candidates[j].signerPriority {
			return candidates[i].signerPriority < candidates[j].signerPriority
		}
		return candidates[i].tokenPriority < candidates[j].tokenPriority
	})

	selected := candidates[0]
	payment, err := selected.signer.Sign(selected.requirement)
	if err != nil {
		return nil, nil, NewPaymentError(ErrCodeSigningFailed, "failed to sign payment", err)
	}

	return payment, selected.requirement, nil
}

// signerCandidate represents a signer that can satisfy one of the payment requirements.
type signerCandidate struct {
	signer         Signer
	requirement    *PaymentRequirement
	signerPriority int
	tokenPriority  int
}
