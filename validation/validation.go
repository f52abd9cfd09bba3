// Package validation checks payment requirements and user-supplied amounts
// and addresses before anything is signed.
package validation

import (
	"fmt"
	"math/big"
	"regexp"

	"github.com/shopspring/decimal"

	"github.com/clawtrl/wallet"
)

// evmAddressRegex matches Ethereum-style addresses (0x followed by 40 hex chars)
var evmAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

// ValidateAmount validates that an atomic amount string is a positive integer.
func ValidateAmount(amount string) error {
	if amount == "" {
		return fmt.Errorf("amount cannot be empty")
	}

	amt, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return fmt.Errorf("invalid amount format: %s", amount)
	}

	if amt.Sign() <= 0 {
		return fmt.Errorf("amount must be greater than 0, got: %s", amount)
	}

	return nil
}

// ValidateDecimalAmount validates a human-unit amount such as "0.5" and
// checks that it is still non-zero once truncated to decimals places.
func ValidateDecimalAmount(amount string, decimals int) error {
	if amount == "" {
		return fmt.Errorf("%w: amount cannot be empty", wallet.ErrInvalidAmount)
	}

	units, err := wallet.ParseUnits(amount, decimals)
	if err != nil {
		return err
	}
	if units.Sign() > 0 {
		return nil
	}

	// ParseUnits accepted it, so it is a bounded, non-negative decimal.
	if d, _ := decimal.NewFromString(amount); d.IsZero() {
		return fmt.Errorf("%w: amount must be greater than 0, got: %s", wallet.ErrInvalidAmount, amount)
	}
	return fmt.Errorf("%w: %s is below the token precision of %d decimals", wallet.ErrInvalidAmount, amount, decimals)
}

// ValidateAddress validates an EVM address.
func ValidateAddress(address string) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}
	if !evmAddressRegex.MatchString(address) {
		return fmt.Errorf("invalid EVM address format: %s (expected 0x followed by 40 hex characters)", address)
	}
	return nil
}

// ValidatePaymentRequirement checks that a requirement is complete enough to
// sign: positive amount, known network, valid addresses and the exact scheme.
func ValidatePaymentRequirement(req wallet.PaymentRequirement) error {
	if err := ValidateAmount(req.MaxAmountRequired); err != nil {
		return fmt.Errorf("%w: %v", wallet.ErrInvalidRequirements, err)
	}

	if req.Network == "" {
		return fmt.Errorf("%w: network cannot be empty", wallet.ErrInvalidRequirements)
	}
	if _, err := wallet.LookupChain(req.Network); err != nil {
		return fmt.Errorf("%w: %v", wallet.ErrInvalidRequirements, err)
	}

	if err := ValidateAddress(req.PayTo); err != nil {
		return fmt.Errorf("%w: payTo %v", wallet.ErrInvalidRequirements, err)
	}

	if req.Asset == "" {
		return fmt.Errorf("%w: asset address cannot be empty", wallet.ErrInvalidRequirements)
	}
	if err := ValidateAddress(req.Asset); err != nil {
		return fmt.Errorf("%w: asset %v", wallet.ErrInvalidRequirements, err)
	}

	switch req.Scheme {
	case wallet.SchemeExact:
	case "":
		return fmt.Errorf("%w: scheme cannot be empty", wallet.ErrInvalidRequirements)
	default:
		return fmt.Errorf("%w: %s", wallet.ErrUnsupportedScheme, req.Scheme)
	}

	if req.MaxTimeoutSeconds < 0 {
		return fmt.Errorf("%w: timeout cannot be negative: %d", wallet.ErrInvalidRequirements, req.MaxTimeoutSeconds)
	}

	if req.Extra != nil {
		if name, ok := req.Extra["name"].(string); ok && name == "" {
			return fmt.Errorf("%w: EIP-3009 name cannot be empty", wallet.ErrInvalidRequirements)
		}
		if version, ok := req.Extra["version"].(string); ok && version == "" {
			return fmt.Errorf("%w: EIP-3009 version cannot be empty", wallet.ErrInvalidRequirements)
		}
	}

	return nil
}
