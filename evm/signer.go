// Package evm signs x402 "exact" payments on EVM chains with EIP-3009
// transferWithAuthorization over EIP-712.
package evm

import (
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/clawtrl/wallet"
	"github.com/clawtrl/wallet/validation"
)

var _ wallet.Signer = (*Signer)(nil)

// TypedDataSigner is the part of an account the payment signer needs.
type TypedDataSigner interface {
	Address() common.Address
	SignTypedData(typedData apitypes.TypedData) ([]byte, error)
}

// Signer implements the wallet.Signer interface for one EVM chain.
type Signer struct {
	account   TypedDataSigner
	chain     wallet.ChainConfig
	tokens    []wallet.TokenConfig
	priority  int
	maxAmount *big.Int
	now       func() time.Time
	nonce     func() (common.Hash, error)
}

// SignerOption configures a Signer.
type SignerOption func(*Signer) error

// NewSigner creates a new EVM payment signer for account on chain.
func NewSigner(account TypedDataSigner, chain wallet.ChainConfig, opts ...SignerOption) (*Signer, error) {
	if account == nil {
		return nil, wallet.ErrInvalidKey
	}
	if chain.NetworkID == "" || chain.ChainID == 0 {
		return nil, wallet.ErrInvalidNetwork
	}

	s := &Signer{
		account: account,
		chain:   chain,
		now:     time.Now,
		nonce:   RandomNonce,
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if len(s.tokens) == 0 {
		return nil, wallet.ErrNoTokens
	}

	return s, nil
}

// WithToken adds a token configuration.
func WithToken(token wallet.TokenConfig) SignerOption {
	return func(s *Signer) error {
		s.tokens = append(s.tokens, token)
		return nil
	}
}

// WithMaxAmountPerCall sets the maximum amount, in atomic units, per payment.
func WithMaxAmountPerCall(amount *big.Int) SignerOption {
	return func(s *Signer) error {
		if amount == nil || amount.Sign() < 0 {
			return wallet.ErrInvalidAmount
		}
		s.maxAmount = new(big.Int).Set(amount)
		return nil
	}
}

// WithClock overrides the time source used for the validity window.
func WithClock(now func() time.Time) SignerOption {
	return func(s *Signer) error {
		s.now = now
		return nil
	}
}

// WithNonceSource overrides the authorization nonce generator.
func WithNonceSource(nonce func() (common.Hash, error)) SignerOption {
	return func(s *Signer) error {
		s.nonce = nonce
		return nil
	}
}

// Network implements wallet.Signer.
func (s *Signer) Network() string {
	return s.chain.NetworkID
}

// Scheme implements wallet.Signer.
func (s *Signer) Scheme() string {
	return wallet.SchemeExact
}

// CanSign implements wallet.Signer.
func (s *Signer) CanSign(requirements *wallet.PaymentRequirement) bool {
	if !s.chain.Matches(requirements.Network) {
		return false
	}
	if requirements.Scheme != wallet.SchemeExact {
		return false
	}
	_, ok := s.token(requirements.Asset)
	return ok
}

// Sign implements wallet.Signer.
func (s *Signer) Sign(requirements *wallet.PaymentRequirement) (*wallet.PaymentPayload, error) {
	if !s.CanSign(requirements) {
		return nil, wallet.ErrNoValidSigner
	}
	if err := validation.ValidatePaymentRequirement(*requirements); err != nil {
		return nil, wallet.NewPaymentError(wallet.ErrCodeInvalidRequirements, "refusing to sign", err)
	}

	amount, _ := new(big.Int).SetString(requirements.MaxAmountRequired, 10)
	if s.maxAmount != nil && amount.Cmp(s.maxAmount) > 0 {
		return nil, wallet.ErrAmountExceeded
	}

	token, _ := s.token(requirements.Asset)
	name, version := domainFor(requirements, token)

	nonce, err := s.nonce()
	if err != nil {
		return nil, err
	}

	auth := CreateEIP3009Authorization(
		s.account.Address(),
		common.HexToAddress(requirements.PayTo),
		amount,
		requirements.MaxTimeoutSeconds,
		s.now(),
		nonce,
	)

	sig, err := s.account.SignTypedData(TransferAuthorizationTypedData(
		common.HexToAddress(token.Address),
		s.chain.ChainIDBig(),
		auth,
		name,
		version,
	))
	if err != nil {
		return nil, wallet.NewPaymentError(wallet.ErrCodeSigningFailed, "failed to sign authorization", err)
	}

	return &wallet.PaymentPayload{
		X402Version: wallet.X402VersionV1,
		Scheme:      wallet.SchemeExact,
		Network:     s.chain.NetworkID,
		Payload: wallet.EVMPayload{
			Signature: hexutil.Encode(sig),
			Authorization: wallet.EVMAuthorization{
				From:        auth.From.Hex(),
				To:          auth.To.Hex(),
				Value:       auth.Value.String(),
				ValidAfter:  auth.ValidAfter.String(),
				ValidBefore: auth.ValidBefore.String(),
				Nonce:       auth.Nonce.Hex(),
			},
		},
	}, nil
}

// GetPriority implements wallet.Signer.
func (s *Signer) GetPriority() int {
	return s.priority
}

// GetTokens implements wallet.Signer.
func (s *Signer) GetTokens() []wallet.TokenConfig {
	return s.tokens
}

// GetMaxAmount implements wallet.Signer.
func (s *Signer) GetMaxAmount() *big.Int {
	return s.maxAmount
}

func (s *Signer) token(asset string) (wallet.TokenConfig, bool) {
	for _, token := range s.tokens {
		if strings.EqualFold(token.Address, asset) {
			return token, true
		}
	}
	return wallet.TokenConfig{}, false
}

// domainFor prefers the EIP-712 name/version advertised by the server.
func domainFor(req *wallet.PaymentRequirement, token wallet.TokenConfig) (string, string) {
	name, version := token.Name, token.Version
	if v, ok := req.Extra["name"].(string); ok && v != "" {
		name = v
	}
	if v, ok := req.Extra["version"].(string); ok && v != "" {
		version = v
	}
	return name, version
}
