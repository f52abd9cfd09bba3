// Package account holds the proxy's single signing identity.
//
// The private key never leaves an Account: callers get an address and
// signatures, and every String/LogValue rendering shows the address only.
package account

import (
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/clawtrl/wallet"
)

// Account is an EVM signing identity backed by an in-memory private key.
type Account struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// New wraps an existing key.
func New(key *ecdsa.PrivateKey) (*Account, error) {
	if key == nil {
		return nil, wallet.ErrInvalidKey
	}
	return &Account{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// NewFromHex parses a hex private key, with or without the 0x prefix.
func NewFromHex(hexKey string) (*Account, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")

	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		// The parse error may echo key material, so it is not wrapped.
		return nil, wallet.ErrInvalidKey
	}
	return New(key)
}

// Address returns the account address.
func (a *Account) Address() common.Address {
	return a.address
}

// SignMessage produces an EIP-191 personal_sign signature over msg with v in {27, 28}.
func (a *Account) SignMessage(msg []byte) ([]byte, error) {
	return a.signWithRecoveryOffset(accounts.TextHash(msg))
}

// SignTypedData produces an EIP-712 signature with v in {27, 28}.
func (a *Account) SignTypedData(typedData apitypes.TypedData) ([]byte, error) {
	digest, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return nil, fmt.Errorf("failed to hash typed data: %w", err)
	}
	return a.signWithRecoveryOffset(digest)
}

// SignTx signs a transaction for the given chain.
func (a *Account) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), a.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", wallet.ErrSigningFailed, err)
	}
	return signed, nil
}

func (a *Account) signWithRecoveryOffset(digest []byte) ([]byte, error) {
	sig, err := crypto.Sign(digest, a.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", wallet.ErrSigningFailed, err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// String returns the checksummed address.
func (a *Account) String() string {
	return a.address.Hex()
}

// LogValue implements slog.LogValuer so the key can never reach a log line.
func (a *Account) LogValue() slog.Value {
	return slog.StringValue(a.address.Hex())
}

// RecoverMessageSigner returns the address that produced an EIP-191 signature over msg.
func RecoverMessageSigner(msg, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("invalid signature length %d", len(sig))
	}
	normalized := make([]byte, len(sig))
	copy(normalized, sig)
	if normalized[crypto.RecoveryIDOffset] >= 27 {
		normalized[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash(msg), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
