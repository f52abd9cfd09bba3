package account

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip32"
	"github.com/tyler-smith/go-bip39"

	"github.com/clawtrl/wallet"
)

// NewFromMnemonic derives the account at m/44'/60'/0'/0/{index} from a BIP-39 phrase.
func NewFromMnemonic(mnemonic string, index uint32) (*Account, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, wallet.ErrInvalidMnemonic
	}

	seed := bip39.NewSeed(mnemonic, "")

	key, err := deriveEthereumKey(seed, index)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", wallet.ErrInvalidMnemonic, err)
	}
	return New(key)
}

// deriveEthereumKey follows BIP-44 path m/44'/60'/0'/0/{index}.
func deriveEthereumKey(seed []byte, index uint32) (*ecdsa.PrivateKey, error) {
	key, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, err
	}

	path := []uint32{
		bip32.FirstHardenedChild + 44, // purpose
		bip32.FirstHardenedChild + 60, // ethereum coin type
		bip32.FirstHardenedChild + 0,  // account
		0,                             // external chain
		index,
	}
	for _, child := range path {
		key, err = key.NewChildKey(child)
		if err != nil {
			return nil, err
		}
	}

	return crypto.ToECDSA(key.Key)
}
