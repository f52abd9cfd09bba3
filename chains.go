// Package wallet holds the chain context, x402 payment wire types, payment signer
// contracts and unit helpers shared by the signing proxy's packages.
//
// A running proxy selects exactly one ChainConfig at startup and never switches it.
package wallet

import (
	"fmt"
	"math/big"
	"strings"
)

// ChainConfig is the immutable chain context for a proxy instance.
type ChainConfig struct {
	// NetworkID is the x402 v1 network name (e.g., "base").
	NetworkID string

	// CAIP2 is the CAIP-2 chain identifier used by x402 v2 (e.g., "eip155:8453").
	CAIP2 string

	// ChainID is the numeric EVM chain id.
	ChainID int64

	// RPCURL is the default JSON-RPC endpoint.
	RPCURL string

	// NativeDecimals is the native token precision (always 18 on EVM chains).
	NativeDecimals uint8

	// USDCAddress is the official Circle USDC contract address.
	USDCAddress string

	// Decimals is the number of decimal places for USDC (always 6).
	Decimals uint8

	// EIP3009Name is the EIP-712 domain "name" of the USDC contract.
	EIP3009Name string

	// EIP3009Version is the EIP-712 domain "version" of the USDC contract.
	EIP3009Version string
}

var (
	// BaseMainnet is the configuration for Base mainnet.
	BaseMainnet = ChainConfig{
		NetworkID:      "base",
		CAIP2:          "eip155:8453",
		ChainID:        8453,
		RPCURL:         "https://mainnet.base.org",
		NativeDecimals: 18,
		USDCAddress:    "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		Decimals:       6,
		EIP3009Name:    "USD Coin",
		EIP3009Version: "2",
	}

	// BaseSepolia is the configuration for the Base Sepolia testnet.
	BaseSepolia = ChainConfig{
		NetworkID:      "base-sepolia",
		CAIP2:          "eip155:84532",
		ChainID:        84532,
		RPCURL:         "https://sepolia.base.org",
		NativeDecimals: 18,
		USDCAddress:    "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Decimals:       6,
		EIP3009Name:    "USDC",
		EIP3009Version: "2",
	}
)

var knownChains = []ChainConfig{BaseMainnet, BaseSepolia}

// LookupChain resolves a network name ("base") or CAIP-2 id ("eip155:8453").
func LookupChain(network string) (ChainConfig, error) {
	network = strings.TrimSpace(network)
	if network == "" {
		return ChainConfig{}, fmt.Errorf("%w: network cannot be empty", ErrInvalidNetwork)
	}
	for _, c := range knownChains {
		if strings.EqualFold(c.NetworkID, network) || strings.EqualFold(c.CAIP2, network) {
			return c, nil
		}
	}
	return ChainConfig{}, fmt.Errorf("%w: %s", ErrInvalidNetwork, network)
}

// ChainIDBig returns the chain id as a *big.Int.
func (c ChainConfig) ChainIDBig() *big.Int {
	return big.NewInt(c.ChainID)
}

// Matches reports whether network names this chain, either by x402 v1 name or CAIP-2 id.
func (c ChainConfig) Matches(network string) bool {
	return strings.EqualFold(c.NetworkID, network) || strings.EqualFold(c.CAIP2, network)
}

// NewUSDCTokenConfig creates a TokenConfig for USDC on the given chain with the specified priority.
func NewUSDCTokenConfig(chain ChainConfig, priority int) TokenConfig {
	return TokenConfig{
		Address:  chain.USDCAddress,
		Symbol:   "USDC",
		Decimals: int(chain.Decimals),
		Priority: priority,
		Name:     chain.EIP3009Name,
		Version:  chain.EIP3009Version,
	}
}
