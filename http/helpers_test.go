package http

import (
	"encoding/json"
	"math/big"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/clawtrl/wallet"
	"github.com/clawtrl/wallet/account"
	"github.com/clawtrl/wallet/encoding"
	"github.com/clawtrl/wallet/evm"
)

const (
	testKey   = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testPayTo = "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"
)

func newTestAccount(t *testing.T) *account.Account {
	t.Helper()
	acct, err := account.NewFromHex(testKey)
	require.NoError(t, err)
	return acct
}

func newTestPaymentSigner(t *testing.T, opts ...evm.SignerOption) *evm.Signer {
	t.Helper()
	opts = append([]evm.SignerOption{evm.WithToken(wallet.NewUSDCTokenConfig(wallet.BaseMainnet, 1))}, opts...)
	s, err := evm.NewSigner(newTestAccount(t), wallet.BaseMainnet, opts...)
	require.NoError(t, err)
	return s
}

func maxAmount(v int64) evm.SignerOption {
	return evm.WithMaxAmountPerCall(big.NewInt(v))
}

func v1Requirements(amount string) []byte {
	body, _ := json.Marshal(wallet.PaymentRequirementsResponse{
		X402Version: 1,
		Error:       "Payment required",
		Accepts: []wallet.PaymentRequirement{{
			Scheme:            "exact",
			Network:           "base",
			MaxAmountRequired: amount,
			Asset:             wallet.BaseMainnet.USDCAddress,
			PayTo:             testPayTo,
			Resource:          "https://api.example.com/premium",
			MaxTimeoutSeconds: 60,
			Extra:             map[string]interface{}{"name": "USD Coin", "version": "2"},
		}},
	})
	return body
}

func v2Required(amount string) wallet.PaymentRequired {
	return wallet.PaymentRequired{
		X402Version: 2,
		Resource:    wallet.ResourceInfo{URL: "https://api.example.com/premium"},
		Accepts: []wallet.PaymentRequirementsV2{{
			Scheme:            "exact",
			Network:           "eip155:8453",
			Amount:            amount,
			Asset:             wallet.BaseMainnet.USDCAddress,
			PayTo:             testPayTo,
			MaxTimeoutSeconds: 60,
			Extra:             map[string]interface{}{"name": "USD Coin", "version": "2"},
		}},
	}
}

// write402 answers with both generations at once, the way dual-stack servers do.
func write402(t *testing.T, w http.ResponseWriter, amount string) {
	t.Helper()
	header, err := encoding.EncodePaymentRequired(v2Required(amount))
	require.NoError(t, err)
	w.Header().Set(HeaderPaymentRequired, header)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	_, _ = w.Write(v1Requirements(amount))
}

func writeSettlement(t *testing.T, w http.ResponseWriter, header string) {
	t.Helper()
	value, err := encoding.EncodeSettlement(wallet.SettlementResponse{
		Success:     true,
		Transaction: "0xfeed",
		Network:     "base",
		Payer:       "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
	})
	require.NoError(t, err)
	w.Header().Set(header, value)
}
