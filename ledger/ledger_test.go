package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawtrl/wallet"
	"github.com/clawtrl/wallet/account"
	"github.com/clawtrl/wallet/retry"
)

const (
	testKey       = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testRecipient = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
)

// fakeChain is an in-memory ChainClient.
type fakeChain struct {
	mu sync.Mutex

	eth  *big.Int
	usdc *big.Int

	sendErr       error
	receiptStatus uint64
	// receiptAfter is the number of NotFound polls before the receipt appears;
	// negative means never.
	receiptAfter int

	sent         []*types.Transaction
	estimated    []ethereum.CallMsg
	receiptPolls int
	calls        int
}

func newFakeChain() *fakeChain {
	eth, _ := new(big.Int).SetString("1500000000000000000", 10)
	return &fakeChain{eth: eth, usdc: big.NewInt(2500000), receiptStatus: types.ReceiptStatusSuccessful}
}

func (f *fakeChain) touch() {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
}

func (f *fakeChain) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	f.touch()
	return f.eth, nil
}

func (f *fakeChain) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.touch()
	if msg.To == nil || *msg.To != common.HexToAddress(wallet.BaseMainnet.USDCAddress) {
		return nil, errors.New("unexpected contract")
	}
	return common.LeftPadBytes(f.usdc.Bytes(), 32), nil
}

func (f *fakeChain) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.touch()
	return 7, nil
}

func (f *fakeChain) SuggestGasTipCap(context.Context) (*big.Int, error) {
	f.touch()
	return big.NewInt(1_000_000), nil
}

func (f *fakeChain) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	f.touch()
	return &types.Header{BaseFee: big.NewInt(5_000_000)}, nil
}

func (f *fakeChain) EstimateGas(_ context.Context, msg ethereum.CallMsg) (uint64, error) {
	f.touch()
	f.mu.Lock()
	f.estimated = append(f.estimated, msg)
	f.mu.Unlock()
	return 21000, nil
}

func (f *fakeChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.touch()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.mu.Lock()
	f.sent = append(f.sent, tx)
	f.mu.Unlock()
	return nil
}

func (f *fakeChain) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.touch()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receiptPolls++
	if f.receiptAfter < 0 || f.receiptPolls <= f.receiptAfter {
		return nil, ethereum.NotFound
	}
	return &types.Receipt{TxHash: hash, Status: f.receiptStatus, BlockNumber: big.NewInt(1234)}, nil
}

var fastPoll = retry.Config{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}

func newTestLedger(t *testing.T, chain *fakeChain, opts ...Option) (*Ledger, *account.Account) {
	t.Helper()
	acct, err := account.NewFromHex(testKey)
	require.NoError(t, err)
	opts = append([]Option{
		WithPollConfig(fastPoll),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	return New(chain, acct, wallet.BaseMainnet, opts...), acct
}

func TestBalance(t *testing.T) {
	l, acct := newTestLedger(t, newFakeChain())

	bal, err := l.Balance(context.Background())
	require.NoError(t, err)

	assert.Equal(t, acct.Address(), bal.Address)
	assert.Equal(t, "1.50000000", bal.ETHDisplay)
	assert.Equal(t, "2.50", bal.USDCDisplay)
}

func TestBalance_LargeValuesStayExact(t *testing.T) {
	chain := newFakeChain()
	chain.eth, _ = new(big.Int).SetString("123456789123456789123456789", 10)
	chain.usdc, _ = new(big.Int).SetString("900719925474099312345", 10)
	l, _ := newTestLedger(t, chain)

	bal, err := l.Balance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "123456789.12345678", l.FormatETH(bal.ETH))
	assert.Equal(t, "900719925474099.31", l.FormatUSDC(bal.USDC))
}

func TestTransfer_ETH(t *testing.T) {
	chain := newFakeChain()
	l, acct := newTestLedger(t, chain)

	result, err := l.Transfer(context.Background(), TransferRequest{To: testRecipient, Amount: "0.001", Token: "eth"})
	require.NoError(t, err)

	require.Len(t, chain.sent, 1)
	tx := chain.sent[0]
	assert.Equal(t, result.Hash, tx.Hash())
	assert.Equal(t, StatusConfirmed, result.Status)
	assert.Equal(t, TokenETH, result.Token)
	assert.Equal(t, "0.001", result.Amount)
	assert.Equal(t, testRecipient, result.To)
	assert.EqualValues(t, 1234, result.BlockNumber)

	assert.Equal(t, uint8(types.DynamicFeeTxType), tx.Type())
	assert.Equal(t, common.HexToAddress(testRecipient), *tx.To())
	assert.Equal(t, "1000000000000000", tx.Value().String())
	assert.Empty(t, tx.Data())
	assert.EqualValues(t, 7, tx.Nonce())
	assert.EqualValues(t, 21000, tx.Gas())
	assert.Equal(t, big.NewInt(1_000_000), tx.GasTipCap())
	assert.Equal(t, big.NewInt(11_000_000), tx.GasFeeCap())
	assert.Equal(t, big.NewInt(8453), tx.ChainId())

	sender, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	require.NoError(t, err)
	assert.Equal(t, acct.Address(), sender)
}

func TestTransfer_USDC(t *testing.T) {
	chain := newFakeChain()
	l, _ := newTestLedger(t, chain)

	result, err := l.Transfer(context.Background(), TransferRequest{To: testRecipient, Amount: "1.5", Token: "USDC"})
	require.NoError(t, err)
	assert.Equal(t, TokenUSDC, result.Token)

	require.Len(t, chain.sent, 1)
	tx := chain.sent[0]
	assert.Equal(t, common.HexToAddress(wallet.BaseMainnet.USDCAddress), *tx.To())
	assert.Zero(t, tx.Value().Sign())

	method, err := erc20.MethodById(tx.Data()[:4])
	require.NoError(t, err)
	assert.Equal(t, "transfer", method.Name)

	args, err := method.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(testRecipient), args[0])
	assert.Equal(t, big.NewInt(1500000), args[1])
}

func TestTransfer_InvalidRequestsNeverTouchTheChain(t *testing.T) {
	tests := []struct {
		name string
		req  TransferRequest
	}{
		{"missing amount", TransferRequest{To: testRecipient}},
		{"missing to", TransferRequest{Amount: "1"}},
		{"bad address", TransferRequest{To: "0xabc", Amount: "1"}},
		{"negative", TransferRequest{To: testRecipient, Amount: "-1"}},
		{"not a number", TransferRequest{To: testRecipient, Amount: "lots"}},
		{"below precision", TransferRequest{To: testRecipient, Amount: "0.0000001", Token: "usdc"}},
		{"unknown token", TransferRequest{To: testRecipient, Amount: "1", Token: "doge"}},
		{"huge exponent", TransferRequest{To: testRecipient, Amount: "1e5000000"}},
		{"tiny exponent", TransferRequest{To: testRecipient, Amount: "1e-2000000000"}},
		{"wider than uint256", TransferRequest{To: testRecipient, Amount: "1e60"}},
		{"usdc wider than uint256", TransferRequest{To: testRecipient, Amount: "2e71", Token: "usdc"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chain := newFakeChain()
			l, _ := newTestLedger(t, chain)

			_, err := l.Transfer(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
			assert.Zero(t, chain.calls, "no chain call may happen for an invalid request")
		})
	}
}

func TestTransfer_SubmissionRejected(t *testing.T) {
	chain := newFakeChain()
	chain.sendErr = errors.New("insufficient funds for gas * price + value")
	l, _ := newTestLedger(t, chain)

	result, err := l.Transfer(context.Background(), TransferRequest{To: testRecipient, Amount: "0.001"})
	require.Error(t, err)
	assert.Nil(t, result)
	assert.Contains(t, err.Error(), "insufficient funds")
	assert.NotErrorIs(t, err, ErrConfirmationTimeout)
	assert.Zero(t, chain.receiptPolls, "a rejected transaction is never polled")
}

func TestTransfer_ConfirmationTimeout(t *testing.T) {
	chain := newFakeChain()
	chain.receiptAfter = -1
	l, _ := newTestLedger(t, chain, WithConfirmationTimeout(30*time.Millisecond))

	start := time.Now()
	result, err := l.Transfer(context.Background(), TransferRequest{To: testRecipient, Amount: "0.001"})

	assert.ErrorIs(t, err, ErrConfirmationTimeout)
	assert.Less(t, time.Since(start), time.Second)
	require.NotNil(t, result)
	assert.Equal(t, StatusPending, result.Status)
	assert.NotEqual(t, common.Hash{}, result.Hash)
	assert.Contains(t, err.Error(), result.Hash.Hex())
	assert.Len(t, chain.sent, 1, "submission is never retried")
}

func TestTransfer_WaitsForReceipt(t *testing.T) {
	chain := newFakeChain()
	chain.receiptAfter = 3
	l, _ := newTestLedger(t, chain)

	result, err := l.Transfer(context.Background(), TransferRequest{To: testRecipient, Amount: "0.5"})
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, result.Status)
	assert.Equal(t, 4, chain.receiptPolls)
}

func TestTransfer_Reverted(t *testing.T) {
	chain := newFakeChain()
	chain.receiptStatus = types.ReceiptStatusFailed
	l, _ := newTestLedger(t, chain)

	result, err := l.Transfer(context.Background(), TransferRequest{To: testRecipient, Amount: "1", Token: "usdc"})
	assert.ErrorIs(t, err, ErrTransactionReverted)
	require.NotNil(t, result)
	assert.Equal(t, StatusReverted, result.Status)
}

func TestTransfer_CallerCancellationIsNotATimeout(t *testing.T) {
	chain := newFakeChain()
	chain.receiptAfter = -1
	l, _ := newTestLedger(t, chain)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := l.Transfer(ctx, TransferRequest{To: testRecipient, Amount: "0.001"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrConfirmationTimeout)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestParseToken(t *testing.T) {
	for in, want := range map[string]Token{"": TokenETH, "ETH": TokenETH, "eth": TokenETH, " usdc ": TokenUSDC, "Usdc": TokenUSDC} {
		got, err := ParseToken(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseToken("btc")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}
