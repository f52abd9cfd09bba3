// Package ledger reads balances and moves funds for the proxy's account:
// native ETH and the chain's USDC contract.
//
// Transfers are submitted exactly once. After submission the ledger waits for
// a receipt up to a fixed deadline; running out of time is reported as
// ErrConfirmationTimeout, which means the outcome is unknown, not failed.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/clawtrl/wallet"
	"github.com/clawtrl/wallet/retry"
	"github.com/clawtrl/wallet/validation"
)

// DefaultConfirmationTimeout bounds the wait for a transfer receipt.
const DefaultConfirmationTimeout = 30 * time.Second

var (
	// ErrInvalidRequest indicates a malformed transfer request. Nothing was submitted.
	ErrInvalidRequest = errors.New("ledger: invalid request")

	// ErrConfirmationTimeout indicates the transaction was submitted but no
	// receipt arrived in time. It may still confirm.
	ErrConfirmationTimeout = errors.New("ledger: confirmation timed out")

	// ErrTransactionReverted indicates the transaction was mined and failed.
	ErrTransactionReverted = errors.New("ledger: transaction reverted")
)

// ChainClient is the subset of ethclient.Client the ledger uses.
type ChainClient interface {
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// TxSigner signs transactions for the account.
type TxSigner interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// Token selects what a transfer moves.
type Token string

const (
	TokenETH  Token = "eth"
	TokenUSDC Token = "usdc"
)

// ParseToken maps a user-supplied selector to a Token. Empty means ETH.
func ParseToken(s string) (Token, error) {
	switch Token(strings.ToLower(strings.TrimSpace(s))) {
	case "", TokenETH:
		return TokenETH, nil
	case TokenUSDC:
		return TokenUSDC, nil
	default:
		return "", fmt.Errorf("%w: unknown token %q (want eth or usdc)", ErrInvalidRequest, s)
	}
}

// Balance holds exact base-unit balances and their display forms
// (8 decimals for ETH, 2 for USDC, truncated).
type Balance struct {
	Address common.Address
	ETH     *big.Int
	USDC    *big.Int

	ETHDisplay  string
	USDCDisplay string
}

// TransferRequest asks for amount (in whole-token units, e.g. "0.5") of
// Token to be sent to To.
type TransferRequest struct {
	To     string
	Amount string
	Token  string
}

// TransferResult reports a submitted transfer.
type TransferResult struct {
	Hash        common.Hash
	Status      string
	Token       Token
	Amount      string
	To          string
	BlockNumber uint64
}

// Transfer statuses.
const (
	StatusConfirmed = "confirmed"
	StatusPending   = "pending"
	StatusReverted  = "reverted"
)

// Ledger performs balance reads and transfers for one account on one chain.
type Ledger struct {
	client         ChainClient
	signer         TxSigner
	chain          wallet.ChainConfig
	confirmTimeout time.Duration
	poll           retry.Config
	logger         *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithConfirmationTimeout overrides the receipt wait.
func WithConfirmationTimeout(d time.Duration) Option {
	return func(l *Ledger) { l.confirmTimeout = d }
}

// WithPollConfig overrides how often the receipt is polled.
func WithPollConfig(cfg retry.Config) Option {
	return func(l *Ledger) { l.poll = cfg }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// New creates a Ledger.
func New(client ChainClient, signer TxSigner, chain wallet.ChainConfig, opts ...Option) *Ledger {
	l := &Ledger{
		client:         client,
		signer:         signer,
		chain:          chain,
		confirmTimeout: DefaultConfirmationTimeout,
		poll:           retry.PollConfig,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Balance reads the native and USDC balances of the account.
func (l *Ledger) Balance(ctx context.Context) (*Balance, error) {
	addr := l.signer.Address()

	eth, err := l.client.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read native balance: %w", err)
	}

	usdc, err := l.tokenBalance(ctx, addr)
	if err != nil {
		return nil, err
	}

	return &Balance{
		Address:     addr,
		ETH:         eth,
		USDC:        usdc,
		ETHDisplay:  l.FormatETH(eth),
		USDCDisplay: l.FormatUSDC(usdc),
	}, nil
}

// FormatETH renders a native amount with 8 truncated decimals.
func (l *Ledger) FormatETH(v *big.Int) string {
	return wallet.FormatUnits(v, int(l.chain.NativeDecimals), 8)
}

// FormatUSDC renders a USDC amount with 2 truncated decimals.
func (l *Ledger) FormatUSDC(v *big.Int) string {
	return wallet.FormatUnits(v, int(l.chain.Decimals), 2)
}

// Transfer validates req, submits the transaction once and waits for its receipt.
//
// On ErrConfirmationTimeout the returned result still carries the hash.
func (l *Ledger) Transfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	call, err := l.prepare(req)
	if err != nil {
		return nil, err
	}

	tx, err := l.buildTx(ctx, call)
	if err != nil {
		return nil, err
	}

	signed, err := l.signer.SignTx(tx, l.chain.ChainIDBig())
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	if err := l.client.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("failed to submit transaction: %w", err)
	}

	result := &TransferResult{
		Hash:   signed.Hash(),
		Status: StatusPending,
		Token:  call.token,
		Amount: req.Amount,
		To:     req.To,
	}
	l.logger.Info("transfer submitted",
		"hash", result.Hash.Hex(),
		"token", string(call.token),
		"amount", req.Amount,
		"to", req.To,
		"nonce", signed.Nonce())

	receipt, err := l.waitForReceipt(ctx, result.Hash)
	if err != nil {
		return result, err
	}

	result.BlockNumber = receipt.BlockNumber.Uint64()
	if receipt.Status != types.ReceiptStatusSuccessful {
		result.Status = StatusReverted
		return result, fmt.Errorf("%w: %s in block %d", ErrTransactionReverted, result.Hash.Hex(), result.BlockNumber)
	}

	result.Status = StatusConfirmed
	l.logger.Info("transfer confirmed", "hash", result.Hash.Hex(), "block", result.BlockNumber)
	return result, nil
}

type preparedCall struct {
	token Token
	to    common.Address
	value *big.Int
	data  []byte
}

func (l *Ledger) prepare(req TransferRequest) (*preparedCall, error) {
	if strings.TrimSpace(req.To) == "" || strings.TrimSpace(req.Amount) == "" {
		return nil, fmt.Errorf("%w: to and amount required", ErrInvalidRequest)
	}

	token, err := ParseToken(req.Token)
	if err != nil {
		return nil, err
	}

	if err := validation.ValidateAddress(req.To); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	recipient := common.HexToAddress(req.To)

	decimals := int(l.chain.NativeDecimals)
	if token == TokenUSDC {
		decimals = int(l.chain.Decimals)
	}
	if err := validation.ValidateDecimalAmount(req.Amount, decimals); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	amount, err := wallet.ParseUnits(req.Amount, decimals)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	if token == TokenETH {
		return &preparedCall{token: token, to: recipient, value: amount}, nil
	}

	data, err := erc20.Pack("transfer", recipient, amount)
	if err != nil {
		return nil, fmt.Errorf("failed to encode transfer: %w", err)
	}
	return &preparedCall{
		token: token,
		to:    common.HexToAddress(l.chain.USDCAddress),
		value: new(big.Int),
		data:  data,
	}, nil
}

// buildTx fills an EIP-1559 transaction: fee cap is twice the current base
// fee plus the suggested tip.
func (l *Ledger) buildTx(ctx context.Context, call *preparedCall) (*types.Transaction, error) {
	from := l.signer.Address()

	nonce, err := l.client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("failed to get nonce: %w", err)
	}

	tip, err := l.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to suggest gas tip: %w", err)
	}

	head, err := l.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest header: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	gas, err := l.client.EstimateGas(ctx, ethereum.CallMsg{
		From:      from,
		To:        &call.to,
		GasFeeCap: feeCap,
		GasTipCap: tip,
		Value:     call.value,
		Data:      call.data,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to estimate gas: %w", err)
	}

	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   l.chain.ChainIDBig(),
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &call.to,
		Value:     call.value,
		Data:      call.data,
	}), nil
}

func (l *Ledger) waitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, l.confirmTimeout)
	defer cancel()

	receipt, err := retry.WithRetry(waitCtx, l.poll,
		func(err error) bool { return errors.Is(err, ethereum.NotFound) },
		func() (*types.Receipt, error) { return l.client.TransactionReceipt(waitCtx, hash) },
	)
	if err == nil {
		return receipt, nil
	}

	if errors.Is(waitCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		l.logger.Warn("transfer confirmation timed out", "hash", hash.Hex(), "timeout", l.confirmTimeout)
		return nil, fmt.Errorf("%w: %s not confirmed within %s; it may still be mined", ErrConfirmationTimeout, hash.Hex(), l.confirmTimeout)
	}
	return nil, fmt.Errorf("failed waiting for receipt of %s: %w", hash.Hex(), err)
}
