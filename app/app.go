// Package app assembles the proxy's shared, read-only context at startup:
// one account, one chain, the request authenticator, the payment-capable
// fetcher and the ledger.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/clawtrl/wallet"
	"github.com/clawtrl/wallet/account"
	"github.com/clawtrl/wallet/authn"
	"github.com/clawtrl/wallet/config"
	"github.com/clawtrl/wallet/evm"
	x402http "github.com/clawtrl/wallet/http"
	"github.com/clawtrl/wallet/internal/observability"
	"github.com/clawtrl/wallet/ledger"
	"github.com/clawtrl/wallet/metrics"
)

// RequestSigner produces request signature headers.
type RequestSigner interface {
	Sign(method, url, body string) (authn.Headers, error)
}

// Fetcher performs authenticated, payment-capable outbound requests.
type Fetcher interface {
	Fetch(ctx context.Context, req x402http.FetchRequest) (*x402http.FetchResponse, error)
}

// Ledger reads balances and submits transfers.
type Ledger interface {
	Balance(ctx context.Context) (*ledger.Balance, error)
	Transfer(ctx context.Context, req ledger.TransferRequest) (*ledger.TransferResult, error)
}

// App is built once and shared by every request. None of its fields change
// after New returns.
type App struct {
	Address  common.Address
	Chain    wallet.ChainConfig
	Signer   RequestSigner
	Fetcher  Fetcher
	Ledger   Ledger
	Recorder metrics.Recorder
	Logger   *slog.Logger
	// Payments lists the enabled payment adapters in the order they are tried.
	Payments []string

	closers []func()
}

// Close releases the chain connection.
func (a *App) Close() {
	for _, c := range a.closers {
		c()
	}
}

type options struct {
	chainClient ledger.ChainClient
	httpClient  *http.Client
	payments    []string
	recorder    metrics.Recorder
	logger      *slog.Logger
	ledgerOpts  []ledger.Option
}

// Option configures New.
type Option func(*options)

// WithChainClient uses client instead of dialing the configured RPC URL.
func WithChainClient(client ledger.ChainClient) Option {
	return func(o *options) { o.chainClient = client }
}

// WithHTTPClient sets the base client for outbound fetches.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) { o.httpClient = client }
}

// WithPayments selects the payment adapters, in order. See ParsePayments.
func WithPayments(names []string) Option {
	return func(o *options) { o.payments = names }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithLedgerOptions passes options through to the ledger.
func WithLedgerOptions(opts ...ledger.Option) Option {
	return func(o *options) { o.ledgerOpts = append(o.ledgerOpts, opts...) }
}

// DefaultPayments is the adapter order used when none is configured: the
// current protocol first, then the legacy one.
var DefaultPayments = []string{"v2", "v1"}

// ParsePayments parses a comma-separated adapter list such as "v2,v1".
// "none" disables payments.
func ParsePayments(s string) ([]string, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return append([]string(nil), DefaultPayments...), nil
	}
	if s == "none" {
		return []string{}, nil
	}

	var names []string
	seen := map[string]bool{}
	for _, part := range strings.Split(s, ",") {
		name := strings.TrimSpace(part)
		if name != "v1" && name != "v2" {
			return nil, fmt.Errorf("unknown payment protocol %q (want v2, v1 or none)", part)
		}
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names, nil
}

// New builds the App from cfg.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	o := &options{payments: DefaultPayments}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = observability.Discard()
	}
	if o.recorder == nil {
		o.recorder = metrics.NoopRecorder{}
	}

	acct, err := loadAccount(cfg)
	if err != nil {
		return nil, err
	}

	chain, err := cfg.Chain()
	if err != nil {
		return nil, err
	}

	a := &App{
		Address:  acct.Address(),
		Chain:    chain,
		Recorder: o.recorder,
		Logger:   o.logger,
		Payments: o.payments,
	}

	authenticator := authn.New(acct, chain.ChainID)
	a.Signer = authenticator

	client, err := a.paymentClient(acct, cfg.MaxPayment, o)
	if err != nil {
		return nil, err
	}
	a.Fetcher = x402http.NewFetcher(client.Client, authenticator)

	chainClient := o.chainClient
	if chainClient == nil {
		ec, err := ethclient.DialContext(ctx, chain.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", chain.RPCURL, err)
		}
		a.closers = append(a.closers, ec.Close)
		chainClient = ec
	}
	a.Ledger = ledger.New(chainClient, acct, chain,
		append([]ledger.Option{ledger.WithLogger(o.logger)}, o.ledgerOpts...)...)

	o.logger.Info("wallet ready",
		"account", acct,
		"chain", chain.NetworkID,
		"chainId", chain.ChainID,
		"payments", strings.Join(a.Payments, ","))
	return a, nil
}

func loadAccount(cfg *config.Config) (*account.Account, error) {
	if cfg.PrivateKey != "" {
		return account.NewFromHex(cfg.PrivateKey)
	}
	return account.NewFromMnemonic(cfg.Mnemonic, cfg.AccountIndex)
}

// paymentClient builds the outbound client with one adapter per enabled
// protocol, all sharing a single EIP-3009 signer.
func (a *App) paymentClient(acct *account.Account, maxPayment string, o *options) (*x402http.Client, error) {
	clientOpts := []x402http.ClientOption{
		x402http.WithLogger(o.logger),
	}
	if o.httpClient != nil {
		clientOpts = append([]x402http.ClientOption{x402http.WithHTTPClient(o.httpClient)}, clientOpts...)
	} else {
		clientOpts = append(clientOpts, x402http.WithTimeout(2*time.Minute))
	}

	if len(o.payments) > 0 {
		signerOpts := []evm.SignerOption{evm.WithToken(wallet.NewUSDCTokenConfig(a.Chain, 1))}
		if maxPayment != "" {
			limit, err := wallet.ParseUnits(maxPayment, int(a.Chain.Decimals))
			if err != nil {
				return nil, fmt.Errorf("invalid max payment %q: %w", maxPayment, err)
			}
			signerOpts = append(signerOpts, evm.WithMaxAmountPerCall(limit))
		}
		signer, err := evm.NewSigner(acct, a.Chain, signerOpts...)
		if err != nil {
			return nil, err
		}

		for _, name := range o.payments {
			switch name {
			case "v2":
				clientOpts = append(clientOpts, x402http.WithAdapter(x402http.NewV2Adapter(signer)))
			case "v1":
				clientOpts = append(clientOpts, x402http.WithAdapter(x402http.NewV1Adapter(signer)))
			default:
				return nil, fmt.Errorf("unknown payment protocol %q", name)
			}
		}
		clientOpts = append(clientOpts, x402http.WithPaymentCallbacks(
			a.paymentEvent(metrics.EventPaymentAttempt),
			a.paymentEvent(metrics.EventPaymentSuccess),
			a.paymentEvent(metrics.EventPaymentFailure),
		))
	}

	return x402http.NewClient(clientOpts...)
}

func (a *App) paymentEvent(name string) wallet.PaymentCallback {
	return func(e wallet.PaymentEvent) {
		a.Recorder.IncCounter(name, map[string]string{"protocol": e.Protocol})
		if e.Type != wallet.PaymentEventAttempt {
			a.Recorder.ObserveLatency(name, e.Duration, map[string]string{"route": "/fetch"})
		}
		if e.Type == wallet.PaymentEventFailure {
			a.Logger.Warn("payment failed",
				"protocol", e.Protocol,
				"url", e.URL,
				"amount", e.Amount,
				"status", e.Status,
				"error", e.Error)
		}
	}
}
