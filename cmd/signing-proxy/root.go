package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/clawtrl/wallet/account"
	"github.com/clawtrl/wallet/app"
	"github.com/clawtrl/wallet/config"
	"github.com/clawtrl/wallet/internal/observability"
	"github.com/clawtrl/wallet/mcp"
	"github.com/clawtrl/wallet/metrics"
	"github.com/clawtrl/wallet/server"
)

const shutdownTimeout = 10 * time.Second

type flags struct {
	network     string
	rpcURL      string
	maxPayment  string
	payments    string
	logLevel    string
	logFormat   string
	addr        string
	metricsAddr string
}

type cli struct {
	resolver *config.Resolver
	stdout   io.Writer
	stderr   io.Writer
	flags    flags
}

func newRootCmd(resolver *config.Resolver, stdout, stderr io.Writer) *cobra.Command {
	c := &cli{resolver: resolver, stdout: stdout, stderr: stderr}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP signing proxy on a loopback address",
		Args:  cobra.NoArgs,
		RunE:  c.runServe,
	}
	serve.Flags().StringVar(&c.flags.addr, "addr", "", "listen address (default "+config.DefaultListenAddr+")")
	serve.Flags().StringVar(&c.flags.metricsAddr, "metrics-addr", "", "loopback address for Prometheus metrics (disabled if empty)")

	root := &cobra.Command{
		Use:           "signing-proxy",
		Short:         "Local signing proxy for an agent wallet",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE:          c.runServe,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&c.flags.network, "network", "", "chain: base or base-sepolia")
	pf.StringVar(&c.flags.rpcURL, "rpc-url", "", "JSON-RPC endpoint override")
	pf.StringVar(&c.flags.maxPayment, "max-payment", "", "largest USDC amount paid per request, e.g. 0.50")
	pf.StringVar(&c.flags.payments, "payments", "", "x402 generations to pay, in order: v2,v1 | v2 | v1 | none")
	pf.StringVar(&c.flags.logLevel, "log-level", "", "debug, info, warn or error")
	pf.StringVar(&c.flags.logFormat, "log-format", "", "text or json")

	// Bare invocation serves, so the serve flags apply at the root too.
	root.Flags().AddFlagSet(serve.Flags())

	root.AddCommand(
		serve,
		&cobra.Command{
			Use:   "mcp",
			Short: "Serve the wallet as MCP tools over stdio",
			Args:  cobra.NoArgs,
			RunE:  c.runMCP,
		},
		&cobra.Command{
			Use:   "address",
			Short: "Print the wallet address",
			Args:  cobra.NoArgs,
			RunE:  c.runAddress,
		},
	)
	return root
}

// load resolves configuration and applies flags that were set.
func (c *cli) load(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := c.resolver.Resolve()
	if err != nil {
		return nil, err
	}

	override := func(name string, dst *string, v string) {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			*dst = v
		}
	}
	override("network", &cfg.Network, c.flags.network)
	override("rpc-url", &cfg.RPCURL, c.flags.rpcURL)
	override("max-payment", &cfg.MaxPayment, c.flags.maxPayment)
	override("log-level", &cfg.LogLevel, c.flags.logLevel)
	override("log-format", &cfg.LogFormat, c.flags.logFormat)
	override("addr", &cfg.ListenAddr, c.flags.addr)
	override("metrics-addr", &cfg.MetricsAddr, c.flags.metricsAddr)

	if _, err := cfg.Chain(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *cli) logger(cfg *config.Config) (*slog.Logger, error) {
	level, err := observability.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	return observability.NewLogger(c.stderr, cfg.LogFormat, level)
}

func (c *cli) buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, recorder metrics.Recorder) (*app.App, error) {
	payments, err := app.ParsePayments(c.flags.payments)
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg,
		app.WithLogger(logger),
		app.WithRecorder(recorder),
		app.WithPayments(payments))
}

func (c *cli) runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := c.load(cmd)
	if err != nil {
		return err
	}
	if err := config.CheckLoopback(cfg.ListenAddr); err != nil {
		return err
	}
	if cfg.MetricsAddr != "" {
		if err := config.CheckLoopback(cfg.MetricsAddr); err != nil {
			return err
		}
	}

	logger, err := c.logger(cfg)
	if err != nil {
		return err
	}
	logger.Info("configuration loaded", "config", cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var recorder metrics.Recorder = metrics.NoopRecorder{}
	var prom *metrics.PrometheusRecorder
	if cfg.MetricsAddr != "" {
		prom = metrics.NewPrometheusRecorder()
		recorder = prom
	}

	a, err := c.buildApp(ctx, cfg, logger, recorder)
	if err != nil {
		return err
	}
	defer a.Close()

	// Bind before logging readiness so a busy port fails startup.
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddr, err)
	}
	servers := []*http.Server{server.NewHTTPServer(cfg.ListenAddr, server.New(a))}
	listeners := []net.Listener{ln}

	if prom != nil {
		mln, err := net.Listen("tcp", cfg.MetricsAddr)
		if err != nil {
			ln.Close()
			return fmt.Errorf("failed to listen on %s: %w", cfg.MetricsAddr, err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", prom.Handler())
		servers = append(servers, server.NewHTTPServer(cfg.MetricsAddr, mux))
		listeners = append(listeners, mln)
		logger.Info("metrics listening", "addr", cfg.MetricsAddr)
	}

	errc := make(chan error, len(servers))
	for i, srv := range servers {
		go func(srv *http.Server, ln net.Listener) {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}(srv, listeners[i])
	}
	logger.Info("signing proxy listening",
		"addr", cfg.ListenAddr,
		"address", a.Address.Hex(),
		"chain", a.Chain.NetworkID)

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errc:
		logger.Error("server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			logger.Warn("shutdown incomplete", "addr", srv.Addr, "error", serr)
		}
	}
	return err
}

func (c *cli) runMCP(cmd *cobra.Command, _ []string) error {
	cfg, err := c.load(cmd)
	if err != nil {
		return err
	}
	logger, err := c.logger(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := c.buildApp(ctx, cfg, logger, metrics.NoopRecorder{})
	if err != nil {
		return err
	}
	defer a.Close()

	logger.Info("serving MCP on stdio", "address", a.Address.Hex(), "chain", a.Chain.NetworkID)
	return mcp.NewServer(a, version).Serve(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), log.New(c.stderr, "mcp: ", 0))
}

func (c *cli) runAddress(cmd *cobra.Command, _ []string) error {
	cfg, err := c.load(cmd)
	if err != nil {
		return err
	}

	var acct *account.Account
	if cfg.PrivateKey != "" {
		acct, err = account.NewFromHex(cfg.PrivateKey)
	} else {
		acct, err = account.NewFromMnemonic(cfg.Mnemonic, cfg.AccountIndex)
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), acct.Address().Hex())
	return nil
}
