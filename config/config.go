// Package config resolves the proxy's settings: the account secret from an
// ordered list of env files or the process environment, plus listen
// addresses, network and logging.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/clawtrl/wallet"
)

// Environment variable names.
const (
	EnvPrivateKey   = "AGENT_WALLET_PRIVATE_KEY"
	EnvMnemonic     = "AGENT_WALLET_MNEMONIC"
	EnvAccountIndex = "AGENT_WALLET_ACCOUNT_INDEX"
	EnvNetwork      = "AGENT_WALLET_NETWORK"
	EnvRPCURL       = "AGENT_WALLET_RPC_URL"
	EnvMaxPayment   = "AGENT_WALLET_MAX_PAYMENT"
	EnvListenAddr   = "SIGNING_PROXY_ADDR"
	EnvMetricsAddr  = "SIGNING_PROXY_METRICS_ADDR"
	EnvLogLevel     = "LOG_LEVEL"
	EnvLogFormat    = "LOG_FORMAT"
)

// DefaultListenAddr is the fixed loopback address the proxy serves on.
const DefaultListenAddr = "127.0.0.1:8128"

var (
	// ErrKeyNotFound indicates no usable account secret was found anywhere.
	ErrKeyNotFound = errors.New("config: " + EnvPrivateKey + " not found or invalid")

	// ErrNotLoopback indicates a listen address that is reachable off-host.
	ErrNotLoopback = errors.New("config: listen address must be loopback")
)

// Config is the resolved process configuration.
type Config struct {
	// PrivateKey is the 0x-prefixed hex key. Never log it.
	PrivateKey   string
	Mnemonic     string
	AccountIndex uint32
	// Source names where the secret came from.
	Source string

	Network     string
	RPCURL      string
	MaxPayment  string
	ListenAddr  string
	MetricsAddr string
	LogLevel    string
	LogFormat   string
}

// LogValue implements slog.LogValuer and omits the secrets.
func (c *Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("source", c.Source),
		slog.String("network", c.Network),
		slog.String("listen", c.ListenAddr),
		slog.String("metrics", c.MetricsAddr),
		slog.Bool("mnemonic", c.PrivateKey == "" && c.Mnemonic != ""),
	)
}

// Chain returns the selected chain with any RPC override applied.
func (c *Config) Chain() (wallet.ChainConfig, error) {
	chain, err := wallet.LookupChain(c.Network)
	if err != nil {
		return wallet.ChainConfig{}, err
	}
	if c.RPCURL != "" {
		chain.RPCURL = c.RPCURL
	}
	return chain, nil
}

// Resolver finds configuration. Paths are tried in order; the first file
// that defines the account secret wins and also supplies the other settings.
// Anything it leaves unset is read from the process environment.
type Resolver struct {
	Paths  []string
	Getenv func(string) string
}

// DefaultPaths returns the env file search order for home.
func DefaultPaths(home string) []string {
	paths := []string{"/opt/openclaw/.env"}
	if home != "" {
		paths = append(paths,
			filepath.Join(home, ".clawtrl", ".env"),
			filepath.Join(home, ".env"),
		)
	}
	return append(paths, ".env")
}

// NewResolver returns a Resolver over the default paths and the process environment.
func NewResolver() *Resolver {
	home, _ := os.UserHomeDir()
	return &Resolver{Paths: DefaultPaths(home), Getenv: os.Getenv}
}

// Resolve returns the configuration or an error listing every place searched.
func (r *Resolver) Resolve() (*Config, error) {
	getenv := r.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}

	file, source := r.findFile()
	lookup := func(key string) string {
		if v := strings.TrimSpace(file[key]); v != "" {
			return v
		}
		return strings.TrimSpace(getenv(key))
	}

	cfg := &Config{
		PrivateKey:  lookup(EnvPrivateKey),
		Mnemonic:    lookup(EnvMnemonic),
		Source:      source,
		Network:     lookup(EnvNetwork),
		RPCURL:      lookup(EnvRPCURL),
		MaxPayment:  lookup(EnvMaxPayment),
		ListenAddr:  lookup(EnvListenAddr),
		MetricsAddr: lookup(EnvMetricsAddr),
		LogLevel:    lookup(EnvLogLevel),
		LogFormat:   lookup(EnvLogFormat),
	}
	if source == "" {
		cfg.Source = "$" + EnvPrivateKey
		if cfg.PrivateKey == "" && cfg.Mnemonic != "" {
			cfg.Source = "$" + EnvMnemonic
		}
	}

	if cfg.PrivateKey != "" && !strings.HasPrefix(cfg.PrivateKey, "0x") {
		return nil, r.notFound("value in " + cfg.Source + " must start with 0x")
	}
	if cfg.PrivateKey == "" && cfg.Mnemonic == "" {
		return nil, r.notFound("")
	}

	if idx := lookup(EnvAccountIndex); idx != "" {
		n, err := strconv.ParseUint(idx, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("config: invalid %s %q: %w", EnvAccountIndex, idx, err)
		}
		cfg.AccountIndex = uint32(n)
	}

	if cfg.Network == "" {
		cfg.Network = wallet.BaseMainnet.NetworkID
	}
	if _, err := wallet.LookupChain(cfg.Network); err != nil {
		return nil, fmt.Errorf("config: %s: %w", EnvNetwork, err)
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}

	return cfg, nil
}

// findFile returns the first env file defining a secret. Unreadable or
// missing files are skipped.
func (r *Resolver) findFile() (map[string]string, string) {
	for _, path := range r.Paths {
		vars, err := godotenv.Read(path)
		if err != nil {
			continue
		}
		if vars[EnvPrivateKey] != "" || vars[EnvMnemonic] != "" {
			return vars, path
		}
	}
	return nil, ""
}

func (r *Resolver) notFound(detail string) error {
	searched := append(append([]string{}, r.Paths...), "$"+EnvPrivateKey)
	msg := "searched: " + strings.Join(searched, ", ")
	if detail != "" {
		msg = detail + "; " + msg
	}
	return fmt.Errorf("%w (%s)", ErrKeyNotFound, msg)
}

// CheckLoopback rejects listen addresses that are not bound to loopback.
func CheckLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("config: invalid listen address %q: %w", addr, err)
	}
	if host == "localhost" {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrNotLoopback, addr)
}
