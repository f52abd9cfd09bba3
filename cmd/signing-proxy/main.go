// Command signing-proxy holds one EVM key and exposes it to local agents:
// ERC-8128 request signatures, x402-paying fetches, balances and transfers.
package main

import (
	"fmt"
	"os"

	"github.com/clawtrl/wallet/config"
)

var version = "dev"

func main() {
	cmd := newRootCmd(config.NewResolver(), os.Stdout, os.Stderr)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "signing-proxy:", err)
		os.Exit(1)
	}
}
