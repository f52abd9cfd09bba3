// Package mcp exposes the wallet as Model Context Protocol tools over stdio,
// so agents that speak MCP can use the same account without the HTTP surface.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"

	mcpproto "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/clawtrl/wallet/app"
	x402http "github.com/clawtrl/wallet/http"
	"github.com/clawtrl/wallet/ledger"
)

// Tool names.
const (
	ToolIdentity = "wallet_identity"
	ToolBalance  = "wallet_balance"
	ToolTransfer = "wallet_transfer"
	ToolSign     = "wallet_sign"
	ToolFetch    = "wallet_fetch"
)

// Server wraps an MCP server whose tools call into the App.
type Server struct {
	app       *app.App
	mcpServer *mcpserver.MCPServer
}

// NewServer registers the wallet tools.
func NewServer(a *app.App, version string) *Server {
	s := &Server{
		app:       a,
		mcpServer: mcpserver.NewMCPServer("signing-proxy", version, mcpserver.WithToolCapabilities(false)),
	}

	s.mcpServer.AddTool(mcpproto.NewTool(
		ToolIdentity,
		mcpproto.WithDescription("Return the wallet address and chain"),
	), s.handleIdentity)

	s.mcpServer.AddTool(mcpproto.NewTool(
		ToolBalance,
		mcpproto.WithDescription("Return the native ETH and USDC balances"),
	), s.handleBalance)

	s.mcpServer.AddTool(mcpproto.NewTool(
		ToolTransfer,
		mcpproto.WithDescription("Send ETH or USDC and wait for confirmation"),
		mcpproto.WithString("to", mcpproto.Required(), mcpproto.Description("Recipient address")),
		mcpproto.WithString("amount", mcpproto.Required(), mcpproto.Description("Decimal amount in whole tokens, e.g. 0.001")),
		mcpproto.WithString("token", mcpproto.Description("eth (default) or usdc"), mcpproto.Enum("eth", "usdc")),
	), s.handleTransfer)

	s.mcpServer.AddTool(mcpproto.NewTool(
		ToolSign,
		mcpproto.WithDescription("Produce ERC-8128 signature headers for a request"),
		mcpproto.WithString("url", mcpproto.Required(), mcpproto.Description("Absolute request URL")),
		mcpproto.WithString("method", mcpproto.Description("HTTP method, default GET")),
		mcpproto.WithString("body", mcpproto.Description("Request body")),
	), s.handleSign)

	s.mcpServer.AddTool(mcpproto.NewTool(
		ToolFetch,
		mcpproto.WithDescription("Fetch a URL with signature headers, paying x402 challenges automatically"),
		mcpproto.WithString("url", mcpproto.Required(), mcpproto.Description("Absolute request URL")),
		mcpproto.WithString("method", mcpproto.Description("HTTP method, default GET")),
		mcpproto.WithObject("headers", mcpproto.Description("Extra request headers")),
		mcpproto.WithString("body", mcpproto.Description("Request body")),
	), s.handleFetch)

	return s
}

// Serve speaks MCP on in/out until ctx is cancelled or in is closed.
// Protocol errors are written to errLog.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer, errLog *log.Logger) error {
	stdio := mcpserver.NewStdioServer(s.mcpServer)
	if errLog != nil {
		stdio.SetErrorLogger(errLog)
	}
	err := stdio.Listen(ctx, in, out)
	if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Server) handleIdentity(_ context.Context, _ mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
	return jsonResult(map[string]interface{}{
		"address": s.app.Address.Hex(),
		"chain":   s.app.Chain.NetworkID,
		"chainId": s.app.Chain.ChainID,
	})
}

func (s *Server) handleBalance(ctx context.Context, _ mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
	bal, err := s.app.Ledger.Balance(ctx)
	if err != nil {
		return mcpproto.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]string{
		"address": s.app.Address.Hex(),
		"chain":   s.app.Chain.NetworkID,
		"eth":     bal.ETHDisplay,
		"usdc":    bal.USDCDisplay,
	})
}

func (s *Server) handleTransfer(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
	args := req.GetArguments()
	result, err := s.app.Ledger.Transfer(ctx, ledger.TransferRequest{
		To:     stringArg(args, "to"),
		Amount: stringArg(args, "amount"),
		Token:  stringArg(args, "token"),
	})
	if err != nil {
		msg := err.Error()
		if result != nil {
			msg = fmt.Sprintf("%s (hash %s, status %s)", msg, result.Hash.Hex(), result.Status)
		}
		return mcpproto.NewToolResultError(msg), nil
	}
	return jsonResult(map[string]interface{}{
		"success": true,
		"hash":    result.Hash.Hex(),
		"token":   string(result.Token),
		"amount":  result.Amount,
		"to":      result.To,
		"block":   result.BlockNumber,
	})
}

func (s *Server) handleSign(_ context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
	args := req.GetArguments()
	url := strings.TrimSpace(stringArg(args, "url"))
	if url == "" {
		return mcpproto.NewToolResultError("url required"), nil
	}
	method := strings.ToUpper(stringArg(args, "method"))
	if method == "" {
		method = "GET"
	}

	headers, err := s.app.Signer.Sign(method, url, stringArg(args, "body"))
	if err != nil {
		return mcpproto.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]interface{}{"headers": headers.Map()})
}

func (s *Server) handleFetch(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
	args := req.GetArguments()
	fetch := x402http.FetchRequest{
		URL:    strings.TrimSpace(stringArg(args, "url")),
		Method: stringArg(args, "method"),
		Body:   stringArg(args, "body"),
	}
	if fetch.URL == "" {
		return mcpproto.NewToolResultError("url required"), nil
	}
	if raw, ok := args["headers"].(map[string]interface{}); ok {
		fetch.Headers = make(map[string]string, len(raw))
		for k, v := range raw {
			fetch.Headers[k] = fmt.Sprint(v)
		}
	}

	resp, err := s.app.Fetcher.Fetch(ctx, fetch)
	if err != nil {
		return mcpproto.NewToolResultError(err.Error()), nil
	}
	return jsonResult(resp)
}

// stringArg reads a string argument. Numbers are accepted and rendered
// without exponent so amounts like 0.00001 survive.
func stringArg(args map[string]interface{}, key string) string {
	switch v := args[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

func jsonResult(v interface{}) (*mcpproto.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return mcpproto.NewToolResultText(string(data)), nil
}
