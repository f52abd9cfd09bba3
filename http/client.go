// Package http implements the payment-capable outbound fetch: a RoundTripper
// that pays x402 402 responses through protocol adapters, a client built on
// it and a Fetcher that signs requests and normalizes responses.
package http

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/clawtrl/wallet"
)

// Client is an HTTP client that automatically handles x402 payment flows.
// It wraps a standard http.Client and adds payment handling via a custom RoundTripper.
type Client struct {
	*http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client) error

// NewClient creates a new payment-enabled HTTP client. Without any adapter
// it behaves like a plain http.Client and 402 responses pass through.
func NewClient(opts ...ClientOption) (*Client, error) {
	client := &Client{
		Client: &http.Client{},
	}

	if client.Transport == nil {
		client.Transport = http.DefaultTransport
	}

	for _, opt := range opts {
		if err := opt(client); err != nil {
			return nil, err
		}
	}

	return client, nil
}

// WithHTTPClient bases the client on a copy of httpClient. The caller's
// client is left untouched.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) error {
		if httpClient == nil {
			return fmt.Errorf("http client cannot be nil")
		}
		clone := *httpClient
		c.Client = &clone
		if c.Transport == nil {
			c.Transport = http.DefaultTransport
		}
		return nil
	}
}

// WithTimeout bounds each fetch, including any paid retries.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		c.Timeout = d
		return nil
	}
}

// WithAdapter appends a payment adapter. Adapters are tried in the order added.
func WithAdapter(adapter Adapter) ClientOption {
	return func(c *Client) error {
		if adapter == nil {
			return fmt.Errorf("adapter cannot be nil")
		}
		transport := getOrCreateTransport(c)
		transport.Adapters = append(transport.Adapters, adapter)
		return nil
	}
}

// WithLogger sets the logger used by the payment transport.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) error {
		getOrCreateTransport(c).Logger = logger
		return nil
	}
}

// WithPaymentCallbacks sets all payment callbacks at once.
// Pass nil for any callback you don't want to set.
func WithPaymentCallbacks(onAttempt, onSuccess, onFailure wallet.PaymentCallback) ClientOption {
	return func(c *Client) error {
		transport := getOrCreateTransport(c)

		if onAttempt != nil {
			transport.OnPaymentAttempt = onAttempt
		}
		if onSuccess != nil {
			transport.OnPaymentSuccess = onSuccess
		}
		if onFailure != nil {
			transport.OnPaymentFailure = onFailure
		}

		return nil
	}
}

// getOrCreateTransport gets the PaymentTransport or creates one if it doesn't exist.
func getOrCreateTransport(c *Client) *PaymentTransport {
	transport, ok := c.Transport.(*PaymentTransport)
	if !ok {
		transport = &PaymentTransport{Base: c.Transport}
		c.Transport = transport
	}
	return transport
}
