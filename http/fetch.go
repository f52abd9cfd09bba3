package http

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/clawtrl/wallet/authn"
)

// RequestSigner produces the authentication headers for an outbound request.
type RequestSigner interface {
	Sign(method, url, body string) (authn.Headers, error)
}

// FetchRequest is an outbound request made on behalf of the caller.
type FetchRequest struct {
	URL     string            `json:"url" validate:"required,url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// FetchResponse is the final upstream response, whichever path produced it.
type FetchResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// Fetcher signs outbound requests and sends them through a payment-capable client.
type Fetcher struct {
	client *http.Client
	signer RequestSigner
}

// NewFetcher creates a Fetcher. A nil client means http.DefaultClient, which
// passes 402 responses through untouched.
func NewFetcher(client *http.Client, signer RequestSigner) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{client: client, signer: signer}
}

// Fetch performs the request. Caller headers are applied first; the
// authentication headers always win.
func (f *Fetcher) Fetch(ctx context.Context, r FetchRequest) (*FetchResponse, error) {
	method := strings.ToUpper(r.Method)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if r.Body != "" {
		body = strings.NewReader(r.Body)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.URL, body)
	if err != nil {
		return nil, fmt.Errorf("invalid fetch request: %w", err)
	}

	for name, value := range r.Headers {
		req.Header.Set(name, value)
	}

	if f.signer != nil {
		headers, err := f.signer.Sign(method, r.URL, r.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to sign request: %w", err)
		}
		headers.Apply(req.Header)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", r.URL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return &FetchResponse{
		Status:  resp.StatusCode,
		Headers: flattenHeader(resp.Header),
		Body:    string(data),
	}, nil
}

// flattenHeader keys headers by lower-cased name. Repeated values are
// combined with ", " as a single field value.
func flattenHeader(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		if len(values) > 0 {
			out[strings.ToLower(name)] = strings.Join(values, ", ")
		}
	}
	return out
}
