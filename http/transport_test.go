package http

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clawtrl/wallet"
	"github.com/clawtrl/wallet/encoding"
)

func newTransport(t *testing.T, adapters ...Adapter) *PaymentTransport {
	t.Helper()
	return &PaymentTransport{Base: http.DefaultTransport, Adapters: adapters}
}

func TestRoundTrip_NonPaymentRequest(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte("success"))
	}))
	defer server.Close()

	signer := newTestPaymentSigner(t)
	transport := newTransport(t, NewV2Adapter(signer), NewV1Adapter(signer))

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	resp, err := transport.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, calls.Load())
}

func TestRoundTrip_V1PaymentRequired(t *testing.T) {
	var calls atomic.Int32
	var paid wallet.PaymentPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		header := r.Header.Get(HeaderXPayment)
		if header == "" {
			w.WriteHeader(http.StatusPaymentRequired)
			_, _ = w.Write(v1Requirements("10000"))
			return
		}
		var err error
		paid, err = encoding.DecodePayment(header)
		require.NoError(t, err)
		writeSettlement(t, w, HeaderXPaymentResponse)
		_, _ = w.Write([]byte("paid content"))
	}))
	defer server.Close()

	transport := newTransport(t, NewV1Adapter(newTestPaymentSigner(t)))
	var settled wallet.PaymentEvent
	transport.OnPaymentSuccess = func(e wallet.PaymentEvent) { settled = e }

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	resp, err := transport.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "paid content", string(body))
	assert.EqualValues(t, 2, calls.Load())
	assert.Equal(t, 1, paid.X402Version)
	assert.Equal(t, "base", paid.Network)
	assert.Equal(t, "exact", paid.Scheme)

	assert.Equal(t, "0xfeed", settled.Transaction)
	assert.Equal(t, "v1", settled.Protocol)
}

func TestRoundTrip_V2PaymentRequired(t *testing.T) {
	var calls atomic.Int32
	var paid wallet.PaymentPayloadV2
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		header := r.Header.Get(HeaderPaymentSignature)
		if header == "" {
			write402(t, w, "2500")
			return
		}
		var err error
		paid, err = decodeV2(header)
		require.NoError(t, err)
		writeSettlement(t, w, HeaderPaymentResponse)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	signer := newTestPaymentSigner(t)
	transport := newTransport(t, NewV2Adapter(signer), NewV1Adapter(signer))

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	resp, err := transport.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, calls.Load())
	assert.Equal(t, 2, paid.X402Version)
	assert.Equal(t, "eip155:8453", paid.Accepted.Network, "accepted echoes the server's option")
	assert.Equal(t, "2500", paid.Accepted.Amount)
	require.NotNil(t, paid.Resource)
	assert.Equal(t, "https://api.example.com/premium", paid.Resource.URL)

	payload, ok := paid.Payload.(map[string]interface{})
	require.True(t, ok)
	auth := payload["authorization"].(map[string]interface{})
	assert.Equal(t, "2500", auth["value"])
}

func decodeV2(header string) (wallet.PaymentPayloadV2, error) {
	return encoding.DecodePaymentV2(header)
}

func TestRoundTrip_AlwaysPaymentRequiredIsBounded(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		write402(t, w, "10000")
	}))
	defer server.Close()

	var failures []wallet.PaymentEvent
	signer := newTestPaymentSigner(t)
	transport := newTransport(t, NewV2Adapter(signer), NewV1Adapter(signer))
	transport.OnPaymentFailure = func(e wallet.PaymentEvent) { failures = append(failures, e) }

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	resp, err := transport.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.Contains(t, string(body), `"x402Version":1`, "the final 402 is returned as-is")
	assert.EqualValues(t, 3, calls.Load(), "one unpaid attempt plus one paid retry per adapter")

	require.Len(t, failures, 2)
	assert.Equal(t, "v2", failures[0].Protocol)
	assert.Equal(t, "v1", failures[1].Protocol)
	assert.Equal(t, http.StatusPaymentRequired, failures[1].Status)
}

func TestRoundTrip_SingleAdapterIsBounded(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		write402(t, w, "10000")
	}))
	defer server.Close()

	transport := newTransport(t, NewV1Adapter(newTestPaymentSigner(t)))

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	resp, err := transport.RoundTrip(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.EqualValues(t, 2, calls.Load())
}

func TestRoundTrip_V2DeclinesLegacyServer(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Empty(t, r.Header.Get(HeaderPaymentSignature), "v2 must not pay a v1-only server")
		if r.Header.Get(HeaderXPayment) == "" {
			w.WriteHeader(http.StatusPaymentRequired)
			_, _ = w.Write(v1Requirements("10000"))
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	signer := newTestPaymentSigner(t)
	transport := newTransport(t, NewV2Adapter(signer), NewV1Adapter(signer))

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	resp, err := transport.RoundTrip(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, calls.Load())
}

func TestRoundTrip_FallsBackToV1WhenV2Rejected(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get(HeaderXPayment) != "" {
			w.WriteHeader(http.StatusOK)
			return
		}
		write402(t, w, "10000")
	}))
	defer server.Close()

	var attempts []string
	signer := newTestPaymentSigner(t)
	transport := newTransport(t, NewV2Adapter(signer), NewV1Adapter(signer))
	transport.OnPaymentAttempt = func(e wallet.PaymentEvent) { attempts = append(attempts, e.Protocol) }

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	resp, err := transport.RoundTrip(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 3, calls.Load())
	assert.Equal(t, []string{"v2", "v1"}, attempts)
}

func TestRoundTrip_NoAdapterApplies(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte("pay me somehow"))
	}))
	defer server.Close()

	signer := newTestPaymentSigner(t)
	transport := newTransport(t, NewV2Adapter(signer), NewV1Adapter(signer))

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	resp, err := transport.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.Equal(t, "pay me somehow", string(body))
	assert.EqualValues(t, 1, calls.Load())
}

func TestRoundTrip_NoSignerForNetwork(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"x402Version":1,"accepts":[{"scheme":"exact","network":"solana","maxAmountRequired":"1","asset":"EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v","payTo":"x"}]}`))
	}))
	defer server.Close()

	transport := newTransport(t, NewV1Adapter(newTestPaymentSigner(t)))

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	resp, err := transport.RoundTrip(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.EqualValues(t, 1, calls.Load())
}

func TestRoundTrip_ResendsBody(t *testing.T) {
	var bodies []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(data))
		if r.Header.Get(HeaderXPayment) == "" {
			w.WriteHeader(http.StatusPaymentRequired)
			_, _ = w.Write(v1Requirements("10000"))
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	transport := newTransport(t, NewV1Adapter(newTestPaymentSigner(t)))

	req, _ := http.NewRequest(http.MethodPost, server.URL, strings.NewReader(`{"q":"hello"}`))
	resp, err := transport.RoundTrip(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, []string{`{"q":"hello"}`, `{"q":"hello"}`}, bodies)
}

func TestRoundTrip_AmountExceeded(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		write402(t, w, "5000000")
	}))
	defer server.Close()

	var failure *wallet.PaymentEvent
	signer := newTestPaymentSigner(t, maxAmount(1000000))
	transport := newTransport(t, NewV2Adapter(signer), NewV1Adapter(signer))
	transport.OnPaymentFailure = func(e wallet.PaymentEvent) { failure = &e }

	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	_, err := transport.RoundTrip(req)

	assert.ErrorIs(t, err, wallet.ErrAmountExceeded)
	assert.EqualValues(t, 1, calls.Load(), "nothing is paid above the cap")
	require.NotNil(t, failure)
	assert.Equal(t, "v2", failure.Protocol)
}

func TestRoundTrip_Callbacks(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(HeaderXPayment) == "" {
			w.WriteHeader(http.StatusPaymentRequired)
			_, _ = w.Write(v1Requirements("10000"))
			return
		}
		writeSettlement(t, w, HeaderXPaymentResponse)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	var events []wallet.PaymentEvent
	record := func(e wallet.PaymentEvent) { events = append(events, e) }

	client, err := NewClient(
		WithAdapter(NewV1Adapter(newTestPaymentSigner(t))),
		WithPaymentCallbacks(record, record, record),
	)
	require.NoError(t, err)

	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	resp.Body.Close()

	require.Len(t, events, 2)
	assert.Equal(t, wallet.PaymentEventAttempt, events[0].Type)
	assert.Equal(t, "10000", events[0].Amount)
	assert.Equal(t, testPayTo, events[0].Recipient)

	assert.Equal(t, wallet.PaymentEventSuccess, events[1].Type)
	assert.Equal(t, "0xfeed", events[1].Transaction)
	assert.Equal(t, http.StatusOK, events[1].Status)
}

func TestRoundTrip_BaseError(t *testing.T) {
	boom := errors.New("dial failed")
	transport := &PaymentTransport{
		Base: roundTripFunc(func(*http.Request) (*http.Response, error) { return nil, boom }),
	}

	req, _ := http.NewRequest(http.MethodGet, "http://example.invalid", nil)
	_, err := transport.RoundTrip(req)
	assert.ErrorIs(t, err, boom)
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }
