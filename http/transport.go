package http

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/clawtrl/wallet"
	"github.com/clawtrl/wallet/encoding"
)

// PaymentTransport is a RoundTripper that answers 402 Payment Required
// responses. After the unpaid attempt each adapter, in order, gets at most one
// paid retry while the response is still 402, so a request reaches the
// upstream at most 1+len(Adapters) times.
type PaymentTransport struct {
	// Base is the underlying RoundTripper (typically http.DefaultTransport).
	Base http.RoundTripper

	// Adapters are tried in order.
	Adapters []Adapter

	OnPaymentAttempt wallet.PaymentCallback
	OnPaymentSuccess wallet.PaymentCallback
	OnPaymentFailure wallet.PaymentCallback

	Logger *slog.Logger
}

// RoundTrip implements http.RoundTripper.
func (t *PaymentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	logger := t.Logger
	if logger == nil {
		logger = slog.Default()
	}

	body, err := bufferBody(req)
	if err != nil {
		return nil, err
	}

	resp, err := base.RoundTrip(RequestWithBody(req, body))
	if err != nil {
		return nil, err
	}

	for _, adapter := range t.Adapters {
		if resp.StatusCode != http.StatusPaymentRequired {
			return resp, nil
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read 402 response body: %w", err)
		}

		payment, err := adapter.Prepare(resp, respBody)
		if err != nil {
			if skippable(err) {
				logger.Debug("payment adapter declined",
					"adapter", adapter.Name(),
					"url", req.URL.String(),
					"reason", err)
				resp.Body = io.NopCloser(bytes.NewReader(respBody))
				continue
			}
			t.emit(t.OnPaymentFailure, wallet.PaymentEvent{
				Type:      wallet.PaymentEventFailure,
				Timestamp: time.Now(),
				Protocol:  adapter.Name(),
				Method:    req.Method,
				URL:       req.URL.String(),
				Error:     err,
			})
			return nil, err
		}

		start := time.Now()
		event := wallet.PaymentEvent{
			Protocol:  adapter.Name(),
			Method:    req.Method,
			URL:       req.URL.String(),
			Network:   payment.Requirement.Network,
			Scheme:    payment.Requirement.Scheme,
			Amount:    payment.Requirement.MaxAmountRequired,
			Asset:     payment.Requirement.Asset,
			Recipient: payment.Requirement.PayTo,
		}

		attempt := event
		attempt.Type = wallet.PaymentEventAttempt
		attempt.Timestamp = start
		t.emit(t.OnPaymentAttempt, attempt)

		retry := RequestWithBody(req, body)
		retry.Header.Set(payment.Header, payment.Value)

		resp, err = base.RoundTrip(retry)
		event.Duration = time.Since(start)
		event.Timestamp = time.Now()
		if err != nil {
			event.Type = wallet.PaymentEventFailure
			event.Error = err
			t.emit(t.OnPaymentFailure, event)
			return nil, err
		}

		event.Status = resp.StatusCode
		if settlement := parseSettlement(resp.Header.Get(payment.SettlementHeader)); settlement != nil {
			event.Transaction = settlement.Transaction
			event.Payer = settlement.Payer
		}

		if resp.StatusCode == http.StatusPaymentRequired {
			event.Type = wallet.PaymentEventFailure
			event.Error = fmt.Errorf("payment via %s was not accepted", adapter.Name())
			t.emit(t.OnPaymentFailure, event)
			continue
		}

		event.Type = wallet.PaymentEventSuccess
		t.emit(t.OnPaymentSuccess, event)
		logger.Info("payment accepted",
			"adapter", adapter.Name(),
			"url", req.URL.String(),
			"network", event.Network,
			"amount", event.Amount,
			"transaction", event.Transaction)
	}

	return resp, nil
}

func (t *PaymentTransport) emit(cb wallet.PaymentCallback, event wallet.PaymentEvent) {
	if cb != nil {
		cb(event)
	}
}

// bufferBody reads the request body once so every attempt can resend it.
func bufferBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer req.Body.Close()
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	return body, nil
}

// parseSettlement decodes a settlement header, returning nil when absent or malformed.
func parseSettlement(headerValue string) *wallet.SettlementResponse {
	if headerValue == "" {
		return nil
	}
	settlement, err := encoding.DecodeSettlement(headerValue)
	if err != nil {
		return nil
	}
	return &settlement
}

// RequestWithBody clones an HTTP request with a new body.
// This is needed because request bodies can only be read once.
func RequestWithBody(req *http.Request, body []byte) *http.Request {
	clone := req.Clone(req.Context())
	if body == nil {
		clone.Body = http.NoBody
		clone.ContentLength = 0
		clone.GetBody = nil
		return clone
	}
	clone.Body = io.NopCloser(bytes.NewReader(body))
	clone.ContentLength = int64(len(body))
	clone.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	return clone
}
