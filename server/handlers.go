package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	x402http "github.com/clawtrl/wallet/http"
	"github.com/clawtrl/wallet/ledger"
	"github.com/clawtrl/wallet/metrics"
)

// maxBodyBytes caps inbound JSON bodies.
const maxBodyBytes = 1 << 20

type identityResponse struct {
	Address string `json:"address"`
	Chain   string `json:"chain"`
	ChainID int64  `json:"chainId"`
}

type healthResponse struct {
	Status string `json:"status"`
	identityResponse
}

type balanceResponse struct {
	Address string `json:"address"`
	Chain   string `json:"chain"`
	ETH     string `json:"eth"`
	USDC    string `json:"usdc"`
}

type transferBody struct {
	To string `json:"to" validate:"required"`
	// Amount is a JSON string or number and is echoed back in the same form.
	Amount json.RawMessage `json:"amount" validate:"required"`
	Token  string          `json:"token"`
}

type transferResponse struct {
	Success bool            `json:"success"`
	Hash    string          `json:"hash"`
	Token   string          `json:"token"`
	Amount  json.RawMessage `json:"amount"`
	To      string          `json:"to"`
}

// amountText reads a JSON string or number as decimal text. Null reads as "".
func amountText(raw json.RawMessage) (string, error) {
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("invalid amount: must be a number or numeric string")
	}
	return n.String(), nil
}

type signBody struct {
	URL    string `json:"url" validate:"required"`
	Method string `json:"method"`
	Body   string `json:"body"`
}

type signResponse struct {
	Headers map[string]string `json:"headers"`
}

func (s *Server) identity() identityResponse {
	return identityResponse{
		Address: s.app.Address.Hex(),
		Chain:   s.app.Chain.NetworkID,
		ChainID: s.app.Chain.ChainID,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", identityResponse: s.identity()})
}

func (s *Server) handleIdentity(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.identity())
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	bal, err := s.app.Ledger.Balance(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{
		Address: s.app.Address.Hex(),
		Chain:   s.app.Chain.NetworkID,
		ETH:     bal.ETHDisplay,
		USDC:    bal.USDCDisplay,
	})
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var body transferBody
	if err := s.decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	amount, err := amountText(body.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.app.Ledger.Transfer(r.Context(), ledger.TransferRequest{
		To:     body.To,
		Amount: amount,
		Token:  body.Token,
	})
	if result != nil {
		s.app.Recorder.IncCounter(metrics.EventTransfer, map[string]string{"status": result.Status})
	}
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ledger.ErrInvalidRequest) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, transferResponse{
		Success: true,
		Hash:    result.Hash.Hex(),
		Token:   string(result.Token),
		Amount:  body.Amount,
		To:      result.To,
	})
}

func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	var body signBody
	if err := s.decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	method := body.Method
	if method == "" {
		method = http.MethodGet
	}
	headers, err := s.app.Signer.Sign(method, body.URL, body.Body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, signResponse{Headers: headers.Map()})
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	var body x402http.FetchRequest
	if err := s.decode(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := s.app.Fetcher.Fetch(r.Context(), body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// decode reads a JSON body into v and validates it.
func (s *Server) decode(r *http.Request, v interface{}) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("failed to read body: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		data = []byte("{}")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := s.validate.Struct(v); err != nil {
		return describe(err)
	}
	return nil
}

// describe turns validator errors into a short message naming the fields.
func describe(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	var missing, invalid []string
	for _, fe := range verrs {
		name := strings.ToLower(fe.Field())
		if fe.Tag() == "required" {
			missing = append(missing, name)
		} else {
			invalid = append(invalid, name)
		}
	}

	switch {
	case len(missing) > 0:
		return fmt.Errorf("%s required", strings.Join(missing, " and "))
	default:
		return fmt.Errorf("invalid %s", strings.Join(invalid, ", "))
	}
}
