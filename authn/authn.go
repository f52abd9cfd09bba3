// Package authn produces and checks ERC-8128 style request signatures.
//
// A signature covers, newline-joined and in this order: the uppercased method,
// the URL exactly as given, the hex SHA-256 of the body, the unix timestamp in
// seconds and the decimal chain id. The receiver recomputes the message and
// recovers the signer from the EIP-191 signature.
package authn

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/clawtrl/wallet/account"
)

// Header names carried by a signed request.
const (
	HeaderAddress   = "X-ERC8128-Address"
	HeaderSignature = "X-ERC8128-Signature"
	HeaderTimestamp = "X-ERC8128-Timestamp"
	HeaderChainID   = "X-ERC8128-Chain-Id"
)

var (
	// ErrMissingHeader indicates one of the four signature headers is absent.
	ErrMissingHeader = errors.New("authn: missing signature header")

	// ErrSignatureMismatch indicates the signature does not recover to the claimed address.
	ErrSignatureMismatch = errors.New("authn: signature does not match address")

	// ErrStale indicates the timestamp is outside the accepted window.
	ErrStale = errors.New("authn: timestamp outside validity window")
)

// MessageSigner is the part of an account the authenticator needs.
type MessageSigner interface {
	Address() common.Address
	SignMessage(msg []byte) ([]byte, error)
}

// Headers is the four-header signature set for one request.
type Headers struct {
	Address   string
	Signature string
	Timestamp string
	ChainID   string
}

// Map returns the headers keyed by their wire names.
func (h Headers) Map() map[string]string {
	return map[string]string{
		HeaderAddress:   h.Address,
		HeaderSignature: h.Signature,
		HeaderTimestamp: h.Timestamp,
		HeaderChainID:   h.ChainID,
	}
}

// Apply sets the headers on an outbound request header set.
func (h Headers) Apply(dst http.Header) {
	for k, v := range h.Map() {
		dst.Set(k, v)
	}
}

// Authenticator signs requests with a single account for a single chain.
type Authenticator struct {
	signer  MessageSigner
	chainID int64
	now     func() time.Time
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) {
		a.now = now
	}
}

// New creates an Authenticator.
func New(signer MessageSigner, chainID int64, opts ...Option) *Authenticator {
	a := &Authenticator{
		signer:  signer,
		chainID: chainID,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// BodyDigest returns the hex SHA-256 of body. An empty body hashes like any other.
func BodyDigest(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}

// CanonicalMessage builds the exact byte string that is signed.
func CanonicalMessage(method, url, body string, timestamp, chainID int64) string {
	return strings.Join([]string{
		strings.ToUpper(method),
		url,
		BodyDigest(body),
		strconv.FormatInt(timestamp, 10),
		strconv.FormatInt(chainID, 10),
	}, "\n")
}

// Sign produces fresh headers for (method, url, body). The result must not be cached.
func (a *Authenticator) Sign(method, url, body string) (Headers, error) {
	ts := a.now().Unix()

	sig, err := a.signer.SignMessage([]byte(CanonicalMessage(method, url, body, ts, a.chainID)))
	if err != nil {
		return Headers{}, fmt.Errorf("failed to sign request: %w", err)
	}

	return Headers{
		Address:   a.signer.Address().Hex(),
		Signature: hexutil.Encode(sig),
		Timestamp: strconv.FormatInt(ts, 10),
		ChainID:   strconv.FormatInt(a.chainID, 10),
	}, nil
}

// Verify checks headers against (method, url, body) and returns the signer.
// A zero maxAge disables the freshness check.
func Verify(h Headers, method, url, body string, now time.Time, maxAge time.Duration) (common.Address, error) {
	if h.Address == "" || h.Signature == "" || h.Timestamp == "" || h.ChainID == "" {
		return common.Address{}, ErrMissingHeader
	}
	if !common.IsHexAddress(h.Address) {
		return common.Address{}, fmt.Errorf("%w: bad address %q", ErrSignatureMismatch, h.Address)
	}

	ts, err := strconv.ParseInt(h.Timestamp, 10, 64)
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid timestamp %q: %w", h.Timestamp, err)
	}
	chainID, err := strconv.ParseInt(h.ChainID, 10, 64)
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid chain id %q: %w", h.ChainID, err)
	}
	if maxAge > 0 {
		age := now.Sub(time.Unix(ts, 0))
		if age > maxAge || age < -maxAge {
			return common.Address{}, ErrStale
		}
	}

	sig, err := hexutil.Decode(h.Signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid signature encoding: %w", err)
	}

	signer, err := account.RecoverMessageSigner([]byte(CanonicalMessage(method, url, body, ts, chainID)), sig)
	if err != nil {
		return common.Address{}, err
	}
	if signer != common.HexToAddress(h.Address) {
		return common.Address{}, ErrSignatureMismatch
	}
	return signer, nil
}

// FromHeader reads the four signature headers from an http.Header.
func FromHeader(src http.Header) Headers {
	return Headers{
		Address:   src.Get(HeaderAddress),
		Signature: src.Get(HeaderSignature),
		Timestamp: src.Get(HeaderTimestamp),
		ChainID:   src.Get(HeaderChainID),
	}
}
