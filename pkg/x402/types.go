// Package x402 implements the x402 payment protocol wire types, the
// X-PAYMENT header codec, an EIP-3009 authorization signer and an HTTP
// client that pays 402 challenges automatically.
package x402

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const (
	// Version is the protocol version carried in every payload.
	Version = 1

	// SchemeExact transfers an exact amount with EIP-3009 transferWithAuthorization.
	SchemeExact = "exact"

	// HeaderPayment carries a base64 JSON PaymentPayload.
	HeaderPayment = "X-PAYMENT"
	// HeaderPaymentResponse carries a base64 JSON SettleResponse.
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"
)

// Networks maps supported network names to EVM chain IDs.
var Networks = map[string]int64{
	"base":         8453,
	"base-sepolia": 84532,
}

// Reasons a payment fails verification.
const (
	InvalidScheme           = "invalid_scheme"
	InvalidNetwork          = "invalid_network"
	InvalidRecipient        = "invalid_exact_evm_payload_recipient_mismatch"
	InvalidValidBefore      = "invalid_exact_evm_payload_authorization_valid_before"
	InvalidValidAfter       = "invalid_exact_evm_payload_authorization_valid_after"
	InvalidSignature        = "invalid_exact_evm_payload_signature"
	InsufficientFunds       = "insufficient_funds"
	InvalidValue            = "invalid_exact_evm_payload_authorization_value"
	InvalidPayload          = "invalid_payload"
	InsufficientGas         = "insufficient_gas"
	UnexpectedSettleFailure = "unexpected_settle_error"
)

var ErrMalformedPayment = errors.New("x402: malformed payment header")

// AssetInfo is the EIP-712 domain of the token contract.
type AssetInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// PaymentRequirements describes one acceptable way to pay.
type PaymentRequirements struct {
	Scheme            string     `json:"scheme"`
	Network           string     `json:"network"`
	MaxAmountRequired string     `json:"maxAmountRequired"` // atomic units
	Resource          string     `json:"resource"`
	Description       string     `json:"description"`
	MimeType          string     `json:"mimeType"`
	PayTo             string     `json:"payTo"`
	MaxTimeoutSeconds int        `json:"maxTimeoutSeconds"`
	Asset             string     `json:"asset"`
	Extra             *AssetInfo `json:"extra,omitempty"`
}

// Amount parses MaxAmountRequired.
func (r *PaymentRequirements) Amount() (*big.Int, error) {
	v, ok := new(big.Int).SetString(r.MaxAmountRequired, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("x402: invalid maxAmountRequired %q", r.MaxAmountRequired)
	}
	return v, nil
}

// Authorization is an EIP-3009 transferWithAuthorization message. Numeric
// fields are decimal strings and Nonce is a 0x-prefixed bytes32.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// ParsedAuthorization is Authorization with typed fields.
type ParsedAuthorization struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  *big.Int
	ValidBefore *big.Int
	Nonce       [32]byte
}

// Parse validates and converts the string fields.
func (a *Authorization) Parse() (*ParsedAuthorization, error) {
	if !common.IsHexAddress(a.From) || !common.IsHexAddress(a.To) {
		return nil, fmt.Errorf("%w: bad address", ErrMalformedPayment)
	}
	p := &ParsedAuthorization{From: common.HexToAddress(a.From), To: common.HexToAddress(a.To)}

	for _, f := range []struct {
		name string
		raw  string
		dst  **big.Int
	}{
		{"value", a.Value, &p.Value},
		{"validAfter", a.ValidAfter, &p.ValidAfter},
		{"validBefore", a.ValidBefore, &p.ValidBefore},
	} {
		v, ok := new(big.Int).SetString(f.raw, 10)
		if !ok || v.Sign() < 0 {
			return nil, fmt.Errorf("%w: bad %s", ErrMalformedPayment, f.name)
		}
		*f.dst = v
	}

	nonce, err := hexutil.Decode(a.Nonce)
	if err != nil || len(nonce) != 32 {
		return nil, fmt.Errorf("%w: nonce must be 32 bytes", ErrMalformedPayment)
	}
	copy(p.Nonce[:], nonce)
	return p, nil
}

// ExactEvmPayload is the scheme-specific part of an "exact" payment.
type ExactEvmPayload struct {
	Signature     string        `json:"signature"`
	Authorization Authorization `json:"authorization"`
}

// PaymentPayload is the decoded X-PAYMENT header.
type PaymentPayload struct {
	X402Version int             `json:"x402Version"`
	Scheme      string          `json:"scheme"`
	Network     string          `json:"network"`
	Payload     ExactEvmPayload `json:"payload"`
}

// VerifyRequest is the body of a facilitator /verify or /settle call.
type VerifyRequest struct {
	X402Version         int                 `json:"x402Version"`
	PaymentPayload      PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}

// VerifyResponse is the facilitator's verdict.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleResponse is the outcome of an on-chain settlement.
type SettleResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Transaction string `json:"transaction"`
	Network     string `json:"network"`
	Payer       string `json:"payer,omitempty"`
}

// PaymentRequiredResponse is the JSON body of a 402 challenge.
type PaymentRequiredResponse struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error"`
	Message     string                `json:"message,omitempty"`
	Accepts     []PaymentRequirements `json:"accepts"`
}

// Error represents an x402 error response
type Error struct {
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is402Response checks if an HTTP response is a 402 Payment Required
func Is402Response(resp *http.Response) bool {
	return resp.StatusCode == http.StatusPaymentRequired
}

// ParsePaymentRequired extracts the challenge from a 402 response.
func ParsePaymentRequired(resp *http.Response) (*PaymentRequiredResponse, error) {
	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, fmt.Errorf("not a 402 response: got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var pr PaymentRequiredResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		return nil, fmt.Errorf("failed to parse payment requirements: %w", err)
	}
	return &pr, nil
}

// EncodeHeader serializes v as base64 JSON for X-PAYMENT or
// X-PAYMENT-RESPONSE.
func EncodeHeader(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("x402: marshal header: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodePayment parses an X-PAYMENT header. Both padded and unpadded
// base64 are accepted.
func DecodePayment(header string) (*PaymentPayload, error) {
	raw, err := decodeBase64(strings.TrimSpace(header))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayment, err)
	}
	var p PaymentPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayment, err)
	}
	if p.Scheme == "" || p.Network == "" || p.Payload.Signature == "" {
		return nil, fmt.Errorf("%w: missing scheme, network or signature", ErrMalformedPayment)
	}
	return &p, nil
}

// DecodeSettleResponse parses an X-PAYMENT-RESPONSE header.
func DecodeSettleResponse(header string) (*SettleResponse, error) {
	raw, err := decodeBase64(strings.TrimSpace(header))
	if err != nil {
		return nil, fmt.Errorf("x402: decode payment response: %w", err)
	}
	var s SettleResponse
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("x402: decode payment response: %w", err)
	}
	return &s, nil
}

func decodeBase64(s string) ([]byte, error) {
	if raw, err := base64.StdEncoding.DecodeString(s); err == nil {
		return raw, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}
