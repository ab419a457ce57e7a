package x402

import (
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// Default EIP-712 domain of Circle's USDC.
const (
	DefaultAssetName    = "USDC"
	DefaultAssetVersion = "2"
)

var ErrBadSignature = errors.New("x402: signature does not match authorization")

// TypedData builds the EIP-712 TransferWithAuthorization message for auth,
// bound to the token contract asset on chainID.
func TypedData(auth Authorization, chainID int64, asset string, info *AssetInfo) apitypes.TypedData {
	name, version := DefaultAssetName, DefaultAssetVersion
	if info != nil && info.Name != "" {
		name, version = info.Name, info.Version
	}
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"TransferWithAuthorization": {
				{Name: "from", Type: "address"},
				{Name: "to", Type: "address"},
				{Name: "value", Type: "uint256"},
				{Name: "validAfter", Type: "uint256"},
				{Name: "validBefore", Type: "uint256"},
				{Name: "nonce", Type: "bytes32"},
			},
		},
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              name,
			Version:           version,
			ChainId:           math.NewHexOrDecimal256(chainID),
			VerifyingContract: common.HexToAddress(asset).Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"from":        common.HexToAddress(auth.From).Hex(),
			"to":          common.HexToAddress(auth.To).Hex(),
			"value":       auth.Value,
			"validAfter":  auth.ValidAfter,
			"validBefore": auth.ValidBefore,
			"nonce":       auth.Nonce,
		},
	}
}

// RecoverSigner returns the address that produced signature over the
// authorization's typed-data hash.
func RecoverSigner(auth Authorization, signature string, chainID int64, asset string, info *AssetInfo) (common.Address, error) {
	hash, _, err := apitypes.TypedDataAndHash(TypedData(auth, chainID, asset, info))
	if err != nil {
		return common.Address{}, fmt.Errorf("x402: hash typed data: %w", err)
	}
	sig, err := hexutil.Decode(signature)
	if err != nil || len(sig) != crypto.SignatureLength {
		return common.Address{}, ErrBadSignature
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return common.Address{}, ErrBadSignature
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Signer produces signed payment payloads from a local private key.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	now     func() time.Time
}

// NewSigner parses a hex private key (with or without 0x).
func NewSigner(hexKey string) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("x402: invalid private key: %w", err)
	}
	return NewSignerFromKey(key), nil
}

// NewSignerFromKey wraps an existing key.
func NewSignerFromKey(key *ecdsa.PrivateKey) *Signer {
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey), now: time.Now}
}

// Address returns the payer address.
func (s *Signer) Address() common.Address { return s.address }

// Pay authorizes exactly req.MaxAmountRequired to req.PayTo, valid from
// now for req.MaxTimeoutSeconds (60s when unset).
func (s *Signer) Pay(req PaymentRequirements) (*PaymentPayload, error) {
	chainID, ok := Networks[req.Network]
	if !ok {
		return nil, fmt.Errorf("x402: unsupported network %q", req.Network)
	}
	if _, err := req.Amount(); err != nil {
		return nil, err
	}
	timeout := req.MaxTimeoutSeconds
	if timeout <= 0 {
		timeout = 60
	}

	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("x402: generate nonce: %w", err)
	}
	now := s.now().Unix()
	auth := Authorization{
		From:        s.address.Hex(),
		To:          common.HexToAddress(req.PayTo).Hex(),
		Value:       req.MaxAmountRequired,
		ValidAfter:  strconv.FormatInt(now-1, 10),
		ValidBefore: strconv.FormatInt(now+int64(timeout), 10),
		Nonce:       hexutil.Encode(nonce[:]),
	}

	sig, err := s.Sign(auth, chainID, req.Asset, req.Extra)
	if err != nil {
		return nil, err
	}
	return &PaymentPayload{
		X402Version: Version,
		Scheme:      req.Scheme,
		Network:     req.Network,
		Payload:     ExactEvmPayload{Signature: sig, Authorization: auth},
	}, nil
}

// Sign signs auth and returns the 65-byte signature with v in {27, 28}.
func (s *Signer) Sign(auth Authorization, chainID int64, asset string, info *AssetInfo) (string, error) {
	hash, _, err := apitypes.TypedDataAndHash(TypedData(auth, chainID, asset, info))
	if err != nil {
		return "", fmt.Errorf("x402: hash typed data: %w", err)
	}
	sig, err := crypto.Sign(hash, s.key)
	if err != nil {
		return "", fmt.Errorf("x402: sign: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}
