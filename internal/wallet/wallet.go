// Package wallet reads USDC and native balances from the chain and packs
// the token calldata the settlement path submits through custody.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// -----------------------------------------------------------------------------
// Errors - typed errors for programmatic handling
// -----------------------------------------------------------------------------

var (
	ErrInvalidAddress = errors.New("wallet: invalid address")
	ErrRPCConnection  = errors.New("wallet: RPC connection failed")
	ErrBadResponse    = errors.New("wallet: unexpected contract response")
)

// CallError wraps chain read failures with context
type CallError struct {
	Op  string // Contract method or RPC that failed
	Err error  // Underlying error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("wallet: %s failed: %v", e.Op, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// -----------------------------------------------------------------------------
// Interfaces - for testability and flexibility
// -----------------------------------------------------------------------------

// BalanceChecker reads token and gas balances
type BalanceChecker interface {
	BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error)
	NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error)
}

// EthClient abstracts go-ethereum client for testing
type EthClient interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	Close()
}

// -----------------------------------------------------------------------------
// Constants
// -----------------------------------------------------------------------------

// USDC ABI subset: balanceOf plus EIP-3009 transferWithAuthorization
const usdcABI = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"},{"name":"validAfter","type":"uint256"},{"name":"validBefore","type":"uint256"},{"name":"nonce","type":"bytes32"},{"name":"v","type":"uint8"},{"name":"r","type":"bytes32"},{"name":"s","type":"bytes32"}],"name":"transferWithAuthorization","outputs":[],"type":"function"}
]`

var parsedABI = mustParseABI()

func mustParseABI() abi.ABI {
	a, err := abi.JSON(strings.NewReader(usdcABI))
	if err != nil {
		panic(fmt.Sprintf("wallet: parse USDC ABI: %v", err))
	}
	return a
}

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// Config for creating a new chain reader
type Config struct {
	RPCURL       string
	USDCContract string
}

// Option configures the reader
type Option func(*Reader)

// WithClient sets a custom Ethereum client (useful for testing)
func WithClient(client EthClient) Option {
	return func(r *Reader) {
		r.client = client
	}
}

// Reader performs read-only calls against the USDC contract
type Reader struct {
	client       EthClient
	usdcContract common.Address
}

// Compile-time interface check
var _ BalanceChecker = (*Reader)(nil)

// New creates a Reader. The RPC connection is dialed lazily by ethclient.
func New(cfg Config, opts ...Option) (*Reader, error) {
	if !common.IsHexAddress(cfg.USDCContract) {
		return nil, fmt.Errorf("%w: USDC contract %q", ErrInvalidAddress, cfg.USDCContract)
	}

	r := &Reader{usdcContract: common.HexToAddress(cfg.USDCContract)}
	for _, opt := range opts {
		opt(r)
	}

	if r.client == nil {
		if cfg.RPCURL == "" {
			return nil, fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
		}
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		r.client = client
	}

	return r, nil
}

// Contract returns the USDC contract address
func (r *Reader) Contract() common.Address {
	return r.usdcContract
}

// BalanceOf returns the USDC balance of addr in atomic units
func (r *Reader) BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error) {
	data, err := parsedABI.Pack("balanceOf", addr)
	if err != nil {
		return nil, &CallError{Op: "pack balanceOf", Err: err}
	}

	result, err := r.client.CallContract(ctx, ethereum.CallMsg{
		To:   &r.usdcContract,
		Data: data,
	}, nil)
	if err != nil {
		return nil, &CallError{Op: "balanceOf", Err: err}
	}

	out, err := parsedABI.Unpack("balanceOf", result)
	if err != nil || len(out) != 1 {
		return nil, &CallError{Op: "balanceOf", Err: ErrBadResponse}
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, &CallError{Op: "balanceOf", Err: ErrBadResponse}
	}
	return balance, nil
}

// NativeBalance returns the gas token balance of addr in wei
func (r *Reader) NativeBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	balance, err := r.client.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, &CallError{Op: "eth_getBalance", Err: err}
	}
	return balance, nil
}

// Close closes the client connection
func (r *Reader) Close() error {
	if r.client != nil {
		r.client.Close()
	}
	return nil
}

// TransferAuthorization is the decoded argument list of
// transferWithAuthorization.
type TransferAuthorization struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  *big.Int
	ValidBefore *big.Int
	Nonce       [32]byte
	Signature   []byte // 65 bytes, r || s || v
}

// PackTransferWithAuthorization returns calldata that executes a signed
// EIP-3009 transfer. v may be 0/1 or 27/28.
func PackTransferWithAuthorization(ta TransferAuthorization) ([]byte, error) {
	if len(ta.Signature) != 65 {
		return nil, fmt.Errorf("wallet: signature must be 65 bytes, got %d", len(ta.Signature))
	}
	var rr, ss [32]byte
	copy(rr[:], ta.Signature[:32])
	copy(ss[:], ta.Signature[32:64])
	v := ta.Signature[64]
	if v < 27 {
		v += 27
	}

	data, err := parsedABI.Pack("transferWithAuthorization",
		ta.From, ta.To, ta.Value, ta.ValidAfter, ta.ValidBefore, ta.Nonce, v, rr, ss)
	if err != nil {
		return nil, &CallError{Op: "pack transferWithAuthorization", Err: err}
	}
	return data, nil
}
