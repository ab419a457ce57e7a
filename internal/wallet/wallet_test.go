package wallet

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testUSDC = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"

type mockEthClient struct {
	balances map[common.Address]*big.Int
	native   map[common.Address]*big.Int
	err      error
	lastCall ethereum.CallMsg
	closed   bool
}

func (m *mockEthClient) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	m.lastCall = call
	if m.err != nil {
		return nil, m.err
	}
	// balanceOf(address): selector then the left-padded owner
	owner := common.BytesToAddress(call.Data[4:36])
	bal := m.balances[owner]
	if bal == nil {
		bal = new(big.Int)
	}
	return common.LeftPadBytes(bal.Bytes(), 32), nil
}

func (m *mockEthClient) BalanceAt(_ context.Context, account common.Address, _ *big.Int) (*big.Int, error) {
	if m.err != nil {
		return nil, m.err
	}
	if b := m.native[account]; b != nil {
		return b, nil
	}
	return new(big.Int), nil
}

func (m *mockEthClient) Close() { m.closed = true }

func newTestReader(t *testing.T, client *mockEthClient) *Reader {
	t.Helper()
	r, err := New(Config{USDCContract: testUSDC}, WithClient(client))
	require.NoError(t, err)
	return r
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{USDCContract: "not-an-address"})
	assert.ErrorIs(t, err, ErrInvalidAddress)

	_, err = New(Config{USDCContract: testUSDC})
	assert.ErrorIs(t, err, ErrRPCConnection)
}

func TestReader_BalanceOf(t *testing.T) {
	payer := common.HexToAddress("0x1111111111111111111111111111111111111111")
	client := &mockEthClient{balances: map[common.Address]*big.Int{payer: big.NewInt(2_500_000)}}
	r := newTestReader(t, client)

	bal, err := r.BalanceOf(context.Background(), payer)
	require.NoError(t, err)
	assert.Equal(t, int64(2_500_000), bal.Int64())

	require.NotNil(t, client.lastCall.To)
	assert.Equal(t, common.HexToAddress(testUSDC), *client.lastCall.To)
	assert.Equal(t, crypto.Keccak256([]byte("balanceOf(address)"))[:4], client.lastCall.Data[:4])

	bal, err = r.BalanceOf(context.Background(), common.HexToAddress("0x2222222222222222222222222222222222222222"))
	require.NoError(t, err)
	assert.Equal(t, 0, bal.Sign())
}

func TestReader_Errors(t *testing.T) {
	rpcErr := errors.New("connection refused")
	r := newTestReader(t, &mockEthClient{err: rpcErr})

	_, err := r.BalanceOf(context.Background(), common.Address{})
	var ce *CallError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "balanceOf", ce.Op)
	assert.ErrorIs(t, err, rpcErr)

	_, err = r.NativeBalance(context.Background(), common.Address{})
	assert.ErrorIs(t, err, rpcErr)
	assert.Contains(t, err.Error(), "eth_getBalance failed")
}

func TestReader_NativeBalance(t *testing.T) {
	account := common.HexToAddress("0x3333333333333333333333333333333333333333")
	wei, _ := new(big.Int).SetString("200000000000000", 10)
	client := &mockEthClient{native: map[common.Address]*big.Int{account: wei}}
	r := newTestReader(t, client)

	got, err := r.NativeBalance(context.Background(), account)
	require.NoError(t, err)
	assert.Equal(t, 0, wei.Cmp(got))

	require.NoError(t, r.Close())
	assert.True(t, client.closed)
}

func TestPackTransferWithAuthorization(t *testing.T) {
	sig := bytes.Repeat([]byte{0xab}, 65)
	sig[64] = 1

	ta := TransferAuthorization{
		From:        common.HexToAddress("0x1111111111111111111111111111111111111111"),
		To:          common.HexToAddress("0x209693Bc6afc0C5328bA36FaF03C514EF312287C"),
		Value:       big.NewInt(10_000),
		ValidAfter:  big.NewInt(0),
		ValidBefore: big.NewInt(1_900_000_000),
		Nonce:       [32]byte{1, 2, 3},
		Signature:   sig,
	}
	data, err := PackTransferWithAuthorization(ta)
	require.NoError(t, err)

	selector := crypto.Keccak256([]byte("transferWithAuthorization(address,address,uint256,uint256,uint256,bytes32,uint8,bytes32,bytes32)"))[:4]
	assert.Equal(t, selector, data[:4])
	assert.Len(t, data, 4+9*32)

	args, err := parsedABI.Methods["transferWithAuthorization"].Inputs.Unpack(data[4:])
	require.NoError(t, err)
	assert.Equal(t, ta.From, args[0])
	assert.Equal(t, 0, ta.Value.Cmp(args[2].(*big.Int)))
	assert.Equal(t, uint8(28), args[6], "recovery id is normalized to 27/28")

	ta.Signature = sig[:64]
	_, err = PackTransferWithAuthorization(ta)
	assert.Error(t, err)
}
