package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade-executor/internal/apperr"
)

type revertError struct{ data string }

func (e revertError) Error() string          { return "execution reverted" }
func (e revertError) ErrorData() interface{} { return e.data }

type fakeBackend struct {
	mu sync.Mutex

	callResult []byte
	callErr    error
	estimate   uint64
	nonce      uint64
	tip        *big.Int
	baseFee    *big.Int
	sendErr    error
	sent       []*types.Transaction
	receipts   map[common.Hash]*types.Receipt
	lookups    int
	lastCall   ethereum.CallMsg
}

func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastCall = msg
	return f.callResult, f.callErr
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return f.estimate, nil
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return f.tip, nil
}

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{BaseFee: f.baseFee}, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if r, ok := f.receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (f *fakeBackend) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return big.NewInt(5), nil
}

func newTestClient(backend Backend) *Client {
	return NewClientWithBackend(Options{ChainID: 8453, GasBufferPct: 20}, backend, zerolog.Nop())
}

func TestBuildTxFillsFeesAndBuffersGas(t *testing.T) {
	backend := &fakeBackend{nonce: 9, tip: big.NewInt(2), baseFee: big.NewInt(100), estimate: 100_000}
	client := newTestClient(backend)

	tx, err := client.BuildTx(context.Background(), TxRequest{
		From: common.HexToAddress("0x01"),
		To:   common.HexToAddress("0x02"),
		Data: []byte{0xde, 0xad},
	})
	require.NoError(t, err)

	assert.Equal(t, uint64(9), tx.Nonce())
	assert.Equal(t, uint64(120_000), tx.Gas())
	assert.Equal(t, big.NewInt(202), tx.GasFeeCap())
	assert.Equal(t, big.NewInt(2), tx.GasTipCap())
	assert.Equal(t, big.NewInt(8453), tx.ChainId())
	assert.Equal(t, 0, tx.Value().Sign())
}

func TestBuildTxUsesUpstreamGasHint(t *testing.T) {
	backend := &fakeBackend{tip: big.NewInt(1), baseFee: big.NewInt(1), estimate: 1}
	client := newTestClient(backend)

	tx, err := client.BuildTx(context.Background(), TxRequest{To: common.HexToAddress("0x02"), Gas: 50_000})
	require.NoError(t, err)
	assert.Equal(t, uint64(60_000), tx.Gas())
}

func TestSimulateClassifiesRevert(t *testing.T) {
	backend := &fakeBackend{callErr: revertError{data: "0x08c379a0"}}
	client := newTestClient(backend)

	err := client.Simulate(context.Background(), ethereum.CallMsg{})
	require.Error(t, err)
	assert.True(t, apperr.HasCode(err, apperr.CodeSimulationReverted))

	appErr, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, "0x08c379a0", appErr.Details["reason"])
}

func TestSimulateTransportErrorIsUpstream(t *testing.T) {
	backend := &fakeBackend{callErr: errors.New("connection refused")}
	client := newTestClient(backend)

	err := client.Simulate(context.Background(), ethereum.CallMsg{})
	assert.True(t, apperr.HasCode(err, apperr.CodeUpstream))
}

func TestTokenBalanceDecodes(t *testing.T) {
	backend := &fakeBackend{callResult: common.LeftPadBytes(big.NewInt(42).Bytes(), 32)}
	client := newTestClient(backend)

	token := common.HexToAddress("0xaa")
	balance, err := client.TokenBalance(context.Background(), token, common.HexToAddress("0xbb"))
	require.NoError(t, err)
	assert.Equal(t, int64(42), balance.Int64())
	require.NotNil(t, backend.lastCall.To)
	assert.Equal(t, token, *backend.lastCall.To)
}

func TestTokenBalanceRejectsShortResponse(t *testing.T) {
	backend := &fakeBackend{callResult: []byte{0x01}}
	client := newTestClient(backend)

	_, err := client.TokenBalance(context.Background(), common.HexToAddress("0xaa"), common.HexToAddress("0xbb"))
	assert.True(t, apperr.HasCode(err, apperr.CodeUpstreamShape))
}

func TestSendWrapsBroadcastFailure(t *testing.T) {
	backend := &fakeBackend{sendErr: errors.New("nonce too low")}
	client := newTestClient(backend)

	tx := types.NewTx(&types.DynamicFeeTx{ChainID: big.NewInt(8453)})
	err := client.Send(context.Background(), tx)
	assert.True(t, apperr.HasCode(err, apperr.CodeBroadcastFailed))
}

func TestWaitReceiptReturnsMinedReceipt(t *testing.T) {
	hash := common.HexToHash("0x1234")
	backend := &fakeBackend{receipts: map[common.Hash]*types.Receipt{
		hash: {Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(10)},
	}}
	client := newTestClient(backend)

	receipt, err := client.WaitReceipt(context.Background(), hash, 3, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, types.ReceiptStatusSuccessful, receipt.Status)
	assert.Equal(t, 1, backend.lookups)
}

func TestWaitReceiptTimesOutAfterAttempts(t *testing.T) {
	backend := &fakeBackend{}
	client := newTestClient(backend)

	_, err := client.WaitReceipt(context.Background(), common.HexToHash("0x99"), 3, time.Millisecond)
	assert.True(t, apperr.HasCode(err, apperr.CodeReceiptTimeout))
	assert.Equal(t, 3, backend.lookups)
}

func TestMissingRPCURL(t *testing.T) {
	client := NewClient(Options{ChainID: 1}, zerolog.Nop())
	_, err := client.NativeBalance(context.Background(), common.Address{})
	assert.True(t, apperr.HasCode(err, apperr.CodeConfigInvalid))
}
