package chain

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"

	"trade-executor/internal/apperr"
)

// Backend is the subset of ethclient.Client the engine relies on.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// Options parameterise the chain client.
type Options struct {
	RPCURL          string
	ChainID         int64
	Timeout         time.Duration
	SimulateTimeout time.Duration
	GasBufferPct    int
}

// Client wraps RPC access for a single chain.
type Client struct {
	opts    Options
	logger  zerolog.Logger
	backend Backend
	mu      sync.Mutex
}

// NewClient builds a client that dials lazily on first use.
func NewClient(opts Options, logger zerolog.Logger) *Client {
	return &Client{opts: opts, logger: logger.With().Str("component", "chain_client").Logger()}
}

// NewClientWithBackend builds a client over an existing backend.
func NewClientWithBackend(opts Options, backend Backend, logger zerolog.Logger) *Client {
	c := NewClient(opts, logger)
	c.backend = backend
	return c
}

// ChainID returns the configured chain id.
func (c *Client) ChainID() *big.Int {
	return big.NewInt(c.opts.ChainID)
}

func (c *Client) getBackend(ctx context.Context) (Backend, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.backend != nil {
		return c.backend, nil
	}
	if c.opts.RPCURL == "" {
		return nil, apperr.Configuration(nil, "rpc url not configured for chain %d", c.opts.ChainID)
	}

	client, err := ethclient.DialContext(ctx, c.opts.RPCURL)
	if err != nil {
		return nil, apperr.Upstream(err, "dial rpc")
	}
	c.backend = client
	return client, nil
}

func (c *Client) withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = c.opts.Timeout
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

// Call executes a read-only call against the latest block.
func (c *Client) Call(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	ctx, cancel := c.withTimeout(ctx, 0)
	defer cancel()

	backend, err := c.getBackend(ctx)
	if err != nil {
		return nil, err
	}
	out, err := backend.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, apperr.Upstream(err, "eth_call")
	}
	return out, nil
}

// Simulate dry-runs msg; a contract revert yields SIMULATION_REVERTED with the
// revert reason attached, everything else is an upstream error.
func (c *Client) Simulate(ctx context.Context, msg ethereum.CallMsg) error {
	ctx, cancel := c.withTimeout(ctx, c.opts.SimulateTimeout)
	defer cancel()

	backend, err := c.getBackend(ctx)
	if err != nil {
		return err
	}
	if _, err := backend.CallContract(ctx, msg, nil); err != nil {
		if reason, ok := revertReason(err); ok {
			return apperr.Wrap(err, apperr.ClassValidation, apperr.CodeSimulationReverted, "simulation reverted").
				With("reason", reason)
		}
		return apperr.Upstream(err, "simulate call")
	}
	return nil
}

func revertReason(err error) (string, bool) {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if data, ok := dataErr.ErrorData().(string); ok && data != "" {
			return data, true
		}
		return dataErr.Error(), true
	}
	if strings.Contains(strings.ToLower(err.Error()), "execution reverted") {
		return err.Error(), true
	}
	return "", false
}

// NativeBalance returns the account's native coin balance.
func (c *Client) NativeBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	ctx, cancel := c.withTimeout(ctx, 0)
	defer cancel()

	backend, err := c.getBackend(ctx)
	if err != nil {
		return nil, err
	}
	balance, err := backend.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, apperr.Upstream(err, "eth_getBalance")
	}
	return balance, nil
}

// TxRequest describes an unsigned transaction.
type TxRequest struct {
	From  common.Address
	To    common.Address
	Data  []byte
	Value *big.Int
	// Gas is an upstream estimate; zero means estimate locally.
	Gas uint64
}

// BuildTx fills nonce, EIP-1559 fees and a buffered gas limit.
func (c *Client) BuildTx(ctx context.Context, req TxRequest) (*types.Transaction, error) {
	ctx, cancel := c.withTimeout(ctx, 0)
	defer cancel()

	backend, err := c.getBackend(ctx)
	if err != nil {
		return nil, err
	}

	value := req.Value
	if value == nil {
		value = new(big.Int)
	}

	nonce, err := backend.PendingNonceAt(ctx, req.From)
	if err != nil {
		return nil, apperr.Upstream(err, "pending nonce")
	}

	tip, err := backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, apperr.Upstream(err, "suggest tip")
	}

	head, err := backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, apperr.Upstream(err, "latest header")
	}
	baseFee := head.BaseFee
	if baseFee == nil {
		baseFee = new(big.Int)
	}
	feeCap := new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), tip)

	gas := req.Gas
	if gas == 0 {
		to := req.To
		gas, err = backend.EstimateGas(ctx, ethereum.CallMsg{From: req.From, To: &to, Data: req.Data, Value: value})
		if err != nil {
			if reason, ok := revertReason(err); ok {
				return nil, apperr.Wrap(err, apperr.ClassValidation, apperr.CodeSimulationReverted, "gas estimation reverted").
					With("reason", reason)
			}
			return nil, apperr.Upstream(err, "estimate gas")
		}
	}
	gas = c.bufferGas(gas)

	to := req.To
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.ChainID(),
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      req.Data,
	}), nil
}

func (c *Client) bufferGas(gas uint64) uint64 {
	if c.opts.GasBufferPct <= 0 {
		return gas
	}
	return gas + gas*uint64(c.opts.GasBufferPct)/100
}

// Send broadcasts a signed transaction exactly once.
func (c *Client) Send(ctx context.Context, tx *types.Transaction) error {
	ctx, cancel := c.withTimeout(ctx, 0)
	defer cancel()

	backend, err := c.getBackend(ctx)
	if err != nil {
		return err
	}
	if err := backend.SendTransaction(ctx, tx); err != nil {
		return apperr.Wrap(err, apperr.ClassUpstream, apperr.CodeBroadcastFailed, "broadcast transaction").
			With("tx_hash", tx.Hash().Hex())
	}
	c.logger.Info().Str("tx_hash", tx.Hash().Hex()).Uint64("nonce", tx.Nonce()).Msg("transaction broadcast")
	return nil
}

// Receipt returns the receipt for hash, or nil when it is not yet mined.
func (c *Client) Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := c.withTimeout(ctx, 0)
	defer cancel()

	backend, err := c.getBackend(ctx)
	if err != nil {
		return nil, err
	}
	receipt, err := backend.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Upstream(err, "transaction receipt")
	}
	return receipt, nil
}

// WaitReceipt polls for a receipt up to attempts times, interval apart.
func (c *Client) WaitReceipt(ctx context.Context, hash common.Hash, attempts int, interval time.Duration) (*types.Receipt, error) {
	if attempts <= 0 {
		attempts = 1
	}
	for attempt := 1; attempt <= attempts; attempt++ {
		receipt, err := c.Receipt(ctx, hash)
		if err != nil {
			c.logger.Warn().Err(err).Str("tx_hash", hash.Hex()).Int("attempt", attempt).Msg("receipt lookup failed")
		} else if receipt != nil {
			return receipt, nil
		}

		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
	return nil, apperr.New(apperr.ClassUpstream, apperr.CodeReceiptTimeout, "receipt not available after %d attempts", attempts).
		With("tx_hash", hash.Hex())
}

// Close releases the underlying RPC connection if one was dialled.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if closer, ok := c.backend.(interface{ Close() }); ok {
		closer.Close()
	}
	c.backend = nil
}
