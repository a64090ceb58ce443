package engine

import (
	"context"
	"encoding/json"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade-executor/internal/aggregator"
	"trade-executor/internal/alerting"
	"trade-executor/internal/apperr"
	"trade-executor/internal/chain"
	"trade-executor/internal/guard"
	"trade-executor/internal/jobs"
	"trade-executor/internal/metrics"
	"trade-executor/internal/permit"
	"trade-executor/internal/storage"
	"trade-executor/internal/storage/memory"
	"trade-executor/internal/vault"
)

const testKEK = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

var (
	permit2Addr = common.HexToAddress("0x000000000022D473030F116dDEE9F6B43aC78BA3")
	settler     = common.HexToAddress("0x0000000000001fF3684f28c67538d4D072C22734")
	weth        = common.HexToAddress("0x4200000000000000000000000000000000000006")
	usdc        = common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	swapData    = []byte{0xde, 0xad, 0xbe, 0xef}
	fixedNow    = time.Unix(1_760_000_000, 0)
)

// clock advances one second per read so stored trades order deterministically.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

// manualClock only moves when told to.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeQuoter struct {
	mu    sync.Mutex
	quote func() *aggregator.Quote
	err   error
	calls int
}

func (q *fakeQuoter) QuoteInOrder(_ context.Context, req aggregator.QuoteRequest) (*aggregator.Quote, []aggregator.Attempt, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	if q.err != nil {
		return nil, []aggregator.Attempt{{Strategy: aggregator.StrategyPermit2, Error: q.err.Error()}}, q.err
	}
	quote := q.quote()
	return quote, []aggregator.Attempt{{Strategy: quote.Strategy}}, nil
}

func permit2Quote() *aggregator.Quote {
	return &aggregator.Quote{
		Strategy:     aggregator.StrategyPermit2,
		Price:        decimal.NewFromInt(2),
		SellAmount:   big.NewInt(100),
		BuyAmount:    big.NewInt(200),
		MinBuyAmount: big.NewInt(199),
		GasEstimate:  200_000,
		Transaction: aggregator.TxTemplate{
			To:    settler,
			Data:  swapData,
			Value: big.NewInt(0),
			Gas:   200_000,
		},
	}
}

var allowanceOutputs = func() abi.Arguments {
	uint160, _ := abi.NewType("uint160", "", nil)
	uint48, _ := abi.NewType("uint48", "", nil)
	return abi.Arguments{{Type: uint160}, {Type: uint48}, {Type: uint48}}
}()

// fakeChain stands in for the node: it answers reads, records broadcasts and
// serves receipts.
type fakeChain struct {
	mu sync.Mutex

	balance     *big.Int
	native      *big.Int
	allowances  map[common.Address]*big.Int
	permitAmt   *big.Int
	permitExp   *big.Int
	permitNonce *big.Int

	simulateErr   error
	sendErr       error
	receiptStatus uint64
	receiptErr    error
	mined         bool

	nonce     uint64
	simulated int
	sent      []*types.Transaction
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		balance:       big.NewInt(1_000),
		native:        big.NewInt(0),
		allowances:    map[common.Address]*big.Int{permit2Addr: new(big.Int).Lsh(big.NewInt(1), 200)},
		permitAmt:     big.NewInt(500),
		permitExp:     big.NewInt(fixedNow.Add(24 * time.Hour).Unix()),
		permitNonce:   big.NewInt(0),
		receiptStatus: types.ReceiptStatusSuccessful,
	}
}

func (f *fakeChain) ChainID() *big.Int { return big.NewInt(8453) }

func (f *fakeChain) Call(_ context.Context, _ ethereum.CallMsg) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return allowanceOutputs.Pack(f.permitAmt, f.permitExp, f.permitNonce)
}

func (f *fakeChain) Simulate(_ context.Context, _ ethereum.CallMsg) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.simulated++
	return f.simulateErr
}

func (f *fakeChain) BuildTx(_ context.Context, req chain.TxRequest) (*types.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	to := req.To
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}
	gas := req.Gas
	if gas == 0 {
		gas = 60_000
	}
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   f.ChainID(),
		Nonce:     f.nonce,
		GasTipCap: big.NewInt(1_000_000),
		GasFeeCap: big.NewInt(2_000_000_000),
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      req.Data,
	})
	f.nonce++
	return tx, nil
}

func (f *fakeChain) Send(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeChain) receipt() *types.Receipt {
	return &types.Receipt{Status: f.receiptStatus, BlockNumber: big.NewInt(1234), GasUsed: 150_000, EffectiveGasPrice: big.NewInt(1_500_000)}
}

func (f *fakeChain) Receipt(_ context.Context, _ common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.mined {
		return nil, nil
	}
	return f.receipt(), nil
}

func (f *fakeChain) WaitReceipt(_ context.Context, _ common.Hash, _ int, _ time.Duration) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.receiptErr != nil {
		return nil, f.receiptErr
	}
	return f.receipt(), nil
}

func (f *fakeChain) TokenBalance(context.Context, common.Address, common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.balance), nil
}

func (f *fakeChain) TokenAllowance(_ context.Context, _, _, spender common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.allowances[spender]; ok {
		return new(big.Int).Set(v), nil
	}
	return new(big.Int), nil
}

func (f *fakeChain) NativeBalance(context.Context, common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.native), nil
}

func (f *fakeChain) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []alerting.Notification
}

func (n *recordingNotifier) Notify(_ context.Context, note alerting.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note)
	return nil
}

func (n *recordingNotifier) kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.notes))
	for _, note := range n.notes {
		out = append(out, note.Kind)
	}
	return out
}

type harness struct {
	engine      *Engine
	permitClock *manualClock
	store    *memory.Store
	chain    *fakeChain
	quoter   *fakeQuoter
	notifier *recordingNotifier
	metrics  *metrics.Metrics
	vault    *vault.Vault
	signer   *vault.Signer
	owner    common.Address
}

type harnessOption func(*Options, *bool)

func withCapabilities(c Capabilities) harnessOption {
	return func(o *Options, _ *bool) { o.Capabilities = c }
}

func withDryRun() harnessOption {
	return func(_ *Options, dry *bool) { *dry = true }
}

func withSellCooldown(d time.Duration) harnessOption {
	return func(o *Options, _ *bool) { o.Limits.SellCooldown = d }
}

func withPermitEncoding(enc permit.Encoding) harnessOption {
	return func(o *Options, _ *bool) { o.PermitEncoding = enc }
}

func withAutoTrip(n int) harnessOption {
	return func(o *Options, _ *bool) { o.AutoTripFailures = n }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	clk := &clock{now: fixedNow}
	store := memory.NewWithClock(clk.Now)
	fc := newFakeChain()
	quoter := &fakeQuoter{quote: permit2Quote}
	notifier := &recordingNotifier{}
	m := metrics.New("engine_test")
	logger := zerolog.Nop()

	v := vault.New(map[int]string{1: testKEK}, 1)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	raw := crypto.FromECDSA(key)
	secret, err := v.Wrap(raw)
	require.NoError(t, err)
	vault.Zero(raw)
	owner := crypto.PubkeyToAddress(key.PublicKey)
	require.NoError(t, store.SaveWallet(context.Background(), &storage.Wallet{
		ID: uuid.NewString(), UserID: "u1", Address: owner.Hex(), Secret: secret,
	}))

	limits := guard.Limits{MaxSellAmount: big.NewInt(1_000_000), MaxSlippageBps: 75}
	options := Options{
		ChainID:         8453,
		Limits:          limits,
		Capabilities:    Capabilities{AutoPermit: true},
		WrappedNative:   weth,
		ReceiptAttempts: 1,
		ReceiptInterval: time.Millisecond,
		Now:             clk.Now,
	}
	dryRun := false
	for _, opt := range opts {
		opt(&options, &dryRun)
	}

	permitClock := &manualClock{now: fixedNow}
	permits := permit.NewManager(permit.Options{
		ChainID:  8453,
		Permit2:  permit2Addr,
		Spenders: []common.Address{settler},
		Now:      permitClock.Now,
	}, fc, logger)

	e := New(options, Deps{
		Store:       store,
		Locker:      jobs.NewLocker(store, time.Minute, logger),
		Breakers:    guard.NewBreakers(store, logger),
		Cooldowns:   guard.NewCooldowns(store, options.Limits),
		Quoter:      quoter,
		Chain:       fc,
		Broadcaster: NewGatedBroadcaster(fc, dryRun, m, logger),
		Permits:     permits,
		Vault:       v,
		Notifier:    notifier,
		Metrics:     m,
	}, logger)

	return &harness{
		engine:      e,
		permitClock: permitClock,
		store:    store,
		chain:    fc,
		quoter:   quoter,
		notifier: notifier,
		metrics:  m,
		vault:    v,
		signer:   v.Signer(owner, secret),
		owner:    owner,
	}
}

func buildRequest(symbol string) BuildRequest {
	return BuildRequest{
		UserID:      "u1",
		StrategyID:  "s1",
		Symbol:      symbol,
		SellToken:   weth.Hex(),
		BuyToken:    usdc.Hex(),
		Side:        "sell",
		SellAmount:  "100",
		SlippageBps: 50,
	}
}

func (h *harness) build(t *testing.T, symbol string) *storage.Trade {
	t.Helper()
	result, err := h.engine.Build(context.Background(), buildRequest(symbol))
	require.NoError(t, err)
	require.Equal(t, string(storage.StatusBuilt), result.Status)
	return result.Trade
}

func phases(t *testing.T, h *harness, tradeID string) []string {
	t.Helper()
	_, events, err := h.engine.Get(context.Background(), tradeID)
	require.NoError(t, err)
	out := make([]string, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Phase)
	}
	return out
}

func TestBuild_SizeGuardRejectsBeforeAnyCall(t *testing.T) {
	h := newHarness(t)
	req := buildRequest("ETH-USDC")
	req.SellAmount = "1000001"

	_, err := h.engine.Build(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeSellAmountTooLarge, apperr.CodeOf(err))
	assert.Zero(t, h.quoter.calls)
	assert.Zero(t, h.chain.sentCount())

	trades, err := h.store.ListTrades(context.Background(), storage.TradeFilter{})
	require.NoError(t, err)
	assert.Empty(t, trades)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Rejections.WithLabelValues(string(apperr.CodeSellAmountTooLarge))))
}

func TestBuild_SlippageCeiling(t *testing.T) {
	h := newHarness(t)
	req := buildRequest("ETH-USDC")
	req.SlippageBps = 76

	_, err := h.engine.Build(context.Background(), req)
	assert.Equal(t, apperr.CodeSlippageTooHigh, apperr.CodeOf(err))
	assert.Zero(t, h.quoter.calls)

	req.SlippageBps = 75
	result, err := h.engine.Build(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, string(storage.StatusBuilt), result.Status)
}

func TestBuild_ValidatesRequest(t *testing.T) {
	h := newHarness(t)
	cases := map[string]func(*BuildRequest){
		"bad side":      func(r *BuildRequest) { r.Side = "hold" },
		"same token":    func(r *BuildRequest) { r.BuyToken = r.SellToken },
		"not address":   func(r *BuildRequest) { r.SellToken = "weth" },
		"colon symbol":  func(r *BuildRequest) { r.Symbol = "ETH:USDC" },
		"decimal value": func(r *BuildRequest) { r.SellAmount = "1.5" },
		"unknown mode":  func(r *BuildRequest) { r.Mode = "later" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := buildRequest("ETH-USDC")
			mutate(&req)
			_, err := h.engine.Build(context.Background(), req)
			assert.Equal(t, apperr.CodeInvalidRequest, apperr.CodeOf(err))
		})
	}
	assert.Zero(t, h.quoter.calls)
}

func TestBuild_StoresQuoteSnapshot(t *testing.T) {
	h := newHarness(t)
	trade := h.build(t, "ETH-USDC")

	require.NotNil(t, trade.Quote)
	assert.Equal(t, "permit2", trade.Quote.Source)
	assert.Equal(t, "199", trade.Quote.MinBuyAmount)
	assert.Equal(t, settler.Hex(), trade.Quote.Spender)
	require.NotNil(t, trade.TxPayload)
	assert.Equal(t, hexutil.Encode(swapData), trade.TxPayload.Data)
	assert.Equal(t, h.owner.Hex(), trade.WalletAddress)
	assert.Equal(t, []string{"requested", "quote_attempts", "built"}, phases(t, h, trade.ID))
}

func TestBuild_RejectsQuoteBelowSlippageFloor(t *testing.T) {
	h := newHarness(t)
	h.quoter.quote = func() *aggregator.Quote {
		q := permit2Quote()
		q.MinBuyAmount = big.NewInt(150)
		return q
	}

	result, err := h.engine.Build(context.Background(), buildRequest("ETH-USDC"))
	assert.Equal(t, apperr.CodeSlippageTooHigh, apperr.CodeOf(err))
	require.NotNil(t, result.Trade)
	assert.Equal(t, storage.StatusFailed, result.Trade.Status)
	assert.Equal(t, "quote_rejected", result.Trade.FailureReason)
	assert.Equal(t, []string{alerting.KindTradeFailed}, h.notifier.kinds())
}

func TestBuild_QuoteFailureFailsTrade(t *testing.T) {
	h := newHarness(t)
	h.quoter.err = apperr.Upstream(nil, "aggregator down")

	result, err := h.engine.Build(context.Background(), buildRequest("ETH-USDC"))
	assert.Equal(t, apperr.CodeUpstream, apperr.CodeOf(err))
	require.NotNil(t, result.Trade)
	assert.Equal(t, storage.StatusFailed, result.Trade.Status)
	assert.Equal(t, "quote_failed", result.Trade.FailureReason)
}

func TestSend_SkipsPermitWhenAllowanceCovers(t *testing.T) {
	h := newHarness(t)
	trade := h.build(t, "ETH-USDC")

	result, err := h.engine.Send(context.Background(), trade.ID, SendRequest{})
	require.NoError(t, err)
	assert.Equal(t, string(storage.StatusSubmitted), result.Status)

	require.NotNil(t, result.Trade.Permit)
	assert.Equal(t, string(permit.OutcomeSkipped), result.Trade.Permit.Outcome)
	assert.Empty(t, result.Trade.Permit.SignatureHash)
	require.NotNil(t, result.Trade.TxHash)

	require.Equal(t, 1, h.chain.sentCount())
	assert.Equal(t, swapData, h.chain.sent[0].Data(), "no signature appended when permit skipped")
	assert.Equal(t, *result.Trade.TxHash, h.chain.sent[0].Hash().Hex())
	assert.Contains(t, phases(t, h, trade.ID), "permit_skipped_sufficient")
}

func TestSend_SignsPermitWhenAllowanceMissing(t *testing.T) {
	h := newHarness(t)
	h.chain.permitAmt = big.NewInt(0)
	h.chain.permitExp = big.NewInt(0)
	trade := h.build(t, "ETH-USDC")

	result, err := h.engine.Send(context.Background(), trade.ID, SendRequest{Confirm: true})
	require.NoError(t, err)
	assert.Equal(t, string(storage.StatusConfirmed), result.Status)

	require.NotNil(t, result.Trade.Permit)
	assert.Equal(t, string(permit.OutcomeSigned), result.Trade.Permit.Outcome)
	assert.NotEmpty(t, result.Trade.Permit.SignatureHash)
	assert.Equal(t, "100", result.Trade.Permit.Amount)

	require.Equal(t, 1, h.chain.sentCount())
	assert.Len(t, h.chain.sent[0].Data(), len(swapData)+32+65)

	require.NotNil(t, result.Trade.Receipt)
	assert.Equal(t, uint64(1234), result.Trade.Receipt.BlockNumber)
	assert.Equal(t, "1500000", result.Trade.Receipt.EffectiveGasPrice)
}

func TestSend_StandalonePermitPrecedesSwap(t *testing.T) {
	h := newHarness(t, withPermitEncoding(permit.EncodingStandalone))
	h.chain.permitAmt = big.NewInt(0)
	trade := h.build(t, "ETH-USDC")

	result, err := h.engine.Send(context.Background(), trade.ID, SendRequest{})
	require.NoError(t, err)
	assert.Equal(t, string(storage.StatusSubmitted), result.Status)
	assert.Equal(t, string(permit.OutcomeSigned), result.Trade.Permit.Outcome)

	require.Equal(t, 2, h.chain.sentCount())
	permitTx := h.chain.sent[0]
	assert.Equal(t, permit2Addr, *permitTx.To())
	assert.Equal(t, crypto.Keccak256([]byte("permit(address,((address,uint160,uint48,uint48),address,uint256),bytes)"))[:4], permitTx.Data()[:4])
	assert.Equal(t, swapData, h.chain.sent[1].Data(), "signature travels in the permit call, not the swap")

	got := phases(t, h, trade.ID)
	assert.Contains(t, got, "permit2_permit_submitted")
	assert.Contains(t, got, "permit2_permit")
}

func TestSend_SuspendsForCallerSignatureThenVerifies(t *testing.T) {
	h := newHarness(t, withCapabilities(Capabilities{}))
	h.chain.permitAmt = big.NewInt(0)
	trade := h.build(t, "ETH-USDC")
	ctx := context.Background()

	result, err := h.engine.Send(ctx, trade.ID, SendRequest{})
	require.NoError(t, err)
	assert.Equal(t, string(storage.StatusPreflightRequired), result.Status)
	require.NotNil(t, result.Preflight)
	assert.Equal(t, ReasonPermitSignatureRequired, result.Preflight.Reason)
	assert.Zero(t, h.chain.sentCount())

	sig, err := h.signer.SignHash(common.HexToHash(result.Preflight.Digest).Bytes())
	require.NoError(t, err)

	result, err = h.engine.Send(ctx, trade.ID, SendRequest{PermitSignature: sig})
	require.NoError(t, err)
	assert.Equal(t, string(storage.StatusSubmitted), result.Status)
	assert.Equal(t, string(permit.OutcomeVerified), result.Trade.Permit.Outcome)
	assert.Equal(t, 1, h.chain.sentCount())
}

func TestSend_CallerSignatureVerifiesAfterClockMoves(t *testing.T) {
	h := newHarness(t, withCapabilities(Capabilities{}))
	h.chain.permitAmt = big.NewInt(0)
	trade := h.build(t, "ETH-USDC")
	ctx := context.Background()

	result, err := h.engine.Send(ctx, trade.ID, SendRequest{})
	require.NoError(t, err)
	require.NotNil(t, result.Preflight)
	proposed := result.Preflight
	require.NotNil(t, result.Trade.Permit)
	assert.Equal(t, string(permit.OutcomeSignatureRequired), result.Trade.Permit.Outcome)
	assert.Equal(t, proposed.Deadline, result.Trade.Permit.Deadline)

	h.permitClock.Advance(90 * time.Second)

	// An unsigned retry re-proposes without disturbing anything on chain.
	again, err := h.engine.Send(ctx, trade.ID, SendRequest{})
	require.NoError(t, err)
	require.NotNil(t, again.Preflight)
	assert.NotEqual(t, proposed.Digest, again.Preflight.Digest)
	proposed = again.Preflight

	h.permitClock.Advance(2 * time.Minute)

	sig, err := h.signer.SignHash(common.HexToHash(proposed.Digest).Bytes())
	require.NoError(t, err)
	result, err = h.engine.Send(ctx, trade.ID, SendRequest{PermitSignature: sig})
	require.NoError(t, err)
	assert.Equal(t, string(storage.StatusSubmitted), result.Status)
	assert.Equal(t, string(permit.OutcomeVerified), result.Trade.Permit.Outcome)
	assert.Equal(t, proposed.Deadline, result.Trade.Permit.Deadline)
	assert.Equal(t, 1, h.chain.sentCount())
}

func TestSend_ExpiredProposalRejectsLateSignature(t *testing.T) {
	h := newHarness(t, withCapabilities(Capabilities{}))
	h.chain.permitAmt = big.NewInt(0)
	trade := h.build(t, "ETH-USDC")
	ctx := context.Background()

	result, err := h.engine.Send(ctx, trade.ID, SendRequest{})
	require.NoError(t, err)
	require.NotNil(t, result.Preflight)
	sig, err := h.signer.SignHash(common.HexToHash(result.Preflight.Digest).Bytes())
	require.NoError(t, err)

	h.permitClock.Advance(permit.DefaultValidity)
	_, err = h.engine.Send(ctx, trade.ID, SendRequest{PermitSignature: sig})
	assert.Equal(t, apperr.CodeSignatureExpired, apperr.CodeOf(err))
	assert.Zero(t, h.chain.sentCount())
}

func TestSend_RejectsForeignSignature(t *testing.T) {
	h := newHarness(t, withCapabilities(Capabilities{}))
	h.chain.permitAmt = big.NewInt(0)
	trade := h.build(t, "ETH-USDC")

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	sig, err := crypto.Sign(crypto.Keccak256([]byte("not the digest")), key)
	require.NoError(t, err)

	_, err = h.engine.Send(context.Background(), trade.ID, SendRequest{PermitSignature: sig})
	assert.Equal(t, apperr.CodeSignatureInvalid, apperr.CodeOf(err))
	assert.Zero(t, h.chain.sentCount())
	assert.Contains(t, phases(t, h, trade.ID), "permit_rejected")
}

func TestSend_InsufficientBalanceSuspends(t *testing.T) {
	h := newHarness(t)
	h.chain.balance = big.NewInt(10)
	trade := h.build(t, "ETH-USDC")

	result, err := h.engine.Send(context.Background(), trade.ID, SendRequest{})
	require.NoError(t, err)
	assert.Equal(t, string(storage.StatusPreflightRequired), result.Status)
	require.NotNil(t, result.Preflight)
	assert.Equal(t, ReasonInsufficientBalance, result.Preflight.Reason)
	assert.Equal(t, "100", result.Preflight.Required)
	assert.Equal(t, "10", result.Preflight.Available)

	// A second attempt stays suspended without a new transition.
	result, err = h.engine.Send(context.Background(), trade.ID, SendRequest{})
	require.NoError(t, err)
	assert.Equal(t, string(storage.StatusPreflightRequired), result.Status)
	assert.Zero(t, h.chain.sentCount())
}

func TestSend_AutoWrapDepositsNative(t *testing.T) {
	h := newHarness(t, withCapabilities(Capabilities{AutoPermit: true, AutoWrap: true}))
	h.chain.balance = big.NewInt(40)
	h.chain.native = big.NewInt(1_000)
	trade := h.build(t, "ETH-USDC")

	result, err := h.engine.Send(context.Background(), trade.ID, SendRequest{})
	require.NoError(t, err)
	assert.Equal(t, string(storage.StatusSubmitted), result.Status)

	require.Equal(t, 2, h.chain.sentCount())
	deposit := h.chain.sent[0]
	assert.Equal(t, weth, *deposit.To())
	assert.Equal(t, big.NewInt(60), deposit.Value())
	assert.Equal(t, chain.DepositCalldata(), deposit.Data())
	assert.Contains(t, phases(t, h, trade.ID), "auto_wrap")
}

func TestSend_AutoWrapTimeoutDoesNotDepositTwice(t *testing.T) {
	h := newHarness(t, withCapabilities(Capabilities{AutoPermit: true, AutoWrap: true}))
	h.chain.balance = big.NewInt(10)
	h.chain.native = big.NewInt(1_000)
	h.chain.receiptErr = apperr.New(apperr.ClassUpstream, apperr.CodeReceiptTimeout, "receipt not found")
	trade := h.build(t, "ETH-USDC")
	ctx := context.Background()

	_, err := h.engine.Send(ctx, trade.ID, SendRequest{})
	assert.Equal(t, apperr.CodeReceiptTimeout, apperr.CodeOf(err))
	require.Equal(t, 1, h.chain.sentCount())
	deposit := h.chain.sent[0]
	assert.Contains(t, phases(t, h, trade.ID), "auto_wrap_submitted")

	result, err := h.engine.Send(ctx, trade.ID, SendRequest{})
	require.NoError(t, err)
	assert.Equal(t, string(storage.StatusPreflightRequired), result.Status)
	require.NotNil(t, result.Preflight)
	assert.Equal(t, ReasonAuxTxPending, result.Preflight.Reason)
	assert.Equal(t, deposit.Hash().Hex(), result.Preflight.TxHash)
	assert.Equal(t, 1, h.chain.sentCount(), "pending deposit is not broadcast again")

	h.chain.mu.Lock()
	h.chain.mined = true
	h.chain.receiptErr = nil
	h.chain.balance = big.NewInt(100)
	h.chain.mu.Unlock()

	result, err = h.engine.Send(ctx, trade.ID, SendRequest{})
	require.NoError(t, err)
	assert.Equal(t, string(storage.StatusSubmitted), result.Status)
	require.Equal(t, 2, h.chain.sentCount())
	assert.Equal(t, settler, *h.chain.sent[1].To())
}

func TestSend_LandedHelperTxIsRecordedBeforeNextOne(t *testing.T) {
	h := newHarness(t, withCapabilities(Capabilities{SystemOperator: true}))
	h.chain.allowances = map[common.Address]*big.Int{}
	h.chain.receiptErr = apperr.New(apperr.ClassUpstream, apperr.CodeReceiptTimeout, "receipt not found")
	trade := h.build(t, "ETH-USDC")
	ctx := context.Background()

	_, err := h.engine.Send(ctx, trade.ID, SendRequest{})
	assert.Equal(t, apperr.CodeReceiptTimeout, apperr.CodeOf(err))
	require.Equal(t, 1, h.chain.sentCount())
	first := h.chain.sent[0].Hash()

	h.chain.mu.Lock()
	h.chain.mined = true
	h.chain.receiptErr = nil
	h.chain.mu.Unlock()

	// The allowance is still short, so a new approval follows the recorded one.
	result, err := h.engine.Send(ctx, trade.ID, SendRequest{})
	require.NoError(t, err)
	assert.Equal(t, string(storage.StatusSubmitted), result.Status)
	assert.Equal(t, 3, h.chain.sentCount())

	_, events, err := h.engine.Get(ctx, trade.ID)
	require.NoError(t, err)
	var settled []string
	for _, ev := range events {
		if ev.Phase != "erc20_approve" {
			continue
		}
		var body struct {
			TxHash string `json:"tx_hash"`
		}
		require.NoError(t, json.Unmarshal(ev.Payload, &body))
		settled = append(settled, body.TxHash)
	}
	require.Len(t, settled, 2)
	assert.Equal(t, first.Hex(), settled[0])

	_, pending, err := h.engine.pendingAux(ctx, trade.ID, "erc20_approve")
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestSend_SystemOperatorApprovesPermit2(t *testing.T) {
	h := newHarness(t, withCapabilities(Capabilities{SystemOperator: true}))
	h.chain.allowances = map[common.Address]*big.Int{}
	trade := h.build(t, "ETH-USDC")

	result, err := h.engine.Send(context.Background(), trade.ID, SendRequest{})
	require.NoError(t, err)
	assert.Equal(t, string(storage.StatusSubmitted), result.Status)

	require.Equal(t, 2, h.chain.sentCount())
	approve := h.chain.sent[0]
	assert.Equal(t, weth, *approve.To())
	assert.Contains(t, phases(t, h, trade.ID), "erc20_approve")
}

func TestSend_MissingApprovalSuspendsWithoutSystemOperator(t *testing.T) {
	h := newHarness(t)
	h.chain.allowances = map[common.Address]*big.Int{}
	trade := h.build(t, "ETH-USDC")

	result, err := h.engine.Send(context.Background(), trade.ID, SendRequest{})
	require.NoError(t, err)
	require.NotNil(t, result.Preflight)
	assert.Equal(t, ReasonApprovalRequired, result.Preflight.Reason)
	assert.Equal(t, permit2Addr.Hex(), result.Preflight.Spender)
	assert.Zero(t, h.chain.sentCount())
}

func TestSend_SimulationRevertIsNeverBroadcast(t *testing.T) {
	h := newHarness(t)
	h.chain.simulateErr = apperr.New(apperr.ClassUpstream, apperr.CodeSimulationReverted, "execution reverted")
	trade := h.build(t, "ETH-USDC")
	ctx := context.Background()

	result, err := h.engine.Send(ctx, trade.ID, SendRequest{})
	assert.Equal(t, apperr.CodeSimulationReverted, apperr.CodeOf(err))
	assert.Equal(t, string(storage.StatusSimulateRevert), result.Status)
	assert.Nil(t, result.Trade.TxHash)
	assert.Zero(t, h.chain.sentCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Reverts.WithLabelValues("simulation")))

	_, err = h.engine.Send(ctx, trade.ID, SendRequest{})
	assert.Equal(t, apperr.CodeInvalidTransition, apperr.CodeOf(err))
	assert.Zero(t, h.chain.sentCount())

	h.chain.simulateErr = nil
	rebuilt, err := h.engine.Rebuild(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, string(storage.StatusBuilt), rebuilt.Status)
	assert.Empty(t, rebuilt.Trade.FailureReason)
	assert.Equal(t, 2, h.quoter.calls)

	result, err = h.engine.Send(ctx, trade.ID, SendRequest{})
	require.NoError(t, err)
	assert.Equal(t, string(storage.StatusSubmitted), result.Status)
}

func TestSend_SimulationErrorKeepsTradeBuilt(t *testing.T) {
	h := newHarness(t)
	h.chain.simulateErr = apperr.Upstream(nil, "rpc timeout")
	trade := h.build(t, "ETH-USDC")

	result, err := h.engine.Send(context.Background(), trade.ID, SendRequest{})
	assert.Equal(t, apperr.CodeUpstream, apperr.CodeOf(err))
	assert.Equal(t, string(storage.StatusBuilt), result.Status)
	assert.Zero(t, h.chain.sentCount())
}

func TestSend_BroadcastFailureFailsTrade(t *testing.T) {
	h := newHarness(t)
	h.chain.sendErr = apperr.New(apperr.ClassUpstream, apperr.CodeBroadcastFailed, "nonce too low")
	trade := h.build(t, "ETH-USDC")

	result, err := h.engine.Send(context.Background(), trade.ID, SendRequest{})
	assert.Equal(t, apperr.CodeBroadcastFailed, apperr.CodeOf(err))
	assert.Equal(t, string(storage.StatusFailed), result.Status)
	assert.Equal(t, "broadcast_failed", result.Trade.FailureReason)
	assert.NotNil(t, result.Trade.TxHash)
	assert.Equal(t, []string{alerting.KindTradeFailed}, h.notifier.kinds())
}

func TestSend_ReplaysFinalTrade(t *testing.T) {
	h := newHarness(t)
	trade := h.build(t, "ETH-USDC")
	ctx := context.Background()

	first, err := h.engine.Send(ctx, trade.ID, SendRequest{Confirm: true})
	require.NoError(t, err)
	require.Equal(t, string(storage.StatusConfirmed), first.Status)

	again, err := h.engine.Send(ctx, trade.ID, SendRequest{Confirm: true})
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, string(storage.StatusConfirmed), again.Status)
	assert.Equal(t, *first.Trade.TxHash, *again.Trade.TxHash)
	assert.Equal(t, 1, h.chain.sentCount())
}

func TestSend_UnknownTrade(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Send(context.Background(), uuid.NewString(), SendRequest{})
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestDryRun_NeverBroadcasts(t *testing.T) {
	h := newHarness(t, withDryRun())
	require.True(t, h.engine.DryRun())

	req := buildRequest("ETH-USDC")
	req.Mode = ModeExecute
	result, err := h.engine.Build(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.DryRun)
	assert.Equal(t, string(storage.StatusBuilt), result.Status)
	assert.Zero(t, h.chain.sentCount())
	assert.Zero(t, h.chain.simulated)
	assert.Contains(t, phases(t, h, result.Trade.ID), "dry_run_halt")
}

func TestGatedBroadcaster(t *testing.T) {
	fc := newFakeChain()
	tx := types.NewTx(&types.DynamicFeeTx{ChainID: big.NewInt(8453), To: &settler, Gas: 21_000})
	m := metrics.New("gate_test")

	closed := NewGatedBroadcaster(fc, true, m, zerolog.Nop())
	err := closed.Broadcast(context.Background(), "swap", tx)
	assert.Equal(t, apperr.CodeDryRun, apperr.CodeOf(err))
	assert.Zero(t, fc.sentCount())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Broadcasts.WithLabelValues("swap", "dry_run")))

	open := NewGatedBroadcaster(fc, false, m, zerolog.Nop())
	require.NoError(t, open.Broadcast(context.Background(), "swap", tx))
	assert.Equal(t, 1, fc.sentCount())

	var missing *GatedBroadcaster
	assert.True(t, missing.DryRun())
	assert.Equal(t, apperr.CodeDryRun, apperr.CodeOf(missing.Broadcast(context.Background(), "swap", tx)))
}

func TestBuild_BreakerIsolatedPerSymbol(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	scopeX := storage.ScopeKey{UserID: "u1", StrategyID: "s1", Symbol: "ETH-USDC"}

	_, err := h.engine.TripBreaker(ctx, scopeX, guard.BreakerManual, "operator halt", "ops", decimal.Zero, decimal.Zero)
	require.NoError(t, err)

	_, err = h.engine.Build(ctx, buildRequest("ETH-USDC"))
	assert.Equal(t, apperr.CodeBreakerTripped, apperr.CodeOf(err))
	assert.Zero(t, h.quoter.calls)

	h.build(t, "BTC-USDC")

	_, err = h.engine.ResetBreaker(ctx, scopeX, guard.BreakerManual, "ops")
	require.NoError(t, err)
	h.build(t, "ETH-USDC")

	history, err := h.engine.BreakerHistory(ctx, scopeX, 10)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestBuild_RiskReducingSellBypassesBreaker(t *testing.T) {
	h := newHarness(t, withCapabilities(Capabilities{AutoPermit: true, RiskReducingBypass: true}))
	ctx := context.Background()
	scope := storage.ScopeKey{UserID: "u1", StrategyID: "s1", Symbol: "ETH-USDC"}
	_, err := h.engine.TripBreaker(ctx, scope, guard.BreakerManual, "halt", "ops", decimal.Zero, decimal.Zero)
	require.NoError(t, err)

	req := buildRequest("ETH-USDC")
	req.ClosePosition = true
	result, err := h.engine.Build(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, string(storage.StatusBuilt), result.Status)
	assert.Contains(t, phases(t, h, result.Trade.ID), "guard_bypass")

	req.Side = "buy"
	_, err = h.engine.Build(ctx, req)
	assert.Equal(t, apperr.CodeBreakerTripped, apperr.CodeOf(err), "buys are never risk reducing")

	req.Side = "sell"
	req.SlippageBps = 80
	_, err = h.engine.Build(ctx, req)
	assert.Equal(t, apperr.CodeSlippageTooHigh, apperr.CodeOf(err), "stateless limits still apply")
}

func TestSend_RefusesWhenBreakerTrippedAfterBuild(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	trade := h.build(t, "ETH-USDC")

	_, err := h.engine.TripBreaker(ctx, trade.Scope(), guard.BreakerManual, "operator halt", "ops", decimal.Zero, decimal.Zero)
	require.NoError(t, err)

	result, err := h.engine.Send(ctx, trade.ID, SendRequest{})
	assert.Equal(t, apperr.CodeBreakerTripped, apperr.CodeOf(err))
	assert.Equal(t, string(storage.StatusBuilt), result.Status)
	assert.Zero(t, h.chain.sentCount())
	assert.Contains(t, phases(t, h, trade.ID), "guard_rejected")

	_, err = h.engine.ResetBreaker(ctx, trade.Scope(), guard.BreakerManual, "ops")
	require.NoError(t, err)
	result, err = h.engine.Send(ctx, trade.ID, SendRequest{})
	require.NoError(t, err)
	assert.Equal(t, string(storage.StatusSubmitted), result.Status)
}

func TestSend_CooldownBlocksSecondBuiltSell(t *testing.T) {
	h := newHarness(t, withSellCooldown(time.Hour))
	ctx := context.Background()
	first := h.build(t, "ETH-USDC")
	second := h.build(t, "ETH-USDC")

	result, err := h.engine.Send(ctx, first.ID, SendRequest{})
	require.NoError(t, err)
	assert.Equal(t, string(storage.StatusSubmitted), result.Status)

	result, err = h.engine.Send(ctx, second.ID, SendRequest{})
	assert.Equal(t, apperr.CodeCooldownActive, apperr.CodeOf(err))
	assert.Equal(t, string(storage.StatusBuilt), result.Status)
	assert.Equal(t, 1, h.chain.sentCount())

	_, err = h.engine.Build(ctx, buildRequest("ETH-USDC"))
	assert.Equal(t, apperr.CodeCooldownActive, apperr.CodeOf(err))
}

func TestSend_RiskReducingSellBypassesGuardsAtSend(t *testing.T) {
	h := newHarness(t, withCapabilities(Capabilities{AutoPermit: true, RiskReducingBypass: true}))
	ctx := context.Background()
	req := buildRequest("ETH-USDC")
	req.ClosePosition = true
	built, err := h.engine.Build(ctx, req)
	require.NoError(t, err)

	_, err = h.engine.TripBreaker(ctx, built.Trade.Scope(), guard.BreakerManual, "halt", "ops", decimal.Zero, decimal.Zero)
	require.NoError(t, err)

	result, err := h.engine.Send(ctx, built.Trade.ID, SendRequest{})
	require.NoError(t, err)
	assert.Equal(t, string(storage.StatusSubmitted), result.Status)
	assert.Equal(t, 1, h.chain.sentCount())
}

func TestBuild_LockContentionFailsFast(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ok, err := h.store.AcquireLock(ctx, "u1:s1:ETH-USDC", "someone-else", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = h.engine.Build(ctx, buildRequest("ETH-USDC"))
	assert.Equal(t, apperr.CodeLocked, apperr.CodeOf(err))
	assert.Zero(t, h.quoter.calls)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.LockContention))

	h.build(t, "BTC-USDC")
}

func TestAutoTripAfterConsecutiveReverts(t *testing.T) {
	h := newHarness(t, withAutoTrip(2))
	h.chain.simulateErr = apperr.New(apperr.ClassUpstream, apperr.CodeSimulationReverted, "execution reverted")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		trade := h.build(t, "ETH-USDC")
		_, err := h.engine.Send(ctx, trade.ID, SendRequest{})
		require.Equal(t, apperr.CodeSimulationReverted, apperr.CodeOf(err))
	}

	scope := storage.ScopeKey{UserID: "u1", StrategyID: "s1", Symbol: "ETH-USDC"}
	breakers, err := h.engine.ListBreakers(ctx, &scope)
	require.NoError(t, err)
	require.Len(t, breakers, 1)
	assert.Equal(t, guard.BreakerConsecutiveFailures, breakers[0].Name)
	assert.True(t, breakers[0].Tripped)
	assert.Contains(t, h.notifier.kinds(), alerting.KindBreakerTripped)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.BreakerTrips.WithLabelValues(guard.BreakerConsecutiveFailures)))

	_, err = h.engine.Build(ctx, buildRequest("ETH-USDC"))
	assert.Equal(t, apperr.CodeBreakerTripped, apperr.CodeOf(err))
	h.build(t, "BTC-USDC")
}

func TestAutoTripNeedsUnbrokenRun(t *testing.T) {
	h := newHarness(t, withAutoTrip(2))
	ctx := context.Background()

	ok := h.build(t, "ETH-USDC")
	_, err := h.engine.Send(ctx, ok.ID, SendRequest{Confirm: true})
	require.NoError(t, err)

	h.chain.simulateErr = apperr.New(apperr.ClassUpstream, apperr.CodeSimulationReverted, "execution reverted")
	bad := h.build(t, "ETH-USDC")
	_, err = h.engine.Send(ctx, bad.ID, SendRequest{})
	require.Error(t, err)

	scope := storage.ScopeKey{UserID: "u1", StrategyID: "s1", Symbol: "ETH-USDC"}
	breakers, err := h.engine.ListBreakers(ctx, &scope)
	require.NoError(t, err)
	assert.Empty(t, breakers)
}

func TestConfirm_TimeoutLeavesSubmitted(t *testing.T) {
	h := newHarness(t)
	h.chain.receiptErr = apperr.New(apperr.ClassUpstream, apperr.CodeReceiptTimeout, "receipt not found")
	trade := h.build(t, "ETH-USDC")

	result, err := h.engine.Send(context.Background(), trade.ID, SendRequest{Confirm: true})
	assert.Equal(t, apperr.CodeReceiptTimeout, apperr.CodeOf(err))
	assert.Equal(t, string(storage.StatusSubmitted), result.Status)
	assert.Contains(t, phases(t, h, trade.ID), "receipt_pending")
}

func TestConfirm_RejectsUnsubmittedTrade(t *testing.T) {
	h := newHarness(t)
	trade := h.build(t, "ETH-USDC")
	_, err := h.engine.Confirm(context.Background(), trade.ID)
	assert.Equal(t, apperr.CodeInvalidTransition, apperr.CodeOf(err))
}

func TestReconcile_FinalizesMinedTrades(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	trade := h.build(t, "ETH-USDC")
	_, err := h.engine.Send(ctx, trade.ID, SendRequest{})
	require.NoError(t, err)

	n, err := h.engine.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing mined yet")

	h.chain.mined = true
	h.chain.receiptStatus = types.ReceiptStatusFailed
	n, err = h.engine.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _, err := h.engine.Get(ctx, trade.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, got.Status)
	assert.Equal(t, "receipt_reverted", got.FailureReason)
	assert.Equal(t, []string{alerting.KindTradeFailed}, h.notifier.kinds())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Reverts.WithLabelValues("onchain")))
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(storage.StatusBuilt, storage.StatusSubmitted))
	assert.True(t, CanTransition(storage.StatusSimulateRevert, storage.StatusBuilt))
	assert.False(t, CanTransition(storage.StatusSimulateRevert, storage.StatusSubmitted))
	assert.False(t, CanTransition(storage.StatusConfirmed, storage.StatusFailed))
	assert.False(t, CanTransition(storage.StatusRequested, storage.StatusSubmitted))
}

func TestHandleJob(t *testing.T) {
	h := newHarness(t)
	trade := h.build(t, "ETH-USDC")

	payload, err := json.Marshal(SendJob{TradeID: trade.ID})
	require.NoError(t, err)
	outcome, err := h.engine.HandleJob(context.Background(), &storage.ExecutionJob{IdempotencyKey: "k1", Payload: payload})
	require.NoError(t, err)
	assert.Equal(t, storage.JobConfirmed, outcome.Status)
	assert.Equal(t, trade.ID, outcome.TradeID)

	summary, ok := outcome.Result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, string(storage.StatusConfirmed), summary["status"])
	assert.NotEmpty(t, summary["tx_hash"])
}

func TestHandleJob_SimulationRevertIsAFinalOutcome(t *testing.T) {
	h := newHarness(t)
	h.chain.simulateErr = apperr.New(apperr.ClassUpstream, apperr.CodeSimulationReverted, "execution reverted")
	trade := h.build(t, "ETH-USDC")

	payload, err := json.Marshal(SendJob{TradeID: trade.ID})
	require.NoError(t, err)
	outcome, err := h.engine.HandleJob(context.Background(), &storage.ExecutionJob{IdempotencyKey: "k2", Payload: payload})
	require.NoError(t, err)
	assert.Equal(t, storage.JobFailed, outcome.Status)
	assert.Equal(t, "simulate_revert", outcome.Reason)
}

func TestHandleJob_RejectsBadPayload(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.HandleJob(context.Background(), &storage.ExecutionJob{IdempotencyKey: "k3", Payload: json.RawMessage(`{}`)})
	assert.Equal(t, apperr.CodeInvalidRequest, apperr.CodeOf(err))
}
