package guard

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade-executor/internal/apperr"
	"trade-executor/internal/config"
	"trade-executor/internal/storage"
	"trade-executor/internal/storage/memory"
)

func testLimits() Limits {
	return Limits{
		MaxSellAmount:  big.NewInt(1_000_000),
		MaxSlippageBps: 75,
		BuyCooldown:    10 * time.Minute,
	}
}

func TestCheckSlippage(t *testing.T) {
	limits := testLimits()

	require.NoError(t, limits.CheckSlippage(0))
	require.NoError(t, limits.CheckSlippage(75))

	err := limits.CheckSlippage(76)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeSlippageTooHigh, apperr.CodeOf(err))

	assert.Equal(t, apperr.CodeInvalidRequest, apperr.CodeOf(limits.CheckSlippage(-1)))
	assert.Equal(t, apperr.CodeInvalidRequest, apperr.CodeOf(limits.CheckSlippage(10_001)))
}

func TestCheckSellAmount(t *testing.T) {
	limits := testLimits()

	require.NoError(t, limits.CheckSellAmount(big.NewInt(1_000_000)))

	err := limits.CheckSellAmount(big.NewInt(1_000_001))
	assert.Equal(t, apperr.CodeSellAmountTooLarge, apperr.CodeOf(err))
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, "1000000", e.Details["max_sell_amount"])

	assert.Equal(t, apperr.CodeInvalidRequest, apperr.CodeOf(limits.CheckSellAmount(nil)))
	assert.Equal(t, apperr.CodeInvalidRequest, apperr.CodeOf(limits.CheckSellAmount(big.NewInt(0))))
}

func TestCheckStateless_SlippageFirst(t *testing.T) {
	limits := testLimits()
	err := limits.CheckStateless(big.NewInt(5_000_000), 80)
	assert.Equal(t, apperr.CodeSlippageTooHigh, apperr.CodeOf(err))
}

func TestLimitsFromConfig(t *testing.T) {
	cfg := &config.Config{Safety: config.SafetyConfig{MaxSellAmount: "42", MaxSlippageBps: 30, SellCooldown: time.Minute}}
	limits, err := LimitsFromConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, int64(42), limits.MaxSellAmount.Int64())
	assert.Equal(t, time.Minute, limits.Cooldown(storage.SideSell))
	assert.Zero(t, limits.Cooldown(storage.SideBuy))

	cfg.Safety.MaxSellAmount = "lots"
	_, err = LimitsFromConfig(cfg)
	assert.Equal(t, apperr.CodeConfigInvalid, apperr.CodeOf(err))
}

func TestBreakers_IsolatedPerSymbol(t *testing.T) {
	ctx := context.Background()
	breakers := NewBreakers(memory.New(), zerolog.Nop())
	x := storage.ScopeKey{UserID: "A", StrategyID: "S", Symbol: "X"}
	y := storage.ScopeKey{UserID: "A", StrategyID: "S", Symbol: "Y"}

	_, err := breakers.Trip(ctx, x, BreakerManual, "operator halt", decimal.Zero, decimal.Zero, "ops")
	require.NoError(t, err)

	err = breakers.Check(ctx, x)
	require.Error(t, err)
	assert.Equal(t, apperr.CodeBreakerTripped, apperr.CodeOf(err))
	e, _ := apperr.As(err)
	assert.Equal(t, BreakerManual, e.Details["breaker"])

	require.NoError(t, breakers.Check(ctx, y))

	_, err = breakers.Reset(ctx, x, BreakerManual, "ops")
	require.NoError(t, err)
	require.NoError(t, breakers.Check(ctx, x))

	history, err := breakers.History(ctx, x, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "reset", history[0].Action)
}

func TestBreakers_Validation(t *testing.T) {
	ctx := context.Background()
	breakers := NewBreakers(memory.New(), zerolog.Nop())
	key := storage.ScopeKey{UserID: "A", StrategyID: "S", Symbol: "X"}

	_, err := breakers.Trip(ctx, storage.ScopeKey{UserID: "A", Symbol: "X"}, BreakerManual, "r", decimal.Zero, decimal.Zero, "ops")
	assert.Equal(t, apperr.CodeInvalidRequest, apperr.CodeOf(err))

	_, err = breakers.Trip(ctx, key, BreakerManual, " ", decimal.Zero, decimal.Zero, "ops")
	assert.Equal(t, apperr.CodeInvalidRequest, apperr.CodeOf(err))

	_, err = breakers.Reset(ctx, key, BreakerManual, "ops")
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))

	_, err = breakers.Reset(ctx, key, BreakerManual, "")
	assert.Equal(t, apperr.CodeInvalidRequest, apperr.CodeOf(err))
}

func TestCooldowns(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store := memory.NewWithClock(func() time.Time { return now })
	key := storage.ScopeKey{UserID: "A", StrategyID: "S", Symbol: "X"}
	cooldowns := NewCooldowns(store, testLimits())

	require.NoError(t, cooldowns.Check(ctx, key, storage.SideBuy, now))

	hash := "0x01"
	require.NoError(t, store.CreateTrade(ctx, &storage.Trade{
		ID: "t1", UserID: "A", StrategyID: "S", Symbol: "X",
		Side: storage.SideBuy, Status: storage.StatusSubmitted, TxHash: &hash,
	}))

	err := cooldowns.Check(ctx, key, storage.SideBuy, now.Add(4*time.Minute))
	require.Error(t, err)
	assert.Equal(t, apperr.CodeCooldownActive, apperr.CodeOf(err))
	e, _ := apperr.As(err)
	assert.Equal(t, int64(360), e.Details["remaining_seconds"])

	require.NoError(t, cooldowns.Check(ctx, key, storage.SideBuy, now.Add(11*time.Minute)))
	// sell side has no cooldown configured
	require.NoError(t, cooldowns.Check(ctx, key, storage.SideSell, now))
}
