// Package guard holds the checks that decide whether a trade may be built:
// stateless size and slippage limits, per-scope circuit breakers and
// per-side cooldowns.
package guard

import (
	"fmt"
	"math/big"
	"time"

	"trade-executor/internal/apperr"
	"trade-executor/internal/config"
	"trade-executor/internal/storage"
)

// MaxBps is the largest meaningful basis-point value.
const MaxBps = 10_000

// Limits are the hard execution limits, loaded once at startup.
type Limits struct {
	MaxSellAmount  *big.Int
	MaxSlippageBps int
	BuyCooldown    time.Duration
	SellCooldown   time.Duration
}

// LimitsFromConfig reads the safety section.
func LimitsFromConfig(cfg *config.Config) (Limits, error) {
	maxSell, err := cfg.MaxSellAmount()
	if err != nil {
		return Limits{}, apperr.Configuration(err, "invalid sell ceiling")
	}
	return Limits{
		MaxSellAmount:  maxSell,
		MaxSlippageBps: cfg.Safety.MaxSlippageBps,
		BuyCooldown:    cfg.Safety.BuyCooldown,
		SellCooldown:   cfg.Safety.SellCooldown,
	}, nil
}

// CheckSlippage rejects slippage outside 0..MaxSlippageBps.
func (l Limits) CheckSlippage(bps int) error {
	if bps < 0 || bps > MaxBps {
		return apperr.Validation(apperr.CodeInvalidRequest, "slippage_bps must be within 0..%d, got %d", MaxBps, bps).
			With("slippage_bps", bps)
	}
	if bps > l.MaxSlippageBps {
		return apperr.Validation(apperr.CodeSlippageTooHigh,
			"requested slippage %d bps exceeds max %d bps", bps, l.MaxSlippageBps).
			With("slippage_bps", bps).
			With("max_slippage_bps", l.MaxSlippageBps)
	}
	return nil
}

// CheckSellAmount rejects non-positive amounts and amounts above the ceiling.
func (l Limits) CheckSellAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return apperr.Validation(apperr.CodeInvalidRequest, "sell amount must be a positive integer")
	}
	if l.MaxSellAmount != nil && amount.Cmp(l.MaxSellAmount) > 0 {
		return apperr.Validation(apperr.CodeSellAmountTooLarge,
			"sell amount %s exceeds max %s", amount, l.MaxSellAmount).
			With("sell_amount", amount.String()).
			With("max_sell_amount", l.MaxSellAmount.String())
	}
	return nil
}

// CheckStateless runs every check that needs no I/O.
func (l Limits) CheckStateless(amount *big.Int, slippageBps int) error {
	if err := l.CheckSlippage(slippageBps); err != nil {
		return err
	}
	return l.CheckSellAmount(amount)
}

// Cooldown returns the configured cooldown for side.
func (l Limits) Cooldown(side storage.Side) time.Duration {
	switch side {
	case storage.SideBuy:
		return l.BuyCooldown
	case storage.SideSell:
		return l.SellCooldown
	default:
		return 0
	}
}

func (l Limits) String() string {
	return fmt.Sprintf("max_sell=%s max_slippage_bps=%d buy_cooldown=%s sell_cooldown=%s",
		l.MaxSellAmount, l.MaxSlippageBps, l.BuyCooldown, l.SellCooldown)
}
