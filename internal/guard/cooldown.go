package guard

import (
	"context"
	"fmt"
	"time"

	"trade-executor/internal/apperr"
	"trade-executor/internal/storage"
)

// TradeHistory is the part of the trade store cooldowns read.
type TradeHistory interface {
	LastTradeAt(ctx context.Context, key storage.ScopeKey, side storage.Side) (time.Time, bool, error)
}

// Cooldowns blocks a side for a while after its last broadcast trade.
type Cooldowns struct {
	history TradeHistory
	limits  Limits
}

// NewCooldowns builds cooldown checks from limits.
func NewCooldowns(history TradeHistory, limits Limits) *Cooldowns {
	return &Cooldowns{history: history, limits: limits}
}

// Check fails with COOLDOWN_ACTIVE and the remaining wait when side is cooling down.
func (c *Cooldowns) Check(ctx context.Context, key storage.ScopeKey, side storage.Side, now time.Time) error {
	window := c.limits.Cooldown(side)
	if window <= 0 {
		return nil
	}

	last, ok, err := c.history.LastTradeAt(ctx, key, side)
	if err != nil {
		return fmt.Errorf("load last %s trade: %w", side, err)
	}
	if !ok {
		return nil
	}

	remaining := last.Add(window).Sub(now)
	if remaining <= 0 {
		return nil
	}
	return apperr.New(apperr.ClassState, apperr.CodeCooldownActive,
		"%s cooldown active for %s, %s remaining", side, key.LockKey(), remaining.Round(time.Second)).
		With("side", string(side)).
		With("remaining_seconds", int64(remaining.Round(time.Second)/time.Second)).
		With("last_trade_at", last.UTC().Format(time.RFC3339))
}
