package engine

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"trade-executor/internal/alerting"
	"trade-executor/internal/guard"
	"trade-executor/internal/storage"
)

// TripBreaker trips a named breaker by operator request.
func (e *Engine) TripBreaker(ctx context.Context, key storage.ScopeKey, name, reason, actor string, current, threshold decimal.Decimal) (*storage.CircuitBreaker, error) {
	breaker, err := e.breakers.Trip(ctx, key, name, reason, current, threshold, actor)
	if err != nil {
		return nil, err
	}
	e.tripped(ctx, breaker)
	return breaker, nil
}

// ResetBreaker clears a breaker. Only an explicit reset un-trips it.
func (e *Engine) ResetBreaker(ctx context.Context, key storage.ScopeKey, name, actor string) (*storage.CircuitBreaker, error) {
	return e.breakers.Reset(ctx, key, name, actor)
}

// ListBreakers returns breakers, optionally for one scope.
func (e *Engine) ListBreakers(ctx context.Context, key *storage.ScopeKey) ([]storage.CircuitBreaker, error) {
	return e.breakers.List(ctx, key)
}

// BreakerHistory returns the trip/reset audit trail for one scope.
func (e *Engine) BreakerHistory(ctx context.Context, key storage.ScopeKey, limit int) ([]storage.BreakerEvent, error) {
	return e.breakers.History(ctx, key, limit)
}

// recordFailure trips consecutive_failures once the last N finished trades
// of the scope all reverted, in simulation or on chain.
func (e *Engine) recordFailure(ctx context.Context, trade *storage.Trade) {
	n := e.opts.AutoTripFailures
	if n <= 0 || e.breakers == nil {
		return
	}
	key := trade.Scope()
	recent, err := e.store.ListTrades(ctx, storage.TradeFilter{
		Scope:    &key,
		Statuses: []storage.TradeStatus{storage.StatusSimulateRevert, storage.StatusFailed, storage.StatusConfirmed},
		Limit:    n,
	})
	if err != nil {
		e.logger.Error().Err(err).Str("lock_key", key.LockKey()).Msg("failed to count recent failures")
		return
	}
	if len(recent) < n {
		return
	}
	for _, t := range recent {
		reverted := t.Status == storage.StatusSimulateRevert ||
			(t.Status == storage.StatusFailed && t.FailureReason == "receipt_reverted")
		if !reverted {
			return
		}
	}

	breakers, err := e.breakers.List(ctx, &key)
	if err != nil {
		e.logger.Error().Err(err).Str("lock_key", key.LockKey()).Msg("failed to list breakers")
		return
	}
	for _, b := range breakers {
		if b.Name == guard.BreakerConsecutiveFailures && b.Tripped {
			return
		}
	}

	count := decimal.NewFromInt(int64(n))
	breaker, err := e.breakers.Trip(ctx, key, guard.BreakerConsecutiveFailures,
		fmt.Sprintf("%d consecutive reverted executions", n), count, count, "engine")
	if err != nil {
		e.logger.Error().Err(err).Str("lock_key", key.LockKey()).Msg("failed to auto-trip breaker")
		return
	}
	e.appendEvent(ctx, trade.ID, "breaker_tripped", storage.SeverityError, map[string]any{
		"breaker": breaker.Name,
		"reason":  breaker.Reason,
	})
	e.tripped(ctx, breaker)
}

func (e *Engine) tripped(ctx context.Context, breaker *storage.CircuitBreaker) {
	e.metrics.Tripped(breaker.Name)
	e.notify(ctx, alerting.Notification{
		Kind:           alerting.KindBreakerTripped,
		Scope:          breaker.Key.LockKey(),
		Breaker:        breaker.Name,
		Reason:         breaker.Reason,
		CurrentValue:   breaker.CurrentValue,
		ThresholdValue: breaker.ThresholdValue,
	})
}
