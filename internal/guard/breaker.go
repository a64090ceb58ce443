package guard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trade-executor/internal/apperr"
	"trade-executor/internal/storage"
)

// Breaker names used by the engine itself.
const (
	BreakerManual              = "manual"
	BreakerConsecutiveFailures = "consecutive_failures"
)

// Breakers manages named circuit breakers per execution scope. State only
// changes through the store's single-statement trip and reset.
type Breakers struct {
	store  storage.BreakerStore
	logger zerolog.Logger
}

// NewBreakers wraps a breaker store.
func NewBreakers(store storage.BreakerStore, logger zerolog.Logger) *Breakers {
	return &Breakers{store: store, logger: logger.With().Str("component", "breakers").Logger()}
}

// Trip sets the named breaker for key. It stays tripped until Reset.
func (b *Breakers) Trip(ctx context.Context, key storage.ScopeKey, name, reason string, current, threshold decimal.Decimal, actor string) (*storage.CircuitBreaker, error) {
	if err := key.Validate(); err != nil {
		return nil, apperr.Validation(apperr.CodeInvalidRequest, "%s", err.Error())
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.Validation(apperr.CodeInvalidRequest, "breaker name is required")
	}
	if strings.TrimSpace(reason) == "" {
		return nil, apperr.Validation(apperr.CodeInvalidRequest, "trip reason is required")
	}

	breaker, err := b.store.TripBreaker(ctx, storage.BreakerTrip{
		Key:            key,
		Name:           name,
		Reason:         reason,
		CurrentValue:   current,
		ThresholdValue: threshold,
		Actor:          actor,
	})
	if err != nil {
		return nil, fmt.Errorf("trip breaker %s: %w", name, err)
	}

	b.logger.Warn().
		Str("lock_key", key.LockKey()).
		Str("breaker", name).
		Str("reason", reason).
		Str("actor", actor).
		Int("trip_count", breaker.TripCount).
		Msg("circuit breaker tripped")
	return breaker, nil
}

// Reset clears the named breaker for key and records who did it.
func (b *Breakers) Reset(ctx context.Context, key storage.ScopeKey, name, actor string) (*storage.CircuitBreaker, error) {
	if err := key.Validate(); err != nil {
		return nil, apperr.Validation(apperr.CodeInvalidRequest, "%s", err.Error())
	}
	if strings.TrimSpace(actor) == "" {
		return nil, apperr.Validation(apperr.CodeInvalidRequest, "reset actor is required")
	}

	breaker, err := b.store.ResetBreaker(ctx, key, name, actor)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound("breaker", key.LockKey()+":"+name)
	}
	if err != nil {
		return nil, fmt.Errorf("reset breaker %s: %w", name, err)
	}

	b.logger.Info().
		Str("lock_key", key.LockKey()).
		Str("breaker", name).
		Str("actor", actor).
		Msg("circuit breaker reset")
	return breaker, nil
}

// Check fails with BREAKER_TRIPPED naming the first tripped breaker for key.
func (b *Breakers) Check(ctx context.Context, key storage.ScopeKey) error {
	breakers, err := b.store.ListBreakers(ctx, &key)
	if err != nil {
		return fmt.Errorf("load breakers: %w", err)
	}
	for _, breaker := range breakers {
		if !breaker.Tripped {
			continue
		}
		e := apperr.New(apperr.ClassState, apperr.CodeBreakerTripped,
			"breaker %s tripped for %s: %s", breaker.Name, key.LockKey(), breaker.Reason).
			With("breaker", breaker.Name).
			With("reason", breaker.Reason)
		if breaker.TrippedAt != nil {
			e = e.With("tripped_at", breaker.TrippedAt.UTC().Format(time.RFC3339))
		}
		return e
	}
	return nil
}

// List returns breakers for key, or every breaker when key is nil.
func (b *Breakers) List(ctx context.Context, key *storage.ScopeKey) ([]storage.CircuitBreaker, error) {
	return b.store.ListBreakers(ctx, key)
}

// History returns the newest trip and reset actions for key.
func (b *Breakers) History(ctx context.Context, key storage.ScopeKey, limit int) ([]storage.BreakerEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	return b.store.ListBreakerEvents(ctx, key, limit)
}
