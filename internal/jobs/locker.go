// Package jobs provides TTL execution locks and the idempotent job queue
// used to serialize on-chain work per execution scope.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"trade-executor/internal/apperr"
	"trade-executor/internal/storage"
)

const releaseTimeout = 5 * time.Second

// Locker hands out TTL mutual exclusion per lock key.
type Locker struct {
	store  storage.LockStore
	ttl    time.Duration
	logger zerolog.Logger
}

// NewLocker creates a locker with a default ttl for With.
func NewLocker(store storage.LockStore, ttl time.Duration, logger zerolog.Logger) *Locker {
	return &Locker{store: store, ttl: ttl, logger: logger.With().Str("component", "locker").Logger()}
}

// Acquire takes key for ttl. It reports false when another holder has an
// unexpired lock.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration, requestID string) (bool, error) {
	if key == "" {
		return false, apperr.Validation(apperr.CodeInvalidRequest, "lock key is required")
	}
	if ttl <= 0 {
		return false, apperr.Validation(apperr.CodeInvalidRequest, "lock ttl must be positive")
	}
	ok, err := l.store.AcquireLock(ctx, key, requestID, ttl)
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	return ok, nil
}

// Release drops key if requestID still owns it. It reports whether a lock
// was removed.
func (l *Locker) Release(ctx context.Context, key, requestID string) (bool, error) {
	ok, err := l.store.ReleaseLock(ctx, key, requestID)
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", key, err)
	}
	return ok, nil
}

// TTL is the lease taken by With.
func (l *Locker) TTL() time.Duration {
	return l.ttl
}

// With runs fn while holding key and fails fast with LOCKED on contention.
// Each call holds the lock under its own token so a caller whose lease ran
// out cannot release a lock that has since been taken over.
// The lock is released even when ctx has been cancelled.
func (l *Locker) With(ctx context.Context, key, requestID string, fn func(ctx context.Context) error) error {
	holder := requestID + "/" + uuid.NewString()
	ok, err := l.Acquire(ctx, key, l.ttl, holder)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Locked(key)
	}

	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		released, err := l.Release(releaseCtx, key, holder)
		if err != nil {
			l.logger.Error().Err(err).Str("lock_key", key).Msg("failed to release execution lock")
			return
		}
		if !released {
			l.logger.Warn().Str("lock_key", key).Str("request_id", requestID).Dur("ttl", l.ttl).Msg("execution lock expired before release")
		}
	}()

	return fn(ctx)
}
