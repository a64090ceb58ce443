package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict is returned when a compare-and-set precondition fails.
	ErrConflict = errors.New("storage: conflict")
)

// TradeStore persists trades. Trades are never deleted.
type TradeStore interface {
	CreateTrade(ctx context.Context, trade *Trade) error
	GetTrade(ctx context.Context, id string) (*Trade, error)
	// UpdateTrade writes trade only if the stored status still equals expected.
	UpdateTrade(ctx context.Context, trade *Trade, expected TradeStatus) error
	ListTrades(ctx context.Context, filter TradeFilter) ([]Trade, error)
	LastTradeAt(ctx context.Context, key ScopeKey, side Side) (time.Time, bool, error)
}

// EventStore is the append-only trade event log.
type EventStore interface {
	AppendEvent(ctx context.Context, event *TradeEvent) error
	ListEvents(ctx context.Context, tradeID string) ([]TradeEvent, error)
}

// LockStore exposes the atomic execution lock primitives.
type LockStore interface {
	AcquireLock(ctx context.Context, key, requestID string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key, requestID string) (bool, error)
}

// JobStore exposes the idempotent job queue primitives.
type JobStore interface {
	// InsertJob enqueues job unless its idempotency key exists, in which case
	// job is overwritten with the stored record and created is false.
	InsertJob(ctx context.Context, job *ExecutionJob) (created bool, err error)
	GetJobByKey(ctx context.Context, key string) (*ExecutionJob, error)
	// ClaimNextJob atomically moves the oldest queued job to locked.
	ClaimNextJob(ctx context.Context) (*ExecutionJob, error)
	// ClaimJob atomically moves the queued job with key to locked.
	ClaimJob(ctx context.Context, key string) (*ExecutionJob, error)
	UpdateJob(ctx context.Context, job *ExecutionJob, expected JobStatus) error
	RequeueStaleJobs(ctx context.Context, lockedBefore time.Time) (int, error)
	// ListJobsByStatus returns up to limit jobs in status, least recently
	// updated first.
	ListJobsByStatus(ctx context.Context, status JobStatus, limit int) ([]ExecutionJob, error)
}

// BreakerStore exposes the atomic breaker primitives.
type BreakerStore interface {
	TripBreaker(ctx context.Context, trip BreakerTrip) (*CircuitBreaker, error)
	ResetBreaker(ctx context.Context, key ScopeKey, name, actor string) (*CircuitBreaker, error)
	ListBreakers(ctx context.Context, key *ScopeKey) ([]CircuitBreaker, error)
	ListBreakerEvents(ctx context.Context, key ScopeKey, limit int) ([]BreakerEvent, error)
}

// WalletStore persists custodied wallets.
type WalletStore interface {
	SaveWallet(ctx context.Context, wallet *Wallet) error
	GetWalletByUser(ctx context.Context, userID string) (*Wallet, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Repository is everything the engine needs from persistence.
type Repository interface {
	TradeStore
	EventStore
	LockStore
	JobStore
	BreakerStore
	WalletStore
	AdvisoryLocker
	Close()
}
