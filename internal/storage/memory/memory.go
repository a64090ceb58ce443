// Package memory is an in-process storage.Repository. Every method holds one
// mutex for its whole body, which gives the same single-statement atomicity
// the PostgreSQL store gets from its SQL.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"trade-executor/internal/storage"
)

// Store keeps all records in maps guarded by mu.
type Store struct {
	mu sync.Mutex

	now func() time.Time

	trades        map[string]*storage.Trade
	events        map[string][]storage.TradeEvent
	eventID       int64
	locks         map[string]storage.ExecutionLock
	jobs          map[string]*storage.ExecutionJob
	breakers      map[string]*storage.CircuitBreaker
	breakerEvents []storage.BreakerEvent
	wallets       map[string]*storage.Wallet
	advisory      map[int64]bool
}

// New returns an empty store.
func New() *Store {
	return NewWithClock(time.Now)
}

// NewWithClock returns an empty store that reads time from now.
func NewWithClock(now func() time.Time) *Store {
	return &Store{
		now:      now,
		trades:   make(map[string]*storage.Trade),
		events:   make(map[string][]storage.TradeEvent),
		locks:    make(map[string]storage.ExecutionLock),
		jobs:     make(map[string]*storage.ExecutionJob),
		breakers: make(map[string]*storage.CircuitBreaker),
		wallets:  make(map[string]*storage.Wallet),
		advisory: make(map[int64]bool),
	}
}

// Close is a no-op.
func (s *Store) Close() {}

func (s *Store) CreateTrade(_ context.Context, trade *storage.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.trades[trade.ID]; ok {
		return storage.ErrConflict
	}
	now := s.now()
	trade.CreatedAt = now
	trade.UpdatedAt = now
	stored := trade.Clone()
	s.trades[trade.ID] = &stored
	return nil
}

func (s *Store) GetTrade(_ context.Context, id string) (*storage.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	trade, ok := s.trades[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := trade.Clone()
	return &out, nil
}

func (s *Store) UpdateTrade(_ context.Context, trade *storage.Trade, expected storage.TradeStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.trades[trade.ID]
	if !ok || current.Status != expected {
		return storage.ErrConflict
	}
	trade.UpdatedAt = s.now()
	trade.CreatedAt = current.CreatedAt
	stored := trade.Clone()
	s.trades[trade.ID] = &stored
	return nil
}

func (s *Store) ListTrades(_ context.Context, filter storage.TradeFilter) ([]storage.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make(map[storage.TradeStatus]bool, len(filter.Statuses))
	for _, st := range filter.Statuses {
		statuses[st] = true
	}

	out := make([]storage.Trade, 0)
	for _, trade := range s.trades {
		if filter.Scope != nil && trade.Scope() != *filter.Scope {
			continue
		}
		if len(statuses) > 0 && !statuses[trade.Status] {
			continue
		}
		if !filter.Since.IsZero() && trade.CreatedAt.Before(filter.Since) {
			continue
		}
		out = append(out, trade.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) LastTradeAt(_ context.Context, key storage.ScopeKey, side storage.Side) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		last  time.Time
		found bool
	)
	for _, trade := range s.trades {
		if trade.Scope() != key || trade.Side != side || trade.TxHash == nil {
			continue
		}
		if !found || trade.CreatedAt.After(last) {
			last = trade.CreatedAt
			found = true
		}
	}
	return last, found, nil
}

func (s *Store) AppendEvent(_ context.Context, event *storage.TradeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.eventID++
	event.ID = s.eventID
	event.Seq = len(s.events[event.TradeID]) + 1
	event.CreatedAt = s.now()
	if len(event.Payload) == 0 {
		event.Payload = json.RawMessage(`{}`)
	}
	s.events[event.TradeID] = append(s.events[event.TradeID], *event)
	return nil
}

func (s *Store) ListEvents(_ context.Context, tradeID string) ([]storage.TradeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]storage.TradeEvent, len(s.events[tradeID]))
	copy(out, s.events[tradeID])
	return out, nil
}

func (s *Store) AcquireLock(_ context.Context, key, requestID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if existing, ok := s.locks[key]; ok && !existing.ExpiresAt.Before(now) {
		return false, nil
	}
	s.locks[key] = storage.ExecutionLock{LockKey: key, RequestID: requestID, AcquiredAt: now, ExpiresAt: now.Add(ttl)}
	return true, nil
}

func (s *Store) ReleaseLock(_ context.Context, key, requestID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.locks[key]; !ok || existing.RequestID != requestID {
		return false, nil
	}
	delete(s.locks, key)
	return true, nil
}

func (s *Store) InsertJob(_ context.Context, job *storage.ExecutionJob) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.jobs[job.IdempotencyKey]; ok {
		*job = cloneJob(existing)
		return false, nil
	}
	now := s.now()
	job.CreatedAt = now
	job.UpdatedAt = now
	if len(job.Payload) == 0 {
		job.Payload = json.RawMessage(`{}`)
	}
	stored := cloneJob(job)
	s.jobs[job.IdempotencyKey] = &stored
	return true, nil
}

func (s *Store) GetJobByKey(_ context.Context, key string) (*storage.ExecutionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := cloneJob(job)
	return &out, nil
}

func (s *Store) ClaimNextJob(_ context.Context) (*storage.ExecutionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest *storage.ExecutionJob
	for _, job := range s.jobs {
		if job.Status != storage.JobQueued {
			continue
		}
		if oldest == nil || job.UpdatedAt.Before(oldest.UpdatedAt) ||
			(job.UpdatedAt.Equal(oldest.UpdatedAt) && job.CreatedAt.Before(oldest.CreatedAt)) {
			oldest = job
		}
	}
	if oldest == nil {
		return nil, nil
	}
	return s.claimLocked(oldest), nil
}

func (s *Store) ClaimJob(_ context.Context, key string) (*storage.ExecutionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[key]
	if !ok || job.Status != storage.JobQueued {
		return nil, nil
	}
	return s.claimLocked(job), nil
}

func (s *Store) claimLocked(job *storage.ExecutionJob) *storage.ExecutionJob {
	now := s.now()
	job.Status = storage.JobLocked
	job.LockedAt = &now
	job.Attempts++
	job.UpdatedAt = now
	out := cloneJob(job)
	return &out
}

func (s *Store) UpdateJob(_ context.Context, job *storage.ExecutionJob, expected storage.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.jobs[job.IdempotencyKey]
	if !ok || current.ID != job.ID || current.Status != expected {
		return storage.ErrConflict
	}
	current.Status = job.Status
	current.TradeID = job.TradeID
	current.Result = append(json.RawMessage(nil), job.Result...)
	current.LastError = job.LastError
	current.UpdatedAt = s.now()
	job.UpdatedAt = current.UpdatedAt
	return nil
}

func (s *Store) ListJobsByStatus(_ context.Context, status storage.JobStatus, limit int) ([]storage.ExecutionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]storage.ExecutionJob, 0)
	for _, job := range s.jobs {
		if job.Status == status {
			out = append(out, cloneJob(job))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) RequeueStaleJobs(_ context.Context, lockedBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, job := range s.jobs {
		if job.Status != storage.JobLocked || job.LockedAt == nil || !job.LockedAt.Before(lockedBefore) {
			continue
		}
		job.Status = storage.JobQueued
		job.LockedAt = nil
		job.UpdatedAt = s.now()
		n++
	}
	return n, nil
}

func breakerKey(key storage.ScopeKey, name string) string {
	return key.LockKey() + ":" + name
}

func (s *Store) TripBreaker(_ context.Context, trip storage.BreakerTrip) (*storage.CircuitBreaker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	k := breakerKey(trip.Key, trip.Name)
	breaker, ok := s.breakers[k]
	if !ok {
		breaker = &storage.CircuitBreaker{Key: trip.Key, Name: trip.Name, Thresholds: json.RawMessage(`{}`)}
		s.breakers[k] = breaker
	}
	breaker.Tripped = true
	breaker.TripCount++
	breaker.CurrentValue = trip.CurrentValue
	breaker.ThresholdValue = trip.ThresholdValue
	breaker.Reason = trip.Reason
	breaker.TrippedAt = &now
	breaker.UpdatedAt = now

	s.appendBreakerEvent(trip.Key, trip.Name, "trip", trip.Actor, trip.Reason, now)
	out := *breaker
	return &out, nil
}

func (s *Store) ResetBreaker(_ context.Context, key storage.ScopeKey, name, actor string) (*storage.CircuitBreaker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	breaker, ok := s.breakers[breakerKey(key, name)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	now := s.now()
	breaker.Tripped = false
	breaker.CurrentValue = decimal.Zero
	breaker.LastResetAt = &now
	breaker.UpdatedAt = now

	s.appendBreakerEvent(key, name, "reset", actor, "", now)
	out := *breaker
	return &out, nil
}

func (s *Store) appendBreakerEvent(key storage.ScopeKey, name, action, actor, reason string, at time.Time) {
	s.breakerEvents = append(s.breakerEvents, storage.BreakerEvent{
		ID:        int64(len(s.breakerEvents) + 1),
		Key:       key,
		Name:      name,
		Action:    action,
		Actor:     actor,
		Reason:    reason,
		CreatedAt: at,
	})
}

func (s *Store) ListBreakers(_ context.Context, key *storage.ScopeKey) ([]storage.CircuitBreaker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]storage.CircuitBreaker, 0)
	for _, breaker := range s.breakers {
		if key != nil && breaker.Key != *key {
			continue
		}
		out = append(out, *breaker)
	}
	sort.Slice(out, func(i, j int) bool {
		return breakerKey(out[i].Key, out[i].Name) < breakerKey(out[j].Key, out[j].Name)
	})
	return out, nil
}

func (s *Store) ListBreakerEvents(_ context.Context, key storage.ScopeKey, limit int) ([]storage.BreakerEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]storage.BreakerEvent, 0)
	for i := len(s.breakerEvents) - 1; i >= 0; i-- {
		if s.breakerEvents[i].Key != key {
			continue
		}
		out = append(out, s.breakerEvents[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) SaveWallet(_ context.Context, wallet *storage.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.wallets[wallet.UserID]; ok {
		return storage.ErrConflict
	}
	wallet.CreatedAt = s.now()
	stored := *wallet
	s.wallets[wallet.UserID] = &stored
	return nil
}

func (s *Store) GetWalletByUser(_ context.Context, userID string) (*storage.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wallet, ok := s.wallets[userID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := *wallet
	return &out, nil
}

// TryAdvisoryLock emulates a session advisory lock within the process.
func (s *Store) TryAdvisoryLock(_ context.Context, key int64) (func(), bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.advisory[key] {
		return nil, false, nil
	}
	s.advisory[key] = true
	var once sync.Once
	unlock := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.advisory, key)
			s.mu.Unlock()
		})
	}
	return unlock, true, nil
}

func cloneJob(job *storage.ExecutionJob) storage.ExecutionJob {
	out := *job
	out.Payload = append(json.RawMessage(nil), job.Payload...)
	if job.Result != nil {
		out.Result = append(json.RawMessage(nil), job.Result...)
	}
	if job.LockedAt != nil {
		at := *job.LockedAt
		out.LockedAt = &at
	}
	return out
}

var _ storage.Repository = (*Store)(nil)
