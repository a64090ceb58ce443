package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"trade-executor/internal/apperr"
	"trade-executor/internal/storage"
)

var transitions = map[storage.JobStatus][]storage.JobStatus{
	storage.JobQueued:    {storage.JobLocked},
	storage.JobLocked:    {storage.JobQueued, storage.JobSubmitted, storage.JobConfirmed, storage.JobFailed},
	storage.JobSubmitted: {storage.JobConfirmed, storage.JobFailed},
}

func canTransition(from, to storage.JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Queue is the idempotent job queue.
type Queue struct {
	store      storage.JobStore
	staleAfter time.Duration
	now        func() time.Time
	logger     zerolog.Logger
}

// NewQueue wraps a job store. Locked jobs older than staleAfter are requeued
// by RequeueStale.
func NewQueue(store storage.JobStore, staleAfter time.Duration, logger zerolog.Logger) *Queue {
	return &Queue{
		store:      store,
		staleAfter: staleAfter,
		now:        time.Now,
		logger:     logger.With().Str("component", "jobs").Logger(),
	}
}

// Submit enqueues payload under key. A known key returns the stored job and
// created=false without enqueueing anything.
func (q *Queue) Submit(ctx context.Context, key string, payload any) (*storage.ExecutionJob, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, false, apperr.Validation(apperr.CodeInvalidRequest, "idempotency key is required")
	}
	if len(key) > 200 {
		return nil, false, apperr.Validation(apperr.CodeInvalidRequest, "idempotency key is too long")
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, false, fmt.Errorf("encode job payload: %w", err)
	}

	job := &storage.ExecutionJob{
		ID:             uuid.NewString(),
		IdempotencyKey: key,
		Status:         storage.JobQueued,
		Payload:        raw,
	}
	created, err := q.store.InsertJob(ctx, job)
	if err != nil {
		return nil, false, fmt.Errorf("insert job: %w", err)
	}
	if !created {
		q.logger.Info().Str("idempotency_key", key).Str("status", string(job.Status)).Msg("idempotent replay")
	}
	return job, created, nil
}

// Get loads a job by idempotency key.
func (q *Queue) Get(ctx context.Context, key string) (*storage.ExecutionJob, error) {
	job, err := q.store.GetJobByKey(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound("job", key)
	}
	return job, err
}

// ClaimNext atomically moves the oldest queued job to locked. It returns nil
// when the queue is empty.
func (q *Queue) ClaimNext(ctx context.Context) (*storage.ExecutionJob, error) {
	job, err := q.store.ClaimNextJob(ctx)
	if err != nil {
		return nil, fmt.Errorf("claim next job: %w", err)
	}
	return job, nil
}

// Claim atomically locks the queued job with key. It returns nil when the job
// is not queued.
func (q *Queue) Claim(ctx context.Context, key string) (*storage.ExecutionJob, error) {
	job, err := q.store.ClaimJob(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("claim job %s: %w", key, err)
	}
	return job, nil
}

// MarkSubmitted records that the job's transaction was broadcast.
func (q *Queue) MarkSubmitted(ctx context.Context, job *storage.ExecutionJob, tradeID string, result any) error {
	return q.transition(ctx, job, storage.JobSubmitted, tradeID, result, "")
}

// MarkConfirmed records the final successful result.
func (q *Queue) MarkConfirmed(ctx context.Context, job *storage.ExecutionJob, tradeID string, result any) error {
	return q.transition(ctx, job, storage.JobConfirmed, tradeID, result, "")
}

// MarkFailed records a terminal failure with a stable reason.
func (q *Queue) MarkFailed(ctx context.Context, job *storage.ExecutionJob, tradeID string, result any, reason string) error {
	return q.transition(ctx, job, storage.JobFailed, tradeID, result, reason)
}

// Requeue returns a locked job to the queue, e.g. after lock contention.
func (q *Queue) Requeue(ctx context.Context, job *storage.ExecutionJob, reason string) error {
	return q.transition(ctx, job, storage.JobQueued, job.TradeID, nil, reason)
}

// RequeueStale requeues locked jobs whose worker went away. Submitted jobs
// are never touched.
func (q *Queue) RequeueStale(ctx context.Context) (int, error) {
	if q.staleAfter <= 0 {
		return 0, nil
	}
	n, err := q.store.RequeueStaleJobs(ctx, q.now().Add(-q.staleAfter))
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs: %w", err)
	}
	if n > 0 {
		q.logger.Warn().Int("count", n).Msg("requeued stale jobs")
	}
	return n, nil
}

// TradeReader loads the trade a job drove.
type TradeReader interface {
	GetTrade(ctx context.Context, id string) (*storage.Trade, error)
}

// SettleSubmitted moves up to limit submitted jobs to confirmed or failed once
// their trade has reached a final status. Jobs whose trade is still pending
// are left alone.
func (q *Queue) SettleSubmitted(ctx context.Context, trades TradeReader, limit int) (int, error) {
	pending, err := q.store.ListJobsByStatus(ctx, storage.JobSubmitted, limit)
	if err != nil {
		return 0, fmt.Errorf("list submitted jobs: %w", err)
	}

	settled := 0
	for i := range pending {
		job := &pending[i]
		if job.TradeID == "" {
			continue
		}
		trade, err := trades.GetTrade(ctx, job.TradeID)
		if errors.Is(err, storage.ErrNotFound) {
			q.logger.Warn().Str("idempotency_key", job.IdempotencyKey).Str("trade_id", job.TradeID).Msg("submitted job points at unknown trade")
			continue
		}
		if err != nil {
			return settled, fmt.Errorf("load trade %s: %w", job.TradeID, err)
		}

		result := settledResult(trade)
		switch trade.Status {
		case storage.StatusConfirmed:
			err = q.MarkConfirmed(ctx, job, trade.ID, result)
		case storage.StatusFailed:
			reason := trade.FailureReason
			if reason == "" {
				reason = string(storage.StatusFailed)
			}
			err = q.MarkFailed(ctx, job, trade.ID, result, reason)
		default:
			continue
		}
		if e, ok := apperr.As(err); ok && e.Class == apperr.ClassConcurrency {
			continue
		}
		if err != nil {
			return settled, err
		}
		settled++
		q.logger.Info().
			Str("idempotency_key", job.IdempotencyKey).
			Str("trade_id", trade.ID).
			Str("status", string(job.Status)).
			Msg("submitted job settled")
	}
	return settled, nil
}

func settledResult(trade *storage.Trade) map[string]any {
	out := map[string]any{"status": string(trade.Status), "trade_id": trade.ID}
	if trade.TxHash != nil {
		out["tx_hash"] = *trade.TxHash
	}
	if trade.FailureReason != "" {
		out["failure_reason"] = trade.FailureReason
	}
	return out
}

func (q *Queue) transition(ctx context.Context, job *storage.ExecutionJob, to storage.JobStatus, tradeID string, result any, reason string) error {
	from := job.Status
	if !canTransition(from, to) {
		return apperr.New(apperr.ClassState, apperr.CodeInvalidTransition, "job %s cannot move from %s to %s", job.IdempotencyKey, from, to)
	}

	next := *job
	next.Status = to
	next.TradeID = tradeID
	next.LastError = reason
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("encode job result: %w", err)
		}
		next.Result = raw
	}

	if err := q.store.UpdateJob(ctx, &next, from); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return apperr.New(apperr.ClassConcurrency, apperr.CodeInvalidTransition, "job %s changed concurrently", job.IdempotencyKey)
		}
		return fmt.Errorf("update job: %w", err)
	}
	*job = next
	return nil
}
