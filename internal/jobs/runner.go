package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"trade-executor/internal/apperr"
	"trade-executor/internal/storage"
)

// Outcome is what a Handler made of a job.
type Outcome struct {
	TradeID string
	Status  storage.JobStatus
	Reason  string
	Result  any
}

// Handler executes the work described by a claimed job.
type Handler interface {
	HandleJob(ctx context.Context, job *storage.ExecutionJob) (Outcome, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *storage.ExecutionJob) (Outcome, error)

func (f HandlerFunc) HandleJob(ctx context.Context, job *storage.ExecutionJob) (Outcome, error) {
	return f(ctx, job)
}

// Runner drives claimed jobs through a Handler and records the outcome.
type Runner struct {
	queue   *Queue
	handler Handler
	logger  zerolog.Logger
}

// NewRunner binds a handler to the queue.
func NewRunner(queue *Queue, handler Handler, logger zerolog.Logger) *Runner {
	return &Runner{queue: queue, handler: handler, logger: logger.With().Str("component", "runner").Logger()}
}

// Queue exposes the underlying queue.
func (r *Runner) Queue() *Queue {
	return r.queue
}

// Drain processes queued jobs until the queue is empty or limit is reached.
// A job requeued earlier in the same pass ends the pass.
func (r *Runner) Drain(ctx context.Context, limit int) (int, error) {
	seen := make(map[string]bool)
	processed := 0
	for limit <= 0 || processed < limit {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		job, err := r.queue.ClaimNext(ctx)
		if err != nil {
			return processed, err
		}
		if job == nil {
			return processed, nil
		}
		if seen[job.ID] {
			return processed, r.queue.Requeue(ctx, job, job.LastError)
		}
		seen[job.ID] = true
		processed++
		if err := r.Process(ctx, job); err != nil {
			r.logger.Error().Err(err).Str("idempotency_key", job.IdempotencyKey).Msg("job processing failed")
		}
	}
	return processed, nil
}

// Process executes a job that is already locked by the caller and persists
// the result. Concurrency failures put the job back on the queue.
func (r *Runner) Process(ctx context.Context, job *storage.ExecutionJob) error {
	if job.Status != storage.JobLocked {
		return apperr.New(apperr.ClassState, apperr.CodeInvalidTransition, "job %s is %s, not locked", job.IdempotencyKey, job.Status)
	}

	logger := r.logger.With().Str("idempotency_key", job.IdempotencyKey).Int("attempt", job.Attempts).Logger()
	outcome, err := r.handler.HandleJob(ctx, job)
	if err != nil {
		if e, ok := apperr.As(err); ok && e.Class == apperr.ClassConcurrency {
			logger.Info().Str("code", string(e.Code)).Msg("job requeued")
			if requeueErr := r.queue.Requeue(ctx, job, string(e.Code)); requeueErr != nil {
				return errors.Join(err, requeueErr)
			}
			return err
		}
		reason := string(apperr.CodeOf(err))
		logger.Warn().Err(err).Str("code", reason).Msg("job failed")
		if markErr := r.queue.MarkFailed(ctx, job, outcome.TradeID, errorResult(err), reason); markErr != nil {
			return errors.Join(err, markErr)
		}
		return err
	}

	switch outcome.Status {
	case storage.JobSubmitted:
		err = r.queue.MarkSubmitted(ctx, job, outcome.TradeID, outcome.Result)
	case storage.JobConfirmed:
		if job.Status == storage.JobLocked {
			if err = r.queue.MarkSubmitted(ctx, job, outcome.TradeID, outcome.Result); err != nil {
				break
			}
		}
		err = r.queue.MarkConfirmed(ctx, job, outcome.TradeID, outcome.Result)
	case storage.JobFailed:
		err = r.queue.MarkFailed(ctx, job, outcome.TradeID, outcome.Result, outcome.Reason)
	default:
		err = fmt.Errorf("handler returned unsupported job status %q", outcome.Status)
	}
	if err != nil {
		return err
	}

	logger.Info().Str("trade_id", outcome.TradeID).Str("status", string(job.Status)).Msg("job processed")
	return nil
}

func errorResult(err error) map[string]any {
	out := map[string]any{"status": "error"}
	if e, ok := apperr.As(err); ok {
		out["error"] = map[string]any{"code": e.Code, "message": e.Message}
		return out
	}
	out["error"] = map[string]any{"code": apperr.CodeInternal, "message": err.Error()}
	return out
}
