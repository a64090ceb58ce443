package engine

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"trade-executor/internal/apperr"
	"trade-executor/internal/jobs"
	"trade-executor/internal/storage"
)

// SendJob is the payload of an execution job.
type SendJob struct {
	TradeID         string `json:"trade_id"`
	PermitSignature string `json:"permit_signature,omitempty"`
}

// Summary is the compact job result stored for idempotent replay.
func (r Result) Summary() map[string]any {
	out := map[string]any{"status": r.Status, "dryRun": r.DryRun}
	if r.Trade != nil {
		out["trade_id"] = r.Trade.ID
		if r.Trade.TxHash != nil {
			out["tx_hash"] = *r.Trade.TxHash
		}
		if r.Trade.FailureReason != "" {
			out["failure_reason"] = r.Trade.FailureReason
		}
	}
	if r.Preflight != nil {
		out["preflight"] = r.Preflight
	}
	return out
}

// HandleJob implements jobs.Handler: send the trade, then wait for its
// receipt. The trade status stays the source of truth; the job records the
// outcome of this attempt.
func (e *Engine) HandleJob(ctx context.Context, job *storage.ExecutionJob) (jobs.Outcome, error) {
	var payload SendJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil || strings.TrimSpace(payload.TradeID) == "" {
		return jobs.Outcome{}, apperr.Validation(apperr.CodeInvalidRequest, "job %s payload must name a trade_id", job.IdempotencyKey)
	}

	var sig []byte
	if payload.PermitSignature != "" {
		decoded, err := hexutil.Decode(payload.PermitSignature)
		if err != nil {
			return jobs.Outcome{TradeID: payload.TradeID}, apperr.Validation(apperr.CodeSignatureInvalid, "permit_signature is not hex")
		}
		sig = decoded
	}

	result, err := e.Send(ctx, payload.TradeID, SendRequest{PermitSignature: sig, Confirm: true})
	outcome := jobs.Outcome{TradeID: payload.TradeID, Result: result.Summary()}
	if err != nil {
		switch {
		case apperr.HasCode(err, apperr.CodeSimulationReverted) && result.Trade != nil && result.Trade.Status == storage.StatusSimulateRevert:
			outcome.Status = storage.JobFailed
			outcome.Reason = string(storage.StatusSimulateRevert)
			return outcome, nil
		case apperr.HasCode(err, apperr.CodeReceiptTimeout):
			outcome.Status = storage.JobSubmitted
			return outcome, nil
		}
		return outcome, err
	}

	switch {
	case result.DryRun:
		outcome.Status = storage.JobFailed
		outcome.Reason = "dry_run"
		return outcome, nil
	case result.Preflight != nil:
		outcome.Status = storage.JobFailed
		outcome.Reason = string(storage.StatusPreflightRequired)
		return outcome, nil
	}

	switch result.Trade.Status {
	case storage.StatusConfirmed:
		outcome.Status = storage.JobConfirmed
	case storage.StatusSubmitted:
		outcome.Status = storage.JobSubmitted
	case storage.StatusFailed:
		outcome.Status = storage.JobFailed
		outcome.Reason = result.Trade.FailureReason
	default:
		outcome.Status = storage.JobFailed
		outcome.Reason = string(result.Trade.Status)
	}
	return outcome, nil
}

var _ jobs.Handler = (*Engine)(nil)
