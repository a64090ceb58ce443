package engine

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"trade-executor/internal/apperr"
	"trade-executor/internal/storage"
)

// reconcileBatch bounds one Reconcile pass.
const reconcileBatch = 100

// Confirm polls for the receipt of a submitted trade, a bounded number of
// times, and records the final status. A timeout leaves the trade submitted.
func (e *Engine) Confirm(ctx context.Context, tradeID string) (Result, error) {
	trade, err := e.loadTrade(ctx, tradeID)
	if err != nil {
		return Result{}, err
	}
	switch trade.Status {
	case storage.StatusConfirmed, storage.StatusFailed:
		result := newResult(trade)
		result.Replayed = true
		return result, nil
	case storage.StatusSubmitted:
	default:
		return newResult(trade), apperr.New(apperr.ClassState, apperr.CodeInvalidTransition, "trade %s is %s, nothing to confirm", trade.ID, trade.Status)
	}
	if trade.TxHash == nil {
		return newResult(trade), apperr.New(apperr.ClassState, apperr.CodeInvalidTransition, "submitted trade %s has no transaction hash", trade.ID)
	}

	receipt, err := e.chain.WaitReceipt(ctx, common.HexToHash(*trade.TxHash), e.opts.ReceiptAttempts, e.opts.ReceiptInterval)
	if err != nil {
		e.appendEvent(ctx, trade.ID, "receipt_pending", storage.SeverityWarn, errorPayload(err))
		return newResult(trade), err
	}
	return e.finalize(ctx, trade, receipt)
}

// Reconcile checks every submitted trade once and finalizes those with a
// receipt. It returns how many trades reached a final status.
func (e *Engine) Reconcile(ctx context.Context) (int, error) {
	trades, err := e.store.ListTrades(ctx, storage.TradeFilter{
		Statuses: []storage.TradeStatus{storage.StatusSubmitted},
		Limit:    reconcileBatch,
	})
	if err != nil {
		return 0, fmt.Errorf("list submitted trades: %w", err)
	}

	finalized := 0
	for i := range trades {
		if err := ctx.Err(); err != nil {
			return finalized, err
		}
		trade := &trades[i]
		if trade.TxHash == nil {
			continue
		}
		receipt, err := e.chain.Receipt(ctx, common.HexToHash(*trade.TxHash))
		if err != nil {
			e.logger.Warn().Err(err).Str("trade_id", trade.ID).Msg("receipt lookup failed during reconcile")
			continue
		}
		if receipt == nil {
			continue
		}
		if _, err := e.finalize(ctx, trade, receipt); err != nil {
			e.logger.Warn().Err(err).Str("trade_id", trade.ID).Msg("reconcile could not finalize trade")
			continue
		}
		finalized++
	}
	if finalized > 0 {
		e.logger.Info().Int("finalized", finalized).Int("checked", len(trades)).Msg("reconcile pass complete")
	}
	return finalized, nil
}

func (e *Engine) finalize(ctx context.Context, trade *storage.Trade, receipt *types.Receipt) (Result, error) {
	data := &storage.ReceiptData{GasUsed: receipt.GasUsed, Status: receipt.Status}
	if receipt.BlockNumber != nil {
		data.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if receipt.EffectiveGasPrice != nil {
		data.EffectiveGasPrice = receipt.EffectiveGasPrice.String()
	}
	trade.Receipt = data

	if receipt.Status == types.ReceiptStatusSuccessful {
		err := e.transition(ctx, trade, storage.StatusConfirmed, "confirmed", storage.SeverityInfo, map[string]any{
			"block_number": data.BlockNumber,
			"gas_used":     data.GasUsed,
		})
		return newResult(trade), err
	}

	e.metrics.Revert("onchain")
	if err := e.fail(ctx, trade, "receipt_reverted", nil); err != nil {
		return newResult(trade), err
	}
	e.recordFailure(ctx, trade)
	return newResult(trade), nil
}
