package engine

import (
	"context"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"trade-executor/internal/apperr"
	"trade-executor/internal/metrics"
)

// Sender pushes a signed transaction to the network; chain.Client satisfies it.
type Sender interface {
	Send(ctx context.Context, tx *types.Transaction) error
}

// GatedBroadcaster is the only path from the engine to eth_sendRawTransaction.
// While dry-run is set it returns DRY_RUN without calling the sender.
type GatedBroadcaster struct {
	sender  Sender
	dryRun  bool
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewGatedBroadcaster fixes the dry-run switch for the process lifetime.
func NewGatedBroadcaster(sender Sender, dryRun bool, m *metrics.Metrics, logger zerolog.Logger) *GatedBroadcaster {
	return &GatedBroadcaster{
		sender:  sender,
		dryRun:  dryRun,
		metrics: m,
		logger:  logger.With().Str("component", "broadcaster").Logger(),
	}
}

// DryRun reports whether the gate is closed.
func (b *GatedBroadcaster) DryRun() bool {
	return b == nil || b.dryRun
}

// Broadcast sends tx once. kind labels the transaction for metrics and logs.
func (b *GatedBroadcaster) Broadcast(ctx context.Context, kind string, tx *types.Transaction) error {
	if b.DryRun() {
		if b != nil {
			b.metrics.Broadcast(kind, "dry_run")
			b.logger.Warn().Str("kind", kind).Str("tx_hash", tx.Hash().Hex()).Msg("broadcast blocked by dry-run")
		}
		return apperr.New(apperr.ClassDryRun, apperr.CodeDryRun, "dry-run is active, %s transaction not broadcast", kind)
	}
	if err := b.sender.Send(ctx, tx); err != nil {
		b.metrics.Broadcast(kind, "error")
		return err
	}
	b.metrics.Broadcast(kind, "ok")
	return nil
}
